package storage

import (
	"database/sql"

	_ "github.com/lib/pq"

	"github.com/example/ride-session/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveRide(s models.Snapshot) error {
	_, err := p.db.Exec(`INSERT INTO rides(id, rider_conn_id, driver_conn_id, pickup, drop_off, price, pickup_lat, pickup_lon, drop_lat, drop_lon, rider_name, ride_type, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		s.ID, s.RiderConnID, s.DriverConnID, s.Pickup, s.Drop, s.Price,
		s.PickupCoord.Latitude, s.PickupCoord.Longitude, s.DropCoord.Latitude, s.DropCoord.Longitude,
		s.RiderName, s.RideType, s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateRide(s models.Snapshot) error {
	_, err := p.db.Exec(`UPDATE rides SET driver_conn_id=$1, status=$2, updated_at=$3 WHERE id=$4`,
		s.DriverConnID, s.Status, s.UpdatedAt, s.ID)
	return err
}
