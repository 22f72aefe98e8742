// Package lastpos caches each driver's last known position in Redis. The
// cache is advisory: the relay overwrites it on every valid update and
// nothing on the event path ever reads it back.
package lastpos

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-session/internal/models"
)

type Store struct {
	client *redis.Client
	key    string
}

func New(addr, password, key string) *Store {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Store{client: c, key: key}
}

// Update overwrites the driver's position and metadata. Errors are returned
// for the caller to log; they never affect relay delivery.
func (s *Store) Update(ctx context.Context, u models.LocationUpdate) error {
	if _, err := s.client.GeoAdd(ctx, s.key, &redis.GeoLocation{
		Longitude: u.Coord.Longitude,
		Latitude:  u.Coord.Latitude,
		Name:      u.DriverID,
	}).Result(); err != nil {
		return err
	}
	return s.client.HSet(ctx, metaKey(u.DriverID), map[string]interface{}{
		"ride":    u.RideID,
		"updated": u.SentAt.Format(time.RFC3339),
	}).Err()
}

func (s *Store) Close() error { return s.client.Close() }

func metaKey(id string) string { return "driver:lastpos:" + id }
