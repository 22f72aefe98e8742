package models

import (
	"math"
	"time"
)

type Coord struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Valid reports whether the coordinate is a finite point on the globe.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Latitude) || math.IsInf(c.Latitude, 0) {
		return false
	}
	if math.IsNaN(c.Longitude) || math.IsInf(c.Longitude, 0) {
		return false
	}
	return c.Latitude >= -90 && c.Latitude <= 90 && c.Longitude >= -180 && c.Longitude <= 180
}

// Status is the ride lifecycle position. A ride's status only ever moves
// forward, so the statuses observed for one ride form a non-decreasing
// sequence.
type Status int

const (
	StatusRequested Status = iota
	StatusAccepted
	StatusStarted
	StatusEnded
	// StatusCancelled is terminal and reachable only from Requested, via
	// the expiry sweeper. It never follows Accepted or later.
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRequested:
		return "requested"
	case StatusAccepted:
		return "accepted"
	case StatusStarted:
		return "started"
	case StatusEnded:
		return "ended"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool { return s == StatusEnded || s == StatusCancelled }

// Ride is one request-to-completion transaction. Created by the registry,
// mutated only through the registry's Transition, never deleted.
type Ride struct {
	ID          string
	Pickup      string
	Drop        string
	Price       float64
	PickupCoord Coord
	DropCoord   Coord

	RiderConnID  string // set at creation, immutable
	DriverConnID string // empty until the winning accept; set at most once

	RiderName string
	RideType  string

	// OTP is known to the rider from creation and handed to the driver at
	// accept. It must never appear in a broadcast payload.
	OTP string

	DriverName  string
	DriverPhone string
	CarNumber   string

	Status    Status
	Ratings   map[string]int // role -> 1..5, relay-only
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Snapshot is the flattened form written to the archive and returned by the
// read-only HTTP lookup. It never carries the OTP.
type Snapshot struct {
	ID           string    `json:"ride_id"`
	Pickup       string    `json:"pickup"`
	Drop         string    `json:"drop"`
	Price        float64   `json:"price"`
	PickupCoord  Coord     `json:"pickup_coords"`
	DropCoord    Coord     `json:"drop_coords"`
	RiderConnID  string    `json:"rider_conn_id"`
	DriverConnID string    `json:"driver_conn_id,omitempty"`
	RiderName    string    `json:"rider_name"`
	RideType     string    `json:"ride_type"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r *Ride) Snapshot() Snapshot {
	return Snapshot{
		ID:           r.ID,
		Pickup:       r.Pickup,
		Drop:         r.Drop,
		Price:        r.Price,
		PickupCoord:  r.PickupCoord,
		DropCoord:    r.DropCoord,
		RiderConnID:  r.RiderConnID,
		DriverConnID: r.DriverConnID,
		RiderName:    r.RiderName,
		RideType:     r.RideType,
		Status:       r.Status.String(),
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

// LocationUpdate is the message published to the location stream for each
// relayed driver position.
type LocationUpdate struct {
	RideID   string    `json:"ride_id"`
	DriverID string    `json:"driver_id"`
	Coord    Coord     `json:"coord"`
	SentAt   time.Time `json:"sent_at"`
}
