// Package relay forwards driver positions to the rider of a ride. Delivery
// is targeted: exactly one connection ever receives an update. No history is
// kept server-side; at most a best-effort last-position write goes to the
// location stream and Redis cache.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
	"github.com/example/ride-session/internal/protocol"
	"github.com/example/ride-session/internal/registry"
)

var ErrDropped = errors.New("location update dropped")

// Producer is the optional location stream sink.
type Producer interface {
	PublishLocation(u models.LocationUpdate) error
}

// PositionCache is the optional last-known position sink.
type PositionCache interface {
	Update(ctx context.Context, u models.LocationUpdate) error
}

type Relay struct {
	Registry *registry.Registry
	Sessions *dispatch.WSRegistry
	Producer Producer      // nil when no stream is configured
	Cache    PositionCache // nil when no cache is configured
	Logger   *slog.Logger
}

// Forward validates the update and delivers it to the ride's rider. Invalid
// or unroutable updates are dropped with a warning; nothing here can fail
// the caller's connection. The relay imposes no rate limit: every valid
// update is forwarded, and each one simply overwrites the previous position
// downstream.
func (r *Relay) Forward(driverConnID, rideID string, coord models.Coord) error {
	if !coord.Valid() {
		observability.LocationsDropped.Inc()
		r.Logger.Warn("invalid driver location dropped", "ride_id", rideID, "lat", coord.Latitude, "lon", coord.Longitude)
		return ErrDropped
	}

	ride, err := r.Registry.Find(rideID)
	if err != nil {
		observability.LocationsDropped.Inc()
		r.Logger.Warn("location for unknown ride dropped", "ride_id", rideID)
		return ErrDropped
	}
	if ride.RiderConnID == "" {
		observability.LocationsDropped.Inc()
		return ErrDropped
	}

	frame := protocol.Frame{
		Event: protocol.EventDriverLocation,
		Data:  protocol.DriverLocation{RideID: rideID, Coords: coord},
	}
	_ = r.Sessions.Send(ride.RiderConnID, frame)
	observability.LocationsRelayed.Inc()

	u := models.LocationUpdate{RideID: rideID, DriverID: driverConnID, Coord: coord, SentAt: time.Now()}
	if r.Producer != nil {
		if err := r.Producer.PublishLocation(u); err != nil {
			r.Logger.Warn("location stream publish failed", "ride_id", rideID, "error", err)
		}
	}
	if r.Cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := r.Cache.Update(ctx, u); err != nil {
			r.Logger.Warn("last-position cache update failed", "driver_id", driverConnID, "error", err)
		}
		cancel()
	}
	return nil
}
