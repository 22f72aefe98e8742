// Package expiry cancels ride requests no driver picked up. It runs as a
// scheduled component layered on the registry, never on the synchronous
// event path.
package expiry

import (
	"log/slog"
	"time"

	"github.com/example/ride-session/internal/directory"
	"github.com/example/ride-session/internal/dispatch"
	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/observability"
	"github.com/example/ride-session/internal/protocol"
	"github.com/example/ride-session/internal/registry"
	"github.com/example/ride-session/internal/storage"
)

type Sweeper struct {
	Registry  *registry.Registry
	Sessions  *dispatch.WSRegistry
	Store     storage.RideStore
	Directory *directory.Directory // optional, cleared of rejection records on cancel
	TTL       time.Duration
	Interval  time.Duration
	Logger    *slog.Logger

	stop chan struct{}
}

func New(reg *registry.Registry, sessions *dispatch.WSRegistry, store storage.RideStore, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		Registry: reg,
		Sessions: sessions,
		Store:    store,
		TTL:      ttl,
		Interval: interval,
		Logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Run sweeps until Stop is called. Call it in its own goroutine.
func (s *Sweeper) Run() {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *Sweeper) Stop() { close(s.stop) }

// Sweep cancels every ride that has sat in Requested longer than the TTL.
// The transition goes through the registry's compare-and-transition, so a
// ride accepted between the scan and the cancel is left alone.
func (s *Sweeper) Sweep(now time.Time) int {
	cancelled := 0
	for _, ride := range s.Registry.Requested() {
		if now.Sub(ride.CreatedAt) < s.TTL {
			continue
		}
		done, err := s.Registry.Transition(ride.ID, models.StatusRequested, models.StatusCancelled, nil)
		if err != nil {
			continue
		}
		cancelled++
		observability.RidesCancelled.Inc()
		if s.Directory != nil {
			s.Directory.ForgetRide(done.ID)
		}
		s.Logger.Info("ride request expired", "ride_id", done.ID, "age", now.Sub(done.CreatedAt).String())
		s.Sessions.SendRoom(done.ID, protocol.Frame{
			Event: protocol.EventRideCancelled,
			Data:  protocol.RideCancelled{RideID: done.ID, Reason: "no driver accepted in time"},
		})
		if s.Store != nil {
			if err := s.Store.UpdateRide(done.Snapshot()); err != nil {
				s.Logger.Warn("ride archive write failed", "ride_id", done.ID, "error", err)
			}
		}
	}
	return cancelled
}
