// Package registry is the authoritative store of rides. All status changes
// go through Transition, a compare-and-transition primitive serialized per
// ride, so unrelated rides never contend on one lock.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/ride-session/internal/models"
	"github.com/example/ride-session/internal/otp"
)

var (
	ErrNotFound = errors.New("ride not found")
	ErrConflict = errors.New("ride status conflict")
	ErrInvalid  = errors.New("invalid ride request")
)

// Request carries the fields needed to create a ride.
type Request struct {
	Pickup      string
	Drop        string
	Price       float64
	PickupCoord models.Coord
	DropCoord   models.Coord
	RiderConnID string
	RiderName   string
	RideType    string
}

type entry struct {
	mu   sync.Mutex
	ride models.Ride
}

type Registry struct {
	mu    sync.RWMutex
	rides map[string]*entry
	seq   atomic.Uint64

	now func() time.Time
}

func New() *Registry {
	return &Registry{rides: make(map[string]*entry), now: time.Now}
}

// Create builds a ride with a fresh id and OTP. The id concatenates the
// requesting connection id with a process-wide counter, so two requests from
// the same connection in the same clock tick still get distinct ids.
func (r *Registry) Create(req Request) (models.Ride, error) {
	if req.Pickup == "" {
		return models.Ride{}, fmt.Errorf("%w: pickup required", ErrInvalid)
	}
	if req.Drop == "" {
		return models.Ride{}, fmt.Errorf("%w: drop required", ErrInvalid)
	}
	if req.Price <= 0 {
		return models.Ride{}, fmt.Errorf("%w: price required", ErrInvalid)
	}
	if req.RiderConnID == "" {
		return models.Ride{}, fmt.Errorf("%w: rider connection required", ErrInvalid)
	}

	name := req.RiderName
	if name == "" {
		name = "Rider"
	}
	rideType := req.RideType
	if rideType == "" {
		rideType = "Standard"
	}

	now := r.now()
	ride := models.Ride{
		ID:          fmt.Sprintf("%s-%d", req.RiderConnID, r.seq.Add(1)),
		Pickup:      req.Pickup,
		Drop:        req.Drop,
		Price:       req.Price,
		PickupCoord: req.PickupCoord,
		DropCoord:   req.DropCoord,
		RiderConnID: req.RiderConnID,
		RiderName:   name,
		RideType:    rideType,
		OTP:         otp.Generate(),
		Status:      models.StatusRequested,
		Ratings:     make(map[string]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	r.mu.Lock()
	r.rides[ride.ID] = &entry{ride: ride}
	r.mu.Unlock()
	return ride, nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.rides[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// Find returns a copy of the ride.
func (r *Registry) Find(id string) (models.Ride, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Ride{}, err
	}
	e.mu.Lock()
	ride := copyRide(&e.ride)
	e.mu.Unlock()
	return ride, nil
}

// Transition atomically moves a ride from one status to another, applying
// mutate while the ride's lock is held. It is the only sanctioned status
// mutator. A ride whose current status differs from from is left untouched
// and ErrConflict is returned, so a losing concurrent caller can never
// overwrite the winner's mutation.
func (r *Registry) Transition(id string, from, to models.Status, mutate func(*models.Ride)) (models.Ride, error) {
	e, err := r.lookup(id)
	if err != nil {
		return models.Ride{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ride.Status != from {
		return models.Ride{}, fmt.Errorf("%w: ride %s is %s, expected %s", ErrConflict, id, e.ride.Status, from)
	}
	if mutate != nil {
		mutate(&e.ride)
	}
	e.ride.Status = to
	e.ride.UpdatedAt = r.now()
	return copyRide(&e.ride), nil
}

// Rate records a rating for one role on the ride. Ratings never change the
// ride status; a repeated submission for the same role overwrites.
func (r *Registry) Rate(id, role string, rating int) (models.Ride, error) {
	if rating < 1 || rating > 5 {
		return models.Ride{}, fmt.Errorf("%w: rating out of range", ErrInvalid)
	}
	e, err := r.lookup(id)
	if err != nil {
		return models.Ride{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ride.Ratings[role] = rating
	return copyRide(&e.ride), nil
}

// Requested returns copies of all rides still waiting for a driver, oldest
// first ordering is not guaranteed. Used for the new-driver replay and by
// the expiry sweeper.
func (r *Registry) Requested() []models.Ride {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.rides))
	for _, e := range r.rides {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.Ride, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.ride.Status == models.StatusRequested {
			out = append(out, copyRide(&e.ride))
		}
		e.mu.Unlock()
	}
	return out
}

// copyRide deep-copies the ratings map so callers never share mutable state
// with the registry.
func copyRide(r *models.Ride) models.Ride {
	out := *r
	out.Ratings = make(map[string]int, len(r.Ratings))
	for k, v := range r.Ratings {
		out.Ratings[k] = v
	}
	return out
}
