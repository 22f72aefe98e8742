package storage

import (
	"sync"

	"github.com/example/ride-session/internal/models"
)

// RideStore is the write-behind archive of ride snapshots. The in-memory
// registry stays the single source of truth; the archive exists for offline
// inspection and is never read back on the event path.
type RideStore interface {
	SaveRide(s models.Snapshot) error
	UpdateRide(s models.Snapshot) error
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Snapshot)}
}

func (m *MemoryStore) SaveRide(s models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[s.ID] = s
	return nil
}

func (m *MemoryStore) UpdateRide(s models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[s.ID] = s
	return nil
}

func (m *MemoryStore) Get(id string) (models.Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.rides[id]
	return s, ok
}
