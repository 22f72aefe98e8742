// Package directory tracks live connections: their role, the ride they are
// currently on, and for drivers the requests they turned down. Connection
// entries are created on connect and removed on disconnect; they reference
// rides by id and never own them.
//
// Rejections are kept apart from the connection entry so they outlive a
// disconnect: a driver who turned a ride down and reconnects is not offered
// it again. They are pruned once the ride leaves the requested state.
package directory

import "sync"

type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleRider:
		return RoleRider, true
	case RoleDriver:
		return RoleDriver, true
	}
	return "", false
}

type entry struct {
	role   Role
	rideID string
}

type Directory struct {
	mu       sync.RWMutex
	conns    map[string]*entry
	rejected map[string]map[string]struct{} // connID -> set of rideIDs
}

func New() *Directory {
	return &Directory{
		conns:    make(map[string]*entry),
		rejected: make(map[string]map[string]struct{}),
	}
}

func (d *Directory) Add(connID string, role Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns[connID] = &entry{role: role}
}

// Remove drops the connection entry. The rejection record stays so a
// reconnect under the same id is not re-offered rides it already declined.
func (d *Directory) Remove(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.conns, connID)
}

func (d *Directory) Role(connID string) (Role, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.conns[connID]
	if !ok {
		return "", false
	}
	return e.role, true
}

// SetRide records the ride a connection is currently involved in.
func (d *Directory) SetRide(connID, rideID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.conns[connID]; ok {
		e.rideID = rideID
	}
}

func (d *Directory) Ride(connID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.conns[connID]
	if !ok || e.rideID == "" {
		return "", false
	}
	return e.rideID, true
}

// Reject marks a ride as declined by this driver. It only narrows what that
// one connection sees; the ride itself is untouched and stays visible to
// every other driver.
func (d *Directory) Reject(connID, rideID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.rejected[connID]
	if !ok {
		set = make(map[string]struct{})
		d.rejected[connID] = set
	}
	set[rideID] = struct{}{}
}

func (d *Directory) Rejected(connID, rideID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, rej := d.rejected[connID][rideID]
	return rej
}

// ForgetRide clears every rejection record for a ride once it can no longer
// be offered, keeping the record's size proportional to open requests.
func (d *Directory) ForgetRide(rideID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for connID, set := range d.rejected {
		delete(set, rideID)
		if len(set) == 0 {
			delete(d.rejected, connID)
		}
	}
}

// Connections lists the ids of live connections with the given role.
func (d *Directory) Connections(role Role) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.conns))
	for id, e := range d.conns {
		if e.role == role {
			out = append(out, id)
		}
	}
	return out
}
