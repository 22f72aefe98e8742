// Package dispatch delivers outbound protocol messages. Sessions are keyed
// by connection id; rooms give per-ride delivery scopes so presence and
// lifecycle events reach only that ride's rider and driver.
package dispatch

import (
	"log/slog"
	"sync"
)

// Conn is the write side of a client connection. *websocket.Conn satisfies
// it; tests substitute fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// WSSession serializes writes to one connection. gorilla/websocket allows a
// single concurrent writer, so every send goes through the session mutex.
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds live sessions and ride rooms.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	rooms    map[string]map[string]struct{} // rideID -> set of connIDs

	logger *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{
		sessions: make(map[string]*WSSession),
		rooms:    make(map[string]map[string]struct{}),
		logger:   logger,
	}
}

func (r *WSRegistry) Add(connID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[connID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[connID] = &WSSession{conn: conn}
}

// Remove drops the session and clears its room memberships.
func (r *WSRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[connID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, connID)
	}
	for rideID, members := range r.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, rideID)
		}
	}
}

// Join subscribes a connection to a ride's room. Joining twice is a no-op.
func (r *WSRegistry) Join(rideID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[rideID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[rideID] = members
	}
	members[connID] = struct{}{}
}

// Members returns the connection ids currently in a ride's room.
func (r *WSRegistry) Members(rideID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms[rideID]))
	for id := range r.rooms[rideID] {
		out = append(out, id)
	}
	return out
}

// Send delivers to one connection. Delivery is best-effort: a write error is
// logged and returned, never escalated.
func (r *WSRegistry) Send(connID string, v interface{}) error {
	r.mu.RLock()
	s, ok := r.sessions[connID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		r.logger.Warn("ws send failed", "conn_id", connID, "error", err)
		return err
	}
	return nil
}

// SendRoom delivers to every member of a ride's room.
func (r *WSRegistry) SendRoom(rideID string, v interface{}) {
	for _, id := range r.Members(rideID) {
		_ = r.Send(id, v)
	}
}

// SendAll delivers to each listed connection, skipping dead ones.
func (r *WSRegistry) SendAll(connIDs []string, v interface{}) {
	for _, id := range connIDs {
		_ = r.Send(id, v)
	}
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
