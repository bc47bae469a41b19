// Package session tracks live websocket connections in memory, for
// diagnostics endpoints and for closing everything on shutdown.
package session

import (
	"sort"
	"sync"
	"time"
)

// Conn is the registry's view of a live connection.
type Conn interface {
	ID() string
	User() string
	Events() int64
	Close(reason string)
}

// Info is a point-in-time snapshot of one connection.
type Info struct {
	ID          string    `json:"id"`
	User        string    `json:"user,omitempty"`
	Events      int64     `json:"events"`
	ConnectedAt time.Time `json:"connected_at"`
}

type entry struct {
	conn        Conn
	connectedAt time.Time
}

// Registry manages live connections in memory.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]entry
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]entry),
	}
}

// Add registers a connection under its id.
func (r *Registry) Add(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = entry{conn: conn, connectedAt: time.Now()}
}

// Remove unregisters a connection. Removing an unknown id is a no-op, so
// handlers can defer it unconditionally.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get returns the snapshot of one connection.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return Info{}, false
	}
	return snapshot(e), true
}

// List returns snapshots of all live connections, oldest first.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.conns))
	for _, e := range r.conns {
		infos = append(infos, snapshot(e))
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every live connection with the given reason. Connections
// unregister themselves when their handler returns, so the registry may
// briefly still list them afterwards.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		conns = append(conns, e.conn)
	}
	r.mu.RUnlock()

	// Close outside the lock: a Close implementation may call back into
	// the registry.
	for _, conn := range conns {
		conn.Close(reason)
	}
}

func snapshot(e entry) Info {
	return Info{
		ID:          e.conn.ID(),
		User:        e.conn.User(),
		Events:      e.conn.Events(),
		ConnectedAt: e.connectedAt,
	}
}
