package websocket

import (
	"sync"

	"partyboard/pkg/interfaces"
)

// Registry tracks feed connections by the session they watch.
// TECHNICAL DISCOVERY: RWMutex suits the read-heavy broadcast path
type Registry struct {
	mu        sync.RWMutex
	limit     int
	all       map[string]interfaces.Connection            // id -> connection watching every session
	bySession map[string]map[string]interfaces.Connection // sessionID -> id -> connection
	count     int
}

// NewRegistry creates a registry. limit <= 0 means unbounded.
func NewRegistry(limit int) *Registry {
	return &Registry{
		limit:     limit,
		all:       make(map[string]interfaces.Connection),
		bySession: make(map[string]map[string]interfaces.Connection),
	}
}

// Register adds conn under its session filter.
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limit > 0 && r.count >= r.limit {
		return ErrRegistryFull
	}

	id := conn.ID()
	if sessionID := conn.SessionFilter(); sessionID != "" {
		watchers := r.bySession[sessionID]
		if watchers == nil {
			watchers = make(map[string]interfaces.Connection)
			r.bySession[sessionID] = watchers
		}
		if _, dup := watchers[id]; !dup {
			r.count++
		}
		watchers[id] = conn
		return nil
	}
	if _, dup := r.all[id]; !dup {
		r.count++
	}
	r.all[id] = conn
	return nil
}

// Unregister removes conn. Idempotent.
func (r *Registry) Unregister(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id := conn.ID()
	if sessionID := conn.SessionFilter(); sessionID != "" {
		watchers, ok := r.bySession[sessionID]
		if !ok {
			return
		}
		if _, ok := watchers[id]; !ok {
			return
		}
		delete(watchers, id)
		r.count--
		// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
		if len(watchers) == 0 {
			delete(r.bySession, sessionID)
		}
		return
	}
	if _, ok := r.all[id]; ok {
		delete(r.all, id)
		r.count--
	}
}

// Recipients returns every connection interested in sessionID.
func (r *Registry) Recipients(sessionID string) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Connection, 0, len(r.all)+len(r.bySession[sessionID]))
	for _, conn := range r.all {
		out = append(out, conn)
	}
	for _, conn := range r.bySession[sessionID] {
		out = append(out, conn)
	}
	return out
}

// DropSession forgets the watchers of a deleted session and returns them.
func (r *Registry) DropSession(sessionID string) []interfaces.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	watchers := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	out := make([]interfaces.Connection, 0, len(watchers))
	for _, conn := range watchers {
		out = append(out, conn)
	}
	r.count -= len(out)
	return out
}

// Stats reports registry size.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": r.count,
		"global_watchers":   len(r.all),
		"watched_sessions":  len(r.bySession),
	}
}
