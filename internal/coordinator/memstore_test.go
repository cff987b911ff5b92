package coordinator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"partyboard/internal/hub"
	"partyboard/pkg/interfaces"
	"partyboard/pkg/types"
)

// memStore is an in-memory SessionStore with failure injection.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*types.Session

	getErr     error
	commitErr  error
	alwaysRace bool
	block      bool

	gets    atomic.Int32
	commits atomic.Int32
}

var _ interfaces.SessionStore = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*types.Session)}
}

func (m *memStore) CreateSession(ctx context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return interfaces.ErrSessionExists
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *memStore) GetSession(ctx context.Context, id string) (*types.Session, error) {
	m.gets.Add(1)
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (m *memStore) CommitIfVersion(ctx context.Context, next *types.Session, expected int64) (bool, error) {
	m.commits.Add(1)
	if m.commitErr != nil {
		return false, m.commitErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[next.ID]
	if !ok {
		return false, interfaces.ErrSessionNotFound
	}
	if m.alwaysRace || cur.Version != expected {
		return false, nil
	}
	m.sessions[next.ID] = next.Clone()
	return true, nil
}

func (m *memStore) DeleteIfVersion(ctx context.Context, id string, expected int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[id]
	if !ok {
		return false, interfaces.ErrSessionNotFound
	}
	if cur.Version != expected {
		return false, nil
	}
	delete(m.sessions, id)
	return true, nil
}

func (m *memStore) ListExpired(ctx context.Context, createdBefore, idleBefore time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.sessions {
		if s.CreatedAt.Before(createdBefore) || (s.Status.Terminal() && s.UpdatedAt.Before(idleBefore)) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) ListSessions(ctx context.Context, f types.ListFilter) ([]*types.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Session
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *memStore) HealthCheck(ctx context.Context) error { return nil }
func (m *memStore) Close() error                          { return nil }

// recorder captures published events.
type recorder struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recorder) Publish(ev hub.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []hub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hub.Event(nil), r.events...)
}
