package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyboard/internal/coordinator"
	"partyboard/internal/hub"
	"partyboard/internal/session"
	"partyboard/pkg/types"
)

var owner = session.User("owner", "Owner")

// fakeSessions applies operations with the real state machine over a map.
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
	applied  []session.Op
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*types.Session)}
}

func (f *fakeSessions) Apply(ctx context.Context, id string, op session.Op) (session.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return session.Result{}, coordinator.ErrSessionNotFound
	}
	res, err := session.Transition(s, op)
	if err != nil {
		return session.Result{}, err
	}
	f.applied = append(f.applied, op)
	if res.Deleted {
		delete(f.sessions, id)
	} else {
		f.sessions[id] = res.Next
	}
	return res, nil
}

func (f *fakeSessions) List(ctx context.Context, filter types.ListFilter) ([]*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Session
	for _, s := range f.sessions {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (f *fakeSessions) put(s *types.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s.Clone()
}

func (f *fakeSessions) get(id string) *types.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Clone()
}

func (f *fakeSessions) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
}

// countingProvisioner wraps MemoryProvisioner with call counters, a gate and
// scripted failures.
type countingProvisioner struct {
	*MemoryProvisioner
	provisions atomic.Int32
	teardowns  atomic.Int32
	gate       chan struct{}
	failFirst  int32
	failWith   error
}

func newCountingProvisioner() *countingProvisioner {
	return &countingProvisioner{MemoryProvisioner: NewMemoryProvisioner()}
}

func (p *countingProvisioner) Provision(ctx context.Context, sessionID string, refs []string) (string, error) {
	n := p.provisions.Add(1)
	if p.gate != nil {
		<-p.gate
	}
	if n <= p.failFirst {
		return "", p.failWith
	}
	return p.MemoryProvisioner.Provision(ctx, sessionID, refs)
}

func (p *countingProvisioner) Teardown(ctx context.Context, ref string) error {
	p.teardowns.Add(1)
	return p.MemoryProvisioner.Teardown(ctx, ref)
}

func testConfig() Config {
	return Config{
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		CallTimeout:    time.Second,
		Workers:        4,
	}
}

func newTestManager(p *countingProvisioner, s *fakeSessions) *Manager {
	return NewManager(p, s, testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// filledSession returns a session at capacity 2 that has just gone ongoing.
func filledSession(t *testing.T, id string) (*types.Session, hub.Event) {
	t.Helper()
	s, err := session.Open(id, owner, session.Draft{Title: "Duo", Capacity: 2}, time.Now())
	require.NoError(t, err)
	op := session.Join(session.User("alice", "Alice"))
	res, err := session.Transition(s, op)
	require.NoError(t, err)
	require.Equal(t, types.StatusOngoing, res.Next.Status)
	return res.Next, hub.Updated(op, res.Prev, res.Next)
}

func TestManager_ProvisionsOnFill(t *testing.T) {
	p := newCountingProvisioner()
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	s, ev := filledSession(t, "s1")
	sessions.put(s)

	m.Handle(context.Background(), ev)
	m.Wait()

	assert.Equal(t, int32(1), p.provisions.Load())
	got := sessions.get("s1")
	assert.NotEmpty(t, got.RoomRef)
	assert.Equal(t, int64(s.Version+1), got.Version)
	assert.Equal(t, uint64(1), m.Stats().Provisioned)
}

func TestManager_DuplicateTriggersProvisionOnce(t *testing.T) {
	p := newCountingProvisioner()
	p.gate = make(chan struct{})
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	s, ev := filledSession(t, "s1")
	sessions.put(s)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Handle(context.Background(), ev)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, m.Stats().InFlight)
	close(p.gate)
	m.Wait()

	// A late copy of the pre-room snapshot must not provision again.
	m.Handle(context.Background(), ev)
	m.Wait()

	assert.Equal(t, int32(1), p.provisions.Load())
	assert.Equal(t, 1, p.Active())
}

func TestManager_TeardownOnClose(t *testing.T) {
	p := newCountingProvisioner()
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	s, ev := filledSession(t, "s1")
	sessions.put(s)
	m.Handle(context.Background(), ev)
	m.Wait()

	withRoom := sessions.get("s1")
	closeOp := session.Close(owner)
	res, err := sessions.Apply(context.Background(), "s1", closeOp)
	require.NoError(t, err)
	require.NotEmpty(t, res.Next.RoomRef)

	m.Handle(context.Background(), hub.Updated(closeOp, withRoom, res.Next))
	m.Wait()

	assert.Equal(t, int32(1), p.teardowns.Load())
	assert.Zero(t, p.Active())
	got := sessions.get("s1")
	assert.Empty(t, got.RoomRef)
	assert.True(t, got.RoomRetired)
	assert.Equal(t, types.StatusClosed, got.Status)

	// Replaying the close event does not tear down twice.
	m.Handle(context.Background(), hub.Updated(closeOp, withRoom, res.Next))
	m.Wait()
	assert.Equal(t, int32(1), p.teardowns.Load())
	assert.Equal(t, uint64(1), m.Stats().TornDown)
}

func TestManager_TeardownOnDelete(t *testing.T) {
	p := newCountingProvisioner()
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	s, ev := filledSession(t, "s1")
	sessions.put(s)
	m.Handle(context.Background(), ev)
	m.Wait()

	last := sessions.get("s1")
	delOp := session.Delete(owner)
	_, err := sessions.Apply(context.Background(), "s1", delOp)
	require.NoError(t, err)
	applied := len(sessions.applied)

	m.Handle(context.Background(), hub.Deleted(delOp, last))
	m.Wait()

	assert.Equal(t, int32(1), p.teardowns.Load())
	assert.Zero(t, p.Active())
	assert.Len(t, sessions.applied, applied, "no ref update for a deleted session")
}

func TestManager_DeletedWhileProvisioning(t *testing.T) {
	p := newCountingProvisioner()
	p.gate = make(chan struct{})
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	s, ev := filledSession(t, "s1")
	sessions.put(s)
	m.Handle(context.Background(), ev)

	sessions.remove("s1")
	m.Handle(context.Background(), hub.Deleted(session.Delete(owner), s))
	close(p.gate)
	m.Wait()

	assert.Equal(t, int32(1), p.provisions.Load())
	assert.Zero(t, p.Active(), "room created for a deleted session must be released")
}

func TestManager_ClosedWhileProvisioning(t *testing.T) {
	p := newCountingProvisioner()
	p.gate = make(chan struct{})
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	s, ev := filledSession(t, "s1")
	sessions.put(s)
	m.Handle(context.Background(), ev)

	closeOp := session.Close(owner)
	closed, err := sessions.Apply(context.Background(), "s1", closeOp)
	require.NoError(t, err)
	m.Handle(context.Background(), hub.Updated(closeOp, closed.Prev, closed.Next))

	close(p.gate)
	m.Wait()

	// The ref commit on the closed session is what drives teardown.
	got := sessions.get("s1")
	require.NotEmpty(t, got.RoomRef)
	m.Handle(context.Background(), hub.Updated(session.Update(systemActor, types.Patch{}), closed.Next, got))
	m.Wait()

	assert.Zero(t, p.Active())
	got = sessions.get("s1")
	assert.Empty(t, got.RoomRef)
	assert.True(t, got.RoomRetired)
}

func TestManager_RetriesTransientFailures(t *testing.T) {
	p := newCountingProvisioner()
	p.failFirst = 2
	p.failWith = &StatusError{Op: "provision", Code: http.StatusServiceUnavailable}
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	s, ev := filledSession(t, "s1")
	sessions.put(s)
	m.Handle(context.Background(), ev)
	m.Wait()

	assert.Equal(t, int32(3), p.provisions.Load())
	assert.NotEmpty(t, sessions.get("s1").RoomRef)
	assert.Zero(t, m.Stats().ProvisionFailures)
}

func TestManager_PermanentFailureIsNotRetried(t *testing.T) {
	p := newCountingProvisioner()
	p.failFirst = 100
	p.failWith = &StatusError{Op: "provision", Code: http.StatusBadRequest}
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	s, ev := filledSession(t, "s1")
	sessions.put(s)
	m.Handle(context.Background(), ev)
	m.Wait()

	assert.Equal(t, int32(1), p.provisions.Load())
	assert.Equal(t, uint64(1), m.Stats().ProvisionFailures)
	assert.Empty(t, sessions.get("s1").RoomRef)

	// A later event retries from scratch once the failure cleared.
	p.failFirst = 0
	m.Handle(context.Background(), ev)
	m.Wait()
	assert.NotEmpty(t, sessions.get("s1").RoomRef)
}

func TestManager_BoundedRetries(t *testing.T) {
	p := newCountingProvisioner()
	p.failFirst = 100
	p.failWith = errors.New("connection refused")
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	s, ev := filledSession(t, "s1")
	sessions.put(s)
	m.Handle(context.Background(), ev)
	m.Wait()

	assert.Equal(t, int32(testConfig().MaxAttempts), p.provisions.Load())
	assert.Equal(t, uint64(1), m.Stats().ProvisionFailures)
}

func TestManager_Reconcile(t *testing.T) {
	p := newCountingProvisioner()
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	needsRoom, _ := filledSession(t, "needs-room")
	sessions.put(needsRoom)

	stale, _ := filledSession(t, "stale-room")
	ref, err := p.MemoryProvisioner.Provision(context.Background(), "stale-room", nil)
	require.NoError(t, err)
	stale.RoomRef = ref
	stale.Status = types.StatusClosed
	stale.ClosedExplicitly = true
	sessions.put(stale)

	open, err := session.Open("untouched", owner, session.Draft{Title: "Solo", Capacity: 4}, time.Now())
	require.NoError(t, err)
	sessions.put(open)

	require.NoError(t, m.Reconcile(context.Background()))
	m.Wait()

	assert.NotEmpty(t, sessions.get("needs-room").RoomRef)
	assert.Empty(t, sessions.get("stale-room").RoomRef)
	assert.Empty(t, sessions.get("untouched").RoomRef)
	assert.Equal(t, 1, p.Active())
}

func TestManager_ReopenedSessionWaitsForReconcile(t *testing.T) {
	p := newCountingProvisioner()
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	// The fill's provisioning was lost; a member then left.
	s, _ := filledSession(t, "s1")
	sessions.put(s)
	leave := session.Leave(session.User("alice", "Alice"))
	res, err := sessions.Apply(context.Background(), "s1", leave)
	require.NoError(t, err)
	require.Equal(t, types.StatusOpen, res.Next.Status)

	m.Handle(context.Background(), hub.Updated(leave, res.Prev, res.Next))
	m.Wait()
	assert.Zero(t, p.provisions.Load(), "an open session is not provisioned from a transition")

	require.NoError(t, m.Reconcile(context.Background()))
	m.Wait()
	assert.Equal(t, int32(1), p.provisions.Load())
	assert.NotEmpty(t, sessions.get("s1").RoomRef)
}

func TestManager_RunConsumesSubscription(t *testing.T) {
	p := newCountingProvisioner()
	sessions := newFakeSessions()
	m := newTestManager(p, sessions)

	// The fill is the first event this bus sees for s1, so it waits out
	// the reorder window.
	bus := hub.NewHub(hub.Options{ReorderWindow: 10 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer bus.Close()
	sub, err := bus.Subscribe("room", hub.SubscriberOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, sub) }()

	s, ev := filledSession(t, "s1")
	sessions.put(s)
	require.NoError(t, bus.Publish(ev))

	require.Eventually(t, func() bool {
		return sessions.get("s1").RoomRef != ""
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	for i, mutate := range []func(*Config){
		func(c *Config) { c.MaxAttempts = 0 },
		func(c *Config) { c.InitialBackoff = 0 },
		func(c *Config) { c.CallTimeout = 0 },
		func(c *Config) { c.Workers = 0 },
		func(c *Config) { c.ReconcileInterval = -time.Second },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), fmt.Sprintf("case %d", i))
	}
}
