package websocket

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"partyboard/internal/hub"
	"partyboard/internal/session"
	"partyboard/pkg/interfaces"
	"partyboard/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Architectural Validation Tests
func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = &Connection{}
	var _ interfaces.Connection = &fakeConn{}
}

type fakeConn struct {
	id     string
	filter string
	fail   error

	mu     sync.Mutex
	frames []Message
	closed bool
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	if f.fail != nil {
		return f.fail
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, v.(Message))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) ID() string            { return f.id }
func (f *fakeConn) SessionFilter() string { return f.filter }

func (f *fakeConn) received() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.frames...)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func testSession(id string, version int64) *types.Session {
	now := time.Now().UTC()
	return &types.Session{
		ID:           id,
		Title:        "Duo queue",
		Game:         "League of Legends",
		Capacity:     2,
		Occupied:     1,
		Status:       types.StatusOpen,
		OwnerRef:     "owner",
		OwnerName:    "Owner",
		Participants: []types.Participant{},
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      version,
	}
}

func joinedEvent(prev *types.Session) hub.Event {
	next := prev.Clone()
	next.Participants = append(next.Participants, types.Participant{UserRef: "bob", DisplayName: "Bob", JoinedAt: prev.UpdatedAt})
	next.Occupied++
	next.Status = types.StatusOngoing
	next.Version++
	return hub.Updated(session.Join(session.User("bob", "Bob")), prev, next)
}

// Functional Validation Tests - Registry
func TestRegistry_RecipientsByFilter(t *testing.T) {
	r := NewRegistry(0)
	global := &fakeConn{id: "g"}
	watcherA := &fakeConn{id: "a", filter: "s1"}
	watcherB := &fakeConn{id: "b", filter: "s2"}
	for _, c := range []*fakeConn{global, watcherA, watcherB} {
		if err := r.Register(c); err != nil {
			t.Fatalf("Register(%s): %v", c.id, err)
		}
	}

	got := r.Recipients("s1")
	if len(got) != 2 {
		t.Fatalf("expected global and s1 watcher, got %d recipients", len(got))
	}
	ids := map[string]bool{}
	for _, c := range got {
		ids[c.ID()] = true
	}
	if !ids["g"] || !ids["a"] {
		t.Errorf("unexpected recipients %v", ids)
	}

	if stats := r.Stats(); stats["total_connections"] != 3 || stats["watched_sessions"] != 2 {
		t.Errorf("unexpected stats %v", stats)
	}

	r.Unregister(watcherA)
	r.Unregister(watcherA)
	if stats := r.Stats(); stats["total_connections"] != 2 || stats["watched_sessions"] != 1 {
		t.Errorf("unexpected stats after unregister %v", stats)
	}
}

func TestRegistry_Limit(t *testing.T) {
	r := NewRegistry(1)
	if err := r.Register(&fakeConn{id: "one"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(&fakeConn{id: "two"}); !errors.Is(err, ErrRegistryFull) {
		t.Errorf("expected ErrRegistryFull, got %v", err)
	}
	if err := r.Register(nil); !errors.Is(err, ErrNilConnection) {
		t.Errorf("expected ErrNilConnection, got %v", err)
	}
}

// Functional Validation Tests - Messages
func TestMessageFromEvent(t *testing.T) {
	s := testSession("s1", 1)

	created := MessageFromEvent(hub.Created(s))
	if created.Type != TypeCreated || created.Data == nil || created.Version != 1 {
		t.Errorf("unexpected created frame %+v", created)
	}

	update := MessageFromEvent(joinedEvent(s))
	if update.Type != TypeUpdate || update.Data.Occupied != 2 || update.Data.Status != types.StatusOngoing {
		t.Errorf("unexpected update frame %+v", update)
	}
	if len(update.Data.Participants) != 1 || update.Data.Participants[0].UserRef != "bob" {
		t.Errorf("unexpected participants %+v", update.Data.Participants)
	}

	deleted := MessageFromEvent(hub.Deleted(session.Delete(session.User("owner", "Owner")), s))
	if deleted.Type != TypeDeleted || deleted.Data != nil || deleted.Version != 2 {
		t.Errorf("unexpected deleted frame %+v", deleted)
	}
}

// Functional Validation Tests - Broadcaster
func TestBroadcaster_EvictsFailingConnections(t *testing.T) {
	r := NewRegistry(0)
	good := &fakeConn{id: "good"}
	slow := &fakeConn{id: "slow", fail: ErrSendBufferFull}
	_ = r.Register(good)
	_ = r.Register(slow)

	b := NewBroadcaster(r, quietLogger())
	b.Broadcast(hub.Created(testSession("s1", 1)))

	if len(good.received()) != 1 {
		t.Errorf("healthy connection should receive the frame")
	}
	if got := len(r.Recipients("s1")); got != 1 {
		t.Errorf("slow connection should be unregistered, %d recipients left", got)
	}
	waitFor(t, slow.isClosed)
	if stats := b.Stats(); stats["evicted"] != 1 || stats["sent"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestBroadcaster_DeleteDisconnectsWatchers(t *testing.T) {
	r := NewRegistry(0)
	global := &fakeConn{id: "g"}
	watcher := &fakeConn{id: "w", filter: "s1"}
	_ = r.Register(global)
	_ = r.Register(watcher)

	b := NewBroadcaster(r, quietLogger())
	b.Broadcast(hub.Deleted(session.Delete(session.User("owner", "Owner")), testSession("s1", 3)))

	for _, c := range []*fakeConn{global, watcher} {
		frames := c.received()
		if len(frames) != 1 || frames[0].Type != TypeDeleted {
			t.Errorf("%s: expected one deleted frame, got %+v", c.id, frames)
		}
	}
	waitFor(t, watcher.isClosed)
	if global.isClosed() {
		t.Error("global watcher must stay connected")
	}
	if stats := r.Stats(); stats["total_connections"] != 1 {
		t.Errorf("unexpected stats %v", stats)
	}
}

func TestBroadcaster_RunStopsWithSubscription(t *testing.T) {
	bus := hub.NewHub(hub.Options{}, quietLogger())
	defer bus.Close()
	sub, err := bus.Subscribe("ws", hub.SubscriberOptions{QueueSize: 8})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	r := NewRegistry(0)
	conn := &fakeConn{id: "g"}
	_ = r.Register(conn)
	b := NewBroadcaster(r, quietLogger())

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background(), sub) }()

	if err := bus.Publish(hub.Created(testSession("s1", 1))); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitFor(t, func() bool { return len(conn.received()) == 1 })

	sub.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the subscription closed")
	}
}

// Integration Tests - real sockets
type fakeReader struct {
	mu       sync.Mutex
	sessions map[string]*types.Session
}

func (f *fakeReader) Get(ctx context.Context, id string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, interfaces.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func newFeedServer(t *testing.T, reader SessionReader) (*httptest.Server, *Registry, *Broadcaster) {
	t.Helper()
	r := NewRegistry(0)
	h := NewHandler(r, reader, nil, quietLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/recruitments", h.HandleAll)
	mux.HandleFunc("GET /ws/recruitments/{id}", h.HandleSession)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, r, NewBroadcaster(r, quietLogger())
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func TestHandler_SessionFeedStartsWithSnapshot(t *testing.T) {
	s := testSession("s1", 1)
	srv, _, b := newFeedServer(t, &fakeReader{sessions: map[string]*types.Session{"s1": s}})

	conn := dial(t, srv, "/ws/recruitments/s1")
	first := readFrame(t, conn)
	if first.Type != TypeSnapshot || first.SessionID != "s1" || first.Data.Capacity != 2 {
		t.Fatalf("unexpected first frame %+v", first)
	}

	b.Broadcast(joinedEvent(s))
	next := readFrame(t, conn)
	if next.Type != TypeUpdate || next.Version != 2 || next.Data.Occupied != 2 {
		t.Errorf("unexpected update frame %+v", next)
	}

	// Other sessions are filtered out; the deletion of s1 closes the feed.
	b.Broadcast(hub.Created(testSession("s2", 1)))
	b.Broadcast(hub.Deleted(session.Delete(session.User("owner", "Owner")), &types.Session{ID: "s1", Version: next.Version}))
	last := readFrame(t, conn)
	if last.Type != TypeDeleted || last.SessionID != "s1" {
		t.Errorf("expected deletion of s1, got %+v", last)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the server to close the feed after deletion")
	}
}

func TestHandler_GlobalFeed(t *testing.T) {
	srv, r, b := newFeedServer(t, &fakeReader{sessions: map[string]*types.Session{}})

	conn := dial(t, srv, "/ws/recruitments")
	waitFor(t, func() bool { return r.Stats()["global_watchers"] == 1 })

	b.Broadcast(hub.Created(testSession("s7", 1)))
	msg := readFrame(t, conn)
	if msg.Type != TypeCreated || msg.SessionID != "s7" {
		t.Errorf("unexpected frame %+v", msg)
	}

	_ = conn.Close()
	waitFor(t, func() bool { return r.Stats()["total_connections"] == 0 })
}

func TestHandler_UnknownSession(t *testing.T) {
	srv, _, _ := newFeedServer(t, &fakeReader{sessions: map[string]*types.Session{}})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/recruitments/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %v", resp)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
