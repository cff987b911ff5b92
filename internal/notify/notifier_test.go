package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partyboard/internal/hub"
	"partyboard/internal/session"
	"partyboard/pkg/types"
)

type webhook struct {
	mu       sync.Mutex
	received []Notification
	headers  []http.Header
	statuses []int
}

func (w *webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var n Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		rw.WriteHeader(http.StatusBadRequest)
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.received = append(w.received, n)
	w.headers = append(w.headers, r.Header.Clone())
	status := http.StatusNoContent
	if len(w.statuses) > 0 {
		status = w.statuses[0]
		w.statuses = w.statuses[1:]
	}
	rw.WriteHeader(status)
}

func (w *webhook) calls() []Notification {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Notification(nil), w.received...)
}

func newNotifier(t *testing.T, hook *webhook) *Notifier {
	t.Helper()
	srv := httptest.NewServer(hook)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.URL = srv.URL
	cfg.Token = "bot-secret"
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.SkipActors = []string{"bot"}
	return New(cfg, srv.Client(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func snapshot(version int64) *types.Session {
	now := time.Date(2026, 10, 15, 20, 0, 0, 0, time.UTC)
	return &types.Session{
		ID:           "s1",
		Title:        "Raid night",
		Game:         "Destiny 2",
		Capacity:     6,
		Occupied:     1,
		Status:       types.StatusOpen,
		OwnerRef:     "owner",
		OwnerName:    "Owner",
		Participants: []types.Participant{},
		MessageRef:   "msg-1",
		ChannelRef:   "chan-1",
		CreatedAt:    now,
		UpdatedAt:    now,
		Version:      version,
	}
}

func TestDeliver_PostsSnapshot(t *testing.T) {
	hook := &webhook{}
	n := newNotifier(t, hook)

	require.NoError(t, n.Deliver(context.Background(), hub.Created(snapshot(1))))

	calls := hook.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "created", calls[0].Event)
	assert.Equal(t, int64(1), calls[0].Version)
	require.NotNil(t, calls[0].Snapshot)
	assert.Equal(t, 6, calls[0].Snapshot.Capacity)
	assert.Equal(t, "chan-1", calls[0].Snapshot.ChannelRef)

	h := hook.headers[0]
	assert.Equal(t, "Bearer bot-secret", h.Get("Authorization"))
	assert.Equal(t, "s1:1", h.Get("Idempotency-Key"))
	assert.Equal(t, "created", h.Get("X-Partyboard-Event"))
	assert.Equal(t, uint64(1), n.Stats().Delivered)
}

func TestDeliver_DeletedCarriesAnnouncementRefs(t *testing.T) {
	hook := &webhook{}
	n := newNotifier(t, hook)

	ev := hub.Deleted(session.Delete(session.System("reaper")), snapshot(4))
	require.NoError(t, n.Deliver(context.Background(), ev))

	calls := hook.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "deleted", calls[0].Event)
	assert.Nil(t, calls[0].Snapshot)
	assert.Equal(t, "msg-1", calls[0].MessageRef)
	assert.Equal(t, "chan-1", calls[0].ChannelRef)
	assert.Equal(t, int64(5), calls[0].Version)
	assert.Equal(t, "system:reaper", calls[0].Actor)
}

func TestDeliver_RetriesTransientFailures(t *testing.T) {
	hook := &webhook{statuses: []int{http.StatusServiceUnavailable, http.StatusTooManyRequests}}
	n := newNotifier(t, hook)

	require.NoError(t, n.Deliver(context.Background(), hub.Created(snapshot(1))))
	assert.Len(t, hook.calls(), 3)
}

func TestDeliver_ClientErrorIsNotRetried(t *testing.T) {
	hook := &webhook{statuses: []int{http.StatusBadRequest}}
	n := newNotifier(t, hook)

	err := n.Deliver(context.Background(), hub.Created(snapshot(1)))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Len(t, hook.calls(), 1)
	assert.Equal(t, uint64(1), n.Stats().Failed)
}

func TestDeliver_BoundedAttempts(t *testing.T) {
	statuses := make([]int, 10)
	for i := range statuses {
		statuses[i] = http.StatusBadGateway
	}
	hook := &webhook{statuses: statuses}
	n := newNotifier(t, hook)

	require.Error(t, n.Deliver(context.Background(), hub.Created(snapshot(1))))
	assert.Len(t, hook.calls(), DefaultConfig().MaxAttempts)
}

func TestRun_DeliversInVersionOrderAndSkipsBot(t *testing.T) {
	hook := &webhook{}
	n := newNotifier(t, hook)

	bus := hub.NewHub(hub.Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer bus.Close()
	sub, err := bus.Subscribe("notify", hub.SubscriberOptions{QueueSize: 32})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, sub) }()

	prev := snapshot(1)
	require.NoError(t, bus.Publish(hub.Created(prev)))
	for i := 0; i < 4; i++ {
		next := prev.Clone()
		next.Version++
		title := next.Title + "!"
		next.Title = title
		require.NoError(t, bus.Publish(hub.Updated(session.Update(session.User("owner", "Owner"), types.Patch{Title: &title}), prev, next)))
		prev = next
	}
	ref := "msg-2"
	botNext := prev.Clone()
	botNext.Version++
	botNext.MessageRef = ref
	require.NoError(t, bus.Publish(hub.Updated(session.Update(session.User("bot", "Bot"), types.Patch{MessageRef: &ref}), prev, botNext)))

	require.Eventually(t, func() bool { return len(hook.calls()) == 5 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return n.Stats().Skipped == 1 }, 2*time.Second, 5*time.Millisecond)

	for i, call := range hook.calls() {
		assert.Equal(t, int64(i+1), call.Version)
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate(), "disabled config is valid")

	cfg := DefaultConfig()
	cfg.URL = "ftp://bots.example"
	assert.Error(t, cfg.Validate())

	cfg.URL = "https://bots.example/hook"
	assert.NoError(t, cfg.Validate())

	cfg.MaxAttempts = 0
	assert.Error(t, cfg.Validate())
}
