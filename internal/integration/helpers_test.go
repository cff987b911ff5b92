package integration

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"partyboard/internal/coordinator"
	"partyboard/internal/database"
	"partyboard/internal/hub"
	"partyboard/internal/room"
	dbconfig "partyboard/pkg/database"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// engine is the full write path over a real SQLite store: coordinator,
// bus and a running room manager backed by an in-memory provisioner.
type engine struct {
	store       *database.Manager
	bus         *hub.Hub
	coord       *coordinator.Coordinator
	rooms       *room.Manager
	provisioner *room.MemoryProvisioner
	clock       *clock
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "partyboard.db")
	store, err := database.NewManager(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	_, err = dbconfig.NewMigrationManager(store.GetDB()).ApplyMigrations(context.Background())
	require.NoError(t, err)

	bus := hub.NewHub(hub.Options{}, quietLogger())
	clk := &clock{now: time.Now().UTC()}
	coord := coordinator.New(store, bus, coordinator.DefaultConfig(), quietLogger(), coordinator.WithClock(clk.Now))

	roomCfg := room.DefaultConfig()
	roomCfg.InitialBackoff = 5 * time.Millisecond
	roomCfg.MaxBackoff = 20 * time.Millisecond
	roomCfg.ReconcileInterval = 0
	provisioner := room.NewMemoryProvisioner()
	rooms := room.NewManager(provisioner, coord, roomCfg, quietLogger())

	sub, err := bus.Subscribe("rooms", hub.SubscriberOptions{Policy: hub.Block})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = rooms.Run(ctx, sub)
	}()
	t.Cleanup(func() {
		cancel()
		bus.Close()
		<-done
	})

	return &engine{store: store, bus: bus, coord: coord, rooms: rooms, provisioner: provisioner, clock: clk}
}
