package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"partyboard/internal/hub"
	"partyboard/pkg/interfaces"
)

// Broadcaster fans bus events out to registered feed connections.
type Broadcaster struct {
	registry *Registry
	logger   *slog.Logger

	sent    atomic.Uint64
	evicted atomic.Uint64
}

// NewBroadcaster creates a broadcaster over registry.
func NewBroadcaster(registry *Registry, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{registry: registry, logger: logger.With("component", "ws-broadcaster")}
}

// Run delivers events from sub until ctx is done or the subscription closes.
func (b *Broadcaster) Run(ctx context.Context, sub *hub.Subscription) error {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, hub.ErrSubscriptionClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		b.Broadcast(ev)
	}
}

// Broadcast sends ev to every interested connection. Connections that
// cannot accept the frame are evicted. Watchers of a deleted session get the
// deletion and are then disconnected.
func (b *Broadcaster) Broadcast(ev hub.Event) {
	msg := MessageFromEvent(ev)
	for _, conn := range b.registry.Recipients(ev.SessionID) {
		if err := conn.WriteJSON(msg); err != nil {
			b.evict(conn, err)
			continue
		}
		b.sent.Add(1)
	}
	if ev.Kind == hub.EventDeleted {
		for _, conn := range b.registry.DropSession(ev.SessionID) {
			go func(c interfaces.Connection) { _ = c.Close() }(conn)
		}
	}
}

func (b *Broadcaster) evict(conn interfaces.Connection, err error) {
	b.registry.Unregister(conn)
	b.evicted.Add(1)
	b.logger.Info("feed connection dropped", "conn_id", conn.ID(), "session_filter", conn.SessionFilter(), "reason", err)
	go func() { _ = conn.Close() }()
}

// Stats reports delivery counters.
func (b *Broadcaster) Stats() map[string]uint64 {
	return map[string]uint64{
		"sent":    b.sent.Load(),
		"evicted": b.evicted.Load(),
	}
}
