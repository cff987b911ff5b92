// Package hub is the in-process event bus that fans committed session
// transitions out to independent subscribers.
package hub

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Defaults used when Options or SubscriberOptions leave a field zero.
const (
	DefaultQueueSize     = 256
	DefaultReorderWindow = 2 * time.Second
	DefaultMaxPending    = 64
	DefaultMaxBacklog    = 16384
	tombstoneTTL         = time.Minute
)

// Options configures a Bus.
type Options struct {
	// ReorderWindow bounds how long an event waits for a missing earlier
	// version of the same session before it is released anyway.
	ReorderWindow time.Duration
	// MaxPending bounds the per-session reorder buffer.
	MaxPending int
}

// Hub fans session transition events out to subscribers.
//
// Per session, every subscriber observes events in strictly increasing
// version order. Publishers that lose a scheduling race after committing are
// re-sequenced here: an early event waits until the gap before it is filled,
// and an event older than one already delivered is superseded and dropped.
// Across sessions no order is guaranteed.
type Hub struct {
	mu         sync.Mutex
	subs       map[string]*Subscription
	sequences  map[string]*sequence
	tombstones map[string]time.Time
	closed     bool

	window     time.Duration
	maxPending int
	logger     *slog.Logger

	published  atomic.Uint64
	superseded atomic.Uint64
}

// sequence tracks the next expected version for one session.
type sequence struct {
	next    int64
	pending map[int64]Event
	timer   *time.Timer
	gen     uint64
	deleted bool
	// resumed marks a sequence whose earlier versions were never seen.
	resumed bool
}

// Stats is a point-in-time view of the bus.
type Stats struct {
	Published   uint64            `json:"published"`
	Superseded  uint64            `json:"superseded"`
	Sessions    int               `json:"sessions"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// NewHub creates an event bus.
func NewHub(opts Options, logger *slog.Logger) *Hub {
	if opts.ReorderWindow <= 0 {
		opts.ReorderWindow = DefaultReorderWindow
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:       make(map[string]*Subscription),
		sequences:  make(map[string]*sequence),
		tombstones: make(map[string]time.Time),
		window:     opts.ReorderWindow,
		maxPending: opts.MaxPending,
		logger:     logger.With("component", "hub"),
	}
}

// Subscribe registers a new subscriber with its own bounded queue.
func (h *Hub) Subscribe(name string, opts SubscriberOptions) (*Subscription, error) {
	if opts.Policy == "" {
		opts.Policy = DropOldest
	}
	if !opts.Policy.Valid() {
		return nil, ErrInvalidPolicy
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.MaxBacklog <= 0 {
		opts.MaxBacklog = DefaultMaxBacklog
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrBusClosed
	}

	sub := newSubscription(uuid.NewString(), name, opts, h)
	h.subs[sub.id] = sub
	h.logger.Info("subscriber registered", "subscriber", name, "policy", opts.Policy, "queue", opts.QueueSize)
	return sub, nil
}

// Publish hands an event to every subscriber. It never waits on a
// subscriber, whatever its policy, so a stalled consumer cannot hold up
// other sessions, other subscribers or Close.
func (h *Hub) Publish(ev Event) error {
	if ev.SessionID == "" {
		return ErrInvalidEvent
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrBusClosed
	}
	h.published.Add(1)

	if _, gone := h.tombstones[ev.SessionID]; gone {
		h.supersede(ev, "session already deleted")
		return nil
	}

	seq, ok := h.sequences[ev.SessionID]
	if !ok {
		// Sessions opened by this process start at version 1. One first seen
		// at a later version, as after a restart, is held for the reorder
		// window so that a concurrent earlier commit still lands before it.
		seq = &sequence{next: 1, pending: make(map[int64]Event), resumed: ev.Version > 1}
		h.sequences[ev.SessionID] = seq
	}

	switch {
	case ev.Version < seq.next:
		h.supersede(ev, "older than delivered version")
	case ev.Version == seq.next:
		h.release(seq, ev)
		h.drain(seq)
	default:
		seq.pending[ev.Version] = ev
		if len(seq.pending) > h.maxPending {
			h.flush(seq)
		} else if seq.timer == nil {
			seq.gen++
			id, gen := ev.SessionID, seq.gen
			seq.timer = time.AfterFunc(h.window, func() { h.expire(id, gen) })
		}
	}

	h.forget(ev.SessionID, seq)
	return nil
}

// release delivers ev to every subscriber and advances the sequence.
// Caller holds h.mu.
func (h *Hub) release(seq *sequence, ev Event) {
	seq.next = ev.Version + 1
	if ev.Kind == EventDeleted {
		seq.deleted = true
	}
	for _, sub := range h.subs {
		sub.enqueue(ev)
	}
}

// drain releases buffered events that became contiguous.
func (h *Hub) drain(seq *sequence) {
	for {
		ev, ok := seq.pending[seq.next]
		if !ok {
			break
		}
		delete(seq.pending, seq.next)
		h.release(seq, ev)
	}
	if len(seq.pending) == 0 && seq.timer != nil {
		seq.timer.Stop()
		seq.timer = nil
	}
}

// flush gives up on the gap and releases everything buffered in order.
func (h *Hub) flush(seq *sequence) {
	versions := make([]int64, 0, len(seq.pending))
	for v := range seq.pending {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	for _, v := range versions {
		ev := seq.pending[v]
		delete(seq.pending, v)
		if seq.resumed {
			h.logger.Debug("resuming session sequence", "session_id", ev.SessionID, "version", v)
		} else if v != seq.next {
			h.logger.Warn("releasing event past version gap",
				"session_id", ev.SessionID, "expected", seq.next, "version", v)
		}
		seq.resumed = false
		h.release(seq, ev)
	}
	if seq.timer != nil {
		seq.timer.Stop()
		seq.timer = nil
	}
}

func (h *Hub) expire(sessionID string, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seq, ok := h.sequences[sessionID]
	if !ok || h.closed || seq.gen != gen {
		return
	}
	seq.timer = nil
	if len(seq.pending) > 0 {
		h.flush(seq)
	}
	h.forget(sessionID, seq)
}

// forget drops sequencing state once a deletion has been delivered and
// nothing is buffered behind it.
func (h *Hub) forget(sessionID string, seq *sequence) {
	if !seq.deleted || len(seq.pending) > 0 {
		return
	}
	delete(h.sequences, sessionID)
	h.tombstones[sessionID] = time.Now()
	h.pruneTombstones()
}

func (h *Hub) pruneTombstones() {
	if len(h.tombstones) < 1024 {
		return
	}
	cutoff := time.Now().Add(-tombstoneTTL)
	for id, at := range h.tombstones {
		if at.Before(cutoff) {
			delete(h.tombstones, id)
		}
	}
}

func (h *Hub) supersede(ev Event, why string) {
	h.superseded.Add(1)
	h.logger.Debug("event superseded", "session_id", ev.SessionID, "version", ev.Version, "reason", why)
}

// Stats reports bus and per-subscriber counters.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Stats{
		Published:  h.published.Load(),
		Superseded: h.superseded.Load(),
		Sessions:   len(h.sequences),
	}
	for _, sub := range h.subs {
		st.Subscribers = append(st.Subscribers, sub.Stats())
	}
	sort.Slice(st.Subscribers, func(i, j int) bool { return st.Subscribers[i].Name < st.Subscribers[j].Name })
	return st
}

// Close stops the bus and closes every subscription. Events still queued
// remain readable until drained.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[string]*Subscription)
	for _, seq := range h.sequences {
		if seq.timer != nil {
			seq.timer.Stop()
		}
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	h.logger.Info("event bus closed")
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}
