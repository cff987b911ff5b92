package hub

import (
	"context"
	"sync"
	"sync/atomic"
)

// Policy decides what happens when a subscriber's queue is full.
type Policy string

const (
	// DropOldest evicts the oldest queued event to make room.
	DropOldest Policy = "drop-oldest"
	// DropNewest discards the incoming event.
	DropNewest Policy = "drop-newest"
	// Block never drops while the subscriber's backlog has room: events past
	// the queue wait in the backlog until the consumer catches up. Only the
	// consumer waits, never the publisher.
	Block Policy = "block"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case DropOldest, DropNewest, Block:
		return true
	}
	return false
}

// ParsePolicy converts a configuration string to a Policy.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		return DropOldest, nil
	}
	p := Policy(s)
	if !p.Valid() {
		return "", ErrInvalidPolicy
	}
	return p, nil
}

// SubscriberOptions configures one subscription.
type SubscriberOptions struct {
	QueueSize int
	Policy    Policy
	// MaxBacklog bounds the overflow a Block subscriber may accumulate.
	// Events beyond it are dropped and counted.
	MaxBacklog int
}

// SubscriberStats is a point-in-time view of one subscription.
type SubscriberStats struct {
	Name      string `json:"name"`
	Policy    Policy `json:"policy"`
	Capacity  int    `json:"capacity"`
	Queued    int    `json:"queued"`
	Backlog   int    `json:"backlog"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Subscription is one subscriber's feed. It is safe for one consumer
// goroutine to call Next while publishers enqueue.
type Subscription struct {
	id         string
	name       string
	policy     Policy
	size       int
	maxBacklog int
	hub        *Hub

	mu      sync.Mutex
	queue   []Event
	backlog []Event // Block overflow, in publish order
	closed  bool

	ready chan struct{} // signalled when the queue becomes non-empty
	done  chan struct{}
	once  sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func newSubscription(id, name string, opts SubscriberOptions, h *Hub) *Subscription {
	return &Subscription{
		id:         id,
		name:       name,
		policy:     opts.Policy,
		size:       opts.QueueSize,
		maxBacklog: opts.MaxBacklog,
		hub:        h,
		queue:      make([]Event, 0, opts.QueueSize),
		ready:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Name returns the subscriber name given at Subscribe.
func (s *Subscription) Name() string { return s.name }

// enqueue applies the overflow policy. It never waits on the consumer.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) < s.size && len(s.backlog) == 0 {
		s.queue = append(s.queue, ev)
		s.mu.Unlock()
		signal(s.ready)
		return
	}

	switch s.policy {
	case Block:
		if len(s.backlog) < s.maxBacklog {
			s.backlog = append(s.backlog, ev)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.dropped.Add(1)
	case DropOldest:
		copy(s.queue, s.queue[1:])
		s.queue[len(s.queue)-1] = ev
		s.mu.Unlock()
		s.dropped.Add(1)
		signal(s.ready)
	default:
		s.mu.Unlock()
		s.dropped.Add(1)
	}
}

// Next returns the next event, waiting until one is queued, ctx is done or
// the subscription is closed and drained.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			if len(s.backlog) > 0 {
				s.queue = append(s.queue, s.backlog[0])
				s.backlog[0] = Event{}
				s.backlog = s.backlog[1:]
			}
			if len(s.queue) > 0 {
				signal(s.ready)
			}
			s.mu.Unlock()
			s.delivered.Add(1)
			return ev, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, ErrSubscriptionClosed
		}

		select {
		case <-s.ready:
		case <-s.done:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Stats reports the subscription counters.
func (s *Subscription) Stats() SubscriberStats {
	s.mu.Lock()
	queued, backlog := len(s.queue), len(s.backlog)
	s.mu.Unlock()
	return SubscriberStats{
		Name:      s.name,
		Policy:    s.policy,
		Capacity:  s.size,
		Queued:    queued,
		Backlog:   backlog,
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Close detaches the subscription from the bus. Queued and backlogged events
// can still be read with Next until drained.
func (s *Subscription) Close() {
	s.shutdown()
	s.hub.unsubscribe(s.id)
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
