package hub

import (
	"time"

	"partyboard/internal/session"
	"partyboard/pkg/types"
)

// EventKind classifies a committed transition.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventDeleted EventKind = "deleted"
)

// Event is one committed session transition. Old is nil for created events,
// New is nil for deleted events. Snapshots are owned by the bus once
// published and must be treated as read-only by subscribers.
type Event struct {
	Kind      EventKind
	SessionID string
	Op        session.OpKind
	Actor     string
	Old       *types.Session
	New       *types.Session
	// Version orders events of one session. Deletions carry the version
	// after the last committed snapshot.
	Version int64
	At      time.Time
}

// Created builds the event for a newly opened session.
func Created(s *types.Session) Event {
	return Event{
		Kind:      EventCreated,
		SessionID: s.ID,
		Actor:     s.OwnerRef,
		New:       s,
		Version:   s.Version,
		At:        s.CreatedAt,
	}
}

// Updated builds the event for a committed mutation.
func Updated(op session.Op, prev, next *types.Session) Event {
	return Event{
		Kind:      EventUpdated,
		SessionID: next.ID,
		Op:        op.Kind,
		Actor:     op.Actor.Ref,
		Old:       prev,
		New:       next,
		Version:   next.Version,
		At:        next.UpdatedAt,
	}
}

// Deleted builds the event for a committed deletion.
func Deleted(op session.Op, prev *types.Session) Event {
	return Event{
		Kind:      EventDeleted,
		SessionID: prev.ID,
		Op:        op.Kind,
		Actor:     op.Actor.Ref,
		Old:       prev,
		Version:   prev.Version + 1,
		At:        op.At,
	}
}

// Snapshot returns the most recent snapshot carried by the event.
func (e Event) Snapshot() *types.Session {
	if e.New != nil {
		return e.New
	}
	return e.Old
}
