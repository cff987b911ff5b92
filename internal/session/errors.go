package session

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable cause of a rejected operation.
type Reason string

// Rejection reasons surfaced verbatim to callers
const (
	ReasonSelfJoin      Reason = "self-join"
	ReasonNotOpen       Reason = "not-open"
	ReasonFull          Reason = "full"
	ReasonDuplicate     Reason = "duplicate"
	ReasonNotMember     Reason = "not-member"
	ReasonForbidden     Reason = "forbidden"
	ReasonAlreadyClosed Reason = "already-closed"
	ReasonInvalidPatch  Reason = "invalid-patch"
)

// RejectedError is returned when an operation violates a state-machine rule.
// It is deterministic for a given snapshot and operation and is never retried.
type RejectedError struct {
	Op     OpKind
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s rejected: %s (%s)", e.Op, e.Reason, e.Detail)
	}
	return fmt.Sprintf("%s rejected: %s", e.Op, e.Reason)
}

// AsRejected extracts the rejection reason from err.
func AsRejected(err error) (Reason, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// Machine errors that are defects rather than client mistakes
var (
	ErrInvariant    = errors.New("session invariant violated")
	ErrUnknownOp    = errors.New("unknown operation")
	ErrNilSnapshot  = errors.New("snapshot is required")
	ErrInvalidActor = errors.New("actor ref is required")
)

func reject(op OpKind, reason Reason) error {
	return &RejectedError{Op: op, Reason: reason}
}

func rejectf(op OpKind, reason Reason, format string, args ...interface{}) error {
	return &RejectedError{Op: op, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
