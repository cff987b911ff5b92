package coordinator

import (
	"context"
	"errors"

	"partyboard/internal/session"
	"partyboard/pkg/interfaces"
	"partyboard/pkg/types"
)

// Coordinator errors. Rejections come back as *session.RejectedError.
var (
	// ErrConflict means the optimistic retry budget ran out; the caller may
	// try again later.
	ErrConflict = errors.New("session modified concurrently, retry later")
	// ErrUnavailable wraps store I/O failures and timeouts.
	ErrUnavailable = errors.New("session store unavailable")
	// ErrSessionNotFound is returned for unknown or already deleted sessions.
	ErrSessionNotFound = interfaces.ErrSessionNotFound
)

// errVersionRace is the only retryable outcome of an attempt.
var errVersionRace = errors.New("version race lost")

// Class groups errors by how a caller should react to them.
type Class int

const (
	ClassNone Class = iota
	ClassInvalid
	ClassRejected
	ClassForbidden
	ClassNotFound
	ClassConflict
	ClassUnavailable
	ClassInternal
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassInvalid:
		return "invalid"
	case ClassRejected:
		return "rejected"
	case ClassForbidden:
		return "forbidden"
	case ClassNotFound:
		return "not_found"
	case ClassConflict:
		return "conflict"
	case ClassUnavailable:
		return "unavailable"
	}
	return "internal"
}

// Retryable reports whether the same request may succeed if repeated later.
func (c Class) Retryable() bool {
	return c == ClassConflict || c == ClassUnavailable
}

// Classify maps any error returned by the coordinator to a Class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if reason, ok := session.AsRejected(err); ok {
		if reason == session.ReasonForbidden {
			return ClassForbidden
		}
		return ClassRejected
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return ClassNotFound
	case errors.Is(err, ErrConflict):
		return ClassConflict
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassUnavailable
	case isValidation(err):
		return ClassInvalid
	}
	return ClassInternal
}

func isValidation(err error) bool {
	for _, target := range []error{
		types.ErrInvalidTitle,
		types.ErrInvalidDescription,
		types.ErrInvalidCapacity,
		types.ErrInvalidUserRef,
		types.ErrInvalidDisplayName,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
