package hub

import "errors"

// Event bus errors
var (
	ErrBusClosed          = errors.New("event bus is closed")
	ErrSubscriptionClosed = errors.New("subscription is closed")
	ErrInvalidPolicy      = errors.New("invalid overflow policy")
	ErrInvalidEvent       = errors.New("event has no session id")
)
