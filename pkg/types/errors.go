package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrInvalidUserRef     = errors.New("user ref must be 1-64 characters, alphanumeric + underscore/hyphen/colon only")
	ErrInvalidTitle       = errors.New("title must be 1-100 characters")
	ErrInvalidDescription = errors.New("description must be at most 500 characters")
	ErrInvalidCapacity    = errors.New("capacity must be between 2 and 16")
	ErrInvalidOccupancy   = errors.New("occupied must be between 1 and capacity")
	ErrInvalidStatus      = errors.New("invalid session status")
	ErrMemberCountDrift   = errors.New("occupied does not match participant count")
	ErrDuplicateMember    = errors.New("participant listed more than once")
	ErrOwnerAsMember      = errors.New("owner cannot be a participant")
	ErrInvalidDisplayName = errors.New("display name must be at most 100 characters")
)
