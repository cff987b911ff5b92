package database

import "errors"

// Store errors that are not part of the shared interface contract
var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrVersionSkew   = errors.New("next version must be expected version plus one")
)
