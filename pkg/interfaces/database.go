package interfaces

import (
	"context"
	"time"

	"partyboard/pkg/types"
)

// SessionStore is durable keyed storage for Session snapshots.
// ARCHITECTURAL DISCOVERY: The store owns no business logic; it only offers
// reads and writes that are conditional on the snapshot version
type SessionStore interface {
	// CreateSession inserts a brand-new snapshot (Version must be 1).
	CreateSession(ctx context.Context, session *types.Session) error

	// GetSession returns the current snapshot including its Version.
	// Returns ErrSessionNotFound when the id is unknown.
	GetSession(ctx context.Context, sessionID string) (*types.Session, error)

	// CommitIfVersion replaces the stored snapshot with next only if the stored
	// Version still equals expectedVersion. It reports false on a version race
	// and ErrSessionNotFound when the row is gone.
	CommitIfVersion(ctx context.Context, next *types.Session, expectedVersion int64) (bool, error)

	// DeleteIfVersion removes the session and its participants only if the
	// stored Version equals expectedVersion.
	DeleteIfVersion(ctx context.Context, sessionID string, expectedVersion int64) (bool, error)

	// ListExpired returns ids created before createdBefore, plus closed or
	// cancelled sessions whose last update is before idleBefore.
	ListExpired(ctx context.Context, createdBefore, idleBefore time.Time) ([]string, error)

	// ListSessions returns snapshots matching the filter, newest first.
	ListSessions(ctx context.Context, filter types.ListFilter) ([]*types.Session, error)

	// HealthCheck verifies connectivity.
	HealthCheck(ctx context.Context) error

	// Close releases resources; pending writes complete first.
	Close() error
}
