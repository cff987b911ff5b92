// Package database is the SQLite-backed session store.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "partyboard/pkg/database"
	"partyboard/pkg/interfaces"
	"partyboard/pkg/types"
)

// Manager implements interfaces.SessionStore on SQLite.
//
// Reads go straight to the connection pool. Writes are funnelled through a
// single writer goroutine so that SQLite never sees competing writers; the
// version condition on every UPDATE and DELETE is what serialises mutations
// of one session.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

var _ interfaces.SessionStore = (*Manager)(nil)

// NewManager opens the database and starts the writer goroutine.
// Migrations are applied separately through pkg/database.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	m := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With("component", "store"),
		writeChannel: make(chan writeOperation, config.WriteQueue),
		shutdown:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.writeLoop()

	m.logger.Info("database opened", "path", config.DatabasePath)
	return m, nil
}

// writeLoop processes all write operations in a single goroutine.
// TECHNICAL DISCOVERY: SQLite allows one writer at a time, so every write
// goes through this loop
// Failed writes are reported to the caller as-is; retrying is the caller's
// decision.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			if err := op.ctx.Err(); err != nil {
				op.result <- err
				continue
			}
			op.result <- op.operation(op.ctx, m.db)

		case <-m.shutdown:
			// Drain what was queued before Close so no caller is left waiting.
			for {
				select {
				case op := <-m.writeChannel:
					op.result <- ErrManagerClosed
				default:
					m.logger.Debug("write loop stopped")
					return
				}
			}
		}
	}
}

// executeWrite queues a write operation and waits for its completion.
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	// The writer always answers, including during shutdown.
	return <-result
}

// CreateSession inserts a new snapshot together with its participants.
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	if session.Version != 1 {
		return fmt.Errorf("%w: new session has version %d", ErrVersionSkew, session.Version)
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (
				id, title, description, game, platform, rank_filter,
				capacity, occupied, status, closed_explicitly,
				owner_ref, owner_name, room_ref, room_ever_filled, room_retired,
				message_ref, channel_ref, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sessionArgs(session)...)
		if err != nil {
			if isPrimaryKeyViolation(err) {
				return interfaces.ErrSessionExists
			}
			return fmt.Errorf("failed to insert session: %w", err)
		}

		if err := insertParticipants(ctx, tx, session.ID, session.Participants); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session creation: %w", err)
		}
		return nil
	})
}

// GetSession retrieves a session snapshot by ID.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, selectSessions+" WHERE id = ?", sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	byID := map[string]*types.Session{session.ID: session}
	if err := m.loadParticipants(ctx, byID); err != nil {
		return nil, err
	}
	return session, nil
}

// CommitIfVersion replaces the stored snapshot when its version still equals
// expectedVersion. Participant rows are diffed so that a member who stays keeps
// their original row.
func (m *Manager) CommitIfVersion(ctx context.Context, next *types.Session, expectedVersion int64) (bool, error) {
	if next.Version != expectedVersion+1 {
		return false, fmt.Errorf("%w: expected %d, next %d", ErrVersionSkew, expectedVersion, next.Version)
	}

	var committed bool
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET
				title = ?, description = ?, game = ?, platform = ?, rank_filter = ?,
				capacity = ?, occupied = ?, status = ?, closed_explicitly = ?,
				owner_ref = ?, owner_name = ?, room_ref = ?, room_ever_filled = ?, room_retired = ?,
				message_ref = ?, channel_ref = ?, updated_at = ?, version = ?
			WHERE id = ? AND version = ?
		`,
			next.Title, next.Description, next.Game, next.Platform, next.RankFilter,
			next.Capacity, next.Occupied, string(next.Status), next.ClosedExplicitly,
			next.OwnerRef, next.OwnerName, next.RoomRef, next.RoomEverFilled, next.RoomRetired,
			next.MessageRef, next.ChannelRef, next.UpdatedAt.UTC(), next.Version,
			next.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return missingOrStale(ctx, tx, next.ID)
		}

		if err := syncParticipants(ctx, tx, next); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session update: %w", err)
		}
		committed = true
		return nil
	})
	if errors.Is(err, errStale) {
		return false, nil
	}
	return committed, err
}

// DeleteIfVersion removes a session and, by cascade, its participants.
func (m *Manager) DeleteIfVersion(ctx context.Context, sessionID string, expectedVersion int64) (bool, error) {
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE id = ? AND version = ?", sessionID, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return missingOrStale(ctx, tx, sessionID)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session deletion: %w", err)
		}
		return nil
	})
	if errors.Is(err, errStale) {
		return false, nil
	}
	return err == nil, err
}

// ListExpired returns ids of sessions created before createdBefore, and of
// closed or cancelled sessions untouched since idleBefore. Oldest first.
func (m *Manager) ListExpired(ctx context.Context, createdBefore, idleBefore time.Time) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id FROM sessions
		WHERE created_at < ?
		   OR (status IN ('closed', 'cancelled') AND updated_at < ?)
		ORDER BY created_at ASC
	`, createdBefore.UTC(), idleBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired sessions: %w", err)
	}
	return ids, nil
}

// ListSessions returns snapshots matching filter, newest first.
// Game and platform match case-insensitively.
func (m *Manager) ListSessions(ctx context.Context, filter types.ListFilter) ([]*types.Session, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Game != "" {
		where = append(where, "game = ? COLLATE NOCASE")
		args = append(args, filter.Game)
	}
	if filter.Platform != "" {
		where = append(where, "platform = ? COLLATE NOCASE")
		args = append(args, filter.Platform)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := selectSessions
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.Session
	byID := make(map[string]*types.Session)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, s)
		byID[s.ID] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	_ = rows.Close()

	if err := m.loadParticipants(ctx, byID); err != nil {
		return nil, err
	}
	return sessions, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the database. Writes already queued are
// answered with ErrManagerClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	m.logger.Info("database closed")
	return nil
}

// errStale signals a lost version race from inside a write operation.
var errStale = errors.New("stale version")

func missingOrStale(ctx context.Context, tx *sql.Tx, id string) error {
	var one int
	err := tx.QueryRowContext(ctx, "SELECT 1 FROM sessions WHERE id = ?", id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return interfaces.ErrSessionNotFound
	case err != nil:
		return fmt.Errorf("failed to check session existence: %w", err)
	}
	return errStale
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
