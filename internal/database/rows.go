package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"partyboard/pkg/types"
)

const selectSessions = `
	SELECT id, title, description, game, platform, rank_filter,
	       capacity, occupied, status, closed_explicitly,
	       owner_ref, owner_name, room_ref, room_ever_filled, room_retired,
	       message_ref, channel_ref, created_at, updated_at, version
	FROM sessions`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*types.Session, error) {
	var s types.Session
	var status string
	err := row.Scan(
		&s.ID, &s.Title, &s.Description, &s.Game, &s.Platform, &s.RankFilter,
		&s.Capacity, &s.Occupied, &status, &s.ClosedExplicitly,
		&s.OwnerRef, &s.OwnerName, &s.RoomRef, &s.RoomEverFilled, &s.RoomRetired,
		&s.MessageRef, &s.ChannelRef, &s.CreatedAt, &s.UpdatedAt, &s.Version,
	)
	if err != nil {
		return nil, err
	}
	s.Status = types.Status(status)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	s.Participants = []types.Participant{}
	return &s, nil
}

func sessionArgs(s *types.Session) []interface{} {
	return []interface{}{
		s.ID, s.Title, s.Description, s.Game, s.Platform, s.RankFilter,
		s.Capacity, s.Occupied, string(s.Status), s.ClosedExplicitly,
		s.OwnerRef, s.OwnerName, s.RoomRef, s.RoomEverFilled, s.RoomRetired,
		s.MessageRef, s.ChannelRef, s.CreatedAt.UTC(), s.UpdatedAt.UTC(), s.Version,
	}
}

func insertParticipants(ctx context.Context, tx *sql.Tx, sessionID string, participants []types.Participant) error {
	for _, p := range participants {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO participants (session_id, user_ref, display_name, joined_at) VALUES (?, ?, ?, ?)",
			sessionID, p.UserRef, p.DisplayName, p.JoinedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert participant %s: %w", p.UserRef, err)
		}
	}
	return nil
}

// syncParticipants makes the participant rows of next.ID equal to
// next.Participants: departed members are deleted, new ones inserted.
func syncParticipants(ctx context.Context, tx *sql.Tx, next *types.Session) error {
	rows, err := tx.QueryContext(ctx, "SELECT user_ref FROM participants WHERE session_id = ?", next.ID)
	if err != nil {
		return fmt.Errorf("failed to query participants: %w", err)
	}
	stored := make(map[string]bool)
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		stored[ref] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("error iterating participants: %w", err)
	}
	_ = rows.Close()

	wanted := make(map[string]bool, len(next.Participants))
	var added []types.Participant
	for _, p := range next.Participants {
		wanted[p.UserRef] = true
		if !stored[p.UserRef] {
			added = append(added, p)
		}
	}

	for ref := range stored {
		if wanted[ref] {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM participants WHERE session_id = ? AND user_ref = ?", next.ID, ref,
		); err != nil {
			return fmt.Errorf("failed to remove participant %s: %w", ref, err)
		}
	}
	return insertParticipants(ctx, tx, next.ID, added)
}

// loadParticipants fills Participants for every session in byID, in join
// order.
func (m *Manager) loadParticipants(ctx context.Context, byID map[string]*types.Session) error {
	if len(byID) == 0 {
		return nil
	}
	marks := make([]string, 0, len(byID))
	args := make([]interface{}, 0, len(byID))
	for id := range byID {
		marks = append(marks, "?")
		args = append(args, id)
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT session_id, user_ref, display_name, joined_at
		FROM participants
		WHERE session_id IN (`+strings.Join(marks, ", ")+`)
		ORDER BY joined_at ASC, rowid ASC
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sessionID string
		var p types.Participant
		if err := rows.Scan(&sessionID, &p.UserRef, &p.DisplayName, &p.JoinedAt); err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		p.JoinedAt = p.JoinedAt.UTC()
		if s, ok := byID[sessionID]; ok {
			s.Participants = append(s.Participants, p)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating participants: %w", err)
	}
	return nil
}
