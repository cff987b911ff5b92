package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks that a database has the structure the session
// store expects. It is run once at startup after migrations.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// Validate runs every check in order and returns the first failure.
func (v *SchemaValidator) Validate() error {
	checks := []func() error{
		v.ValidateTablesExist,
		v.ValidateTableStructure,
		v.ValidateIndexes,
		v.ValidateConstraints,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"sessions":          "Session snapshots",
		"participants":      "Active memberships",
		"schema_migrations": "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
func (v *SchemaValidator) ValidateTableStructure() error {
	sessionColumns := map[string]string{
		"id":                "TEXT",
		"title":             "TEXT",
		"description":       "TEXT",
		"game":              "TEXT",
		"platform":          "TEXT",
		"rank_filter":       "TEXT",
		"capacity":          "INTEGER",
		"occupied":          "INTEGER",
		"status":            "TEXT",
		"closed_explicitly": "INTEGER",
		"owner_ref":         "TEXT",
		"owner_name":        "TEXT",
		"room_ref":          "TEXT",
		"room_ever_filled":  "INTEGER",
		"room_retired":      "INTEGER",
		"message_ref":       "TEXT",
		"channel_ref":       "TEXT",
		"created_at":        "DATETIME",
		"updated_at":        "DATETIME",
		"version":           "INTEGER",
	}
	if err := v.validateColumns("sessions", sessionColumns); err != nil {
		return fmt.Errorf("sessions table structure invalid: %w", err)
	}

	participantColumns := map[string]string{
		"session_id":   "TEXT",
		"user_ref":     "TEXT",
		"display_name": "TEXT",
		"joined_at":    "DATETIME",
	}
	if err := v.validateColumns("participants", participantColumns); err != nil {
		return fmt.Errorf("participants table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_sessions_status":        "List by status",
		"idx_sessions_game_platform": "List by game and platform",
		"idx_sessions_created_at":    "Expiry by age",
		"idx_sessions_updated_at":    "Expiry by inactivity",
		"idx_participants_user":      "Membership lookups",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that integrity rules are enforced by SQLite.
// Probe rows are written inside a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin constraint probe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO participants (session_id, user_ref, joined_at)
		VALUES ('schema-probe-missing', 'probe', CURRENT_TIMESTAMP)
	`)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: participants.session_id")
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (id, title, capacity, occupied, status, owner_ref, created_at, updated_at, version)
		VALUES ('schema-probe', 'probe', 4, 1, 'full', 'probe', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, 1)
	`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: session status")
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (id, title, capacity, occupied, status, owner_ref, created_at, updated_at, version)
		VALUES ('schema-probe', 'probe', 2, 3, 'open', 'probe', CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, 1)
	`)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: occupied within capacity")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
