package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Config holds database configuration
type Config struct {
	DatabasePath    string        `json:"database_path" mapstructure:"database_path" env:"PATH"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections" env:"MAX_CONNECTIONS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time" env:"CONN_MAX_IDLE_TIME"`
	// BusyTimeout is how long SQLite waits on a locked database before failing.
	BusyTimeout time.Duration `json:"busy_timeout" mapstructure:"busy_timeout" env:"BUSY_TIMEOUT"`
	// WriteQueue is the buffer of the single-writer goroutine.
	WriteQueue int `json:"write_queue" mapstructure:"write_queue" env:"WRITE_QUEUE"`
}

// DefaultConfig returns production-ready database configuration.
// SQLite serves a single owner process well with a small read pool.
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/partyboard.db",
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		BusyTimeout:     5 * time.Second,
		WriteQueue:      100,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.BusyTimeout < 0 {
		return errors.New("busy timeout cannot be negative")
	}
	if c.WriteQueue <= 0 {
		return errors.New("write queue must be greater than 0")
	}
	return nil
}

// DSN builds the go-sqlite3 connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		c.DatabasePath, c.BusyTimeout.Milliseconds())
}

var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA cache_size = -64000",
	"PRAGMA temp_store = MEMORY",
	"PRAGMA foreign_keys = ON",
}

// ApplyPragmas applies the performance and integrity pragmas.
// foreign_keys is also set per connection through the DSN.
func ApplyPragmas(db *sql.DB) error {
	for _, pragma := range sqlitePragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}
