package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"oura-sync/internal/secrets"
)

const (
	// MaxRetries is the number of times a queued job is retried before being dropped
	MaxRetries = 5

	// StaleLockTimeout is how long a claimed job may sit in processing before
	// another worker may reclaim it
	StaleLockTimeout = 10 * time.Minute
)

// DB wraps the SQLite database connection and the token codec
type DB struct {
	db    *sql.DB
	codec *secrets.Codec
}

// Open opens a connection to the SQLite database at the specified path and
// ensures the schema exists. The codec is used to encrypt and decrypt OAuth
// tokens stored in the connections table.
func Open(path string, codec *secrets.Codec) (*DB, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Redundant with the DSN but ensures it's set
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := conn.Exec(Schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db: conn, codec: codec}, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Begin starts a new transaction
func (d *DB) Begin() (*sql.Tx, error) {
	return d.db.Begin()
}

// Health checks if the database connection is healthy
func (d *DB) Health() error {
	return d.db.Ping()
}
