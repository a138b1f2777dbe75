package store

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a row targeted by an update does not exist.
var ErrNotFound = errors.New("store: not found")

// DB wraps a SQLite database connection for the app-owned wpphub.db.
// A nil *DB means persistence is disabled.
type DB struct {
	*sql.DB
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{db}, nil
}

// Enabled reports whether persistence is available. Safe on a nil receiver.
func (db *DB) Enabled() bool {
	return db != nil && db.DB != nil
}

// Close closes the connection. Safe on a nil receiver.
func (db *DB) Close() error {
	if !db.Enabled() {
		return nil
	}
	return db.DB.Close()
}
