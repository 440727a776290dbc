// Package db provides the local persistent store: connection management,
// schema migrations, and the per-entity-type record store.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps sql.DB with ledgersync-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database under dataDir with:
// - WAL mode for concurrent reads alongside the single writer
// - foreign key constraints enabled
// - a busy timeout so short write contention does not surface as errors
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "ledgersync.db")
	return openDSN(dbPath)
}

// OpenMemory opens an in-memory database. Used by tests.
func OpenMemory() (*DB, error) {
	return openDSN(":memory:")
}

func openDSN(dsn string) (*DB, error) {
	// modernc.org/sqlite: pure Go, no CGO
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite supports a single writer; funnel everything through one
	// connection so the in-memory DSN also behaves like one database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
