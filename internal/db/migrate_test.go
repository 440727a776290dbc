// Package db tests for schema migration management.
package db

import (
	"testing"
	"testing/fstest"
)

func setupMigrationDB(t *testing.T) *DB {
	t.Helper()
	database, err := OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

// TestMigrateUpAppliesEmbeddedSchema verifies the embedded migrations create
// the sync tables.
func TestMigrateUpAppliesEmbeddedSchema(t *testing.T) {
	database := setupMigrationDB(t)

	m := NewMigrator(database.DB)
	if err := m.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	version, err := m.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version < 1 {
		t.Errorf("Expected version >= 1, got %d", version)
	}

	for _, table := range []string{"sync_queue", "sync_state"} {
		var name string
		err := database.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("Expected table %s to exist: %v", table, err)
		}
	}
}

// TestMigrateUpIsIdempotent verifies running Up twice applies nothing new.
func TestMigrateUpIsIdempotent(t *testing.T) {
	database := setupMigrationDB(t)

	m := NewMigrator(database.DB)
	if err := m.Up(); err != nil {
		t.Fatalf("First Up failed: %v", err)
	}
	first, _ := m.GetAppliedMigrations()

	if err := m.Up(); err != nil {
		t.Fatalf("Second Up failed: %v", err)
	}
	second, _ := m.GetAppliedMigrations()

	if len(first) != len(second) {
		t.Errorf("Expected no new migrations on second run: %d vs %d", len(first), len(second))
	}
}

// TestMigrateRecordsChecksum verifies each applied migration stores a SHA-256
// checksum of its file content.
func TestMigrateRecordsChecksum(t *testing.T) {
	database := setupMigrationDB(t)

	m := NewMigrator(database.DB)
	if err := m.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}
	if len(applied) == 0 {
		t.Fatal("Expected at least one applied migration")
	}
	for _, mig := range applied {
		if len(mig.Checksum) != 64 {
			t.Errorf("Migration V%d: expected 64-char checksum, got %q", mig.Version, mig.Checksum)
		}
		if mig.Description == "" {
			t.Errorf("Migration V%d: expected description", mig.Version)
		}
	}
}

// TestMigrateUpOrdersVersions verifies out-of-order filesystem listings still
// apply in version order.
func TestMigrateUpOrdersVersions(t *testing.T) {
	database := setupMigrationDB(t)

	// V2 depends on the table V1 creates; wrong ordering would fail.
	fsys := fstest.MapFS{
		"V2__add_column.up.sql": {Data: []byte("ALTER TABLE widgets ADD COLUMN name TEXT;")},
		"V1__create.up.sql":     {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
	}

	m := NewMigratorFS(database.DB, fsys)
	if err := m.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}

	version, _ := m.CurrentVersion()
	if version != 2 {
		t.Errorf("Expected version 2, got %d", version)
	}
}

// TestMigrateDownRollsBack verifies Down applies the matching .down.sql and
// removes the version record.
func TestMigrateDownRollsBack(t *testing.T) {
	database := setupMigrationDB(t)

	fsys := fstest.MapFS{
		"V1__create.up.sql":   {Data: []byte("CREATE TABLE widgets (id TEXT PRIMARY KEY);")},
		"V1__create.down.sql": {Data: []byte("DROP TABLE widgets;")},
	}

	m := NewMigratorFS(database.DB, fsys)
	if err := m.Up(); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	if err := m.Down(); err != nil {
		t.Fatalf("Down failed: %v", err)
	}

	version, _ := m.CurrentVersion()
	if version != 0 {
		t.Errorf("Expected version 0 after rollback, got %d", version)
	}

	var name string
	err := database.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='widgets'").Scan(&name)
	if err == nil {
		t.Error("Expected widgets table dropped")
	}
}

// TestMigrateDownWithNothingApplied verifies Down errors when there is nothing
// to roll back.
func TestMigrateDownWithNothingApplied(t *testing.T) {
	database := setupMigrationDB(t)

	m := NewMigratorFS(database.DB, fstest.MapFS{})
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := m.Down(); err == nil {
		t.Error("Expected error rolling back with no applied migrations")
	}
}
