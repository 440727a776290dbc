// Package db provides persistence for per-entity-type pull cursors.
package db

import (
	"database/sql"
	"time"

	apperrors "github.com/tmhsiao/ledgersync/internal/errors"
)

// StateStore persists the per-entity-type pull cursor: the newest server
// updated_at that has already been applied locally.
type StateStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewStateStore creates a StateStore. The sync_state table is created by the
// V1 migration.
func NewStateStore(db *DB) *StateStore {
	return &StateStore{db: db.DB, now: time.Now}
}

// SetClock overrides the clock. Used by tests.
func (s *StateStore) SetClock(now func() time.Time) {
	s.now = now
}

// LastPulledAt returns the pull cursor for entityType, 0 when the type has
// never been pulled.
func (s *StateStore) LastPulledAt(entityType string) (int64, error) {
	var ts int64
	err := s.db.QueryRow("SELECT last_pulled_at FROM sync_state WHERE entity_type = ?", entityType).Scan(&ts)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStore, "failed to read pull cursor", err)
	}
	return ts, nil
}

// SetLastPulledAt advances the pull cursor for entityType. The cursor never
// moves backwards.
func (s *StateStore) SetLastPulledAt(entityType string, ts int64) error {
	query := `
	INSERT INTO sync_state (entity_type, last_pulled_at, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(entity_type) DO UPDATE SET
		last_pulled_at = MAX(last_pulled_at, excluded.last_pulled_at),
		updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, entityType, ts, s.now().UnixMilli()); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "failed to write pull cursor", err)
	}
	return nil
}
