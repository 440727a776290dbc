// Package db provides CRUD operations over the generic record envelope.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/tmhsiao/ledgersync/internal/errors"
	"github.com/tmhsiao/ledgersync/internal/models"
)

// Entity type and field names are interpolated into SQL identifiers; restrict
// them to a safe identifier alphabet.
var (
	entityTypeRe = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)
	fieldNameRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)
)

const recordColumns = "id, data, created_at, updated_at, local_modified_at, synced_at, is_deleted"

// Store provides CRUD operations for one entity type's record table. All
// entity types share this implementation; business fields stay inside the
// opaque JSON payload.
type Store struct {
	db         *sql.DB
	entityType string
	table      string
	now        func() time.Time

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewStore creates a Store for entityType, creating its table and dirty-scan
// index if they do not exist yet.
func NewStore(db *DB, entityType string) (*Store, error) {
	if !entityTypeRe.MatchString(entityType) {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid entity type %q", entityType))
	}

	s := &Store{
		db:         db.DB,
		entityType: entityType,
		table:      "records_" + entityType,
		now:        time.Now,
	}

	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		local_modified_at INTEGER NOT NULL,
		synced_at INTEGER,
		is_deleted INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_%s_dirty ON %s(synced_at, local_modified_at);
	`, s.table, s.table, s.table)

	if _, err := s.db.Exec(schema); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to create entity table", err)
	}

	return s, nil
}

// EntityType returns the entity type this store is bound to.
func (s *Store) EntityType() string {
	return s.entityType
}

// SetClock overrides the clock used for timestamp stamping. Used by tests.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

// prepareStmt gets or creates a prepared statement from the cache.
func (s *Store) prepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := s.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to prepare statement", err)
	}

	actual, loaded := s.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate.
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (s *Store) Close() error {
	var firstErr error
	s.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Writes
// =====================================================

// Insert creates a new record with a fresh client-generated id. The record
// starts dirty: synced_at is unset until a push or pull confirms it.
func (s *Store) Insert(data json.RawMessage) (*models.Record, error) {
	now := s.nowMillis()
	rec := &models.Record{
		ID:              models.UUID(uuid.New().String()),
		Data:            data,
		CreatedAt:       now,
		UpdatedAt:       now,
		LocalModifiedAt: now,
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (%s)
	VALUES (?, ?, ?, ?, ?, NULL, 0)
	`, s.table, recordColumns)
	if _, err := s.db.Exec(query, rec.ID, string(rec.Data), rec.CreatedAt, rec.UpdatedAt, rec.LocalModifiedAt); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "insert failed", err)
	}
	return rec, nil
}

// BulkInsert creates records for each payload inside one transaction.
func (s *Store) BulkInsert(payloads []json.RawMessage) ([]*models.Record, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
	INSERT INTO %s (%s)
	VALUES (?, ?, ?, ?, ?, NULL, 0)
	`, s.table, recordColumns)
	stmt, err := tx.Prepare(query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to prepare bulk insert", err)
	}
	defer stmt.Close()

	now := s.nowMillis()
	records := make([]*models.Record, 0, len(payloads))
	for _, data := range payloads {
		rec := &models.Record{
			ID:              models.UUID(uuid.New().String()),
			Data:            data,
			CreatedAt:       now,
			UpdatedAt:       now,
			LocalModifiedAt: now,
		}
		if _, err := stmt.Exec(rec.ID, string(rec.Data), rec.CreatedAt, rec.UpdatedAt, rec.LocalModifiedAt); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrLocalStore, "bulk insert failed", err)
		}
		records = append(records, rec)
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "failed to commit bulk insert", err)
	}
	return records, nil
}

// Update applies a partial payload to an existing record: fields present in
// partial overwrite the stored payload, other fields are preserved. It bumps
// updated_at and local_modified_at and never touches synced_at, so the record
// becomes dirty.
func (s *Store) Update(id string, partial json.RawMessage) (*models.Record, error) {
	rec, err := s.GetAny(id)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s record not found: %s", s.entityType, id))
	}

	merged, err := overlayJSON(rec.Data, partial)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid update payload", err)
	}

	now := s.nowMillis()
	query := fmt.Sprintf(`
	UPDATE %s SET data = ?, updated_at = ?, local_modified_at = ?
	WHERE id = ? AND is_deleted = 0
	`, s.table)
	result, err := s.db.Exec(query, string(merged), now, now, id)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "update failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s record not found: %s", s.entityType, id))
	}

	rec.Data = merged
	rec.UpdatedAt = now
	rec.LocalModifiedAt = now
	return rec, nil
}

// Delete soft deletes a record. The tombstone stays queryable through GetAny
// so the deletion itself can still be synced.
func (s *Store) Delete(id string) error {
	now := s.nowMillis()
	query := fmt.Sprintf(`
	UPDATE %s SET is_deleted = 1, updated_at = ?, local_modified_at = ?
	WHERE id = ? AND is_deleted = 0
	`, s.table)
	result, err := s.db.Exec(query, now, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "delete failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s record not found: %s", s.entityType, id))
	}
	return nil
}

// HardDelete removes a record row entirely.
func (s *Store) HardDelete(id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table)
	result, err := s.db.Exec(query, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "hard delete failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s record not found: %s", s.entityType, id))
	}
	return nil
}

// =====================================================
// Reads
// =====================================================

func scanRecord(row interface{ Scan(...interface{}) error }) (*models.Record, error) {
	var rec models.Record
	var data string
	var syncedAt sql.NullInt64
	err := row.Scan(&rec.ID, &data, &rec.CreatedAt, &rec.UpdatedAt, &rec.LocalModifiedAt, &syncedAt, &rec.IsDeleted)
	if err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	if syncedAt.Valid {
		v := syncedAt.Int64
		rec.SyncedAt = &v
	}
	return &rec, nil
}

func (s *Store) queryRecords(query string, args ...interface{}) ([]*models.Record, error) {
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "query failed", err)
	}
	defer rows.Close()

	var records []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrLocalStore, "scan failed", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "row iteration failed", err)
	}
	return records, nil
}

// GetAll returns all live (non-tombstoned) records.
func (s *Store) GetAll() ([]*models.Record, error) {
	query := fmt.Sprintf(`
	SELECT %s FROM %s WHERE is_deleted = 0 ORDER BY created_at DESC
	`, recordColumns, s.table)
	return s.queryRecords(query)
}

// GetByID retrieves a live record by id.
func (s *Store) GetByID(id string) (*models.Record, error) {
	rec, err := s.GetAny(id)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s record not found: %s", s.entityType, id))
	}
	return rec, nil
}

// GetAny retrieves a record by id, tombstones included. Sync internals need
// tombstoned rows until the deletion is confirmed.
func (s *Store) GetAny(id string) (*models.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", recordColumns, s.table)
	stmt, err := s.prepareStmt(query)
	if err != nil {
		return nil, err
	}

	rec, err := scanRecord(stmt.QueryRow(id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s record not found: %s", s.entityType, id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "get failed", err)
	}
	return rec, nil
}

// GetByField returns live records whose payload field equals value.
func (s *Store) GetByField(field string, value interface{}) ([]*models.Record, error) {
	if !fieldNameRe.MatchString(field) {
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid field name %q", field))
	}
	query := fmt.Sprintf(`
	SELECT %s FROM %s
	WHERE is_deleted = 0 AND json_extract(data, '$.%s') = ?
	ORDER BY created_at DESC
	`, recordColumns, s.table, field)
	return s.queryRecords(query, value)
}

// GetPaginated returns one page of live records, newest first. Pages are
// 1-based.
func (s *Store) GetPaginated(page, pageSize int) ([]*models.Record, error) {
	if page < 1 || pageSize < 1 {
		return nil, apperrors.New(apperrors.ErrInvalid, "page and pageSize must be >= 1")
	}
	query := fmt.Sprintf(`
	SELECT %s FROM %s WHERE is_deleted = 0
	ORDER BY created_at DESC LIMIT ? OFFSET ?
	`, recordColumns, s.table)
	return s.queryRecords(query, pageSize, (page-1)*pageSize)
}

// Search returns live records where any of the given payload fields contains
// the query substring (case-insensitive).
func (s *Store) Search(query string, fields []string) ([]*models.Record, error) {
	if len(fields) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "search requires at least one field")
	}

	var clauses []string
	var args []interface{}
	for _, field := range fields {
		if !fieldNameRe.MatchString(field) {
			return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid field name %q", field))
		}
		clauses = append(clauses, fmt.Sprintf("instr(lower(json_extract(data, '$.%s')), lower(?)) > 0", field))
		args = append(args, query)
	}

	sqlQuery := fmt.Sprintf(`
	SELECT %s FROM %s
	WHERE is_deleted = 0 AND (%s)
	ORDER BY created_at DESC
	`, recordColumns, s.table, strings.Join(clauses, " OR "))
	return s.queryRecords(sqlQuery, args...)
}

// Count returns the number of live records.
func (s *Store) Count() (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE is_deleted = 0", s.table)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStore, "count failed", err)
	}
	return count, nil
}

// =====================================================
// Sync bookkeeping
// =====================================================

// GetUnsynced returns exactly the dirty records: synced_at unset, or a local
// write newer than the last confirmed sync. Tombstones are included until the
// deletion is confirmed.
func (s *Store) GetUnsynced() ([]*models.Record, error) {
	query := fmt.Sprintf(`
	SELECT %s FROM %s
	WHERE synced_at IS NULL OR local_modified_at > synced_at
	ORDER BY local_modified_at ASC
	`, recordColumns, s.table)
	return s.queryRecords(query)
}

// MarkSynced sets synced_at = now for the given records. This is the only
// operation that moves synced_at forward without also being a server-applied
// write.
func (s *Store) MarkSynced(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	now := s.nowMillis()
	query := fmt.Sprintf("UPDATE %s SET synced_at = ? WHERE id = ?", s.table)
	for _, id := range ids {
		if _, err := tx.Exec(query, now, id); err != nil {
			return apperrors.Wrap(apperrors.ErrLocalStore, "mark synced failed", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "failed to commit mark synced", err)
	}
	return nil
}

// AdvanceSynced confirms a successful push: synced_at moves to the greater of
// the record's local_modified_at and ts, so the record reads as clean.
func (s *Store) AdvanceSynced(id string, ts int64) error {
	query := fmt.Sprintf("UPDATE %s SET synced_at = MAX(local_modified_at, ?) WHERE id = ?", s.table)
	result, err := s.db.Exec(query, ts, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "advance synced failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s record not found: %s", s.entityType, id))
	}
	return nil
}

// ApplyRemote upserts a server-side version of the record. The row comes out
// clean: timestamps reflect the server write and synced_at is stamped now.
// Applying the same change twice yields the same row state.
func (s *Store) ApplyRemote(id string, data json.RawMessage, updatedAt int64) error {
	now := s.nowMillis()
	query := fmt.Sprintf(`
	INSERT INTO %s (%s)
	VALUES (?, ?, ?, ?, ?, ?, 0)
	ON CONFLICT(id) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at,
		local_modified_at = excluded.local_modified_at,
		synced_at = excluded.synced_at,
		is_deleted = 0
	`, s.table, recordColumns)
	if _, err := s.db.Exec(query, id, string(data), updatedAt, updatedAt, updatedAt, now); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "apply remote failed", err)
	}
	return nil
}

// ApplyMerged writes a conflict-merge result. The merged payload is stamped
// with fresh timestamps and a fresh synced_at; the caller re-offers it to the
// server through the queue.
func (s *Store) ApplyMerged(id string, data json.RawMessage) error {
	now := s.nowMillis()
	query := fmt.Sprintf(`
	UPDATE %s SET data = ?, updated_at = ?, local_modified_at = ?, synced_at = ?, is_deleted = 0
	WHERE id = ?
	`, s.table)
	result, err := s.db.Exec(query, string(data), now, now, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "apply merged failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("%s record not found: %s", s.entityType, id))
	}
	return nil
}

// TombstoneRemote applies a server-side deletion. Deletion always wins over
// local edits on the pull path; a missing row gets an already-confirmed
// tombstone so replays are harmless.
func (s *Store) TombstoneRemote(id string) error {
	now := s.nowMillis()
	query := fmt.Sprintf(`
	INSERT INTO %s (%s)
	VALUES (?, '{}', ?, ?, ?, ?, 1)
	ON CONFLICT(id) DO UPDATE SET
		is_deleted = 1,
		updated_at = excluded.updated_at,
		local_modified_at = excluded.local_modified_at,
		synced_at = excluded.synced_at
	`, s.table, recordColumns)
	if _, err := s.db.Exec(query, id, now, now, now, now); err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "tombstone failed", err)
	}
	return nil
}

// PurgeSyncedTombstones removes tombstones whose deletion the server has
// confirmed. Returns the number of rows purged.
func (s *Store) PurgeSyncedTombstones() (int, error) {
	query := fmt.Sprintf(`
	DELETE FROM %s
	WHERE is_deleted = 1 AND synced_at IS NOT NULL AND synced_at >= local_modified_at
	`, s.table)
	result, err := s.db.Exec(query)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStore, "purge failed", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// overlayJSON applies the fields present in partial over base (shallow merge).
func overlayJSON(base, partial json.RawMessage) (json.RawMessage, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, fmt.Errorf("stored payload is not a JSON object: %w", err)
		}
	}
	if baseMap == nil {
		baseMap = make(map[string]interface{})
	}

	var partialMap map[string]interface{}
	if err := json.Unmarshal(partial, &partialMap); err != nil {
		return nil, fmt.Errorf("partial payload is not a JSON object: %w", err)
	}
	for k, v := range partialMap {
		baseMap[k] = v
	}

	return json.Marshal(baseMap)
}
