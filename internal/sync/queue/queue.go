// Package queue provides the durable outbox of pending local mutations.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tmhsiao/ledgersync/internal/db"
	apperrors "github.com/tmhsiao/ledgersync/internal/errors"
	"github.com/tmhsiao/ledgersync/internal/models"
)

// DefaultMaxAttempts is the retry cap. An item that fails this many times is
// parked as failed and stays out of the drain until RetryFailed resets it.
const DefaultMaxAttempts = 5

const itemColumns = "id, entity_type, entity_id, operation, payload, priority, retry_count, last_error, next_retry_at, status, created_at, processed_at"

// Queue is a durable, ordered outbox backed by the sync_queue table. Items
// survive process restarts; a processed item is never re-applied unless it is
// explicitly reset.
type Queue struct {
	db          *sql.DB
	now         func() time.Time
	maxAttempts int
}

// NewQueue creates a Queue over the shared database.
func NewQueue(database *db.DB) *Queue {
	return &Queue{
		db:          database.DB,
		now:         time.Now,
		maxAttempts: DefaultMaxAttempts,
	}
}

// SetClock overrides the clock used for timestamps and backoff. Used by tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// SetMaxAttempts overrides the retry cap.
func (q *Queue) SetMaxAttempts(n int) {
	if n > 0 {
		q.maxAttempts = n
	}
}

// Enqueue appends a new pending item for one local mutation. The payload is an
// opaque snapshot owned by the entity type's adapter; the queue never inspects
// business fields.
func (q *Queue) Enqueue(entityType, entityID, operation string, payload json.RawMessage, priority int) (*models.QueueItem, error) {
	switch operation {
	case models.OpCreate, models.OpUpdate, models.OpDelete:
	default:
		return nil, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid queue operation %q", operation))
	}

	now := q.now().UnixMilli()
	item := &models.QueueItem{
		ID:         models.UUID(uuid.New().String()),
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  operation,
		Payload:    payload,
		Priority:   priority,
		Status:     models.QueueStatusPending,
		CreatedAt:  now,
	}

	query := `
	INSERT INTO sync_queue (id, entity_type, entity_id, operation, payload, priority, retry_count, last_error, next_retry_at, status, created_at, processed_at)
	VALUES (?, ?, ?, ?, ?, ?, 0, '', 0, ?, ?, NULL)
	`
	if _, err := q.db.Exec(query, item.ID, item.EntityType, item.EntityID, item.Operation,
		string(item.Payload), item.Priority, item.Status, item.CreatedAt); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "enqueue failed", err)
	}
	return item, nil
}

func scanItem(row interface{ Scan(...interface{}) error }) (*models.QueueItem, error) {
	var item models.QueueItem
	var payload string
	var processedAt sql.NullInt64
	err := row.Scan(&item.ID, &item.EntityType, &item.EntityID, &item.Operation, &payload,
		&item.Priority, &item.RetryCount, &item.LastError, &item.NextRetryAt,
		&item.Status, &item.CreatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	if processedAt.Valid {
		v := processedAt.Int64
		item.ProcessedAt = &v
	}
	return &item, nil
}

func (q *Queue) queryItems(query string, args ...interface{}) ([]*models.QueueItem, error) {
	rows, err := q.db.Query(query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "queue query failed", err)
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrLocalStore, "queue scan failed", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "queue iteration failed", err)
	}
	return items, nil
}

// Pending returns the items ready for this push cycle: pending status, retry
// window open, ordered by priority descending then created_at ascending.
func (q *Queue) Pending() ([]*models.QueueItem, error) {
	query := fmt.Sprintf(`
	SELECT %s FROM sync_queue
	WHERE status = ? AND next_retry_at <= ?
	ORDER BY priority DESC, created_at ASC
	`, itemColumns)
	return q.queryItems(query, models.QueueStatusPending, q.now().UnixMilli())
}

// PendingCount returns the number of items awaiting remote application,
// including those backing off between retries.
func (q *Queue) PendingCount() (int, error) {
	var count int
	err := q.db.QueryRow("SELECT COUNT(*) FROM sync_queue WHERE status = ?", models.QueueStatusPending).Scan(&count)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStore, "pending count failed", err)
	}
	return count, nil
}

// Get returns one item by id.
func (q *Queue) Get(id string) (*models.QueueItem, error) {
	query := fmt.Sprintf("SELECT %s FROM sync_queue WHERE id = ?", itemColumns)
	item, err := scanItem(q.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrQueueItemNotFound, fmt.Sprintf("queue item not found: %s", id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "queue get failed", err)
	}
	return item, nil
}

// MarkProcessed records a successful remote application. The item is kept for
// history with processed_at set; it will never be drained again.
func (q *Queue) MarkProcessed(id string) error {
	now := q.now().UnixMilli()
	result, err := q.db.Exec(
		"UPDATE sync_queue SET status = ?, processed_at = ? WHERE id = ? AND processed_at IS NULL",
		models.QueueStatusProcessed, now, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "mark processed failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrQueueItemNotFound, fmt.Sprintf("queue item not found or already processed: %s", id))
	}
	return nil
}

// MarkFailed records a retryable failure: retry_count increments, the error is
// kept, and next_retry_at backs off exponentially. At the retry cap the item
// parks as failed and leaves the drain.
func (q *Queue) MarkFailed(id string, cause error) error {
	item, err := q.Get(id)
	if err != nil {
		return err
	}

	item.RetryCount++
	item.LastError = cause.Error()

	status := models.QueueStatusPending
	nextRetryAt := q.now().UnixMilli() + backoffMillis(item.RetryCount)
	if item.RetryCount >= q.maxAttempts {
		status = models.QueueStatusFailed
		nextRetryAt = 0
	}

	_, err = q.db.Exec(
		"UPDATE sync_queue SET retry_count = ?, last_error = ?, next_retry_at = ?, status = ? WHERE id = ?",
		item.RetryCount, item.LastError, nextRetryAt, status, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "mark failed failed", err)
	}

	if status == models.QueueStatusFailed {
		return apperrors.Wrap(apperrors.ErrMaxRetriesReached,
			fmt.Sprintf("queue item %s parked after %d attempts", id, item.RetryCount), cause)
	}
	return nil
}

// Park marks an item failed immediately, bypassing the retry schedule. Used
// for remote rejections that would fail identically on every retry.
func (q *Queue) Park(id string, cause error) error {
	result, err := q.db.Exec(
		"UPDATE sync_queue SET status = ?, last_error = ?, next_retry_at = 0 WHERE id = ?",
		models.QueueStatusFailed, cause.Error(), id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "park failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrQueueItemNotFound, fmt.Sprintf("queue item not found: %s", id))
	}
	return nil
}

// UpdatePayload replaces a pending item's payload snapshot. Used when a merge
// resolution changes what should be offered to the server.
func (q *Queue) UpdatePayload(id string, payload json.RawMessage) error {
	result, err := q.db.Exec(
		"UPDATE sync_queue SET payload = ? WHERE id = ? AND status = ?",
		string(payload), id, models.QueueStatusPending)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "update payload failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrQueueItemNotFound, fmt.Sprintf("pending queue item not found: %s", id))
	}
	return nil
}

// RetryFailed resets all parked items to pending with a clean retry budget.
// Returns the number of items reset.
func (q *Queue) RetryFailed() (int, error) {
	result, err := q.db.Exec(
		"UPDATE sync_queue SET status = ?, retry_count = 0, next_retry_at = 0, last_error = '' WHERE status = ?",
		models.QueueStatusPending, models.QueueStatusFailed)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStore, "retry failed reset failed", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Remove deletes an item outright.
func (q *Queue) Remove(id string) error {
	result, err := q.db.Exec("DELETE FROM sync_queue WHERE id = ?", id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrLocalStore, "remove failed", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return apperrors.New(apperrors.ErrQueueItemNotFound, fmt.Sprintf("queue item not found: %s", id))
	}
	return nil
}

// PendingForEntity returns the pending items for one record, oldest first.
func (q *Queue) PendingForEntity(entityType, entityID string) ([]*models.QueueItem, error) {
	query := fmt.Sprintf(`
	SELECT %s FROM sync_queue
	WHERE status = ? AND entity_type = ? AND entity_id = ?
	ORDER BY created_at ASC
	`, itemColumns)
	return q.queryItems(query, models.QueueStatusPending, entityType, entityID)
}

// Stats returns per-status item counts.
func (q *Queue) Stats() (map[string]int, error) {
	stats := map[string]int{
		"total":     0,
		"pending":   0,
		"failed":    0,
		"processed": 0,
	}

	rows, err := q.db.Query("SELECT status, COUNT(*) FROM sync_queue GROUP BY status")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrLocalStore, "stats query failed", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrLocalStore, "stats scan failed", err)
		}
		stats[status] = count
		stats["total"] += count
	}
	return stats, rows.Err()
}

// PurgeProcessed deletes processed items older than before. Returns the number
// of rows removed.
func (q *Queue) PurgeProcessed(before time.Time) (int, error) {
	result, err := q.db.Exec(
		"DELETE FROM sync_queue WHERE status = ? AND processed_at < ?",
		models.QueueStatusProcessed, before.UnixMilli())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrLocalStore, "purge processed failed", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// backoffMillis calculates the exponential retry delay.
// Formula: 2^retry_count minutes, capped at 1 hour.
func backoffMillis(retryCount int) int64 {
	backoff := int64(1) << uint(retryCount) // 2^retry_count
	backoff = backoff * 60 * 1000           // minutes in milliseconds

	maxBackoff := int64(3600 * 1000)
	if backoff > maxBackoff {
		backoff = maxBackoff
	}

	return backoff
}
