// Package models provides data model definitions for the ledgersync core.
package models

import (
	"encoding/json"
	"time"
)

// Queue operations. One item is enqueued per local mutation.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Queue item statuses. A processed item is never re-applied unless it is
// explicitly reset to pending.
const (
	QueueStatusPending   = "pending"
	QueueStatusFailed    = "failed"
	QueueStatusProcessed = "processed"
)

// QueueItem represents one pending local mutation in the durable outbox.
type QueueItem struct {
	ID          UUID            `db:"id" json:"id"`
	EntityType  string          `db:"entity_type" json:"entity_type"`
	EntityID    string          `db:"entity_id" json:"entity_id"`
	Operation   string          `db:"operation" json:"operation"` // create, update, delete
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Priority    int             `db:"priority" json:"priority"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	Status      string          `db:"status" json:"status"` // pending, failed, processed
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	ProcessedAt *int64          `db:"processed_at" json:"processed_at,omitempty"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "sync_queue"
}

// Pending reports whether the item is still awaiting remote application.
func (q *QueueItem) Pending() bool {
	return q.Status == QueueStatusPending && q.ProcessedAt == nil
}

// CreatedAtTime returns CreatedAt as time.Time.
func (q *QueueItem) CreatedAtTime() time.Time {
	return time.UnixMilli(q.CreatedAt)
}
