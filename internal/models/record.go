// Package models provides data model definitions for the ledgersync core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Record is the generic envelope for one business row. Business fields live in
// the opaque JSON payload; the remaining columns are sync bookkeeping shared by
// every entity type.
type Record struct {
	ID              UUID            `db:"id" json:"id"`
	Data            json.RawMessage `db:"data" json:"data"`
	CreatedAt       int64           `db:"created_at" json:"created_at"`
	UpdatedAt       int64           `db:"updated_at" json:"updated_at"`
	LocalModifiedAt int64           `db:"local_modified_at" json:"local_modified_at"`
	SyncedAt        *int64          `db:"synced_at" json:"synced_at,omitempty"`
	IsDeleted       bool            `db:"is_deleted" json:"is_deleted"`
}

// Dirty reports whether the record carries a local write the server has not
// confirmed. A record is dirty iff synced_at is unset or the last local write
// happened after the last confirmed sync.
func (r *Record) Dirty() bool {
	return r.SyncedAt == nil || r.LocalModifiedAt > *r.SyncedAt
}

// CreatedAtTime returns CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}
