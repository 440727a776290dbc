// Package models provides data model definitions for the ledgersync core.
package models

import (
	"encoding/json"
	"time"
)

// Conflict records a divergence between a local and a server version of the
// same record. It is ephemeral: it lives in the pending-conflict registry while
// a manual resolution is outstanding and is discarded once resolved.
type Conflict struct {
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	LocalData        json.RawMessage `json:"local_data"`
	ServerData       json.RawMessage `json:"server_data"`
	LocalModifiedAt  int64           `json:"local_modified_at"`
	ServerModifiedAt int64           `json:"server_modified_at"`
	DetectedAt       int64           `json:"detected_at"`
}

// Key returns the registry key for the conflict.
func (c *Conflict) Key() string {
	return c.EntityType + ":" + c.EntityID
}

// DetectedAtTime returns DetectedAt as time.Time.
func (c *Conflict) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
