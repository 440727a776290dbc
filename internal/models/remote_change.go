// Package models provides data model definitions for the ledgersync core.
package models

import "encoding/json"

// RemoteChange is one server-side change returned by a "changes since" query.
type RemoteChange struct {
	ID        UUID            `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt int64           `json:"updated_at"`
	Deleted   bool            `json:"deleted"`
}
