// Package handlers provides REST API handlers for sync operations and records.
package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	apperrors "github.com/tmhsiao/ledgersync/internal/errors"
	"github.com/tmhsiao/ledgersync/internal/sync"
	"github.com/tmhsiao/ledgersync/internal/sync/conflict"
	"github.com/tmhsiao/ledgersync/internal/sync/queue"
	"github.com/tmhsiao/ledgersync/internal/sync/scheduler"
)

// WSSyncBroadcaster is the interface to the WebSocket hub for sync events.
type WSSyncBroadcaster interface {
	BroadcastSyncStarted()
	BroadcastSyncCompleted(synced, failed, conflicts int, duration time.Duration)
	BroadcastSyncFailed(errMsg string)
	BroadcastSyncConflictDetected(entityType, entityID string)
}

// SyncHandler handles sync status, manual triggers, and conflict resolution.
type SyncHandler struct {
	engine    *sync.Engine
	scheduler *scheduler.Scheduler
	queue     *queue.Queue
	wsHub     WSSyncBroadcaster
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine *sync.Engine, sched *scheduler.Scheduler, q *queue.Queue) *SyncHandler {
	return &SyncHandler{
		engine:    engine,
		scheduler: sched,
		queue:     q,
	}
}

// SetWebSocketHub sets the WebSocket hub for broadcasting sync events and
// wires the engine's status transitions to it.
func (h *SyncHandler) SetWebSocketHub(wsHub WSSyncBroadcaster) {
	h.wsHub = wsHub

	h.engine.AddStatusListener(func(status sync.Status, result *sync.Result) {
		switch {
		case status == sync.StatusSyncing:
			wsHub.BroadcastSyncStarted()
		case status == sync.StatusError && result != nil:
			msg := "sync failed"
			if len(result.Errors) > 0 {
				msg = result.Errors[len(result.Errors)-1]
			}
			wsHub.BroadcastSyncFailed(msg)
		case status == sync.StatusIdle && result != nil:
			wsHub.BroadcastSyncCompleted(result.Synced, result.Failed, result.Conflicts, result.Duration)
		}
	})
}

// GetStatus handles GET /sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := h.scheduler.GetStatus()
	stats, err := h.queue.Stats()
	if err != nil {
		http.Error(w, "Failed to read queue stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         status.EngineStatus,
		"is_running":     status.IsRunning,
		"is_online":      status.IsOnline,
		"last_sync_time": status.LastSyncTime,
		"pending_items":  status.PendingItems,
		"conflicts":      status.Conflicts,
		"queue_stats":    stats,
	})
}

// SyncNow handles POST /sync/now: runs a cycle synchronously and returns its
// result. A cycle already in flight yields 409.
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := h.scheduler.SyncNow(r.Context())
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			http.Error(w, "Sync already in progress", http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":  err.Error(),
			"result": result,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// GetConflicts handles GET /sync/conflicts: lists conflicts awaiting manual
// resolution.
func (h *SyncHandler) GetConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	conflicts := h.engine.PendingConflicts()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

// ResolveConflict handles POST /sync/conflicts/resolve.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request struct {
		EntityType string          `json:"entity_type"`
		EntityID   string          `json:"entity_id"`
		Action     string          `json:"action"`
		Merged     json.RawMessage `json:"merged,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if request.EntityType == "" || request.EntityID == "" {
		http.Error(w, "entity_type and entity_id are required", http.StatusBadRequest)
		return
	}

	err := h.engine.ResolveManually(request.EntityType, request.EntityID,
		conflict.Action(request.Action), request.Merged)
	if err != nil {
		switch apperrors.CodeOf(err) {
		case apperrors.ErrNotFound:
			http.Error(w, err.Error(), http.StatusNotFound)
		case apperrors.ErrInvalid:
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"resolved":    true,
		"entity_type": request.EntityType,
		"entity_id":   request.EntityID,
		"action":      request.Action,
	})
}

// RetryFailed handles POST /sync/retry: resets parked queue items to pending.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n, err := h.queue.RetryFailed()
	if err != nil {
		http.Error(w, "Failed to reset queue items", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"reset": n,
	})
}
