// Package sync provides the offline-first synchronization engine: it drains
// the outbox to the server, pulls remote changes back, and drives the conflict
// resolver whenever the two sides diverge.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	syncmu "sync"
	"time"

	"github.com/tmhsiao/ledgersync/internal/db"
	apperrors "github.com/tmhsiao/ledgersync/internal/errors"
	"github.com/tmhsiao/ledgersync/internal/logging"
	"github.com/tmhsiao/ledgersync/internal/models"
	"github.com/tmhsiao/ledgersync/internal/sync/conflict"
	"github.com/tmhsiao/ledgersync/internal/sync/queue"
)

// Status represents the engine state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// ErrSyncInProgress is returned when Sync is called while a cycle is already
// in flight. Overlapping calls are rejected, not coalesced.
var ErrSyncInProgress = apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")

// Result aggregates one sync cycle.
type Result struct {
	Success   bool          `json:"success"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Errors    []string      `json:"errors,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// StatusListener receives engine status transitions. The result is non-nil
// only when a cycle just finished.
type StatusListener func(Status, *Result)

// Engine orchestrates sync cycles: push the outbox to completion, then pull
// remote changes per entity type. One engine is constructed per session; all
// collaborators are injected.
type Engine struct {
	queue    *queue.Queue
	resolver *conflict.Resolver
	state    *db.StateStore
	remote   RemoteClient
	monitor  Monitor
	log      *logging.Logger

	mu        syncmu.Mutex
	stores    map[string]*db.Store
	types     []string
	status    Status
	lastSync  *time.Time
	lastErr   error
	listeners map[int]StatusListener
	nextID    int
	now       func() time.Time
}

// NewEngine creates an Engine. Entity types are attached with RegisterStore.
func NewEngine(q *queue.Queue, resolver *conflict.Resolver, state *db.StateStore, remote RemoteClient, monitor Monitor, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	return &Engine{
		queue:     q,
		resolver:  resolver,
		state:     state,
		remote:    remote,
		monitor:   monitor,
		log:       log,
		stores:    make(map[string]*db.Store),
		status:    StatusIdle,
		listeners: make(map[int]StatusListener),
		now:       time.Now,
	}
}

// RegisterStore attaches an entity type's store. Pull processes entity types
// in registration order.
func (e *Engine) RegisterStore(store *db.Store) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := store.EntityType()
	if _, ok := e.stores[t]; !ok {
		e.types = append(e.types, t)
	}
	e.stores[t] = store
}

// SetClock overrides the clock used for sync stamping. Used by tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSyncTime returns when the last successful cycle finished, nil if none.
func (e *Engine) LastSyncTime() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// LastError returns the fatal error of the last failed cycle, nil if the last
// cycle succeeded.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// PendingCount returns the number of outbox items awaiting remote application.
func (e *Engine) PendingCount() (int, error) {
	return e.queue.PendingCount()
}

// PendingConflicts returns the conflicts awaiting manual resolution.
func (e *Engine) PendingConflicts() []*models.Conflict {
	return e.resolver.GetPendingConflicts()
}

// AddStatusListener subscribes to status transitions and returns an
// unsubscribe function.
func (e *Engine) AddStatusListener(l StatusListener) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = l
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// setStatus transitions the engine and notifies listeners outside the lock.
func (e *Engine) setStatus(status Status, result *Result) {
	e.mu.Lock()
	e.status = status
	listeners := make([]StatusListener, 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()

	for _, l := range listeners {
		l(status, result)
	}
}

// Sync runs one full cycle: connectivity check, push, then pull. A call made
// while a cycle is in flight returns ErrSyncInProgress immediately. When
// offline the cycle short-circuits without touching queue or record state.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.status == StatusSyncing {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}

	start := e.now()
	if !e.monitor.Online() {
		e.status = StatusOffline
		e.mu.Unlock()

		result := &Result{
			StartTime: start,
			EndTime:   start,
			Errors:    []string{"No network connection"},
		}
		e.log.Info("sync skipped: offline")
		e.setStatus(StatusOffline, result)
		return result, nil
	}

	e.status = StatusSyncing
	e.lastErr = nil
	e.mu.Unlock()
	e.setStatus(StatusSyncing, nil)

	result := &Result{StartTime: start}
	e.log.Info("sync cycle started")

	// Push runs to completion before pull so the cycle never pulls stale
	// server state over a not-yet-flushed local mutation.
	fatal := e.push(ctx, result)
	if fatal == nil {
		fatal = e.pull(ctx, result)
	}

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	if fatal != nil {
		// Already-processed items stay processed; unprocessed items stay
		// pending, so the cycle is safely resumable.
		result.Errors = append(result.Errors, fatal.Error())
		e.mu.Lock()
		e.lastErr = fatal
		e.mu.Unlock()

		e.log.Error("sync cycle aborted", fatal, map[string]interface{}{
			"synced": result.Synced,
			"failed": result.Failed,
		})
		e.setStatus(StatusError, result)
		return result, fatal
	}

	result.Success = result.Failed == 0
	end := result.EndTime
	e.mu.Lock()
	e.lastSync = &end
	e.mu.Unlock()

	e.log.Info("sync cycle completed", map[string]interface{}{
		"synced":    result.Synced,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"duration":  result.Duration.Milliseconds(),
	})
	e.setStatus(StatusIdle, result)
	return result, nil
}

// =====================================================
// Push phase
// =====================================================

// push drains the outbox in priority/FIFO order. Per-item failures are
// isolated; only local store failures (or cancellation) abort the phase.
func (e *Engine) push(ctx context.Context, result *Result) error {
	items, err := e.queue.Pending()
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncFailed, "push cancelled", err)
		}
		if !item.Pending() {
			continue
		}

		store, ok := e.stores[item.EntityType]
		if !ok {
			result.Failed++
			cause := apperrors.New(apperrors.ErrInvalid, "no store registered for entity type "+item.EntityType)
			result.Errors = append(result.Errors, cause.Error())
			if err := e.queue.Park(string(item.ID), cause); err != nil {
				return err
			}
			continue
		}

		err := e.dispatch(ctx, item)

		var conflictErr *ConflictError
		switch {
		case err == nil:
			if err := e.queue.MarkProcessed(string(item.ID)); err != nil {
				return err
			}
			if err := store.AdvanceSynced(item.EntityID, e.now().UnixMilli()); err != nil {
				return err
			}
			result.Synced++

		case errors.As(err, &conflictErr):
			result.Conflicts++
			if err := e.resolvePushConflict(item, store, conflictErr); err != nil {
				return err
			}

		case apperrors.Is(err, apperrors.ErrLocalStore):
			return err

		case apperrors.Is(err, apperrors.ErrRemoteRejected):
			// Rejections fail identically on every retry; park immediately.
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			if parkErr := e.queue.Park(string(item.ID), err); parkErr != nil {
				return parkErr
			}
			e.log.Warn("push rejected", map[string]interface{}{
				"entity_type": item.EntityType,
				"entity_id":   item.EntityID,
				"operation":   item.Operation,
			})

		default:
			// Transient: record the failure and leave the item for a later
			// cycle; one item's failure must not block the rest of the batch.
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			if markErr := e.queue.MarkFailed(string(item.ID), err); markErr != nil {
				if apperrors.Is(markErr, apperrors.ErrLocalStore) {
					return markErr
				}
				// Retry cap reached: already surfaced via result.Errors.
				e.log.Warn("queue item parked after retry cap", map[string]interface{}{
					"item_id":     item.ID,
					"entity_type": item.EntityType,
				})
			}
		}
	}

	return nil
}

// dispatch sends one outbox item to the remote per its operation.
func (e *Engine) dispatch(ctx context.Context, item *models.QueueItem) error {
	switch item.Operation {
	case models.OpCreate:
		return e.remote.Create(ctx, item.EntityType, item.EntityID, item.Payload)
	case models.OpUpdate:
		return e.remote.Update(ctx, item.EntityType, item.EntityID, item.Payload)
	case models.OpDelete:
		return e.remote.Delete(ctx, item.EntityType, item.EntityID)
	default:
		return apperrors.New(apperrors.ErrInvalid, "unknown queue operation "+item.Operation)
	}
}

// resolvePushConflict handles a server-detected version mismatch for a pushed
// item. Returned errors are store failures and abort the cycle.
func (e *Engine) resolvePushConflict(item *models.QueueItem, store *db.Store, ce *ConflictError) error {
	local := conflict.Snapshot{Data: item.Payload, ModifiedAt: item.CreatedAt}
	if rec, err := store.GetAny(item.EntityID); err == nil {
		local = conflict.Snapshot{Data: rec.Data, ModifiedAt: rec.LocalModifiedAt}
	} else if apperrors.Is(err, apperrors.ErrLocalStore) {
		return err
	}

	server := conflict.Snapshot{Data: ce.ServerData, ModifiedAt: ce.ServerModifiedAt}

	resolution, err := e.resolver.Resolve(item.EntityType, item.EntityID, local, server)
	if err != nil {
		return err
	}

	e.log.Info("push conflict resolved", map[string]interface{}{
		"entity_type": item.EntityType,
		"entity_id":   item.EntityID,
		"strategy":    resolution.Strategy,
		"action":      resolution.Action,
	})

	switch resolution.Action {
	case conflict.ActionUseServer:
		// The local mutation is withdrawn: apply the server version and
		// retire the queue item.
		if err := store.ApplyRemote(item.EntityID, ce.ServerData, ce.ServerModifiedAt); err != nil {
			return err
		}
		return e.queue.MarkProcessed(string(item.ID))

	case conflict.ActionUseLocal:
		// The item stays pending and re-offers the local version next cycle.
		return nil

	case conflict.ActionUseMerged:
		if err := store.ApplyMerged(item.EntityID, resolution.Merged); err != nil {
			return err
		}
		// Push the merged payload on the next cycle.
		return e.queue.UpdatePayload(string(item.ID), resolution.Merged)

	case conflict.ActionManual:
		// Registered in the pending registry; both versions stay untouched.
		return nil
	}

	return nil
}

// =====================================================
// Pull phase
// =====================================================

// pull applies remote changes per entity type, sequentially in registration
// order. A failing entity type is skipped; store failures abort the cycle.
func (e *Engine) pull(ctx context.Context, result *Result) error {
	e.mu.Lock()
	types := append([]string(nil), e.types...)
	e.mu.Unlock()

	for _, entityType := range types {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncFailed, "pull cancelled", err)
		}

		store := e.stores[entityType]
		since, err := e.state.LastPulledAt(entityType)
		if err != nil {
			return err
		}

		changes, err := e.remote.Changes(ctx, entityType, since)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			e.log.Warn("pull failed for entity type", map[string]interface{}{
				"entity_type": entityType,
				"error":       err.Error(),
			})
			continue
		}

		cursor := since
		for _, change := range changes {
			if err := ctx.Err(); err != nil {
				return apperrors.Wrap(apperrors.ErrSyncFailed, "pull cancelled", err)
			}
			if err := e.applyChange(store, entityType, change, result); err != nil {
				return err
			}
			if change.UpdatedAt > cursor {
				cursor = change.UpdatedAt
			}
		}

		if cursor != since {
			if err := e.state.SetLastPulledAt(entityType, cursor); err != nil {
				return err
			}
		}
	}

	return nil
}

// applyChange merges one incoming server change into the local store.
// Returned errors are store failures and abort the cycle.
func (e *Engine) applyChange(store *db.Store, entityType string, change models.RemoteChange, result *Result) error {
	id := string(change.ID)

	// The server is the source of truth for deletion: a remote delete always
	// wins over any local edit.
	if change.Deleted {
		if err := store.TombstoneRemote(id); err != nil {
			return err
		}
		result.Synced++
		return nil
	}

	local, err := store.GetAny(id)
	switch {
	case apperrors.Is(err, apperrors.ErrNotFound):
		local = nil
	case err != nil:
		return err
	}

	if local == nil || !local.Dirty() {
		if err := store.ApplyRemote(id, change.Data, change.UpdatedAt); err != nil {
			return err
		}
		result.Synced++
		return nil
	}

	// Both sides modified the record since the last confirmed sync.
	result.Conflicts++
	resolution, err := e.resolver.Resolve(entityType, id,
		conflict.Snapshot{Data: local.Data, ModifiedAt: local.LocalModifiedAt},
		conflict.Snapshot{Data: change.Data, ModifiedAt: change.UpdatedAt})
	if err != nil {
		return err
	}

	e.log.Info("pull conflict resolved", map[string]interface{}{
		"entity_type": entityType,
		"entity_id":   id,
		"strategy":    resolution.Strategy,
		"action":      resolution.Action,
	})

	switch resolution.Action {
	case conflict.ActionUseServer:
		if err := store.ApplyRemote(id, change.Data, change.UpdatedAt); err != nil {
			return err
		}
		result.Synced++

	case conflict.ActionUseLocal:
		// Keep local for this cycle; the server re-offers its version on the
		// next pull if still divergent.

	case conflict.ActionUseMerged:
		if err := store.ApplyMerged(id, resolution.Merged); err != nil {
			return err
		}
		// Offer the merged record back to the server.
		if _, err := e.queue.Enqueue(entityType, id, models.OpUpdate, resolution.Merged, 0); err != nil {
			return err
		}
		result.Synced++

	case conflict.ActionManual:
		// Parked in the registry; both versions stay untouched.
	}

	return nil
}

// =====================================================
// Manual resolution
// =====================================================

// ResolveManually applies a caller's decision for a parked conflict.
func (e *Engine) ResolveManually(entityType, entityID string, action conflict.Action, merged json.RawMessage) error {
	c, resolution, err := e.resolver.ResolveManually(entityType, entityID, action, merged)
	if err != nil {
		return err
	}

	store, ok := e.stores[entityType]
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, "no store registered for entity type "+entityType)
	}

	switch resolution.Action {
	case conflict.ActionUseServer:
		if err := store.ApplyRemote(entityID, c.ServerData, c.ServerModifiedAt); err != nil {
			return err
		}
		// Withdraw the pending local mutations for this record.
		items, err := e.queue.PendingForEntity(entityType, entityID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if err := e.queue.MarkProcessed(string(item.ID)); err != nil {
				return err
			}
		}

	case conflict.ActionUseLocal:
		// The local version stays dirty or queued and pushes next cycle.

	case conflict.ActionUseMerged:
		if err := store.ApplyMerged(entityID, resolution.Merged); err != nil {
			return err
		}
		items, err := e.queue.PendingForEntity(entityType, entityID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			_, err := e.queue.Enqueue(entityType, entityID, models.OpUpdate, resolution.Merged, 0)
			return err
		}
		for _, item := range items {
			if err := e.queue.UpdatePayload(string(item.ID), resolution.Merged); err != nil {
				return err
			}
		}
	}

	e.log.Info("conflict resolved manually", map[string]interface{}{
		"entity_type": entityType,
		"entity_id":   entityID,
		"action":      action,
	})
	return nil
}
