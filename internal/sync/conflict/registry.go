package conflict

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/tmhsiao/ledgersync/internal/errors"
	"github.com/tmhsiao/ledgersync/internal/models"
)

// Listener receives a notification when a conflict is parked for manual
// resolution. Listeners run synchronously on the detecting goroutine.
type Listener func(*models.Conflict)

// Resolver holds the per-entity-type strategy configuration and the registry
// of conflicts awaiting manual resolution. One resolver is constructed per
// session; it holds no ambient globals.
type Resolver struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
	rules      map[string]MergeRules
	pending    map[string]*models.Conflict
	listeners  map[int]Listener
	nextID     int
	now        func() time.Time
}

// NewResolver creates a Resolver with the default strategy for every entity
// type.
func NewResolver() *Resolver {
	return &Resolver{
		strategies: make(map[string]Strategy),
		rules:      make(map[string]MergeRules),
		pending:    make(map[string]*models.Conflict),
		listeners:  make(map[int]Listener),
		now:        time.Now,
	}
}

// SetClock overrides the clock used for conflict detection timestamps.
func (r *Resolver) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// SetStrategy configures the resolution strategy for one entity type.
func (r *Resolver) SetStrategy(entityType string, strategy Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[entityType] = strategy
}

// SetMergeRules configures the field merge rule table for one entity type.
func (r *Resolver) SetMergeRules(entityType string, rules MergeRules) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[entityType] = rules
}

// StrategyFor returns the configured strategy for entityType, falling back to
// the default.
func (r *Resolver) StrategyFor(entityType string) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.strategies[entityType]; ok {
		return s
	}
	return DefaultStrategy
}

// Resolve decides a detected conflict using the entity type's configured
// strategy. A manual strategy parks the conflict in the pending registry and
// notifies listeners; every other strategy resolves immediately.
func (r *Resolver) Resolve(entityType, entityID string, local, server Snapshot) (Resolution, error) {
	r.mu.RLock()
	strategy, ok := r.strategies[entityType]
	if !ok {
		strategy = DefaultStrategy
	}
	rules := r.rules[entityType]
	r.mu.RUnlock()

	resolution, err := Resolve(strategy, rules, local, server)
	if err != nil {
		return Resolution{}, err
	}

	if resolution.Action == ActionManual {
		r.register(&models.Conflict{
			EntityType:       entityType,
			EntityID:         entityID,
			LocalData:        local.Data,
			ServerData:       server.Data,
			LocalModifiedAt:  local.ModifiedAt,
			ServerModifiedAt: server.ModifiedAt,
		})
	}

	return resolution, nil
}

// register parks a conflict and notifies listeners. Re-detecting the same
// conflict refreshes the server snapshot without re-notifying.
func (r *Resolver) register(c *models.Conflict) {
	r.mu.Lock()
	c.DetectedAt = r.now().UnixMilli()
	_, seen := r.pending[c.Key()]
	r.pending[c.Key()] = c

	var listeners []Listener
	if !seen {
		listeners = make([]Listener, 0, len(r.listeners))
		for _, l := range r.listeners {
			listeners = append(listeners, l)
		}
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l(c)
	}
}

// GetPendingConflicts returns the conflicts awaiting manual resolution.
func (r *Resolver) GetPendingConflicts() []*models.Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Conflict, 0, len(r.pending))
	for _, c := range r.pending {
		out = append(out, c)
	}
	return out
}

// HasPendingConflicts reports whether any conflict awaits manual resolution.
func (r *Resolver) HasPendingConflicts() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending) > 0
}

// GetConflictCount returns the number of pending conflicts.
func (r *Resolver) GetConflictCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

// AddConflictListener subscribes to new pending conflicts and returns an
// unsubscribe function.
func (r *Resolver) AddConflictListener(l Listener) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// ClearPendingConflicts drops every pending conflict without resolving it.
func (r *Resolver) ClearPendingConflicts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[string]*models.Conflict)
}

// ResolveManually resolves a parked conflict with the caller's decision. For
// ActionUseMerged the caller supplies the merged payload. The conflict leaves
// the registry; applying the decision to the store is the engine's job.
func (r *Resolver) ResolveManually(entityType, entityID string, action Action, merged json.RawMessage) (*models.Conflict, Resolution, error) {
	key := entityType + ":" + entityID

	r.mu.Lock()
	c, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		return nil, Resolution{}, apperrors.New(apperrors.ErrNotFound, fmt.Sprintf("no pending conflict for %s", key))
	}

	switch action {
	case ActionUseLocal, ActionUseServer:
	case ActionUseMerged:
		if len(merged) == 0 {
			r.mu.Unlock()
			return nil, Resolution{}, apperrors.New(apperrors.ErrInvalid, "merged payload required for use_merged")
		}
	default:
		r.mu.Unlock()
		return nil, Resolution{}, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid manual resolution %q", action))
	}

	delete(r.pending, key)
	r.mu.Unlock()

	return c, Resolution{Action: action, Strategy: StrategyManual, Merged: merged}, nil
}
