// Package scheduler drives background sync: a periodic cycle while online and
// an immediate catch-up cycle when connectivity comes back.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/tmhsiao/ledgersync/internal/logging"
	syncpkg "github.com/tmhsiao/ledgersync/internal/sync"
)

// Config holds scheduler configuration.
type Config struct {
	SyncInterval  time.Duration // How often to sync when online (default: 15 minutes)
	ProbeInterval time.Duration // How often to poll the network monitor (default: 30 seconds)
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  15 * time.Minute,
		ProbeInterval: 30 * time.Second,
	}
}

// Scheduler runs the sync engine in the background. Overlap control lives in
// the engine itself; the scheduler simply triggers cycles and treats a
// rejected trigger as a no-op.
type Scheduler struct {
	engine  *syncpkg.Engine
	monitor syncpkg.Monitor
	log     *logging.Logger

	syncInterval  time.Duration
	probeInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu        sync.RWMutex
	isRunning bool
	wasOnline bool
}

// New creates a Scheduler.
func New(engine *syncpkg.Engine, monitor syncpkg.Monitor, log *logging.Logger, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logging.Discard()
	}

	return &Scheduler{
		engine:        engine,
		monitor:       monitor,
		log:           log,
		syncInterval:  config.SyncInterval,
		probeInterval: config.ProbeInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background loops. Calling Start on a running scheduler
// is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.wasOnline = s.monitor.Online()
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.connectivityLoop(ctx)

	s.log.Info("background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"probe_interval": s.probeInterval.String(),
	})
}

// Stop shuts the loops down and waits for them to finish. An in-flight sync
// cycle runs to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.log.Info("background sync scheduler stopped")
}

// IsRunning reports whether the background loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// periodicSyncLoop triggers a cycle every syncInterval while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.monitor.Online() {
				continue
			}
			s.runSync(ctx, "periodic")
		}
	}
}

// connectivityLoop polls the monitor and triggers an immediate catch-up cycle
// on the offline-to-online edge, so queued mutations flush as soon as the
// network returns rather than waiting out the periodic interval.
func (s *Scheduler) connectivityLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			online := s.monitor.Online()

			s.mu.Lock()
			regained := online && !s.wasOnline
			changed := online != s.wasOnline
			s.wasOnline = online
			s.mu.Unlock()

			if changed {
				s.log.Info("connectivity changed", map[string]interface{}{
					"online": online,
				})
			}
			if regained {
				s.runSync(ctx, "connectivity regained")
			}
		}
	}
}

// runSync executes one cycle with a timeout. A cycle already in flight is
// skipped silently; all other outcomes are logged by the engine.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	s.log.Debug("triggering sync cycle", map[string]interface{}{"reason": reason})

	if _, err := s.engine.Sync(syncCtx); err == syncpkg.ErrSyncInProgress {
		s.log.Debug("sync already in progress, skipping", map[string]interface{}{"reason": reason})
	}
}

// TriggerSync starts a cycle immediately without waiting for completion.
// Returns false if a cycle was already in flight.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if s.engine.Status() == syncpkg.StatusSyncing {
		return false
	}
	go s.runSync(ctx, "manual")
	return true
}

// SyncNow runs a cycle synchronously and returns its result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	return s.engine.Sync(syncCtx)
}

// Status is a point-in-time snapshot of the scheduler and engine.
type Status struct {
	IsRunning    bool           `json:"is_running"`
	IsOnline     bool           `json:"is_online"`
	EngineStatus syncpkg.Status `json:"engine_status"`
	LastSyncTime *time.Time     `json:"last_sync_time,omitempty"`
	PendingItems int            `json:"pending_items"`
	Conflicts    int            `json:"conflicts"`
}

// GetStatus returns the current scheduler and engine status.
func (s *Scheduler) GetStatus() Status {
	pending, _ := s.engine.PendingCount()

	return Status{
		IsRunning:    s.IsRunning(),
		IsOnline:     s.monitor.Online(),
		EngineStatus: s.engine.Status(),
		LastSyncTime: s.engine.LastSyncTime(),
		PendingItems: pending,
		Conflicts:    len(s.engine.PendingConflicts()),
	}
}
