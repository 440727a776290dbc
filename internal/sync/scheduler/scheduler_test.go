// Package scheduler tests for the background sync loops.
package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tmhsiao/ledgersync/internal/db"
	"github.com/tmhsiao/ledgersync/internal/logging"
	"github.com/tmhsiao/ledgersync/internal/models"
	syncpkg "github.com/tmhsiao/ledgersync/internal/sync"
	"github.com/tmhsiao/ledgersync/internal/sync/conflict"
	"github.com/tmhsiao/ledgersync/internal/sync/queue"
)

// stubRemote accepts every push and serves no changes.
type stubRemote struct{}

func (stubRemote) Create(context.Context, string, string, json.RawMessage) error { return nil }
func (stubRemote) Update(context.Context, string, string, json.RawMessage) error { return nil }
func (stubRemote) Delete(context.Context, string, string) error                  { return nil }
func (stubRemote) Changes(context.Context, string, int64) ([]models.RemoteChange, error) {
	return nil, nil
}

func setupScheduler(t *testing.T, config *Config) (*Scheduler, *syncpkg.Engine, *syncpkg.StaticMonitor) {
	t.Helper()

	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		t.Fatalf("Migrations failed: %v", err)
	}

	store, err := db.NewStore(database, "invoices")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	monitor := syncpkg.NewStaticMonitor(true)
	engine := syncpkg.NewEngine(queue.NewQueue(database), conflict.NewResolver(),
		db.NewStateStore(database), stubRemote{}, monitor, logging.Discard())
	engine.RegisterStore(store)

	return New(engine, monitor, logging.Discard(), config), engine, monitor
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestStartStopIdempotent verifies repeated Start and Stop calls are safe.
func TestStartStopIdempotent(t *testing.T) {
	s, _, _ := setupScheduler(t, nil)

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx)
	if !s.IsRunning() {
		t.Error("Expected scheduler running")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("Expected scheduler stopped")
	}
}

// TestPeriodicSyncRuns verifies the periodic loop triggers cycles while
// online.
func TestPeriodicSyncRuns(t *testing.T) {
	s, engine, _ := setupScheduler(t, &Config{
		SyncInterval:  10 * time.Millisecond,
		ProbeInterval: time.Hour,
	})

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return engine.LastSyncTime() != nil },
		"Expected a periodic sync cycle to run")
}

// TestConnectivityRegainedTriggersSync verifies the offline-to-online edge
// starts an immediate catch-up cycle instead of waiting for the interval.
func TestConnectivityRegainedTriggersSync(t *testing.T) {
	s, engine, monitor := setupScheduler(t, &Config{
		SyncInterval:  time.Hour,
		ProbeInterval: 10 * time.Millisecond,
	})
	monitor.SetOnline(false)

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)
	if engine.LastSyncTime() != nil {
		t.Fatal("Expected no sync while offline")
	}

	monitor.SetOnline(true)
	waitFor(t, func() bool { return engine.LastSyncTime() != nil },
		"Expected catch-up sync after connectivity regained")
}

// TestSyncNowRunsSynchronously verifies SyncNow returns the cycle result.
func TestSyncNowRunsSynchronously(t *testing.T) {
	s, engine, _ := setupScheduler(t, nil)

	result, err := s.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if !result.Success {
		t.Errorf("Expected successful cycle, got %+v", result)
	}
	if engine.LastSyncTime() == nil {
		t.Error("Expected last sync time recorded")
	}
}

// TestGetStatusSnapshot verifies the status snapshot reflects engine state.
func TestGetStatusSnapshot(t *testing.T) {
	s, _, monitor := setupScheduler(t, nil)

	status := s.GetStatus()
	if status.IsRunning {
		t.Error("Expected not running before Start")
	}
	if !status.IsOnline {
		t.Error("Expected online")
	}
	if status.EngineStatus != syncpkg.StatusIdle {
		t.Errorf("Expected idle engine, got %s", status.EngineStatus)
	}

	monitor.SetOnline(false)
	if s.GetStatus().IsOnline {
		t.Error("Expected offline after monitor change")
	}
}
