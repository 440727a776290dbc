// Package main provides the local sync daemon. Clients talk to it over
// REST/WebSocket on localhost; it owns the SQLite store, the outbox, and the
// background sync loop against the remote API.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/tmhsiao/ledgersync/cmd/syncd/handlers"
	"github.com/tmhsiao/ledgersync/internal/db"
	"github.com/tmhsiao/ledgersync/internal/logging"
	"github.com/tmhsiao/ledgersync/internal/models"
	syncpkg "github.com/tmhsiao/ledgersync/internal/sync"
	"github.com/tmhsiao/ledgersync/internal/sync/conflict"
	"github.com/tmhsiao/ledgersync/internal/sync/queue"
	"github.com/tmhsiao/ledgersync/internal/sync/scheduler"
)

func main() {
	var (
		dataDir      = flag.String("data", envOr("DATA_DIR", "./data"), "data directory for the SQLite store")
		listenAddr   = flag.String("listen", envOr("LISTEN_ADDR", "localhost:8090"), "address for the local REST/WebSocket API")
		remoteURL    = flag.String("remote", envOr("REMOTE_URL", ""), "base URL of the remote sync API")
		probeURL     = flag.String("probe", envOr("PROBE_URL", ""), "URL probed for connectivity (defaults to the remote URL)")
		entities     = flag.String("entities", envOr("ENTITIES", "invoices,customers,products"), "comma-separated entity types to sync")
		syncInterval = flag.Duration("sync-interval", 15*time.Minute, "how often to run a background sync cycle")
		debug        = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	if *remoteURL == "" {
		log.Fatal("remote URL is required (-remote or REMOTE_URL)")
	}
	if *probeURL == "" {
		*probeURL = *remoteURL
	}

	level := logging.LevelInfo
	if *debug {
		level = logging.LevelDebug
	}
	logger := logging.New(os.Stdout, level)

	database, err := db.Open(*dataDir)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	q := queue.NewQueue(database)
	resolver := conflict.NewResolver()
	state := db.NewStateStore(database)
	remote := syncpkg.NewHTTPClient(*remoteURL)
	monitor := syncpkg.NewProbeMonitor(*probeURL)

	engine := syncpkg.NewEngine(q, resolver, state, remote, monitor, logger)

	stores := make(map[string]*db.Store)
	for _, entityType := range strings.Split(*entities, ",") {
		entityType = strings.TrimSpace(entityType)
		if entityType == "" {
			continue
		}
		store, err := db.NewStore(database, entityType)
		if err != nil {
			log.Fatalf("Failed to create store for %q: %v", entityType, err)
		}
		stores[entityType] = store
		engine.RegisterStore(store)
	}

	sched := scheduler.New(engine, monitor, logger, &scheduler.Config{
		SyncInterval:  *syncInterval,
		ProbeInterval: 30 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sched.Start(ctx)
	defer sched.Stop()

	hub := NewWSHub()
	resolver.AddConflictListener(func(c *models.Conflict) {
		hub.BroadcastSyncConflictDetected(c.EntityType, c.EntityID)
	})

	syncHandler := handlers.NewSyncHandler(engine, sched, q)
	syncHandler.SetWebSocketHub(hub)
	recordsHandler := handlers.NewRecordsHandler(stores, q)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledgersync"}`))
	})
	mux.HandleFunc("/sync/status", syncHandler.GetStatus)
	mux.HandleFunc("/sync/now", syncHandler.SyncNow)
	mux.HandleFunc("/sync/conflicts", syncHandler.GetConflicts)
	mux.HandleFunc("/sync/conflicts/resolve", syncHandler.ResolveConflict)
	mux.HandleFunc("/sync/retry", syncHandler.RetryFailed)
	mux.Handle("/records/", recordsHandler)
	mux.HandleFunc("/ws", HandleWebSocket(hub))

	server := &http.Server{
		Addr:    *listenAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("ledgersync daemon listening on %s", *listenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
