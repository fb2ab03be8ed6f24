// main.go - Application entry point
//
// PURPOSE:
//   Starts the billing engine HTTP server and the daily sweep scheduler.
//   Handles configuration, dependency injection, and graceful shutdown.
//
// STARTUP SEQUENCE:
//   1. Load config (.env + environment), then apply command-line overrides
//   2. Initialize logging
//   3. Initialize SQLite store
//   4. Build the engine, scheduler and API handler
//   5. Start the scheduler and the HTTP server with graceful shutdown
//
// COMMAND-LINE FLAGS:
//   -port    HTTP server port (overrides SERVER_PORT)
//   -db      SQLite database path (overrides DB_PATH)
//            Use ":memory:" for in-memory database
//
// GRACEFUL SHUTDOWN:
//   On SIGINT/SIGTERM:
//   1. Stop the scheduler (waits for a running sweep)
//   2. Stop accepting new connections
//   3. Wait for active requests to complete (30s timeout)
//   4. Close database connection
//
// EXAMPLES:
//   ./server -db="./data/billing.db"
//   SWEEP_CRON="*/15 * * * *" ./server -port=3000
//
// SEE ALSO:
//   - config/config.go: Environment keys
//   - api/server.go: Router configuration
//   - api/scheduler.go: Sweep scheduler
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/logging"
	"github.com/warp/billing-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	// Flags
	port := flag.Int("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	flag.Parse()

	if err := logging.Initialize("billing-server", cfg.Log); err != nil {
		logging.Logger.Fatalf("Failed to initialize logging: %v", err)
	}
	log := logging.Logger

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	engine := billing.NewEngine(store, billing.Config{
		Log:          log,
		WindowBefore: cfg.Billing.WindowBefore,
		WindowAfter:  cfg.Billing.WindowAfter,
	})

	scheduler := api.NewSweepScheduler(engine, store, cfg.Billing.SweepCron, log)
	scheduler.Enabled = cfg.Billing.SweepEnabled
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start sweep scheduler: %v", err)
	}

	handler := api.NewHandler(store, engine, scheduler, log)
	router := api.NewRouter(handler, cfg.CORS)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.WithField("db", *dbPath).Infof("Server starting on http://localhost:%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}

	log.Info("Server stopped")
}
