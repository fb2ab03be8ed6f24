/*
main.go - One-shot batch sweep

PURPOSE:
  Runs a single recorded backfill + overdue sweep against the configured
  database and exits. Meant for an external scheduler (cron, k8s CronJob)
  when the HTTP server's own scheduler is disabled.

EXIT CODES:
  0  sweep completed (individual cycle failures are logged and counted)
  1  setup failed, or the overdue scan itself failed

COMMAND-LINE FLAGS:
  -db       SQLite database path (overrides DB_PATH)
  -as-of    Evaluate as of this date (YYYY-MM-DD), default today
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/logging"
	"github.com/warp/billing-engine/store/sqlite"
)

func main() {
	cfg := config.Load()

	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	asOf := flag.String("as-of", "", "evaluate as of YYYY-MM-DD (default today)")
	flag.Parse()

	if err := logging.Initialize("billing-sweep", cfg.Log); err != nil {
		logging.Logger.Fatalf("Failed to initialize logging: %v", err)
	}
	log := logging.Logger

	clock := billing.Clock(billing.Today)
	if *asOf != "" {
		d, err := billing.ParseDate(*asOf)
		if err != nil {
			log.Fatalf("Invalid -as-of: %v", err)
		}
		clock = billing.FixedClock(d)
	}

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	engine := billing.NewEngine(store, billing.Config{
		Clock:        clock,
		Log:          log,
		WindowBefore: cfg.Billing.WindowBefore,
		WindowAfter:  cfg.Billing.WindowAfter,
	})
	runner := api.NewSweepScheduler(engine, store, cfg.Billing.SweepCron, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := runner.RunNow(ctx)
	if err != nil {
		log.WithError(err).WithField("run_id", out.Run.ID).Error("sweep failed")
		store.Close()
		os.Exit(1)
	}

	log.WithField("run_id", out.Run.ID).Infof(
		"as of %s: %d units backfilled (%d cycles), %d overdue, %d actions created, %d skipped, %d failed",
		out.Run.AsOf, out.Backfill.Units, out.Backfill.Created,
		out.Sweep.Scanned, out.Sweep.Created, out.Sweep.Skipped, out.Sweep.Failed,
	)
}
