/*
scheduler.go - Cron-driven overdue sweep

PURPOSE:
  Runs the daily batch: backfill cycles for any unit that has none yet,
  then sweep overdue cycles into enforcement actions. Every run is
  recorded as a SweepRun for audit and UI display.

DESIGN:
  - robfig/cron drives the schedule (SWEEP_CRON, UTC)
  - Runs never overlap inside one process; a tick that arrives while a
    run is still going waits for it
  - Re-running is safe: the detector only sees pending, unlinked cycles
  - A failed scan marks the run failed; per-cycle failures only bump the
    run's failed count

USAGE:
  scheduler := NewSweepScheduler(engine, store, "5 0 * * *", log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSweep endpoint (manual trigger, same code path)
  - billing/detector.go: Sweep
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/warp/billing-engine/billing"
)

// DefaultSweepSchedule runs five minutes past midnight UTC.
const DefaultSweepSchedule = "5 0 * * *"

// SweepOutcome is everything one run produced.
type SweepOutcome struct {
	Run      billing.SweepRun
	Backfill billing.BackfillSummary
	Sweep    billing.SweepSummary
}

// SweepScheduler handles the automated daily sweep.
type SweepScheduler struct {
	Engine   *billing.Engine
	Runs     billing.SweepRunStore
	Schedule string
	Enabled  bool
	Log      logrus.FieldLogger
	NewID    func() string
	Now      func() time.Time

	cron    *cron.Cron
	entry   cron.EntryID
	runMu   sync.Mutex // one run at a time
	stateMu sync.Mutex
}

// NewSweepScheduler creates a scheduler. An empty schedule uses DefaultSweepSchedule.
func NewSweepScheduler(engine *billing.Engine, runs billing.SweepRunStore, schedule string, log logrus.FieldLogger) *SweepScheduler {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SweepScheduler{
		Engine:   engine,
		Runs:     runs,
		Schedule: schedule,
		Enabled:  true,
		Log:      log.WithField("component", "scheduler"),
		NewID:    uuid.NewString,
		Now:      time.Now,
	}
}

// Start registers the cron entry and starts the cron loop.
func (s *SweepScheduler) Start() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if !s.Enabled {
		s.Log.Info("sweep scheduler disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return fmt.Errorf("sweep scheduler already running")
	}

	c := cron.New(cron.WithLocation(time.UTC))
	entry, err := c.AddFunc(s.Schedule, func() {
		if _, err := s.RunNow(context.Background()); err != nil {
			s.Log.WithError(err).Error("scheduled sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.Schedule, err)
	}
	c.Start()

	s.cron = c
	s.entry = entry
	s.Log.WithFields(logrus.Fields{
		"schedule": s.Schedule,
		"next_run": c.Entry(entry).Next.Format(time.RFC3339),
	}).Info("sweep scheduler started")
	return nil
}

// Stop stops the cron loop and waits for a running sweep to finish.
func (s *SweepScheduler) Stop() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.Log.Info("sweep scheduler stopped")
}

// NextRun returns when the next scheduled sweep will occur, or the zero
// time when the scheduler is not running.
func (s *SweepScheduler) NextRun() time.Time {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

// RunNow performs one backfill + sweep and records it.
func (s *SweepScheduler) RunNow(ctx context.Context) (SweepOutcome, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	run := billing.SweepRun{
		ID:        s.NewID(),
		AsOf:      s.Engine.Clock(),
		Status:    billing.SweepRunning,
		StartedAt: s.Now().UTC(),
	}
	if err := s.Runs.SaveSweepRun(ctx, run); err != nil {
		return SweepOutcome{Run: run}, fmt.Errorf("failed to save sweep run: %w", err)
	}

	out := SweepOutcome{}
	backfill, err := s.Engine.Generator.Backfill(ctx)
	out.Backfill = backfill
	if err != nil {
		out.Run = s.finish(ctx, run, billing.SweepSummary{}, err)
		return out, err
	}

	summary, err := s.Engine.Detector.Sweep(ctx)
	out.Sweep = summary
	out.Run = s.finish(ctx, run, summary, err)
	if err != nil {
		return out, err
	}

	s.Log.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"as_of":   run.AsOf.String(),
		"units":   backfill.Units,
		"cycles":  backfill.Created,
		"created": summary.Created,
		"failed":  summary.Failed,
	}).Info("sweep run completed")
	return out, nil
}

func (s *SweepScheduler) finish(ctx context.Context, run billing.SweepRun, summary billing.SweepSummary, runErr error) billing.SweepRun {
	completed := s.Now().UTC()
	run.CompletedAt = &completed
	run.Scanned = summary.Scanned
	run.Created = summary.Created
	run.Skipped = summary.Skipped
	run.Failed = summary.Failed
	run.Status = billing.SweepCompleted
	if runErr != nil {
		run.Status = billing.SweepFailed
		run.Error = runErr.Error()
	}
	if err := s.Runs.SaveSweepRun(ctx, run); err != nil {
		s.Log.WithError(err).WithField("run_id", run.ID).Warn("failed to record sweep run result")
	}
	return run
}
