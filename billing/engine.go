package billing

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Engine wires the components around one store.
//
//	engine := billing.NewEngine(store, billing.Config{})
//	engine.Generator.Backfill(ctx)
//	engine.Detector.Sweep(ctx)
//	engine.Reconciler.ApplyPayment(ctx, cycleID, amount, nil)
type Engine struct {
	Store      TxStore
	Clock      Clock
	Generator  *CycleGenerator
	Detector   *OverdueDetector
	Trigger    *EnforcementTrigger
	Reconciler *PaymentReconciler
	Statements *StatementBuilder
}

// Config holds the optional knobs; zero values pick the defaults.
type Config struct {
	Clock        Clock
	Now          func() time.Time
	Log          logrus.FieldLogger
	NewID        func() string
	WindowBefore int
	WindowAfter  int
}

func NewEngine(store TxStore, cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = Today
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	if cfg.NewID == nil {
		cfg.NewID = newUUID
	}
	if cfg.WindowBefore <= 0 {
		cfg.WindowBefore = DefaultWindowBefore
	}
	if cfg.WindowAfter <= 0 {
		cfg.WindowAfter = DefaultWindowAfter
	}

	trigger := &EnforcementTrigger{
		Store: store,
		Clock: cfg.Clock,
		Log:   cfg.Log.WithField("component", "enforcement"),
		NewID: cfg.NewID,
		Now:   cfg.Now,
	}

	return &Engine{
		Store: store,
		Clock: cfg.Clock,
		Generator: &CycleGenerator{
			Store:        store,
			Clock:        cfg.Clock,
			Log:          cfg.Log.WithField("component", "generator"),
			NewID:        cfg.NewID,
			WindowBefore: cfg.WindowBefore,
			WindowAfter:  cfg.WindowAfter,
		},
		Detector: &OverdueDetector{
			Store:   store,
			Trigger: trigger,
			Clock:   cfg.Clock,
			Log:     cfg.Log.WithField("component", "detector"),
		},
		Trigger: trigger,
		Reconciler: &PaymentReconciler{
			Store:   store,
			Trigger: trigger,
			Clock:   cfg.Clock,
			Log:     cfg.Log.WithField("component", "payments"),
			NewID:   cfg.NewID,
			Now:     cfg.Now,
		},
		Statements: &StatementBuilder{Store: store, Clock: cfg.Clock},
	}
}
