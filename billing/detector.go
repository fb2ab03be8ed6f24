/*
detector.go - Overdue detection and the daily sweep

DESIGN:
  Scan is a pure read: pending cycles of active, enforcement-enabled units
  whose grace period has elapsed. Overlocked and paid cycles never come back
  from the store query, so re-running Scan after a Sweep hands nothing new
  to the trigger.

  Sweep feeds every overdue cycle to the EnforcementTrigger. Each cycle is
  independent: a failure is logged with the cycle id, counted, and the sweep
  moves on. Only a failure of the scan itself aborts.

SEE ALSO:
  - enforcement.go: the trigger and its atomic guard
  - api/scheduler.go: runs Sweep on a cron schedule and records SweepRuns
*/
package billing

import (
	"context"

	"github.com/sirupsen/logrus"
)

// OverdueCycle is a cycle whose grace period has elapsed unpaid.
type OverdueCycle struct {
	Cycle       BillingCycle
	Unit        TenantUnit
	DaysOverdue int
}

type OverdueDetector struct {
	Store   TxStore
	Trigger *EnforcementTrigger
	Clock   Clock
	Log     logrus.FieldLogger
}

// Scan returns overdue cycles, oldest billing date first.
func (d *OverdueDetector) Scan(ctx context.Context) ([]OverdueCycle, error) {
	today := d.Clock()

	candidates, err := d.Store.ListEnforceable(ctx)
	if err != nil {
		return nil, err
	}

	var overdue []OverdueCycle
	for _, c := range candidates {
		if c.Cycle.Status != StatusPending || c.Cycle.EnforcementActionID != "" {
			continue
		}
		if !IsOverdue(c.Cycle.BillingDate, c.Unit.GracePeriodDays, today) {
			continue
		}
		overdue = append(overdue, OverdueCycle{
			Cycle:       c.Cycle,
			Unit:        c.Unit,
			DaysOverdue: DaysBetween(c.Cycle.BillingDate, today),
		})
	}
	return overdue, nil
}

// CycleFailure records one cycle the sweep could not process.
type CycleFailure struct {
	CycleID string
	Err     error
}

// SweepSummary is returned to the caller of Sweep.
type SweepSummary struct {
	AsOf     Date
	Scanned  int // overdue cycles found
	Created  int // apply actions created
	Skipped  int // already handled by a concurrent run
	Failed   int
	Failures []CycleFailure
}

// Sweep scans and triggers enforcement for every overdue cycle.
func (d *OverdueDetector) Sweep(ctx context.Context) (SweepSummary, error) {
	summary := SweepSummary{AsOf: d.Clock()}

	overdue, err := d.Scan(ctx)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(overdue)

	for _, oc := range overdue {
		res, err := d.Trigger.Apply(ctx, oc)
		if err != nil {
			summary.Failed++
			summary.Failures = append(summary.Failures, CycleFailure{CycleID: oc.Cycle.ID, Err: err})
			d.Log.WithError(err).WithFields(logrus.Fields{
				"cycle_id": oc.Cycle.ID,
				"unit_id":  oc.Unit.ID,
			}).Error("enforcement failed for overdue cycle")
			continue
		}
		if res.Created {
			summary.Created++
		} else {
			summary.Skipped++
		}
	}

	d.Log.WithFields(logrus.Fields{
		"as_of":   summary.AsOf.String(),
		"scanned": summary.Scanned,
		"created": summary.Created,
		"skipped": summary.Skipped,
		"failed":  summary.Failed,
	}).Info("overdue sweep completed")

	return summary, nil
}
