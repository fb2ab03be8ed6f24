package billing

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// CYCLE GENERATOR - Materializes a unit's billing dates as cycle rows
// =============================================================================

const (
	DefaultWindowBefore = 6
	DefaultWindowAfter  = 6
)

// CycleGenerator creates the bounded window of cycles for a unit, once.
// Re-running it for a unit that already has cycles is a no-op.
type CycleGenerator struct {
	Store        TxStore
	Clock        Clock
	Log          logrus.FieldLogger
	NewID        func() string
	WindowBefore int
	WindowAfter  int
}

type GenerateResult struct {
	UnitID     string
	BillingDay int
	Created    int
	Skipped    bool // unit already had cycles
}

// Generate backfills cycles for one unit.
func (g *CycleGenerator) Generate(ctx context.Context, unitID string) (GenerateResult, error) {
	result := GenerateResult{UnitID: unitID}

	unit, err := g.Store.GetTenantUnit(ctx, unitID)
	if err != nil {
		return result, err
	}
	if err := unit.Validate(); err != nil {
		return result, err
	}

	if unit.BillingDay == 0 {
		unit.BillingDay = unit.StartDate.Day()
		if err := g.Store.SetBillingDay(ctx, unit.ID, unit.BillingDay); err != nil {
			return result, err
		}
		g.Log.WithFields(logrus.Fields{"unit_id": unit.ID, "billing_day": unit.BillingDay}).
			Info("derived billing day from start date")
	}
	result.BillingDay = unit.BillingDay

	dates := CycleDates(unit.StartDate, unit.BillingDay, g.Clock(), g.WindowBefore, g.WindowAfter, unit.EndDate)

	err = g.Store.WithTx(ctx, func(s Store) error {
		n, err := s.CountCycles(ctx, unit.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			result.Skipped = true
			return nil
		}
		if len(dates) == 0 {
			return nil
		}

		cycles := make([]BillingCycle, 0, len(dates))
		for _, d := range dates {
			cycles = append(cycles, BillingCycle{
				ID:           g.NewID(),
				TenantUnitID: unit.ID,
				BillingDate:  d,
				AmountDue:    unit.MonthlyRate,
				AmountPaid:   decimal.Zero,
				Status:       StatusPending,
			})
		}
		if err := s.InsertCycles(ctx, cycles); err != nil {
			return err
		}
		result.Created = len(cycles)
		return nil
	})
	if errors.Is(err, ErrConflict) {
		// Another generator inserted first.
		return GenerateResult{UnitID: unit.ID, BillingDay: unit.BillingDay, Skipped: true}, nil
	}
	if err != nil {
		return GenerateResult{UnitID: unit.ID, BillingDay: unit.BillingDay}, err
	}

	if result.Created > 0 {
		g.Log.WithFields(logrus.Fields{"unit_id": unit.ID, "created": result.Created}).Info("generated billing cycles")
	}
	return result, nil
}

// BackfillSummary reports a Backfill run.
type BackfillSummary struct {
	Units   int
	Created int
	Skipped int
	Failed  int
}

// Backfill runs Generate for every active unit. A failing unit is logged and
// counted; it does not stop the others.
func (g *CycleGenerator) Backfill(ctx context.Context) (BackfillSummary, error) {
	var summary BackfillSummary

	units, err := g.Store.ListTenantUnits(ctx)
	if err != nil {
		return summary, err
	}

	for _, u := range units {
		if !u.Active {
			continue
		}
		summary.Units++
		res, err := g.Generate(ctx, u.ID)
		if err != nil {
			summary.Failed++
			g.Log.WithError(err).WithField("unit_id", u.ID).Error("cycle generation failed")
			continue
		}
		if res.Skipped {
			summary.Skipped++
		}
		summary.Created += res.Created
	}
	return summary, nil
}

func newUUID() string { return uuid.NewString() }
