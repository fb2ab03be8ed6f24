package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STATEMENT - Tenant-facing view of a unit's cycles
// =============================================================================

// Statement summarizes a unit's billing position as of a date. It is derived
// from the cycle rows every time; nothing here is stored.
type Statement struct {
	Unit         TenantUnit
	AsOf         Date
	Cycles       []BillingCycle
	TotalDue     decimal.Decimal // cycles billed on or before AsOf
	TotalPaid    decimal.Decimal
	Outstanding  decimal.Decimal // unpaid remainder of cycles billed on or before AsOf
	OverdueCount int
	Overlocked   bool
	NextDue      *BillingCycle
}

// BuildStatement computes a Statement from a unit and its cycles.
func BuildStatement(unit TenantUnit, cycles []BillingCycle, asOf Date) Statement {
	st := Statement{
		Unit:        unit,
		AsOf:        asOf,
		Cycles:      cycles,
		TotalDue:    decimal.Zero,
		TotalPaid:   decimal.Zero,
		Outstanding: decimal.Zero,
	}

	for i, c := range cycles {
		st.TotalPaid = st.TotalPaid.Add(c.AmountPaid)

		if c.BillingDate.After(asOf) {
			if st.NextDue == nil && !c.IsPaid() {
				st.NextDue = &cycles[i]
			}
			continue
		}

		st.TotalDue = st.TotalDue.Add(c.AmountDue)
		if c.IsPaid() {
			continue
		}
		st.Outstanding = st.Outstanding.Add(c.Outstanding())
		if IsOverdue(c.BillingDate, unit.GracePeriodDays, asOf) {
			st.OverdueCount++
		}
		if c.Status == StatusOverlocked {
			st.Overlocked = true
		}
	}
	return st
}

// StatementBuilder loads what BuildStatement needs.
type StatementBuilder struct {
	Store Store
	Clock Clock
}

func (b *StatementBuilder) Statement(ctx context.Context, unitID string) (Statement, error) {
	unit, err := b.Store.GetTenantUnit(ctx, unitID)
	if err != nil {
		return Statement{}, err
	}
	cycles, err := b.Store.ListCycles(ctx, unitID)
	if err != nil {
		return Statement{}, err
	}
	return BuildStatement(*unit, cycles, b.Clock()), nil
}
