package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

func TestBuildStatement(t *testing.T) {
	unit := testUnit("b12", billing.NewDate(2023, time.December, 15))
	cycles := []billing.BillingCycle{
		{ID: "dec", BillingDate: billing.NewDate(2023, time.December, 15), AmountDue: billing.MustParseDecimal("50"), AmountPaid: billing.MustParseDecimal("50"), Status: billing.StatusPaid},
		{ID: "jan", BillingDate: billing.NewDate(2024, time.January, 15), AmountDue: billing.MustParseDecimal("50"), AmountPaid: billing.MustParseDecimal("0"), Status: billing.StatusPending},
		{ID: "feb", BillingDate: billing.NewDate(2024, time.February, 15), AmountDue: billing.MustParseDecimal("50"), AmountPaid: billing.MustParseDecimal("0"), Status: billing.StatusPending},
	}

	st := billing.BuildStatement(unit, cycles, jan26)

	assert.Equal(t, "100", st.TotalDue.String())
	assert.Equal(t, "50", st.TotalPaid.String())
	assert.Equal(t, "50", st.Outstanding.String())
	assert.Equal(t, 1, st.OverdueCount)
	assert.False(t, st.Overlocked)
	require.NotNil(t, st.NextDue)
	assert.Equal(t, "feb", st.NextDue.ID)
}

func TestStatement_ReflectsEnforcement(t *testing.T) {
	f := newFixture(t, jan26)
	f.addUnit(t, testUnit("b12", billing.NewDate(2023, time.December, 15)))
	_, err := f.engine.Detector.Sweep(f.ctx)
	require.NoError(t, err)

	st, err := f.engine.Statements.Statement(f.ctx, "b12")

	require.NoError(t, err)
	assert.True(t, st.Overlocked)
	assert.Equal(t, 2, st.OverdueCount)
	assert.Equal(t, "100", st.Outstanding.String())
	assert.Equal(t, jan26, st.AsOf)
	assert.Len(t, st.Cycles, 8) // Dec 2023 .. Jul 2024

	_, err = f.engine.Statements.Statement(f.ctx, "nope")
	assert.True(t, billing.IsNotFound(err))
}
