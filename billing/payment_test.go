package billing_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// overlockedCycle returns a Jan 15 cycle that the sweep has already enforced.
func overlockedCycle(t *testing.T, f *fixture) billing.BillingCycle {
	t.Helper()
	cycles := f.addUnit(t, testUnit("b12", billing.NewDate(2024, time.January, 15)))
	_, err := f.engine.Detector.Sweep(f.ctx)
	require.NoError(t, err)
	c := f.cycle(t, cycles[0].ID)
	require.Equal(t, billing.StatusOverlocked, c.Status)
	return c
}

func TestApplyPayment_FullPaymentReleasesLien(t *testing.T) {
	f := newFixture(t, jan26)
	c := overlockedCycle(t, f)
	paidOn := billing.NewDate(2024, time.January, 27)

	res, err := f.engine.Reconciler.Apply(f.ctx, billing.PaymentInput{
		CycleID: c.ID,
		Amount:  billing.MustParseDecimal("50.00"),
		Date:    &paidOn,
		Method:  "card",
	})

	require.NoError(t, err)
	assert.True(t, res.FullyPaid)
	require.NotNil(t, res.Released)
	assert.Equal(t, billing.ActionRemove, res.Released.Kind)
	assert.Equal(t, c.ID, res.Released.BillingCycleID)
	assert.Contains(t, res.Released.Justification, c.EnforcementActionID)

	got := f.cycle(t, c.ID)
	assert.Equal(t, billing.StatusPaid, got.Status)
	require.NotNil(t, got.PaidDate)
	assert.Equal(t, paidOn, *got.PaidDate)
	assert.Equal(t, c.EnforcementActionID, got.EnforcementActionID, "link to the apply action is kept")

	actions := f.actions(t, billing.ActionFilter{BillingCycleID: c.ID})
	require.Len(t, actions, 2)
	assert.Equal(t, billing.ActionApply, actions[0].Kind)
	assert.Equal(t, billing.ActionRemove, actions[1].Kind)
}

func TestApplyPayment_PartialThenRemainder(t *testing.T) {
	f := newFixture(t, jan26)
	c := overlockedCycle(t, f)

	fully, err := f.engine.Reconciler.ApplyPayment(f.ctx, c.ID, billing.MustParseDecimal("20"), nil)
	require.NoError(t, err)
	assert.False(t, fully)

	mid := f.cycle(t, c.ID)
	assert.Equal(t, billing.StatusOverlocked, mid.Status)
	assert.Equal(t, "20", mid.AmountPaid.String())
	assert.Empty(t, f.actions(t, billing.ActionFilter{Kind: billing.ActionRemove}))

	fully, err = f.engine.Reconciler.ApplyPayment(f.ctx, c.ID, billing.MustParseDecimal("30"), nil)
	require.NoError(t, err)
	assert.True(t, fully)

	got := f.cycle(t, c.ID)
	assert.Equal(t, billing.StatusPaid, got.Status)
	assert.True(t, got.AmountPaid.Equal(billing.MustParseDecimal("50")))
	require.NotNil(t, got.PaidDate)
	assert.Equal(t, jan26, *got.PaidDate)
	assert.Len(t, f.actions(t, billing.ActionFilter{Kind: billing.ActionRemove}), 1)

	payments, err := f.mem.ListPayments(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
}

func TestApplyPayment_PendingCycleNeedsNoRelease(t *testing.T) {
	f := newFixture(t, jan26)
	cycles := f.addUnit(t, testUnit("b12", billing.NewDate(2024, time.January, 15)))
	feb := cycles[1]

	res, err := f.engine.Reconciler.Apply(f.ctx, billing.PaymentInput{CycleID: feb.ID, Amount: billing.MustParseDecimal("50")})

	require.NoError(t, err)
	assert.True(t, res.FullyPaid)
	assert.Nil(t, res.Released)
	assert.Equal(t, billing.StatusPaid, res.Cycle.Status)
	assert.Empty(t, f.actions(t, billing.ActionFilter{}))
}

func TestApplyPayment_Rejections(t *testing.T) {
	f := newFixture(t, jan26)
	cycles := f.addUnit(t, testUnit("b12", billing.NewDate(2024, time.January, 15)))
	c := cycles[0]

	t.Run("zero amount", func(t *testing.T) {
		_, err := f.engine.Reconciler.ApplyPayment(f.ctx, c.ID, billing.MustParseDecimal("0"), nil)
		var verr *billing.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "amount", verr.Field)
	})

	t.Run("negative amount", func(t *testing.T) {
		_, err := f.engine.Reconciler.ApplyPayment(f.ctx, c.ID, billing.MustParseDecimal("-5"), nil)
		assert.True(t, billing.IsClientError(err))
	})

	t.Run("no cycle reference", func(t *testing.T) {
		_, err := f.engine.Reconciler.Apply(f.ctx, billing.PaymentInput{Amount: billing.MustParseDecimal("5")})
		assert.True(t, billing.IsClientError(err))
	})

	t.Run("unknown cycle", func(t *testing.T) {
		_, err := f.engine.Reconciler.ApplyPayment(f.ctx, "missing", billing.MustParseDecimal("5"), nil)
		assert.True(t, billing.IsNotFound(err))
	})

	t.Run("overpayment", func(t *testing.T) {
		_, err := f.engine.Reconciler.ApplyPayment(f.ctx, c.ID, billing.MustParseDecimal("50.01"), nil)
		var oerr *billing.OverpaymentError
		require.ErrorAs(t, err, &oerr)
		assert.Equal(t, "50", oerr.Remaining.String())
		assert.True(t, billing.IsClientError(err))
	})

	// Nothing above wrote anything.
	got := f.cycle(t, c.ID)
	assert.True(t, got.AmountPaid.IsZero())
	assert.Equal(t, c.Version, got.Version)
}

func TestApplyPayment_PaidCycleRejectsMore(t *testing.T) {
	f := newFixture(t, jan26)
	c := overlockedCycle(t, f)
	_, err := f.engine.Reconciler.ApplyPayment(f.ctx, c.ID, billing.MustParseDecimal("50"), nil)
	require.NoError(t, err)

	_, err = f.engine.Reconciler.ApplyPayment(f.ctx, c.ID, billing.MustParseDecimal("1"), nil)

	var oerr *billing.OverpaymentError
	require.ErrorAs(t, err, &oerr)
	assert.True(t, oerr.Remaining.IsZero())
	assert.Len(t, f.actions(t, billing.ActionFilter{Kind: billing.ActionRemove}), 1)
}

func TestApplyPayment_DuplicateReferenceIsNoOp(t *testing.T) {
	f := newFixture(t, jan26)
	c := overlockedCycle(t, f)
	in := billing.PaymentInput{CycleID: c.ID, Amount: billing.MustParseDecimal("20"), Reference: "ach-001"}

	first, err := f.engine.Reconciler.Apply(f.ctx, in)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := f.engine.Reconciler.Apply(f.ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Nil(t, second.Payment)
	assert.Equal(t, "20", second.Cycle.AmountPaid.String())

	payments, err := f.mem.ListPayments(f.ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestApplyPayment_ReferenceReusedOnAnotherCycle(t *testing.T) {
	f := newFixture(t, jan26)
	cycles := f.addUnit(t, testUnit("b12", billing.NewDate(2024, time.January, 15)))

	_, err := f.engine.Reconciler.Apply(f.ctx, billing.PaymentInput{
		CycleID: cycles[0].ID, Amount: billing.MustParseDecimal("50"), Reference: "ach-1",
	})
	require.NoError(t, err)

	res, err := f.engine.Reconciler.Apply(f.ctx, billing.PaymentInput{
		CycleID: cycles[1].ID, Amount: billing.MustParseDecimal("50"), Reference: "ach-1",
	})

	var inUse *billing.ReferenceInUseError
	require.ErrorAs(t, err, &inUse)
	assert.ErrorIs(t, err, billing.ErrReferenceInUse)
	assert.Equal(t, cycles[0].ID, inUse.HeldBy)
	assert.Equal(t, cycles[1].ID, inUse.CycleID)
	assert.False(t, res.Duplicate)
	assert.False(t, billing.IsRetryable(err))

	// AND: the second cycle was not credited
	assert.True(t, f.cycle(t, cycles[1].ID).AmountPaid.IsZero())
	payments, err := f.mem.ListPayments(f.ctx, cycles[0].ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
	payments, err = f.mem.ListPayments(f.ctx, cycles[1].ID)
	require.NoError(t, err)
	assert.Empty(t, payments)
}

func TestApplyPayment_ByUnitAndBillingDate(t *testing.T) {
	f := newFixture(t, jan26)
	c := overlockedCycle(t, f)

	res, err := f.engine.Reconciler.Apply(f.ctx, billing.PaymentInput{
		TenantUnitID: "b12",
		BillingDate:  billing.NewDate(2024, time.January, 15),
		Amount:       billing.MustParseDecimal("50"),
	})

	require.NoError(t, err)
	assert.Equal(t, c.ID, res.Cycle.ID)
	assert.NotNil(t, res.Released)

	_, err = f.engine.Reconciler.Apply(f.ctx, billing.PaymentInput{
		TenantUnitID: "b12",
		BillingDate:  billing.NewDate(2024, time.January, 16),
		Amount:       billing.MustParseDecimal("50"),
	})
	assert.True(t, billing.IsNotFound(err))
}

func TestApplyPayment_ConcurrentPaymentsAllLand(t *testing.T) {
	f := newFixture(t, jan26)
	c := overlockedCycle(t, f)

	const payers = 5
	var wg sync.WaitGroup
	errs := make([]error, payers)
	for i := 0; i < payers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Reconciler.ApplyPayment(f.ctx, c.ID, billing.MustParseDecimal("10"), nil)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	got := f.cycle(t, c.ID)
	assert.Equal(t, billing.StatusPaid, got.Status)
	assert.Equal(t, "50", got.AmountPaid.String())
	assert.Len(t, f.actions(t, billing.ActionFilter{Kind: billing.ActionRemove}), 1)
}

func TestApplyPayment_GivesUpAfterRepeatedConflicts(t *testing.T) {
	mem := store.NewMemory()
	faulty := &faultyStore{Memory: mem}
	f := newFixtureWithStore(t, jan26, mem, faulty)
	cycles := f.addUnit(t, testUnit("b12", billing.NewDate(2024, time.January, 15)))
	faulty.conflictUpdates = true

	_, err := f.engine.Reconciler.ApplyPayment(f.ctx, cycles[0].ID, billing.MustParseDecimal("10"), nil)

	assert.ErrorIs(t, err, billing.ErrConcurrentModification)
	assert.True(t, billing.IsRetryable(err))
	assert.True(t, f.cycle(t, cycles[0].ID).AmountPaid.IsZero())
}
