package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
)

var (
	jan15 = billing.NewDate(2024, time.January, 15)
	feb15 = billing.NewDate(2024, time.February, 15)
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedUnit stores one unit with Jan and Feb cycles.
func seedUnit(t *testing.T, s *Store) (billing.TenantUnit, []billing.BillingCycle) {
	t.Helper()
	ctx := context.Background()
	end := billing.NewDate(2024, time.December, 31)
	u := billing.TenantUnit{
		ID:                 "unit-b12",
		TenantID:           "tenant-1",
		LocationID:         "loc-1",
		Label:              "Unit B-12",
		StartDate:          jan15,
		EndDate:            &end,
		MonthlyRate:        billing.MustParseDecimal("50.00"),
		BillingDay:         15,
		GracePeriodDays:    10,
		EnforcementEnabled: true,
		Active:             true,
	}
	require.NoError(t, s.SaveTenantUnit(ctx, u))

	cycles := []billing.BillingCycle{
		{ID: "c-jan", TenantUnitID: u.ID, BillingDate: jan15, AmountDue: u.MonthlyRate, Status: billing.StatusPending},
		{ID: "c-feb", TenantUnitID: u.ID, BillingDate: feb15, AmountDue: u.MonthlyRate, Status: billing.StatusPending},
	}
	require.NoError(t, s.InsertCycles(ctx, cycles))
	return u, cycles
}

func TestStore_TenantUnitRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u, _ := seedUnit(t, s)

	got, err := s.GetTenantUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.TenantID, got.TenantID)
	assert.Equal(t, u.Label, got.Label)
	assert.Equal(t, jan15, got.StartDate)
	require.NotNil(t, got.EndDate)
	assert.Equal(t, "2024-12-31", got.EndDate.String())
	assert.True(t, got.MonthlyRate.Equal(u.MonthlyRate))
	assert.True(t, got.EnforcementEnabled)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetTenantUnit(ctx, "missing")
	assert.True(t, billing.IsNotFound(err))
}

func TestStore_SetBillingDayOnlyWhenUnset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u := billing.TenantUnit{ID: "u0", TenantID: "t", LocationID: "l", StartDate: jan15, MonthlyRate: billing.MustParseDecimal("10"), Active: true}
	require.NoError(t, s.SaveTenantUnit(ctx, u))

	require.NoError(t, s.SetBillingDay(ctx, u.ID, 15))
	require.NoError(t, s.SetBillingDay(ctx, u.ID, 3))

	got, err := s.GetTenantUnit(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 15, got.BillingDay)
}

func TestStore_CyclesOrderedAndUniquePerDate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u, _ := seedUnit(t, s)

	err := s.InsertCycles(ctx, []billing.BillingCycle{
		{ID: "c-mar", TenantUnitID: u.ID, BillingDate: billing.NewDate(2024, time.March, 15), AmountDue: u.MonthlyRate, Status: billing.StatusPending},
		{ID: "c-jan-dup", TenantUnitID: u.ID, BillingDate: jan15, AmountDue: u.MonthlyRate, Status: billing.StatusPending},
	})
	assert.ErrorIs(t, err, billing.ErrConflict)

	n, err := s.CountCycles(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "batch must be all or nothing")

	cycles, err := s.ListCycles(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, "c-jan", cycles[0].ID)
	assert.Equal(t, int64(1), cycles[0].Version)
	assert.True(t, cycles[0].AmountPaid.IsZero())

	byDate, err := s.GetCycleByDate(ctx, u.ID, feb15)
	require.NoError(t, err)
	assert.Equal(t, "c-feb", byDate.ID)

	_, err = s.GetCycleByDate(ctx, u.ID, feb15.AddDays(1))
	assert.True(t, billing.IsNotFound(err))
}

func TestStore_MarkOverlockedIsConditional(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, cycles := seedUnit(t, s)
	jan := cycles[0]
	onDay := billing.NewDate(2024, time.January, 26)

	enforceable, err := s.ListEnforceable(ctx)
	require.NoError(t, err)
	require.Len(t, enforceable, 2)
	assert.Equal(t, "c-jan", enforceable[0].Cycle.ID)
	assert.Equal(t, "unit-b12", enforceable[0].Unit.ID)

	require.NoError(t, s.MarkOverlocked(ctx, jan.ID, "act-1", onDay))
	assert.ErrorIs(t, s.MarkOverlocked(ctx, jan.ID, "act-2", onDay), billing.ErrConflict)

	got, err := s.GetCycle(ctx, jan.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusOverlocked, got.Status)
	assert.Equal(t, "act-1", got.EnforcementActionID)
	require.NotNil(t, got.EnforcedOn)
	assert.Equal(t, onDay, *got.EnforcedOn)
	assert.Equal(t, int64(2), got.Version)

	enforceable, err = s.ListEnforceable(ctx)
	require.NoError(t, err)
	require.Len(t, enforceable, 1)
	assert.Equal(t, "c-feb", enforceable[0].Cycle.ID)
}

func TestStore_UpdatePaymentChecksVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, cycles := seedUnit(t, s)
	paid := billing.NewDate(2024, time.January, 20)

	require.NoError(t, s.UpdatePayment(ctx, "c-jan", 1, billing.MustParseDecimal("50"), billing.StatusPaid, &paid))
	err := s.UpdatePayment(ctx, "c-jan", 1, billing.MustParseDecimal("10"), billing.StatusPending, nil)
	assert.ErrorIs(t, err, billing.ErrConflict)

	got, err := s.GetCycle(ctx, cycles[0].ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPaid, got.Status)
	assert.Equal(t, "50", got.AmountPaid.String())
	require.NotNil(t, got.PaidDate)
	assert.Equal(t, paid, *got.PaidDate)
	assert.Equal(t, int64(2), got.Version)
}

func TestStore_ActionsUniquePerCycleAndKind(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u, cycles := seedUnit(t, s)
	created := time.Date(2024, time.January, 26, 9, 0, 0, 0, time.UTC)

	action := func(id string, kind billing.ActionKind) billing.EnforcementAction {
		return billing.EnforcementAction{
			ID: id, Kind: kind, TenantUnitID: u.ID, TenantID: u.TenantID, LocationID: u.LocationID,
			BillingCycleID: cycles[0].ID, Target: u.Target(), Justification: "11 days overdue, $50.00 due",
			CreatedAt: created,
		}
	}

	require.NoError(t, s.CreateAction(ctx, action("act-1", billing.ActionApply)))
	assert.ErrorIs(t, s.CreateAction(ctx, action("act-2", billing.ActionApply)), billing.ErrConflict)
	require.NoError(t, s.CreateAction(ctx, action("act-3", billing.ActionRemove)))

	got, err := s.GetAction(ctx, "act-1")
	require.NoError(t, err)
	assert.Equal(t, "Unit B-12 (tenant tenant-1)", got.Target)
	assert.True(t, created.Equal(got.CreatedAt))

	applies, err := s.ListActions(ctx, billing.ActionFilter{Kind: billing.ActionApply, TenantUnitID: u.ID})
	require.NoError(t, err)
	require.Len(t, applies, 1)

	all, err := s.ListActions(ctx, billing.ActionFilter{BillingCycleID: cycles[0].ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = s.GetAction(ctx, "missing")
	assert.True(t, billing.IsNotFound(err))
}

func TestStore_PaymentReferenceIdempotency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, cycles := seedUnit(t, s)

	at := time.Date(2024, time.January, 16, 12, 0, 0, 0, time.UTC)
	p := billing.Payment{
		ID: "pay-1", BillingCycleID: cycles[0].ID, Amount: billing.MustParseDecimal("20.50"),
		PaidOn: jan15, Method: "ach", Reference: "ach-001", CreatedAt: at,
	}
	require.NoError(t, s.RecordPayment(ctx, p))

	p.ID = "pay-2"
	assert.ErrorIs(t, s.RecordPayment(ctx, p), billing.ErrDuplicatePayment)

	// No reference, no dedupe.
	require.NoError(t, s.RecordPayment(ctx, billing.Payment{ID: "pay-3", BillingCycleID: cycles[0].ID, Amount: billing.MustParseDecimal("1"), PaidOn: jan15, CreatedAt: at.Add(time.Minute)}))
	require.NoError(t, s.RecordPayment(ctx, billing.Payment{ID: "pay-4", BillingCycleID: cycles[0].ID, Amount: billing.MustParseDecimal("1"), PaidOn: jan15, CreatedAt: at.Add(time.Minute)}))

	got, err := s.GetPaymentByReference(ctx, "ach-001")
	require.NoError(t, err)
	assert.Equal(t, "pay-1", got.ID)
	assert.Equal(t, cycles[0].ID, got.BillingCycleID)
	assert.Equal(t, "20.5", got.Amount.String())

	_, err = s.GetPaymentByReference(ctx, "ach-404")
	assert.True(t, billing.IsNotFound(err))

	payments, err := s.ListPayments(ctx, cycles[0].ID)
	require.NoError(t, err)
	require.Len(t, payments, 3)
	assert.Equal(t, "20.5", payments[0].Amount.String())
	assert.Equal(t, "ach-001", payments[0].Reference)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, cycles := seedUnit(t, s)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx billing.Store) error {
		if err := tx.MarkOverlocked(ctx, cycles[0].ID, "act-1", jan15); err != nil {
			return err
		}
		got, err := tx.GetCycle(ctx, cycles[0].ID)
		if err != nil {
			return err
		}
		assert.Equal(t, billing.StatusOverlocked, got.Status, "tx sees its own write")
		return boom
	})

	assert.ErrorIs(t, err, boom)
	got, err := s.GetCycle(ctx, cycles[0].ID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusPending, got.Status)
}

func TestStore_SweepRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, time.January, 26, 0, 5, 0, 0, time.UTC)

	for i, id := range []string{"run-1", "run-2", "run-3"} {
		require.NoError(t, s.SaveSweepRun(ctx, billing.SweepRun{
			ID: id, AsOf: jan15, Status: billing.SweepRunning, StartedAt: base.AddDate(0, 0, i),
		}))
	}
	done := base.Add(time.Minute)
	require.NoError(t, s.SaveSweepRun(ctx, billing.SweepRun{
		ID: "run-1", AsOf: jan15, Status: billing.SweepFailed, Failed: 2, Error: "scan failed",
		StartedAt: base, CompletedAt: &done,
	}))

	runs, err := s.ListSweepRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"run-3", "run-2", "run-1"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

	last := runs[2]
	assert.Equal(t, billing.SweepFailed, last.Status)
	assert.Equal(t, 2, last.Failed)
	assert.Equal(t, "scan failed", last.Error)
	require.NotNil(t, last.CompletedAt)
	assert.True(t, done.Equal(*last.CompletedAt))

	limited, err := s.ListSweepRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	seedUnit(t, s)
	require.NoError(t, s.SaveSweepRun(ctx, billing.SweepRun{ID: "r", AsOf: jan15, Status: billing.SweepCompleted, StartedAt: time.Now()}))

	require.NoError(t, s.Reset(ctx))

	units, err := s.ListTenantUnits(ctx)
	require.NoError(t, err)
	assert.Empty(t, units)
	runs, err := s.ListSweepRuns(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// =============================================================================
// DRIVER FAILURES (sqlmock)
// =============================================================================

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tenant_units").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := Open(db)
	require.NoError(t, err)
	return s, mock
}

func TestStore_DriverErrorsAreStorageFailures(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)
	driverErr := errors.New("database is locked")

	mock.ExpectQuery("FROM billing_cycles WHERE id").WillReturnError(driverErr)

	_, err := s.GetCycle(ctx, "c-jan")

	assert.ErrorIs(t, err, billing.ErrStorageFailure)
	assert.ErrorIs(t, err, driverErr)
	assert.False(t, billing.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ConflictInsideTxRollsBack(t *testing.T) {
	ctx := context.Background()
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE billing_cycles").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithTx(ctx, func(tx billing.Store) error {
		return tx.MarkOverlocked(ctx, "c-jan", "act-1", jan15)
	})

	assert.ErrorIs(t, err, billing.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MigrationFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("disk I/O error"))

	_, err = Open(db)

	assert.ErrorContains(t, err, "failed to migrate database")
}
