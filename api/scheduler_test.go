package api

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// brokenUnits fails the unit listing that backfill starts with.
type brokenUnits struct {
	*store.Memory
}

func (b brokenUnits) ListTenantUnits(context.Context) ([]billing.TenantUnit, error) {
	return nil, billing.WrapStorage("list tenant units", errors.New("connection reset"))
}

func newTestScheduler(t *testing.T, s billing.TxStore, runs billing.SweepRunStore, schedule string) *SweepScheduler {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	engine := billing.NewEngine(s, billing.Config{Clock: billing.FixedClock(testToday), Log: log})
	sched := NewSweepScheduler(engine, runs, schedule, log)
	sched.NewID = func() string { return "run-1" }
	sched.Now = func() time.Time { return time.Date(2024, time.January, 26, 0, 5, 0, 0, time.UTC) }
	return sched
}

func TestSweepScheduler_RunNowRecordsRun(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	unit := billing.TenantUnit{
		ID: "unit-b12", TenantID: "t1", LocationID: "l1",
		StartDate:   billing.NewDate(2024, time.January, 15),
		MonthlyRate: billing.MustParseDecimal("50"), BillingDay: 15, GracePeriodDays: 10,
		EnforcementEnabled: true, Active: true,
	}
	require.NoError(t, mem.SaveTenantUnit(ctx, unit))
	sched := newTestScheduler(t, mem, mem, "")

	out, err := sched.RunNow(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, out.Backfill.Units)
	assert.Equal(t, 7, out.Backfill.Created)
	assert.Equal(t, 1, out.Sweep.Created)

	runs, err := mem.ListSweepRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
	assert.Equal(t, billing.SweepCompleted, runs[0].Status)
	assert.Equal(t, "2024-01-26", runs[0].AsOf.String())
	assert.Equal(t, 1, runs[0].Created)
	require.NotNil(t, runs[0].CompletedAt)
}

func TestSweepScheduler_FailedRunIsRecorded(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	sched := newTestScheduler(t, brokenUnits{mem}, mem, "")

	out, err := sched.RunNow(ctx)

	assert.ErrorIs(t, err, billing.ErrStorageFailure)
	assert.Equal(t, billing.SweepFailed, out.Run.Status)

	runs, err := mem.ListSweepRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, billing.SweepFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "connection reset")
}

func TestSweepScheduler_StartStop(t *testing.T) {
	mem := store.NewMemory()
	sched := newTestScheduler(t, mem, mem, "0 3 * * *")

	require.NoError(t, sched.Start())
	next := sched.NextRun()
	assert.False(t, next.IsZero())
	assert.Equal(t, 3, next.UTC().Hour())
	assert.Error(t, sched.Start(), "second start must fail")

	sched.Stop()
	assert.True(t, sched.NextRun().IsZero())
	sched.Stop() // no-op
}

func TestSweepScheduler_InvalidSchedule(t *testing.T) {
	mem := store.NewMemory()
	sched := newTestScheduler(t, mem, mem, "every day at noon")

	err := sched.Start()

	assert.ErrorContains(t, err, "invalid sweep schedule")
	assert.True(t, sched.NextRun().IsZero())
}

func TestSweepScheduler_Disabled(t *testing.T) {
	mem := store.NewMemory()
	sched := newTestScheduler(t, mem, mem, "")
	sched.Enabled = false

	require.NoError(t, sched.Start())
	assert.True(t, sched.NextRun().IsZero())
}
