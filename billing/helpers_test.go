package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/billing/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// jan26 is "today" for most tests: Jan 15 cycles with a 10 day grace are
// 11 days overdue.
var jan26 = billing.NewDate(2024, time.January, 26)

type fixture struct {
	ctx    context.Context
	mem    *store.Memory
	engine *billing.Engine
	hook   *test.Hook
}

func newFixture(t *testing.T, today billing.Date) *fixture {
	t.Helper()
	return newFixtureWithStore(t, today, store.NewMemory(), nil)
}

// newFixtureWithStore builds an engine over s; when s is nil the memory store is used.
func newFixtureWithStore(t *testing.T, today billing.Date, mem *store.Memory, s billing.TxStore) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	if s == nil {
		s = mem
	}
	var seq atomic.Int64
	engine := billing.NewEngine(s, billing.Config{
		Clock: billing.FixedClock(today),
		Now:   func() time.Time { return today.Time.Add(9 * time.Hour) },
		Log:   logger,
		NewID: func() string { return fmt.Sprintf("id-%04d", seq.Add(1)) },
	})
	return &fixture{ctx: context.Background(), mem: mem, engine: engine, hook: hook}
}

func testUnit(id string, start billing.Date) billing.TenantUnit {
	return billing.TenantUnit{
		ID:                 id,
		TenantID:           "tenant-" + id,
		LocationID:         "loc-" + id,
		Label:              "Unit " + id,
		StartDate:          start,
		MonthlyRate:        billing.MustParseDecimal("50"),
		BillingDay:         15,
		GracePeriodDays:    10,
		EnforcementEnabled: true,
		Active:             true,
	}
}

// addUnit saves the unit and generates its cycles.
func (f *fixture) addUnit(t *testing.T, u billing.TenantUnit) []billing.BillingCycle {
	t.Helper()
	require.NoError(t, f.mem.SaveTenantUnit(f.ctx, u))
	_, err := f.engine.Generator.Generate(f.ctx, u.ID)
	require.NoError(t, err)
	return f.cycles(t, u.ID)
}

func (f *fixture) cycles(t *testing.T, unitID string) []billing.BillingCycle {
	t.Helper()
	cycles, err := f.mem.ListCycles(f.ctx, unitID)
	require.NoError(t, err)
	return cycles
}

func (f *fixture) cycle(t *testing.T, id string) billing.BillingCycle {
	t.Helper()
	c, err := f.mem.GetCycle(f.ctx, id)
	require.NoError(t, err)
	return *c
}

func (f *fixture) actions(t *testing.T, filter billing.ActionFilter) []billing.EnforcementAction {
	t.Helper()
	actions, err := f.mem.ListActions(f.ctx, filter)
	require.NoError(t, err)
	return actions
}

// =============================================================================
// FAULTY STORES
// =============================================================================

var errDiskFull = errors.New("disk full")

// faultyStore wraps the memory store and injects failures into the Store
// handed to transactions.
type faultyStore struct {
	*store.Memory
	failActionFor   string // CreateAction fails for this cycle id
	conflictUpdates bool   // UpdatePayment always loses the version race
}

func (f *faultyStore) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	return f.Memory.WithTx(ctx, func(s billing.Store) error {
		return fn(&faultyTx{Store: s, parent: f})
	})
}

type faultyTx struct {
	billing.Store
	parent *faultyStore
}

func (t *faultyTx) CreateAction(ctx context.Context, a billing.EnforcementAction) error {
	if a.BillingCycleID == t.parent.failActionFor {
		return billing.WrapStorage("create action", errDiskFull)
	}
	return t.Store.CreateAction(ctx, a)
}

func (t *faultyTx) UpdatePayment(ctx context.Context, cycleID string, expectedVersion int64, amountPaid decimal.Decimal, status billing.CycleStatus, paidDate *billing.Date) error {
	if t.parent.conflictUpdates {
		return billing.ErrConflict
	}
	return t.Store.UpdatePayment(ctx, cycleID, expectedVersion, amountPaid, status, paidDate)
}
