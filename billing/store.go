/*
store.go - Persistence interfaces for the billing engine

PURPOSE:
  Narrow repository interfaces exposing only what the engine needs. Each
  component depends on TxStore so it can group a read, an insert and a
  conditional update into one atomic unit.

KEY INTERFACES:
  TenantUnitStore:        lease records (read, plus the one-time billing-day write)
  BillingCycleStore:      cycle rows and their two conditional transitions
  EnforcementActionStore: apply/remove action records
  PaymentStore:           append-only payment ledger with reference idempotency
  TxStore:                all of the above plus WithTx
  SweepRunStore:          detector run history (used by the scheduler)

CONDITIONAL UPDATES:
  MarkOverlocked and UpdatePayment only write when the row is still in the
  state the caller read. They return ErrConflict when no row matched, which
  is how a second trigger attempt or a lost payment race is detected without
  a separate read-then-write window.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite via database/sql
  - billing/store/memory.go: in-memory, for tests
*/
package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

type TenantUnitStore interface {
	GetTenantUnit(ctx context.Context, id string) (*TenantUnit, error)
	ListTenantUnits(ctx context.Context) ([]TenantUnit, error)
	SaveTenantUnit(ctx context.Context, u TenantUnit) error

	// SetBillingDay persists a derived billing day. It never overwrites a day
	// that is already set.
	SetBillingDay(ctx context.Context, unitID string, day int) error
}

// EnforceableCycle pairs a pending cycle with its unit for the detector.
type EnforceableCycle struct {
	Cycle BillingCycle
	Unit  TenantUnit
}

type BillingCycleStore interface {
	// InsertCycles writes all rows or none. A row colliding with an existing
	// (unit, billing date) returns ErrConflict.
	InsertCycles(ctx context.Context, cycles []BillingCycle) error

	CountCycles(ctx context.Context, unitID string) (int, error)
	GetCycle(ctx context.Context, id string) (*BillingCycle, error)
	GetCycleByDate(ctx context.Context, unitID string, billingDate Date) (*BillingCycle, error)

	// ListCycles returns a unit's cycles ordered by billing date.
	ListCycles(ctx context.Context, unitID string) ([]BillingCycle, error)

	// ListEnforceable returns pending cycles of active, enforcement-enabled
	// units, oldest billing date first.
	ListEnforceable(ctx context.Context) ([]EnforceableCycle, error)

	// MarkOverlocked moves a cycle pending -> overlocked and links the action,
	// only if it is still pending and unlinked. ErrConflict otherwise.
	MarkOverlocked(ctx context.Context, cycleID, actionID string, on Date) error

	// UpdatePayment writes the new paid amount/status/paid date if the row is
	// still at expectedVersion. ErrConflict otherwise.
	UpdatePayment(ctx context.Context, cycleID string, expectedVersion int64, amountPaid decimal.Decimal, status CycleStatus, paidDate *Date) error
}

type EnforcementActionStore interface {
	CreateAction(ctx context.Context, a EnforcementAction) error
	GetAction(ctx context.Context, id string) (*EnforcementAction, error)
	ListActions(ctx context.Context, filter ActionFilter) ([]EnforcementAction, error)
}

// PaymentStore is append-only. No Update, no Delete.
type PaymentStore interface {
	// RecordPayment returns ErrDuplicatePayment if p.Reference was seen before.
	RecordPayment(ctx context.Context, p Payment) error

	// GetPaymentByReference returns a NotFoundError for an unseen reference.
	GetPaymentByReference(ctx context.Context, reference string) (*Payment, error)
	ListPayments(ctx context.Context, cycleID string) ([]Payment, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	TenantUnitStore
	BillingCycleStore
	EnforcementActionStore
	PaymentStore
}

// TxStore wraps Store with transaction support.
// If fn returns an error the transaction is rolled back, otherwise committed.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}

// SweepRunStore keeps the history of detector sweeps.
type SweepRunStore interface {
	SaveSweepRun(ctx context.Context, r SweepRun) error
	ListSweepRuns(ctx context.Context, limit int) ([]SweepRun, error)
}
