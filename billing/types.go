/*
Package billing is the tenant billing-cycle and lien-enforcement engine.

PURPOSE:
  Turns a tenant's monthly rent obligation into dated billing-cycle records,
  finds cycles left unpaid past their grace period, places exactly one
  enforcement action ("overlock") per overdue cycle, and emits exactly one
  release action once the cycle is paid in full.

KEY CONCEPTS IN THIS FILE (types.go):
  - TenantUnit:        a lease of one storage location by one tenant
  - BillingCycle:      one period's obligation for a TenantUnit
  - EnforcementAction: an apply/remove instruction for the operations team
  - Payment:           an append-only record of money received against a cycle
  - SweepRun:          audit record of one detector sweep

DESIGN PRINCIPLES:
  1. Precision: money is decimal.Decimal, never float64
  2. Cycles are never deleted; only status, amount paid and links mutate
  3. Every state transition that has a side effect is a conditional update

SEE ALSO:
  - calendar.go: date arithmetic
  - store.go: persistence interfaces
  - generator.go, detector.go, enforcement.go, payment.go: the engine
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// MustParseDecimal parses s, returning zero on malformed input.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// FormatMoney renders an amount as dollars with two decimals.
func FormatMoney(d decimal.Decimal) string {
	return "$" + d.StringFixed(2)
}

// =============================================================================
// TENANT UNIT
// =============================================================================

// TenantUnit is owned by the leasing workflow. The engine only ever writes
// BillingDay, and only when it was unset.
type TenantUnit struct {
	ID                 string
	TenantID           string
	LocationID         string
	Label              string // e.g. "Unit B-12"; optional
	StartDate          Date
	EndDate            *Date
	MonthlyRate        decimal.Decimal
	BillingDay         int // 0 = derive from StartDate
	GracePeriodDays    int
	EnforcementEnabled bool
	Active             bool
	CreatedAt          time.Time
}

// Validate checks the fields the engine depends on.
func (u TenantUnit) Validate() error {
	switch {
	case u.ID == "":
		return &ValidationError{Field: "id", Reason: "required"}
	case u.TenantID == "":
		return &ValidationError{Field: "tenant_id", Reason: "required"}
	case u.LocationID == "":
		return &ValidationError{Field: "location_id", Reason: "required"}
	case u.StartDate.IsZero():
		return &ValidationError{Field: "start_date", Reason: "required"}
	case !u.MonthlyRate.IsPositive():
		// A zero-rate cycle could never be settled: any payment overpays it.
		return &ValidationError{Field: "monthly_rate", Reason: "must be positive"}
	case u.BillingDay < 0 || u.BillingDay > 31:
		return &ValidationError{Field: "billing_day", Reason: "must be between 1 and 31"}
	case u.GracePeriodDays < 0:
		return &ValidationError{Field: "grace_period_days", Reason: "must not be negative"}
	case u.EndDate != nil && u.EndDate.Before(u.StartDate):
		return &ValidationError{Field: "end_date", Reason: "before start_date"}
	}
	return nil
}

// Target describes the unit for humans reading an enforcement task.
func (u TenantUnit) Target() string {
	label := u.Label
	if label == "" {
		label = "location " + u.LocationID
	}
	return label + " (tenant " + u.TenantID + ")"
}

// =============================================================================
// BILLING CYCLE
// =============================================================================

type CycleStatus string

const (
	StatusPending    CycleStatus = "pending"
	StatusOverlocked CycleStatus = "overlocked"
	StatusPaid       CycleStatus = "paid"
)

type BillingCycle struct {
	ID           string
	TenantUnitID string
	BillingDate  Date
	AmountDue    decimal.Decimal
	AmountPaid   decimal.Decimal
	Status       CycleStatus
	PaidDate     *Date

	// Set together by the enforcement trigger.
	EnforcementActionID string
	EnforcedOn          *Date

	// Version is bumped on every write; payment updates are conditional on it.
	Version   int64
	CreatedAt time.Time
}

// Outstanding is what is still owed on the cycle.
func (c BillingCycle) Outstanding() decimal.Decimal {
	rem := c.AmountDue.Sub(c.AmountPaid)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

func (c BillingCycle) IsPaid() bool { return c.Status == StatusPaid }

// =============================================================================
// ENFORCEMENT ACTION
// =============================================================================

type ActionKind string

const (
	ActionApply  ActionKind = "apply"
	ActionRemove ActionKind = "remove"
)

// EnforcementAction is handed to the external task system. Fulfilment is
// tracked there, not here.
type EnforcementAction struct {
	ID             string
	Kind           ActionKind
	TenantUnitID   string
	TenantID       string
	LocationID     string
	BillingCycleID string
	Target         string
	Justification  string
	CreatedAt      time.Time
}

// ActionFilter narrows ListActions. Zero fields match everything.
type ActionFilter struct {
	Kind           ActionKind
	TenantUnitID   string
	BillingCycleID string
}

// =============================================================================
// PAYMENT - Append-only, like the ledger it is
// =============================================================================

type Payment struct {
	ID             string
	BillingCycleID string
	Amount         decimal.Decimal
	PaidOn         Date
	Method         string
	Reference      string // idempotency key from the payment intake; optional
	CreatedAt      time.Time
}

// =============================================================================
// SWEEP RUN
// =============================================================================

type SweepStatus string

const (
	SweepRunning   SweepStatus = "running"
	SweepCompleted SweepStatus = "completed"
	SweepFailed    SweepStatus = "failed"
)

type SweepRun struct {
	ID          string
	AsOf        Date
	Status      SweepStatus
	Scanned     int
	Created     int
	Skipped     int
	Failed      int
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}
