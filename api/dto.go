/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY AND DATES:
  Amounts travel as decimal strings ("50.00"), never JSON numbers, so no
  client ever round-trips money through a float. Dates are YYYY-MM-DD.

VALIDATION:
  Request types carry go-playground/validator tags; handlers call
  validate.Struct before touching the engine.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// TENANT UNITS
// =============================================================================

type TenantUnitDTO struct {
	ID                 string `json:"id"`
	TenantID           string `json:"tenant_id"`
	LocationID         string `json:"location_id"`
	Label              string `json:"label,omitempty"`
	StartDate          string `json:"start_date"`
	EndDate            string `json:"end_date,omitempty"`
	MonthlyRate        string `json:"monthly_rate"`
	BillingDay         int    `json:"billing_day"`
	GracePeriodDays    int    `json:"grace_period_days"`
	EnforcementEnabled bool   `json:"enforcement_enabled"`
	Active             bool   `json:"active"`
	CreatedAt          string `json:"created_at,omitempty"`
}

// CreateTenantUnitRequest registers a lease. Omitted flags default to true.
type CreateTenantUnitRequest struct {
	ID                 string `json:"id" validate:"required"`
	TenantID           string `json:"tenant_id" validate:"required"`
	LocationID         string `json:"location_id" validate:"required"`
	Label              string `json:"label"`
	StartDate          string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate            string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	MonthlyRate        string `json:"monthly_rate" validate:"required,numeric,excludes=-"`
	BillingDay         int    `json:"billing_day" validate:"omitempty,min=1,max=31"`
	GracePeriodDays    int    `json:"grace_period_days" validate:"min=0"`
	EnforcementEnabled *bool  `json:"enforcement_enabled"`
	Active             *bool  `json:"active"`
}

type GenerateCyclesDTO struct {
	UnitID     string `json:"unit_id"`
	BillingDay int    `json:"billing_day"`
	Created    int    `json:"created"`
	Skipped    bool   `json:"skipped"`
}

// =============================================================================
// BILLING CYCLES
// =============================================================================

type BillingCycleDTO struct {
	ID                  string `json:"id"`
	TenantUnitID        string `json:"tenant_unit_id"`
	BillingDate         string `json:"billing_date"`
	AmountDue           string `json:"amount_due"`
	AmountPaid          string `json:"amount_paid"`
	Outstanding         string `json:"outstanding"`
	Status              string `json:"status"`
	PaidDate            string `json:"paid_date,omitempty"`
	EnforcementActionID string `json:"enforcement_action_id,omitempty"`
	EnforcedOn          string `json:"enforced_on,omitempty"`
	Version             int64  `json:"version"`
}

// OverdueCycleDTO is one row of the detector's read-only scan.
type OverdueCycleDTO struct {
	Cycle       BillingCycleDTO `json:"cycle"`
	UnitID      string          `json:"unit_id"`
	Target      string          `json:"target"`
	DaysOverdue int             `json:"days_overdue"`
}

// =============================================================================
// PAYMENTS
// =============================================================================

// PaymentRequest applies money to the cycle named in the URL.
type PaymentRequest struct {
	Amount    string `json:"amount" validate:"required,numeric"`
	Date      string `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Method    string `json:"method" validate:"omitempty,max=32"`
	Reference string `json:"reference" validate:"omitempty,max=128"`
}

// UnitPaymentRequest identifies the cycle by unit and billing date instead.
type UnitPaymentRequest struct {
	TenantUnitID string `json:"tenant_unit_id" validate:"required"`
	BillingDate  string `json:"billing_date" validate:"required,datetime=2006-01-02"`
	PaymentRequest
}

type PaymentDTO struct {
	ID             string `json:"id"`
	BillingCycleID string `json:"billing_cycle_id"`
	Amount         string `json:"amount"`
	PaidOn         string `json:"paid_on"`
	Method         string `json:"method,omitempty"`
	Reference      string `json:"reference,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type PaymentResultDTO struct {
	Cycle     BillingCycleDTO       `json:"cycle"`
	Payment   *PaymentDTO           `json:"payment,omitempty"`
	FullyPaid bool                  `json:"fully_paid"`
	Released  *EnforcementActionDTO `json:"released,omitempty"`
	Duplicate bool                  `json:"duplicate"`
}

// =============================================================================
// ENFORCEMENT ACTIONS
// =============================================================================

type EnforcementActionDTO struct {
	ID             string `json:"id"`
	Kind           string `json:"kind"`
	TenantUnitID   string `json:"tenant_unit_id"`
	TenantID       string `json:"tenant_id"`
	LocationID     string `json:"location_id"`
	BillingCycleID string `json:"billing_cycle_id"`
	Target         string `json:"target"`
	Justification  string `json:"justification"`
	CreatedAt      string `json:"created_at"`
}

// =============================================================================
// STATEMENT
// =============================================================================

type StatementDTO struct {
	Unit         TenantUnitDTO     `json:"unit"`
	AsOf         string            `json:"as_of"`
	TotalDue     string            `json:"total_due"`
	TotalPaid    string            `json:"total_paid"`
	Outstanding  string            `json:"outstanding"`
	OverdueCount int               `json:"overdue_count"`
	Overlocked   bool              `json:"overlocked"`
	NextDue      *BillingCycleDTO  `json:"next_due,omitempty"`
	Cycles       []BillingCycleDTO `json:"cycles"`
}

// =============================================================================
// SWEEPS
// =============================================================================

type CycleFailureDTO struct {
	CycleID string `json:"cycle_id"`
	Error   string `json:"error"`
}

type SweepSummaryDTO struct {
	AsOf     string            `json:"as_of"`
	Scanned  int               `json:"scanned"`
	Created  int               `json:"created"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
	Failures []CycleFailureDTO `json:"failures,omitempty"`
}

type BackfillSummaryDTO struct {
	Units   int `json:"units"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type SweepRunDTO struct {
	ID          string `json:"id"`
	AsOf        string `json:"as_of"`
	Status      string `json:"status"`
	Scanned     int    `json:"scanned"`
	Created     int    `json:"created"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	Error       string `json:"error,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

type SweepOutcomeDTO struct {
	Run      SweepRunDTO        `json:"run"`
	Backfill BackfillSummaryDTO `json:"backfill"`
	Sweep    SweepSummaryDTO    `json:"sweep"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type LoadScenarioDTO struct {
	Scenario ScenarioDTO     `json:"scenario"`
	Units    []string        `json:"units"`
	Sweep    SweepSummaryDTO `json:"sweep"`
}

// ErrorResponse is the standard error format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toTenantUnitDTO(u billing.TenantUnit) TenantUnitDTO {
	dto := TenantUnitDTO{
		ID:                 u.ID,
		TenantID:           u.TenantID,
		LocationID:         u.LocationID,
		Label:              u.Label,
		StartDate:          u.StartDate.String(),
		MonthlyRate:        u.MonthlyRate.StringFixed(2),
		BillingDay:         u.BillingDay,
		GracePeriodDays:    u.GracePeriodDays,
		EnforcementEnabled: u.EnforcementEnabled,
		Active:             u.Active,
	}
	if u.EndDate != nil {
		dto.EndDate = u.EndDate.String()
	}
	if !u.CreatedAt.IsZero() {
		dto.CreatedAt = u.CreatedAt.Format(time.RFC3339)
	}
	return dto
}

func toBillingCycleDTO(c billing.BillingCycle) BillingCycleDTO {
	dto := BillingCycleDTO{
		ID:                  c.ID,
		TenantUnitID:        c.TenantUnitID,
		BillingDate:         c.BillingDate.String(),
		AmountDue:           c.AmountDue.StringFixed(2),
		AmountPaid:          c.AmountPaid.StringFixed(2),
		Outstanding:         c.Outstanding().StringFixed(2),
		Status:              string(c.Status),
		EnforcementActionID: c.EnforcementActionID,
		Version:             c.Version,
	}
	if c.PaidDate != nil {
		dto.PaidDate = c.PaidDate.String()
	}
	if c.EnforcedOn != nil {
		dto.EnforcedOn = c.EnforcedOn.String()
	}
	return dto
}

func toBillingCycleDTOs(cycles []billing.BillingCycle) []BillingCycleDTO {
	dtos := make([]BillingCycleDTO, len(cycles))
	for i, c := range cycles {
		dtos[i] = toBillingCycleDTO(c)
	}
	return dtos
}

func toPaymentDTO(p billing.Payment) PaymentDTO {
	return PaymentDTO{
		ID:             p.ID,
		BillingCycleID: p.BillingCycleID,
		Amount:         p.Amount.StringFixed(2),
		PaidOn:         p.PaidOn.String(),
		Method:         p.Method,
		Reference:      p.Reference,
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
	}
}

func toEnforcementActionDTO(a billing.EnforcementAction) EnforcementActionDTO {
	return EnforcementActionDTO{
		ID:             a.ID,
		Kind:           string(a.Kind),
		TenantUnitID:   a.TenantUnitID,
		TenantID:       a.TenantID,
		LocationID:     a.LocationID,
		BillingCycleID: a.BillingCycleID,
		Target:         a.Target,
		Justification:  a.Justification,
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
	}
}

func toPaymentResultDTO(res billing.PaymentResult) PaymentResultDTO {
	dto := PaymentResultDTO{
		Cycle:     toBillingCycleDTO(res.Cycle),
		FullyPaid: res.FullyPaid,
		Duplicate: res.Duplicate,
	}
	if res.Payment != nil {
		p := toPaymentDTO(*res.Payment)
		dto.Payment = &p
	}
	if res.Released != nil {
		a := toEnforcementActionDTO(*res.Released)
		dto.Released = &a
	}
	return dto
}

func toStatementDTO(st billing.Statement) StatementDTO {
	dto := StatementDTO{
		Unit:         toTenantUnitDTO(st.Unit),
		AsOf:         st.AsOf.String(),
		TotalDue:     st.TotalDue.StringFixed(2),
		TotalPaid:    st.TotalPaid.StringFixed(2),
		Outstanding:  st.Outstanding.StringFixed(2),
		OverdueCount: st.OverdueCount,
		Overlocked:   st.Overlocked,
		Cycles:       toBillingCycleDTOs(st.Cycles),
	}
	if st.NextDue != nil {
		next := toBillingCycleDTO(*st.NextDue)
		dto.NextDue = &next
	}
	return dto
}

func toSweepSummaryDTO(s billing.SweepSummary) SweepSummaryDTO {
	dto := SweepSummaryDTO{
		AsOf:    s.AsOf.String(),
		Scanned: s.Scanned,
		Created: s.Created,
		Skipped: s.Skipped,
		Failed:  s.Failed,
	}
	for _, f := range s.Failures {
		dto.Failures = append(dto.Failures, CycleFailureDTO{CycleID: f.CycleID, Error: f.Err.Error()})
	}
	return dto
}

func toBackfillSummaryDTO(s billing.BackfillSummary) BackfillSummaryDTO {
	return BackfillSummaryDTO{Units: s.Units, Created: s.Created, Skipped: s.Skipped, Failed: s.Failed}
}

func toSweepRunDTO(r billing.SweepRun) SweepRunDTO {
	dto := SweepRunDTO{
		ID:        r.ID,
		AsOf:      r.AsOf.String(),
		Status:    string(r.Status),
		Scanned:   r.Scanned,
		Created:   r.Created,
		Skipped:   r.Skipped,
		Failed:    r.Failed,
		Error:     r.Error,
		StartedAt: r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		dto.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}
	return dto
}
