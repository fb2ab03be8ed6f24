/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
	Populates the database with tenant units, their generated cycles and a
	few payments, then runs one sweep so the demo shows enforcement actions.
	Dates are relative to the engine's clock, so a scenario looks the same
	whenever it is loaded.

AVAILABLE SCENARIOS:
	overdue-tenant:  $50/month, billing day 15, 10 day grace, never paid
	partial-payer:   $120/month, first cycle paid, second half paid
	healthy-tenant:  $75/month, every due cycle paid on time

USAGE VIA API:
	POST /api/scenarios/load
	{"scenario_id": "overdue-tenant"}

NOTE:
	Scenarios reset the database. Only use in development/demo environments.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "overdue-tenant",
		Name:        "Overdue Tenant",
		Description: "Unit B-12 at $50/month, billed on the 15th with a 10 day grace period, no payments",
	},
	{
		ID:          "partial-payer",
		Name:        "Partial Payer",
		Description: "Unit C-04 at $120/month, first cycle paid, second cycle half paid",
	},
	{
		ID:          "healthy-tenant",
		Name:        "Healthy Tenant",
		Description: "Unit A-01 at $75/month, every cycle paid two days after billing",
	},
}

type scenarioLoader func(ctx context.Context, h *Handler, today billing.Date) ([]string, error)

var scenarioLoaders = map[string]scenarioLoader{
	"overdue-tenant": loadOverdueTenantScenario,
	"partial-payer":  loadPartialPayerScenario,
	"healthy-tenant": loadHealthyTenantScenario,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}

	load, ok := scenarioLoaders[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeEngineError(w, "Failed to reset database", err)
		return
	}

	units, err := load(ctx, h, h.Engine.Clock())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	summary, err := h.Engine.Detector.Sweep(ctx)
	if err != nil {
		writeEngineError(w, "Scenario loaded but sweep failed", err)
		return
	}

	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, LoadScenarioDTO{
		Scenario: scenarioByID(req.ScenarioID),
		Units:    units,
		Sweep:    toSweepSummaryDTO(summary),
	})
}

func scenarioByID(id string) ScenarioDTO {
	for _, s := range scenarios {
		if s.ID == id {
			return s
		}
	}
	return ScenarioDTO{ID: id}
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadOverdueTenantScenario(ctx context.Context, h *Handler, today billing.Date) ([]string, error) {
	unit := billing.TenantUnit{
		ID:                 "unit-b12",
		TenantID:           "tenant-ada",
		LocationID:         "loc-b12",
		Label:              "Unit B-12",
		StartDate:          monthsBefore(today, 2, 15),
		MonthlyRate:        billing.MustParseDecimal("50"),
		BillingDay:         15,
		GracePeriodDays:    10,
		EnforcementEnabled: true,
		Active:             true,
	}
	if err := createUnit(ctx, h, unit); err != nil {
		return nil, err
	}
	return []string{unit.ID}, nil
}

func loadPartialPayerScenario(ctx context.Context, h *Handler, today billing.Date) ([]string, error) {
	unit := billing.TenantUnit{
		ID:                 "unit-c04",
		TenantID:           "tenant-grace",
		LocationID:         "loc-c04",
		Label:              "Unit C-04",
		StartDate:          monthsBefore(today, 3, 5),
		MonthlyRate:        billing.MustParseDecimal("120"),
		GracePeriodDays:    5,
		EnforcementEnabled: true,
		Active:             true,
	}
	if err := createUnit(ctx, h, unit); err != nil {
		return nil, err
	}

	cycles, err := h.Store.ListCycles(ctx, unit.ID)
	if err != nil {
		return nil, err
	}
	if len(cycles) < 2 {
		return nil, fmt.Errorf("expected at least 2 cycles for %s, got %d", unit.ID, len(cycles))
	}

	if err := pay(ctx, h, cycles[0], cycles[0].AmountDue); err != nil {
		return nil, err
	}
	if err := pay(ctx, h, cycles[1], billing.MustParseDecimal("60")); err != nil {
		return nil, err
	}
	return []string{unit.ID}, nil
}

func loadHealthyTenantScenario(ctx context.Context, h *Handler, today billing.Date) ([]string, error) {
	unit := billing.TenantUnit{
		ID:                 "unit-a01",
		TenantID:           "tenant-hopper",
		LocationID:         "loc-a01",
		Label:              "Unit A-01",
		StartDate:          monthsBefore(today, 3, 1),
		MonthlyRate:        billing.MustParseDecimal("75"),
		GracePeriodDays:    7,
		EnforcementEnabled: true,
		Active:             true,
	}
	if err := createUnit(ctx, h, unit); err != nil {
		return nil, err
	}

	cycles, err := h.Store.ListCycles(ctx, unit.ID)
	if err != nil {
		return nil, err
	}
	for _, c := range cycles {
		if c.BillingDate.After(today) {
			break
		}
		if err := pay(ctx, h, c, c.AmountDue); err != nil {
			return nil, err
		}
	}
	return []string{unit.ID}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func createUnit(ctx context.Context, h *Handler, unit billing.TenantUnit) error {
	if err := h.Store.SaveTenantUnit(ctx, unit); err != nil {
		return err
	}
	_, err := h.Engine.Generator.Generate(ctx, unit.ID)
	return err
}

// pay applies amount two days after the cycle's billing date.
func pay(ctx context.Context, h *Handler, c billing.BillingCycle, amount decimal.Decimal) error {
	paidOn := c.BillingDate.AddDays(2)
	_, err := h.Engine.Reconciler.Apply(ctx, billing.PaymentInput{
		CycleID:   c.ID,
		Amount:    amount,
		Date:      &paidOn,
		Method:    "ach",
		Reference: fmt.Sprintf("scenario-%s-%s", c.TenantUnitID, c.BillingDate),
	})
	return err
}

// monthsBefore returns day `day` of the month n months before today, clamped.
func monthsBefore(today billing.Date, n, day int) billing.Date {
	return billing.BillingDate(today.Year(), today.Month()-time.Month(n), day)
}
