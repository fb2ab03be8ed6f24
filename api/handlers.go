/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, validation, and delegates to billing.Engine.

ENDPOINTS:
  Tenant units:
    GET    /api/units                        List units
    POST   /api/units                        Register a unit (generates its cycles)
    GET    /api/units/{id}                   Unit details
    POST   /api/units/{id}/cycles/generate   Run the cycle generator for one unit
    GET    /api/units/{id}/cycles            Cycles, oldest first
    GET    /api/units/{id}/statement         Tenant statement as of today

  Cycles and payments:
    GET    /api/cycles/{id}                  Cycle details
    POST   /api/cycles/{id}/payments         Apply a payment to a cycle
    GET    /api/cycles/{id}/payments         Payment ledger for a cycle
    POST   /api/payments                     Apply a payment by unit + billing date
    GET    /api/overdue                      Read-only overdue scan

  Enforcement:
    GET    /api/actions?kind=&unit_id=&cycle_id=

  Batch:
    POST   /api/sweeps/run                   Backfill + sweep now (recorded)
    GET    /api/sweeps/runs                  Recent sweep runs
    POST   /api/backfill                     Backfill only

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, overpayment
  - 404: Unknown unit or cycle
  - 409: Duplicate unit, payment reference used on another cycle,
         payment lost every version retry
  - 500: Storage failures

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Engine    *billing.Engine
	Scheduler *SweepScheduler
	Log       logrus.FieldLogger

	validate *validator.Validate
}

// NewHandler creates a handler around one store and the engine built on it.
func NewHandler(store *sqlite.Store, engine *billing.Engine, scheduler *SweepScheduler, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Store:     store,
		Engine:    engine,
		Scheduler: scheduler,
		Log:       log.WithField("component", "api"),
		validate:  validator.New(),
	}
}

// =============================================================================
// TENANT UNIT HANDLERS
// =============================================================================

// ListUnits returns all tenant units.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.Store.ListTenantUnits(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to list units", err)
		return
	}

	dtos := make([]TenantUnitDTO, len(units))
	for i, u := range units {
		dtos[i] = toTenantUnitDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetUnit returns a single unit.
func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.Store.GetTenantUnit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Unit not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toTenantUnitDTO(*unit))
}

// CreateUnit registers a unit and, if it is active, generates its cycles.
func (h *Handler) CreateUnit(w http.ResponseWriter, r *http.Request) {
	var req CreateTenantUnitRequest
	if !h.decode(w, r, &req) {
		return
	}

	unit, err := unitFromRequest(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit", err)
		return
	}
	if err := unit.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid unit", err)
		return
	}

	ctx := r.Context()
	if _, err := h.Store.GetTenantUnit(ctx, unit.ID); err == nil {
		writeError(w, http.StatusConflict, "Unit already exists", nil)
		return
	} else if !billing.IsNotFound(err) {
		writeEngineError(w, "Failed to check unit", err)
		return
	}

	if err := h.Store.SaveTenantUnit(ctx, unit); err != nil {
		writeEngineError(w, "Failed to create unit", err)
		return
	}

	if unit.Active {
		if _, err := h.Engine.Generator.Generate(ctx, unit.ID); err != nil {
			writeEngineError(w, "Unit created but cycle generation failed", err)
			return
		}
	}

	saved, err := h.Store.GetTenantUnit(ctx, unit.ID)
	if err != nil {
		writeEngineError(w, "Failed to reload unit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTenantUnitDTO(*saved))
}

func unitFromRequest(req CreateTenantUnitRequest) (billing.TenantUnit, error) {
	start, err := billing.ParseDate(req.StartDate)
	if err != nil {
		return billing.TenantUnit{}, err
	}
	rate, err := decimal.NewFromString(req.MonthlyRate)
	if err != nil {
		return billing.TenantUnit{}, &billing.ValidationError{Field: "monthly_rate", Reason: "not a decimal amount"}
	}

	unit := billing.TenantUnit{
		ID:                 req.ID,
		TenantID:           req.TenantID,
		LocationID:         req.LocationID,
		Label:              req.Label,
		StartDate:          start,
		MonthlyRate:        rate,
		BillingDay:         req.BillingDay,
		GracePeriodDays:    req.GracePeriodDays,
		EnforcementEnabled: req.EnforcementEnabled == nil || *req.EnforcementEnabled,
		Active:             req.Active == nil || *req.Active,
	}
	if req.EndDate != "" {
		end, err := billing.ParseDate(req.EndDate)
		if err != nil {
			return billing.TenantUnit{}, err
		}
		unit.EndDate = &end
	}
	return unit, nil
}

// GenerateCycles runs the cycle generator for one unit. A unit that already
// has cycles reports skipped=true.
func (h *Handler) GenerateCycles(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Generator.Generate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to generate cycles", err)
		return
	}
	writeJSON(w, http.StatusOK, GenerateCyclesDTO{
		UnitID:     res.UnitID,
		BillingDay: res.BillingDay,
		Created:    res.Created,
		Skipped:    res.Skipped,
	})
}

// ListUnitCycles returns a unit's cycles.
func (h *Handler) ListUnitCycles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unitID := chi.URLParam(r, "id")

	if _, err := h.Store.GetTenantUnit(ctx, unitID); err != nil {
		writeEngineError(w, "Unit not found", err)
		return
	}
	cycles, err := h.Store.ListCycles(ctx, unitID)
	if err != nil {
		writeEngineError(w, "Failed to list cycles", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillingCycleDTOs(cycles))
}

// GetStatement returns the tenant statement for a unit.
func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	st, err := h.Engine.Statements.Statement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Failed to build statement", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatementDTO(st))
}

// =============================================================================
// CYCLE AND PAYMENT HANDLERS
// =============================================================================

// GetCycle returns a single cycle.
func (h *Handler) GetCycle(w http.ResponseWriter, r *http.Request) {
	cycle, err := h.Store.GetCycle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, "Cycle not found", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillingCycleDTO(*cycle))
}

// ApplyCyclePayment applies a payment to the cycle in the URL.
func (h *Handler) ApplyCyclePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	in, err := paymentInput(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment", err)
		return
	}
	in.CycleID = chi.URLParam(r, "id")

	h.applyPayment(w, r, in)
}

// ApplyUnitPayment applies a payment to the cycle of a unit on a billing date.
func (h *Handler) ApplyUnitPayment(w http.ResponseWriter, r *http.Request) {
	var req UnitPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}

	in, err := paymentInput(req.PaymentRequest)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payment", err)
		return
	}
	billingDate, err := billing.ParseDate(req.BillingDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid billing_date", err)
		return
	}
	in.TenantUnitID = req.TenantUnitID
	in.BillingDate = billingDate

	h.applyPayment(w, r, in)
}

func (h *Handler) applyPayment(w http.ResponseWriter, r *http.Request, in billing.PaymentInput) {
	res, err := h.Engine.Reconciler.Apply(r.Context(), in)
	if err != nil {
		writeEngineError(w, "Failed to apply payment", err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, toPaymentResultDTO(res))
}

func paymentInput(req PaymentRequest) (billing.PaymentInput, error) {
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return billing.PaymentInput{}, &billing.ValidationError{Field: "amount", Reason: "not a decimal amount"}
	}
	in := billing.PaymentInput{
		Amount:    amount,
		Method:    req.Method,
		Reference: req.Reference,
	}
	if req.Date != "" {
		d, err := billing.ParseDate(req.Date)
		if err != nil {
			return billing.PaymentInput{}, err
		}
		in.Date = &d
	}
	return in, nil
}

// ListCyclePayments returns the payments recorded against a cycle.
func (h *Handler) ListCyclePayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cycleID := chi.URLParam(r, "id")

	if _, err := h.Store.GetCycle(ctx, cycleID); err != nil {
		writeEngineError(w, "Cycle not found", err)
		return
	}
	payments, err := h.Store.ListPayments(ctx, cycleID)
	if err != nil {
		writeEngineError(w, "Failed to list payments", err)
		return
	}

	dtos := make([]PaymentDTO, len(payments))
	for i, p := range payments {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListOverdue runs the detector's scan without triggering anything.
func (h *Handler) ListOverdue(w http.ResponseWriter, r *http.Request) {
	overdue, err := h.Engine.Detector.Scan(r.Context())
	if err != nil {
		writeEngineError(w, "Failed to scan overdue cycles", err)
		return
	}

	dtos := make([]OverdueCycleDTO, len(overdue))
	for i, oc := range overdue {
		dtos[i] = OverdueCycleDTO{
			Cycle:       toBillingCycleDTO(oc.Cycle),
			UnitID:      oc.Unit.ID,
			Target:      oc.Unit.Target(),
			DaysOverdue: oc.DaysOverdue,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// ENFORCEMENT HANDLERS
// =============================================================================

// ListActions returns enforcement actions, optionally filtered.
func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := billing.ActionFilter{
		Kind:           billing.ActionKind(q.Get("kind")),
		TenantUnitID:   q.Get("unit_id"),
		BillingCycleID: q.Get("cycle_id"),
	}
	if filter.Kind != "" && filter.Kind != billing.ActionApply && filter.Kind != billing.ActionRemove {
		writeError(w, http.StatusBadRequest, "kind must be apply or remove", nil)
		return
	}

	actions, err := h.Store.ListActions(r.Context(), filter)
	if err != nil {
		writeEngineError(w, "Failed to list actions", err)
		return
	}

	dtos := make([]EnforcementActionDTO, len(actions))
	for i, a := range actions {
		dtos[i] = toEnforcementActionDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BATCH HANDLERS
// =============================================================================

// RunSweep performs a recorded backfill + sweep immediately.
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	out, err := h.Scheduler.RunNow(r.Context())
	if err != nil {
		writeEngineError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepOutcomeDTO{
		Run:      toSweepRunDTO(out.Run),
		Backfill: toBackfillSummaryDTO(out.Backfill),
		Sweep:    toSweepSummaryDTO(out.Sweep),
	})
}

// ListSweepRuns returns recent sweep runs (?limit=, default 20).
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	runs, err := h.Store.ListSweepRuns(r.Context(), limit)
	if err != nil {
		writeEngineError(w, "Failed to list sweep runs", err)
		return
	}

	dtos := make([]SweepRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSweepRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RunBackfill generates cycles for every active unit that has none.
func (h *Handler) RunBackfill(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Engine.Generator.Backfill(r.Context())
	if err != nil {
		writeEngineError(w, "Backfill failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toBackfillSummaryDTO(summary))
}

// ResetDatabase clears all data (for testing/demo).
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeEngineError(w, "Failed to reset database", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// =============================================================================
// HELPERS
// =============================================================================

// decode parses and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps billing errors onto HTTP status codes.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case billing.IsNotFound(err):
		status = http.StatusNotFound
	case billing.IsClientError(err):
		status = http.StatusBadRequest
	case errors.Is(err, billing.ErrConcurrentModification), errors.Is(err, billing.ErrReferenceInUse),
		billing.IsConflict(err):
		status = http.StatusConflict
	}
	writeError(w, status, message, err)
}
