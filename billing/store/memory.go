// Package store provides an in-memory billing.TxStore.
package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	st *state
}

var (
	_ billing.TxStore       = (*Memory)(nil)
	_ billing.SweepRunStore = (*Memory)(nil)
)

type dateKey struct {
	UnitID string
	Date   string
}

type state struct {
	units       map[string]billing.TenantUnit
	cycles      map[string]billing.BillingCycle
	cycleByDate map[dateKey]string
	actions     map[string]billing.EnforcementAction
	actionOrder []string
	payments    []billing.Payment
	references  map[string]billing.Payment
	runs        map[string]billing.SweepRun
}

func newState() *state {
	return &state{
		units:       make(map[string]billing.TenantUnit),
		cycles:      make(map[string]billing.BillingCycle),
		cycleByDate: make(map[dateKey]string),
		actions:     make(map[string]billing.EnforcementAction),
		references:  make(map[string]billing.Payment),
		runs:        make(map[string]billing.SweepRun),
	}
}

func (s *state) clone() *state {
	return &state{
		units:       maps.Clone(s.units),
		cycles:      maps.Clone(s.cycles),
		cycleByDate: maps.Clone(s.cycleByDate),
		actions:     maps.Clone(s.actions),
		actionOrder: append([]string(nil), s.actionOrder...),
		payments:    append([]billing.Payment(nil), s.payments...),
		references:  maps.Clone(s.references),
		runs:        maps.Clone(s.runs),
	}
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

// WithTx runs fn against the store while holding the write lock.
// Rollback is simulated by restoring a snapshot taken before fn.
func (m *Memory) WithTx(ctx context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&view{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

// Reset drops all data.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState()
}

func (m *Memory) read() *view {
	return &view{st: m.st}
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) GetTenantUnit(ctx context.Context, id string) (*billing.TenantUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetTenantUnit(ctx, id)
}

func (m *Memory) ListTenantUnits(ctx context.Context) ([]billing.TenantUnit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListTenantUnits(ctx)
}

func (m *Memory) SaveTenantUnit(ctx context.Context, u billing.TenantUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SaveTenantUnit(ctx, u)
}

func (m *Memory) SetBillingDay(ctx context.Context, unitID string, day int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().SetBillingDay(ctx, unitID, day)
}

func (m *Memory) InsertCycles(ctx context.Context, cycles []billing.BillingCycle) error {
	return m.WithTx(ctx, func(s billing.Store) error { return s.InsertCycles(ctx, cycles) })
}

func (m *Memory) CountCycles(ctx context.Context, unitID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().CountCycles(ctx, unitID)
}

func (m *Memory) GetCycle(ctx context.Context, id string) (*billing.BillingCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetCycle(ctx, id)
}

func (m *Memory) GetCycleByDate(ctx context.Context, unitID string, d billing.Date) (*billing.BillingCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetCycleByDate(ctx, unitID, d)
}

func (m *Memory) ListCycles(ctx context.Context, unitID string) ([]billing.BillingCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListCycles(ctx, unitID)
}

func (m *Memory) ListEnforceable(ctx context.Context) ([]billing.EnforceableCycle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListEnforceable(ctx)
}

func (m *Memory) MarkOverlocked(ctx context.Context, cycleID, actionID string, on billing.Date) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().MarkOverlocked(ctx, cycleID, actionID, on)
}

func (m *Memory) UpdatePayment(ctx context.Context, cycleID string, expectedVersion int64, amountPaid decimal.Decimal, status billing.CycleStatus, paidDate *billing.Date) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().UpdatePayment(ctx, cycleID, expectedVersion, amountPaid, status, paidDate)
}

func (m *Memory) CreateAction(ctx context.Context, a billing.EnforcementAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().CreateAction(ctx, a)
}

func (m *Memory) GetAction(ctx context.Context, id string) (*billing.EnforcementAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetAction(ctx, id)
}

func (m *Memory) ListActions(ctx context.Context, f billing.ActionFilter) ([]billing.EnforcementAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListActions(ctx, f)
}

func (m *Memory) RecordPayment(ctx context.Context, p billing.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read().RecordPayment(ctx, p)
}

func (m *Memory) GetPaymentByReference(ctx context.Context, reference string) (*billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().GetPaymentByReference(ctx, reference)
}

func (m *Memory) ListPayments(ctx context.Context, cycleID string) ([]billing.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.read().ListPayments(ctx, cycleID)
}

func (m *Memory) SaveSweepRun(_ context.Context, r billing.SweepRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st.runs[r.ID] = r
	return nil
}

func (m *Memory) ListSweepRuns(_ context.Context, limit int) ([]billing.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]billing.SweepRun, 0, len(m.st.runs))
	for _, r := range m.st.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// =============================================================================
// VIEW - Unlocked operations, shared by the locked entry points and WithTx
// =============================================================================

type view struct {
	st *state
}

func (v *view) GetTenantUnit(_ context.Context, id string) (*billing.TenantUnit, error) {
	u, ok := v.st.units[id]
	if !ok {
		return nil, &billing.NotFoundError{Kind: "tenant_unit", ID: id}
	}
	return &u, nil
}

func (v *view) ListTenantUnits(_ context.Context) ([]billing.TenantUnit, error) {
	units := make([]billing.TenantUnit, 0, len(v.st.units))
	for _, u := range v.st.units {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

func (v *view) SaveTenantUnit(_ context.Context, u billing.TenantUnit) error {
	if existing, ok := v.st.units[u.ID]; ok {
		u.CreatedAt = existing.CreatedAt
	} else if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	v.st.units[u.ID] = u
	return nil
}

func (v *view) SetBillingDay(_ context.Context, unitID string, day int) error {
	u, ok := v.st.units[unitID]
	if !ok {
		return &billing.NotFoundError{Kind: "tenant_unit", ID: unitID}
	}
	if u.BillingDay == 0 {
		u.BillingDay = day
		v.st.units[unitID] = u
	}
	return nil
}

func (v *view) InsertCycles(_ context.Context, cycles []billing.BillingCycle) error {
	// Validate the whole batch before writing any of it.
	seen := make(map[dateKey]bool, len(cycles))
	for _, c := range cycles {
		k := dateKey{UnitID: c.TenantUnitID, Date: c.BillingDate.String()}
		if _, ok := v.st.cycleByDate[k]; ok || seen[k] {
			return billing.ErrConflict
		}
		if _, ok := v.st.cycles[c.ID]; ok {
			return billing.ErrConflict
		}
		seen[k] = true
	}

	now := time.Now().UTC()
	for _, c := range cycles {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		c.Version = 1
		v.st.cycles[c.ID] = c
		v.st.cycleByDate[dateKey{UnitID: c.TenantUnitID, Date: c.BillingDate.String()}] = c.ID
	}
	return nil
}

func (v *view) CountCycles(_ context.Context, unitID string) (int, error) {
	n := 0
	for _, c := range v.st.cycles {
		if c.TenantUnitID == unitID {
			n++
		}
	}
	return n, nil
}

func (v *view) GetCycle(_ context.Context, id string) (*billing.BillingCycle, error) {
	c, ok := v.st.cycles[id]
	if !ok {
		return nil, &billing.NotFoundError{Kind: "billing_cycle", ID: id}
	}
	return &c, nil
}

func (v *view) GetCycleByDate(ctx context.Context, unitID string, d billing.Date) (*billing.BillingCycle, error) {
	id, ok := v.st.cycleByDate[dateKey{UnitID: unitID, Date: d.String()}]
	if !ok {
		return nil, &billing.NotFoundError{Kind: "billing_cycle", ID: unitID + "@" + d.String()}
	}
	return v.GetCycle(ctx, id)
}

func (v *view) ListCycles(_ context.Context, unitID string) ([]billing.BillingCycle, error) {
	var cycles []billing.BillingCycle
	for _, c := range v.st.cycles {
		if c.TenantUnitID == unitID {
			cycles = append(cycles, c)
		}
	}
	sortCycles(cycles)
	return cycles, nil
}

func (v *view) ListEnforceable(_ context.Context) ([]billing.EnforceableCycle, error) {
	var out []billing.EnforceableCycle
	for _, c := range v.st.cycles {
		if c.Status != billing.StatusPending {
			continue
		}
		u, ok := v.st.units[c.TenantUnitID]
		if !ok || !u.Active || !u.EnforcementEnabled {
			continue
		}
		out = append(out, billing.EnforceableCycle{Cycle: c, Unit: u})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Cycle, out[j].Cycle
		if !a.BillingDate.Equal(b.BillingDate) {
			return a.BillingDate.Before(b.BillingDate)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (v *view) MarkOverlocked(_ context.Context, cycleID, actionID string, on billing.Date) error {
	c, ok := v.st.cycles[cycleID]
	if !ok || c.Status != billing.StatusPending || c.EnforcementActionID != "" {
		return billing.ErrConflict
	}
	c.Status = billing.StatusOverlocked
	c.EnforcementActionID = actionID
	c.EnforcedOn = on.Ptr()
	c.Version++
	v.st.cycles[cycleID] = c
	return nil
}

func (v *view) UpdatePayment(_ context.Context, cycleID string, expectedVersion int64, amountPaid decimal.Decimal, status billing.CycleStatus, paidDate *billing.Date) error {
	c, ok := v.st.cycles[cycleID]
	if !ok || c.Version != expectedVersion {
		return billing.ErrConflict
	}
	c.AmountPaid = amountPaid
	c.Status = status
	c.PaidDate = paidDate
	c.Version++
	v.st.cycles[cycleID] = c
	return nil
}

func (v *view) CreateAction(_ context.Context, a billing.EnforcementAction) error {
	if _, ok := v.st.actions[a.ID]; ok {
		return billing.ErrConflict
	}
	// One action of each kind per cycle.
	for _, existing := range v.st.actions {
		if existing.BillingCycleID == a.BillingCycleID && existing.Kind == a.Kind {
			return billing.ErrConflict
		}
	}
	v.st.actions[a.ID] = a
	v.st.actionOrder = append(v.st.actionOrder, a.ID)
	return nil
}

func (v *view) GetAction(_ context.Context, id string) (*billing.EnforcementAction, error) {
	a, ok := v.st.actions[id]
	if !ok {
		return nil, &billing.NotFoundError{Kind: "enforcement_action", ID: id}
	}
	return &a, nil
}

func (v *view) ListActions(_ context.Context, f billing.ActionFilter) ([]billing.EnforcementAction, error) {
	var out []billing.EnforcementAction
	for _, id := range v.st.actionOrder {
		a := v.st.actions[id]
		if f.Kind != "" && a.Kind != f.Kind {
			continue
		}
		if f.TenantUnitID != "" && a.TenantUnitID != f.TenantUnitID {
			continue
		}
		if f.BillingCycleID != "" && a.BillingCycleID != f.BillingCycleID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (v *view) RecordPayment(_ context.Context, p billing.Payment) error {
	if p.Reference != "" {
		if _, ok := v.st.references[p.Reference]; ok {
			return billing.ErrDuplicatePayment
		}
		v.st.references[p.Reference] = p
	}
	v.st.payments = append(v.st.payments, p)
	return nil
}

func (v *view) GetPaymentByReference(_ context.Context, reference string) (*billing.Payment, error) {
	p, ok := v.st.references[reference]
	if !ok || reference == "" {
		return nil, &billing.NotFoundError{Kind: "payment", ID: reference}
	}
	return &p, nil
}

func (v *view) ListPayments(_ context.Context, cycleID string) ([]billing.Payment, error) {
	var out []billing.Payment
	for _, p := range v.st.payments {
		if p.BillingCycleID == cycleID {
			out = append(out, p)
		}
	}
	return out, nil
}

func sortCycles(cycles []billing.BillingCycle) {
	sort.Slice(cycles, func(i, j int) bool {
		return cycles[i].BillingDate.Before(cycles[j].BillingDate)
	})
}
