/*
Package sqlite provides a SQLite-backed implementation of the billing storage interfaces.

PURPOSE:
  Implements billing.TxStore and billing.SweepRunStore using SQLite through
  database/sql. The same SQL runs on PostgreSQL with minor dialect changes.

KEY TABLES:
  tenant_units:        lease records (owned by leasing; engine writes billing_day once)
  billing_cycles:      one row per (unit, billing date); status + version
  enforcement_actions: apply/remove instructions, at most one of each per cycle
  payments:            append-only payment ledger
  sweep_runs:          detector run history

CONSTRAINTS DOING THE REAL WORK:
  - idx_cycles_unit_date:      UNIQUE(tenant_unit_id, billing_date) stops a
                               second generator from duplicating a period
  - idx_actions_cycle_kind:    UNIQUE(billing_cycle_id, kind) backs up the
                               conditional update in MarkOverlocked
  - payments.reference UNIQUE: payment intake idempotency

CONDITIONAL UPDATES:
  MarkOverlocked:  ... WHERE status = 'pending' AND enforcement_action_id IS NULL
  UpdatePayment:   ... WHERE version = ?
  Zero rows affected is reported as billing.ErrConflict.

CONCURRENCY:
  sync.RWMutex for process-level serialization, one pooled connection so an
  in-memory database is shared, WAL for file databases. Every read inside
  WithTx goes through the *sql.Tx, never back through the locked Store.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := billing.NewEngine(store, billing.Config{})

SEE ALSO:
  - billing/store.go: interface definitions
  - billing/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/billing"
)

// timestampLayout is fixed width so ORDER BY on the text column is chronological.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements billing.TxStore and billing.SweepRunStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ billing.TxStore       = (*Store)(nil)
	_ billing.SweepRunStore = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store, err := Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Open wraps an already opened database and migrates it.
func Open(db *sql.DB) (*Store, error) {
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tenant_units (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		label TEXT,
		start_date TEXT NOT NULL,
		end_date TEXT,
		monthly_rate TEXT NOT NULL,
		billing_day INTEGER NOT NULL DEFAULT 0,
		grace_period_days INTEGER NOT NULL DEFAULT 0,
		enforcement_enabled INTEGER NOT NULL DEFAULT 1,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS billing_cycles (
		id TEXT PRIMARY KEY,
		tenant_unit_id TEXT NOT NULL REFERENCES tenant_units(id),
		billing_date TEXT NOT NULL,
		amount_due TEXT NOT NULL,
		amount_paid TEXT NOT NULL DEFAULT '0',
		status TEXT NOT NULL CHECK (status IN ('pending', 'overlocked', 'paid')),
		paid_date TEXT,
		enforcement_action_id TEXT,
		enforced_on TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- One cycle per unit per billing date
	CREATE UNIQUE INDEX IF NOT EXISTS idx_cycles_unit_date
		ON billing_cycles(tenant_unit_id, billing_date);

	-- Detector hot path
	CREATE INDEX IF NOT EXISTS idx_cycles_status_date
		ON billing_cycles(status, billing_date);

	CREATE TABLE IF NOT EXISTS enforcement_actions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('apply', 'remove')),
		tenant_unit_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		location_id TEXT NOT NULL,
		billing_cycle_id TEXT NOT NULL REFERENCES billing_cycles(id),
		target TEXT NOT NULL,
		justification TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_actions_cycle_kind
		ON enforcement_actions(billing_cycle_id, kind);
	CREATE INDEX IF NOT EXISTS idx_actions_unit
		ON enforcement_actions(tenant_unit_id);

	-- Append-only
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		billing_cycle_id TEXT NOT NULL REFERENCES billing_cycles(id),
		amount TEXT NOT NULL,
		paid_on TEXT NOT NULL,
		method TEXT,
		reference TEXT UNIQUE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_cycle
		ON payments(billing_cycle_id);

	CREATE TABLE IF NOT EXISTS sweep_runs (
		id TEXT PRIMARY KEY,
		as_of TEXT NOT NULL,
		status TEXT NOT NULL,
		scanned INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// QUERIES - Shared by Store (through s.db) and WithTx (through *sql.Tx)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// queries implements billing.Store against whichever querier it holds.
type queries struct {
	db querier
}

const unitColumns = `id, tenant_id, location_id, label, start_date, end_date, monthly_rate,
	billing_day, grace_period_days, enforcement_enabled, active, created_at`

const cycleColumns = `id, tenant_unit_id, billing_date, amount_due, amount_paid, status,
	paid_date, enforcement_action_id, enforced_on, version, created_at`

const actionColumns = `id, kind, tenant_unit_id, tenant_id, location_id, billing_cycle_id,
	target, justification, created_at`

const paymentColumns = `id, billing_cycle_id, amount, paid_on, method, reference, created_at`

// --- tenant units ---

func (q queries) GetTenantUnit(ctx context.Context, id string) (*billing.TenantUnit, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+unitColumns+" FROM tenant_units WHERE id = ?", id)
	u, err := scanUnit(row)
	if err == sql.ErrNoRows {
		return nil, &billing.NotFoundError{Kind: "tenant_unit", ID: id}
	}
	if err != nil {
		return nil, billing.WrapStorage("get tenant unit", err)
	}
	return &u, nil
}

func (q queries) ListTenantUnits(ctx context.Context) ([]billing.TenantUnit, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT "+unitColumns+" FROM tenant_units ORDER BY id")
	if err != nil {
		return nil, billing.WrapStorage("list tenant units", err)
	}
	defer rows.Close()

	var units []billing.TenantUnit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, billing.WrapStorage("scan tenant unit", err)
		}
		units = append(units, u)
	}
	return units, billing.WrapStorage("list tenant units", rows.Err())
}

func (q queries) SaveTenantUnit(ctx context.Context, u billing.TenantUnit) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO tenant_units (` + unitColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			location_id = excluded.location_id,
			label = excluded.label,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			monthly_rate = excluded.monthly_rate,
			billing_day = excluded.billing_day,
			grace_period_days = excluded.grace_period_days,
			enforcement_enabled = excluded.enforcement_enabled,
			active = excluded.active
	`
	_, err := q.db.ExecContext(ctx, query,
		u.ID, u.TenantID, u.LocationID, nullString(u.Label),
		u.StartDate.String(), nullDate(u.EndDate), u.MonthlyRate.String(),
		u.BillingDay, u.GracePeriodDays, u.EnforcementEnabled, u.Active,
		u.CreatedAt.UTC().Format(timestampLayout),
	)
	return billing.WrapStorage("save tenant unit", err)
}

func (q queries) SetBillingDay(ctx context.Context, unitID string, day int) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE tenant_units SET billing_day = ? WHERE id = ? AND billing_day = 0", day, unitID)
	if err != nil {
		return billing.WrapStorage("set billing day", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Either the day was already set (fine) or the unit does not exist.
	_, err = q.GetTenantUnit(ctx, unitID)
	return err
}

// --- billing cycles ---

func (q queries) InsertCycles(ctx context.Context, cycles []billing.BillingCycle) error {
	query := `INSERT INTO billing_cycles (` + cycleColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()

	for _, c := range cycles {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		_, err := q.db.ExecContext(ctx, query,
			c.ID, c.TenantUnitID, c.BillingDate.String(),
			c.AmountDue.String(), c.AmountPaid.String(), string(c.Status),
			nullDate(c.PaidDate), nullString(c.EnforcementActionID), nullDate(c.EnforcedOn),
			1, c.CreatedAt.UTC().Format(timestampLayout),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return billing.ErrConflict
			}
			return billing.WrapStorage("insert billing cycle", err)
		}
	}
	return nil
}

func (q queries) CountCycles(ctx context.Context, unitID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM billing_cycles WHERE tenant_unit_id = ?", unitID).Scan(&n)
	if err != nil {
		return 0, billing.WrapStorage("count billing cycles", err)
	}
	return n, nil
}

func (q queries) GetCycle(ctx context.Context, id string) (*billing.BillingCycle, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+cycleColumns+" FROM billing_cycles WHERE id = ?", id)
	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		return nil, &billing.NotFoundError{Kind: "billing_cycle", ID: id}
	}
	if err != nil {
		return nil, billing.WrapStorage("get billing cycle", err)
	}
	return &c, nil
}

func (q queries) GetCycleByDate(ctx context.Context, unitID string, d billing.Date) (*billing.BillingCycle, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+cycleColumns+" FROM billing_cycles WHERE tenant_unit_id = ? AND billing_date = ?",
		unitID, d.String())
	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		return nil, &billing.NotFoundError{Kind: "billing_cycle", ID: unitID + "@" + d.String()}
	}
	if err != nil {
		return nil, billing.WrapStorage("get billing cycle by date", err)
	}
	return &c, nil
}

func (q queries) ListCycles(ctx context.Context, unitID string) ([]billing.BillingCycle, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+cycleColumns+" FROM billing_cycles WHERE tenant_unit_id = ? ORDER BY billing_date ASC",
		unitID)
	if err != nil {
		return nil, billing.WrapStorage("list billing cycles", err)
	}
	defer rows.Close()

	var cycles []billing.BillingCycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, billing.WrapStorage("scan billing cycle", err)
		}
		cycles = append(cycles, c)
	}
	return cycles, billing.WrapStorage("list billing cycles", rows.Err())
}

func (q queries) ListEnforceable(ctx context.Context) ([]billing.EnforceableCycle, error) {
	query := `
		SELECT c.id, c.tenant_unit_id, c.billing_date, c.amount_due, c.amount_paid, c.status,
		       c.paid_date, c.enforcement_action_id, c.enforced_on, c.version, c.created_at,
		       u.id, u.tenant_id, u.location_id, u.label, u.start_date, u.end_date, u.monthly_rate,
		       u.billing_day, u.grace_period_days, u.enforcement_enabled, u.active, u.created_at
		FROM billing_cycles c
		JOIN tenant_units u ON u.id = c.tenant_unit_id
		WHERE c.status = 'pending'
		  AND c.enforcement_action_id IS NULL
		  AND u.active = 1
		  AND u.enforcement_enabled = 1
		ORDER BY c.billing_date ASC, c.id ASC
	`
	rows, err := q.db.QueryContext(ctx, query)
	if err != nil {
		return nil, billing.WrapStorage("list enforceable cycles", err)
	}
	defer rows.Close()

	var out []billing.EnforceableCycle
	for rows.Next() {
		var (
			cr cycleRow
			ur unitRow
		)
		dest := append(cr.dest(), ur.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, billing.WrapStorage("scan enforceable cycle", err)
		}
		out = append(out, billing.EnforceableCycle{Cycle: cr.cycle(), Unit: ur.unit()})
	}
	return out, billing.WrapStorage("list enforceable cycles", rows.Err())
}

func (q queries) MarkOverlocked(ctx context.Context, cycleID, actionID string, on billing.Date) error {
	query := `
		UPDATE billing_cycles
		SET status = 'overlocked', enforcement_action_id = ?, enforced_on = ?, version = version + 1
		WHERE id = ? AND status = 'pending' AND enforcement_action_id IS NULL
	`
	res, err := q.db.ExecContext(ctx, query, actionID, on.String(), cycleID)
	return affectedOne("mark cycle overlocked", res, err)
}

func (q queries) UpdatePayment(ctx context.Context, cycleID string, expectedVersion int64, amountPaid decimal.Decimal, status billing.CycleStatus, paidDate *billing.Date) error {
	query := `
		UPDATE billing_cycles
		SET amount_paid = ?, status = ?, paid_date = ?, version = version + 1
		WHERE id = ? AND version = ?
	`
	res, err := q.db.ExecContext(ctx, query,
		amountPaid.String(), string(status), nullDate(paidDate), cycleID, expectedVersion)
	return affectedOne("update cycle payment", res, err)
}

// --- enforcement actions ---

func (q queries) CreateAction(ctx context.Context, a billing.EnforcementAction) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO enforcement_actions (`+actionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Kind), a.TenantUnitID, a.TenantID, a.LocationID, a.BillingCycleID,
		a.Target, a.Justification, a.CreatedAt.UTC().Format(timestampLayout),
	)
	if isUniqueConstraintError(err) {
		return billing.ErrConflict
	}
	return billing.WrapStorage("create enforcement action", err)
}

func (q queries) GetAction(ctx context.Context, id string) (*billing.EnforcementAction, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+actionColumns+" FROM enforcement_actions WHERE id = ?", id)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, &billing.NotFoundError{Kind: "enforcement_action", ID: id}
	}
	if err != nil {
		return nil, billing.WrapStorage("get enforcement action", err)
	}
	return &a, nil
}

func (q queries) ListActions(ctx context.Context, f billing.ActionFilter) ([]billing.EnforcementAction, error) {
	var (
		where []string
		args  []any
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.TenantUnitID != "" {
		where = append(where, "tenant_unit_id = ?")
		args = append(args, f.TenantUnitID)
	}
	if f.BillingCycleID != "" {
		where = append(where, "billing_cycle_id = ?")
		args = append(args, f.BillingCycleID)
	}

	query := "SELECT " + actionColumns + " FROM enforcement_actions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, billing.WrapStorage("list enforcement actions", err)
	}
	defer rows.Close()

	var actions []billing.EnforcementAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, billing.WrapStorage("scan enforcement action", err)
		}
		actions = append(actions, a)
	}
	return actions, billing.WrapStorage("list enforcement actions", rows.Err())
}

// --- payments ---

func (q queries) RecordPayment(ctx context.Context, p billing.Payment) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO payments (id, billing_cycle_id, amount, paid_on, method, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BillingCycleID, p.Amount.String(), p.PaidOn.String(),
		nullString(p.Method), nullString(p.Reference), p.CreatedAt.UTC().Format(timestampLayout),
	)
	if isUniqueConstraintError(err) {
		return billing.ErrDuplicatePayment
	}
	return billing.WrapStorage("record payment", err)
}

func (q queries) GetPaymentByReference(ctx context.Context, reference string) (*billing.Payment, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE reference = ?", reference)
	p, err := scanPayment(row)
	if err == sql.ErrNoRows {
		return nil, &billing.NotFoundError{Kind: "payment", ID: reference}
	}
	if err != nil {
		return nil, billing.WrapStorage("get payment by reference", err)
	}
	return &p, nil
}

func (q queries) ListPayments(ctx context.Context, cycleID string) ([]billing.Payment, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE billing_cycle_id = ?
		ORDER BY created_at ASC, rowid ASC`, cycleID)
	if err != nil {
		return nil, billing.WrapStorage("list payments", err)
	}
	defer rows.Close()

	var payments []billing.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, billing.WrapStorage("scan payment", err)
		}
		payments = append(payments, p)
	}
	return payments, billing.WrapStorage("list payments", rows.Err())
}

// =============================================================================
// STORE - Locked entry points (billing.Store interface)
// =============================================================================

func (s *Store) q() queries { return queries{db: s.db} }

func (s *Store) GetTenantUnit(ctx context.Context, id string) (*billing.TenantUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetTenantUnit(ctx, id)
}

func (s *Store) ListTenantUnits(ctx context.Context) ([]billing.TenantUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListTenantUnits(ctx)
}

func (s *Store) SaveTenantUnit(ctx context.Context, u billing.TenantUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().SaveTenantUnit(ctx, u)
}

func (s *Store) SetBillingDay(ctx context.Context, unitID string, day int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().SetBillingDay(ctx, unitID, day)
}

// InsertCycles writes the batch in its own transaction.
func (s *Store) InsertCycles(ctx context.Context, cycles []billing.BillingCycle) error {
	return s.WithTx(ctx, func(tx billing.Store) error {
		return tx.InsertCycles(ctx, cycles)
	})
}

func (s *Store) CountCycles(ctx context.Context, unitID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().CountCycles(ctx, unitID)
}

func (s *Store) GetCycle(ctx context.Context, id string) (*billing.BillingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetCycle(ctx, id)
}

func (s *Store) GetCycleByDate(ctx context.Context, unitID string, d billing.Date) (*billing.BillingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetCycleByDate(ctx, unitID, d)
}

func (s *Store) ListCycles(ctx context.Context, unitID string) ([]billing.BillingCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListCycles(ctx, unitID)
}

func (s *Store) ListEnforceable(ctx context.Context) ([]billing.EnforceableCycle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListEnforceable(ctx)
}

func (s *Store) MarkOverlocked(ctx context.Context, cycleID, actionID string, on billing.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().MarkOverlocked(ctx, cycleID, actionID, on)
}

func (s *Store) UpdatePayment(ctx context.Context, cycleID string, expectedVersion int64, amountPaid decimal.Decimal, status billing.CycleStatus, paidDate *billing.Date) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().UpdatePayment(ctx, cycleID, expectedVersion, amountPaid, status, paidDate)
}

func (s *Store) CreateAction(ctx context.Context, a billing.EnforcementAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().CreateAction(ctx, a)
}

func (s *Store) GetAction(ctx context.Context, id string) (*billing.EnforcementAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetAction(ctx, id)
}

func (s *Store) ListActions(ctx context.Context, f billing.ActionFilter) ([]billing.EnforcementAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListActions(ctx, f)
}

func (s *Store) RecordPayment(ctx context.Context, p billing.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q().RecordPayment(ctx, p)
}

func (s *Store) GetPaymentByReference(ctx context.Context, reference string) (*billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().GetPaymentByReference(ctx, reference)
}

func (s *Store) ListPayments(ctx context.Context, cycleID string) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.q().ListPayments(ctx, cycleID)
}

// =============================================================================
// TRANSACTIONAL STORE (billing.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction. fn sees a store whose
// reads and writes all go through the same *sql.Tx.
func (s *Store) WithTx(ctx context.Context, fn func(store billing.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return billing.WrapStorage("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(queries{db: sqlTx}); err != nil {
		return err
	}

	return billing.WrapStorage("commit transaction", sqlTx.Commit())
}

// =============================================================================
// SWEEP RUNS (billing.SweepRunStore interface)
// =============================================================================

// SaveSweepRun inserts or updates a sweep run.
func (s *Store) SaveSweepRun(ctx context.Context, r billing.SweepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO sweep_runs (id, as_of, status, scanned, created, skipped, failed, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			scanned = excluded.scanned,
			created = excluded.created,
			skipped = excluded.skipped,
			failed = excluded.failed,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	var completedAt *string
	if r.CompletedAt != nil {
		c := r.CompletedAt.UTC().Format(timestampLayout)
		completedAt = &c
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.AsOf.String(), string(r.Status),
		r.Scanned, r.Created, r.Skipped, r.Failed, nullString(r.Error),
		r.StartedAt.UTC().Format(timestampLayout), completedAt,
	)
	return billing.WrapStorage("save sweep run", err)
}

// ListSweepRuns returns the most recent runs first. limit <= 0 returns all.
func (s *Store) ListSweepRuns(ctx context.Context, limit int) ([]billing.SweepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, as_of, status, scanned, created, skipped, failed, error, started_at, completed_at
		FROM sweep_runs
		ORDER BY started_at DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, billing.WrapStorage("list sweep runs", err)
	}
	defer rows.Close()

	var runs []billing.SweepRun
	for rows.Next() {
		var (
			r                  billing.SweepRun
			asOf, startedAt    string
			status             string
			errText, completed sql.NullString
		)
		if err := rows.Scan(&r.ID, &asOf, &status, &r.Scanned, &r.Created, &r.Skipped, &r.Failed,
			&errText, &startedAt, &completed); err != nil {
			return nil, billing.WrapStorage("scan sweep run", err)
		}
		r.AsOf = parseDate(asOf)
		r.Status = billing.SweepStatus(status)
		r.Error = errText.String
		r.StartedAt = parseTime(startedAt)
		if completed.Valid {
			t := parseTime(completed.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, billing.WrapStorage("list sweep runs", rows.Err())
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"payments", "enforcement_actions", "billing_cycles", "tenant_units", "sweep_runs"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return billing.WrapStorage("reset "+table, err)
		}
	}
	return nil
}

// =============================================================================
// ROW MAPPING
// =============================================================================

type unitRow struct {
	u               billing.TenantUnit
	label, endDate  sql.NullString
	startDate, rate string
	createdAt       string
}

func (r *unitRow) dest() []any {
	return []any{
		&r.u.ID, &r.u.TenantID, &r.u.LocationID, &r.label, &r.startDate, &r.endDate, &r.rate,
		&r.u.BillingDay, &r.u.GracePeriodDays, &r.u.EnforcementEnabled, &r.u.Active, &r.createdAt,
	}
}

func (r *unitRow) unit() billing.TenantUnit {
	u := r.u
	u.Label = r.label.String
	u.StartDate = parseDate(r.startDate)
	u.EndDate = parseNullDate(r.endDate)
	u.MonthlyRate = billing.MustParseDecimal(r.rate)
	u.CreatedAt = parseTime(r.createdAt)
	return u
}

func scanUnit(row scanner) (billing.TenantUnit, error) {
	var r unitRow
	if err := row.Scan(r.dest()...); err != nil {
		return billing.TenantUnit{}, err
	}
	return r.unit(), nil
}

type cycleRow struct {
	c                              billing.BillingCycle
	billingDate, due, paid, status string
	paidDate, actionID, enforcedOn sql.NullString
	createdAt                      string
}

func (r *cycleRow) dest() []any {
	return []any{
		&r.c.ID, &r.c.TenantUnitID, &r.billingDate, &r.due, &r.paid, &r.status,
		&r.paidDate, &r.actionID, &r.enforcedOn, &r.c.Version, &r.createdAt,
	}
}

func (r *cycleRow) cycle() billing.BillingCycle {
	c := r.c
	c.BillingDate = parseDate(r.billingDate)
	c.AmountDue = billing.MustParseDecimal(r.due)
	c.AmountPaid = billing.MustParseDecimal(r.paid)
	c.Status = billing.CycleStatus(r.status)
	c.PaidDate = parseNullDate(r.paidDate)
	c.EnforcementActionID = r.actionID.String
	c.EnforcedOn = parseNullDate(r.enforcedOn)
	c.CreatedAt = parseTime(r.createdAt)
	return c
}

func scanCycle(row scanner) (billing.BillingCycle, error) {
	var r cycleRow
	if err := row.Scan(r.dest()...); err != nil {
		return billing.BillingCycle{}, err
	}
	return r.cycle(), nil
}

func scanAction(row scanner) (billing.EnforcementAction, error) {
	var (
		a         billing.EnforcementAction
		kind      string
		createdAt string
	)
	err := row.Scan(&a.ID, &kind, &a.TenantUnitID, &a.TenantID, &a.LocationID, &a.BillingCycleID,
		&a.Target, &a.Justification, &createdAt)
	if err != nil {
		return a, err
	}
	a.Kind = billing.ActionKind(kind)
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

func scanPayment(row scanner) (billing.Payment, error) {
	var (
		p                 billing.Payment
		amount, paidOn    string
		method, reference sql.NullString
		createdAt         string
	)
	if err := row.Scan(&p.ID, &p.BillingCycleID, &amount, &paidOn, &method, &reference, &createdAt); err != nil {
		return p, err
	}
	p.Amount = billing.MustParseDecimal(amount)
	p.PaidOn = parseDate(paidOn)
	p.Method = method.String
	p.Reference = reference.String
	p.CreatedAt = parseTime(createdAt)
	return p, nil
}

// Helper functions

func affectedOne(op string, res sql.Result, err error) error {
	if err != nil {
		return billing.WrapStorage(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return billing.WrapStorage(op, err)
	}
	if n == 0 {
		return billing.ErrConflict
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDate(d *billing.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDate(s string) billing.Date {
	d, _ := billing.ParseDate(s)
	return d
}

func parseNullDate(s sql.NullString) *billing.Date {
	if !s.Valid || s.String == "" {
		return nil
	}
	return parseDate(s.String).Ptr()
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
