package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// ENFORCEMENT TRIGGER
// =============================================================================

// EnforcementTrigger creates apply actions for overdue cycles and remove
// actions for cycles that were overlocked and are now paid.
//
// INVARIANT: at most one apply action per cycle. The action insert and the
// pending -> overlocked conditional update share one transaction; if the
// update matches no row the insert is rolled back with it.
type EnforcementTrigger struct {
	Store TxStore
	Clock Clock
	Log   logrus.FieldLogger
	NewID func() string
	Now   func() time.Time
}

// ApplyResult reports what Apply did. Created is false when the cycle was
// already enforced, paid, or claimed by a concurrent run.
type ApplyResult struct {
	Action  *EnforcementAction
	Created bool
}

// Apply places the lien for one overdue cycle.
func (t *EnforcementTrigger) Apply(ctx context.Context, oc OverdueCycle) (ApplyResult, error) {
	today := t.Clock()
	var action EnforcementAction

	err := t.Store.WithTx(ctx, func(s Store) error {
		cycle, err := s.GetCycle(ctx, oc.Cycle.ID)
		if err != nil {
			return err
		}
		if cycle.Status != StatusPending || cycle.EnforcementActionID != "" {
			return ErrConflict
		}

		action = EnforcementAction{
			ID:             t.NewID(),
			Kind:           ActionApply,
			TenantUnitID:   oc.Unit.ID,
			TenantID:       oc.Unit.TenantID,
			LocationID:     oc.Unit.LocationID,
			BillingCycleID: cycle.ID,
			Target:         oc.Unit.Target(),
			Justification:  fmt.Sprintf("%d days overdue, %s due", oc.DaysOverdue, FormatMoney(cycle.Outstanding())),
			CreatedAt:      t.Now().UTC(),
		}
		if err := s.CreateAction(ctx, action); err != nil {
			return err
		}
		return s.MarkOverlocked(ctx, cycle.ID, action.ID, today)
	})
	if errors.Is(err, ErrConflict) {
		t.Log.WithField("cycle_id", oc.Cycle.ID).Debug("cycle already enforced, skipping")
		return ApplyResult{}, nil
	}
	if err != nil {
		return ApplyResult{}, err
	}

	t.Log.WithFields(logrus.Fields{
		"cycle_id":     oc.Cycle.ID,
		"unit_id":      oc.Unit.ID,
		"action_id":    action.ID,
		"days_overdue": oc.DaysOverdue,
	}).Info("enforcement action created")

	return ApplyResult{Action: &action, Created: true}, nil
}

// release emits the remove action for a cycle that just became fully paid
// after being overlocked. It runs inside the reconciler's transaction.
func (t *EnforcementTrigger) release(ctx context.Context, s Store, cycle BillingCycle, unit TenantUnit, paidOn Date) (EnforcementAction, error) {
	action := EnforcementAction{
		ID:             t.NewID(),
		Kind:           ActionRemove,
		TenantUnitID:   unit.ID,
		TenantID:       unit.TenantID,
		LocationID:     unit.LocationID,
		BillingCycleID: cycle.ID,
		Target:         unit.Target(),
		Justification: fmt.Sprintf("cycle %s paid in full (%s) on %s, release lien %s",
			cycle.BillingDate, FormatMoney(cycle.AmountDue), paidOn, cycle.EnforcementActionID),
		CreatedAt: t.Now().UTC(),
	}
	if err := s.CreateAction(ctx, action); err != nil {
		return EnforcementAction{}, err
	}
	return action, nil
}
