/*
payment.go - Applies incoming payments to billing cycles

PURPOSE:
  Adds a payment to one cycle's amount paid, moves the cycle to paid once it
  is fully covered, and, when that cycle had been overlocked, emits exactly
  one remove action.

ATOMICITY:
  Read cycle, add, conditional write on the row version, record the payment
  and (maybe) the remove action all happen in one store transaction. If the
  version check loses to a concurrent payment the whole read-modify-write is
  retried from a fresh read, so no update is ever lost.

OVERPAYMENT:
  A payment larger than the remaining balance is rejected with an
  OverpaymentError and nothing is written. Payments against a paid cycle
  are therefore always rejected.

IDEMPOTENCY:
  A payment carrying a Reference that was already recorded on the same cycle
  is a no-op that reports the cycle's current state. The same Reference sent
  for a different cycle is rejected with a ReferenceInUseError.
*/
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const maxPaymentAttempts = 3

// PaymentInput identifies the cycle either by id or by unit + billing date.
type PaymentInput struct {
	CycleID      string
	TenantUnitID string
	BillingDate  Date
	Amount       decimal.Decimal
	Date         *Date // defaults to today
	Method       string
	Reference    string
}

type PaymentResult struct {
	Cycle     BillingCycle
	Payment   *Payment
	FullyPaid bool
	Released  *EnforcementAction // remove action, when this payment lifted a lien
	Duplicate bool               // Reference already recorded; nothing applied
}

type PaymentReconciler struct {
	Store   TxStore
	Trigger *EnforcementTrigger
	Clock   Clock
	Log     logrus.FieldLogger
	NewID   func() string
	Now     func() time.Time
}

// ApplyPayment applies amount to the cycle and reports whether it is now fully paid.
func (r *PaymentReconciler) ApplyPayment(ctx context.Context, cycleID string, amount decimal.Decimal, date *Date) (bool, error) {
	res, err := r.Apply(ctx, PaymentInput{CycleID: cycleID, Amount: amount, Date: date})
	if err != nil {
		return false, err
	}
	return res.FullyPaid, nil
}

// Apply is the full form of ApplyPayment.
func (r *PaymentReconciler) Apply(ctx context.Context, in PaymentInput) (PaymentResult, error) {
	if !in.Amount.IsPositive() {
		return PaymentResult{}, &ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if in.CycleID == "" && (in.TenantUnitID == "" || in.BillingDate.IsZero()) {
		return PaymentResult{}, &ValidationError{Field: "cycle_id", Reason: "cycle id or unit and billing date required"}
	}

	paidOn := r.Clock()
	if in.Date != nil && !in.Date.IsZero() {
		paidOn = *in.Date
	}

	var (
		res PaymentResult
		err error
	)
	for attempt := 0; attempt < maxPaymentAttempts; attempt++ {
		res, err = r.applyOnce(ctx, in, paidOn)
		if !errors.Is(err, ErrConflict) {
			break
		}
		r.Log.WithField("attempt", attempt+1).Debug("payment lost a version race, retrying")
	}
	if errors.Is(err, ErrConflict) {
		return PaymentResult{}, ErrConcurrentModification
	}
	if err != nil {
		return PaymentResult{}, err
	}

	fields := logrus.Fields{
		"cycle_id":   res.Cycle.ID,
		"amount":     in.Amount.String(),
		"fully_paid": res.FullyPaid,
	}
	switch {
	case res.Duplicate:
		r.Log.WithFields(fields).WithField("reference", in.Reference).Info("duplicate payment ignored")
	case res.Released != nil:
		r.Log.WithFields(fields).WithField("action_id", res.Released.ID).Info("payment applied, lien release requested")
	default:
		r.Log.WithFields(fields).Info("payment applied")
	}
	return res, nil
}

func (r *PaymentReconciler) applyOnce(ctx context.Context, in PaymentInput, paidOn Date) (PaymentResult, error) {
	var res PaymentResult

	err := r.Store.WithTx(ctx, func(s Store) error {
		cycle, err := r.resolveCycle(ctx, s, in)
		if err != nil {
			return err
		}

		if in.Reference != "" {
			dup, err := r.checkReference(ctx, s, in.Reference, cycle)
			if err != nil {
				return err
			}
			if dup {
				res = PaymentResult{Cycle: *cycle, FullyPaid: cycle.IsPaid(), Duplicate: true}
				return nil
			}
		}

		remaining := cycle.Outstanding()
		if cycle.IsPaid() || in.Amount.GreaterThan(remaining) {
			return &OverpaymentError{CycleID: cycle.ID, Remaining: remaining, Attempted: in.Amount}
		}

		prior := cycle.Status
		updated := *cycle
		updated.AmountPaid = cycle.AmountPaid.Add(in.Amount)
		fullyPaid := updated.AmountPaid.GreaterThanOrEqual(updated.AmountDue)
		if fullyPaid {
			updated.Status = StatusPaid
			updated.PaidDate = paidOn.Ptr()
		}

		if err := s.UpdatePayment(ctx, cycle.ID, cycle.Version, updated.AmountPaid, updated.Status, updated.PaidDate); err != nil {
			return err
		}
		updated.Version = cycle.Version + 1

		payment := Payment{
			ID:             r.NewID(),
			BillingCycleID: cycle.ID,
			Amount:         in.Amount,
			PaidOn:         paidOn,
			Method:         in.Method,
			Reference:      in.Reference,
			CreatedAt:      r.Now().UTC(),
		}
		if err := s.RecordPayment(ctx, payment); err != nil {
			return err
		}

		res = PaymentResult{Cycle: updated, Payment: &payment, FullyPaid: fullyPaid}

		if fullyPaid && prior == StatusOverlocked {
			unit, err := s.GetTenantUnit(ctx, cycle.TenantUnitID)
			if err != nil {
				return err
			}
			action, err := r.Trigger.release(ctx, s, updated, *unit, paidOn)
			if err != nil {
				return err
			}
			res.Released = &action
		}
		return nil
	})
	if errors.Is(err, ErrDuplicatePayment) {
		// Same reference recorded between our check and insert by another
		// writer. It is only a duplicate if that writer paid the same cycle.
		cycle, gerr := r.resolveCycle(ctx, r.Store, in)
		if gerr != nil {
			return PaymentResult{}, gerr
		}
		if _, rerr := r.checkReference(ctx, r.Store, in.Reference, cycle); rerr != nil {
			return PaymentResult{}, rerr
		}
		return PaymentResult{Cycle: *cycle, FullyPaid: cycle.IsPaid(), Duplicate: true}, nil
	}
	return res, err
}

// checkReference reports whether reference was already applied to cycle.
// A reference recorded on another cycle is a ReferenceInUseError.
func (r *PaymentReconciler) checkReference(ctx context.Context, s Store, reference string, cycle *BillingCycle) (bool, error) {
	prior, err := s.GetPaymentByReference(ctx, reference)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if prior.BillingCycleID != cycle.ID {
		return false, &ReferenceInUseError{Reference: reference, CycleID: cycle.ID, HeldBy: prior.BillingCycleID}
	}
	return true, nil
}

func (r *PaymentReconciler) resolveCycle(ctx context.Context, s Store, in PaymentInput) (*BillingCycle, error) {
	if in.CycleID != "" {
		return s.GetCycle(ctx, in.CycleID)
	}
	return s.GetCycleByDate(ctx, in.TenantUnitID, in.BillingDate)
}
