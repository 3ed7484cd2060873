package disbursement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ledgerflow/agreement"
	"ledgerflow/audit"
	"ledgerflow/balance"
	"ledgerflow/eligibility"
	"ledgerflow/index"
	"ledgerflow/store"
)

// PayrollRequest carries the caller-supplied schedule of a recurring payroll.
type PayrollRequest struct {
	Payer    string
	Target   string
	Asset    string
	Amount   int64
	Interval time.Duration
}

// CreateOrUpdatePayroll upserts the payroll between payer and target. A new
// payroll may be created by the payer or the ledger owner; an existing one
// only by its payer. Updating keeps the last payment time and re-derives the
// next payout from the new interval.
func (e *Engine) CreateOrUpdatePayroll(ctx context.Context, caller string, req PayrollRequest) (agreement.RecurringPayroll, error) {
	now := e.now()
	p := agreement.RecurringPayroll{
		ID:       agreement.PayrollID(req.Payer, req.Target),
		Payer:    req.Payer,
		Target:   req.Target,
		Asset:    req.Asset,
		Amount:   req.Amount,
		Interval: req.Interval,
	}
	fields := []zap.Field{zap.String("payer", req.Payer), zap.String("target", req.Target)}
	if err := p.Validate(); err != nil {
		return agreement.RecurringPayroll{}, e.finish("save payroll", fmt.Errorf("disbursement: save payroll: %w", err), fields...)
	}

	var created bool
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		existing, err := tx.Payroll(ctx, p.ID)
		if errors.Is(err, agreement.ErrAgreementNotFound) {
			if err := e.authorize(ctx, caller, asPayer(req.Payer), asAdmin(s)); err != nil {
				return err
			}
			created = true
			p.LastPaymentAt = now
			p.NextPayoutAt = now.Add(p.Interval)
			p.CreatedAt = now
			p.UpdatedAt = now
			if err := tx.PutPayroll(ctx, p); err != nil {
				return err
			}
			return index.Add(ctx, tx, p.Header())
		}
		if err != nil {
			return err
		}

		if err := e.authorize(ctx, caller, asPayer(existing.Payer)); err != nil {
			return err
		}
		updated := existing
		updated.Asset = p.Asset
		updated.Amount = p.Amount
		updated.Interval = p.Interval
		updated.NextPayoutAt = existing.LastPaymentAt.Add(p.Interval)
		updated.UpdatedAt = now
		if err := tx.PutPayroll(ctx, updated); err != nil {
			return err
		}
		if updated.Asset != existing.Asset {
			if err := index.Remove(ctx, tx, existing.Header()); err != nil {
				return err
			}
			if err := index.Add(ctx, tx, updated.Header()); err != nil {
				return err
			}
		}
		p = updated
		return nil
	})
	if err != nil {
		return agreement.RecurringPayroll{}, e.finish("save payroll", err, fields...)
	}

	e.emit(ctx, audit.Fact{
		Type:        audit.FactPayrollSaved,
		AgreementID: p.ID,
		Kind:        agreement.KindRecurringPayroll,
		Actor:       caller,
		Payer:       p.Payer,
		Target:      p.Target,
		Asset:       p.Asset,
		Amount:      p.Amount,
		Details:     map[string]any{"created": created, "interval_seconds": int64(p.Interval / time.Second), "next_payout_at": p.NextPayoutAt},
		At:          now,
	})
	return p, e.finish("save payroll", nil, append(fields, zap.Bool("created", created), zap.Time("next_payout_at", p.NextPayoutAt))...)
}

// Disburse pays one interval of the payroll between payer and target. The
// payer, an admin or the target itself may call it. It fails with
// ErrIntervalNotReached before the next payout time and never pays more than
// one interval per call: the schedule restarts from now.
func (e *Engine) Disburse(ctx context.Context, caller, payer, target string) (Payout, error) {
	now := e.now()
	id := agreement.PayrollID(payer, target)
	fields := []zap.Field{zap.String("payer", payer), zap.String("target", target)}

	var before, after agreement.RecurringPayroll
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		p, err := tx.Payroll(ctx, id)
		if err != nil {
			return fmt.Errorf("disbursement: payroll %s -> %s: %w", payer, target, err)
		}
		if err := e.authorize(ctx, caller, asPayer(p.Payer), asTarget(p.Target), asAdmin(s)); err != nil {
			return err
		}
		if p.Paused {
			return fmt.Errorf("disbursement: payroll %s: %w", id, agreement.ErrAgreementPaused)
		}
		if !eligibility.PayrollDue(p, now) {
			return fmt.Errorf("disbursement: payroll %s due at %s: %w", id, p.NextPayoutAt.Format(time.RFC3339), agreement.ErrIntervalNotReached)
		}
		if _, err := balance.Debit(ctx, tx, p.Payer, p.Asset, p.Amount); err != nil {
			return err
		}
		before = p
		after = p
		after.LastPaymentAt = now
		after.NextPayoutAt = now.Add(p.Interval)
		after.UpdatedAt = now
		return tx.PutPayroll(ctx, after)
	})
	if err != nil {
		return Payout{}, e.finish("disburse", err, fields...)
	}

	next := after.NextPayoutAt
	payout := Payout{
		AgreementID:  id,
		Kind:         agreement.KindRecurringPayroll,
		Payer:        after.Payer,
		Target:       after.Target,
		Asset:        after.Asset,
		Amount:       after.Amount,
		NextPayoutAt: &next,
	}
	err = e.settle(ctx, "disburse", payout, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		if _, err := balance.Credit(ctx, tx, before.Payer, before.Asset, before.Amount); err != nil {
			return err
		}
		cur, err := tx.Payroll(ctx, id)
		if errors.Is(err, agreement.ErrAgreementNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !cur.LastPaymentAt.Equal(after.LastPaymentAt) {
			return nil
		}
		// An update in between may have changed the interval.
		cur.LastPaymentAt = before.LastPaymentAt
		cur.NextPayoutAt = before.LastPaymentAt.Add(cur.Interval)
		cur.UpdatedAt = e.now()
		return tx.PutPayroll(ctx, cur)
	})
	if err != nil {
		return Payout{}, e.finish("disburse", err, fields...)
	}

	e.emit(ctx, audit.Fact{
		Type:        audit.FactDisbursed,
		AgreementID: id,
		Kind:        agreement.KindRecurringPayroll,
		Actor:       caller,
		Payer:       payout.Payer,
		Target:      payout.Target,
		Asset:       payout.Asset,
		Amount:      payout.Amount,
		Details:     map[string]any{"next_payout_at": next},
		At:          now,
	})
	return payout, e.finish("disburse", nil, append(fields, zap.Int64("amount", payout.Amount), zap.Time("next_payout_at", next))...)
}

// PausePayroll stops disbursements until ResumePayroll.
func (e *Engine) PausePayroll(ctx context.Context, caller, payer, target string) error {
	return e.setPayrollPaused(ctx, caller, payer, target, true)
}

// ResumePayroll re-enables a paused payroll. The schedule is unchanged.
func (e *Engine) ResumePayroll(ctx context.Context, caller, payer, target string) error {
	return e.setPayrollPaused(ctx, caller, payer, target, false)
}

func (e *Engine) setPayrollPaused(ctx context.Context, caller, payer, target string, paused bool) error {
	now := e.now()
	id := agreement.PayrollID(payer, target)
	op := "resume payroll"
	typ := audit.FactPayrollResumed
	if paused {
		op = "pause payroll"
		typ = audit.FactPayrollPaused
	}

	var p agreement.RecurringPayroll
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		var err error
		p, err = tx.Payroll(ctx, id)
		if err != nil {
			return fmt.Errorf("disbursement: payroll %s -> %s: %w", payer, target, err)
		}
		if err := e.authorize(ctx, caller, asPayer(p.Payer)); err != nil {
			return err
		}
		if p.Paused == paused {
			return fmt.Errorf("disbursement: payroll %s paused=%t: %w", id, p.Paused, agreement.ErrInvalidStatus)
		}
		p.Paused = paused
		p.UpdatedAt = now
		return tx.PutPayroll(ctx, p)
	})
	if err == nil {
		e.emit(ctx, audit.Fact{Type: typ, AgreementID: id, Kind: agreement.KindRecurringPayroll, Actor: caller, Payer: p.Payer, Target: p.Target, Asset: p.Asset, At: now})
	}
	return e.finish(op, err, zap.String("payer", payer), zap.String("target", target))
}

// RemovePayroll deletes the payroll and prunes it from the indices.
func (e *Engine) RemovePayroll(ctx context.Context, caller, payer, target string) error {
	now := e.now()
	id := agreement.PayrollID(payer, target)

	var p agreement.RecurringPayroll
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		var err error
		p, err = tx.Payroll(ctx, id)
		if err != nil {
			return fmt.Errorf("disbursement: payroll %s -> %s: %w", payer, target, err)
		}
		if err := e.authorize(ctx, caller, asPayer(p.Payer), asAdmin(s)); err != nil {
			return err
		}
		if err := tx.DeletePayroll(ctx, id); err != nil {
			return err
		}
		return index.Remove(ctx, tx, p.Header())
	})
	if err == nil {
		e.emit(ctx, audit.Fact{Type: audit.FactPayrollRemoved, AgreementID: id, Kind: agreement.KindRecurringPayroll, Actor: caller, Payer: p.Payer, Target: p.Target, Asset: p.Asset, At: now})
	}
	return e.finish("remove payroll", err, zap.String("payer", payer), zap.String("target", target))
}
