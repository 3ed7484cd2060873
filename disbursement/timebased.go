package disbursement

import (
	"context"
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

// TimeBasedRequest describes a new period escrow.
type TimeBasedRequest struct {
	Payer           string
	Target          string
	Asset           string
	AmountPerPeriod int64
	Period          time.Duration
	TotalPeriods    uint32
}

// CreateTimeBased registers a period escrow in Created status. It accrues
// nothing until activated and pays nothing until funded.
func (e *Engine) CreateTimeBased(ctx context.Context, caller string, req TimeBasedRequest) (agreement.TimeBasedAgreement, error) {
	now := e.now()
	a := agreement.TimeBasedAgreement{
		ID:              e.newID(),
		Payer:           req.Payer,
		Target:          req.Target,
		Asset:           req.Asset,
		AmountPerPeriod: req.AmountPerPeriod,
		Period:          req.Period,
		TotalPeriods:    req.TotalPeriods,
		Status:          agreement.StatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	fields := []zap.Field{zap.String("payer", req.Payer), zap.String("target", req.Target)}
	if err := a.Validate(); err != nil {
		return agreement.TimeBasedAgreement{}, e.finish("create time-based", fmt.Errorf("disbursement: create time-based: %w", err), fields...)
	}
	total, err := agreement.MulAmount(a.AmountPerPeriod, a.TotalPeriods)
	if err != nil {
		return agreement.TimeBasedAgreement{}, e.finish("create time-based", fmt.Errorf("disbursement: create time-based: %w", err), fields...)
	}
	a.TotalAmount = total

	err = e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		if err := e.authorize(ctx, caller, asPayer(a.Payer)); err != nil {
			return err
		}
		if _, err := tx.TimeBased(ctx, a.ID); err == nil {
			return fmt.Errorf("disbursement: agreement %s: %w", a.ID, agreement.ErrAgreementExists)
		}
		if err := tx.PutTimeBased(ctx, a); err != nil {
			return err
		}
		return index.Add(ctx, tx, a.Header())
	})
	if err != nil {
		return agreement.TimeBasedAgreement{}, e.finish("create time-based", err, fields...)
	}

	e.emit(ctx, audit.Fact{
		Type:        audit.FactAgreementCreated,
		AgreementID: a.ID,
		Kind:        agreement.KindTimeBased,
		Actor:       caller,
		Payer:       a.Payer,
		Target:      a.Target,
		Asset:       a.Asset,
		Amount:      a.TotalAmount,
		Details:     map[string]any{"amount_per_period": a.AmountPerPeriod, "period_seconds": int64(a.Period / time.Second), "total_periods": a.TotalPeriods},
		At:          now,
	})
	return a, e.finish("create time-based", nil, append(fields, zap.String("agreement_id", a.ID))...)
}

// timeBasedTransition loads a, checks the payer, applies mutate and saves.
func (e *Engine) timeBasedTransition(ctx context.Context, op, factType, caller, id string, mutate func(a *agreement.TimeBasedAgreement, now time.Time) error) (agreement.TimeBasedAgreement, error) {
	now := e.now()
	var a agreement.TimeBasedAgreement
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		var err error
		a, err = tx.TimeBased(ctx, id)
		if err != nil {
			return fmt.Errorf("disbursement: agreement %s: %w", id, err)
		}
		if err := e.authorize(ctx, caller, asPayer(a.Payer)); err != nil {
			return err
		}
		if err := mutate(&a, now); err != nil {
			return fmt.Errorf("disbursement: %s %s: %w", op, id, err)
		}
		a.UpdatedAt = now
		return tx.PutTimeBased(ctx, a)
	})
	if err != nil {
		return agreement.TimeBasedAgreement{}, e.finish(op, err, zap.String("agreement_id", id))
	}
	e.emit(ctx, audit.Fact{Type: factType, AgreementID: a.ID, Kind: agreement.KindTimeBased, Actor: caller, Payer: a.Payer, Target: a.Target, Asset: a.Asset, At: now})
	return a, e.finish(op, nil, zap.String("agreement_id", id), zap.String("status", string(a.Status)))
}

// Activate starts accrual: Created to Active, stamping the activation time.
func (e *Engine) Activate(ctx context.Context, caller, id string) (agreement.TimeBasedAgreement, error) {
	return e.timeBasedTransition(ctx, "activate", audit.FactAgreementActivated, caller, id, func(a *agreement.TimeBasedAgreement, now time.Time) error {
		if a.Status != agreement.StatusCreated {
			return fmt.Errorf("%w: activate requires %s, have %s", agreement.ErrInvalidStatus, agreement.StatusCreated, a.Status)
		}
		a.Status = agreement.StatusActive
		a.ActivatedAt = &now
		return nil
	})
}

// Pause freezes accrual. Periods that elapsed before the pause stay claimable
// after Resume.
func (e *Engine) Pause(ctx context.Context, caller, id string) (agreement.TimeBasedAgreement, error) {
	return e.timeBasedTransition(ctx, "pause", audit.FactAgreementPaused, caller, id, func(a *agreement.TimeBasedAgreement, now time.Time) error {
		if a.Status != agreement.StatusActive {
			return fmt.Errorf("%w: pause requires %s, have %s", agreement.ErrInvalidStatus, agreement.StatusActive, a.Status)
		}
		a.Status = agreement.StatusPaused
		a.PausedAt = &now
		return nil
	})
}

// Resume restarts accrual; the paused span is never counted as elapsed.
func (e *Engine) Resume(ctx context.Context, caller, id string) (agreement.TimeBasedAgreement, error) {
	return e.timeBasedTransition(ctx, "resume", audit.FactAgreementResumed, caller, id, func(a *agreement.TimeBasedAgreement, now time.Time) error {
		if a.Status != agreement.StatusPaused || a.PausedAt == nil {
			return fmt.Errorf("%w: resume requires %s, have %s", agreement.ErrInvalidStatus, agreement.StatusPaused, a.Status)
		}
		if now.After(*a.PausedAt) {
			a.PausedFor += now.Sub(*a.PausedAt)
		}
		a.PausedAt = nil
		a.Status = agreement.StatusActive
		return nil
	})
}

// Cancel ends the agreement and opens the grace window of one full schedule
// length, during which already accrued periods stay claimable.
func (e *Engine) Cancel(ctx context.Context, caller, id string) (agreement.TimeBasedAgreement, error) {
	return e.timeBasedTransition(ctx, "cancel", audit.FactAgreementCancelled, caller, id, func(a *agreement.TimeBasedAgreement, now time.Time) error {
		if err := agreement.ValidateTransition(a.Status, agreement.StatusCancelled); err != nil {
			return err
		}
		graceEnd := now.Add(a.GraceWindow())
		a.Status = agreement.StatusCancelled
		a.CancelledAt = &now
		a.GraceEndsAt = &graceEnd
		return nil
	})
}

// Claim pays every elapsed, unclaimed period out of the agreement escrow.
// It is allowed while Active, or while Cancelled inside the grace window.
func (e *Engine) Claim(ctx context.Context, caller, id string) (Payout, error) {
	now := e.now()
	fields := []zap.Field{zap.String("agreement_id", id)}

	var (
		payout       Payout
		prevStatus   agreement.Status
		completedNow bool
	)
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		a, err := tx.TimeBased(ctx, id)
		if err != nil {
			return fmt.Errorf("disbursement: agreement %s: %w", id, err)
		}
		if err := e.authorize(ctx, caller, asTarget(a.Target)); err != nil {
			return err
		}
		if err := claimable(a, now); err != nil {
			return fmt.Errorf("disbursement: claim %s: %w", id, err)
		}
		n := eligibility.ClaimablePeriods(a, now)
		if n == 0 {
			return fmt.Errorf("disbursement: claim %s: %w", id, agreement.ErrNoPeriodsToClaim)
		}
		amount, err := agreement.MulAmount(a.AmountPerPeriod, n)
		if err != nil {
			return err
		}
		if _, err := balance.DebitEscrow(ctx, tx, id, amount); err != nil {
			return err
		}
		paid, err := agreement.AddAmount(a.PaidAmount, amount)
		if err != nil {
			return err
		}

		prevStatus = a.Status
		a.ClaimedPeriods += n
		a.PaidAmount = paid
		if a.ClaimedPeriods == a.TotalPeriods && a.Status == agreement.StatusActive {
			a.Status = agreement.StatusCompleted
			completedNow = true
		}
		a.UpdatedAt = now
		if err := tx.PutTimeBased(ctx, a); err != nil {
			return err
		}
		payout = Payout{
			AgreementID: id,
			Kind:        agreement.KindTimeBased,
			Payer:       a.Payer,
			Target:      a.Target,
			Asset:       a.Asset,
			Amount:      amount,
			Periods:     n,
			Completed:   completedNow,
		}
		return nil
	})
	if err != nil {
		return Payout{}, e.finish("claim", err, fields...)
	}

	err = e.settle(ctx, "claim", payout, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		if _, err := balance.CreditEscrow(ctx, tx, id, payout.Amount); err != nil {
			return err
		}
		cur, err := tx.TimeBased(ctx, id)
		if err != nil {
			return err
		}
		if cur.ClaimedPeriods < payout.Periods || cur.PaidAmount < payout.Amount {
			return fmt.Errorf("disbursement: agreement %s claimed %d periods, cannot reverse %d", id, cur.ClaimedPeriods, payout.Periods)
		}
		cur.ClaimedPeriods -= payout.Periods
		cur.PaidAmount -= payout.Amount
		if completedNow && cur.Status == agreement.StatusCompleted {
			cur.Status = prevStatus
		}
		return tx.PutTimeBased(ctx, cur)
	})
	if err != nil {
		return Payout{}, e.finish("claim", err, fields...)
	}

	e.emit(ctx, audit.Fact{
		Type:        audit.FactPeriodsClaimed,
		AgreementID: id,
		Kind:        agreement.KindTimeBased,
		Actor:       caller,
		Payer:       payout.Payer,
		Target:      payout.Target,
		Asset:       payout.Asset,
		Amount:      payout.Amount,
		Details:     map[string]any{"periods": payout.Periods},
		At:          now,
	})
	if completedNow {
		e.emit(ctx, audit.Fact{Type: audit.FactAgreementCompleted, AgreementID: id, Kind: agreement.KindTimeBased, Payer: payout.Payer, Target: payout.Target, Asset: payout.Asset, At: now})
	}
	return payout, e.finish("claim", nil, append(fields, zap.Uint32("periods", payout.Periods), zap.Int64("amount", payout.Amount))...)
}

// claimable maps the agreement status to the claim precondition errors.
func claimable(a agreement.TimeBasedAgreement, now time.Time) error {
	switch a.Status {
	case agreement.StatusActive:
	case agreement.StatusCreated:
		return agreement.ErrAgreementNotActivated
	case agreement.StatusPaused:
		return agreement.ErrAgreementPaused
	case agreement.StatusCompleted:
		return agreement.ErrAllPeriodsClaimed
	case agreement.StatusCancelled:
		if a.Finalized || !eligibility.InGracePeriod(a, now) {
			return agreement.ErrNotInGracePeriod
		}
	default:
		return fmt.Errorf("%w: unknown status %q", agreement.ErrInvalidStatus, a.Status)
	}
	if a.ClaimedPeriods >= a.TotalPeriods {
		return agreement.ErrAllPeriodsClaimed
	}
	return nil
}

// FinalizeGracePeriod closes a cancelled agreement once its grace window has
// ended and returns the unclaimed escrow to the payer's balance pool.
func (e *Engine) FinalizeGracePeriod(ctx context.Context, caller, id string) (int64, error) {
	now := e.now()
	var (
		a        agreement.TimeBasedAgreement
		refunded int64
	)
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		var err error
		a, err = tx.TimeBased(ctx, id)
		if err != nil {
			return fmt.Errorf("disbursement: agreement %s: %w", id, err)
		}
		if err := e.authorize(ctx, caller, asPayer(a.Payer), asAdmin(s)); err != nil {
			return err
		}
		end, ok := eligibility.GraceEnd(a)
		if !ok || a.Finalized {
			return fmt.Errorf("disbursement: finalize %s in status %s (finalized=%t): %w", id, a.Status, a.Finalized, agreement.ErrInvalidStatus)
		}
		if now.Before(end) {
			return fmt.Errorf("disbursement: finalize %s before %s: %w", id, end.Format(time.RFC3339), agreement.ErrGracePeriodActive)
		}
		refunded, err = balance.ReleaseEscrow(ctx, tx, a.Payer, a.Asset, id)
		if err != nil {
			return err
		}
		a.Finalized = true
		a.UpdatedAt = now
		return tx.PutTimeBased(ctx, a)
	})
	if err != nil {
		return 0, e.finish("finalize grace period", err, zap.String("agreement_id", id))
	}
	e.emit(ctx, audit.Fact{Type: audit.FactGraceFinalized, AgreementID: id, Kind: agreement.KindTimeBased, Actor: caller, Payer: a.Payer, Target: a.Target, Asset: a.Asset, Amount: refunded, At: now})
	return refunded, e.finish("finalize grace period", nil, zap.String("agreement_id", id), zap.Int64("refunded", refunded))
}
