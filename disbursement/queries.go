package disbursement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ledgerflow/agreement"
	"ledgerflow/balance"
	"ledgerflow/eligibility"
	"ledgerflow/index"
	"ledgerflow/store"
)

func isNotFound(err error) bool {
	return errors.Is(err, agreement.ErrAgreementNotFound)
}

// Settings returns the ledger-wide record.
func (e *Engine) Settings(ctx context.Context) (agreement.Settings, error) {
	var out agreement.Settings
	err := e.read(ctx, func(_ context.Context, _ store.Tx, s agreement.Settings) error {
		out = s
		return nil
	})
	return out, err
}

// Balance returns the payer's pool balance in asset.
func (e *Engine) Balance(ctx context.Context, payer, asset string) (int64, error) {
	var out int64
	err := e.read(ctx, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		var err error
		out, err = balance.Get(ctx, tx, payer, asset)
		return err
	})
	return out, err
}

// EscrowBalance returns the value held against an agreement.
func (e *Engine) EscrowBalance(ctx context.Context, id string) (int64, error) {
	var out int64
	err := e.read(ctx, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		var err error
		out, err = balance.EscrowOf(ctx, tx, id)
		return err
	})
	return out, err
}

func (e *Engine) Payroll(ctx context.Context, payer, target string) (agreement.RecurringPayroll, error) {
	var out agreement.RecurringPayroll
	err := e.read(ctx, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		var err error
		out, err = tx.Payroll(ctx, agreement.PayrollID(payer, target))
		return err
	})
	return out, err
}

func (e *Engine) TimeBased(ctx context.Context, id string) (agreement.TimeBasedAgreement, error) {
	var out agreement.TimeBasedAgreement
	err := e.read(ctx, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		var err error
		out, err = tx.TimeBased(ctx, id)
		return err
	})
	return out, err
}

func (e *Engine) MilestoneAgreement(ctx context.Context, id string) (agreement.MilestoneAgreement, error) {
	var out agreement.MilestoneAgreement
	err := e.read(ctx, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		var err error
		out, err = tx.MilestoneAgreement(ctx, id)
		return err
	})
	return out, err
}

// Milestone returns milestone n of agreement id.
func (e *Engine) Milestone(ctx context.Context, id string, n uint32) (agreement.Milestone, error) {
	a, err := e.MilestoneAgreement(ctx, id)
	if err != nil {
		return agreement.Milestone{}, err
	}
	m, err := a.Milestone(n)
	if err != nil {
		return agreement.Milestone{}, err
	}
	return *m, nil
}

// Claimable reports the periods and amount a claim would pay right now,
// without checking status.
func (e *Engine) Claimable(ctx context.Context, id string) (uint32, int64, error) {
	a, err := e.TimeBased(ctx, id)
	if err != nil {
		return 0, 0, err
	}
	n := eligibility.ClaimablePeriods(a, e.now())
	amount, err := agreement.MulAmount(a.AmountPerPeriod, n)
	if err != nil {
		return 0, 0, err
	}
	return n, amount, nil
}

// GracePeriodEnd returns the end of the grace window; ok is false unless the
// agreement is cancelled.
func (e *Engine) GracePeriodEnd(ctx context.Context, id string) (time.Time, bool, error) {
	a, err := e.TimeBased(ctx, id)
	if err != nil {
		return time.Time{}, false, err
	}
	end, ok := eligibility.GraceEnd(a)
	return end, ok, nil
}

func (e *Engine) IsGracePeriodActive(ctx context.Context, id string) (bool, error) {
	a, err := e.TimeBased(ctx, id)
	if err != nil {
		return false, err
	}
	return !a.Finalized && eligibility.InGracePeriod(a, e.now()), nil
}

func (e *Engine) TargetsByPayer(ctx context.Context, payer string) ([]string, error) {
	var out []string
	err := e.read(ctx, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		var err error
		out, err = index.TargetsByPayer(ctx, tx, payer)
		return err
	})
	return out, err
}

func (e *Engine) TargetsByAsset(ctx context.Context, asset string) ([]string, error) {
	var out []string
	err := e.read(ctx, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		var err error
		out, err = index.TargetsByAsset(ctx, tx, asset)
		return err
	})
	return out, err
}

func (e *Engine) AgreementsByPayer(ctx context.Context, payer string) ([]string, error) {
	var out []string
	err := e.read(ctx, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		var err error
		out, err = index.AgreementsByPayer(ctx, tx, payer)
		return err
	})
	return out, err
}

// VerifyIndex reports index entries that disagree with the agreement records.
func (e *Engine) VerifyIndex(ctx context.Context) ([]index.Mismatch, error) {
	var out []index.Mismatch
	err := e.read(ctx, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
		var err error
		out, err = index.Verify(ctx, tx)
		return err
	})
	return out, err
}

// RebuildIndex rewrites drifted index entries. Admin only.
func (e *Engine) RebuildIndex(ctx context.Context, caller string) (int, error) {
	var changed int
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if !s.Initialized {
			return agreement.ErrNotInitialized
		}
		if err := e.authorize(ctx, caller, asAdmin(s)); err != nil {
			return err
		}
		var err error
		changed, err = index.Rebuild(ctx, tx)
		if err != nil {
			return fmt.Errorf("disbursement: rebuild index: %w", err)
		}
		return nil
	})
	return changed, e.finish("rebuild index", err)
}
