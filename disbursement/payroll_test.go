package disbursement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerflow/agreement"
	"ledgerflow/audit"
)

const month = 2592000 * time.Second

func TestDisburseHonoursInterval(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, 10_000)

	p, err := h.engine.CreateOrUpdatePayroll(h.ctx, payer, PayrollRequest{
		Payer: payer, Target: target, Asset: usdc, Amount: 100, Interval: month,
	})
	require.NoError(t, err)
	assert.Equal(t, start.Add(month), p.NextPayoutAt)

	h.clock.Advance(time.Second)
	_, err = h.engine.Disburse(h.ctx, payer, payer, target)
	assert.ErrorIs(t, err, agreement.ErrIntervalNotReached)

	h.clock.Advance(month)
	out, err := h.engine.Disburse(h.ctx, payer, payer, target)
	require.NoError(t, err)
	assert.EqualValues(t, 100, out.Amount)
	require.NotNil(t, out.NextPayoutAt)
	assert.Equal(t, start.Add(5184001*time.Second), *out.NextPayoutAt)

	pool, err := h.engine.Balance(h.ctx, payer, usdc)
	require.NoError(t, err)
	assert.EqualValues(t, 9900, pool)
	assert.EqualValues(t, 100, h.book.BalanceOf(target, usdc))

	_, err = h.engine.Disburse(h.ctx, payer, payer, target)
	assert.ErrorIs(t, err, agreement.ErrIntervalNotReached)
}

func TestDisburseAuthorization(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, 1000)
	_, err := h.engine.CreateOrUpdatePayroll(h.ctx, owner, PayrollRequest{
		Payer: payer, Target: target, Asset: usdc, Amount: 100, Interval: time.Hour,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	_, err = h.engine.Disburse(h.ctx, "mallory", payer, target)
	assert.ErrorIs(t, err, agreement.ErrUnauthorized)

	// The target may pull its own due payroll.
	p, err := h.engine.Disburse(h.ctx, target, payer, target)
	require.NoError(t, err)
	assert.EqualValues(t, 100, p.Amount)
	assert.EqualValues(t, 100, h.book.BalanceOf(target, usdc))
	_, err = h.engine.Disburse(h.ctx, target, payer, target)
	assert.ErrorIs(t, err, agreement.ErrIntervalNotReached)

	h.clock.Advance(time.Hour)
	_, err = h.engine.Disburse(h.ctx, owner, payer, target)
	assert.NoError(t, err)
}

func TestDisburseInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, 50)
	_, err := h.engine.CreateOrUpdatePayroll(h.ctx, payer, PayrollRequest{
		Payer: payer, Target: target, Asset: usdc, Amount: 100, Interval: time.Hour,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	_, err = h.engine.Disburse(h.ctx, payer, payer, target)
	assert.ErrorIs(t, err, agreement.ErrInsufficientBalance)

	p, err := h.engine.Payroll(h.ctx, payer, target)
	require.NoError(t, err)
	assert.Equal(t, start, p.LastPaymentAt)
}

func TestUpdatePayrollRederivesSchedule(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.CreateOrUpdatePayroll(h.ctx, payer, PayrollRequest{
		Payer: payer, Target: target, Asset: usdc, Amount: 100, Interval: time.Hour,
	})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	p, err := h.engine.CreateOrUpdatePayroll(h.ctx, payer, PayrollRequest{
		Payer: payer, Target: target, Asset: "eurc", Amount: 300, Interval: 2 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, start.Add(2*time.Hour), p.NextPayoutAt)
	assert.EqualValues(t, 300, p.Amount)

	_, err = h.engine.CreateOrUpdatePayroll(h.ctx, owner, PayrollRequest{
		Payer: payer, Target: target, Asset: usdc, Amount: 1, Interval: time.Hour,
	})
	assert.ErrorIs(t, err, agreement.ErrUnauthorized)

	byAsset, err := h.engine.TargetsByAsset(h.ctx, "eurc")
	require.NoError(t, err)
	assert.Equal(t, []string{target}, byAsset)
	byAsset, err = h.engine.TargetsByAsset(h.ctx, usdc)
	require.NoError(t, err)
	assert.Empty(t, byAsset)
}

func TestPauseResumeAndRemovePayroll(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, 1000)
	_, err := h.engine.CreateOrUpdatePayroll(h.ctx, payer, PayrollRequest{
		Payer: payer, Target: target, Asset: usdc, Amount: 100, Interval: time.Hour,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	require.NoError(t, h.engine.PausePayroll(h.ctx, payer, payer, target))
	assert.ErrorIs(t, h.engine.PausePayroll(h.ctx, payer, payer, target), agreement.ErrInvalidStatus)
	_, err = h.engine.Disburse(h.ctx, payer, payer, target)
	assert.ErrorIs(t, err, agreement.ErrAgreementPaused)

	require.NoError(t, h.engine.ResumePayroll(h.ctx, payer, payer, target))
	_, err = h.engine.Disburse(h.ctx, payer, payer, target)
	require.NoError(t, err)

	targets, err := h.engine.TargetsByPayer(h.ctx, payer)
	require.NoError(t, err)
	assert.Equal(t, []string{target}, targets)

	require.NoError(t, h.engine.RemovePayroll(h.ctx, owner, payer, target))
	targets, err = h.engine.TargetsByPayer(h.ctx, payer)
	require.NoError(t, err)
	assert.Empty(t, targets)
	_, err = h.engine.Payroll(h.ctx, payer, target)
	assert.ErrorIs(t, err, agreement.ErrAgreementNotFound)
	assert.Contains(t, h.sink.types(), audit.FactPayrollRemoved)

	mismatches, err := h.engine.VerifyIndex(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestDisburseTransferFailureRestoresSchedule(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, 1000)
	_, err := h.engine.CreateOrUpdatePayroll(h.ctx, payer, PayrollRequest{
		Payer: payer, Target: target, Asset: usdc, Amount: 100, Interval: time.Hour,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	h.mover.armed.Store(true)
	_, err = h.engine.Disburse(h.ctx, payer, payer, target)
	require.ErrorIs(t, err, agreement.ErrTransferFailed)

	p, err := h.engine.Payroll(h.ctx, payer, target)
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Hour), p.NextPayoutAt)
	pool, err := h.engine.Balance(h.ctx, payer, usdc)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, pool)
}

func TestDisburseCompensationSurvivesConcurrentUpdate(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, 1000)
	_, err := h.engine.CreateOrUpdatePayroll(h.ctx, payer, PayrollRequest{
		Payer: payer, Target: target, Asset: usdc, Amount: 100, Interval: time.Hour,
	})
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	h.mover.onFail = func() {
		_, err := h.engine.CreateOrUpdatePayroll(h.ctx, payer, PayrollRequest{
			Payer: payer, Target: target, Asset: usdc, Amount: 100, Interval: 2 * time.Hour,
		})
		require.NoError(t, err)
	}
	h.mover.armed.Store(true)
	_, err = h.engine.Disburse(h.ctx, payer, payer, target)
	require.ErrorIs(t, err, agreement.ErrTransferFailed)

	p, err := h.engine.Payroll(h.ctx, payer, target)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, p.Interval)
	assert.Equal(t, start, p.LastPaymentAt)
	assert.Equal(t, start.Add(2*time.Hour), p.NextPayoutAt)
	pool, err := h.engine.Balance(h.ctx, payer, usdc)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, pool)

	h.clock.Advance(time.Hour)
	_, err = h.engine.Disburse(h.ctx, payer, payer, target)
	require.NoError(t, err)
	assert.EqualValues(t, 100, h.book.BalanceOf(target, usdc))
}
