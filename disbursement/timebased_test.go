package disbursement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"ledgerflow/agreement"
	"ledgerflow/audit"
)

func TestClaimPaysElapsedPeriods(t *testing.T) {
	h := newHarness(t)
	id := h.fundedTimeBased(t)

	h.clock.Advance(3 * day)
	p, err := h.engine.Claim(h.ctx, target, id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.Periods)
	assert.EqualValues(t, 3000, p.Amount)
	assert.False(t, p.Completed)

	escrow, err := h.engine.EscrowBalance(h.ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 7000, escrow)
	assert.EqualValues(t, 3000, h.book.BalanceOf(target, usdc))

	a, err := h.engine.TimeBased(h.ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, a.ClaimedPeriods)
	assert.EqualValues(t, 3000, a.PaidAmount)
	assert.Contains(t, h.sink.types(), audit.FactPeriodsClaimed)

	_, err = h.engine.Claim(h.ctx, target, id)
	assert.ErrorIs(t, err, agreement.ErrNoPeriodsToClaim)
	escrow, err = h.engine.EscrowBalance(h.ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 7000, escrow)
	assert.EqualValues(t, 3000, h.book.BalanceOf(target, usdc))
}

func TestClaimIgnoresPartialPeriod(t *testing.T) {
	h := newHarness(t)
	id := h.fundedTimeBased(t)

	h.clock.Advance(day / 2)
	_, err := h.engine.Claim(h.ctx, target, id)
	assert.ErrorIs(t, err, agreement.ErrNoPeriodsToClaim)

	h.clock.Advance(2 * day)
	n, amount, err := h.engine.Claimable(h.ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	assert.EqualValues(t, 2000, amount)
}

func TestClaimBeforeActivation(t *testing.T) {
	h := newHarness(t)
	h.deposit(t, 1000)
	a, err := h.engine.CreateTimeBased(h.ctx, payer, TimeBasedRequest{
		Payer: payer, Target: target, Asset: usdc, AmountPerPeriod: 100, Period: time.Hour, TotalPeriods: 5,
	})
	require.NoError(t, err)

	h.clock.Advance(10 * time.Hour)
	_, err = h.engine.Claim(h.ctx, target, a.ID)
	assert.ErrorIs(t, err, agreement.ErrAgreementNotActivated)

	_, err = h.engine.Activate(h.ctx, payer, a.ID)
	require.NoError(t, err)
	_, err = h.engine.Activate(h.ctx, payer, a.ID)
	assert.ErrorIs(t, err, agreement.ErrInvalidStatus)
}

func TestCreateTimeBasedRejectsInvalidParameters(t *testing.T) {
	h := newHarness(t)
	cases := map[string]TimeBasedRequest{
		"zero amount":       {Payer: payer, Target: target, Asset: usdc, Period: time.Hour, TotalPeriods: 1},
		"zero periods":      {Payer: payer, Target: target, Asset: usdc, AmountPerPeriod: 1, Period: time.Hour},
		"self target":       {Payer: payer, Target: payer, Asset: usdc, AmountPerPeriod: 1, Period: time.Hour, TotalPeriods: 1},
		"short period":      {Payer: payer, Target: target, Asset: usdc, AmountPerPeriod: 1, Period: time.Millisecond, TotalPeriods: 1},
		"schedule overflow": {Payer: payer, Target: target, Asset: usdc, AmountPerPeriod: 1, Period: day, TotalPeriods: 200_000},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := h.engine.CreateTimeBased(h.ctx, payer, req)
			assert.ErrorIs(t, err, agreement.ErrInvalidData)
		})
	}

	_, err := h.engine.CreateTimeBased(h.ctx, target, TimeBasedRequest{
		Payer: payer, Target: target, Asset: usdc, AmountPerPeriod: 1, Period: time.Hour, TotalPeriods: 1,
	})
	assert.ErrorIs(t, err, agreement.ErrUnauthorized)
}

func TestPauseFreezesAccrual(t *testing.T) {
	h := newHarness(t)
	id := h.fundedTimeBased(t)

	h.clock.Advance(2 * day)
	_, err := h.engine.Pause(h.ctx, payer, id)
	require.NoError(t, err)

	h.clock.Advance(3 * day)
	_, err = h.engine.Claim(h.ctx, target, id)
	assert.ErrorIs(t, err, agreement.ErrAgreementPaused)

	_, err = h.engine.Resume(h.ctx, payer, id)
	require.NoError(t, err)
	p, err := h.engine.Claim(h.ctx, target, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.Periods)

	h.clock.Advance(day)
	p, err = h.engine.Claim(h.ctx, target, id)
	require.NoError(t, err)
	assert.EqualValues(t, 1, p.Periods)
}

func TestClaimCompletesAgreement(t *testing.T) {
	h := newHarness(t)
	id := h.fundedTimeBased(t)

	h.clock.Advance(15 * day)
	p, err := h.engine.Claim(h.ctx, target, id)
	require.NoError(t, err)
	assert.EqualValues(t, 10, p.Periods)
	assert.True(t, p.Completed)

	a, err := h.engine.TimeBased(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusCompleted, a.Status)
	assert.Equal(t, a.TotalAmount, a.PaidAmount)

	_, err = h.engine.Claim(h.ctx, target, id)
	assert.ErrorIs(t, err, agreement.ErrAllPeriodsClaimed)
	assert.Contains(t, h.sink.types(), audit.FactAgreementCompleted)
}

func TestGracePeriodAfterCancel(t *testing.T) {
	h := newHarness(t)
	id := h.fundedTimeBased(t)

	h.clock.Advance(2 * day)
	a, err := h.engine.Cancel(h.ctx, payer, id)
	require.NoError(t, err)
	require.NotNil(t, a.GraceEndsAt)
	assert.Equal(t, start.Add(12*day), *a.GraceEndsAt)

	active, err := h.engine.IsGracePeriodActive(h.ctx, id)
	require.NoError(t, err)
	assert.True(t, active)

	p, err := h.engine.Claim(h.ctx, target, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, p.Periods)

	a, err = h.engine.TimeBased(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusCancelled, a.Status)

	h.clock.Advance(10*day - time.Second)
	_, err = h.engine.Claim(h.ctx, target, id)
	assert.ErrorIs(t, err, agreement.ErrNoPeriodsToClaim)
	_, err = h.engine.FinalizeGracePeriod(h.ctx, payer, id)
	assert.ErrorIs(t, err, agreement.ErrGracePeriodActive)

	h.clock.Advance(time.Second)
	_, err = h.engine.Claim(h.ctx, target, id)
	assert.ErrorIs(t, err, agreement.ErrNotInGracePeriod)

	refunded, err := h.engine.FinalizeGracePeriod(h.ctx, payer, id)
	require.NoError(t, err)
	assert.EqualValues(t, 8000, refunded)

	pool, err := h.engine.Balance(h.ctx, payer, usdc)
	require.NoError(t, err)
	assert.EqualValues(t, 18_000, pool)
	escrow, err := h.engine.EscrowBalance(h.ctx, id)
	require.NoError(t, err)
	assert.Zero(t, escrow)

	_, err = h.engine.FinalizeGracePeriod(h.ctx, payer, id)
	assert.ErrorIs(t, err, agreement.ErrInvalidStatus)
	active, err = h.engine.IsGracePeriodActive(h.ctx, id)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestFinalizeRequiresCancellation(t *testing.T) {
	h := newHarness(t)
	id := h.fundedTimeBased(t)

	_, err := h.engine.FinalizeGracePeriod(h.ctx, payer, id)
	assert.ErrorIs(t, err, agreement.ErrInvalidStatus)

	_, ok, err := h.engine.GracePeriodEnd(h.ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClaimRequiresTarget(t *testing.T) {
	h := newHarness(t)
	id := h.fundedTimeBased(t)
	h.clock.Advance(day)

	_, err := h.engine.Claim(h.ctx, payer, id)
	assert.ErrorIs(t, err, agreement.ErrUnauthorized)
	_, err = h.engine.Claim(h.ctx, target, "missing")
	assert.ErrorIs(t, err, agreement.ErrAgreementNotFound)
}

func TestClaimTransferFailureIsCompensated(t *testing.T) {
	h := newHarness(t)
	id := h.fundedTimeBased(t)
	h.clock.Advance(3 * day)

	h.mover.armed.Store(true)
	_, err := h.engine.Claim(h.ctx, target, id)
	require.ErrorIs(t, err, agreement.ErrTransferFailed)

	a, err := h.engine.TimeBased(h.ctx, id)
	require.NoError(t, err)
	assert.Zero(t, a.ClaimedPeriods)
	assert.Zero(t, a.PaidAmount)
	escrow, err := h.engine.EscrowBalance(h.ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 10_000, escrow)
	assert.Zero(t, h.book.BalanceOf(target, usdc))

	p, err := h.engine.Claim(h.ctx, target, id)
	require.NoError(t, err)
	assert.EqualValues(t, 3, p.Periods)
}

func TestClaimCompensationFailureReportsDivergence(t *testing.T) {
	h := newHarness(t)
	id := h.fundedTimeBased(t)
	h.clock.Advance(3 * day)

	h.mover.onFail = func() { h.store.broken.Store(true) }
	h.mover.armed.Store(true)
	_, err := h.engine.Claim(h.ctx, target, id)
	require.ErrorIs(t, err, agreement.ErrLedgerDivergence)
	assert.Equal(t, "LedgerDivergence", agreement.KindOf(err))
	assert.Equal(t, 1, h.logs.FilterMessageSnippet("ledger divergence").Len())
}

func TestConcurrentClaimsPayOnce(t *testing.T) {
	h := newHarness(t)
	id := h.fundedTimeBased(t)
	h.clock.Advance(3 * day)

	var g errgroup.Group
	results := make([]Payout, 20)
	for i := range results {
		g.Go(func() error {
			p, err := h.engine.Claim(h.ctx, target, id)
			if err != nil && !assert.ErrorIs(t, err, agreement.ErrNoPeriodsToClaim) {
				return err
			}
			results[i] = p
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var paid int64
	for _, p := range results {
		paid += p.Amount
	}
	assert.EqualValues(t, 3000, paid)
	assert.EqualValues(t, 3000, h.book.BalanceOf(target, usdc))
}
