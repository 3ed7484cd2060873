package disbursement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerflow/agreement"
)

func newMilestoneAgreement(t *testing.T, h *harness, amounts ...int64) string {
	t.Helper()
	a, err := h.engine.CreateMilestoneAgreement(h.ctx, payer, payer, target, usdc)
	require.NoError(t, err)
	var total int64
	for i, amount := range amounts {
		m, err := h.engine.AddMilestone(h.ctx, payer, a.ID, amount)
		require.NoError(t, err)
		assert.EqualValues(t, i+1, m.ID)
		total += amount
	}
	h.deposit(t, total)
	_, err = h.engine.FundAgreement(h.ctx, payer, a.ID, total)
	require.NoError(t, err)
	return a.ID
}

func TestMilestoneLifecycle(t *testing.T) {
	h := newHarness(t)
	id := newMilestoneAgreement(t, h, 100, 200, 300)

	_, err := h.engine.ClaimMilestone(h.ctx, target, id, 1)
	assert.ErrorIs(t, err, agreement.ErrNotApproved)

	require.NoError(t, h.engine.ApproveMilestone(h.ctx, payer, id, 1))
	assert.ErrorIs(t, h.engine.ApproveMilestone(h.ctx, payer, id, 1), agreement.ErrAlreadyApproved)
	assert.ErrorIs(t, h.engine.ApproveMilestone(h.ctx, payer, id, 4), agreement.ErrIDOutOfBounds)
	assert.ErrorIs(t, h.engine.ApproveMilestone(h.ctx, target, id, 2), agreement.ErrUnauthorized)

	a, err := h.engine.MilestoneAgreement(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusActive, a.Status)
	_, err = h.engine.AddMilestone(h.ctx, payer, id, 50)
	assert.ErrorIs(t, err, agreement.ErrInvalidStatus)

	p, err := h.engine.ClaimMilestone(h.ctx, target, id, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 100, p.Amount)
	assert.False(t, p.Completed)
	_, err = h.engine.ClaimMilestone(h.ctx, target, id, 1)
	assert.ErrorIs(t, err, agreement.ErrAlreadyClaimed)

	require.NoError(t, h.engine.ApproveMilestone(h.ctx, payer, id, 2))
	require.NoError(t, h.engine.ApproveMilestone(h.ctx, payer, id, 3))
	_, err = h.engine.ClaimMilestone(h.ctx, target, id, 2)
	require.NoError(t, err)
	p, err = h.engine.ClaimMilestone(h.ctx, target, id, 3)
	require.NoError(t, err)
	assert.True(t, p.Completed)

	a, err = h.engine.MilestoneAgreement(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusCompleted, a.Status)
	assert.EqualValues(t, 600, a.PaidAmount)
	assert.EqualValues(t, 600, h.book.BalanceOf(target, usdc))

	escrow, err := h.engine.EscrowBalance(h.ctx, id)
	require.NoError(t, err)
	assert.Zero(t, escrow)

	_, err = h.engine.FundAgreement(h.ctx, payer, id, 1)
	assert.ErrorIs(t, err, agreement.ErrInvalidStatus)
}

func TestMilestoneClaimNeedsEscrow(t *testing.T) {
	h := newHarness(t)
	a, err := h.engine.CreateMilestoneAgreement(h.ctx, payer, payer, target, usdc)
	require.NoError(t, err)
	_, err = h.engine.AddMilestone(h.ctx, payer, a.ID, 500)
	require.NoError(t, err)
	require.NoError(t, h.engine.ApproveMilestone(h.ctx, payer, a.ID, 1))

	_, err = h.engine.ClaimMilestone(h.ctx, target, a.ID, 1)
	assert.ErrorIs(t, err, agreement.ErrInsufficientEscrowBalance)

	m, err := h.engine.Milestone(h.ctx, a.ID, 1)
	require.NoError(t, err)
	assert.False(t, m.Claimed)
}

func TestCreateMilestoneAgreementIsUniquePerTuple(t *testing.T) {
	h := newHarness(t)
	first, err := h.engine.CreateMilestoneAgreement(h.ctx, payer, payer, target, usdc)
	require.NoError(t, err)
	_, err = h.engine.CreateMilestoneAgreement(h.ctx, payer, payer, target, usdc)
	assert.ErrorIs(t, err, agreement.ErrAgreementExists)

	other, err := h.engine.CreateMilestoneAgreement(h.ctx, payer, payer, target, "eurc")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	ids, err := h.engine.AgreementsByPayer(h.ctx, payer)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.ID, other.ID}, ids)
}

func TestClaimMilestoneTransferFailure(t *testing.T) {
	h := newHarness(t)
	id := newMilestoneAgreement(t, h, 100)
	require.NoError(t, h.engine.ApproveMilestone(h.ctx, payer, id, 1))

	h.mover.armed.Store(true)
	_, err := h.engine.ClaimMilestone(h.ctx, target, id, 1)
	require.ErrorIs(t, err, agreement.ErrTransferFailed)

	a, err := h.engine.MilestoneAgreement(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusActive, a.Status)
	assert.False(t, a.Milestones[0].Claimed)
	assert.Zero(t, a.PaidAmount)

	_, err = h.engine.ClaimMilestone(h.ctx, target, id, 1)
	require.NoError(t, err)
}

func TestEveryAgreementKindIsIndexedByTarget(t *testing.T) {
	h := newHarness(t)
	h.fundedTimeBased(t)
	_, err := h.engine.CreateMilestoneAgreement(h.ctx, payer, payer, "builder", usdc)
	require.NoError(t, err)

	targets, err := h.engine.TargetsByPayer(h.ctx, payer)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{target, "builder"}, targets)
	byAsset, err := h.engine.TargetsByAsset(h.ctx, usdc)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{target, "builder"}, byAsset)

	mismatches, err := h.engine.VerifyIndex(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}
