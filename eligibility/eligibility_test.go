package eligibility

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgerflow/agreement"
)

const day = 24 * time.Hour

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func activeAgreement() agreement.TimeBasedAgreement {
	return agreement.TimeBasedAgreement{
		ID:              "tb-1",
		Payer:           "payer",
		Target:          "target",
		Asset:           "usdc",
		AmountPerPeriod: 1000,
		Period:          day,
		TotalPeriods:    10,
		TotalAmount:     10000,
		Status:          agreement.StatusActive,
		ActivatedAt:     ptr(t0),
	}
}

func TestPayrollDue(t *testing.T) {
	p := agreement.RecurringPayroll{NextPayoutAt: t0.Add(30 * day)}
	assert.False(t, PayrollDue(p, t0.Add(time.Second)))
	assert.True(t, PayrollDue(p, t0.Add(30*day)))
	assert.True(t, PayrollDue(p, t0.Add(90*day)))
}

func TestElapsedPeriodsRoundsDown(t *testing.T) {
	a := activeAgreement()
	now := t0.Add(2*day + 12*time.Hour)
	assert.Equal(t, uint32(2), ElapsedPeriods(a, now))
	assert.Equal(t, uint32(2), ClaimablePeriods(a, now))
}

func TestElapsedPeriodsClampedToSchedule(t *testing.T) {
	a := activeAgreement()
	assert.Equal(t, uint32(10), ElapsedPeriods(a, t0.Add(400*day)))
	a.ClaimedPeriods = 10
	assert.Zero(t, ClaimablePeriods(a, t0.Add(400*day)))
}

func TestNotActivatedAccruesNothing(t *testing.T) {
	a := activeAgreement()
	a.Status = agreement.StatusCreated
	a.ActivatedAt = nil
	assert.Zero(t, ActiveElapsed(a, t0.Add(5*day)))
	assert.Zero(t, ClaimablePeriods(a, t0.Add(5*day)))
}

func TestPauseFreezesProgress(t *testing.T) {
	a := activeAgreement()

	pausedAt := t0.Add(2 * day)
	a.Status = agreement.StatusPaused
	a.PausedAt = ptr(pausedAt)
	assert.Equal(t, uint32(2), ClaimablePeriods(a, pausedAt.Add(3*day)), "paused time must not accrue")

	resumedAt := pausedAt.Add(3 * day)
	a.Status = agreement.StatusActive
	a.PausedAt = nil
	a.PausedFor += resumedAt.Sub(pausedAt)

	assert.Equal(t, uint32(2), ClaimablePeriods(a, resumedAt))
	assert.Equal(t, uint32(3), ClaimablePeriods(a, resumedAt.Add(day)))
}

func TestCancellationFreezesAccrual(t *testing.T) {
	a := activeAgreement()
	a.ClaimedPeriods = 1
	cancelledAt := t0.Add(4*day + time.Hour)
	a.Status = agreement.StatusCancelled
	a.CancelledAt = ptr(cancelledAt)
	a.GraceEndsAt = ptr(cancelledAt.Add(a.GraceWindow()))

	assert.Equal(t, uint32(3), ClaimablePeriods(a, cancelledAt.Add(5*day)))
}

func TestGraceWindowBoundary(t *testing.T) {
	a := activeAgreement()
	cancelledAt := t0.Add(3 * day)
	a.Status = agreement.StatusCancelled
	a.CancelledAt = ptr(cancelledAt)
	a.GraceEndsAt = ptr(cancelledAt.Add(a.GraceWindow()))

	end, ok := GraceEnd(a)
	require.True(t, ok)
	assert.Equal(t, cancelledAt.Add(10*day), end)

	assert.True(t, InGracePeriod(a, cancelledAt))
	assert.True(t, InGracePeriod(a, end.Add(-time.Second)))
	assert.False(t, InGracePeriod(a, end))
	assert.False(t, InGracePeriod(a, end.Add(time.Second)))
}

func TestGraceEndOnlyWhenCancelled(t *testing.T) {
	a := activeAgreement()
	a.GraceEndsAt = ptr(t0.Add(day))
	_, ok := GraceEnd(a)
	assert.False(t, ok)
	assert.False(t, InGracePeriod(a, t0))
}

func TestClaimableMilestones(t *testing.T) {
	a := agreement.MilestoneAgreement{Milestones: []agreement.Milestone{
		{ID: 1, Amount: 100, Approved: true, Claimed: true},
		{ID: 2, Amount: 200},
		{ID: 3, Amount: 300, Approved: true},
	}}
	assert.Equal(t, []uint32{3}, ClaimableMilestones(a))
	assert.False(t, MilestoneClaimable(a.Milestones[1]))
	assert.True(t, MilestoneClaimable(a.Milestones[2]))
}
