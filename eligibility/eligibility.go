// Package eligibility computes how much of an agreement is claimable at a
// given instant. Every function is pure: time enters only through the now
// argument and nothing is mutated.
package eligibility

import (
	"time"

	"ledgerflow/agreement"
)

// PayrollDue reports whether a recurring payroll may pay out at now. At most
// one interval is paid per disbursement; catching up is left to the caller.
func PayrollDue(p agreement.RecurringPayroll, now time.Time) bool {
	return !now.Before(p.NextPayoutAt)
}

// ActiveElapsed returns how much schedule time has accrued while the
// agreement was Active. Accrual freezes at the pause instant and at
// cancellation, and previously paused spans are subtracted.
func ActiveElapsed(a agreement.TimeBasedAgreement, now time.Time) time.Duration {
	if a.ActivatedAt == nil {
		return 0
	}
	end := now
	if a.PausedAt != nil && a.PausedAt.Before(end) {
		end = *a.PausedAt
	}
	if a.CancelledAt != nil && a.CancelledAt.Before(end) {
		end = *a.CancelledAt
	}
	elapsed := end.Sub(*a.ActivatedAt) - a.PausedFor
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// ElapsedPeriods is floor(active elapsed / period) clamped to the schedule.
// Partial periods never count.
func ElapsedPeriods(a agreement.TimeBasedAgreement, now time.Time) uint32 {
	if a.Period <= 0 {
		return 0
	}
	n := int64(ActiveElapsed(a, now) / a.Period)
	if n > int64(a.TotalPeriods) {
		return a.TotalPeriods
	}
	return uint32(n)
}

// ClaimablePeriods is the number of elapsed periods not yet paid.
func ClaimablePeriods(a agreement.TimeBasedAgreement, now time.Time) uint32 {
	elapsed := ElapsedPeriods(a, now)
	if elapsed <= a.ClaimedPeriods {
		return 0
	}
	return elapsed - a.ClaimedPeriods
}

// GraceEnd returns the end of the post-cancellation window, if any.
func GraceEnd(a agreement.TimeBasedAgreement) (time.Time, bool) {
	if a.Status != agreement.StatusCancelled || a.GraceEndsAt == nil {
		return time.Time{}, false
	}
	return *a.GraceEndsAt, true
}

// InGracePeriod reports whether now falls inside [cancelled_at, grace_end).
func InGracePeriod(a agreement.TimeBasedAgreement, now time.Time) bool {
	end, ok := GraceEnd(a)
	if !ok {
		return false
	}
	return now.Before(end)
}

// MilestoneClaimable reports whether milestone m can be paid.
func MilestoneClaimable(m agreement.Milestone) bool {
	return m.Claimable()
}

// ClaimableMilestones lists the ids of approved, unclaimed milestones.
func ClaimableMilestones(a agreement.MilestoneAgreement) []uint32 {
	var ids []uint32
	for _, m := range a.Milestones {
		if m.Claimable() {
			ids = append(ids, m.ID)
		}
	}
	return ids
}
