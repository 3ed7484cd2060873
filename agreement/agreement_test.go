package agreement

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	allowed := [][2]Status{
		{StatusCreated, StatusActive},
		{StatusCreated, StatusCancelled},
		{StatusActive, StatusPaused},
		{StatusActive, StatusCompleted},
		{StatusPaused, StatusActive},
		{StatusPaused, StatusCancelled},
	}
	for _, edge := range allowed {
		assert.NoError(t, ValidateTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	rejected := [][2]Status{
		{StatusCreated, StatusPaused},
		{StatusPaused, StatusCompleted},
		{StatusCancelled, StatusActive},
		{StatusCompleted, StatusActive},
		{StatusActive, StatusActive},
	}
	for _, edge := range rejected {
		assert.ErrorIs(t, ValidateTransition(edge[0], edge[1]), ErrInvalidStatus, "%s -> %s", edge[0], edge[1])
	}
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPaused.Terminal())
}

func TestAmountArithmetic(t *testing.T) {
	sum, err := AddAmount(40, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(42), sum)

	_, err = AddAmount(math.MaxInt64, 1)
	assert.ErrorIs(t, err, ErrInvalidData)
	_, err = AddAmount(-1, 1)
	assert.ErrorIs(t, err, ErrInvalidData)

	product, err := MulAmount(1000, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3000), product)

	zero, err := MulAmount(1000, 0)
	require.NoError(t, err)
	assert.Zero(t, zero)

	_, err = MulAmount(math.MaxInt64/2+1, 2)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestDerivedIDs(t *testing.T) {
	assert.Equal(t, PayrollID("acme", "alice"), PayrollID("acme", "alice"))
	assert.NotEqual(t, PayrollID("acme", "alice"), PayrollID("alice", "acme"))
	// the separator keeps concatenations apart
	assert.NotEqual(t, PayrollID("ab", "c"), PayrollID("a", "bc"))

	assert.Equal(t, MilestoneAgreementID("acme", "bob", "usdc"), MilestoneAgreementID("acme", "bob", "usdc"))
	assert.NotEqual(t, MilestoneAgreementID("acme", "bob", "usdc"), MilestoneAgreementID("acme", "bob", "eurc"))
	assert.NotEqual(t, NewAgreementID(), NewAgreementID())
}

func TestTimeBasedValidate(t *testing.T) {
	valid := TimeBasedAgreement{Payer: "acme", Target: "alice", Asset: "usdc", AmountPerPeriod: 10, Period: time.Hour, TotalPeriods: 4}
	require.NoError(t, valid.Validate())
	assert.Equal(t, 4*time.Hour, valid.GraceWindow())

	cases := map[string]func(a *TimeBasedAgreement){
		"self payment":  func(a *TimeBasedAgreement) { a.Target = a.Payer },
		"zero amount":   func(a *TimeBasedAgreement) { a.AmountPerPeriod = 0 },
		"short period":  func(a *TimeBasedAgreement) { a.Period = time.Millisecond },
		"no periods":    func(a *TimeBasedAgreement) { a.TotalPeriods = 0 },
		"missing asset": func(a *TimeBasedAgreement) { a.Asset = "" },
		"overclaimed":   func(a *TimeBasedAgreement) { a.ClaimedPeriods = 5 },
		"schedule overflow": func(a *TimeBasedAgreement) {
			a.Period = 24 * time.Hour
			a.TotalPeriods = 200_000
		},
	}
	for name, mutate := range cases {
		a := valid
		mutate(&a)
		assert.ErrorIs(t, a.Validate(), ErrInvalidData, name)
	}

	longest := valid
	longest.Period = 24 * time.Hour
	longest.TotalPeriods = 100_000
	require.NoError(t, longest.Validate())
	assert.Positive(t, longest.GraceWindow())
}

func TestMilestoneAccess(t *testing.T) {
	a := MilestoneAgreement{Milestones: []Milestone{{ID: 1, Amount: 100}, {ID: 2, Amount: 250}}}
	assert.Equal(t, int64(350), a.TotalAmount())
	assert.False(t, a.AllClaimed())

	m, err := a.Milestone(2)
	require.NoError(t, err)
	m.Approved = true
	assert.True(t, a.Milestones[1].Claimable())

	_, err = a.Milestone(0)
	assert.ErrorIs(t, err, ErrIDOutOfBounds)
	_, err = a.Milestone(3)
	assert.ErrorIs(t, err, ErrIDOutOfBounds)

	a.Milestones[0].Claimed = true
	a.Milestones[1].Claimed = true
	assert.True(t, a.AllClaimed())
	assert.False(t, MilestoneAgreement{}.AllClaimed())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, "", KindOf(nil))
	assert.Equal(t, "NoPeriodsToClaim", KindOf(fmt.Errorf("claim x: %w", ErrNoPeriodsToClaim)))
	assert.Equal(t, "DuplicateId", KindOf(ErrDuplicateID))
	assert.Equal(t, "Internal", KindOf(fmt.Errorf("dial tcp: refused")))
}
