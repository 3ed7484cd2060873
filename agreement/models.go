package agreement

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the three agreement shapes held by the ledger.
type Kind string

const (
	KindRecurringPayroll Kind = "recurring_payroll"
	KindMilestone        Kind = "milestone"
	KindTimeBased        Kind = "time_based"
)

var (
	payrollNamespace   = uuid.MustParse("8f4f2f1e-5a5e-4c1b-9a39-3f0f6a1d2c10")
	milestoneNamespace = uuid.MustParse("1c7d6b0a-2f1e-4e4b-8d0e-6a3b5c9f7e21")
)

// PayrollID derives the stable identifier of the recurring payroll between
// payer and target. There is at most one such record per pair.
func PayrollID(payer, target string) string {
	return uuid.NewSHA1(payrollNamespace, []byte(payer+"\x00"+target)).String()
}

// MilestoneAgreementID derives the stable identifier of the milestone
// agreement for the (payer, target, asset) tuple.
func MilestoneAgreementID(payer, target, asset string) string {
	return uuid.NewSHA1(milestoneNamespace, []byte(payer+"\x00"+target+"\x00"+asset)).String()
}

// NewAgreementID returns a fresh identifier for a time-based escrow.
func NewAgreementID() string {
	return uuid.NewString()
}

// Settings is the ledger-wide state. It is loaded once per call and passed
// down as a value rather than read from ambient globals.
type Settings struct {
	Owner       string `json:"owner"`
	Paused      bool   `json:"paused"`
	Initialized bool   `json:"initialized"`
}

// RecurringPayroll pays Amount of Asset from the payer's balance pool to the
// target once per Interval. NextPayoutAt is always LastPaymentAt + Interval.
type RecurringPayroll struct {
	ID            string        `json:"id"`
	Payer         string        `json:"payer"`
	Target        string        `json:"target"`
	Asset         string        `json:"asset"`
	Amount        int64         `json:"amount"`
	Interval      time.Duration `json:"interval"`
	LastPaymentAt time.Time     `json:"last_payment_at"`
	NextPayoutAt  time.Time     `json:"next_payout_at"`
	Paused        bool          `json:"paused"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Validate checks the schedule fields supplied by callers.
func (p RecurringPayroll) Validate() error {
	if p.Payer == "" || p.Target == "" || p.Asset == "" {
		return fmt.Errorf("%w: payer, target and asset are required", ErrInvalidData)
	}
	if p.Payer == p.Target {
		return fmt.Errorf("%w: payer and target must differ", ErrInvalidData)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidData)
	}
	if p.Interval < time.Second {
		return fmt.Errorf("%w: interval must be at least one second", ErrInvalidData)
	}
	return nil
}

// Milestone is one deliverable of a MilestoneAgreement. IDs are dense and
// start at 1; Claimed never goes back to false.
type Milestone struct {
	ID         uint32     `json:"id"`
	Amount     int64      `json:"amount"`
	Approved   bool       `json:"approved"`
	Claimed    bool       `json:"claimed"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
}

// Claimable reports whether the milestone may be paid out now.
func (m Milestone) Claimable() bool {
	return m.Approved && !m.Claimed
}

// MilestoneAgreement holds an ordered list of milestones funded from the
// agreement escrow.
type MilestoneAgreement struct {
	ID         string      `json:"id"`
	Payer      string      `json:"payer"`
	Target     string      `json:"target"`
	Asset      string      `json:"asset"`
	Status     Status      `json:"status"`
	Milestones []Milestone `json:"milestones"`
	PaidAmount int64       `json:"paid_amount"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// TotalAmount is the sum of all milestone amounts.
func (a MilestoneAgreement) TotalAmount() int64 {
	var total int64
	for _, m := range a.Milestones {
		total += m.Amount
	}
	return total
}

// Milestone returns a pointer into the milestone slice for id.
func (a *MilestoneAgreement) Milestone(id uint32) (*Milestone, error) {
	if id == 0 || int(id) > len(a.Milestones) {
		return nil, fmt.Errorf("%w: milestone %d of %d", ErrIDOutOfBounds, id, len(a.Milestones))
	}
	return &a.Milestones[id-1], nil
}

// AllClaimed reports whether every milestone has been paid.
func (a MilestoneAgreement) AllClaimed() bool {
	if len(a.Milestones) == 0 {
		return false
	}
	for _, m := range a.Milestones {
		if !m.Claimed {
			return false
		}
	}
	return true
}

// TimeBasedAgreement releases AmountPerPeriod for every fully elapsed
// Period while active, up to TotalPeriods.
type TimeBasedAgreement struct {
	ID              string        `json:"id"`
	Payer           string        `json:"payer"`
	Target          string        `json:"target"`
	Asset           string        `json:"asset"`
	AmountPerPeriod int64         `json:"amount_per_period"`
	Period          time.Duration `json:"period"`
	TotalPeriods    uint32        `json:"total_periods"`
	ClaimedPeriods  uint32        `json:"claimed_periods"`
	PaidAmount      int64         `json:"paid_amount"`
	TotalAmount     int64         `json:"total_amount"`
	Status          Status        `json:"status"`
	ActivatedAt     *time.Time    `json:"activated_at,omitempty"`
	PausedAt        *time.Time    `json:"paused_at,omitempty"`
	PausedFor       time.Duration `json:"paused_for"`
	CancelledAt     *time.Time    `json:"cancelled_at,omitempty"`
	GraceEndsAt     *time.Time    `json:"grace_ends_at,omitempty"`
	Finalized       bool          `json:"finalized"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Validate checks creation parameters and the period accounting invariants.
func (a TimeBasedAgreement) Validate() error {
	if a.Payer == "" || a.Target == "" || a.Asset == "" {
		return fmt.Errorf("%w: payer, target and asset are required", ErrInvalidData)
	}
	if a.Payer == a.Target {
		return fmt.Errorf("%w: payer and target must differ", ErrInvalidData)
	}
	if a.AmountPerPeriod <= 0 {
		return fmt.Errorf("%w: amount per period must be positive", ErrInvalidData)
	}
	if a.Period < time.Second {
		return fmt.Errorf("%w: period must be at least one second", ErrInvalidData)
	}
	if a.TotalPeriods == 0 {
		return fmt.Errorf("%w: number of periods must be positive", ErrInvalidData)
	}
	if a.Period > time.Duration(math.MaxInt64/int64(a.TotalPeriods)) {
		return fmt.Errorf("%w: schedule length overflows", ErrInvalidData)
	}
	if a.ClaimedPeriods > a.TotalPeriods {
		return fmt.Errorf("%w: claimed periods exceed total", ErrInvalidData)
	}
	return nil
}

// GraceWindow is the post-cancellation claim window: the full schedule length.
func (a TimeBasedAgreement) GraceWindow() time.Duration {
	return a.Period * time.Duration(a.TotalPeriods)
}

// Header is the kind-independent part of any agreement, used by the
// secondary indexes.
type Header struct {
	ID     string
	Kind   Kind
	Payer  string
	Target string
	Asset  string
}

func (p RecurringPayroll) Header() Header {
	return Header{ID: p.ID, Kind: KindRecurringPayroll, Payer: p.Payer, Target: p.Target, Asset: p.Asset}
}

func (a MilestoneAgreement) Header() Header {
	return Header{ID: a.ID, Kind: KindMilestone, Payer: a.Payer, Target: a.Target, Asset: a.Asset}
}

func (a TimeBasedAgreement) Header() Header {
	return Header{ID: a.ID, Kind: KindTimeBased, Payer: a.Payer, Target: a.Target, Asset: a.Asset}
}
