// Package audit delivers ledger facts to observers. Delivery is advisory:
// the engine records a fact only after the mutation committed and a failing
// sink never undoes it.
package audit

import (
	"context"
	"errors"
	"time"

	"ledgerflow/agreement"
)

// Fact types emitted by the disbursement engine.
const (
	FactInitialized        = "ledger_initialized"
	FactOwnershipMoved     = "ownership_transferred"
	FactLedgerPaused       = "ledger_paused"
	FactLedgerResumed      = "ledger_resumed"
	FactDeposited          = "deposited"
	FactWithdrawn          = "withdrawn"
	FactPayrollSaved       = "payroll_saved"
	FactPayrollRemoved     = "payroll_removed"
	FactPayrollPaused      = "payroll_paused"
	FactPayrollResumed     = "payroll_resumed"
	FactDisbursed          = "disbursed"
	FactAgreementCreated   = "agreement_created"
	FactAgreementFunded    = "agreement_funded"
	FactAgreementActivated = "agreement_activated"
	FactAgreementPaused    = "agreement_paused"
	FactAgreementResumed   = "agreement_resumed"
	FactAgreementCancelled = "agreement_cancelled"
	FactAgreementCompleted = "agreement_completed"
	FactGraceFinalized     = "grace_finalized"
	FactPeriodsClaimed     = "periods_claimed"
	FactMilestoneAdded     = "milestone_added"
	FactMilestoneApproved  = "milestone_approved"
	FactMilestoneClaimed   = "milestone_claimed"
)

// Fact is one committed ledger transition.
type Fact struct {
	Type        string         `json:"type"`
	AgreementID string         `json:"agreement_id,omitempty"`
	Kind        agreement.Kind `json:"kind,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	Payer       string         `json:"payer,omitempty"`
	Target      string         `json:"target,omitempty"`
	Asset       string         `json:"asset,omitempty"`
	Amount      int64          `json:"amount,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	At          time.Time      `json:"at"`
}

// Sink records facts.
type Sink interface {
	Record(ctx context.Context, f Fact) error
}

// Nop discards every fact.
type Nop struct{}

func (Nop) Record(context.Context, Fact) error { return nil }

// Multi fans a fact out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, f Fact) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
