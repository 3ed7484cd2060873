// Package store defines the persistence contract of the ledger. Each call
// against the ledger runs inside one Tx: it either commits every write it
// made or none of them, and no other call observes its intermediate state.
package store

import (
	"context"

	"ledgerflow/agreement"
)

// IndexSet names one family of secondary index entries.
type IndexSet string

const (
	// IndexPayerTargets maps a payer to the targets of its recurring payrolls.
	IndexPayerTargets IndexSet = "payer_targets"
	// IndexAssetTargets maps an asset to the targets paid in it by recurring payrolls.
	IndexAssetTargets IndexSet = "asset_targets"
	// IndexPayerAgreements maps a payer to its milestone and time-based agreement ids.
	IndexPayerAgreements IndexSet = "payer_agreements"
)

// Beginner opens ledger transactions.
type Beginner interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is the unit of atomicity. Lookups of missing agreements return
// agreement.ErrAgreementNotFound; lookups of missing balances return zero.
// Rollback after Commit is a no-op so callers can always defer it.
type Tx interface {
	Settings(ctx context.Context) (agreement.Settings, error)
	PutSettings(ctx context.Context, s agreement.Settings) error

	Balance(ctx context.Context, owner, asset string) (int64, error)
	PutBalance(ctx context.Context, owner, asset string, amount int64) error
	Escrow(ctx context.Context, agreementID string) (int64, error)
	PutEscrow(ctx context.Context, agreementID string, amount int64) error

	Payroll(ctx context.Context, id string) (agreement.RecurringPayroll, error)
	PutPayroll(ctx context.Context, p agreement.RecurringPayroll) error
	DeletePayroll(ctx context.Context, id string) error

	MilestoneAgreement(ctx context.Context, id string) (agreement.MilestoneAgreement, error)
	PutMilestoneAgreement(ctx context.Context, a agreement.MilestoneAgreement) error

	TimeBased(ctx context.Context, id string) (agreement.TimeBasedAgreement, error)
	PutTimeBased(ctx context.Context, a agreement.TimeBasedAgreement) error

	Headers(ctx context.Context) ([]agreement.Header, error)

	IndexMembers(ctx context.Context, set IndexSet, key string) ([]string, error)
	// PutIndexMembers replaces the entry; an empty member list deletes it.
	PutIndexMembers(ctx context.Context, set IndexSet, key string, members []string) error
	IndexKeys(ctx context.Context, set IndexSet) ([]string, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
