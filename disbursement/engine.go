// Package disbursement is the ledger's accounting core. Every public
// operation runs inside one store transaction: all checks happen before any
// write, and the transaction commits before value leaves the ledger through
// the Mover. A failed transfer is compensated by a second transaction that
// reverses the committed ledger effect.
package disbursement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ledgerflow/agreement"
	"ledgerflow/audit"
	"ledgerflow/store"
)

// DefaultVault is the external account holding all value the ledger owns.
const DefaultVault = "ledger-vault"

// Authorizer decides whether caller holds role towards party. For the admin
// role party is the ledger owner.
type Authorizer interface {
	Allowed(ctx context.Context, caller string, role agreement.Role, party string) bool
}

// Mover moves value between external accounts. Any error means the value
// did not move.
type Mover interface {
	MoveValue(ctx context.Context, asset, from, to string, amount int64) error
}

// Payout describes value released to a target by one operation.
type Payout struct {
	AgreementID  string         `json:"agreement_id"`
	Kind         agreement.Kind `json:"kind"`
	Payer        string         `json:"payer"`
	Target       string         `json:"target"`
	Asset        string         `json:"asset"`
	Amount       int64          `json:"amount"`
	Periods      uint32         `json:"periods,omitempty"`
	MilestoneID  uint32         `json:"milestone_id,omitempty"`
	Completed    bool           `json:"completed,omitempty"`
	NextPayoutAt *time.Time     `json:"next_payout_at,omitempty"`
}

// Engine implements the disbursement operations.
type Engine struct {
	store  store.Beginner
	auth   Authorizer
	mover  Mover
	sink   audit.Sink
	logger *zap.Logger
	vault  string
	now    func() time.Time
	newID  func() string
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithIDGenerator overrides how time-based agreement ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithSink(sink audit.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithVault sets the external account deposits flow into and payouts leave from.
func WithVault(account string) Option {
	return func(e *Engine) {
		if account != "" {
			e.vault = account
		}
	}
}

func NewEngine(s store.Beginner, authz Authorizer, mover Mover, opts ...Option) *Engine {
	e := &Engine{
		store:  s,
		auth:   authz,
		mover:  mover,
		sink:   audit.Nop{},
		logger: zap.NewNop(),
		vault:  DefaultVault,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  agreement.NewAgreementID,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("disbursement")
	return e
}

// Vault returns the external account backing the ledger.
func (e *Engine) Vault() string {
	return e.vault
}

type txFunc func(ctx context.Context, tx store.Tx, s agreement.Settings) error

// within runs fn in one transaction and commits when it succeeds.
func (e *Engine) within(ctx context.Context, fn txFunc) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("disbursement: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	settings, err := tx.Settings(ctx)
	if err != nil {
		return fmt.Errorf("disbursement: load settings: %w", err)
	}
	if err := fn(ctx, tx, settings); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("disbursement: commit: %w", err)
	}
	return nil
}

// read runs fn in a transaction that is always rolled back.
func (e *Engine) read(ctx context.Context, fn txFunc) error {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("disbursement: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	settings, err := tx.Settings(ctx)
	if err != nil {
		return fmt.Errorf("disbursement: load settings: %w", err)
	}
	return fn(ctx, tx, settings)
}

// mutable rejects writes before initialization and while the ledger is paused.
func mutable(s agreement.Settings) error {
	if !s.Initialized {
		return agreement.ErrNotInitialized
	}
	if s.Paused {
		return agreement.ErrContractPaused
	}
	return nil
}

type grant struct {
	role  agreement.Role
	party string
}

func asPayer(party string) grant  { return grant{agreement.RolePayer, party} }
func asTarget(party string) grant { return grant{agreement.RoleTarget, party} }
func asAdmin(s agreement.Settings) grant {
	return grant{agreement.RoleAdmin, s.Owner}
}

// authorize succeeds when any grant is allowed.
func (e *Engine) authorize(ctx context.Context, caller string, grants ...grant) error {
	if caller != "" {
		for _, g := range grants {
			if g.party != "" && e.auth.Allowed(ctx, caller, g.role, g.party) {
				return nil
			}
		}
	}
	return fmt.Errorf("disbursement: caller %q: %w", caller, agreement.ErrUnauthorized)
}

// settle moves a committed payout out of the vault. When the transfer fails
// undo runs in a fresh transaction to reverse the ledger effect.
func (e *Engine) settle(ctx context.Context, op string, p Payout, undo txFunc) error {
	err := e.mover.MoveValue(ctx, p.Asset, e.vault, p.Target, p.Amount)
	if err == nil {
		return nil
	}
	return e.compensate(ctx, op, p.AgreementID, p.Asset, p.Amount, err, undo)
}

func (e *Engine) compensate(ctx context.Context, op, agreementID, asset string, amount int64, transferErr error, undo txFunc) error {
	cerr := e.within(context.WithoutCancel(ctx), undo)
	if cerr != nil {
		e.logger.Error("ledger divergence: compensation failed after transfer failure",
			zap.String("op", op),
			zap.String("agreement_id", agreementID),
			zap.String("asset", asset),
			zap.Int64("amount", amount),
			zap.NamedError("transfer_error", transferErr),
			zap.NamedError("compensation_error", cerr))
		return fmt.Errorf("disbursement: %s %s: %w: transfer: %v; compensation: %v",
			op, agreementID, agreement.ErrLedgerDivergence, transferErr, cerr)
	}
	e.logger.Warn("transfer failed, ledger effect reversed",
		zap.String("op", op),
		zap.String("agreement_id", agreementID),
		zap.Int64("amount", amount),
		zap.Error(transferErr))
	return fmt.Errorf("disbursement: %s %s: %w: %v", op, agreementID, agreement.ErrTransferFailed, transferErr)
}

// emit hands f to the audit sink. Sink failures are logged and dropped.
func (e *Engine) emit(ctx context.Context, f audit.Fact) {
	if err := e.sink.Record(ctx, f); err != nil {
		e.logger.Warn("audit sink", zap.String("type", f.Type), zap.String("agreement_id", f.AgreementID), zap.Error(err))
	}
}

// finish logs the outcome of op and returns err unchanged.
func (e *Engine) finish(op string, err error, fields ...zap.Field) error {
	if err == nil {
		e.logger.Info(op, fields...)
		return nil
	}
	if errors.Is(err, agreement.ErrLedgerDivergence) {
		return err
	}
	e.logger.Debug(op+" rejected", append(fields, zap.String("kind", agreement.KindOf(err)), zap.Error(err))...)
	return err
}
