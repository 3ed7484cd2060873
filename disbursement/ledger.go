package disbursement

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ledgerflow/agreement"
	"ledgerflow/audit"
	"ledgerflow/balance"
	"ledgerflow/store"
)

// Initialize records the ledger owner. It may run once and only the owner
// being installed may call it.
func (e *Engine) Initialize(ctx context.Context, caller, owner string) error {
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if s.Initialized {
			return fmt.Errorf("disbursement: ledger already initialized: %w", agreement.ErrInvalidStatus)
		}
		if owner == "" {
			return fmt.Errorf("disbursement: empty owner: %w", agreement.ErrInvalidData)
		}
		if err := e.authorize(ctx, caller, grant{agreement.RoleAdmin, owner}); err != nil {
			return err
		}
		return tx.PutSettings(ctx, agreement.Settings{Owner: owner, Initialized: true})
	})
	if err == nil {
		e.emit(ctx, audit.Fact{Type: audit.FactInitialized, Actor: caller, Details: map[string]any{"owner": owner}, At: e.now()})
	}
	return e.finish("initialize", err, zap.String("owner", owner))
}

// TransferOwnership hands the admin role to next.
func (e *Engine) TransferOwnership(ctx context.Context, caller, next string) error {
	var previous string
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if !s.Initialized {
			return agreement.ErrNotInitialized
		}
		if err := e.authorize(ctx, caller, asAdmin(s)); err != nil {
			return err
		}
		if next == "" {
			return fmt.Errorf("disbursement: empty owner: %w", agreement.ErrInvalidData)
		}
		previous = s.Owner
		s.Owner = next
		return tx.PutSettings(ctx, s)
	})
	if err == nil {
		e.emit(ctx, audit.Fact{Type: audit.FactOwnershipMoved, Actor: caller, Details: map[string]any{"from": previous, "to": next}, At: e.now()})
	}
	return e.finish("transfer ownership", err, zap.String("owner", next))
}

// SetPaused halts or resumes every mutating operation. Queries keep working.
func (e *Engine) SetPaused(ctx context.Context, caller string, paused bool) error {
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if !s.Initialized {
			return agreement.ErrNotInitialized
		}
		if err := e.authorize(ctx, caller, asAdmin(s)); err != nil {
			return err
		}
		s.Paused = paused
		return tx.PutSettings(ctx, s)
	})
	if err == nil {
		typ := audit.FactLedgerResumed
		if paused {
			typ = audit.FactLedgerPaused
		}
		e.emit(ctx, audit.Fact{Type: typ, Actor: caller, At: e.now()})
	}
	return e.finish("set paused", err, zap.Bool("paused", paused))
}

// Deposit pulls amount from the payer's external account into the vault and
// credits the payer's balance pool. The inbound transfer happens first; if
// the credit cannot commit the transfer is sent back.
func (e *Engine) Deposit(ctx context.Context, caller, payer, asset string, amount int64) (int64, error) {
	fields := []zap.Field{zap.String("payer", payer), zap.String("asset", asset), zap.Int64("amount", amount)}

	err := e.read(ctx, func(ctx context.Context, _ store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		if payer == "" || asset == "" || amount <= 0 {
			return fmt.Errorf("disbursement: deposit %d %s for %q: %w", amount, asset, payer, agreement.ErrInvalidData)
		}
		return e.authorize(ctx, caller, asPayer(payer))
	})
	if err != nil {
		return 0, e.finish("deposit", err, fields...)
	}

	if err := e.mover.MoveValue(ctx, asset, payer, e.vault, amount); err != nil {
		return 0, e.finish("deposit", fmt.Errorf("disbursement: deposit: %w: %v", agreement.ErrTransferFailed, err), fields...)
	}

	var total int64
	err = e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		var err error
		total, err = balance.Deposit(ctx, tx, payer, asset, amount)
		return err
	})
	if err != nil {
		if rerr := e.mover.MoveValue(context.WithoutCancel(ctx), asset, e.vault, payer, amount); rerr != nil {
			e.logger.Error("ledger divergence: deposit credit failed and refund failed",
				append(fields, zap.NamedError("credit_error", err), zap.NamedError("refund_error", rerr))...)
			return 0, fmt.Errorf("disbursement: deposit: %w: credit: %v; refund: %v", agreement.ErrLedgerDivergence, err, rerr)
		}
		return 0, e.finish("deposit", err, fields...)
	}

	e.emit(ctx, audit.Fact{Type: audit.FactDeposited, Actor: caller, Payer: payer, Asset: asset, Amount: amount, At: e.now()})
	return total, e.finish("deposit", nil, append(fields, zap.Int64("balance", total))...)
}

// Withdraw debits the payer's balance pool and sends amount back to the
// payer's external account.
func (e *Engine) Withdraw(ctx context.Context, caller, payer, asset string, amount int64) (int64, error) {
	fields := []zap.Field{zap.String("payer", payer), zap.String("asset", asset), zap.Int64("amount", amount)}

	var remaining int64
	err := e.within(ctx, func(ctx context.Context, tx store.Tx, s agreement.Settings) error {
		if err := mutable(s); err != nil {
			return err
		}
		if err := e.authorize(ctx, caller, asPayer(payer)); err != nil {
			return err
		}
		var err error
		remaining, err = balance.Debit(ctx, tx, payer, asset, amount)
		return err
	})
	if err != nil {
		return 0, e.finish("withdraw", err, fields...)
	}

	if terr := e.mover.MoveValue(ctx, asset, e.vault, payer, amount); terr != nil {
		err := e.compensate(ctx, "withdraw", "", asset, amount, terr, func(ctx context.Context, tx store.Tx, _ agreement.Settings) error {
			_, err := balance.Credit(ctx, tx, payer, asset, amount)
			return err
		})
		return 0, e.finish("withdraw", err, fields...)
	}

	e.emit(ctx, audit.Fact{Type: audit.FactWithdrawn, Actor: caller, Payer: payer, Asset: asset, Amount: amount, At: e.now()})
	return remaining, e.finish("withdraw", nil, append(fields, zap.Int64("balance", remaining))...)
}
