// Package transfer provides value-movement adapters for the disbursement
// engine. Book keeps external account balances in process; it backs the
// memory deployment and tests, and stands in for a real settlement rail.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
)

var (
	// ErrInsufficientFunds means the source account cannot cover the transfer.
	ErrInsufficientFunds = errors.New("transfer: insufficient funds")
	// ErrInvalidTransfer covers non-positive amounts and self transfers.
	ErrInvalidTransfer = errors.New("transfer: invalid transfer")
)

type account struct {
	owner string
	asset string
}

// Book is a concurrency-safe set of external account balances.
type Book struct {
	accounts *xsync.Map[account, int64]
}

func NewBook() *Book {
	return &Book{accounts: xsync.NewMap[account, int64]()}
}

// Fund mints amount into owner's external account.
func (b *Book) Fund(owner, asset string, amount int64) {
	b.accounts.Compute(account{owner, asset}, func(old int64, _ bool) (int64, xsync.ComputeOp) {
		return old + amount, xsync.UpdateOp
	})
}

// BalanceOf returns the external balance of owner in asset.
func (b *Book) BalanceOf(owner, asset string) int64 {
	v, _ := b.accounts.Load(account{owner, asset})
	return v
}

// MoveValue debits from and credits to. The debit and credit are separate
// map operations; the debit is undone if the credit cannot be applied.
func (b *Book) MoveValue(ctx context.Context, asset, from, to string, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount <= 0 || from == to {
		return fmt.Errorf("%w: %d %s from %s to %s", ErrInvalidTransfer, amount, asset, from, to)
	}

	var short bool
	b.accounts.Compute(account{from, asset}, func(old int64, loaded bool) (int64, xsync.ComputeOp) {
		if old < amount {
			short = true
			if !loaded {
				return old, xsync.CancelOp
			}
			return old, xsync.UpdateOp
		}
		return old - amount, xsync.UpdateOp
	})
	if short {
		return fmt.Errorf("%w: %s holds less than %d %s", ErrInsufficientFunds, from, amount, asset)
	}

	b.accounts.Compute(account{to, asset}, func(old int64, _ bool) (int64, xsync.ComputeOp) {
		return old + amount, xsync.UpdateOp
	})
	return nil
}
