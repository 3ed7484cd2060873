// Package balance implements the payer balance pools and per-agreement escrow
// accounts on top of a ledger transaction. Amounts are integer smallest units
// and never go negative: debits that would overdraw are rejected, not clamped.
package balance

import (
	"context"
	"fmt"

	"ledgerflow/agreement"
)

// Tx is the subset of store.Tx the balance helpers need.
type Tx interface {
	Balance(ctx context.Context, owner, asset string) (int64, error)
	PutBalance(ctx context.Context, owner, asset string, amount int64) error
	Escrow(ctx context.Context, agreementID string) (int64, error)
	PutEscrow(ctx context.Context, agreementID string, amount int64) error
}

// Get returns the pool balance, zero for a pair never seen.
func Get(ctx context.Context, tx Tx, payer, asset string) (int64, error) {
	v, err := tx.Balance(ctx, payer, asset)
	if err != nil {
		return 0, fmt.Errorf("balance: get %s/%s: %w", payer, asset, err)
	}
	return v, nil
}

// Deposit adds amount to the payer's pool and returns the new balance.
func Deposit(ctx context.Context, tx Tx, payer, asset string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("balance: deposit %d: %w", amount, agreement.ErrInvalidData)
	}
	return Credit(ctx, tx, payer, asset, amount)
}

// Credit adds amount to the pool. Zero is a no-op.
func Credit(ctx context.Context, tx Tx, payer, asset string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("balance: credit %d: %w", amount, agreement.ErrInvalidData)
	}
	current, err := Get(ctx, tx, payer, asset)
	if err != nil {
		return 0, err
	}
	next, err := agreement.AddAmount(current, amount)
	if err != nil {
		return 0, fmt.Errorf("balance: credit %s/%s: %w", payer, asset, err)
	}
	if err := tx.PutBalance(ctx, payer, asset, next); err != nil {
		return 0, fmt.Errorf("balance: credit %s/%s: %w", payer, asset, err)
	}
	return next, nil
}

// Debit subtracts amount from the pool or fails with ErrInsufficientBalance.
func Debit(ctx context.Context, tx Tx, payer, asset string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("balance: debit %d: %w", amount, agreement.ErrInvalidData)
	}
	current, err := Get(ctx, tx, payer, asset)
	if err != nil {
		return 0, err
	}
	if current < amount {
		return 0, fmt.Errorf("balance: debit %d from %s/%s holding %d: %w", amount, payer, asset, current, agreement.ErrInsufficientBalance)
	}
	if err := tx.PutBalance(ctx, payer, asset, current-amount); err != nil {
		return 0, fmt.Errorf("balance: debit %s/%s: %w", payer, asset, err)
	}
	return current - amount, nil
}

// EscrowOf returns the amount held against an agreement.
func EscrowOf(ctx context.Context, tx Tx, agreementID string) (int64, error) {
	v, err := tx.Escrow(ctx, agreementID)
	if err != nil {
		return 0, fmt.Errorf("balance: escrow %s: %w", agreementID, err)
	}
	return v, nil
}

// CreditEscrow adds amount to the agreement escrow. Zero is a no-op.
func CreditEscrow(ctx context.Context, tx Tx, agreementID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("balance: credit escrow %d: %w", amount, agreement.ErrInvalidData)
	}
	current, err := EscrowOf(ctx, tx, agreementID)
	if err != nil {
		return 0, err
	}
	next, err := agreement.AddAmount(current, amount)
	if err != nil {
		return 0, fmt.Errorf("balance: credit escrow %s: %w", agreementID, err)
	}
	if err := tx.PutEscrow(ctx, agreementID, next); err != nil {
		return 0, fmt.Errorf("balance: credit escrow %s: %w", agreementID, err)
	}
	return next, nil
}

// DebitEscrow subtracts amount or fails with ErrInsufficientEscrowBalance.
func DebitEscrow(ctx context.Context, tx Tx, agreementID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("balance: debit escrow %d: %w", amount, agreement.ErrInvalidData)
	}
	current, err := EscrowOf(ctx, tx, agreementID)
	if err != nil {
		return 0, err
	}
	if current < amount {
		return 0, fmt.Errorf("balance: debit escrow %s: need %d, hold %d: %w", agreementID, amount, current, agreement.ErrInsufficientEscrowBalance)
	}
	if err := tx.PutEscrow(ctx, agreementID, current-amount); err != nil {
		return 0, fmt.Errorf("balance: debit escrow %s: %w", agreementID, err)
	}
	return current - amount, nil
}

// FundEscrow moves amount from the payer's pool into the agreement escrow.
func FundEscrow(ctx context.Context, tx Tx, payer, asset, agreementID string, amount int64) (int64, error) {
	if _, err := Debit(ctx, tx, payer, asset, amount); err != nil {
		return 0, err
	}
	return CreditEscrow(ctx, tx, agreementID, amount)
}

// ReleaseEscrow empties the agreement escrow back into the payer's pool and
// returns the amount moved.
func ReleaseEscrow(ctx context.Context, tx Tx, payer, asset, agreementID string) (int64, error) {
	held, err := EscrowOf(ctx, tx, agreementID)
	if err != nil {
		return 0, err
	}
	if held == 0 {
		return 0, nil
	}
	if _, err := DebitEscrow(ctx, tx, agreementID, held); err != nil {
		return 0, err
	}
	if _, err := Credit(ctx, tx, payer, asset, held); err != nil {
		return 0, err
	}
	return held, nil
}
