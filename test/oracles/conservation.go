// Package oracles holds cross-layer checks that only hold once every actor
// has stopped: in-flight operations legitimately leave the ledger and the
// external book apart between commit and transfer.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Book reports external account balances.
type Book interface {
	BalanceOf(owner, asset string) int64
}

// Conservation checks that the vault holds exactly what the ledger owes:
// every balance pool plus every escrow denominated in asset.
func Conservation(ctx context.Context, pool *pgxpool.Pool, book Book, vault, asset string) error {
	var pools, escrows int64
	if err := pool.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM balances WHERE asset = $1`, asset).Scan(&pools); err != nil {
		return fmt.Errorf("oracles: sum balances: %w", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COALESCE(SUM(e.amount), 0) FROM escrows e
                                  JOIN agreements a ON a.id = e.agreement_id
                                  WHERE a.asset = $1`, asset).Scan(&escrows); err != nil {
		return fmt.Errorf("oracles: sum escrows: %w", err)
	}
	held := book.BalanceOf(vault, asset)
	if held != pools+escrows {
		return fmt.Errorf("oracles: vault %s holds %d %s, ledger owes %d (pools %d, escrows %d)",
			vault, held, asset, pools+escrows, pools, escrows)
	}
	return nil
}

// Supply checks that value was neither created nor destroyed: the external
// balances of accounts must add up to what was minted.
func Supply(book Book, asset string, minted int64, accounts ...string) error {
	var total int64
	for _, a := range accounts {
		total += book.BalanceOf(a, asset)
	}
	if total != minted {
		return fmt.Errorf("oracles: %d %s across %d accounts, minted %d", total, asset, len(accounts), minted)
	}
	return nil
}
