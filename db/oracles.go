package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Oracle is a query that returns rows only when a ledger invariant is broken.
type Oracle struct {
	Name string
	SQL  string
}

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func Oracles() []Oracle {
	return []Oracle{
		{
			Name: "non_negative_balances",
			SQL:  `SELECT owner, asset, amount FROM balances WHERE amount < 0`,
		},
		{
			Name: "non_negative_escrows",
			SQL:  `SELECT agreement_id, amount FROM escrows WHERE amount < 0`,
		},
		{
			Name: "time_based_paid_matches_periods",
			SQL: `SELECT id FROM agreements
                  WHERE kind = 'time_based'
                    AND ((body->>'paid_amount')::bigint <> (body->>'amount_per_period')::bigint * (body->>'claimed_periods')::bigint
                         OR (body->>'claimed_periods')::bigint > (body->>'total_periods')::bigint)`,
		},
		{
			Name: "completed_time_based_fully_claimed",
			SQL: `SELECT id FROM agreements
                  WHERE kind = 'time_based' AND status = 'completed'
                    AND (body->>'claimed_periods')::bigint <> (body->>'total_periods')::bigint`,
		},
		{
			Name: "payroll_schedule_consistent",
			SQL: `SELECT id FROM agreements
                  WHERE kind = 'recurring_payroll'
                    AND extract(epoch FROM (body->>'next_payout_at')::timestamptz - (body->>'last_payment_at')::timestamptz) * 1000000000
                        <> (body->>'interval')::numeric`,
		},
		{
			Name: "payer_target_index_matches_agreements",
			SQL: `(SELECT payer, target FROM agreements
                   EXCEPT
                   SELECT key, member FROM agreement_index WHERE set_name = 'payer_targets')
                  UNION ALL
                  (SELECT key, member FROM agreement_index WHERE set_name = 'payer_targets'
                   EXCEPT
                   SELECT payer, target FROM agreements)`,
		},
		{
			Name: "asset_target_index_matches_agreements",
			SQL: `(SELECT asset, target FROM agreements
                   EXCEPT
                   SELECT key, member FROM agreement_index WHERE set_name = 'asset_targets')
                  UNION ALL
                  (SELECT key, member FROM agreement_index WHERE set_name = 'asset_targets'
                   EXCEPT
                   SELECT asset, target FROM agreements)`,
		},
		{
			Name: "payer_agreement_index_matches_agreements",
			SQL: `(SELECT payer, id FROM agreements WHERE kind <> 'recurring_payroll'
                   EXCEPT
                   SELECT key, member FROM agreement_index WHERE set_name = 'payer_agreements')
                  UNION ALL
                  (SELECT key, member FROM agreement_index WHERE set_name = 'payer_agreements'
                   EXCEPT
                   SELECT payer, id FROM agreements WHERE kind <> 'recurring_payroll')`,
		},
	}
}

// RunOracles executes all oracles and returns the first failure (name and
// sample row text) or an empty name if all pass.
func RunOracles(ctx context.Context, q Querier) (string, string, error) {
	for _, o := range Oracles() {
		rows, err := q.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("db: oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return o.Name, "", fmt.Errorf("db: oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
