// Package postgres implements store.Beginner on pgx. Every agreement is one
// row in the agreements table with its full record in a JSONB body. Calls are
// serialized with a transaction-scoped advisory lock and rows are read FOR
// UPDATE.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ledgerflow/agreement"
	"ledgerflow/store"
)

// ledgerLockKey is the pg_advisory_xact_lock key shared by all ledger calls.
const ledgerLockKey int64 = 0x6c6564676572

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	pool TxBeginner
}

func New(pool TxBeginner) *Store {
	return &Store{pool: pool}
}

func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin: %w", err)
	}
	if _, err := pgTx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, ledgerLockKey); err != nil {
		_ = pgTx.Rollback(ctx)
		return nil, fmt.Errorf("postgres: acquire ledger lock: %w", err)
	}
	return &tx{tx: pgTx}, nil
}

type tx struct {
	tx pgx.Tx
}

func (t *tx) Settings(ctx context.Context) (agreement.Settings, error) {
	var s agreement.Settings
	err := t.tx.QueryRow(ctx, `SELECT owner, paused, initialized FROM ledger_settings WHERE id = 1 FOR UPDATE`).
		Scan(&s.Owner, &s.Paused, &s.Initialized)
	if errors.Is(err, pgx.ErrNoRows) {
		return agreement.Settings{}, nil
	}
	if err != nil {
		return agreement.Settings{}, fmt.Errorf("postgres: load settings: %w", err)
	}
	return s, nil
}

func (t *tx) PutSettings(ctx context.Context, s agreement.Settings) error {
	const upsertSQL = `
INSERT INTO ledger_settings (id, owner, paused, initialized, updated_at)
VALUES (1, $1, $2, $3, now())
ON CONFLICT (id) DO UPDATE
SET owner = EXCLUDED.owner, paused = EXCLUDED.paused, initialized = EXCLUDED.initialized, updated_at = now();
`
	if _, err := t.tx.Exec(ctx, upsertSQL, s.Owner, s.Paused, s.Initialized); err != nil {
		return fmt.Errorf("postgres: save settings: %w", err)
	}
	return nil
}

func (t *tx) Balance(ctx context.Context, owner, asset string) (int64, error) {
	var amount int64
	err := t.tx.QueryRow(ctx, `SELECT amount FROM balances WHERE owner = $1 AND asset = $2 FOR UPDATE`, owner, asset).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: load balance: %w", err)
	}
	return amount, nil
}

func (t *tx) PutBalance(ctx context.Context, owner, asset string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("postgres: negative balance for %s/%s: %w", owner, asset, agreement.ErrInsufficientBalance)
	}
	const upsertSQL = `
INSERT INTO balances (owner, asset, amount, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (owner, asset) DO UPDATE SET amount = EXCLUDED.amount, updated_at = now();
`
	if _, err := t.tx.Exec(ctx, upsertSQL, owner, asset, amount); err != nil {
		return fmt.Errorf("postgres: save balance: %w", err)
	}
	return nil
}

func (t *tx) Escrow(ctx context.Context, agreementID string) (int64, error) {
	var amount int64
	err := t.tx.QueryRow(ctx, `SELECT amount FROM escrows WHERE agreement_id = $1 FOR UPDATE`, agreementID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: load escrow: %w", err)
	}
	return amount, nil
}

func (t *tx) PutEscrow(ctx context.Context, agreementID string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("postgres: negative escrow for %s: %w", agreementID, agreement.ErrInsufficientEscrowBalance)
	}
	const upsertSQL = `
INSERT INTO escrows (agreement_id, amount, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (agreement_id) DO UPDATE SET amount = EXCLUDED.amount, updated_at = now();
`
	if _, err := t.tx.Exec(ctx, upsertSQL, agreementID, amount); err != nil {
		return fmt.Errorf("postgres: save escrow: %w", err)
	}
	return nil
}

// loadBody reads the JSONB record of id into dst when the row has kind.
func (t *tx) loadBody(ctx context.Context, id string, kind agreement.Kind, dst any) error {
	var body []byte
	err := t.tx.QueryRow(ctx, `SELECT body FROM agreements WHERE id = $1 AND kind = $2 FOR UPDATE`, id, string(kind)).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return agreement.ErrAgreementNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: load %s %s: %w", kind, id, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("postgres: decode %s %s: %w", kind, id, err)
	}
	return nil
}

func (t *tx) saveBody(ctx context.Context, h agreement.Header, status agreement.Status, record any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("postgres: encode %s %s: %w", h.Kind, h.ID, err)
	}
	const upsertSQL = `
INSERT INTO agreements (id, kind, payer, target, asset, status, body, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (id) DO UPDATE
SET payer = EXCLUDED.payer, target = EXCLUDED.target, asset = EXCLUDED.asset,
    status = EXCLUDED.status, body = EXCLUDED.body, updated_at = now()
WHERE agreements.kind = EXCLUDED.kind;
`
	tag, err := t.tx.Exec(ctx, upsertSQL, h.ID, string(h.Kind), h.Payer, h.Target, h.Asset, string(status), body)
	if err != nil {
		return fmt.Errorf("postgres: save %s %s: %w", h.Kind, h.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: id %s already used by another kind: %w", h.ID, agreement.ErrAgreementExists)
	}
	return nil
}

func (t *tx) Payroll(ctx context.Context, id string) (agreement.RecurringPayroll, error) {
	var p agreement.RecurringPayroll
	if err := t.loadBody(ctx, id, agreement.KindRecurringPayroll, &p); err != nil {
		return agreement.RecurringPayroll{}, err
	}
	return p, nil
}

func (t *tx) PutPayroll(ctx context.Context, p agreement.RecurringPayroll) error {
	status := agreement.StatusActive
	if p.Paused {
		status = agreement.StatusPaused
	}
	return t.saveBody(ctx, p.Header(), status, p)
}

func (t *tx) DeletePayroll(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM agreements WHERE id = $1 AND kind = $2`, id, string(agreement.KindRecurringPayroll))
	if err != nil {
		return fmt.Errorf("postgres: delete payroll %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return agreement.ErrAgreementNotFound
	}
	return nil
}

func (t *tx) MilestoneAgreement(ctx context.Context, id string) (agreement.MilestoneAgreement, error) {
	var a agreement.MilestoneAgreement
	if err := t.loadBody(ctx, id, agreement.KindMilestone, &a); err != nil {
		return agreement.MilestoneAgreement{}, err
	}
	return a, nil
}

func (t *tx) PutMilestoneAgreement(ctx context.Context, a agreement.MilestoneAgreement) error {
	return t.saveBody(ctx, a.Header(), a.Status, a)
}

func (t *tx) TimeBased(ctx context.Context, id string) (agreement.TimeBasedAgreement, error) {
	var a agreement.TimeBasedAgreement
	if err := t.loadBody(ctx, id, agreement.KindTimeBased, &a); err != nil {
		return agreement.TimeBasedAgreement{}, err
	}
	return a, nil
}

func (t *tx) PutTimeBased(ctx context.Context, a agreement.TimeBasedAgreement) error {
	return t.saveBody(ctx, a.Header(), a.Status, a)
}

func (t *tx) Headers(ctx context.Context) ([]agreement.Header, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, kind, payer, target, asset FROM agreements ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list agreements: %w", err)
	}
	defer rows.Close()

	var out []agreement.Header
	for rows.Next() {
		var h agreement.Header
		var kind string
		if err := rows.Scan(&h.ID, &kind, &h.Payer, &h.Target, &h.Asset); err != nil {
			return nil, fmt.Errorf("postgres: scan agreement: %w", err)
		}
		h.Kind = agreement.Kind(kind)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list agreements: %w", err)
	}
	return out, nil
}

func (t *tx) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *tx) IndexMembers(ctx context.Context, set store.IndexSet, key string) ([]string, error) {
	out, err := t.strings(ctx, `SELECT member FROM agreement_index WHERE set_name = $1 AND key = $2 ORDER BY position`, string(set), key)
	if err != nil {
		return nil, fmt.Errorf("postgres: load index %s[%s]: %w", set, key, err)
	}
	return out, nil
}

func (t *tx) PutIndexMembers(ctx context.Context, set store.IndexSet, key string, members []string) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM agreement_index WHERE set_name = $1 AND key = $2`, string(set), key); err != nil {
		return fmt.Errorf("postgres: clear index %s[%s]: %w", set, key, err)
	}
	for _, m := range members {
		if _, err := t.tx.Exec(ctx, `INSERT INTO agreement_index (set_name, key, member) VALUES ($1, $2, $3)`, string(set), key, m); err != nil {
			return fmt.Errorf("postgres: save index %s[%s]: %w", set, key, err)
		}
	}
	return nil
}

func (t *tx) IndexKeys(ctx context.Context, set store.IndexSet) ([]string, error) {
	out, err := t.strings(ctx, `SELECT DISTINCT key FROM agreement_index WHERE set_name = $1 ORDER BY key`, string(set))
	if err != nil {
		return nil, fmt.Errorf("postgres: list index %s: %w", set, err)
	}
	return out, nil
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err == nil || errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return fmt.Errorf("postgres: rollback: %w", err)
}
