package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/jackc/pgx/v5"

	"ledgerflow/agreement"
)

// PaymentTypes are the facts that move value to a target.
var PaymentTypes = []string{FactDisbursed, FactPeriodsClaimed, FactMilestoneClaimed}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// PaymentQuery selects payments by agreement, payer or target. Set filters
// are combined; at least one is required.
type PaymentQuery struct {
	AgreementID string
	Payer       string
	Target      string
	Limit       int
	Offset      int
}

func (q PaymentQuery) normalize() (PaymentQuery, error) {
	if q.AgreementID == "" && q.Payer == "" && q.Target == "" {
		return q, fmt.Errorf("audit: payment query needs an agreement, payer or target: %w", agreement.ErrInvalidData)
	}
	if q.Offset < 0 {
		return q, fmt.Errorf("audit: negative offset: %w", agreement.ErrInvalidData)
	}
	switch {
	case q.Limit <= 0:
		q.Limit = defaultPageSize
	case q.Limit > maxPageSize:
		q.Limit = maxPageSize
	}
	return q, nil
}

func (q PaymentQuery) matches(f Fact) bool {
	if !slices.Contains(PaymentTypes, f.Type) {
		return false
	}
	return (q.AgreementID == "" || f.AgreementID == q.AgreementID) &&
		(q.Payer == "" || f.Payer == q.Payer) &&
		(q.Target == "" || f.Target == q.Target)
}

// PaymentPage is one page of payments, oldest first, with the number of
// payments matching the query overall.
type PaymentPage struct {
	Payments []Fact `json:"payments"`
	Total    int    `json:"total"`
}

// History answers payment queries.
type History interface {
	Payments(ctx context.Context, q PaymentQuery) (PaymentPage, error)
}

// Recorder is an in-process Sink that keeps payment facts for History
// queries. It backs the memory store driver.
type Recorder struct {
	mu       sync.RWMutex
	payments []Fact
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(_ context.Context, f Fact) error {
	if !slices.Contains(PaymentTypes, f.Type) {
		return nil
	}
	r.mu.Lock()
	r.payments = append(r.payments, f)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Payments(_ context.Context, q PaymentQuery) (PaymentPage, error) {
	q, err := q.normalize()
	if err != nil {
		return PaymentPage{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	page := PaymentPage{Payments: []Fact{}}
	for _, f := range r.payments {
		if !q.matches(f) {
			continue
		}
		if page.Total >= q.Offset && len(page.Payments) < q.Limit {
			page.Payments = append(page.Payments, f)
		}
		page.Total++
	}
	return page, nil
}

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TimelineReader answers payment queries from the timeline_events table
// written by TimelineSink.
type TimelineReader struct {
	db Querier
}

func NewTimelineReader(db Querier) *TimelineReader {
	return &TimelineReader{db: db}
}

const paymentFilter = `
FROM timeline_events
WHERE type = ANY($1)
  AND ($2::text = '' OR agreement_id = $2)
  AND ($3::text = '' OR payload->>'payer' = $3)
  AND ($4::text = '' OR payload->>'target' = $4)`

func (r *TimelineReader) Payments(ctx context.Context, q PaymentQuery) (PaymentPage, error) {
	q, err := q.normalize()
	if err != nil {
		return PaymentPage{}, err
	}
	args := []any{PaymentTypes, q.AgreementID, q.Payer, q.Target}

	var page PaymentPage
	if err := r.db.QueryRow(ctx, `SELECT count(*) `+paymentFilter, args...).Scan(&page.Total); err != nil {
		return PaymentPage{}, fmt.Errorf("audit: count payments: %w", err)
	}

	rows, err := r.db.Query(ctx, `SELECT payload `+paymentFilter+` ORDER BY seq LIMIT $5 OFFSET $6`, append(args, q.Limit, q.Offset)...)
	if err != nil {
		return PaymentPage{}, fmt.Errorf("audit: list payments: %w", err)
	}
	defer rows.Close()

	page.Payments = []Fact{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return PaymentPage{}, fmt.Errorf("audit: scan payment: %w", err)
		}
		var f Fact
		if err := json.Unmarshal(payload, &f); err != nil {
			return PaymentPage{}, fmt.Errorf("audit: decode payment: %w", err)
		}
		page.Payments = append(page.Payments, f)
	}
	if err := rows.Err(); err != nil {
		return PaymentPage{}, fmt.Errorf("audit: list payments: %w", err)
	}
	return page, nil
}
