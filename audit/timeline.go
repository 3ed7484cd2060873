package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Executor is satisfied by *pgxpool.Pool.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TimelineSink appends facts to the timeline_events table.
type TimelineSink struct {
	db Executor
}

func NewTimelineSink(db Executor) *TimelineSink {
	return &TimelineSink{db: db}
}

func (s *TimelineSink) Record(ctx context.Context, f Fact) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("audit: marshal timeline payload: %w", err)
	}

	const insertSQL = `
INSERT INTO timeline_events (agreement_id, type, payload, ts)
VALUES ($1, $2, $3, $4);
`
	if _, err := s.db.Exec(ctx, insertSQL, f.AgreementID, f.Type, payload, f.At.UTC()); err != nil {
		return fmt.Errorf("audit: insert timeline event: %w", err)
	}
	return nil
}
