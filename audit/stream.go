package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStreamMaxLen caps the audit stream (approximate trimming).
const DefaultStreamMaxLen = 10000

// StreamAdder is the part of *redis.Client the stream sink needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// StreamSink appends each fact to a Redis stream as a JSON payload.
type StreamSink struct {
	client StreamAdder
	stream string
	maxLen int64
}

func NewStreamSink(client StreamAdder, stream string, maxLen int64) *StreamSink {
	if stream == "" {
		stream = "ledger:facts"
	}
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Record(ctx context.Context, f Fact) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("audit: marshal fact: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"type":         f.Type,
			"agreement_id": f.AgreementID,
			"payload":      string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("audit: xadd %s: %w", s.stream, err)
	}
	return nil
}
