package audit

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"
)

// AsyncSink hands facts to a bounded worker pool so slow sinks never hold up
// the caller. Failures are logged; when the queue is full the fact is
// dropped and logged.
type AsyncSink struct {
	next    Sink
	pool    pond.Pool
	logger  *zap.Logger
	timeout time.Duration
}

func NewAsyncSink(next Sink, workers, queueSize int, logger *zap.Logger) *AsyncSink {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncSink{
		next:    next,
		pool:    pond.NewPool(workers, pond.WithQueueSize(queueSize)),
		logger:  logger.Named("audit"),
		timeout: 5 * time.Second,
	}
}

// Record never returns an error; delivery happens on the pool.
func (s *AsyncSink) Record(_ context.Context, f Fact) error {
	_, ok := s.pool.TrySubmit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.next.Record(ctx, f); err != nil {
			s.logger.Warn("deliver fact", zap.String("type", f.Type), zap.String("agreement_id", f.AgreementID), zap.Error(err))
		}
	})
	if !ok {
		s.logger.Warn("audit queue full, dropping fact", zap.String("type", f.Type), zap.String("agreement_id", f.AgreementID))
	}
	return nil
}

// Close waits for queued facts to be delivered.
func (s *AsyncSink) Close() {
	s.pool.StopAndWait()
}
