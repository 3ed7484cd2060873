package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateIdleBackend periodically kills one idle connection of the current
// database. Only idle backends are hit so no commit is ever left ambiguous;
// the pool has to notice the dead connection on its next acquire.
func TerminateIdleBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(3) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
                                       WHERE datname = current_database() AND pid <> pg_backend_pid() AND state = 'idle'
                                       ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// Clock is a shared time source actors can move forward.
type Clock interface {
	Advance(d time.Duration)
}

// Ticker moves clock forward by step at a jittered pace so schedules come due
// while claims and disbursements are in flight.
func Ticker(ctx context.Context, clock Clock, step time.Duration, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-time.After(time.Duration(5+rand.Intn(15)) * time.Millisecond):
			clock.Advance(step)
		}
	}
}
