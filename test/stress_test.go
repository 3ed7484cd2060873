package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ledgerflow/audit"
	"ledgerflow/auth"
	"ledgerflow/batch"
	"ledgerflow/db"
	"ledgerflow/db/dbtest"
	"ledgerflow/disbursement"
	"ledgerflow/store/postgres"
	"ledgerflow/test/actors"
	"ledgerflow/test/chaos"
	"ledgerflow/test/oracles"
	"ledgerflow/transfer"
)

var (
	flDuration    = flag.Duration("duration", 15*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 3, "number of payers, each with its own targets and actors")
	flChaos       = flag.Bool("chaos", true, "terminate idle backends while actors run")
)

const (
	asset  = "usdc"
	owner  = "treasury"
	minted = int64(10_000_000)
	period = time.Hour
)

type stressClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stressClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stressClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type payerSeed struct {
	payer    string
	targets  []string
	timeBase map[string][]string // target -> agreement ids
}

func TestLedgerConcurrency(t *testing.T) {
	pool := dbtest.Pool(t)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	clock := &stressClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	book := transfer.NewBook()
	eng := disbursement.NewEngine(postgres.New(pool), auth.NewPartyPolicy(auth.NewMemoryRepository(), zap.NewNop()), book,
		disbursement.WithClock(clock.Now),
		disbursement.WithSink(audit.NewTimelineSink(pool)))
	co := batch.NewCoordinator(eng, nil)
	if err := eng.Initialize(ctx, owner, owner); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	seeds := make([]payerSeed, *flConcurrency)
	accounts := []string{eng.Vault()}
	for i := range seeds {
		seeds[i] = mustSeed(t, ctx, eng, book, i)
		accounts = append(accounts, seeds[i].payer)
		accounts = append(accounts, seeds[i].targets...)
	}

	stats := &actors.Stats{}
	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for _, s := range seeds {
		g.Go(func() error { return actors.Disburser(ctx2, co, stats, s.payer, s.targets, stop) })
		g.Go(func() error { return actors.Treasurer(ctx2, eng, stats, s.payer, asset, stop) })
		for i, target := range s.targets {
			ids := s.timeBase[target]
			// two claimers per target contend on the same rows
			g.Go(func() error { return actors.Claimer(ctx2, eng, stats, target, ids, stop) })
			g.Go(func() error { return actors.Claimer(ctx2, eng, stats, target, ids, stop) })
			g.Go(func() error { return actors.BatchClaimer(ctx2, co, stats, target, ids, stop) })
			g.Go(func() error { return actors.Toggler(ctx2, eng, stats, s.payer, ids[0], stop) })
			if i == 0 {
				g.Go(func() error { return actors.Canceller(ctx2, eng, stats, s.payer, ids[1], stop) })
			}
		}
	}
	go chaos.Ticker(ctx2, clock, period/4, stop)
	if *flChaos {
		go chaos.TerminateIdleBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := db.RunOracles(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// a chaos kill can land on the oracle connection
				t.Logf("oracle %s error: %v", name, err)
				continue
			}
			if name != "" {
				dumpRecent(t, ctx2, pool)
				t.Fatalf("oracle %s failed. First row: %s", name, row)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		dumpRecent(t, context.Background(), pool)
		t.Fatalf("actors errored: %v", err)
	}
	t.Logf("stress done: %s", stats)

	// quiescent: the ledger and the external book must agree exactly
	pool.Reset()
	final := context.Background()
	if name, row, err := db.RunOracles(final, pool); err != nil || name != "" {
		t.Fatalf("final oracle %s: %s %v", name, row, err)
	}
	if err := oracles.Conservation(final, pool, book, eng.Vault(), asset); err != nil {
		t.Fatal(err)
	}
	if err := oracles.Supply(book, asset, minted*int64(len(seeds)), accounts...); err != nil {
		t.Fatal(err)
	}
	mismatches, err := eng.VerifyIndex(final)
	if err != nil {
		t.Fatalf("verify index: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("index mismatches: %v", mismatches)
	}
}

// mustSeed funds payer i, gives it three targets with a payroll each and
// three time-based agreements per target.
func mustSeed(t *testing.T, ctx context.Context, eng *disbursement.Engine, book *transfer.Book, i int) payerSeed {
	t.Helper()
	s := payerSeed{payer: fmt.Sprintf("payer-%d", i), timeBase: map[string][]string{}}
	book.Fund(s.payer, asset, minted)
	if _, err := eng.Deposit(ctx, s.payer, s.payer, asset, minted/2); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}
	for j := 0; j < 3; j++ {
		target := fmt.Sprintf("target-%d-%d", i, j)
		s.targets = append(s.targets, target)
		if _, err := eng.CreateOrUpdatePayroll(ctx, s.payer, disbursement.PayrollRequest{
			Payer: s.payer, Target: target, Asset: asset, Amount: int64(10 + j), Interval: period,
		}); err != nil {
			t.Fatalf("seed payroll: %v", err)
		}
		for k := 0; k < 3; k++ {
			a, err := eng.CreateTimeBased(ctx, s.payer, disbursement.TimeBasedRequest{
				Payer: s.payer, Target: target, Asset: asset,
				AmountPerPeriod: int64(100 * (k + 1)), Period: period, TotalPeriods: uint32(24 * (k + 1)),
			})
			if err != nil {
				t.Fatalf("seed time-based: %v", err)
			}
			if _, err := eng.FundAgreement(ctx, s.payer, a.ID, a.TotalAmount); err != nil {
				t.Fatalf("seed fund: %v", err)
			}
			if _, err := eng.Activate(ctx, s.payer, a.ID); err != nil {
				t.Fatalf("seed activate: %v", err)
			}
			s.timeBase[target] = append(s.timeBase[target], a.ID)
		}
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"timeline_events", `SELECT seq, agreement_id, type, ts FROM timeline_events ORDER BY seq DESC LIMIT 50`},
		{"balances", `SELECT owner, asset, amount FROM balances ORDER BY owner`},
		{"escrows", `SELECT agreement_id, amount FROM escrows ORDER BY agreement_id`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
