package disbursement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"ledgerflow/agreement"
	"ledgerflow/audit"
	"ledgerflow/store"
	"ledgerflow/store/memory"
	"ledgerflow/transfer"
)

const (
	owner  = "owner"
	payer  = "payer"
	target = "target"
	usdc   = "usdc"
	day    = 24 * time.Hour
)

var start = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// partyAuth lets a caller act only as itself.
type partyAuth struct{}

func (partyAuth) Allowed(_ context.Context, caller string, _ agreement.Role, party string) bool {
	return caller == party
}

// flakyMover fails the next transfer once armed.
type flakyMover struct {
	book   *transfer.Book
	armed  atomic.Bool
	onFail func()
}

func (m *flakyMover) MoveValue(ctx context.Context, asset, from, to string, amount int64) error {
	if m.armed.CompareAndSwap(true, false) {
		if m.onFail != nil {
			m.onFail()
		}
		return errors.New("transfer rpc unavailable")
	}
	return m.book.MoveValue(ctx, asset, from, to, amount)
}

// gatedStore refuses new transactions while broken.
type gatedStore struct {
	inner  store.Beginner
	broken atomic.Bool
}

func (g *gatedStore) Begin(ctx context.Context) (store.Tx, error) {
	if g.broken.Load() {
		return nil, errors.New("store offline")
	}
	return g.inner.Begin(ctx)
}

type recordingSink struct {
	mu    sync.Mutex
	facts []audit.Fact
}

func (s *recordingSink) Record(_ context.Context, f audit.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, f)
	return nil
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f.Type)
	}
	return out
}

type harness struct {
	ctx    context.Context
	engine *Engine
	store  *gatedStore
	book   *transfer.Book
	mover  *flakyMover
	clock  *testClock
	sink   *recordingSink
	logs   *observer.ObservedLogs
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ctx:   context.Background(),
		store: &gatedStore{inner: memory.New()},
		book:  transfer.NewBook(),
		clock: &testClock{now: start},
		sink:  &recordingSink{},
	}
	h.mover = &flakyMover{book: h.book}
	h.book.Fund(payer, usdc, 1_000_000)

	core, logs := observer.New(zapcore.WarnLevel)
	h.logs = logs
	logger := zap.New(zapcore.NewTee(zaptest.NewLogger(t).Core(), core))

	var seq atomic.Int64
	h.engine = NewEngine(h.store, partyAuth{}, h.mover,
		WithClock(h.clock.Now),
		WithSink(h.sink),
		WithLogger(logger),
		WithIDGenerator(func() string { return fmt.Sprintf("tb-%d", seq.Add(1)) }),
	)
	require.NoError(t, h.engine.Initialize(h.ctx, owner, owner))
	return h
}

func (h *harness) deposit(t *testing.T, amount int64) {
	t.Helper()
	_, err := h.engine.Deposit(h.ctx, payer, payer, usdc, amount)
	require.NoError(t, err)
}

// fundedTimeBased creates, funds and activates a 1000 x 1 day x 10 agreement.
func (h *harness) fundedTimeBased(t *testing.T) string {
	t.Helper()
	h.deposit(t, 20_000)
	a, err := h.engine.CreateTimeBased(h.ctx, payer, TimeBasedRequest{
		Payer:           payer,
		Target:          target,
		Asset:           usdc,
		AmountPerPeriod: 1000,
		Period:          86400 * time.Second,
		TotalPeriods:    10,
	})
	require.NoError(t, err)
	_, err = h.engine.FundAgreement(h.ctx, payer, a.ID, 10_000)
	require.NoError(t, err)
	_, err = h.engine.Activate(h.ctx, payer, a.ID)
	require.NoError(t, err)
	return a.ID
}
