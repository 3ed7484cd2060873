// Package actors drives the disbursement engine from concurrent goroutines.
// Each actor loops until stop is closed and returns an error only for
// outcomes the ledger must never produce.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"ledgerflow/agreement"
	"ledgerflow/batch"
	"ledgerflow/disbursement"
)

// Stats counts outcomes across all actors.
type Stats struct {
	Paid      atomic.Int64
	Rejected  atomic.Int64
	Transient atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("paid=%d rejected=%d transient=%d", s.Paid.Load(), s.Rejected.Load(), s.Transient.Load())
}

// fatal kinds can only come from a broken ledger, never from contention.
var fatal = []error{
	agreement.ErrLedgerDivergence,
	agreement.ErrUnauthorized,
	agreement.ErrInsufficientEscrowBalance,
	agreement.ErrInvalidData,
}

// check classifies err. Sentinel rejections are expected under contention;
// untyped errors are dropped connections.
func (s *Stats) check(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, f := range fatal {
		if errors.Is(err, f) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if agreement.KindOf(err) == "Internal" {
		s.Transient.Add(1)
		return nil
	}
	s.Rejected.Add(1)
	return nil
}

func done(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

func pause(base, spread int) {
	time.Sleep(time.Duration(base+rand.Intn(spread)) * time.Millisecond)
}

// Claimer claims a random time-based agreement of target over and over.
func Claimer(ctx context.Context, eng *disbursement.Engine, stats *Stats, target string, ids []string, stop <-chan struct{}) error {
	for {
		if ok, err := done(ctx, stop); ok {
			return err
		}
		p, err := eng.Claim(ctx, target, ids[rand.Intn(len(ids))])
		if err == nil {
			stats.Paid.Add(p.Amount)
		}
		if err := stats.check("claim", err); err != nil {
			return err
		}
		pause(5, 20)
	}
}

// BatchClaimer claims every agreement of target in one batch.
func BatchClaimer(ctx context.Context, co *batch.Coordinator, stats *Stats, target string, ids []string, stop <-chan struct{}) error {
	for {
		if ok, err := done(ctx, stop); ok {
			return err
		}
		res, err := co.BatchClaimTimeBased(ctx, target, ids)
		if err := stats.check("batch claim", err); err != nil {
			return err
		}
		stats.Paid.Add(res.TotalAmount)
		for _, item := range res.Items {
			if err := stats.check("batch claim "+item.ID, item.Err); err != nil {
				return err
			}
		}
		pause(20, 30)
	}
}

// Disburser runs the payer's payroll batch the way the scheduler does.
func Disburser(ctx context.Context, co *batch.Coordinator, stats *Stats, payer string, targets []string, stop <-chan struct{}) error {
	for {
		if ok, err := done(ctx, stop); ok {
			return err
		}
		res, err := co.BatchDisburse(ctx, payer, payer, targets)
		if err := stats.check("batch disburse", err); err != nil {
			return err
		}
		stats.Paid.Add(res.TotalAmount)
		for _, item := range res.Items {
			if err := stats.check("disburse "+item.ID, item.Err); err != nil {
				return err
			}
		}
		pause(10, 30)
	}
}

// Treasurer moves small amounts in and out of the payer's balance pool so
// payroll sometimes runs short.
func Treasurer(ctx context.Context, eng *disbursement.Engine, stats *Stats, payer, asset string, stop <-chan struct{}) error {
	for {
		if ok, err := done(ctx, stop); ok {
			return err
		}
		amount := int64(1 + rand.Intn(50))
		var err error
		if rand.Intn(2) == 0 {
			_, err = eng.Deposit(ctx, payer, payer, asset, amount)
		} else {
			_, err = eng.Withdraw(ctx, payer, payer, asset, amount)
		}
		if err := stats.check("treasury", err); err != nil {
			return err
		}
		pause(10, 20)
	}
}

// Toggler pauses and resumes an agreement while it is being claimed.
func Toggler(ctx context.Context, eng *disbursement.Engine, stats *Stats, payer, id string, stop <-chan struct{}) error {
	for {
		if ok, err := done(ctx, stop); ok {
			return err
		}
		_, err := eng.Pause(ctx, payer, id)
		if err := stats.check("pause", err); err != nil {
			return err
		}
		pause(10, 30)
		_, err = eng.Resume(ctx, payer, id)
		if err := stats.check("resume", err); err != nil {
			return err
		}
		pause(20, 40)
	}
}

// Canceller cancels id after a while, then keeps trying to finalize it
// until the grace period has run out.
func Canceller(ctx context.Context, eng *disbursement.Engine, stats *Stats, payer, id string, stop <-chan struct{}) error {
	pause(200, 400)
	cancelled := false
	for {
		if ok, err := done(ctx, stop); ok {
			return err
		}
		if !cancelled {
			_, err := eng.Cancel(ctx, payer, id)
			cancelled = err == nil
			if err := stats.check("cancel", err); err != nil {
				return err
			}
		} else {
			_, err := eng.FinalizeGracePeriod(ctx, payer, id)
			if err == nil {
				return nil
			}
			if err := stats.check("finalize", err); err != nil {
				return err
			}
		}
		pause(20, 30)
	}
}
