// Package batch applies one disbursement operation to many agreements. Items
// run in input order, each in its own transaction; a failing item is
// recorded and the rest still run.
package batch

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ledgerflow/agreement"
	"ledgerflow/disbursement"
)

// Engine is the subset of the disbursement engine a batch drives.
type Engine interface {
	ClaimMilestone(ctx context.Context, caller, id string, milestoneID uint32) (disbursement.Payout, error)
	Disburse(ctx context.Context, caller, payer, target string) (disbursement.Payout, error)
	Claim(ctx context.Context, caller, id string) (disbursement.Payout, error)
}

// Item is the outcome of one entry of a batch.
type Item struct {
	ID     string              `json:"id"`
	Payout disbursement.Payout `json:"payout,omitempty"`
	Err    error               `json:"-"`
	Kind   string              `json:"error,omitempty"`
}

// Result aggregates a batch. Items follow input order.
type Result struct {
	TotalAmount int64  `json:"total_amount"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Items       []Item `json:"items"`
}

type Coordinator struct {
	engine Engine
	logger *zap.Logger
}

func NewCoordinator(engine Engine, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{engine: engine, logger: logger.Named("batch")}
}

// BatchClaimMilestones claims several milestones of one agreement.
func (c *Coordinator) BatchClaimMilestones(ctx context.Context, caller, id string, milestoneIDs []uint32) (Result, error) {
	keys := make([]string, len(milestoneIDs))
	for i, m := range milestoneIDs {
		keys[i] = fmt.Sprintf("%d", m)
	}
	return c.run(ctx, "claim milestones", keys, func(ctx context.Context, i int) (disbursement.Payout, error) {
		return c.engine.ClaimMilestone(ctx, caller, id, milestoneIDs[i])
	})
}

// BatchDisburse pays every due payroll from payer to the given targets.
func (c *Coordinator) BatchDisburse(ctx context.Context, caller, payer string, targets []string) (Result, error) {
	return c.run(ctx, "disburse", targets, func(ctx context.Context, i int) (disbursement.Payout, error) {
		return c.engine.Disburse(ctx, caller, payer, targets[i])
	})
}

// BatchClaimTimeBased claims the elapsed periods of several time-based
// agreements.
func (c *Coordinator) BatchClaimTimeBased(ctx context.Context, caller string, ids []string) (Result, error) {
	return c.run(ctx, "claim time-based", ids, func(ctx context.Context, i int) (disbursement.Payout, error) {
		return c.engine.Claim(ctx, caller, ids[i])
	})
}

func (c *Coordinator) run(ctx context.Context, op string, keys []string, apply func(ctx context.Context, i int) (disbursement.Payout, error)) (Result, error) {
	if len(keys) == 0 {
		return Result{}, fmt.Errorf("batch: %s: %w", op, agreement.ErrEmptyBatch)
	}

	res := Result{Items: make([]Item, 0, len(keys))}
	seen := make(map[string]struct{}, len(keys))
	for i, key := range keys {
		item := Item{ID: key}
		if _, dup := seen[key]; dup {
			item.Err = fmt.Errorf("batch: %s %s: %w", op, key, agreement.ErrDuplicateID)
		} else if err := ctx.Err(); err != nil {
			item.Err = err
		} else {
			seen[key] = struct{}{}
			item.Payout, item.Err = apply(ctx, i)
		}

		if item.Err == nil {
			total, err := agreement.AddAmount(res.TotalAmount, item.Payout.Amount)
			if err != nil {
				// The payout stands; only the running total cannot hold it.
				item.Err = fmt.Errorf("batch: %s %s total: %w", op, key, err)
				c.logger.Error("batch total overflow", zap.String("op", op), zap.String("id", key), zap.Int64("amount", item.Payout.Amount))
			} else {
				res.TotalAmount = total
				res.Succeeded++
			}
		}
		if item.Err != nil {
			item.Kind = agreement.KindOf(item.Err)
			res.Failed++
		}
		res.Items = append(res.Items, item)
	}

	c.logger.Info(op,
		zap.Int("items", len(keys)),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int64("total_amount", res.TotalAmount))
	return res, nil
}
