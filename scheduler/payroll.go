// Package scheduler triggers recurring payroll disbursement on a cron spec.
// Time never advances ledger state on its own: every tick is an ordinary
// batch call made as a configured caller.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"ledgerflow/batch"
)

// Directory lists the targets a payer has agreements with.
type Directory interface {
	TargetsByPayer(ctx context.Context, payer string) ([]string, error)
}

// Disburser runs a payroll batch.
type Disburser interface {
	BatchDisburse(ctx context.Context, caller, payer string, targets []string) (batch.Result, error)
}

const defaultRunTimeout = 25 * time.Second

type PayrollRunner struct {
	dir     Directory
	batches Disburser
	caller  string
	payers  []string
	logger  *zap.Logger
	timeout time.Duration
	cron    *cron.Cron
}

func NewPayrollRunner(dir Directory, batches Disburser, caller string, payers []string, logger *zap.Logger) *PayrollRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PayrollRunner{
		dir:     dir,
		batches: batches,
		caller:  caller,
		payers:  payers,
		logger:  logger.Named("scheduler"),
		timeout: defaultRunTimeout,
	}
}

// RunOnce disburses every due payroll of the configured payers. Targets that
// are not due show up as failed items and are picked up on a later run;
// targets the payer only has escrowed agreements with fail as not found.
func (r *PayrollRunner) RunOnce(ctx context.Context) (map[string]batch.Result, error) {
	results := make(map[string]batch.Result, len(r.payers))
	var errs []error
	for _, payer := range r.payers {
		targets, err := r.dir.TargetsByPayer(ctx, payer)
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduler: targets of %s: %w", payer, err))
			continue
		}
		if len(targets) == 0 {
			continue
		}
		res, err := r.batches.BatchDisburse(ctx, r.caller, payer, targets)
		if err != nil {
			errs = append(errs, fmt.Errorf("scheduler: disburse %s: %w", payer, err))
			continue
		}
		results[payer] = res
		r.logger.Info("payroll run",
			zap.String("payer", payer),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("skipped", res.Failed),
			zap.Int64("total_amount", res.TotalAmount))
	}
	return results, errors.Join(errs...)
}

// Start schedules RunOnce on spec. Standard five-field specs, an optional
// leading seconds field and descriptors such as "@every 1h" are accepted.
func (r *PayrollRunner) Start(ctx context.Context, spec string) error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{r.logger}), cron.SkipIfStillRunning(cronLogger{r.logger})))
	_, err := c.AddFunc(spec, func() {
		rctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		if _, err := r.RunOnce(rctx); err != nil {
			r.logger.Warn("payroll run error", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("scheduler: spec %q: %w", spec, err)
	}
	r.cron = c
	c.Start()
	r.logger.Info("payroll cron started", zap.String("spec", spec), zap.Strings("payers", r.payers))
	return nil
}

// Stop waits for a running tick to finish.
func (r *PayrollRunner) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
