package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ledgerflow/agreement"
	"ledgerflow/audit"
	"ledgerflow/auth"
	"ledgerflow/batch"
	"ledgerflow/config"
	"ledgerflow/db"
	"ledgerflow/disbursement"
	"ledgerflow/logging"
	"ledgerflow/scheduler"
	"ledgerflow/store"
	"ledgerflow/store/memory"
	pgstore "ledgerflow/store/postgres"
	"ledgerflow/transfer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("LEDGER_CONFIG"))
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		beginner store.Beginner
		repo     auth.Repository
		history  audit.History
		sinks    = audit.Multi{audit.NewLogSink(logger)}
	)
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return fmt.Errorf("bootstrap database pool: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return err
		}
		beginner = pgstore.New(pool)
		repo = auth.NewRepository(pool)
		sinks = append(sinks, audit.NewTimelineSink(pool))
		history = audit.NewTimelineReader(pool)
	default:
		beginner = memory.New()
		repo = auth.NewMemoryRepository()
		recorder := audit.NewRecorder()
		sinks = append(sinks, recorder)
		history = recorder
	}

	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
		}
		sinks = append(sinks, audit.NewStreamSink(rdb, cfg.Redis.Stream, cfg.Redis.MaxLen))
	}
	facts := audit.NewAsyncSink(sinks, cfg.Audit.Workers, cfg.Audit.QueueSize, logger)
	defer facts.Close()

	book := transfer.NewBook()
	authSvc := auth.NewService(repo, cfg.Auth.JWTSecret)
	engine := disbursement.NewEngine(beginner, auth.NewPartyPolicy(repo, logger), book,
		disbursement.WithLogger(logger),
		disbursement.WithSink(facts),
		disbursement.WithVault(cfg.Ledger.Vault),
	)
	if cfg.Ledger.Owner != "" {
		err := engine.Initialize(ctx, cfg.Ledger.Owner, cfg.Ledger.Owner)
		if err != nil && !errors.Is(err, agreement.ErrInvalidStatus) {
			return fmt.Errorf("initialize ledger: %w", err)
		}
	}
	coordinator := batch.NewCoordinator(engine, logger)

	if cfg.Payroll.Schedule != "" {
		runner := scheduler.NewPayrollRunner(engine, coordinator, cfg.Ledger.Owner, cfg.Payroll.Payers, logger)
		if err := runner.Start(ctx, cfg.Payroll.Schedule); err != nil {
			return err
		}
		defer runner.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewServer(engine, coordinator, authSvc, book, history, cfg.Assets, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
