// Package dbtest provisions a migrated Postgres schema for integration tests.
// It reuses DATABASE_URL when set and otherwise starts a Postgres 16
// container through testcontainers. Tests are skipped when neither works.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"ledgerflow/db"
)

// StartPostgres16 returns a DSN for a throwaway database and a terminate func.
func StartPostgres16(ctx context.Context) (string, func(context.Context) error, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn, func(context.Context) error { return nil }, nil
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("ledgertest"),
		postgres.WithUsername("ledger"),
		postgres.WithPassword("ledger"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("dbtest: start postgres: %w", err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return "", nil, fmt.Errorf("dbtest: connection string: %w", err)
	}
	return dsn, func(ctx context.Context) error { return pgC.Terminate(ctx) }, nil
}

// IsolatedPool creates a per-run schema on dsn, migrates it and returns a pool
// whose connections use that schema. The returned cleanup drops the schema.
func IsolatedPool(ctx context.Context, dsn string) (*pgxpool.Pool, func(context.Context) error, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("dbtest: parse pool config: %w", err)
	}

	schema := fmt.Sprintf("ledger_run_%d", time.Now().UnixNano())
	ident := pgx.Identifier{schema}.Sanitize()

	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("dbtest: connect for schema: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA %s", ident)); err != nil {
		conn.Close(ctx)
		return nil, nil, fmt.Errorf("dbtest: create schema %s: %w", schema, err)
	}
	conn.Close(ctx)

	setPath := fmt.Sprintf("SET search_path TO %s", ident)
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, setPath)
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("dbtest: connect pool: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	cleanup := func(ctx context.Context) error {
		pool.Close()
		dropConn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return err
		}
		defer dropConn.Close(ctx)
		_, err = dropConn.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", ident))
		return err
	}
	return pool, cleanup, nil
}

// Pool is the test helper: it provisions an isolated, migrated schema and
// registers cleanup on t. It skips the test when no database is reachable.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn, terminate, err := startSafely(ctx)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	pool, cleanup, err := IsolatedPool(ctx, dsn)
	if err != nil {
		_ = terminate(context.Background())
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		if err := cleanup(ctx); err != nil {
			t.Logf("drop schema: %v", err)
		}
		if err := terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})
	return pool
}

// startSafely turns a testcontainers panic (no docker daemon) into an error.
func startSafely(ctx context.Context) (dsn string, terminate func(context.Context) error, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dbtest: %v", r)
		}
	}()
	return StartPostgres16(ctx)
}
