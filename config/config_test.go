package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate runs the test from an empty directory so no stray .env is read.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "ledger-vault", cfg.Ledger.Vault)
	assert.Equal(t, 4, cfg.Audit.Workers)
	assert.Empty(t, cfg.Payroll.Schedule)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http_addr: ":9000"
store:
  driver: postgres
  database_url: postgres://file
auth:
  jwt_secret: from-file
ledger:
  owner: treasury
payroll:
  schedule: "@every 1h"
  payers: [acme]
assets:
  usdc: 6
`), 0o600))

	t.Setenv("DATABASE_URL", "postgres://env")
	t.Setenv("LEDGER_PAYROLL_PAYERS", "acme, globex")
	t.Setenv("LEDGER_ASSET_DECIMALS", "eurc:2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "postgres://env", cfg.Store.DatabaseURL)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	assert.Equal(t, []string{"acme", "globex"}, cfg.Payroll.Payers)
	assert.Equal(t, map[string]int32{"usdc": 6, "eurc": 2}, cfg.Assets)
}

func TestLoadDotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JWT_SECRET=dotenv\nLEDGER_OWNER=treasury\n"), 0o600))
	t.Setenv("LEDGER_OWNER", "from-env")
	// godotenv never overrides a variable that is present, even if empty.
	t.Setenv("JWT_SECRET", "")
	require.NoError(t, os.Unsetenv("JWT_SECRET"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dotenv", cfg.Auth.JWTSecret)
	assert.Equal(t, "from-env", cfg.Ledger.Owner)
}

func TestLoadValidation(t *testing.T) {
	isolate(t)
	t.Setenv("JWT_SECRET", "")

	_, err := Load("")
	assert.ErrorContains(t, err, "jwt secret")

	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("LEDGER_STORE", "postgres")
	_, err = Load("")
	assert.ErrorContains(t, err, "database_url")

	t.Setenv("LEDGER_STORE", "memory")
	t.Setenv("LEDGER_PAYROLL_SCHEDULE", "@hourly")
	_, err = Load("")
	assert.ErrorContains(t, err, "owner")

	t.Setenv("LEDGER_OWNER", "treasury")
	t.Setenv("LEDGER_ASSET_DECIMALS", "usdc")
	_, err = Load("")
	assert.ErrorContains(t, err, "asset:decimals")
}
