// Package config loads service settings from an optional YAML file, an
// optional .env file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPAddr string        `yaml:"http_addr"`
	Store    StoreConfig   `yaml:"store"`
	Redis    RedisConfig   `yaml:"redis"`
	Auth     AuthConfig    `yaml:"auth"`
	Ledger   LedgerConfig  `yaml:"ledger"`
	Payroll  PayrollConfig `yaml:"payroll"`
	Audit    AuditConfig   `yaml:"audit"`
	Log      LogConfig     `yaml:"log"`
	// Assets maps an asset code to its number of decimals for display.
	Assets map[string]int32 `yaml:"assets"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver"`
	DatabaseURL string `yaml:"database_url"`
}

// RedisConfig enables the audit stream when Addr is set.
type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type LedgerConfig struct {
	Owner string `yaml:"owner"`
	Vault string `yaml:"vault"`
}

// PayrollConfig drives the scheduled disbursement run. An empty Schedule
// disables it.
type PayrollConfig struct {
	Schedule string   `yaml:"schedule"`
	Payers   []string `yaml:"payers"`
}

type AuditConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

func defaults() Config {
	return Config{
		HTTPAddr: ":8080",
		Store:    StoreConfig{Driver: DriverMemory},
		Redis:    RedisConfig{Stream: "ledger:facts", MaxLen: 10000},
		Ledger:   LedgerConfig{Vault: "ledger-vault"},
		Audit:    AuditConfig{Workers: 4, QueueSize: 1024},
		Log:      LogConfig{Level: "info", Encoding: "json"},
		Assets:   map[string]int32{},
	}
}

// Load builds the configuration. A missing YAML file or .env file is not an
// error; an unreadable or malformed one is.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func env(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = env("LEDGER_HTTP_ADDR", c.HTTPAddr)
	c.Store.Driver = env("LEDGER_STORE", c.Store.Driver)
	c.Store.DatabaseURL = env("DATABASE_URL", c.Store.DatabaseURL)
	c.Redis.Addr = env("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Stream = env("LEDGER_AUDIT_STREAM", c.Redis.Stream)
	c.Auth.JWTSecret = env("JWT_SECRET", c.Auth.JWTSecret)
	c.Ledger.Owner = env("LEDGER_OWNER", c.Ledger.Owner)
	c.Ledger.Vault = env("LEDGER_VAULT", c.Ledger.Vault)
	c.Payroll.Schedule = env("LEDGER_PAYROLL_SCHEDULE", c.Payroll.Schedule)
	if v := os.Getenv("LEDGER_PAYROLL_PAYERS"); v != "" {
		c.Payroll.Payers = splitList(v)
	}
	c.Audit.Workers = envInt("LEDGER_AUDIT_WORKERS", c.Audit.Workers)
	c.Audit.QueueSize = envInt("LEDGER_AUDIT_QUEUE", c.Audit.QueueSize)
	c.Log.Level = env("LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = env("LOG_ENCODING", c.Log.Encoding)

	if v := os.Getenv("LEDGER_ASSET_DECIMALS"); v != "" {
		for _, pair := range splitList(v) {
			code, digits, ok := strings.Cut(pair, ":")
			if !ok {
				return fmt.Errorf("config: LEDGER_ASSET_DECIMALS entry %q is not asset:decimals", pair)
			}
			n, err := strconv.ParseInt(strings.TrimSpace(digits), 10, 32)
			if err != nil {
				return fmt.Errorf("config: decimals for %s: %w", code, err)
			}
			if c.Assets == nil {
				c.Assets = map[string]int32{}
			}
			c.Assets[strings.TrimSpace(code)] = int32(n)
		}
	}
	return nil
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("database_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("jwt secret is required")
	}
	if c.Payroll.Schedule != "" && c.Ledger.Owner == "" {
		return errors.New("a payroll schedule needs the ledger owner")
	}
	for code, d := range c.Assets {
		if d < 0 || d > 18 {
			return fmt.Errorf("asset %s: decimals %d out of range", code, d)
		}
	}
	return nil
}
