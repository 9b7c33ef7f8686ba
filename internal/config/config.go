// Package config loads ledgerd settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config is the full runtime configuration.
type Config struct {
	HTTP     HTTPConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Auth     AuthConfig
	Ledger   LedgerConfig
	Logging  LoggingConfig
}

type HTTPConfig struct {
	Addr            string        `env:"LEDGER_HTTP_ADDR,default=:8080"`
	ReadTimeout     time.Duration `env:"LEDGER_HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"LEDGER_HTTP_WRITE_TIMEOUT,default=15s"`
	ShutdownTimeout time.Duration `env:"LEDGER_SHUTDOWN_TIMEOUT,default=20s"`
	RateLimit       float64       `env:"LEDGER_RATE_LIMIT,default=20"`
	RateBurst       int           `env:"LEDGER_RATE_BURST,default=40"`
	CORSOrigins     string        `env:"LEDGER_CORS_ORIGINS"`
}

// DatabaseConfig selects the store. An empty DSN selects the in-memory
// store.
type DatabaseConfig struct {
	DSN             string        `env:"LEDGER_DATABASE_DSN"`
	MaxOpenConns    int           `env:"LEDGER_DB_MAX_OPEN_CONNS,default=20"`
	MaxIdleConns    int           `env:"LEDGER_DB_MAX_IDLE_CONNS,default=10"`
	ConnMaxLifetime time.Duration `env:"LEDGER_DB_CONN_MAX_LIFETIME,default=30m"`
	MigrateOnStart  bool          `env:"LEDGER_MIGRATE_ON_START,default=false"`
}

// CacheConfig enables the catalogue cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr     string        `env:"LEDGER_REDIS_ADDR"`
	RedisPassword string        `env:"LEDGER_REDIS_PASSWORD"`
	RedisDB       int           `env:"LEDGER_REDIS_DB,default=0"`
	TTL           time.Duration `env:"LEDGER_CACHE_TTL,default=30s"`
}

type AuthConfig struct {
	JWTSecret      string `env:"LEDGER_JWT_SECRET"`
	AdminAddresses string `env:"LEDGER_ADMIN_ADDRESSES"`
}

type LedgerConfig struct {
	TxAttempts        int    `env:"LEDGER_TX_ATTEMPTS,default=3"`
	StakeSweepSpec    string `env:"LEDGER_STAKE_SWEEP,default=@every 5m"`
	StakeSweepEnabled bool   `env:"LEDGER_STAKE_SWEEP_ENABLED,default=true"`
}

type LoggingConfig struct {
	Level  string `env:"LEDGER_LOG_LEVEL,default=info"`
	Format string `env:"LEDGER_LOG_FORMAT,default=json"`
}

// Load reads envFile when it exists and decodes the environment. Variables
// already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("LEDGER_JWT_SECRET is required"))
	}
	if c.Ledger.TxAttempts < 1 {
		errs = append(errs, errors.New("LEDGER_TX_ATTEMPTS must be at least 1"))
	}
	if c.HTTP.RateLimit <= 0 || c.HTTP.RateBurst <= 0 {
		errs = append(errs, errors.New("LEDGER_RATE_LIMIT and LEDGER_RATE_BURST must be positive"))
	}
	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("LEDGER_CACHE_TTL must be positive"))
	}
	return errors.Join(errs...)
}

// AdminAddresses returns the public addresses holding the credit capability.
func (c *Config) AdminAddresses() []string {
	return splitList(c.Auth.AdminAddresses)
}

// CORSOrigins returns the allowed CORS origins.
func (c *Config) CORSOrigins() []string {
	return splitList(c.HTTP.CORSOrigins)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
