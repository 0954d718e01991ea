package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"FundLedger/internal/core"
	"FundLedger/internal/fund"
	"FundLedger/internal/ledger"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// PathEnv names the variable holding the optional YAML file path.
const PathEnv = "FUND_CONFIG"

// Config is the resolved runtime configuration.
// Resolution order: defaults -> YAML file -> FUND_* environment.
type Config struct {
	LogLevel string `yaml:"log_level" env:"FUND_LOG_LEVEL"`

	GRPCAddr     string `yaml:"grpc_addr" env:"FUND_GRPC_ADDR"`
	HTTPAddr     string `yaml:"http_addr" env:"FUND_HTTP_ADDR"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"FUND_OTLP_ENDPOINT"`
	JWTSecret    string `yaml:"jwt_secret" env:"FUND_JWT_SECRET"`
	NATSURL      string `yaml:"nats_url" env:"FUND_NATS_URL"`
	RedisURL     string `yaml:"redis_url" env:"FUND_REDIS_URL"`

	Database    DatabaseConfig    `yaml:"database" envPrefix:"FUND_DB_"`
	Fund        FundConfig        `yaml:"fund" envPrefix:"FUND_"`
	Engine      EngineConfig      `yaml:"engine" envPrefix:"FUND_ENGINE_"`
	Persistence PersistenceConfig `yaml:"persistence" envPrefix:"FUND_PERSIST_"`
	Lease       LeaseConfig       `yaml:"lease" envPrefix:"FUND_LEASE_"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// FundConfig identifies the hosted fund.
type FundConfig struct {
	Address     string `yaml:"address" env:"ADDRESS"`
	Owner       string `yaml:"owner" env:"OWNER"`
	Manager     string `yaml:"manager" env:"MANAGER"`
	BaseAsset   string `yaml:"base_asset" env:"BASE_ASSET"`
	ShareSymbol string `yaml:"share_symbol" env:"SHARE_SYMBOL"`
	// Currency is the ISO code amounts are displayed in.
	Currency string `yaml:"currency" env:"CURRENCY"`
	// Decimals is the base asset's unit scale for display.
	Decimals int32     `yaml:"decimals" env:"DECIMALS"`
	Start    time.Time `yaml:"start" env:"START"`
}

type EngineConfig struct {
	IdempotencyCapacity int `yaml:"idempotency_capacity" env:"IDEMPOTENCY_CAPACITY"`
	PersistBuffer       int `yaml:"persist_buffer" env:"PERSIST_BUFFER"`
	PublishBuffer       int `yaml:"publish_buffer" env:"PUBLISH_BUFFER"`
	IngestBuffer        int `yaml:"ingest_buffer" env:"INGEST_BUFFER"`
}

type PersistenceConfig struct {
	BatchSize        int           `yaml:"batch_size" env:"BATCH_SIZE"`
	FlushInterval    time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
}

type LeaseConfig struct {
	Key   string        `yaml:"key" env:"KEY"`
	TTL   time.Duration `yaml:"ttl" env:"TTL"`
	Renew time.Duration `yaml:"renew" env:"RENEW"`
}

// Default returns a configuration that runs locally against SQLite.
func Default() Config {
	return Config{
		LogLevel: "info",
		GRPCAddr: ":9090",
		HTTPAddr: ":8080",
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "fundledger.db",
		},
		Fund: FundConfig{
			Address:     "fund",
			Owner:       "owner",
			Manager:     "manager",
			BaseAsset:   "USDC",
			ShareSymbol: "fUSDC",
			Currency:    "USD",
			Decimals:    6,
			Start:       time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		Engine: EngineConfig{
			IdempotencyCapacity: 100_000,
			PersistBuffer:       4096,
			PublishBuffer:       4096,
			IngestBuffer:        1024,
		},
		Persistence: PersistenceConfig{
			BatchSize:        256,
			FlushInterval:    50 * time.Millisecond,
			SnapshotInterval: 5 * time.Minute,
		},
		Lease: LeaseConfig{
			Key:   "fundledger:writer",
			TTL:   10 * time.Second,
			Renew: 3 * time.Second,
		},
	}
}

// Load resolves configuration from path (optional) and the environment.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv loads the file named by FUND_CONFIG, if any.
func LoadFromEnv() (Config, error) {
	return Load(os.Getenv(PathEnv))
}

func (c Config) Validate() error {
	var errs []error
	if c.Database.Driver == "" || c.Database.DSN == "" {
		errs = append(errs, errors.New("database driver and dsn are required"))
	}
	if c.Fund.Address == "" || c.Fund.Owner == "" || c.Fund.Manager == "" {
		errs = append(errs, errors.New("fund address, owner and manager are required"))
	}
	if c.Fund.BaseAsset == "" || c.Fund.ShareSymbol == "" {
		errs = append(errs, errors.New("base asset and share symbol are required"))
	}
	if c.Fund.Start.IsZero() {
		errs = append(errs, errors.New("fund start is required"))
	}
	if c.Fund.Decimals < 0 || c.Fund.Decimals > 36 {
		errs = append(errs, fmt.Errorf("decimals %d out of range", c.Fund.Decimals))
	}
	if c.Persistence.BatchSize <= 0 || c.Persistence.FlushInterval <= 0 {
		errs = append(errs, errors.New("persistence batch size and flush interval must be positive"))
	}
	if c.Lease.TTL <= c.Lease.Renew {
		errs = append(errs, fmt.Errorf("lease ttl %s must exceed renew interval %s", c.Lease.TTL, c.Lease.Renew))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// EngineConfig maps the fund section onto the engine's configuration.
func (c Config) EngineConfig() core.Config {
	return core.Config{
		Fund: fund.Config{
			Address:     ledger.Address(c.Fund.Address),
			Owner:       ledger.Address(c.Fund.Owner),
			Manager:     ledger.Address(c.Fund.Manager),
			ShareSymbol: c.Fund.ShareSymbol,
			Start:       c.Fund.Start,
		},
		BaseAsset:           c.Fund.BaseAsset,
		IdempotencyCapacity: c.Engine.IdempotencyCapacity,
	}
}
