package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"FundLedger/internal/config"
	"FundLedger/internal/ledger"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fund.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("got driver %s, want sqlite", cfg.Database.Driver)
	}
	if cfg.Persistence.BatchSize != 256 {
		t.Errorf("got batch size %d, want 256", cfg.Persistence.BatchSize)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Errorf("missing file: %v", err)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
grpc_addr: ":7000"
database:
  driver: postgres
  dsn: postgres://file
fund:
  address: pool-1
  manager: mgr-file
  base_asset: DAI
  share_symbol: fDAI
  start: 2024-03-01T00:00:00Z
persistence:
  flush_interval: 250ms
`)
	t.Setenv("FUND_DB_DSN", "postgres://env")
	t.Setenv("FUND_MANAGER", "mgr-env")
	t.Setenv("FUND_PERSIST_BATCH_SIZE", "64")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.GRPCAddr != ":7000" {
		t.Errorf("got grpc addr %s, want :7000", cfg.GRPCAddr)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.DSN != "postgres://env" {
		t.Errorf("got database %+v", cfg.Database)
	}
	if cfg.Fund.Manager != "mgr-env" {
		t.Errorf("got manager %s, want mgr-env", cfg.Fund.Manager)
	}
	if cfg.Fund.Owner != "owner" {
		t.Errorf("got owner %s, want default", cfg.Fund.Owner)
	}
	if cfg.Persistence.FlushInterval != 250*time.Millisecond {
		t.Errorf("got flush interval %s, want 250ms", cfg.Persistence.FlushInterval)
	}
	if cfg.Persistence.BatchSize != 64 {
		t.Errorf("got batch size %d, want 64", cfg.Persistence.BatchSize)
	}

	ec := cfg.EngineConfig()
	if ec.Fund.Address != ledger.Address("pool-1") || ec.BaseAsset != "DAI" {
		t.Errorf("got engine config %+v", ec)
	}
	if !ec.Fund.Start.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("got start %v", ec.Fund.Start)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"bad yaml", "database: [", "parse config file"},
		{"no owner", "fund:\n  owner: \"\"\n", "owner"},
		{"lease", "lease:\n  ttl: 1s\n  renew: 2s\n", "lease ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(config.PathEnv, writeFile(t, "http_addr: \":9999\"\n"))
	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Errorf("got http addr %s, want :9999", cfg.HTTPAddr)
	}
}
