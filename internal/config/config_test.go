package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
broker:
  base_url: https://paper-api.alpaca.markets
watchlist:
  symbols: [AAPL, MSFT]
  universe: [AAPL, MSFT, NVDA]
strategy:
  long_only: false
store:
  db_path: data/test.db
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Strategy.EMAShort != 9 || cfg.Strategy.EMALong != 21 {
		t.Errorf("ema defaults = %d/%d, want 9/21", cfg.Strategy.EMAShort, cfg.Strategy.EMALong)
	}
	if cfg.Risk.MaxPositions != 5 || cfg.Risk.BaseRiskPct != 0.005 {
		t.Errorf("risk defaults = %d / %v", cfg.Risk.MaxPositions, cfg.Risk.BaseRiskPct)
	}
	if cfg.Risk.SymbolCooldown != 2*time.Hour {
		t.Errorf("cooldown default = %v, want 2h", cfg.Risk.SymbolCooldown)
	}
	if cfg.Manager.EntryCutoff != "15:30" || cfg.Manager.EODExit != "15:58" {
		t.Errorf("session defaults = %s / %s", cfg.Manager.EntryCutoff, cfg.Manager.EODExit)
	}
	if !cfg.Executor.BracketOrders || cfg.Executor.FillTimeout != 60*time.Second {
		t.Errorf("executor defaults = %+v", cfg.Executor)
	}
	// The file can override a default.
	if cfg.Strategy.LongOnly {
		t.Error("file override of long_only ignored")
	}
	if len(cfg.Watchlist.Universe) != 3 {
		t.Errorf("universe = %v", cfg.Watchlist.Universe)
	}
}

func TestLoadCredentialsFromEnvOnly(t *testing.T) {
	t.Setenv("APCA_API_KEY_ID", "test-key")
	t.Setenv("APCA_API_SECRET_KEY", "test-secret")
	t.Setenv("APCA_API_BASE_URL", "https://api.example.test")
	t.Setenv("BOT_DB_PATH", "/tmp/override.db")

	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker.APIKey != "test-key" || cfg.Broker.APISecret != "test-secret" {
		t.Errorf("credentials not read from env: %+v", cfg.Broker)
	}
	if cfg.Broker.BaseURL != "https://api.example.test" {
		t.Errorf("base url = %s", cfg.Broker.BaseURL)
	}
	if cfg.Store.DBPath != "/tmp/override.db" {
		t.Errorf("db path = %s, want the BOT_DB_PATH override", cfg.Store.DBPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Broker.APIKey = "k"
	cfg.Broker.APISecret = "s"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing credentials", func(c *Config) { c.Broker.APIKey = "" }, "credentials"},
		{"ema windows inverted", func(c *Config) { c.Strategy.EMALong = 9 }, "ema_long"},
		{"stop floor too tight", func(c *Config) { c.Strategy.MinStopPct = 0.01 }, "min_stop_pct"},
		{"stop multiple too tight", func(c *Config) { c.Strategy.StopATRMult = 2.0 }, "stop_atr_mult"},
		{"target multiple too tight", func(c *Config) { c.Strategy.TPATRMult = 4.0 }, "tp_atr_mult"},
		{"diff bounds inverted", func(c *Config) { c.Strategy.MaxDiffPct = 0.01 }, "diff bounds"},
		{"weights off", func(c *Config) { c.Strategy.ConfidenceWeights.Technical = 0.9 }, "confidence_weights"},
		{"zero positions", func(c *Config) { c.Risk.MaxPositions = 0 }, "max_positions"},
		{"oversized position pct", func(c *Config) { c.Risk.MaxPositionPct = 1.5 }, "max_position_pct"},
		{"reckless base risk", func(c *Config) { c.Risk.BaseRiskPct = 0.10 }, "base_risk_pct"},
		{"no daily loss cap", func(c *Config) { c.Risk.DailyLossCapPct = 0 }, "daily_loss_cap"},
		{"bad entry cutoff", func(c *Config) { c.Manager.EntryCutoff = "half past three" }, "entry_cutoff"},
		{"bad eod exit", func(c *Config) { c.Manager.EODExit = "25:00" }, "eod_exit"},
		{"zero fill timeout", func(c *Config) { c.Executor.FillTimeout = 0 }, "fill_timeout"},
		{"no db path", func(c *Config) { c.Store.DBPath = "" }, "db_path"},
		{"zero workers", func(c *Config) { c.Store.Workers = 0 }, "workers"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("valid config rejected: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseEasternClock(t *testing.T) {
	t.Parallel()
	ct, err := ParseEasternClock("15:30")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ct.Hour != 15 || ct.Minute != 30 {
		t.Errorf("parsed = %+v", ct)
	}

	for _, bad := range []string{"", "nope", "24:00", "12:60", "-1:30"} {
		if _, err := ParseEasternClock(bad); err == nil {
			t.Errorf("ParseEasternClock(%q) accepted", bad)
		}
	}
}

func TestClockTimeAfter(t *testing.T) {
	t.Parallel()
	cutoff := ClockTime{Hour: 15, Minute: 30}

	before := time.Date(2026, 3, 10, 15, 29, 59, 0, Eastern)
	exact := time.Date(2026, 3, 10, 15, 30, 0, 0, Eastern)
	after := time.Date(2026, 3, 10, 15, 30, 1, 0, Eastern)

	if cutoff.After(before) {
		t.Error("one second before the cutoff read as past")
	}
	if !cutoff.After(exact) {
		t.Error("the boundary itself must count as past")
	}
	if !cutoff.After(after) {
		t.Error("one second past the cutoff read as before")
	}

	// A UTC instant is judged by its Eastern wall clock.
	utc := time.Date(2026, 3, 10, 19, 31, 0, 0, time.UTC) // 15:31 EDT
	if !cutoff.After(utc) {
		t.Error("UTC instant not converted to Eastern before comparison")
	}
}

func TestClockTimeOnAnchorsToEasternDate(t *testing.T) {
	t.Parallel()
	ct := ClockTime{Hour: 9, Minute: 30}

	// 01:00 UTC on the 11th is still the evening of the 10th in New York.
	utc := time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)
	got := ct.On(utc)
	if got.Day() != 10 || got.Hour() != 9 || got.Minute() != 30 {
		t.Errorf("anchored = %v, want 09:30 Eastern on the 10th", got)
	}
	if got.Location() != Eastern {
		t.Errorf("location = %v", got.Location())
	}
}
