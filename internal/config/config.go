// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// credentials supplied only via environment variables (APCA_* for the
// broker, BOT_DB_PATH for the database).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Watchlist WatchlistConfig `mapstructure:"watchlist"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Store     StoreConfig     `mapstructure:"store"`
	Sentiment SentimentConfig `mapstructure:"sentiment"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	API       APIConfig       `mapstructure:"api"`
}

// BrokerConfig holds Alpaca credentials and endpoint. The endpoint selects
// live vs paper; the engine itself is agnostic.
type BrokerConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	BaseURL   string `mapstructure:"base_url"`
}

// WatchlistConfig controls symbol discovery.
//
//   - Symbols: static watchlist used when UseDynamic is false, and as the
//     scanner fallback when a refresh fails before any scan succeeded.
//   - Universe: seed candidates for the dynamic scanner (stratified across
//     large/mid/small cap and sector in the shipped config).
//   - MaxSymbols: cap on the emitted watchlist length.
//   - RefreshInterval: minimum time between scanner refreshes.
type WatchlistConfig struct {
	Symbols         []string      `mapstructure:"symbols"`
	Universe        []string      `mapstructure:"universe"`
	UseDynamic      bool          `mapstructure:"use_dynamic"`
	MaxSymbols      int           `mapstructure:"max_symbols"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// StrategyConfig tunes the EMA-crossover entry strategy.
//
//   - EMAShort/EMALong: crossover periods (9/21).
//   - ADXMin: minimum trend strength to accept a crossover.
//   - MinDiffPct/MaxDiffPct: fresh-crossover bounds on the EMA spread, in
//     percent. Below MinDiffPct the cross is noise; above MaxDiffPct it is
//     extended and the move is likely spent.
//   - MinStopPct: protective stop floor as a fraction of entry (≥0.015).
//   - StopATRMult / TPATRMult: ATR multiples for stop and target.
//   - RRMin: reject entries whose initial reward:risk falls below this.
//   - LongOnly: suppress short signals.
//   - RequireDailyAlignment: demand daily EMA9 > EMA21 for longs (mirror
//     for shorts) on top of the intraday cross.
//   - ConfidenceWeights: composite score weights; bonuses/penalties are
//     bounded in code, only the blend is tunable.
type StrategyConfig struct {
	EMAShort              int     `mapstructure:"ema_short"`
	EMALong               int     `mapstructure:"ema_long"`
	ADXMin                float64 `mapstructure:"adx_min"`
	MinDiffPct            float64 `mapstructure:"min_diff_pct"`
	MaxDiffPct            float64 `mapstructure:"max_diff_pct"`
	MinStopPct            float64 `mapstructure:"min_stop_pct"`
	StopATRMult           float64 `mapstructure:"stop_atr_mult"`
	TPATRMult             float64 `mapstructure:"tp_atr_mult"`
	RRMin                 float64 `mapstructure:"rr_min"`
	LongOnly              bool    `mapstructure:"long_only"`
	RequireDailyAlignment bool    `mapstructure:"require_daily_alignment"`

	ConfidenceWeights ConfidenceWeights `mapstructure:"confidence_weights"`
}

// ConfidenceWeights blends the feature-score components. They should sum
// to roughly 1.0; Validate enforces a loose tolerance.
type ConfidenceWeights struct {
	Technical  float64 `mapstructure:"technical"`
	Momentum   float64 `mapstructure:"momentum"`
	Volume     float64 `mapstructure:"volume"`
	Volatility float64 `mapstructure:"volatility"`
	Regime     float64 `mapstructure:"regime"`
}

// RiskConfig sets the approval pipeline and sizing limits.
//
//   - MaxPositions: concurrent open position cap (one per symbol).
//   - MaxPositionPct: per-symbol notional cap as a fraction of equity.
//   - BaseRiskPct: dollar risk per trade as a fraction of equity, before
//     confidence/regime/sentiment multipliers.
//   - MinNotionalPct: reject entries below this fraction of equity.
//   - LongThreshold/ShortThreshold: baseline confidence thresholds; the
//     adaptive adjustment from regime+sentiment is bounded to ±25.
//   - SymbolCooldown: minimum time since the last exit in a symbol.
//   - ConsecutiveLossLimit: losses in a row before the cooldown doubles.
//   - DailyLossCapPct: realized daily loss (fraction of equity) that trips
//     the circuit breaker. New entries stop; open positions are still managed.
type RiskConfig struct {
	MaxPositions         int           `mapstructure:"max_positions"`
	MaxPositionPct       float64       `mapstructure:"max_position_pct"`
	BaseRiskPct          float64       `mapstructure:"base_risk_pct"`
	MinNotionalPct       float64       `mapstructure:"min_notional_pct"`
	LongThreshold        float64       `mapstructure:"long_threshold"`
	ShortThreshold       float64       `mapstructure:"short_threshold"`
	SymbolCooldown       time.Duration `mapstructure:"symbol_cooldown"`
	ConsecutiveLossLimit int           `mapstructure:"consecutive_loss_limit"`
	DailyLossCapPct      float64       `mapstructure:"daily_loss_cap_pct"`
	BuyingPowerBuffer    float64       `mapstructure:"buying_power_buffer"`
}

// ExecutorConfig tunes order submission and fill verification.
//
//   - BracketOrders: submit atomic bracket orders when true; otherwise the
//     executor places the entry, waits for the fill, then attaches both
//     protective legs (and fails closed if it cannot).
//   - FillTimeout: hard cap on waiting for an entry fill.
//   - MaxSlippagePct: cancel rather than chase beyond this.
//   - LimitBufferRegular/Extended: marketable-limit offsets by session.
type ExecutorConfig struct {
	BracketOrders       bool          `mapstructure:"bracket_orders"`
	FillTimeout         time.Duration `mapstructure:"fill_timeout"`
	MaxSlippagePct      float64       `mapstructure:"max_slippage_pct"`
	LimitBufferRegular  float64       `mapstructure:"limit_buffer_regular"`
	LimitBufferExtended float64       `mapstructure:"limit_buffer_extended"`
	MaxRetries          int           `mapstructure:"max_retries"`
}

// ManagerConfig tunes the position manager.
//
//   - ProtectionGrace: how long a position may lack a working stop before
//     the audit reconstructs it.
//   - TrailingEnabled / TrailingActivationR / TrailingDistanceR: R-multiple
//     trailing controls. MaxTrailingPositions caps trailing to the N most
//     profitable positions (0 = unlimited).
//   - TrailingDistancePct: percent trail; the effective distance is the
//     wider of this and TrailingDistanceR·R (ATR-scaled via initial risk).
//   - PartialProfits / PartialShadowMode: ladder exits at 2R/3R/4R; shadow
//     mode logs intended actions without acting.
//   - EntryCutoff / EODExit: US/Eastern times "HH:MM"; no entries after the
//     cutoff, everything flattened at exit when ForceEODExit is true.
//   - RemnantPct: positions below this fraction of equity are closed during
//     cleanup sweeps.
type ManagerConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	ProtectionGrace      time.Duration `mapstructure:"protection_grace"`
	TrailingEnabled      bool          `mapstructure:"trailing_enabled"`
	TrailingActivationR  float64       `mapstructure:"trailing_activation_r"`
	TrailingDistanceR    float64       `mapstructure:"trailing_distance_r"`
	TrailingDistancePct  float64       `mapstructure:"trailing_distance_pct"`
	MaxTrailingPositions int           `mapstructure:"max_trailing_positions"`
	PartialProfits       bool          `mapstructure:"partial_profits"`
	PartialShadowMode    bool          `mapstructure:"partial_shadow_mode"`
	EntryCutoff          string        `mapstructure:"entry_cutoff"`
	EODExit              string        `mapstructure:"eod_exit"`
	ForceEODExit         bool          `mapstructure:"force_eod_exit"`
	RemnantPct           float64       `mapstructure:"remnant_pct"`
}

// EngineConfig sets the signal loop cadence. The scan cadence lives on
// the watchlist config, the management cadence on the manager config.
type EngineConfig struct {
	SignalInterval time.Duration `mapstructure:"signal_interval"`
}

// StoreConfig sets where trades, features and predictions are persisted.
type StoreConfig struct {
	DBPath  string `mapstructure:"db_path"`
	Workers int    `mapstructure:"workers"`
}

// SentimentConfig points at the fear/greed endpoint. A failed fetch falls
// back to a neutral 50 rather than blocking regime classification.
type SentimentConfig struct {
	URL             string        `mapstructure:"url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// APIConfig controls the HTTP/WebSocket surface.
type APIConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Credentials use env vars: APCA_API_KEY_ID, APCA_API_SECRET_KEY,
// APCA_API_BASE_URL, BOT_DB_PATH.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Credentials only from env
	if key := os.Getenv("APCA_API_KEY_ID"); key != "" {
		cfg.Broker.APIKey = key
	}
	if secret := os.Getenv("APCA_API_SECRET_KEY"); secret != "" {
		cfg.Broker.APISecret = secret
	}
	if url := os.Getenv("APCA_API_BASE_URL"); url != "" {
		cfg.Broker.BaseURL = url
	}
	if p := os.Getenv("BOT_DB_PATH"); p != "" {
		cfg.Store.DBPath = p
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("watchlist.use_dynamic", true)
	v.SetDefault("watchlist.max_symbols", 20)
	v.SetDefault("watchlist.refresh_interval", 5*time.Minute)

	v.SetDefault("strategy.ema_short", 9)
	v.SetDefault("strategy.ema_long", 21)
	v.SetDefault("strategy.adx_min", 20.0)
	v.SetDefault("strategy.min_diff_pct", 0.05)
	v.SetDefault("strategy.max_diff_pct", 1.0)
	v.SetDefault("strategy.min_stop_pct", 0.015)
	v.SetDefault("strategy.stop_atr_mult", 2.5)
	v.SetDefault("strategy.tp_atr_mult", 5.0)
	v.SetDefault("strategy.rr_min", 2.0)
	v.SetDefault("strategy.long_only", true)
	v.SetDefault("strategy.confidence_weights.technical", 0.35)
	v.SetDefault("strategy.confidence_weights.momentum", 0.25)
	v.SetDefault("strategy.confidence_weights.volume", 0.20)
	v.SetDefault("strategy.confidence_weights.volatility", 0.10)
	v.SetDefault("strategy.confidence_weights.regime", 0.10)

	v.SetDefault("risk.max_positions", 5)
	v.SetDefault("risk.max_position_pct", 0.10)
	v.SetDefault("risk.base_risk_pct", 0.005)
	v.SetDefault("risk.min_notional_pct", 0.005)
	v.SetDefault("risk.long_threshold", 60.0)
	v.SetDefault("risk.short_threshold", 65.0)
	v.SetDefault("risk.symbol_cooldown", 2*time.Hour)
	v.SetDefault("risk.consecutive_loss_limit", 2)
	v.SetDefault("risk.daily_loss_cap_pct", 0.03)
	v.SetDefault("risk.buying_power_buffer", 0.20)

	v.SetDefault("executor.bracket_orders", true)
	v.SetDefault("executor.fill_timeout", 60*time.Second)
	v.SetDefault("executor.max_slippage_pct", 0.005)
	v.SetDefault("executor.limit_buffer_regular", 0.001)
	v.SetDefault("executor.limit_buffer_extended", 0.003)
	v.SetDefault("executor.max_retries", 3)

	v.SetDefault("manager.interval", 3*time.Second)
	v.SetDefault("manager.protection_grace", 30*time.Second)
	v.SetDefault("manager.trailing_enabled", true)
	v.SetDefault("manager.trailing_activation_r", 2.0)
	v.SetDefault("manager.trailing_distance_r", 0.5)
	v.SetDefault("manager.trailing_distance_pct", 0.01)
	v.SetDefault("manager.max_trailing_positions", 3)
	v.SetDefault("manager.partial_profits", true)
	v.SetDefault("manager.partial_shadow_mode", false)
	v.SetDefault("manager.entry_cutoff", "15:30")
	v.SetDefault("manager.eod_exit", "15:58")
	v.SetDefault("manager.force_eod_exit", true)
	v.SetDefault("manager.remnant_pct", 0.01)

	v.SetDefault("engine.signal_interval", 10*time.Second)

	v.SetDefault("store.db_path", "data/trading.db")
	v.SetDefault("store.workers", 4)

	v.SetDefault("sentiment.url", "https://api.alternative.me/fng/")
	v.SetDefault("sentiment.refresh_interval", 15*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.port", 8090)
}

// Validate checks all required fields and value ranges. Invalid
// configuration refuses to start.
func (c *Config) Validate() error {
	if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
		return fmt.Errorf("broker credentials are required (set APCA_API_KEY_ID and APCA_API_SECRET_KEY)")
	}
	if c.Strategy.EMAShort <= 0 || c.Strategy.EMALong <= c.Strategy.EMAShort {
		return fmt.Errorf("strategy.ema_long must be greater than strategy.ema_short")
	}
	if c.Strategy.MinStopPct < 0.015 {
		return fmt.Errorf("strategy.min_stop_pct must be >= 0.015, got %v", c.Strategy.MinStopPct)
	}
	if c.Strategy.StopATRMult < 2.5 {
		return fmt.Errorf("strategy.stop_atr_mult must be >= 2.5, got %v", c.Strategy.StopATRMult)
	}
	if c.Strategy.TPATRMult < 5.0 {
		return fmt.Errorf("strategy.tp_atr_mult must be >= 5.0, got %v", c.Strategy.TPATRMult)
	}
	if c.Strategy.MinDiffPct <= 0 || c.Strategy.MaxDiffPct <= c.Strategy.MinDiffPct {
		return fmt.Errorf("strategy ema diff bounds invalid: [%v, %v]", c.Strategy.MinDiffPct, c.Strategy.MaxDiffPct)
	}
	w := c.Strategy.ConfidenceWeights
	sum := w.Technical + w.Momentum + w.Volume + w.Volatility + w.Regime
	if sum < 0.95 || sum > 1.05 {
		return fmt.Errorf("strategy.confidence_weights must sum to ~1.0, got %v", sum)
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be > 0")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be in (0, 1]")
	}
	if c.Risk.BaseRiskPct <= 0 || c.Risk.BaseRiskPct > 0.05 {
		return fmt.Errorf("risk.base_risk_pct must be in (0, 0.05]")
	}
	if c.Risk.DailyLossCapPct <= 0 {
		return fmt.Errorf("risk.daily_loss_cap_pct must be > 0")
	}
	if _, err := ParseEasternClock(c.Manager.EntryCutoff); err != nil {
		return fmt.Errorf("manager.entry_cutoff: %w", err)
	}
	if _, err := ParseEasternClock(c.Manager.EODExit); err != nil {
		return fmt.Errorf("manager.eod_exit: %w", err)
	}
	if c.Executor.FillTimeout <= 0 {
		return fmt.Errorf("executor.fill_timeout must be > 0")
	}
	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path is required (or set BOT_DB_PATH)")
	}
	if c.Store.Workers <= 0 {
		return fmt.Errorf("store.workers must be > 0")
	}
	return nil
}

// ClockTime is a wall-clock time of day in US/Eastern, independent of date.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseEasternClock parses "HH:MM" into a ClockTime.
func ParseEasternClock(s string) (ClockTime, error) {
	var ct ClockTime
	if _, err := fmt.Sscanf(s, "%d:%d", &ct.Hour, &ct.Minute); err != nil {
		return ct, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	if ct.Hour < 0 || ct.Hour > 23 || ct.Minute < 0 || ct.Minute > 59 {
		return ct, fmt.Errorf("clock time %q out of range", s)
	}
	return ct, nil
}

// Eastern is the timezone all business logic uses, regardless of machine
// locale.
var Eastern = mustLoadEastern()

func mustLoadEastern() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		panic(fmt.Sprintf("load America/New_York: %v", err))
	}
	return loc
}

// On returns the ClockTime anchored to the date of t, in US/Eastern.
func (ct ClockTime) On(t time.Time) time.Time {
	et := t.In(Eastern)
	return time.Date(et.Year(), et.Month(), et.Day(), ct.Hour, ct.Minute, 0, 0, Eastern)
}

// After reports whether t (converted to Eastern) is at or past the clock
// time on the same day. Exactly at the boundary counts as past.
func (ct ClockTime) After(t time.Time) bool {
	return !t.In(Eastern).Before(ct.On(t))
}
