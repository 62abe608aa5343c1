// Package config defines all configuration for the trading agent.
// Config is loaded from an optional YAML file (default: config.yaml) with
// every runtime setting overridable via flat environment variables
// (ENV, SYMBOL, DRY_RUN, LOOP_TRIGGER, …). Secrets come from env only.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Env selects the venue endpoints.
const (
	EnvPaper = "paper" // futures testnet
	EnvLive  = "live"  // mainnet
)

// TriggerMode selects how the loop decides to run a cycle.
type TriggerMode string

const (
	TriggerTimer TriggerMode = "timer" // fixed interval
	TriggerKline TriggerMode = "kline" // closed 1m candle + cooldown
	TriggerEvent TriggerMode = "event" // volatility detector + cooldown
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure; env overrides use the flat names in envBindings.
type Config struct {
	Env    string `mapstructure:"env"`
	Symbol string `mapstructure:"symbol"`
	DryRun bool   `mapstructure:"dry_run"`

	Loop     LoopConfig     `mapstructure:"loop"`
	Detector DetectorConfig `mapstructure:"detector"`
	Streams  StreamConfig   `mapstructure:"streams"`
	Trade    TradeConfig    `mapstructure:"trade"`
	Advisor  AdvisorConfig  `mapstructure:"advisor"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Store    StoreConfig    `mapstructure:"store"`
	API      APIConfig      `mapstructure:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// LoopConfig paces the trigger engine.
type LoopConfig struct {
	Enable        bool        `mapstructure:"enable"`
	Trigger       TriggerMode `mapstructure:"trigger"`
	IntervalSec   int         `mapstructure:"interval_sec"`
	CooldownSec   int         `mapstructure:"cooldown_sec"`
	BackoffMaxSec int         `mapstructure:"backoff_max_sec"`
}

// Interval returns the timer period.
func (l LoopConfig) Interval() time.Duration { return time.Duration(l.IntervalSec) * time.Second }

// Cooldown returns the minimum gap between cycles in kline/event mode.
func (l LoopConfig) Cooldown() time.Duration { return time.Duration(l.CooldownSec) * time.Second }

// BackoffMax returns the error backoff ceiling.
func (l LoopConfig) BackoffMax() time.Duration {
	return time.Duration(l.BackoffMaxSec) * time.Second
}

// DetectorConfig tunes the volatility detector.
//
//   - MPWindowSec / MPDeltaPct: fire when the mark price moves MPDeltaPct%
//     against the oldest sample inside a MPWindowSec window.
//   - KlineRangePct: fire when a closed candle's (high-low)/close exceeds it.
//   - VolLookback / VolMult: fire when a closed candle's volume is VolMult×
//     the mean of the previous VolLookback candles.
//   - UseQuoteVolume: measure volume in quote units instead of base units.
type DetectorConfig struct {
	MPWindowSec    int     `mapstructure:"mp_window_sec"`
	MPDeltaPct     float64 `mapstructure:"mp_delta_pct"`
	KlineRangePct  float64 `mapstructure:"kline_range_pct"`
	VolLookback    int     `mapstructure:"vol_lookback"`
	VolMult        float64 `mapstructure:"vol_mult"`
	UseQuoteVolume bool    `mapstructure:"use_quote_volume"`
}

// StreamConfig selects which WebSocket streams run.
type StreamConfig struct {
	Enable      bool `mapstructure:"enable"`
	UserEnable  bool `mapstructure:"user_enable"`
	PriceEnable bool `mapstructure:"price_enable"`
}

// TradeConfig carries sizing fallbacks and venue-level constraints that the
// snapshot reports to the advisor.
type TradeConfig struct {
	QuoteValueUSDT    float64  `mapstructure:"quote_value_usdt"`
	Leverage          int      `mapstructure:"leverage"`
	CooldownMinutes   int      `mapstructure:"cooldown_minutes"`
	MaxOrders         int      `mapstructure:"max_orders"`
	ForbiddenSides    []string `mapstructure:"forbidden_sides"`
	ForbiddenTimesUTC []string `mapstructure:"forbidden_times_utc"`

	windows []TimeWindow
}

// Windows returns the parsed forbidden-time windows.
func (t TradeConfig) Windows() []TimeWindow { return t.windows }

// CompileWindows parses ForbiddenTimesUTC into the window set Windows
// serves. Load calls it; configs built by hand must call it themselves.
func (t *TradeConfig) CompileWindows() error {
	windows, err := ParseWindows(t.ForbiddenTimesUTC)
	if err != nil {
		return err
	}
	t.windows = windows
	return nil
}

// AdvisorConfig holds the reasoning-service settings. ConfThreshold is the
// confidence gate, clamped to [0,1] on load.
type AdvisorConfig struct {
	APIKey        string  `mapstructure:"api_key"`
	Model         string  `mapstructure:"model"`
	BaseURL       string  `mapstructure:"base_url"`
	ConfThreshold float64 `mapstructure:"conf_threshold"`
}

// ExchangeConfig holds venue credentials for both environments; the client
// picks the pair matching Env.
type ExchangeConfig struct {
	APIKey           string `mapstructure:"api_key"`
	APISecret        string `mapstructure:"api_secret"`
	TestnetAPIKey    string `mapstructure:"testnet_api_key"`
	TestnetAPISecret string `mapstructure:"testnet_api_secret"`
	RecvWindowMS     int    `mapstructure:"recv_window_ms"`
}

// StoreConfig sets where the status file and history files live.
type StoreConfig struct {
	RuntimeDir string `mapstructure:"runtime_dir"`
}

// APIConfig controls the read-only status HTTP server. Empty Listen
// disables it.
type APIConfig struct {
	Listen string `mapstructure:"listen"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps config keys onto the flat env names users set.
var envBindings = map[string]string{
	"env":                       "ENV",
	"symbol":                    "SYMBOL",
	"dry_run":                   "DRY_RUN",
	"loop.enable":               "LOOP_ENABLE",
	"loop.trigger":              "LOOP_TRIGGER",
	"loop.interval_sec":         "LOOP_INTERVAL_SEC",
	"loop.cooldown_sec":         "LOOP_COOLDOWN_SEC",
	"loop.backoff_max_sec":      "LOOP_BACKOFF_MAX_SEC",
	"detector.mp_window_sec":    "MP_WINDOW_SEC",
	"detector.mp_delta_pct":     "MP_DELTA_PCT",
	"detector.kline_range_pct":  "KLINE_RANGE_PCT",
	"detector.vol_lookback":     "VOL_LOOKBACK",
	"detector.vol_mult":         "VOL_MULT",
	"detector.use_quote_volume": "USE_QUOTE_VOLUME",
	"streams.enable":            "WS_ENABLE",
	"streams.user_enable":       "WS_USER_ENABLE",
	"streams.price_enable":      "WS_PRICE_ENABLE",
	"trade.quote_value_usdt":    "QUOTE_VALUE_USDT",
	"trade.leverage":            "LEVERAGE",
	"trade.forbidden_times_utc": "FORBIDDEN_TIMES_UTC",
	"advisor.conf_threshold":    "AI_CONF_THRESHOLD",
	"advisor.model":             "OPENAI_MODEL",
	"advisor.base_url":          "OPENAI_BASE_URL",
	"store.runtime_dir":         "RUNTIME_DIR",
	"api.listen":                "API_LISTEN",
	"logging.level":             "LOG_LEVEL",
}

// Load reads config from an optional YAML file with env var overrides.
// Secrets use env vars only: BINANCE_API_KEY, BINANCE_API_SECRET,
// BINANCE_TESTNET_API_KEY, BINANCE_TESTNET_SECRET_KEY, OPENAI_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("env", EnvPaper)
	v.SetDefault("symbol", "ETHUSDT")
	v.SetDefault("dry_run", false)
	v.SetDefault("loop.enable", true)
	v.SetDefault("loop.trigger", string(TriggerKline))
	v.SetDefault("loop.interval_sec", 60)
	v.SetDefault("loop.cooldown_sec", 8)
	v.SetDefault("loop.backoff_max_sec", 30)
	v.SetDefault("detector.mp_window_sec", 10)
	v.SetDefault("detector.mp_delta_pct", 0.35)
	v.SetDefault("detector.kline_range_pct", 0.6)
	v.SetDefault("detector.vol_lookback", 20)
	v.SetDefault("detector.vol_mult", 3.0)
	v.SetDefault("detector.use_quote_volume", true)
	v.SetDefault("streams.enable", true)
	v.SetDefault("streams.user_enable", true)
	v.SetDefault("streams.price_enable", true)
	v.SetDefault("trade.quote_value_usdt", 0.0)
	v.SetDefault("trade.leverage", 0)
	v.SetDefault("trade.cooldown_minutes", 15)
	v.SetDefault("trade.max_orders", 1)
	v.SetDefault("trade.forbidden_times_utc", []string{"15:55-16:05"})
	v.SetDefault("advisor.model", "gpt-5-nano-2025-08-07")
	v.SetDefault("advisor.conf_threshold", 0.5)
	v.SetDefault("exchange.recv_window_ms", 5000)
	v.SetDefault("store.runtime_dir", "runtime")
	v.SetDefault("api.listen", ":8899")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets come from env only, never from the file.
	if key := os.Getenv("BINANCE_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("BINANCE_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if key := os.Getenv("BINANCE_TESTNET_API_KEY"); key != "" {
		cfg.Exchange.TestnetAPIKey = key
	}
	if secret := os.Getenv("BINANCE_TESTNET_SECRET_KEY"); secret != "" {
		cfg.Exchange.TestnetAPISecret = secret
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		cfg.Advisor.APIKey = key
	}

	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	cfg.Advisor.ConfThreshold = clamp01(cfg.Advisor.ConfThreshold)

	if err := cfg.Trade.CompileWindows(); err != nil {
		return nil, fmt.Errorf("forbidden_times_utc: %w", err)
	}

	return &cfg, nil
}

// Keys returns the credential pair for the active environment.
func (c *Config) Keys() (apiKey, apiSecret string) {
	if c.Env == EnvLive {
		return c.Exchange.APIKey, c.Exchange.APISecret
	}
	return c.Exchange.TestnetAPIKey, c.Exchange.TestnetAPISecret
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Env != EnvPaper && c.Env != EnvLive {
		return fmt.Errorf("env must be %q or %q, got %q", EnvPaper, EnvLive, c.Env)
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required (set SYMBOL)")
	}
	switch c.Loop.Trigger {
	case TriggerTimer, TriggerKline, TriggerEvent:
	default:
		return fmt.Errorf("loop.trigger must be one of: timer, kline, event; got %q", c.Loop.Trigger)
	}
	if c.Loop.IntervalSec <= 0 {
		return fmt.Errorf("loop.interval_sec must be > 0")
	}
	if c.Loop.CooldownSec < 0 {
		return fmt.Errorf("loop.cooldown_sec must be >= 0")
	}
	if c.Loop.BackoffMaxSec < 1 {
		return fmt.Errorf("loop.backoff_max_sec must be >= 1")
	}
	if c.Detector.MPWindowSec <= 0 {
		return fmt.Errorf("detector.mp_window_sec must be > 0")
	}
	if c.Detector.VolLookback <= 0 {
		return fmt.Errorf("detector.vol_lookback must be > 0")
	}
	key, secret := c.Keys()
	if key == "" || secret == "" {
		if c.Env == EnvLive {
			return fmt.Errorf("live credentials are required (set BINANCE_API_KEY and BINANCE_API_SECRET)")
		}
		return fmt.Errorf("testnet credentials are required (set BINANCE_TESTNET_API_KEY and BINANCE_TESTNET_SECRET_KEY)")
	}
	if c.Advisor.APIKey == "" {
		return fmt.Errorf("advisor key is required (set OPENAI_API_KEY)")
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
