package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Env:    EnvPaper,
		Symbol: "ETHUSDT",
		Loop: LoopConfig{
			Enable:        true,
			Trigger:       TriggerKline,
			IntervalSec:   60,
			CooldownSec:   8,
			BackoffMaxSec: 30,
		},
		Detector: DetectorConfig{
			MPWindowSec:    10,
			MPDeltaPct:     0.35,
			KlineRangePct:  0.6,
			VolLookback:    20,
			VolMult:        3.0,
			UseQuoteVolume: true,
		},
		Advisor: AdvisorConfig{
			APIKey:        "sk-test",
			Model:         "gpt-5-nano-2025-08-07",
			ConfThreshold: 0.5,
		},
		Exchange: ExchangeConfig{
			TestnetAPIKey:    "k",
			TestnetAPISecret: "s",
			RecvWindowMS:     5000,
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad env", func(c *Config) { c.Env = "staging" }},
		{"empty symbol", func(c *Config) { c.Symbol = "" }},
		{"bad trigger", func(c *Config) { c.Loop.Trigger = "cron" }},
		{"zero interval", func(c *Config) { c.Loop.IntervalSec = 0 }},
		{"negative cooldown", func(c *Config) { c.Loop.CooldownSec = -1 }},
		{"zero backoff max", func(c *Config) { c.Loop.BackoffMaxSec = 0 }},
		{"zero mp window", func(c *Config) { c.Detector.MPWindowSec = 0 }},
		{"zero vol lookback", func(c *Config) { c.Detector.VolLookback = 0 }},
		{"missing paper keys", func(c *Config) { c.Exchange.TestnetAPIKey = "" }},
		{"missing live keys", func(c *Config) { c.Env = EnvLive }},
		{"missing advisor key", func(c *Config) { c.Advisor.APIKey = "" }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() accepted config with %s", tt.name)
			}
		})
	}
}

func TestKeysSelectsEnv(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Exchange.APIKey = "live-k"
	cfg.Exchange.APISecret = "live-s"

	if k, s := cfg.Keys(); k != "k" || s != "s" {
		t.Errorf("paper Keys() = %q/%q, want testnet pair", k, s)
	}
	cfg.Env = EnvLive
	if k, s := cfg.Keys(); k != "live-k" || s != "live-s" {
		t.Errorf("live Keys() = %q/%q, want live pair", k, s)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != EnvPaper || cfg.Symbol != "ETHUSDT" {
		t.Errorf("defaults: env=%q symbol=%q", cfg.Env, cfg.Symbol)
	}
	if cfg.Loop.Trigger != TriggerKline || cfg.Loop.IntervalSec != 60 || cfg.Loop.CooldownSec != 8 {
		t.Errorf("loop defaults wrong: %+v", cfg.Loop)
	}
	if cfg.Detector.MPWindowSec != 10 || cfg.Detector.MPDeltaPct != 0.35 || cfg.Detector.VolLookback != 20 {
		t.Errorf("detector defaults wrong: %+v", cfg.Detector)
	}
	if cfg.Advisor.ConfThreshold != 0.5 {
		t.Errorf("conf threshold default = %v, want 0.5", cfg.Advisor.ConfThreshold)
	}
	if len(cfg.Trade.Windows()) != 1 || cfg.Trade.Windows()[0].String() != "15:55-16:05" {
		t.Errorf("forbidden window default wrong: %v", cfg.Trade.Windows())
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SYMBOL", "btcusdt")
	t.Setenv("LOOP_TRIGGER", "event")
	t.Setenv("MP_DELTA_PCT", "0.9")
	t.Setenv("AI_CONF_THRESHOLD", "1.8") // clamps to 1
	t.Setenv("DRY_RUN", "true")
	t.Setenv("BINANCE_TESTNET_API_KEY", "tk")
	t.Setenv("BINANCE_TESTNET_SECRET_KEY", "ts")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q, want upper-cased BTCUSDT", cfg.Symbol)
	}
	if cfg.Loop.Trigger != TriggerEvent {
		t.Errorf("trigger = %q, want event", cfg.Loop.Trigger)
	}
	if cfg.Detector.MPDeltaPct != 0.9 {
		t.Errorf("mp delta = %v, want 0.9", cfg.Detector.MPDeltaPct)
	}
	if cfg.Advisor.ConfThreshold != 1.0 {
		t.Errorf("conf threshold = %v, want clamped 1.0", cfg.Advisor.ConfThreshold)
	}
	if !cfg.DryRun {
		t.Error("dry run not set from env")
	}
	if k, s := cfg.Keys(); k != "tk" || s != "ts" {
		t.Errorf("Keys() = %q/%q, want env secrets", k, s)
	}
}

func TestParseWindow(t *testing.T) {
	t.Parallel()

	w, err := ParseWindow("15:55-16:05")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	if w.Start != 15*60+55 || w.End != 16*60+5 {
		t.Errorf("window = %+v", w)
	}

	inside := time.Date(2026, 8, 25, 16, 0, 0, 0, time.UTC)
	outside := time.Date(2026, 8, 25, 16, 6, 0, 0, time.UTC)
	if !w.Contains(inside) {
		t.Error("16:00 should be inside 15:55-16:05")
	}
	if w.Contains(outside) {
		t.Error("16:06 should be outside 15:55-16:05")
	}

	for _, bad := range []string{"", "15:55", "25:00-26:00", "15:61-16:00", "a-b"} {
		if _, err := ParseWindow(bad); err == nil {
			t.Errorf("ParseWindow(%q) accepted", bad)
		}
	}
}

func TestParseWindowWrapsMidnight(t *testing.T) {
	t.Parallel()

	w, err := ParseWindow("23:50-00:10")
	if err != nil {
		t.Fatalf("ParseWindow: %v", err)
	}
	if !w.Contains(time.Date(2026, 8, 25, 23, 55, 0, 0, time.UTC)) {
		t.Error("23:55 should be inside wrap window")
	}
	if !w.Contains(time.Date(2026, 8, 25, 0, 5, 0, 0, time.UTC)) {
		t.Error("00:05 should be inside wrap window")
	}
	if w.Contains(time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)) {
		t.Error("12:00 should be outside wrap window")
	}
}

func TestParseWindowsCommaList(t *testing.T) {
	t.Parallel()

	ws, err := ParseWindows([]string{"15:55-16:05,23:50-00:10", " 07:00-07:30 "})
	if err != nil {
		t.Fatalf("ParseWindows: %v", err)
	}
	if len(ws) != 3 {
		t.Fatalf("len = %d, want 3", len(ws))
	}
}
