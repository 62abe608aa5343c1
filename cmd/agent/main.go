// Futures Agent — an automated trading agent for Binance USDT-M perpetual
// futures driven by a reasoning model.
//
// Architecture:
//
//	main.go             — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/             — orchestrator: feeds → router → trigger loop → trading cycle
//	trader/             — one trading cycle: snapshot → advice → orders → protection
//	advisor/            — builds the prompt and calls the reasoning model for a decision
//	market/             — stream cache, indicator math, advisor input snapshot builder
//	exchange/client.go  — signed REST client for the futures API (orders, account, market data)
//	exchange/ws.go      — WebSocket feeds (mark price, klines, user stream) with auto-reconnect
//	risk/               — volatility detector feeding the event trigger mode
//	orders/             — in-memory order trackers converging stream and REST updates
//	status/             — status file, event log and JSONL histories under a cross-process lock
//	api/                — read-only HTTP API over the status store
//
// How it trades:
//
//	A trigger (timer tick, closed candle, or volatility event) starts one
//	cycle. The cycle assembles a market snapshot, asks the reasoning model
//	for a decision {long, short, flat} with confidence, and converges the
//	account to that decision: closing opposite exposure, entering with a
//	sized order, then laying protective stop-loss and take-profit orders.
//	Every action lands in the status file for the HTTP API to serve.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"futures-agent/internal/api"
	"futures-agent/internal/config"
	"futures-agent/internal/engine"
)

func main() {
	// Secrets and overrides may live in a local .env; absence is fine.
	_ = godotenv.Load()

	cfgPath := os.Getenv("AGENT_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.Listen != "" {
		apiServer = api.NewServer(cfg.API, eng.Status(), logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status api failed", "error", err)
			}
		}()
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — orders are logged and simulated, never sent")
	}

	logger.Info("futures agent started",
		"env", cfg.Env,
		"symbol", cfg.Symbol,
		"trigger", cfg.Loop.Trigger,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case <-eng.Done():
		logger.Info("trigger loop finished")
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status api", "error", err)
		}
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
