// Package engine is the central orchestrator of the trading agent.
//
// It wires together all subsystems:
//
//  1. The exchange client loads the symbol filter and resolves the account
//     position mode at startup.
//  2. Two WebSocket feeds (market data + user stream) push normalized events.
//  3. A router goroutine folds events into the market cache and the order
//     store, then queues them on a bounded trigger channel.
//  4. The trigger loop (timer, kline or event mode) decides when to run one
//     trading cycle; at most one cycle runs at a time.
//  5. The status store records everything for the read-only HTTP API.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"futures-agent/internal/advisor"
	"futures-agent/internal/config"
	"futures-agent/internal/exchange"
	"futures-agent/internal/market"
	"futures-agent/internal/orders"
	"futures-agent/internal/risk"
	"futures-agent/internal/status"
	"futures-agent/internal/trader"
	"futures-agent/pkg/types"
)

const (
	// klineInterval is the candle interval driving the cache and the kline
	// trigger. The venue's finest stream granularity.
	klineInterval = "1m"

	// eventQueueSize bounds the trigger channel. Overflow drops the newest
	// event; the cache has already absorbed it by then.
	eventQueueSize = 4096

	startupTimeout  = 15 * time.Second
	shutdownTimeout = 5 * time.Second
)

// cycleRunner is the slice of the trader the loop needs.
type cycleRunner interface {
	RunCycle(ctx context.Context) (*trader.Result, error)
}

// Engine owns the lifecycle of all goroutines: feeds, router and the
// trigger loop. At most one trading cycle runs at any moment because the
// loop is the sole invoker.
type Engine struct {
	cfg      config.Config
	client   *exchange.Client
	cache    *market.Cache
	store    *orders.Store
	status   *status.Store
	detector *risk.Detector
	trader   cycleRunner
	logger   *slog.Logger

	mktFeed *exchange.Feed
	usrFeed *exchange.Feed

	// Feed channels, captured separately so tests can drive the router
	// without a live connection.
	marks  <-chan types.MarkTick
	klines <-chan types.Candle
	users  <-chan *types.UserDataEvent

	// events is the bounded trigger channel; the loop is its only reader.
	events    chan types.StreamEvent
	queueDrop atomic.Uint64

	trigger config.TriggerMode
	lastRun time.Time
	backoff time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New wires all components and performs the startup REST reads. A symbol
// filter failure is fatal: without tick and step sizes no order can be
// quantized safely.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	client := exchange.NewClient(cfg, logger)

	st, err := status.Open(cfg.Store.RuntimeDir, logger)
	if err != nil {
		return nil, err
	}

	filterCtx, cancelFilter := context.WithTimeout(context.Background(), startupTimeout)
	filter, err := client.SymbolFilter(filterCtx, cfg.Symbol)
	cancelFilter()
	if err != nil {
		return nil, err
	}
	logger.Info("symbol filter loaded",
		"symbol", filter.Symbol,
		"tick_size", filter.TickSize,
		"step_size", filter.StepSize,
		"min_notional", filter.MinNotional,
	)

	cache := market.NewCache(cfg.Symbol, klineInterval)
	ordStore := orders.NewStore()
	detector := risk.NewDetector(cfg.Detector, logger)
	builder := market.NewBuilder(client, cache, cfg, filter, logger)
	adv := advisor.NewClient(cfg.Advisor, logger)

	tr := trader.New(
		*cfg,
		client,
		adv,
		builder,
		cache,
		ordStore,
		st,
		filter,
		logger,
	)

	e := &Engine{
		cfg:      *cfg,
		client:   client,
		cache:    cache,
		store:    ordStore,
		status:   st,
		detector: detector,
		trader:   tr,
		logger:   logger.With("component", "engine"),
		events:   make(chan types.StreamEvent, eventQueueSize),
		trigger:  cfg.Loop.Trigger,
		backoff:  time.Second,
		done:     make(chan struct{}),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	if cfg.Streams.Enable {
		ws := exchange.EndpointsFor(cfg.Env).WS
		streams := exchange.MarketStreams(cfg.Symbol, klineInterval, cfg.Streams.PriceEnable, true)
		e.mktFeed = exchange.NewMarketFeed(ws, cfg.Symbol, streams, logger)
		e.marks = e.mktFeed.MarkEvents()
		e.klines = e.mktFeed.KlineEvents()
		if cfg.Streams.UserEnable {
			e.usrFeed = exchange.NewUserFeed(ws, cfg.Symbol, client, logger)
			e.users = e.usrFeed.UserEvents()
		}
	}
	e.trigger = resolveTrigger(&e.cfg, e.logger)

	return e, nil
}

// resolveTrigger downgrades stream-dependent trigger modes when the
// market streams are disabled; without them the kline and event loops
// would never fire.
func resolveTrigger(cfg *config.Config, logger *slog.Logger) config.TriggerMode {
	if cfg.Streams.Enable || cfg.Loop.Trigger == config.TriggerTimer {
		return cfg.Loop.Trigger
	}
	logger.Warn("market streams disabled, falling back to timer trigger",
		"configured", cfg.Loop.Trigger,
		"interval", cfg.Loop.Interval(),
	)
	return config.TriggerTimer
}

// Start launches the background goroutines: WS feeds, router and the
// trigger loop.
func (e *Engine) Start() error {
	modeCtx, cancelMode := context.WithTimeout(e.ctx, startupTimeout)
	hedge, err := e.client.PositionMode(modeCtx)
	cancelMode()
	if err != nil {
		// Non-fatal: every cycle resolves the mode again before ordering.
		e.logger.Warn("position mode probe failed", "error", err)
	} else {
		e.logger.Info("position mode resolved", "hedge", hedge)
	}

	if err := e.status.UpdateSection("service", map[string]any{
		"state":      "running",
		"env":        e.cfg.Env,
		"symbol":     e.cfg.Symbol,
		"trigger":    string(e.trigger),
		"dry_run":    e.cfg.DryRun,
		"hedge_mode": hedge,
		"started_ts": time.Now().UnixMilli(),
	}); err != nil {
		return err
	}
	_ = e.status.AppendEvent("service", map[string]any{
		"state":   "started",
		"trigger": string(e.trigger),
	})

	if e.mktFeed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.mktFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("market feed error", "error", err)
			}
		}()
	}
	if e.usrFeed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.usrFeed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("user feed error", "error", err)
			}
		}()
	}
	if e.mktFeed != nil || e.usrFeed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.routeEvents()
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runLoop()
	}()

	e.logger.Info("engine started",
		"trigger", e.trigger,
		"loop", e.cfg.Loop.Enable,
		"streams", e.cfg.Streams.Enable,
		"dry_run", e.cfg.DryRun,
	)
	return nil
}

// Done is closed once the trigger loop exits; in single-shot mode that is
// right after the only cycle.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Status exposes the status store for the HTTP API.
func (e *Engine) Status() *status.Store { return e.status }

// Stop shuts down: cancels the context, closes the feeds to unblock their
// readers, waits for all goroutines, then releases the listen key.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	if e.mktFeed != nil {
		e.mktFeed.Close()
	}
	if e.usrFeed != nil {
		e.usrFeed.Close()
	}
	e.wg.Wait()

	if e.usrFeed != nil {
		closeCtx, cancelClose := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := e.client.CloseListenKey(closeCtx); err != nil {
			e.logger.Warn("listen key close failed", "error", err)
		}
		cancelClose()
	}

	if err := e.status.UpdateSection("service", map[string]any{"state": "stopped"}); err != nil {
		e.logger.Warn("final status write failed", "error", err)
	}
	_ = e.status.AppendEvent("service", map[string]any{"state": "stopped"})

	e.logger.Info("shutdown complete")
}
