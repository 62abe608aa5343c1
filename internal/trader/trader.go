// Package trader executes one advisory-driven trading cycle: assemble the
// market snapshot, ask the advisor for a decision, reconcile existing
// positions against it, place the entry and protective orders, and publish
// every step to the status store. The trigger engine is the only caller;
// a cycle never runs concurrently with itself.
package trader

import (
	"context"
	"log/slog"
	"time"

	"futures-agent/internal/config"
	"futures-agent/internal/market"
	"futures-agent/internal/orders"
	"futures-agent/internal/status"
	"futures-agent/pkg/types"
)

const (
	// wsConfirmTimeout bounds the user-stream wait for an order we
	// actively waited on (entry and position closes).
	wsConfirmTimeout = 30 * time.Second

	// restPollDeadline and restPollInterval shape the REST fallback when
	// the stream stays silent.
	restPollDeadline = 10 * time.Second
	restPollInterval = 800 * time.Millisecond
)

// Exchange is the slice of the REST client the cycle drives. The concrete
// client satisfies it; tests substitute a scripted fake.
type Exchange interface {
	PositionMode(ctx context.Context) (bool, error)
	PositionRisk(ctx context.Context, symbol string) ([]types.Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]types.OrderResult, error)
	CreateOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (*types.OrderResult, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*types.OrderResult, error)
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
}

// Advisor turns one market snapshot into a structured decision.
type Advisor interface {
	Advise(ctx context.Context, snapshot any) (*types.Advice, error)
}

// SnapshotBuilder assembles the advisor's market view.
type SnapshotBuilder interface {
	Build(ctx context.Context) (*market.MarketSnapshot, error)
}

// Result is the terminal outcome of one cycle. Reason qualifies skipped
// and invalid states; Filled is the confirmed entry quantity in contracts.
type Result struct {
	State      types.CycleState
	Reason     string
	Decision   types.Decision
	Confidence float64
	Filled     float64
}

// Trader owns the cycle. All dependencies are fixed at construction; the
// only mutable state it touches lives in the order store and status store.
type Trader struct {
	cfg      config.Config
	exchange Exchange
	advisor  Advisor
	builder  SnapshotBuilder
	cache    *market.Cache
	store    *orders.Store
	status   *status.Store
	filter   types.SymbolFilter
	logger   *slog.Logger
	now      func() time.Time

	// Confirmation pacing, fixed to the package defaults outside tests.
	wsWait    time.Duration
	pollWait  time.Duration
	pollEvery time.Duration
}

func New(
	cfg config.Config,
	exch Exchange,
	advisor Advisor,
	builder SnapshotBuilder,
	cache *market.Cache,
	store *orders.Store,
	statusStore *status.Store,
	filter types.SymbolFilter,
	logger *slog.Logger,
) *Trader {
	return &Trader{
		cfg:      cfg,
		exchange: exch,
		advisor:  advisor,
		builder:  builder,
		cache:    cache,
		store:    store,
		status:   statusStore,
		filter:   filter,
		logger:   logger.With("component", "trader"),
		now:      time.Now,

		wsWait:    wsConfirmTimeout,
		pollWait:  restPollDeadline,
		pollEvery: restPollInterval,
	}
}

// inForbiddenWindow reports whether t (UTC) falls inside any configured
// no-entry window.
func (t *Trader) inForbiddenWindow(at time.Time) bool {
	for _, w := range t.cfg.Trade.Windows() {
		if w.Contains(at.UTC()) {
			return true
		}
	}
	return false
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

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
