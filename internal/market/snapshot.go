// snapshot.go assembles the market picture handed to the advisor: REST
// reads for depth/funding/positioning context, kline series with
// indicators, account state, and the agent's own trading constraints.
// The cached mark price and last close override their REST counterparts
// so the advisor always reasons from the freshest stream values.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"futures-agent/internal/config"
	"futures-agent/pkg/types"
)

const (
	indicatorInterval = "15m"
	indicatorBars     = 960 // ten days of 15m bars for volatility
	promptBars        = 96  // one day of 15m bars sent to the advisor
	dailyBars         = 3
	depthLevels       = 50
	pivotLookback     = 12
	pivotTopK         = 2
)

// MarketData is the REST surface the builder reads; *exchange.Client
// satisfies it and tests substitute a scripted fake.
type MarketData interface {
	PremiumIndex(ctx context.Context, symbol string) (*types.PremiumIndex, error)
	FundingRate(ctx context.Context, symbol string, limit int) ([]types.FundingRateEntry, error)
	OpenInterest(ctx context.Context, symbol string) (*types.OpenInterest, error)
	OpenInterestHist(ctx context.Context, symbol, period string, limit int) ([]types.OpenInterestHist, error)
	LongShortRatio(ctx context.Context, symbol, period string, limit int) ([]types.LongShortRatio, error)
	Depth(ctx context.Context, symbol string, limit int) (*types.DepthSnapshot, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]types.KlineBar, error)
	Ticker24h(ctx context.Context, symbol string) (*types.Ticker24h, error)
	Account(ctx context.Context) (*types.FuturesAccount, error)
	PositionRisk(ctx context.Context, symbol string) ([]types.Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]types.OrderResult, error)
	CommissionRate(ctx context.Context, symbol string) (*types.CommissionRate, error)
	LeverageBracket(ctx context.Context, symbol string) ([]types.LeverageBracket, error)
}

// MarketSnapshot is the advisor's input document. Optional readings are
// pointers so a failed auxiliary fetch disappears instead of reading as
// zero.
type MarketSnapshot struct {
	Symbol      string                     `json:"symbol"`
	Env         string                     `json:"env"`
	TS          int64                      `json:"ts"`
	Account     types.AccountSummary       `json:"account"`
	Positions   []types.Position           `json:"positions"`
	OpenOrders  []OpenOrderBrief           `json:"open_orders"`
	Market      MarketSection              `json:"market"`
	Klines      map[string][]CandleBrief   `json:"klines"`
	Indicators  map[string]*IndicatorSet   `json:"indicators"`
	Constraints Constraints                `json:"constraints"`
	Notices     []string                   `json:"notices,omitempty"`
}

// MarketSection carries the live market readings.
type MarketSection struct {
	MarkPrice      float64   `json:"mark_price"`
	IndexPrice     float64   `json:"index_price,omitempty"`
	LastClose      float64   `json:"last_close,omitempty"`
	FundingRate    float64   `json:"funding_rate"`
	NextFundingTS  int64     `json:"next_funding_ts,omitempty"`
	FundingHistory []float64 `json:"funding_history,omitempty"`
	OpenInterest   *float64  `json:"open_interest,omitempty"`
	OIChange24hPct *float64  `json:"oi_change_24h_pct,omitempty"`
	LongShortRatio *float64  `json:"long_short_ratio,omitempty"`
	BestBid        float64   `json:"best_bid,omitempty"`
	BestAsk        float64   `json:"best_ask,omitempty"`
	DepthImbalance *float64  `json:"depth_imbalance,omitempty"`
	Change24hPct   float64   `json:"change_24h_pct,omitempty"`
	High24h        float64   `json:"high_24h,omitempty"`
	Low24h         float64   `json:"low_24h,omitempty"`
	Volume24h      float64   `json:"volume_24h,omitempty"`
}

// IndicatorSet is one timeframe's computed indicators.
type IndicatorSet struct {
	EMA20       *float64  `json:"ema20,omitempty"`
	EMA50       *float64  `json:"ema50,omitempty"`
	EMA200      *float64  `json:"ema200,omitempty"`
	RSI14       *float64  `json:"rsi14,omitempty"`
	MACD        *float64  `json:"macd,omitempty"`
	MACDSignal  *float64  `json:"macd_signal,omitempty"`
	MACDHist    *float64  `json:"macd_hist,omitempty"`
	ATR14       *float64  `json:"atr14,omitempty"`
	StochK      *float64  `json:"stoch_k,omitempty"`
	StochD      *float64  `json:"stoch_d,omitempty"`
	HV          *float64  `json:"hv,omitempty"`
	VWAP        *float64  `json:"vwap,omitempty"`
	Supports    []float64 `json:"supports,omitempty"`
	Resistances []float64 `json:"resistances,omitempty"`
}

// CandleBrief is the compact candle row sent to the advisor.
type CandleBrief struct {
	T int64   `json:"t"`
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

// OpenOrderBrief condenses an open order for the advisor.
type OpenOrderBrief struct {
	OrderID       int64  `json:"order_id"`
	Side          string `json:"side"`
	PositionSide  string `json:"position_side,omitempty"`
	Type          string `json:"type"`
	Qty           string `json:"qty"`
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
	ClosePosition bool   `json:"close_position,omitempty"`
}

// Constraints tells the advisor what the agent is allowed to do.
type Constraints struct {
	QuoteValueUSDT    float64  `json:"quote_value_usdt"`
	Leverage          int      `json:"leverage"`
	TickSize          string   `json:"tick_size"`
	StepSize          string   `json:"step_size"`
	MinNotional       string   `json:"min_notional,omitempty"`
	PricePrecision    int      `json:"price_precision"`
	QuantityPrecision int      `json:"quantity_precision"`
	CooldownMinutes   int      `json:"cooldown_minutes,omitempty"`
	MaxOrders         int      `json:"max_orders,omitempty"`
	ForbiddenTimesUTC []string `json:"forbidden_times_utc,omitempty"`
	ConfThreshold     float64  `json:"conf_threshold"`
	DryRun            bool     `json:"dry_run"`
}

// Builder assembles MarketSnapshots for one symbol.
type Builder struct {
	data   MarketData
	cache  *Cache
	cfg    *config.Config
	filter types.SymbolFilter
	logger *slog.Logger
}

// NewBuilder wires a snapshot builder. The filter comes from the
// engine's startup exchangeInfo load.
func NewBuilder(data MarketData, cache *Cache, cfg *config.Config, filter types.SymbolFilter, logger *slog.Logger) *Builder {
	return &Builder{
		data:   data,
		cache:  cache,
		cfg:    cfg,
		filter: filter,
		logger: logger.With("component", "snapshot"),
	}
}

// Build assembles the snapshot. Core reads (klines, premium index,
// account, positions) fail the build; auxiliary context degrades to
// absent fields with a warning.
func (b *Builder) Build(ctx context.Context) (*MarketSnapshot, error) {
	symbol := b.cfg.Symbol

	premium, err := b.data.PremiumIndex(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("snapshot premium index: %w", err)
	}
	bars, err := b.data.Klines(ctx, symbol, indicatorInterval, indicatorBars)
	if err != nil {
		return nil, fmt.Errorf("snapshot klines: %w", err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("snapshot klines: empty series for %s", symbol)
	}
	account, err := b.data.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot account: %w", err)
	}
	positions, err := b.data.PositionRisk(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("snapshot positions: %w", err)
	}

	snap := &MarketSnapshot{
		Symbol:     symbol,
		Env:        b.cfg.Env,
		TS:         time.Now().UnixMilli(),
		Positions:  positions,
		Klines:     make(map[string][]CandleBrief, 2),
		Indicators: make(map[string]*IndicatorSet, 1),
	}

	snap.Market = MarketSection{
		MarkPrice:     num(premium.MarkPrice),
		IndexPrice:    num(premium.IndexPrice),
		FundingRate:   num(premium.LastFundingRate),
		NextFundingTS: premium.NextFundingTime,
		LastClose:     bars[len(bars)-1].Close,
	}

	snap.Klines[indicatorInterval] = briefs(tail(bars, promptBars))
	snap.Indicators[indicatorInterval] = indicatorsFor(bars)
	snap.Account = b.accountSummary(ctx, account, positions)
	snap.Constraints = b.constraints()

	b.fillAux(ctx, snap)
	b.overlayCache(snap)

	return snap, nil
}

// fillAux adds the best-effort context. Each failure logs once and
// leaves its field empty.
func (b *Builder) fillAux(ctx context.Context, snap *MarketSnapshot) {
	symbol := b.cfg.Symbol

	if daily, err := b.data.Klines(ctx, symbol, "1d", dailyBars); err == nil {
		snap.Klines["1d"] = briefs(daily)
	} else {
		b.logger.Warn("daily klines unavailable", "error", err)
	}

	if rates, err := b.data.FundingRate(ctx, symbol, 3); err == nil {
		hist := make([]float64, 0, len(rates))
		for _, r := range rates {
			hist = append(hist, num(r.FundingRate))
		}
		snap.Market.FundingHistory = hist
	} else {
		b.logger.Warn("funding history unavailable", "error", err)
	}

	if oi, err := b.data.OpenInterest(ctx, symbol); err == nil {
		v := num(oi.OpenInterest)
		snap.Market.OpenInterest = &v
	} else {
		b.logger.Warn("open interest unavailable", "error", err)
	}

	if hist, err := b.data.OpenInterestHist(ctx, symbol, "1h", 24); err == nil && len(hist) >= 2 {
		first := num(hist[0].SumOpenInterest)
		last := num(hist[len(hist)-1].SumOpenInterest)
		if first > 0 {
			change := (last - first) / first * 100
			snap.Market.OIChange24hPct = &change
		}
	} else if err != nil {
		b.logger.Warn("open interest history unavailable", "error", err)
	}

	if ratios, err := b.data.LongShortRatio(ctx, symbol, "1h", 1); err == nil && len(ratios) > 0 {
		v := num(ratios[len(ratios)-1].LongShortRatio)
		snap.Market.LongShortRatio = &v
	} else if err != nil {
		b.logger.Warn("long/short ratio unavailable", "error", err)
	}

	if depth, err := b.data.Depth(ctx, symbol, depthLevels); err == nil {
		if len(depth.Bids) > 0 {
			snap.Market.BestBid, _ = types.Level(depth.Bids[0])
		}
		if len(depth.Asks) > 0 {
			snap.Market.BestAsk, _ = types.Level(depth.Asks[0])
		}
		if imb, ok := DepthImbalance(depth, depthLevels); ok {
			snap.Market.DepthImbalance = &imb
		}
	} else {
		b.logger.Warn("depth unavailable", "error", err)
	}

	if ticker, err := b.data.Ticker24h(ctx, symbol); err == nil {
		snap.Market.Change24hPct = num(ticker.PriceChangePercent)
		snap.Market.High24h = num(ticker.HighPrice)
		snap.Market.Low24h = num(ticker.LowPrice)
		snap.Market.Volume24h = num(ticker.QuoteVolume)
	} else {
		b.logger.Warn("24h ticker unavailable", "error", err)
	}

	if orders, err := b.data.OpenOrders(ctx, symbol); err == nil {
		snap.OpenOrders = orderBriefs(orders)
	} else {
		b.logger.Warn("open orders unavailable", "error", err)
	}
}

// overlayCache replaces REST readings with fresher stream values.
func (b *Builder) overlayCache(snap *MarketSnapshot) {
	cached := b.cache.Snapshot()
	if cached.Mark != nil {
		snap.Market.MarkPrice = cached.Mark.Price
	}
	if cached.Candle != nil {
		snap.Market.LastClose = cached.Candle.Close
	}
}

// accountSummary folds the account read with fee tier and bracket
// lookups; the auxiliary pieces degrade silently to zero values.
func (b *Builder) accountSummary(ctx context.Context, account *types.FuturesAccount, positions []types.Position) types.AccountSummary {
	summary := types.AccountSummary{
		EquityUSDT:    num(account.TotalMarginBalance),
		AvailableUSDT: num(account.AvailableBalance),
		MarginMode:    types.MarginCross,
		Leverage:      b.cfg.Trade.Leverage,
	}
	if len(positions) > 0 {
		summary.MarginMode = positions[0].MarginMode
		summary.Leverage = positions[0].Leverage
	}

	if rate, err := b.data.CommissionRate(ctx, b.cfg.Symbol); err == nil {
		summary.MakerFee = num(rate.MakerCommissionRate)
		summary.TakerFee = num(rate.TakerCommissionRate)
	} else {
		b.logger.Warn("commission rate unavailable", "error", err)
	}

	if brackets, err := b.data.LeverageBracket(ctx, b.cfg.Symbol); err == nil && len(brackets) > 0 {
		summary.MaxLeverage = brackets[0].InitialLeverage
	} else if err != nil {
		b.logger.Warn("leverage bracket unavailable", "error", err)
	}

	return summary
}

func (b *Builder) constraints() Constraints {
	return Constraints{
		QuoteValueUSDT:    b.cfg.Trade.QuoteValueUSDT,
		Leverage:          b.cfg.Trade.Leverage,
		TickSize:          b.filter.TickSize.String(),
		StepSize:          b.filter.StepSize.String(),
		MinNotional:       b.filter.MinNotional.String(),
		PricePrecision:    b.filter.PricePrecision,
		QuantityPrecision: b.filter.QuantityPrecision,
		CooldownMinutes:   b.cfg.Trade.CooldownMinutes,
		MaxOrders:         b.cfg.Trade.MaxOrders,
		ForbiddenTimesUTC: b.cfg.Trade.ForbiddenTimesUTC,
		ConfThreshold:     b.cfg.Advisor.ConfThreshold,
		DryRun:            b.cfg.DryRun,
	}
}

// indicatorsFor computes the full indicator set over one interval's bars.
func indicatorsFor(bars []types.KlineBar) *IndicatorSet {
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}

	set := &IndicatorSet{}
	if v, ok := EMA(closes, 20); ok {
		set.EMA20 = &v
	}
	if v, ok := EMA(closes, 50); ok {
		set.EMA50 = &v
	}
	if v, ok := EMA(closes, 200); ok {
		set.EMA200 = &v
	}
	if v, ok := RSI(closes, 14); ok {
		set.RSI14 = &v
	}
	if m, s, h, ok := MACD(closes); ok {
		set.MACD, set.MACDSignal, set.MACDHist = &m, &s, &h
	}
	if v, ok := ATR(bars, 14); ok {
		set.ATR14 = &v
	}
	if k, d, ok := Stochastic(bars, 14, 3); ok {
		set.StochK, set.StochD = &k, &d
	}
	if v, ok := HistVolatility(closes, promptBars); ok {
		set.HV = &v
	}
	if v, ok := VWAP(tail(bars, promptBars)); ok {
		set.VWAP = &v
	}

	last := closes[len(closes)-1]
	set.Supports, set.Resistances = PivotLevels(bars, last, pivotLookback, pivotTopK)
	return set
}

func briefs(bars []types.KlineBar) []CandleBrief {
	out := make([]CandleBrief, len(bars))
	for i, b := range bars {
		out[i] = CandleBrief{T: b.OpenTime, O: b.Open, H: b.High, L: b.Low, C: b.Close, V: b.Volume}
	}
	return out
}

func orderBriefs(orders []types.OrderResult) []OpenOrderBrief {
	out := make([]OpenOrderBrief, len(orders))
	for i, o := range orders {
		out[i] = OpenOrderBrief{
			OrderID:       o.OrderID,
			Side:          o.Side,
			PositionSide:  o.PositionSide,
			Type:          o.Type,
			Qty:           o.OrigQty,
			Price:         o.Price,
			StopPrice:     o.StopPrice,
			ReduceOnly:    o.ReduceOnly,
			ClosePosition: o.ClosePosition,
		}
	}
	return out
}

func tail(bars []types.KlineBar, n int) []types.KlineBar {
	if len(bars) <= n {
		return bars
	}
	return bars[len(bars)-n:]
}

func num(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
