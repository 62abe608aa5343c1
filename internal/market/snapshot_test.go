package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"futures-agent/internal/config"
	"futures-agent/pkg/types"
)

var errUnavailable = errors.New("unavailable")

// fakeMarketData scripts the REST surface. failCore breaks the reads
// Build requires; failAux breaks the optional context.
type fakeMarketData struct {
	bars      []types.KlineBar
	daily     []types.KlineBar
	positions []types.Position
	orders    []types.OrderResult
	failCore  bool
	failAux   bool
}

func (f *fakeMarketData) PremiumIndex(ctx context.Context, symbol string) (*types.PremiumIndex, error) {
	if f.failCore {
		return nil, errUnavailable
	}
	return &types.PremiumIndex{
		Symbol:          symbol,
		MarkPrice:       "3000.00",
		IndexPrice:      "2999.50",
		LastFundingRate: "0.00010",
		NextFundingTime: 1700003600000,
	}, nil
}

func (f *fakeMarketData) FundingRate(ctx context.Context, symbol string, limit int) ([]types.FundingRateEntry, error) {
	if f.failAux {
		return nil, errUnavailable
	}
	return []types.FundingRateEntry{
		{Symbol: symbol, FundingRate: "0.00008"},
		{Symbol: symbol, FundingRate: "0.00012"},
	}, nil
}

func (f *fakeMarketData) OpenInterest(ctx context.Context, symbol string) (*types.OpenInterest, error) {
	if f.failAux {
		return nil, errUnavailable
	}
	return &types.OpenInterest{Symbol: symbol, OpenInterest: "123456.7"}, nil
}

func (f *fakeMarketData) OpenInterestHist(ctx context.Context, symbol, period string, limit int) ([]types.OpenInterestHist, error) {
	if f.failAux {
		return nil, errUnavailable
	}
	return []types.OpenInterestHist{
		{Symbol: symbol, SumOpenInterest: "1000"},
		{Symbol: symbol, SumOpenInterest: "1100"},
	}, nil
}

func (f *fakeMarketData) LongShortRatio(ctx context.Context, symbol, period string, limit int) ([]types.LongShortRatio, error) {
	if f.failAux {
		return nil, errUnavailable
	}
	return []types.LongShortRatio{{Symbol: symbol, LongShortRatio: "1.85"}}, nil
}

func (f *fakeMarketData) Depth(ctx context.Context, symbol string, limit int) (*types.DepthSnapshot, error) {
	if f.failAux {
		return nil, errUnavailable
	}
	return &types.DepthSnapshot{
		Bids: [][]string{{"3000.10", "5"}},
		Asks: [][]string{{"3000.20", "3"}},
	}, nil
}

func (f *fakeMarketData) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.KlineBar, error) {
	if f.failCore {
		return nil, errUnavailable
	}
	if interval == "1d" {
		if f.failAux {
			return nil, errUnavailable
		}
		return f.daily, nil
	}
	return f.bars, nil
}

func (f *fakeMarketData) Ticker24h(ctx context.Context, symbol string) (*types.Ticker24h, error) {
	if f.failAux {
		return nil, errUnavailable
	}
	return &types.Ticker24h{
		Symbol:             symbol,
		PriceChangePercent: "2.5",
		HighPrice:          "3100",
		LowPrice:           "2900",
		QuoteVolume:        "1500000000",
	}, nil
}

func (f *fakeMarketData) Account(ctx context.Context) (*types.FuturesAccount, error) {
	if f.failCore {
		return nil, errUnavailable
	}
	return &types.FuturesAccount{
		TotalWalletBalance:    "4900.0",
		TotalMarginBalance:    "5000.5",
		TotalUnrealizedProfit: "100.5",
		AvailableBalance:      "4000.25",
	}, nil
}

func (f *fakeMarketData) PositionRisk(ctx context.Context, symbol string) ([]types.Position, error) {
	if f.failCore {
		return nil, errUnavailable
	}
	return f.positions, nil
}

func (f *fakeMarketData) OpenOrders(ctx context.Context, symbol string) ([]types.OrderResult, error) {
	if f.failAux {
		return nil, errUnavailable
	}
	return f.orders, nil
}

func (f *fakeMarketData) CommissionRate(ctx context.Context, symbol string) (*types.CommissionRate, error) {
	if f.failAux {
		return nil, errUnavailable
	}
	return &types.CommissionRate{Symbol: symbol, MakerCommissionRate: "0.0002", TakerCommissionRate: "0.0005"}, nil
}

func (f *fakeMarketData) LeverageBracket(ctx context.Context, symbol string) ([]types.LeverageBracket, error) {
	if f.failAux {
		return nil, errUnavailable
	}
	return []types.LeverageBracket{{Bracket: 1, InitialLeverage: 125}}, nil
}

func series(n int) []types.KlineBar {
	bars := make([]types.KlineBar, n)
	for i := range bars {
		close := 3000 + float64(i%10)
		bars[i] = types.KlineBar{
			OpenTime: int64(i) * 900_000,
			Open:     close - 1,
			High:     close + 5,
			Low:      close - 5,
			Close:    close,
			Volume:   10,
		}
	}
	return bars
}

func snapshotConfig() *config.Config {
	return &config.Config{
		Env:    config.EnvPaper,
		Symbol: "ETHUSDT",
		DryRun: true,
		Trade: config.TradeConfig{
			QuoteValueUSDT:    200,
			Leverage:          5,
			CooldownMinutes:   15,
			MaxOrders:         1,
			ForbiddenTimesUTC: []string{"15:55-16:05"},
		},
		Advisor: config.AdvisorConfig{ConfThreshold: 0.6},
	}
}

func testFilter() types.SymbolFilter {
	return types.SymbolFilter{
		Symbol:            "ETHUSDT",
		PricePrecision:    2,
		QuantityPrecision: 3,
		TickSize:          decimal.RequireFromString("0.01"),
		StepSize:          decimal.RequireFromString("0.001"),
		MinNotional:       decimal.RequireFromString("20"),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildSnapshot(t *testing.T) {
	t.Parallel()

	data := &fakeMarketData{
		bars:  series(300),
		daily: series(3),
		positions: []types.Position{{
			Symbol:     "ETHUSDT",
			Side:       types.DecisionLong,
			Quantity:   0.5,
			MarginMode: types.MarginIsolated,
			Leverage:   10,
		}},
		orders: []types.OrderResult{{
			OrderID:    7,
			Side:       "SELL",
			Type:       "LIMIT",
			OrigQty:    "0.5",
			Price:      "3100",
			ReduceOnly: true,
		}},
	}
	cache := NewCache("ETHUSDT", "1m")
	cache.ApplyMark(types.MarkTick{Symbol: "ETHUSDT", Price: 3050.5, EventTime: 1000})
	cache.ApplyKline(closedCandle("ETHUSDT", "1m", 60_000, 3049))

	b := NewBuilder(data, cache, snapshotConfig(), testFilter(), quietLogger())
	snap, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if snap.Symbol != "ETHUSDT" || snap.Env != config.EnvPaper || snap.TS == 0 {
		t.Errorf("snapshot header = %s/%s/%d", snap.Symbol, snap.Env, snap.TS)
	}
	if snap.Market.MarkPrice != 3050.5 {
		t.Errorf("MarkPrice = %v, want cached 3050.5", snap.Market.MarkPrice)
	}
	if snap.Market.LastClose != 3049 {
		t.Errorf("LastClose = %v, want cached 3049", snap.Market.LastClose)
	}
	if snap.Market.FundingRate != 0.0001 {
		t.Errorf("FundingRate = %v, want 0.0001", snap.Market.FundingRate)
	}
	if len(snap.Market.FundingHistory) != 2 {
		t.Errorf("FundingHistory = %v, want 2 entries", snap.Market.FundingHistory)
	}
	if snap.Market.OpenInterest == nil || *snap.Market.OpenInterest != 123456.7 {
		t.Errorf("OpenInterest = %v, want 123456.7", snap.Market.OpenInterest)
	}
	if snap.Market.OIChange24hPct == nil || !approx(*snap.Market.OIChange24hPct, 10, 1e-9) {
		t.Errorf("OIChange24hPct = %v, want 10", snap.Market.OIChange24hPct)
	}
	if snap.Market.LongShortRatio == nil || *snap.Market.LongShortRatio != 1.85 {
		t.Errorf("LongShortRatio = %v, want 1.85", snap.Market.LongShortRatio)
	}
	if snap.Market.BestBid != 3000.10 || snap.Market.BestAsk != 3000.20 {
		t.Errorf("top of book = %v/%v", snap.Market.BestBid, snap.Market.BestAsk)
	}
	if snap.Market.DepthImbalance == nil || !approx(*snap.Market.DepthImbalance, 0.25, 1e-12) {
		t.Errorf("DepthImbalance = %v, want 0.25", snap.Market.DepthImbalance)
	}
	if snap.Market.Change24hPct != 2.5 || snap.Market.Volume24h != 1.5e9 {
		t.Errorf("24h stats = %v%% / %v", snap.Market.Change24hPct, snap.Market.Volume24h)
	}

	if got := len(snap.Klines[indicatorInterval]); got != promptBars {
		t.Errorf("prompt klines = %d bars, want %d", got, promptBars)
	}
	if got := len(snap.Klines["1d"]); got != 3 {
		t.Errorf("daily klines = %d bars, want 3", got)
	}

	ind := snap.Indicators[indicatorInterval]
	if ind == nil {
		t.Fatal("indicators missing")
	}
	if ind.EMA20 == nil || ind.EMA200 == nil || ind.RSI14 == nil || ind.MACD == nil ||
		ind.ATR14 == nil || ind.StochK == nil || ind.HV == nil || ind.VWAP == nil {
		t.Errorf("indicator set incomplete: %+v", ind)
	}

	if snap.Account.EquityUSDT != 5000.5 || snap.Account.AvailableUSDT != 4000.25 {
		t.Errorf("account = %+v", snap.Account)
	}
	if snap.Account.MakerFee != 0.0002 || snap.Account.TakerFee != 0.0005 {
		t.Errorf("fees = %v/%v", snap.Account.MakerFee, snap.Account.TakerFee)
	}
	if snap.Account.MaxLeverage != 125 {
		t.Errorf("MaxLeverage = %d, want 125", snap.Account.MaxLeverage)
	}
	if snap.Account.Leverage != 10 || snap.Account.MarginMode != types.MarginIsolated {
		t.Errorf("position-derived account fields = %d/%s", snap.Account.Leverage, snap.Account.MarginMode)
	}

	if len(snap.OpenOrders) != 1 || snap.OpenOrders[0].OrderID != 7 || !snap.OpenOrders[0].ReduceOnly {
		t.Errorf("open orders = %+v", snap.OpenOrders)
	}

	cons := snap.Constraints
	if cons.QuoteValueUSDT != 200 || cons.TickSize != "0.01" || cons.StepSize != "0.001" {
		t.Errorf("constraints = %+v", cons)
	}
	if cons.ConfThreshold != 0.6 || !cons.DryRun || cons.PricePrecision != 2 {
		t.Errorf("constraints = %+v", cons)
	}
}

func TestBuildSnapshotCoreFailure(t *testing.T) {
	t.Parallel()

	data := &fakeMarketData{failCore: true}
	b := NewBuilder(data, NewCache("ETHUSDT", "1m"), snapshotConfig(), testFilter(), quietLogger())
	if _, err := b.Build(context.Background()); err == nil {
		t.Error("Build() succeeded with core reads failing")
	}
}

func TestBuildSnapshotAuxDegraded(t *testing.T) {
	t.Parallel()

	data := &fakeMarketData{bars: series(300), failAux: true}
	b := NewBuilder(data, NewCache("ETHUSDT", "1m"), snapshotConfig(), testFilter(), quietLogger())
	snap, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v, want success with degraded context", err)
	}

	if snap.Market.OpenInterest != nil || snap.Market.LongShortRatio != nil || snap.Market.DepthImbalance != nil {
		t.Errorf("optional readings present despite failures: %+v", snap.Market)
	}
	if snap.Market.FundingHistory != nil || snap.Market.Volume24h != 0 {
		t.Errorf("aux market fields present despite failures: %+v", snap.Market)
	}
	if _, ok := snap.Klines["1d"]; ok {
		t.Error("daily klines present despite failure")
	}
	if snap.OpenOrders != nil {
		t.Errorf("open orders = %+v, want none", snap.OpenOrders)
	}

	// No positions and no bracket read: config fallbacks.
	if snap.Account.Leverage != 5 || snap.Account.MarginMode != types.MarginCross {
		t.Errorf("account fallbacks = %d/%s", snap.Account.Leverage, snap.Account.MarginMode)
	}
	if snap.Account.MaxLeverage != 0 || snap.Account.MakerFee != 0 {
		t.Errorf("account aux fields = %+v, want zeros", snap.Account)
	}

	// Without stream data the REST readings stand.
	if snap.Market.MarkPrice != 3000 {
		t.Errorf("MarkPrice = %v, want REST 3000", snap.Market.MarkPrice)
	}
	if snap.Market.LastClose != series(300)[299].Close {
		t.Errorf("LastClose = %v, want last bar close", snap.Market.LastClose)
	}
}
