package market

import (
	"math"
	"testing"

	"futures-agent/pkg/types"
)

func approx(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func bar(high, low, close float64) types.KlineBar {
	return types.KlineBar{Open: close, High: high, Low: low, Close: close, Volume: 1}
}

func TestEMA(t *testing.T) {
	t.Parallel()

	got, ok := EMA([]float64{1, 2, 3}, 2)
	if !ok {
		t.Fatal("EMA not ok on a sufficient series")
	}
	// alpha = 2/3: 1 → 5/3 → 23/9
	if want := 23.0 / 9.0; !approx(got, want, 1e-12) {
		t.Errorf("EMA = %v, want %v", got, want)
	}

	if _, ok := EMA([]float64{1}, 2); ok {
		t.Error("EMA ok on a series shorter than the period")
	}
	if _, ok := EMA(nil, 5); ok {
		t.Error("EMA ok on an empty series")
	}
}

func TestRSI(t *testing.T) {
	t.Parallel()

	rising := make([]float64, 15)
	for i := range rising {
		rising[i] = float64(i + 1)
	}
	if got, ok := RSI(rising, 14); !ok || got < 99.9 {
		t.Errorf("RSI(rising) = %v, %v, want ~100", got, ok)
	}

	falling := make([]float64, 15)
	for i := range falling {
		falling[i] = float64(15 - i)
	}
	if got, ok := RSI(falling, 14); !ok || got > 0.1 {
		t.Errorf("RSI(falling) = %v, %v, want ~0", got, ok)
	}

	// gains 1.0, losses 0.5 over the window: rs = 2, rsi = 66.67
	got, ok := RSI([]float64{10, 11, 10.5, 11.5}, 2)
	if !ok || !approx(got, 100.0*2/3, 1e-6) {
		t.Errorf("RSI = %v, %v, want 66.667", got, ok)
	}

	if _, ok := RSI([]float64{1, 2}, 14); ok {
		t.Error("RSI ok on a series shorter than period+1")
	}
}

func TestMACD(t *testing.T) {
	t.Parallel()

	flat := make([]float64, 40)
	for i := range flat {
		flat[i] = 100
	}
	m, s, h, ok := MACD(flat)
	if !ok {
		t.Fatal("MACD not ok on a sufficient series")
	}
	if m != 0 || s != 0 || h != 0 {
		t.Errorf("MACD(flat) = %v, %v, %v, want zeros", m, s, h)
	}

	rising := make([]float64, 40)
	for i := range rising {
		rising[i] = 100 + float64(i)
	}
	m, _, _, ok = MACD(rising)
	if !ok || m <= 0 {
		t.Errorf("MACD(rising) = %v, %v, want positive line", m, ok)
	}

	if _, _, _, ok := MACD(rising[:34]); ok {
		t.Error("MACD ok below the 35-bar minimum")
	}
}

func TestATR(t *testing.T) {
	t.Parallel()

	bars := []types.KlineBar{
		bar(10, 8, 9),
		bar(11, 9, 10),      // tr = 2
		bar(15, 14, 14.5),   // gap up: tr = |15-10| = 5
	}
	got, ok := ATR(bars, 2)
	if !ok || !approx(got, 3.5, 1e-12) {
		t.Errorf("ATR = %v, %v, want 3.5", got, ok)
	}

	if _, ok := ATR(bars, 3); ok {
		t.Error("ATR ok without period+1 bars")
	}
}

func TestStochastic(t *testing.T) {
	t.Parallel()

	bars := []types.KlineBar{
		bar(10, 5, 7),
		bar(12, 6, 11),
		bar(11, 7, 10),
	}
	k, d, ok := Stochastic(bars, 3, 1)
	if !ok {
		t.Fatal("Stochastic not ok on a sufficient series")
	}
	want := 100.0 * (10 - 5) / (12 - 5)
	if !approx(k, want, 1e-9) || !approx(d, want, 1e-9) {
		t.Errorf("Stochastic = %v, %v, want %v, %v", k, d, want, want)
	}

	flat := []types.KlineBar{bar(10, 10, 10), bar(10, 10, 10), bar(10, 10, 10)}
	if k, _, ok := Stochastic(flat, 3, 1); !ok || k != 50 {
		t.Errorf("Stochastic(flat range) k = %v, %v, want 50", k, ok)
	}

	if _, _, ok := Stochastic(bars[:2], 3, 1); ok {
		t.Error("Stochastic ok on a short series")
	}
}

func TestHistVolatility(t *testing.T) {
	t.Parallel()

	flat := []float64{100, 100, 100, 100}
	if got, ok := HistVolatility(flat, 96); !ok || got != 0 {
		t.Errorf("HistVolatility(flat) = %v, %v, want 0, true", got, ok)
	}

	closes := []float64{100, 110, 100, 110, 105}
	hv24, ok24 := HistVolatility(closes, 24)
	hv96, ok96 := HistVolatility(closes, 96)
	if !ok24 || !ok96 {
		t.Fatal("HistVolatility not ok on a sufficient series")
	}
	// Annualization scales with the square root of bars per day.
	if !approx(hv96, 2*hv24, 1e-9) {
		t.Errorf("HistVolatility scaling: hv96 = %v, want 2×hv24 = %v", hv96, 2*hv24)
	}

	if _, ok := HistVolatility([]float64{100, 101}, 96); ok {
		t.Error("HistVolatility ok below three closes")
	}
	if _, ok := HistVolatility([]float64{100, 0, 100}, 96); ok {
		t.Error("HistVolatility ok with a non-positive close")
	}
}

func TestVWAP(t *testing.T) {
	t.Parallel()

	bars := []types.KlineBar{
		{High: 12, Low: 8, Close: 10, Volume: 2},  // tp 10
		{High: 22, Low: 18, Close: 20, Volume: 2}, // tp 20
	}
	got, ok := VWAP(bars)
	if !ok || !approx(got, 15, 1e-12) {
		t.Errorf("VWAP = %v, %v, want 15", got, ok)
	}

	if _, ok := VWAP([]types.KlineBar{{High: 10, Low: 9, Close: 9.5}}); ok {
		t.Error("VWAP ok with zero traded volume")
	}
}

func TestPivotLevels(t *testing.T) {
	t.Parallel()

	bars := []types.KlineBar{
		bar(10, 5, 7),
		bar(12, 4, 8),  // swing high 12
		bar(11, 3, 9),  // swing low 3
		bar(9, 6, 8),
		bar(14, 7, 12), // swing high 14
		bar(13, 8, 11),
	}

	supports, resistances := PivotLevels(bars, 10, 1, 2)
	if len(supports) != 1 || supports[0] != 3 {
		t.Errorf("supports = %v, want [3]", supports)
	}
	if len(resistances) != 2 || resistances[0] != 12 || resistances[1] != 14 {
		t.Errorf("resistances = %v, want [12 14]", resistances)
	}

	// topK truncates to the nearest levels.
	_, resistances = PivotLevels(bars, 10, 1, 1)
	if len(resistances) != 1 || resistances[0] != 12 {
		t.Errorf("resistances topK=1 = %v, want [12]", resistances)
	}

	supports, resistances = PivotLevels(bars[:2], 10, 1, 2)
	if supports != nil || resistances != nil {
		t.Errorf("short series: supports = %v, resistances = %v, want nil", supports, resistances)
	}
}

func TestDepthImbalance(t *testing.T) {
	t.Parallel()

	depth := &types.DepthSnapshot{
		Bids: [][]string{{"100", "2"}, {"99", "1"}},
		Asks: [][]string{{"101", "1"}},
	}
	got, ok := DepthImbalance(depth, 50)
	if !ok || !approx(got, 0.5, 1e-12) {
		t.Errorf("DepthImbalance = %v, %v, want 0.5", got, ok)
	}

	// Level cap counts only the top of each side.
	got, ok = DepthImbalance(depth, 1)
	if !ok || !approx(got, 1.0/3.0, 1e-12) {
		t.Errorf("DepthImbalance(top 1) = %v, %v, want 1/3", got, ok)
	}

	if _, ok := DepthImbalance(nil, 50); ok {
		t.Error("DepthImbalance ok on nil depth")
	}
	if _, ok := DepthImbalance(&types.DepthSnapshot{}, 50); ok {
		t.Error("DepthImbalance ok on an empty book")
	}
}
