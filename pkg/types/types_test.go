package types

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func ethFilter() SymbolFilter {
	return SymbolFilter{
		Symbol:            "ETHUSDT",
		PricePrecision:    2,
		QuantityPrecision: 3,
		TickSize:          decimal.RequireFromString("0.01"),
		StepSize:          decimal.RequireFromString("0.001"),
		MinNotional:       decimal.RequireFromString("20"),
	}
}

func TestSnapPrice(t *testing.T) {
	t.Parallel()

	f := ethFilter()
	tests := []struct {
		in   float64
		want float64
	}{
		{3000.004, 3000.00},
		{3000.005, 3000.01},
		{2949.996, 2950.00},
		{2950, 2950.00},
		{0.004, 0.00},
	}

	for _, tt := range tests {
		if got := f.SnapPrice(tt.in); got != tt.want {
			t.Errorf("SnapPrice(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSnapQty(t *testing.T) {
	t.Parallel()

	f := ethFilter()
	tests := []struct {
		in   float64
		want float64
	}{
		{0.1, 0.100},
		{0.0334, 0.033},
		{0.0335, 0.034},
		{0.0004, 0.0},
		{0.05, 0.050},
	}

	for _, tt := range tests {
		if got := f.SnapQty(tt.in); got != tt.want {
			t.Errorf("SnapQty(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSnapZeroStepPassthrough(t *testing.T) {
	t.Parallel()

	var f SymbolFilter // zero tick and step
	if got := f.SnapPrice(1234.5678); got != 1234.5678 {
		t.Errorf("SnapPrice with zero tick = %v, want passthrough", got)
	}
	if got := f.SnapQty(0.987654); got != 0.987654 {
		t.Errorf("SnapQty with zero step = %v, want passthrough", got)
	}
}

func TestOrderStatusIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{StatusNew, false},
		{StatusPartiallyFilled, false},
		{StatusFilled, true},
		{StatusCanceled, true},
		{StatusRejected, true},
		{StatusExpired, true},
		{OrderStatus("EXPIRED_IN_MATCH"), false},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("OrderStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestParseDecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Decision
		ok   bool
	}{
		{"long", DecisionLong, true},
		{"short", DecisionShort, true},
		{"flat", DecisionFlat, true},
		{"LONG", "", false},
		{"hold", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := ParseDecision(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseDecision(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDecisionSides(t *testing.T) {
	t.Parallel()

	if DecisionLong.EntrySide() != BUY || DecisionShort.EntrySide() != SELL {
		t.Error("entry sides inverted")
	}
	if DecisionLong.HedgeSide() != PositionLong || DecisionShort.HedgeSide() != PositionShort {
		t.Error("hedge sides inverted")
	}
	if BUY.Opposite() != SELL || SELL.Opposite() != BUY {
		t.Error("Opposite() inverted")
	}
}

func TestKlineBarUnmarshal(t *testing.T) {
	t.Parallel()

	raw := `[1625097600000,"3000.00","3010.50","2990.25","3005.75","1250.332",1625098499999,"3765432.10",4821,"600.1","1801234.5","0"]`
	var bar KlineBar
	if err := json.Unmarshal([]byte(raw), &bar); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if bar.OpenTime != 1625097600000 || bar.CloseTime != 1625098499999 {
		t.Errorf("times = %d/%d", bar.OpenTime, bar.CloseTime)
	}
	if bar.Open != 3000.00 || bar.High != 3010.50 || bar.Low != 2990.25 || bar.Close != 3005.75 {
		t.Errorf("ohlc = %v/%v/%v/%v", bar.Open, bar.High, bar.Low, bar.Close)
	}
	if bar.Volume != 1250.332 || bar.QuoteVolume != 3765432.10 || bar.Trades != 4821 {
		t.Errorf("volume fields = %v/%v/%d", bar.Volume, bar.QuoteVolume, bar.Trades)
	}
}

func TestKlineBarUnmarshalErrors(t *testing.T) {
	t.Parallel()

	var bar KlineBar
	if err := json.Unmarshal([]byte(`[1,2,3]`), &bar); err == nil {
		t.Error("want error on short array")
	}
	if err := json.Unmarshal([]byte(`{"open":1}`), &bar); err == nil {
		t.Error("want error on object form")
	}
}

func TestNormalizeKline(t *testing.T) {
	t.Parallel()

	c := NormalizeKline("ETHUSDT", KlinePayload{
		StartTime:   1625097600000,
		Interval:    "1m",
		Open:        "2990",
		High:        "3010",
		Low:         "2985",
		Close:       "3000",
		Volume:      "10",
		QuoteVolume: "30000",
		Closed:      true,
	})
	if c.Symbol != "ETHUSDT" || c.Interval != "1m" || !c.Closed {
		t.Errorf("identity fields wrong: %+v", c)
	}
	if c.Open != 2990 || c.High != 3010 || c.Low != 2985 || c.Close != 3000 {
		t.Errorf("ohlc wrong: %+v", c)
	}
	if c.Volume != 10 || c.QuoteVolume != 30000 {
		t.Errorf("volumes wrong: %+v", c)
	}
}

func TestAdviceDirection(t *testing.T) {
	t.Parallel()

	raw := `{"decision":"long","confidence":0.8,"position":{"entry":{"order_type":"market"},"size":{"contracts":0.1},"take_profits":[{"price":3050,"size_pct":50},{"price":3100,"size_pct":50}]}}`
	var a Advice
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	d, ok := a.Direction()
	if !ok || d != DecisionLong {
		t.Errorf("Direction() = (%q, %v), want (long, true)", d, ok)
	}
	if a.Position == nil || a.Position.Size == nil || a.Position.Size.Contracts != 0.1 {
		t.Errorf("position size not parsed: %+v", a.Position)
	}
	if len(a.Position.TakeProfits) != 2 || a.Position.TakeProfits[1].SizePct != 50 {
		t.Errorf("take profits not parsed: %+v", a.Position.TakeProfits)
	}

	var bad Advice
	if err := json.Unmarshal([]byte(`{"decision":"hold"}`), &bad); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := bad.Direction(); ok {
		t.Error("Direction() accepted an unknown decision")
	}
}

func TestLevel(t *testing.T) {
	t.Parallel()

	p, q := Level([]string{"3000.5", "12.25"})
	if p != 3000.5 || q != 12.25 {
		t.Errorf("Level = %v/%v", p, q)
	}
	p, q = Level([]string{"3000.5"})
	if p != 0 || q != 0 {
		t.Errorf("short level = %v/%v, want zeros", p, q)
	}
}
