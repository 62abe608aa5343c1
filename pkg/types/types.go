// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent — order enums, symbol
// filters, position and account records, REST market-data payloads, and the
// advisor's advice envelope. It has no dependencies on internal packages, so
// it can be imported by any layer.
package types

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side (BUY↔SELL).
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PositionSide is the futures position dimension. BOTH is what the venue
// reports in one-way mode; LONG and SHORT only appear in hedge mode.
type PositionSide string

const (
	PositionBoth  PositionSide = "BOTH"
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OrderType enumerates the futures order types the agent places or cancels.
type OrderType string

const (
	OrderMarket             OrderType = "MARKET"
	OrderLimit              OrderType = "LIMIT"
	OrderStop               OrderType = "STOP"
	OrderStopMarket         OrderType = "STOP_MARKET"
	OrderTakeProfit         OrderType = "TAKE_PROFIT"
	OrderTakeProfitMarket   OrderType = "TAKE_PROFIT_MARKET"
	OrderTrailingStopMarket OrderType = "TRAILING_STOP_MARKET"
)

// OrderStatus is the exchange-reported order lifecycle state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status ends the order's lifecycle.
// Partial fills are not terminal.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// TimeInForce controls how long a limit order rests.
type TimeInForce string

const (
	GTC TimeInForce = "GTC" // Good-Til-Cancelled
	IOC TimeInForce = "IOC" // Immediate-Or-Cancel
	FOK TimeInForce = "FOK" // Fill-Or-Kill
)

// WorkingType selects the price feed that arms a stop order.
type WorkingType string

const (
	WorkingMarkPrice     WorkingType = "MARK_PRICE"
	WorkingContractPrice WorkingType = "CONTRACT_PRICE"
)

// MarginMode is the per-symbol margin arrangement.
type MarginMode string

const (
	MarginIsolated MarginMode = "isolated"
	MarginCross    MarginMode = "cross"
)

// Decision is the advisor's direction call. It is a closed set: anything the
// advisor returns outside of it is rejected by the cycle, not coerced.
type Decision string

const (
	DecisionLong  Decision = "long"
	DecisionShort Decision = "short"
	DecisionFlat  Decision = "flat"
)

// ParseDecision maps a raw advisor string onto the closed decision set.
func ParseDecision(s string) (Decision, bool) {
	switch Decision(s) {
	case DecisionLong, DecisionShort, DecisionFlat:
		return Decision(s), true
	}
	return "", false
}

// EntrySide returns the order side that opens a position in this direction.
func (d Decision) EntrySide() Side {
	if d == DecisionShort {
		return SELL
	}
	return BUY
}

// HedgeSide returns the position side stamped on hedge-mode orders.
func (d Decision) HedgeSide() PositionSide {
	if d == DecisionShort {
		return PositionShort
	}
	return PositionLong
}

// CycleState is the terminal state of one trading-cycle invocation.
type CycleState string

const (
	CycleCompleted CycleState = "completed"
	CycleFlat      CycleState = "flat"
	CycleSkipped   CycleState = "skipped"
	CycleInvalid   CycleState = "invalid"
	CycleError     CycleState = "error"
)

// ————————————————————————————————————————————————————————————————————————
// Symbol filters
// ————————————————————————————————————————————————————————————————————————

// SymbolFilter is the per-symbol trading constraints extracted from
// exchangeInfo. Prices snap to TickSize, quantities to StepSize; both are
// kept as decimals so snapping is exact. Immutable once loaded.
type SymbolFilter struct {
	Symbol            string          `json:"symbol"`
	PricePrecision    int             `json:"price_precision"`
	QuantityPrecision int             `json:"quantity_precision"`
	TickSize          decimal.Decimal `json:"tick_size"`
	StepSize          decimal.Decimal `json:"step_size"`
	MinNotional       decimal.Decimal `json:"min_notional"`
}

// SnapPrice rounds a price to the nearest tick. A zero tick passes the
// value through unchanged.
func (f SymbolFilter) SnapPrice(price float64) float64 {
	return snapToStep(price, f.TickSize)
}

// SnapQty rounds a quantity to the nearest step.
func (f SymbolFilter) SnapQty(qty float64) float64 {
	return snapToStep(qty, f.StepSize)
}

func snapToStep(v float64, step decimal.Decimal) float64 {
	if step.IsZero() {
		return v
	}
	d := decimal.NewFromFloat(v)
	return d.DivRound(step, 0).Mul(step).InexactFloat64()
}

// FormatNum renders a float the way the REST API expects: shortest decimal
// form, no exponent. Callers snap first so the output is already aligned
// to the symbol's tick or step.
func FormatNum(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ————————————————————————————————————————————————————————————————————————
// Positions & account
// ————————————————————————————————————————————————————————————————————————

// Position is one open futures position, normalized from positionRisk.
// Quantity is always ≥ 0; Side carries the direction. LiquidationPrice is
// nil when the venue reports 0 ("not applicable").
type Position struct {
	Symbol           string       `json:"symbol"`
	Side             Decision     `json:"side"` // long | short
	PositionSide     PositionSide `json:"position_side"`
	Quantity         float64      `json:"qty"`
	EntryPrice       float64      `json:"entry_price"`
	MarkPrice        float64      `json:"mark_price"`
	UnrealizedPnL    float64      `json:"unrealized_pnl"`
	LiquidationPrice *float64     `json:"liquidation_price,omitempty"`
	BreakEvenPrice   float64      `json:"break_even_price,omitempty"`
	MarginMode       MarginMode   `json:"margin_mode"`
	Leverage         int          `json:"leverage"`
	UpdateTime       int64        `json:"update_time,omitempty"`
}

// AccountSummary is the slice of the futures account the snapshot carries.
type AccountSummary struct {
	EquityUSDT    float64    `json:"equity_usdt"`
	AvailableUSDT float64    `json:"available_usdt"`
	MarginMode    MarginMode `json:"margin_mode"`
	Leverage      int        `json:"leverage"`
	MaxLeverage   int        `json:"max_leverage"`
	MakerFee      float64    `json:"maker_fee"`
	TakerFee      float64    `json:"taker_fee"`
}

// ————————————————————————————————————————————————————————————————————————
// REST payloads
// ————————————————————————————————————————————————————————————————————————
// Decimal fields stay strings on the wire; the REST API serializes every
// number as a quoted string to preserve precision.

// OrderRequest describes one order to submit. Quantity and the price
// fields are pre-snapped, pre-formatted strings so the wire form is
// exactly what the caller validated; empty fields are omitted from the
// request. ClientOrderID is generated by the client when empty.
type OrderRequest struct {
	Symbol          string
	Side            Side
	PositionSide    PositionSide // empty in one-way mode
	Type            OrderType
	Quantity        string
	Price           string
	StopPrice       string
	ActivationPrice string
	CallbackRate    string
	TimeInForce     TimeInForce
	ReduceOnly      bool
	ClosePosition   bool
	WorkingType     WorkingType
	ClientOrderID   string
}

// OrderResult is the order record returned by createOrder, getOrder and
// openOrders. The order store merges it on the REST fallback path.
type OrderResult struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	OrigType      string `json:"origType"`
	TimeInForce   string `json:"timeInForce"`
	ReduceOnly    bool   `json:"reduceOnly"`
	ClosePosition bool   `json:"closePosition"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	WorkingType   string `json:"workingType"`
	ActivatePrice string `json:"activatePrice"`
	PriceRate     string `json:"priceRate"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

// FuturesAccount is the slice of GET /fapi/v2/account the agent reads.
type FuturesAccount struct {
	TotalWalletBalance    string `json:"totalWalletBalance"`
	TotalMarginBalance    string `json:"totalMarginBalance"`
	TotalUnrealizedProfit string `json:"totalUnrealizedProfit"`
	AvailableBalance      string `json:"availableBalance"`
	UpdateTime            int64  `json:"updateTime"`
}

// CommissionRate is the per-symbol fee tier record.
type CommissionRate struct {
	Symbol              string `json:"symbol"`
	MakerCommissionRate string `json:"makerCommissionRate"`
	TakerCommissionRate string `json:"takerCommissionRate"`
}

// LeverageBracket is one notional bracket from GET /fapi/v1/leverageBracket.
// InitialLeverage of the first bracket is the symbol's maximum leverage.
type LeverageBracket struct {
	Bracket          int     `json:"bracket"`
	InitialLeverage  int     `json:"initialLeverage"`
	NotionalCap      float64 `json:"notionalCap"`
	NotionalFloor    float64 `json:"notionalFloor"`
	MaintMarginRatio float64 `json:"maintMarginRatio"`
}

// SymbolBrackets groups the leverage brackets for one symbol.
type SymbolBrackets struct {
	Symbol   string            `json:"symbol"`
	Brackets []LeverageBracket `json:"brackets"`
}

// PremiumIndex is the mark/index/funding record from GET /fapi/v1/premiumIndex.
type PremiumIndex struct {
	Symbol          string `json:"symbol"`
	MarkPrice       string `json:"markPrice"`
	IndexPrice      string `json:"indexPrice"`
	LastFundingRate string `json:"lastFundingRate"`
	NextFundingTime int64  `json:"nextFundingTime"`
	Time            int64  `json:"time"`
}

// FundingRateEntry is one historical funding payment.
type FundingRateEntry struct {
	Symbol      string `json:"symbol"`
	FundingRate string `json:"fundingRate"`
	FundingTime int64  `json:"fundingTime"`
}

// OpenInterest is the live open-interest reading for a symbol.
type OpenInterest struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

// OpenInterestHist is one bucket of the open-interest history endpoint.
type OpenInterestHist struct {
	Symbol               string `json:"symbol"`
	SumOpenInterest      string `json:"sumOpenInterest"`
	SumOpenInterestValue string `json:"sumOpenInterestValue"`
	Timestamp            int64  `json:"timestamp"`
}

// LongShortRatio is one bucket of globalLongShortAccountRatio.
type LongShortRatio struct {
	Symbol         string `json:"symbol"`
	LongShortRatio string `json:"longShortRatio"`
	LongAccount    string `json:"longAccount"`
	ShortAccount   string `json:"shortAccount"`
	Timestamp      int64  `json:"timestamp"`
}

// Ticker24h is the rolling 24-hour statistics record.
type Ticker24h struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	LastPrice          string `json:"lastPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	OpenTime           int64  `json:"openTime"`
	CloseTime          int64  `json:"closeTime"`
}

// DepthSnapshot is the order book returned by GET /fapi/v1/depth.
// Levels are [price, qty] string pairs, best bid/ask first.
type DepthSnapshot struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Level parses one depth level into price and quantity.
func Level(l []string) (price, qty float64) {
	if len(l) >= 2 {
		price, _ = strconv.ParseFloat(l[0], 64)
		qty, _ = strconv.ParseFloat(l[1], 64)
	}
	return price, qty
}

// KlineBar is one candle from the REST klines endpoint. The API returns
// each bar as a mixed-type JSON array, so decoding is by position.
type KlineBar struct {
	OpenTime    int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	CloseTime   int64
	QuoteVolume float64
	Trades      int64
}

// UnmarshalJSON decodes the positional array form:
// [openTime, open, high, low, close, volume, closeTime, quoteVolume, trades, …].
func (k *KlineBar) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("kline bar: %w", err)
	}
	if len(raw) < 9 {
		return fmt.Errorf("kline bar: want 9+ fields, got %d", len(raw))
	}
	if err := json.Unmarshal(raw[0], &k.OpenTime); err != nil {
		return fmt.Errorf("kline open time: %w", err)
	}
	if err := json.Unmarshal(raw[6], &k.CloseTime); err != nil {
		return fmt.Errorf("kline close time: %w", err)
	}
	if err := json.Unmarshal(raw[8], &k.Trades); err != nil {
		return fmt.Errorf("kline trades: %w", err)
	}
	for i, dst := range map[int]*float64{
		1: &k.Open, 2: &k.High, 3: &k.Low, 4: &k.Close, 5: &k.Volume, 7: &k.QuoteVolume,
	} {
		var s string
		if err := json.Unmarshal(raw[i], &s); err != nil {
			return fmt.Errorf("kline field %d: %w", i, err)
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("kline field %d: %w", i, err)
		}
		*dst = v
	}
	return nil
}
