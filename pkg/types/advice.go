package types

import "encoding/json"

// ————————————————————————————————————————————————————————————————————————
// Advice envelope
// ————————————————————————————————————————————————————————————————————————
// The advisor answers with one JSON object. Decision stays a raw string
// here (the JSON boundary); the cycle converts it through ParseDecision and
// rejects anything outside the closed set. Free-form analyst fields are
// kept as raw JSON for the history files.

// Advice is the advisor's full response.
type Advice struct {
	Decision          string          `json:"decision"`
	Timeframe         string          `json:"timeframe,omitempty"`
	Rationale         string          `json:"rationale,omitempty"`
	Position          *AdvicePosition `json:"position,omitempty"`
	Risk              json.RawMessage `json:"risk,omitempty"`
	Scenarios         json.RawMessage `json:"scenarios,omitempty"`
	Invalidations     json.RawMessage `json:"invalidations,omitempty"`
	Confidence        float64         `json:"confidence"`
	NextCheckAfterMin float64         `json:"next_check_after_min,omitempty"`
	Compliance        json.RawMessage `json:"compliance,omitempty"`
	Notes             string          `json:"notes,omitempty"`
}

// Direction parses the decision onto the closed set.
func (a *Advice) Direction() (Decision, bool) {
	return ParseDecision(a.Decision)
}

// AdvicePosition groups the order-construction directives.
type AdvicePosition struct {
	Entry            *AdviceEntry       `json:"entry,omitempty"`
	Size             *AdviceSize        `json:"size,omitempty"`
	StopLoss         *AdviceStop        `json:"stop_loss,omitempty"`
	TakeProfits      []AdviceTakeProfit `json:"take_profits,omitempty"`
	TrailingStop     *AdviceTrailing    `json:"trailing_stop,omitempty"`
	ExpectedFees     json.RawMessage    `json:"expected_fees,omitempty"`
	EstLiquidation   float64            `json:"estimated_liquidation_price,omitempty"`
	PrecisionNote    string             `json:"precision_note,omitempty"`
}

// AdviceEntry describes how to enter: market, or limit at Price.
type AdviceEntry struct {
	OrderType           string  `json:"order_type"` // market | limit
	Price               float64 `json:"price,omitempty"`
	ScaleIn             bool    `json:"scale_in,omitempty"`
	InvalidAfterMinutes float64 `json:"invalid_after_minutes,omitempty"`
}

// AdviceSize describes how much: contracts wins over quote value.
type AdviceSize struct {
	Side            string  `json:"side,omitempty"`
	Contracts       float64 `json:"contracts,omitempty"`
	QuoteValueUSDT  float64 `json:"quote_value_usdt,omitempty"`
	Leverage        int     `json:"leverage,omitempty"`
	MarginUSDT      float64 `json:"margin_usdt,omitempty"`
	RiskPctOfEquity float64 `json:"risk_pct_of_equity,omitempty"`
}

// AdviceStop is the protective stop-loss directive. TriggerOn selects the
// arming feed: "mark" or "last".
type AdviceStop struct {
	TriggerOn string  `json:"trigger_on,omitempty"`
	Price     float64 `json:"price"`
	Reason    string  `json:"reason,omitempty"`
}

// AdviceTakeProfit is one take-profit rung; SizePct is the share of the
// filled quantity to close at Price.
type AdviceTakeProfit struct {
	Price   float64 `json:"price"`
	SizePct float64 `json:"size_pct"`
}

// AdviceTrailing is the trailing-stop directive; both fields must be
// present for an order to be placed.
type AdviceTrailing struct {
	ActivatePrice float64 `json:"activate_price"`
	CallbackPct   float64 `json:"callback_pct"`
}
