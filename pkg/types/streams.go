package types

import "strconv"

// ————————————————————————————————————————————————————————————————————————
// WebSocket events
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON messages on the futures streams.
// Market frames arrive either wrapped {stream, data} or flat {e, …}; the
// feed unwraps before decoding. Decimal fields are strings on the wire.

// MarkPriceEvent is a markPriceUpdate frame (1s or 3s cadence).
type MarkPriceEvent struct {
	EventType       string `json:"e"` // "markPriceUpdate"
	EventTime       int64  `json:"E"` // ms
	Symbol          string `json:"s"`
	MarkPrice       string `json:"p"`
	IndexPrice      string `json:"i"`
	EstSettlePrice  string `json:"P"`
	FundingRate     string `json:"r"`
	NextFundingTime int64  `json:"T"`
}

// KlinePayload is the inner "k" object shared by kline and continuous_kline
// frames. x flips to true exactly once, when the candle closes.
type KlinePayload struct {
	StartTime   int64  `json:"t"`
	CloseTime   int64  `json:"T"`
	Symbol      string `json:"s"`
	Interval    string `json:"i"`
	Open        string `json:"o"`
	Close       string `json:"c"`
	High        string `json:"h"`
	Low         string `json:"l"`
	Volume      string `json:"v"`
	Trades      int64  `json:"n"`
	Closed      bool   `json:"x"`
	QuoteVolume string `json:"q"`
}

// KlineEvent is a per-symbol kline frame.
type KlineEvent struct {
	EventType string       `json:"e"` // "kline"
	EventTime int64        `json:"E"`
	Symbol    string       `json:"s"`
	Kline     KlinePayload `json:"k"`
}

// ContinuousKlineEvent is the continuous-contract variant; the symbol lives
// in the pair field instead of s.
type ContinuousKlineEvent struct {
	EventType    string       `json:"e"` // "continuous_kline"
	EventTime    int64        `json:"E"`
	Pair         string       `json:"ps"`
	ContractType string       `json:"ct"`
	Kline        KlinePayload `json:"k"`
}

// UserDataEvent is the ORDER_TRADE_UPDATE envelope from the user stream.
type UserDataEvent struct {
	EventType string      `json:"e"` // "ORDER_TRADE_UPDATE"
	EventTime int64       `json:"E"`
	TxTime    int64       `json:"T"`
	Order     OrderUpdate `json:"o"`
}

// UpdateTime returns the event's timestamp, preferring E over T.
func (u *UserDataEvent) UpdateTime() int64 {
	if u.EventTime != 0 {
		return u.EventTime
	}
	return u.TxTime
}

// OrderUpdate is the inner order object of ORDER_TRADE_UPDATE. Field names
// follow the venue's single-letter scheme; tags are the contract.
type OrderUpdate struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	TimeInForce   string `json:"f"`
	Quantity      string `json:"q"`
	Price         string `json:"p"`
	AvgPrice      string `json:"ap"`
	StopPrice     string `json:"sp"`
	ExecType      string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastFillQty   string `json:"l"`
	CumFillQty    string `json:"z"`
	LastFillPrice string `json:"L"`
	TradeTime     int64  `json:"T"`
	ReduceOnly    bool   `json:"R"`
	WorkingType   string `json:"wt"`
	OrigType      string `json:"ot"`
	PositionSide  string `json:"ps"`
	ClosePosition bool   `json:"cp"`
	ActivatePrice string `json:"AP"`
	CallbackRate  string `json:"cr"`
	RealizedPnL   string `json:"rp"`
}

// ListenKeyExpiredEvent tells the user stream to reconnect with a new key.
type ListenKeyExpiredEvent struct {
	EventType string `json:"e"` // "listenKeyExpired"
	EventTime int64  `json:"E"`
}

// ————————————————————————————————————————————————————————————————————————
// Normalized cache records
// ————————————————————————————————————————————————————————————————————————

// MarkTick is the cache-normalized mark price sample.
type MarkTick struct {
	Symbol    string  `json:"s"`
	Price     float64 `json:"p"`
	EventTime int64   `json:"E"` // ms
}

// Candle is the cache-normalized kline. Short keys keep parity with the
// status file and the advisor input.
type Candle struct {
	Symbol      string  `json:"s"`
	Interval    string  `json:"i"`
	OpenTime    int64   `json:"t"`
	Open        float64 `json:"o"`
	High        float64 `json:"h"`
	Low         float64 `json:"l"`
	Close       float64 `json:"c"`
	Volume      float64 `json:"v"`
	QuoteVolume float64 `json:"q"`
	Closed      bool    `json:"closed"`
}

// NormalizeKline converts a wire payload into a Candle.
func NormalizeKline(symbol string, k KlinePayload) Candle {
	return Candle{
		Symbol:      symbol,
		Interval:    k.Interval,
		OpenTime:    k.StartTime,
		Open:        parseNum(k.Open),
		High:        parseNum(k.High),
		Low:         parseNum(k.Low),
		Close:       parseNum(k.Close),
		Volume:      parseNum(k.Volume),
		QuoteVolume: parseNum(k.QuoteVolume),
		Closed:      k.Closed,
	}
}

func parseNum(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// ————————————————————————————————————————————————————————————————————————
// Stream event sum type
// ————————————————————————————————————————————————————————————————————————

// EventKind tags a StreamEvent. The set is closed; the router drops
// anything it cannot tag.
type EventKind uint8

const (
	EventMark EventKind = iota + 1
	EventKline
	EventUser
)

func (k EventKind) String() string {
	switch k {
	case EventMark:
		return "mark"
	case EventKline:
		return "kline"
	case EventUser:
		return "user"
	}
	return "unknown"
}

// StreamEvent is the tagged union pushed onto the trigger channel. Exactly
// one payload pointer is non-nil, matching Kind.
type StreamEvent struct {
	Kind  EventKind
	Mark  *MarkTick
	Kline *Candle
	User  *UserDataEvent
}
