// Package exchange implements the Binance USDT-M futures REST and WebSocket clients.
//
// The REST client (Client) covers the slice of the futures API the agent needs:
//
//   - market data:  /fapi/v1/premiumIndex, /fapi/v1/klines, /fapi/v1/depth,
//     /fapi/v1/ticker/24hr, /fapi/v1/fundingRate, /fapi/v1/openInterest,
//     /futures/data/openInterestHist, /futures/data/globalLongShortAccountRatio
//   - account:      /fapi/v2/account, /fapi/v2/positionRisk, /fapi/v1/positionSide/dual,
//     /fapi/v1/commissionRate, /fapi/v1/leverageBracket
//   - orders:       /fapi/v1/order (create/query/cancel), /fapi/v1/openOrders,
//     /fapi/v1/leverage
//   - user stream:  /fapi/v1/listenKey (create/keepalive/close)
//
// Every request passes the shared rate limiter and is retried on 5xx errors;
// authenticated endpoints are signed via Signer. In dry-run mode the mutating
// methods log what they would do and return simulated success without any
// HTTP call, so the whole trading path stays exercisable against live data.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-agent/internal/config"
	"futures-agent/pkg/types"
)

// Client is the Binance USDT-M futures REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client // HTTP client with retry + base URL
	signer *Signer       // request signing for authenticated endpoints
	rl     *RateLimiter  // shared weight/order budgets
	dryRun bool          // when true, mutating methods return fake success without HTTP calls
	simID  atomic.Int64  // simulated order ids handed out in dry-run
	logger *slog.Logger
}

// NewClient creates a REST client bound to the environment's endpoints.
func NewClient(cfg *config.Config, logger *slog.Logger) *Client {
	apiKey, apiSecret := cfg.Keys()
	signer := NewSigner(apiKey, apiSecret)
	if cfg.Exchange.RecvWindowMS > 0 {
		signer.recvWindow = int64(cfg.Exchange.RecvWindowMS)
	}

	httpClient := resty.New().
		SetBaseURL(EndpointsFor(cfg.Env).REST).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-MBX-APIKEY", signer.APIKey())

	c := &Client{
		http:   httpClient,
		signer: signer,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger.With("component", "exchange"),
	}
	c.simID.Store(time.Now().UnixMilli())
	return c
}

// do executes one request against the REST API. Signed requests get the
// query built by the signer; the result is already urlencoded, so it is
// appended to the path verbatim rather than re-encoded by resty.
func (c *Client) do(ctx context.Context, method, op, path string, params url.Values, signed bool, out any) error {
	if err := c.rl.Request.Wait(ctx); err != nil {
		return err
	}

	if signed {
		path += "?" + c.signer.Sign(params)
	} else if len(params) > 0 {
		path += "?" + params.Encode()
	}

	req := c.http.R().SetContext(ctx)
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Market data (public)
// ————————————————————————————————————————————————————————————————————————

// SymbolFilter fetches exchangeInfo for one symbol and extracts the
// precision and filter values order placement must respect.
func (c *Client) SymbolFilter(ctx context.Context, symbol string) (types.SymbolFilter, error) {
	var info struct {
		Symbols []struct {
			Symbol            string `json:"symbol"`
			PricePrecision    int    `json:"pricePrecision"`
			QuantityPrecision int    `json:"quantityPrecision"`
			Filters           []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}

	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "exchange info", "/fapi/v1/exchangeInfo", params, false, &info); err != nil {
		return types.SymbolFilter{}, err
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		filter := types.SymbolFilter{
			Symbol:            s.Symbol,
			PricePrecision:    s.PricePrecision,
			QuantityPrecision: s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				filter.TickSize, _ = decimal.NewFromString(f.TickSize)
			case "LOT_SIZE":
				filter.StepSize, _ = decimal.NewFromString(f.StepSize)
			case "MIN_NOTIONAL":
				filter.MinNotional, _ = decimal.NewFromString(f.Notional)
			}
		}
		return filter, nil
	}
	return types.SymbolFilter{}, fmt.Errorf("exchange info: symbol %s not listed", symbol)
}

// PremiumIndex returns the current mark/index prices and funding state.
func (c *Client) PremiumIndex(ctx context.Context, symbol string) (*types.PremiumIndex, error) {
	var result types.PremiumIndex
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "premium index", "/fapi/v1/premiumIndex", params, false, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Klines fetches recent candles for the symbol at the given interval.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.KlineBar, error) {
	var result []types.KlineBar
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	if err := c.do(ctx, http.MethodGet, "klines", "/fapi/v1/klines", params, false, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Depth fetches the order book top. Valid limits are the exchange's
// fixed tiers (5, 10, 20, 50, 100, 500, 1000).
func (c *Client) Depth(ctx context.Context, symbol string, limit int) (*types.DepthSnapshot, error) {
	var result types.DepthSnapshot
	params := url.Values{
		"symbol": {symbol},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.do(ctx, http.MethodGet, "depth", "/fapi/v1/depth", params, false, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Ticker24h returns the rolling 24-hour statistics for the symbol.
func (c *Client) Ticker24h(ctx context.Context, symbol string) (*types.Ticker24h, error) {
	var result types.Ticker24h
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "ticker 24h", "/fapi/v1/ticker/24hr", params, false, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FundingRate returns the last limit funding payments for the symbol.
func (c *Client) FundingRate(ctx context.Context, symbol string, limit int) ([]types.FundingRateEntry, error) {
	var result []types.FundingRateEntry
	params := url.Values{
		"symbol": {symbol},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.do(ctx, http.MethodGet, "funding rate", "/fapi/v1/fundingRate", params, false, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// OpenInterest returns the live open interest for the symbol.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (*types.OpenInterest, error) {
	var result types.OpenInterest
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "open interest", "/fapi/v1/openInterest", params, false, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// OpenInterestHist returns open-interest history buckets. Period uses
// the exchange's notation ("5m", "15m", "1h", ...).
func (c *Client) OpenInterestHist(ctx context.Context, symbol, period string, limit int) ([]types.OpenInterestHist, error) {
	var result []types.OpenInterestHist
	params := url.Values{
		"symbol": {symbol},
		"period": {period},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.do(ctx, http.MethodGet, "open interest hist", "/futures/data/openInterestHist", params, false, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// LongShortRatio returns global long/short account ratio buckets.
func (c *Client) LongShortRatio(ctx context.Context, symbol, period string, limit int) ([]types.LongShortRatio, error) {
	var result []types.LongShortRatio
	params := url.Values{
		"symbol": {symbol},
		"period": {period},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.do(ctx, http.MethodGet, "long short ratio", "/futures/data/globalLongShortAccountRatio", params, false, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ————————————————————————————————————————————————————————————————————————
// Account state (signed reads)
// ————————————————————————————————————————————————————————————————————————

// Account returns the wallet balances for the whole futures account.
func (c *Client) Account(ctx context.Context) (*types.FuturesAccount, error) {
	var result types.FuturesAccount
	if err := c.do(ctx, http.MethodGet, "account", "/fapi/v2/account", url.Values{}, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// positionRiskRecord is the raw wire form of one positionRisk entry.
type positionRiskRecord struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	BreakEvenPrice   string `json:"breakEvenPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	LiquidationPrice string `json:"liquidationPrice"`
	Leverage         string `json:"leverage"`
	MarginType       string `json:"marginType"`
	PositionSide     string `json:"positionSide"`
	UpdateTime       int64  `json:"updateTime"`
}

// PositionRisk returns the symbol's positions in normalized form.
// Zero-quantity records are dropped; the exchange reports a liquidation
// price of zero when none applies, which maps to an absent field here.
func (c *Client) PositionRisk(ctx context.Context, symbol string) ([]types.Position, error) {
	var raw []positionRiskRecord
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "position risk", "/fapi/v2/positionRisk", params, true, &raw); err != nil {
		return nil, err
	}

	positions := make([]types.Position, 0, len(raw))
	for _, r := range raw {
		amt := atof(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := types.DecisionLong
		if amt < 0 {
			side = types.DecisionShort
		}
		mode := types.MarginCross
		if strings.EqualFold(r.MarginType, "isolated") {
			mode = types.MarginIsolated
		}
		p := types.Position{
			Symbol:         r.Symbol,
			Side:           side,
			PositionSide:   types.PositionSide(r.PositionSide),
			Quantity:       abs(amt),
			EntryPrice:     atof(r.EntryPrice),
			MarkPrice:      atof(r.MarkPrice),
			UnrealizedPnL:  atof(r.UnRealizedProfit),
			BreakEvenPrice: atof(r.BreakEvenPrice),
			MarginMode:     mode,
			Leverage:       int(atof(r.Leverage)),
			UpdateTime:     r.UpdateTime,
		}
		if liq := atof(r.LiquidationPrice); liq > 0 {
			p.LiquidationPrice = &liq
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// PositionMode reports whether the account is in hedge mode
// (separate LONG and SHORT position sides) rather than one-way.
func (c *Client) PositionMode(ctx context.Context) (bool, error) {
	var result struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := c.do(ctx, http.MethodGet, "position mode", "/fapi/v1/positionSide/dual", url.Values{}, true, &result); err != nil {
		return false, err
	}
	return result.DualSidePosition, nil
}

// CommissionRate returns the account's fee tier for the symbol.
func (c *Client) CommissionRate(ctx context.Context, symbol string) (*types.CommissionRate, error) {
	var result types.CommissionRate
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "commission rate", "/fapi/v1/commissionRate", params, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// LeverageBracket returns the notional brackets for the symbol.
func (c *Client) LeverageBracket(ctx context.Context, symbol string) ([]types.LeverageBracket, error) {
	var result []types.SymbolBrackets
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "leverage bracket", "/fapi/v1/leverageBracket", params, true, &result); err != nil {
		return nil, err
	}
	for _, s := range result {
		if s.Symbol == symbol {
			return s.Brackets, nil
		}
	}
	return nil, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders (signed mutations)
// ————————————————————————————————————————————————————————————————————————

// orderParams flattens an OrderRequest into wire parameters. Empty
// optional fields stay off the wire; the exchange rejects requests that
// combine closePosition with an explicit quantity or reduceOnly flag.
func orderParams(req types.OrderRequest) url.Values {
	params := url.Values{
		"symbol": {req.Symbol},
		"side":   {string(req.Side)},
		"type":   {string(req.Type)},
	}
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}
	if req.ClosePosition {
		params.Set("closePosition", "true")
	} else if req.Quantity != "" {
		params.Set("quantity", req.Quantity)
	}
	if req.ReduceOnly && !req.ClosePosition {
		params.Set("reduceOnly", "true")
	}
	if req.Price != "" {
		params.Set("price", req.Price)
	}
	if req.StopPrice != "" {
		params.Set("stopPrice", req.StopPrice)
	}
	if req.ActivationPrice != "" {
		params.Set("activationPrice", req.ActivationPrice)
	}
	if req.CallbackRate != "" {
		params.Set("callbackRate", req.CallbackRate)
	}
	if req.TimeInForce != "" {
		params.Set("timeInForce", string(req.TimeInForce))
	}
	if req.WorkingType != "" {
		params.Set("workingType", string(req.WorkingType))
	}
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "RESULT")
	return params
}

// newClientOrderID returns a fresh id inside the exchange's 36-char limit.
func newClientOrderID() string {
	return "agent-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// CreateOrder submits one order. In dry-run mode it logs the intent and
// returns a simulated NEW order with zero executed quantity.
func (c *Client) CreateOrder(ctx context.Context, req types.OrderRequest) (*types.OrderResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = newClientOrderID()
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would create order",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type,
			"qty", req.Quantity, "price", req.Price, "stop", req.StopPrice,
			"reduce_only", req.ReduceOnly, "close_position", req.ClosePosition)
		now := time.Now().UnixMilli()
		return &types.OrderResult{
			OrderID:       c.simID.Add(1),
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Status:        string(types.StatusNew),
			Side:          string(req.Side),
			PositionSide:  string(req.PositionSide),
			Type:          string(req.Type),
			OrigType:      string(req.Type),
			TimeInForce:   string(req.TimeInForce),
			ReduceOnly:    req.ReduceOnly,
			ClosePosition: req.ClosePosition,
			Price:         req.Price,
			StopPrice:     req.StopPrice,
			OrigQty:       req.Quantity,
			ExecutedQty:   "0",
			WorkingType:   string(req.WorkingType),
			Time:          now,
			UpdateTime:    now,
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.OrderResult
	if err := c.do(ctx, http.MethodPost, "create order", "/fapi/v1/order", orderParams(req), true, &result); err != nil {
		return nil, err
	}
	c.logger.Info("order created",
		"symbol", result.Symbol, "order_id", result.OrderID,
		"side", result.Side, "type", result.Type, "status", result.Status)
	return &result, nil
}

// CancelOrder cancels one open order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*types.OrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", orderID)
		return &types.OrderResult{
			OrderID: orderID,
			Symbol:  symbol,
			Status:  string(types.StatusCanceled),
		}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.OrderResult
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {strconv.FormatInt(orderID, 10)},
	}
	if err := c.do(ctx, http.MethodDelete, "cancel order", "/fapi/v1/order", params, true, &result); err != nil {
		return nil, err
	}
	c.logger.Info("order cancelled", "symbol", symbol, "order_id", orderID)
	return &result, nil
}

// GetOrder queries one order by exchange id.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*types.OrderResult, error) {
	var result types.OrderResult
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {strconv.FormatInt(orderID, 10)},
	}
	if err := c.do(ctx, http.MethodGet, "get order", "/fapi/v1/order", params, true, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// OpenOrders lists the symbol's currently open orders.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]types.OrderResult, error) {
	var result []types.OrderResult
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "open orders", "/fapi/v1/openOrders", params, true, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ChangeLeverage sets the symbol's leverage for subsequent orders.
func (c *Client) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would change leverage", "symbol", symbol, "leverage", leverage)
		return nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return err
	}

	params := url.Values{
		"symbol":   {symbol},
		"leverage": {strconv.Itoa(leverage)},
	}
	if err := c.do(ctx, http.MethodPost, "change leverage", "/fapi/v1/leverage", params, true, nil); err != nil {
		return err
	}
	c.logger.Info("leverage changed", "symbol", symbol, "leverage", leverage)
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Listen key (user data stream)
// ————————————————————————————————————————————————————————————————————————
// These endpoints authenticate via the API key header alone. They run in
// dry-run mode too: the stream only observes, so simulating it would cost
// fidelity for no safety.

// CreateListenKey opens a user data stream and returns its key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var result struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.do(ctx, http.MethodPost, "create listen key", "/fapi/v1/listenKey", nil, false, &result); err != nil {
		return "", err
	}
	if result.ListenKey == "" {
		return "", fmt.Errorf("create listen key: empty key in response")
	}
	return result.ListenKey, nil
}

// KeepAliveListenKey extends the active user data stream's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	return c.do(ctx, http.MethodPut, "keepalive listen key", "/fapi/v1/listenKey", nil, false, nil)
}

// CloseListenKey closes the active user data stream.
func (c *Client) CloseListenKey(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "close listen key", "/fapi/v1/listenKey", nil, false, nil)
}

// atof parses the exchange's quoted decimals, treating blanks and
// malformed values as zero the way the rest of the pipeline expects.
func atof(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
