// ws.go implements WebSocket feeds for real-time futures data.
//
// Two independent feeds run concurrently:
//
//   - Market feed (public): a combined stream carrying markPriceUpdate
//     ticks and kline frames for the configured symbol.
//
//   - User feed (authenticated): a listen-key stream carrying
//     ORDER_TRADE_UPDATE events for the account.
//
// Both feeds auto-reconnect with exponential backoff (1s → 30s max).
// Frames arrive either wrapped in a combined-stream envelope or flat;
// dispatch unwraps, drops frames for other symbols, normalizes the rest
// and forwards them on bounded channels. When a consumer lags, the
// incoming event is dropped and counted rather than blocking the reader.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"futures-agent/pkg/types"
)

const (
	readTimeoutMarket  = 90 * time.Second // mark ticks arrive every second; 90s silence means dead
	readTimeoutUser    = 15 * time.Minute // user stream is quiet; server pings extend the deadline
	writeTimeout       = 10 * time.Second // deadline for outgoing control frames
	maxReconnectWait   = 30 * time.Second // cap on exponential backoff
	listenKeyKeepAlive = 45 * time.Minute // keys expire after 60 minutes without keepalive
	markBufferSize     = 512
	klineBufferSize    = 256
	userBufferSize     = 256
)

// listenKeyManager is the slice of the REST client the user feed needs.
type listenKeyManager interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// MarketStreams builds the combined-stream names for a symbol. The
// markPrice stream uses the 1s cadence; klines follow the configured
// interval.
func MarketStreams(symbol, interval string, markPrice, kline bool) []string {
	s := strings.ToLower(symbol)
	var streams []string
	if markPrice {
		streams = append(streams, s+"@markPrice@1s")
	}
	if kline {
		streams = append(streams, s+"@kline_"+interval)
	}
	return streams
}

// Feed manages a single WebSocket connection (market or user channel).
// It handles connection lifecycle, message routing, and automatic
// reconnection; the user variant also owns its listen key.
type Feed struct {
	url     string // market channel: full combined-stream URL
	wsBase  string
	symbol  string
	channel string // "market" or "user"

	keys       listenKeyManager // set for the user channel
	listenKey  string           // current key, only touched from Run's goroutine
	keyExpired atomic.Bool

	connMu sync.Mutex // protects conn reads/writes
	conn   *websocket.Conn

	readTimeout time.Duration

	// Typed event channels — consumers read from these via accessor methods
	markCh  chan types.MarkTick
	klineCh chan types.Candle
	userCh  chan *types.UserDataEvent
	dropped atomic.Uint64

	logger *slog.Logger
}

// NewMarketFeed creates a feed for the public combined market stream.
func NewMarketFeed(wsBase, symbol string, streams []string, logger *slog.Logger) *Feed {
	return &Feed{
		url:         wsBase + "/stream?streams=" + strings.Join(streams, "/"),
		wsBase:      wsBase,
		symbol:      strings.ToUpper(symbol),
		channel:     "market",
		readTimeout: readTimeoutMarket,
		markCh:      make(chan types.MarkTick, markBufferSize),
		klineCh:     make(chan types.Candle, klineBufferSize),
		userCh:      make(chan *types.UserDataEvent, userBufferSize),
		logger:      logger.With("component", "ws_market"),
	}
}

// NewUserFeed creates a feed for the authenticated user data stream.
func NewUserFeed(wsBase, symbol string, keys listenKeyManager, logger *slog.Logger) *Feed {
	return &Feed{
		wsBase:      wsBase,
		symbol:      strings.ToUpper(symbol),
		channel:     "user",
		keys:        keys,
		readTimeout: readTimeoutUser,
		markCh:      make(chan types.MarkTick, markBufferSize),
		klineCh:     make(chan types.Candle, klineBufferSize),
		userCh:      make(chan *types.UserDataEvent, userBufferSize),
		logger:      logger.With("component", "ws_user"),
	}
}

// MarkEvents returns a read-only channel of normalized mark price ticks.
func (f *Feed) MarkEvents() <-chan types.MarkTick { return f.markCh }

// KlineEvents returns a read-only channel of normalized candles.
func (f *Feed) KlineEvents() <-chan types.Candle { return f.klineCh }

// UserEvents returns a read-only channel of order update events.
func (f *Feed) UserEvents() <-chan *types.UserDataEvent { return f.userCh }

// Dropped returns how many events were discarded on full channels.
func (f *Feed) Dropped() uint64 { return f.dropped.Load() }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that lived a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	wsURL := f.url
	if f.channel == "user" {
		key, err := f.currentListenKey(ctx)
		if err != nil {
			return fmt.Errorf("listen key: %w", err)
		}
		wsURL = f.wsBase + "/ws/" + key
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// The server pings periodically; answer and push the deadline out.
	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(writeTimeout))
	})

	f.logger.Info("websocket connected", "channel", f.channel)

	if f.channel == "user" {
		keepCtx, keepCancel := context.WithCancel(ctx)
		defer keepCancel()
		go f.keepAliveLoop(keepCtx)
	}

	// Read loop with deadline so we reconnect if the server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(f.readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)

		if f.keyExpired.Load() {
			return fmt.Errorf("listen key expired")
		}
	}
}

// currentListenKey returns the active key, creating a fresh one after
// startup or expiry. Only Run's goroutine touches the key.
func (f *Feed) currentListenKey(ctx context.Context) (string, error) {
	if f.keyExpired.Swap(false) {
		f.listenKey = ""
	}
	if f.listenKey != "" {
		return f.listenKey, nil
	}
	key, err := f.keys.CreateListenKey(ctx)
	if err != nil {
		return "", err
	}
	f.listenKey = key
	return key, nil
}

// keepAliveLoop extends the listen key for as long as the connection
// lives. A failed keepalive is not fatal here: if the key really
// expired the server closes the stream and reconnect handles it.
func (f *Feed) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.keys.KeepAliveListenKey(ctx); err != nil {
				f.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

func (f *Feed) dispatchMessage(data []byte) {
	// Combined-stream frames arrive wrapped; unwrap to the flat event.
	var wrapper struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Data) > 0 {
		data = wrapper.Data
	}

	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "markPriceUpdate":
		var evt types.MarkPriceEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal markPriceUpdate", "error", err)
			return
		}
		if !strings.EqualFold(evt.Symbol, f.symbol) {
			return
		}
		price, err := strconv.ParseFloat(evt.MarkPrice, 64)
		if err != nil {
			f.logger.Debug("unparseable mark price", "value", evt.MarkPrice)
			return
		}
		tick := types.MarkTick{Symbol: f.symbol, Price: price, EventTime: evt.EventTime}
		select {
		case f.markCh <- tick:
		default:
			f.dropped.Add(1)
			f.logger.Warn("mark channel full, dropping tick", "price", price)
		}

	case "kline":
		var evt types.KlineEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal kline", "error", err)
			return
		}
		if !strings.EqualFold(evt.Symbol, f.symbol) {
			return
		}
		f.pushKline(types.NormalizeKline(f.symbol, evt.Kline))

	case "continuous_kline":
		var evt types.ContinuousKlineEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal continuous_kline", "error", err)
			return
		}
		if !strings.EqualFold(evt.Pair, f.symbol) {
			return
		}
		f.pushKline(types.NormalizeKline(f.symbol, evt.Kline))

	case "ORDER_TRADE_UPDATE":
		var evt types.UserDataEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal ORDER_TRADE_UPDATE", "error", err)
			return
		}
		if !strings.EqualFold(evt.Order.Symbol, f.symbol) {
			return
		}
		select {
		case f.userCh <- &evt:
		default:
			f.dropped.Add(1)
			f.logger.Warn("user channel full, dropping event", "order_id", evt.Order.OrderID)
		}

	case "listenKeyExpired":
		f.logger.Warn("listen key expired, reconnecting with a fresh key")
		f.keyExpired.Store(true)

	case "ACCOUNT_UPDATE", "MARGIN_CALL", "ACCOUNT_CONFIG_UPDATE", "TRADE_LITE":
		// Account-level notifications; the cycle re-reads state over REST
		f.logger.Debug("ignoring event", "type", envelope.EventType)

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *Feed) pushKline(candle types.Candle) {
	select {
	case f.klineCh <- candle:
	default:
		f.dropped.Add(1)
		f.logger.Warn("kline channel full, dropping candle", "open_time", candle.OpenTime)
	}
}
