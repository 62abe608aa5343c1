// Package market holds the local view of one futures symbol: the stream
// cache fed by the WebSocket router, and the snapshot builder that
// assembles the advisor's market picture over REST.
//
// Cache mirrors the latest stream state for a single symbol. It is
// updated from the event router with mark-price ticks, closed candles
// and per-order user events, and read by the trading cycle, the status
// publisher and the HTTP API. Reads return copies; a single mutex
// guards all fields.
package market

import (
	"sync"
	"time"

	"futures-agent/pkg/types"
)

// Cache is the stream cache for one symbol and one kline interval.
// Timestamps are monotonic per stream: events older than the newest
// applied one are discarded, so a reconnect replay cannot walk state
// backwards.
type Cache struct {
	mu       sync.Mutex
	symbol   string
	interval string

	mark   *types.MarkTick
	markAt time.Time // local receive time

	candle   *types.Candle // latest closed candle
	candleAt time.Time

	orders map[int64]*types.UserDataEvent // latest event per order id

	markCount  int64
	klineCount int64
	userCount  int64
}

// Snapshot is a consistent copy of the cache for one reader.
type Snapshot struct {
	Mark     *types.MarkTick
	MarkAt   time.Time
	Candle   *types.Candle
	CandleAt time.Time
}

// Counts reports how many events of each kind the cache has applied.
type Counts struct {
	Mark  int64
	Kline int64
	User  int64
}

// NewCache creates an empty cache for the symbol and kline interval.
func NewCache(symbol, interval string) *Cache {
	return &Cache{
		symbol:   symbol,
		interval: interval,
		orders:   make(map[int64]*types.UserDataEvent),
	}
}

// ApplyMark records a mark tick. Returns false when the tick belongs to
// another symbol or is older than the one already held.
func (c *Cache) ApplyMark(tick types.MarkTick) bool {
	if tick.Symbol != c.symbol {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mark != nil && tick.EventTime < c.mark.EventTime {
		return false
	}
	t := tick
	c.mark = &t
	c.markAt = time.Now()
	c.markCount++
	return true
}

// ApplyKline records a closed candle. Open candles and foreign
// symbols/intervals are rejected; so are candles older than the one held.
func (c *Cache) ApplyKline(candle types.Candle) bool {
	if !candle.Closed || candle.Symbol != c.symbol || candle.Interval != c.interval {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.candle != nil && candle.OpenTime < c.candle.OpenTime {
		return false
	}
	k := candle
	c.candle = &k
	c.candleAt = time.Now()
	c.klineCount++
	return true
}

// ApplyUserEvent records the latest order update per order id.
func (c *Cache) ApplyUserEvent(evt *types.UserDataEvent) bool {
	if evt == nil || evt.Order.OrderID == 0 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.orders[evt.Order.OrderID]; ok && evt.UpdateTime() < prev.UpdateTime() {
		return false
	}
	c.orders[evt.Order.OrderID] = evt
	c.userCount++
	return true
}

// Snapshot returns a copy of the current mark and closed candle.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{MarkAt: c.markAt, CandleAt: c.candleAt}
	if c.mark != nil {
		m := *c.mark
		snap.Mark = &m
	}
	if c.candle != nil {
		k := *c.candle
		snap.Candle = &k
	}
	return snap
}

// Primed reports whether at least one mark tick and one closed candle
// have arrived. Cycles skip rather than fail until this turns true.
func (c *Cache) Primed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mark != nil && c.candle != nil
}

// MarkPrice returns the cached mark price if it is fresher than maxAge.
func (c *Cache) MarkPrice(maxAge time.Duration) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mark == nil || time.Since(c.markAt) > maxAge {
		return 0, false
	}
	return c.mark.Price, true
}

// OrderEvent returns the latest stream event seen for an order.
func (c *Cache) OrderEvent(orderID int64) (*types.UserDataEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	evt, ok := c.orders[orderID]
	return evt, ok
}

// Counts returns the applied-event counters for the stats log.
func (c *Cache) Counts() Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Counts{Mark: c.markCount, Kline: c.klineCount, User: c.userCount}
}
