// Package orders tracks in-flight exchange orders.
//
// A Tracker holds the latest known state of one order, merged from
// ORDER_TRADE_UPDATE stream events and REST order reads. The trading
// cycle registers an order right after submission and blocks on Wait
// until the order reaches a terminal status; the event router feeds
// ApplyEvent from the user stream. The two paths race: an event may
// arrive before the cycle registers its order, so both converge on one
// tracker per id.
package orders

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"futures-agent/pkg/types"
)

// latePollInterval paces Wait's lookup while the submit path is still
// registering the order.
const latePollInterval = 50 * time.Millisecond

// State is a point-in-time copy of a tracker. Decimal fields keep the
// wire's string form.
type State struct {
	OrderID       int64  `json:"order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	PositionSide  string `json:"position_side,omitempty"`
	Type          string `json:"type"`
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
	Quantity      string `json:"qty,omitempty"`
	Price         string `json:"price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ExecutedQty   string `json:"executed_qty,omitempty"`
	LastFillQty   string `json:"last_fill_qty,omitempty"`
	LastFillPrice string `json:"last_fill_price,omitempty"`
	AvgPrice      string `json:"avg_price,omitempty"`
	Status        string `json:"status"`
	UpdateTime    int64  `json:"update_time,omitempty"`
}

// Terminal reports whether the order has finished its life.
func (s State) Terminal() bool {
	return types.OrderStatus(s.Status).IsTerminal()
}

// Tracker is the mutable state of one order. The done channel closes
// exactly once, when a terminal status first arrives.
type Tracker struct {
	mu     sync.Mutex
	state  State
	done   chan struct{}
	closed bool
}

func newTracker(orderID int64) *Tracker {
	return &Tracker{
		state: State{OrderID: orderID, Status: string(types.StatusNew)},
		done:  make(chan struct{}),
	}
}

// Done returns the completion signal; it is closed once the order
// reaches a terminal status.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// State returns a copy of the tracker's current fields.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// merge folds non-empty incoming fields into the tracker. Executed
// quantity never decreases and a terminal status never regresses.
func (t *Tracker) merge(in State) {
	t.mu.Lock()
	defer t.mu.Unlock()

	setStr(&t.state.Symbol, in.Symbol)
	setStr(&t.state.Side, in.Side)
	setStr(&t.state.PositionSide, in.PositionSide)
	setStr(&t.state.Type, in.Type)
	setStr(&t.state.Quantity, in.Quantity)
	setStr(&t.state.Price, in.Price)
	setStr(&t.state.StopPrice, in.StopPrice)
	setStr(&t.state.LastFillQty, in.LastFillQty)
	setStr(&t.state.LastFillPrice, in.LastFillPrice)
	setStr(&t.state.AvgPrice, in.AvgPrice)
	if in.ReduceOnly {
		t.state.ReduceOnly = true
	}
	if in.ExecutedQty != "" && qty(in.ExecutedQty) >= qty(t.state.ExecutedQty) {
		t.state.ExecutedQty = in.ExecutedQty
	}
	if in.UpdateTime > t.state.UpdateTime {
		t.state.UpdateTime = in.UpdateTime
	}
	if in.Status != "" {
		// A terminal status never regresses; a late REST poll cannot
		// reopen a filled order.
		if !t.state.Terminal() || types.OrderStatus(in.Status).IsTerminal() {
			t.state.Status = in.Status
		}
	}

	if t.state.Terminal() && !t.closed {
		t.closed = true
		close(t.done)
	}
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func qty(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// Store is the tracker registry for one symbol's orders.
type Store struct {
	mu       sync.Mutex
	trackers map[int64]*Tracker
}

func NewStore() *Store {
	return &Store{trackers: make(map[int64]*Tracker)}
}

// Registration seeds a tracker at submission time.
type Registration struct {
	Symbol       string
	OrderID      int64
	Side         string
	PositionSide string
	Type         string
	ReduceOnly   bool
	Quantity     string
	Price        string
	StopPrice    string
	Status       string
}

// Register creates (or finds) the tracker for an order id and folds the
// seed fields in. Registering the same id twice is safe; progress from
// events that beat the registration is preserved.
func (s *Store) Register(reg Registration) *Tracker {
	if reg.OrderID == 0 {
		return nil
	}
	tr := s.tracker(reg.OrderID)
	tr.merge(State{
		Symbol:       reg.Symbol,
		Side:         reg.Side,
		PositionSide: reg.PositionSide,
		Type:         reg.Type,
		ReduceOnly:   reg.ReduceOnly,
		Quantity:     reg.Quantity,
		Price:        reg.Price,
		StopPrice:    reg.StopPrice,
		Status:       reg.Status,
	})
	return tr
}

// RegisterResult registers an order straight from a REST submit
// response.
func (s *Store) RegisterResult(res *types.OrderResult) *Tracker {
	if res == nil {
		return nil
	}
	tr := s.Register(Registration{
		Symbol:       res.Symbol,
		OrderID:      res.OrderID,
		Side:         res.Side,
		PositionSide: res.PositionSide,
		Type:         res.Type,
		ReduceOnly:   res.ReduceOnly,
		Quantity:     res.OrigQty,
		Price:        res.Price,
		StopPrice:    res.StopPrice,
		Status:       res.Status,
	})
	if tr != nil && res.ExecutedQty != "" {
		tr.merge(State{ExecutedQty: res.ExecutedQty, AvgPrice: res.AvgPrice, UpdateTime: res.UpdateTime})
	}
	return tr
}

// Get returns the tracker for an order id.
func (s *Store) Get(orderID int64) (*Tracker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trackers[orderID]
	return tr, ok
}

// ApplyEvent merges an ORDER_TRADE_UPDATE into the order's tracker,
// creating it when the event wins the race against Register.
func (s *Store) ApplyEvent(evt *types.UserDataEvent) *Tracker {
	if evt == nil || evt.Order.OrderID == 0 {
		return nil
	}
	o := evt.Order

	// The venue reports the original type in ot; o mutates to MARKET
	// once a stop triggers.
	typ := o.OrigType
	if typ == "" {
		typ = o.OrderType
	}

	tr := s.tracker(o.OrderID)
	tr.merge(State{
		Symbol:        o.Symbol,
		Side:          o.Side,
		PositionSide:  o.PositionSide,
		Type:          typ,
		ReduceOnly:    o.ReduceOnly,
		Quantity:      o.Quantity,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		ExecutedQty:   o.CumFillQty,
		LastFillQty:   o.LastFillQty,
		LastFillPrice: o.LastFillPrice,
		AvgPrice:      o.AvgPrice,
		Status:        o.Status,
		UpdateTime:    evt.UpdateTime(),
	})
	return tr
}

// ApplyRest merges a REST order read; the poll fallback lands here when
// the stream path goes quiet.
func (s *Store) ApplyRest(res *types.OrderResult) *Tracker {
	if res == nil || res.OrderID == 0 {
		return nil
	}
	tr := s.tracker(res.OrderID)
	tr.merge(State{
		Symbol:       res.Symbol,
		Side:         res.Side,
		PositionSide: res.PositionSide,
		Type:         res.Type,
		ReduceOnly:   res.ReduceOnly,
		Quantity:     res.OrigQty,
		Price:        res.Price,
		StopPrice:    res.StopPrice,
		ExecutedQty:  res.ExecutedQty,
		AvgPrice:     res.AvgPrice,
		Status:       res.Status,
		UpdateTime:   res.UpdateTime,
	})
	return tr
}

// Wait blocks until the order reaches a terminal status, the timeout
// lapses, or ctx is canceled. ok is true only on a terminal status; on
// a plain timeout the last known state comes back with ok=false so the
// caller can fall through to the REST poll.
func (s *Store) Wait(ctx context.Context, orderID int64, timeout time.Duration) (State, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	tr, ok := s.Get(orderID)
	if !ok {
		poll := time.NewTicker(latePollInterval)
		defer poll.Stop()
		for !ok {
			select {
			case <-ctx.Done():
				return State{}, false
			case <-deadline.C:
				return State{}, false
			case <-poll.C:
			}
			tr, ok = s.Get(orderID)
		}
	}

	select {
	case <-tr.Done():
		return tr.State(), true
	case <-ctx.Done():
		return tr.State(), false
	case <-deadline.C:
		return tr.State(), false
	}
}

// All returns a copy of every tracked order, newest update first.
func (s *Store) All() []State {
	s.mu.Lock()
	trackers := make([]*Tracker, 0, len(s.trackers))
	for _, tr := range s.trackers {
		trackers = append(trackers, tr)
	}
	s.mu.Unlock()

	out := make([]State, 0, len(trackers))
	for _, tr := range trackers {
		out = append(out, tr.State())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdateTime != out[j].UpdateTime {
			return out[i].UpdateTime > out[j].UpdateTime
		}
		return out[i].OrderID > out[j].OrderID
	})
	return out
}

// tracker returns the tracker for an id, creating it if needed.
func (s *Store) tracker(orderID int64) *Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.trackers[orderID]
	if !ok {
		tr = newTracker(orderID)
		s.trackers[orderID] = tr
	}
	return tr
}
