// orders.go holds the order mechanics: reduce-only closes, fill
// confirmation (stream first, REST fallback), protective placement and the
// stale-protection sweep.

package trader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"futures-agent/internal/orders"
	"futures-agent/pkg/types"
)

// closePosition submits a reduce-only market order against one open
// position and waits for it to reach a terminal status. A failed close is
// logged and recorded but does not abort the rest of the cycle; only the
// entry order is allowed to do that.
func (t *Trader) closePosition(ctx context.Context, p types.Position, hedge bool, action string, advice *types.Advice) {
	req := types.OrderRequest{
		Symbol:     t.cfg.Symbol,
		Side:       p.Side.EntrySide().Opposite(),
		Type:       types.OrderMarket,
		Quantity:   types.FormatNum(t.filter.SnapQty(p.Quantity)),
		ReduceOnly: true,
	}
	if hedge {
		req.PositionSide = p.Side.HedgeSide()
	}
	t.logger.Info("closing position", "action", action, "side", p.Side, "qty", req.Quantity)
	res, err := t.exchange.CreateOrder(ctx, req)
	if err != nil {
		t.logger.Error("close order failed", "action", action, "error", err)
		t.recordOrder(action, req, nil, nil, err)
		return
	}
	fill := t.confirmOrder(ctx, req, res)
	t.recordOrder(action, req, res, fill, nil)
	t.recordClose(action, p, fill, advice)
}

// confirmOrder resolves a submitted order to its fill state. Dry-run
// orders never touch the venue, so the requested quantity stands in for
// the fill; live orders wait on the user stream and fall back to REST
// polling when it stays silent.
func (t *Trader) confirmOrder(ctx context.Context, req types.OrderRequest, res *types.OrderResult) *orders.State {
	if t.cfg.DryRun {
		return &orders.State{
			OrderID:     res.OrderID,
			Symbol:      req.Symbol,
			Side:        string(req.Side),
			Type:        string(req.Type),
			Status:      res.Status,
			ExecutedQty: req.Quantity,
			AvgPrice:    req.Price,
		}
	}
	t.store.RegisterResult(res)
	state, ok := t.store.Wait(ctx, res.OrderID, t.wsWait)
	if ok {
		return &state
	}
	t.logger.Warn("stream confirmation timed out, polling REST", "order_id", res.OrderID)
	if st, ok := t.pollOrder(ctx, res.OrderID); ok {
		return st
	}
	t.logger.Warn("order status unresolved", "order_id", res.OrderID, "last_status", state.Status)
	return &state
}

// pollOrder is the REST fallback: query the order until it turns terminal
// or the poll deadline passes. Every response is merged into the order
// store so a racing stream event cannot regress it.
func (t *Trader) pollOrder(ctx context.Context, orderID int64) (*orders.State, bool) {
	deadline := t.now().Add(t.pollWait)
	ticker := time.NewTicker(t.pollEvery)
	defer ticker.Stop()
	for {
		res, err := t.exchange.GetOrder(ctx, t.cfg.Symbol, orderID)
		if err != nil {
			t.logger.Warn("order poll failed", "order_id", orderID, "error", err)
		} else {
			st := t.store.ApplyRest(res).State()
			if st.Terminal() {
				return &st, true
			}
			t.logger.Info("order poll", "order_id", orderID,
				"status", res.Status, "executed", res.ExecutedQty)
		}
		if t.now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

// placeProtection places the advisory's stop-loss, take-profit rungs and
// trailing stop against the filled quantity. All are reduce-only and
// best-effort: registered with the order store, never waited on.
func (t *Trader) placeProtection(ctx context.Context, decision types.Decision, filled float64, advice *types.Advice, hedge bool) {
	pos := advice.Position
	if pos == nil {
		return
	}
	exitSide := decision.EntrySide().Opposite()
	var posSide types.PositionSide
	if hedge {
		posSide = decision.HedgeSide()
	}

	if sl := pos.StopLoss; sl != nil && sl.Price > 0 {
		working := types.WorkingContractPrice
		if trigger := strings.ToLower(sl.TriggerOn); trigger == "" || trigger == "mark" {
			working = types.WorkingMarkPrice
		}
		t.submitProtective(ctx, "stop_loss", types.OrderRequest{
			Symbol:       t.cfg.Symbol,
			Side:         exitSide,
			PositionSide: posSide,
			Type:         types.OrderStopMarket,
			Quantity:     types.FormatNum(filled),
			StopPrice:    types.FormatNum(t.filter.SnapPrice(sl.Price)),
			ReduceOnly:   true,
			WorkingType:  working,
		})
	}

	for i, tp := range pos.TakeProfits {
		if tp.Price <= 0 || tp.SizePct <= 0 {
			continue
		}
		qty := t.filter.SnapQty(filled * tp.SizePct / 100)
		if qty <= 0 {
			t.logger.Warn("take-profit rung below step size, skipped",
				"rung", i+1, "size_pct", tp.SizePct)
			continue
		}
		t.submitProtective(ctx, fmt.Sprintf("take_profit_%d", i+1), types.OrderRequest{
			Symbol:       t.cfg.Symbol,
			Side:         exitSide,
			PositionSide: posSide,
			Type:         types.OrderLimit,
			Quantity:     types.FormatNum(qty),
			Price:        types.FormatNum(t.filter.SnapPrice(tp.Price)),
			TimeInForce:  types.GTC,
			ReduceOnly:   true,
		})
	}

	if tr := pos.TrailingStop; tr != nil && tr.ActivatePrice > 0 && tr.CallbackPct > 0 {
		t.submitProtective(ctx, "trailing_stop", types.OrderRequest{
			Symbol:          t.cfg.Symbol,
			Side:            exitSide,
			PositionSide:    posSide,
			Type:            types.OrderTrailingStopMarket,
			Quantity:        types.FormatNum(filled),
			ActivationPrice: types.FormatNum(t.filter.SnapPrice(tr.ActivatePrice)),
			CallbackRate:    types.FormatNum(tr.CallbackPct),
			ReduceOnly:      true,
			WorkingType:     types.WorkingMarkPrice,
		})
	}
}

func (t *Trader) submitProtective(ctx context.Context, action string, req types.OrderRequest) {
	t.logger.Info("placing protective order", "action", action, "type", req.Type,
		"qty", req.Quantity, "price", req.Price, "stop", req.StopPrice)
	res, err := t.exchange.CreateOrder(ctx, req)
	if err != nil {
		t.logger.Warn("protective order failed", "action", action, "error", err)
		t.recordOrder(action, req, nil, nil, err)
		return
	}
	if !t.cfg.DryRun {
		t.store.RegisterResult(res)
	}
	t.recordOrder(action, req, res, nil, nil)
}

// protectionTypes are the order types the sweep may cancel; LIMIT covers
// reduce-only take-profit rungs.
var protectionTypes = map[types.OrderType]bool{
	types.OrderStop:               true,
	types.OrderTakeProfit:         true,
	types.OrderStopMarket:         true,
	types.OrderTakeProfitMarket:   true,
	types.OrderTrailingStopMarket: true,
	types.OrderLimit:              true,
}

// cleanupProtection cancels protective orders whose position is gone. The
// venue keeps reduce-only stops alive after a close, and left in place
// they would fire against the next position.
func (t *Trader) cleanupProtection(ctx context.Context, hedge bool) {
	positions, err := t.exchange.PositionRisk(ctx, t.cfg.Symbol)
	if err != nil {
		t.logger.Warn("cleanup position read failed", "error", err)
		return
	}
	t.setPositions(positions)

	var longQty, shortQty float64
	for _, p := range positions {
		if p.Symbol != t.cfg.Symbol {
			continue
		}
		switch p.Side {
		case types.DecisionLong:
			longQty += p.Quantity
		case types.DecisionShort:
			shortQty += p.Quantity
		}
	}

	open, err := t.exchange.OpenOrders(ctx, t.cfg.Symbol)
	if err != nil {
		t.logger.Warn("cleanup open-orders read failed", "error", err)
		return
	}
	for _, od := range open {
		if !staleProtection(od, hedge, longQty, shortQty) {
			continue
		}
		if _, err := t.exchange.CancelOrder(ctx, t.cfg.Symbol, od.OrderID); err != nil {
			t.logger.Warn("protective cancel failed", "order_id", od.OrderID, "error", err)
			continue
		}
		t.logger.Info("canceled stale protective order", "order_id", od.OrderID, "type", od.Type)
	}
}

// staleProtection reports whether an open order is a protective order
// whose protected quantity is now zero: per side in hedge mode, total in
// one-way mode.
func staleProtection(od types.OrderResult, hedge bool, longQty, shortQty float64) bool {
	if !protectionTypes[types.OrderType(od.Type)] {
		return false
	}
	if !od.ReduceOnly && !od.ClosePosition {
		return false
	}
	if hedge {
		switch types.PositionSide(od.PositionSide) {
		case types.PositionLong:
			return longQty <= 0
		case types.PositionShort:
			return shortQty <= 0
		}
		return false
	}
	return longQty <= 0 && shortQty <= 0
}
