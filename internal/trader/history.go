// history.go persists the order, close and advisory records the status
// API serves.

package trader

import (
	"strconv"

	"futures-agent/internal/orders"
	"futures-agent/pkg/types"
)

// recordOrder appends one order-history record. A nil result means the
// submission itself failed; a nil fill means the order was not waited on.
func (t *Trader) recordOrder(action string, req types.OrderRequest, res *types.OrderResult, fill *orders.State, submitErr error) {
	rec := map[string]any{
		"ts":          t.now().UnixMilli(),
		"action":      action,
		"symbol":      req.Symbol,
		"side":        string(req.Side),
		"order_type":  string(req.Type),
		"quantity":    req.Quantity,
		"reduce_only": req.ReduceOnly,
		"dry_run":     t.cfg.DryRun,
	}
	if req.PositionSide != "" {
		rec["position_side"] = string(req.PositionSide)
	}
	if req.Price != "" {
		rec["price"] = req.Price
	}
	if req.StopPrice != "" {
		rec["stop_price"] = req.StopPrice
	}
	if res != nil {
		rec["order_id"] = res.OrderID
		rec["client_order_id"] = res.ClientOrderID
		rec["status"] = res.Status
	}
	if fill != nil {
		rec["status"] = fill.Status
		rec["executed_qty"] = fill.ExecutedQty
		if fill.AvgPrice != "" {
			rec["avg_price"] = fill.AvgPrice
		}
		if fill.UpdateTime > 0 {
			rec["update_time"] = fill.UpdateTime
		}
	}
	if submitErr != nil {
		rec["status"] = "ERROR"
		rec["error"] = submitErr.Error()
	}
	if err := t.status.AppendOrder(rec); err != nil {
		t.logger.Warn("order history append failed", "error", err)
	}
}

// recordClose appends realized-PnL analytics for one position exit. The
// position snapshot is from before the close; the fill supplies the exit
// price. Non-terminal fills are not recorded outside dry-run.
func (t *Trader) recordClose(action string, p types.Position, fill *orders.State, advice *types.Advice) {
	if fill == nil {
		return
	}
	if !t.cfg.DryRun && !fill.Terminal() {
		return
	}
	qty := num(fill.ExecutedQty)
	if qty <= 0 {
		qty = p.Quantity
	}
	if qty <= 0 {
		return
	}
	exit := num(fill.AvgPrice)
	if exit <= 0 {
		exit = num(fill.LastFillPrice)
	}
	if exit <= 0 && t.cfg.DryRun {
		exit = p.EntryPrice
	}

	rec := map[string]any{
		"ts":          t.now().UnixMilli(),
		"action":      action,
		"symbol":      p.Symbol,
		"side":        string(p.Side),
		"qty":         qty,
		"entry_price": p.EntryPrice,
		"decision":    advice.Decision,
		"confidence":  advice.Confidence,
		"dry_run":     t.cfg.DryRun,
		"status":      fill.Status,
	}
	if exit > 0 {
		rec["exit_price"] = exit
		if p.EntryPrice > 0 {
			direction := 1.0
			if p.Side == types.DecisionShort {
				direction = -1
			}
			pnl := (exit - p.EntryPrice) * qty * direction
			rec["realized_pnl_usdt"] = pnl
			rec["return_pct"] = pnl / (p.EntryPrice * qty) * 100
		}
	}
	if err := t.status.AppendCloseHistory(rec); err != nil {
		t.logger.Warn("close history append failed", "error", err)
	}
}

// appendAIHistory captures one advisory exchange for the history file.
// Long prose fields are truncated so a single verbose answer cannot bloat
// the file.
func (t *Trader) appendAIHistory(advice *types.Advice) {
	rec := map[string]any{
		"ts":         t.now().UnixMilli(),
		"symbol":     t.cfg.Symbol,
		"decision":   advice.Decision,
		"confidence": advice.Confidence,
	}
	if advice.Timeframe != "" {
		rec["timeframe"] = advice.Timeframe
	}
	if advice.Rationale != "" {
		rec["rationale"] = truncate(advice.Rationale, 400)
	}
	if advice.Notes != "" {
		rec["notes"] = truncate(advice.Notes, 300)
	}
	if pos := advice.Position; pos != nil {
		sum := map[string]any{}
		if pos.Entry != nil {
			sum["entry_type"] = pos.Entry.OrderType
			if pos.Entry.Price > 0 {
				sum["entry_price"] = pos.Entry.Price
			}
		}
		if pos.Size != nil {
			if pos.Size.Contracts > 0 {
				sum["contracts"] = pos.Size.Contracts
			}
			if pos.Size.QuoteValueUSDT > 0 {
				sum["quote_value_usdt"] = pos.Size.QuoteValueUSDT
			}
		}
		if pos.StopLoss != nil && pos.StopLoss.Price > 0 {
			sum["stop_loss_price"] = pos.StopLoss.Price
		}
		if len(sum) > 0 {
			rec["position"] = sum
		}
	}
	if err := t.status.AppendAIHistory(rec); err != nil {
		t.logger.Warn("ai history append failed", "error", err)
	}
}

func num(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
