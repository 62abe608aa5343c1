// cycle.go drives one full cycle: precheck, snapshot, advice, gate,
// reconcile, entry, protection, publication. Policy short-circuits (bad
// decision, low confidence, empty cache) are normal returns with a reason;
// only infrastructure failures propagate as errors so the trigger loop can
// back off.

package trader

import (
	"context"
	"strings"
	"time"

	"futures-agent/internal/market"
	"futures-agent/pkg/types"
)

// RunCycle performs one invocation. The returned Result always carries the
// terminal state that was published; err is non-nil only for the error
// state.
func (t *Trader) RunCycle(ctx context.Context) (*Result, error) {
	snap := t.cache.Snapshot()
	if snap.Mark == nil || snap.Candle == nil || snap.MarkAt.IsZero() {
		t.logger.Info("stream cache not primed, skipping cycle")
		t.setState(string(types.CycleSkipped), map[string]any{"reason": "ws_priming"})
		t.event("prerun_check", map[string]any{"result": "skipped", "reason": "ws_priming"})
		return &Result{State: types.CycleSkipped, Reason: "ws_priming"}, nil
	}
	t.logger.Info("cache snapshot",
		"mark", snap.Mark.Price,
		"age", t.now().Sub(snap.MarkAt).Round(10*time.Millisecond),
		"last_close", snap.Candle.Close)

	// Positions shown to operators should survive whatever this cycle did,
	// including the paths that bail out early.
	defer t.refreshPositions(ctx)

	// The advisor sees the same mark and candle the trigger saw.
	view, err := t.builder.Build(ctx)
	if err != nil {
		return t.fail(err, "", 0)
	}
	if t.inForbiddenWindow(t.now()) {
		view.Notices = append(view.Notices, "forbidden_window")
		t.logger.Warn("inside forbidden window, new entries discouraged")
		t.setState("running", map[string]any{"notice": "forbidden_window"})
		t.event("constraint", map[string]any{"result": "blocked", "constraint": "forbidden_window"})
	}
	if err := t.status.SetLatestInput(view); err != nil {
		t.logger.Warn("latest input publish failed", "error", err)
	}

	advice, err := t.advisor.Advise(ctx, view)
	if err != nil {
		return t.fail(err, "", 0)
	}
	if err := t.status.SetLatestAdvice(map[string]any{"symbol": t.cfg.Symbol, "advice": advice}); err != nil {
		t.logger.Warn("latest advice publish failed", "error", err)
	}
	t.appendAIHistory(advice)
	t.setState("running", map[string]any{
		"last_decision":   advice.Decision,
		"last_confidence": advice.Confidence,
	})
	t.event("ai_decision", map[string]any{
		"result": "received", "decision": advice.Decision, "confidence": advice.Confidence,
	})

	decision, ok := advice.Direction()
	if !ok {
		t.logger.Warn("advisor returned an unknown decision", "decision", advice.Decision)
		t.setState(string(types.CycleInvalid), map[string]any{
			"reason": "invalid_decision", "last_decision": advice.Decision,
		})
		t.event("ai_decision", map[string]any{"result": "invalid", "decision": advice.Decision})
		return &Result{State: types.CycleInvalid, Reason: "invalid_decision", Confidence: advice.Confidence}, nil
	}

	// Confidence of exactly zero (or absent) is "no opinion" and does not
	// gate; anything between zero and the threshold does.
	conf := advice.Confidence
	threshold := clamp01(t.cfg.Advisor.ConfThreshold)
	if conf > 0 && conf < threshold {
		t.logger.Warn("confidence below threshold, holding order flow",
			"confidence", conf, "threshold", threshold)
		t.setState(string(types.CycleSkipped), map[string]any{
			"reason": "low_confidence", "last_decision": string(decision), "last_confidence": conf,
		})
		t.event("ai_decision", map[string]any{"result": "skipped", "confidence": conf})
		return &Result{State: types.CycleSkipped, Reason: "low_confidence", Decision: decision, Confidence: conf}, nil
	}

	hedge, err := t.exchange.PositionMode(ctx)
	if err != nil {
		return t.fail(err, decision, conf)
	}
	positions, err := t.exchange.PositionRisk(ctx, t.cfg.Symbol)
	if err != nil {
		return t.fail(err, decision, conf)
	}
	t.setPositions(positions)
	sameQty, oppQty := splitQty(positions, t.cfg.Symbol, decision)

	if advice.Position != nil && advice.Position.Size != nil {
		if lev := advice.Position.Size.Leverage; lev > 0 {
			if err := t.exchange.ChangeLeverage(ctx, t.cfg.Symbol, lev); err != nil {
				t.logger.Warn("leverage change failed", "leverage", lev, "error", err)
			}
		}
	}

	if decision == types.DecisionFlat {
		return t.runFlat(ctx, positions, hedge, advice), nil
	}

	if oppQty > 0 {
		oppSide := types.DecisionShort
		if decision == types.DecisionShort {
			oppSide = types.DecisionLong
		}
		t.logger.Info("closing opposite position before entry", "side", oppSide, "qty", oppQty)
		for _, p := range positions {
			if p.Symbol == t.cfg.Symbol && p.Side == oppSide && p.Quantity > 0 {
				t.closePosition(ctx, p, hedge, "reverse_close", advice)
			}
		}
		t.cleanupProtection(ctx, hedge)
	}

	qty, price, orderType := t.resolveEntry(advice, view)
	if qty <= 0 {
		t.logger.Warn("advice yields no tradable quantity")
		t.setState(string(types.CycleInvalid), map[string]any{
			"reason": "zero_quantity", "last_decision": string(decision), "last_confidence": conf,
		})
		t.event("order_prep", map[string]any{"result": "invalid", "qty": qty})
		return &Result{State: types.CycleInvalid, Reason: "zero_quantity", Decision: decision, Confidence: conf}, nil
	}

	req := types.OrderRequest{
		Symbol:   t.cfg.Symbol,
		Side:     decision.EntrySide(),
		Type:     orderType,
		Quantity: types.FormatNum(qty),
	}
	if orderType == types.OrderLimit {
		req.Price = types.FormatNum(price)
		req.TimeInForce = types.GTC
	}
	if hedge {
		req.PositionSide = decision.HedgeSide()
	}
	t.logger.Info("placing entry",
		"side", req.Side, "type", req.Type, "qty", req.Quantity, "price", req.Price)
	res, err := t.exchange.CreateOrder(ctx, req)
	if err != nil {
		t.recordOrder("entry", req, nil, nil, err)
		return t.fail(err, decision, conf)
	}
	fill := t.confirmOrder(ctx, req, res)
	if !t.cfg.DryRun {
		t.cleanupProtection(ctx, hedge)
	}
	t.recordOrder("entry", req, res, fill, nil)

	filled := num(fill.ExecutedQty)
	if filled > 0 {
		t.placeProtection(ctx, decision, filled, advice, hedge)
	}

	t.logger.Info("cycle complete",
		"decision", decision, "confidence", conf,
		"entry_qty", qty, "filled", filled,
		"same_side_qty", sameQty, "opposite_qty", oppQty)
	t.setState(string(types.CycleCompleted), map[string]any{
		"last_decision": string(decision), "last_confidence": conf,
		"filled_qty": filled, "last_action": "entry",
	})
	t.event("execution", map[string]any{
		"result": "completed", "decision": string(decision), "filled_qty": filled,
	})
	return &Result{State: types.CycleCompleted, Decision: decision, Confidence: conf, Filled: filled}, nil
}

// runFlat closes every open position on the symbol with reduce-only market
// orders, then sweeps protective orders that no longer guard anything.
func (t *Trader) runFlat(ctx context.Context, positions []types.Position, hedge bool, advice *types.Advice) *Result {
	closed := 0
	for _, p := range positions {
		if p.Symbol != t.cfg.Symbol || p.Quantity <= 0 {
			continue
		}
		t.closePosition(ctx, p, hedge, "flat_exit", advice)
		closed++
	}
	if closed == 0 {
		t.logger.Info("no open positions, nothing to close")
	}
	t.cleanupProtection(ctx, hedge)
	t.setState(string(types.CycleFlat), map[string]any{
		"last_decision":   advice.Decision,
		"last_confidence": advice.Confidence,
		"last_action":     "flat_exit",
	})
	t.event("flat_execution", map[string]any{"result": "completed", "closed": closed})
	return &Result{State: types.CycleFlat, Decision: types.DecisionFlat, Confidence: advice.Confidence}
}

// resolveEntry derives the entry parameters from the advice: explicit
// contracts win, otherwise size by quote value against the current mark.
// Anything other than an explicit "limit" order type is a market entry.
func (t *Trader) resolveEntry(advice *types.Advice, view *market.MarketSnapshot) (qty, price float64, typ types.OrderType) {
	var size *types.AdviceSize
	var entry *types.AdviceEntry
	if advice.Position != nil {
		size = advice.Position.Size
		entry = advice.Position.Entry
	}
	last := view.Market.MarkPrice
	if last <= 0 {
		last = view.Market.LastClose
	}
	if size != nil {
		qty = size.Contracts
		if qty <= 0 && size.QuoteValueUSDT > 0 && last > 0 {
			qty = size.QuoteValueUSDT / last
		}
	}
	typ = types.OrderMarket
	if entry != nil {
		if entry.Price > 0 {
			price = t.filter.SnapPrice(entry.Price)
		}
		if strings.EqualFold(entry.OrderType, "limit") {
			typ = types.OrderLimit
		}
	}
	return t.filter.SnapQty(qty), price, typ
}

// splitQty splits the symbol's open quantity into the side matching the
// target direction and the side opposing it.
func splitQty(positions []types.Position, symbol string, target types.Decision) (same, opposite float64) {
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		if p.Side == target {
			same += p.Quantity
		} else {
			opposite += p.Quantity
		}
	}
	return same, opposite
}

// fail publishes the error terminal state and propagates the error to the
// trigger loop for back-off.
func (t *Trader) fail(err error, decision types.Decision, conf float64) (*Result, error) {
	t.logger.Error("cycle failed", "error", err)
	fields := map[string]any{"error": err.Error()}
	if decision != "" {
		fields["last_decision"] = string(decision)
		fields["last_confidence"] = conf
	}
	t.setState(string(types.CycleError), fields)
	t.event("execution", map[string]any{"result": "error", "error": err.Error()})
	return &Result{State: types.CycleError, Reason: err.Error(), Decision: decision, Confidence: conf}, err
}

func (t *Trader) setState(state string, fields map[string]any) {
	merged := map[string]any{"state": state, "symbol": t.cfg.Symbol}
	for k, v := range fields {
		merged[k] = v
	}
	if err := t.status.UpdateSection("trader", merged); err != nil {
		t.logger.Warn("status update failed", "error", err)
	}
}

func (t *Trader) event(kind string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["symbol"] = t.cfg.Symbol
	if err := t.status.AppendEvent(kind, fields); err != nil {
		t.logger.Warn("event append failed", "error", err)
	}
}

func (t *Trader) setPositions(positions []types.Position) {
	if err := t.status.SetPositions(positions); err != nil {
		t.logger.Warn("positions publish failed", "error", err)
	}
}

func (t *Trader) refreshPositions(ctx context.Context) {
	positions, err := t.exchange.PositionRisk(ctx, t.cfg.Symbol)
	if err != nil {
		t.logger.Debug("position refresh failed", "error", err)
		return
	}
	t.setPositions(positions)
}
