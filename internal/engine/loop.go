// loop.go holds the trigger loop: the sole consumer of the event channel
// and the sole invoker of the trading cycle.
package engine

import (
	"time"

	"futures-agent/internal/config"
	"futures-agent/pkg/types"
)

const statsInterval = 10 * time.Second

func (e *Engine) runLoop() {
	defer close(e.done)

	if !e.cfg.Loop.Enable {
		e.logger.Info("loop disabled, running a single cycle")
		_ = e.cycleOnce("single")
		return
	}

	switch e.trigger {
	case config.TriggerTimer:
		e.timerLoop()
	case config.TriggerKline:
		e.klineLoop()
	case config.TriggerEvent:
		e.eventLoop()
	default:
		e.logger.Error("unknown trigger mode", "trigger", e.trigger)
	}
}

// timerLoop runs a cycle immediately and then on every tick.
func (e *Engine) timerLoop() {
	e.afterCycle(e.cycleOnce("timer"))

	ticker := time.NewTicker(e.cfg.Loop.Interval())
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.afterCycle(e.cycleOnce("timer"))
		}
	}
}

// klineLoop fires on every closed candle for the traded symbol, subject
// to the cooldown. Everything else on the channel is drained and dropped.
func (e *Engine) klineLoop() {
	cooldown := e.cfg.Loop.Cooldown()
	for {
		select {
		case <-e.ctx.Done():
			return
		case evt := <-e.events:
			if evt.Kind != types.EventKline || evt.Kline == nil || !evt.Kline.Closed {
				continue
			}
			if evt.Kline.Symbol != e.cfg.Symbol || evt.Kline.Interval != klineInterval {
				continue
			}
			if time.Since(e.lastRun) < cooldown {
				continue
			}
			e.afterCycle(e.cycleOnce("kline"))
		}
	}
}

// eventLoop feeds every event to the volatility detector and fires when a
// rule trips outside the cooldown. A periodic stats line shows channel
// health.
func (e *Engine) eventLoop() {
	cooldown := e.cfg.Loop.Cooldown()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-stats.C:
			e.logStats()
		case evt := <-e.events:
			reason := e.observe(evt)
			if reason == "" {
				continue
			}
			if time.Since(e.lastRun) < cooldown {
				e.logger.Debug("volatility fire inside cooldown", "reason", reason)
				continue
			}
			e.logger.Info("volatility trigger fired", "reason", reason)
			e.afterCycle(e.cycleOnce("event"))
		}
	}
}

// observe runs one event through the detector and returns the fire
// reason, or "" when nothing tripped.
func (e *Engine) observe(evt types.StreamEvent) string {
	switch evt.Kind {
	case types.EventMark:
		if evt.Mark == nil {
			return ""
		}
		if v := e.detector.ObserveMark(*evt.Mark); v.Fired {
			return v.Reason
		}
	case types.EventKline:
		if evt.Kline == nil {
			return ""
		}
		if v := e.detector.ObserveCandle(*evt.Kline); v.Fired {
			return v.Reason
		}
	}
	return ""
}

// cycleOnce invokes one trading cycle and stamps lastRun at its finish,
// so the cooldown measures gap between cycle ends.
func (e *Engine) cycleOnce(trigger string) error {
	start := time.Now()
	res, err := e.trader.RunCycle(e.ctx)
	elapsed := time.Since(start)
	e.lastRun = time.Now()

	cycleDuration.Observe(elapsed.Seconds())
	state := string(types.CycleError)
	var reason string
	if res != nil {
		state = string(res.State)
		reason = res.Reason
	}
	cyclesTotal.WithLabelValues(state).Inc()

	if err != nil {
		e.logger.Error("cycle failed",
			"trigger", trigger,
			"error", err,
			"elapsed", elapsed.Round(time.Millisecond),
		)
		return err
	}
	e.logger.Info("cycle finished",
		"trigger", trigger,
		"state", state,
		"reason", reason,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return nil
}

// afterCycle applies the error backoff: sleep the current value and
// double it up to the cap, or reset to one second after a clean cycle.
func (e *Engine) afterCycle(err error) {
	if err == nil {
		e.backoff = time.Second
		return
	}
	e.logger.Warn("backing off after failed cycle", "wait", e.backoff)
	e.sleep(e.backoff)
	e.backoff = min(e.backoff*2, e.cfg.Loop.BackoffMax())
}

// sleep waits d or until shutdown, whichever comes first.
func (e *Engine) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.ctx.Done():
	case <-t.C:
	}
}

func (e *Engine) logStats() {
	counts := e.cache.Counts()
	var wsDropped uint64
	if e.mktFeed != nil {
		wsDropped += e.mktFeed.Dropped()
	}
	if e.usrFeed != nil {
		wsDropped += e.usrFeed.Dropped()
	}
	e.logger.Info("stream stats",
		"mark", counts.Mark,
		"kline", counts.Kline,
		"user", counts.User,
		"queue", len(e.events),
		"queue_dropped", e.queueDrop.Load(),
		"ws_dropped", wsDropped,
	)
}
