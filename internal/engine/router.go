// router.go moves feed events into the shared state. Every event is
// first applied to the cache and the order store, then forwarded to the
// bounded trigger channel whether or not the cache kept it: the channel
// carries wake-up signals, not data, so the loops re-check what they
// need and dropping on overflow loses nothing.
package engine

import (
	"futures-agent/pkg/types"
)

func (e *Engine) routeEvents() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case tick := <-e.marks:
			e.cache.ApplyMark(tick)
			t := tick
			e.enqueue(types.StreamEvent{Kind: types.EventMark, Mark: &t})
		case candle := <-e.klines:
			e.cache.ApplyKline(candle)
			k := candle
			e.enqueue(types.StreamEvent{Kind: types.EventKline, Kline: &k})
		case evt := <-e.users:
			if evt == nil {
				continue
			}
			e.cache.ApplyUserEvent(evt)
			e.store.ApplyEvent(evt)
			e.enqueue(types.StreamEvent{Kind: types.EventUser, User: evt})
		}
	}
}

// enqueue performs a non-blocking send; a full channel drops the incoming
// event and bumps the counter.
func (e *Engine) enqueue(evt types.StreamEvent) {
	streamEvents.WithLabelValues(evt.Kind.String()).Inc()
	select {
	case e.events <- evt:
	default:
		e.queueDrop.Add(1)
		queueDropped.Inc()
	}
}
