package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_cycles_total",
		Help: "Trading cycles by terminal state.",
	}, []string{"state"})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agent_cycle_duration_seconds",
		Help:    "Wall time of one trading cycle.",
		Buckets: prometheus.DefBuckets,
	})

	streamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agent_stream_events_total",
		Help: "Events routed from the WebSocket feeds.",
	}, []string{"kind"})

	queueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agent_trigger_queue_dropped_total",
		Help: "Events dropped because the trigger queue was full.",
	})
)
