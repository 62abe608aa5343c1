// Package risk decides when the market is moving hard enough to wake
// the trading cycle.
//
// The Detector keeps a rolling window of mark prices and a short
// volume baseline of closed candles, and evaluates two rules:
//
//   - Mark rule: fire when the mark price moved MPDeltaPct% against the
//     oldest sample inside an MPWindowSec window.
//   - Candle rule: fire when a closed candle's range (high−low)/close
//     reaches KlineRangePct, or its volume reaches VolMult× the mean of
//     the previous VolLookback candle volumes.
//
// Every evaluation returns a verdict carrying the rule's numeric inputs
// and a reason code, so the event loop can log why it did or did not
// fire. The detector is not safe for concurrent use; the engine's event
// loop is its only caller.
package risk

import (
	"log/slog"
	"math"
	"time"

	"futures-agent/internal/config"
	"futures-agent/pkg/types"
)

// Reason codes attached to verdicts.
const (
	ReasonTriggered                = "triggered"
	ReasonInsufficientSamples      = "insufficient_samples"
	ReasonInvalidReferencePrice    = "invalid_reference_price"
	ReasonDeltaBelowThreshold      = "delta_below_threshold"
	ReasonCandleNotClosed          = "candle_not_closed"
	ReasonMissingPriceData         = "missing_price_data"
	ReasonVolumeMissing            = "volume_missing"
	ReasonRangeBelowThreshold      = "range_below_threshold"
	ReasonVolumeHistoryUnavailable = "volume_history_unavailable"
	ReasonVolumeBelowThreshold     = "volume_below_threshold"
)

// MarkVerdict is the mark-rule evaluation record.
type MarkVerdict struct {
	Fired    bool    `json:"fired"`
	Reason   string  `json:"reason"`
	Price    float64 `json:"price"`
	RefPrice float64 `json:"ref_price,omitempty"`
	DeltaPct float64 `json:"delta_pct"`
	Samples  int     `json:"samples"`
}

// CandleVerdict is the candle-rule evaluation record. The range and
// volume sub-rules evaluate together and Fired is their OR; Reason is
// "triggered" or a precondition code, otherwise the range sub-rule's
// miss with VolumeReason carrying the volume side.
type CandleVerdict struct {
	Fired        bool    `json:"fired"`
	Reason       string  `json:"reason"`
	RangeFired   bool    `json:"range_fired"`
	RangePct     float64 `json:"range_pct"`
	VolumeFired  bool    `json:"volume_fired"`
	VolumeReason string  `json:"volume_reason,omitempty"`
	Volume       float64 `json:"volume"`
	VolumeMean   float64 `json:"volume_mean"`
}

type markSample struct {
	ts    time.Time
	price float64
}

// Detector runs both volatility rules for one symbol.
type Detector struct {
	cfg    config.DetectorConfig
	logger *slog.Logger

	marks   []markSample
	volumes []float64
}

// NewDetector creates a detector with an empty window and baseline.
func NewDetector(cfg config.DetectorConfig, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:    cfg,
		logger: logger.With("component", "detector"),
	}
}

// ObserveMark appends a mark sample and evaluates the mark rule over
// the window ending at the sample's event time. Event time, not wall
// time, indexes the window so replayed streams evaluate identically.
func (d *Detector) ObserveMark(tick types.MarkTick) MarkVerdict {
	now := time.UnixMilli(tick.EventTime)
	d.marks = append(d.marks, markSample{ts: now, price: tick.Price})

	cutoff := now.Add(-time.Duration(d.cfg.MPWindowSec) * time.Second)
	drop := 0
	for drop < len(d.marks) && d.marks[drop].ts.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		d.marks = append(d.marks[:0], d.marks[drop:]...)
	}

	v := MarkVerdict{Price: tick.Price, Samples: len(d.marks)}
	if len(d.marks) < 2 {
		v.Reason = ReasonInsufficientSamples
		return v
	}
	v.RefPrice = d.marks[0].price
	if v.RefPrice <= 0 {
		v.Reason = ReasonInvalidReferencePrice
		return v
	}

	v.DeltaPct = math.Abs(tick.Price/v.RefPrice-1) * 100
	if v.DeltaPct >= d.cfg.MPDeltaPct {
		v.Fired = true
		v.Reason = ReasonTriggered
		d.logger.Info("mark rule fired",
			"delta_pct", v.DeltaPct,
			"ref_price", v.RefPrice,
			"price", v.Price,
			"window_sec", d.cfg.MPWindowSec,
		)
	} else {
		v.Reason = ReasonDeltaBelowThreshold
	}
	return v
}

// ObserveCandle evaluates a closed candle against the range and volume
// rules. The candle's own volume joins the baseline only after
// evaluation, so the first candle can never volume-fire against itself.
func (d *Detector) ObserveCandle(candle types.Candle) CandleVerdict {
	if !candle.Closed {
		return CandleVerdict{Reason: ReasonCandleNotClosed}
	}
	if candle.High <= 0 || candle.Low <= 0 || candle.Close <= 0 {
		return CandleVerdict{Reason: ReasonMissingPriceData}
	}

	v := CandleVerdict{}
	v.RangePct = (candle.High - candle.Low) / candle.Close * 100
	v.RangeFired = v.RangePct >= d.cfg.KlineRangePct

	vol := candle.QuoteVolume
	if !d.cfg.UseQuoteVolume {
		vol = candle.Volume
	}
	v.Volume = vol

	switch {
	case vol <= 0:
		v.VolumeReason = ReasonVolumeMissing
	case len(d.volumes) == 0:
		v.VolumeReason = ReasonVolumeHistoryUnavailable
	default:
		var sum float64
		for _, x := range d.volumes {
			sum += x
		}
		v.VolumeMean = sum / float64(len(d.volumes))
		if v.VolumeMean > 0 && vol >= d.cfg.VolMult*v.VolumeMean {
			v.VolumeFired = true
			v.VolumeReason = ReasonTriggered
		} else {
			v.VolumeReason = ReasonVolumeBelowThreshold
		}
	}

	if vol > 0 {
		d.volumes = append(d.volumes, vol)
		if len(d.volumes) > d.cfg.VolLookback {
			d.volumes = append(d.volumes[:0], d.volumes[len(d.volumes)-d.cfg.VolLookback:]...)
		}
	}

	v.Fired = v.RangeFired || v.VolumeFired
	if v.Fired {
		v.Reason = ReasonTriggered
		d.logger.Info("candle rule fired",
			"range_fired", v.RangeFired,
			"range_pct", v.RangePct,
			"volume_fired", v.VolumeFired,
			"volume", v.Volume,
			"volume_mean", v.VolumeMean,
		)
	} else {
		v.Reason = ReasonRangeBelowThreshold
	}
	return v
}
