// indicators.go computes the technical indicators attached to the
// advisor snapshot. Formulas operate on REST kline series; each returns
// ok=false when the series is too short, and the builder omits the
// field rather than sending a zero.
package market

import (
	"math"
	"sort"

	"futures-agent/pkg/types"
)

// emaSeries computes an exponential moving average with the
// span-style smoothing alpha = 2/(period+1), seeded on the first value.
func emaSeries(values []float64, period int) []float64 {
	if len(values) == 0 || period <= 0 {
		return nil
	}
	alpha := 2.0 / (float64(period) + 1.0)
	out := make([]float64, len(values))
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// EMA returns the latest exponential moving average over values.
func EMA(values []float64, period int) (float64, bool) {
	if len(values) < period || period <= 0 {
		return 0, false
	}
	s := emaSeries(values, period)
	return s[len(s)-1], true
}

// RSI returns the relative strength index using simple rolling means of
// gains and losses over the period.
func RSI(values []float64, period int) (float64, bool) {
	if len(values) < period+1 || period <= 0 {
		return 0, false
	}

	var up, down float64
	for i := len(values) - period; i < len(values); i++ {
		diff := values[i] - values[i-1]
		if diff > 0 {
			up += diff
		} else {
			down -= diff
		}
	}
	up /= float64(period)
	down /= float64(period)

	rs := up / (down + 1e-12)
	return 100 - 100/(1+rs), true
}

// MACD returns the 12/26 moving average convergence line, its 9-period
// signal and the histogram.
func MACD(values []float64) (macd, signal, hist float64, ok bool) {
	const fast, slow, sig = 12, 26, 9
	if len(values) < slow+sig {
		return 0, 0, 0, false
	}

	fastS := emaSeries(values, fast)
	slowS := emaSeries(values, slow)
	line := make([]float64, len(values))
	for i := range values {
		line[i] = fastS[i] - slowS[i]
	}
	sigS := emaSeries(line, sig)

	last := len(values) - 1
	return line[last], sigS[last], line[last] - sigS[last], true
}

// ATR returns the average true range as a simple mean of the last
// period true ranges.
func ATR(bars []types.KlineBar, period int) (float64, bool) {
	if len(bars) < period+1 || period <= 0 {
		return 0, false
	}

	var sum float64
	for i := len(bars) - period; i < len(bars); i++ {
		tr := bars[i].High - bars[i].Low
		if hc := math.Abs(bars[i].High - bars[i-1].Close); hc > tr {
			tr = hc
		}
		if lc := math.Abs(bars[i].Low - bars[i-1].Close); lc > tr {
			tr = lc
		}
		sum += tr
	}
	return sum / float64(period), true
}

// Stochastic returns %K over kPeriod and its dPeriod simple-mean %D.
func Stochastic(bars []types.KlineBar, kPeriod, dPeriod int) (k, d float64, ok bool) {
	if len(bars) < kPeriod+dPeriod-1 || kPeriod <= 0 || dPeriod <= 0 {
		return 0, 0, false
	}

	kAt := func(end int) float64 {
		hh := math.Inf(-1)
		ll := math.Inf(1)
		for i := end - kPeriod + 1; i <= end; i++ {
			hh = math.Max(hh, bars[i].High)
			ll = math.Min(ll, bars[i].Low)
		}
		if hh == ll {
			return 50
		}
		return 100 * (bars[end].Close - ll) / (hh - ll)
	}

	last := len(bars) - 1
	var dSum float64
	for end := last - dPeriod + 1; end <= last; end++ {
		dSum += kAt(end)
	}
	return kAt(last), dSum / float64(dPeriod), true
}

// HistVolatility annualizes the sample standard deviation of log
// returns; barsPerDay scales the per-bar figure to a 365-day year.
func HistVolatility(closes []float64, barsPerDay float64) (float64, bool) {
	if len(closes) < 3 || barsPerDay <= 0 {
		return 0, false
	}

	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			return 0, false
		}
		rets = append(rets, math.Log(closes[i]/closes[i-1]))
	}

	var mean float64
	for _, r := range rets {
		mean += r
	}
	mean /= float64(len(rets))

	var variance float64
	for _, r := range rets {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(rets) - 1)

	return math.Sqrt(variance) * math.Sqrt(365*barsPerDay), true
}

// VWAP returns the volume-weighted average of typical prices.
func VWAP(bars []types.KlineBar) (float64, bool) {
	var pv, vol float64
	for _, b := range bars {
		tp := (b.High + b.Low + b.Close) / 3
		pv += tp * b.Volume
		vol += b.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}

// PivotLevels finds fractal swing highs/lows (extreme within ±lookback
// bars) and returns the topK supports below lastClose (nearest first)
// and resistances above it.
func PivotLevels(bars []types.KlineBar, lastClose float64, lookback, topK int) (supports, resistances []float64) {
	if lookback <= 0 || topK <= 0 || len(bars) < 2*lookback+1 {
		return nil, nil
	}

	var highs, lows []float64
	for i := lookback; i < len(bars)-lookback; i++ {
		isHigh, isLow := true, true
		for j := i - lookback; j <= i+lookback; j++ {
			if j == i {
				continue
			}
			if bars[j].High >= bars[i].High {
				isHigh = false
			}
			if bars[j].Low <= bars[i].Low {
				isLow = false
			}
			if !isHigh && !isLow {
				break
			}
		}
		if isHigh {
			highs = append(highs, bars[i].High)
		}
		if isLow {
			lows = append(lows, bars[i].Low)
		}
	}

	for _, l := range lows {
		if l < lastClose {
			supports = append(supports, l)
		}
	}
	for _, h := range highs {
		if h > lastClose {
			resistances = append(resistances, h)
		}
	}

	// Nearest levels first
	sort.Sort(sort.Reverse(sort.Float64Slice(supports)))
	sort.Float64s(resistances)

	if len(supports) > topK {
		supports = supports[:topK]
	}
	if len(resistances) > topK {
		resistances = resistances[:topK]
	}
	return supports, resistances
}

// DepthImbalance returns (Σbid−Σask)/(Σbid+Σask) over the top depth
// levels, a rough read of resting-liquidity pressure in [-1, 1].
func DepthImbalance(depth *types.DepthSnapshot, levels int) (float64, bool) {
	if depth == nil {
		return 0, false
	}

	sum := func(side [][]string) float64 {
		var total float64
		for i, level := range side {
			if i >= levels {
				break
			}
			_, qty := types.Level(level)
			total += qty
		}
		return total
	}

	bids, asks := sum(depth.Bids), sum(depth.Asks)
	total := bids + asks
	if total == 0 {
		return 0, false
	}
	return (bids - asks) / total, true
}
