package indicators

import (
	"math"

	"github.com/quantguard/quantguard/internal/market"
)

// EMA returns the exponential moving average of the series seeded with a
// simple average over the first period. ok is false when the series is too
// short.
func EMA(series []float64, period int) (float64, bool) {
	if period <= 0 || len(series) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range series[:period] {
		sum += v
	}
	ema := sum / float64(period)
	multiplier := 2.0 / float64(period+1)
	for _, v := range series[period:] {
		ema = v*multiplier + ema*(1-multiplier)
	}
	return ema, true
}

// ZScore returns how many standard deviations the last value sits from the
// mean of the trailing window. A flat window scores 0.
func ZScore(series []float64, period int) (float64, bool) {
	if period <= 1 || len(series) < period {
		return 0, false
	}
	window := series[len(series)-period:]
	mean := 0.0
	for _, v := range window {
		mean += v
	}
	mean /= float64(period)
	variance := 0.0
	for _, v := range window {
		d := v - mean
		variance += d * d
	}
	std := math.Sqrt(variance / float64(period))
	if std == 0 {
		return 0, true
	}
	return (window[len(window)-1] - mean) / std, true
}

// ATR returns the mean true range over the last period bars. Requires
// period+1 candles for the first previous-close reference.
func ATR(candles []market.Candle, period int) (float64, bool) {
	if period <= 0 || len(candles) < period+1 {
		return 0, false
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		h, l, pc := candles[i].High, candles[i].Low, candles[i-1].Close
		tr := h - l
		if d := math.Abs(h - pc); d > tr {
			tr = d
		}
		if d := math.Abs(l - pc); d > tr {
			tr = d
		}
		trs = append(trs, tr)
	}
	sum := 0.0
	for _, tr := range trs[len(trs)-period:] {
		sum += tr
	}
	return sum / float64(period), true
}

// PivotHigh finds the most recent strict pivot high within lookback bars:
// a bar whose high is strictly greater than the highs of width neighbors on
// each side. The scan runs newest-first.
func PivotHigh(highs []float64, width, lookback int) (float64, bool) {
	return pivot(highs, width, lookback, func(center, neighbor float64) bool {
		return neighbor < center
	})
}

// PivotLow finds the most recent strict pivot low within lookback bars.
func PivotLow(lows []float64, width, lookback int) (float64, bool) {
	return pivot(lows, width, lookback, func(center, neighbor float64) bool {
		return neighbor > center
	})
}

func pivot(series []float64, width, lookback int, strict func(center, neighbor float64) bool) (float64, bool) {
	n := len(series)
	if width <= 0 || n < 2*width+1 {
		return 0, false
	}
	oldest := n - lookback
	if oldest < width {
		oldest = width
	}
	for i := n - 1 - width; i >= oldest; i-- {
		isPivot := true
		for j := i - width; j <= i+width; j++ {
			if j == i {
				continue
			}
			if !strict(series[i], series[j]) {
				isPivot = false
				break
			}
		}
		if isPivot {
			return series[i], true
		}
	}
	return 0, false
}

// CVD builds the cumulative volume delta series: volume signed by candle
// direction, summed oldest to newest.
func CVD(candles []market.Candle) []float64 {
	out := make([]float64, len(candles))
	running := 0.0
	for i, c := range candles {
		switch {
		case c.Close > c.Open:
			running += c.Volume
		case c.Close < c.Open:
			running -= c.Volume
		}
		out[i] = running
	}
	return out
}

// SpreadFraction returns (ask-bid)/mid. Zero for an unusable quote.
func SpreadFraction(bid, ask float64) float64 {
	mid := (bid + ask) / 2
	if bid <= 0 || ask <= 0 || mid <= 0 || ask < bid {
		return 0
	}
	return (ask - bid) / mid
}
