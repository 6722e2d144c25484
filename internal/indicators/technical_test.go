package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantguard/quantguard/internal/market"
)

func TestEMA(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		_, ok := EMA([]float64{1, 2}, 3)
		assert.False(t, ok)
	})

	t.Run("flat series stays flat", func(t *testing.T) {
		v, ok := EMA([]float64{5, 5, 5, 5, 5, 5}, 3)
		require.True(t, ok)
		assert.InDelta(t, 5.0, v, 1e-9)
	})

	t.Run("rising series lags last value", func(t *testing.T) {
		series := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
		v, ok := EMA(series, 5)
		require.True(t, ok)
		assert.Less(t, v, 10.0)
		assert.Greater(t, v, 5.0)
	})
}

func TestZScore(t *testing.T) {
	t.Run("flat window scores zero", func(t *testing.T) {
		z, ok := ZScore([]float64{3, 3, 3, 3, 3}, 5)
		require.True(t, ok)
		assert.Zero(t, z)
	})

	t.Run("last value at mean scores zero", func(t *testing.T) {
		z, ok := ZScore([]float64{1, 3, 2}, 3)
		require.True(t, ok)
		assert.InDelta(t, 0.0, z, 1e-9)
	})

	t.Run("outlier sign", func(t *testing.T) {
		zHigh, ok := ZScore([]float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 14}, 10)
		require.True(t, ok)
		assert.Greater(t, zHigh, 2.0)

		zLow, ok := ZScore([]float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 6}, 10)
		require.True(t, ok)
		assert.Less(t, zLow, -2.0)
	})

	t.Run("too short", func(t *testing.T) {
		_, ok := ZScore([]float64{1, 2}, 3)
		assert.False(t, ok)
	})
}

func candleSeq(hlc ...[3]float64) []market.Candle {
	out := make([]market.Candle, len(hlc))
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range hlc {
		out[i] = market.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     v[2],
			High:     v[0],
			Low:      v[1],
			Close:    v[2],
			Volume:   10,
		}
	}
	return out
}

func TestATR(t *testing.T) {
	t.Run("needs period plus one candles", func(t *testing.T) {
		candles := candleSeq([3]float64{10, 9, 9.5}, [3]float64{10, 9, 9.5})
		_, ok := ATR(candles, 2)
		assert.False(t, ok)
	})

	t.Run("constant range", func(t *testing.T) {
		candles := candleSeq(
			[3]float64{11, 10, 10.5},
			[3]float64{11, 10, 10.5},
			[3]float64{11, 10, 10.5},
		)
		atr, ok := ATR(candles, 2)
		require.True(t, ok)
		assert.InDelta(t, 1.0, atr, 1e-9)
	})

	t.Run("gap extends true range to previous close", func(t *testing.T) {
		candles := candleSeq(
			[3]float64{11, 10, 10.0},
			// Gap up: high-low is 1 but distance to previous close is 4.
			[3]float64{14, 13, 13.5},
		)
		atr, ok := ATR(candles, 1)
		require.True(t, ok)
		assert.InDelta(t, 4.0, atr, 1e-9)
	})
}

func TestPivotHigh(t *testing.T) {
	t.Run("finds most recent strict pivot", func(t *testing.T) {
		highs := []float64{1, 2, 5, 2, 1, 3, 7, 3, 2, 2}
		v, found := PivotHigh(highs, 2, 10)
		require.True(t, found)
		assert.Equal(t, 7.0, v)
	})

	t.Run("equal neighbor disqualifies", func(t *testing.T) {
		highs := []float64{1, 2, 5, 5, 1, 1, 1}
		_, found := PivotHigh(highs, 2, 7)
		assert.False(t, found)
	})

	t.Run("lookback excludes older pivots", func(t *testing.T) {
		highs := []float64{1, 2, 9, 2, 1, 1, 1, 1, 1, 1, 1, 1}
		_, found := PivotHigh(highs, 2, 4)
		assert.False(t, found)
	})

	t.Run("too short", func(t *testing.T) {
		_, found := PivotHigh([]float64{1, 2}, 2, 10)
		assert.False(t, found)
	})
}

func TestPivotLow(t *testing.T) {
	lows := []float64{9, 8, 3, 8, 9, 9, 9}
	v, found := PivotLow(lows, 2, 7)
	require.True(t, found)
	assert.Equal(t, 3.0, v)
}

func TestCVD(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := []market.Candle{
		{OpenTime: base, Open: 10, Close: 11, Volume: 5},                            // up: +5
		{OpenTime: base.Add(time.Minute), Open: 11, Close: 10, Volume: 3},           // down: -3
		{OpenTime: base.Add(2 * time.Minute), Open: 10, Close: 10, Volume: 100},     // doji: 0
		{OpenTime: base.Add(3 * time.Minute), Open: 10, Close: 12, Volume: 2},       // up: +2
	}
	cvd := CVD(candles)
	assert.Equal(t, []float64{5, 2, 2, 4}, cvd)
}

func TestSpreadFraction(t *testing.T) {
	assert.InDelta(t, 0.001, SpreadFraction(99.95, 100.05), 1e-6)
	assert.Zero(t, SpreadFraction(0, 100))
	assert.Zero(t, SpreadFraction(100, 99), "crossed quote is unusable")
}
