package market

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bar(t time.Time, close float64) Candle {
	return Candle{OpenTime: t, Open: close, High: close, Low: close, Close: close, Volume: 1}
}

func TestWindowAppendEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		w.Append(bar(base.Add(time.Duration(i)*time.Minute), float64(i)))
	}
	require.Equal(t, 3, w.Len())
	candles := w.Candles()
	assert.Equal(t, 2.0, candles[0].Close)
	assert.Equal(t, 4.0, candles[2].Close)
}

func TestWindowAppendReplacesSameOpenTime(t *testing.T) {
	w := NewWindow(10)
	open := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w.Append(bar(open, 100))
	w.Append(bar(open, 101))
	require.Equal(t, 1, w.Len())
	last, ok := w.Last()
	require.True(t, ok)
	assert.Equal(t, 101.0, last.Close)
}

func TestWindowCandlesReturnsCopy(t *testing.T) {
	w := NewWindow(10)
	open := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	w.Append(bar(open, 100))
	out := w.Candles()
	out[0].Close = 999
	last, _ := w.Last()
	assert.Equal(t, 100.0, last.Close)
}

func TestEnsureFresh(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("empty window is stale", func(t *testing.T) {
		w := NewWindow(10)
		err := w.EnsureFresh(base, time.Minute)
		assert.ErrorIs(t, err, ErrStale)
	})

	t.Run("fresh bar passes", func(t *testing.T) {
		w := NewWindow(10)
		w.Append(bar(base, 100))
		assert.NoError(t, w.EnsureFresh(base.Add(30*time.Second), 65*time.Second))
	})

	t.Run("old bar is stale", func(t *testing.T) {
		w := NewWindow(10)
		w.Append(bar(base, 100))
		err := w.EnsureFresh(base.Add(2*time.Minute), 65*time.Second)
		assert.ErrorIs(t, err, ErrStale)
	})
}

func TestSeriesExtraction(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	candles := []Candle{
		{OpenTime: base, High: 3, Low: 1, Close: 2},
		{OpenTime: base.Add(time.Minute), High: 5, Low: 2, Close: 4},
	}
	assert.Equal(t, []float64{2, 4}, Closes(candles))
	assert.Equal(t, []float64{3, 5}, Highs(candles))
	assert.Equal(t, []float64{1, 2}, Lows(candles))
}
