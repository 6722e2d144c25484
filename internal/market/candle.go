package market

import (
	"errors"
	"fmt"
	"time"
)

// ErrStale indicates the newest candle is older than the allowed age.
// Callers treat it as a skip-this-tick condition, never as fatal.
var ErrStale = errors.New("candle data stale")

// Candle is one OHLCV bar. OpenTime is the bar open in exchange time.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Window is a rolling candle buffer, most-recent-last. Appending beyond
// capacity evicts the oldest bar.
type Window struct {
	capacity int
	candles  []Candle
}

func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Window{
		capacity: capacity,
		candles:  make([]Candle, 0, capacity),
	}
}

// Append inserts a bar at the tail. A bar with the same open time as the
// current tail replaces it (closed-bar updates from the stream).
func (w *Window) Append(c Candle) {
	if n := len(w.candles); n > 0 && w.candles[n-1].OpenTime.Equal(c.OpenTime) {
		w.candles[n-1] = c
		return
	}
	w.candles = append(w.candles, c)
	if len(w.candles) > w.capacity {
		w.candles = w.candles[1:]
	}
}

func (w *Window) Len() int { return len(w.candles) }

// Candles returns a copy so callers never hold a live reference into the
// rolling buffer.
func (w *Window) Candles() []Candle {
	out := make([]Candle, len(w.candles))
	copy(out, w.candles)
	return out
}

func (w *Window) Last() (Candle, bool) {
	if len(w.candles) == 0 {
		return Candle{}, false
	}
	return w.candles[len(w.candles)-1], true
}

// EnsureFresh verifies the newest bar opened within maxAge of now
// (corrected time). Returns ErrStale otherwise.
func (w *Window) EnsureFresh(now time.Time, maxAge time.Duration) error {
	last, ok := w.Last()
	if !ok {
		return fmt.Errorf("empty window: %w", ErrStale)
	}
	if age := now.Sub(last.OpenTime); age > maxAge {
		return fmt.Errorf("newest candle %s old (max %s): %w", age, maxAge, ErrStale)
	}
	return nil
}

// Closes extracts closing prices, oldest first.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts high prices, oldest first.
func Highs(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts low prices, oldest first.
func Lows(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}
