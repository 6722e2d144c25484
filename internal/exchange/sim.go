package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantguard/quantguard/internal/market"
)

// Sim is an in-memory connector for simulated runs and tests: random-walk
// candles from a seeded generator, an in-memory order book of our own
// orders, and fixed-decimal precision rounding.
type Sim struct {
	mu sync.Mutex

	basePrice       float64
	balance         float64
	priceDecimals   int
	amountDecimals  int
	spreadFraction  float64
	rng             *rand.Rand
	orders          map[string]Order
	serverTimeSkew  time.Duration
	now             func() time.Time
}

func NewSim(basePrice, balance float64, seed int64) *Sim {
	return &Sim{
		basePrice:      basePrice,
		balance:        balance,
		priceDecimals:  1,
		amountDecimals: 3,
		spreadFraction: 0.0002,
		rng:            rand.New(rand.NewSource(seed)),
		orders:         make(map[string]Order),
		now:            time.Now,
	}
}

// WithClock overrides the wall clock; tests drive determinism through it.
func (s *Sim) WithClock(now func() time.Time) *Sim {
	s.now = now
	return s
}

// WithServerSkew offsets the reported server time from local time.
func (s *Sim) WithServerSkew(skew time.Duration) *Sim {
	s.serverTimeSkew = skew
	return s
}

// WithSpread overrides the quoted bid/ask spread fraction.
func (s *Sim) WithSpread(fraction float64) *Sim {
	s.spreadFraction = fraction
	return s
}

func (s *Sim) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, err := timeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}
	end := s.now().Truncate(step)
	out := make([]market.Candle, 0, limit)
	price := s.basePrice
	for i := limit; i > 0; i-- {
		open := price
		drift := price * 0.0005 * (s.rng.Float64()*2 - 1)
		close := open + drift
		high := math.Max(open, close) * (1 + s.rng.Float64()*0.0003)
		low := math.Min(open, close) * (1 - s.rng.Float64()*0.0003)
		out = append(out, market.Candle{
			OpenTime: end.Add(-time.Duration(i) * step),
			Open:     open,
			High:     high,
			Low:      low,
			Close:    close,
			Volume:   10 + s.rng.Float64()*90,
		})
		price = close
	}
	return out, nil
}

// Ticker quotes a symmetric spread around the current simulated price.
func (s *Sim) Ticker(ctx context.Context, symbol string) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	half := s.basePrice * s.spreadFraction / 2
	return s.basePrice - half, s.basePrice + half, nil
}

func (s *Sim) ServerTime(ctx context.Context) (time.Time, error) {
	return s.now().Add(s.serverTimeSkew), nil
}

func (s *Sim) PlaceOrder(ctx context.Context, order Order) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order.ID = uuid.NewString()
	if order.Kind == "market" {
		order.Status = "filled"
	} else {
		order.Status = "open"
	}
	s.orders[order.ID] = order
	return order, nil
}

func (s *Sim) CancelOrder(ctx context.Context, symbol, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("cancel %s: %w", orderID, ErrOrderNotFound)
	}
	order.Status = "canceled"
	s.orders[orderID] = order
	return nil
}

func (s *Sim) OrderStatus(ctx context.Context, symbol, orderID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return Order{}, fmt.Errorf("status %s: %w", orderID, ErrOrderNotFound)
	}
	return order, nil
}

func (s *Sim) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		if o.Status == "open" && (symbol == "" || o.Symbol == symbol) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *Sim) Balance(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

func (s *Sim) RoundPrice(symbol string, price float64) float64 {
	return roundTo(price, s.priceDecimals)
}

func (s *Sim) RoundAmount(symbol string, amount float64) float64 {
	return roundTo(amount, s.amountDecimals)
}

func roundTo(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Floor(v*pow) / pow
}

func timeframeDuration(tf string) (time.Duration, error) {
	switch tf {
	case "1m":
		return time.Minute, nil
	case "5m":
		return 5 * time.Minute, nil
	case "15m":
		return 15 * time.Minute, nil
	case "1h":
		return time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported timeframe %q", tf)
}
