package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantguard/quantguard/internal/market"
)

// Guarded wraps a Connector with the shared governor and a circuit breaker.
// Every private call acquires a governor token first, then runs through the
// breaker so a failing venue trips open instead of being hammered.
type Guarded struct {
	inner    Connector
	governor *Governor
	breaker  *gobreaker.CircuitBreaker
}

func NewGuarded(inner Connector, governor *Governor) *Guarded {
	settings := gobreaker.Settings{
		Name:        "exchange",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Exchange circuit breaker state change")
		},
	}
	return &Guarded{
		inner:    inner,
		governor: governor,
		breaker:  gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *Guarded) call(ctx context.Context, operation string, fn func() (any, error)) (any, error) {
	if err := g.governor.Acquire(ctx, operation); err != nil {
		return nil, err
	}
	return g.breaker.Execute(fn)
}

// Candles is a public market-data call: no governor token required.
func (g *Guarded) Candles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error) {
	return g.inner.Candles(ctx, symbol, timeframe, limit)
}

// Ticker is public market data as well.
func (g *Guarded) Ticker(ctx context.Context, symbol string) (float64, float64, error) {
	return g.inner.Ticker(ctx, symbol)
}

func (g *Guarded) ServerTime(ctx context.Context) (time.Time, error) {
	v, err := g.call(ctx, "server_time", func() (any, error) {
		return g.inner.ServerTime(ctx)
	})
	if err != nil {
		return time.Time{}, err
	}
	return v.(time.Time), nil
}

func (g *Guarded) PlaceOrder(ctx context.Context, order Order) (Order, error) {
	v, err := g.call(ctx, "place_order", func() (any, error) {
		return g.inner.PlaceOrder(ctx, order)
	})
	if err != nil {
		return Order{}, err
	}
	return v.(Order), nil
}

func (g *Guarded) CancelOrder(ctx context.Context, symbol, orderID string) error {
	_, err := g.call(ctx, "cancel_order", func() (any, error) {
		return nil, g.inner.CancelOrder(ctx, symbol, orderID)
	})
	return err
}

func (g *Guarded) OrderStatus(ctx context.Context, symbol, orderID string) (Order, error) {
	v, err := g.call(ctx, "order_status", func() (any, error) {
		return g.inner.OrderStatus(ctx, symbol, orderID)
	})
	if err != nil {
		return Order{}, err
	}
	return v.(Order), nil
}

func (g *Guarded) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	v, err := g.call(ctx, "open_orders", func() (any, error) {
		return g.inner.OpenOrders(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Order), nil
}

func (g *Guarded) Balance(ctx context.Context) (float64, error) {
	v, err := g.call(ctx, "balance", func() (any, error) {
		return g.inner.Balance(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (g *Guarded) RoundPrice(symbol string, price float64) float64 {
	return g.inner.RoundPrice(symbol, price)
}

func (g *Guarded) RoundAmount(symbol string, amount float64) float64 {
	return g.inner.RoundAmount(symbol, amount)
}
