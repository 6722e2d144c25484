// Package exchange defines the connector surface the engine consumes and
// the call discipline around it: a shared token-bucket governor on every
// private call and a circuit breaker guarding against a failing venue.
// Exchange-specific request formatting lives behind the Connector interface
// and out of this module.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/quantguard/quantguard/internal/market"
)

// ErrOrderNotFound reports a lookup for an order id the venue does not know.
// Callers distinguish it from transport failures: a missing protective order
// is an integrity event, a failed lookup is not.
var ErrOrderNotFound = errors.New("order not found")

// Order is the connector-level order view.
type Order struct {
	ID     string
	Symbol string
	Side   string
	Kind   string // market, limit, stop, take_profit
	Price  float64
	Amount float64
	Status string // open, filled, canceled
}

// Connector is the full exchange surface. Amount and price values must be
// passed through RoundAmount/RoundPrice before submission; the engine never
// sends raw floating-point values.
type Connector interface {
	Candles(ctx context.Context, symbol, timeframe string, limit int) ([]market.Candle, error)
	Ticker(ctx context.Context, symbol string) (bid, ask float64, err error)
	ServerTime(ctx context.Context) (time.Time, error)

	PlaceOrder(ctx context.Context, order Order) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OrderStatus(ctx context.Context, symbol, orderID string) (Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	Balance(ctx context.Context) (float64, error)

	RoundPrice(symbol string, price float64) float64
	RoundAmount(symbol string, amount float64) float64
}
