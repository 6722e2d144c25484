// Package integrity enforces the two hard preconditions of a running
// engine: protective orders must exist for any open position, and the
// deployed strategy logic must match its validated revision.
package integrity

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ErrViolation marks a fatal integrity event: a missing protective order
// that could not be re-placed, or a strategy-hash mismatch at startup.
var ErrViolation = errors.New("integrity violation")

// OrderKind distinguishes the two protective orders.
type OrderKind string

const (
	OrderStop   OrderKind = "stop"
	OrderTarget OrderKind = "target"
)

// Position is the slice of position state the monitor needs.
type Position struct {
	Symbol         string
	Direction      string
	StopPrice      float64
	TargetPrice    float64
	Size           float64
	StopOrderRef   string
	TargetOrderRef string
}

// Exchange is what the monitor needs from the connector.
type Exchange interface {
	OrderExists(ctx context.Context, symbol, orderID string) (bool, error)
	PlaceProtective(ctx context.Context, pos Position, kind OrderKind) (string, error)
	CloseAtMarket(ctx context.Context, pos Position, reason string) error
}

// Recorder receives ref updates and the position clear after a force-close.
type Recorder interface {
	SetProtectiveRef(ctx context.Context, kind OrderKind, ref string) error
	ClearPosition(ctx context.Context) error
}

// Monitor runs the protective-order checks at startup and on every closed
// bar while a position is open.
type Monitor struct {
	exchange Exchange
	recorder Recorder
}

func NewMonitor(exchange Exchange, recorder Recorder) *Monitor {
	return &Monitor{exchange: exchange, recorder: recorder}
}

// Check confirms both protective orders still exist. A missing order gets
// one re-placement attempt; if that fails too, the position is force-closed
// at market and the error wraps ErrViolation. An unprotected position is
// never an acceptable steady state, even transiently.
func (m *Monitor) Check(ctx context.Context, pos Position) error {
	for _, kind := range []OrderKind{OrderStop, OrderTarget} {
		ref := pos.StopOrderRef
		if kind == OrderTarget {
			ref = pos.TargetOrderRef
		}

		exists := false
		var err error
		if ref != "" {
			exists, err = m.exchange.OrderExists(ctx, pos.Symbol, ref)
			if err != nil {
				return fmt.Errorf("checking %s order %s: %w", kind, ref, err)
			}
		}
		if exists {
			continue
		}

		log.Warn().
			Str("symbol", pos.Symbol).
			Str("order_kind", string(kind)).
			Str("order_ref", ref).
			Msg("Protective order missing, attempting re-placement")

		newRef, placeErr := m.exchange.PlaceProtective(ctx, pos, kind)
		if placeErr == nil {
			if err := m.recorder.SetProtectiveRef(ctx, kind, newRef); err != nil {
				return fmt.Errorf("recording re-placed %s order: %w", kind, err)
			}
			log.Info().
				Str("order_kind", string(kind)).
				Str("order_ref", newRef).
				Msg("Protective order re-placed")
			continue
		}

		return m.forceClose(ctx, pos, kind, placeErr)
	}
	return nil
}

// CheckStartup runs once, synchronously, before any strategy evaluation.
// The caller must not evaluate a single signal until this returns.
func (m *Monitor) CheckStartup(ctx context.Context, pos Position) error {
	log.Info().Str("symbol", pos.Symbol).Msg("Startup integrity check for recorded open position")
	return m.Check(ctx, pos)
}

func (m *Monitor) forceClose(ctx context.Context, pos Position, kind OrderKind, cause error) error {
	reason := fmt.Sprintf("%s order re-placement failed: %v", kind, cause)
	log.Error().
		Str("symbol", pos.Symbol).
		Str("order_kind", string(kind)).
		Err(cause).
		Msg("Re-placement failed, force-closing position at market")

	if err := m.exchange.CloseAtMarket(ctx, pos, reason); err != nil {
		return fmt.Errorf("force-close after %s failure: %v: %w", kind, err, ErrViolation)
	}
	if err := m.recorder.ClearPosition(ctx); err != nil {
		return fmt.Errorf("clearing position after force-close: %v: %w", err, ErrViolation)
	}
	return fmt.Errorf("%s: %w", reason, ErrViolation)
}
