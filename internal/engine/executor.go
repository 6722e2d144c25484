package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantguard/quantguard/internal/exchange"
	"github.com/quantguard/quantguard/internal/gates"
	"github.com/quantguard/quantguard/internal/integrity"
	"github.com/quantguard/quantguard/internal/risk"
	"github.com/quantguard/quantguard/internal/store"
)

// Plan is a fully priced, fully rounded trade ready for execution. Every
// price and amount has already passed through the exchange's precision
// rounding and the stop-safety validation.
type Plan struct {
	ID          string
	Evaluation  gates.Evaluation
	Symbol      string
	Side        string
	Size        float64
	EntryPrice  float64
	StopPrice   float64
	TargetPrice float64
}

// Executor turns an approved plan into a protected position. Tests inject
// their own; production uses MarketExecutor.
type Executor interface {
	Execute(ctx context.Context, plan Plan, now time.Time) (*store.Position, error)
	Close(ctx context.Context, pos *store.Position, reason string) (exitPrice float64, err error)
}

// MarketExecutor places a market entry followed by the two protective
// orders. An entry that cannot be protected is immediately closed; an
// unprotected position never survives Execute.
type MarketExecutor struct {
	conn exchange.Connector
}

func NewMarketExecutor(conn exchange.Connector) *MarketExecutor {
	return &MarketExecutor{conn: conn}
}

func (x *MarketExecutor) Execute(ctx context.Context, plan Plan, now time.Time) (*store.Position, error) {
	entry, err := x.conn.PlaceOrder(ctx, exchange.Order{
		Symbol: plan.Symbol,
		Side:   plan.Side,
		Kind:   "market",
		Amount: plan.Size,
	})
	if err != nil {
		return nil, fmt.Errorf("entry order: %w", err)
	}

	pos := &store.Position{
		Symbol:      plan.Symbol,
		Direction:   plan.Side,
		EntryPrice:  plan.EntryPrice,
		StopPrice:   plan.StopPrice,
		TargetPrice: plan.TargetPrice,
		Size:        plan.Size,
		EntryTime:   now,
	}

	exitSide := risk.SideShort
	if plan.Side == risk.SideShort {
		exitSide = risk.SideLong
	}

	stop, err := x.conn.PlaceOrder(ctx, exchange.Order{
		Symbol: plan.Symbol,
		Side:   exitSide,
		Kind:   "stop",
		Price:  plan.StopPrice,
		Amount: plan.Size,
	})
	if err != nil {
		x.bail(ctx, pos, entry.ID, "", err)
		return nil, fmt.Errorf("stop order: %w", err)
	}
	pos.StopOrderRef = stop.ID

	target, err := x.conn.PlaceOrder(ctx, exchange.Order{
		Symbol: plan.Symbol,
		Side:   exitSide,
		Kind:   "take_profit",
		Price:  plan.TargetPrice,
		Amount: plan.Size,
	})
	if err != nil {
		x.bail(ctx, pos, entry.ID, stop.ID, err)
		return nil, fmt.Errorf("target order: %w", err)
	}
	pos.TargetOrderRef = target.ID

	log.Info().
		Str("symbol", plan.Symbol).
		Str("side", plan.Side).
		Float64("size", plan.Size).
		Float64("entry", plan.EntryPrice).
		Float64("stop", plan.StopPrice).
		Float64("target", plan.TargetPrice).
		Str("evaluation_id", plan.Evaluation.ID).
		Msg("Position opened with protective orders")
	return pos, nil
}

// bail unwinds a partially protected entry at market.
func (x *MarketExecutor) bail(ctx context.Context, pos *store.Position, entryRef, stopRef string, cause error) {
	log.Error().Err(cause).Str("symbol", pos.Symbol).Msg("Protective order placement failed, unwinding entry at market")
	if stopRef != "" {
		if err := x.conn.CancelOrder(ctx, pos.Symbol, stopRef); err != nil {
			log.Error().Err(err).Str("order_ref", stopRef).Msg("Cancel during unwind failed")
		}
	}
	if _, err := x.Close(ctx, pos, "unwind: "+cause.Error()); err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Unwind close failed, position may be unprotected")
	}
	_ = entryRef
}

func (x *MarketExecutor) Close(ctx context.Context, pos *store.Position, reason string) (float64, error) {
	for _, ref := range []string{pos.StopOrderRef, pos.TargetOrderRef} {
		if ref == "" {
			continue
		}
		if err := x.conn.CancelOrder(ctx, pos.Symbol, ref); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			log.Warn().Err(err).Str("order_ref", ref).Msg("Protective cancel before close failed")
		}
	}

	side := risk.SideShort
	if pos.Direction == risk.SideShort {
		side = risk.SideLong
	}
	order, err := x.conn.PlaceOrder(ctx, exchange.Order{
		Symbol: pos.Symbol,
		Side:   side,
		Kind:   "market",
		Amount: pos.Size,
	})
	if err != nil {
		return 0, fmt.Errorf("market close: %w", err)
	}

	exitPrice := order.Price
	if exitPrice == 0 {
		bid, ask, terr := x.conn.Ticker(ctx, pos.Symbol)
		if terr == nil {
			if pos.Direction == risk.SideLong {
				exitPrice = bid
			} else {
				exitPrice = ask
			}
		}
	}

	log.Warn().
		Str("symbol", pos.Symbol).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Msg("Position closed at market")
	return exitPrice, nil
}

// protectiveExchange adapts the connector to the integrity monitor.
type protectiveExchange struct {
	conn exchange.Connector
	exec Executor
}

func (p *protectiveExchange) OrderExists(ctx context.Context, symbol, orderID string) (bool, error) {
	order, err := p.conn.OrderStatus(ctx, symbol, orderID)
	if errors.Is(err, exchange.ErrOrderNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return order.Status == "open", nil
}

func (p *protectiveExchange) PlaceProtective(ctx context.Context, pos integrity.Position, kind integrity.OrderKind) (string, error) {
	side := risk.SideShort
	if pos.Direction == risk.SideShort {
		side = risk.SideLong
	}
	orderKind, price := "stop", pos.StopPrice
	if kind == integrity.OrderTarget {
		orderKind, price = "take_profit", pos.TargetPrice
	}
	order, err := p.conn.PlaceOrder(ctx, exchange.Order{
		Symbol: pos.Symbol,
		Side:   side,
		Kind:   orderKind,
		Price:  price,
		Amount: pos.Size,
	})
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

func (p *protectiveExchange) CloseAtMarket(ctx context.Context, pos integrity.Position, reason string) error {
	_, err := p.exec.Close(ctx, &store.Position{
		Symbol:         pos.Symbol,
		Direction:      pos.Direction,
		Size:           pos.Size,
		StopOrderRef:   pos.StopOrderRef,
		TargetOrderRef: pos.TargetOrderRef,
	}, reason)
	return err
}

// positionRecorder adapts the store to the integrity monitor for one
// specific open position.
type positionRecorder struct {
	st  store.Store
	pos *store.Position
}

func (r *positionRecorder) SetProtectiveRef(ctx context.Context, kind integrity.OrderKind, ref string) error {
	if kind == integrity.OrderStop {
		r.pos.StopOrderRef = ref
	} else {
		r.pos.TargetOrderRef = ref
	}
	return r.st.SetActivePosition(ctx, r.pos)
}

func (r *positionRecorder) ClearPosition(ctx context.Context) error {
	return r.st.SetActivePosition(ctx, nil)
}
