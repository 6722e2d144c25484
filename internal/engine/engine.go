// Package engine is the decision loop: it seeds candle history, runs the
// startup preconditions, and on every closed signal bar reads a state
// snapshot, runs the gate pipeline, and routes approved signals through the
// risk calculator and circuit breakers before any order leaves the process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantguard/quantguard/internal/clock"
	"github.com/quantguard/quantguard/internal/config"
	"github.com/quantguard/quantguard/internal/exchange"
	"github.com/quantguard/quantguard/internal/gates"
	"github.com/quantguard/quantguard/internal/integrity"
	"github.com/quantguard/quantguard/internal/journal"
	"github.com/quantguard/quantguard/internal/market"
	"github.com/quantguard/quantguard/internal/metrics"
	"github.com/quantguard/quantguard/internal/risk"
	"github.com/quantguard/quantguard/internal/scores"
	"github.com/quantguard/quantguard/internal/store"
)

// Run modes.
const (
	ModeSim   = "sim"
	ModePaper = "paper"
	ModeLive  = "live"
)

// Engine wires every component together.
type Engine struct {
	cfg  config.Config
	mode string

	st   store.Store
	conn exchange.Connector
	clk  *clock.Clock
	exec Executor
	jrnl journal.Journal
	met  *metrics.Registry

	fast *market.Window
	slow *market.Window
}

func New(cfg config.Config, mode string, st store.Store, conn exchange.Connector, clk *clock.Clock, exec Executor, jrnl journal.Journal, met *metrics.Registry) *Engine {
	return &Engine{
		cfg:  cfg,
		mode: mode,
		st:   st,
		conn: conn,
		clk:  clk,
		exec: exec,
		jrnl: jrnl,
		met:  met,
		fast: market.NewWindow(cfg.Trading.CandleHistory),
		slow: market.NewWindow(cfg.Trading.CandleHistory),
	}
}

// Start runs the startup sequence in its fixed order: state snapshot first,
// then the integrity checks, then history seeding and clock sync. It returns
// an error wrapping integrity.ErrViolation when the process must not trade.
func (e *Engine) Start(ctx context.Context) error {
	snap, err := e.st.ReadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("startup snapshot: %w", err)
	}
	log.Info().
		Bool("automation_enabled", snap.AutomationEnabled).
		Bool("kill_switch_latched", snap.KillSwitchLatched).
		Str("mode", e.mode).
		Msg("State snapshot loaded")

	if err := e.st.SetMode(ctx, e.mode); err != nil {
		return fmt.Errorf("recording mode: %w", err)
	}

	// Position integrity before a single signal is evaluated.
	if snap.ActivePosition != nil {
		mon := integrity.NewMonitor(
			&protectiveExchange{conn: e.conn, exec: e.exec},
			&positionRecorder{st: e.st, pos: snap.ActivePosition},
		)
		if err := mon.CheckStartup(ctx, toIntegrityPosition(snap.ActivePosition)); err != nil {
			if !errors.Is(err, integrity.ErrViolation) {
				return fmt.Errorf("startup integrity: %w", err)
			}
			// Position was force-closed; record and continue unwound.
			e.met.IntegrityEvents.Inc()
			e.recordEvent(ctx, "integrity", "startup_force_close", err.Error())
		}
	}

	// Strategy logic must match its validated revision outside sim mode.
	if e.mode != ModeSim {
		hash, err := integrity.LogicHash(e.cfg.Strategy, e.cfg.Leverage, e.cfg.Breakers)
		if err != nil {
			return fmt.Errorf("computing logic hash: %w", err)
		}
		if err := integrity.VerifyStartup(snap.Integrity, hash); err != nil {
			e.met.IntegrityEvents.Inc()
			e.recordEvent(ctx, "integrity", "hash_mismatch", err.Error())
			if serr := e.st.SetIntegrityRecord(ctx, integrity.Record{Validated: false, ContentHash: hash}); serr != nil {
				log.Error().Err(serr).Msg("Failed to clear integrity record")
			}
			return fmt.Errorf("strategy verification: %w", err)
		}
		log.Info().Str("hash", hash[:12]).Msg("Strategy revision verified against validated record")
	}

	if err := e.seedHistory(ctx); err != nil {
		return err
	}

	if err := e.clk.Sync(ctx, e.conn); err != nil {
		return fmt.Errorf("initial clock sync: %w", err)
	}
	go e.clk.Run(ctx, e.conn, e.cfg.Clock)

	log.Info().
		Str("symbol", e.cfg.Trading.Symbol).
		Int("fast_bars", e.fast.Len()).
		Int("slow_bars", e.slow.Len()).
		Msg("Engine started")
	return nil
}

func (e *Engine) seedHistory(ctx context.Context) error {
	t := e.cfg.Trading
	fast, err := e.conn.Candles(ctx, t.Symbol, t.FastTimeframe, t.CandleHistory)
	if err != nil {
		return fmt.Errorf("seeding %s candles: %w", t.FastTimeframe, err)
	}
	for _, c := range fast {
		e.fast.Append(c)
	}
	slow, err := e.conn.Candles(ctx, t.Symbol, t.SlowTimeframe, t.CandleHistory)
	if err != nil {
		return fmt.Errorf("seeding %s candles: %w", t.SlowTimeframe, err)
	}
	for _, c := range slow {
		e.slow.Append(c)
	}
	return nil
}

// OnBar ingests one closed bar. A closed fast bar triggers a tick.
func (e *Engine) OnBar(ctx context.Context, timeframe string, c market.Candle) {
	switch timeframe {
	case e.cfg.Trading.FastTimeframe:
		e.fast.Append(c)
		e.Tick(ctx)
	case e.cfg.Trading.SlowTimeframe:
		e.slow.Append(c)
	}
}

// Tick runs one full evaluation cycle. Every early return is deliberate:
// stale data skips the tick entirely, an open position runs only the
// position-safety checks, and breaker trips block before execution.
func (e *Engine) Tick(ctx context.Context) {
	started := time.Now()
	defer func() {
		e.met.TickDuration.Observe(time.Since(started).Seconds())
	}()

	snap, err := e.st.ReadSnapshot(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Snapshot read failed, skipping tick")
		return
	}
	now := e.clk.Now()

	if err := e.fast.EnsureFresh(now, e.cfg.Trading.MaxCandleAge); err != nil {
		log.Warn().Err(err).Msg("Candle data stale, skipping tick")
		e.met.TicksSkipped.Inc()
		return
	}

	lev := snap.Leverage
	if lev.Leverage == 0 {
		lev = e.cfg.Leverage
	}

	if snap.ActivePosition != nil {
		e.supervisePosition(ctx, snap, lev, now)
		return
	}
	e.met.MarginUtilization.Set(0)

	bid, ask, err := e.conn.Ticker(ctx, e.cfg.Trading.Symbol)
	if err != nil {
		log.Error().Err(err).Msg("Ticker fetch failed, skipping tick")
		return
	}

	ev := gates.Evaluate(gates.Inputs{
		Now:               now,
		HasActivePosition: false,
		Fast:              e.fast.Candles(),
		Slow:              e.slow.Candles(),
		Bid:               bid,
		Ask:               ask,
		Scores:            scores.Resolve(snap.Scores, e.cfg.Feeds, now),
	}, e.cfg.Strategy)
	e.recordEvaluation(ctx, ev)

	if ev.Outcome != gates.OutcomeApprovedLong && ev.Outcome != gates.OutcomeApprovedShort {
		return
	}
	e.executeApproved(ctx, snap, lev, ev, bid, ask, now)
}

// supervisePosition runs the per-bar safety checks for the open position:
// protective-order integrity first, then the position breakers. These fire
// regardless of any entry-side breaker state.
func (e *Engine) supervisePosition(ctx context.Context, snap *store.Snapshot, lev risk.LeverageConfig, now time.Time) {
	pos := snap.ActivePosition

	mon := integrity.NewMonitor(
		&protectiveExchange{conn: e.conn, exec: e.exec},
		&positionRecorder{st: e.st, pos: pos},
	)
	if err := mon.Check(ctx, toIntegrityPosition(pos)); err != nil {
		e.met.IntegrityEvents.Inc()
		e.recordEvent(ctx, "integrity", "protective_order", err.Error())
		if errors.Is(err, integrity.ErrViolation) {
			// Monitor already force-closed and cleared the position.
			last, _ := e.fast.Last()
			e.settleClose(ctx, snap, positionPnL(pos, last.Close), now)
		}
		return
	}

	last, ok := e.fast.Last()
	if !ok {
		return
	}
	margin := liveMargin(pos, lev, last.Close, snap.AccountBalance)
	e.met.MarginUtilization.Set(margin.UtilizationPct)

	trip := risk.CheckPosition(
		risk.PositionAge{Open: true, EntryTime: pos.EntryTime},
		margin, e.cfg.Breakers, lev, now,
	)
	if trip == nil {
		return
	}
	e.met.BreakerTrips.WithLabelValues(string(trip.Condition)).Inc()
	e.recordEvent(ctx, "breaker", string(trip.Condition), trip.Reason)
	e.forceClosePosition(ctx, snap, pos, trip.Reason, now)
}

func (e *Engine) executeApproved(ctx context.Context, snap *store.Snapshot, lev risk.LeverageConfig, ev gates.Evaluation, bid, ask float64, now time.Time) {
	t := e.cfg.Trading
	side := risk.SideLong
	entry := ask
	if ev.Outcome == gates.OutcomeApprovedShort {
		side = risk.SideShort
		entry = bid
	}
	entry = e.conn.RoundPrice(t.Symbol, entry)

	if ev.ATR <= 0 {
		log.Warn().Str("evaluation_id", ev.ID).Msg("No usable ATR for stop placement, skipping signal")
		return
	}
	stopDistance := ev.ATR * t.SLATRMultiplier
	targetDistance := ev.ATR * t.TPATRMultiplier

	var stop, target float64
	if side == risk.SideLong {
		stop = entry - stopDistance
		target = entry + targetDistance
	} else {
		stop = entry + stopDistance
		target = entry - targetDistance
	}
	stop = e.conn.RoundPrice(t.Symbol, stop)
	target = e.conn.RoundPrice(t.Symbol, target)

	sized, err := risk.PositionSize(risk.SizeRequest{
		Balance:        snap.AccountBalance,
		TradingCapital: lev.TradingCapital,
		Leverage:       lev.Leverage,
		EntryPrice:     entry,
		StopDistance:   stopDistance,
		MaxRiskPct:     lev.MaxRiskPct,
		NotionalCapUSD: lev.NotionalCapUSD,
	})
	if err != nil {
		log.Error().Err(err).Str("evaluation_id", ev.ID).Msg("Position sizing rejected inputs")
		return
	}
	amount := e.conn.RoundAmount(t.Symbol, sized.Size)
	if amount <= 0 {
		log.Warn().Float64("raw_size", sized.Size).Msg("Size rounds to zero, skipping signal")
		return
	}

	collateral := entry * amount / float64(lev.Leverage)
	safety, err := risk.ValidateStopSafety(entry, stop, collateral, amount, side, lev.LiquidationBufferPct)
	if err != nil {
		log.Error().Err(err).Str("evaluation_id", ev.ID).Msg("Stop safety validation failed")
		return
	}
	if !safety.Safe {
		log.Error().
			Float64("stop", stop).
			Float64("liquidation", safety.LiquidationPrice).
			Float64("recommended_stop", safety.RecommendedStop).
			Str("evaluation_id", ev.ID).
			Msg("Stop inside liquidation buffer, trade blocked")
		e.recordEvent(ctx, "risk", "unsafe_stop", fmt.Sprintf(
			"stop %.2f within liquidation buffer of %.2f, recommended %.2f",
			stop, safety.LiquidationPrice, safety.RecommendedStop))
		return
	}

	counters, trip := risk.Check(
		snap.Counters,
		risk.PositionAge{},
		risk.MarginStatus{},
		snap.AccountBalance,
		snap.KillSwitchLatched,
		e.cfg.Breakers,
		lev,
		now,
	)
	if err := e.st.SetCounters(ctx, counters); err != nil {
		log.Error().Err(err).Msg("Persisting breaker counters failed")
		return
	}
	if trip != nil {
		e.met.BreakerTrips.WithLabelValues(string(trip.Condition)).Inc()
		e.recordEvent(ctx, "breaker", string(trip.Condition), trip.Reason)
		log.Warn().Str("condition", string(trip.Condition)).Str("reason", trip.Reason).Msg("Circuit breaker blocked entry")
		if trip.Action == risk.ActionHalt {
			e.halt(ctx, trip.Reason)
		}
		return
	}

	if !snap.AutomationEnabled {
		log.Info().Str("evaluation_id", ev.ID).Msg("Automation disabled, approved signal not executed")
		return
	}

	plan := Plan{
		ID:          ev.ID,
		Evaluation:  ev,
		Symbol:      t.Symbol,
		Side:        side,
		Size:        amount,
		EntryPrice:  entry,
		StopPrice:   stop,
		TargetPrice: target,
	}
	pos, err := e.exec.Execute(ctx, plan, now)
	if err != nil {
		log.Error().Err(err).Str("evaluation_id", ev.ID).Msg("Execution failed")
		e.recordEvent(ctx, "execution", "entry_failed", err.Error())
		return
	}

	if err := e.st.SetActivePosition(ctx, pos); err != nil {
		log.Error().Err(err).Msg("Persisting opened position failed")
	}
	counters = risk.ApplyOpen(counters, now)
	if err := e.st.SetCounters(ctx, counters); err != nil {
		log.Error().Err(err).Msg("Persisting trade count failed")
	}
}

// OnPositionClosed settles the breaker counters after any close, normal or
// forced. pnl is the realized profit in quote currency.
func (e *Engine) OnPositionClosed(ctx context.Context, pnl float64) {
	snap, err := e.st.ReadSnapshot(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Snapshot read failed during close settlement")
		return
	}
	e.settleClose(ctx, snap, pnl, e.clk.Now())
}

func (e *Engine) settleClose(ctx context.Context, snap *store.Snapshot, pnl float64, now time.Time) {
	counters := risk.ApplyClose(snap.Counters, pnl, now, e.cfg.Breakers)
	if err := e.st.SetCounters(ctx, counters); err != nil {
		log.Error().Err(err).Msg("Persisting counters after close failed")
	}
	if err := e.st.SetActivePosition(ctx, nil); err != nil {
		log.Error().Err(err).Msg("Clearing position after close failed")
	}

	if e.mode == ModeSim {
		sim := snap.Sim
		wins := sim.WinRate * float64(sim.TradeCount) / 100
		sim.TradeCount++
		sim.PnL += pnl
		if pnl > 0 {
			wins++
		}
		sim.WinRate = wins / float64(sim.TradeCount) * 100
		if err := e.st.SetSimMetrics(ctx, sim); err != nil {
			log.Error().Err(err).Msg("Persisting sim metrics failed")
		}
	}

	log.Info().
		Float64("pnl", pnl).
		Int("consecutive_losses", counters.ConsecutiveLosses).
		Time("cooldown_until", counters.CooldownUntil).
		Msg("Position close settled")
}

func (e *Engine) forceClosePosition(ctx context.Context, snap *store.Snapshot, pos *store.Position, reason string, now time.Time) {
	exit, err := e.exec.Close(ctx, pos, reason)
	if err != nil {
		log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Force-close failed")
		e.recordEvent(ctx, "execution", "force_close_failed", err.Error())
		return
	}
	e.recordEvent(ctx, "execution", "force_close", reason)
	e.settleClose(ctx, snap, positionPnL(pos, exit), now)
}

// halt is the kill-switch response: cancel everything, close everything,
// disable automation, latch. Only an external reset clears it.
func (e *Engine) halt(ctx context.Context, reason string) {
	log.Error().Str("reason", reason).Msg("HALT: kill switch engaged")

	open, err := e.conn.OpenOrders(ctx, e.cfg.Trading.Symbol)
	if err != nil {
		log.Error().Err(err).Msg("Listing open orders during halt failed")
	}
	for _, o := range open {
		if err := e.conn.CancelOrder(ctx, o.Symbol, o.ID); err != nil {
			log.Error().Err(err).Str("order_id", o.ID).Msg("Cancel during halt failed")
		}
	}

	snap, err := e.st.ReadSnapshot(ctx)
	if err == nil && snap.ActivePosition != nil {
		e.forceClosePosition(ctx, snap, snap.ActivePosition, "halt: "+reason, e.clk.Now())
	}

	if err := e.st.SetAutomationEnabled(ctx, false); err != nil {
		log.Error().Err(err).Msg("Disabling automation during halt failed")
	}
	if err := e.st.SetKillSwitchLatched(ctx, true); err != nil {
		log.Error().Err(err).Msg("Latching kill switch failed")
	}
	e.recordEvent(ctx, "breaker", string(risk.ConditionKillSwitch), reason)
}

func (e *Engine) recordEvaluation(ctx context.Context, ev gates.Evaluation) {
	e.met.Decisions.WithLabelValues(string(ev.Outcome), ev.Reason).Inc()
	if ev.CompositeEvaluated {
		e.met.CompositeScore.Set(float64(ev.Composite))
	}
	log.Info().
		Str("evaluation_id", ev.ID).
		Str("outcome", string(ev.Outcome)).
		Str("reason", ev.Reason).
		Int("composite", ev.Composite).
		Bool("composite_evaluated", ev.CompositeEvaluated).
		Msg("Signal evaluated")
	if err := e.jrnl.RecordEvaluation(ctx, ev); err != nil {
		log.Error().Err(err).Str("evaluation_id", ev.ID).Msg("Journaling evaluation failed")
	}
}

func (e *Engine) recordEvent(ctx context.Context, category, condition, detail string) {
	if err := e.jrnl.RecordEvent(ctx, journal.Event{
		Timestamp: e.clk.Now(),
		Category:  category,
		Condition: condition,
		Detail:    detail,
	}); err != nil {
		log.Error().Err(err).Str("category", category).Msg("Journaling event failed")
	}
}

func toIntegrityPosition(pos *store.Position) integrity.Position {
	return integrity.Position{
		Symbol:         pos.Symbol,
		Direction:      pos.Direction,
		StopPrice:      pos.StopPrice,
		TargetPrice:    pos.TargetPrice,
		Size:           pos.Size,
		StopOrderRef:   pos.StopOrderRef,
		TargetOrderRef: pos.TargetOrderRef,
	}
}

func positionPnL(pos *store.Position, exit float64) float64 {
	if pos.Direction == risk.SideShort {
		return (pos.EntryPrice - exit) * pos.Size
	}
	return (exit - pos.EntryPrice) * pos.Size
}

// liveMargin derives the live margin view from the position and the current
// price. Utilization is committed collateral over remaining account equity,
// so unrealized losses push it toward and past 100.
func liveMargin(pos *store.Position, lev risk.LeverageConfig, price, balance float64) risk.MarginStatus {
	notional := pos.EntryPrice * pos.Size
	collateral := notional / float64(lev.Leverage)
	equity := balance + positionPnL(pos, price)

	util := 100.0
	if equity > 0 {
		util = collateral / equity * 100
	}

	liq, err := risk.LiquidationPrice(pos.Direction, pos.EntryPrice, collateral, pos.Size)
	buffer := 0.0
	if err == nil {
		buffer = risk.BufferToLiquidation(price, liq, pos.Direction)
	}
	return risk.MarginStatus{
		HasPosition:            true,
		UtilizationPct:         util,
		BufferToLiquidationPct: buffer,
	}
}
