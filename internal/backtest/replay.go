// Package backtest replays historical candles through the live signal
// pipeline and grades the result against the promotion gate. A strategy
// revision that fails the gate never receives a validated integrity record.
package backtest

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/quantguard/quantguard/internal/gates"
	"github.com/quantguard/quantguard/internal/indicators"
	"github.com/quantguard/quantguard/internal/market"
	"github.com/quantguard/quantguard/internal/risk"
	"github.com/quantguard/quantguard/internal/scores"
)

// Params controls a replay run.
type Params struct {
	Strategy        gates.Config
	SLATRMultiplier float64
	TPATRMultiplier float64

	// Spread applied symmetrically around each close when synthesizing
	// bid/ask for the spread gate.
	SpreadFraction float64
}

// Trade is one simulated round trip.
type Trade struct {
	Side       string
	EntryPrice float64
	ExitPrice  float64
	PnL        float64
	Win        bool
}

// Results summarizes a replay.
type Results struct {
	TotalTrades     int
	Winning         int
	Losing          int
	WinRate         float64
	TotalPnL        float64
	GrossProfit     float64
	GrossLoss       float64
	ProfitFactor    float64
	MaxTradesPerDay int
	Trades          []Trade
}

// Gate is the promotion criteria a replay must satisfy before the strategy
// revision is stamped validated.
type Gate struct {
	MaxTradesPerDay int
	MinProfitFactor float64
	MinTrades       int
}

func DefaultGate() Gate {
	return Gate{
		MaxTradesPerDay: 8,
		MinProfitFactor: 1.3,
		MinTrades:       5,
	}
}

// Evaluate grades results against the gate. A nil return means promoted.
func (g Gate) Evaluate(r Results) error {
	if r.TotalTrades < g.MinTrades {
		return fmt.Errorf("backtest: %d trades below minimum %d", r.TotalTrades, g.MinTrades)
	}
	if r.MaxTradesPerDay > g.MaxTradesPerDay {
		return fmt.Errorf("backtest: %d trades in one day exceeds overtrading limit %d", r.MaxTradesPerDay, g.MaxTradesPerDay)
	}
	if r.ProfitFactor < g.MinProfitFactor {
		return fmt.Errorf("backtest: profit factor %.2f below minimum %.2f", r.ProfitFactor, g.MinProfitFactor)
	}
	return nil
}

type openTrade struct {
	side   string
	entry  float64
	stop   float64
	target float64
}

// Replay walks the fast candles oldest to newest, evaluating the pipeline on
// each closed bar with the history available at that moment. External scores
// are held neutral; the replay grades price logic, not feed timing. Fills are
// conservative: a bar touching both stop and target counts as a stop.
func Replay(fast, slow []market.Candle, p Params) (Results, error) {
	if p.SLATRMultiplier <= 0 || p.TPATRMultiplier <= 0 {
		return Results{}, fmt.Errorf("backtest: ATR multipliers must be positive: %w", risk.ErrInvalidInput)
	}

	neutral := make(map[scores.Source]scores.Resolved, len(scores.Sources))
	for _, src := range scores.Sources {
		neutral[src] = scores.Resolved{Source: src, Score: 0}
	}

	var (
		res     Results
		open    *openTrade
		slowIdx int
		perDay  = map[string]int{}
	)

	warmup := p.Strategy.ZScorePeriod
	if n := p.Strategy.ATRPeriod + 1; n > warmup {
		warmup = n
	}

	for i := warmup; i < len(fast); i++ {
		bar := fast[i]

		// Advance the slow window up to this bar's close time.
		for slowIdx < len(slow) && !slow[slowIdx].OpenTime.After(bar.OpenTime) {
			slowIdx++
		}

		if open != nil {
			exit, price := checkExit(*open, bar)
			if exit {
				pnl := price - open.entry
				if open.side == risk.SideShort {
					pnl = open.entry - price
				}
				res.Trades = append(res.Trades, Trade{
					Side:       open.side,
					EntryPrice: open.entry,
					ExitPrice:  price,
					PnL:        pnl,
					Win:        pnl > 0,
				})
				open = nil
			}
			continue
		}

		half := bar.Close * p.SpreadFraction / 2
		ev := gates.Evaluate(gates.Inputs{
			Now:    bar.OpenTime,
			Fast:   fast[:i+1],
			Slow:   slow[:slowIdx],
			Bid:    bar.Close - half,
			Ask:    bar.Close + half,
			Scores: neutral,
		}, p.Strategy)

		if ev.Outcome != gates.OutcomeApprovedLong && ev.Outcome != gates.OutcomeApprovedShort {
			continue
		}

		atr, ok := indicators.ATR(fast[:i+1], p.Strategy.ATRPeriod)
		if !ok || atr <= 0 {
			continue
		}

		t := &openTrade{entry: bar.Close}
		if ev.Outcome == gates.OutcomeApprovedLong {
			t.side = risk.SideLong
			t.stop = bar.Close - atr*p.SLATRMultiplier
			t.target = bar.Close + atr*p.TPATRMultiplier
		} else {
			t.side = risk.SideShort
			t.stop = bar.Close + atr*p.SLATRMultiplier
			t.target = bar.Close - atr*p.TPATRMultiplier
		}
		open = t
		perDay[risk.TradeDate(bar.OpenTime)]++
	}

	for _, t := range res.Trades {
		res.TotalPnL += t.PnL
		if t.Win {
			res.Winning++
			res.GrossProfit += t.PnL
		} else {
			res.Losing++
			res.GrossLoss += -t.PnL
		}
	}
	res.TotalTrades = len(res.Trades)
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.Winning) / float64(res.TotalTrades) * 100
	}
	denom := res.GrossLoss
	if denom < 1 {
		denom = 1
	}
	res.ProfitFactor = res.GrossProfit / denom
	for _, n := range perDay {
		if n > res.MaxTradesPerDay {
			res.MaxTradesPerDay = n
		}
	}

	log.Info().
		Int("trades", res.TotalTrades).
		Float64("win_rate", res.WinRate).
		Float64("profit_factor", res.ProfitFactor).
		Int("max_trades_per_day", res.MaxTradesPerDay).
		Msg("Replay complete")
	return res, nil
}

// checkExit reports whether the bar touched the stop or target, stop first.
func checkExit(t openTrade, bar market.Candle) (bool, float64) {
	if t.side == risk.SideLong {
		if bar.Low <= t.stop {
			return true, t.stop
		}
		if bar.High >= t.target {
			return true, t.target
		}
		return false, 0
	}
	if bar.High >= t.stop {
		return true, t.stop
	}
	if bar.Low <= t.target {
		return true, t.target
	}
	return false, 0
}
