package risk

import (
	"fmt"
	"time"
)

// BreakerConfig tunes the circuit-breaker state machine.
type BreakerConfig struct {
	MaxDailyTrades       int           `yaml:"max_daily_trades"`
	MaxConsecutiveLosses int           `yaml:"max_consecutive_losses"`
	Cooldown             time.Duration `yaml:"cooldown"`
	DailyDrawdownKillPct float64       `yaml:"daily_drawdown_kill_pct"`
	MaxHold              time.Duration `yaml:"max_hold"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxDailyTrades:       10,
		MaxConsecutiveLosses: 3,
		Cooldown:             45 * time.Minute,
		DailyDrawdownKillPct: 2.0,
		MaxHold:              90 * time.Minute,
	}
}

// Condition names the breaker that fired. Exactly one condition fires per
// evaluation; the check order is fixed and first match wins.
type Condition string

const (
	ConditionDailyLimit        Condition = "daily_limit"
	ConditionCooldown          Condition = "cooldown"
	ConditionKillSwitch        Condition = "kill_switch"
	ConditionMaxHold           Condition = "max_hold"
	ConditionMarginForceClose  Condition = "margin_force_close"
	ConditionLiquidationBuffer Condition = "liquidation_buffer"
)

// Action is what the firing breaker demands.
type Action int

const (
	// ActionBlock rejects this trade attempt only.
	ActionBlock Action = iota
	// ActionForceClose closes the open position at market, bypassing the
	// normal exit path.
	ActionForceClose
	// ActionHalt is terminal for the session: cancel everything, close
	// everything, disable automation. Cleared only by an external reset.
	ActionHalt
)

// Trip is the result of a breaker firing.
type Trip struct {
	Condition Condition
	Action    Action
	Reason    string
}

// ClosePnL is one realized close, timestamped with corrected time so the
// trailing drawdown window can expire it.
type ClosePnL struct {
	At  time.Time `json:"at"`
	PnL float64   `json:"pnl"`
}

// Counters is the mutable breaker state. It lives in the state store and is
// mutated only through this package's Apply* helpers and Check's rollover.
// Rolling24hPnL is derived: the sum of Closes inside the trailing 24 hours,
// recomputed whenever the window is pruned.
type Counters struct {
	DailyTradeCount   int        `json:"daily_trade_count"`
	DailyTradeDate    string     `json:"daily_trade_date"`
	ConsecutiveLosses int        `json:"consecutive_losses"`
	CooldownUntil     time.Time  `json:"cooldown_until"`
	Rolling24hPnL     float64    `json:"rolling_24h_pnl"`
	Closes            []ClosePnL `json:"recent_closes,omitempty"`
}

// pruneCloses drops closes older than 24 hours before now and recomputes
// the rolling sum from what remains.
func pruneCloses(c Counters, now time.Time) Counters {
	cutoff := now.Add(-24 * time.Hour)
	var kept []ClosePnL
	total := 0.0
	for _, cl := range c.Closes {
		if cl.At.After(cutoff) {
			kept = append(kept, cl)
			total += cl.PnL
		}
	}
	c.Closes = kept
	c.Rolling24hPnL = total
	return c
}

// PositionAge describes the open position, if any, for the max-hold check.
type PositionAge struct {
	Open      bool
	EntryTime time.Time
}

// MarginStatus carries the live margin signals from the leverage calculator.
type MarginStatus struct {
	HasPosition            bool
	UtilizationPct         float64
	BufferToLiquidationPct float64
}

// TradeDate formats corrected time as the UTC trading date.
func TradeDate(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Check evaluates every breaker in fixed order against corrected time now.
// The date rollover resets the daily count before the limit check on the
// same tick; the returned Counters must be persisted by the caller whether
// or not a breaker fired.
func Check(
	c Counters,
	pos PositionAge,
	margin MarginStatus,
	balance float64,
	killLatched bool,
	cfg BreakerConfig,
	lev LeverageConfig,
	now time.Time,
) (Counters, *Trip) {
	// Daily limit, rollover first. Expire the trailing PnL window on the
	// same tick so a stale close cannot feed the kill switch.
	if date := TradeDate(now); c.DailyTradeDate != date {
		c.DailyTradeCount = 0
		c.DailyTradeDate = date
	}
	c = pruneCloses(c, now)
	if c.DailyTradeCount >= cfg.MaxDailyTrades {
		return c, &Trip{
			Condition: ConditionDailyLimit,
			Action:    ActionBlock,
			Reason:    fmt.Sprintf("daily trade limit reached (%d/%d)", c.DailyTradeCount, cfg.MaxDailyTrades),
		}
	}

	// Cooldown.
	if now.Before(c.CooldownUntil) {
		return c, &Trip{
			Condition: ConditionCooldown,
			Action:    ActionBlock,
			Reason:    fmt.Sprintf("in cooldown until %s after %d consecutive losses", c.CooldownUntil.UTC().Format(time.RFC3339), c.ConsecutiveLosses),
		}
	}

	// Kill switch: rolling 24h PnL below the configured negative fraction
	// of balance. Latched once fired; does not auto-clear.
	if killLatched {
		return c, &Trip{
			Condition: ConditionKillSwitch,
			Action:    ActionHalt,
			Reason:    "kill switch latched, external reset required",
		}
	}
	if balance > 0 && c.Rolling24hPnL < 0 {
		drawdownPct := -c.Rolling24hPnL / balance * 100
		if drawdownPct >= cfg.DailyDrawdownKillPct {
			return c, &Trip{
				Condition: ConditionKillSwitch,
				Action:    ActionHalt,
				Reason:    fmt.Sprintf("24h drawdown %.2f%% breached kill threshold %.2f%%", drawdownPct, cfg.DailyDrawdownKillPct),
			}
		}
	}

	// Max hold, by corrected time, regardless of price.
	if pos.Open && now.Sub(pos.EntryTime) > cfg.MaxHold {
		return c, &Trip{
			Condition: ConditionMaxHold,
			Action:    ActionForceClose,
			Reason:    fmt.Sprintf("position held %s exceeds max hold %s", now.Sub(pos.EntryTime).Truncate(time.Second), cfg.MaxHold),
		}
	}

	// Margin and liquidation breakers from the leverage calculator.
	if margin.HasPosition {
		if margin.UtilizationPct > lev.MarginForceClosePct {
			return c, &Trip{
				Condition: ConditionMarginForceClose,
				Action:    ActionForceClose,
				Reason:    fmt.Sprintf("margin utilization %.1f%% above force-close threshold %.1f%%", margin.UtilizationPct, lev.MarginForceClosePct),
			}
		}
		if margin.BufferToLiquidationPct < lev.MinLiveBufferPct {
			return c, &Trip{
				Condition: ConditionLiquidationBuffer,
				Action:    ActionForceClose,
				Reason:    fmt.Sprintf("liquidation buffer %.1f%% below minimum %.1f%%", margin.BufferToLiquidationPct, lev.MinLiveBufferPct),
			}
		}
	}

	return c, nil
}

// CheckPosition evaluates only the position-safety breakers (max hold,
// margin, liquidation buffer) for an open position. These fire regardless
// of the entry-side breaker state and are checked on every closed bar.
func CheckPosition(pos PositionAge, margin MarginStatus, cfg BreakerConfig, lev LeverageConfig, now time.Time) *Trip {
	if pos.Open && now.Sub(pos.EntryTime) > cfg.MaxHold {
		return &Trip{
			Condition: ConditionMaxHold,
			Action:    ActionForceClose,
			Reason:    fmt.Sprintf("position held %s exceeds max hold %s", now.Sub(pos.EntryTime).Truncate(time.Second), cfg.MaxHold),
		}
	}
	if margin.HasPosition {
		if margin.UtilizationPct > lev.MarginForceClosePct {
			return &Trip{
				Condition: ConditionMarginForceClose,
				Action:    ActionForceClose,
				Reason:    fmt.Sprintf("margin utilization %.1f%% above force-close threshold %.1f%%", margin.UtilizationPct, lev.MarginForceClosePct),
			}
		}
		if margin.BufferToLiquidationPct < lev.MinLiveBufferPct {
			return &Trip{
				Condition: ConditionLiquidationBuffer,
				Action:    ActionForceClose,
				Reason:    fmt.Sprintf("liquidation buffer %.1f%% below minimum %.1f%%", margin.BufferToLiquidationPct, lev.MinLiveBufferPct),
			}
		}
	}
	return nil
}

// ApplyOpen records a newly opened trade: rollover, then increment.
func ApplyOpen(c Counters, now time.Time) Counters {
	if date := TradeDate(now); c.DailyTradeDate != date {
		c.DailyTradeCount = 0
		c.DailyTradeDate = date
	}
	c.DailyTradeCount++
	return c
}

// ApplyClose records a closed trade. A winning close resets the
// consecutive-loss counter immediately; the configured losing streak enters
// cooldown at corrected_now + cooldown duration.
func ApplyClose(c Counters, pnl float64, now time.Time, cfg BreakerConfig) Counters {
	c.Closes = append(c.Closes, ClosePnL{At: now, PnL: pnl})
	c = pruneCloses(c, now)
	if pnl > 0 {
		c.ConsecutiveLosses = 0
		return c
	}
	c.ConsecutiveLosses++
	if c.ConsecutiveLosses >= cfg.MaxConsecutiveLosses {
		c.CooldownUntil = now.Add(cfg.Cooldown)
	}
	return c
}
