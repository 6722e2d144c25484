// Package risk holds the leverage mathematics and the trade circuit-breaker
// state machine. Everything here is a pure function over explicit inputs;
// persistence of counters and the latch belongs to the caller.
package risk

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidInput marks malformed numeric parameters. Fatal to the calling
// operation, never silently coerced.
var ErrInvalidInput = errors.New("invalid input")

// Side constants shared across risk and position handling.
const (
	SideLong  = "long"
	SideShort = "short"
)

// LeverageConfig is immutable for the duration of a position; a change only
// applies to the next opened position.
type LeverageConfig struct {
	TradingCapital float64 `yaml:"trading_capital" json:"trading_capital"`
	Leverage       int     `yaml:"leverage" json:"leverage"`
	MaxRiskPct     float64 `yaml:"max_risk_pct" json:"max_risk_pct"`
	MaxDrawdownPct float64 `yaml:"max_drawdown_pct" json:"max_drawdown_pct"`
	MarginMode     string  `yaml:"margin_mode" json:"margin_mode"`

	NotionalCapUSD       float64 `yaml:"notional_cap_usd" json:"notional_cap_usd"`
	LiquidationBufferPct float64 `yaml:"liquidation_buffer_pct" json:"liquidation_buffer_pct"`
	MarginWarningPct     float64 `yaml:"margin_warning_pct" json:"margin_warning_pct"`
	MarginForceClosePct  float64 `yaml:"margin_force_close_pct" json:"margin_force_close_pct"`
	MinLiveBufferPct     float64 `yaml:"min_live_buffer_pct" json:"min_live_buffer_pct"`
}

func DefaultLeverageConfig() LeverageConfig {
	return LeverageConfig{
		TradingCapital:       1000,
		Leverage:             5,
		MaxRiskPct:           1.0,
		MaxDrawdownPct:       10.0,
		MarginMode:           "isolated",
		NotionalCapUSD:       400,
		LiquidationBufferPct: 10.0,
		MarginWarningPct:     90.0,
		MarginForceClosePct:  95.0,
		MinLiveBufferPct:     5.0,
	}
}

// LiquidationPrice is the level at which the position's collateral is fully
// consumed: entry -/+ collateral/amount for long/short.
func LiquidationPrice(side string, entry, collateral, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("amount must be positive, got %v: %w", amount, ErrInvalidInput)
	}
	switch side {
	case SideLong:
		return entry - collateral/amount, nil
	case SideShort:
		return entry + collateral/amount, nil
	}
	return 0, fmt.Errorf("side must be long or short, got %q: %w", side, ErrInvalidInput)
}

// MarginUtilization is collateral over notional as a percentage.
func MarginUtilization(collateral, notional float64) float64 {
	if notional <= 0 {
		return 0
	}
	return collateral / notional * 100
}

// BufferToLiquidation is the percentage distance between current price and
// the liquidation level, floored at zero.
func BufferToLiquidation(current, liquidation float64, side string) float64 {
	if liquidation == 0 {
		return 0
	}
	var buffer float64
	if side == SideLong {
		buffer = (current - liquidation) / math.Abs(liquidation) * 100
	} else {
		buffer = (liquidation - current) / math.Abs(liquidation) * 100
	}
	if buffer < 0 {
		return 0
	}
	return buffer
}

// StopSafety is the verdict from ValidateStopSafety. When unsafe,
// RecommendedStop is the nearest stop that restores the required buffer.
type StopSafety struct {
	LiquidationPrice     float64
	Buffer               float64
	BufferPct            float64
	MarginUtilizationPct float64
	RecommendedStop      float64
	Safe                 bool
}

// ValidateStopSafety requires the gap between the stop and the liquidation
// price to exceed minBufferPct of the liquidation price. An unsafe verdict
// must block the trade before any order is placed.
func ValidateStopSafety(entry, stop, collateral, amount float64, side string, minBufferPct float64) (StopSafety, error) {
	liq, err := LiquidationPrice(side, entry, collateral, amount)
	if err != nil {
		return StopSafety{}, err
	}
	notional := entry * amount

	var buffer float64
	if side == SideLong {
		buffer = stop - liq
	} else {
		buffer = liq - stop
	}

	minBuffer := math.Abs(liq) * minBufferPct / 100
	safe := buffer >= minBuffer

	recommended := stop
	if !safe {
		if side == SideLong {
			recommended = liq + minBuffer
		} else {
			recommended = liq - minBuffer
		}
	}

	bufferPct := 0.0
	if liq != 0 {
		bufferPct = buffer / math.Abs(liq) * 100
	}

	return StopSafety{
		LiquidationPrice:     liq,
		Buffer:               buffer,
		BufferPct:            bufferPct,
		MarginUtilizationPct: MarginUtilization(collateral, notional),
		RecommendedStop:      recommended,
		Safe:                 safe,
	}, nil
}

// SizeRequest carries every input to PositionSize.
type SizeRequest struct {
	Balance        float64
	TradingCapital float64
	Leverage       int
	EntryPrice     float64
	StopDistance   float64
	MaxRiskPct     float64
	NotionalCapUSD float64
}

// SizeResult is a raw size. The caller must pass it through the exchange's
// precision rounding before submitting anything.
type SizeResult struct {
	Size       float64
	Notional   float64
	RiskAmount float64
	Capped     bool
}

// PositionSize risks Balance*MaxRiskPct over the stop distance, with the
// resulting notional bounded by TradingCapital*Leverage and by the absolute
// cap.
func PositionSize(req SizeRequest) (SizeResult, error) {
	if req.Leverage < 1 || req.Leverage > 20 {
		return SizeResult{}, fmt.Errorf("leverage must be 1-20, got %d: %w", req.Leverage, ErrInvalidInput)
	}
	if req.EntryPrice <= 0 {
		return SizeResult{}, fmt.Errorf("entry price must be positive, got %v: %w", req.EntryPrice, ErrInvalidInput)
	}
	if req.StopDistance <= 0 {
		return SizeResult{}, fmt.Errorf("stop distance must be positive, got %v: %w", req.StopDistance, ErrInvalidInput)
	}
	if req.Balance < 0 || req.MaxRiskPct < 0 {
		return SizeResult{}, fmt.Errorf("balance and risk pct must be non-negative: %w", ErrInvalidInput)
	}

	riskAmount := req.Balance * req.MaxRiskPct / 100
	size := riskAmount / req.StopDistance
	notional := size * req.EntryPrice

	maxNotional := req.TradingCapital * float64(req.Leverage)
	if req.NotionalCapUSD > 0 && req.NotionalCapUSD < maxNotional {
		maxNotional = req.NotionalCapUSD
	}

	capped := false
	if notional > maxNotional {
		notional = maxNotional
		size = notional / req.EntryPrice
		capped = true
	}

	return SizeResult{
		Size:       size,
		Notional:   notional,
		RiskAmount: riskAmount,
		Capped:     capped,
	}, nil
}

// MarginSignal grades utilization against the configured danger zones.
type MarginSignal int

const (
	MarginOK MarginSignal = iota
	MarginWarning
	MarginForceClose
)

// CheckMargin maps a utilization percentage to a signal. Above the warning
// threshold the circuit-breaker machine is warned; above the force-close
// threshold the position must be closed, not warned about.
func CheckMargin(utilizationPct float64, cfg LeverageConfig) MarginSignal {
	switch {
	case utilizationPct > cfg.MarginForceClosePct:
		return MarginForceClose
	case utilizationPct > cfg.MarginWarningPct:
		return MarginWarning
	}
	return MarginOK
}
