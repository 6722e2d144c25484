// Package gates implements the strict-order signal evaluation pipeline.
// Evaluate is a pure function of its inputs: no clock reads, no I/O, no
// freshness checks. Freshness is the caller's job; a stale source arrives
// here already resolved to a zero score.
package gates

import (
	"time"

	"github.com/google/uuid"

	"github.com/quantguard/quantguard/internal/indicators"
	"github.com/quantguard/quantguard/internal/market"
	"github.com/quantguard/quantguard/internal/scores"
)

// Outcome is the final pipeline verdict.
type Outcome string

const (
	OutcomeApprovedLong  Outcome = "APPROVED_LONG"
	OutcomeApprovedShort Outcome = "APPROVED_SHORT"
	OutcomeRejected      Outcome = "REJECTED"
	OutcomeSuppressed    Outcome = "SUPPRESSED"
	OutcomeNoAction      Outcome = "NO_ACTION"
)

// Reason codes attached to every non-approved outcome.
const (
	ReasonPositionOpen        = "position_open"
	ReasonInsufficientHistory = "insufficient_history"
	ReasonTrendNeutral        = "trend_neutral"
	ReasonAsymmetry           = "asymmetry_gate"
	ReasonExtendedMove        = "extended_move"
	ReasonSpreadTooWide       = "spread_too_wide"
	ReasonBelowThreshold      = "composite_below_threshold"
	ReasonApproved            = "approved"
)

// LayerScore is one layer's contribution. Evaluated distinguishes a genuine
// zero from a layer the pipeline never reached.
type LayerScore struct {
	Score     int  `json:"score"`
	Evaluated bool `json:"evaluated"`
	Stale     bool `json:"stale,omitempty"`
}

// Evaluation is the complete audit record for one pipeline invocation. It is
// produced fresh every tick and emitted even on early exit; unevaluated
// layers keep Evaluated=false rather than a fabricated zero.
type Evaluation struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason"`
	Side      string    `json:"side,omitempty"`

	Trend     LayerScore `json:"trend"`
	Reversion LayerScore `json:"reversion"`
	Volume    LayerScore `json:"volume"`
	Funding   LayerScore `json:"funding"`
	OIDelta   LayerScore `json:"oi_delta"`
	LSRatio   LayerScore `json:"ls_ratio"`
	FearGreed LayerScore `json:"fear_greed"`
	Onchain   LayerScore `json:"onchain"`

	Composite          int  `json:"composite"`
	CompositeEvaluated bool `json:"composite_evaluated"`

	ZScore         float64 `json:"z_score"`
	ATR            float64 `json:"atr"`
	SpreadFraction float64 `json:"spread_fraction"`
}

// Config holds every pipeline threshold.
type Config struct {
	EMAFast int `yaml:"ema_fast"`
	EMASlow int `yaml:"ema_slow"`

	ZScorePeriod    int     `yaml:"zscore_period"`
	ZScoreThreshold float64 `yaml:"zscore_threshold"`

	CVDLookback   int `yaml:"cvd_lookback"`
	CVDRecentBars int `yaml:"cvd_recent_bars"`

	ATRPeriod                 int     `yaml:"atr_period"`
	ExtendedMoveATRMultiplier float64 `yaml:"extended_move_atr_multiplier"`
	PivotWidth                int     `yaml:"pivot_width"`
	PivotLookbackBars         int     `yaml:"pivot_lookback_bars"`

	SpreadMaxFraction float64 `yaml:"spread_max_fraction"`

	CompositeLongThreshold  int `yaml:"composite_long_threshold"`
	CompositeShortThreshold int `yaml:"composite_short_threshold"`
}

func DefaultConfig() Config {
	return Config{
		EMAFast:                   50,
		EMASlow:                   200,
		ZScorePeriod:              20,
		ZScoreThreshold:           2.0,
		CVDLookback:               20,
		CVDRecentBars:             5,
		ATRPeriod:                 14,
		ExtendedMoveATRMultiplier: 1.5,
		PivotWidth:                2,
		PivotLookbackBars:         20,
		SpreadMaxFraction:         0.0008,
		CompositeLongThreshold:    3,
		CompositeShortThreshold:   -2,
	}
}

// Inputs is everything Evaluate consumes. Fast is the signal timeframe,
// Slow the trend timeframe, both oldest-first. Now is corrected time taken
// by the caller at tick start.
type Inputs struct {
	Now               time.Time
	HasActivePosition bool
	Fast              []market.Candle
	Slow              []market.Candle
	Bid               float64
	Ask               float64
	Scores            map[scores.Source]scores.Resolved
}

// Evaluate runs the ordered gates with strict short-circuit: the first
// failing gate returns immediately and later layers stay unevaluated.
func Evaluate(in Inputs, cfg Config) Evaluation {
	ev := Evaluation{
		ID:        uuid.NewString(),
		Timestamp: in.Now,
	}

	// Gate 1: One-Position invariant.
	if in.HasActivePosition {
		ev.Outcome = OutcomeNoAction
		ev.Reason = ReasonPositionOpen
		return ev
	}

	if len(in.Slow) < cfg.EMASlow || len(in.Fast) < minFastBars(cfg) {
		ev.Outcome = OutcomeRejected
		ev.Reason = ReasonInsufficientHistory
		return ev
	}

	fastCloses := market.Closes(in.Fast)
	slowCloses := market.Closes(in.Slow)
	price := fastCloses[len(fastCloses)-1]

	// Gate 2: trend alignment on the slow timeframe.
	emaFast, _ := indicators.EMA(slowCloses, cfg.EMAFast)
	emaSlow, _ := indicators.EMA(slowCloses, cfg.EMASlow)
	slowPrice := slowCloses[len(slowCloses)-1]
	ev.Trend.Evaluated = true
	switch {
	case slowPrice > emaFast && slowPrice > emaSlow && emaFast > emaSlow:
		ev.Trend.Score = 1
	case slowPrice < emaFast && slowPrice < emaSlow && emaFast < emaSlow:
		ev.Trend.Score = -1
	default:
		ev.Outcome = OutcomeRejected
		ev.Reason = ReasonTrendNeutral
		return ev
	}

	// Gate 3: mean reversion. Neutral is a score, not a rejection.
	z, _ := indicators.ZScore(fastCloses, cfg.ZScorePeriod)
	ev.ZScore = z
	ev.Reversion.Evaluated = true
	switch {
	case z > cfg.ZScoreThreshold && strictlyFalling(fastCloses, 3):
		ev.Reversion.Score = -1
	case z < -cfg.ZScoreThreshold && strictlyRising(fastCloses, 3):
		ev.Reversion.Score = 1
	}

	// Gate 4: price vs cumulative volume delta divergence.
	ev.Volume.Evaluated = true
	ev.Volume.Score = volumeDivergence(in.Fast, cfg)

	// Gate 5: asymmetry hard gate. Shorts need trend plus one confirmation,
	// longs need full agreement.
	longOK := ev.Trend.Score == 1 && ev.Reversion.Score == 1 && ev.Volume.Score == 1
	shortOK := ev.Trend.Score == -1 && (ev.Reversion.Score == -1 || ev.Volume.Score == -1)
	switch {
	case longOK:
		ev.Side = "long"
	case shortOK:
		ev.Side = "short"
	default:
		ev.Outcome = OutcomeRejected
		ev.Reason = ReasonAsymmetry
		return ev
	}

	// Gate 6: extended-move filter. No pivot in the lookback means skip.
	atr, atrOK := indicators.ATR(in.Fast, cfg.ATRPeriod)
	ev.ATR = atr
	if atrOK && atr > 0 {
		limit := cfg.ExtendedMoveATRMultiplier * atr
		if ev.Side == "long" {
			if pivot, found := indicators.PivotHigh(market.Highs(in.Fast), cfg.PivotWidth, cfg.PivotLookbackBars); found && price > pivot+limit {
				ev.Outcome = OutcomeRejected
				ev.Reason = ReasonExtendedMove
				return ev
			}
		} else {
			if pivot, found := indicators.PivotLow(market.Lows(in.Fast), cfg.PivotWidth, cfg.PivotLookbackBars); found && price < pivot-limit {
				ev.Outcome = OutcomeRejected
				ev.Reason = ReasonExtendedMove
				return ev
			}
		}
	}

	// Gate 7: spread guard. Suppression, not rejection: the market is
	// transiently untradeable, the strategy did not disagree.
	ev.SpreadFraction = indicators.SpreadFraction(in.Bid, in.Ask)
	if ev.SpreadFraction > cfg.SpreadMaxFraction {
		ev.Outcome = OutcomeSuppressed
		ev.Reason = ReasonSpreadTooWide
		return ev
	}

	// Gate 8: external layers, already freshness-resolved by the caller.
	ev.Funding = externalLayer(in.Scores, scores.SourceFunding)
	ev.OIDelta = externalLayer(in.Scores, scores.SourceOIDelta)
	ev.LSRatio = externalLayer(in.Scores, scores.SourceLSRatio)
	ev.FearGreed = externalLayer(in.Scores, scores.SourceFearGreed)
	ev.Onchain = externalLayer(in.Scores, scores.SourceOnchain)

	// Gate 9: composite decision, inclusive thresholds.
	ev.Composite = ev.Trend.Score + ev.Reversion.Score + ev.Volume.Score +
		ev.Funding.Score + ev.OIDelta.Score + ev.LSRatio.Score +
		ev.FearGreed.Score + ev.Onchain.Score
	ev.CompositeEvaluated = true

	switch {
	case ev.Side == "long" && ev.Composite >= cfg.CompositeLongThreshold:
		ev.Outcome = OutcomeApprovedLong
		ev.Reason = ReasonApproved
	case ev.Side == "short" && ev.Composite <= cfg.CompositeShortThreshold:
		ev.Outcome = OutcomeApprovedShort
		ev.Reason = ReasonApproved
	default:
		ev.Outcome = OutcomeNoAction
		ev.Reason = ReasonBelowThreshold
	}
	return ev
}

func minFastBars(cfg Config) int {
	min := cfg.ZScorePeriod
	if n := cfg.ATRPeriod + 1; n > min {
		min = n
	}
	if cfg.CVDLookback > min {
		min = cfg.CVDLookback
	}
	if n := 2*cfg.PivotWidth + 1; n > min {
		min = n
	}
	return min
}

func externalLayer(resolved map[scores.Source]scores.Resolved, src scores.Source) LayerScore {
	r, ok := resolved[src]
	if !ok {
		return LayerScore{Score: 0, Evaluated: true, Stale: true}
	}
	return LayerScore{Score: r.Score, Evaluated: true, Stale: r.Stale || r.Absent}
}

func strictlyRising(series []float64, n int) bool {
	if len(series) < n+1 {
		return false
	}
	for i := len(series) - n; i < len(series); i++ {
		if series[i] <= series[i-1] {
			return false
		}
	}
	return true
}

func strictlyFalling(series []float64, n int) bool {
	if len(series) < n+1 {
		return false
	}
	for i := len(series) - n; i < len(series); i++ {
		if series[i] >= series[i-1] {
			return false
		}
	}
	return true
}

// volumeDivergence compares the price net change over the recent sub-window
// against the CVD net change over the same bars.
func volumeDivergence(candles []market.Candle, cfg Config) int {
	if len(candles) < cfg.CVDLookback || cfg.CVDRecentBars <= 0 {
		return 0
	}
	window := candles[len(candles)-cfg.CVDLookback:]
	cvd := indicators.CVD(window)
	n := len(window)
	recent := cfg.CVDRecentBars
	if recent >= n {
		recent = n - 1
	}
	priceDelta := window[n-1].Close - window[n-1-recent].Close
	cvdDelta := cvd[n-1] - cvd[n-1-recent]
	switch {
	case priceDelta > 0 && cvdDelta < 0:
		return -1
	case priceDelta < 0 && cvdDelta > 0:
		return 1
	}
	return 0
}
