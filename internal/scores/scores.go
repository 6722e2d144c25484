// Package scores holds the external signal score cache model: one sample per
// source, each valid only within its own TTL. A stale or missing source
// always resolves to score 0 with a stale flag; staleness here is a logged
// condition, never an error.
package scores

import (
	"time"
)

// Source identifies an external signal category.
type Source string

const (
	SourceFunding   Source = "funding_rate"
	SourceOIDelta   Source = "oi_delta"
	SourceLSRatio   Source = "ls_ratio"
	SourceFearGreed Source = "fear_greed"
	SourceOnchain   Source = "onchain_flow"
)

// Sources lists every known source in a stable order.
var Sources = []Source{SourceFunding, SourceOIDelta, SourceLSRatio, SourceFearGreed, SourceOnchain}

// Sample is the cached reading for one source. Score is the thresholded
// contribution in {-1, 0, +1}; Value is the raw reading it was derived from.
type Sample struct {
	Value     float64   `json:"value"`
	Score     int       `json:"score"`
	Timestamp time.Time `json:"timestamp"`
}

// Resolved is a sample after freshness resolution against corrected time.
type Resolved struct {
	Source Source
	Score  int
	Stale  bool
	Absent bool
}

// Config carries per-source TTLs and the threshold rule tables.
type Config struct {
	FundingTTL   time.Duration `yaml:"funding_ttl"`
	OIDeltaTTL   time.Duration `yaml:"oi_delta_ttl"`
	LSRatioTTL   time.Duration `yaml:"ls_ratio_ttl"`
	FearGreedTTL time.Duration `yaml:"fear_greed_ttl"`
	OnchainTTL   time.Duration `yaml:"onchain_ttl"`

	FundingRateThreshold  float64 `yaml:"funding_rate_threshold"`
	OIDeltaThresholdUSD   float64 `yaml:"oi_delta_threshold_usd"`
	LSRatioHigh           float64 `yaml:"ls_ratio_high"`
	LSRatioLow            float64 `yaml:"ls_ratio_low"`
	FearGreedExtremeFear  int     `yaml:"fear_greed_extreme_fear"`
	FearGreedExtremeGreed int     `yaml:"fear_greed_extreme_greed"`
	OnchainFlowThreshold  float64 `yaml:"onchain_flow_threshold_btc"`
}

func DefaultConfig() Config {
	return Config{
		FundingTTL:   30 * time.Minute,
		OIDeltaTTL:   30 * time.Minute,
		LSRatioTTL:   30 * time.Minute,
		FearGreedTTL: 6 * time.Hour,
		OnchainTTL:   6 * time.Hour,

		FundingRateThreshold:  0.0001,
		OIDeltaThresholdUSD:   50_000_000,
		LSRatioHigh:           1.1,
		LSRatioLow:            0.9,
		FearGreedExtremeFear:  25,
		FearGreedExtremeGreed: 75,
		OnchainFlowThreshold:  100,
	}
}

// TTL returns the configured TTL for a source.
func (c Config) TTL(s Source) time.Duration {
	switch s {
	case SourceFunding:
		return c.FundingTTL
	case SourceOIDelta:
		return c.OIDeltaTTL
	case SourceLSRatio:
		return c.LSRatioTTL
	case SourceFearGreed:
		return c.FearGreedTTL
	case SourceOnchain:
		return c.OnchainTTL
	}
	return 0
}

// Resolve applies freshness to every known source. Sources missing from the
// cache, or older than their TTL at corrected time now, contribute 0.
func Resolve(cache map[Source]Sample, cfg Config, now time.Time) map[Source]Resolved {
	out := make(map[Source]Resolved, len(Sources))
	for _, src := range Sources {
		sample, ok := cache[src]
		if !ok {
			out[src] = Resolved{Source: src, Score: 0, Absent: true}
			continue
		}
		if now.Sub(sample.Timestamp) > cfg.TTL(src) {
			out[src] = Resolved{Source: src, Score: 0, Stale: true}
			continue
		}
		out[src] = Resolved{Source: src, Score: clamp(sample.Score)}
	}
	return out
}

func clamp(s int) int {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// ScoreFunding maps a funding rate to a layer score. A strongly positive
// rate reads as crowded longs paying shorts (bullish pressure per the rule
// table), a strongly negative one the opposite.
func (c Config) ScoreFunding(rate float64) int {
	switch {
	case rate > c.FundingRateThreshold:
		return 1
	case rate < -c.FundingRateThreshold:
		return -1
	}
	return 0
}

// ScoreOIDelta maps an open-interest delta (USD) to a layer score.
func (c Config) ScoreOIDelta(delta float64) int {
	switch {
	case delta > c.OIDeltaThresholdUSD:
		return 1
	case delta < -c.OIDeltaThresholdUSD:
		return -1
	}
	return 0
}

// ScoreLSRatio maps the long/short account ratio to a layer score.
func (c Config) ScoreLSRatio(ratio float64) int {
	switch {
	case ratio > c.LSRatioHigh:
		return 1
	case ratio < c.LSRatioLow && ratio > 0:
		return -1
	}
	return 0
}

// ScoreFearGreed maps the fear/greed index contrarian-style: extreme fear
// scores bullish, extreme greed bearish.
func (c Config) ScoreFearGreed(value float64) int {
	switch {
	case value <= float64(c.FearGreedExtremeFear):
		return 1
	case value >= float64(c.FearGreedExtremeGreed):
		return -1
	}
	return 0
}

// ScoreOnchain maps net on-chain flow (BTC) to a layer score.
func (c Config) ScoreOnchain(flow float64) int {
	switch {
	case flow > c.OnchainFlowThreshold:
		return 1
	case flow < -c.OnchainFlowThreshold:
		return -1
	}
	return 0
}

// ScoreFor applies the rule table for src to a raw value.
func (c Config) ScoreFor(src Source, value float64) int {
	switch src {
	case SourceFunding:
		return c.ScoreFunding(value)
	case SourceOIDelta:
		return c.ScoreOIDelta(value)
	case SourceLSRatio:
		return c.ScoreLSRatio(value)
	case SourceFearGreed:
		return c.ScoreFearGreed(value)
	case SourceOnchain:
		return c.ScoreOnchain(value)
	}
	return 0
}
