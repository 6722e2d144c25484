// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantguard/quantguard/internal/clock"
	"github.com/quantguard/quantguard/internal/exchange"
	"github.com/quantguard/quantguard/internal/gates"
	"github.com/quantguard/quantguard/internal/journal"
	"github.com/quantguard/quantguard/internal/metrics"
	"github.com/quantguard/quantguard/internal/risk"
	"github.com/quantguard/quantguard/internal/scores"
	"github.com/quantguard/quantguard/internal/store"
	"github.com/quantguard/quantguard/internal/stream"
)

// Trading holds the market-facing parameters.
type Trading struct {
	Symbol          string        `yaml:"symbol"`
	FastTimeframe   string        `yaml:"fast_timeframe"`
	SlowTimeframe   string        `yaml:"slow_timeframe"`
	CandleHistory   int           `yaml:"candle_history"`
	MaxCandleAge    time.Duration `yaml:"max_candle_age"`
	SLATRMultiplier float64       `yaml:"sl_atr_multiplier"`
	TPATRMultiplier float64       `yaml:"tp_atr_multiplier"`
}

// Config is the full engine configuration tree.
type Config struct {
	Trading  Trading                  `yaml:"trading"`
	Strategy gates.Config             `yaml:"strategy"`
	Leverage risk.LeverageConfig      `yaml:"leverage"`
	Breakers risk.BreakerConfig       `yaml:"breakers"`
	Feeds    scores.Config            `yaml:"feeds"`
	Governor exchange.GovernorConfig  `yaml:"governor"`
	Clock    clock.Config             `yaml:"clock"`
	Store    store.Config             `yaml:"store"`
	Stream   stream.Config            `yaml:"stream"`
	Journal  journal.Config           `yaml:"journal"`
	Metrics  metrics.Config           `yaml:"metrics"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Trading: Trading{
			Symbol:          "BTC/USDT",
			FastTimeframe:   "1m",
			SlowTimeframe:   "15m",
			CandleHistory:   1000,
			MaxCandleAge:    65 * time.Second,
			SLATRMultiplier: 1.5,
			TPATRMultiplier: 3.0,
		},
		Strategy: gates.DefaultConfig(),
		Leverage: risk.DefaultLeverageConfig(),
		Breakers: risk.DefaultBreakerConfig(),
		Feeds:    scores.DefaultConfig(),
		Governor: exchange.DefaultGovernorConfig(),
		Clock:    clock.DefaultConfig(),
		Store:    store.DefaultConfig(),
		Stream:   stream.DefaultConfig(),
		Journal:  journal.DefaultConfig(),
		Metrics:  metrics.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make the safety rails inert.
func (c Config) Validate() error {
	if c.Trading.Symbol == "" {
		return fmt.Errorf("config: trading.symbol is required")
	}
	if c.Trading.CandleHistory < c.Strategy.EMASlow {
		return fmt.Errorf("config: candle_history %d is below slow EMA period %d",
			c.Trading.CandleHistory, c.Strategy.EMASlow)
	}
	if c.Trading.MaxCandleAge <= 0 {
		return fmt.Errorf("config: trading.max_candle_age must be positive")
	}
	if c.Leverage.Leverage < 1 || c.Leverage.Leverage > 20 {
		return fmt.Errorf("config: leverage.leverage %d out of range [1,20]", c.Leverage.Leverage)
	}
	if c.Leverage.MaxRiskPct <= 0 {
		return fmt.Errorf("config: leverage.max_risk_pct must be positive")
	}
	if c.Breakers.MaxDailyTrades <= 0 {
		return fmt.Errorf("config: breakers.max_daily_trades must be positive")
	}
	if c.Breakers.Cooldown <= 0 {
		return fmt.Errorf("config: breakers.cooldown must be positive")
	}
	if c.Strategy.SpreadMaxFraction <= 0 {
		return fmt.Errorf("config: strategy.spread_max_fraction must be positive")
	}
	return nil
}
