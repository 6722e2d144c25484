// Package store owns all shared mutable state: the active position, risk
// counters, leverage config, external score cache, integrity record, and
// the automation flag. No other package touches the underlying client; the
// typed interface here is the only access path, and every consumer works
// from an atomically read snapshot per tick.
package store

import (
	"context"
	"time"

	"github.com/quantguard/quantguard/internal/integrity"
	"github.com/quantguard/quantguard/internal/risk"
	"github.com/quantguard/quantguard/internal/scores"
)

// Position is the single system-wide position. At most one exists.
type Position struct {
	Symbol         string    `json:"symbol"`
	Direction      string    `json:"direction"`
	EntryPrice     float64   `json:"entry_price"`
	StopPrice      float64   `json:"stop_price"`
	TargetPrice    float64   `json:"target_price"`
	Size           float64   `json:"size"`
	EntryTime      time.Time `json:"entry_time"`
	StopOrderRef   string    `json:"stop_order_ref"`
	TargetOrderRef string    `json:"target_order_ref"`
}

// SimMetrics are the simulated-mode portfolio counters.
type SimMetrics struct {
	PnL        float64 `json:"pnl"`
	TradeCount int     `json:"trade_count"`
	WinRate    float64 `json:"win_rate"`
}

// Snapshot is the full state read atomically at tick start. The decision
// loop operates on this copy, never on live store references.
type Snapshot struct {
	AutomationEnabled bool
	KillSwitchLatched bool
	Mode              string
	AccountBalance    float64
	ActivePosition    *Position
	Counters          risk.Counters
	Leverage          risk.LeverageConfig
	Scores            map[scores.Source]scores.Sample
	Integrity         integrity.Record
	Sim               SimMetrics
}

// Store is the typed interface every other component depends on. The
// snapshot read is the mandatory first operation on startup, before any
// exchange contact.
type Store interface {
	ReadSnapshot(ctx context.Context) (*Snapshot, error)

	SetAutomationEnabled(ctx context.Context, enabled bool) error
	SetKillSwitchLatched(ctx context.Context, latched bool) error
	SetMode(ctx context.Context, mode string) error
	SetAccountBalance(ctx context.Context, balance float64) error
	SetActivePosition(ctx context.Context, pos *Position) error
	SetCounters(ctx context.Context, c risk.Counters) error
	SetLeverageConfig(ctx context.Context, cfg risk.LeverageConfig) error
	SetScore(ctx context.Context, src scores.Source, sample scores.Sample) error
	SetIntegrityRecord(ctx context.Context, rec integrity.Record) error
	SetSimMetrics(ctx context.Context, m SimMetrics) error

	Close() error
}
