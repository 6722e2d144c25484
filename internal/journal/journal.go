// Package journal persists signal evaluations and safety events to Postgres
// for offline review. A Nop implementation backs deployments that run
// without a database.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/quantguard/quantguard/internal/gates"
)

// Config controls the journal connection.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

func DefaultConfig() Config {
	return Config{Enabled: false, DSN: ""}
}

// Event is a non-evaluation record worth keeping: breaker trips, integrity
// violations, forced closes.
type Event struct {
	Timestamp time.Time
	Category  string
	Condition string
	Detail    string
}

// Journal records evaluations and events.
type Journal interface {
	RecordEvaluation(ctx context.Context, ev gates.Evaluation) error
	RecordEvent(ctx context.Context, e Event) error
	Close() error
}

// Postgres implements Journal over sqlx + lib/pq.
type Postgres struct {
	db *sqlx.DB
}

// New opens the journal database and ensures the schema exists.
func New(cfg Config) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("journal: connect: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	j := &Postgres{db: db}
	if err := j.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (j *Postgres) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	schema := `
	CREATE TABLE IF NOT EXISTS signal_evaluations (
		id TEXT PRIMARY KEY,
		evaluated_at TIMESTAMPTZ NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT NOT NULL,
		composite INT,
		trend INT,
		reversion INT,
		volume INT,
		funding INT,
		oi_delta INT,
		ls_ratio INT,
		fear_greed INT,
		onchain INT,
		zscore DOUBLE PRECISION,
		atr DOUBLE PRECISION,
		spread_fraction DOUBLE PRECISION
	);
	CREATE TABLE IF NOT EXISTS safety_events (
		id BIGSERIAL PRIMARY KEY,
		occurred_at TIMESTAMPTZ NOT NULL,
		category TEXT NOT NULL,
		condition TEXT NOT NULL,
		detail TEXT NOT NULL
	);`

	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("journal: ensure schema: %w", err)
	}
	return nil
}

// layerVal maps an unevaluated layer to NULL so the journal never records
// a fabricated zero for a layer the pipeline did not reach.
func layerVal(l gates.LayerScore) interface{} {
	if !l.Evaluated {
		return nil
	}
	return l.Score
}

func (j *Postgres) RecordEvaluation(ctx context.Context, ev gates.Evaluation) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var composite interface{}
	if ev.CompositeEvaluated {
		composite = ev.Composite
	}

	const q = `INSERT INTO signal_evaluations
		(id, evaluated_at, outcome, reason, composite,
		 trend, reversion, volume, funding, oi_delta, ls_ratio, fear_greed, onchain,
		 zscore, atr, spread_fraction)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`

	_, err := j.db.ExecContext(ctx, q,
		ev.ID, ev.Timestamp, string(ev.Outcome), ev.Reason, composite,
		layerVal(ev.Trend), layerVal(ev.Reversion), layerVal(ev.Volume),
		layerVal(ev.Funding), layerVal(ev.OIDelta), layerVal(ev.LSRatio),
		layerVal(ev.FearGreed), layerVal(ev.Onchain),
		ev.ZScore, ev.ATR, ev.SpreadFraction,
	)
	if err != nil {
		return fmt.Errorf("journal: record evaluation %s: %w", ev.ID, err)
	}
	return nil
}

func (j *Postgres) RecordEvent(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	const q = `INSERT INTO safety_events (occurred_at, category, condition, detail)
		VALUES ($1,$2,$3,$4)`
	if _, err := j.db.ExecContext(ctx, q, e.Timestamp, e.Category, e.Condition, e.Detail); err != nil {
		return fmt.Errorf("journal: record event %s/%s: %w", e.Category, e.Condition, err)
	}
	return nil
}

func (j *Postgres) Close() error {
	return j.db.Close()
}

// Nop discards all records. Used when the journal is disabled.
type Nop struct{}

func (Nop) RecordEvaluation(_ context.Context, ev gates.Evaluation) error {
	log.Debug().Str("id", ev.ID).Str("outcome", string(ev.Outcome)).Msg("journal disabled, evaluation dropped")
	return nil
}

func (Nop) RecordEvent(context.Context, Event) error { return nil }
func (Nop) Close() error                             { return nil }
