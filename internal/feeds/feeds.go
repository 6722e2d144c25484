// Package feeds refreshes the external score cache. Each source is fetched
// on its own cadence and written to the store as a scored sample; a failed
// fetch is logged and skipped, letting the TTL expire the old sample into a
// neutral score downstream. Feed failure never blocks the decision loop.
package feeds

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantguard/quantguard/internal/scores"
	"github.com/quantguard/quantguard/internal/store"
)

// Provider fetches the raw value for one source. Venue-specific request
// formatting lives behind this interface, outside the module.
type Provider interface {
	Fetch(ctx context.Context, src scores.Source) (float64, error)
}

// Refresher periodically pulls every source through the provider, scores
// the raw value, and writes the sample into the store cache.
type Refresher struct {
	provider Provider
	st       store.Store
	cfg      scores.Config
	now      func() time.Time
}

func NewRefresher(provider Provider, st store.Store, cfg scores.Config) *Refresher {
	return &Refresher{provider: provider, st: st, cfg: cfg, now: time.Now}
}

// WithClock overrides the timestamp source, used by tests.
func (r *Refresher) WithClock(now func() time.Time) *Refresher {
	r.now = now
	return r
}

// RefreshAll fetches every source once. Failures are per-source.
func (r *Refresher) RefreshAll(ctx context.Context) {
	for _, src := range scores.Sources {
		r.refresh(ctx, src)
	}
}

func (r *Refresher) refresh(ctx context.Context, src scores.Source) {
	value, err := r.provider.Fetch(ctx, src)
	if err != nil {
		log.Warn().Err(err).Str("source", string(src)).Msg("Feed fetch failed, cached sample left to expire")
		return
	}
	sample := scores.Sample{
		Value:     value,
		Score:     r.cfg.ScoreFor(src, value),
		Timestamp: r.now(),
	}
	if err := r.st.SetScore(ctx, src, sample); err != nil {
		log.Error().Err(err).Str("source", string(src)).Msg("Writing score sample failed")
		return
	}
	log.Debug().
		Str("source", string(src)).
		Float64("value", value).
		Int("score", sample.Score).
		Msg("Score sample refreshed")
}

// Run refreshes each source at half its TTL so a healthy feed never goes
// stale between refreshes.
func (r *Refresher) Run(ctx context.Context) {
	type tick struct {
		src      scores.Source
		interval time.Duration
	}
	var ticks []tick
	for _, src := range scores.Sources {
		interval := r.cfg.TTL(src) / 2
		if interval <= 0 {
			interval = time.Minute
		}
		ticks = append(ticks, tick{src: src, interval: interval})
	}

	r.RefreshAll(ctx)

	for _, t := range ticks {
		go func(t tick) {
			ticker := time.NewTicker(t.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.refresh(ctx, t.src)
				}
			}
		}(t)
	}
	<-ctx.Done()
}

// Static serves fixed values, used for sim mode and tests.
type Static struct {
	Values map[scores.Source]float64
}

func (s Static) Fetch(_ context.Context, src scores.Source) (float64, error) {
	return s.Values[src], nil
}
