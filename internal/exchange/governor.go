package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// GovernorConfig sizes the token bucket: MaxCalls permitted per Window.
type GovernorConfig struct {
	MaxCalls int           `yaml:"max_calls"`
	Window   time.Duration `yaml:"window"`
}

func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{MaxCalls: 10, Window: 10 * time.Second}
}

// Governor is the shared token-bucket rate limiter applied uniformly to
// every private exchange call. A throttled call delays, it never fails;
// the delay is logged with the identity of the throttled operation.
type Governor struct {
	limiter *rate.Limiter
}

func NewGovernor(cfg GovernorConfig) *Governor {
	if cfg.MaxCalls <= 0 || cfg.Window <= 0 {
		cfg = DefaultGovernorConfig()
	}
	rps := float64(cfg.MaxCalls) / cfg.Window.Seconds()
	return &Governor{limiter: rate.NewLimiter(rate.Limit(rps), cfg.MaxCalls)}
}

// Acquire consumes one token, sleeping when the bucket is empty. Returns
// only when permitted to proceed or when ctx is canceled.
func (g *Governor) Acquire(ctx context.Context, operation string) error {
	reservation := g.limiter.Reserve()
	if !reservation.OK() {
		return fmt.Errorf("governor cannot satisfy request for %s", operation)
	}
	delay := reservation.Delay()
	if delay <= 0 {
		return nil
	}

	log.Warn().
		Str("operation", operation).
		Dur("delay", delay).
		Msg("Governor throttled private exchange call")

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	}
}
