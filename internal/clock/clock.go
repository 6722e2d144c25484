// Package clock maintains the offset between the local clock and the
// exchange-authoritative clock. Every time-sensitive component consumes
// corrected time from here instead of reading a global clock.
package clock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ServerTimeProvider is the slice of the connector the clock needs.
type ServerTimeProvider interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// Config tunes the periodic resynchronization.
type Config struct {
	SyncInterval time.Duration `yaml:"sync_interval"`
}

func DefaultConfig() Config {
	return Config{SyncInterval: 30 * time.Minute}
}

// Clock is a local clock plus a measured offset against the exchange.
type Clock struct {
	mu     sync.RWMutex
	offset time.Duration
	local  func() time.Time
}

func New() *Clock {
	return &Clock{local: time.Now}
}

// NewWithLocal injects the local time source for deterministic tests.
func NewWithLocal(local func() time.Time) *Clock {
	return &Clock{local: local}
}

// Now returns corrected time: local time adjusted by the measured offset.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.local().Add(c.offset)
}

func (c *Clock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Sync measures the offset against the provider once.
func (c *Clock) Sync(ctx context.Context, provider ServerTimeProvider) error {
	server, err := provider.ServerTime(ctx)
	if err != nil {
		return fmt.Errorf("fetching server time: %w", err)
	}
	offset := server.Sub(c.local())

	c.mu.Lock()
	c.offset = offset
	c.mu.Unlock()

	log.Info().Dur("offset", offset).Msg("Clock synced against exchange time")
	return nil
}

// Run resynchronizes on the configured interval until ctx is canceled.
// A failed sync keeps the previous offset and is retried next interval.
func (c *Clock) Run(ctx context.Context, provider ServerTimeProvider, cfg Config) {
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = DefaultConfig().SyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Sync(ctx, provider); err != nil {
				log.Warn().Err(err).Msg("Clock resync failed, keeping previous offset")
			}
		}
	}
}
