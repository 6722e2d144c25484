// Package stream delivers closed bars from the exchange's websocket feed
// into the engine. Only closed bars are forwarded; the engine's decision
// loop is driven entirely by these events.
package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/quantguard/quantguard/internal/market"
)

// BarHandler receives each closed candle with its timeframe.
type BarHandler func(timeframe string, candle market.Candle)

// Config points the subscriber at the feed.
type Config struct {
	URL            string        `yaml:"url"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:    90 * time.Second,
		ReconnectDelay: 2 * time.Second,
	}
}

type barMessage struct {
	Timeframe  string  `json:"timeframe"`
	OpenTimeMs int64   `json:"open_time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	Closed     bool    `json:"closed"`
}

// Subscriber maintains the websocket connection with reconnect backoff.
// A dropped connection surfaces downstream as candle staleness, which the
// decision loop already treats as a skip; it is never fatal here.
type Subscriber struct {
	cfg     Config
	handler BarHandler
}

func NewSubscriber(cfg Config, handler BarHandler) *Subscriber {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultConfig().ReconnectDelay
	}
	return &Subscriber{cfg: cfg, handler: handler}
}

// Run dials and consumes the feed until ctx is canceled.
func (s *Subscriber) Run(ctx context.Context) {
	delay := s.cfg.ReconnectDelay
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.consume(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Dur("retry_in", delay).Msg("Bar stream disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// The watcher must not outlive this connection: a read error ends
	// consume while ctx is still live, so it selects on both.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	log.Info().Str("url", s.cfg.URL).Msg("Bar stream connected")
	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		var msg barMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if !msg.Closed {
			continue
		}
		s.handler(msg.Timeframe, market.Candle{
			OpenTime: time.UnixMilli(msg.OpenTimeMs).UTC(),
			Open:     msg.Open,
			High:     msg.High,
			Low:      msg.Low,
			Close:    msg.Close,
			Volume:   msg.Volume,
		})
	}
}
