package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantguard/quantguard/internal/integrity"
	"github.com/quantguard/quantguard/internal/risk"
	"github.com/quantguard/quantguard/internal/scores"
)

// Raw Redis keys live only in this file.
const (
	keyAutomationEnabled = "automation_enabled"
	keyKillSwitchLatched = "kill_switch_latched"
	keyMode              = "mode"
	keyAccountBalance    = "account_balance"
	keyActivePosition    = "active_position"
	keyDailyTradeCount   = "daily_trade_count"
	keyDailyTradeDate    = "daily_trade_date"
	keyConsecutiveLosses = "consecutive_losses"
	keyCooldownUntil     = "cooldown_until"
	keyRolling24hPnL     = "rolling_24h_pnl"
	keyRecentCloses      = "recent_closes"
	keyLeverageConfig    = "leverage_config"
	keyIntegrityRecord   = "strategy_integrity"
	keySimPnL            = "sim_pnl"
	keySimTradeCount     = "sim_trade_count"
	keySimWinRate        = "sim_win_rate"

	scoreKeyPrefix = "score_cache:"
)

// Config points the store at Redis.
type Config struct {
	Addr     string        `yaml:"addr"`
	DB       int           `yaml:"db"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Addr:    "localhost:6379",
		DB:      0,
		Timeout: 2 * time.Second,
	}
}

type redisStore struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedis creates the Redis-backed store.
func NewRedis(cfg Config) Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return NewRedisWithClient(client, cfg.Timeout)
}

// NewRedisWithClient wraps an existing client; used by tests with a mock.
func NewRedisWithClient(client *redis.Client, timeout time.Duration) Store {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &redisStore{client: client, timeout: timeout}
}

func snapshotKeys() []string {
	keys := []string{
		keyAutomationEnabled,
		keyKillSwitchLatched,
		keyMode,
		keyAccountBalance,
		keyActivePosition,
		keyDailyTradeCount,
		keyDailyTradeDate,
		keyConsecutiveLosses,
		keyCooldownUntil,
		keyRolling24hPnL,
		keyRecentCloses,
		keyLeverageConfig,
		keyIntegrityRecord,
		keySimPnL,
		keySimTradeCount,
		keySimWinRate,
	}
	for _, src := range scores.Sources {
		keys = append(keys, scoreKey(src))
	}
	return keys
}

func scoreKey(src scores.Source) string {
	return scoreKeyPrefix + string(src)
}

// ReadSnapshot reads every key in one MGET so the snapshot is consistent
// with respect to concurrent writers. A missing automation flag defaults to
// OFF, is written back, and logged.
func (s *redisStore) ReadSnapshot(ctx context.Context) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	keys := snapshotKeys()
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading state snapshot: %w", err)
	}

	raw := make(map[string]string, len(keys))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			raw[keys[i]] = str
		}
	}

	snap := &Snapshot{
		Mode:     stringOr(raw, keyMode, "paper"),
		Scores:   make(map[scores.Source]scores.Sample),
		Leverage: risk.DefaultLeverageConfig(),
	}

	if auto, present := raw[keyAutomationEnabled]; present {
		snap.AutomationEnabled = parseBool(auto)
	} else {
		if err := s.client.Set(ctx, keyAutomationEnabled, "0", 0).Err(); err != nil {
			return nil, fmt.Errorf("defaulting automation flag: %w", err)
		}
		log.Warn().Msg("AUTOMATION_DEFAULTED_OFF")
	}
	snap.KillSwitchLatched = parseBool(raw[keyKillSwitchLatched])
	snap.AccountBalance = floatOr(raw, keyAccountBalance, 0)

	if posRaw, ok := raw[keyActivePosition]; ok {
		var pos Position
		if err := json.Unmarshal([]byte(posRaw), &pos); err != nil {
			return nil, fmt.Errorf("decoding active position: %w", err)
		}
		snap.ActivePosition = &pos
	}

	snap.Counters = risk.Counters{
		DailyTradeCount:   intOr(raw, keyDailyTradeCount, 0),
		DailyTradeDate:    stringOr(raw, keyDailyTradeDate, "1970-01-01"),
		ConsecutiveLosses: intOr(raw, keyConsecutiveLosses, 0),
		Rolling24hPnL:     floatOr(raw, keyRolling24hPnL, 0),
	}
	if ms := intOr(raw, keyCooldownUntil, 0); ms > 0 {
		snap.Counters.CooldownUntil = time.UnixMilli(int64(ms)).UTC()
	}
	if closesRaw, ok := raw[keyRecentCloses]; ok {
		if err := json.Unmarshal([]byte(closesRaw), &snap.Counters.Closes); err != nil {
			return nil, fmt.Errorf("decoding recent closes: %w", err)
		}
	}

	if levRaw, ok := raw[keyLeverageConfig]; ok {
		if err := json.Unmarshal([]byte(levRaw), &snap.Leverage); err != nil {
			return nil, fmt.Errorf("decoding leverage config: %w", err)
		}
	}
	if intRaw, ok := raw[keyIntegrityRecord]; ok {
		if err := json.Unmarshal([]byte(intRaw), &snap.Integrity); err != nil {
			return nil, fmt.Errorf("decoding integrity record: %w", err)
		}
	}

	snap.Sim = SimMetrics{
		PnL:        floatOr(raw, keySimPnL, 0),
		TradeCount: intOr(raw, keySimTradeCount, 0),
		WinRate:    floatOr(raw, keySimWinRate, 0),
	}

	for _, src := range scores.Sources {
		entryRaw, ok := raw[scoreKey(src)]
		if !ok {
			continue
		}
		var sample scores.Sample
		if err := json.Unmarshal([]byte(entryRaw), &sample); err != nil {
			log.Warn().Str("source", string(src)).Err(err).Msg("Discarding undecodable score cache entry")
			continue
		}
		snap.Scores[src] = sample
	}

	return snap, nil
}

func (s *redisStore) SetAutomationEnabled(ctx context.Context, enabled bool) error {
	return s.setString(ctx, keyAutomationEnabled, formatBool(enabled))
}

func (s *redisStore) SetKillSwitchLatched(ctx context.Context, latched bool) error {
	return s.setString(ctx, keyKillSwitchLatched, formatBool(latched))
}

func (s *redisStore) SetMode(ctx context.Context, mode string) error {
	return s.setString(ctx, keyMode, mode)
}

func (s *redisStore) SetAccountBalance(ctx context.Context, balance float64) error {
	return s.setString(ctx, keyAccountBalance, strconv.FormatFloat(balance, 'f', -1, 64))
}

func (s *redisStore) SetActivePosition(ctx context.Context, pos *Position) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if pos == nil {
		if err := s.client.Del(ctx, keyActivePosition).Err(); err != nil {
			return fmt.Errorf("clearing active position: %w", err)
		}
		return nil
	}
	return s.setJSON(ctx, keyActivePosition, pos)
}

func (s *redisStore) SetCounters(ctx context.Context, c risk.Counters) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cooldown := "0"
	if !c.CooldownUntil.IsZero() {
		cooldown = strconv.FormatInt(c.CooldownUntil.UnixMilli(), 10)
	}
	closes, err := json.Marshal(c.Closes)
	if err != nil {
		return fmt.Errorf("encoding recent closes: %w", err)
	}
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keyDailyTradeCount, strconv.Itoa(c.DailyTradeCount), 0)
		pipe.Set(ctx, keyDailyTradeDate, c.DailyTradeDate, 0)
		pipe.Set(ctx, keyConsecutiveLosses, strconv.Itoa(c.ConsecutiveLosses), 0)
		pipe.Set(ctx, keyCooldownUntil, cooldown, 0)
		pipe.Set(ctx, keyRolling24hPnL, strconv.FormatFloat(c.Rolling24hPnL, 'f', -1, 64), 0)
		pipe.Set(ctx, keyRecentCloses, closes, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing risk counters: %w", err)
	}
	return nil
}

func (s *redisStore) SetLeverageConfig(ctx context.Context, cfg risk.LeverageConfig) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.setJSON(ctx, keyLeverageConfig, cfg)
}

func (s *redisStore) SetScore(ctx context.Context, src scores.Source, sample scores.Sample) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.setJSON(ctx, scoreKey(src), sample)
}

func (s *redisStore) SetIntegrityRecord(ctx context.Context, rec integrity.Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.setJSON(ctx, keyIntegrityRecord, rec)
}

func (s *redisStore) SetSimMetrics(ctx context.Context, m SimMetrics) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, keySimPnL, strconv.FormatFloat(m.PnL, 'f', -1, 64), 0)
		pipe.Set(ctx, keySimTradeCount, strconv.Itoa(m.TradeCount), 0)
		pipe.Set(ctx, keySimWinRate, strconv.FormatFloat(m.WinRate, 'f', -1, 64), 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing sim metrics: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func (s *redisStore) setString(ctx context.Context, key, val string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(ctx, key, val, 0).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) setJSON(ctx context.Context, key string, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, encoded, 0).Err(); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func parseBool(v string) bool {
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func formatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func stringOr(raw map[string]string, key, fallback string) string {
	if v, ok := raw[key]; ok {
		return v
	}
	return fallback
}

func floatOr(raw map[string]string, key string, fallback float64) float64 {
	v, ok := raw[key]
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func intOr(raw map[string]string, key string, fallback int) int {
	v, ok := raw[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
