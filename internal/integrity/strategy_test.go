package integrity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantguard/quantguard/internal/gates"
	"github.com/quantguard/quantguard/internal/risk"
)

func TestLogicHashDeterministic(t *testing.T) {
	h1, err := LogicHash(gates.DefaultConfig(), risk.DefaultLeverageConfig(), risk.DefaultBreakerConfig())
	require.NoError(t, err)
	h2, err := LogicHash(gates.DefaultConfig(), risk.DefaultLeverageConfig(), risk.DefaultBreakerConfig())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestLogicHashChangesWithConfig(t *testing.T) {
	base, err := LogicHash(gates.DefaultConfig(), risk.DefaultLeverageConfig(), risk.DefaultBreakerConfig())
	require.NoError(t, err)

	strategy := gates.DefaultConfig()
	strategy.CompositeLongThreshold = 2
	changed, err := LogicHash(strategy, risk.DefaultLeverageConfig(), risk.DefaultBreakerConfig())
	require.NoError(t, err)
	assert.NotEqual(t, base, changed, "any threshold change invalidates the validated hash")

	brk := risk.DefaultBreakerConfig()
	brk.MaxDailyTrades = 99
	changed, err = LogicHash(gates.DefaultConfig(), risk.DefaultLeverageConfig(), brk)
	require.NoError(t, err)
	assert.NotEqual(t, base, changed)
}

func TestVerifyStartup(t *testing.T) {
	hash, err := LogicHash(gates.DefaultConfig(), risk.DefaultLeverageConfig(), risk.DefaultBreakerConfig())
	require.NoError(t, err)

	t.Run("validated and matching", func(t *testing.T) {
		assert.NoError(t, VerifyStartup(Record{Validated: true, ContentHash: hash}, hash))
	})

	t.Run("not validated", func(t *testing.T) {
		err := VerifyStartup(Record{Validated: false, ContentHash: hash}, hash)
		assert.ErrorIs(t, err, ErrViolation)
	})

	t.Run("hash mismatch", func(t *testing.T) {
		err := VerifyStartup(Record{Validated: true, ContentHash: "deadbeef"}, hash)
		assert.ErrorIs(t, err, ErrViolation)
	})

	t.Run("empty record", func(t *testing.T) {
		err := VerifyStartup(Record{}, hash)
		assert.ErrorIs(t, err, ErrViolation)
	})
}
