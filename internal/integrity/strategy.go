package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/quantguard/quantguard/internal/gates"
	"github.com/quantguard/quantguard/internal/risk"
)

// logicRevision is bumped whenever the gate-pipeline or risk-calculator
// code changes behavior, invalidating any previously stored validation.
const logicRevision = "strategy-logic-r3"

// Record binds a strategy+risk logic revision to its backtest validation.
type Record struct {
	Validated   bool   `json:"validated"`
	ContentHash string `json:"content_hash"`
}

// LogicHash computes the content hash of the currently loaded strategy and
// risk logic: the canonical YAML encoding of its configuration plus the
// logic revision constant.
func LogicHash(strategy gates.Config, lev risk.LeverageConfig, brk risk.BreakerConfig) (string, error) {
	payload := struct {
		Revision string              `yaml:"revision"`
		Strategy gates.Config        `yaml:"strategy"`
		Leverage risk.LeverageConfig `yaml:"leverage"`
		Breakers risk.BreakerConfig  `yaml:"breakers"`
	}{
		Revision: logicRevision,
		Strategy: strategy,
		Leverage: lev,
		Breakers: brk,
	}
	encoded, err := yaml.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding logic for hashing: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyStartup is the hard startup precondition for every non-simulated
// run: the stored record must be validated and its hash must equal the hash
// of the loaded logic. Any failure wraps ErrViolation and the caller must
// refuse to start trading.
func VerifyStartup(rec Record, currentHash string) error {
	if !rec.Validated {
		return fmt.Errorf("strategy revision not backtest-validated: %w", ErrViolation)
	}
	if rec.ContentHash != currentHash {
		return fmt.Errorf("strategy hash mismatch: validated %s, loaded %s: %w",
			short(rec.ContentHash), short(currentHash), ErrViolation)
	}
	return nil
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
