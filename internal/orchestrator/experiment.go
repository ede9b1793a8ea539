// Package orchestrator assigns experiments, derives execution policies, and
// coordinates the two decision engines for each signal.
package orchestrator

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"

	"signal-pipeline/internal/engine"
)

// Execution modes.
const (
	ModeShadowOnly     = "SHADOW_ONLY"
	ModeEngineAPrimary = "ENGINE_A_PRIMARY"
	ModeEngineBPrimary = "ENGINE_B_PRIMARY"
	ModeSplitCapital   = "SPLIT_CAPITAL"
)

// Assigner derives deterministic A/B variants from signal hashes. Pure: no
// wall time, no randomness.
type Assigner struct {
	SplitPercentage float64
	PolicyVersion   string
}

// Assign returns the variant and the full assignment digest for the audit
// row. The first 8 digest bytes, read big-endian, give a uniform value in
// [0,1); values below the split go to A.
func (a Assigner) Assign(signalHash string) (variant, assignmentHash string) {
	sum := sha256.Sum256([]byte(signalHash + ":" + a.PolicyVersion))
	value := float64(binary.BigEndian.Uint64(sum[:8])) / math.Pow(2, 64)
	variant = string(engine.EngineB)
	if value < a.SplitPercentage {
		variant = string(engine.EngineA)
	}
	return variant, hex.EncodeToString(sum[:])
}

// VariantFor reports only the variant, for the ingestor's immediate hint.
func (a Assigner) VariantFor(signalHash string) string {
	v, _ := a.Assign(signalHash)
	return v
}

// DerivePolicy maps (variant, configured mode) to the executed/shadow engine
// pair plus the audit reason.
func DerivePolicy(variant, mode string) (executed, shadow *string, reason string, err error) {
	other := string(engine.EngineB)
	if variant == string(engine.EngineB) {
		other = string(engine.EngineA)
	}

	switch mode {
	case ModeShadowOnly:
		v := variant
		return nil, &v, fmt.Sprintf("shadow-only mode: variant %s runs shadow", variant), nil
	case ModeEngineAPrimary:
		a, b := string(engine.EngineA), string(engine.EngineB)
		return &a, &b, "engine A primary, B shadow", nil
	case ModeEngineBPrimary:
		b, a := string(engine.EngineB), string(engine.EngineA)
		return &b, &a, "engine B primary, A shadow", nil
	case ModeSplitCapital:
		v, o := variant, other
		return &v, &o, fmt.Sprintf("split capital: variant %s executes", variant), nil
	default:
		return nil, nil, "", fmt.Errorf("unknown execution mode %q", mode)
	}
}

// isShadowFor applies the recommendation-consistency rule: a recommendation
// is live only when the policy names its engine as executed.
func isShadowFor(eng string, executed *string) bool {
	return executed == nil || *executed != eng
}
