package risk

import (
	"errors"
	"fmt"

	"signal-pipeline/internal/bias"
)

// ErrStateMissing is returned when sizing requires a market state and none
// exists for the symbol.
var ErrStateMissing = errors.New(ReasonModelStateMissing)

// Modifier is one named contribution to the final multiplier.
type Modifier struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Note  string  `json:"note,omitempty"`
}

// SizeInput is everything the risk model reads.
type SizeInput struct {
	AccountSize     float64
	BaseRiskPercent float64
	Direction       string // long | short
	StrategyType    string
	State           *bias.UnifiedBiasState
}

// SizeResult carries the clamped multiplier with its audit breakdown.
type SizeResult struct {
	Multiplier float64    `json:"multiplier"`
	Suppressed bool       `json:"suppressed"`
	Breakdown  []Modifier `json:"breakdown"`
}

const (
	multiplierFloor = 0.25
	multiplierCeil  = 1.5
)

// ComputeMultiplier composes the position size multiplier from the bias state
// and clamps it into [0.25, 1.5]. Pure with respect to its inputs and cfg.
func ComputeMultiplier(in SizeInput, cfg Config) (*SizeResult, error) {
	if in.State == nil {
		if cfg.RequireMarketState {
			return nil, ErrStateMissing
		}
		return &SizeResult{Multiplier: 1.0, Breakdown: []Modifier{{Name: "base", Value: 1.0, Note: "no market state"}}}, nil
	}

	state := in.State
	result := &SizeResult{Suppressed: state.Effective.TradeSuppressed}

	multiplier := 1.0
	apply := func(name string, value float64, note string) {
		multiplier *= value
		result.Breakdown = append(result.Breakdown, Modifier{Name: name, Value: value, Note: note})
	}

	apply("aggregator", state.Effective.RiskMultiplier, "effective risk multiplier")
	apply("macro", macroModifier(state.MacroClass, in.Direction), state.MacroClass)
	apply("regime", regimeModifier(state, in.StrategyType, cfg), state.RegimeType)
	apply("acceleration", accelerationModifier(state, cfg), "")
	apply("latePhase", latePhaseModifier(state, cfg), state.TrendPhase)
	if state.IsStale {
		apply("staleness", 0.7, "state stale")
	}

	if multiplier < multiplierFloor {
		multiplier = multiplierFloor
	}
	if multiplier > multiplierCeil {
		multiplier = multiplierCeil
	}
	result.Multiplier = multiplier
	return result, nil
}

func macroModifier(macroClass, direction string) float64 {
	long := direction == "long"
	switch macroClass {
	case bias.MacroBreakdownConfirmed:
		if long {
			return 0.5
		}
		return 1.15
	case bias.MacroBreakoutConfirmed:
		if long {
			return 1.15
		}
		return 0.5
	case bias.MacroTrendUp:
		if long {
			return 1.15
		}
		return 0.7
	case bias.MacroTrendDown:
		if long {
			return 0.7
		}
		return 1.15
	}
	return 1.0
}

func regimeModifier(state *bias.UnifiedBiasState, strategyType string, cfg Config) float64 {
	if state.RegimeType == bias.RegimeRange && strategyType == bias.IntentBreakout {
		return cfg.RangeBreakoutMultiplier
	}
	if state.RegimeType == bias.RegimeTrend && state.AlignmentScore > 75 {
		return 1.1
	}
	return 1.0
}

// accelerationModifier interpolates linearly between the slow-down floor at
// stateStrengthDelta=-20 and the speed-up cap at +15.
func accelerationModifier(state *bias.UnifiedBiasState, cfg Config) float64 {
	if state.Acceleration == nil {
		return 1.0
	}
	delta := state.Acceleration.StateStrengthDelta
	ceil := cfg.StateStrengthUpMultiplier
	if ceil <= 0 {
		ceil = 1.2
	}
	const floor = 0.8
	switch {
	case delta >= 15:
		return ceil
	case delta <= -20:
		return floor
	default:
		return floor + (delta+20)/35*(ceil-floor)
	}
}

func latePhaseModifier(state *bias.UnifiedBiasState, cfg Config) float64 {
	if state.TrendPhase == bias.PhaseLate && state.Acceleration != nil && state.Acceleration.StateStrengthDelta < 0 {
		return cfg.LatePhaseNegativeMultiplier
	}
	return 1.0
}

// PositionQuantity converts the multiplier into a contract count from account
// size and base risk percent.
func PositionQuantity(in SizeInput, multiplier, entryPrice float64) (int, error) {
	if entryPrice <= 0 {
		return 0, fmt.Errorf("entry price %v must be positive", entryPrice)
	}
	riskDollars := in.AccountSize * in.BaseRiskPercent * multiplier
	qty := int(riskDollars / (entryPrice * 100))
	if qty < 1 {
		qty = 1
	}
	return qty, nil
}
