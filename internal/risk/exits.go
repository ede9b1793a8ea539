package risk

import (
	"math"
	"time"

	"signal-pipeline/internal/bias"
)

// Exit actions, in dominance order: full exit beats partial exit beats any
// stop adjustment.
const (
	ExitActionHold    = "HOLD"
	ExitActionAdjust  = "ADJUST_STOP"
	ExitActionPartial = "PARTIAL_EXIT"
	ExitActionFull    = "FULL_EXIT"
)

// PositionView is the exit monitor's view of an open position.
type PositionView struct {
	Direction     string
	StrategyType  string
	EntryPrice    float64
	CurrentPrice  float64
	StopDistance  float64
	UnrealizedPnL float64
	RMultiple     float64
	EntryAt       time.Time
	EntryState    *bias.UnifiedBiasState
}

// ExitDecision is the evaluated adjustment with its audit trail.
type ExitDecision struct {
	Action          string     `json:"action"`
	NewStopDistance float64    `json:"new_stop_distance,omitempty"`
	PartialPercent  float64    `json:"partial_percent,omitempty"`
	Trailing        bool       `json:"trailing"`
	Tags            []string   `json:"tags,omitempty"`
	Modifiers       []Modifier `json:"modifiers,omitempty"`
}

// EvaluateExit applies the bias-aware exit rules to an open position. Hard
// stops are never overridden; the decision only tightens, widens, or exits.
func EvaluateExit(pos PositionView, state *bias.UnifiedBiasState, atrExpanding, alignedWithMacro bool, cfg Config) ExitDecision {
	d := ExitDecision{Action: ExitActionHold}
	if state == nil {
		return d
	}

	fullExit := false
	partialPercent := 0.0
	tightenFactor := 1.0
	widenFactor := 1.0
	trailing := false

	driftScore := 0.0
	if state.Acceleration != nil {
		driftScore = state.Acceleration.MacroDriftScore
	}

	if state.Transitions.MacroFlip || driftScore > cfg.MacroDriftThreshold {
		d.Tags = append(d.Tags, TagMacroDriftExit)
		if driftScore > cfg.MacroDriftFullExitScore {
			fullExit = true
			d.Modifiers = append(d.Modifiers, Modifier{Name: "macroDrift", Value: driftScore, Note: "full exit"})
		} else {
			tightenFactor = math.Min(tightenFactor, 0.75)
			partialPercent = math.Max(partialPercent, 0.30)
			d.Modifiers = append(d.Modifiers, Modifier{Name: "macroDrift", Value: 0.75, Note: "tighten + partial 30%"})
		}
	}

	entryDelta := 0.0
	if pos.EntryState != nil && pos.EntryState.Acceleration != nil {
		entryDelta = pos.EntryState.Acceleration.StateStrengthDelta
	}
	currDelta := 0.0
	if state.Acceleration != nil {
		currDelta = state.Acceleration.StateStrengthDelta
	}
	if state.TrendPhase == bias.PhaseLate && currDelta < 0 && entryDelta > 0 {
		d.Tags = append(d.Tags, TagAccelerationDecay)
		tightenFactor = math.Min(tightenFactor, 0.8)
		trailing = true
		d.Modifiers = append(d.Modifiers, Modifier{Name: "accelerationDecay", Value: 0.8, Note: "tighten, trail"})
	}

	if state.Transitions.RegimeFlip && pos.StrategyType == bias.IntentBreakout {
		d.Tags = append(d.Tags, TagRegimeFlip)
		fullExit = true
		d.Modifiers = append(d.Modifiers, Modifier{Name: "regimeFlip", Value: 0, Note: "full exit"})
	}

	if atrExpanding && alignedWithMacro && pos.UnrealizedPnL > 0 {
		d.Tags = append(d.Tags, TagVolatilityProtect)
		widenFactor = math.Max(widenFactor, 1.15)
		d.Modifiers = append(d.Modifiers, Modifier{Name: "volatilityExpansion", Value: 1.15, Note: "widen"})
	}

	long := pos.Direction == "long"
	trapAgainst := (long && state.Liquidity.SweepHigh && !state.Liquidity.Reclaim) ||
		(!long && state.Liquidity.SweepLow && !state.Liquidity.Reclaim)
	if trapAgainst {
		d.Tags = append(d.Tags, TagLiquidityTrapExit)
		fullExit = true
		d.Modifiers = append(d.Modifiers, Modifier{Name: "liquidityTrap", Value: 0, Note: "full exit"})
	}

	// Dominance: full > partial > stop adjustments.
	if fullExit {
		d.Action = ExitActionFull
		return d
	}

	if partialPercent > 0 && pos.RMultiple >= cfg.PartialExitMinR {
		d.Action = ExitActionPartial
		d.PartialPercent = partialPercent
		if tightenFactor < 1.0 {
			d.NewStopDistance = safeTighten(pos, tightenFactor)
		}
		return d
	}

	if tightenFactor < 1.0 {
		d.Action = ExitActionAdjust
		d.NewStopDistance = safeTighten(pos, tightenFactor)
		d.Trailing = trailing
		return d
	}

	if widenFactor > 1.0 && pos.UnrealizedPnL > 0 {
		d.Action = ExitActionAdjust
		d.NewStopDistance = pos.StopDistance * widenFactor
		return d
	}

	return d
}

// safeTighten shrinks the stop distance but, while the position is losing,
// never past the distance back to entry.
func safeTighten(pos PositionView, factor float64) float64 {
	next := pos.StopDistance * factor
	if pos.UnrealizedPnL < 0 {
		toEntry := math.Abs(pos.CurrentPrice - pos.EntryPrice)
		if next < toEntry {
			next = toEntry
		}
	}
	return next
}
