package risk

import (
	"signal-pipeline/internal/bias"
)

// Candidate describes the trade being evaluated by the guard.
type Candidate struct {
	Symbol       string
	Direction    string
	StrategyType string
}

// OpenPosition is the guard's view of an existing position.
type OpenPosition struct {
	Symbol     string
	Direction  string
	MacroClass string // macro class captured at entry
}

// GuardDecision is the portfolio guard verdict with every matched reason.
type GuardDecision struct {
	Allow           bool     `json:"allow"`
	Reasons         []string `json:"reasons,omitempty"`
	DefinedRiskOnly bool     `json:"defined_risk_only"`
	MacroDriftScore float64  `json:"macro_drift_score"`
	ClusterSize     int      `json:"cluster_size"`
}

// EvaluatePortfolio runs the guard rules in order. The first matching rule
// blocks, but every matched reason is collected for the audit trail.
// Side-effect free.
func EvaluatePortfolio(c Candidate, state *bias.UnifiedBiasState, open []OpenPosition, cfg Config) GuardDecision {
	d := GuardDecision{Allow: true}
	if state == nil {
		return d
	}

	driftScore := 0.0
	if state.Acceleration != nil {
		driftScore = state.Acceleration.MacroDriftScore
	}
	d.MacroDriftScore = driftScore

	if state.Transitions.MacroFlip || driftScore > cfg.MacroDriftThreshold {
		d.Allow = false
		d.DefinedRiskOnly = true
		d.Reasons = append(d.Reasons, ReasonMacroDriftGuard)
	}

	if state.RegimeType == bias.RegimeRange && state.ChopScore > 70 && c.StrategyType == bias.IntentBreakout {
		d.Allow = false
		d.Reasons = append(d.Reasons, ReasonRangeBreakoutBlock)
	}

	// Correlation is exact macro-class match on open longs.
	if state.MacroClass == bias.MacroBreakdownConfirmed {
		cluster := 0
		for _, p := range open {
			if p.Direction == "long" && p.MacroClass == state.MacroClass {
				cluster++
			}
		}
		d.ClusterSize = cluster
		if cluster >= cfg.ClusterMinLongPositions {
			d.Allow = false
			d.Reasons = append(d.Reasons, ReasonMacroBiasCluster)
		}
	}

	return d
}
