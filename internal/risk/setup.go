package risk

import (
	"signal-pipeline/internal/bias"
)

// SetupResult is the setup validator verdict.
type SetupResult struct {
	Valid         bool     `json:"valid"`
	RejectReasons []string `json:"reject_reasons,omitempty"`
}

// ValidateSetup accepts or rejects the entry setup independent of risk size.
func ValidateSetup(direction, strategyType string, state *bias.UnifiedBiasState, cfg Config) SetupResult {
	res := SetupResult{Valid: true}
	if state == nil {
		return res
	}
	long := direction == "long"

	if state.RiskContext.EntryModeHint == bias.IntentBreakout {
		if long && state.Space.RoomToResistance == bias.SpaceLow {
			res.RejectReasons = append(res.RejectReasons, ReasonBreakoutWithoutSpace)
		}
		if !long && state.Space.RoomToSupport == bias.SpaceLow {
			res.RejectReasons = append(res.RejectReasons, ReasonBreakoutWithoutSpace)
		}
	}

	if !state.Trigger.Triggered && !cfg.AllowAnticipatoryEntry {
		res.RejectReasons = append(res.RejectReasons, ReasonNoTriggerConfirmation)
	}

	if long && state.Liquidity.SweepHigh && !state.Liquidity.Reclaim {
		res.RejectReasons = append(res.RejectReasons, ReasonLiquidityTrap)
	}
	if !long && state.Liquidity.SweepLow && !state.Liquidity.Reclaim {
		res.RejectReasons = append(res.RejectReasons, ReasonLiquidityTrap)
	}

	if state.RegimeType == bias.RegimeRange && strategyType != bias.IntentMeanRevert {
		res.RejectReasons = append(res.RejectReasons, ReasonRangeSuppression)
	}

	res.Valid = len(res.RejectReasons) == 0
	return res
}
