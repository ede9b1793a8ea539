package risk

import (
	"testing"

	"signal-pipeline/internal/bias"
)

func TestMacroDriftGuardBlocks(t *testing.T) {
	state := baseState()
	state.Transitions.MacroFlip = true
	state.Acceleration = &bias.Acceleration{MacroDriftScore: 0.22}

	d := EvaluatePortfolio(Candidate{Symbol: "SPY", Direction: "long", StrategyType: bias.IntentBreakout}, state, nil, DefaultConfig())
	if d.Allow {
		t.Fatal("macro drift must block")
	}
	if !contains(d.Reasons, ReasonMacroDriftGuard) {
		t.Errorf("expected MACRO_DRIFT_GUARD in reasons, got %v", d.Reasons)
	}
	if !d.DefinedRiskOnly {
		t.Error("macro drift block must set definedRiskOnly")
	}
}

func TestRangeBreakoutBlocked(t *testing.T) {
	state := baseState()
	state.RegimeType = bias.RegimeRange
	state.ChopScore = 75

	d := EvaluatePortfolio(Candidate{Direction: "long", StrategyType: bias.IntentBreakout}, state, nil, DefaultConfig())
	if d.Allow {
		t.Fatal("range breakout must block")
	}
	if !contains(d.Reasons, ReasonRangeBreakoutBlock) {
		t.Errorf("expected RANGE_BREAKOUT_BLOCKED, got %v", d.Reasons)
	}

	// Mean-revert in the same regime passes.
	d = EvaluatePortfolio(Candidate{Direction: "long", StrategyType: bias.IntentMeanRevert}, state, nil, DefaultConfig())
	if !d.Allow {
		t.Errorf("mean-revert should be allowed, reasons %v", d.Reasons)
	}
}

func TestMacroBiasCluster(t *testing.T) {
	state := baseState()
	state.MacroClass = bias.MacroBreakdownConfirmed

	open := []OpenPosition{
		{Symbol: "SPY", Direction: "long", MacroClass: bias.MacroBreakdownConfirmed},
		{Symbol: "QQQ", Direction: "long", MacroClass: bias.MacroBreakdownConfirmed},
		{Symbol: "IWM", Direction: "long", MacroClass: bias.MacroBreakdownConfirmed},
	}
	d := EvaluatePortfolio(Candidate{Direction: "long"}, state, open, DefaultConfig())
	if d.Allow {
		t.Fatal("3 correlated open longs must trigger the cluster block")
	}
	if !contains(d.Reasons, ReasonMacroBiasCluster) {
		t.Errorf("expected MACRO_BIAS_CLUSTER, got %v", d.Reasons)
	}

	// Shorts and non-matching macro classes do not count.
	open[2].Direction = "short"
	d = EvaluatePortfolio(Candidate{Direction: "long"}, state, open, DefaultConfig())
	if !d.Allow {
		t.Errorf("cluster of 2 should pass, got %v", d.Reasons)
	}
}

func TestAllMatchedReasonsCollected(t *testing.T) {
	state := baseState()
	state.Transitions.MacroFlip = true
	state.RegimeType = bias.RegimeRange
	state.ChopScore = 80

	d := EvaluatePortfolio(Candidate{Direction: "long", StrategyType: bias.IntentBreakout}, state, nil, DefaultConfig())
	if len(d.Reasons) < 2 {
		t.Errorf("both matched rules must report: %v", d.Reasons)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
