package risk

import (
	"testing"

	"signal-pipeline/internal/bias"
)

func triggeredState() *bias.UnifiedBiasState {
	s := baseState()
	s.Trigger.Triggered = true
	s.Space = bias.Space{RoomToResistance: bias.SpaceHigh, RoomToSupport: bias.SpaceHigh}
	return s
}

func TestSetupAllClear(t *testing.T) {
	res := ValidateSetup("long", bias.IntentBreakout, triggeredState(), DefaultConfig())
	if !res.Valid || len(res.RejectReasons) != 0 {
		t.Errorf("expected valid setup, got %+v", res)
	}
}

func TestBreakoutWithoutSpace(t *testing.T) {
	s := triggeredState()
	s.RiskContext.EntryModeHint = bias.IntentBreakout
	s.Space.RoomToResistance = bias.SpaceLow

	res := ValidateSetup("long", bias.IntentBreakout, s, DefaultConfig())
	if res.Valid || !contains(res.RejectReasons, ReasonBreakoutWithoutSpace) {
		t.Errorf("long breakout into low space must reject: %+v", res)
	}

	// Symmetric short rule keys on support.
	s.Space = bias.Space{RoomToResistance: bias.SpaceLow, RoomToSupport: bias.SpaceHigh}
	res = ValidateSetup("short", bias.IntentBreakout, s, DefaultConfig())
	if contains(res.RejectReasons, ReasonBreakoutWithoutSpace) {
		t.Errorf("short with support room should not hit the space rule: %+v", res)
	}
}

func TestNoTriggerConfirmation(t *testing.T) {
	s := triggeredState()
	s.Trigger.Triggered = false

	res := ValidateSetup("long", bias.IntentPullback, s, DefaultConfig())
	if !contains(res.RejectReasons, ReasonNoTriggerConfirmation) {
		t.Errorf("untriggered entry must reject: %+v", res)
	}

	cfg := DefaultConfig()
	cfg.AllowAnticipatoryEntry = true
	res = ValidateSetup("long", bias.IntentPullback, s, cfg)
	if contains(res.RejectReasons, ReasonNoTriggerConfirmation) {
		t.Errorf("anticipatory entries allowed: %+v", res)
	}
}

func TestLiquidityTrapContinuation(t *testing.T) {
	s := triggeredState()
	s.Liquidity = bias.Liquidity{SweepHigh: true, Reclaim: false}
	res := ValidateSetup("long", bias.IntentPullback, s, DefaultConfig())
	if !contains(res.RejectReasons, ReasonLiquidityTrap) {
		t.Errorf("swept high without reclaim must reject longs: %+v", res)
	}

	s.Liquidity = bias.Liquidity{SweepHigh: true, Reclaim: true}
	res = ValidateSetup("long", bias.IntentPullback, s, DefaultConfig())
	if contains(res.RejectReasons, ReasonLiquidityTrap) {
		t.Errorf("reclaimed sweep is fine: %+v", res)
	}

	s.Liquidity = bias.Liquidity{SweepLow: true}
	res = ValidateSetup("short", bias.IntentPullback, s, DefaultConfig())
	if !contains(res.RejectReasons, ReasonLiquidityTrap) {
		t.Errorf("symmetric short rule must reject: %+v", res)
	}
}

func TestRangeSuppressionNonMeanRevert(t *testing.T) {
	s := triggeredState()
	s.RegimeType = bias.RegimeRange
	s.ChopScore = 75

	res := ValidateSetup("long", bias.IntentBreakout, s, DefaultConfig())
	if res.Valid || !contains(res.RejectReasons, ReasonRangeSuppression) {
		t.Errorf("breakout in a range must reject: %+v", res)
	}

	res = ValidateSetup("long", bias.IntentMeanRevert, s, DefaultConfig())
	if contains(res.RejectReasons, ReasonRangeSuppression) {
		t.Errorf("mean-revert in a range is the exception: %+v", res)
	}
}
