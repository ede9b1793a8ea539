package engine

import (
	"context"
	"fmt"
	"strings"

	"signal-pipeline/internal/bias"
	"signal-pipeline/internal/risk"
)

// RuleBased is engine A: a fixed rule list over the bias state with risk-model
// sizing. Every reject carries the reason of the first failed rule family.
type RuleBased struct {
	strikes        StrikeConfig
	scoreThreshold float64
}

// NewRuleBased creates engine A with the production rule thresholds.
func NewRuleBased(strikes StrikeConfig) *RuleBased {
	return &RuleBased{strikes: strikes, scoreThreshold: 20}
}

// Name implements Invoker.
func (e *RuleBased) Name() Engine { return EngineA }

// Evaluate implements Invoker.
func (e *RuleBased) Evaluate(ctx context.Context, in *Input) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state := in.State
	signal := in.Signal
	strategy := strategyFor(state)

	if state != nil && state.Effective.TradeSuppressed {
		return &Decision{RejectReason: risk.ReasonRiskSuppressed}, nil
	}

	setup := risk.ValidateSetup(signal.Direction, strategy, state, in.RiskConfig)
	if !setup.Valid {
		return &Decision{RejectReason: strings.Join(setup.RejectReasons, ",")}, nil
	}

	guard := risk.EvaluatePortfolio(risk.Candidate{
		Symbol:       signal.Symbol,
		Direction:    signal.Direction,
		StrategyType: strategy,
	}, state, in.OpenPositions, in.RiskConfig)
	if !guard.Allow {
		return &Decision{RejectReason: guard.Reasons[0]}, nil
	}

	if state != nil {
		if !directionAgrees(signal.Direction, state) {
			return &Decision{RejectReason: "BIAS_DIRECTION_MISMATCH"}, nil
		}
		if absF(state.Effective.EffectiveBiasScore) < e.scoreThreshold {
			return &Decision{RejectReason: "BIAS_SCORE_BELOW_THRESHOLD"}, nil
		}
	}

	size, err := risk.ComputeMultiplier(risk.SizeInput{
		AccountSize:     in.AccountSize,
		BaseRiskPercent: in.BaseRiskPercent,
		Direction:       signal.Direction,
		StrategyType:    strategy,
		State:           state,
	}, in.RiskConfig)
	if err != nil {
		return &Decision{RejectReason: err.Error()}, nil
	}

	entry := midPrice(in.Context)
	strike := SelectStrike(entry, signal.Direction, e.strikes)
	expiration := SelectExpiration(in.Context.SnapshotAt, e.strikes)
	qty, err := risk.PositionQuantity(risk.SizeInput{
		AccountSize:     in.AccountSize,
		BaseRiskPercent: in.BaseRiskPercent,
	}, size.Multiplier, entry)
	if err != nil {
		return nil, fmt.Errorf("sizing: %w", err)
	}

	stop, target := stopAndTarget(entry, signal.Direction, state, in.Context)
	return &Decision{Recommendation: &Recommendation{
		Direction:      signal.Direction,
		OptionType:     optionType(signal.Direction),
		Strike:         strike,
		Expiration:     expiration,
		Quantity:       qty,
		EntryPrice:     entry,
		StopLoss:       stop,
		TakeProfit:     target,
		SizeMultiplier: size.Multiplier,
		Reasoning:      ruleReasoning(state, size),
	}}, nil
}

// strategyFor reads the intent as the strategy type; NO_TRADE is handled by
// suppression before this matters.
func strategyFor(state *bias.UnifiedBiasState) string {
	if state == nil || state.IntentType == "" || state.IntentType == bias.IntentNoTrade {
		return bias.IntentNeutral
	}
	return state.IntentType
}

func directionAgrees(direction string, state *bias.UnifiedBiasState) bool {
	switch state.Bias {
	case bias.BiasBullish:
		return direction == "long"
	case bias.BiasBearish:
		return direction == "short"
	}
	// Neutral bias: fall back to the score's sign.
	if direction == "long" {
		return state.BiasScore >= 0
	}
	return state.BiasScore <= 0
}

// stopAndTarget places the stop at the state's invalidation level when one
// exists, else 1% from entry; target is 2R.
func stopAndTarget(entry float64, direction string, state *bias.UnifiedBiasState, _ interface{}) (*float64, *float64) {
	var stop float64
	if state != nil && state.RiskContext.InvalidationLevel > 0 {
		stop = state.RiskContext.InvalidationLevel
	} else if direction == "long" {
		stop = entry * 0.99
	} else {
		stop = entry * 1.01
	}

	riskDist := absF(entry - stop)
	var target float64
	if direction == "long" {
		target = entry + 2*riskDist
	} else {
		target = entry - 2*riskDist
	}
	return &stop, &target
}

func ruleReasoning(state *bias.UnifiedBiasState, size *risk.SizeResult) string {
	if state == nil {
		return "rules passed without market state"
	}
	return fmt.Sprintf("bias=%s score=%.1f regime=%s multiplier=%.2f",
		state.Bias, state.Effective.EffectiveBiasScore, state.RegimeType, size.Multiplier)
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
