package engine

import (
	"context"
	"fmt"
	"strings"

	"signal-pipeline/internal/bias"
	"signal-pipeline/internal/risk"
)

// agentVote is one sub-agent's opinion.
type agentVote struct {
	Agent      string
	Direction  string // long | short | "" for abstain
	Confidence float64
	Reasoning  string
}

// agent evaluates one aspect of the market state.
type agent interface {
	name() string
	vote(in *Input) agentVote
}

// Council is engine B: a weighted blend over specialist sub-agents. A trade
// requires at least minConfluence agents agreeing with the signal direction
// and a weighted confidence above the threshold.
type Council struct {
	strikes             StrikeConfig
	agents              []agent
	weights             map[string]float64
	minConfluence       int
	confidenceThreshold float64
}

// NewCouncil creates engine B with the production agent roster and weights.
func NewCouncil(strikes StrikeConfig) *Council {
	return &Council{
		strikes: strikes,
		agents:  []agent{momentumAgent{}, meanReversionAgent{}, liquidityAgent{}, gammaAgent{}},
		weights: map[string]float64{
			"momentum":      0.35,
			"meanReversion": 0.25,
			"liquidity":     0.20,
			"gamma":         0.20,
		},
		minConfluence:       2,
		confidenceThreshold: 0.5,
	}
}

// Name implements Invoker.
func (e *Council) Name() Engine { return EngineB }

// Evaluate implements Invoker.
func (e *Council) Evaluate(ctx context.Context, in *Input) (*Decision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	state := in.State
	signal := in.Signal

	if state == nil {
		return &Decision{RejectReason: risk.ReasonModelStateMissing}, nil
	}
	if state.Effective.TradeSuppressed {
		return &Decision{RejectReason: risk.ReasonRiskSuppressed}, nil
	}

	strategy := strategyFor(state)
	guard := risk.EvaluatePortfolio(risk.Candidate{
		Symbol:       signal.Symbol,
		Direction:    signal.Direction,
		StrategyType: strategy,
	}, state, in.OpenPositions, in.RiskConfig)
	if !guard.Allow {
		return &Decision{RejectReason: guard.Reasons[0]}, nil
	}

	var agreeing int
	var weighted, totalWeight float64
	var notes []string
	for _, a := range e.agents {
		v := a.vote(in)
		w := e.weights[a.name()]
		if v.Direction == "" {
			continue
		}
		totalWeight += w
		if v.Direction == signal.Direction {
			agreeing++
			weighted += w * v.Confidence
		}
		notes = append(notes, fmt.Sprintf("%s:%s(%.2f)", a.name(), v.Direction, v.Confidence))
	}
	blended := 0.0
	if totalWeight > 0 {
		blended = weighted / totalWeight
	}

	if agreeing < e.minConfluence {
		return &Decision{RejectReason: fmt.Sprintf("COUNCIL_CONFLUENCE_%d_OF_%d", agreeing, e.minConfluence)}, nil
	}
	if blended < e.confidenceThreshold {
		return &Decision{RejectReason: "COUNCIL_CONFIDENCE_BELOW_THRESHOLD"}, nil
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
		Strike:         SelectStrike(entry, signal.Direction, e.strikes),
		Expiration:     SelectExpiration(in.Context.SnapshotAt, e.strikes),
		Quantity:       qty,
		EntryPrice:     entry,
		StopLoss:       stop,
		TakeProfit:     target,
		SizeMultiplier: size.Multiplier,
		Reasoning:      fmt.Sprintf("confluence=%d confidence=%.2f votes=[%s]", agreeing, blended, strings.Join(notes, " ")),
	}}, nil
}

type momentumAgent struct{}

func (momentumAgent) name() string { return "momentum" }

func (momentumAgent) vote(in *Input) agentVote {
	s := in.State
	v := agentVote{Agent: "momentum"}
	if s.RegimeType != bias.RegimeTrend {
		return v
	}
	if s.BiasScore > 10 {
		v.Direction = "long"
	} else if s.BiasScore < -10 {
		v.Direction = "short"
	} else {
		return v
	}
	v.Confidence = minF(absF(s.BiasScore)/100+s.AlignmentScore/200, 1)
	if s.Acceleration != nil && s.Acceleration.StateStrengthDelta > 0 {
		v.Confidence = minF(v.Confidence*1.1, 1)
	}
	v.Reasoning = "trend momentum"
	return v
}

type meanReversionAgent struct{}

func (meanReversionAgent) name() string { return "meanReversion" }

func (meanReversionAgent) vote(in *Input) agentVote {
	s := in.State
	c := in.Context
	v := agentVote{Agent: "meanReversion"}
	if s.RegimeType != bias.RegimeRange || s.Levels.VWAP <= 0 {
		return v
	}
	// Fade extension away from VWAP.
	ext := (c.CurrentPrice - s.Levels.VWAP) / s.Levels.VWAP
	switch {
	case ext > 0.003:
		v.Direction = "short"
	case ext < -0.003:
		v.Direction = "long"
	default:
		return v
	}
	v.Confidence = minF(absF(ext)*100, 1)
	v.Reasoning = "vwap reversion"
	return v
}

type liquidityAgent struct{}

func (liquidityAgent) name() string { return "liquidity" }

func (liquidityAgent) vote(in *Input) agentVote {
	s := in.State
	v := agentVote{Agent: "liquidity"}
	switch {
	case s.Liquidity.SweepLow && s.Liquidity.Reclaim:
		v.Direction = "long"
		v.Confidence = 0.8
		v.Reasoning = "swept low and reclaimed"
	case s.Liquidity.SweepHigh && s.Liquidity.Reclaim:
		v.Direction = "short"
		v.Confidence = 0.8
		v.Reasoning = "swept high and reclaimed"
	case s.Liquidity.SweepHigh && !s.Liquidity.Reclaim:
		v.Direction = "short"
		v.Confidence = 0.6
		v.Reasoning = "unreclaimed high sweep"
	case s.Liquidity.SweepLow && !s.Liquidity.Reclaim:
		v.Direction = "long"
		v.Confidence = 0.6
		v.Reasoning = "unreclaimed low sweep"
	}
	return v
}

type gammaAgent struct{}

func (gammaAgent) name() string { return "gamma" }

func (gammaAgent) vote(in *Input) agentVote {
	s := in.State
	v := agentVote{Agent: "gamma"}
	if s.Gamma == nil {
		return v
	}
	if s.Gamma.BiasScore > 10 {
		v.Direction = "long"
	} else if s.Gamma.BiasScore < -10 {
		v.Direction = "short"
	} else {
		return v
	}
	v.Confidence = minF(absF(s.Gamma.BiasScore)/100, 1)
	v.Reasoning = "dealer positioning"
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
