// Package engine holds the two pluggable decision producers and the contract
// the orchestrator invokes them through.
package engine

import (
	"context"
	"time"

	"signal-pipeline/internal/bias"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/risk"
)

// Engine identifies a decision producer.
type Engine string

// The two engines.
const (
	EngineA Engine = "A"
	EngineB Engine = "B"
)

// Input is everything an engine may read. The orchestrator hands both
// engines structurally equal inputs.
type Input struct {
	Signal        *database.Signal
	Context       *database.MarketContext
	State         *bias.UnifiedBiasState
	OpenPositions []risk.OpenPosition

	AccountSize     float64
	BaseRiskPercent float64
	RiskConfig      risk.Config
}

// Recommendation is an engine's trade decision.
type Recommendation struct {
	Direction      string
	OptionType     string // call | put
	Strike         float64
	Expiration     time.Time
	Quantity       int
	EntryPrice     float64
	StopLoss       *float64
	TakeProfit     *float64
	SizeMultiplier float64
	Reasoning      string
}

// Decision wraps an optional recommendation; a nil recommendation carries the
// reject reason.
type Decision struct {
	Recommendation *Recommendation
	RejectReason   string
}

// Invoker is the contract the orchestrator calls. Implementations must be
// safe for concurrent use.
type Invoker interface {
	Name() Engine
	Evaluate(ctx context.Context, in *Input) (*Decision, error)
}

// optionType maps a trade direction to the bought option type.
func optionType(direction string) string {
	if direction == "long" {
		return "call"
	}
	return "put"
}

// midPrice prefers the bid/ask midpoint and falls back to last.
func midPrice(c *database.MarketContext) float64 {
	if c.Bid > 0 && c.Ask >= c.Bid {
		return (c.Bid + c.Ask) / 2
	}
	return c.CurrentPrice
}
