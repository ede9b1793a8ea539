// Package bias merges upstream bias events into a single UnifiedBiasState per
// symbol, consumed by the risk, portfolio, setup and exit modules.
package bias

// Bias direction labels.
const (
	BiasBullish = "BULLISH"
	BiasBearish = "BEARISH"
	BiasNeutral = "NEUTRAL"
)

// Regime types.
const (
	RegimeTrend      = "TREND"
	RegimeRange      = "RANGE"
	RegimeTransition = "TRANSITION"
)

// Intent types.
const (
	IntentBreakout   = "BREAKOUT"
	IntentPullback   = "PULLBACK"
	IntentMeanRevert = "MEAN_REVERT"
	IntentNeutral    = "NEUTRAL"
	IntentNoTrade    = "NO_TRADE"
)

// Trend phases.
const (
	PhaseEarly = "EARLY"
	PhaseMid   = "MID"
	PhaseLate  = "LATE"
)

// Space labels.
const (
	SpaceLow    = "LOW"
	SpaceMedium = "MEDIUM"
	SpaceHigh   = "HIGH"
)

// ATR state labels used for expansion/compression transitions.
const (
	ATRExpanding   = "EXPANDING"
	ATRCompressing = "COMPRESSING"
	ATRStable      = "STABLE"
)

// Source tags.
const (
	SourceMTFV3 = "mtf_bias_engine_v3"
	SourceGamma = "gamma_engine"
)

// Macro class labels recognized by risk and portfolio rules.
const (
	MacroTrendUp            = "MACRO_TREND_UP"
	MacroTrendDown          = "MACRO_TREND_DOWN"
	MacroBreakoutConfirmed  = "MACRO_BREAKOUT_CONFIRMED"
	MacroBreakdownConfirmed = "MACRO_BREAKDOWN_CONFIRMED"
	MacroNeutral            = "MACRO_NEUTRAL"
)

// Liquidity holds sweep/reclaim flags.
type Liquidity struct {
	SweepHigh        bool `json:"sweepHigh"`
	SweepLow         bool `json:"sweepLow"`
	Reclaim          bool `json:"reclaim"`
	EqualHighCluster bool `json:"equalHighCluster"`
	EqualLowCluster  bool `json:"equalLowCluster"`
}

// Space describes room to the nearest structural levels.
type Space struct {
	RoomToResistance string `json:"roomToResistance"`
	RoomToSupport    string `json:"roomToSupport"`
}

// Levels carries the structural price levels the engines reference.
type Levels struct {
	VWAP      float64 `json:"vwap"`
	ORBHigh   float64 `json:"orbHigh"`
	ORBLow    float64 `json:"orbLow"`
	SwingHigh float64 `json:"swingHigh"`
	SwingLow  float64 `json:"swingLow"`
}

// Trigger is the bar-pattern confirmation.
type Trigger struct {
	Pattern   string `json:"pattern"`
	Triggered bool   `json:"triggered"`
}

// RiskContext names the invalidation level and entry mode hint.
type RiskContext struct {
	InvalidationLevel  float64 `json:"invalidationLevel"`
	InvalidationMethod string  `json:"invalidationMethod"`
	EntryModeHint      string  `json:"entryModeHint"`
}

// Gamma is the dealer-positioning overlay.
type Gamma struct {
	Regime         string  `json:"regime"`
	ZeroGammaLevel float64 `json:"zeroGammaLevel"`
	DistanceATR    float64 `json:"distanceATR"`
	BiasScore      float64 `json:"biasScore"`
}

// Transitions records what changed between consecutive states.
type Transitions struct {
	BiasFlip         bool `json:"biasFlip"`
	RegimeFlip       bool `json:"regimeFlip"`
	MacroFlip        bool `json:"macroFlip"`
	IntentChange     bool `json:"intentChange"`
	LiquidityEvent   bool `json:"liquidityEvent"`
	ExpansionEvent   bool `json:"expansionEvent"`
	CompressionEvent bool `json:"compressionEvent"`
}

// Acceleration captures momentum-of-momentum metrics.
type Acceleration struct {
	StateStrengthDelta  float64 `json:"stateStrengthDelta"`
	IntentMomentumDelta float64 `json:"intentMomentumDelta"`
	MacroDriftScore     float64 `json:"macroDriftScore"`
}

// Effective is the post-suppression view consumed by sizing.
type Effective struct {
	TradeSuppressed     bool     `json:"tradeSuppressed"`
	EffectiveBiasScore  float64  `json:"effectiveBiasScore"`
	EffectiveConfidence float64  `json:"effectiveConfidence"`
	RiskMultiplier      float64  `json:"riskMultiplier"`
	Notes               []string `json:"notes,omitempty"`
}

// UnifiedBiasState is the aggregated market-regime view for one symbol at one
// moment.
type UnifiedBiasState struct {
	Symbol          string        `json:"symbol"`
	Bias            string        `json:"bias"`
	BiasScore       float64       `json:"biasScore"` // [-100, 100]
	Confidence      float64       `json:"confidence"` // [0, 1]
	AlignmentScore  float64       `json:"alignmentScore"`
	ConflictScore   float64       `json:"conflictScore"`
	RegimeType      string        `json:"regimeType"`
	ChopScore       float64       `json:"chopScore"`
	ATRState15m     string        `json:"atrState15m"`
	MacroClass      string        `json:"macroClass"`
	MacroConfidence float64       `json:"macroConfidence"`
	IntentType      string        `json:"intentType"`
	TrendPhase      string        `json:"trendPhase"`
	Levels          Levels        `json:"levels"`
	Trigger         Trigger       `json:"trigger"`
	Liquidity       Liquidity     `json:"liquidity"`
	Space           Space         `json:"space"`
	RiskContext     RiskContext   `json:"riskContext"`
	Gamma           *Gamma        `json:"gamma,omitempty"`
	Transitions     Transitions   `json:"transitions"`
	Acceleration    *Acceleration `json:"acceleration,omitempty"`
	IsStale         bool          `json:"isStale"`
	UpdatedAtMs     int64         `json:"updatedAtMs"`
	Source          string        `json:"source"`
	Effective       Effective     `json:"effective"`
}

// Clone returns a deep copy, so callers can hand states to engines without
// sharing mutable pointers.
func (s *UnifiedBiasState) Clone() *UnifiedBiasState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Gamma != nil {
		g := *s.Gamma
		cp.Gamma = &g
	}
	if s.Acceleration != nil {
		a := *s.Acceleration
		cp.Acceleration = &a
	}
	if len(s.Effective.Notes) > 0 {
		cp.Effective.Notes = append([]string(nil), s.Effective.Notes...)
	}
	return &cp
}
