// Package risk holds the bias-aware decision modules: position sizing,
// portfolio guard, setup validation and exit intelligence.
package risk

// Reason codes surfaced by the modules in this package.
const (
	ReasonModelStateMissing = "MODEL_STATE_MISSING"
	ReasonRiskSuppressed    = "RISK_SUPPRESSED"

	ReasonMacroDriftGuard     = "MACRO_DRIFT_GUARD"
	ReasonRangeBreakoutBlock  = "RANGE_BREAKOUT_BLOCKED"
	ReasonMacroBiasCluster    = "MACRO_BIAS_CLUSTER"

	ReasonBreakoutWithoutSpace    = "BREAKOUT_WITHOUT_SPACE"
	ReasonNoTriggerConfirmation   = "NO_TRIGGER_CONFIRMATION"
	ReasonLiquidityTrap           = "LIQUIDITY_TRAP_CONTINUATION"
	ReasonRangeSuppression        = "RANGE_SUPPRESSION_NON_MEAN_REVERT"
)

// Exit action tags.
const (
	TagMacroDriftExit      = "MACRO_DRIFT_EXIT_PRESSURE"
	TagAccelerationDecay   = "ACCELERATION_DECAY"
	TagRegimeFlip          = "REGIME_FLIP_INVALIDATION"
	TagVolatilityProtect   = "VOLATILITY_EXPANSION_PROTECT_RUN"
	TagLiquidityTrapExit   = "LIQUIDITY_TRAP_EXIT"
)

// Config is the "risk" configuration document. The adaptive tuner nudges the
// bounded fields; everything else is operator-set.
type Config struct {
	RequireMarketState          bool    `json:"requireMarketState"`
	AllowAnticipatoryEntry      bool    `json:"allowAnticipatoryEntry"`
	RangeBreakoutMultiplier     float64 `json:"rangeBreakoutMultiplier"`     // tuner bounds [0.5, 0.9]
	StateStrengthUpMultiplier   float64 `json:"stateStrengthUpMultiplier"`   // tuner cap 1.2
	MacroDriftThreshold         float64 `json:"macroDriftThreshold"`         // tuner bounds [0.15, 0.25]
	LatePhaseNegativeMultiplier float64 `json:"latePhaseNegativeMultiplier"` // tuner floor 0.7
	MacroDriftFullExitScore     float64 `json:"macroDriftFullExitScore"`
	PartialExitMinR             float64 `json:"partialExitMinR"`
	ClusterMinLongPositions     int     `json:"clusterMinLongPositions"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		RequireMarketState:          true,
		AllowAnticipatoryEntry:      false,
		RangeBreakoutMultiplier:     0.7,
		StateStrengthUpMultiplier:   1.2,
		MacroDriftThreshold:         0.18,
		LatePhaseNegativeMultiplier: 0.75,
		MacroDriftFullExitScore:     0.25,
		PartialExitMinR:             1.0,
		ClusterMinLongPositions:     3,
	}
}
