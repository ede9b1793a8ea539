package bias

import (
	"encoding/json"
	"errors"
	"fmt"
)

// GammaContext is the document published by the gamma engine.
type GammaContext struct {
	Source         string  `json:"source"`
	Symbol         string  `json:"symbol"`
	Regime         string  `json:"regime"`
	ZeroGammaLevel float64 `json:"zeroGammaLevel"`
	DistanceATR    float64 `json:"distanceATR"`
	BiasScore      float64 `json:"biasScore"`
	UpdatedAtMs    int64   `json:"updatedAtMs"`
}

// ParseGamma decodes a gamma-context document.
func ParseGamma(data []byte) (*GammaContext, error) {
	var g GammaContext
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("decode gamma context: %w", err)
	}
	if g.Symbol == "" {
		return nil, errors.New("gamma context missing symbol")
	}
	return &g, nil
}

// MergeGamma overlays a gamma context onto a state, preserving every other
// field. Returns a new state; the input is not mutated.
func MergeGamma(state *UnifiedBiasState, g *GammaContext) *UnifiedBiasState {
	if state == nil || g == nil {
		return state
	}
	merged := state.Clone()
	merged.Gamma = &Gamma{
		Regime:         g.Regime,
		ZeroGammaLevel: g.ZeroGammaLevel,
		DistanceATR:    g.DistanceATR,
		BiasScore:      g.BiasScore,
	}
	return merged
}
