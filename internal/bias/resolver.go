package bias

// ResolverWeights configures the blended bias score when multiple sources
// publish for one symbol.
type ResolverWeights struct {
	MTF   float64 `json:"mtf"`
	Gamma float64 `json:"gamma"`
}

// DefaultResolverWeights matches the production blend.
func DefaultResolverWeights() ResolverWeights {
	return ResolverWeights{MTF: 0.7, Gamma: 0.3}
}

// Resolve blends the MTF state's bias score with the gamma overlay's. With no
// gamma overlay the state passes through unchanged.
func Resolve(state *UnifiedBiasState, w ResolverWeights) *UnifiedBiasState {
	if state == nil || state.Gamma == nil {
		return state
	}
	total := w.MTF + w.Gamma
	if total <= 0 {
		return state
	}
	resolved := state.Clone()
	resolved.BiasScore = (state.BiasScore*w.MTF + state.Gamma.BiasScore*w.Gamma) / total
	if resolved.BiasScore > 100 {
		resolved.BiasScore = 100
	}
	if resolved.BiasScore < -100 {
		resolved.BiasScore = -100
	}
	return resolved
}
