package bias

// DetectTransitions compares consecutive states for one symbol. With no
// previous state only liquidityEvent can fire, since a freshly observed true
// flag is still a false-to-true edge.
func DetectTransitions(prev, curr *UnifiedBiasState) Transitions {
	var t Transitions
	if curr == nil {
		return t
	}

	if prev == nil {
		t.LiquidityEvent = anyFlagSet(Liquidity{}, curr.Liquidity)
		return t
	}

	t.BiasFlip = curr.Bias != prev.Bias
	t.RegimeFlip = curr.RegimeType != prev.RegimeType
	t.MacroFlip = curr.MacroClass != prev.MacroClass
	t.IntentChange = curr.IntentType != prev.IntentType
	t.LiquidityEvent = anyFlagSet(prev.Liquidity, curr.Liquidity)

	if prev.ATRState15m != curr.ATRState15m {
		switch curr.ATRState15m {
		case ATRExpanding:
			t.ExpansionEvent = true
		case ATRCompressing:
			t.CompressionEvent = true
		}
	}
	return t
}

// anyFlagSet reports whether any liquidity flag went false to true.
func anyFlagSet(prev, curr Liquidity) bool {
	return (!prev.SweepHigh && curr.SweepHigh) ||
		(!prev.SweepLow && curr.SweepLow) ||
		(!prev.Reclaim && curr.Reclaim) ||
		(!prev.EqualHighCluster && curr.EqualHighCluster) ||
		(!prev.EqualLowCluster && curr.EqualLowCluster)
}
