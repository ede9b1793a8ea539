package bias

import (
	"testing"
	"time"
)

func validPayload(symbol string, updatedAtMs int64) *V3Payload {
	return &V3Payload{
		Source:     SourceMTFV3,
		Symbol:     symbol,
		Bias:       BiasBullish,
		BiasScore:  60,
		Confidence: 0.8,
		Regime:     &V3Regime{Type: RegimeTrend, ChopScore: 30, ATRState15m: ATRStable},
		Macro:      &V3Macro{Class: MacroTrendUp, Confidence: 0.7},
		Intent:     &V3Intent{Type: IntentBreakout, TrendPhase: PhaseMid},
		Liquidity:  &Liquidity{},
		Space:      &Space{RoomToResistance: SpaceHigh, RoomToSupport: SpaceMedium},
		Trigger:    &Trigger{Pattern: "engulfing", Triggered: true},
		UpdatedAtMs: updatedAtMs,
	}
}

func TestParseV3RejectsMissingMacro(t *testing.T) {
	body := []byte(`{"source":"mtf_bias_engine_v3","symbol":"SPY","bias":"BULLISH","biasScore":50,"confidence":0.8,
		"intent":{"type":"BREAKOUT"},"liquidity":{},"space":{},"trigger":{}}`)
	if _, err := ParseV3(body); err == nil {
		t.Fatal("expected rejection for payload missing macro block")
	}
}

func TestParseV3RejectsForeignSource(t *testing.T) {
	p := validPayload("SPY", 1)
	p.Source = "some_other_engine"
	if err := p.Validate(); err == nil {
		t.Fatal("expected rejection for foreign source tag")
	}
}

func TestIsV3StructuralDetection(t *testing.T) {
	withKeys := map[string]interface{}{
		"macro": map[string]interface{}{}, "intent": map[string]interface{}{},
		"liquidity": map[string]interface{}{}, "space": map[string]interface{}{},
		"trigger": map[string]interface{}{},
	}
	if !IsV3(withKeys) {
		t.Error("structural keys present should classify as V3")
	}
	if IsV3(map[string]interface{}{"macro": map[string]interface{}{}}) {
		t.Error("partial structure should not classify as V3")
	}
	if !IsV3(map[string]interface{}{"source": SourceMTFV3}) {
		t.Error("matching source tag should classify as V3")
	}
}

func TestDetectTransitions(t *testing.T) {
	prev := validPayload("SPY", 1).Normalize()
	curr := validPayload("SPY", 2).Normalize()
	curr.Bias = BiasBearish
	curr.RegimeType = RegimeRange
	curr.MacroClass = MacroTrendDown
	curr.IntentType = IntentMeanRevert
	curr.Liquidity.SweepHigh = true
	curr.ATRState15m = ATRExpanding

	tr := DetectTransitions(prev, curr)
	if !tr.BiasFlip || !tr.RegimeFlip || !tr.MacroFlip || !tr.IntentChange {
		t.Errorf("expected all flips, got %+v", tr)
	}
	if !tr.LiquidityEvent {
		t.Error("sweepHigh false->true should raise liquidityEvent")
	}
	if !tr.ExpansionEvent || tr.CompressionEvent {
		t.Errorf("expected expansion only, got %+v", tr)
	}
}

func TestDetectTransitionsNilPrev(t *testing.T) {
	curr := validPayload("SPY", 1).Normalize()
	curr.Liquidity.SweepLow = true
	tr := DetectTransitions(nil, curr)
	if tr.BiasFlip || tr.RegimeFlip || tr.MacroFlip || tr.IntentChange {
		t.Errorf("no prev state: only liquidityEvent may fire, got %+v", tr)
	}
	if !tr.LiquidityEvent {
		t.Error("fresh sweepLow flag should raise liquidityEvent")
	}
}

func TestMergeGammaPreservesFields(t *testing.T) {
	state := validPayload("SPY", 1).Normalize()
	merged := MergeGamma(state, &GammaContext{Symbol: "SPY", Regime: "positive", ZeroGammaLevel: 470, BiasScore: 20})
	if merged.Gamma == nil || merged.Gamma.ZeroGammaLevel != 470 {
		t.Fatalf("gamma overlay not applied: %+v", merged.Gamma)
	}
	if merged.Bias != state.Bias || merged.BiasScore != state.BiasScore {
		t.Error("gamma merge must preserve non-gamma fields")
	}
	if state.Gamma != nil {
		t.Error("merge must not mutate the input state")
	}
}

func TestResolveWeightedBlend(t *testing.T) {
	state := validPayload("SPY", 1).Normalize()
	state.BiasScore = 100
	state.Gamma = &Gamma{BiasScore: 0}

	resolved := Resolve(state, DefaultResolverWeights())
	if got, want := resolved.BiasScore, 70.0; got != want {
		t.Errorf("blend = %v, want %v", got, want)
	}

	noGamma := validPayload("SPY", 1).Normalize()
	if Resolve(noGamma, DefaultResolverWeights()) != noGamma {
		t.Error("single source should pass through unchanged")
	}
}

func TestStoreIdempotentRedelivery(t *testing.T) {
	store := NewStore(DefaultResolverWeights(), 0)
	p := validPayload("SPY", 1000)
	p.Liquidity = &Liquidity{SweepHigh: true}

	first := store.ApplyV3(p)
	if !first.Transitions.LiquidityEvent {
		t.Error("first delivery should record liquidity event")
	}
	second := store.ApplyV3(p)
	if !second.Transitions.LiquidityEvent {
		t.Error("re-delivery must not recompute transitions against itself")
	}
}

func TestStoreStaleness(t *testing.T) {
	store := NewStore(DefaultResolverWeights(), time.Minute)
	base := time.Now()
	store.now = func() time.Time { return base }

	p := validPayload("SPY", base.UnixMilli())
	store.ApplyV3(p)

	if s := store.Get("SPY"); s.IsStale {
		t.Error("fresh state should not be stale")
	}

	store.now = func() time.Time { return base.Add(2 * time.Minute) }
	s := store.Get("SPY")
	if !s.IsStale {
		t.Fatal("state past staleAfter should be marked stale")
	}
	if s.Effective.RiskMultiplier >= 1.0 {
		t.Errorf("stale state should reduce risk multiplier, got %v", s.Effective.RiskMultiplier)
	}
}

func TestEffectiveSuppression(t *testing.T) {
	s := validPayload("SPY", 1).Normalize()
	s.IntentType = IntentNoTrade
	eff := computeEffective(s)
	if !eff.TradeSuppressed {
		t.Error("NO_TRADE intent must suppress trading")
	}

	s2 := validPayload("SPY", 1).Normalize()
	s2.ConflictScore = 80
	if eff := computeEffective(s2); !eff.TradeSuppressed {
		t.Error("high conflict score must suppress trading")
	}
}
