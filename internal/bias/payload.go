package bias

import (
	"encoding/json"
	"errors"
	"fmt"
)

// V3Payload is the wire shape published by the multi-timeframe bias engine.
type V3Payload struct {
	Source          string       `json:"source"`
	Symbol          string       `json:"symbol"`
	Bias            string       `json:"bias"`
	BiasScore       float64      `json:"biasScore"`
	Confidence      float64      `json:"confidence"`
	AlignmentScore  float64      `json:"alignmentScore"`
	ConflictScore   float64      `json:"conflictScore"`
	Regime          *V3Regime    `json:"regime"`
	Macro           *V3Macro     `json:"macro"`
	Intent          *V3Intent    `json:"intent"`
	Liquidity       *Liquidity   `json:"liquidity"`
	Space           *Space       `json:"space"`
	Levels          *Levels      `json:"levels"`
	Trigger         *Trigger     `json:"trigger"`
	RiskContext     *RiskContext `json:"riskContext"`
	Acceleration    *Acceleration `json:"acceleration"`
	UpdatedAtMs     int64        `json:"updatedAtMs"`
}

// V3Regime is the regime block of a V3 payload.
type V3Regime struct {
	Type        string  `json:"type"`
	ChopScore   float64 `json:"chopScore"`
	ATRState15m string  `json:"atrState15m"`
}

// V3Macro is the macro block of a V3 payload.
type V3Macro struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// V3Intent is the intent block of a V3 payload.
type V3Intent struct {
	Type       string `json:"type"`
	TrendPhase string `json:"trendPhase"`
}

// ErrNotV3 is returned for payloads that are not V3 events at all.
var ErrNotV3 = errors.New("payload is not a v3 bias event")

// IsV3 classifies a raw payload as a V3 event: either the source tag matches
// or the structural blocks are all present.
func IsV3(raw map[string]interface{}) bool {
	if src, _ := raw["source"].(string); src == SourceMTFV3 {
		return true
	}
	for _, key := range []string{"macro", "intent", "liquidity", "space", "trigger"} {
		if _, ok := raw[key]; !ok {
			return false
		}
	}
	return true
}

// ParseV3 decodes and validates a V3 payload. Payloads missing the macro
// block or carrying a foreign source tag are rejected.
func ParseV3(data []byte) (*V3Payload, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode bias payload: %w", err)
	}
	if !IsV3(raw) {
		return nil, ErrNotV3
	}

	var p V3Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode v3 payload: %w", err)
	}
	return &p, p.Validate()
}

// Validate enforces the V3 event shape.
func (p *V3Payload) Validate() error {
	if p.Source != "" && p.Source != SourceMTFV3 {
		return fmt.Errorf("unexpected source %q", p.Source)
	}
	if p.Symbol == "" {
		return errors.New("missing symbol")
	}
	if p.Macro == nil {
		return errors.New("missing macro block")
	}
	if p.Intent == nil {
		return errors.New("missing intent block")
	}
	if p.Liquidity == nil {
		return errors.New("missing liquidity block")
	}
	if p.Space == nil {
		return errors.New("missing space block")
	}
	if p.Trigger == nil {
		return errors.New("missing trigger block")
	}
	switch p.Bias {
	case BiasBullish, BiasBearish, BiasNeutral:
	default:
		return fmt.Errorf("unknown bias %q", p.Bias)
	}
	if p.BiasScore < -100 || p.BiasScore > 100 {
		return fmt.Errorf("biasScore %v out of [-100,100]", p.BiasScore)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", p.Confidence)
	}
	return nil
}

// Normalize converts a validated payload into a UnifiedBiasState. Transitions
// are left zeroed; the store fills them from the previous state.
func (p *V3Payload) Normalize() *UnifiedBiasState {
	s := &UnifiedBiasState{
		Symbol:          p.Symbol,
		Bias:            p.Bias,
		BiasScore:       p.BiasScore,
		Confidence:      p.Confidence,
		AlignmentScore:  p.AlignmentScore,
		ConflictScore:   p.ConflictScore,
		MacroClass:      p.Macro.Class,
		MacroConfidence: p.Macro.Confidence,
		IntentType:      p.Intent.Type,
		TrendPhase:      p.Intent.TrendPhase,
		Liquidity:       *p.Liquidity,
		Space:           *p.Space,
		Trigger:         *p.Trigger,
		UpdatedAtMs:     p.UpdatedAtMs,
		Source:          SourceMTFV3,
		Acceleration:    p.Acceleration,
	}
	if p.Regime != nil {
		s.RegimeType = p.Regime.Type
		s.ChopScore = p.Regime.ChopScore
		s.ATRState15m = p.Regime.ATRState15m
	}
	if p.Levels != nil {
		s.Levels = *p.Levels
	}
	if p.RiskContext != nil {
		s.RiskContext = *p.RiskContext
	}
	return s
}
