package bias

import (
	"sync"
	"time"
)

// Store keeps the latest UnifiedBiasState per symbol. Access is serialized
// per symbol, so interleaved MTF and gamma deliveries for the same symbol
// never race.
type Store struct {
	mu         sync.Mutex
	entries    map[string]*entry
	weights    ResolverWeights
	staleAfter time.Duration
	now        func() time.Time
}

type entry struct {
	mu    sync.Mutex
	state *UnifiedBiasState
	gamma *GammaContext
}

// NewStore creates a store. States older than staleAfter are marked stale on
// read; zero means never stale.
func NewStore(weights ResolverWeights, staleAfter time.Duration) *Store {
	return &Store{
		entries:    make(map[string]*entry),
		weights:    weights,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (s *Store) entryFor(symbol string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[symbol]
	if !ok {
		e = &entry{}
		s.entries[symbol] = e
	}
	return e
}

// ApplyV3 merges a validated MTF payload into the store and returns the
// resolved state. Re-delivery of the same payload (same updatedAtMs) is a
// no-op returning the current state.
func (s *Store) ApplyV3(p *V3Payload) *UnifiedBiasState {
	e := s.entryFor(p.Symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != nil && e.state.UpdatedAtMs == p.UpdatedAtMs && e.state.Source == SourceMTFV3 {
		return s.resolveLocked(e)
	}

	curr := p.Normalize()
	curr.Transitions = DetectTransitions(e.state, curr)
	curr.Effective = computeEffective(curr)
	e.state = curr
	return s.resolveLocked(e)
}

// ApplyGamma stores the gamma overlay for a symbol and returns the resolved
// state (nil when no MTF state exists yet).
func (s *Store) ApplyGamma(g *GammaContext) *UnifiedBiasState {
	e := s.entryFor(g.Symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.gamma = g
	return s.resolveLocked(e)
}

// Get returns the resolved state for a symbol, or nil. Staleness is computed
// at read time.
func (s *Store) Get(symbol string) *UnifiedBiasState {
	e := s.entryFor(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.resolveLocked(e)
}

// Symbols returns every symbol with a stored state.
func (s *Store) Symbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbols := make([]string, 0, len(s.entries))
	for sym, e := range s.entries {
		if e.state != nil {
			symbols = append(symbols, sym)
		}
	}
	return symbols
}

func (s *Store) resolveLocked(e *entry) *UnifiedBiasState {
	if e.state == nil {
		return nil
	}
	state := MergeGamma(e.state, e.gamma)
	state = Resolve(state, s.weights)
	if s.staleAfter > 0 && e.state.UpdatedAtMs > 0 {
		age := s.now().Sub(time.UnixMilli(e.state.UpdatedAtMs))
		if age > s.staleAfter {
			state = state.Clone()
			state.IsStale = true
			state.Effective = computeEffective(state)
		}
	}
	return state
}

// computeEffective derives the post-suppression view from the raw state.
func computeEffective(s *UnifiedBiasState) Effective {
	eff := Effective{
		EffectiveBiasScore:  s.BiasScore * s.Confidence,
		EffectiveConfidence: s.Confidence,
		RiskMultiplier:      1.0,
	}
	if s.IntentType == IntentNoTrade {
		eff.TradeSuppressed = true
		eff.Notes = append(eff.Notes, "intent NO_TRADE")
	}
	if s.ConflictScore > 70 {
		eff.TradeSuppressed = true
		eff.Notes = append(eff.Notes, "conflict score above 70")
	}
	if s.IsStale {
		eff.RiskMultiplier *= 0.7
		eff.EffectiveConfidence *= 0.7
		eff.Notes = append(eff.Notes, "state stale")
	}
	if s.RegimeType == RegimeTransition {
		eff.RiskMultiplier *= 0.85
		eff.Notes = append(eff.Notes, "regime in transition")
	}
	return eff
}
