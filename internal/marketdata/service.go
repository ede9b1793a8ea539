package marketdata

import (
	"context"
	"fmt"
	"time"

	"signal-pipeline/internal/logging"
)

// Method cache TTLs.
const (
	ttlCandles    = 60 * time.Second
	ttlPrices     = 30 * time.Second
	ttlIndicators = 60 * time.Second
	ttlChain      = 60 * time.Second
	ttlGEX        = 300 * time.Second
)

// Result wraps a value with its staleness marker; stale values are only
// served when every provider in the chain failed.
type Result[T any] struct {
	Value T
	Stale bool
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	MaxFailures  int
	ResetTimeout time.Duration
}

// providerSlot bundles one provider with its breaker and rate limiter.
type providerSlot struct {
	provider Provider
	breaker  *CircuitBreaker
	limiter  *TokenBucket
}

// QuoteOverlay is a best-effort distributed quote cache shared across
// pipeline instances. Misses and errors fall through to the provider chain.
type QuoteOverlay interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Service multiplexes providers in priority order behind per-method caches.
type Service struct {
	slots   []*providerSlot
	cache   *TTLCache
	flight  *flightGroup
	overlay QuoteOverlay
	logger  *logging.Logger
}

// rate limits per provider: burst capacity and refill per second.
var providerRates = map[string][2]float64{
	ProviderAlpaca:        {200, 3},
	ProviderPolygon:       {100, 1.5},
	ProviderMarketData:    {100, 1.5},
	ProviderTwelveData:    {60, 0.8},
	ProviderUnusualWhales: {120, 2},
}

// NewService builds the multiplex over providers in the given priority order.
func NewService(providers []Provider, breakerCfg BreakerConfig, logger *logging.Logger) *Service {
	if breakerCfg.MaxFailures <= 0 {
		breakerCfg.MaxFailures = 5
	}
	if breakerCfg.ResetTimeout <= 0 {
		breakerCfg.ResetTimeout = 60 * time.Second
	}
	slots := make([]*providerSlot, 0, len(providers))
	for _, p := range providers {
		rate, ok := providerRates[p.Name()]
		if !ok {
			rate = [2]float64{60, 1}
		}
		slots = append(slots, &providerSlot{
			provider: p,
			breaker:  NewCircuitBreaker(breakerCfg.MaxFailures, breakerCfg.ResetTimeout),
			limiter:  NewTokenBucket(rate[0], rate[1]),
		})
	}
	return &Service{
		slots:  slots,
		cache:  NewTTLCache(),
		flight: newFlightGroup(),
		logger: logger.WithComponent("marketdata"),
	}
}

// WithQuoteOverlay attaches a distributed quote cache. The local TTL cache
// stays authoritative; the overlay only seeds it.
func (s *Service) WithQuoteOverlay(o QuoteOverlay) *Service {
	s.overlay = o
	return s
}

// ProviderStates reports each provider's breaker state for monitoring.
func (s *Service) ProviderStates() map[string]string {
	states := make(map[string]string, len(s.slots))
	for _, slot := range s.slots {
		states[slot.provider.Name()] = slot.breaker.State()
	}
	return states
}

// CacheStats exposes the cache counters.
func (s *Service) CacheStats() CacheStats { return s.cache.Stats() }

// fetch walks the provider chain for one cached method call: fresh cache,
// then each allowed provider, then stale cache as a last resort. Concurrent
// identical calls coalesce on the cache key.
func (s *Service) fetch(ctx context.Context, key string, ttl time.Duration,
	call func(context.Context, Provider) (interface{}, error)) (interface{}, bool, error) {

	if v, ok := s.cache.Get(key); ok {
		return v, false, nil
	}

	value, err := s.flight.do(key, func() (interface{}, error) {
		// A coalesced waiter may arrive after the winner populated the cache.
		if v, ok := s.cache.Get(key); ok {
			return v, nil
		}

		var lastErr error
		for _, slot := range s.slots {
			if !slot.breaker.Allow() {
				continue
			}
			if err := slot.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			v, err := call(ctx, slot.provider)
			if err != nil {
				slot.breaker.RecordFailure()
				lastErr = err
				s.logger.Warn("provider call failed",
					"provider", slot.provider.Name(), "key", key, "error", err,
					"breaker", slot.breaker.State())
				continue
			}
			slot.breaker.RecordSuccess()
			s.cache.Set(key, v, ttl)
			return v, nil
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no provider available")
		}
		return nil, fmt.Errorf("all providers failed for %s: %w", key, lastErr)
	})
	if err == nil {
		return value, false, nil
	}

	if v, ok := s.cache.GetStale(key); ok {
		s.logger.Warn("serving stale market data", "key", key)
		return v, true, nil
	}
	return nil, false, err
}

// GetCandles returns recent candles for (symbol, timeframe).
func (s *Service) GetCandles(ctx context.Context, symbol, timeframe string, limit int) (*Result[[]Candle], error) {
	key := fmt.Sprintf("candles:%s:%s:%d", symbol, timeframe, limit)
	v, stale, err := s.fetch(ctx, key, ttlCandles, func(ctx context.Context, p Provider) (interface{}, error) {
		candles, err := p.GetCandles(ctx, symbol, timeframe, limit)
		if err != nil {
			return nil, err
		}
		if len(candles) == 0 {
			return nil, fmt.Errorf("%s returned no candles for %s", p.Name(), symbol)
		}
		return candles, nil
	})
	if err != nil {
		return nil, err
	}
	return &Result[[]Candle]{Value: v.([]Candle), Stale: stale}, nil
}

// GetQuote returns the current stock quote.
func (s *Service) GetQuote(ctx context.Context, symbol string) (*Result[*Quote], error) {
	key := "quote:" + symbol
	if s.overlay != nil {
		if _, ok := s.cache.Get(key); !ok {
			var q Quote
			if err := s.overlay.GetJSON(ctx, key, &q); err == nil && q.Symbol != "" {
				s.cache.Set(key, &q, ttlPrices)
			}
		}
	}
	v, stale, err := s.fetch(ctx, key, ttlPrices, func(ctx context.Context, p Provider) (interface{}, error) {
		return p.GetQuote(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	if s.overlay != nil && !stale {
		if err := s.overlay.SetJSON(ctx, key, v, ttlPrices); err != nil {
			s.logger.Debug("quote overlay write failed", "symbol", symbol, "error", err)
		}
	}
	return &Result[*Quote]{Value: v.(*Quote), Stale: stale}, nil
}

// GetOptionQuote returns the current option contract quote.
func (s *Service) GetOptionQuote(ctx context.Context, optionSymbol string) (*Result[*OptionQuote], error) {
	key := "option:" + optionSymbol
	v, stale, err := s.fetch(ctx, key, ttlPrices, func(ctx context.Context, p Provider) (interface{}, error) {
		return p.GetOptionQuote(ctx, optionSymbol)
	})
	if err != nil {
		return nil, err
	}
	return &Result[*OptionQuote]{Value: v.(*OptionQuote), Stale: stale}, nil
}

// GetIndicators derives indicators from candles, cached by (symbol, timeframe).
func (s *Service) GetIndicators(ctx context.Context, symbol, timeframe string) (*Result[map[string]float64], error) {
	key := fmt.Sprintf("indicators:%s:%s", symbol, timeframe)
	if v, ok := s.cache.Get(key); ok {
		return &Result[map[string]float64]{Value: v.(map[string]float64)}, nil
	}
	candles, err := s.GetCandles(ctx, symbol, timeframe, 100)
	if err != nil {
		return nil, fmt.Errorf("indicators for %s: %w", symbol, err)
	}
	indicators := ComputeIndicators(candles.Value)
	if !candles.Stale {
		s.cache.Set(key, indicators, ttlIndicators)
	}
	return &Result[map[string]float64]{Value: indicators, Stale: candles.Stale}, nil
}

// GetOptionsChain returns the chain from the first provider that serves one.
func (s *Service) GetOptionsChain(ctx context.Context, symbol string) (*Result[[]ChainContract], error) {
	key := "chain:" + symbol
	v, stale, err := s.fetch(ctx, key, ttlChain, func(ctx context.Context, p Provider) (interface{}, error) {
		fp, ok := p.(OptionsFlowProvider)
		if !ok {
			return nil, fmt.Errorf("%s does not serve options chains", p.Name())
		}
		return fp.GetOptionsChain(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return &Result[[]ChainContract]{Value: v.([]ChainContract), Stale: stale}, nil
}

// GetGEX returns the dealer gamma exposure summary.
func (s *Service) GetGEX(ctx context.Context, symbol string) (*Result[*GEXData], error) {
	key := "gex:" + symbol
	v, stale, err := s.fetch(ctx, key, ttlGEX, func(ctx context.Context, p Provider) (interface{}, error) {
		fp, ok := p.(OptionsFlowProvider)
		if !ok {
			return nil, fmt.Errorf("%s does not serve gamma exposure", p.Name())
		}
		return fp.GetGEX(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return &Result[*GEXData]{Value: v.(*GEXData), Stale: stale}, nil
}
