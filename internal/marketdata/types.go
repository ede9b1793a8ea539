// Package marketdata multiplexes market-data providers behind one interface
// with per-provider circuit breakers, rate limits and short-TTL caches.
package marketdata

import (
	"context"
	"time"
)

// Candle is one OHLCV bar.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Quote is a current stock quote.
type Quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Volume float64 `json:"volume"`
}

// OptionQuote is a current option contract quote.
type OptionQuote struct {
	OptionSymbol string  `json:"option_symbol"`
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Last         float64 `json:"last"`
}

// Mid returns the midpoint price, falling back to last.
func (q *OptionQuote) Mid() float64 {
	if q.Bid > 0 && q.Ask >= q.Bid {
		return (q.Bid + q.Ask) / 2
	}
	return q.Last
}

// ChainContract is one strike row of an options chain.
type ChainContract struct {
	OptionSymbol string    `json:"option_symbol"`
	Strike       float64   `json:"strike"`
	Expiration   time.Time `json:"expiration"`
	OptionType   string    `json:"option_type"`
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	OpenInterest float64   `json:"open_interest"`
	Gamma        float64   `json:"gamma"`
}

// GEXData is the dealer gamma exposure summary for a symbol.
type GEXData struct {
	Symbol         string  `json:"symbol"`
	Regime         string  `json:"regime"`
	ZeroGammaLevel float64 `json:"zero_gamma_level"`
	NetGamma       float64 `json:"net_gamma"`
}

// Provider is one upstream market-data source.
type Provider interface {
	Name() string
	GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error)
	GetQuote(ctx context.Context, symbol string) (*Quote, error)
	GetOptionQuote(ctx context.Context, optionSymbol string) (*OptionQuote, error)
}

// OptionsFlowProvider is implemented by providers that serve chains and GEX.
type OptionsFlowProvider interface {
	Provider
	GetOptionsChain(ctx context.Context, symbol string) ([]ChainContract, error)
	GetGEX(ctx context.Context, symbol string) (*GEXData, error)
}
