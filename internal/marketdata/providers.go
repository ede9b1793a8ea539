package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Provider names accepted in the priority list.
const (
	ProviderAlpaca        = "alpaca"
	ProviderPolygon       = "polygon"
	ProviderMarketData    = "marketdata"
	ProviderTwelveData    = "twelvedata"
	ProviderUnusualWhales = "unusualwhales"
)

// ProviderConfig carries one provider's credentials and client settings.
type ProviderConfig struct {
	APIKey         string
	APISecret      string
	BaseURL        string
	RequestTimeout time.Duration
	RetryCount     int
}

// NewProvider constructs a named provider client.
func NewProvider(name string, cfg ProviderConfig) (Provider, error) {
	switch name {
	case ProviderAlpaca:
		return newAlpacaClient(cfg), nil
	case ProviderPolygon:
		return newPolygonClient(cfg), nil
	case ProviderMarketData:
		return newMarketDataClient(cfg), nil
	case ProviderTwelveData:
		return newTwelveDataClient(cfg), nil
	case ProviderUnusualWhales:
		return newUnusualWhalesClient(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func newRestyClient(cfg ProviderConfig, defaultBase string) *resty.Client {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBase
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second)
}

func checkResponse(resp *resty.Response, err error, what string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s: status %d: %s", what, resp.StatusCode(), resp.String())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Alpaca

type alpacaClient struct {
	client *resty.Client
}

func newAlpacaClient(cfg ProviderConfig) *alpacaClient {
	c := newRestyClient(cfg, "https://data.alpaca.markets")
	c.SetHeader("APCA-API-KEY-ID", cfg.APIKey)
	c.SetHeader("APCA-API-SECRET-KEY", cfg.APISecret)
	return &alpacaClient{client: c}
}

func (a *alpacaClient) Name() string { return ProviderAlpaca }

type alpacaBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

type alpacaBarsResponse struct {
	Bars []alpacaBar `json:"bars"`
}

func alpacaTimeframe(tf string) string {
	switch tf {
	case "1m":
		return "1Min"
	case "5m":
		return "5Min"
	case "15m":
		return "15Min"
	case "1h":
		return "1Hour"
	case "1d":
		return "1Day"
	default:
		return "5Min"
	}
}

func (a *alpacaClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	var out alpacaBarsResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"timeframe": alpacaTimeframe(timeframe),
			"limit":     fmt.Sprintf("%d", limit),
		}).
		SetResult(&out).
		Get(fmt.Sprintf("/v2/stocks/%s/bars", symbol))
	if err := checkResponse(resp, err, "alpaca candles"); err != nil {
		return nil, err
	}
	candles := make([]Candle, len(out.Bars))
	for i, b := range out.Bars {
		candles[i] = Candle{Timestamp: b.Timestamp, Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume}
	}
	return candles, nil
}

type alpacaQuoteResponse struct {
	Quote struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"quote"`
	Trade struct {
		Price float64 `json:"p"`
		Size  float64 `json:"s"`
	} `json:"trade"`
}

func (a *alpacaClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var out alpacaQuoteResponse
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v2/stocks/%s/snapshot", symbol))
	if err := checkResponse(resp, err, "alpaca quote"); err != nil {
		return nil, err
	}
	return &Quote{
		Symbol: symbol,
		Price:  out.Trade.Price,
		Bid:    out.Quote.BidPrice,
		Ask:    out.Quote.AskPrice,
		Volume: out.Trade.Size,
	}, nil
}

func (a *alpacaClient) GetOptionQuote(ctx context.Context, optionSymbol string) (*OptionQuote, error) {
	var out struct {
		Quotes map[string]struct {
			BidPrice float64 `json:"bp"`
			AskPrice float64 `json:"ap"`
		} `json:"quotes"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParam("symbols", optionSymbol).
		SetResult(&out).
		Get("/v1beta1/options/quotes/latest")
	if err := checkResponse(resp, err, "alpaca option quote"); err != nil {
		return nil, err
	}
	q, ok := out.Quotes[optionSymbol]
	if !ok {
		return nil, fmt.Errorf("alpaca option quote: no data for %s", optionSymbol)
	}
	return &OptionQuote{OptionSymbol: optionSymbol, Bid: q.BidPrice, Ask: q.AskPrice}, nil
}

// ---------------------------------------------------------------------------
// Polygon

type polygonClient struct {
	client *resty.Client
}

func newPolygonClient(cfg ProviderConfig) *polygonClient {
	c := newRestyClient(cfg, "https://api.polygon.io")
	c.SetQueryParam("apiKey", cfg.APIKey)
	return &polygonClient{client: c}
}

func (p *polygonClient) Name() string { return ProviderPolygon }

func polygonTimespan(tf string) (mult, span string) {
	switch tf {
	case "1m":
		return "1", "minute"
	case "5m":
		return "5", "minute"
	case "15m":
		return "15", "minute"
	case "1h":
		return "1", "hour"
	case "1d":
		return "1", "day"
	default:
		return "5", "minute"
	}
}

func (p *polygonClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	mult, span := polygonTimespan(timeframe)
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -7)
	var out struct {
		Results []struct {
			Timestamp int64   `json:"t"`
			Open      float64 `json:"o"`
			High      float64 `json:"h"`
			Low       float64 `json:"l"`
			Close     float64 `json:"c"`
			Volume    float64 `json:"v"`
		} `json:"results"`
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		SetResult(&out).
		Get(fmt.Sprintf("/v2/aggs/ticker/%s/range/%s/%s/%s/%s",
			symbol, mult, span, from.Format("2006-01-02"), to.Format("2006-01-02")))
	if err := checkResponse(resp, err, "polygon candles"); err != nil {
		return nil, err
	}
	candles := make([]Candle, len(out.Results))
	for i, r := range out.Results {
		candles[i] = Candle{
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
			Open:      r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume,
		}
	}
	return candles, nil
}

func (p *polygonClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var out struct {
		Ticker struct {
			LastTrade struct {
				Price float64 `json:"p"`
			} `json:"lastTrade"`
			LastQuote struct {
				Bid float64 `json:"p"`
				Ask float64 `json:"P"`
			} `json:"lastQuote"`
			Day struct {
				Volume float64 `json:"v"`
			} `json:"day"`
		} `json:"ticker"`
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v2/snapshot/locale/us/markets/stocks/tickers/%s", symbol))
	if err := checkResponse(resp, err, "polygon quote"); err != nil {
		return nil, err
	}
	t := out.Ticker
	return &Quote{Symbol: symbol, Price: t.LastTrade.Price, Bid: t.LastQuote.Bid, Ask: t.LastQuote.Ask, Volume: t.Day.Volume}, nil
}

func (p *polygonClient) GetOptionQuote(ctx context.Context, optionSymbol string) (*OptionQuote, error) {
	var out struct {
		Results struct {
			LastQuote struct {
				Bid float64 `json:"bid"`
				Ask float64 `json:"ask"`
			} `json:"last_quote"`
			Day struct {
				Close float64 `json:"close"`
			} `json:"day"`
		} `json:"results"`
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v3/snapshot/options/%s", optionSymbol))
	if err := checkResponse(resp, err, "polygon option quote"); err != nil {
		return nil, err
	}
	return &OptionQuote{
		OptionSymbol: optionSymbol,
		Bid:          out.Results.LastQuote.Bid,
		Ask:          out.Results.LastQuote.Ask,
		Last:         out.Results.Day.Close,
	}, nil
}

// ---------------------------------------------------------------------------
// MarketData.app

type marketDataClient struct {
	client *resty.Client
}

func newMarketDataClient(cfg ProviderConfig) *marketDataClient {
	c := newRestyClient(cfg, "https://api.marketdata.app")
	c.SetAuthToken(cfg.APIKey)
	return &marketDataClient{client: c}
}

func (m *marketDataClient) Name() string { return ProviderMarketData }

func (m *marketDataClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	var out struct {
		Timestamps []int64   `json:"t"`
		Open       []float64 `json:"o"`
		High       []float64 `json:"h"`
		Low        []float64 `json:"l"`
		Close      []float64 `json:"c"`
		Volume     []float64 `json:"v"`
	}
	resp, err := m.client.R().
		SetContext(ctx).
		SetQueryParam("countback", fmt.Sprintf("%d", limit)).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/stocks/candles/%s/%s/", timeframe, symbol))
	if err := checkResponse(resp, err, "marketdata candles"); err != nil {
		return nil, err
	}
	candles := make([]Candle, len(out.Timestamps))
	for i := range out.Timestamps {
		candles[i] = Candle{
			Timestamp: time.Unix(out.Timestamps[i], 0).UTC(),
			Open:      out.Open[i], High: out.High[i], Low: out.Low[i], Close: out.Close[i], Volume: out.Volume[i],
		}
	}
	return candles, nil
}

func (m *marketDataClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var out struct {
		Last   []float64 `json:"last"`
		Bid    []float64 `json:"bid"`
		Ask    []float64 `json:"ask"`
		Volume []float64 `json:"volume"`
	}
	resp, err := m.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/stocks/quotes/%s/", symbol))
	if err := checkResponse(resp, err, "marketdata quote"); err != nil {
		return nil, err
	}
	if len(out.Last) == 0 {
		return nil, fmt.Errorf("marketdata quote: empty response for %s", symbol)
	}
	q := &Quote{Symbol: symbol, Price: out.Last[0]}
	if len(out.Bid) > 0 {
		q.Bid = out.Bid[0]
	}
	if len(out.Ask) > 0 {
		q.Ask = out.Ask[0]
	}
	if len(out.Volume) > 0 {
		q.Volume = out.Volume[0]
	}
	return q, nil
}

func (m *marketDataClient) GetOptionQuote(ctx context.Context, optionSymbol string) (*OptionQuote, error) {
	var out struct {
		Bid  []float64 `json:"bid"`
		Ask  []float64 `json:"ask"`
		Last []float64 `json:"last"`
	}
	resp, err := m.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/v1/options/quotes/%s/", optionSymbol))
	if err := checkResponse(resp, err, "marketdata option quote"); err != nil {
		return nil, err
	}
	q := &OptionQuote{OptionSymbol: optionSymbol}
	if len(out.Bid) > 0 {
		q.Bid = out.Bid[0]
	}
	if len(out.Ask) > 0 {
		q.Ask = out.Ask[0]
	}
	if len(out.Last) > 0 {
		q.Last = out.Last[0]
	}
	return q, nil
}

// ---------------------------------------------------------------------------
// TwelveData

type twelveDataClient struct {
	client *resty.Client
}

func newTwelveDataClient(cfg ProviderConfig) *twelveDataClient {
	c := newRestyClient(cfg, "https://api.twelvedata.com")
	c.SetQueryParam("apikey", cfg.APIKey)
	return &twelveDataClient{client: c}
}

func (t *twelveDataClient) Name() string { return ProviderTwelveData }

func twelveDataInterval(tf string) string {
	switch tf {
	case "1m":
		return "1min"
	case "5m":
		return "5min"
	case "15m":
		return "15min"
	case "1h":
		return "1h"
	case "1d":
		return "1day"
	default:
		return "5min"
	}
}

func (t *twelveDataClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	var out struct {
		Values []struct {
			Datetime string `json:"datetime"`
			Open     string `json:"open"`
			High     string `json:"high"`
			Low      string `json:"low"`
			Close    string `json:"close"`
			Volume   string `json:"volume"`
		} `json:"values"`
		Status string `json:"status"`
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":     symbol,
			"interval":   twelveDataInterval(timeframe),
			"outputsize": fmt.Sprintf("%d", limit),
		}).
		SetResult(&out).
		Get("/time_series")
	if err := checkResponse(resp, err, "twelvedata candles"); err != nil {
		return nil, err
	}
	if out.Status == "error" {
		return nil, fmt.Errorf("twelvedata candles: error status for %s", symbol)
	}
	candles := make([]Candle, 0, len(out.Values))
	// TwelveData returns newest first.
	for i := len(out.Values) - 1; i >= 0; i-- {
		v := out.Values[i]
		ts, _ := time.Parse("2006-01-02 15:04:05", v.Datetime)
		candles = append(candles, Candle{
			Timestamp: ts,
			Open:      parseF(v.Open), High: parseF(v.High), Low: parseF(v.Low),
			Close: parseF(v.Close), Volume: parseF(v.Volume),
		})
	}
	return candles, nil
}

func (t *twelveDataClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var out struct {
		Close  string `json:"close"`
		Volume string `json:"volume"`
	}
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/quote")
	if err := checkResponse(resp, err, "twelvedata quote"); err != nil {
		return nil, err
	}
	price := parseF(out.Close)
	if price == 0 {
		return nil, fmt.Errorf("twelvedata quote: no price for %s", symbol)
	}
	return &Quote{Symbol: symbol, Price: price, Volume: parseF(out.Volume)}, nil
}

func (t *twelveDataClient) GetOptionQuote(ctx context.Context, optionSymbol string) (*OptionQuote, error) {
	return nil, fmt.Errorf("twelvedata: options not supported")
}

// ---------------------------------------------------------------------------
// Unusual Whales (options chain / flow / GEX)

type unusualWhalesClient struct {
	client *resty.Client
}

func newUnusualWhalesClient(cfg ProviderConfig) *unusualWhalesClient {
	c := newRestyClient(cfg, "https://api.unusualwhales.com")
	c.SetAuthToken(cfg.APIKey)
	return &unusualWhalesClient{client: c}
}

func (u *unusualWhalesClient) Name() string { return ProviderUnusualWhales }

func (u *unusualWhalesClient) GetCandles(ctx context.Context, symbol, timeframe string, limit int) ([]Candle, error) {
	return nil, fmt.Errorf("unusualwhales: candles not supported")
}

func (u *unusualWhalesClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	return nil, fmt.Errorf("unusualwhales: stock quotes not supported")
}

func (u *unusualWhalesClient) GetOptionQuote(ctx context.Context, optionSymbol string) (*OptionQuote, error) {
	var out struct {
		Data struct {
			Bid  float64 `json:"bid"`
			Ask  float64 `json:"ask"`
			Last float64 `json:"last"`
		} `json:"data"`
	}
	resp, err := u.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/option-contract/%s/quote", optionSymbol))
	if err := checkResponse(resp, err, "unusualwhales option quote"); err != nil {
		return nil, err
	}
	return &OptionQuote{OptionSymbol: optionSymbol, Bid: out.Data.Bid, Ask: out.Data.Ask, Last: out.Data.Last}, nil
}

func (u *unusualWhalesClient) GetOptionsChain(ctx context.Context, symbol string) ([]ChainContract, error) {
	var out struct {
		Data []struct {
			OptionSymbol string  `json:"option_symbol"`
			Strike       float64 `json:"strike"`
			Expiry       string  `json:"expiry"`
			OptionType   string  `json:"option_type"`
			Bid          float64 `json:"bid"`
			Ask          float64 `json:"ask"`
			OpenInterest float64 `json:"open_interest"`
			Gamma        float64 `json:"gamma"`
		} `json:"data"`
	}
	resp, err := u.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/stock/%s/option-chains", symbol))
	if err := checkResponse(resp, err, "unusualwhales chain"); err != nil {
		return nil, err
	}
	chain := make([]ChainContract, len(out.Data))
	for i, c := range out.Data {
		exp, _ := time.Parse("2006-01-02", c.Expiry)
		chain[i] = ChainContract{
			OptionSymbol: c.OptionSymbol,
			Strike:       c.Strike,
			Expiration:   exp,
			OptionType:   c.OptionType,
			Bid:          c.Bid,
			Ask:          c.Ask,
			OpenInterest: c.OpenInterest,
			Gamma:        c.Gamma,
		}
	}
	return chain, nil
}

func (u *unusualWhalesClient) GetGEX(ctx context.Context, symbol string) (*GEXData, error) {
	var out struct {
		Data struct {
			Regime         string  `json:"regime"`
			ZeroGammaLevel float64 `json:"zero_gamma_level"`
			NetGamma       float64 `json:"net_gamma"`
		} `json:"data"`
	}
	resp, err := u.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/stock/%s/greek-exposure", symbol))
	if err := checkResponse(resp, err, "unusualwhales gex"); err != nil {
		return nil, err
	}
	return &GEXData{
		Symbol:         symbol,
		Regime:         out.Data.Regime,
		ZeroGammaLevel: out.Data.ZeroGammaLevel,
		NetGamma:       out.Data.NetGamma,
	}, nil
}
