package marketdata

import (
	"math"
	"strconv"
)

func parseF(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// ComputeIndicators derives the indicator map from candles in-process; no
// extra provider call is made. Insufficient history simply omits a key.
func ComputeIndicators(candles []Candle) map[string]float64 {
	out := make(map[string]float64)
	if len(candles) == 0 {
		return out
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	if v, ok := ema(closes, 9); ok {
		out["ema_9"] = v
	}
	if v, ok := ema(closes, 20); ok {
		out["ema_20"] = v
	}
	if v, ok := rsi(closes, 14); ok {
		out["rsi_14"] = v
	}
	if v, ok := atr(candles, 14); ok {
		out["atr_14"] = v
	}
	if v, ok := vwap(candles); ok {
		out["vwap"] = v
	}
	return out
}

func ema(values []float64, period int) (float64, bool) {
	if len(values) < period {
		return 0, false
	}
	sum := 0.0
	for _, v := range values[:period] {
		sum += v
	}
	e := sum / float64(period)
	k := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		e = v*k + e*(1-k)
	}
	return e, true
}

func rsi(closes []float64, period int) (float64, bool) {
	if len(closes) < period+1 {
		return 0, false
	}
	var gains, losses float64
	for i := 1; i <= period; i++ {
		diff := closes[i] - closes[i-1]
		if diff > 0 {
			gains += diff
		} else {
			losses -= diff
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	for i := period + 1; i < len(closes); i++ {
		diff := closes[i] - closes[i-1]
		gain, loss := 0.0, 0.0
		if diff > 0 {
			gain = diff
		} else {
			loss = -diff
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}
	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

func atr(candles []Candle, period int) (float64, bool) {
	if len(candles) < period+1 {
		return 0, false
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c := candles[i]
		prevClose := candles[i-1].Close
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
		trs = append(trs, tr)
	}
	sum := 0.0
	for _, tr := range trs[:period] {
		sum += tr
	}
	a := sum / float64(period)
	for _, tr := range trs[period:] {
		a = (a*float64(period-1) + tr) / float64(period)
	}
	return a, true
}

func vwap(candles []Candle) (float64, bool) {
	var pv, vol float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return 0, false
	}
	return pv / vol, true
}
