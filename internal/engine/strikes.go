package engine

import (
	"math"
	"time"
)

// StrikeConfig controls option strike and expiration selection.
type StrikeConfig struct {
	OTMOffsetPercent float64 // distance out of the money, e.g. 0.01
	MinDTE           int     // minimum days to expiration
}

// DefaultStrikeConfig matches the production selection.
func DefaultStrikeConfig() StrikeConfig {
	return StrikeConfig{OTMOffsetPercent: 0.005, MinDTE: 2}
}

// strikeIncrement approximates listed strike spacing by underlying price.
func strikeIncrement(spot float64) float64 {
	switch {
	case spot < 25:
		return 0.5
	case spot < 200:
		return 1
	case spot < 1000:
		return 5
	default:
		return 10
	}
}

// SelectStrike picks the nearest listed strike offset out of the money in the
// trade direction: calls above spot, puts below.
func SelectStrike(spot float64, direction string, cfg StrikeConfig) float64 {
	inc := strikeIncrement(spot)
	target := spot * (1 + cfg.OTMOffsetPercent)
	if direction != "long" {
		target = spot * (1 - cfg.OTMOffsetPercent)
	}
	if direction == "long" {
		return math.Ceil(target/inc) * inc
	}
	return math.Floor(target/inc) * inc
}

// SelectExpiration returns the next Friday at least MinDTE days out.
func SelectExpiration(now time.Time, cfg StrikeConfig) time.Time {
	d := now.AddDate(0, 0, cfg.MinDTE)
	for d.Weekday() != time.Friday {
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}
