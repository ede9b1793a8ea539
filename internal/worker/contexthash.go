// Package worker runs the pipeline's background loops: signal processing,
// order creation, paper execution, position refresh, and the adaptive tuner.
package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"
)

// contextHash fingerprints a market snapshot. Identical inputs always produce
// the same digest: the timestamp is fixed to RFC3339 UTC, floats use the
// shortest round-trip form, and indicators are serialized in key order.
func contextHash(signalID string, snapshotAt time.Time, symbol string,
	bid, ask, currentPrice, volume float64, indicators map[string]float64) string {

	var b strings.Builder
	b.WriteString(signalID)
	b.WriteByte('|')
	b.WriteString(snapshotAt.UTC().Format(time.RFC3339))
	b.WriteByte('|')
	b.WriteString(symbol)
	for _, v := range []float64{bid, ask, currentPrice, volume} {
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}

	keys := make([]string, 0, len(indicators))
	for k := range indicators {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(indicators[k], 'f', -1, 64))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
