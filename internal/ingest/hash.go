package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// canonicalJSON renders a parsed JSON object with keys sorted at every level
// and no insignificant whitespace, so equal payloads always hash equally.
func canonicalJSON(v interface{}) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			enc, _ := json.Marshal(k)
			b.Write(enc)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		enc, _ := json.Marshal(val)
		b.Write(enc)
	}
}

// SignalHash computes the dedup hash over the canonical identifying fields
// plus the normalized payload body.
func SignalHash(symbol, direction, timeframe, timestamp string, body map[string]interface{}) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|", symbol, direction, timeframe, timestamp)
	h.Write([]byte(canonicalJSON(body)))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 hex signature over the raw body in
// constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}
