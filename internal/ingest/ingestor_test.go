package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/logging"
)

type mockStore struct {
	signalsByHash map[string]*database.Signal
	acceptedHash  map[string]bool
	events        []*database.WebhookEvent
	signals       []*database.Signal
}

func newMockStore() *mockStore {
	return &mockStore{
		signalsByHash: map[string]*database.Signal{},
		acceptedHash:  map[string]bool{},
	}
}

func (m *mockStore) FindSignalByHash(_ context.Context, hash string, _ time.Duration) (*database.Signal, error) {
	return m.signalsByHash[hash], nil
}

func (m *mockStore) HasAcceptedEventWithHash(_ context.Context, hash string, _ time.Duration) (bool, error) {
	return m.acceptedHash[hash], nil
}

func (m *mockStore) CreateSignalWithEvent(_ context.Context, signal *database.Signal, event *database.WebhookEvent) error {
	m.signals = append(m.signals, signal)
	m.signalsByHash[signal.SignalHash] = signal
	m.acceptedHash[signal.SignalHash] = true
	m.events = append(m.events, event)
	return nil
}

func (m *mockStore) CreateWebhookEvent(_ context.Context, event *database.WebhookEvent) error {
	m.events = append(m.events, event)
	return nil
}

type fixedHinter struct{ variant string }

func (f fixedHinter) VariantFor(string) string { return f.variant }

func testIngestor(store Store, cfg Config) *Ingestor {
	return NewIngestor(store, fixedHinter{variant: "A"}, cfg, logging.Default())
}

const validBody = `{"symbol":"SPY","direction":"long","timeframe":"5m","timestamp":"2025-01-02T14:30:00Z"}`

func TestIngestAccepted(t *testing.T) {
	store := newMockStore()
	in := testIngestor(store, Config{})

	out := in.Ingest(context.Background(), []byte(validBody), "", "req-1", "1.2.3.4")
	if out.Status != StatusAccepted {
		t.Fatalf("expected ACCEPTED, got %s (errors %v)", out.Status, out.Errors)
	}
	if out.SignalID == "" {
		t.Error("expected signal_id in outcome")
	}
	if out.Variant != "A" {
		t.Errorf("expected variant hint A, got %q", out.Variant)
	}
	if len(store.signals) != 1 {
		t.Fatalf("expected 1 signal row, got %d", len(store.signals))
	}
	if len(store.events) != 1 || store.events[0].Status != database.WebhookStatusAccepted {
		t.Errorf("expected one accepted webhook event, got %+v", store.events)
	}
	if store.signals[0].Status != "" && store.signals[0].Status != database.SignalStatusPending {
		t.Errorf("unexpected signal status %q", store.signals[0].Status)
	}
}

func TestIngestDuplicateWithinWindow(t *testing.T) {
	store := newMockStore()
	in := testIngestor(store, Config{})

	first := in.Ingest(context.Background(), []byte(validBody), "", "req-1", "1.2.3.4")
	second := in.Ingest(context.Background(), []byte(validBody), "", "req-2", "1.2.3.4")

	if first.Status != StatusAccepted {
		t.Fatalf("first delivery: expected ACCEPTED, got %s", first.Status)
	}
	if second.Status != StatusDuplicate {
		t.Fatalf("second delivery: expected DUPLICATE, got %s", second.Status)
	}
	if second.SignalID != first.SignalID {
		t.Errorf("duplicate should reference the original signal: %s vs %s", second.SignalID, first.SignalID)
	}
	if len(store.signals) != 1 {
		t.Errorf("expected exactly one signal row, got %d", len(store.signals))
	}
	if len(store.events) != 2 || store.events[1].Status != database.WebhookStatusDuplicate {
		t.Errorf("expected duplicate event recorded, got %+v", store.events)
	}
}

func TestIngestInvalidSignature(t *testing.T) {
	store := newMockStore()
	in := testIngestor(store, Config{HMACSecret: "secret", SignatureRequired: true})

	out := in.Ingest(context.Background(), []byte(validBody), "deadbeef", "req-1", "1.2.3.4")
	if out.Status != StatusInvalidSignature {
		t.Fatalf("expected INVALID_SIGNATURE, got %s", out.Status)
	}
	if len(store.signals) != 0 {
		t.Errorf("invalid signature must not create a signal, got %d", len(store.signals))
	}
	if len(store.events) != 1 || store.events[0].Status != database.WebhookStatusInvalidSignature {
		t.Errorf("expected one invalid_signature event, got %+v", store.events)
	}
}

func TestIngestValidSignature(t *testing.T) {
	store := newMockStore()
	secret := "secret"
	in := testIngestor(store, Config{HMACSecret: secret, SignatureRequired: true})

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(validBody))
	sig := hex.EncodeToString(mac.Sum(nil))

	out := in.Ingest(context.Background(), []byte(validBody), sig, "req-1", "1.2.3.4")
	if out.Status != StatusAccepted {
		t.Fatalf("expected ACCEPTED with valid signature, got %s", out.Status)
	}
}

func TestIngestInvalidPayload(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", `not-json`},
		{"missing symbol", `{"direction":"long","timeframe":"5m","timestamp":"2025-01-02T14:30:00Z"}`},
		{"bad direction", `{"symbol":"SPY","direction":"up","timeframe":"5m","timestamp":"2025-01-02T14:30:00Z"}`},
		{"bad timestamp", `{"symbol":"SPY","direction":"long","timeframe":"5m","timestamp":"yesterday"}`},
		{"symbol too long", `{"symbol":"ABCDEFGHIJKLMNOPQRSTU","direction":"long","timeframe":"5m","timestamp":"2025-01-02T14:30:00Z"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMockStore()
			in := testIngestor(store, Config{})
			out := in.Ingest(context.Background(), []byte(tc.body), "", "req-1", "1.2.3.4")
			if out.Status != StatusInvalidPayload {
				t.Fatalf("expected INVALID_PAYLOAD, got %s", out.Status)
			}
			if len(store.signals) != 0 {
				t.Errorf("invalid payload must not create a signal")
			}
		})
	}
}

func TestSignalHashCanonicalization(t *testing.T) {
	a := map[string]interface{}{"symbol": "SPY", "direction": "long", "extra": map[string]interface{}{"b": 2.0, "a": 1.0}}
	b := map[string]interface{}{"direction": "long", "extra": map[string]interface{}{"a": 1.0, "b": 2.0}, "symbol": "SPY"}

	h1 := SignalHash("SPY", "long", "5m", "2025-01-02T14:30:00Z", a)
	h2 := SignalHash("SPY", "long", "5m", "2025-01-02T14:30:00Z", b)
	if h1 != h2 {
		t.Errorf("key order must not change the hash: %s vs %s", h1, h2)
	}

	h3 := SignalHash("SPY", "short", "5m", "2025-01-02T14:30:00Z", a)
	if h1 == h3 {
		t.Error("different direction must change the hash")
	}
}
