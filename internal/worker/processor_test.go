package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/errtrack"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/logging"
	"signal-pipeline/internal/marketdata"
	"signal-pipeline/internal/orchestrator"
)

type mockProcStore struct {
	claimed    []*database.Signal
	processed  map[string]string
	released   map[string]time.Time
	rejected   map[string]string
	eventLogs  int
}

func newMockProcStore() *mockProcStore {
	return &mockProcStore{
		processed: map[string]string{},
		released:  map[string]time.Time{},
		rejected:  map[string]string{},
	}
}

func (m *mockProcStore) ClaimSignals(_ context.Context, limit int) ([]*database.Signal, error) {
	if len(m.claimed) > limit {
		return m.claimed[:limit], nil
	}
	out := m.claimed
	m.claimed = nil
	return out, nil
}

func (m *mockProcStore) MarkSignalProcessed(_ context.Context, signalID, _, status string, _ *string) error {
	m.processed[signalID] = status
	return nil
}

func (m *mockProcStore) ReleaseSignalForRetry(_ context.Context, signalID string, nextRetryAt time.Time) error {
	m.released[signalID] = nextRetryAt
	return nil
}

func (m *mockProcStore) RejectSignalExhausted(_ context.Context, signalID, reason string) error {
	m.rejected[signalID] = reason
	return nil
}

func (m *mockProcStore) AppendEventLog(_ context.Context, _ string, _ *string, _ string, _ interface{}) error {
	m.eventLogs++
	return nil
}

type mockMarket struct {
	quoteErr error
}

func (m *mockMarket) GetQuote(_ context.Context, symbol string) (*marketdata.Result[*marketdata.Quote], error) {
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	return &marketdata.Result[*marketdata.Quote]{
		Value: &marketdata.Quote{Symbol: symbol, Price: 470.10, Bid: 470.00, Ask: 470.20, Volume: 1200},
	}, nil
}

func (m *mockMarket) GetIndicators(_ context.Context, _, _ string) (*marketdata.Result[map[string]float64], error) {
	return &marketdata.Result[map[string]float64]{
		Value: map[string]float64{"ema_9": 469.8, "rsi_14": 55.2},
	}, nil
}

type mockDecider struct {
	err      error
	outcomes []*orchestrator.Outcome
}

func (m *mockDecider) Process(_ context.Context, signal *database.Signal, marketCtx *database.MarketContext) (*orchestrator.Outcome, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := &orchestrator.Outcome{ExperimentID: "exp-" + signal.ID, Status: database.SignalStatusApproved}
	m.outcomes = append(m.outcomes, out)
	return out, nil
}

type allFlags struct{}

func (allFlags) Enabled(string) bool { return true }

func testProcessor(store *mockProcStore, market MarketData, decider Decider) *Processor {
	return NewProcessor(store, market, decider, allFlags{}, events.NewBus(), errtrack.New(10),
		ProcessorConfig{BatchSize: 10, Concurrency: 2, MaxAttempts: 3, RetryDelay: 5 * time.Second},
		logging.Default())
}

func testSignal(id string, attempts int) *database.Signal {
	return &database.Signal{
		ID: id, Symbol: "SPY", Direction: "long", Timeframe: "5m",
		SourceTimestamp: time.Now(), ProcessingAttempts: attempts,
	}
}

func TestProcessBatchFinalizesSignals(t *testing.T) {
	store := newMockProcStore()
	store.claimed = []*database.Signal{testSignal("sig-1", 0), testSignal("sig-2", 0)}
	p := testProcessor(store, &mockMarket{}, &mockDecider{})

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.processed) != 2 {
		t.Fatalf("processed %d signals, want 2", len(store.processed))
	}
	if store.processed["sig-1"] != database.SignalStatusApproved {
		t.Errorf("status = %q", store.processed["sig-1"])
	}
}

func TestFailureSchedulesRetryWithBackoff(t *testing.T) {
	store := newMockProcStore()
	store.claimed = []*database.Signal{testSignal("sig-1", 1)}
	p := testProcessor(store, &mockMarket{}, &mockDecider{err: errors.New("engines_failed")})

	before := time.Now()
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	next, ok := store.released["sig-1"]
	if !ok {
		t.Fatal("signal not released for retry")
	}
	// Second failure: delay = 5s * 2^(2-1) = 10s.
	delay := next.Sub(before)
	if delay < 9*time.Second || delay > 12*time.Second {
		t.Errorf("retry delay = %v, want ~10s", delay)
	}
}

func TestExhaustedRetriesRejects(t *testing.T) {
	store := newMockProcStore()
	store.claimed = []*database.Signal{testSignal("sig-1", 2)}
	p := testProcessor(store, &mockMarket{quoteErr: errors.New("providers down")}, &mockDecider{})

	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.rejected["sig-1"] != "exhausted_retries" {
		t.Errorf("rejection reason = %q, want exhausted_retries", store.rejected["sig-1"])
	}
	if len(store.released) != 0 {
		t.Error("exhausted signal must not be rescheduled")
	}
}

func TestRetryDelayCapsAtFiveMinutes(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{8, 5 * time.Minute},
		{30, 5 * time.Minute},
	}
	for _, tc := range cases {
		if got := retryDelay(5*time.Second, tc.attempts); got != tc.want {
			t.Errorf("retryDelay(attempts=%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestContextHashDeterministic(t *testing.T) {
	at := time.Date(2025, 1, 2, 14, 30, 0, 0, time.UTC)
	indicators := map[string]float64{"rsi_14": 55.2, "ema_9": 469.8, "vwap": 470.01}

	h1 := contextHash("sig-1", at, "SPY", 470.00, 470.20, 470.10, 1200, indicators)
	h2 := contextHash("sig-1", at, "SPY", 470.00, 470.20, 470.10, 1200,
		map[string]float64{"vwap": 470.01, "ema_9": 469.8, "rsi_14": 55.2})
	if h1 != h2 {
		t.Error("indicator map order must not affect the hash")
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}

	if h1 == contextHash("sig-2", at, "SPY", 470.00, 470.20, 470.10, 1200, indicators) {
		t.Error("different signal ids must hash differently")
	}
	if h1 == contextHash("sig-1", at, "SPY", 470.00, 470.20, 470.11, 1200, indicators) {
		t.Error("a price change must change the hash")
	}

	// Offset timestamps representing the same instant hash identically.
	est := time.FixedZone("EST", -5*3600)
	h3 := contextHash("sig-1", at.In(est), "SPY", 470.00, 470.20, 470.10, 1200, indicators)
	if h1 != h3 {
		t.Error("timestamps are normalized to UTC before hashing")
	}
}

func TestBuildContextSetsHash(t *testing.T) {
	store := newMockProcStore()
	p := testProcessor(store, &mockMarket{}, &mockDecider{})

	mc, err := p.buildContext(context.Background(), testSignal("sig-1", 0))
	if err != nil {
		t.Fatal(err)
	}
	want := contextHash("sig-1", mc.SnapshotAt, "SPY", mc.Bid, mc.Ask, mc.CurrentPrice, mc.Volume, mc.Indicators)
	if mc.ContextHash != want {
		t.Error("stored hash must match recomputation from the snapshot")
	}
}
