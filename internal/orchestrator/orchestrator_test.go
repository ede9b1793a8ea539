package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"signal-pipeline/internal/bias"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/engine"
	"signal-pipeline/internal/logging"
	"signal-pipeline/internal/risk"
)

type mockStore struct {
	experiment      *database.Experiment
	policy          *database.ExecutionPolicy
	marketCtx       *database.MarketContext
	recommendations []*database.TradeRecommendation
	enriched        map[string]interface{}
	positions       []*database.Position
}

func newMockStore() *mockStore {
	return &mockStore{enriched: map[string]interface{}{}}
}

func (m *mockStore) PersistDecision(_ context.Context, e *database.Experiment, p *database.ExecutionPolicy,
	c *database.MarketContext, recs []*database.TradeRecommendation) error {
	m.experiment, m.policy, m.marketCtx, m.recommendations = e, p, c, recs
	return nil
}

func (m *mockStore) SaveEnrichedSignal(_ context.Context, signalID string, state interface{}) error {
	m.enriched[signalID] = state
	return nil
}

func (m *mockStore) OpenPositions(context.Context) ([]*database.Position, error) {
	return m.positions, nil
}

type mockDocStore struct{}

func (mockDocStore) GetBiasConfig(context.Context, string) (*database.BiasConfigDoc, error) {
	return nil, nil
}
func (mockDocStore) SaveBiasConfig(context.Context, string, interface{}) error { return nil }

type fixedBias struct{ state *bias.UnifiedBiasState }

func (f fixedBias) Get(string) *bias.UnifiedBiasState { return f.state }

// capturingEngine records the exact input it received.
type capturingEngine struct {
	id       engine.Engine
	decision *engine.Decision
	err      error
	captured *engine.Input
}

func (c *capturingEngine) Name() engine.Engine { return c.id }

func (c *capturingEngine) Evaluate(_ context.Context, in *engine.Input) (*engine.Decision, error) {
	c.captured = in
	if c.err != nil {
		return nil, c.err
	}
	return c.decision, nil
}

func approval(direction string) *engine.Decision {
	stop := 468.0
	return &engine.Decision{Recommendation: &engine.Recommendation{
		Direction:  direction,
		OptionType: "call",
		Strike:     471,
		Expiration: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
		Quantity:   1,
		EntryPrice: 470.10,
		StopLoss:   &stop,
		SizeMultiplier: 1.0,
		Reasoning:  "test",
	}}
}

func testSignal() *database.Signal {
	return &database.Signal{
		ID: "sig-1", Symbol: "SPY", Direction: "long", Timeframe: "5m",
		SignalHash:      "abc123",
		SourceTimestamp: time.Date(2025, 1, 2, 14, 30, 0, 0, time.UTC),
		RawPayload:      []byte(`{"symbol":"SPY"}`),
	}
}

func testContext() *database.MarketContext {
	return &database.MarketContext{
		ID: "ctx-1", SignalID: "sig-1", Symbol: "SPY",
		SnapshotAt:   time.Date(2025, 1, 2, 14, 30, 5, 0, time.UTC),
		CurrentPrice: 470.10, Bid: 470.00, Ask: 470.20, Volume: 1e6,
		Indicators:   map[string]float64{"rsi_14": 61.2, "ema_20": 469.4},
		ContextHash:  "ctxhash",
	}
}

func newTestOrchestrator(store *mockStore, a, b engine.Invoker, mode string) *Orchestrator {
	cfg := Config{
		ExecutionMode:   mode,
		SplitPercentage: 0.5,
		PolicyVersion:   "v1.0",
		AccountSize:     100000,
		BaseRiskPercent: 0.01,
	}
	return New(store, fixedBias{}, risk.NewLoader(mockDocStore{}), a, b, cfg, logging.Default())
}

func TestVariantAssignmentDeterministic(t *testing.T) {
	a := Assigner{SplitPercentage: 0.5, PolicyVersion: "v1.0"}
	v1, h1 := a.Assign("somehash")
	for i := 0; i < 100; i++ {
		v2, h2 := a.Assign("somehash")
		if v1 != v2 || h1 != h2 {
			t.Fatal("assignment must be deterministic")
		}
	}
	if v1 != "A" && v1 != "B" {
		t.Fatalf("unexpected variant %q", v1)
	}

	// Split bounds pin the variant regardless of hash.
	all := Assigner{SplitPercentage: 1.0, PolicyVersion: "v1.0"}
	if v, _ := all.Assign("anything"); v != "A" {
		t.Errorf("split=1.0 must always assign A, got %s", v)
	}
	none := Assigner{SplitPercentage: 0.0, PolicyVersion: "v1.0"}
	if v, _ := none.Assign("anything"); v != "B" {
		t.Errorf("split=0.0 must always assign B, got %s", v)
	}

	// Changing the policy version may change the assignment.
	other := Assigner{SplitPercentage: 0.5, PolicyVersion: "v2.0"}
	_, h3 := other.Assign("somehash")
	if h3 == h1 {
		t.Error("different policy version must produce a different digest")
	}
}

func TestVariantDistributionRoughlyUniform(t *testing.T) {
	a := Assigner{SplitPercentage: 0.5, PolicyVersion: "v1.0"}
	countA := 0
	const n = 2000
	for i := 0; i < n; i++ {
		v, _ := a.Assign(string(rune('a'+i%26)) + string(rune('0'+i%10)) + time.Unix(int64(i), 0).String())
		if v == "A" {
			countA++
		}
	}
	ratio := float64(countA) / n
	if ratio < 0.4 || ratio > 0.6 {
		t.Errorf("variant split %v too far from 0.5", ratio)
	}
}

func TestDerivePolicyConstraints(t *testing.T) {
	cases := []struct {
		mode, variant    string
		wantExec, wantSh *string
	}{
		{ModeShadowOnly, "A", nil, strPtr("A")},
		{ModeShadowOnly, "B", nil, strPtr("B")},
		{ModeEngineAPrimary, "B", strPtr("A"), strPtr("B")},
		{ModeEngineBPrimary, "A", strPtr("B"), strPtr("A")},
		{ModeSplitCapital, "A", strPtr("A"), strPtr("B")},
		{ModeSplitCapital, "B", strPtr("B"), strPtr("A")},
	}
	for _, tc := range cases {
		exec, sh, reason, err := DerivePolicy(tc.variant, tc.mode)
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.mode, tc.variant, err)
		}
		if !ptrEq(exec, tc.wantExec) || !ptrEq(sh, tc.wantSh) {
			t.Errorf("%s/%s: executed=%v shadow=%v", tc.mode, tc.variant, deref(exec), deref(sh))
		}
		if reason == "" {
			t.Errorf("%s: empty audit reason", tc.mode)
		}
	}

	if _, _, _, err := DerivePolicy("A", "BOGUS"); err == nil {
		t.Error("unknown mode must error")
	}
}

func TestShadowOnlyHappyPath(t *testing.T) {
	store := newMockStore()
	a := &capturingEngine{id: engine.EngineA, decision: approval("long")}
	b := &capturingEngine{id: engine.EngineB, decision: approval("long")}
	o := newTestOrchestrator(store, a, b, ModeShadowOnly)

	outcome, err := o.Process(context.Background(), testSignal(), testContext())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != database.SignalStatusApproved {
		t.Fatalf("expected approved, got %s (%v)", outcome.Status, outcome.RejectionReason)
	}
	if store.policy.ExecutedEngine != nil {
		t.Error("shadow-only: executed engine must be null")
	}
	if store.policy.ShadowEngine == nil {
		t.Error("shadow-only: shadow engine must be the variant")
	}
	if len(store.recommendations) != 2 {
		t.Fatalf("expected 2 recommendations, got %d", len(store.recommendations))
	}
	for _, rec := range store.recommendations {
		if !rec.IsShadow {
			t.Errorf("shadow-only: recommendation for %s must be shadow", rec.Engine)
		}
	}
}

func TestEngineParity(t *testing.T) {
	store := newMockStore()
	a := &capturingEngine{id: engine.EngineA, decision: approval("long")}
	b := &capturingEngine{id: engine.EngineB, decision: approval("long")}
	o := newTestOrchestrator(store, a, b, ModeSplitCapital)

	if _, err := o.Process(context.Background(), testSignal(), testContext()); err != nil {
		t.Fatal(err)
	}

	if a.captured.Signal == b.captured.Signal {
		t.Error("engines must not share the same signal pointer")
	}
	if a.captured.Context == b.captured.Context {
		t.Error("engines must not share the same context pointer")
	}
	if !reflect.DeepEqual(a.captured.Signal, b.captured.Signal) {
		t.Error("engine signals must be structurally equal")
	}
	if !reflect.DeepEqual(a.captured.Context, b.captured.Context) {
		t.Error("engine contexts must be structurally equal")
	}
	if a.captured.Context.ContextHash != b.captured.Context.ContextHash {
		t.Error("context hashes must match")
	}
}

func TestRecommendationConsistency(t *testing.T) {
	store := newMockStore()
	a := &capturingEngine{id: engine.EngineA, decision: approval("long")}
	b := &capturingEngine{id: engine.EngineB, decision: approval("long")}
	o := newTestOrchestrator(store, a, b, ModeEngineAPrimary)

	outcome, err := o.Process(context.Background(), testSignal(), testContext())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != database.SignalStatusApproved {
		t.Fatalf("expected approved, got %s", outcome.Status)
	}
	for _, rec := range store.recommendations {
		wantShadow := rec.Engine != "A"
		if rec.IsShadow != wantShadow {
			t.Errorf("engine %s: is_shadow=%v, want %v", rec.Engine, rec.IsShadow, wantShadow)
		}
	}
}

func TestOneEngineFailureStillSucceeds(t *testing.T) {
	store := newMockStore()
	a := &capturingEngine{id: engine.EngineA, err: errors.New("boom")}
	b := &capturingEngine{id: engine.EngineB, decision: approval("long")}
	o := newTestOrchestrator(store, a, b, ModeEngineBPrimary)

	outcome, err := o.Process(context.Background(), testSignal(), testContext())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != database.SignalStatusApproved {
		t.Fatalf("executed engine B succeeded, expected approved, got %s", outcome.Status)
	}
	if len(store.recommendations) != 1 || store.recommendations[0].Engine != "B" {
		t.Errorf("expected only B's recommendation, got %+v", store.recommendations)
	}
}

func TestBothEnginesFail(t *testing.T) {
	store := newMockStore()
	a := &capturingEngine{id: engine.EngineA, err: errors.New("boom")}
	b := &capturingEngine{id: engine.EngineB, err: errors.New("bust")}
	o := newTestOrchestrator(store, a, b, ModeSplitCapital)

	if _, err := o.Process(context.Background(), testSignal(), testContext()); err == nil {
		t.Fatal("both engines failing must surface an error for retry/rejection")
	}
}

func TestExecutedEngineRejectsSignal(t *testing.T) {
	store := newMockStore()
	a := &capturingEngine{id: engine.EngineA, decision: &engine.Decision{RejectReason: risk.ReasonMacroDriftGuard}}
	b := &capturingEngine{id: engine.EngineB, decision: approval("long")}
	o := newTestOrchestrator(store, a, b, ModeEngineAPrimary)

	outcome, err := o.Process(context.Background(), testSignal(), testContext())
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Status != database.SignalStatusRejected {
		t.Fatalf("executed engine rejected; expected rejected, got %s", outcome.Status)
	}
	if outcome.RejectionReason == nil || *outcome.RejectionReason != risk.ReasonMacroDriftGuard {
		t.Errorf("rejection reason = %v", outcome.RejectionReason)
	}
	// B's shadow recommendation still persists.
	if len(store.recommendations) != 1 || !store.recommendations[0].IsShadow {
		t.Errorf("shadow recommendation must persist: %+v", store.recommendations)
	}
}

func strPtr(s string) *string { return &s }

func ptrEq(a, b *string) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || *a == *b
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
