package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"signal-pipeline/internal/bias"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/errtrack"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/logging"
	"signal-pipeline/internal/marketdata"
)

type mockExecStore struct {
	orders   []*database.Order
	rec      *database.TradeRecommendation
	bumped   []string
	failed   []string
	fills    []*database.Position
	fillErr  error
	logTypes []string
}

func (m *mockExecStore) PendingOrders(_ context.Context, _ int) ([]*database.Order, error) {
	return m.orders, nil
}

func (m *mockExecStore) GetRecommendationByID(_ context.Context, _ string) (*database.TradeRecommendation, error) {
	return m.rec, nil
}

func (m *mockExecStore) BumpOrderAttempt(_ context.Context, orderID string) error {
	m.bumped = append(m.bumped, orderID)
	return nil
}

func (m *mockExecStore) FailOrder(_ context.Context, orderID string) error {
	m.failed = append(m.failed, orderID)
	return nil
}

func (m *mockExecStore) FillOrder(_ context.Context, _ *database.Order, _ *database.Trade, position *database.Position) error {
	if m.fillErr != nil {
		return m.fillErr
	}
	m.fills = append(m.fills, position)
	return nil
}

func (m *mockExecStore) AppendEventLog(_ context.Context, eventType string, _ *string, _ string, _ interface{}) error {
	m.logTypes = append(m.logTypes, eventType)
	return nil
}

type mockExecMarket struct {
	optionQuote *marketdata.OptionQuote
	optionErr   error
	quote       *marketdata.Quote
	quoteErr    error
}

func (m *mockExecMarket) GetOptionQuote(_ context.Context, _ string) (*marketdata.Result[*marketdata.OptionQuote], error) {
	if m.optionErr != nil {
		return nil, m.optionErr
	}
	return &marketdata.Result[*marketdata.OptionQuote]{Value: m.optionQuote}, nil
}

func (m *mockExecMarket) GetQuote(_ context.Context, _ string) (*marketdata.Result[*marketdata.Quote], error) {
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	return &marketdata.Result[*marketdata.Quote]{Value: m.quote}, nil
}

type fixedBias struct{ state *bias.UnifiedBiasState }

func (f fixedBias) Get(string) *bias.UnifiedBiasState { return f.state }

func pendingOrder(attempts int) *database.Order {
	return &database.Order{
		ID: "ord-1", SignalID: "sig-1", RecommendationID: "rec-1",
		OptionSymbol: "SPY250117C00471000", Strike: 471, OptionType: "call",
		Expiration: time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC),
		Quantity:   2, Status: database.OrderStatusPendingExecution, Engine: "A",
		Attempts: attempts,
	}
}

func testExecutor(store *mockExecStore, market *mockExecMarket, state *bias.UnifiedBiasState) *Executor {
	return NewExecutor(store, market, fixedBias{state}, allFlags{},
		events.NewBus(), errtrack.New(10), 10, time.Second, logging.Default())
}

func TestExecutorFillsAtOptionMid(t *testing.T) {
	store := &mockExecStore{
		orders: []*database.Order{pendingOrder(0)},
		rec:    &database.TradeRecommendation{ID: "rec-1", Symbol: "SPY", Direction: "long"},
	}
	market := &mockExecMarket{optionQuote: &marketdata.OptionQuote{Bid: 1.00, Ask: 1.10}}
	state := &bias.UnifiedBiasState{Symbol: "SPY", IntentType: bias.IntentBreakout}

	if err := testExecutor(store, market, state).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(store.fills))
	}
	pos := store.fills[0]
	if pos.EntryPrice != 1.05 {
		t.Errorf("entry price = %v, want mid 1.05", pos.EntryPrice)
	}
	if pos.StrategyType != bias.IntentBreakout {
		t.Errorf("strategy type = %q, want entry intent", pos.StrategyType)
	}
	if len(pos.EntryState) == 0 {
		t.Error("position must snapshot the entry bias state")
	}
	if pos.StopDistance != 1.05*defaultStopFraction {
		t.Errorf("stop distance = %v", pos.StopDistance)
	}
}

func TestExecutorDefaultsStrategyTypeWithoutBiasState(t *testing.T) {
	store := &mockExecStore{
		orders: []*database.Order{pendingOrder(0)},
		rec:    &database.TradeRecommendation{ID: "rec-1", Symbol: "SPY", Direction: "long"},
	}
	market := &mockExecMarket{optionQuote: &marketdata.OptionQuote{Bid: 1.00, Ask: 1.10}}

	if err := testExecutor(store, market, nil).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(store.fills))
	}
	pos := store.fills[0]
	if pos.StrategyType != bias.IntentBreakout {
		t.Errorf("strategy type = %q, want the breakout default", pos.StrategyType)
	}
	if len(pos.EntryState) != 0 {
		t.Error("no bias state must leave the entry snapshot empty")
	}
}

func TestExecutorFallsBackToIntrinsicPlusTime(t *testing.T) {
	store := &mockExecStore{
		orders: []*database.Order{pendingOrder(0)},
		rec:    &database.TradeRecommendation{ID: "rec-1", Symbol: "SPY", Direction: "long"},
	}
	market := &mockExecMarket{
		optionErr: errors.New("no option quote"),
		quote:     &marketdata.Quote{Symbol: "SPY", Price: 473.50},
	}

	if err := testExecutor(store, market, nil).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(store.fills))
	}
	// Intrinsic 473.50 - 471 = 2.50 plus a positive time value.
	if got := store.fills[0].EntryPrice; got <= 2.50 {
		t.Errorf("heuristic price = %v, want > intrinsic 2.50", got)
	}
}

func TestExecutorExhaustedPricingFailsOrder(t *testing.T) {
	store := &mockExecStore{orders: []*database.Order{pendingOrder(2)}}
	market := &mockExecMarket{
		optionErr: errors.New("no option quote"),
		quoteErr:  errors.New("no underlying quote"),
	}

	if err := testExecutor(store, market, nil).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.failed) != 1 {
		t.Fatal("order must be failed after exhausted pricing attempts")
	}
	if len(store.logTypes) == 0 || store.logTypes[0] != string(events.EventOrderFailed) {
		t.Error("failure must be written to the event log")
	}
}

func TestExecutorBumpsAttemptOnTransientFailure(t *testing.T) {
	store := &mockExecStore{orders: []*database.Order{pendingOrder(0)}}
	market := &mockExecMarket{
		optionErr: errors.New("no option quote"),
		quoteErr:  errors.New("no underlying quote"),
	}

	if err := testExecutor(store, market, nil).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.bumped) != 1 {
		t.Error("first pricing failure must bump the attempt counter")
	}
	if len(store.failed) != 0 {
		t.Error("order must not be failed before attempts run out")
	}
}

func TestOptionSymbolFormat(t *testing.T) {
	exp := time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		symbol string
		typ    string
		strike float64
		want   string
	}{
		{"SPY", "call", 471, "SPY250117C00471000"},
		{"SPY", "put", 470.5, "SPY250117P00470500"},
		{"QQQ", "call", 512, "QQQ250117C00512000"},
	}
	for _, tc := range cases {
		if got := OptionSymbol(tc.symbol, exp, tc.typ, tc.strike); got != tc.want {
			t.Errorf("OptionSymbol(%s %s %.1f) = %s, want %s", tc.symbol, tc.typ, tc.strike, got, tc.want)
		}
	}
}

func TestUnderlyingOfStripsOCCSuffix(t *testing.T) {
	order := pendingOrder(0)
	if got := underlyingOf(order, nil); got != "SPY" {
		t.Errorf("underlying = %q, want SPY", got)
	}
	if !strings.HasPrefix(order.OptionSymbol, "SPY") {
		t.Fatal("fixture broken")
	}
}
