package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"signal-pipeline/internal/bias"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/errtrack"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/flags"
	"signal-pipeline/internal/logging"
	"signal-pipeline/internal/marketdata"
)

const maxPricingAttempts = 3

// defaultStopFraction of the fill premium when the recommendation carries no
// underlying stop.
const defaultStopFraction = 0.5

// ExecutorStore is the paper-execution persistence surface.
type ExecutorStore interface {
	PendingOrders(ctx context.Context, limit int) ([]*database.Order, error)
	GetRecommendationByID(ctx context.Context, id string) (*database.TradeRecommendation, error)
	BumpOrderAttempt(ctx context.Context, orderID string) error
	FailOrder(ctx context.Context, orderID string) error
	FillOrder(ctx context.Context, order *database.Order, trade *database.Trade, position *database.Position) error
	AppendEventLog(ctx context.Context, eventType string, signalID *string, message string, data interface{}) error
}

// ExecutorMarket prices option contracts.
type ExecutorMarket interface {
	GetOptionQuote(ctx context.Context, optionSymbol string) (*marketdata.Result[*marketdata.OptionQuote], error)
	GetQuote(ctx context.Context, symbol string) (*marketdata.Result[*marketdata.Quote], error)
}

// BiasReader supplies the entry-time bias snapshot stored on the position.
type BiasReader interface {
	Get(symbol string) *bias.UnifiedBiasState
}

// Executor fills pending paper orders at the option mid, falling back to an
// intrinsic-plus-time heuristic when no quote is available.
type Executor struct {
	store  ExecutorStore
	market ExecutorMarket
	biases BiasReader
	flags  FlagReader
	bus    *events.Bus
	errs   *errtrack.Tracker
	batch  int
	poll   time.Duration
	logger *logging.Logger
}

// NewExecutor creates the paper execution worker.
func NewExecutor(store ExecutorStore, market ExecutorMarket, biases BiasReader, fl FlagReader,
	bus *events.Bus, errs *errtrack.Tracker, batch int, poll time.Duration, logger *logging.Logger) *Executor {
	if batch <= 0 {
		batch = 20
	}
	if poll <= 0 {
		poll = 3 * time.Second
	}
	return &Executor{
		store:  store,
		market: market,
		biases: biases,
		flags:  fl,
		bus:    bus,
		errs:   errs,
		batch:  batch,
		poll:   poll,
		logger: logger.WithComponent("executor"),
	}
}

// Run polls for pending orders until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.flags.Enabled(flags.PaperExecutionEnabled) {
				continue
			}
			if err := e.RunOnce(ctx); err != nil {
				e.logger.Error("execution pass failed", "error", err)
				e.errs.RecordErr("executor", err)
			}
		}
	}
}

// RunOnce attempts to fill one batch of pending orders.
func (e *Executor) RunOnce(ctx context.Context) error {
	orders, err := e.store.PendingOrders(ctx, e.batch)
	if err != nil {
		return fmt.Errorf("load pending orders: %w", err)
	}
	for _, order := range orders {
		e.executeOne(ctx, order)
	}
	return nil
}

func (e *Executor) executeOne(ctx context.Context, order *database.Order) {
	log := e.logger.WithSignal(order.SignalID)

	fillPrice, err := e.price(ctx, order)
	if err != nil {
		log.Warn("pricing failed", "order_id", order.ID, "attempt", order.Attempts+1, "error", err)
		e.errs.Record("executor", err.Error(), order.SignalID)

		if order.Attempts+1 >= maxPricingAttempts {
			if failErr := e.store.FailOrder(ctx, order.ID); failErr != nil {
				log.Error("failed to fail order", "order_id", order.ID, "error", failErr)
				return
			}
			_ = e.store.AppendEventLog(ctx, string(events.EventOrderFailed), &order.SignalID,
				"ORDER_PRICING_MISSING", map[string]interface{}{"order_id": order.ID})
			e.bus.Publish(events.Event{
				Type:     events.EventOrderFailed,
				SignalID: order.SignalID,
				Data:     map[string]interface{}{"order_id": order.ID, "reason": "ORDER_PRICING_MISSING"},
			})
			return
		}
		if bumpErr := e.store.BumpOrderAttempt(ctx, order.ID); bumpErr != nil {
			log.Error("failed to bump attempt", "order_id", order.ID, "error", bumpErr)
		}
		return
	}

	rec, err := e.store.GetRecommendationByID(ctx, order.RecommendationID)
	if err != nil {
		log.Error("load recommendation failed", "order_id", order.ID, "error", err)
		return
	}

	now := time.Now().UTC()
	trade := &database.Trade{
		ID:           uuid.New().String(),
		OrderID:      order.ID,
		SignalID:     order.SignalID,
		Symbol:       underlyingOf(order, rec),
		OptionSymbol: order.OptionSymbol,
		FillPrice:    fillPrice,
		Quantity:     order.Quantity,
		Engine:       order.Engine,
		FilledAt:     now,
	}

	position := &database.Position{
		ID:           uuid.New().String(),
		TradeID:      trade.ID,
		SignalID:     order.SignalID,
		Symbol:       trade.Symbol,
		OptionSymbol: order.OptionSymbol,
		Direction:    directionOf(order, rec),
		StrategyType: bias.IntentBreakout,
		Engine:       order.Engine,
		EntryPrice:   fillPrice,
		CurrentPrice: fillPrice,
		Quantity:     order.Quantity,
		StopDistance: fillPrice * defaultStopFraction,
		Status:       database.PositionStatusOpen,
		EntryAt:      now,
	}
	if state := e.biases.Get(trade.Symbol); state != nil {
		if state.IntentType != "" {
			position.StrategyType = state.IntentType
		}
		if snapshot, err := marshalState(state); err == nil {
			position.EntryState = snapshot
		}
	}

	if err := e.store.FillOrder(ctx, order, trade, position); err != nil {
		// A concurrent pass may have filled it already; the status guard in
		// the transaction makes that a no-op here.
		log.Warn("fill failed", "order_id", order.ID, "error", err)
		e.errs.RecordErr("executor", err)
		return
	}

	log.Info("order filled",
		"order_id", order.ID, "option_symbol", order.OptionSymbol,
		"fill_price", fillPrice, "quantity", order.Quantity)
	e.bus.PublishOrderFilled(order.SignalID, order.ID, trade.Symbol, fillPrice, order.Quantity)
}

// price resolves the fill premium: option mid first, then intrinsic plus a
// small time-value floor from the underlying quote.
func (e *Executor) price(ctx context.Context, order *database.Order) (float64, error) {
	if quote, err := e.market.GetOptionQuote(ctx, order.OptionSymbol); err == nil {
		if mid := quote.Value.Mid(); mid > 0 {
			return mid, nil
		}
	}

	underlying, err := e.market.GetQuote(ctx, underlyingOf(order, nil))
	if err != nil {
		return 0, fmt.Errorf("no option quote and no underlying quote for %s: %w", order.OptionSymbol, err)
	}

	spot := underlying.Value.Price
	intrinsic := spot - order.Strike
	if order.OptionType == "put" {
		intrinsic = order.Strike - spot
	}
	if intrinsic < 0 {
		intrinsic = 0
	}
	// Rough time value: 0.5% of spot per week to expiry, floored at one tick.
	weeks := time.Until(order.Expiration).Hours() / (24 * 7)
	timeValue := math.Max(spot*0.005*math.Max(weeks, 0), 0.05)
	return intrinsic + timeValue, nil
}

func marshalState(state *bias.UnifiedBiasState) (json.RawMessage, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// underlyingOf strips the OCC suffix using the order's own fields.
func underlyingOf(order *database.Order, rec *database.TradeRecommendation) string {
	if rec != nil {
		return rec.Symbol
	}
	// OCC suffix is always 15 characters: yymmdd + C/P + 8-digit strike.
	if len(order.OptionSymbol) > 15 {
		return order.OptionSymbol[:len(order.OptionSymbol)-15]
	}
	return order.OptionSymbol
}

func directionOf(order *database.Order, rec *database.TradeRecommendation) string {
	if rec != nil {
		return rec.Direction
	}
	if order.OptionType == "put" {
		return "short"
	}
	return "long"
}
