package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/errtrack"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/flags"
	"signal-pipeline/internal/logging"
)

// OrderStore is the order-creation persistence surface.
type OrderStore interface {
	PendingLiveRecommendations(ctx context.Context, limit int) ([]*database.TradeRecommendation, error)
	GetExperimentByID(ctx context.Context, id string) (*database.Experiment, error)
	CreateOrder(ctx context.Context, o *database.Order) error
}

// OrderCreator converts live (non-shadow) recommendations into paper orders.
// The unique recommendation index makes a rerun after a crash idempotent.
type OrderCreator struct {
	store  OrderStore
	flags  FlagReader
	bus    *events.Bus
	errs   *errtrack.Tracker
	batch  int
	poll   time.Duration
	logger *logging.Logger
}

// NewOrderCreator creates the order creation worker.
func NewOrderCreator(store OrderStore, fl FlagReader, bus *events.Bus, errs *errtrack.Tracker,
	batch int, poll time.Duration, logger *logging.Logger) *OrderCreator {
	if batch <= 0 {
		batch = 20
	}
	if poll <= 0 {
		poll = 3 * time.Second
	}
	return &OrderCreator{
		store:  store,
		flags:  fl,
		bus:    bus,
		errs:   errs,
		batch:  batch,
		poll:   poll,
		logger: logger.WithComponent("order_creator"),
	}
}

// Run polls for live recommendations until ctx is cancelled.
func (c *OrderCreator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.flags.Enabled(flags.OrderCreationEnabled) {
				continue
			}
			if err := c.RunOnce(ctx); err != nil {
				c.logger.Error("order creation pass failed", "error", err)
				c.errs.RecordErr("order_creator", err)
			}
		}
	}
}

// RunOnce creates orders for one batch of live recommendations.
func (c *OrderCreator) RunOnce(ctx context.Context) error {
	recs, err := c.store.PendingLiveRecommendations(ctx, c.batch)
	if err != nil {
		return fmt.Errorf("load pending recommendations: %w", err)
	}

	for _, rec := range recs {
		experiment, err := c.store.GetExperimentByID(ctx, rec.ExperimentID)
		if err != nil {
			c.errs.RecordErr("order_creator", err)
			continue
		}
		if experiment == nil {
			c.logger.Error("recommendation without experiment", "recommendation_id", rec.ID)
			continue
		}

		order := &database.Order{
			ID:               uuid.New().String(),
			SignalID:         experiment.SignalID,
			RecommendationID: rec.ID,
			OptionSymbol:     OptionSymbol(rec.Symbol, rec.Expiration, rec.OptionType, rec.Strike),
			Strike:           rec.Strike,
			Expiration:       rec.Expiration,
			OptionType:       rec.OptionType,
			Quantity:         rec.Quantity,
			OrderType:        "market",
			Status:           database.OrderStatusPendingExecution,
			Engine:           rec.Engine,
		}
		if err := c.store.CreateOrder(ctx, order); err != nil {
			// A unique violation here means another pass already created the
			// order; anything else is a real failure.
			c.logger.Warn("order insert failed", "recommendation_id", rec.ID, "error", err)
			c.errs.RecordErr("order_creator", err)
			continue
		}

		c.logger.Info("order created",
			"order_id", order.ID, "option_symbol", order.OptionSymbol,
			"engine", order.Engine, "quantity", order.Quantity)
		c.bus.Publish(events.Event{
			Type:     events.EventOrderCreated,
			SignalID: order.SignalID,
			Data: map[string]interface{}{
				"order_id":      order.ID,
				"option_symbol": order.OptionSymbol,
				"engine":        order.Engine,
			},
		})
	}
	return nil
}

// OptionSymbol renders the OCC contract symbol: underlying, yymmdd expiry,
// C/P, strike in thousandths padded to eight digits.
func OptionSymbol(symbol string, expiration time.Time, optionType string, strike float64) string {
	cp := "C"
	if optionType == "put" {
		cp = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", symbol, expiration.UTC().Format("060102"), cp, int(strike*1000+0.5))
}
