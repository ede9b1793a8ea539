package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"signal-pipeline/internal/bias"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/errtrack"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/marketdata"
	"signal-pipeline/internal/risk"
)

// Exit reasons written to closed positions.
const (
	exitReasonStopHit       = "STOP_HIT"
	exitReasonPartialClosed = "PARTIAL_THEN_CLOSED"
)

const contractMultiplier = 100

// RefresherStore is the position persistence surface.
type RefresherStore interface {
	OpenPositions(ctx context.Context) ([]*database.Position, error)
	UpdatePositionMark(ctx context.Context, id string, currentPrice, unrealizedPnL float64) error
	ReducePosition(ctx context.Context, id string, newQuantity int, realizedDelta float64) error
	WidenPositionStop(ctx context.Context, id string, newStopDistance float64) error
	TightenPositionStop(ctx context.Context, id string, newStopDistance float64) error
	ClosePosition(ctx context.Context, id, exitReason string, exitAt time.Time, realizedPnL float64) error
}

// RefresherMarket prices held contracts.
type RefresherMarket interface {
	GetOptionQuote(ctx context.Context, optionSymbol string) (*marketdata.Result[*marketdata.OptionQuote], error)
}

// RiskLoader supplies the current risk config per pass.
type RiskLoader interface {
	LoadRisk(ctx context.Context) (risk.Config, error)
}

// Refresher marks open positions to market on a short tick and applies the
// bias-aware exit rules. Hard stops fire here before anything else.
type Refresher struct {
	store    RefresherStore
	market   RefresherMarket
	biases   BiasReader
	loader   RiskLoader
	bus      *events.Bus
	errs     *errtrack.Tracker
	interval time.Duration
	log      zerolog.Logger
}

// NewRefresher creates the position refresh worker.
func NewRefresher(store RefresherStore, market RefresherMarket, biases BiasReader, loader RiskLoader,
	bus *events.Bus, errs *errtrack.Tracker, interval time.Duration, log zerolog.Logger) *Refresher {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Refresher{
		store:    store,
		market:   market,
		biases:   biases,
		loader:   loader,
		bus:      bus,
		errs:     errs,
		interval: interval,
		log:      log.With().Str("component", "refresher").Logger(),
	}
}

// Run refreshes positions until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce marks every open position and evaluates exits.
func (r *Refresher) RunOnce(ctx context.Context) {
	positions, err := r.store.OpenPositions(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("load open positions failed")
		r.errs.RecordErr("refresher", err)
		return
	}

	cfg, err := r.loader.LoadRisk(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("risk config load failed, using defaults")
	}

	for _, pos := range positions {
		r.refreshOne(ctx, pos, cfg)
	}
}

func (r *Refresher) refreshOne(ctx context.Context, pos *database.Position, cfg risk.Config) {
	quote, err := r.market.GetOptionQuote(ctx, pos.OptionSymbol)
	if err != nil {
		r.log.Warn().Err(err).Str("position_id", pos.ID).Msg("no quote for held contract")
		r.errs.Record("refresher", err.Error(), pos.SignalID)
		return
	}
	mark := quote.Value.Mid()
	if mark <= 0 {
		return
	}

	unrealized := (mark - pos.EntryPrice) * float64(pos.Quantity) * contractMultiplier
	if err := r.store.UpdatePositionMark(ctx, pos.ID, mark, unrealized); err != nil {
		r.log.Error().Err(err).Str("position_id", pos.ID).Msg("mark update failed")
		return
	}

	// Hard stop: the premium fell through the stop distance.
	if pos.EntryPrice-mark >= pos.StopDistance {
		r.closePosition(ctx, pos, mark, exitReasonStopHit, nil)
		return
	}

	state := r.biases.Get(pos.Symbol)
	view := risk.PositionView{
		Direction:     pos.Direction,
		StrategyType:  pos.StrategyType,
		EntryPrice:    pos.EntryPrice,
		CurrentPrice:  mark,
		StopDistance:  pos.StopDistance,
		UnrealizedPnL: unrealized,
		EntryAt:       pos.EntryAt,
		EntryState:    entryState(pos),
	}
	if pos.StopDistance > 0 {
		view.RMultiple = (mark - pos.EntryPrice) / pos.StopDistance
	}

	atrExpanding := state != nil && state.ATRState15m == bias.ATRExpanding
	decision := risk.EvaluateExit(view, state, atrExpanding, alignedWithMacro(pos.Direction, state), cfg)

	switch decision.Action {
	case risk.ExitActionFull:
		reason := exitReasonStopHit
		if len(decision.Tags) > 0 {
			reason = decision.Tags[0]
		}
		r.closePosition(ctx, pos, mark, reason, decision.Tags)

	case risk.ExitActionPartial:
		sold := int(float64(pos.Quantity) * decision.PartialPercent)
		if sold < 1 {
			sold = 1
		}
		remaining := pos.Quantity - sold
		realizedDelta := (mark - pos.EntryPrice) * float64(sold) * contractMultiplier
		if remaining <= 0 {
			r.closePositionWithReason(ctx, pos, mark, exitReasonPartialClosed, decision.Tags, pos.RealizedPnL+realizedDelta)
			return
		}
		if err := r.store.ReducePosition(ctx, pos.ID, remaining, realizedDelta); err != nil {
			r.log.Error().Err(err).Str("position_id", pos.ID).Msg("partial exit failed")
			return
		}
		if decision.NewStopDistance > 0 && decision.NewStopDistance < pos.StopDistance {
			_ = r.store.TightenPositionStop(ctx, pos.ID, decision.NewStopDistance)
		}
		r.log.Info().Str("position_id", pos.ID).Int("sold", sold).Int("remaining", remaining).
			Strs("tags", decision.Tags).Msg("partial exit")
		r.bus.PublishExitTriggered(pos.ID, pos.Symbol, decision.Action, decision.Tags)

	case risk.ExitActionAdjust:
		if decision.NewStopDistance <= 0 {
			return
		}
		var err error
		if decision.NewStopDistance > pos.StopDistance {
			err = r.store.WidenPositionStop(ctx, pos.ID, decision.NewStopDistance)
		} else {
			err = r.store.TightenPositionStop(ctx, pos.ID, decision.NewStopDistance)
		}
		if err != nil {
			r.log.Error().Err(err).Str("position_id", pos.ID).Msg("stop adjustment failed")
			return
		}
		r.log.Info().Str("position_id", pos.ID).
			Float64("stop_distance", decision.NewStopDistance).Bool("trailing", decision.Trailing).
			Strs("tags", decision.Tags).Msg("stop adjusted")
		r.bus.PublishExitTriggered(pos.ID, pos.Symbol, decision.Action, decision.Tags)
	}
}

func (r *Refresher) closePosition(ctx context.Context, pos *database.Position, mark float64, reason string, tags []string) {
	realized := pos.RealizedPnL + (mark-pos.EntryPrice)*float64(pos.Quantity)*contractMultiplier
	r.closePositionWithReason(ctx, pos, mark, reason, tags, realized)
}

func (r *Refresher) closePositionWithReason(ctx context.Context, pos *database.Position, mark float64,
	reason string, tags []string, realized float64) {
	if err := r.store.ClosePosition(ctx, pos.ID, reason, time.Now().UTC(), realized); err != nil {
		r.log.Error().Err(err).Str("position_id", pos.ID).Msg("close failed")
		return
	}
	r.log.Info().Str("position_id", pos.ID).Str("reason", reason).
		Float64("exit_price", mark).Float64("realized_pnl", realized).Msg("position closed")
	r.bus.Publish(events.Event{
		Type:     events.EventPositionClosed,
		SignalID: pos.SignalID,
		Data: map[string]interface{}{
			"position_id":  pos.ID,
			"symbol":       pos.Symbol,
			"exit_reason":  reason,
			"realized_pnl": realized,
			"tags":         tags,
		},
	})
}

func entryState(pos *database.Position) *bias.UnifiedBiasState {
	if len(pos.EntryState) == 0 {
		return nil
	}
	var state bias.UnifiedBiasState
	if err := json.Unmarshal(pos.EntryState, &state); err != nil {
		return nil
	}
	return &state
}

func alignedWithMacro(direction string, state *bias.UnifiedBiasState) bool {
	if state == nil {
		return false
	}
	switch state.MacroClass {
	case bias.MacroTrendUp, bias.MacroBreakoutConfirmed:
		return direction == "long"
	case bias.MacroTrendDown, bias.MacroBreakdownConfirmed:
		return direction == "short"
	}
	return false
}
