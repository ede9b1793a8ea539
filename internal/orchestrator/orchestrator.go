package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"signal-pipeline/internal/bias"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/engine"
	"signal-pipeline/internal/logging"
	"signal-pipeline/internal/risk"
)

// Store is the persistence surface the orchestrator needs.
type Store interface {
	PersistDecision(ctx context.Context, experiment *database.Experiment, policy *database.ExecutionPolicy,
		marketCtx *database.MarketContext, recommendations []*database.TradeRecommendation) error
	SaveEnrichedSignal(ctx context.Context, signalID string, biasState interface{}) error
	OpenPositions(ctx context.Context) ([]*database.Position, error)
}

// BiasSource provides the latest resolved state per symbol.
type BiasSource interface {
	Get(symbol string) *bias.UnifiedBiasState
}

// Config holds the orchestrator's operating parameters.
type Config struct {
	ExecutionMode   string
	SplitPercentage float64
	PolicyVersion   string
	AccountSize     float64
	BaseRiskPercent float64
}

// Outcome is what the orchestrator reports back to the signal processor.
type Outcome struct {
	ExperimentID    string
	Status          string // database.SignalStatusApproved | Rejected
	RejectionReason *string
}

// Orchestrator coordinates experiment assignment, policy derivation, engine
// invocation, and atomic persistence for one signal at a time.
type Orchestrator struct {
	store    Store
	biases   BiasSource
	loader   *risk.Loader
	engineA  engine.Invoker
	engineB  engine.Invoker
	assigner Assigner
	cfg      Config
	logger   *logging.Logger
}

// New creates an orchestrator.
func New(store Store, biases BiasSource, loader *risk.Loader, a, b engine.Invoker, cfg Config, logger *logging.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		biases:   biases,
		loader:   loader,
		engineA:  a,
		engineB:  b,
		assigner: Assigner{SplitPercentage: cfg.SplitPercentage, PolicyVersion: cfg.PolicyVersion},
		cfg:      cfg,
		logger:   logger.WithComponent("orchestrator"),
	}
}

// Assigner exposes the variant assigner, used by the ingestor for its hint.
func (o *Orchestrator) Assigner() Assigner { return o.assigner }

// Process runs the full decision path for one claimed signal. The experiment,
// policy, context snapshot and recommendations land in one transaction; a
// concurrent duplicate attempt fails on the unique signal constraint.
func (o *Orchestrator) Process(ctx context.Context, signal *database.Signal, marketCtx *database.MarketContext) (*Outcome, error) {
	log := o.logger.WithSignal(signal.ID)

	variant, assignmentHash := o.assigner.Assign(signal.SignalHash)
	executed, shadow, reason, err := DerivePolicy(variant, o.cfg.ExecutionMode)
	if err != nil {
		return nil, err
	}

	state := o.biases.Get(signal.Symbol)
	if state != nil {
		if err := o.store.SaveEnrichedSignal(ctx, signal.ID, state); err != nil {
			log.Warn("failed to save enrichment snapshot", "error", err)
		}
	}

	riskCfg, err := o.loader.LoadRisk(ctx)
	if err != nil {
		log.Warn("risk config load failed, using defaults", "error", err)
	}
	openPositions, err := o.openPositionViews(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}

	// Each engine gets its own deep copy; neither can observe the other's
	// mutations.
	decisionA, errA := o.invoke(ctx, o.engineA, signal, marketCtx, state, openPositions, riskCfg)
	decisionB, errB := o.invoke(ctx, o.engineB, signal, marketCtx, state, openPositions, riskCfg)
	if errA != nil && errB != nil {
		return nil, fmt.Errorf("engines_failed: A: %v; B: %v", errA, errB)
	}
	if errA != nil {
		log.Warn("engine A failed", "error", errA)
		decisionA = &engine.Decision{RejectReason: "ENGINE_FAILED"}
	}
	if errB != nil {
		log.Warn("engine B failed", "error", errB)
		decisionB = &engine.Decision{RejectReason: "ENGINE_FAILED"}
	}

	experiment := &database.Experiment{
		ID:              uuid.New().String(),
		SignalID:        signal.ID,
		Variant:         variant,
		AssignmentHash:  assignmentHash,
		SplitPercentage: o.cfg.SplitPercentage,
		PolicyVersion:   o.cfg.PolicyVersion,
	}
	policy := &database.ExecutionPolicy{
		ID:             uuid.New().String(),
		ExperimentID:   experiment.ID,
		ExecutionMode:  o.cfg.ExecutionMode,
		ExecutedEngine: executed,
		ShadowEngine:   shadow,
		Reason:         reason,
	}

	recommendations := make([]*database.TradeRecommendation, 0, 2)
	for _, pair := range []struct {
		eng string
		dec *engine.Decision
	}{
		{string(engine.EngineA), decisionA},
		{string(engine.EngineB), decisionB},
	} {
		if pair.dec == nil || pair.dec.Recommendation == nil {
			continue
		}
		rec := pair.dec.Recommendation
		reasoning := rec.Reasoning
		recommendations = append(recommendations, &database.TradeRecommendation{
			ID:             uuid.New().String(),
			ExperimentID:   experiment.ID,
			Engine:         pair.eng,
			Symbol:         signal.Symbol,
			Direction:      rec.Direction,
			OptionType:     rec.OptionType,
			Strike:         rec.Strike,
			Expiration:     rec.Expiration,
			Quantity:       rec.Quantity,
			EntryPrice:     rec.EntryPrice,
			StopLoss:       rec.StopLoss,
			TakeProfit:     rec.TakeProfit,
			SizeMultiplier: rec.SizeMultiplier,
			IsShadow:       isShadowFor(pair.eng, executed),
			Reasoning:      &reasoning,
		})
	}

	if err := o.store.PersistDecision(ctx, experiment, policy, marketCtx, recommendations); err != nil {
		return nil, fmt.Errorf("persist decision: %w", err)
	}

	outcome := &Outcome{ExperimentID: experiment.ID, Status: database.SignalStatusApproved}
	decider := o.decidingDecision(executed, shadow, decisionA, decisionB)
	if decider == nil || decider.Recommendation == nil {
		outcome.Status = database.SignalStatusRejected
		reason := "engines_failed"
		if decider != nil && decider.RejectReason != "" {
			reason = decider.RejectReason
		}
		outcome.RejectionReason = &reason
	}

	log.Info("signal orchestrated",
		"variant", variant, "mode", o.cfg.ExecutionMode,
		"status", outcome.Status, "recommendations", len(recommendations))
	return outcome, nil
}

// decidingDecision picks the decision that determines the signal's status:
// the executed engine's, or in shadow-only mode the shadow engine's.
func (o *Orchestrator) decidingDecision(executed, shadow *string, a, b *engine.Decision) *engine.Decision {
	pick := func(name *string) *engine.Decision {
		if name == nil {
			return nil
		}
		if *name == string(engine.EngineA) {
			return a
		}
		return b
	}
	if executed != nil {
		return pick(executed)
	}
	return pick(shadow)
}

func (o *Orchestrator) invoke(ctx context.Context, inv engine.Invoker, signal *database.Signal,
	marketCtx *database.MarketContext, state *bias.UnifiedBiasState,
	open []risk.OpenPosition, riskCfg risk.Config) (*engine.Decision, error) {

	in := &engine.Input{
		Signal:          copySignal(signal),
		Context:         copyContext(marketCtx),
		State:           state.Clone(),
		OpenPositions:   append([]risk.OpenPosition(nil), open...),
		AccountSize:     o.cfg.AccountSize,
		BaseRiskPercent: o.cfg.BaseRiskPercent,
		RiskConfig:      riskCfg,
	}
	return inv.Evaluate(ctx, in)
}

func copySignal(s *database.Signal) *database.Signal {
	cp := *s
	cp.RawPayload = append(json.RawMessage(nil), s.RawPayload...)
	return &cp
}

func copyContext(c *database.MarketContext) *database.MarketContext {
	cp := *c
	if c.Indicators != nil {
		cp.Indicators = make(map[string]float64, len(c.Indicators))
		for k, v := range c.Indicators {
			cp.Indicators[k] = v
		}
	}
	return &cp
}

// openPositionViews converts stored positions to the guard's view, reading
// the entry-time macro class from the entry state snapshot.
func (o *Orchestrator) openPositionViews(ctx context.Context) ([]risk.OpenPosition, error) {
	positions, err := o.store.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]risk.OpenPosition, 0, len(positions))
	for _, p := range positions {
		view := risk.OpenPosition{Symbol: p.Symbol, Direction: p.Direction}
		if len(p.EntryState) > 0 {
			var entryState struct {
				MacroClass string `json:"macroClass"`
			}
			if err := json.Unmarshal(p.EntryState, &entryState); err == nil {
				view.MacroClass = entryState.MacroClass
			}
		}
		views = append(views, view)
	}
	return views, nil
}
