package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PersistDecision writes the experiment, its execution policy, the market
// context snapshot, and 0-2 recommendations in one transaction. A concurrent
// worker retrying the same signal hits the unique signal_id index and fails
// the whole transaction rather than double-writing.
func (r *Repository) PersistDecision(
	ctx context.Context,
	experiment *Experiment,
	policy *ExecutionPolicy,
	marketCtx *MarketContext,
	recommendations []*TradeRecommendation,
) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO experiments (id, signal_id, variant, assignment_hash, split_percentage, policy_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, experiment.ID, experiment.SignalID, experiment.Variant, experiment.AssignmentHash,
		experiment.SplitPercentage, experiment.PolicyVersion,
	).Scan(&experiment.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO execution_policies (id, experiment_id, execution_mode, executed_engine, shadow_engine, reason)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, policy.ID, policy.ExperimentID, policy.ExecutionMode, policy.ExecutedEngine, policy.ShadowEngine, policy.Reason,
	).Scan(&policy.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert execution policy: %w", err)
	}

	indicators, err := json.Marshal(marketCtx.Indicators)
	if err != nil {
		return fmt.Errorf("marshal indicators: %w", err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO market_contexts (id, signal_id, snapshot_at, symbol, current_price, bid, ask, volume,
			indicators, gamma_regime, zero_gamma_level, distance_atr, context_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`, marketCtx.ID, marketCtx.SignalID, marketCtx.SnapshotAt, marketCtx.Symbol,
		marketCtx.CurrentPrice, marketCtx.Bid, marketCtx.Ask, marketCtx.Volume,
		indicators, marketCtx.GammaRegime, marketCtx.ZeroGammaLevel, marketCtx.DistanceATR, marketCtx.ContextHash,
	).Scan(&marketCtx.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert market context: %w", err)
	}

	for _, rec := range recommendations {
		err = tx.QueryRow(ctx, `
			INSERT INTO decision_recommendations (id, experiment_id, engine, symbol, direction, option_type,
				strike, expiration, quantity, entry_price, stop_loss, take_profit, size_multiplier, is_shadow, reasoning)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			RETURNING created_at
		`, rec.ID, rec.ExperimentID, rec.Engine, rec.Symbol, rec.Direction, rec.OptionType,
			rec.Strike, rec.Expiration, rec.Quantity, rec.EntryPrice, rec.StopLoss, rec.TakeProfit,
			rec.SizeMultiplier, rec.IsShadow, rec.Reasoning,
		).Scan(&rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert recommendation for engine %s: %w", rec.Engine, err)
		}
	}

	return tx.Commit(ctx)
}

// GetExperimentBySignal returns the experiment for a signal, or nil.
func (r *Repository) GetExperimentBySignal(ctx context.Context, signalID string) (*Experiment, error) {
	e := &Experiment{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, signal_id, variant, assignment_hash, split_percentage, policy_version, created_at
		FROM experiments WHERE signal_id = $1
	`, signalID).Scan(&e.ID, &e.SignalID, &e.Variant, &e.AssignmentHash, &e.SplitPercentage, &e.PolicyVersion, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetExperimentByID returns an experiment by ID, or nil.
func (r *Repository) GetExperimentByID(ctx context.Context, id string) (*Experiment, error) {
	e := &Experiment{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, signal_id, variant, assignment_hash, split_percentage, policy_version, created_at
		FROM experiments WHERE id = $1
	`, id).Scan(&e.ID, &e.SignalID, &e.Variant, &e.AssignmentHash, &e.SplitPercentage, &e.PolicyVersion, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// GetPolicyByExperiment returns the execution policy for an experiment.
func (r *Repository) GetPolicyByExperiment(ctx context.Context, experimentID string) (*ExecutionPolicy, error) {
	p := &ExecutionPolicy{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, experiment_id, execution_mode, executed_engine, shadow_engine, reason, created_at
		FROM execution_policies WHERE experiment_id = $1
	`, experimentID).Scan(&p.ID, &p.ExperimentID, &p.ExecutionMode, &p.ExecutedEngine, &p.ShadowEngine, &p.Reason, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

const recommendationColumns = `id, experiment_id, engine, symbol, direction, option_type, strike, expiration,
	quantity, entry_price, stop_loss, take_profit, size_multiplier, is_shadow, reasoning, created_at`

func scanRecommendation(row pgx.Row) (*TradeRecommendation, error) {
	rec := &TradeRecommendation{}
	err := row.Scan(&rec.ID, &rec.ExperimentID, &rec.Engine, &rec.Symbol, &rec.Direction, &rec.OptionType,
		&rec.Strike, &rec.Expiration, &rec.Quantity, &rec.EntryPrice, &rec.StopLoss, &rec.TakeProfit,
		&rec.SizeMultiplier, &rec.IsShadow, &rec.Reasoning, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetRecommendationsByExperiment returns the recommendations for an experiment.
func (r *Repository) GetRecommendationsByExperiment(ctx context.Context, experimentID string) ([]*TradeRecommendation, error) {
	query := fmt.Sprintf(`SELECT %s FROM decision_recommendations WHERE experiment_id = $1 ORDER BY engine`, recommendationColumns)
	rows, err := r.db.Pool.Query(ctx, query, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*TradeRecommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetRecommendationByID returns a recommendation by ID, or nil.
func (r *Repository) GetRecommendationByID(ctx context.Context, id string) (*TradeRecommendation, error) {
	query := fmt.Sprintf(`SELECT %s FROM decision_recommendations WHERE id = $1`, recommendationColumns)
	rec, err := scanRecommendation(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// PendingLiveRecommendations returns non-shadow recommendations that have no
// order yet, oldest first.
func (r *Repository) PendingLiveRecommendations(ctx context.Context, limit int) ([]*TradeRecommendation, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM decision_recommendations
		WHERE is_shadow = FALSE
		  AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.recommendation_id = decision_recommendations.id)
		ORDER BY created_at ASC
		LIMIT $1
	`, recommendationColumns)
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*TradeRecommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// GetMarketContextBySignal returns the snapshot captured for a signal.
func (r *Repository) GetMarketContextBySignal(ctx context.Context, signalID string) (*MarketContext, error) {
	mc := &MarketContext{}
	var indicators []byte
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, signal_id, snapshot_at, symbol, current_price, bid, ask, volume,
		       indicators, gamma_regime, zero_gamma_level, distance_atr, context_hash, created_at
		FROM market_contexts WHERE signal_id = $1
	`, signalID).Scan(&mc.ID, &mc.SignalID, &mc.SnapshotAt, &mc.Symbol, &mc.CurrentPrice, &mc.Bid, &mc.Ask,
		&mc.Volume, &indicators, &mc.GammaRegime, &mc.ZeroGammaLevel, &mc.DistanceATR, &mc.ContextHash, &mc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(indicators, &mc.Indicators); err != nil {
		return nil, fmt.Errorf("unmarshal indicators: %w", err)
	}
	return mc, nil
}
