package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const positionColumns = `id, trade_id, signal_id, symbol, option_symbol, direction, strategy_type, engine,
	entry_price, current_price, quantity, stop_distance, unrealized_pnl, realized_pnl,
	status, entry_state, entry_at, exit_at, exit_reason, created_at, updated_at`

func scanPosition(row pgx.Row) (*Position, error) {
	p := &Position{}
	err := row.Scan(&p.ID, &p.TradeID, &p.SignalID, &p.Symbol, &p.OptionSymbol, &p.Direction,
		&p.StrategyType, &p.Engine, &p.EntryPrice, &p.CurrentPrice, &p.Quantity, &p.StopDistance,
		&p.UnrealizedPnL, &p.RealizedPnL, &p.Status, &p.EntryState, &p.EntryAt, &p.ExitAt,
		&p.ExitReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPositionByID returns a position by ID, or nil.
func (r *Repository) GetPositionByID(ctx context.Context, id string) (*Position, error) {
	query := fmt.Sprintf(`SELECT %s FROM refactored_positions WHERE id = $1`, positionColumns)
	p, err := scanPosition(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// OpenPositions returns all positions not yet closed.
func (r *Repository) OpenPositions(ctx context.Context) ([]*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM refactored_positions WHERE status != $1 ORDER BY entry_at ASC
	`, positionColumns)
	rows, err := r.db.Pool.Query(ctx, query, PositionStatusClosed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// OpenPositionsForSymbol returns open positions on a symbol, used by the
// portfolio guard for exposure checks.
func (r *Repository) OpenPositionsForSymbol(ctx context.Context, symbol string) ([]*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM refactored_positions WHERE symbol = $1 AND status != $2 ORDER BY entry_at ASC
	`, positionColumns)
	rows, err := r.db.Pool.Query(ctx, query, symbol, PositionStatusClosed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// UpdatePositionMark refreshes the current price and unrealized PnL.
func (r *Repository) UpdatePositionMark(ctx context.Context, id string, currentPrice, unrealizedPnL float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE refactored_positions
		SET current_price = $2, unrealized_pnl = $3, updated_at = NOW()
		WHERE id = $1
	`, id, currentPrice, unrealizedPnL)
	return err
}

// ReducePosition applies a partial exit: quantity shrinks and realized PnL
// accumulates.
func (r *Repository) ReducePosition(ctx context.Context, id string, newQuantity int, realizedDelta float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE refactored_positions
		SET quantity = $2, realized_pnl = realized_pnl + $3, updated_at = NOW()
		WHERE id = $1
	`, id, newQuantity, realizedDelta)
	return err
}

// WidenPositionStop moves the stop distance out. The guard keeps a stale
// widen from loosening a stop another pass already tightened past it.
func (r *Repository) WidenPositionStop(ctx context.Context, id string, newStopDistance float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE refactored_positions
		SET stop_distance = $2, updated_at = NOW()
		WHERE id = $1 AND stop_distance < $2
	`, id, newStopDistance)
	return err
}

// TightenPositionStop moves the stop distance in. The guard keeps a
// concurrent widen from being undone by a stale tighten.
func (r *Repository) TightenPositionStop(ctx context.Context, id string, newStopDistance float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE refactored_positions
		SET stop_distance = $2, updated_at = NOW()
		WHERE id = $1 AND stop_distance > $2
	`, id, newStopDistance)
	return err
}

// ClosePosition finalizes a position with its exit reason and realized PnL.
func (r *Repository) ClosePosition(ctx context.Context, id, exitReason string, exitAt time.Time, realizedPnL float64) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE refactored_positions
		SET status = $2, exit_reason = $3, exit_at = $4,
		    realized_pnl = $5, unrealized_pnl = 0, updated_at = NOW()
		WHERE id = $1 AND status != $2
	`, id, PositionStatusClosed, exitReason, exitAt, realizedPnL)
	return err
}

// GetPositionsForSignal returns the positions opened from a signal.
func (r *Repository) GetPositionsForSignal(ctx context.Context, signalID string) ([]*Position, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM refactored_positions WHERE signal_id = $1 ORDER BY entry_at
	`, positionColumns)
	rows, err := r.db.Pool.Query(ctx, query, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
