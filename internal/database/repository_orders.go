package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const orderColumns = `id, signal_id, recommendation_id, option_symbol, strike, expiration, option_type,
	quantity, order_type, status, engine, attempts, created_at, updated_at, filled_at`

func scanOrder(row pgx.Row) (*Order, error) {
	o := &Order{}
	err := row.Scan(&o.ID, &o.SignalID, &o.RecommendationID, &o.OptionSymbol, &o.Strike, &o.Expiration,
		&o.OptionType, &o.Quantity, &o.OrderType, &o.Status, &o.Engine, &o.Attempts,
		&o.CreatedAt, &o.UpdatedAt, &o.FilledAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// CreateOrder inserts a paper order. The unique index on recommendation_id
// makes order creation idempotent per recommendation.
func (r *Repository) CreateOrder(ctx context.Context, o *Order) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO orders (id, signal_id, recommendation_id, option_symbol, strike, expiration,
			option_type, quantity, order_type, status, engine)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, o.ID, o.SignalID, o.RecommendationID, o.OptionSymbol, o.Strike, o.Expiration,
		o.OptionType, o.Quantity, o.OrderType, o.Status, o.Engine,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrderByID returns an order by ID, or nil.
func (r *Repository) GetOrderByID(ctx context.Context, id string) (*Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE id = $1`, orderColumns)
	o, err := scanOrder(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// PendingOrders returns orders awaiting execution, oldest first.
func (r *Repository) PendingOrders(ctx context.Context, limit int) ([]*Order, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM orders WHERE status = $1 ORDER BY created_at ASC LIMIT $2
	`, orderColumns)
	rows, err := r.db.Pool.Query(ctx, query, OrderStatusPendingExecution, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// GetOrdersForSignal returns all orders created for a signal.
func (r *Repository) GetOrdersForSignal(ctx context.Context, signalID string) ([]*Order, error) {
	query := fmt.Sprintf(`SELECT %s FROM orders WHERE signal_id = $1 ORDER BY created_at`, orderColumns)
	rows, err := r.db.Pool.Query(ctx, query, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// BumpOrderAttempt increments the pricing attempt counter.
func (r *Repository) BumpOrderAttempt(ctx context.Context, orderID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE orders SET attempts = attempts + 1, updated_at = NOW() WHERE id = $1
	`, orderID)
	return err
}

// FailOrder marks an order failed with a reason stored in the event log by
// the caller.
func (r *Repository) FailOrder(ctx context.Context, orderID string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE orders SET status = $2, updated_at = NOW() WHERE id = $1
	`, orderID, OrderStatusFailed)
	return err
}

// FillOrder records a paper fill: order status, trade row, and the opened
// position in one transaction.
func (r *Repository) FillOrder(ctx context.Context, order *Order, trade *Trade, position *Position) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders SET status = $2, filled_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, order.ID, OrderStatusFilled, OrderStatusPendingExecution)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s not pending", order.ID)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO trades (id, order_id, signal_id, symbol, option_symbol, fill_price, quantity, engine, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, trade.ID, trade.OrderID, trade.SignalID, trade.Symbol, trade.OptionSymbol,
		trade.FillPrice, trade.Quantity, trade.Engine, trade.FilledAt,
	).Scan(&trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO refactored_positions (id, trade_id, signal_id, symbol, option_symbol, direction,
			strategy_type, engine, entry_price, current_price, quantity, stop_distance, status, entry_state, entry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`, position.ID, position.TradeID, position.SignalID, position.Symbol, position.OptionSymbol,
		position.Direction, position.StrategyType, position.Engine, position.EntryPrice,
		position.CurrentPrice, position.Quantity, position.StopDistance, PositionStatusOpen,
		position.EntryState, position.EntryAt,
	).Scan(&position.CreatedAt, &position.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}

	return tx.Commit(ctx)
}

// GetTradesForSignal returns the trades recorded for a signal.
func (r *Repository) GetTradesForSignal(ctx context.Context, signalID string) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, order_id, signal_id, symbol, option_symbol, fill_price, quantity, engine, filled_at, created_at
		FROM trades WHERE signal_id = $1 ORDER BY filled_at
	`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t := &Trade{}
		if err := rows.Scan(&t.ID, &t.OrderID, &t.SignalID, &t.Symbol, &t.OptionSymbol,
			&t.FillPrice, &t.Quantity, &t.Engine, &t.FilledAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
