package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const signalColumns = `id, symbol, direction, timeframe, source_timestamp, raw_payload, signal_hash,
	status, processed, processing_lock, processing_attempts, next_retry_at,
	experiment_id, rejection_reason, is_test, created_at, updated_at`

func scanSignal(row pgx.Row) (*Signal, error) {
	s := &Signal{}
	err := row.Scan(
		&s.ID, &s.Symbol, &s.Direction, &s.Timeframe, &s.SourceTimestamp, &s.RawPayload, &s.SignalHash,
		&s.Status, &s.Processed, &s.ProcessingLock, &s.ProcessingAttempts, &s.NextRetryAt,
		&s.ExperimentID, &s.RejectionReason, &s.IsTest, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// GetSignalByID retrieves a signal by ID.
func (r *Repository) GetSignalByID(ctx context.Context, id string) (*Signal, error) {
	query := fmt.Sprintf(`SELECT %s FROM signals WHERE id = $1`, signalColumns)
	return scanSignal(r.db.Pool.QueryRow(ctx, query, id))
}

// FindSignalByHash returns the newest signal with the given hash created
// within the dedup window, or nil when none exists.
func (r *Repository) FindSignalByHash(ctx context.Context, hash string, window time.Duration) (*Signal, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM signals
		WHERE signal_hash = $1 AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`, signalColumns)
	s, err := scanSignal(r.db.Pool.QueryRow(ctx, query, hash, windowStart(window)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// CreateSignalWithEvent inserts the signal and its accepted webhook event in
// one transaction, so a crash can never leave an accepted event without a
// signal row.
func (r *Repository) CreateSignalWithEvent(ctx context.Context, signal *Signal, event *WebhookEvent) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO signals (id, symbol, direction, timeframe, source_timestamp, raw_payload, signal_hash, status, is_test)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, signal.ID, signal.Symbol, signal.Direction, signal.Timeframe, signal.SourceTimestamp,
		signal.RawPayload, signal.SignalHash, SignalStatusPending, signal.IsTest,
	).Scan(&signal.CreatedAt, &signal.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}

	event.SignalID = &signal.ID
	if err := insertWebhookEvent(ctx, tx, event); err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}

	return tx.Commit(ctx)
}

type execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertWebhookEvent(ctx context.Context, q execer, event *WebhookEvent) error {
	return q.QueryRow(ctx, `
		INSERT INTO webhook_events (id, signal_id, status, request_id, client_ip, signal_hash, processing_time_ms, error_message, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, event.ID, event.SignalID, event.Status, event.RequestID, event.ClientIP, event.SignalHash,
		event.ProcessingTimeMs, event.ErrorMessage, event.RawPayload,
	).Scan(&event.CreatedAt)
}

// CreateWebhookEvent inserts a standalone webhook event (rejections and
// duplicates never spawn a signal row).
func (r *Repository) CreateWebhookEvent(ctx context.Context, event *WebhookEvent) error {
	return insertWebhookEvent(ctx, r.db.Pool, event)
}

// HasAcceptedEventWithHash reports whether an accepted webhook event carries
// the given signal hash within the dedup window.
func (r *Repository) HasAcceptedEventWithHash(ctx context.Context, hash string, window time.Duration) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM webhook_events
			WHERE signal_hash = $1 AND status = $2 AND created_at >= $3
		)
	`, hash, WebhookStatusAccepted, windowStart(window)).Scan(&exists)
	return exists, err
}

// GetWebhookEventsForSignal returns all webhook events linked to a signal.
func (r *Repository) GetWebhookEventsForSignal(ctx context.Context, signalID string) ([]*WebhookEvent, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, signal_id, status, request_id, client_ip, signal_hash, processing_time_ms, error_message, raw_payload, created_at
		FROM webhook_events
		WHERE signal_id = $1
		ORDER BY created_at
	`, signalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*WebhookEvent
	for rows.Next() {
		e := &WebhookEvent{}
		if err := rows.Scan(&e.ID, &e.SignalID, &e.Status, &e.RequestID, &e.ClientIP, &e.SignalHash,
			&e.ProcessingTimeMs, &e.ErrorMessage, &e.RawPayload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ============================================================================
// CLAIM PROTOCOL
// ============================================================================

// ClaimSignals locks and returns up to limit unprocessed signals in source
// timestamp order. FOR UPDATE SKIP LOCKED guarantees two concurrent workers
// never claim the same row; processing_lock survives the statement so other
// batches skip claimed rows until release.
func (r *Repository) ClaimSignals(ctx context.Context, limit int) ([]*Signal, error) {
	query := fmt.Sprintf(`
		UPDATE signals SET processing_lock = TRUE, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM signals
			WHERE processed = FALSE
			  AND processing_lock = FALSE
			  AND (next_retry_at IS NULL OR next_retry_at <= NOW())
			ORDER BY source_timestamp ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, signalColumns)

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// MarkSignalProcessed finalizes a signal: processed, unlocked, linked to its
// experiment, with approved/rejected status.
func (r *Repository) MarkSignalProcessed(ctx context.Context, signalID, experimentID, status string, rejectionReason *string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE signals
		SET processed = TRUE, processing_lock = FALSE, experiment_id = $2,
		    status = $3, rejection_reason = $4, updated_at = NOW()
		WHERE id = $1
	`, signalID, experimentID, status, rejectionReason)
	return err
}

// ReleaseSignalForRetry clears the lock, bumps the attempt counter, and
// schedules the next attempt.
func (r *Repository) ReleaseSignalForRetry(ctx context.Context, signalID string, nextRetryAt time.Time) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE signals
		SET processing_lock = FALSE, processing_attempts = processing_attempts + 1,
		    next_retry_at = $2, updated_at = NOW()
		WHERE id = $1
	`, signalID, nextRetryAt)
	return err
}

// RejectSignalExhausted marks a signal rejected after retries ran out.
func (r *Repository) RejectSignalExhausted(ctx context.Context, signalID, reason string) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE signals
		SET processed = TRUE, processing_lock = FALSE, status = $2,
		    processing_attempts = processing_attempts + 1,
		    rejection_reason = $3, updated_at = NOW()
		WHERE id = $1
	`, signalID, SignalStatusRejected, reason)
	return err
}

// ReleaseStaleLocks clears processing locks left behind by a crashed worker.
// Called on startup and during graceful shutdown.
func (r *Repository) ReleaseStaleLocks(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE signals
		SET processing_lock = FALSE, updated_at = NOW()
		WHERE processing_lock = TRUE AND processed = FALSE AND updated_at < $1
	`, time.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecentSignals returns the newest signals for the monitoring feed.
func (r *Repository) RecentSignals(ctx context.Context, limit int) ([]*Signal, error) {
	query := fmt.Sprintf(`SELECT %s FROM signals ORDER BY created_at DESC LIMIT $1`, signalColumns)
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

// SaveEnrichedSignal stores the bias state used while processing a signal.
func (r *Repository) SaveEnrichedSignal(ctx context.Context, signalID string, biasState interface{}) error {
	return upsertJSON(ctx, r, `
		INSERT INTO refactored_signals (signal_id, bias_state, enriched_at) VALUES ($1, $2, NOW())
		ON CONFLICT (signal_id) DO UPDATE SET bias_state = $2, enriched_at = NOW()
	`, signalID, biasState)
}
