package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// GetBiasConfig loads a named configuration document ("risk" or "adaptive"),
// or nil when it has never been written.
func (r *Repository) GetBiasConfig(ctx context.Context, key string) (*BiasConfigDoc, error) {
	doc := &BiasConfigDoc{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT config_key, document, updated_at FROM bias_config WHERE config_key = $1
	`, key).Scan(&doc.ConfigKey, &doc.Document, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// SaveBiasConfig upserts a named configuration document.
func (r *Repository) SaveBiasConfig(ctx context.Context, key string, document interface{}) error {
	return upsertJSON(ctx, r, `
		INSERT INTO bias_config (config_key, document, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (config_key) DO UPDATE SET document = $2, updated_at = NOW()
	`, key, document)
}

// upsertJSON marshals doc and runs an upsert taking (id, json) parameters.
func upsertJSON(ctx context.Context, r *Repository, query, id string, doc interface{}) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx, query, id, payload)
	return err
}

// RecordAdaptiveChange appends one tuner parameter change to the history.
func (r *Repository) RecordAdaptiveChange(ctx context.Context, entry *AdaptiveHistoryEntry) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO bias_adaptive_config_history (parameter, previous_value, new_value, rationale, dry_run)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, entry.Parameter, entry.PreviousValue, entry.NewValue, entry.Rationale, entry.DryRun,
	).Scan(&entry.ID, &entry.CreatedAt)
}

// AdaptiveHistory returns the newest tuner changes, newest first.
func (r *Repository) AdaptiveHistory(ctx context.Context, limit int) ([]*AdaptiveHistoryEntry, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, parameter, previous_value, new_value, rationale, dry_run, created_at
		FROM bias_adaptive_config_history
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AdaptiveHistoryEntry
	for rows.Next() {
		e := &AdaptiveHistoryEntry{}
		if err := rows.Scan(&e.ID, &e.Parameter, &e.PreviousValue, &e.NewValue, &e.Rationale, &e.DryRun, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AdaptiveChangesToday counts non-dry-run changes for a parameter since the
// start of the given day, enforcing the one-change-per-parameter-per-day cap.
func (r *Repository) AdaptiveChangesToday(ctx context.Context, parameter string, dayStart time.Time) (int, error) {
	var count int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM bias_adaptive_config_history
		WHERE parameter = $1 AND dry_run = FALSE AND created_at >= $2
	`, parameter, dayStart).Scan(&count)
	return count, err
}
