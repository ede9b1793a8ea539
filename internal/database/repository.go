package database

import (
	"context"
	"encoding/json"
	"time"
)

// Repository provides data access methods over the pipeline schema.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// EVENT LOGS
// ============================================================================

// AppendEventLog persists one pipeline lifecycle event.
func (r *Repository) AppendEventLog(ctx context.Context, eventType string, signalID *string, message string, data interface{}) error {
	var payload []byte
	if data != nil {
		var err error
		payload, err = json.Marshal(data)
		if err != nil {
			return err
		}
	}
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO event_logs (event_type, signal_id, message, data) VALUES ($1, $2, $3, $4)`,
		eventType, signalID, message, payload,
	)
	return err
}

// RecentEventLogs returns the newest event logs, newest first.
func (r *Repository) RecentEventLogs(ctx context.Context, limit int) ([]*EventLog, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, event_type, signal_id, message, data, created_at
		FROM event_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*EventLog
	for rows.Next() {
		e := &EventLog{}
		if err := rows.Scan(&e.ID, &e.EventType, &e.SignalID, &e.Message, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// ============================================================================
// FEATURE FLAGS
// ============================================================================

// GetFeatureFlags returns all flags.
func (r *Repository) GetFeatureFlags(ctx context.Context) ([]*FeatureFlag, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT name, enabled, updated_at FROM feature_flags`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flags []*FeatureFlag
	for rows.Next() {
		f := &FeatureFlag{}
		if err := rows.Scan(&f.Name, &f.Enabled, &f.UpdatedAt); err != nil {
			return nil, err
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// UpsertFeatureFlag creates or updates a flag.
func (r *Repository) UpsertFeatureFlag(ctx context.Context, name string, enabled bool) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO feature_flags (name, enabled, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET enabled = $2, updated_at = NOW()
	`, name, enabled)
	return err
}

// ============================================================================
// SHARED HELPERS
// ============================================================================

func windowStart(window time.Duration) time.Time {
	return time.Now().Add(-window)
}
