package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"signal-pipeline/internal/logging"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	PoolMax  int
}

// NewDB creates a new database connection pool.
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Pool must cover workers*concurrency plus HTTP fan-out plus background
	// loops; default sized for the stock worker settings.
	maxConns := int32(25)
	if cfg.PoolMax > 0 {
		maxConns = int32(cfg.PoolMax)
	}
	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logging.Default().Info("connected to PostgreSQL", "database", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// RunMigrations creates the pipeline schema.
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS signals (
			id UUID PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			timeframe VARCHAR(10) NOT NULL,
			source_timestamp TIMESTAMPTZ NOT NULL,
			raw_payload JSONB NOT NULL,
			signal_hash CHAR(64) NOT NULL,
			status VARCHAR(10) NOT NULL DEFAULT 'pending',
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			processing_lock BOOLEAN NOT NULL DEFAULT FALSE,
			processing_attempts INT NOT NULL DEFAULT 0,
			next_retry_at TIMESTAMPTZ,
			experiment_id UUID,
			rejection_reason TEXT,
			is_test BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_status_created ON signals(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_hash ON signals(signal_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_claim ON signals(processed, processing_lock, source_timestamp)`,

		`CREATE TABLE IF NOT EXISTS webhook_events (
			id UUID PRIMARY KEY,
			signal_id UUID REFERENCES signals(id) ON DELETE SET NULL,
			status VARCHAR(20) NOT NULL,
			request_id VARCHAR(64),
			client_ip VARCHAR(45),
			signal_hash CHAR(64),
			processing_time_ms INT NOT NULL DEFAULT 0,
			error_message TEXT,
			raw_payload JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_created_status ON webhook_events(created_at, status)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_hash ON webhook_events(signal_hash)`,

		`CREATE TABLE IF NOT EXISTS market_contexts (
			id UUID PRIMARY KEY,
			signal_id UUID NOT NULL REFERENCES signals(id) ON DELETE CASCADE,
			snapshot_at TIMESTAMPTZ NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			current_price DOUBLE PRECISION NOT NULL,
			bid DOUBLE PRECISION NOT NULL,
			ask DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			indicators JSONB NOT NULL,
			gamma_regime VARCHAR(20),
			zero_gamma_level DOUBLE PRECISION,
			distance_atr DOUBLE PRECISION,
			context_hash CHAR(64) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (signal_id)
		)`,

		`CREATE TABLE IF NOT EXISTS experiments (
			id UUID PRIMARY KEY,
			signal_id UUID NOT NULL REFERENCES signals(id) ON DELETE CASCADE,
			variant CHAR(1) NOT NULL,
			assignment_hash CHAR(64) NOT NULL,
			split_percentage DOUBLE PRECISION NOT NULL,
			policy_version VARCHAR(32) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_experiments_signal ON experiments(signal_id)`,

		`CREATE TABLE IF NOT EXISTS execution_policies (
			id UUID PRIMARY KEY,
			experiment_id UUID NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
			execution_mode VARCHAR(20) NOT NULL,
			executed_engine CHAR(1),
			shadow_engine CHAR(1),
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS decision_recommendations (
			id UUID PRIMARY KEY,
			experiment_id UUID NOT NULL REFERENCES experiments(id) ON DELETE CASCADE,
			engine CHAR(1) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			option_type VARCHAR(4) NOT NULL,
			strike DOUBLE PRECISION NOT NULL,
			expiration DATE NOT NULL,
			quantity INT NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION,
			take_profit DOUBLE PRECISION,
			size_multiplier DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			is_shadow BOOLEAN NOT NULL,
			reasoning TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (experiment_id, engine)
		)`,

		`CREATE TABLE IF NOT EXISTS orders (
			id UUID PRIMARY KEY,
			signal_id UUID NOT NULL REFERENCES signals(id) ON DELETE CASCADE,
			recommendation_id UUID NOT NULL REFERENCES decision_recommendations(id) ON DELETE CASCADE,
			option_symbol VARCHAR(32) NOT NULL,
			strike DOUBLE PRECISION NOT NULL,
			expiration DATE NOT NULL,
			option_type VARCHAR(4) NOT NULL,
			quantity INT NOT NULL,
			order_type VARCHAR(10) NOT NULL DEFAULT 'market',
			status VARCHAR(20) NOT NULL DEFAULT 'pending_execution',
			engine CHAR(1) NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			filled_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_signal ON orders(signal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders(status, created_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_recommendation ON orders(recommendation_id)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id UUID PRIMARY KEY,
			order_id UUID NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
			signal_id UUID NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			option_symbol VARCHAR(32) NOT NULL,
			fill_price DOUBLE PRECISION NOT NULL,
			quantity INT NOT NULL,
			engine CHAR(1) NOT NULL,
			filled_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS refactored_positions (
			id UUID PRIMARY KEY,
			trade_id UUID NOT NULL REFERENCES trades(id) ON DELETE CASCADE,
			signal_id UUID NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			option_symbol VARCHAR(32) NOT NULL,
			direction VARCHAR(5) NOT NULL,
			strategy_type VARCHAR(20) NOT NULL DEFAULT 'BREAKOUT',
			engine CHAR(1) NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			current_price DOUBLE PRECISION NOT NULL,
			quantity INT NOT NULL,
			stop_distance DOUBLE PRECISION NOT NULL DEFAULT 0,
			unrealized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			status VARCHAR(10) NOT NULL DEFAULT 'open',
			entry_state JSONB,
			entry_at TIMESTAMPTZ NOT NULL,
			exit_at TIMESTAMPTZ,
			exit_reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON refactored_positions(status)`,

		`CREATE TABLE IF NOT EXISTS refactored_signals (
			signal_id UUID PRIMARY KEY REFERENCES signals(id) ON DELETE CASCADE,
			bias_state JSONB,
			enriched_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS bias_config (
			config_key VARCHAR(20) PRIMARY KEY,
			document JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS bias_adaptive_config_history (
			id BIGSERIAL PRIMARY KEY,
			parameter VARCHAR(50) NOT NULL,
			previous_value DOUBLE PRECISION NOT NULL,
			new_value DOUBLE PRECISION NOT NULL,
			rationale TEXT NOT NULL,
			dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS feature_flags (
			name VARCHAR(50) PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS event_logs (
			id BIGSERIAL PRIMARY KEY,
			event_type VARCHAR(50) NOT NULL,
			signal_id UUID,
			message TEXT,
			data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_logs_created ON event_logs(created_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	logging.Default().Info("database migrations completed")
	return nil
}

// HealthCheck pings the database.
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
