package database

import (
	"encoding/json"
	"time"
)

// Signal status values.
const (
	SignalStatusPending  = "pending"
	SignalStatusApproved = "approved"
	SignalStatusRejected = "rejected"
)

// Webhook event status values.
const (
	WebhookStatusAccepted         = "accepted"
	WebhookStatusDuplicate        = "duplicate"
	WebhookStatusInvalidSignature = "invalid_signature"
	WebhookStatusInvalidPayload   = "invalid_payload"
	WebhookStatusError            = "error"
)

// Order status values.
const (
	OrderStatusPendingExecution = "pending_execution"
	OrderStatusFilled           = "filled"
	OrderStatusFailed           = "failed"
	OrderStatusCancelled        = "cancelled"
)

// Position status values.
const (
	PositionStatusOpen    = "open"
	PositionStatusClosing = "closing"
	PositionStatusClosed  = "closed"
)

// Bias config document keys.
const (
	ConfigKeyRisk     = "risk"
	ConfigKeyAdaptive = "adaptive"
)

// Signal is a deduplicated trading signal awaiting or past processing.
type Signal struct {
	ID                 string          `json:"id"`
	Symbol             string          `json:"symbol"`
	Direction          string          `json:"direction"` // long | short
	Timeframe          string          `json:"timeframe"`
	SourceTimestamp    time.Time       `json:"source_timestamp"`
	RawPayload         json.RawMessage `json:"raw_payload"`
	SignalHash         string          `json:"signal_hash"`
	Status             string          `json:"status"`
	Processed          bool            `json:"processed"`
	ProcessingLock     bool            `json:"processing_lock"`
	ProcessingAttempts int             `json:"processing_attempts"`
	NextRetryAt        *time.Time      `json:"next_retry_at,omitempty"`
	ExperimentID       *string         `json:"experiment_id,omitempty"`
	RejectionReason    *string         `json:"rejection_reason,omitempty"`
	IsTest             bool            `json:"is_test"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// WebhookEvent records every webhook delivery attempt, accepted or not.
type WebhookEvent struct {
	ID               string          `json:"id"`
	SignalID         *string         `json:"signal_id,omitempty"`
	Status           string          `json:"status"`
	RequestID        string          `json:"request_id"`
	ClientIP         string          `json:"client_ip"`
	SignalHash       *string         `json:"signal_hash,omitempty"`
	ProcessingTimeMs int             `json:"processing_time_ms"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	RawPayload       json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// MarketContext is the immutable market snapshot taken when a signal is
// enriched. ContextHash covers the canonical serialization so replays can be
// verified.
type MarketContext struct {
	ID             string             `json:"id"`
	SignalID       string             `json:"signal_id"`
	SnapshotAt     time.Time          `json:"snapshot_at"`
	Symbol         string             `json:"symbol"`
	CurrentPrice   float64            `json:"current_price"`
	Bid            float64            `json:"bid"`
	Ask            float64            `json:"ask"`
	Volume         float64            `json:"volume"`
	Indicators     map[string]float64 `json:"indicators"`
	GammaRegime    *string            `json:"gamma_regime,omitempty"`
	ZeroGammaLevel *float64           `json:"zero_gamma_level,omitempty"`
	DistanceATR    *float64           `json:"distance_atr,omitempty"`
	ContextHash    string             `json:"context_hash"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Experiment links a signal to its A/B variant.
type Experiment struct {
	ID              string    `json:"id"`
	SignalID        string    `json:"signal_id"`
	Variant         string    `json:"variant"` // A | B
	AssignmentHash  string    `json:"assignment_hash"`
	SplitPercentage float64   `json:"split_percentage"`
	PolicyVersion   string    `json:"policy_version"`
	CreatedAt       time.Time `json:"created_at"`
}

// ExecutionPolicy records which engine runs live vs shadow for an experiment.
type ExecutionPolicy struct {
	ID             string    `json:"id"`
	ExperimentID   string    `json:"experiment_id"`
	ExecutionMode  string    `json:"execution_mode"`
	ExecutedEngine *string   `json:"executed_engine,omitempty"`
	ShadowEngine   *string   `json:"shadow_engine,omitempty"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// TradeRecommendation is one engine's decision for an experiment.
type TradeRecommendation struct {
	ID             string    `json:"id"`
	ExperimentID   string    `json:"experiment_id"`
	Engine         string    `json:"engine"` // A | B
	Symbol         string    `json:"symbol"`
	Direction      string    `json:"direction"`
	OptionType     string    `json:"option_type"` // call | put
	Strike         float64   `json:"strike"`
	Expiration     time.Time `json:"expiration"`
	Quantity       int       `json:"quantity"`
	EntryPrice     float64   `json:"entry_price"`
	StopLoss       *float64  `json:"stop_loss,omitempty"`
	TakeProfit     *float64  `json:"take_profit,omitempty"`
	SizeMultiplier float64   `json:"size_multiplier"`
	IsShadow       bool      `json:"is_shadow"`
	Reasoning      *string   `json:"reasoning,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Order is a paper order created from a live (non-shadow) recommendation.
type Order struct {
	ID               string     `json:"id"`
	SignalID         string     `json:"signal_id"`
	RecommendationID string     `json:"recommendation_id"`
	OptionSymbol     string     `json:"option_symbol"`
	Strike           float64    `json:"strike"`
	Expiration       time.Time  `json:"expiration"`
	OptionType       string     `json:"option_type"`
	Quantity         int        `json:"quantity"`
	OrderType        string     `json:"order_type"`
	Status           string     `json:"status"`
	Engine           string     `json:"engine"`
	Attempts         int        `json:"attempts"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	FilledAt         *time.Time `json:"filled_at,omitempty"`
}

// Trade captures a paper fill.
type Trade struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id"`
	SignalID     string    `json:"signal_id"`
	Symbol       string    `json:"symbol"`
	OptionSymbol string    `json:"option_symbol"`
	FillPrice    float64   `json:"fill_price"`
	Quantity     int       `json:"quantity"`
	Engine       string    `json:"engine"`
	FilledAt     time.Time `json:"filled_at"`
	CreatedAt    time.Time `json:"created_at"`
}

// Position tracks an open paper position with bias-aware exit state.
type Position struct {
	ID            string          `json:"id"`
	TradeID       string          `json:"trade_id"`
	SignalID      string          `json:"signal_id"`
	Symbol        string          `json:"symbol"`
	OptionSymbol  string          `json:"option_symbol"`
	Direction     string          `json:"direction"`
	StrategyType  string          `json:"strategy_type"`
	Engine        string          `json:"engine"`
	EntryPrice    float64         `json:"entry_price"`
	CurrentPrice  float64         `json:"current_price"`
	Quantity      int             `json:"quantity"`
	StopDistance  float64         `json:"stop_distance"`
	UnrealizedPnL float64         `json:"unrealized_pnl"`
	RealizedPnL   float64         `json:"realized_pnl"`
	Status        string          `json:"status"`
	EntryState    json.RawMessage `json:"entry_state,omitempty"`
	EntryAt       time.Time       `json:"entry_at"`
	ExitAt        *time.Time      `json:"exit_at,omitempty"`
	ExitReason    *string         `json:"exit_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// BiasConfigDoc is a named configuration document ("risk" or "adaptive").
type BiasConfigDoc struct {
	ConfigKey string          `json:"config_key"`
	Document  json.RawMessage `json:"document"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AdaptiveHistoryEntry records one bounded parameter change by the tuner.
type AdaptiveHistoryEntry struct {
	ID            int64     `json:"id"`
	Parameter     string    `json:"parameter"`
	PreviousValue float64   `json:"previous_value"`
	NewValue      float64   `json:"new_value"`
	Rationale     string    `json:"rationale"`
	DryRun        bool      `json:"dry_run"`
	CreatedAt     time.Time `json:"created_at"`
}

// FeatureFlag is a boolean switch refreshed periodically by workers.
type FeatureFlag struct {
	Name      string    `json:"name"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventLog is a persisted pipeline lifecycle event.
type EventLog struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	SignalID  *string         `json:"signal_id,omitempty"`
	Message   *string         `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
