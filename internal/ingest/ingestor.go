package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/logging"
)

// Outcome statuses returned to the webhook caller.
const (
	StatusAccepted         = "ACCEPTED"
	StatusDuplicate        = "DUPLICATE"
	StatusInvalidSignature = "INVALID_SIGNATURE"
	StatusInvalidPayload   = "INVALID_PAYLOAD"
	StatusError            = "ERROR"
)

// Outcome is the ingestion result envelope.
type Outcome struct {
	Status           string   `json:"status"`
	SignalID         string   `json:"signal_id,omitempty"`
	Variant          string   `json:"variant,omitempty"`
	Errors           []string `json:"errors,omitempty"`
	Error            string   `json:"error,omitempty"`
	ProcessingTimeMs int      `json:"processing_time_ms"`
}

// Store is the persistence surface the ingestor needs.
type Store interface {
	FindSignalByHash(ctx context.Context, hash string, window time.Duration) (*database.Signal, error)
	HasAcceptedEventWithHash(ctx context.Context, hash string, window time.Duration) (bool, error)
	CreateSignalWithEvent(ctx context.Context, signal *database.Signal, event *database.WebhookEvent) error
	CreateWebhookEvent(ctx context.Context, event *database.WebhookEvent) error
}

// VariantHinter computes the would-be experiment variant for immediate
// reporting; assignment is persisted later by the orchestrator.
type VariantHinter interface {
	VariantFor(signalHash string) string
}

// Config controls signature checking and the dedup window.
type Config struct {
	HMACSecret        string
	SignatureRequired bool
	DedupWindow       time.Duration
}

// Ingestor converts one raw webhook body into exactly one persisted signal or
// one persisted rejection.
type Ingestor struct {
	store   Store
	hinter  VariantHinter
	cfg     Config
	logger  *logging.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(store Store, hinter VariantHinter, cfg Config, logger *logging.Logger) *Ingestor {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	return &Ingestor{store: store, hinter: hinter, cfg: cfg, logger: logger.WithComponent("ingest")}
}

// payload is the canonical parsed form of a webhook body.
type payload struct {
	Symbol    string
	Direction string
	Timeframe string
	Timestamp time.Time
	Raw       map[string]interface{}
}

func parsePayload(body []byte) (*payload, []string) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, []string{"body is not a JSON object"}
	}

	var errs []string
	p := &payload{Raw: raw}

	symbol, _ := raw["symbol"].(string)
	if len(symbol) < 1 || len(symbol) > 20 {
		errs = append(errs, "symbol must be 1-20 characters")
	}
	p.Symbol = symbol

	direction, _ := raw["direction"].(string)
	if direction != "long" && direction != "short" {
		errs = append(errs, "direction must be long or short")
	}
	p.Direction = direction

	timeframe, _ := raw["timeframe"].(string)
	if len(timeframe) < 1 || len(timeframe) > 10 {
		errs = append(errs, "timeframe must be 1-10 characters")
	}
	p.Timeframe = timeframe

	ts, _ := raw["timestamp"].(string)
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		errs = append(errs, "timestamp must be ISO8601")
	}
	p.Timestamp = parsed

	if len(errs) > 0 {
		return nil, errs
	}
	return p, nil
}

// Ingest processes one webhook delivery. Exactly one WebhookEvent row results;
// at most one Signal row.
func (in *Ingestor) Ingest(ctx context.Context, body []byte, signature, requestID, clientIP string) *Outcome {
	start := time.Now()

	if in.cfg.SignatureRequired {
		if !VerifySignature(body, signature, in.cfg.HMACSecret) {
			in.recordRejection(ctx, database.WebhookStatusInvalidSignature, requestID, clientIP, nil, "signature mismatch", body, start)
			return &Outcome{Status: StatusInvalidSignature, ProcessingTimeMs: msSince(start)}
		}
	}

	p, errs := parsePayload(body)
	if p == nil {
		in.recordRejection(ctx, database.WebhookStatusInvalidPayload, requestID, clientIP, nil, joinErrors(errs), body, start)
		return &Outcome{Status: StatusInvalidPayload, Errors: errs, ProcessingTimeMs: msSince(start)}
	}

	hash := SignalHash(p.Symbol, p.Direction, p.Timeframe, p.Timestamp.UTC().Format(time.RFC3339), p.Raw)

	existing, err := in.store.FindSignalByHash(ctx, hash, in.cfg.DedupWindow)
	if err != nil {
		return in.fail(ctx, requestID, clientIP, &hash, body, start, fmt.Errorf("dedup lookup: %w", err))
	}
	if existing == nil {
		accepted, err := in.store.HasAcceptedEventWithHash(ctx, hash, in.cfg.DedupWindow)
		if err != nil {
			return in.fail(ctx, requestID, clientIP, &hash, body, start, fmt.Errorf("dedup event lookup: %w", err))
		}
		if accepted {
			// Accepted event without a surviving signal row still counts as
			// a duplicate delivery.
			in.recordRejection(ctx, database.WebhookStatusDuplicate, requestID, clientIP, &hash, "", body, start)
			return &Outcome{Status: StatusDuplicate, ProcessingTimeMs: msSince(start)}
		}
	}
	if existing != nil {
		in.recordRejection(ctx, database.WebhookStatusDuplicate, requestID, clientIP, &hash, "", body, start)
		return &Outcome{Status: StatusDuplicate, SignalID: existing.ID, ProcessingTimeMs: msSince(start)}
	}

	isTest, _ := p.Raw["is_test"].(bool)
	signal := &database.Signal{
		ID:              uuid.New().String(),
		Symbol:          p.Symbol,
		Direction:       p.Direction,
		Timeframe:       p.Timeframe,
		SourceTimestamp: p.Timestamp,
		RawPayload:      json.RawMessage(body),
		SignalHash:      hash,
		IsTest:          isTest,
	}
	event := &database.WebhookEvent{
		ID:               uuid.New().String(),
		Status:           database.WebhookStatusAccepted,
		RequestID:        requestID,
		ClientIP:         clientIP,
		SignalHash:       &hash,
		ProcessingTimeMs: msSince(start),
		RawPayload:       json.RawMessage(body),
	}
	if err := in.store.CreateSignalWithEvent(ctx, signal, event); err != nil {
		return in.fail(ctx, requestID, clientIP, &hash, body, start, fmt.Errorf("persist signal: %w", err))
	}

	variant := ""
	if in.hinter != nil {
		variant = in.hinter.VariantFor(hash)
	}

	in.logger.Info("signal accepted", "signal_id", signal.ID, "symbol", p.Symbol, "direction", p.Direction, "variant", variant)
	return &Outcome{
		Status:           StatusAccepted,
		SignalID:         signal.ID,
		Variant:          variant,
		ProcessingTimeMs: msSince(start),
	}
}

func (in *Ingestor) recordRejection(ctx context.Context, status, requestID, clientIP string, hash *string, errMsg string, body []byte, start time.Time) {
	event := &database.WebhookEvent{
		ID:               uuid.New().String(),
		Status:           status,
		RequestID:        requestID,
		ClientIP:         clientIP,
		SignalHash:       hash,
		ProcessingTimeMs: msSince(start),
		RawPayload:       json.RawMessage(body),
	}
	if errMsg != "" {
		event.ErrorMessage = &errMsg
	}
	if err := in.store.CreateWebhookEvent(ctx, event); err != nil {
		in.logger.Error("failed to record webhook event", "status", status, "error", err)
	}
}

func (in *Ingestor) fail(ctx context.Context, requestID, clientIP string, hash *string, body []byte, start time.Time, err error) *Outcome {
	in.logger.Error("ingestion failed", "request_id", requestID, "error", err)
	in.recordRejection(ctx, database.WebhookStatusError, requestID, clientIP, hash, err.Error(), body, start)
	return &Outcome{Status: StatusError, Error: err.Error(), ProcessingTimeMs: msSince(start)}
}

func msSince(start time.Time) int {
	return int(time.Since(start).Milliseconds())
}

func joinErrors(errs []string) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e
	}
	return out
}
