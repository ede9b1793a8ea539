package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/errtrack"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/flags"
	"signal-pipeline/internal/logging"
	"signal-pipeline/internal/marketdata"
	"signal-pipeline/internal/orchestrator"
)

const maxRetryDelay = 5 * time.Minute

// ProcessorStore is the signal-claim persistence surface.
type ProcessorStore interface {
	ClaimSignals(ctx context.Context, limit int) ([]*database.Signal, error)
	MarkSignalProcessed(ctx context.Context, signalID, experimentID, status string, rejectionReason *string) error
	ReleaseSignalForRetry(ctx context.Context, signalID string, nextRetryAt time.Time) error
	RejectSignalExhausted(ctx context.Context, signalID, reason string) error
	AppendEventLog(ctx context.Context, eventType string, signalID *string, message string, data interface{}) error
}

// MarketData is the snapshot surface the processor needs.
type MarketData interface {
	GetQuote(ctx context.Context, symbol string) (*marketdata.Result[*marketdata.Quote], error)
	GetIndicators(ctx context.Context, symbol, timeframe string) (*marketdata.Result[map[string]float64], error)
}

// Decider runs the full decision path for one claimed signal.
type Decider interface {
	Process(ctx context.Context, signal *database.Signal, marketCtx *database.MarketContext) (*orchestrator.Outcome, error)
}

// FlagReader gates pipeline stages at runtime.
type FlagReader interface {
	Enabled(name string) bool
}

// ProcessorConfig tunes the claim loop.
type ProcessorConfig struct {
	BatchSize     int
	Concurrency   int
	SignalTimeout time.Duration
	RetryDelay    time.Duration
	MaxAttempts   int
	PollInterval  time.Duration
}

// Processor claims pending signals in batches, snapshots the market, and
// hands each signal to the orchestrator under a per-signal timeout.
type Processor struct {
	store   ProcessorStore
	market  MarketData
	decider Decider
	flags   FlagReader
	bus     *events.Bus
	errs    *errtrack.Tracker
	cfg     ProcessorConfig
	logger  *logging.Logger
}

// NewProcessor creates the signal processor.
func NewProcessor(store ProcessorStore, market MarketData, decider Decider, fl FlagReader,
	bus *events.Bus, errs *errtrack.Tracker, cfg ProcessorConfig, logger *logging.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.SignalTimeout <= 0 {
		cfg.SignalTimeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Processor{
		store:   store,
		market:  market,
		decider: decider,
		flags:   fl,
		bus:     bus,
		errs:    errs,
		cfg:     cfg,
		logger:  logger.WithComponent("processor"),
	}
}

// Run polls for claimable signals until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.flags.Enabled(flags.PipelineEnabled) {
				continue
			}
			if err := p.RunOnce(ctx); err != nil {
				p.logger.Error("batch failed", "error", err)
				p.errs.RecordErr("processor", err)
			}
		}
	}
}

// RunOnce claims and processes one batch.
func (p *Processor) RunOnce(ctx context.Context) error {
	signals, err := p.store.ClaimSignals(ctx, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("claim signals: %w", err)
	}
	if len(signals) == 0 {
		return nil
	}

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, signal := range signals {
		sem <- struct{}{}
		wg.Add(1)
		go func(s *database.Signal) {
			defer wg.Done()
			defer func() { <-sem }()
			p.processOne(ctx, s)
		}(signal)
	}
	wg.Wait()
	return nil
}

func (p *Processor) processOne(ctx context.Context, signal *database.Signal) {
	log := p.logger.WithSignal(signal.ID)
	sigCtx, cancel := context.WithTimeout(ctx, p.cfg.SignalTimeout)
	defer cancel()

	marketCtx, err := p.buildContext(sigCtx, signal)
	if err == nil {
		var outcome *orchestrator.Outcome
		outcome, err = p.decider.Process(sigCtx, signal, marketCtx)
		if err == nil {
			if markErr := p.store.MarkSignalProcessed(ctx, signal.ID, outcome.ExperimentID,
				outcome.Status, outcome.RejectionReason); markErr != nil {
				log.Error("failed to finalize signal", "error", markErr)
				p.errs.RecordErr("processor", markErr)
				return
			}
			p.bus.PublishSignalProcessed(signal.ID, outcome.ExperimentID, outcome.Status)
			return
		}
	}

	log.Warn("processing attempt failed", "attempt", signal.ProcessingAttempts+1, "error", err)
	p.errs.Record("processor", err.Error(), signal.ID)

	// The claimed row carries the pre-claim attempt count; this failure makes
	// it attempts+1.
	if signal.ProcessingAttempts+1 >= p.cfg.MaxAttempts {
		if rejErr := p.store.RejectSignalExhausted(ctx, signal.ID, "exhausted_retries"); rejErr != nil {
			log.Error("failed to reject exhausted signal", "error", rejErr)
		}
		p.bus.Publish(events.Event{
			Type:     events.EventSignalRejected,
			SignalID: signal.ID,
			Data:     map[string]interface{}{"reason": "exhausted_retries"},
		})
		_ = p.store.AppendEventLog(ctx, string(events.EventSignalRejected), &signal.ID,
			"retries exhausted", map[string]interface{}{"error": err.Error()})
		return
	}

	delay := retryDelay(p.cfg.RetryDelay, signal.ProcessingAttempts+1)
	if relErr := p.store.ReleaseSignalForRetry(ctx, signal.ID, time.Now().Add(delay)); relErr != nil {
		log.Error("failed to release signal for retry", "error", relErr)
		return
	}
	p.bus.Publish(events.Event{
		Type:     events.EventSignalRetried,
		SignalID: signal.ID,
		Data:     map[string]interface{}{"next_attempt_in_ms": delay.Milliseconds()},
	})
}

// buildContext snapshots quote and indicators into an immutable MarketContext.
func (p *Processor) buildContext(ctx context.Context, signal *database.Signal) (*database.MarketContext, error) {
	quote, err := p.market.GetQuote(ctx, signal.Symbol)
	if err != nil {
		return nil, fmt.Errorf("quote for %s: %w", signal.Symbol, err)
	}
	indicators, err := p.market.GetIndicators(ctx, signal.Symbol, signal.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("indicators for %s: %w", signal.Symbol, err)
	}

	q := quote.Value
	snapshotAt := time.Now().UTC().Truncate(time.Second)
	mc := &database.MarketContext{
		ID:           uuid.New().String(),
		SignalID:     signal.ID,
		SnapshotAt:   snapshotAt,
		Symbol:       signal.Symbol,
		CurrentPrice: q.Price,
		Bid:          q.Bid,
		Ask:          q.Ask,
		Volume:       q.Volume,
		Indicators:   indicators.Value,
	}
	mc.ContextHash = contextHash(signal.ID, snapshotAt, signal.Symbol, q.Bid, q.Ask, q.Price, q.Volume, indicators.Value)
	return mc, nil
}

// retryDelay doubles per attempt and caps at five minutes.
func retryDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}
