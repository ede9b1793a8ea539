// Package flags serves runtime feature toggles backed by the feature_flags
// table, refreshed on a short interval so operators can pause stages without
// a restart.
package flags

import (
	"context"
	"sync"
	"time"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/logging"
)

// Known flag names.
const (
	PipelineEnabled       = "pipeline_enabled"
	OrderCreationEnabled  = "order_creation_enabled"
	PaperExecutionEnabled = "paper_execution_enabled"
	AdaptiveTunerEnabled  = "adaptive_tuner_enabled"
)

// defaults apply when a flag row is absent.
var defaults = map[string]bool{
	PipelineEnabled:       true,
	OrderCreationEnabled:  true,
	PaperExecutionEnabled: true,
	AdaptiveTunerEnabled:  true,
}

// Store is the flag persistence surface.
type Store interface {
	GetFeatureFlags(ctx context.Context) ([]*database.FeatureFlag, error)
	UpsertFeatureFlag(ctx context.Context, name string, enabled bool) error
}

// Service caches flags and refreshes them in the background.
type Service struct {
	store    Store
	logger   *logging.Logger
	interval time.Duration

	mu    sync.RWMutex
	flags map[string]bool
}

// NewService creates a flag service with the given refresh interval.
func NewService(store Store, interval time.Duration, logger *logging.Logger) *Service {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &Service{
		store:    store,
		logger:   logger.WithComponent("flags"),
		interval: interval,
		flags:    make(map[string]bool),
	}
	for name, enabled := range defaults {
		s.flags[name] = enabled
	}
	return s
}

// Run refreshes flags until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.refresh(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Service) refresh(ctx context.Context) {
	stored, err := s.store.GetFeatureFlags(ctx)
	if err != nil {
		s.logger.Warn("flag refresh failed, keeping last values", "error", err)
		return
	}

	next := make(map[string]bool, len(defaults)+len(stored))
	for name, enabled := range defaults {
		next[name] = enabled
	}
	for _, f := range stored {
		next[f.Name] = f.Enabled
	}

	s.mu.Lock()
	s.flags = next
	s.mu.Unlock()
}

// Enabled reports a flag's current value; unknown flags are disabled.
func (s *Service) Enabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[name]
}

// Set persists a flag and applies it immediately.
func (s *Service) Set(ctx context.Context, name string, enabled bool) error {
	if err := s.store.UpsertFeatureFlag(ctx, name, enabled); err != nil {
		return err
	}
	s.mu.Lock()
	s.flags[name] = enabled
	s.mu.Unlock()
	return nil
}

// All returns a snapshot of every flag.
func (s *Service) All() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.flags))
	for name, enabled := range s.flags {
		out[name] = enabled
	}
	return out
}
