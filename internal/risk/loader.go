package risk

import (
	"context"
	"encoding/json"
	"fmt"

	"signal-pipeline/internal/database"
)

// DocumentStore is the persistence surface for the named config documents.
type DocumentStore interface {
	GetBiasConfig(ctx context.Context, key string) (*database.BiasConfigDoc, error)
	SaveBiasConfig(ctx context.Context, key string, document interface{}) error
}

// AdaptiveDoc is the "adaptive" configuration document. LastRunDate persists
// the tuner's once-per-day guard across restarts.
type AdaptiveDoc struct {
	Enabled     bool   `json:"enabled"`
	LastRunDate string `json:"lastRunDate,omitempty"` // YYYY-MM-DD
}

// Loader funnels every read of the "risk" and "adaptive" documents through
// one place. Writes go through the tuner's bounded-update path.
type Loader struct {
	store DocumentStore
}

// NewLoader creates a loader over the store.
func NewLoader(store DocumentStore) *Loader {
	return &Loader{store: store}
}

// LoadRisk returns the persisted risk config overlaid on the defaults, or the
// defaults when nothing is stored.
func (l *Loader) LoadRisk(ctx context.Context) (Config, error) {
	cfg := DefaultConfig()
	doc, err := l.store.GetBiasConfig(ctx, database.ConfigKeyRisk)
	if err != nil {
		return cfg, fmt.Errorf("load risk config: %w", err)
	}
	if doc == nil {
		return cfg, nil
	}
	if err := json.Unmarshal(doc.Document, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("decode risk config: %w", err)
	}
	return cfg, nil
}

// SaveRisk overwrites the risk document.
func (l *Loader) SaveRisk(ctx context.Context, cfg Config) error {
	return l.store.SaveBiasConfig(ctx, database.ConfigKeyRisk, cfg)
}

// LoadAdaptive returns the adaptive document, defaulting to disabled.
func (l *Loader) LoadAdaptive(ctx context.Context) (AdaptiveDoc, error) {
	var doc AdaptiveDoc
	stored, err := l.store.GetBiasConfig(ctx, database.ConfigKeyAdaptive)
	if err != nil {
		return doc, fmt.Errorf("load adaptive config: %w", err)
	}
	if stored == nil {
		return doc, nil
	}
	if err := json.Unmarshal(stored.Document, &doc); err != nil {
		return AdaptiveDoc{}, fmt.Errorf("decode adaptive config: %w", err)
	}
	return doc, nil
}

// SaveAdaptive overwrites the adaptive document.
func (l *Loader) SaveAdaptive(ctx context.Context, doc AdaptiveDoc) error {
	return l.store.SaveBiasConfig(ctx, database.ConfigKeyAdaptive, doc)
}
