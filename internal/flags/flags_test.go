package flags

import (
	"context"
	"errors"
	"testing"
	"time"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/logging"
)

type mockFlagStore struct {
	flags  []*database.FeatureFlag
	err    error
	upsert map[string]bool
}

func (m *mockFlagStore) GetFeatureFlags(_ context.Context) ([]*database.FeatureFlag, error) {
	return m.flags, m.err
}

func (m *mockFlagStore) UpsertFeatureFlag(_ context.Context, name string, enabled bool) error {
	if m.upsert == nil {
		m.upsert = make(map[string]bool)
	}
	m.upsert[name] = enabled
	return m.err
}

func TestDefaultsBeforeRefresh(t *testing.T) {
	svc := NewService(&mockFlagStore{}, time.Second, logging.Default())
	if !svc.Enabled(PipelineEnabled) {
		t.Error("pipeline should default to enabled")
	}
	if svc.Enabled("unknown_flag") {
		t.Error("unknown flags must read as disabled")
	}
}

func TestRefreshAppliesStoredValues(t *testing.T) {
	store := &mockFlagStore{flags: []*database.FeatureFlag{
		{Name: OrderCreationEnabled, Enabled: false},
	}}
	svc := NewService(store, time.Second, logging.Default())
	svc.refresh(context.Background())

	if svc.Enabled(OrderCreationEnabled) {
		t.Error("stored false must override the default")
	}
	if !svc.Enabled(PipelineEnabled) {
		t.Error("absent flags keep their defaults")
	}
}

func TestRefreshFailureKeepsLastValues(t *testing.T) {
	store := &mockFlagStore{flags: []*database.FeatureFlag{
		{Name: PaperExecutionEnabled, Enabled: false},
	}}
	svc := NewService(store, time.Second, logging.Default())
	svc.refresh(context.Background())

	store.err = errors.New("db down")
	store.flags = nil
	svc.refresh(context.Background())

	if svc.Enabled(PaperExecutionEnabled) {
		t.Error("failed refresh must not reset flags")
	}
}

func TestSetPersistsAndApplies(t *testing.T) {
	store := &mockFlagStore{}
	svc := NewService(store, time.Second, logging.Default())

	if err := svc.Set(context.Background(), AdaptiveTunerEnabled, false); err != nil {
		t.Fatal(err)
	}
	if svc.Enabled(AdaptiveTunerEnabled) {
		t.Error("set must apply immediately")
	}
	if v, ok := store.upsert[AdaptiveTunerEnabled]; !ok || v {
		t.Error("set must persist through the store")
	}
}
