package worker

import (
	"context"
	"testing"
	"time"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/errtrack"
	"signal-pipeline/internal/logging"
	"signal-pipeline/internal/risk"
)

type mockTunerStore struct {
	stats      *database.TradeStats
	history    []*database.AdaptiveHistoryEntry
	priorToday map[string]int
}

func (m *mockTunerStore) GetTradeStats(_ context.Context, _ time.Duration) (*database.TradeStats, error) {
	return m.stats, nil
}

func (m *mockTunerStore) RecordAdaptiveChange(_ context.Context, entry *database.AdaptiveHistoryEntry) error {
	m.history = append(m.history, entry)
	return nil
}

func (m *mockTunerStore) AdaptiveChangesToday(_ context.Context, parameter string, _ time.Time) (int, error) {
	return m.priorToday[parameter], nil
}

type mockConfigStore struct {
	risk     risk.Config
	adaptive risk.AdaptiveDoc
	saves    int
}

func (m *mockConfigStore) LoadRisk(_ context.Context) (risk.Config, error) { return m.risk, nil }
func (m *mockConfigStore) SaveRisk(_ context.Context, cfg risk.Config) error {
	m.risk = cfg
	m.saves++
	return nil
}
func (m *mockConfigStore) LoadAdaptive(_ context.Context) (risk.AdaptiveDoc, error) {
	return m.adaptive, nil
}
func (m *mockConfigStore) SaveAdaptive(_ context.Context, doc risk.AdaptiveDoc) error {
	m.adaptive = doc
	return nil
}

func testTuner(store *mockTunerStore, config *mockConfigStore) *Tuner {
	tn := NewTuner(store, config, allFlags{}, errtrack.New(10), logging.Default())
	tn.now = func() time.Time { return time.Date(2025, 3, 10, 6, 0, 0, 0, time.UTC) }
	return tn
}

// healthyStats is a profitable aggregate with every segment quiet; individual
// tests overlay the segment that should fire.
func healthyStats() *database.TradeStats {
	return &database.TradeStats{
		SampleSize:     20,
		WinRate:        0.60,
		StopOutRate:    0.15,
		AvgRealizedPnL: 40,
	}
}

func (m *mockTunerStore) changed(parameter string) *database.AdaptiveHistoryEntry {
	for _, entry := range m.history {
		if entry.Parameter == parameter {
			return entry
		}
	}
	return nil
}

func TestTunerSkipsSmallSamples(t *testing.T) {
	stats := healthyStats()
	stats.SampleSize = 5
	stats.RangeBreakout = database.SegmentStats{SampleSize: 3, WinRate: 0}
	store := &mockTunerStore{stats: stats}
	config := &mockConfigStore{risk: risk.DefaultConfig(), adaptive: risk.AdaptiveDoc{Enabled: true}}
	tn := testTuner(store, config)

	if err := tn.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.history) != 0 {
		t.Error("small sample must produce no changes")
	}
	if config.adaptive.LastRunDate != "2025-03-10" {
		t.Error("evaluation date must still advance")
	}
}

func TestTunerRunsOncePerDay(t *testing.T) {
	stats := healthyStats()
	stats.RangeBreakout = database.SegmentStats{SampleSize: 5, WinRate: 0.2}
	store := &mockTunerStore{stats: stats}
	config := &mockConfigStore{risk: risk.DefaultConfig(), adaptive: risk.AdaptiveDoc{Enabled: true}}
	tn := testTuner(store, config)

	if err := tn.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := len(store.history)
	if first == 0 {
		t.Fatal("expected at least one change")
	}

	if err := tn.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.history) != first {
		t.Error("second run on the same day must be a no-op")
	}
}

func TestTunerRangeBreakoutRule(t *testing.T) {
	cases := []struct {
		name    string
		current float64
		segment database.SegmentStats
		want    float64
	}{
		// A losing segment hidden inside a profitable aggregate still fires.
		{"losers cut toward 0.6", 0.70, database.SegmentStats{SampleSize: 4, WinRate: 0.0}, 0.63},
		{"step capped before target", 0.90, database.SegmentStats{SampleSize: 6, WinRate: 0.2}, 0.81},
		{"below target moves up toward 0.6", 0.52, database.SegmentStats{SampleSize: 6, WinRate: 0.2}, 0.572},
		{"healthy win rate unchanged", 0.70, database.SegmentStats{SampleSize: 6, WinRate: 0.5}, 0.70},
		{"empty segment unchanged", 0.70, database.SegmentStats{}, 0.70},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := healthyStats()
			stats.RangeBreakout = tc.segment
			cfg := risk.DefaultConfig()
			cfg.RangeBreakoutMultiplier = tc.current
			store := &mockTunerStore{stats: stats}
			config := &mockConfigStore{risk: cfg, adaptive: risk.AdaptiveDoc{Enabled: true}}

			if err := testTuner(store, config).RunOnce(context.Background()); err != nil {
				t.Fatal(err)
			}
			if got := config.risk.RangeBreakoutMultiplier; got != tc.want {
				t.Errorf("rangeBreakoutMultiplier = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTunerAccelerationRule(t *testing.T) {
	cases := []struct {
		name    string
		current float64
		segment database.SegmentStats
		want    float64
	}{
		{"strong R raises bonus", 1.08, database.SegmentStats{SampleSize: 6, AvgR: 2.0}, 1.188},
		{"capped at 1.2", 1.15, database.SegmentStats{SampleSize: 6, AvgR: 1.8}, 1.2},
		{"modest R unchanged", 1.10, database.SegmentStats{SampleSize: 6, AvgR: 1.2}, 1.10},
		{"no high-acceleration trades unchanged", 1.10, database.SegmentStats{}, 1.10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := healthyStats()
			stats.HighAcceleration = tc.segment
			cfg := risk.DefaultConfig()
			cfg.StateStrengthUpMultiplier = tc.current
			store := &mockTunerStore{stats: stats}
			config := &mockConfigStore{risk: cfg, adaptive: risk.AdaptiveDoc{Enabled: true}}

			if err := testTuner(store, config).RunOnce(context.Background()); err != nil {
				t.Fatal(err)
			}
			if got := config.risk.StateStrengthUpMultiplier; got != tc.want {
				t.Errorf("stateStrengthUpMultiplier = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTunerMacroDriftRule(t *testing.T) {
	cases := []struct {
		name    string
		current float64
		segment database.SegmentStats
		want    float64
	}{
		{"cheap exits raise threshold toward 0.25", 0.18, database.SegmentStats{SampleSize: 3, AvgR: 0.1}, 0.198},
		{"target caps the step", 0.24, database.SegmentStats{SampleSize: 4, AvgR: 0.05}, 0.25},
		{"two exits are not enough", 0.18, database.SegmentStats{SampleSize: 2, AvgR: 0.1}, 0.18},
		{"paying exits unchanged", 0.18, database.SegmentStats{SampleSize: 5, AvgR: 0.8}, 0.18},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := healthyStats()
			stats.MacroDriftExits = tc.segment
			cfg := risk.DefaultConfig()
			cfg.MacroDriftThreshold = tc.current
			store := &mockTunerStore{stats: stats}
			config := &mockConfigStore{risk: cfg, adaptive: risk.AdaptiveDoc{Enabled: true}}

			if err := testTuner(store, config).RunOnce(context.Background()); err != nil {
				t.Fatal(err)
			}
			if got := config.risk.MacroDriftThreshold; got != tc.want {
				t.Errorf("macroDriftThreshold = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTunerLatePhaseRule(t *testing.T) {
	cases := []struct {
		name    string
		current float64
		segment database.SegmentStats
		want    float64
	}{
		{"winning late entries relax toward 1", 0.75, database.SegmentStats{SampleSize: 5, AvgR: 1.4}, 0.825},
		{"relaxes above 0.9 up to 1", 0.95, database.SegmentStats{SampleSize: 5, AvgR: 1.4}, 1.0},
		{"break-even unchanged", 0.75, database.SegmentStats{SampleSize: 5, AvgR: 1.0}, 0.75},
		{"no late entries unchanged", 0.75, database.SegmentStats{}, 0.75},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stats := healthyStats()
			stats.LatePhase = tc.segment
			cfg := risk.DefaultConfig()
			cfg.LatePhaseNegativeMultiplier = tc.current
			store := &mockTunerStore{stats: stats}
			config := &mockConfigStore{risk: cfg, adaptive: risk.AdaptiveDoc{Enabled: true}}

			if err := testTuner(store, config).RunOnce(context.Background()); err != nil {
				t.Fatal(err)
			}
			got := config.risk.LatePhaseNegativeMultiplier
			if got != tc.want {
				t.Errorf("latePhaseNegativeMultiplier = %v, want %v", got, tc.want)
			}
			if got < tc.current {
				t.Errorf("winning late entries must never lower the multiplier: %v -> %v", tc.current, got)
			}
		})
	}
}

func TestTunerStepsAreBoundedAndClamped(t *testing.T) {
	stats := healthyStats()
	stats.RangeBreakout = database.SegmentStats{SampleSize: 5, WinRate: 0.1}
	stats.HighAcceleration = database.SegmentStats{SampleSize: 5, AvgR: 2.5}
	stats.MacroDriftExits = database.SegmentStats{SampleSize: 4, AvgR: 0.05}
	stats.LatePhase = database.SegmentStats{SampleSize: 5, AvgR: 1.6}
	cfg := risk.DefaultConfig()
	cfg.RangeBreakoutMultiplier = 0.9
	cfg.StateStrengthUpMultiplier = 1.15
	cfg.MacroDriftThreshold = 0.24
	cfg.LatePhaseNegativeMultiplier = 0.95
	store := &mockTunerStore{stats: stats}
	config := &mockConfigStore{risk: cfg, adaptive: risk.AdaptiveDoc{Enabled: true}}

	if err := testTuner(store, config).RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.history) != 4 {
		t.Fatalf("changes = %d, want all four rules to fire", len(store.history))
	}
	for _, entry := range store.history {
		step := (entry.NewValue - entry.PreviousValue) / entry.PreviousValue
		if step > 0.101 || step < -0.101 {
			t.Errorf("%s stepped %.3f, max is ±10%%", entry.Parameter, step)
		}
		if entry.Rationale == "" {
			t.Errorf("%s change has no rationale", entry.Parameter)
		}
	}
	if got := config.risk.RangeBreakoutMultiplier; got < 0.5 || got > 0.9 {
		t.Errorf("rangeBreakoutMultiplier = %v, bounds are [0.5, 0.9]", got)
	}
	if config.risk.StateStrengthUpMultiplier > 1.2 {
		t.Errorf("stateStrengthUpMultiplier = %v, cap is 1.2", config.risk.StateStrengthUpMultiplier)
	}
	if config.risk.MacroDriftThreshold > 0.25 {
		t.Errorf("macroDriftThreshold = %v, cap is 0.25", config.risk.MacroDriftThreshold)
	}
	if config.risk.LatePhaseNegativeMultiplier > 1.0 {
		t.Errorf("latePhaseNegativeMultiplier = %v, cap is 1.0", config.risk.LatePhaseNegativeMultiplier)
	}
}

func TestTunerDryRunRecordsButDoesNotApply(t *testing.T) {
	stats := healthyStats()
	stats.RangeBreakout = database.SegmentStats{SampleSize: 5, WinRate: 0.2}
	store := &mockTunerStore{stats: stats}
	config := &mockConfigStore{risk: risk.DefaultConfig(), adaptive: risk.AdaptiveDoc{Enabled: false}}
	tn := testTuner(store, config)

	if err := tn.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.history) == 0 {
		t.Fatal("dry-run evaluation must still record history")
	}
	for _, entry := range store.history {
		if !entry.DryRun {
			t.Errorf("%s recorded as live change with adaptive disabled", entry.Parameter)
		}
	}
	if config.saves != 0 {
		t.Error("dry run must not write the risk document")
	}
	if config.risk.RangeBreakoutMultiplier != risk.DefaultConfig().RangeBreakoutMultiplier {
		t.Error("dry run must not mutate parameters")
	}
}

func TestTunerHonorsPerDayParameterCap(t *testing.T) {
	stats := healthyStats()
	stats.RangeBreakout = database.SegmentStats{SampleSize: 5, WinRate: 0.2}
	stats.MacroDriftExits = database.SegmentStats{SampleSize: 4, AvgR: 0.1}
	stats.LatePhase = database.SegmentStats{SampleSize: 5, AvgR: 1.6}
	store := &mockTunerStore{
		stats:      stats,
		priorToday: map[string]int{"rangeBreakoutMultiplier": 1, "macroDriftThreshold": 1},
	}
	config := &mockConfigStore{risk: risk.DefaultConfig(), adaptive: risk.AdaptiveDoc{Enabled: true}}
	tn := testTuner(store, config)

	if err := tn.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, entry := range store.history {
		if entry.Parameter == "rangeBreakoutMultiplier" || entry.Parameter == "macroDriftThreshold" {
			t.Errorf("%s already changed today, must not change again", entry.Parameter)
		}
	}
	if store.changed("latePhaseNegativeMultiplier") == nil {
		t.Error("uncapped parameter must still change")
	}
}
