package worker

import (
	"context"
	"fmt"
	"math"
	"time"

	"signal-pipeline/internal/database"
	"signal-pipeline/internal/errtrack"
	"signal-pipeline/internal/flags"
	"signal-pipeline/internal/logging"
	"signal-pipeline/internal/risk"
)

// Tuner evaluation thresholds. Each rule reads its own segment of the closed
// trade sample.
const (
	tunerMinSampleSize = 10
	tunerMaxStepPct    = 0.10 // per parameter per day
	tunerWindow        = 7 * 24 * time.Hour

	rangeBreakoutBadWinRate = 0.35
	highAccelGoodAvgR       = 1.5
	macroDriftMinExits      = 3
	macroDriftBadAvgR       = 0.3
	latePhaseGoodAvgR       = 1.0
)

// Parameter bounds the tuner may never cross, and the targets it steps
// toward.
const (
	minRangeBreakoutMultiplier = 0.5
	maxRangeBreakoutMultiplier = 0.9
	rangeBreakoutTarget        = 0.6
	maxStateStrengthUp         = 1.2
	minStateStrengthUp         = 1.0
	minMacroDriftThreshold     = 0.15
	maxMacroDriftThreshold     = 0.25
	minLatePhaseMultiplier     = 0.7
	maxLatePhaseMultiplier     = 1.0
)

// TunerStore is the statistics and history surface.
type TunerStore interface {
	GetTradeStats(ctx context.Context, window time.Duration) (*database.TradeStats, error)
	RecordAdaptiveChange(ctx context.Context, entry *database.AdaptiveHistoryEntry) error
	AdaptiveChangesToday(ctx context.Context, parameter string, dayStart time.Time) (int, error)
}

// ConfigStore reads and writes the tuned documents.
type ConfigStore interface {
	LoadRisk(ctx context.Context) (risk.Config, error)
	SaveRisk(ctx context.Context, cfg risk.Config) error
	LoadAdaptive(ctx context.Context) (risk.AdaptiveDoc, error)
	SaveAdaptive(ctx context.Context, doc risk.AdaptiveDoc) error
}

// Tuner nudges bounded risk parameters once per calendar day based on closed
// trade outcomes. With the adaptive flag off it evaluates in dry-run: changes
// are recorded in history but never written to the risk document.
type Tuner struct {
	store  TunerStore
	config ConfigStore
	flags  FlagReader
	errs   *errtrack.Tracker
	logger *logging.Logger
	now    func() time.Time
}

// NewTuner creates the adaptive tuner.
func NewTuner(store TunerStore, config ConfigStore, fl FlagReader, errs *errtrack.Tracker, logger *logging.Logger) *Tuner {
	return &Tuner{
		store:  store,
		config: config,
		flags:  fl,
		errs:   errs,
		logger: logger.WithComponent("tuner"),
		now:    time.Now,
	}
}

// Run checks hourly whether today's evaluation is due.
func (t *Tuner) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	t.maybeRun(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.maybeRun(ctx)
		}
	}
}

func (t *Tuner) maybeRun(ctx context.Context) {
	if err := t.RunOnce(ctx); err != nil {
		t.logger.Error("tuner evaluation failed", "error", err)
		t.errs.RecordErr("tuner", err)
	}
}

// RunOnce evaluates once per calendar day; repeated calls on the same day are
// no-ops.
func (t *Tuner) RunOnce(ctx context.Context) error {
	today := t.now().UTC().Format("2006-01-02")

	doc, err := t.config.LoadAdaptive(ctx)
	if err != nil {
		return err
	}
	if doc.LastRunDate == today {
		return nil
	}

	stats, err := t.store.GetTradeStats(ctx, tunerWindow)
	if err != nil {
		return fmt.Errorf("load trade stats: %w", err)
	}
	if stats.SampleSize < tunerMinSampleSize {
		t.logger.Info("sample too small, skipping evaluation",
			"sample_size", stats.SampleSize, "required", tunerMinSampleSize)
		doc.LastRunDate = today
		return t.config.SaveAdaptive(ctx, doc)
	}

	cfg, err := t.config.LoadRisk(ctx)
	if err != nil {
		return err
	}

	dryRun := !t.flags.Enabled(flags.AdaptiveTunerEnabled) || !doc.Enabled
	changed := false
	apply := func(parameter string, current float64, proposed float64, rationale string) float64 {
		proposed = roundParam(proposed)
		if proposed == current {
			return current
		}
		dayStart := t.now().UTC().Truncate(24 * time.Hour)
		count, err := t.store.AdaptiveChangesToday(ctx, parameter, dayStart)
		if err != nil || count > 0 {
			return current
		}
		entry := &database.AdaptiveHistoryEntry{
			Parameter:     parameter,
			PreviousValue: current,
			NewValue:      proposed,
			Rationale:     rationale,
			DryRun:        dryRun,
		}
		if err := t.store.RecordAdaptiveChange(ctx, entry); err != nil {
			t.logger.Error("failed to record change", "parameter", parameter, "error", err)
			return current
		}
		t.logger.Info("parameter evaluated",
			"parameter", parameter, "from", current, "to", proposed,
			"dry_run", dryRun, "rationale", rationale)
		if dryRun {
			return current
		}
		changed = true
		return proposed
	}

	// Rule 1: breakout entries taken inside ranges that keep losing walk the
	// size multiplier toward 0.6.
	if rb := stats.RangeBreakout; rb.SampleSize > 0 && rb.WinRate < rangeBreakoutBadWinRate {
		cfg.RangeBreakoutMultiplier = apply("rangeBreakoutMultiplier", cfg.RangeBreakoutMultiplier,
			clamp(stepToward(cfg.RangeBreakoutMultiplier, rangeBreakoutTarget),
				minRangeBreakoutMultiplier, maxRangeBreakoutMultiplier),
			fmt.Sprintf("range-breakout win rate %.2f below %.2f over %d trades",
				rb.WinRate, rangeBreakoutBadWinRate, rb.SampleSize))
	}

	// Rule 2: strong-acceleration entries earning outsized R raise the size
	// bonus toward its 1.2 cap.
	if ha := stats.HighAcceleration; ha.SampleSize > 0 && ha.AvgR > highAccelGoodAvgR {
		cfg.StateStrengthUpMultiplier = apply("stateStrengthUpMultiplier", cfg.StateStrengthUpMultiplier,
			clamp(stepToward(cfg.StateStrengthUpMultiplier, maxStateStrengthUp),
				minStateStrengthUp, maxStateStrengthUp),
			fmt.Sprintf("high-acceleration avg R %.2f above %.2f over %d trades",
				ha.AvgR, highAccelGoodAvgR, ha.SampleSize))
	}

	// Rule 3: three or more macro-drift exits surrendering almost no R mean
	// the pressure fires too early; the threshold rises toward 0.25.
	if md := stats.MacroDriftExits; md.SampleSize >= macroDriftMinExits && md.AvgR < macroDriftBadAvgR {
		cfg.MacroDriftThreshold = apply("macroDriftThreshold", cfg.MacroDriftThreshold,
			clamp(stepToward(cfg.MacroDriftThreshold, maxMacroDriftThreshold),
				minMacroDriftThreshold, maxMacroDriftThreshold),
			fmt.Sprintf("%d macro-drift exits with avg R %.2f below %.2f",
				md.SampleSize, md.AvgR, macroDriftBadAvgR))
	}

	// Rule 4: late-phase entries paying more than 1R relax the penalty back
	// toward neutral.
	if lp := stats.LatePhase; lp.SampleSize > 0 && lp.AvgR > latePhaseGoodAvgR {
		cfg.LatePhaseNegativeMultiplier = apply("latePhaseNegativeMultiplier", cfg.LatePhaseNegativeMultiplier,
			clamp(stepToward(cfg.LatePhaseNegativeMultiplier, maxLatePhaseMultiplier),
				minLatePhaseMultiplier, maxLatePhaseMultiplier),
			fmt.Sprintf("late-phase avg R %.2f above %.2f over %d trades",
				lp.AvgR, latePhaseGoodAvgR, lp.SampleSize))
	}

	if changed {
		if err := t.config.SaveRisk(ctx, cfg); err != nil {
			return fmt.Errorf("save tuned risk config: %w", err)
		}
	}

	doc.LastRunDate = today
	return t.config.SaveAdaptive(ctx, doc)
}

// stepToward moves current toward target, limited to one daily step of
// tunerMaxStepPct.
func stepToward(current, target float64) float64 {
	step := math.Abs(current) * tunerMaxStepPct
	if target > current {
		return math.Min(current+step, target)
	}
	return math.Max(current-step, target)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// roundParam keeps stored parameters to four decimals so repeated nudges stay
// comparable.
func roundParam(v float64) float64 {
	return math.Round(v*10000) / 10000
}
