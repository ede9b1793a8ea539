package database

import (
	"context"
	"time"
)

// PipelineCounters is the 24h monitoring rollup.
type PipelineCounters struct {
	WindowHours        int            `json:"window_hours"`
	WebhooksByStatus   map[string]int `json:"webhooks_by_status"`
	SignalsByStatus    map[string]int `json:"signals_by_status"`
	SignalsPending     int            `json:"signals_pending"`
	SignalsProcessed   int            `json:"signals_processed"`
	OrdersByStatus     map[string]int `json:"orders_by_status"`
	OpenPositions      int            `json:"open_positions"`
	TradesFilled       int            `json:"trades_filled"`
	AvgProcessingMs    float64        `json:"avg_processing_ms"`
}

// EngineMetrics summarizes one engine's decisions over the window.
type EngineMetrics struct {
	Engine            string  `json:"engine"`
	Recommendations   int     `json:"recommendations"`
	LiveCount         int     `json:"live_count"`
	ShadowCount       int     `json:"shadow_count"`
	AvgSizeMultiplier float64 `json:"avg_size_multiplier"`
	TradesFilled      int     `json:"trades_filled"`
	RealizedPnL       float64 `json:"realized_pnl"`
}

// SegmentStats summarizes one slice of the closed-position sample. AvgR is
// the mean R multiple: premium move over stop distance at close.
type SegmentStats struct {
	SampleSize int     `json:"sample_size"`
	WinRate    float64 `json:"win_rate"`
	AvgR       float64 `json:"avg_r"`
}

// TradeStats feeds the adaptive tuner's daily evaluation. Each tuned
// parameter reads its own segment, not the aggregate.
type TradeStats struct {
	SampleSize      int     `json:"sample_size"`
	WinRate         float64 `json:"win_rate"`
	StopOutRate     float64 `json:"stop_out_rate"`
	PartialExitRate float64 `json:"partial_exit_rate"`
	AvgRealizedPnL  float64 `json:"avg_realized_pnl"`

	RangeBreakout    SegmentStats `json:"range_breakout"`    // BREAKOUT entries taken in a RANGE regime
	HighAcceleration SegmentStats `json:"high_acceleration"` // entry stateStrengthDelta at the sizing cap
	MacroDriftExits  SegmentStats `json:"macro_drift_exits"` // closed by macro-drift exit pressure
	LatePhase        SegmentStats `json:"late_phase"`        // entered during a LATE trend phase
}

// GetPipelineCounters computes the monitoring rollup over the window.
func (r *Repository) GetPipelineCounters(ctx context.Context, window time.Duration) (*PipelineCounters, error) {
	since := windowStart(window)
	c := &PipelineCounters{
		WindowHours:      int(window.Hours()),
		WebhooksByStatus: map[string]int{},
		SignalsByStatus:  map[string]int{},
		OrdersByStatus:   map[string]int{},
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(AVG(processing_time_ms), 0)
		FROM webhook_events WHERE created_at >= $1 GROUP BY status
	`, since)
	if err != nil {
		return nil, err
	}
	var totalEvents int
	var weightedMs float64
	for rows.Next() {
		var status string
		var count int
		var avgMs float64
		if err := rows.Scan(&status, &count, &avgMs); err != nil {
			rows.Close()
			return nil, err
		}
		c.WebhooksByStatus[status] = count
		totalEvents += count
		weightedMs += avgMs * float64(count)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if totalEvents > 0 {
		c.AvgProcessingMs = weightedMs / float64(totalEvents)
	}

	rows, err = r.db.Pool.Query(ctx, `
		SELECT status, processed, COUNT(*) FROM signals WHERE created_at >= $1 GROUP BY status, processed
	`, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var processed bool
		var count int
		if err := rows.Scan(&status, &processed, &count); err != nil {
			rows.Close()
			return nil, err
		}
		c.SignalsByStatus[status] += count
		if processed {
			c.SignalsProcessed += count
		} else {
			c.SignalsPending += count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.Pool.Query(ctx, `
		SELECT status, COUNT(*) FROM orders WHERE created_at >= $1 GROUP BY status
	`, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		c.OrdersByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM refactored_positions WHERE status != $1
	`, PositionStatusClosed).Scan(&c.OpenPositions)
	if err != nil {
		return nil, err
	}

	err = r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM trades WHERE created_at >= $1
	`, since).Scan(&c.TradesFilled)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// GetEngineMetrics summarizes both engines' decisions over the window.
func (r *Repository) GetEngineMetrics(ctx context.Context, window time.Duration) ([]*EngineMetrics, error) {
	since := windowStart(window)
	rows, err := r.db.Pool.Query(ctx, `
		SELECT engine,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE is_shadow = FALSE),
		       COUNT(*) FILTER (WHERE is_shadow = TRUE),
		       COALESCE(AVG(size_multiplier), 0)
		FROM decision_recommendations
		WHERE created_at >= $1
		GROUP BY engine
		ORDER BY engine
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var metrics []*EngineMetrics
	for rows.Next() {
		m := &EngineMetrics{}
		if err := rows.Scan(&m.Engine, &m.Recommendations, &m.LiveCount, &m.ShadowCount, &m.AvgSizeMultiplier); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range metrics {
		err := r.db.Pool.QueryRow(ctx, `
			SELECT COUNT(t.id), COALESCE(SUM(p.realized_pnl), 0)
			FROM trades t
			LEFT JOIN refactored_positions p ON p.trade_id = t.id
			WHERE t.engine = $1 AND t.created_at >= $2
		`, m.Engine, since).Scan(&m.TradesFilled, &m.RealizedPnL)
		if err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

// GetTradeStats computes closed-position outcomes over the window for the
// adaptive tuner, overall and per tuned segment. Segment membership comes
// from the entry-time bias snapshot and the recorded exit reason; the R
// multiple is the premium move over the stop distance at close.
func (r *Repository) GetTradeStats(ctx context.Context, window time.Duration) (*TradeStats, error) {
	since := windowStart(window)
	stats := &TradeStats{}
	var wins, stopOuts, partials int
	var rb, ha, md, lp segmentScan
	err := r.db.Pool.QueryRow(ctx, `
		WITH closed AS (
			SELECT realized_pnl,
			       exit_reason,
			       CASE WHEN stop_distance > 0
			            THEN (current_price - entry_price) / stop_distance
			            ELSE 0 END AS r_multiple,
			       strategy_type = 'BREAKOUT'
			           AND entry_state->>'regimeType' = 'RANGE' AS range_breakout,
			       COALESCE((entry_state->'acceleration'->>'stateStrengthDelta')::float, 0) >= 15 AS high_accel,
			       exit_reason = 'MACRO_DRIFT_EXIT_PRESSURE' AS macro_drift,
			       entry_state->>'trendPhase' = 'LATE' AS late_phase
			FROM refactored_positions
			WHERE status = $1 AND exit_at >= $2
		)
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE realized_pnl > 0),
		       COUNT(*) FILTER (WHERE exit_reason = 'STOP_HIT'),
		       COUNT(*) FILTER (WHERE exit_reason = 'PARTIAL_THEN_CLOSED'),
		       COALESCE(AVG(realized_pnl), 0),
		       COUNT(*) FILTER (WHERE range_breakout),
		       COUNT(*) FILTER (WHERE range_breakout AND realized_pnl > 0),
		       COALESCE(AVG(r_multiple) FILTER (WHERE range_breakout), 0),
		       COUNT(*) FILTER (WHERE high_accel),
		       COUNT(*) FILTER (WHERE high_accel AND realized_pnl > 0),
		       COALESCE(AVG(r_multiple) FILTER (WHERE high_accel), 0),
		       COUNT(*) FILTER (WHERE macro_drift),
		       COUNT(*) FILTER (WHERE macro_drift AND realized_pnl > 0),
		       COALESCE(AVG(r_multiple) FILTER (WHERE macro_drift), 0),
		       COUNT(*) FILTER (WHERE late_phase),
		       COUNT(*) FILTER (WHERE late_phase AND realized_pnl > 0),
		       COALESCE(AVG(r_multiple) FILTER (WHERE late_phase), 0)
		FROM closed
	`, PositionStatusClosed, since).Scan(
		&stats.SampleSize, &wins, &stopOuts, &partials, &stats.AvgRealizedPnL,
		&rb.count, &rb.wins, &rb.avgR,
		&ha.count, &ha.wins, &ha.avgR,
		&md.count, &md.wins, &md.avgR,
		&lp.count, &lp.wins, &lp.avgR,
	)
	if err != nil {
		return nil, err
	}
	if stats.SampleSize > 0 {
		n := float64(stats.SampleSize)
		stats.WinRate = float64(wins) / n
		stats.StopOutRate = float64(stopOuts) / n
		stats.PartialExitRate = float64(partials) / n
	}
	stats.RangeBreakout = rb.segment()
	stats.HighAcceleration = ha.segment()
	stats.MacroDriftExits = md.segment()
	stats.LatePhase = lp.segment()
	return stats, nil
}

type segmentScan struct {
	count int
	wins  int
	avgR  float64
}

func (s segmentScan) segment() SegmentStats {
	seg := SegmentStats{SampleSize: s.count, AvgR: s.avgR}
	if s.count > 0 {
		seg.WinRate = float64(s.wins) / float64(s.count)
	}
	return seg
}
