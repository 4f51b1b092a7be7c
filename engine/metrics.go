package engine

import (
	"sync"
	"time"
)

// emaAlpha weights the moving averages toward recent samples.
const emaAlpha = 0.2

// ExecutionMetrics is a snapshot of one engine's counters and timings.
// Averages are exponential moving averages in milliseconds. The rates are
// derived from the counters and the engine start time at snapshot time.
type ExecutionMetrics struct {
	Ticks            int64     `json:"ticks"`
	SkippedTicks     int64     `json:"skipped_ticks"`
	Evaluations      int64     `json:"evaluations"`
	SignalsGenerated int64     `json:"signals_generated"`
	OrdersPlaced     int64     `json:"orders_placed"`
	OrdersFailed     int64     `json:"orders_failed"`
	Errors           int64     `json:"errors"`
	AvgTickMs        float64   `json:"avg_tick_ms"`
	AvgEvalMs        float64   `json:"avg_eval_ms"`
	AvgOrderMs       float64   `json:"avg_order_ms"`
	TicksPerMinute   float64   `json:"ticks_per_minute"`
	EvalsPerMinute   float64   `json:"evaluations_per_minute"`
	OrdersPerHour    float64   `json:"orders_per_hour"`
	SuccessRate      float64   `json:"success_rate"`
	ErrorRate        float64   `json:"error_rate"`
	LastTickAt       time.Time `json:"last_tick_at,omitempty"`
}

// tracker accumulates metrics for one engine. Snapshot returns a copy.
type tracker struct {
	mu      sync.Mutex
	started time.Time
	m       ExecutionMetrics
}

// begin anchors the derived rates to the engine start time.
func (t *tracker) begin(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = at
}

func ema(current float64, sample float64) float64 {
	if current == 0 {
		return sample
	}
	return current*(1-emaAlpha) + sample*emaAlpha
}

func (t *tracker) tick(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.Ticks++
	t.m.LastTickAt = time.Now().UTC()
	t.m.AvgTickMs = ema(t.m.AvgTickMs, float64(d)/float64(time.Millisecond))
}

func (t *tracker) skipped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.SkippedTicks++
}

func (t *tracker) evaluation(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.Evaluations++
	t.m.AvgEvalMs = ema(t.m.AvgEvalMs, float64(d)/float64(time.Millisecond))
}

func (t *tracker) signal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.SignalsGenerated++
}

func (t *tracker) order(d time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.AvgOrderMs = ema(t.m.AvgOrderMs, float64(d)/float64(time.Millisecond))
	if success {
		t.m.OrdersPlaced++
	} else {
		t.m.OrdersFailed++
	}
}

func (t *tracker) failure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.Errors++
}

func (t *tracker) snapshot() ExecutionMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.m
	if !t.started.IsZero() {
		if elapsed := time.Since(t.started); elapsed > 0 {
			m.TicksPerMinute = float64(m.Ticks) / elapsed.Minutes()
			m.EvalsPerMinute = float64(m.Evaluations) / elapsed.Minutes()
			m.OrdersPerHour = float64(m.OrdersPlaced+m.OrdersFailed) / elapsed.Hours()
		}
	}
	if attempts := m.OrdersPlaced + m.OrdersFailed; attempts > 0 {
		m.SuccessRate = float64(m.OrdersPlaced) / float64(attempts)
	}
	if m.Ticks > 0 {
		m.ErrorRate = float64(m.Errors) / float64(m.Ticks)
	}
	return m
}
