package observe

import (
	"context"
	"sync"
	"time"

	"atelier/pkg/logx"
)

// Kind groups operations that share a slow threshold.
type Kind string

const (
	KindStore Kind = "store"
	KindLLM   Kind = "llm"
	KindPDF   Kind = "pdf"
)

// DefaultSlowThresholds are the per-kind slow-operation thresholds.
//
//nolint:gochecknoglobals // default table, copied by NewMonitor
var DefaultSlowThresholds = map[Kind]time.Duration{
	KindStore: 1000 * time.Millisecond,
	KindLLM:   5000 * time.Millisecond,
	KindPDF:   20000 * time.Millisecond,
}

// TimeoutWarning is emitted when an operation outlives its soft threshold.
type TimeoutWarning struct {
	Type         string `json:"type"`
	Operation    string `json:"operation"`
	SessionID    string `json:"session_id,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	ThresholdMs  int64  `json:"threshold_ms"`
	ExceededByMs int64  `json:"exceeded_by_ms"`
	Timestamp    string `json:"timestamp"`
}

// Timing is the outcome of a monitored call.
type Timing struct {
	DurationMs int64
	Slow       bool
	TimedOut   bool
}

// Monitor wraps calls with duration tracking, soft-threshold warnings and hard timeouts.
type Monitor struct {
	logger     *logx.Logger
	collector  *Collector
	recorder   Recorder
	thresholds map[Kind]time.Duration

	mu       sync.Mutex
	warnings []TimeoutWarning
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithThreshold overrides the slow threshold of a kind.
func WithThreshold(kind Kind, d time.Duration) MonitorOption {
	return func(m *Monitor) { m.thresholds[kind] = d }
}

// WithRecorder sends slow-operation counts to r.
func WithRecorder(r Recorder) MonitorOption {
	return func(m *Monitor) { m.recorder = r }
}

// NewMonitor creates a monitor recording durations into collector (may be nil).
func NewMonitor(collector *Collector, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		logger:     logx.NewLogger("monitor"),
		collector:  collector,
		recorder:   Nop(),
		thresholds: make(map[Kind]time.Duration, len(DefaultSlowThresholds)),
	}
	for k, v := range DefaultSlowThresholds {
		m.thresholds[k] = v
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Threshold returns the slow threshold for kind.
func (m *Monitor) Threshold(kind Kind) time.Duration {
	return m.thresholds[kind]
}

// Timeout runs fn with a hard deadline (when hard > 0) and emits a timeout_warning
// when it takes longer than soft (when soft > 0).
func (m *Monitor) Timeout(ctx context.Context, operation string, soft, hard time.Duration, fn func(context.Context) error) (Timing, error) {
	runCtx := ctx
	if hard > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, hard)
		defer cancel()
	}

	start := time.Now()
	err := fn(runCtx)
	elapsed := time.Since(start)

	t := Timing{DurationMs: elapsed.Milliseconds()}
	if hard > 0 && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		t.TimedOut = true
		if err == nil {
			err = context.DeadlineExceeded
		}
	}
	if soft > 0 && elapsed > soft {
		t.Slow = true
		m.warn(ctx, operation, elapsed, soft)
	}
	if m.collector != nil {
		m.collector.Record(operation, elapsed, err == nil)
	}
	return t, err
}

// Slow runs fn and warns when it exceeds the slow threshold of kind.
func (m *Monitor) Slow(ctx context.Context, kind Kind, operation string, fn func(context.Context) error) error {
	t, err := m.Timeout(ctx, operation, m.thresholds[kind], 0, fn)
	if t.Slow {
		m.recorder.IncSlow(string(kind), operation)
	}
	return err
}

// Warnings returns the retained timeout warnings, oldest first.
func (m *Monitor) Warnings() []TimeoutWarning {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TimeoutWarning, len(m.warnings))
	copy(out, m.warnings)
	return out
}

const maxWarnings = 200

func (m *Monitor) warn(ctx context.Context, operation string, elapsed, threshold time.Duration) {
	w := TimeoutWarning{
		Type:         "timeout_warning",
		Operation:    operation,
		SessionID:    logx.SessionIDFrom(ctx),
		DurationMs:   elapsed.Milliseconds(),
		ThresholdMs:  threshold.Milliseconds(),
		ExceededByMs: (elapsed - threshold).Milliseconds(),
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	m.mu.Lock()
	m.warnings = append(m.warnings, w)
	if len(m.warnings) > maxWarnings {
		m.warnings = m.warnings[len(m.warnings)-maxWarnings:]
	}
	m.mu.Unlock()
	m.logger.WarnCtx(ctx, "⏱️ %s took %dms (threshold %dms, exceeded by %dms)",
		operation, w.DurationMs, w.ThresholdMs, w.ExceededByMs)
}
