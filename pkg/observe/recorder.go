package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives workflow metrics.
type Recorder interface {
	// ObserveLLM records a completed LLM request.
	ObserveLLM(model, operation string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration)

	// ObserveNode records one graph node execution; outcome is ok, interrupt or error.
	ObserveNode(node, outcome string, duration time.Duration)

	// IncSlow counts operations over their slow threshold.
	IncSlow(kind, operation string)

	// IncSession counts sessions reaching a status.
	IncSession(status string)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder {
	return NoopRecorder{}
}

func (NoopRecorder) ObserveLLM(_, _ string, _, _ int, _ bool, _ string, _ time.Duration) {}
func (NoopRecorder) ObserveNode(_, _ string, _ time.Duration)                          {}
func (NoopRecorder) IncSlow(_, _ string)                                               {}
func (NoopRecorder) IncSession(_ string)                                               {}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	llmRequests  *prometheus.CounterVec
	llmTokens    *prometheus.CounterVec
	llmDuration  *prometheus.HistogramVec
	nodeDuration *prometheus.HistogramVec
	slowTotal    *prometheus.CounterVec
	sessions     *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors on reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		llmRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_llm_requests_total",
				Help: "Total number of LLM requests by model, operation and status",
			},
			[]string{"model", "operation", "status", "error_type"},
		),
		llmTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "operation", "type"},
		),
		llmDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atelier_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "operation"},
		),
		nodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atelier_node_duration_seconds",
				Help:    "Duration of workflow node executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
			},
			[]string{"node", "outcome"},
		),
		slowTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_slow_operations_total",
				Help: "Operations that exceeded their slow threshold",
			},
			[]string{"kind", "operation"},
		),
		sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_sessions_total",
				Help: "Session status transitions",
			},
			[]string{"status"},
		),
	}
}

func (p *PrometheusRecorder) ObserveLLM(
	model, operation string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}
	p.llmRequests.WithLabelValues(model, operation, status, errorType).Inc()
	if success {
		p.llmTokens.WithLabelValues(model, operation, "prompt").Add(float64(promptTokens))
		p.llmTokens.WithLabelValues(model, operation, "completion").Add(float64(completionTokens))
	}
	p.llmDuration.WithLabelValues(model, operation).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveNode(node, outcome string, duration time.Duration) {
	p.nodeDuration.WithLabelValues(node, outcome).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncSlow(kind, operation string) {
	p.slowTotal.WithLabelValues(kind, operation).Inc()
}

func (p *PrometheusRecorder) IncSession(status string) {
	p.sessions.WithLabelValues(status).Inc()
}
