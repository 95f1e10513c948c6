// Package metrics queries a Prometheus server for the LLM usage the
// workflow exported through /metrics.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"atelier/pkg/logx"
)

// OperationUsage aggregates token usage and failures for one LLM operation.
type OperationUsage struct {
	Operation        string `json:"operation"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Errors           int64  `json:"errors"`
}

// QueryService reads atelier_* series from Prometheus.
type QueryService struct {
	queryAPI v1.API
	logger   *logx.Logger
	now      func() time.Time
}

// NewQueryService creates a query service for the server at prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		queryAPI: v1.NewAPI(client),
		logger:   logx.NewLogger("metrics"),
		now:      time.Now,
	}, nil
}

// Usage returns per-operation token and error totals, sorted by total tokens
// descending. A positive window limits the totals to that trailing range.
func (q *QueryService) Usage(ctx context.Context, window time.Duration) ([]OperationUsage, error) {
	byOp := make(map[string]*OperationUsage)
	get := func(op string) *OperationUsage {
		u, ok := byOp[op]
		if !ok {
			u = &OperationUsage{Operation: op}
			byOp[op] = u
		}
		return u
	}

	tokens, err := q.vector(ctx, sumBy("atelier_llm_tokens_total", "", window, "operation", "type"))
	if err != nil {
		return nil, fmt.Errorf("failed to query tokens: %w", err)
	}
	for _, sample := range tokens {
		u := get(string(sample.Metric["operation"]))
		switch sample.Metric["type"] {
		case "prompt":
			u.PromptTokens += int64(sample.Value)
		case "completion":
			u.CompletionTokens += int64(sample.Value)
		}
	}

	failures, err := q.vector(ctx, sumBy("atelier_llm_requests_total", `status="error"`, window, "operation"))
	if err != nil {
		return nil, fmt.Errorf("failed to query errors: %w", err)
	}
	for _, sample := range failures {
		get(string(sample.Metric["operation"])).Errors += int64(sample.Value)
	}

	out := make([]OperationUsage, 0, len(byOp))
	for _, u := range byOp {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalTokens != out[j].TotalTokens {
			return out[i].TotalTokens > out[j].TotalTokens
		}
		return out[i].Operation < out[j].Operation
	})
	return out, nil
}

func (q *QueryService) vector(ctx context.Context, query string) (model.Vector, error) {
	result, warnings, err := q.queryAPI.Query(ctx, query, q.now())
	if err != nil {
		return nil, err //nolint:wrapcheck // callers add the query context
	}
	for _, w := range warnings {
		q.logger.Warn("prometheus: %s", w)
	}
	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %s", result.Type())
	}
	return vector, nil
}

func sumBy(metric, selector string, window time.Duration, labels ...string) string {
	series := metric
	if selector != "" {
		series = fmt.Sprintf("%s{%s}", metric, selector)
	}
	if window > 0 {
		series = fmt.Sprintf("increase(%s[%s])", series, model.Duration(window))
	}
	return fmt.Sprintf("sum by (%s) (%s)", strings.Join(labels, ", "), series)
}
