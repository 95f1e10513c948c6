package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"atelier/pkg/analyst"
	"atelier/pkg/challenge"
	"atelier/pkg/expert"
	"atelier/pkg/graph"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

// Aggregator turns the expert results into the final report. It returns the
// structured_report object.
type Aggregator interface {
	Aggregate(ctx context.Context, s graph.State) (map[string]any, error)
}

// Section is the part of the report contributed by one expert.
type Section struct {
	RoleID       string           `json:"role_id"`
	RoleName     string           `json:"role_name"`
	Summary      string           `json:"summary"`
	Deliverables []map[string]any `json:"deliverables"`
	Insights     []string         `json:"insights,omitempty"`
	Confidence   float64          `json:"confidence"`
	Fallback     bool             `json:"fallback"`
}

// ReportAggregator is the default Aggregator. Sections are ordered by role id,
// search references are deduplicated by URL and the report confidence is the
// mean over experts that did not fall back.
type ReportAggregator struct{}

// Aggregate implements Aggregator.
func (ReportAggregator) Aggregate(_ context.Context, s graph.State) (map[string]any, error) {
	results, _ := graph.Decode[map[string]proto.AnalysisResult](s, proto.KeyAgentResults)
	ids := make([]string, 0, len(results))
	for id := range results {
		if id != analyst.NodeName {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	sections := make([]Section, 0, len(ids))
	refs := []expert.SearchReference{}
	seen := map[string]bool{}
	var total float64
	var counted int
	for _, id := range ids {
		r := results[id]
		sec := Section{
			RoleID:     id,
			RoleName:   utils.AsString(r.Metadata[expert.MetaRoleName]),
			Summary:    expert.Summary(r),
			Confidence: r.Confidence,
			Fallback:   expert.IsFallback(r),
		}
		report := utils.AsMap(r.StructuredData["task_execution_report"])
		for _, it := range asList(report["deliverable_outputs"]) {
			if m := utils.AsMap(it); m != nil {
				sec.Deliverables = append(sec.Deliverables, m)
			}
		}
		sec.Insights = utils.AsStringSlice(report["additional_insights"])
		sections = append(sections, sec)

		if !sec.Fallback {
			total += r.Confidence
			counted++
		}
		found, _ := graph.As[[]expert.SearchReference](r.Metadata[expert.MetaSearchReferences])
		for _, ref := range found {
			key := ref.URL
			if key == "" {
				key = ref.Title
			}
			if !seen[key] {
				seen[key] = true
				refs = append(refs, ref)
			}
		}
	}

	confidence := 0.0
	if counted > 0 {
		confidence = total / float64(counted)
	}
	report := map[string]any{
		"sections":          sections,
		"search_references": refs,
		"confidence":        confidence,
		"expert_count":      len(ids),
		"fallback_count":    len(ids) - counted,
		"generated_at":      time.Now().UTC().Format(time.RFC3339),
	}
	if structured := s.Map(proto.KeyStructuredRequirements); structured != nil {
		report["project_task"] = structured["project_task"]
	}
	if failed := s.Map(proto.KeyBatchErrors); len(failed) > 0 {
		report["batch_errors"] = failed
	}
	if unresolved := pendingUncertainty(s); len(unresolved) > 0 {
		report["unresolved_questions"] = unresolved
	}
	return report, nil
}

func asList(v any) []any {
	items, _ := v.([]any)
	return items
}

// pendingUncertainty lists the clarifications that outlived the revisit budget.
func pendingUncertainty(s graph.State) []string {
	var out []string
	for _, it := range s.List(proto.KeyChallengeLog) {
		m := utils.AsMap(it)
		if utils.AsString(m["action"]) != challenge.ActionBudgetReached {
			continue
		}
		flag := utils.AsMap(m["flag"])
		item := strings.TrimSpace(utils.AsString(flag["challenged_item"]) + "：" + utils.AsString(flag["rationale"]))
		out = append(out, fmt.Sprintf("%s（%s）", item, utils.AsString(m["role_id"])))
	}
	return out
}

// aggregate runs the Aggregator and publishes its report.
func (w *Workflow) aggregate(ctx context.Context, in graph.Input) (graph.Result, error) {
	report, err := w.aggregator.Aggregate(ctx, in.State)
	if err != nil {
		return graph.Result{}, fmt.Errorf("aggregate report: %w", err)
	}
	update := map[string]any{
		proto.KeyStructuredReport: report,
		proto.KeyProcessingLog:    proto.LogNote(NodeAggregate, "报告已汇总"),
	}
	if refs, ok := report["search_references"]; ok {
		update[proto.KeySearchReferences] = refs
	}
	return graph.Goto(graph.END, update), nil
}
