package analyst

import (
	"context"
	"math"

	"atelier/pkg/capability"
	"atelier/pkg/graph"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

// output merges both phases, normalizes the task wording and tags the project.
func (a *Analyst) output(ctx context.Context, in graph.Input) (graph.Result, error) {
	s := in.State
	text := s.String(keyUserInput)
	pre, _ := graph.Decode[capability.Result](s, keyPrecheck)
	rec, _ := graph.Decode[capability.CheckRecord](s, keyBoundaryRec)
	p1, _ := graph.Decode[Phase1](s, keyPhase1)
	p2, hasPhase2 := graph.Decode[*Phase2](s, keyPhase2)

	mode := proto.AnalysisPhase1Only
	handoff := phase1Handoff(pre)
	if hasPhase2 && p2 != nil {
		mode = proto.AnalysisTwoPhase
		handoff = p2.ExpertHandoff
	} else {
		p2 = nil
	}

	projectType := InferProjectType(text, p1.ProjectTypePreliminary)
	structured := mergeStructured(text, p1, p2)
	structured["project_type"] = projectType
	structured["analysis_mode"] = mode

	out := Output{
		AnalysisMode:           mode,
		ProjectType:            projectType,
		StructuredRequirements: structured,
		ExpertHandoff:          handoff,
		Confidence:             Confidence(p1, p2, handoff),
		Phase1:                 p1,
		Phase2:                 p2,
		Precheck:               pre,
		CapabilityCheck:        rec,
		Timings: Timings{
			PrecheckMs: int64(s.Int(keyPrecheckMs)),
			Phase1Ms:   int64(s.Int(keyPhase1Ms)),
			Phase2Ms:   int64(s.Int(keyPhase2Ms)),
		},
	}
	return graph.Update(map[string]any{keyOutput: out}), nil
}

// mergeStructured builds structured_requirements from the triage and, when
// present, the deep analysis.
func mergeStructured(text string, p1 Phase1, p2 *Phase2) map[string]any {
	out := make(map[string]any, len(structuredFields)+8)
	for _, f := range structuredFields {
		out[f] = ""
	}
	overview := p1.ProjectSummary
	if p2 != nil {
		for k, v := range p2.StructuredOutput {
			out[k] = v
		}
		out["analysis_layers"] = p2.AnalysisLayers
		if p2.ProjectOverview != "" {
			overview = p2.ProjectOverview
		}
	}
	if overview == "" {
		overview = utils.Truncate(text, summaryRunes)
	}
	switch task := out["project_task"].(type) {
	case string:
		if task == "" {
			task = overview
		}
		out["project_task"] = NormalizeJTBD(task)
	case nil:
		out["project_task"] = NormalizeJTBD(overview)
	}
	out["project_overview"] = NormalizeJTBD(overview)
	out["project_summary"] = p1.ProjectSummary
	out["info_status"] = p1.InfoStatus
	out["info_status_reason"] = p1.InfoStatusReason
	out["recommended_next_step"] = p1.RecommendedNextStep
	out["primary_deliverables"] = p1.PrimaryDeliverables
	return out
}

// phase1Handoff is the handoff used when the deep analysis did not run: the
// precheck's open points become questions for every expert.
func phase1Handoff(pre capability.Result) proto.ExpertHandoff {
	h := decodeHandoff(nil)
	if len(pre.Hints) > 0 {
		h.CriticalQuestions["general"] = append([]string(nil), pre.Hints...)
	}
	h.UncertaintyFlags = append(h.UncertaintyFlags, pre.Info.MissingDimensions...)
	return h
}

// Confidence scores an analysis: 0.5 base, +0.1 for sufficient information,
// +0.1 for identified deliverables, up to +0.2 from the L5 sharpness score and
// +0.1 when experts received critical questions.
func Confidence(p1 Phase1, p2 *Phase2, h proto.ExpertHandoff) float64 {
	c := 0.5
	if p1.InfoStatus == InfoSufficient {
		c += 0.1
	}
	if len(p1.PrimaryDeliverables) > 0 {
		c += 0.1
	}
	c += math.Min(p2.Sharpness()/200, 0.2)
	if len(h.CriticalQuestions) > 0 {
		c += 0.1
	}
	return math.Round(math.Min(c, 1)*100) / 100
}
