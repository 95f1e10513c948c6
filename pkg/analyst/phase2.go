package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"atelier/pkg/capability"
	"atelier/pkg/graph"
	"atelier/pkg/jsonx"
	"atelier/pkg/llm"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

// Structured output fields produced by the deep analysis.
var structuredFields = []string{ //nolint:gochecknoglobals // fixed schema
	"project_task",
	"character_narrative",
	"physical_context",
	"resource_constraints",
	"regulatory_requirements",
	"inspiration_references",
	"experience_behavior",
	"design_challenge",
}

const defaultPermissionToDiverge = "如果专业判断与以上分析不一致，请明确提出并说明理由，允许偏离既有结论。"

// phase2 is the five-layer deep analysis.
func (a *Analyst) phase2(ctx context.Context, in graph.Input) (graph.Result, error) {
	start := time.Now()
	s := in.State
	text := s.String(keyUserInput)
	pre, _ := graph.Decode[capability.Result](s, keyPrecheck)
	p1, _ := graph.Decode[Phase1](s, keyPhase1)
	challenges, _ := graph.Decode[[]proto.ChallengeFlag](s, keyChallenges)

	p2, err := a.phase2LLM(ctx, text, p1, challenges)
	if err != nil {
		a.logger.WarnCtx(ctx, "phase2 degraded to fallback: %v", err)
		p2 = fallbackPhase2(p1, pre)
	}
	a.logger.InfoCtx(ctx, "phase2: sharpness=%.0f critical_questions=%d", p2.Sharpness(), len(p2.ExpertHandoff.CriticalQuestions))
	return graph.Update(map[string]any{
		keyPhase2:   p2,
		keyPhase2Ms: time.Since(start).Milliseconds(),
	}), nil
}

func (a *Analyst) phase2LLM(ctx context.Context, text string, p1 Phase1, challenges []proto.ChallengeFlag) (*Phase2, error) {
	if a.client == nil {
		return nil, llm.NewError(llm.ErrorTypeUnavailable, llm.ErrUnavailable)
	}
	raw, err := json.MarshalIndent(p1, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("phase1 output: %w", err)
	}
	system, user, err := a.store.Render(prompts.AnalystPhase2, map[string]string{
		"datetime_info":     a.datetime(),
		"user_input":        text,
		"phase1_output":     string(raw),
		"challenge_context": challengeContext(challenges),
	})
	if err != nil {
		return nil, err
	}
	content, err := llm.CompleteText(ctx, a.client, llm.NewCompletionRequest("analyst.phase2", system, user), a.timeout)
	if err != nil {
		return nil, err
	}
	return ParsePhase2(content)
}

// ParsePhase2 decodes a deep-analysis response. A response with neither analysis
// layers nor structured output is rejected.
func ParsePhase2(content string) (*Phase2, error) {
	obj, err := jsonx.ExtractObject(content)
	if err != nil {
		return nil, err
	}
	p := &Phase2{
		AnalysisLayers:   utils.AsMap(obj["analysis_layers"]),
		StructuredOutput: utils.AsMap(obj["structured_output"]),
		ProjectOverview:  utils.AsString(obj["project_overview"]),
		ExpertHandoff:    decodeHandoff(obj["expert_handoff"]),
	}
	if len(p.AnalysisLayers) == 0 && len(p.StructuredOutput) == 0 {
		return nil, fmt.Errorf("phase2 response without analysis: %w", jsonx.ErrNoJSON)
	}
	if p.AnalysisLayers == nil {
		p.AnalysisLayers = map[string]any{}
	}
	if p.StructuredOutput == nil {
		p.StructuredOutput = map[string]any{}
	}
	return p, nil
}

// decodeHandoff accepts the documented shape plus common variants: questions as
// a flat list, stances as plain strings.
func decodeHandoff(v any) proto.ExpertHandoff {
	m := utils.AsMap(v)
	h := proto.ExpertHandoff{
		CriticalQuestions:          map[string][]string{},
		DesignChallengeSpectrum:    []proto.Stance{},
		AlternativeInterpretations: utils.AsStringSlice(m["alternative_interpretations"]),
		UncertaintyFlags:           utils.AsStringSlice(m["uncertainty_flags"]),
		PermissionToDiverge:        utils.AsString(m["permission_to_diverge"]),
	}
	switch q := m["critical_questions_for_experts"].(type) {
	case map[string]any:
		for role, list := range q {
			if qs := utils.AsStringSlice(list); len(qs) > 0 {
				h.CriticalQuestions[role] = qs
			}
		}
	case []any:
		if qs := utils.AsStringSlice(q); len(qs) > 0 {
			h.CriticalQuestions["general"] = qs
		}
	}
	items, _ := m["design_challenge_spectrum"].([]any)
	for _, it := range items {
		switch x := it.(type) {
		case string:
			h.DesignChallengeSpectrum = append(h.DesignChallengeSpectrum, proto.Stance{Name: x})
		case map[string]any:
			st := proto.Stance{Name: utils.AsString(x["name"]), Description: utils.AsString(x["description"])}
			if st.Name == "" {
				st.Name = utils.AsString(x["stance"])
			}
			if st.Name != "" {
				h.DesignChallengeSpectrum = append(h.DesignChallengeSpectrum, st)
			}
		}
	}
	if h.AlternativeInterpretations == nil {
		h.AlternativeInterpretations = []string{}
	}
	if h.UncertaintyFlags == nil {
		h.UncertaintyFlags = []string{}
	}
	if h.PermissionToDiverge == "" {
		h.PermissionToDiverge = defaultPermissionToDiverge
	}
	return h
}

// fallbackPhase2 assembles a shallow analysis from the precheck matches.
func fallbackPhase2(p1 Phase1, pre capability.Result) *Phase2 {
	matched := map[string]string{}
	var facts []string
	for _, d := range pre.Info.Dimensions {
		if d.Present {
			matched[d.Name] = strings.Join(d.Matched, "、")
			facts = append(facts, d.Name+"："+matched[d.Name])
		}
	}
	resources := strings.Trim(matched["budget"]+"、"+matched["time"], "、")

	structured := map[string]any{
		"project_task":            p1.ProjectSummary,
		"character_narrative":     matched["user_identity"],
		"physical_context":        matched["space_constraint"],
		"resource_constraints":    resources,
		"regulatory_requirements": "",
		"inspiration_references":  matched["style_preference"],
		"experience_behavior":     matched["functional_needs"],
		"design_challenge":        "",
	}
	if facts == nil {
		facts = []string{}
	}
	handoff := decodeHandoff(nil)
	if len(pre.Hints) > 0 {
		handoff.CriticalQuestions["general"] = append([]string(nil), pre.Hints...)
	}
	return &Phase2{
		AnalysisLayers: map[string]any{
			"L1_facts":        facts,
			"L2_user_model":   matched["user_identity"],
			"L3_core_tension": "",
			"L4_project_task": p1.ProjectSummary,
			"L5_sharpness":    map[string]any{"score": 0, "reason": "fallback"},
		},
		StructuredOutput: structured,
		ProjectOverview:  p1.ProjectSummary,
		ExpertHandoff:    handoff,
		Fallback:         true,
	}
}

// sharpness reads analysis_layers.L5_sharpness.score, accepting a bare number.
func sharpness(layers map[string]any) float64 {
	v := layers["L5_sharpness"]
	if m := utils.AsMap(v); m != nil {
		v = m["score"]
	}
	f, ok := utils.AsFloat(v)
	if !ok || math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(f, 100))
}
