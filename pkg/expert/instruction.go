package expert

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"atelier/pkg/graph"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

const (
	objectiveRunes  = 120
	contextRunes    = 200
	maxContextItems = 8
	defaultFormat   = "structured_text"
)

const boundaryConstraint = "只提供策略与方案层面的专业建议，不出具CAD施工图、精确报价、效果图渲染、施工监理或采购服务"

//nolint:gochecknoglobals // display labels of structured requirement fields
var fieldLabels = []struct{ key, label string }{
	{"project_task", "项目任务"},
	{"character_narrative", "人物叙事"},
	{"physical_context", "空间条件"},
	{"resource_constraints", "资源约束"},
	{"regulatory_requirements", "规范要求"},
	{"inspiration_references", "灵感参照"},
	{"experience_behavior", "体验行为"},
	{"design_challenge", "设计挑战"},
}

//nolint:gochecknoglobals // baseline criteria shared by every expert
var baselineCriteria = []string{
	"交付物名称与任务指令完全一致",
	"completion_status 如实反映每个交付物的完成度",
	"结论与客户画像及核心任务保持一致",
}

// displayName is the name the expert introduces itself with.
func displayName(role proto.RoleRef, cfg prompts.RoleConfig) string {
	switch {
	case role.DynamicRoleName != "":
		return role.DynamicRoleName
	case role.Name != "":
		return role.Name
	default:
		return cfg.Name
	}
}

// Compile builds the work order of one role from its config templates and the
// deliverables minted for it. Without minted deliverables the templates are used
// directly.
func Compile(role proto.RoleRef, cfg prompts.RoleConfig, metas []proto.DeliverableMeta, s graph.State) proto.TaskInstruction {
	req := s.Map(proto.KeyStructuredRequirements)
	task := renderValue(req["project_task"])
	if task == "" {
		task = utils.Truncate(s.String(proto.KeyUserInput), objectiveRunes)
	}
	ti := proto.TaskInstruction{
		Objective:           fmt.Sprintf("以%s的视角，%s：%s", displayName(role, cfg), cfg.Description, task),
		Deliverables:        []proto.DeliverableSpec{},
		SuccessCriteria:     append([]string{}, baselineCriteria...),
		Constraints:         []string{},
		ContextRequirements: []string{},
	}

	if len(metas) > 0 {
		for _, m := range metas {
			tpl, _ := templateByName(cfg, m.Name)
			format := m.Format
			if format == "" {
				format = tpl.Format
			}
			ti.Deliverables = append(ti.Deliverables, proto.DeliverableSpec{
				ID:              m.ID,
				Name:            m.Name,
				Description:     m.Description,
				Format:          orDefault(format, defaultFormat),
				Priority:        string(proto.NormalizePriority(m.Priority)),
				SuccessCriteria: append([]string{}, tpl.SuccessCriteria...),
				RequireSearch:   m.RequireSearch,
			})
			if len(m.Constraints.MustInclude) > 0 {
				ti.Constraints = append(ti.Constraints,
					fmt.Sprintf("「%s」必须涵盖：%s", m.Name, strings.Join(m.Constraints.MustInclude, "；")))
			}
		}
	} else {
		for _, tpl := range cfg.Deliverables {
			ti.Deliverables = append(ti.Deliverables, proto.DeliverableSpec{
				Name:            tpl.Name,
				Description:     tpl.Description,
				Format:          orDefault(tpl.Format, defaultFormat),
				Priority:        string(proto.NormalizePriority(tpl.Priority)),
				SuccessCriteria: append([]string{}, tpl.SuccessCriteria...),
				RequireSearch:   tpl.RequireSearch,
			})
		}
	}

	if rc := renderValue(req["resource_constraints"]); rc != "" {
		ti.Constraints = append(ti.Constraints, "资源约束："+rc)
	}
	ti.Constraints = append(ti.Constraints, boundaryConstraint, "content 内字段名使用中文，不输出图片链接或占位图片")

	if len(req) > 0 {
		ti.ContextRequirements = append(ti.ContextRequirements, "结构化需求中的项目任务与设计挑战")
	}
	if summary, ok := graph.Decode[proto.QuestionnaireSummary](s, proto.KeyQuestionnaireSummary); ok && summary.ProfileLabel != "" {
		ti.ContextRequirements = append(ti.ContextRequirements, fmt.Sprintf("问卷结论（偏好画像：%s）", summary.ProfileLabel))
	}
	handoff, _ := graph.Decode[proto.ExpertHandoff](s, proto.KeyExpertHandoff)
	for _, q := range questionsFor(handoff, role) {
		ti.ContextRequirements = append(ti.ContextRequirements, "回答分析师的问题："+q)
	}
	if len(handoff.DesignChallengeSpectrum) > 0 {
		names := make([]string, 0, len(handoff.DesignChallengeSpectrum))
		for _, st := range handoff.DesignChallengeSpectrum {
			names = append(names, st.Name)
		}
		ti.ContextRequirements = append(ti.ContextRequirements, "在设计立场谱系中表明取向："+strings.Join(names, " / "))
	}
	return ti
}

// questionsFor collects the handoff questions addressed to the role id, its
// base type or everyone.
func questionsFor(h proto.ExpertHandoff, role proto.RoleRef) []string {
	base := role.BaseType
	if base == "" {
		base = proto.BaseTypeOf(role.RoleID)
	}
	var out []string
	seen := map[string]bool{}
	for _, key := range []string{role.RoleID, base, "general"} {
		for _, q := range h.CriticalQuestions[key] {
			if !seen[q] {
				seen[q] = true
				out = append(out, q)
			}
		}
	}
	return out
}

func templateByName(cfg prompts.RoleConfig, name string) (prompts.DeliverableTemplate, bool) {
	for _, t := range cfg.Deliverables {
		if t.Name == name {
			return t, true
		}
	}
	return prompts.DeliverableTemplate{}, false
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// renderValue flattens a structured requirement value into one line.
func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(x)
	case []any:
		return strings.Join(utils.AsStringSlice(x), "、")
	}
	if s := utils.AsString(v); s != "" {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// BuildContext renders the project context an expert sees: the structured
// requirements, the questionnaire conclusions and what the other experts have
// concluded so far.
func BuildContext(s graph.State, roleID string) string {
	var b strings.Builder
	if req := s.Map(proto.KeyStructuredRequirements); len(req) > 0 {
		b.WriteString("### 结构化需求\n")
		for _, f := range fieldLabels {
			if v := renderValue(req[f.key]); v != "" {
				fmt.Fprintf(&b, "- %s：%s\n", f.label, utils.Truncate(v, contextRunes))
			}
		}
	}

	if summary, ok := graph.Decode[proto.QuestionnaireSummary](s, proto.KeyQuestionnaireSummary); ok {
		b.WriteString("### 问卷结论\n")
		if summary.ProfileLabel != "" {
			fmt.Fprintf(&b, "- 偏好画像：%s\n", summary.ProfileLabel)
		}
		for i, e := range summary.Entries {
			if i == maxContextItems {
				break
			}
			value := renderValue(e.Value)
			if e.Tendency != "" {
				value = e.Tendency
			}
			fmt.Fprintf(&b, "- %s：%s\n", e.Question, utils.Truncate(value, contextRunes))
		}
	}

	results, _ := graph.Decode[map[string]proto.AnalysisResult](s, proto.KeyAgentResults)
	peers := make([]string, 0, len(results))
	for id, r := range results {
		if id == roleID || !strings.HasPrefix(id, "V") || IsFallback(r) {
			continue
		}
		peers = append(peers, id)
	}
	sort.Strings(peers)
	if len(peers) > 0 {
		b.WriteString("### 其他专家已有结论\n")
		for _, id := range peers {
			fmt.Fprintf(&b, "- %s：%s\n", id, utils.Truncate(Summary(results[id]), contextRunes))
		}
	}
	return strings.TrimSpace(b.String())
}

// creativeNote asks for an imagery-aware answer when the brief was poetic.
func creativeNote(s graph.State) string {
	if len(s.Map(proto.KeyPoeticMetadata)) == 0 {
		return ""
	}
	return "客户的描述带有诗意表达，请在保持可落地的前提下，用空间语言回应其中的意象与情绪。"
}
