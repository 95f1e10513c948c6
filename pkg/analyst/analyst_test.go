package analyst

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/mocks"
	"atelier/pkg/capability"
	"atelier/pkg/graph"
	"atelier/pkg/llm"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
)

const (
	richBrief  = "我是32岁的前金融律师，75平米一居室，预算60万，想要现代简约风格的住宅设计"
	vagueBrief = "我想装修一下房子，希望温馨一点"
	scopeBrief = "150平米餐厅，需要设计方案、配色和材料建议，还需要CAD施工图和精确报价"

	phase1Sufficient = "分诊结果如下：\n```json\n" + `{
  "info_status": "sufficient",
  "info_status_reason": "空间、预算与使用者明确",
  "primary_deliverables": [
    {"deliverable_id": "D1", "type": "design_strategy", "description": "整体设计策略", "priority": "high"},
    {"deliverable_id": "D2", "type": "cad", "description": "CAD施工图", "priority": 1}
  ],
  "project_type_preliminary": "personal_residential",
  "project_summary": "为独居律师打造现代简约住宅，以实现工作与生活的切换",
  "recommended_next_step": "proceed_analysis"
}` + "\n```"

	phase2Deep = `{
  "analysis_layers": {
    "L1_facts": ["75平米", "预算60万"],
    "L2_user_model": "刚离开高压行业的独居者",
    "L3_core_tension": "秩序感与松弛感",
    "L4_project_task": "重建生活节奏",
    "L5_sharpness": {"score": 80}
  },
  "structured_output": {
    "project_task": "为刚转行的律师打造松弛的居所，以实现身份转换",
    "physical_context": "75平米一居室"
  },
  "project_overview": "一位前金融律师的一居室改造",
  "expert_handoff": {
    "critical_questions_for_experts": {"V2": ["如何平衡秩序与松弛？"], "V3": []},
    "design_challenge_spectrum": [{"name": "极简克制", "description": "保留秩序"}, "温暖松弛"],
    "permission_to_diverge": ""
  }
}`
)

func newAnalyst(t *testing.T, client llm.LLMClient) *Analyst {
	t.Helper()
	a, err := New(client, prompts.MustStore(), capability.NewService(),
		WithClock(func() time.Time { return time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC) }))
	require.NoError(t, err)
	return a
}

func TestRichBriefRunsBothPhases(t *testing.T) {
	out, err := newAnalyst(t, nil).Analyze(context.Background(), richBrief, nil)
	require.NoError(t, err)

	assert.True(t, out.Precheck.Info.IsSufficient)
	assert.Equal(t, InfoSufficient, out.Phase1.InfoStatus)
	assert.True(t, out.Phase1.Fallback)
	require.NotNil(t, out.Phase2)
	assert.True(t, out.Phase2.Fallback)
	assert.Equal(t, proto.AnalysisTwoPhase, out.AnalysisMode)
	assert.Equal(t, proto.ProjectPersonalResidential, out.ProjectType)
	assert.Contains(t, out.StructuredRequirements["physical_context"], "75平米")
	assert.LessOrEqual(t, out.Timings.PrecheckMs+out.Timings.Phase1Ms+out.Timings.Phase2Ms, out.Timings.TotalMs+1)
}

func TestVagueBriefStopsAfterTriage(t *testing.T) {
	out, err := newAnalyst(t, nil).Analyze(context.Background(), vagueBrief, nil)
	require.NoError(t, err)

	assert.False(t, out.Precheck.Info.IsSufficient)
	assert.Equal(t, proto.AnalysisPhase1Only, out.AnalysisMode)
	assert.Nil(t, out.Phase2)
	assert.Equal(t, capability.ActionQuestionnaireFirst, out.Phase1.RecommendedNextStep)
	assert.NotEmpty(t, out.ExpertHandoff.CriticalQuestions["general"])
	assert.Equal(t, "", out.StructuredRequirements["design_challenge"])
	assert.NotEmpty(t, out.StructuredRequirements["project_task"])
}

func TestOutOfCapabilityDeliverablesAreRewritten(t *testing.T) {
	out, err := newAnalyst(t, nil).Analyze(context.Background(), scopeBrief, nil)
	require.NoError(t, err)

	assert.Equal(t, capability.AlertWarning, out.CapabilityCheck.AlertLevel)
	transformed := map[string]string{}
	for _, d := range out.Phase1.PrimaryDeliverables {
		if d.CapabilityTransformed {
			transformed[d.OriginalType] = d.Type
			assert.NotEmpty(t, d.TransformationReason)
		}
	}
	assert.Equal(t, map[string]string{
		"cad_drawing":   "design_strategy",
		"cost_estimate": "budget_framework",
	}, transformed)
	assert.Equal(t, proto.ProjectCommercial, out.ProjectType)
}

func TestLLMPhasesAndConfidence(t *testing.T) {
	client := mocks.NewMockLLMClient().
		OnOperation("analyst.phase1", phase1Sufficient).
		OnOperation("analyst.phase2", phase2Deep)
	out, err := newAnalyst(t, client).Analyze(context.Background(), richBrief, nil)
	require.NoError(t, err)

	p1Calls := client.CallsFor("analyst.phase1")
	require.Len(t, p1Calls, 1)
	assert.Contains(t, p1Calls[0].PromptText(), "信息充足度")
	assert.Contains(t, p1Calls[0].PromptText(), "2025年03月01日")
	p2Calls := client.CallsFor("analyst.phase2")
	require.Len(t, p2Calls, 1)
	assert.Contains(t, p2Calls[0].PromptText(), `"info_status": "sufficient"`)

	require.False(t, out.Phase1.Fallback)
	d2 := out.Phase1.PrimaryDeliverables[1]
	assert.True(t, d2.CapabilityTransformed)
	assert.Equal(t, "cad", d2.OriginalType)
	assert.Equal(t, "design_strategy", d2.Type)
	assert.Equal(t, string(proto.PriorityMedium), d2.Priority)

	require.NotNil(t, out.Phase2)
	assert.InDelta(t, 80, out.Phase2.Sharpness(), 1e-9)
	assert.Equal(t, map[string][]string{"V2": {"如何平衡秩序与松弛？"}}, out.ExpertHandoff.CriticalQuestions)
	assert.Equal(t, []proto.Stance{{Name: "极简克制", Description: "保留秩序"}, {Name: "温暖松弛"}}, out.ExpertHandoff.DesignChallengeSpectrum)
	assert.Equal(t, defaultPermissionToDiverge, out.ExpertHandoff.PermissionToDiverge)
	assert.InDelta(t, 1.0, out.Confidence, 1e-9)

	assert.Equal(t, "这个项目要为刚转行的律师营造松弛的居所，最终实现身份转换。", out.StructuredRequirements["project_task"])
	assert.Equal(t, "一位前金融律师的一居室改造。", out.StructuredRequirements["project_overview"])
}

func TestInsufficientTriageSkipsPhase2(t *testing.T) {
	client := mocks.NewMockLLMClient().
		OnOperation("analyst.phase1", `{"info_status": "insufficient", "recommended_next_step": "questionnaire_first"}`)
	out, err := newAnalyst(t, client).Analyze(context.Background(), richBrief, nil)
	require.NoError(t, err)

	assert.Equal(t, proto.AnalysisPhase1Only, out.AnalysisMode)
	assert.Nil(t, out.Phase2)
	assert.Empty(t, client.CallsFor("analyst.phase2"))
	require.Len(t, out.Phase1.PrimaryDeliverables, 1)
	assert.Equal(t, capability.DefaultDeliverableType, out.Phase1.PrimaryDeliverables[0].Type)
}

func TestQuestionnaireFirstSkipsPhase2EvenWhenSufficient(t *testing.T) {
	client := mocks.NewMockLLMClient().
		OnOperation("analyst.phase1", `{"info_status": "sufficient", "recommended_next_step": "questionnaire_first"}`)
	out, err := newAnalyst(t, client).Analyze(context.Background(), richBrief, nil)
	require.NoError(t, err)
	assert.Equal(t, proto.AnalysisPhase1Only, out.AnalysisMode)
	assert.Empty(t, client.CallsFor("analyst.phase2"))
}

func TestMalformedResponsesFallBack(t *testing.T) {
	client := mocks.NewMockLLMClient().
		OnOperation("analyst.phase1", "抱歉，我无法给出JSON").
		FailOperation("analyst.phase2", errors.New("timeout"))
	out, err := newAnalyst(t, client).Analyze(context.Background(), richBrief, nil)
	require.NoError(t, err)
	assert.True(t, out.Phase1.Fallback)
	require.NotNil(t, out.Phase2)
	assert.True(t, out.Phase2.Fallback)
	assert.Equal(t, proto.AnalysisTwoPhase, out.AnalysisMode)
}

func TestShortInputRejected(t *testing.T) {
	_, err := newAnalyst(t, nil).Analyze(context.Background(), "  装修房子  ", nil)
	assert.ErrorIs(t, err, ErrInputTooShort)

	// Eight runes: under the minimum even though it reads as a complete request.
	_, err = newAnalyst(t, nil).Analyze(context.Background(), "我想装修一下房子", nil)
	assert.ErrorIs(t, err, ErrInputTooShort)
}

func TestNodeUpdatesWorkflowState(t *testing.T) {
	client := mocks.NewMockLLMClient().
		OnOperation("analyst.phase1", phase1Sufficient).
		OnOperation("analyst.phase2", phase2Deep)
	a := newAnalyst(t, client)

	challenge := proto.ChallengeFlag{
		ChallengedItem: "核心张力",
		Rationale:      "预算与品质之间的取舍不清楚",
		RoleID:         "V2-1",
		Class:          proto.ChallengeUncertainty,
	}
	state, err := graph.NewState(map[string]any{
		proto.KeyUserInput:              richBrief,
		proto.KeyPendingChallenges:      []proto.ChallengeFlag{challenge},
		proto.KeyStructuredRequirements: map[string]any{"project_task": "旧任务"},
	})
	require.NoError(t, err)

	res, err := a.Node(context.Background(), graph.Input{State: state})
	require.NoError(t, err)
	u := res.Update
	assert.Equal(t, proto.AnalysisTwoPhase, u[proto.KeyAnalysisMode])
	assert.Equal(t, proto.ProjectPersonalResidential, u[proto.KeyProjectType])
	assert.Equal(t, []any{}, u[proto.KeyPendingChallenges])
	assert.Equal(t, false, u[proto.KeyRequiresFeedbackLoop])

	structured := u[proto.KeyStructuredRequirements].(map[string]any)
	assert.Equal(t, "旧任务", structured["previous_project_task"])
	results := u[proto.KeyAgentResults].(map[string]any)
	assert.Contains(t, results, NodeName)

	p2 := client.CallsFor("analyst.phase2")
	require.Len(t, p2, 1)
	assert.Contains(t, p2[0].PromptText(), "预算与品质之间的取舍不清楚")
	assert.Contains(t, client.CallsFor("analyst.phase1")[0].PromptText(), "专家提出的待澄清问题")
}

func TestNodeFailsOnShortInput(t *testing.T) {
	_, err := newAnalyst(t, nil).Node(context.Background(), graph.Input{State: graph.State{proto.KeyUserInput: "短"}})
	assert.ErrorIs(t, err, ErrInputTooShort)
}

func TestParsePhase2RequiresAnalysis(t *testing.T) {
	_, err := ParsePhase2(`{"project_overview": "只有概述"}`)
	assert.Error(t, err)

	p, err := ParsePhase2(`{"analysis_layers": {"L5_sharpness": "65"}, "expert_handoff": {"critical_questions_for_experts": ["问题一"]}}`)
	require.NoError(t, err)
	assert.InDelta(t, 65, p.Sharpness(), 1e-9)
	assert.Equal(t, []string{"问题一"}, p.ExpertHandoff.CriticalQuestions["general"])
	assert.NotNil(t, p.StructuredOutput)
}

func TestConfidence(t *testing.T) {
	sufficient := Phase1{InfoStatus: InfoSufficient, PrimaryDeliverables: []Deliverable{{Type: "design_strategy"}}}
	withQuestions := proto.ExpertHandoff{CriticalQuestions: map[string][]string{"V2": {"q"}}}

	tests := []struct {
		name string
		p1   Phase1
		p2   *Phase2
		h    proto.ExpertHandoff
		want float64
	}{
		{"base", Phase1{}, nil, proto.ExpertHandoff{}, 0.5},
		{"sufficient with deliverables", sufficient, nil, proto.ExpertHandoff{}, 0.7},
		{"sharpness is capped", sufficient, &Phase2{AnalysisLayers: map[string]any{"L5_sharpness": map[string]any{"score": 100.0}}}, proto.ExpertHandoff{}, 0.9},
		{"partial sharpness", Phase1{}, &Phase2{AnalysisLayers: map[string]any{"L5_sharpness": 30.0}}, proto.ExpertHandoff{}, 0.65},
		{"everything", sufficient, &Phase2{AnalysisLayers: map[string]any{"L5_sharpness": 90.0}}, withQuestions, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Confidence(tt.p1, tt.p2, tt.h), 1e-9)
		})
	}
}

func TestNormalizeJTBD(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"JTBD：当下班回家时，我想要迅速放松，以便恢复精力", "在下班回家的时候，希望迅速放松，这样就能恢复精力。"},
		{"为年轻家庭打造可生长的住宅，以满足孩子成长", "这个项目要为年轻家庭营造可生长的住宅，最终满足孩子成长。"},
		{"为咖啡馆设计品牌空间", "这个项目要为咖啡馆营造品牌空间。"},
		{"秩序 → 松弛 + 温度", "秩序，进而松弛与温度。"},
		{"已经是自然的句子。", "已经是自然的句子。"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeJTBD(tt.in), tt.in)
	}
	once := NormalizeJTBD("为年轻家庭打造可生长的住宅，以满足孩子成长")
	assert.Equal(t, once, NormalizeJTBD(once))
}

func TestInferProjectType(t *testing.T) {
	tests := []struct {
		text, preliminary, want string
	}{
		{richBrief, "", proto.ProjectPersonalResidential},
		{"Tiffany蒂芙尼为主题，35岁单身女性，成都350平米别墅软装", "", proto.ProjectPersonalResidential},
		{scopeBrief, "", proto.ProjectCommercial},
		{"一楼做咖啡店铺，楼上自住", "", proto.ProjectHybrid},
		{"月光与湖面", proto.ProjectCommercial, proto.ProjectCommercial},
		{"月光与湖面", "something_else", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferProjectType(tt.text, tt.preliminary), tt.text)
	}
}
