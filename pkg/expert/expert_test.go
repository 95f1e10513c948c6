package expert

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/mocks"
	"atelier/pkg/deliverable"
	"atelier/pkg/graph"
	"atelier/pkg/llm"
	"atelier/pkg/observe"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
)

const directorEnvelope = "分析如下：\n```json\n" + `{
  "task_execution_report": {
    "deliverable_outputs": [
      {"deliverable_name": "整体设计策略", "content": {"设计定位": "安静克制的城市居所", "核心概念": "留白"}, "completion_status": "completed"},
      {"deliverable_name": "空间规划建议", "content": {"功能分区": "开放厨房与书房合并"}, "completion_status": "completed"},
      {"deliverable_name": "材料与配色方向", "content": "以原木与微水泥为主", "completion_status": "partial"}
    ],
    "task_completion_summary": "以留白为核心组织一居室",
    "additional_insights": ["客户职业转型带来对秩序感的需求"]
  },
  "protocol_execution": {
    "protocol_status": "challenged",
    "challenge_flags": [
      {"challenged_item": "预算上限", "rationale": "预算未说明是否含家具", "reinterpretation": "", "design_impact": "影响材料等级", "type": "uncertainty_clarification"}
    ]
  },
  "execution_metadata": {"confidence": 0.85, "completion_rate": 0.9, "execution_time_estimate": "2分钟", "execution_notes": "", "dependencies_satisfied": true},
  "search_references": [{"title": "微水泥应用", "url": "https://example.org/microcement", "snippet": "..."}]
}` + "\n```"

const retryEnvelope = `{
  "task_execution_report": {
    "deliverable_outputs": [
      {"deliverable_name": "整体设计策略", "content": {"核心观点": "精简版"}, "completion_status": "completed"},
      {"deliverable_name": "空间规划建议", "content": {"核心观点": "精简版"}, "completion_status": "completed"},
      {"deliverable_name": "材料与配色方向", "content": {"核心观点": "精简版"}, "completion_status": "completed"}
    ],
    "task_completion_summary": "精简重试"
  },
  "protocol_execution": {"protocol_status": "complied"},
  "execution_metadata": {"confidence": 0.6, "completion_rate": 1.0, "execution_time_estimate": "", "execution_notes": "精简重试", "dependencies_satisfied": true}
}`

var director = proto.RoleRef{RoleID: "V2-1", BaseType: "V2", Name: "空间设计总监"}

func newStore(t *testing.T) *prompts.Store {
	t.Helper()
	store, err := prompts.NewStore()
	require.NoError(t, err)
	return store
}

func briefState(t *testing.T) graph.State {
	t.Helper()
	s, err := graph.NewState(map[string]any{
		proto.KeyUserInput:   "我是32岁的前金融律师，75平米一居室，预算60万，想要现代简约风格的住宅设计",
		proto.KeyProjectType: proto.ProjectPersonalResidential,
		proto.KeyStructuredRequirements: map[string]any{
			"project_task":         "为一位转型中的律师营造安静有序的居所",
			"resource_constraints": "预算60万",
		},
		proto.KeyExpertHandoff: proto.ExpertHandoff{
			CriticalQuestions: map[string][]string{
				"V2":      {"留白与收纳如何平衡？"},
				"general": {"客户的社交需求有多强？"},
				"V3":      {"不应出现在设计总监的指令里"},
			},
			DesignChallengeSpectrum: []proto.Stance{{Name: "极简"}, {Name: "温暖"}},
		},
	})
	require.NoError(t, err)
	return s
}

func TestCompileFromTemplates(t *testing.T) {
	store := newStore(t)
	cfg, err := store.Role("V2-1")
	require.NoError(t, err)

	ti := Compile(director, cfg, nil, briefState(t))

	assert.Contains(t, ti.Objective, "空间设计总监")
	assert.Contains(t, ti.Objective, "为一位转型中的律师营造安静有序的居所")
	require.Len(t, ti.Deliverables, 3)
	assert.Equal(t, "整体设计策略", ti.Deliverables[0].Name)
	assert.Equal(t, []string{"回应项目核心张力", "给出可落地的设计原则"}, ti.Deliverables[0].SuccessCriteria)
	assert.True(t, ti.Deliverables[2].RequireSearch)
	assert.Contains(t, ti.Constraints, "资源约束：预算60万")
	assert.Contains(t, ti.Constraints, boundaryConstraint)
	assert.Contains(t, ti.ContextRequirements, "回答分析师的问题：留白与收纳如何平衡？")
	assert.Contains(t, ti.ContextRequirements, "回答分析师的问题：客户的社交需求有多强？")
	assert.NotContains(t, ti.ContextRequirements, "回答分析师的问题：不应出现在设计总监的指令里")
	assert.Contains(t, ti.ContextRequirements, "在设计立场谱系中表明取向：极简 / 温暖")
}

func TestCompileUsesMintedDeliverables(t *testing.T) {
	store := newStore(t)
	cfg, err := store.Role("V2")
	require.NoError(t, err)
	metas := []proto.DeliverableMeta{{
		ID:          "V2-1_1_101010_abc",
		Name:        "整体设计策略",
		Description: "定制描述",
		Priority:    "high",
		Constraints: proto.DeliverableConstraints{MustInclude: []string{"风格定位：现代简约"}},
		OwnerRole:   "V2-1",
	}}

	ti := Compile(director, cfg, metas, graph.State{proto.KeyUserInput: "简短描述"})

	require.Len(t, ti.Deliverables, 1)
	assert.Equal(t, "V2-1_1_101010_abc", ti.Deliverables[0].ID)
	assert.Equal(t, "structured_text", ti.Deliverables[0].Format)
	assert.Equal(t, []string{"回应项目核心张力", "给出可落地的设计原则"}, ti.Deliverables[0].SuccessCriteria)
	assert.Contains(t, ti.Constraints, "「整体设计策略」必须涵盖：风格定位：现代简约")
	assert.Contains(t, ti.Objective, "简短描述")
}

func TestRunParsesEnvelope(t *testing.T) {
	client := mocks.NewMockLLMClient().OnOperation("expert.V2-1", directorEnvelope)
	collector := observe.NewCollector(0)
	rt := New(client, newStore(t), nil, WithMonitor(observe.NewMonitor(collector)))

	res, err := rt.Run(context.Background(), director, briefState(t))
	require.NoError(t, err)

	assert.Equal(t, "V2-1", res.AgentType)
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
	assert.Equal(t, []string{"https://example.org/microcement"}, res.Sources)
	assert.False(t, IsFallback(res))
	assert.Equal(t, ProtocolChallenged, res.Metadata[MetaProtocolStatus])
	assert.Empty(t, res.Metadata[MetaValidationErrors])
	assert.Equal(t, "以留白为核心组织一居室", Summary(res))

	flags := ChallengeFlags(res)
	require.Len(t, flags, 1)
	assert.Equal(t, "V2-1", flags[0].RoleID)
	assert.Equal(t, "预算上限", flags[0].ChallengedItem)
	assert.Equal(t, string(proto.ChallengeUncertainty), flags[0].Type)

	calls := client.CallsFor("expert.V2-1")
	require.Len(t, calls, 1)
	prompt := calls[0].PromptText()
	assert.Contains(t, prompt, "空间设计总监")
	assert.Contains(t, prompt, "## 任务指令")
	assert.Contains(t, prompt, "## 搜索要求")
	assert.Contains(t, prompt, "禁止编造")
	assert.Contains(t, prompt, "留白与收纳如何平衡？")

	assert.Equal(t, 1, collector.Stats("expert.V2-1").Count)
}

func TestRunReportsValidationProblems(t *testing.T) {
	bad := `{
  "task_execution_report": {
    "deliverable_outputs": [
      {"deliverable_name": "整体设计策略", "content": {"strategy": "english key", "参考图片": ["https://img.example.com/a.png", "https://img.example.com/b.jpg"]}, "completion_status": "done"},
      {"deliverable_name": "不存在的交付物", "content": {"说明": "多余"}, "completion_status": "completed"}
    ],
    "task_completion_summary": "x"
  },
  "protocol_execution": {"protocol_status": "complied"},
  "execution_metadata": {"confidence": 0.7}
}`
	client := mocks.NewMockLLMClient().OnOperation("expert.V2-1", bad)
	rt := New(client, newStore(t), nil)

	res, err := rt.Run(context.Background(), director, briefState(t))
	require.NoError(t, err)
	assert.False(t, IsFallback(res))

	problems, ok := res.Metadata[MetaValidationErrors].([]string)
	require.True(t, ok)
	joined := strings.Join(problems, "\n")
	assert.Contains(t, joined, `content key "strategy" is not Chinese`)
	assert.Contains(t, joined, `"参考图片" is an image placeholder list`)
	assert.Contains(t, joined, `invalid completion_status "done"`)
	assert.Contains(t, joined, `"不存在的交付物" was not requested`)
	assert.Contains(t, joined, `"空间规划建议" is missing`)
	assert.Contains(t, joined, "missing execution_metadata.completion_rate")
}

func TestRunRetriesOnceAfterTimeout(t *testing.T) {
	client := mocks.NewMockLLMClient().
		FailOperation("expert.V2-1", context.DeadlineExceeded).
		OnOperation("expert.V2-1.retry", retryEnvelope)
	rt := New(client, newStore(t), nil)

	res, err := rt.Run(context.Background(), director, briefState(t))
	require.NoError(t, err)

	assert.False(t, IsFallback(res))
	assert.Equal(t, true, res.Metadata[MetaRetried])
	assert.InDelta(t, 0.6, res.Confidence, 1e-9)
	require.Len(t, client.CallsFor("expert.V2-1.retry"), 1)
	assert.Contains(t, client.CallsFor("expert.V2-1.retry")[0].PromptText(), "上一次分析超时")
}

func TestRunFallsBackWhenRetryFails(t *testing.T) {
	client := mocks.NewMockLLMClient().
		FailOperation("expert.V2-1", llm.NewError(llm.ErrorTypeTimeout, errors.New("slow"))).
		FailOperation("expert.V2-1.retry", context.DeadlineExceeded)
	rt := New(client, newStore(t), nil)

	res, err := rt.Run(context.Background(), director, briefState(t))
	require.NoError(t, err)

	assert.True(t, IsFallback(res))
	assert.Equal(t, true, res.Metadata[MetaRetried])
	assert.Zero(t, res.Confidence)
	report := res.StructuredData["task_execution_report"].(map[string]any)
	outputs := report["deliverable_outputs"].([]any)
	require.Len(t, outputs, 3)
	for _, o := range outputs {
		assert.Equal(t, StatusFailed, o.(map[string]any)["completion_status"])
	}
}

func TestRunDoesNotRetryOtherErrors(t *testing.T) {
	client := mocks.NewMockLLMClient().FailOperation("expert.V2-1", errors.New("401 unauthorized"))
	rt := New(client, newStore(t), nil)

	res, err := rt.Run(context.Background(), director, briefState(t))
	require.NoError(t, err)
	assert.True(t, IsFallback(res))
	assert.Equal(t, false, res.Metadata[MetaRetried])
	assert.Empty(t, client.CallsFor("expert.V2-1.retry"))
}

func TestRunHardTimeoutThroughMonitor(t *testing.T) {
	client := mocks.NewMockLLMClient()
	client.CompleteFunc = func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
		if strings.HasSuffix(req.Operation, ".retry") {
			return llm.CompletionResponse{Content: retryEnvelope}, nil
		}
		<-ctx.Done()
		return llm.CompletionResponse{}, ctx.Err()
	}
	monitor := observe.NewMonitor(nil, observe.WithThreshold(observe.KindLLM, time.Millisecond))
	rt := New(client, newStore(t), nil, WithTimeout(20*time.Millisecond), WithMonitor(monitor))

	res, err := rt.Run(context.Background(), director, briefState(t))
	require.NoError(t, err)
	assert.False(t, IsFallback(res))
	assert.Equal(t, true, res.Metadata[MetaRetried])
	assert.NotEmpty(t, monitor.Warnings())
}

func TestRunUnparseableOutputKeepsContent(t *testing.T) {
	client := mocks.NewMockLLMClient().OnOperation("expert.V2-1", "我无法按要求输出JSON")
	rt := New(client, newStore(t), nil)

	res, err := rt.Run(context.Background(), director, briefState(t))
	require.NoError(t, err)
	assert.True(t, IsFallback(res))
	assert.Equal(t, "我无法按要求输出JSON", res.Content)
}

func TestRunWithoutClientFallsBack(t *testing.T) {
	rt := New(nil, newStore(t), nil)
	res, err := rt.Run(context.Background(), director, briefState(t))
	require.NoError(t, err)
	assert.True(t, IsFallback(res))
	assert.Empty(t, ChallengeFlags(res))
}

func TestRunUnknownRoleIsAnError(t *testing.T) {
	rt := New(nil, newStore(t), nil)
	_, err := rt.Run(context.Background(), proto.RoleRef{RoleID: "V9-1"}, graph.State{})
	assert.ErrorIs(t, err, prompts.ErrRoleNotFound)
}

func TestRunCancelledContextIsAnError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rt := New(mocks.NewMockLLMClient(), newStore(t), nil)
	_, err := rt.Run(ctx, director, briefState(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseOutputAcceptsFlatEnvelope(t *testing.T) {
	out, raw, err := ParseOutput(`{"deliverable_outputs": [{"deliverable_name": "A", "content": "文本", "completion_status": "completed"}], "task_completion_summary": "s"}`)
	require.NoError(t, err)
	require.Len(t, out.TaskExecutionReport.DeliverableOutputs, 1)
	assert.Contains(t, raw, "task_execution_report")

	_, _, err = ParseOutput(`{"answer": "x"}`)
	assert.ErrorIs(t, err, ErrNoEnvelope)
}

func TestIsImageList(t *testing.T) {
	assert.True(t, isImageList("参考", []any{"https://a.com/x.png"}))
	assert.True(t, isImageList("效果", []any{"https://via.placeholder.com/300"}))
	assert.True(t, isImageList("图片", []any{"https://a.com/render"}))
	assert.False(t, isImageList("参考", []any{"https://a.com/article"}))
	assert.False(t, isImageList("要点", []any{"原木", "微水泥"}))
	assert.False(t, isImageList("图片", []any{}))
}

func TestQueriesAndSearchHint(t *testing.T) {
	meta := proto.DeliverableMeta{ID: "V4-1_1_101010_abc", Name: "对标案例研究", Keywords: []string{"现代简约", "原木"}, RequireSearch: true}
	qs := Queries(meta, proto.ProjectPersonalResidential)
	assert.Equal(t, []string{
		"住宅室内设计 对标案例研究 现代简约 原木",
		"对标案例研究 现代简约 案例",
		"现代简约 设计趋势",
	}, qs)

	bare := Queries(proto.DeliverableMeta{Name: "趋势与材料洞察"}, "")
	assert.Len(t, bare, 2)

	specs := []proto.DeliverableSpec{
		{ID: meta.ID, Name: meta.Name, RequireSearch: true},
		{ID: "x", Name: "无需搜索"},
		{Name: "趋势与材料洞察", RequireSearch: true},
	}
	hint := SearchHint(specs, map[string][]string{meta.ID: {"自定义查询"}}, proto.ProjectCommercial)
	assert.Contains(t, hint, "Tavily")
	assert.Contains(t, hint, "禁止编造")
	assert.Contains(t, hint, "「自定义查询」")
	assert.Contains(t, hint, "「商业空间设计 趋势与材料洞察」")
	assert.NotContains(t, hint, "无需搜索")
	assert.Empty(t, SearchHint([]proto.DeliverableSpec{{Name: "无需搜索"}}, nil, ""))
}

func TestSearchQueryNode(t *testing.T) {
	store := newStore(t)
	gen := deliverable.NewGenerator(store)
	a := gen.Generate(context.Background(), []proto.RoleRef{{RoleID: "V2-1"}, {RoleID: "V4-1"}}, graph.State{})
	s, err := graph.NewState(map[string]any{
		proto.KeyDeliverableMetadata: a.Metadata,
		proto.KeyDeliverableOwnerMap: a.OwnerMap,
		proto.KeyProjectType:         proto.ProjectCommercial,
	})
	require.NoError(t, err)

	rt := New(nil, store, nil)
	res, err := rt.SearchQueryNode(context.Background(), graph.Input{State: s})
	require.NoError(t, err)

	queries := res.Update[proto.KeySearchQueries].(map[string][]string)
	assert.Len(t, queries, 3, "V2 material direction plus both V4 deliverables")
	for id, qs := range queries {
		assert.True(t, a.Metadata[id].RequireSearch)
		assert.GreaterOrEqual(t, len(qs), 2)
		assert.LessOrEqual(t, len(qs), 3)
		assert.Contains(t, qs[0], "商业空间设计")
	}
}

func TestBranchesRunEveryRole(t *testing.T) {
	rt := New(nil, newStore(t), nil)
	branches := rt.Branches(briefState(t), []proto.RoleRef{director, {RoleID: "V3-1"}})
	require.Len(t, branches, 2)
	assert.Equal(t, "V3-1", branches[1].Key)

	v, err := branches[1].Run(context.Background())
	require.NoError(t, err)
	res := v.(proto.AnalysisResult)
	assert.Equal(t, "V3-1", res.AgentType)
	assert.True(t, IsFallback(res))
}

func TestBuildContextListsPeers(t *testing.T) {
	s := briefState(t)
	peer := proto.AnalysisResult{
		AgentType:      "V3-1",
		StructuredData: map[string]any{"task_execution_report": map[string]any{"task_completion_summary": "叙事：秩序与松弛"}},
		Metadata:       map[string]any{MetaFallback: false},
	}
	failed := Fallback(proto.RoleRef{RoleID: "V4-1"}, proto.TaskInstruction{}, "x")
	s[proto.KeyAgentResults] = map[string]any{"V3-1": peer, "V4-1": failed, "requirements_analyst": proto.AnalysisResult{Content: "分析"}}

	ctx := BuildContext(s, "V2-1")
	assert.Contains(t, ctx, "项目任务：为一位转型中的律师营造安静有序的居所")
	assert.Contains(t, ctx, "V3-1：叙事：秩序与松弛")
	assert.NotContains(t, ctx, "V4-1")
	assert.NotContains(t, ctx, "requirements_analyst")
}
