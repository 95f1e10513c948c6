package challenge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/pkg/expert"
	"atelier/pkg/graph"
	"atelier/pkg/proto"
)

func resultWith(roleID string, flags ...proto.ChallengeFlag) proto.AnalysisResult {
	return proto.AnalysisResult{
		AgentType: roleID,
		Content:   "ok",
		Metadata: map[string]any{
			expert.MetaRoleID:         roleID,
			expert.MetaChallengeFlags: flags,
		},
	}
}

func stateWith(t *testing.T, revisits int, results map[string]proto.AnalysisResult) graph.State {
	t.Helper()
	s, err := graph.NewState(map[string]any{
		proto.KeyAgentResults: results,
		proto.KeyRevisitCount: revisits,
	})
	require.NoError(t, err)
	return s
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		flag proto.ChallengeFlag
		want proto.ChallengeClass
	}{
		{"explicit uncertainty", proto.ChallengeFlag{Type: "uncertainty_clarification"}, proto.ChallengeUncertainty},
		{"explicit disagreement", proto.ChallengeFlag{Type: "Disagreement"}, proto.ChallengeDisagreement},
		{"explicit insight", proto.ChallengeFlag{Type: "deeper_insight", Rationale: "预算不清楚"}, proto.ChallengeDeeperInsight},
		{"worded uncertainty", proto.ChallengeFlag{ChallengedItem: "预算", Rationale: "预算未说明是否包含家具"}, proto.ChallengeUncertainty},
		{"worded disagreement", proto.ChallengeFlag{ChallengedItem: "风格", Rationale: "不认同极简的判断"}, proto.ChallengeDisagreement},
		{"default insight", proto.ChallengeFlag{ChallengedItem: "动线", Rationale: "可以结合晨间仪式", Reinterpretation: "以仪式感组织动线"}, proto.ChallengeDeeperInsight},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.flag))
		})
	}
}

func TestCollectOrdersByRoleAndFillsRole(t *testing.T) {
	flags := Collect(map[string]proto.AnalysisResult{
		"V6-1": resultWith("V6-1", proto.ChallengeFlag{ChallengedItem: "工期", Rationale: "不同意三个月完工"}),
		"V2-1": resultWith("V2-1", proto.ChallengeFlag{ChallengedItem: "预算", Type: "uncertainty_clarification"}),
		"V3-1": resultWith("V3-1"),
	})
	require.Len(t, flags, 2)
	assert.Equal(t, "V2-1", flags[0].RoleID)
	assert.Equal(t, proto.ChallengeUncertainty, flags[0].Class)
	assert.Equal(t, "V6-1", flags[1].RoleID)
	assert.Equal(t, proto.ChallengeDisagreement, flags[1].Class)
}

func TestNodeRoutesUncertaintyBackToAnalyst(t *testing.T) {
	loop := New("requirements_analyst", "result_aggregator", DefaultMaxRevisits)
	s := stateWith(t, 0, map[string]proto.AnalysisResult{
		"V2-1": resultWith("V2-1",
			proto.ChallengeFlag{ChallengedItem: "预算", Rationale: "预算未说明是否含家具", Type: "uncertainty_clarification"},
			proto.ChallengeFlag{ChallengedItem: "风格", Rationale: "更适合侘寂", Type: "deeper_insight"},
		),
	})

	res, err := loop.Node(context.Background(), graph.Input{State: s})
	require.NoError(t, err)
	assert.Equal(t, "requirements_analyst", res.Command.Goto)
	assert.Equal(t, true, res.Command.Update[proto.KeyRequiresFeedbackLoop])
	assert.Equal(t, 1, res.Command.Update[proto.KeyRevisitCount])

	pending, ok := res.Command.Update[proto.KeyPendingChallenges].([]proto.ChallengeFlag)
	require.True(t, ok)
	require.Len(t, pending, 1)
	assert.Equal(t, "预算", pending[0].ChallengedItem)
	assert.Equal(t, "V2-1", pending[0].RoleID)

	records, ok := res.Command.Update[proto.KeyChallengeLog].([]Record)
	require.True(t, ok)
	require.Len(t, records, 2)
	assert.Equal(t, ActionClarify, records[0].Action)
	assert.Equal(t, ActionAccepted, records[1].Action)
}

func TestNodeContinuesWhenBudgetExhausted(t *testing.T) {
	loop := New("requirements_analyst", "result_aggregator", DefaultMaxRevisits)
	s := stateWith(t, 1, map[string]proto.AnalysisResult{
		"V2-1": resultWith("V2-1", proto.ChallengeFlag{ChallengedItem: "预算", Type: "uncertainty_clarification"}),
	})

	res, err := loop.Node(context.Background(), graph.Input{State: s})
	require.NoError(t, err)
	assert.Equal(t, "result_aggregator", res.Command.Goto)
	assert.Equal(t, false, res.Command.Update[proto.KeyRequiresFeedbackLoop])
	assert.NotContains(t, res.Command.Update, proto.KeyRevisitCount)

	records := res.Command.Update[proto.KeyChallengeLog].([]Record)
	require.Len(t, records, 1)
	assert.Equal(t, ActionBudgetReached, records[0].Action)
}

func TestNodeWithoutChallenges(t *testing.T) {
	loop := New("requirements_analyst", "result_aggregator", DefaultMaxRevisits)
	s := stateWith(t, 0, map[string]proto.AnalysisResult{"V3-1": resultWith("V3-1")})

	res, err := loop.Node(context.Background(), graph.Input{State: s})
	require.NoError(t, err)
	assert.Equal(t, "result_aggregator", res.Command.Goto)
	assert.Empty(t, res.Command.Update[proto.KeyChallengeLog])
}

func TestNodeDisagreementDoesNotRevisit(t *testing.T) {
	loop := New("requirements_analyst", "result_aggregator", 3)
	s := stateWith(t, 0, map[string]proto.AnalysisResult{
		"V6-1": resultWith("V6-1", proto.ChallengeFlag{ChallengedItem: "工期", Type: "disagreement"}),
	})

	res, err := loop.Node(context.Background(), graph.Input{State: s})
	require.NoError(t, err)
	assert.Equal(t, "result_aggregator", res.Command.Goto)
	records := res.Command.Update[proto.KeyChallengeLog].([]Record)
	require.Len(t, records, 1)
	assert.Equal(t, ActionRecorded, records[0].Action)
}

func TestNegativeBudgetDisablesRevisits(t *testing.T) {
	loop := New("requirements_analyst", "result_aggregator", -1)
	s := stateWith(t, 0, map[string]proto.AnalysisResult{
		"V2-1": resultWith("V2-1", proto.ChallengeFlag{ChallengedItem: "预算", Type: "uncertainty_clarification"}),
	})
	res, err := loop.Node(context.Background(), graph.Input{State: s})
	require.NoError(t, err)
	assert.Equal(t, "result_aggregator", res.Command.Goto)
}
