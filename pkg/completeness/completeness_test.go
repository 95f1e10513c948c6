package completeness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/mocks"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
)

const (
	richBrief  = "我是32岁的前金融律师，75平米一居室，预算60万，想要现代简约风格的住宅设计"
	vagueBrief = "我想装修一下房子"
)

func dims(gaps []proto.CriticalGap) []string {
	out := make([]string, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, g.Dimension)
	}
	return out
}

func TestAnalyzeRichBrief(t *testing.T) {
	r := Analyze(richBrief, nil)

	assert.Contains(t, r.Covered, DimBasic)
	assert.Contains(t, r.Covered, DimBudget)
	assert.Contains(t, r.Covered, DimDeliverable)
	assert.NotContains(t, dims(r.CriticalGaps), DimBudget)
	assert.LessOrEqual(t, len(r.Missing), 2)
	assert.Equal(t, 0.0, r.Density)
}

func TestAnalyzeVagueBrief(t *testing.T) {
	r := Analyze(vagueBrief, nil)

	gaps := dims(r.CriticalGaps)
	assert.Contains(t, gaps, DimBudget)
	assert.Contains(t, gaps, DimTime)
	for _, g := range r.CriticalGaps {
		assert.NotEqual(t, DimBasic, g.Dimension)
		assert.NotEqual(t, DimObjective, g.Dimension)
		assert.NotEmpty(t, g.Reason)
	}
}

func TestLargeDimensionSaturatesAtThreeHits(t *testing.T) {
	r := Analyze("家里有宠物", nil)
	assert.InDelta(t, 1.0/3, r.Dimensions[DimSpecial], 1e-9)
	assert.Contains(t, r.Covered, DimSpecial)

	r = Analyze("宠物、老人、隔音", nil)
	assert.InDelta(t, 1.0, r.Dimensions[DimSpecial], 1e-9)
	r = Analyze("宠物、老人、隔音、收纳、轮椅", nil)
	assert.InDelta(t, 1.0, r.Dimensions[DimSpecial], 1e-9)
}

func TestAnalyzeScoreBounded(t *testing.T) {
	long := proto.Task{Title: "一个很长的任务标题用于测试密度计算", Description: "这是一段足够长的任务描述，用来让每个任务的平均字符数超过四十个字符的上限。"}
	inputs := []struct {
		text  string
		tasks []proto.Task
	}{
		{"", nil},
		{vagueBrief, []proto.Task{{Title: "x"}}},
		{richBrief + "，3个月内完成，家里有宠物和老人，需要设计方案与效果图，预算费用造价都已确定", []proto.Task{long, long}},
	}
	for _, in := range inputs {
		r := Analyze(in.text, in.tasks)
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
		for _, v := range r.Dimensions {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
		}
	}
	full := Analyze(inputs[2].text, inputs[2].tasks)
	assert.InDelta(t, 1.0, full.Density, 1e-9)
	assert.Empty(t, full.CriticalGaps)
	assert.InDelta(t, 1.0, full.Score, 1e-9)
}

func TestNormalizeType(t *testing.T) {
	cases := []struct {
		raw, question string
		options       bool
		want          proto.QuestionType
	}{
		{"multi_choice", "", false, proto.QuestionMultipleChoice},
		{"checkbox", "", false, proto.QuestionMultipleChoice},
		{"multi", "", false, proto.QuestionMultipleChoice},
		{"radio", "", false, proto.QuestionSingleChoice},
		{"SELECT", "", false, proto.QuestionSingleChoice},
		{"dropdown", "", false, proto.QuestionSingleChoice},
		{"text", "", true, proto.QuestionOpenEnded},
		{"textarea", "", false, proto.QuestionOpenEnded},
		{"free_text", "", false, proto.QuestionOpenEnded},
		{"weird", "喜欢哪些颜色？(多选)", false, proto.QuestionMultipleChoice},
		{"", "预算区间（单选）", false, proto.QuestionSingleChoice},
		{"rating", "说说你的想法（开放题）", true, proto.QuestionOpenEnded},
		{"rating", "几个人住？", true, proto.QuestionSingleChoice},
		{"rating", "几个人住？", false, proto.QuestionOpenEnded},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NormalizeType(c.raw, c.question, c.options), "%s/%s", c.raw, c.question)
	}
}

func TestNormalizeGuaranteesShape(t *testing.T) {
	q := Normalize(proto.Question{Question: " 选一个 ", Type: "radio", Options: []string{"唯一"}})
	assert.Equal(t, proto.QuestionSingleChoice, q.Type)
	assert.Len(t, q.Options, 2)
	assert.Equal(t, "选一个", q.Question)

	q = Normalize(proto.Question{Question: "选", Type: "checkbox", Options: []string{" ", ""}})
	assert.Len(t, q.Options, 2)

	q = Normalize(proto.Question{Question: "聊聊", Type: "text", Options: []string{"a"}})
	assert.Empty(t, q.Options)
	assert.NotEmpty(t, q.Placeholder)
}

func TestQuestionRange(t *testing.T) {
	for missing, want := range map[int][2]int{0: {3, 5}, 2: {3, 5}, 3: {6, 8}, 4: {6, 8}, 5: {9, 10}, 6: {9, 10}} {
		lo, hi := QuestionRange(missing)
		assert.Equal(t, want, [2]int{lo, hi}, "missing=%d", missing)
	}
}

func TestSortOrdersRequiredPriorityWeight(t *testing.T) {
	qs := []proto.Question{
		{ID: "a", Priority: 1, Weight: 1},
		{ID: "b", Required: true, Priority: 2, Weight: 9},
		{ID: "c", Required: true, Priority: 1, Weight: 3},
		{ID: "d", Required: true, Priority: 1, Weight: 8},
	}
	Sort(qs)
	got := []string{qs[0].ID, qs[1].ID, qs[2].ID, qs[3].ID}
	assert.Equal(t, []string{"d", "c", "b", "a"}, got)
}

func TestFallbackQuestionsSizing(t *testing.T) {
	rich := FallbackQuestions(Analyze(richBrief, nil))
	assert.LessOrEqual(t, len(rich), 5)

	vague := Analyze(vagueBrief, nil)
	qs := FallbackQuestions(vague)
	_, hi := QuestionRange(len(vague.Missing))
	assert.Len(t, qs, hi)
	assert.GreaterOrEqual(t, len(qs), 5)

	required := map[string]bool{}
	for _, q := range qs {
		if q.Required {
			required[q.Dimension] = true
		}
		if q.Type.IsChoice() {
			assert.GreaterOrEqual(t, len(q.Options), 2)
		}
	}
	assert.True(t, required[DimBudget])
	assert.True(t, required[DimTime])
}

func TestGenerateFromLLM(t *testing.T) {
	resp := `{"introduction": "补充一下", "questions": [
		{"id": "q1", "question": "预算多少？", "type": "radio", "options": ["10万", "20万"], "dimension": "budget", "is_required": true, "priority": 1, "weight": 10},
		{"id": "q2", "question": "什么时候入住？", "type": "text", "dimension": "timeline", "priority": 1, "weight": 9},
		{"question": "喜欢的颜色(多选)", "type": "weird", "options": ["红"]},
		{"question": ""}
	], "note": "谢谢"}`
	client := mocks.NewMockLLMClient().OnOperation("completeness.gap_questions", resp)
	g := NewGenerator(client, prompts.MustStore(), 0)

	r := Analyze(vagueBrief, nil)
	qn := g.Generate(context.Background(), vagueBrief, "", r)
	assert.Equal(t, SourceLLM, qn.Source)
	assert.Equal(t, "补充一下", qn.Introduction)

	lo, hi := QuestionRange(len(r.Missing))
	assert.GreaterOrEqual(t, len(qn.Questions), lo)
	assert.LessOrEqual(t, len(qn.Questions), hi)

	byID := map[string]proto.Question{}
	for _, q := range qn.Questions {
		byID[q.ID] = q
		assert.Contains(t, []proto.QuestionType{proto.QuestionSingleChoice, proto.QuestionMultipleChoice, proto.QuestionOpenEnded}, q.Type)
	}
	assert.True(t, byID["q2"].Required, "timeline gap must be required")
	assert.Equal(t, proto.QuestionMultipleChoice, byID["q3"].Type)
	assert.Len(t, byID["q3"].Options, 2)

	calls := client.CallsFor("completeness.gap_questions")
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].PromptText(), "9-10")
}

func TestGenerateFallsBack(t *testing.T) {
	client := mocks.NewMockLLMClient().FailOperation("completeness.gap_questions", errors.New("down"))
	g := NewGenerator(client, prompts.MustStore(), 0)

	r := Analyze(vagueBrief, nil)
	qn := g.Generate(context.Background(), vagueBrief, "", r)
	assert.Equal(t, SourceFallback, qn.Source)
	assert.Equal(t, FallbackQuestions(r), qn.Questions)
	assert.NotEmpty(t, qn.Introduction)
}

func TestDetectScenes(t *testing.T) {
	scenes := DetectScenes("月亮落在结冰的湖面上，极简禅意住宅", "")
	require.Contains(t, scenes, ScenePoetic)
	assert.GreaterOrEqual(t, len(scenes[ScenePoetic].MatchedKeywords), 2)
	assert.NotEmpty(t, scenes[ScenePoetic].TriggerMessage)
	assert.NotContains(t, scenes, SceneExtremeEnv)

	one := DetectScenes("家里有一只猫，希望有点诗意", "")
	assert.Empty(t, one)

	both := DetectScenes("全屋智能", "家庭影院与音响")
	assert.Equal(t, []string{SceneTechGeek}, SceneIDs(both))
}
