package completeness

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"atelier/pkg/jsonx"
	"atelier/pkg/llm"
	"atelier/pkg/logx"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
)

// Question sources.
const (
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// DefaultTimeout bounds the gap question LLM call.
const DefaultTimeout = 30 * time.Second

const (
	defaultIntroduction = "为了让专家更准确地理解您的项目，请补充以下信息。"
	defaultNote         = "带 * 的问题为必答，其余可按需填写。"
	defaultPlaceholder  = "请简要描述您的想法"
)

// Questionnaire is the step 3 question set and where it came from.
type Questionnaire struct {
	proto.GapQuestionnaire
	Source string `json:"source"`
}

//nolint:gochecknoglobals // alias table
var typeAliases = map[string]proto.QuestionType{
	"single_choice":   proto.QuestionSingleChoice,
	"multiple_choice": proto.QuestionMultipleChoice,
	"open_ended":      proto.QuestionOpenEnded,
	"multi_choice":    proto.QuestionMultipleChoice,
	"checkbox":        proto.QuestionMultipleChoice,
	"multi":           proto.QuestionMultipleChoice,
	"radio":           proto.QuestionSingleChoice,
	"select":          proto.QuestionSingleChoice,
	"dropdown":        proto.QuestionSingleChoice,
	"text":            proto.QuestionOpenEnded,
	"textarea":        proto.QuestionOpenEnded,
	"free_text":       proto.QuestionOpenEnded,
}

//nolint:gochecknoglobals // compiled once
var (
	singleMarker = regexp.MustCompile(`[(（]单选[)）]`)
	multiMarker  = regexp.MustCompile(`[(（]多选[)）]`)
	openMarker   = regexp.MustCompile(`[(（]开放题[)）]`)
)

// NormalizeType maps a raw question type onto the closed set. Unknown values are
// inferred from markers in the question text, then from the presence of options.
func NormalizeType(raw, question string, hasOptions bool) proto.QuestionType {
	if t, ok := typeAliases[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return t
	}
	switch {
	case multiMarker.MatchString(question):
		return proto.QuestionMultipleChoice
	case singleMarker.MatchString(question):
		return proto.QuestionSingleChoice
	case openMarker.MatchString(question):
		return proto.QuestionOpenEnded
	case hasOptions:
		return proto.QuestionSingleChoice
	default:
		return proto.QuestionOpenEnded
	}
}

// Normalize coerces q into a well-formed question: closed type, at least two
// options for choice questions, a placeholder for open questions.
func Normalize(q proto.Question) proto.Question {
	q.Question = strings.TrimSpace(q.Question)
	q.Type = NormalizeType(string(q.Type), q.Question, len(q.Options) > 0)

	if !q.Type.IsChoice() {
		q.Options = nil
		if strings.TrimSpace(q.Placeholder) == "" {
			q.Placeholder = defaultPlaceholder
		}
		return q
	}
	opts := make([]string, 0, len(q.Options))
	for _, o := range q.Options {
		if o = strings.TrimSpace(o); o != "" {
			opts = append(opts, o)
		}
	}
	switch len(opts) {
	case 0:
		opts = []string{"是", "否"}
	case 1:
		opts = append(opts, "其他")
	}
	q.Options = opts
	q.Placeholder = ""
	return q
}

// QuestionRange is the requested question count for a number of missing dimensions.
func QuestionRange(missing int) (lo, hi int) {
	switch {
	case missing >= 5:
		return 9, 10
	case missing >= 3:
		return 6, 8
	default:
		return 3, 5
	}
}

// Sort orders required questions first, then ascending priority, then descending weight.
func Sort(qs []proto.Question) {
	sort.SliceStable(qs, func(i, j int) bool {
		a, b := qs[i], qs[j]
		if a.Required != b.Required {
			return a.Required
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Weight > b.Weight
	})
}

//nolint:gochecknoglobals // fallback templates
var (
	templates = map[string]proto.Question{
		DimBudget: {
			ID:       "gap_budget",
			Question: "您的整体预算大约在哪个区间？",
			Type:     proto.QuestionSingleChoice,
			Options:  []string{"10万以下", "10-30万", "30-60万", "60-100万", "100万以上"},
			Required: true,
			Priority: 1,
			Weight:   10,
		},
		DimTime: {
			ID:       "gap_timeline",
			Question: "您期望的项目完成时间是？",
			Type:     proto.QuestionSingleChoice,
			Options:  []string{"1个月内", "1-3个月", "3-6个月", "6-12个月", "暂无明确时间"},
			Required: true,
			Priority: 1,
			Weight:   9,
		},
		DimDeliverable: {
			ID:       "gap_deliverables",
			Question: "您希望获得哪些设计成果？",
			Type:     proto.QuestionMultipleChoice,
			Options:  []string{"设计策略与空间概念", "功能布局规划", "材料与色彩建议", "预算分配框架", "软装搭配清单"},
			Required: true,
			Priority: 2,
			Weight:   8,
		},
		DimSpecial: {
			ID:          "gap_special",
			Question:    "家庭成员中是否有特殊需求（如老人、儿童、宠物、过敏等）？",
			Type:        proto.QuestionOpenEnded,
			Placeholder: "例如：家里有一只猫，老人腿脚不便",
			Priority:    2,
			Weight:      7,
		},
	}
	criticalOrder = []string{DimBudget, DimTime, DimDeliverable, DimSpecial}
	genericPool   = []proto.Question{
		{ID: "gap_generic_1", Question: "您最希望这个空间带给您怎样的感受？", Type: proto.QuestionOpenEnded, Placeholder: "例如：放松、安静、有仪式感", Priority: 3, Weight: 6},
		{ID: "gap_generic_2", Question: "日常居住或使用的人员构成是怎样的？", Type: proto.QuestionOpenEnded, Placeholder: "例如：夫妻二人，周末父母来住", Priority: 3, Weight: 5},
		{ID: "gap_generic_3", Question: "您更倾向于哪种整体氛围？", Type: proto.QuestionSingleChoice, Options: []string{"温暖柔和", "清爽明亮", "沉稳内敛", "活力鲜明"}, Priority: 3, Weight: 5},
		{ID: "gap_generic_4", Question: "您对收纳空间的需求程度如何？", Type: proto.QuestionSingleChoice, Options: []string{"很高", "一般", "较低"}, Priority: 4, Weight: 4},
		{ID: "gap_generic_5", Question: "有没有您特别喜欢或不能接受的材料、颜色？", Type: proto.QuestionOpenEnded, Placeholder: "例如：喜欢木色，不喜欢大面积灰色", Priority: 4, Weight: 4},
		{ID: "gap_generic_6", Question: "是否有希望参考的案例或风格方向？", Type: proto.QuestionOpenEnded, Placeholder: "例如：某个酒店或一组图片的感觉", Priority: 5, Weight: 3},
	}
)

// FallbackQuestions builds the fixed question set for a report: one template per
// critical gap, padded from the generic pool up to the upper bound of the range.
func FallbackQuestions(r Report) []proto.Question {
	_, hi := QuestionRange(len(r.Missing))
	gaps := make(map[string]bool, len(r.CriticalGaps))
	for _, g := range r.CriticalGaps {
		gaps[g.Dimension] = true
	}

	out := make([]proto.Question, 0, hi)
	for _, dim := range criticalOrder {
		if gaps[dim] {
			q := templates[dim]
			q.Dimension = dim
			q.Options = append([]string(nil), q.Options...)
			out = append(out, q)
		}
	}
	for _, q := range genericPool {
		if len(out) >= hi {
			break
		}
		q.Options = append([]string(nil), q.Options...)
		out = append(out, q)
	}
	for i := range out {
		out[i] = Normalize(out[i])
	}
	return out
}

// Generator produces step 3 questionnaires, preferring the LLM.
type Generator struct {
	client  llm.LLMClient
	store   *prompts.Store
	timeout time.Duration
	logger  *logx.Logger
}

// NewGenerator creates a generator. A nil client always uses the fixed templates.
func NewGenerator(client llm.LLMClient, store *prompts.Store, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Generator{client: client, store: store, timeout: timeout, logger: logx.NewLogger("completeness")}
}

// Generate returns a normalized questionnaire for the report. Budget and time
// gaps always carry a required question.
func (g *Generator) Generate(ctx context.Context, userInput, taskSummary string, r Report) Questionnaire {
	fallback := FallbackQuestions(r)
	qn, err := g.fromLLM(ctx, userInput, taskSummary, r)
	if err != nil {
		g.logger.WarnCtx(ctx, "gap questions fell back to templates: %v", err)
		return Questionnaire{
			GapQuestionnaire: proto.GapQuestionnaire{
				Introduction: defaultIntroduction,
				Questions:    fallback,
				Note:         defaultNote,
			},
			Source: SourceFallback,
		}
	}

	lo, hi := QuestionRange(len(r.Missing))
	qn.Questions = ensureRequired(qn.Questions, fallback, r)
	if len(qn.Questions) < lo {
		qn.Questions = padFrom(qn.Questions, fallback, lo)
	}
	if len(qn.Questions) > hi {
		Sort(qn.Questions)
		qn.Questions = qn.Questions[:hi]
	}
	qn.Source = SourceLLM
	return qn
}

type rawQuestion struct {
	ID          any    `json:"id"`
	Question    string `json:"question"`
	Text        string `json:"text"`
	Type        string `json:"type"`
	Options     []any  `json:"options"`
	Placeholder string `json:"placeholder"`
	Dimension   string `json:"dimension"`
	Required    any    `json:"is_required"`
	Priority    any    `json:"priority"`
	Weight      any    `json:"weight"`
	Context     string `json:"context"`
}

func (g *Generator) fromLLM(ctx context.Context, userInput, taskSummary string, r Report) (Questionnaire, error) {
	if g.client == nil || g.store == nil {
		return Questionnaire{}, llm.NewError(llm.ErrorTypeUnavailable, llm.ErrUnavailable)
	}
	lo, hi := QuestionRange(len(r.Missing))
	missing := make([]string, 0, len(r.Missing))
	for _, m := range r.Missing {
		missing = append(missing, Label(m)+"("+m+")")
	}
	gaps := make([]string, 0, len(r.CriticalGaps))
	for _, gp := range r.CriticalGaps {
		gaps = append(gaps, fmt.Sprintf("- %s：%s", Label(gp.Dimension), gp.Reason))
	}
	system, user, err := g.store.Render(prompts.GapQuestions, map[string]string{
		"user_input":         userInput,
		"task_summary":       taskSummary,
		"missing_dimensions": strings.Join(missing, "、"),
		"critical_gaps":      strings.Join(gaps, "\n"),
		"question_count":     fmt.Sprintf("%d-%d", lo, hi),
	})
	if err != nil {
		return Questionnaire{}, err
	}
	content, err := llm.CompleteText(ctx, g.client, llm.NewCompletionRequest("completeness.gap_questions", system, user), g.timeout)
	if err != nil {
		return Questionnaire{}, err
	}
	return ParseQuestionnaire(content)
}

// ParseQuestionnaire extracts and normalizes a questionnaire from an LLM response.
func ParseQuestionnaire(content string) (Questionnaire, error) {
	obj, err := jsonx.ExtractObject(content)
	if err != nil {
		return Questionnaire{}, err
	}
	raw, err := json.Marshal(obj["questions"])
	if err != nil {
		return Questionnaire{}, err
	}
	var items []rawQuestion
	if err := json.Unmarshal(raw, &items); err != nil {
		return Questionnaire{}, fmt.Errorf("questions are not a list: %w", err)
	}

	qn := Questionnaire{GapQuestionnaire: proto.GapQuestionnaire{
		Introduction: stringOr(obj["introduction"], defaultIntroduction),
		Note:         stringOr(obj["note"], defaultNote),
		Questions:    make([]proto.Question, 0, len(items)),
	}}
	seen := map[string]bool{}
	for i, it := range items {
		text := strings.TrimSpace(it.Question)
		if text == "" {
			text = strings.TrimSpace(it.Text)
		}
		if text == "" {
			continue
		}
		id := ""
		switch v := it.ID.(type) {
		case string:
			id = strings.TrimSpace(v)
		case float64:
			id = "q" + strconv.Itoa(int(v))
		}
		if id == "" || seen[id] {
			id = fmt.Sprintf("q%d", i+1)
		}
		seen[id] = true
		opts := make([]string, 0, len(it.Options))
		for _, o := range it.Options {
			switch v := o.(type) {
			case string:
				opts = append(opts, v)
			case map[string]any:
				if label, ok := v["label"].(string); ok {
					opts = append(opts, label)
				}
			}
		}
		qn.Questions = append(qn.Questions, Normalize(proto.Question{
			ID:          id,
			Question:    text,
			Type:        proto.QuestionType(it.Type),
			Options:     opts,
			Placeholder: it.Placeholder,
			Dimension:   it.Dimension,
			Context:     it.Context,
			Required:    truthy(it.Required),
			Priority:    int(number(it.Priority, 3)),
			Weight:      int(number(it.Weight, 5)),
		}))
	}
	if len(qn.Questions) == 0 {
		return Questionnaire{}, fmt.Errorf("no usable questions: %w", jsonx.ErrNoJSON)
	}
	return qn, nil
}

// ensureRequired guarantees a required question for each critical budget or time gap.
func ensureRequired(qs, fallback []proto.Question, r Report) []proto.Question {
	for _, gp := range r.CriticalGaps {
		if gp.Dimension != DimBudget && gp.Dimension != DimTime {
			continue
		}
		found := false
		for i := range qs {
			if qs[i].Dimension == gp.Dimension {
				qs[i].Required = true
				found = true
			}
		}
		if found {
			continue
		}
		for _, f := range fallback {
			if f.Dimension == gp.Dimension {
				qs = append(qs, f)
				break
			}
		}
	}
	return qs
}

func padFrom(qs, extra []proto.Question, n int) []proto.Question {
	ids := make(map[string]bool, len(qs))
	for _, q := range qs {
		ids[q.ID] = true
	}
	for _, q := range extra {
		if len(qs) >= n {
			break
		}
		if !ids[q.ID] {
			ids[q.ID] = true
			qs = append(qs, q)
		}
	}
	return qs
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
		return s
	}
	return def
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	case float64:
		return x != 0
	}
	return false
}

func number(v any, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f
		}
	}
	return def
}
