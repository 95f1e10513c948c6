package deliverable

import (
	"fmt"
	"regexp"
	"strings"

	"atelier/pkg/graph"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

const maxKeywords = 8

//nolint:gochecknoglobals // static keyword tables
var (
	materialWords = []string{
		"实木", "原木", "木饰面", "大理石", "石材", "岩板", "微水泥", "水磨石", "黄铜", "不锈钢",
		"金属", "玻璃", "布艺", "皮革", "藤编", "竹", "亚麻", "陶瓷", "瓷砖",
	}
	colorWords = []string{
		"蒂芙尼蓝", "莫兰迪", "奶油色", "米白", "米色", "原木色", "暖白", "黑白灰", "高级灰",
		"深灰", "墨绿", "雾蓝", "焦糖", "金色", "白色", "黑色", "灰色", "蓝色", "绿色", "粉色",
	}
	functionWords = []string{
		"收纳", "储物", "衣帽间", "书房", "茶室", "办公", "会客", "儿童房", "宠物", "健身",
		"影音", "厨房", "餐厅", "采光", "隔音", "动线", "适老", "社交",
	}
	budgetPattern = regexp.MustCompile(`(?:预算|总价|投入)?\s*\d+(?:\.\d+)?\s*(?:(?:万元|万|元|[wW])?\s*[-~～到至]\s*\d+(?:\.\d+)?\s*)?(?:万元|万|元|[wW])`)
)

// facts are the client preferences mined from the questionnaire and the brief.
type facts struct {
	style     string
	materials []string
	colors    []string
	functions []string
	budgets   []string
	empty     bool
}

func collectFacts(s graph.State) facts {
	var parts []string
	summary, hasSummary := graph.Decode[proto.QuestionnaireSummary](s, proto.KeyQuestionnaireSummary)
	if hasSummary {
		for _, e := range summary.Entries {
			parts = append(parts, answerText(e.Value))
		}
		for _, v := range summary.Answers.GapAnswers {
			parts = append(parts, answerText(v))
		}
		parts = append(parts, summary.Answers.CoreTask)
	}
	tasks, _ := graph.Decode[[]proto.Task](s, proto.KeyConfirmedCoreTasks)
	for _, t := range tasks {
		parts = append(parts, t.Title, t.Description)
	}
	parts = append(parts, s.String(proto.KeyUserInput))
	if req := s.Map(proto.KeyStructuredRequirements); req != nil {
		parts = append(parts, utils.AsString(req["resource_constraints"]))
	}
	text := strings.Join(parts, "\n")

	f := facts{
		style:     summary.ProfileLabel,
		materials: matchWords(text, materialWords),
		colors:    matchWords(text, colorWords),
		functions: matchWords(text, functionWords),
		budgets:   dedup(budgetPattern.FindAllString(text, -1)),
	}
	f.empty = strings.TrimSpace(text) == "" && f.style == ""
	return f
}

func answerText(v any) string {
	if s := utils.AsString(v); s != "" {
		return s
	}
	return strings.Join(utils.AsStringSlice(v), "、")
}

func matchWords(text string, words []string) []string {
	var out []string
	for _, w := range words {
		if strings.Contains(text, w) && !coveredBy(out, w) {
			out = append(out, w)
		}
	}
	return out
}

// coveredBy reports whether w is part of an already matched longer word.
func coveredBy(matched []string, w string) bool {
	for _, m := range matched {
		if strings.Contains(m, w) {
			return true
		}
	}
	return false
}

func dedup(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// keywords returns the preference keywords relevant to tpl. Without any brief
// or answers the template defaults are used.
func (f facts) keywords(tpl prompts.DeliverableTemplate) []string {
	if f.empty {
		return append([]string{}, tpl.Keywords...)
	}
	var out []string
	if f.style != "" {
		out = append(out, f.style)
	}
	out = append(out, f.materials...)
	out = append(out, f.colors...)
	out = append(out, f.functions...)
	out = append(out, f.budgets...)
	out = dedup(out)
	if len(out) == 0 {
		return append([]string{}, tpl.Keywords...)
	}
	if len(out) > maxKeywords {
		out = out[:maxKeywords]
	}
	return out
}

// mustInclude picks the facts each kind of deliverable has to address.
func (f facts) mustInclude(tpl prompts.DeliverableTemplate) []string {
	out := []string{}
	if f.empty {
		return out
	}
	name := tpl.Name + tpl.Description
	if f.style != "" {
		out = append(out, "风格定位："+f.style)
	}
	if containsAny(name, "材料", "配色", "色彩", "软装") {
		if len(f.materials) > 0 {
			out = append(out, "材料偏好："+strings.Join(f.materials, "、"))
		}
		if len(f.colors) > 0 {
			out = append(out, "色彩倾向："+strings.Join(f.colors, "、"))
		}
	}
	if containsAny(name, "预算", "实施", "落地", "成本") && len(f.budgets) > 0 {
		out = append(out, fmt.Sprintf("预算范围：%s", strings.Join(f.budgets, "、")))
	}
	if containsAny(name, "空间", "规划", "场景", "动线") && len(f.functions) > 0 {
		out = append(out, "功能需求："+strings.Join(f.functions, "、"))
	}
	return out
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
