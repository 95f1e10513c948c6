// Package completeness scores how much of a brief's required information is
// present, names the critical gaps, and builds follow-up questions for them.
package completeness

import (
	"regexp"
	"strings"

	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

// Information dimensions.
const (
	DimBasic       = "basic_info"
	DimObjective   = "core_objectives"
	DimBudget      = "budget"
	DimTime        = "timeline"
	DimDeliverable = "deliverables"
	DimSpecial     = "special_requirements"
)

// coveredThreshold is the dimension score above which a dimension counts as covered.
const coveredThreshold = 0.3

// saturation is the hit count at which a dimension's keyword score reaches 1.
// Scores divide by min(len(keywords), saturation), so one hit covers any
// dimension of three or more keywords regardless of its list size.
const saturation = 3

type dimension struct {
	id       string
	label    string
	keywords []string
	pattern  *regexp.Regexp
	critical string
}

//nolint:gochecknoglobals // static scoring table
var dimensions = []dimension{
	{
		id:       DimBasic,
		label:    "基本信息",
		keywords: []string{"平米", "平方", "㎡", "住宅", "公寓", "别墅", "一居室", "两居室", "三居室", "房子", "餐厅", "办公", "店", "酒店", "民宿", "城市"},
		pattern:  regexp.MustCompile(`\d+\s*(?:平米?|平方米|㎡)`),
	},
	{
		id:       DimObjective,
		label:    "核心目标",
		keywords: []string{"希望", "想要", "目标", "打造", "实现", "需要", "期望", "追求", "主题", "为主题"},
	},
	{
		id:       DimBudget,
		label:    "预算约束",
		keywords: []string{"预算", "费用", "造价", "成本", "花费", "投入", "万元"},
		pattern:  regexp.MustCompile(`\d+\s*(?:万|元)`),
		critical: "预算决定材料档次与设计深度，缺失时专家无法给出可落地的建议",
	},
	{
		id:       DimTime,
		label:    "时间节点",
		keywords: []string{"工期", "周期", "入住", "开业", "截止", "时间", "尽快", "月底", "年底"},
		pattern:  regexp.MustCompile(`\d+\s*个?(?:月|天|年|周)`),
		critical: "时间节点影响施工组织与方案复杂度，需要在设计前明确",
	},
	{
		id:       DimDeliverable,
		label:    "交付成果",
		keywords: []string{"设计", "方案", "策略", "概念", "效果图", "软装", "清单", "框架", "思路", "建议"},
		critical: "交付成果的形式决定专家分工与输出深度",
	},
	{
		id:       DimSpecial,
		label:    "特殊需求",
		keywords: []string{"特殊", "过敏", "宠物", "老人", "儿童", "孩子", "无障碍", "隔音", "收纳", "智能", "禁忌", "信仰", "轮椅"},
		critical: "特殊需求往往是硬约束，遗漏会导致方案返工",
	},
}

// Report is the completeness assessment of a brief and its confirmed tasks.
type Report struct {
	Score        float64             `json:"completeness_score"`
	Density      float64             `json:"task_density"`
	Dimensions   map[string]float64  `json:"dimension_scores"`
	Covered      []string            `json:"covered_dimensions"`
	Missing      []string            `json:"missing_dimensions"`
	CriticalGaps []proto.CriticalGap `json:"critical_gaps"`
}

// HasCriticalGaps reports whether any critical dimension is missing.
func (r Report) HasCriticalGaps() bool { return len(r.CriticalGaps) > 0 }

// Analyze scores the brief together with the confirmed tasks.
func Analyze(userInput string, tasks []proto.Task) Report {
	text := userInput + "\n" + TaskSummary(tasks)
	r := Report{
		Dimensions:   make(map[string]float64, len(dimensions)),
		Covered:      []string{},
		Missing:      []string{},
		CriticalGaps: []proto.CriticalGap{},
	}

	for _, d := range dimensions {
		score := scoreDimension(d, text)
		r.Dimensions[d.id] = score
		if score > coveredThreshold {
			r.Covered = append(r.Covered, d.id)
			continue
		}
		r.Missing = append(r.Missing, d.id)
		// basic info and objectives were confirmed with the tasks
		if d.critical != "" {
			r.CriticalGaps = append(r.CriticalGaps, proto.CriticalGap{Dimension: d.id, Reason: d.critical})
		}
	}

	r.Density = density(tasks)
	coverage := float64(len(r.Covered)) / float64(len(dimensions))
	r.Score = clamp01(round2(0.6*coverage + 0.4*r.Density))
	return r
}

func scoreDimension(d dimension, text string) float64 {
	hits := 0
	for _, kw := range d.keywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	norm := min(len(d.keywords), saturation)
	score := float64(hits) / float64(norm)
	if d.pattern != nil && d.pattern.MatchString(text) {
		score += 0.5
	}
	return clamp01(score)
}

func density(tasks []proto.Task) float64 {
	if len(tasks) == 0 {
		return 0
	}
	chars := 0
	for _, t := range tasks {
		chars += utils.RuneLen(t.Title) + utils.RuneLen(t.Description)
	}
	avg := float64(chars) / float64(len(tasks))
	return min(avg/40, 1.0)
}

// TaskSummary renders tasks one per line as "title：description".
func TaskSummary(tasks []proto.Task) string {
	var b strings.Builder
	for i, t := range tasks {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(t.Title)
		if t.Description != "" && t.Description != t.Title {
			b.WriteString("：")
			b.WriteString(t.Description)
		}
	}
	return b.String()
}

// Label returns the display name of a dimension id.
func Label(id string) string {
	for _, d := range dimensions {
		if d.id == id {
			return d.label
		}
	}
	return id
}

func clamp01(v float64) float64 {
	return max(0, min(v, 1))
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
