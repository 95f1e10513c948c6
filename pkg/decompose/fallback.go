package decompose

import (
	"fmt"
	"regexp"
	"strings"

	"atelier/pkg/proto"
)

const (
	minFallbackTasks = 5
	maxFallbackTasks = 7
)

//nolint:gochecknoglobals // static extraction rules
var (
	quotedPair   = regexp.MustCompile(`["“「]([^"”」]{1,20})["”」][^"“「]{0,10}?["“「]([^"”」]{1,20})["”」]`)
	conjunctPair = regexp.MustCompile(`([\p{Han}A-Za-z]{2,6})\s*(?:与|vs\.?|VS|Vs)\s*([\p{Han}A-Za-z]{2,6})`)
	benchmark    = regexp.MustCompile(`(?:对标|参考)([\p{Han}A-Za-z0-9]{2,12})`)
	ageAudience  = regexp.MustCompile(`\d+岁\p{Han}{0,6}?(?:女性|男性|夫妻|家庭|情侣|老人|儿童|律师|医生|设计师|创业者|白领)|\d+岁`)
	themeBrand   = regexp.MustCompile(`以([\p{Han}A-Za-z0-9]{2,12}?)为主题`)
	capitalBrand = regexp.MustCompile(`\b[A-Z][a-z]{2,}\b`)
	areaPattern  = regexp.MustCompile(`(\d+)\s*(?:平米|平方米|㎡|平)`)

	identityTokens = []string{"单身", "丁克", "三代同堂", "新婚", "退休", "独居"}
	culturalHooks  = []string{"禅意", "侘寂", "宋式", "新中式", "东方", "中式", "非遗", "在地文化", "民族", "传统"}
	spaceTypes     = []string{"一居室", "两居室", "三居室", "住宅", "别墅", "公寓", "餐厅", "咖啡馆", "办公室",
		"酒店", "民宿", "店铺", "展厅", "会所"}
	deliverableHooks = []struct{ hook, title string }{
		{"框架", "搭建完整的设计框架"},
		{"设计思路", "梳理清晰的设计思路"},
		{"方案", "形成可执行的设计方案"},
	}
	fillerTasks = []proto.Task{
		{Title: "梳理项目定位与核心目标", Description: "明确项目要解决的核心问题与期望达成的状态", TaskType: proto.TaskAnalysis},
		{Title: "分析使用者需求与行为场景", Description: "还原使用者的日常行为与情感需求", TaskType: proto.TaskResearch},
		{Title: "确立整体风格与美学方向", Description: "确定统一的美学语言与氛围基调", TaskType: proto.TaskDesign},
		{Title: "规划功能布局与空间动线", Description: "组织功能分区与主要动线", TaskType: proto.TaskDesign},
		{Title: "制定材料与色彩策略", Description: "建立主辅材料与色彩体系", TaskType: proto.TaskDesign},
		{Title: "形成可落地的设计策略", Description: "把分析结论整理为可执行的设计策略", TaskType: proto.TaskOutput},
	}
)

type taskList struct {
	tasks  []proto.Task
	titles map[string]bool
}

func (l *taskList) add(t proto.Task) {
	if t.Title == "" || l.titles[t.Title] {
		return
	}
	l.titles[t.Title] = true
	t.ID = fmt.Sprintf("task_%d", len(l.tasks)+1)
	if t.Description == "" {
		t.Description = t.Title
	}
	if t.SourceKeywords == nil {
		t.SourceKeywords = []string{}
	}
	l.tasks = append(l.tasks, t)
}

func rule(title, desc string, typ proto.TaskType, motivation, label string, keywords ...string) proto.Task {
	return proto.Task{
		Title:           title,
		Description:     desc,
		SourceKeywords:  keywords,
		TaskType:        typ,
		Priority:        proto.PriorityHigh,
		MotivationType:  motivation,
		MotivationLabel: label,
		ConfidenceScore: 0.6,
	}
}

// Fallback extracts tasks from the brief with fixed patterns. Every pattern hit
// becomes a high-priority task; neutral filler tasks bring the list to at least
// five, and the result is capped at seven.
func Fallback(userInput string) []proto.Task {
	l := &taskList{titles: make(map[string]bool)}
	text := strings.TrimSpace(userInput)

	for _, task := range extract(text) {
		l.add(task)
	}
	for _, f := range fillerTasks {
		if len(l.tasks) >= minFallbackTasks {
			break
		}
		f.Priority = proto.PriorityMedium
		f.MotivationType = "general"
		f.MotivationLabel = "通用任务"
		f.ConfidenceScore = 0.4
		l.add(f)
	}
	if len(l.tasks) > maxFallbackTasks {
		l.tasks = l.tasks[:maxFallbackTasks]
	}
	return l.tasks
}

func extract(text string) []proto.Task {
	var out []proto.Task

	if m := quotedPair.FindStringSubmatch(text); m != nil {
		out = append(out, tension(m[1], m[2]))
	} else if m := conjunctPair.FindStringSubmatch(text); m != nil {
		out = append(out, tension(m[1], m[2]))
	}

	for _, m := range benchmark.FindAllStringSubmatch(text, 2) {
		out = append(out, rule("对标"+m[1]+"的案例研究", "研究"+m[1]+"的成功经验与可借鉴之处",
			proto.TaskResearch, "reference", "对标参考", m[1]))
	}

	for _, hook := range culturalHooks {
		if strings.Contains(text, hook) {
			out = append(out, rule(hook+"文化元素的当代转译", "提炼"+hook+"的精神内核并转化为空间语言",
				proto.TaskDesign, "culture", "文化表达", hook))
			break
		}
	}

	if who := ageAudience.FindString(text); who != "" {
		out = append(out, audience(who))
	} else {
		for _, tok := range identityTokens {
			if strings.Contains(text, tok) {
				out = append(out, audience(tok))
				break
			}
		}
	}

	if m := themeBrand.FindStringSubmatch(text); m != nil {
		out = append(out, brand(m[1]))
	} else if b := capitalBrand.FindString(text); b != "" {
		out = append(out, brand(b))
	}

	if m := areaPattern.FindStringSubmatch(text); m != nil {
		for _, st := range spaceTypes {
			if strings.Contains(text, st) {
				out = append(out, rule(m[1]+"平米"+st+"的空间规划", "在"+m[1]+"平米的条件下组织"+st+"的功能与动线",
					proto.TaskDesign, "function", "功能规划", m[0], st))
				break
			}
		}
	}

	for _, h := range deliverableHooks {
		if strings.Contains(text, h.hook) {
			out = append(out, rule(h.title, "按客户期望输出"+h.hook, proto.TaskOutput, "output", "成果交付", h.hook))
			break
		}
	}
	return out
}

func tension(a, b string) proto.Task {
	return rule("平衡"+a+"与"+b+"的核心张力", "厘清"+a+"与"+b+"之间的取舍并给出统一方案",
		proto.TaskAnalysis, "tension", "核心张力", a, b)
}

func audience(who string) proto.Task {
	return rule(who+"的生活方式与身份表达", "研究"+who+"的生活习惯、审美与身份诉求",
		proto.TaskResearch, "identity", "身份表达", who)
}

func brand(name string) proto.Task {
	return rule(name+"品牌主题的空间转译", "把"+name+"的品牌符号与气质转化为空间体验",
		proto.TaskDesign, "brand", "品牌表达", name)
}
