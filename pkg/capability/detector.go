// Package capability classifies what a brief asks for against what the system can
// deliver, and scores whether the brief carries enough information to analyze.
//
// Detect is a pure keyword/regex pass with no LLM involvement. Service wraps it into
// timestamped check records used at every external input seam.
package capability

import (
	"regexp"
	"strings"

	"atelier/pkg/utils"
)

// Recommended actions.
const (
	ActionProceedAnalysis     = "proceed_analysis"
	ActionQuestionnaireFirst  = "questionnaire_first"
	ActionClarifyExpectations = "clarify_expectations"
)

// DefaultDeliverableType is assumed when a brief names no deliverable at all.
const DefaultDeliverableType = "design_strategy"

const defaultDeliverableConfidence = 0.5

// DeliverableCheck is one detected output request.
type DeliverableCheck struct {
	Type             string   `json:"type"`
	MatchedKeywords  []string `json:"matched_keywords"`
	Confidence       float64  `json:"confidence"`
	WithinCapability bool     `json:"within_capability"`
	TransformedType  string   `json:"transformed_type,omitempty"`
	Reason           string   `json:"transformation_reason,omitempty"`
}

// Transformation rewrites an out-of-capability request into a deliverable we produce.
type Transformation struct {
	OriginalType    string   `json:"original_type"`
	TransformedType string   `json:"transformed_type"`
	Reason          string   `json:"reason"`
	MatchedKeywords []string `json:"matched_keywords"`
}

// DimensionPresence records whether one sufficiency dimension was found.
type DimensionPresence struct {
	Name    string   `json:"name"`
	Weight  float64  `json:"weight"`
	Present bool     `json:"present"`
	Matched []string `json:"matched,omitempty"`
}

// InfoSufficiency is the weighted information check over the seven dimensions.
type InfoSufficiency struct {
	Score             float64             `json:"score"`
	IsSufficient      bool                `json:"is_sufficient"`
	PresentDimensions []string            `json:"present_dimensions"`
	MissingDimensions []string            `json:"missing_dimensions"`
	Dimensions        []DimensionPresence `json:"dimensions"`
}

// Result is the full capability verdict for a text.
type Result struct {
	Deliverables      []DeliverableCheck `json:"deliverables"`
	Transformations   []Transformation   `json:"transformations"`
	Info              InfoSufficiency    `json:"info_sufficiency"`
	CapabilityScore   float64            `json:"capability_score"`
	WithinCapability  bool               `json:"within_capability"`
	RecommendedAction string             `json:"recommended_action"`
	Hints             []string           `json:"hints"`
}

type deliverableType struct {
	id       string
	label    string
	keywords []string
}

//nolint:gochecknoglobals // static detection tables
var deliverableTypes = []deliverableType{
	{"design_strategy", "设计策略与空间概念", []string{"方案", "策略", "设计思路", "概念"}},
	{"space_planning", "空间规划建议", []string{"空间规划", "平面布局", "动线", "功能分区"}},
	{"naming_list", "命名清单", []string{"命名", "起名"}},
	{"material_guidance", "材料选型建议", []string{"材料", "材质", "选材"}},
	{"color_scheme", "配色方案", []string{"配色", "色彩"}},
	{"budget_framework", "预算分配框架", []string{"预算"}},
	{"narrative_concept", "空间叙事概念", []string{"故事", "叙事"}},
	{"visual_concept", "视觉意向描述", []string{"意向", "情绪板"}},
	{"implementation_guidance", "落地实施建议", []string{"落地建议", "实施建议"}},
}

type outOfScope struct {
	category string
	keywords []string
	target   string
	reason   string
}

//nolint:gochecknoglobals // static detection tables
var outOfScopeRules = []outOfScope{
	{"cad_drawing", []string{"CAD", "施工图", "图纸", "dwg"}, "design_strategy",
		"系统不出具CAD或施工图纸，可提供设计策略与空间概念作为深化依据"},
	{"cost_estimate", []string{"精确报价", "报价单", "工程量清单", "BOM", "造价"}, "budget_framework",
		"系统不提供精确报价或工程量清单，可提供预算分配框架"},
	{"rendering_3d", []string{"效果图", "3D渲染", "渲染图"}, "visual_concept",
		"系统不制作3D效果图，可提供视觉意向与氛围描述"},
	{"construction_supervision", []string{"监理", "施工管理", "驻场"}, "implementation_guidance",
		"系统不承担施工监理，可提供落地实施建议"},
	{"procurement", []string{"采购", "下单"}, "material_guidance",
		"系统不代为采购，可提供材料选型建议"},
}

type sufficiencyDimension struct {
	name     string
	weight   float64
	keywords []string
	patterns []*regexp.Regexp
	hint     string
}

//nolint:gochecknoglobals // static detection tables
var sufficiencyDimensions = []sufficiencyDimension{
	{
		name:   "project_type",
		weight: 0.20,
		keywords: []string{"住宅", "公寓", "别墅", "一居室", "两居", "三居", "餐厅", "咖啡", "办公",
			"酒店", "民宿", "商业", "展厅", "零售", "店铺", "样板间", "会所"},
		hint: "项目类型未明确（住宅、商业、办公等）",
	},
	{
		name:     "user_identity",
		weight:   0.15,
		keywords: []string{"律师", "医生", "设计师", "家庭", "夫妻", "单身", "孩子", "老人", "创始人", "品牌方", "退休"},
		patterns: []*regexp.Regexp{regexp.MustCompile(`\d+岁`)},
		hint:     "使用者身份与生活方式未说明",
	},
	{
		name:     "space_constraint",
		weight:   0.20,
		keywords: []string{"平米", "平方", "㎡", "面积", "层高", "户型"},
		patterns: []*regexp.Regexp{regexp.MustCompile(`\d+\s*(平米|平方米|㎡|m2|平)`)},
		hint:     "空间面积与条件未提供",
	},
	{
		name:     "budget",
		weight:   0.15,
		keywords: []string{"预算", "万元", "费用", "成本"},
		patterns: []*regexp.Regexp{regexp.MustCompile(`\d+(\.\d+)?\s*(万|元)`)},
		hint:     "预算范围未提及",
	},
	{
		name:     "time",
		weight:   0.10,
		keywords: []string{"工期", "月底", "年底", "截止", "交付时间", "开业", "入住"},
		patterns: []*regexp.Regexp{regexp.MustCompile(`\d+\s*(个月|月|天|周|年)`)},
		hint:     "时间节点未提及",
	},
	{
		name:     "functional_needs",
		weight:   0.10,
		keywords: []string{"功能", "收纳", "动线", "需求", "储物", "厨房", "卧室", "书房", "工作室", "会客"},
		hint:     "功能需求未描述",
	},
	{
		name:   "style_preference",
		weight: 0.10,
		keywords: []string{"风格", "简约", "现代", "北欧", "中式", "日式", "工业风", "极简", "复古",
			"轻奢", "侘寂", "禅意"},
		hint: "风格偏好未表达",
	},
}

const (
	sufficientScore      = 0.5
	sufficientDimensions = 3
)

// Detect runs deliverable detection and the information-sufficiency check over text.
func Detect(text string) Result {
	checks, transforms := detectDeliverables(text)
	info := checkSufficiency(text)
	score := scoreChecks(checks)

	res := Result{
		Deliverables:     checks,
		Transformations:  transforms,
		Info:             info,
		CapabilityScore:  score,
		WithinCapability: len(transforms) == 0,
	}
	switch {
	case !info.IsSufficient:
		res.RecommendedAction = ActionQuestionnaireFirst
	case len(transforms) > 0:
		res.RecommendedAction = ActionClarifyExpectations
	default:
		res.RecommendedAction = ActionProceedAnalysis
	}
	res.Hints = hints(res)
	return res
}

// DetectDeliverables runs only the deliverable half of Detect.
func DetectDeliverables(text string) ([]DeliverableCheck, []Transformation, float64) {
	checks, transforms := detectDeliverables(text)
	return checks, transforms, scoreChecks(checks)
}

func detectDeliverables(text string) ([]DeliverableCheck, []Transformation) {
	lower := strings.ToLower(text)
	var checks []DeliverableCheck
	for _, dt := range deliverableTypes {
		matched := matchKeywords(lower, dt.keywords)
		if len(matched) == 0 {
			continue
		}
		checks = append(checks, DeliverableCheck{
			Type:             dt.id,
			MatchedKeywords:  matched,
			Confidence:       min(float64(len(matched))/2, 1),
			WithinCapability: true,
		})
	}

	var transforms []Transformation
	for _, rule := range outOfScopeRules {
		matched := matchKeywords(lower, rule.keywords)
		if len(matched) == 0 {
			continue
		}
		checks = append(checks, DeliverableCheck{
			Type:            rule.category,
			MatchedKeywords: matched,
			Confidence:      min(float64(len(matched))/2, 1),
			TransformedType: rule.target,
			Reason:          rule.reason,
		})
		transforms = append(transforms, Transformation{
			OriginalType:    rule.category,
			TransformedType: rule.target,
			Reason:          rule.reason,
			MatchedKeywords: matched,
		})
	}

	if len(checks) == 0 {
		checks = append(checks, DeliverableCheck{
			Type:             DefaultDeliverableType,
			Confidence:       defaultDeliverableConfidence,
			WithinCapability: true,
		})
	}
	return checks, transforms
}

func scoreChecks(checks []DeliverableCheck) float64 {
	if len(checks) == 0 {
		return 1.0
	}
	capable := 0
	for _, c := range checks {
		if c.WithinCapability {
			capable++
		}
	}
	return float64(capable) / float64(len(checks))
}

func checkSufficiency(text string) InfoSufficiency {
	lower := strings.ToLower(text)
	info := InfoSufficiency{
		PresentDimensions: []string{},
		MissingDimensions: []string{},
	}
	for _, dim := range sufficiencyDimensions {
		matched := matchKeywords(lower, dim.keywords)
		for _, re := range dim.patterns {
			if m := re.FindString(text); m != "" {
				matched = append(matched, m)
			}
		}
		p := DimensionPresence{Name: dim.name, Weight: dim.weight, Present: len(matched) > 0, Matched: matched}
		info.Dimensions = append(info.Dimensions, p)
		if p.Present {
			info.Score += dim.weight
			info.PresentDimensions = append(info.PresentDimensions, dim.name)
		} else {
			info.MissingDimensions = append(info.MissingDimensions, dim.name)
		}
	}

	n := utils.RuneLen(text)
	if n > 200 {
		info.Score += 0.1
	}
	if n > 500 {
		info.Score += 0.1
	}
	info.Score = min(round2(info.Score), 1)
	info.IsSufficient = info.Score >= sufficientScore && len(info.PresentDimensions) >= sufficientDimensions
	return info
}

func hints(res Result) []string {
	out := []string{}
	for _, dim := range sufficiencyDimensions {
		for _, missing := range res.Info.MissingDimensions {
			if missing == dim.name {
				out = append(out, dim.hint)
			}
		}
	}
	for _, t := range res.Transformations {
		out = append(out, "用户请求「"+strings.Join(t.MatchedKeywords, "、")+"」超出能力范围，应转化为"+Label(t.TransformedType))
	}
	return out
}

// Label returns the human-readable name of a deliverable type.
func Label(deliverableType string) string {
	for _, dt := range deliverableTypes {
		if dt.id == deliverableType {
			return dt.label
		}
	}
	return deliverableType
}

// IsDeliverableType reports whether t is a type the system produces.
func IsDeliverableType(t string) bool {
	for _, dt := range deliverableTypes {
		if dt.id == t {
			return true
		}
	}
	return false
}

// ruleFor returns the out-of-scope rule of category, if any.
func ruleFor(category string) (outOfScope, bool) {
	for _, r := range outOfScopeRules {
		if r.category == category {
			return r, true
		}
	}
	return outOfScope{}, false
}

func matchKeywords(lowerText string, keywords []string) []string {
	var out []string
	for _, kw := range keywords {
		if strings.Contains(lowerText, strings.ToLower(kw)) {
			out = append(out, kw)
		}
	}
	return out
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
