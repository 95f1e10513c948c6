package completeness

import (
	"sort"
	"strings"
)

// Special scenario ids. They key scenario dimensions in the dimension library.
const (
	ScenePoetic        = "poetic_philosophical"
	SceneExtremeEnv    = "extreme_environment"
	SceneMedical       = "medical_special_needs"
	SceneCultural      = "cultural_depth"
	SceneTechGeek      = "tech_geek"
	SceneRelationships = "complex_relationships"
	SceneBusiness      = "innovative_business"
	SceneExtremeBudget = "extreme_budget"
)

// minSceneHits is the number of distinct keywords needed to flag a scene.
const minSceneHits = 2

// Scene is a detected special scenario.
type Scene struct {
	MatchedKeywords []string `json:"matched_keywords"`
	TriggerMessage  string   `json:"trigger_message"`
}

type sceneRule struct {
	id       string
	keywords []string
	message  string
}

//nolint:gochecknoglobals // static detection table
var sceneRules = []sceneRule{
	{ScenePoetic, []string{"诗意", "意境", "禅意", "月亮", "月光", "湖面", "冥想", "灵魂", "哲学", "留白", "星空", "落在"},
		"检测到诗意或哲思表达，将补充精神氛围相关维度"},
	{SceneExtremeEnv, []string{"极寒", "高原", "沙漠", "海边", "潮湿", "台风", "高温", "严寒", "盐雾", "地震"},
		"检测到极端环境条件，将补充环境适应性维度"},
	{SceneMedical, []string{"轮椅", "失明", "听障", "康复", "阿尔茨海默", "自闭症", "无障碍", "护理", "术后", "过敏"},
		"检测到医疗或特殊照护需求，将补充无障碍与照护维度"},
	{SceneCultural, []string{"非遗", "宗族", "祠堂", "民族", "传承", "宋式", "唐风", "在地文化", "历史建筑", "文脉"},
		"检测到深度文化诉求，将补充文化叙事维度"},
	{SceneTechGeek, []string{"极客", "智能家居", "全屋智能", "服务器", "家庭影院", "音响", "编程", "自动化", "机房", "发烧友"},
		"检测到科技极客需求，将补充声学与自动化维度"},
	{SceneRelationships, []string{"三代同堂", "二婚", "重组家庭", "合租", "分居", "婆媳", "隐私", "多代", "再婚"},
		"检测到复杂家庭关系，将补充隐私边界维度"},
	{SceneBusiness, []string{"快闪", "共享", "复合业态", "孵化", "社群", "订阅", "直播", "跨界", "新零售"},
		"检测到创新商业模式，将补充业态灵活性维度"},
	{SceneExtremeBudget, []string{"极低预算", "预算有限", "预算很少", "省钱", "穷装", "不差钱", "不计成本", "顶奢", "超高预算"},
		"检测到极端预算条件，将补充成本敏感度维度"},
}

// DetectScenes flags each scenario whose keyword list has at least two hits in
// the brief combined with the task summary.
func DetectScenes(userInput, taskSummary string) map[string]Scene {
	text := userInput + "\n" + taskSummary
	out := make(map[string]Scene)
	for _, r := range sceneRules {
		var hits []string
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				hits = append(hits, kw)
			}
		}
		if len(hits) >= minSceneHits {
			out[r.id] = Scene{MatchedKeywords: hits, TriggerMessage: r.message}
		}
	}
	return out
}

// SceneIDs returns the detected scene ids in sorted order.
func SceneIDs(scenes map[string]Scene) []string {
	ids := make([]string, 0, len(scenes))
	for id := range scenes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
