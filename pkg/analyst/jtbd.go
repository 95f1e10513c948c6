package analyst

import (
	"fmt"
	"regexp"
	"strings"

	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

//nolint:gochecknoglobals // static rewrite rules
var (
	jtbdPrefix  = regexp.MustCompile(`(?i)^\s*(?:jtbd|jobs?\s*to\s*be\s*done)\s*[:：]\s*`)
	jtbdWhen    = regexp.MustCompile(`^当(.+?)时[，,]\s*(?:我|用户|客户)?(?:想要|希望|需要)(.+?)[，,]\s*(?:以便|从而|这样)(.+?)[。.]?$`)
	jtbdFor     = regexp.MustCompile(`^为(.+?)(?:打造|提供|设计|营造)(.+?)[，,]\s*(?:以|来|从而)?(实现|满足|达成|解决)(.+?)[。.]?$`)
	jtbdForBare = regexp.MustCompile(`^为(.+?)(?:打造|提供|设计|营造)(.+?)[。.]?$`)
	jtbdArrow   = regexp.MustCompile(`\s*(?:→|->|=>)\s*`)
	jtbdPlus    = regexp.MustCompile(`\s*[+＋]\s*`)
	jtbdSpace   = regexp.MustCompile(`\s{2,}`)
)

// NormalizeJTBD rewrites formula-like task phrasing ("为X打造Y，以实现Z",
// "当…时，我想要…，以便…", arrow chains) into plain sentences. Already natural
// text passes through apart from whitespace and a closing full stop.
func NormalizeJTBD(s string) string {
	s = strings.TrimSpace(jtbdPrefix.ReplaceAllString(strings.TrimSpace(s), ""))
	if s == "" {
		return ""
	}
	if m := jtbdWhen.FindStringSubmatch(s); m != nil {
		s = fmt.Sprintf("在%s的时候，希望%s，这样就能%s", m[1], m[2], m[3])
	} else if m := jtbdFor.FindStringSubmatch(s); m != nil {
		s = fmt.Sprintf("这个项目要为%s营造%s，最终%s%s", m[1], m[2], m[3], m[4])
	} else if m := jtbdForBare.FindStringSubmatch(s); m != nil {
		s = fmt.Sprintf("这个项目要为%s营造%s", m[1], m[2])
	}
	s = jtbdArrow.ReplaceAllString(s, "，进而")
	s = jtbdPlus.ReplaceAllString(s, "与")
	s = jtbdSpace.ReplaceAllString(s, " ")
	if utils.ContainsHan(s) && !strings.HasSuffix(s, "。") && !strings.HasSuffix(s, "！") && !strings.HasSuffix(s, "？") {
		s = strings.TrimRight(s, ".，,；;") + "。"
	}
	return s
}

type weightedKeyword struct {
	word   string
	weight int
}

//nolint:gochecknoglobals // static scoring tables
var (
	personalKeywords = []weightedKeyword{
		{"住宅", 3}, {"自住", 3}, {"婚房", 3}, {"一居室", 3}, {"两居室", 3}, {"三居室", 3},
		{"别墅", 3}, {"公寓", 2}, {"房子", 2}, {"家庭", 2}, {"卧室", 1}, {"单身", 1},
		{"夫妻", 1}, {"孩子", 1}, {"养老", 1}, {"父母", 1},
	}
	commercialKeywords = []weightedKeyword{
		{"餐厅", 3}, {"酒店", 3}, {"办公", 3}, {"商业", 3}, {"门店", 3}, {"店铺", 3},
		{"展厅", 3}, {"零售", 2}, {"咖啡", 2}, {"民宿", 2}, {"会所", 2}, {"企业", 2},
		{"公司", 2}, {"客流", 2}, {"营业", 2}, {"开业", 1}, {"品牌", 1},
	}
)

func keywordWeight(text string, table []weightedKeyword) int {
	total := 0
	for _, k := range table {
		if strings.Contains(text, k.word) {
			total += k.weight
		}
	}
	return total
}

// InferProjectType compares weighted personal and commercial keyword hits. A side
// at least twice the other wins; otherwise both present means hybrid. Without
// any hit the triage's preliminary guess is used if it is a known type, else "".
func InferProjectType(text, preliminary string) string {
	p := keywordWeight(text, personalKeywords)
	c := keywordWeight(text, commercialKeywords)
	switch {
	case p == 0 && c == 0:
		switch preliminary {
		case proto.ProjectPersonalResidential, proto.ProjectHybrid, proto.ProjectCommercial:
			return preliminary
		}
		return ""
	case p >= 2*c:
		return proto.ProjectPersonalResidential
	case c >= 2*p:
		return proto.ProjectCommercial
	default:
		return proto.ProjectHybrid
	}
}
