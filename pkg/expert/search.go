package expert

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"atelier/pkg/graph"
	"atelier/pkg/proto"
)

// QueryNodeName is the workflow node generating search queries.
const QueryNodeName = "search_query_generator"

const maxQueryKeywords = 2

func projectLabel(projectType string) string {
	switch projectType {
	case proto.ProjectPersonalResidential:
		return "住宅室内设计"
	case proto.ProjectCommercial:
		return "商业空间设计"
	case proto.ProjectHybrid:
		return "商住混合空间设计"
	default:
		return "空间设计"
	}
}

// Queries derives two or three search queries for a deliverable from its name,
// its keywords and the project type.
func Queries(meta proto.DeliverableMeta, projectType string) []string {
	var kws []string
	for _, k := range meta.Keywords {
		if k != "" && k != meta.Name && len(kws) < maxQueryKeywords {
			kws = append(kws, k)
		}
	}
	candidates := []string{
		strings.Join(append([]string{projectLabel(projectType), meta.Name}, kws...), " "),
		meta.Name + " 案例",
	}
	if len(kws) > 0 {
		candidates[1] = meta.Name + " " + kws[0] + " 案例"
		candidates = append(candidates, kws[0]+" 设计趋势")
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(candidates))
	for _, q := range candidates {
		q = strings.Join(strings.Fields(q), " ")
		if q != "" && !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}

// SearchHint renders the instruction block that makes the expert use the search
// tools for the deliverables requiring external facts. Deliverables without
// pre-generated queries get derived ones. It is empty when no deliverable
// requires search.
func SearchHint(specs []proto.DeliverableSpec, queries map[string][]string, projectType string) string {
	var lines []string
	for _, d := range specs {
		if !d.RequireSearch {
			continue
		}
		qs := queries[d.ID]
		if len(qs) == 0 {
			qs = Queries(proto.DeliverableMeta{ID: d.ID, Name: d.Name}, projectType)
		}
		quoted := make([]string, 0, len(qs))
		for _, q := range qs {
			quoted = append(quoted, fmt.Sprintf("「%s」", q))
		}
		lines = append(lines, fmt.Sprintf("- %s：建议检索 %s", d.Name, strings.Join(quoted, "、")))
	}
	if len(lines) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## 搜索要求\n")
	b.WriteString("以下交付物依赖外部事实。请实际调用搜索工具（Tavily 网络搜索、Arxiv 学术检索、项目知识库 RAG）获取资料，")
	b.WriteString("并在 search_references 中列出来源；禁止编造案例、数据或引用，检索不到时请明确说明。\n")
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

// SearchQueryNode stores search_queries for every deliverable that requires search.
func (r *Runtime) SearchQueryNode(ctx context.Context, in graph.Input) (graph.Result, error) {
	metas, _ := graph.Decode[map[string]proto.DeliverableMeta](in.State, proto.KeyDeliverableMetadata)
	projectType := in.State.String(proto.KeyProjectType)

	ids := make([]string, 0, len(metas))
	for id, m := range metas {
		if m.RequireSearch {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	queries := make(map[string][]string, len(ids))
	for _, id := range ids {
		queries[id] = Queries(metas[id], projectType)
	}

	note := fmt.Sprintf("为 %d 个交付物生成搜索查询", len(queries))
	r.logger.InfoCtx(ctx, "%s", note)
	return graph.Update(map[string]any{
		proto.KeySearchQueries: queries,
		proto.KeyProcessingLog: proto.LogNote(QueryNodeName, note),
	}), nil
}
