package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"atelier/pkg/graph"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

// SelectRoles picks expert instances from the role catalog. An instance is
// selected when it is marked always, when its project types include
// projectType, or when one of its keywords occurs in text. Instances
// restricted to other project types are never selected. The result holds at
// most limit roles (no bound when limit <= 0) and at least one.
func SelectRoles(catalog []prompts.RoleConfig, projectType, text string, limit int) []proto.RoleRef {
	lower := strings.ToLower(text)
	var out []proto.RoleRef
	for _, cfg := range catalog {
		instances := append([]prompts.RoleInstance(nil), cfg.Instances...)
		sort.Slice(instances, func(i, j int) bool { return instances[i].Index < instances[j].Index })
		for _, inst := range instances {
			typed := len(inst.ProjectTypes) > 0
			typeMatch := contains(inst.ProjectTypes, projectType)
			if typed && projectType != "" && !typeMatch {
				continue
			}
			if !inst.Always && !typeMatch && !keywordHit(lower, inst.Keywords) {
				continue
			}
			out = append(out, proto.RoleRef{
				RoleID:          inst.RoleID(cfg.BaseType),
				BaseType:        cfg.BaseType,
				Name:            cfg.Name,
				DynamicRoleName: inst.Name,
			})
		}
	}
	if len(out) == 0 && len(catalog) > 0 && len(catalog[0].Instances) > 0 {
		cfg := catalog[0]
		out = append(out, proto.RoleRef{
			RoleID:          cfg.Instances[0].RoleID(cfg.BaseType),
			BaseType:        cfg.BaseType,
			Name:            cfg.Name,
			DynamicRoleName: cfg.Instances[0].Name,
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func contains(items []string, s string) bool {
	for _, it := range items {
		if it == s {
			return true
		}
	}
	return false
}

func keywordHit(lowerText string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(lowerText, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// selectionText is the brief plus everything the client confirmed so far.
func selectionText(s graph.State) string {
	parts := []string{s.String(proto.KeyUserInput)}
	structured := s.Map(proto.KeyStructuredRequirements)
	keys := make([]string, 0, len(structured))
	for k := range structured {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, utils.AsString(structured[k]))
	}
	tasks, _ := graph.Decode[[]proto.Task](s, proto.KeyConfirmedCoreTasks)
	for _, t := range tasks {
		parts = append(parts, t.Title, strings.Join(t.SourceKeywords, " "))
	}
	if summary, ok := graph.Decode[proto.QuestionnaireSummary](s, proto.KeyQuestionnaireSummary); ok {
		parts = append(parts, summary.Answers.CoreTask, summary.ProfileLabel)
	}
	return strings.Join(parts, "\n")
}

// selectRoles keeps an existing selection so that resumed and revisited
// sessions run the same experts.
func (w *Workflow) selectRoles(ctx context.Context, in graph.Input) (graph.Result, error) {
	if existing, ok := graph.Decode[[]proto.RoleRef](in.State, proto.KeySelectedRoles); ok && len(existing) > 0 {
		return graph.Update(map[string]any{
			proto.KeyProcessingLog: proto.LogNote(NodeRoleSelection, fmt.Sprintf("沿用已选定的 %d 位专家", len(existing))),
		}), nil
	}

	projectType := in.State.String(proto.KeyProjectType)
	roles := SelectRoles(w.store.Roles(), projectType, selectionText(in.State), w.cfg.MaxRoles)
	ids := make([]string, 0, len(roles))
	for _, r := range roles {
		ids = append(ids, r.RoleID)
	}
	note := fmt.Sprintf("选定 %d 位专家：%s", len(roles), strings.Join(ids, ", "))
	w.logger.InfoCtx(ctx, "%s (project_type=%s)", note, projectType)
	return graph.Update(map[string]any{
		proto.KeySelectedRoles: roles,
		proto.KeyProcessingLog: proto.LogNote(NodeRoleSelection, note),
	}), nil
}
