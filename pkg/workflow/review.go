package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"atelier/pkg/capability"
	"atelier/pkg/graph"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

// Review actions.
const (
	ActionConfirm = "confirm"
	ActionRevise  = "revise"
	ActionApprove = "approve"
	ActionModify  = "modify"
)

// ReviewEntry is one client decision appended to review_history.
type ReviewEntry struct {
	Node         string                  `json:"node"`
	Action       string                  `json:"action"`
	At           string                  `json:"at"`
	Edited       []string                `json:"edited_fields,omitempty"`
	RemovedRoles []string                `json:"removed_roles,omitempty"`
	Check        *capability.CheckRecord `json:"capability_check,omitempty"`
}

func reviewAt() string { return time.Now().UTC().Format(time.RFC3339) }

func actionOf(resp map[string]any, fallback string) string {
	if a := strings.ToLower(strings.TrimSpace(utils.AsString(resp["action"]))); a != "" {
		return a
	}
	return fallback
}

func responseMap(in graph.Input) map[string]any {
	if m, ok := in.Resume.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// confirmRequirements shows the structured requirements for confirmation.
// Edits are capability-checked and out-of-scope wording is rewritten before it
// reaches the experts.
func (w *Workflow) confirmRequirements(ctx context.Context, in graph.Input) (graph.Result, error) {
	s := in.State
	if s.Bool(proto.FlagIsFollowup) || s.Bool(proto.FlagSkipCalibration) {
		return graph.Update(map[string]any{
			proto.KeyRequirementsConfirmed: true,
			proto.KeyProcessingLog:         proto.LogNote(NodeConfirmation, "跳过需求确认"),
		}), nil
	}
	if !in.Resumed {
		if s.Bool(proto.KeyRequirementsConfirmed) {
			return graph.Update(nil), nil
		}
		return graph.Suspend(w.confirmationPayload(s), nil), nil
	}

	resp := responseMap(in)
	action := actionOf(resp, ActionConfirm)
	structured := make(map[string]any, len(s.Map(proto.KeyStructuredRequirements)))
	for k, v := range s.Map(proto.KeyStructuredRequirements) {
		structured[k] = v
	}
	entry := ReviewEntry{Node: NodeConfirmation, Action: action, At: reviewAt()}

	if action == ActionRevise {
		edits := utils.AsMap(resp["edits"])
		fields := make([]string, 0, len(edits))
		for k := range edits {
			if strings.TrimSpace(utils.AsString(edits[k])) != "" {
				fields = append(fields, k)
			}
		}
		sort.Strings(fields)
		texts := make([]string, 0, len(fields))
		for _, k := range fields {
			texts = append(texts, strings.TrimSpace(utils.AsString(edits[k])))
		}
		if len(texts) > 0 {
			rec := w.boundary.CheckTaskModifications(ctx, NodeConfirmation, texts)
			for i, k := range fields {
				text := texts[i]
				if len(rec.Transformations) > 0 {
					text = capability.ApplyTransformations(text, rec.Transformations)
				}
				structured[k] = text
			}
			entry.Edited = fields
			entry.Check = &rec
		}
		w.logger.InfoCtx(ctx, "requirements revised: %s", strings.Join(fields, ", "))
	} else if action != ActionConfirm {
		w.logger.WarnCtx(ctx, "unknown confirmation action %q treated as confirm", action)
		entry.Action = ActionConfirm
	}

	return graph.Update(map[string]any{
		proto.KeyStructuredRequirements: structured,
		proto.KeyRequirementsConfirmed:  true,
		proto.KeyReviewHistory:          []ReviewEntry{entry},
		proto.KeyProcessingLog:          proto.LogNote(NodeConfirmation, "需求已确认 ("+entry.Action+")"),
	}), nil
}

func (w *Workflow) confirmationPayload(s graph.State) proto.ReviewPayload {
	data := map[string]any{
		"structured_requirements": s.Map(proto.KeyStructuredRequirements),
		"analysis_mode":           s.String(proto.KeyAnalysisMode),
		"project_type":            s.String(proto.KeyProjectType),
	}
	if tasks := s.List(proto.KeyConfirmedCoreTasks); len(tasks) > 0 {
		data["confirmed_core_tasks"] = tasks
	}
	if summary := s.Map(proto.KeyQuestionnaireSummary); summary != nil {
		data["questionnaire_summary"] = summary
	}
	p := proto.ReviewPayload{
		InteractionType: proto.InteractionConfirmation,
		Title:           "需求确认",
		Message:         "请确认以下需求理解，或直接修改后提交",
		Data:            data,
		Options:         map[string]string{ActionConfirm: "确认需求", ActionRevise: "修改需求"},
	}
	if rec, ok := graph.Decode[capability.CheckRecord](s, proto.KeyCapabilityCheck); ok {
		p.CapabilityAlert = rec.Alert()
	}
	return p
}

// unifiedReview lets the client drop experts before any deliverable is minted.
func (w *Workflow) unifiedReview(ctx context.Context, in graph.Input) (graph.Result, error) {
	s := in.State
	roles, _ := graph.Decode[[]proto.RoleRef](s, proto.KeySelectedRoles)
	if s.Bool(proto.FlagSkipUnifiedReview) {
		return graph.Update(map[string]any{
			proto.KeyUnifiedReviewCompleted: true,
			proto.KeyProcessingLog:          proto.LogNote(NodeUnifiedReview, "跳过角色与任务审核"),
		}), nil
	}
	if !in.Resumed {
		if s.Bool(proto.KeyUnifiedReviewCompleted) {
			return graph.Update(nil), nil
		}
		return graph.Suspend(w.reviewPayload(s, roles), nil), nil
	}

	resp := responseMap(in)
	action := actionOf(resp, ActionApprove)
	entry := ReviewEntry{Node: NodeUnifiedReview, Action: action, At: reviewAt()}
	kept := roles
	if action == ActionModify {
		removed := map[string]bool{}
		for _, id := range utils.AsStringSlice(resp["removed_roles"]) {
			removed[id] = true
		}
		kept = make([]proto.RoleRef, 0, len(roles))
		for _, r := range roles {
			if removed[r.RoleID] {
				entry.RemovedRoles = append(entry.RemovedRoles, r.RoleID)
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			w.logger.WarnCtx(ctx, "review removed every expert; keeping the original selection")
			kept = roles
			entry.RemovedRoles = nil
		}
	} else if action != ActionApprove {
		w.logger.WarnCtx(ctx, "unknown review action %q treated as approve", action)
		entry.Action = ActionApprove
	}

	note := fmt.Sprintf("审核通过，%d 位专家", len(kept))
	if len(entry.RemovedRoles) > 0 {
		note += "，移除 " + strings.Join(entry.RemovedRoles, ", ")
	}
	return graph.Update(map[string]any{
		proto.KeySelectedRoles:          kept,
		proto.KeyUnifiedReviewCompleted: true,
		proto.KeyReviewHistory:          []ReviewEntry{entry},
		proto.KeyProcessingLog:          proto.LogNote(NodeUnifiedReview, note),
	}), nil
}

func (w *Workflow) reviewPayload(s graph.State, roles []proto.RoleRef) proto.ReviewPayload {
	items := make([]map[string]any, 0, len(roles))
	for _, r := range roles {
		var deliverables []map[string]any
		if cfg, err := w.store.Role(r.RoleID); err == nil {
			for _, d := range cfg.Deliverables {
				deliverables = append(deliverables, map[string]any{
					"name":        d.Name,
					"description": d.Description,
					"priority":    string(proto.NormalizePriority(d.Priority)),
				})
			}
		}
		items = append(items, map[string]any{
			"role_id":           r.RoleID,
			"name":              r.Name,
			"dynamic_role_name": r.DynamicRoleName,
			"deliverables":      deliverables,
		})
	}
	return proto.ReviewPayload{
		InteractionType: proto.InteractionUnifiedReview,
		Title:           "角色与任务审核",
		Message:         fmt.Sprintf("将由 %d 位专家完成以下交付物，可移除不需要的角色", len(roles)),
		Data: map[string]any{
			"roles":        items,
			"project_type": s.String(proto.KeyProjectType),
		},
		Options: map[string]string{ActionApprove: "确认并开始分析", ActionModify: "调整角色"},
	}
}
