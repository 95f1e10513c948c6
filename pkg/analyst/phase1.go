package analyst

import (
	"context"
	"fmt"
	"strings"
	"time"

	"atelier/pkg/capability"
	"atelier/pkg/graph"
	"atelier/pkg/jsonx"
	"atelier/pkg/llm"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

const summaryRunes = 60

// phase1 is the fast triage. On any LLM or parse failure it degrades to a
// structure derived from the precheck.
func (a *Analyst) phase1(ctx context.Context, in graph.Input) (graph.Result, error) {
	start := time.Now()
	s := in.State
	text := s.String(keyUserInput)
	pre, _ := graph.Decode[capability.Result](s, keyPrecheck)
	challenges, _ := graph.Decode[[]proto.ChallengeFlag](s, keyChallenges)

	p1, err := a.phase1LLM(ctx, text, precheckHints(pre, challenges))
	if err != nil {
		a.logger.WarnCtx(ctx, "phase1 degraded to fallback: %v", err)
		p1 = fallbackPhase1(text, pre)
	}
	p1 = normalizePhase1(p1, pre)
	a.transformDeliverables(ctx, &p1)

	a.logger.InfoCtx(ctx, "phase1: info_status=%s next=%s deliverables=%d",
		p1.InfoStatus, p1.RecommendedNextStep, len(p1.PrimaryDeliverables))
	return graph.Update(map[string]any{
		keyPhase1:   p1,
		keyPhase1Ms: time.Since(start).Milliseconds(),
	}), nil
}

func (a *Analyst) phase1LLM(ctx context.Context, text, hints string) (Phase1, error) {
	if a.client == nil {
		return Phase1{}, llm.NewError(llm.ErrorTypeUnavailable, llm.ErrUnavailable)
	}
	system, user, err := a.store.Render(prompts.AnalystPhase1, map[string]string{
		"datetime_info":  a.datetime(),
		"user_input":     text,
		"precheck_hints": hints,
	})
	if err != nil {
		return Phase1{}, err
	}
	content, err := llm.CompleteText(ctx, a.client, llm.NewCompletionRequest("analyst.phase1", system, user), a.timeout)
	if err != nil {
		return Phase1{}, err
	}
	return ParsePhase1(content)
}

// ParsePhase1 decodes a triage response. Prose around the JSON is tolerated.
func ParsePhase1(content string) (Phase1, error) {
	obj, err := jsonx.ExtractObject(content)
	if err != nil {
		return Phase1{}, err
	}
	status := strings.ToLower(strings.TrimSpace(utils.AsString(obj["info_status"])))
	if status == "" {
		return Phase1{}, fmt.Errorf("phase1 response without info_status: %w", jsonx.ErrNoJSON)
	}
	p := Phase1{
		InfoStatus:             status,
		InfoStatusReason:       utils.AsString(obj["info_status_reason"]),
		ProjectTypePreliminary: utils.AsString(obj["project_type_preliminary"]),
		ProjectSummary:         utils.AsString(obj["project_summary"]),
		RecommendedNextStep:    strings.TrimSpace(utils.AsString(obj["recommended_next_step"])),
	}
	items, _ := obj["primary_deliverables"].([]any)
	for _, it := range items {
		m := utils.AsMap(it)
		if m == nil {
			continue
		}
		p.PrimaryDeliverables = append(p.PrimaryDeliverables, Deliverable{
			DeliverableID:   utils.AsString(m["deliverable_id"]),
			Type:            strings.TrimSpace(utils.AsString(m["type"])),
			Description:     utils.AsString(m["description"]),
			Priority:        utils.AsString(m["priority"]),
			CapabilityCheck: utils.AsString(m["capability_check"]),
		})
	}
	return p, nil
}

// fallbackPhase1 derives the triage from the precheck alone.
func fallbackPhase1(text string, pre capability.Result) Phase1 {
	status := InfoInsufficient
	reason := fmt.Sprintf("程序预检：信息充足度 %.2f，缺失 %s", pre.Info.Score, strings.Join(pre.Info.MissingDimensions, "、"))
	if pre.Info.IsSufficient {
		status = InfoSufficient
		reason = fmt.Sprintf("程序预检：信息充足度 %.2f，已覆盖 %s", pre.Info.Score, strings.Join(pre.Info.PresentDimensions, "、"))
	}
	p := Phase1{
		InfoStatus:             status,
		InfoStatusReason:       reason,
		ProjectTypePreliminary: InferProjectType(text, ""),
		ProjectSummary:         utils.Truncate(text, summaryRunes),
		RecommendedNextStep:    pre.RecommendedAction,
		Fallback:               true,
	}
	for i, d := range pre.Deliverables {
		priority := string(proto.PriorityMedium)
		if i == 0 {
			priority = string(proto.PriorityHigh)
		}
		desc := capability.Label(d.Type)
		if !d.WithinCapability && len(d.MatchedKeywords) > 0 {
			desc = strings.Join(d.MatchedKeywords, "、")
		}
		p.PrimaryDeliverables = append(p.PrimaryDeliverables, Deliverable{
			Type:        d.Type,
			Description: desc,
			Priority:    priority,
		})
	}
	return p
}

// normalizePhase1 fills defaults the LLM may have left out.
func normalizePhase1(p Phase1, pre capability.Result) Phase1 {
	if p.InfoStatus != InfoSufficient && p.InfoStatus != InfoInsufficient {
		p.InfoStatus = InfoInsufficient
		if pre.Info.IsSufficient {
			p.InfoStatus = InfoSufficient
		}
	}
	if p.RecommendedNextStep == "" {
		p.RecommendedNextStep = pre.RecommendedAction
	}
	if len(p.PrimaryDeliverables) == 0 {
		p.PrimaryDeliverables = []Deliverable{{
			Type:        capability.DefaultDeliverableType,
			Description: capability.Label(capability.DefaultDeliverableType),
			Priority:    string(proto.PriorityHigh),
		}}
	}
	for i := range p.PrimaryDeliverables {
		d := &p.PrimaryDeliverables[i]
		if d.DeliverableID == "" {
			d.DeliverableID = fmt.Sprintf("D%d", i+1)
		}
		if d.Type == "" {
			d.Type = capability.DefaultDeliverableType
		}
		d.Priority = string(proto.NormalizePriority(d.Priority))
	}
	return p
}

// transformDeliverables runs the boundary check over the triage deliverables and
// rewrites out-of-capability entries in place.
func (a *Analyst) transformDeliverables(ctx context.Context, p *Phase1) {
	items := make([]capability.DeliverableRequest, 0, len(p.PrimaryDeliverables))
	for _, d := range p.PrimaryDeliverables {
		items = append(items, capability.DeliverableRequest{Type: d.Type, Description: d.Description})
	}
	rec := a.boundary.CheckDeliverableList(ctx, NodePhase1, items)
	for i, c := range rec.Deliverables {
		d := &p.PrimaryDeliverables[i]
		if c.WithinCapability {
			if d.CapabilityCheck == "" {
				d.CapabilityCheck = "within"
			}
			continue
		}
		d.OriginalType = d.Type
		d.Type = c.TransformedType
		d.CapabilityTransformed = true
		d.CapabilityCheck = "transformed"
		d.TransformationReason = c.Reason
		a.logger.InfoCtx(ctx, "deliverable %s rewritten: %s -> %s", d.DeliverableID, d.OriginalType, d.Type)
	}
}
