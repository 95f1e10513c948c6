// Package challenge inspects the challenge flags raised by experts after a
// batch and decides whether the requirements analyst must revisit its framing.
package challenge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"atelier/pkg/expert"
	"atelier/pkg/graph"
	"atelier/pkg/logx"
	"atelier/pkg/proto"
)

// NodeName is the workflow node running the loop.
const NodeName = "challenge_detection"

// DefaultMaxRevisits bounds how often the analyst is sent back.
const DefaultMaxRevisits = 1

// Actions recorded in challenge_log.
const (
	ActionAccepted      = "accepted"
	ActionRecorded      = "recorded"
	ActionClarify       = "clarification_requested"
	ActionBudgetReached = "revisit_budget_exhausted"
)

//nolint:gochecknoglobals // classification vocabularies
var (
	uncertaintyWords = []string{
		"不确定", "未说明", "不清楚", "不明确", "缺少", "缺失", "信息不足", "需要澄清", "需澄清",
		"待确认", "需确认", "未知", "无法判断", "unclear", "unknown", "missing",
	}
	disagreementWords = []string{
		"不同意", "不认同", "有误", "错误", "相反", "质疑", "不应", "不成立", "偏差", "disagree", "wrong",
	}
)

// Record is one classified challenge in challenge_log.
type Record struct {
	Round  int                  `json:"round"`
	RoleID string               `json:"role_id"`
	Class  proto.ChallengeClass `json:"class"`
	Action string               `json:"action"`
	Flag   proto.ChallengeFlag  `json:"flag"`
	At     string               `json:"at"`
}

// Loop is the challenge detection node.
type Loop struct {
	revisitTarget string
	next          string
	maxRevisits   int
	logger        *logx.Logger
}

// New creates the loop. Uncertainty challenges route to revisitTarget until
// maxRevisits is reached; everything else continues to next. A negative
// maxRevisits disables revisits.
func New(revisitTarget, next string, maxRevisits int) *Loop {
	if maxRevisits < 0 {
		maxRevisits = 0
	}
	return &Loop{
		revisitTarget: revisitTarget,
		next:          next,
		maxRevisits:   maxRevisits,
		logger:        logx.NewLogger("challenge"),
	}
}

// Classify maps an explicit challenge type, or failing that the wording, onto a
// challenge class.
func Classify(f proto.ChallengeFlag) proto.ChallengeClass {
	switch t := strings.ToLower(strings.TrimSpace(f.Type)); {
	case t == string(proto.ChallengeUncertainty) || strings.Contains(t, "uncertain") || strings.Contains(t, "clarif") || strings.Contains(t, "澄清"):
		return proto.ChallengeUncertainty
	case t == string(proto.ChallengeDisagreement) || strings.Contains(t, "disagree") || strings.Contains(t, "分歧"):
		return proto.ChallengeDisagreement
	case t == string(proto.ChallengeDeeperInsight) || strings.Contains(t, "insight") || strings.Contains(t, "洞察"):
		return proto.ChallengeDeeperInsight
	}

	text := strings.ToLower(f.ChallengedItem + " " + f.Rationale + " " + f.DesignImpact)
	switch {
	case containsAny(text, uncertaintyWords):
		return proto.ChallengeUncertainty
	case containsAny(text, disagreementWords):
		return proto.ChallengeDisagreement
	default:
		return proto.ChallengeDeeperInsight
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

// Collect returns the classified flags of every expert result, ordered by role id.
func Collect(results map[string]proto.AnalysisResult) []proto.ChallengeFlag {
	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []proto.ChallengeFlag
	for _, id := range ids {
		for _, f := range expert.ChallengeFlags(results[id]) {
			if f.RoleID == "" {
				f.RoleID = id
			}
			f.Class = Classify(f)
			out = append(out, f)
		}
	}
	return out
}

// Node classifies the challenges of the last batch. Deeper insights are
// accepted and disagreements recorded; uncertainty clarifications send the
// workflow back to the analyst with the challenges embedded in state.
func (l *Loop) Node(ctx context.Context, in graph.Input) (graph.Result, error) {
	s := in.State
	results, _ := graph.Decode[map[string]proto.AnalysisResult](s, proto.KeyAgentResults)
	flags := Collect(results)
	revisits := s.Int(proto.KeyRevisitCount)
	canRevisit := revisits < l.maxRevisits

	now := time.Now().UTC().Format(time.RFC3339)
	records := make([]Record, 0, len(flags))
	var pending []proto.ChallengeFlag
	for _, f := range flags {
		rec := Record{Round: revisits, RoleID: f.RoleID, Class: f.Class, Flag: f, At: now}
		switch f.Class {
		case proto.ChallengeUncertainty:
			rec.Action = ActionClarify
			if !canRevisit {
				rec.Action = ActionBudgetReached
			}
			pending = append(pending, f)
		case proto.ChallengeDisagreement:
			rec.Action = ActionRecorded
		default:
			rec.Action = ActionAccepted
		}
		records = append(records, rec)
	}

	if len(pending) > 0 && canRevisit {
		note := fmt.Sprintf("%d 个需澄清的挑战，第 %d 次返回需求分析", len(pending), revisits+1)
		l.logger.InfoCtx(ctx, "%s", note)
		return graph.Goto(l.revisitTarget, map[string]any{
			proto.KeyRequiresFeedbackLoop: true,
			proto.KeyPendingChallenges:    pending,
			proto.KeyRevisitCount:         revisits + 1,
			proto.KeyChallengeLog:         records,
			proto.KeyProcessingLog:        proto.LogNote(NodeName, note),
		}), nil
	}

	note := fmt.Sprintf("%d 个挑战已处理，继续汇总", len(flags))
	if len(pending) > 0 {
		note = fmt.Sprintf("已达到最大回访次数 %d，%d 个需澄清的挑战留待报告说明", l.maxRevisits, len(pending))
		l.logger.WarnCtx(ctx, "%s", note)
	} else {
		l.logger.InfoCtx(ctx, "%s", note)
	}
	return graph.Goto(l.next, map[string]any{
		proto.KeyRequiresFeedbackLoop: false,
		proto.KeyPendingChallenges:    []proto.ChallengeFlag{},
		proto.KeyChallengeLog:         records,
		proto.KeyProcessingLog:        proto.LogNote(NodeName, note),
	}), nil
}
