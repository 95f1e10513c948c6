package analyst

import (
	"context"
	"fmt"
	"strings"
	"time"

	"atelier/pkg/capability"
	"atelier/pkg/graph"
	"atelier/pkg/proto"
)

// precheck runs the programmatic capability detector. It makes no LLM call.
func (a *Analyst) precheck(ctx context.Context, in graph.Input) (graph.Result, error) {
	start := time.Now()
	text := in.State.String(keyUserInput)
	res := capability.Detect(text)
	rec := a.boundary.CheckUserInput(ctx, NodeName, text)

	a.logger.InfoCtx(ctx, "precheck: sufficient=%t score=%.2f deliverables=%d transformations=%d",
		res.Info.IsSufficient, res.Info.Score, len(res.Deliverables), len(res.Transformations))
	return graph.Update(map[string]any{
		keyPrecheck:    res,
		keyBoundaryRec: rec,
		keyPrecheckMs:  time.Since(start).Milliseconds(),
	}), nil
}

// precheckHints renders the detector's findings for the triage prompt.
func precheckHints(res capability.Result, challenges []proto.ChallengeFlag) string {
	var b strings.Builder
	verdict := "不足"
	if res.Info.IsSufficient {
		verdict = "充足"
	}
	fmt.Fprintf(&b, "- 信息充足度：%.2f（%s）\n", res.Info.Score, verdict)
	if len(res.Info.PresentDimensions) > 0 {
		fmt.Fprintf(&b, "- 已提供：%s\n", strings.Join(res.Info.PresentDimensions, "、"))
	}
	if len(res.Info.MissingDimensions) > 0 {
		fmt.Fprintf(&b, "- 缺失：%s\n", strings.Join(res.Info.MissingDimensions, "、"))
	}

	names := make([]string, 0, len(res.Deliverables))
	for _, d := range res.Deliverables {
		if d.WithinCapability {
			names = append(names, fmt.Sprintf("%s(%s)", capability.Label(d.Type), d.Type))
		}
	}
	if len(names) > 0 {
		fmt.Fprintf(&b, "- 识别到的交付物：%s\n", strings.Join(names, "、"))
	}
	for _, t := range res.Transformations {
		fmt.Fprintf(&b, "- 超出能力范围：%s → %s（%s）\n", t.OriginalType, t.TransformedType, t.Reason)
	}
	fmt.Fprintf(&b, "- 程序建议的下一步：%s\n", res.RecommendedAction)
	for _, h := range res.Hints {
		fmt.Fprintf(&b, "- 提示：%s\n", h)
	}

	if len(challenges) > 0 {
		b.WriteString("\n专家提出的待澄清问题：\n")
		b.WriteString(challengeContext(challenges))
	}
	return strings.TrimRight(b.String(), "\n")
}

// challengeContext lists expert challenges for re-analysis.
func challengeContext(challenges []proto.ChallengeFlag) string {
	if len(challenges) == 0 {
		return "无"
	}
	var b strings.Builder
	for i, c := range challenges {
		fmt.Fprintf(&b, "%d. [%s] 质疑「%s」：%s", i+1, c.RoleID, c.ChallengedItem, c.Rationale)
		if c.Reinterpretation != "" {
			fmt.Fprintf(&b, "；建议重新理解为：%s", c.Reinterpretation)
		}
		b.WriteString("\n")
	}
	return b.String()
}
