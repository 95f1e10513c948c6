package questionnaire

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"atelier/pkg/jsonx"
	"atelier/pkg/llm"
	"atelier/pkg/prompts"
)

//nolint:gochecknoglobals // static detection tables
var (
	poeticMarkers = []string{
		"月亮", "月光", "星空", "星辰", "湖面", "落在", "仿佛", "如同", "宛如", "好像",
		"诗", "风声", "雪", "雾", "晨光", "黄昏", "光影", "呼吸", "灵魂", "梦",
	}
	clauseSplit = regexp.MustCompile(`[，。,.；;！!？?\n]+`)
	measurement = regexp.MustCompile(`\d`)
)

// DetectPoetic returns the clauses of text that read as imagery or metaphor.
// Clauses carrying numbers are treated as factual.
func DetectPoetic(text string) []string {
	var out []string
	for _, clause := range clauseSplit.Split(text, -1) {
		clause = strings.TrimSpace(clause)
		if clause == "" || measurement.MatchString(clause) {
			continue
		}
		for _, m := range poeticMarkers {
			if strings.Contains(clause, m) {
				out = append(out, clause)
				break
			}
		}
	}
	return out
}

// interpretPoetic asks the LLM to translate poetic phrases into design language.
// The detected phrases are always recorded; the interpretation is best effort.
func (n *Nodes) interpretPoetic(ctx context.Context, userInput string, phrases []string) map[string]any {
	meta := map[string]any{
		"detected": true,
		"phrases":  phrases,
	}
	if !n.cfg.PoeticInterpretation {
		meta["interpretation"] = nil
		return meta
	}
	interp, err := n.poeticLLM(ctx, userInput, phrases)
	if err != nil {
		n.logger.WarnCtx(ctx, "poetic interpretation failed: %v", err)
		meta["fallback"] = true
		meta["interpretation"] = map[string]any{
			"poetic_core":     strings.Join(phrases, "；"),
			"interpretations": []any{},
		}
		return meta
	}
	meta["fallback"] = false
	meta["interpretation"] = interp
	return meta
}

func (n *Nodes) poeticLLM(ctx context.Context, userInput string, phrases []string) (map[string]any, error) {
	if n.client == nil {
		return nil, llm.NewError(llm.ErrorTypeUnavailable, llm.ErrUnavailable)
	}
	list := make([]string, 0, len(phrases))
	for i, p := range phrases {
		list = append(list, strconv.Itoa(i+1)+". "+p)
	}
	system, user, err := n.store.Render(prompts.PoeticInterpreter, map[string]string{
		"user_input":     userInput,
		"poetic_phrases": strings.Join(list, "\n"),
	})
	if err != nil {
		return nil, err
	}
	content, err := llm.CompleteText(ctx, n.client, llm.NewCompletionRequest("questionnaire.poetic", system, user), n.cfg.PoeticTimeout)
	if err != nil {
		return nil, err
	}
	return jsonx.ExtractObject(content)
}

func itoa(i int) string { return strconv.Itoa(i) }
