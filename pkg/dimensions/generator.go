package dimensions

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"atelier/pkg/jsonx"
	"atelier/pkg/llm"
	"atelier/pkg/logx"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
)

// MaxGenerated bounds the bespoke dimensions added per project.
const MaxGenerated = 3

// LowCoverage is the coverage under which bespoke dimensions are requested.
const LowCoverage = 0.5

//nolint:gochecknoglobals // compiled once
var idPattern = regexp.MustCompile(`[^a-z0-9_]+`)

// Generator asks an LLM for bespoke dimensions the library does not carry.
type Generator struct {
	client  llm.LLMClient
	store   *prompts.Store
	timeout time.Duration
	logger  *logx.Logger
}

// NewGenerator creates a dimension generator.
func NewGenerator(client llm.LLMClient, store *prompts.Store, timeout time.Duration) *Generator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Generator{client: client, store: store, timeout: timeout, logger: logx.NewLogger("dimensions")}
}

// Generate returns up to MaxGenerated new dimensions that do not collide with existing.
func (g *Generator) Generate(ctx context.Context, userInput string, existing []proto.Dimension) ([]proto.Dimension, error) {
	if g.client == nil || g.store == nil {
		return nil, llm.NewError(llm.ErrorTypeUnavailable, llm.ErrUnavailable)
	}
	names := make([]string, 0, len(existing))
	for _, d := range existing {
		names = append(names, fmt.Sprintf("%s(%s: %s/%s)", d.Name, d.ID, d.LeftLabel, d.RightLabel))
	}
	system, user, err := g.store.Render(prompts.DimensionGenerator, map[string]string{
		"user_input":          userInput,
		"existing_dimensions": strings.Join(names, "\n"),
		"max_new":             strconv.Itoa(MaxGenerated),
	})
	if err != nil {
		return nil, err
	}
	content, err := llm.CompleteText(ctx, g.client, llm.NewCompletionRequest("dimensions.generate", system, user), g.timeout)
	if err != nil {
		g.logger.WarnCtx(ctx, "dimension generation failed: %v", err)
		return nil, err
	}
	return ParseGenerated(content, existing)
}

// ParseGenerated validates generated dimensions: both poles present, id unique
// against existing ones, category in the known set, values in range.
func ParseGenerated(content string, existing []proto.Dimension) ([]proto.Dimension, error) {
	obj, err := jsonx.ExtractObject(content)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(obj["dimensions"])
	if err != nil {
		return nil, err
	}
	var items []proto.Dimension
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("dimensions are not a list: %w", err)
	}

	seen := make(map[string]bool, len(existing)+len(items))
	for _, d := range existing {
		seen[d.ID] = true
	}
	out := make([]proto.Dimension, 0, MaxGenerated)
	for _, d := range items {
		if len(out) >= MaxGenerated {
			break
		}
		d.ID = idPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(d.ID)), "_")
		if d.ID == "" || seen[d.ID] || strings.TrimSpace(d.LeftLabel) == "" || strings.TrimSpace(d.RightLabel) == "" {
			continue
		}
		seen[d.ID] = true
		if d.Name == "" {
			d.Name = d.LeftLabel + "/" + d.RightLabel
		}
		if proto.CategoryRank(d.Category) == len(proto.CategoryOrder) {
			d.Category = proto.CategoryOther
		}
		if d.DefaultValue <= 0 || d.DefaultValue > 100 {
			d.DefaultValue = midpoint
		}
		if d.GapThreshold <= 0 || d.GapThreshold > midpoint {
			d.GapThreshold = 10
		}
		d.TriggeredByScene = ""
		d.Source = SourceLearned
		out = append(out, d)
	}
	return out, nil
}
