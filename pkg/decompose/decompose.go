// Package decompose turns a raw brief into structured core tasks, preferring an LLM
// and falling back to rule-based extraction.
package decompose

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"atelier/pkg/jsonx"
	"atelier/pkg/llm"
	"atelier/pkg/logx"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
)

const (
	// MinTasks and MaxTasks bound the decomposition.
	MinTasks = 3
	MaxTasks = 12

	// DefaultTimeout bounds the decomposition LLM call.
	DefaultTimeout = 60 * time.Second
)

// Task sources.
const (
	SourceLLM      = "llm"
	SourceFallback = "fallback"
	SourceMixed    = "llm+fallback"
)

// Result is a validated task list and where it came from.
type Result struct {
	Tasks  []proto.Task `json:"tasks"`
	Source string       `json:"source"`
}

// Decomposer extracts core tasks from a brief.
type Decomposer struct {
	client  llm.LLMClient
	store   *prompts.Store
	timeout time.Duration
	logger  *logx.Logger
}

// New creates a decomposer. A nil client always uses the rule-based fallback.
func New(client llm.LLMClient, store *prompts.Store, timeout time.Duration) *Decomposer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Decomposer{client: client, store: store, timeout: timeout, logger: logx.NewLogger("decompose")}
}

// Decompose returns 3 to 12 tasks. It never fails: LLM errors degrade to the fallback.
func (d *Decomposer) Decompose(ctx context.Context, userInput string, structured map[string]any) Result {
	tasks, err := d.fromLLM(ctx, userInput, structured)
	if err != nil {
		d.logger.WarnCtx(ctx, "core task decomposition fell back to rules: %v", err)
		return Result{Tasks: Fallback(userInput), Source: SourceFallback}
	}

	source := SourceLLM
	if len(tasks) < MinTasks {
		tasks = pad(tasks, Fallback(userInput))
		source = SourceMixed
	}
	if len(tasks) > MaxTasks {
		tasks = tasks[:MaxTasks]
	}
	renumber(tasks)
	return Result{Tasks: tasks, Source: source}
}

func (d *Decomposer) fromLLM(ctx context.Context, userInput string, structured map[string]any) ([]proto.Task, error) {
	if d.client == nil || d.store == nil {
		return nil, llm.NewError(llm.ErrorTypeUnavailable, llm.ErrUnavailable)
	}
	summary := "{}"
	if len(structured) > 0 {
		if raw, err := json.MarshalIndent(structured, "", "  "); err == nil {
			summary = string(raw)
		}
	}
	system, user, err := d.store.Render(prompts.CoreTaskDecomposer, map[string]string{
		"user_input":      userInput,
		"structured_data": summary,
		"min_tasks":       strconv.Itoa(MinTasks),
		"max_tasks":       strconv.Itoa(MaxTasks),
	})
	if err != nil {
		return nil, err
	}
	req := llm.NewCompletionRequest("decompose.core_tasks", system, user)
	content, err := llm.CompleteText(ctx, d.client, req, d.timeout)
	if err != nil {
		return nil, err
	}
	tasks, err := Parse(content)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no valid tasks in response: %w", jsonx.ErrNoJSON)
	}
	return tasks, nil
}

type rawTask struct {
	ID              any    `json:"id"`
	Title           string `json:"title"`
	Description     string `json:"description"`
	SourceKeywords  any    `json:"source_keywords"`
	TaskType        string `json:"task_type"`
	Priority        string `json:"priority"`
	MotivationType  string `json:"motivation_type"`
	MotivationLabel string `json:"motivation_label"`
	ConfidenceScore any    `json:"confidence_score"`
}

// Parse extracts and validates tasks from an LLM response. Both {"tasks": [...]}
// and a bare array are accepted. Tasks without a title are dropped.
func Parse(content string) ([]proto.Task, error) {
	v, err := jsonx.ExtractValue(content)
	if err != nil {
		return nil, err
	}
	var list any = v
	if obj, ok := v.(map[string]any); ok {
		list = obj["tasks"]
		if list == nil {
			list = obj["core_tasks"]
		}
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return nil, err
	}
	var items []rawTask
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("tasks are not a list: %w", err)
	}

	seen := make(map[string]bool, len(items))
	tasks := make([]proto.Task, 0, len(items))
	for _, it := range items {
		title := strings.TrimSpace(it.Title)
		if title == "" || seen[title] {
			continue
		}
		seen[title] = true
		desc := strings.TrimSpace(it.Description)
		if desc == "" {
			desc = title
		}
		conf := number(it.ConfidenceScore)
		if conf <= 0 || conf > 1 {
			conf = 0.8
		}
		tasks = append(tasks, proto.Task{
			ID:              identifier(it.ID),
			Title:           title,
			Description:     desc,
			SourceKeywords:  keywords(it.SourceKeywords),
			TaskType:        proto.NormalizeTaskType(it.TaskType),
			Priority:        proto.NormalizePriority(it.Priority),
			MotivationType:  it.MotivationType,
			MotivationLabel: it.MotivationLabel,
			ConfidenceScore: conf,
		})
	}
	return tasks, nil
}

func identifier(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return fmt.Sprintf("task_%d", int(x))
	}
	return ""
}

func number(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f
	}
	return 0
}

func keywords(v any) []string {
	out := []string{}
	switch x := v.(type) {
	case []any:
		for _, k := range x {
			if s, ok := k.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, k := range strings.FieldsFunc(x, func(r rune) bool { return r == ',' || r == '，' || r == '、' }) {
			if k = strings.TrimSpace(k); k != "" {
				out = append(out, k)
			}
		}
	}
	return out
}

func pad(tasks, extra []proto.Task) []proto.Task {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		seen[t.Title] = true
	}
	for _, t := range extra {
		if len(tasks) >= MinTasks {
			break
		}
		if seen[t.Title] {
			continue
		}
		seen[t.Title] = true
		tasks = append(tasks, t)
	}
	return tasks
}

// renumber fills missing or duplicate ids.
func renumber(tasks []proto.Task) {
	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		if tasks[i].ID == "" || seen[tasks[i].ID] {
			tasks[i].ID = fmt.Sprintf("task_%d", i+1)
		}
		seen[tasks[i].ID] = true
	}
}
