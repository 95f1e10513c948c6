package expert

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"atelier/pkg/jsonx"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

// Completion statuses of a deliverable output.
const (
	StatusCompleted = "completed"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
)

// Protocol statuses reported by an expert.
const (
	ProtocolComplied      = "complied"
	ProtocolChallenged    = "challenged"
	ProtocolReinterpreted = "reinterpreted"
)

const maxContentDepth = 4

// ErrNoEnvelope is returned when a response has no task_execution_report.
var ErrNoEnvelope = errors.New("response is not a task-oriented expert output")

//nolint:gochecknoglobals // static patterns
var (
	imageURLPattern    = regexp.MustCompile(`(?i)^https?://\S+\.(?:png|jpe?g|gif|webp|svg|bmp)(?:\?\S*)?$`)
	placeholderPattern = regexp.MustCompile(`(?i)placeholder|dummyimage|picsum|占位图|示意图链接`)
	imageKeyPattern    = regexp.MustCompile(`(?i)image|img|photo|图片|配图|效果图链接`)
	urlPattern         = regexp.MustCompile(`(?i)^https?://`)
)

// DeliverableOutput is one deliverable produced by an expert. Content is an
// object with Chinese keys, or plain text.
type DeliverableOutput struct {
	DeliverableName  string `json:"deliverable_name"`
	Content          any    `json:"content"`
	CompletionStatus string `json:"completion_status"`
}

// TaskExecutionReport is the body of the expert answer.
type TaskExecutionReport struct {
	DeliverableOutputs    []DeliverableOutput `json:"deliverable_outputs"`
	TaskCompletionSummary string              `json:"task_completion_summary"`
	AdditionalInsights    []string            `json:"additional_insights,omitempty"`
	ExecutionChallenges   []string            `json:"execution_challenges,omitempty"`
}

// ProtocolExecution reports how the expert related to the analyst's framing.
type ProtocolExecution struct {
	ProtocolStatus string                `json:"protocol_status"`
	ChallengeFlags []proto.ChallengeFlag `json:"challenge_flags"`
}

// ExecutionMetadata is the expert's self-assessment.
type ExecutionMetadata struct {
	Confidence            float64 `json:"confidence"`
	CompletionRate        float64 `json:"completion_rate"`
	ExecutionTimeEstimate string  `json:"execution_time_estimate"`
	ExecutionNotes        string  `json:"execution_notes"`
	DependenciesSatisfied bool    `json:"dependencies_satisfied"`
}

// SearchReference is an external source an expert consulted.
type SearchReference struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
	Tool    string `json:"tool,omitempty"`
}

// Output is the TaskOrientedExpertOutput envelope.
type Output struct {
	TaskExecutionReport TaskExecutionReport `json:"task_execution_report"`
	ProtocolExecution   ProtocolExecution   `json:"protocol_execution"`
	ExecutionMetadata   ExecutionMetadata   `json:"execution_metadata"`
	SearchReferences    []SearchReference   `json:"search_references,omitempty"`
}

// ParseOutput decodes an expert response. It returns the envelope together with
// the raw object so that Validate can check field presence.
func ParseOutput(content string) (Output, map[string]any, error) {
	obj, err := jsonx.ExtractObject(content)
	if err != nil {
		return Output{}, nil, err
	}
	if _, ok := obj["task_execution_report"]; !ok {
		if _, flat := obj["deliverable_outputs"]; !flat {
			return Output{}, obj, ErrNoEnvelope
		}
		obj = map[string]any{
			"task_execution_report": obj,
			"protocol_execution":    obj["protocol_execution"],
			"execution_metadata":    obj["execution_metadata"],
		}
	}

	report := utils.AsMap(obj["task_execution_report"])
	var out Output
	items, _ := report["deliverable_outputs"].([]any)
	for _, it := range items {
		m := utils.AsMap(it)
		if m == nil {
			continue
		}
		out.TaskExecutionReport.DeliverableOutputs = append(out.TaskExecutionReport.DeliverableOutputs, DeliverableOutput{
			DeliverableName:  strings.TrimSpace(utils.AsString(m["deliverable_name"])),
			Content:          m["content"],
			CompletionStatus: strings.ToLower(strings.TrimSpace(utils.AsString(m["completion_status"]))),
		})
	}
	out.TaskExecutionReport.TaskCompletionSummary = utils.AsString(report["task_completion_summary"])
	out.TaskExecutionReport.AdditionalInsights = utils.AsStringSlice(report["additional_insights"])
	out.TaskExecutionReport.ExecutionChallenges = utils.AsStringSlice(report["execution_challenges"])

	protocol := utils.AsMap(obj["protocol_execution"])
	out.ProtocolExecution.ProtocolStatus = strings.ToLower(strings.TrimSpace(utils.AsString(protocol["protocol_status"])))
	out.ProtocolExecution.ChallengeFlags = append(decodeFlags(protocol["challenge_flags"]), decodeFlags(obj["challenge_flags"])...)

	meta := utils.AsMap(obj["execution_metadata"])
	out.ExecutionMetadata.Confidence, _ = utils.AsFloat(meta["confidence"])
	out.ExecutionMetadata.CompletionRate, _ = utils.AsFloat(meta["completion_rate"])
	out.ExecutionMetadata.ExecutionTimeEstimate = utils.AsString(meta["execution_time_estimate"])
	out.ExecutionMetadata.ExecutionNotes = utils.AsString(meta["execution_notes"])
	out.ExecutionMetadata.DependenciesSatisfied = truthy(meta["dependencies_satisfied"])

	refs, _ := obj["search_references"].([]any)
	for _, it := range refs {
		m := utils.AsMap(it)
		ref := SearchReference{
			Title:   utils.AsString(m["title"]),
			URL:     utils.AsString(m["url"]),
			Snippet: utils.AsString(m["snippet"]),
			Tool:    utils.AsString(m["tool"]),
		}
		if ref.URL != "" || ref.Title != "" {
			out.SearchReferences = append(out.SearchReferences, ref)
		}
	}
	return out, obj, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		s := strings.ToLower(strings.TrimSpace(x))
		return s == "true" || s == "yes" || s == "是"
	}
	f, ok := utils.AsFloat(v)
	return ok && f != 0
}

func decodeFlags(v any) []proto.ChallengeFlag {
	items, _ := v.([]any)
	var out []proto.ChallengeFlag
	for _, it := range items {
		m := utils.AsMap(it)
		if m == nil {
			continue
		}
		f := proto.ChallengeFlag{
			ChallengedItem:   utils.AsString(m["challenged_item"]),
			Rationale:        utils.AsString(m["rationale"]),
			Reinterpretation: utils.AsString(m["reinterpretation"]),
			DesignImpact:     utils.AsString(m["design_impact"]),
			Type:             utils.AsString(m["type"]),
		}
		if f.Type == "" {
			f.Type = utils.AsString(m["challenge_type"])
		}
		if f.ChallengedItem != "" || f.Rationale != "" {
			out = append(out, f)
		}
	}
	return out
}

// Validate checks a raw envelope against the instruction it answers and returns
// every problem found, in a stable order.
func Validate(raw map[string]any, ti proto.TaskInstruction) []string {
	var problems []string
	addf := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	report := utils.AsMap(raw["task_execution_report"])
	if report == nil {
		addf("missing task_execution_report")
	} else {
		for _, k := range []string{"deliverable_outputs", "task_completion_summary"} {
			if _, ok := report[k]; !ok {
				addf("missing task_execution_report.%s", k)
			}
		}
	}

	protocol := utils.AsMap(raw["protocol_execution"])
	if protocol == nil {
		addf("missing protocol_execution")
	} else {
		switch status := strings.ToLower(strings.TrimSpace(utils.AsString(protocol["protocol_status"]))); status {
		case ProtocolComplied, ProtocolChallenged, ProtocolReinterpreted:
		case "":
			addf("missing protocol_execution.protocol_status")
		default:
			addf("invalid protocol_status %q", status)
		}
	}

	meta := utils.AsMap(raw["execution_metadata"])
	if meta == nil {
		addf("missing execution_metadata")
	} else {
		for _, k := range []string{"confidence", "completion_rate", "execution_time_estimate", "execution_notes", "dependencies_satisfied"} {
			if _, ok := meta[k]; !ok {
				addf("missing execution_metadata.%s", k)
			}
		}
	}

	demanded := make(map[string]bool, len(ti.Deliverables))
	for _, d := range ti.Deliverables {
		demanded[d.Name] = true
	}
	delivered := map[string]bool{}
	items, _ := report["deliverable_outputs"].([]any)
	for i, it := range items {
		m := utils.AsMap(it)
		if m == nil {
			addf("deliverable_outputs[%d] is not an object", i)
			continue
		}
		name := strings.TrimSpace(utils.AsString(m["deliverable_name"]))
		switch {
		case name == "":
			addf("deliverable_outputs[%d] has no deliverable_name", i)
		case len(demanded) > 0 && !demanded[name]:
			addf("deliverable %q was not requested", name)
		}
		delivered[name] = true

		switch status := strings.ToLower(strings.TrimSpace(utils.AsString(m["completion_status"]))); status {
		case StatusCompleted, StatusPartial, StatusFailed:
		case "":
			addf("deliverable %q has no completion_status", name)
		default:
			addf("deliverable %q has invalid completion_status %q", name, status)
		}

		switch c := m["content"].(type) {
		case map[string]any:
			checkContent(&problems, name, "", c, 0)
		case string:
			if strings.TrimSpace(c) == "" {
				addf("deliverable %q has empty content", name)
			}
		case nil:
			addf("deliverable %q has no content", name)
		default:
			addf("deliverable %q content must be an object or text", name)
		}
	}
	for _, d := range ti.Deliverables {
		if !delivered[d.Name] {
			addf("deliverable %q is missing", d.Name)
		}
	}
	return problems
}

func checkContent(problems *[]string, name, path string, m map[string]any, depth int) {
	if depth > maxContentDepth {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		at := k
		if path != "" {
			at = path + "." + k
		}
		if !utils.ContainsHan(k) {
			*problems = append(*problems, fmt.Sprintf("deliverable %q content key %q is not Chinese", name, at))
		}
		switch v := m[k].(type) {
		case map[string]any:
			checkContent(problems, name, at, v, depth+1)
		case []any:
			if isImageList(k, v) {
				*problems = append(*problems, fmt.Sprintf("deliverable %q content %q is an image placeholder list", name, at))
				continue
			}
			for _, it := range v {
				if sub, ok := it.(map[string]any); ok {
					checkContent(problems, name, at, sub, depth+1)
				}
			}
		}
	}
}

// isImageList reports whether items is a list of image URLs or placeholders.
func isImageList(key string, items []any) bool {
	if len(items) == 0 {
		return false
	}
	keyHint := imageKeyPattern.MatchString(key)
	for _, it := range items {
		s, ok := it.(string)
		if !ok {
			return false
		}
		s = strings.TrimSpace(s)
		switch {
		case imageURLPattern.MatchString(s), placeholderPattern.MatchString(s):
		case keyHint && urlPattern.MatchString(s):
		default:
			return false
		}
	}
	return true
}
