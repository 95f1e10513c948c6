// Package expert runs the selected specialist roles: it compiles each role's
// task instruction, renders the cached prompt template, calls the model and
// validates the task-oriented output envelope.
package expert

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"atelier/pkg/deliverable"
	"atelier/pkg/graph"
	"atelier/pkg/llm"
	"atelier/pkg/logx"
	"atelier/pkg/observe"
	"atelier/pkg/promptcache"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

const (
	// DefaultTimeout bounds one expert call.
	DefaultTimeout = 90 * time.Second

	expertMaxTokens   = 6000
	defaultConfidence = 0.5
	retrySuffix       = ".retry"
)

// Metadata keys of an expert AnalysisResult.
const (
	MetaRoleID           = "role_id"
	MetaRoleName         = "role_name"
	MetaBaseType         = "base_type"
	MetaFallback         = "fallback"
	MetaRetried          = "retried"
	MetaError            = "error"
	MetaProtocolStatus   = "protocol_status"
	MetaChallengeFlags   = "challenge_flags"
	MetaValidationErrors = "validation_errors"
	MetaSearchReferences = "search_references"
	MetaToolCalls        = "tool_calls"
	MetaDeliverableIDs   = "deliverable_ids"
	MetaElapsedMs        = "elapsed_ms"
	MetaPromptTokens     = "prompt_tokens"
)

// Runtime executes expert roles.
type Runtime struct {
	client  llm.LLMClient
	store   *prompts.Store
	cache   *promptcache.Cache
	monitor *observe.Monitor
	timeout time.Duration
	logger  *logx.Logger
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithTimeout sets the hard deadline of one expert call.
func WithTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithMonitor records every call in m and warns on slow calls.
func WithMonitor(m *observe.Monitor) Option {
	return func(r *Runtime) { r.monitor = m }
}

// New creates a runtime. A nil cache gets a private one; a nil client makes
// every role return a fallback result.
func New(client llm.LLMClient, store *prompts.Store, cache *promptcache.Cache, opts ...Option) *Runtime {
	if cache == nil {
		cache = promptcache.New(store)
	}
	r := &Runtime{
		client:  client,
		store:   store,
		cache:   cache,
		timeout: DefaultTimeout,
		logger:  logx.NewLogger("expert"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Branches returns one batch branch per role, keyed by role id.
func (r *Runtime) Branches(s graph.State, roles []proto.RoleRef) []graph.Branch {
	out := make([]graph.Branch, 0, len(roles))
	for _, role := range roles {
		out = append(out, graph.Branch{
			Key: role.RoleID,
			Run: func(ctx context.Context) (any, error) { return r.Run(ctx, role, s) },
		})
	}
	return out
}

// Run executes one role against the state. Model failures never surface as
// errors: a timed-out call is retried once with the condensed prompt, anything
// else yields a fallback result. Errors are returned only for unknown roles and
// cancellation.
func (r *Runtime) Run(ctx context.Context, role proto.RoleRef, s graph.State) (proto.AnalysisResult, error) {
	start := time.Now()
	cfg, err := r.store.Role(role.RoleID)
	if err != nil {
		return proto.AnalysisResult{}, err
	}
	if role.BaseType == "" {
		role.BaseType = proto.BaseTypeOf(role.RoleID)
	}
	if role.Name == "" {
		role.Name = cfg.Name
	}
	tpl, err := r.cache.Get(role.RoleID)
	if err != nil {
		return proto.AnalysisResult{}, err
	}

	metas := deliverable.ForRole(s, role.RoleID)
	ti := Compile(role, cfg, metas, s)
	queries, _ := graph.Decode[map[string][]string](s, proto.KeySearchQueries)
	projectContext := BuildContext(s, role.RoleID)
	system, user := tpl.Render(promptcache.RenderInput{
		DynamicRoleName:   displayName(role, cfg),
		Instruction:       ti,
		Context:           projectContext,
		State:             s,
		CreativeModeNote:  creativeNote(s),
		SearchQueriesHint: SearchHint(ti.Deliverables, queries, s.String(proto.KeyProjectType)),
	})
	promptTokens := utils.CountTokensSimple(system + user)
	logx.Debug(ctx, "expert", "%s prompt: %d tokens, %d deliverables", role.RoleID, promptTokens, len(ti.Deliverables))

	op := "expert." + role.RoleID
	resp, err := r.call(ctx, op, system, user)
	retried := false
	if err != nil && llm.Classify(err) == llm.ErrorTypeTimeout && ctx.Err() == nil {
		r.logger.WarnCtx(ctx, "expert %s timed out, retrying with condensed prompt", role.RoleID)
		retried = true
		resp, err = r.retry(ctx, op+retrySuffix, role, cfg, ti, projectContext)
	}
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return proto.AnalysisResult{}, fmt.Errorf("expert %s: %w", role.RoleID, cerr)
		}
		r.logger.WarnCtx(ctx, "expert %s degraded to fallback: %v", role.RoleID, err)
		res := Fallback(role, ti, err.Error())
		res.Metadata[MetaRetried] = retried
		res.Metadata[MetaElapsedMs] = time.Since(start).Milliseconds()
		return res, nil
	}

	out, raw, err := ParseOutput(resp.Content)
	if err != nil {
		r.logger.WarnCtx(ctx, "expert %s output unparseable: %v", role.RoleID, err)
		res := Fallback(role, ti, "无法解析专家输出")
		res.Content = resp.Content
		res.Metadata[MetaRetried] = retried
		res.Metadata[MetaElapsedMs] = time.Since(start).Milliseconds()
		return res, nil
	}
	problems := Validate(raw, ti)
	if len(problems) > 0 {
		r.logger.WarnCtx(ctx, "expert %s output has %d validation problems: %s",
			role.RoleID, len(problems), strings.Join(problems, "; "))
	}
	flags := out.ProtocolExecution.ChallengeFlags
	for i := range flags {
		flags[i].RoleID = role.RoleID
	}

	res := proto.AnalysisResult{
		AgentType:      role.RoleID,
		Content:        resp.Content,
		StructuredData: toMap(out),
		Confidence:     confidence(out, raw),
		Sources:        sources(out.SearchReferences),
		Metadata: map[string]any{
			MetaRoleID:           role.RoleID,
			MetaRoleName:         displayName(role, cfg),
			MetaBaseType:         role.BaseType,
			MetaFallback:         false,
			MetaRetried:          retried,
			MetaProtocolStatus:   out.ProtocolExecution.ProtocolStatus,
			MetaChallengeFlags:   flags,
			MetaValidationErrors: nonNil(problems),
			MetaSearchReferences: out.SearchReferences,
			MetaToolCalls:        toolCalls(resp.ToolCalls),
			MetaDeliverableIDs:   deliverableIDs(ti),
			MetaElapsedMs:        time.Since(start).Milliseconds(),
			MetaPromptTokens:     promptTokens,
		},
	}
	r.logger.InfoCtx(ctx, "expert %s done: %d deliverables, protocol=%s, challenges=%d",
		role.RoleID, len(out.TaskExecutionReport.DeliverableOutputs), out.ProtocolExecution.ProtocolStatus, len(flags))
	return res, nil
}

// call sends one request under the hard timeout, through the monitor when set.
func (r *Runtime) call(ctx context.Context, op, system, user string) (llm.CompletionResponse, error) {
	if r.client == nil {
		return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeUnavailable, llm.ErrUnavailable)
	}
	req := llm.NewCompletionRequest(op, system, user)
	req.MaxTokens = expertMaxTokens

	var resp llm.CompletionResponse
	fn := func(callCtx context.Context) error {
		var err error
		resp, err = r.client.Complete(callCtx, req)
		if err == nil && strings.TrimSpace(resp.Content) == "" {
			err = llm.NewError(llm.ErrorTypeEmptyResponse, llm.ErrEmptyResponse)
		}
		return err
	}

	var timedOut bool
	var err error
	if r.monitor != nil {
		var t observe.Timing
		t, err = r.monitor.Timeout(ctx, op, r.monitor.Threshold(observe.KindLLM), r.timeout, fn)
		timedOut = t.TimedOut
	} else {
		callCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err = fn(callCtx)
		timedOut = errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		cancel()
	}
	if err != nil && timedOut {
		err = llm.NewError(llm.ErrorTypeTimeout, fmt.Errorf("%s exceeded %s: %w", op, r.timeout, err))
	}
	return resp, err
}

// retry re-asks with the condensed prompt.
func (r *Runtime) retry(ctx context.Context, op string, role proto.RoleRef, cfg prompts.RoleConfig, ti proto.TaskInstruction, projectContext string) (llm.CompletionResponse, error) {
	var b strings.Builder
	for i, d := range ti.Deliverables {
		fmt.Fprintf(&b, "%d. %s：%s\n", i+1, d.Name, d.Description)
	}
	system, user, err := r.store.Render(prompts.ExpertRetry, map[string]string{
		"role_name":    displayName(role, cfg),
		"objective":    ti.Objective,
		"deliverables": strings.TrimSpace(b.String()),
		"context":      utils.Truncate(projectContext, 800),
	})
	if err != nil {
		return llm.CompletionResponse{}, err
	}
	return r.call(ctx, op, system, user)
}

// Fallback is the result recorded when an expert could not produce output.
func Fallback(role proto.RoleRef, ti proto.TaskInstruction, reason string) proto.AnalysisResult {
	out := Output{
		TaskExecutionReport: TaskExecutionReport{
			DeliverableOutputs:    []DeliverableOutput{},
			TaskCompletionSummary: "专家分析暂不可用：" + reason,
		},
		ProtocolExecution: ProtocolExecution{
			ProtocolStatus: ProtocolComplied,
			ChallengeFlags: []proto.ChallengeFlag{},
		},
		ExecutionMetadata: ExecutionMetadata{ExecutionNotes: "fallback"},
	}
	for _, d := range ti.Deliverables {
		out.TaskExecutionReport.DeliverableOutputs = append(out.TaskExecutionReport.DeliverableOutputs, DeliverableOutput{
			DeliverableName:  d.Name,
			Content:          map[string]any{"说明": "本交付物未能生成，请稍后重试"},
			CompletionStatus: StatusFailed,
		})
	}
	return proto.AnalysisResult{
		AgentType:      role.RoleID,
		StructuredData: toMap(out),
		Sources:        []string{},
		Metadata: map[string]any{
			MetaRoleID:         role.RoleID,
			MetaRoleName:       role.Name,
			MetaBaseType:       proto.BaseTypeOf(role.RoleID),
			MetaFallback:       true,
			MetaError:          reason,
			MetaProtocolStatus: ProtocolComplied,
			MetaChallengeFlags: []proto.ChallengeFlag{},
			MetaDeliverableIDs: deliverableIDs(ti),
		},
	}
}

// IsFallback reports whether r is a fallback result.
func IsFallback(r proto.AnalysisResult) bool {
	b, _ := r.Metadata[MetaFallback].(bool)
	return b
}

// ChallengeFlags returns the challenges raised in r.
func ChallengeFlags(r proto.AnalysisResult) []proto.ChallengeFlag {
	flags, _ := graph.As[[]proto.ChallengeFlag](r.Metadata[MetaChallengeFlags])
	return flags
}

// Summary is the one-line conclusion of r.
func Summary(r proto.AnalysisResult) string {
	report := utils.AsMap(r.StructuredData["task_execution_report"])
	if s := utils.AsString(report["task_completion_summary"]); s != "" {
		return s
	}
	return strings.TrimSpace(r.Content)
}

func confidence(out Output, raw map[string]any) float64 {
	c := out.ExecutionMetadata.Confidence
	if _, ok := utils.AsMap(raw["execution_metadata"])["confidence"]; !ok {
		c = defaultConfidence
	}
	if c > 1 && c <= 100 {
		c /= 100
	}
	return math.Max(0, math.Min(c, 1))
}

func toMap(out Output) map[string]any {
	v, err := graph.Normalize(out)
	if err != nil {
		return map[string]any{}
	}
	m, _ := v.(map[string]any)
	return m
}

func sources(refs []SearchReference) []string {
	out := []string{}
	for _, r := range refs {
		if r.URL != "" {
			out = append(out, r.URL)
		}
	}
	return out
}

func toolCalls(calls []llm.ToolCall) []map[string]any {
	out := make([]map[string]any, 0, len(calls))
	for _, c := range calls {
		out = append(out, map[string]any{"id": c.ID, "name": c.Name, "parameters": c.Parameters})
	}
	return out
}

func deliverableIDs(ti proto.TaskInstruction) []string {
	out := []string{}
	for _, d := range ti.Deliverables {
		if d.ID != "" {
			out = append(out, d.ID)
		}
	}
	return out
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
