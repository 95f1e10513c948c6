// Package analyst implements the two-phase requirements analyst as a small
// graph: a programmatic precheck, a fast LLM triage, an optional deep analysis
// and an output node that merges both phases into structured requirements.
//
// The subgraph never interrupts. The workflow embeds it as one node through
// Analyst.Node, which maps the subgraph's result onto the session state.
package analyst

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"atelier/pkg/capability"
	"atelier/pkg/graph"
	"atelier/pkg/llm"
	"atelier/pkg/logx"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
	"atelier/pkg/utils"
)

// NodeName is the workflow node that runs the analyst.
const NodeName = "requirements_analyst"

// Subgraph node names.
const (
	NodePrecheck = "precheck"
	NodePhase1   = "phase1"
	NodePhase2   = "phase2"
	NodeOutput   = "output"
)

// MinInputRunes is the shortest brief the analyst accepts.
const MinInputRunes = 10

// DefaultTimeout bounds each LLM call.
const DefaultTimeout = 30 * time.Second

// ErrInputTooShort rejects briefs under MinInputRunes characters.
var ErrInputTooShort = errors.New("user input too short")

// Subgraph state keys.
const (
	keyUserInput   = "user_input"
	keyChallenges  = "challenges"
	keyPrecheck    = "precheck_result"
	keyPhase1      = "phase1_result"
	keyPhase2      = "phase2_result"
	keyOutput      = "analysis_output"
	keyPrecheckMs  = "precheck_elapsed_ms"
	keyPhase1Ms    = "phase1_elapsed_ms"
	keyPhase2Ms    = "phase2_elapsed_ms"
	keyBoundaryRec = "precheck_capability_check"
)

// Analyst runs the requirements analysis subgraph.
type Analyst struct {
	client   llm.LLMClient
	store    *prompts.Store
	boundary *capability.Service
	timeout  time.Duration
	now      func() time.Time
	logger   *logx.Logger
	graph    *graph.Compiled
}

// Option configures an Analyst.
type Option func(*Analyst)

// WithTimeout sets the per-call LLM timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Analyst) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithClock overrides the clock used for the datetime prompt block.
func WithClock(now func() time.Time) Option { return func(a *Analyst) { a.now = now } }

// New builds the analyst and compiles its subgraph. A nil client degrades both
// phases to their fallback structures.
func New(client llm.LLMClient, store *prompts.Store, boundary *capability.Service, opts ...Option) (*Analyst, error) {
	if boundary == nil {
		boundary = capability.NewService()
	}
	a := &Analyst{
		client:   client,
		store:    store,
		boundary: boundary,
		timeout:  DefaultTimeout,
		now:      time.Now,
		logger:   logx.NewLogger("analyst"),
	}
	for _, opt := range opts {
		opt(a)
	}

	g := graph.New().
		AddNode(NodePrecheck, a.precheck).
		AddNode(NodePhase1, a.phase1).
		AddNode(NodePhase2, a.phase2).
		AddNode(NodeOutput, a.output).
		AddEdge(graph.START, NodePrecheck).
		AddEdge(NodePrecheck, NodePhase1).
		AddConditionalEdges(NodePhase1, routeAfterPhase1, NodePhase2, NodeOutput).
		AddEdge(NodePhase2, NodeOutput).
		AddEdge(NodeOutput, graph.END)
	compiled, err := g.Compile()
	if err != nil {
		return nil, fmt.Errorf("analyst graph: %w", err)
	}
	a.graph = compiled
	return a, nil
}

// routeAfterPhase1 runs the deep analysis only for sufficient briefs that do not
// ask for the questionnaire first.
func routeAfterPhase1(s graph.State) string {
	p1, _ := graph.Decode[Phase1](s, keyPhase1)
	if p1.InfoStatus == InfoSufficient && p1.RecommendedNextStep != capability.ActionQuestionnaireFirst {
		return NodePhase2
	}
	return NodeOutput
}

// Analyze runs the subgraph over a brief. challenges are uncertainty
// clarifications raised by experts on a previous pass.
func (a *Analyst) Analyze(ctx context.Context, userInput string, challenges []proto.ChallengeFlag) (Output, error) {
	userInput = strings.TrimSpace(userInput)
	if n := utils.RuneLen(userInput); n < MinInputRunes {
		return Output{}, fmt.Errorf("%d characters, need at least %d: %w", n, MinInputRunes, ErrInputTooShort)
	}

	start := time.Now()
	initial, err := graph.NewState(map[string]any{
		keyUserInput:  userInput,
		keyChallenges: challenges,
	})
	if err != nil {
		return Output{}, fmt.Errorf("analyst state: %w", err)
	}
	final, err := a.graph.Invoke(ctx, initial)
	if err != nil {
		return Output{}, fmt.Errorf("requirements analysis: %w", err)
	}
	out, ok := graph.Decode[Output](final, keyOutput)
	if !ok {
		return Output{}, fmt.Errorf("requirements analysis produced no output: %w", graph.ErrNoRoute)
	}
	out.Timings.TotalMs = time.Since(start).Milliseconds()
	a.logger.InfoCtx(ctx, "analysis finished: mode=%s type=%s confidence=%.2f (%dms)",
		out.AnalysisMode, out.ProjectType, out.Confidence, out.Timings.TotalMs)
	return out, nil
}

// Node is the workflow node wrapping Analyze. Pending challenges in the state
// are consumed and cleared.
func (a *Analyst) Node(ctx context.Context, in graph.Input) (graph.Result, error) {
	s := in.State
	challenges, _ := graph.Decode[[]proto.ChallengeFlag](s, proto.KeyPendingChallenges)
	out, err := a.Analyze(ctx, s.String(proto.KeyUserInput), challenges)
	if err != nil {
		return graph.Result{}, err
	}

	structured := out.StructuredRequirements
	if prev := s.Map(proto.KeyStructuredRequirements); prev != nil && len(challenges) > 0 {
		structured["previous_project_task"] = prev["project_task"]
	}

	projectType := out.ProjectType
	if projectType == "" {
		projectType = s.String(proto.KeyProjectType)
	}
	note := "mode " + out.AnalysisMode
	if len(challenges) > 0 {
		note += fmt.Sprintf(", revisited with %d challenge(s)", len(challenges))
	}
	return graph.Update(map[string]any{
		proto.KeyStructuredRequirements: structured,
		proto.KeyAnalysisMode:           out.AnalysisMode,
		proto.KeyProjectType:            projectType,
		proto.KeyExpertHandoff:          out.ExpertHandoff,
		proto.KeyCapabilityCheck:        out.CapabilityCheck,
		proto.KeyAgentResults:           map[string]any{NodeName: out.Result()},
		proto.KeyPendingChallenges:      []any{},
		proto.KeyRequiresFeedbackLoop:   false,
		proto.KeyProcessingLog:          proto.LogNote(NodeName, note),
	}), nil
}

func (a *Analyst) datetime() string {
	return a.now().Format("2006年01月02日 15:04 (Monday)")
}
