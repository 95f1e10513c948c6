// Package questionnaire implements the three-step progressive questionnaire:
// confirm core tasks, set radar dimensions, then fill information gaps. Each
// step suspends the workflow with an interrupt and consumes the client's reply
// when resumed.
package questionnaire

import (
	"time"

	"atelier/pkg/capability"
	"atelier/pkg/completeness"
	"atelier/pkg/decompose"
	"atelier/pkg/dimensions"
	"atelier/pkg/graph"
	"atelier/pkg/llm"
	"atelier/pkg/logx"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
)

// Node names.
const (
	NodeStep1 = "progressive_step1_core_task"
	NodeStep2 = "progressive_step2_radar"
	NodeStep3 = "progressive_step3_gap_filling"
)

const totalSteps = 3

// Summary sources.
const (
	SourceProgressive = "progressive_questionnaire"
	SourceSkipped     = "skipped"
)

// Config toggles optional behavior.
type Config struct {
	// DynamicDimensions asks the LLM for bespoke dimensions when library coverage is low.
	DynamicDimensions    bool
	// ForceDimensions always asks for bespoke dimensions.
	ForceDimensions      bool
	// PoeticInterpretation runs the LLM interpretation of poetic phrases.
	PoeticInterpretation bool
	PoeticTimeout        time.Duration
	DecomposeTimeout     time.Duration
	QuestionTimeout      time.Duration
}

// DefaultConfig enables poetic interpretation with a 30s timeout.
func DefaultConfig() Config {
	return Config{
		PoeticInterpretation: true,
		PoeticTimeout:        30 * time.Second,
		DecomposeTimeout:     decompose.DefaultTimeout,
		QuestionTimeout:      completeness.DefaultTimeout,
	}
}

// Nodes holds the questionnaire node implementations.
type Nodes struct {
	cfg        Config
	next       string
	client     llm.LLMClient
	store      *prompts.Store
	boundary   *capability.Service
	decomposer *decompose.Decomposer
	selector   *dimensions.Selector
	generator  *dimensions.Generator
	questions  *completeness.Generator
	logger     *logx.Logger
}

// New wires the questionnaire. next is the node that follows the questionnaire,
// normally requirements confirmation. A nil client degrades every LLM step to its
// rule-based fallback.
func New(client llm.LLMClient, store *prompts.Store, boundary *capability.Service, next string, cfg Config) *Nodes {
	if boundary == nil {
		boundary = capability.NewService()
	}
	return &Nodes{
		cfg:        cfg,
		next:       next,
		client:     client,
		store:      store,
		boundary:   boundary,
		decomposer: decompose.New(client, store, cfg.DecomposeTimeout),
		selector:   dimensions.NewSelector(store),
		generator:  dimensions.NewGenerator(client, store, cfg.QuestionTimeout),
		questions:  completeness.NewGenerator(client, store, cfg.QuestionTimeout),
		logger:     logx.NewLogger("questionnaire"),
	}
}

// Register adds the three steps and their edges to g.
func (n *Nodes) Register(g *graph.Graph) {
	g.AddNode(NodeStep1, n.Step1).
		AddNode(NodeStep2, n.Step2).
		AddNode(NodeStep3, n.Step3).
		AddConditionalEdges(NodeStep1, n.afterStep1, NodeStep2, n.next).
		AddEdge(NodeStep2, NodeStep3).
		AddEdge(NodeStep3, n.next)
}

// afterStep1 routes past the remaining steps when the questionnaire was skipped.
func (n *Nodes) afterStep1(s graph.State) string {
	if s.Bool(proto.FlagCalibrationSkipped) || s.Bool(proto.FlagIsFollowup) {
		return n.next
	}
	return NodeStep2
}

func response(in graph.Input) map[string]any {
	if m, ok := in.Resume.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func confirmedTasks(s graph.State) []proto.Task {
	tasks, _ := graph.Decode[[]proto.Task](s, proto.KeyConfirmedCoreTasks)
	return tasks
}

func coreTaskText(tasks []proto.Task) string {
	if len(tasks) == 0 {
		return ""
	}
	return completeness.TaskSummary(tasks)
}

// pendingAlert returns the boundary alert left by node when the client still has
// to resolve it.
func pendingAlert(s graph.State, node string) *proto.BoundaryAlert {
	rec, ok := graph.Decode[capability.CheckRecord](s, proto.KeyCapabilityCheck)
	if !ok || rec.NodeName != node || !rec.RequiresInteraction {
		return nil
	}
	return rec.Alert()
}
