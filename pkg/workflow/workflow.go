// Package workflow assembles the project-analysis graph: requirements analysis,
// the progressive questionnaire, requirements confirmation, role selection and
// review, deliverable minting, search hints, the parallel expert batch, the
// challenge loop and report aggregation.
package workflow

import (
	"fmt"
	"time"

	"atelier/pkg/analyst"
	"atelier/pkg/capability"
	"atelier/pkg/challenge"
	"atelier/pkg/deliverable"
	"atelier/pkg/expert"
	"atelier/pkg/graph"
	"atelier/pkg/llm"
	"atelier/pkg/logx"
	"atelier/pkg/observe"
	"atelier/pkg/persistence"
	"atelier/pkg/promptcache"
	"atelier/pkg/prompts"
	"atelier/pkg/proto"
	"atelier/pkg/questionnaire"
)

// Node names owned by this package.
const (
	NodeConfirmation  = "requirements_confirmation"
	NodeRoleSelection = "role_selection"
	NodeUnifiedReview = "role_task_unified_review"
	NodeBatch         = "batch_executor"
	NodeAggregate     = "result_aggregator"
)

// Config tunes the workflow.
type Config struct {
	Questionnaire    questionnaire.Config
	AnalystTimeout   time.Duration
	ExpertTimeout    time.Duration
	BatchConcurrency int
	MaxRevisits      int
	MaxRoles         int
	MaxSteps         int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Questionnaire:    questionnaire.DefaultConfig(),
		AnalystTimeout:   analyst.DefaultTimeout,
		ExpertTimeout:    expert.DefaultTimeout,
		BatchConcurrency: 4,
		MaxRevisits:      challenge.DefaultMaxRevisits,
		MaxRoles:         6,
		MaxSteps:         200,
	}
}

// Deps are the collaborators of the workflow. Store is required; everything
// else has a default. A nil Client degrades every LLM step to its fallback.
type Deps struct {
	Client     llm.LLMClient
	Store      *prompts.Store
	Boundary   *capability.Service
	Cache      *promptcache.Cache
	Monitor    *observe.Monitor
	Aggregator Aggregator
}

// Workflow is the compiled project-analysis graph.
type Workflow struct {
	cfg        Config
	store      *prompts.Store
	boundary   *capability.Service
	analyst    *analyst.Analyst
	experts    *expert.Runtime
	loop       *challenge.Loop
	aggregator Aggregator
	graph      *graph.Compiled
	logger     *logx.Logger
}

// New wires and compiles the workflow graph.
func New(deps Deps, cfg Config) (*Workflow, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("workflow: prompt store is required")
	}
	if deps.Boundary == nil {
		deps.Boundary = capability.NewService()
	}
	if deps.Cache == nil {
		deps.Cache = promptcache.New(deps.Store)
	}
	if deps.Aggregator == nil {
		deps.Aggregator = ReportAggregator{}
	}

	a, err := analyst.New(deps.Client, deps.Store, deps.Boundary, analyst.WithTimeout(cfg.AnalystTimeout))
	if err != nil {
		return nil, err
	}
	expertOpts := []expert.Option{expert.WithTimeout(cfg.ExpertTimeout)}
	if deps.Monitor != nil {
		expertOpts = append(expertOpts, expert.WithMonitor(deps.Monitor))
	}

	w := &Workflow{
		cfg:        cfg,
		store:      deps.Store,
		boundary:   deps.Boundary,
		analyst:    a,
		experts:    expert.New(deps.Client, deps.Store, deps.Cache, expertOpts...),
		loop:       challenge.New(analyst.NodeName, NodeAggregate, cfg.MaxRevisits),
		aggregator: deps.Aggregator,
		logger:     logx.NewLogger("workflow"),
	}
	steps := questionnaire.New(deps.Client, deps.Store, deps.Boundary, NodeConfirmation, cfg.Questionnaire)
	ids := deliverable.NewGenerator(deps.Store)

	g := graph.New().
		AddNode(analyst.NodeName, a.Node).
		AddNode(NodeConfirmation, w.confirmRequirements).
		AddNode(NodeRoleSelection, w.selectRoles).
		AddNode(NodeUnifiedReview, w.unifiedReview).
		AddNode(deliverable.NodeName, ids.Node).
		AddNode(expert.QueryNodeName, w.experts.SearchQueryNode).
		AddNode(NodeBatch, w.batch).
		AddNode(challenge.NodeName, w.loop.Node).
		AddNode(NodeAggregate, w.aggregate)
	steps.Register(g)

	g.AddEdge(graph.START, analyst.NodeName).
		AddConditionalEdges(analyst.NodeName, afterAnalysis, questionnaire.NodeStep1, NodeBatch).
		AddEdge(NodeConfirmation, NodeRoleSelection).
		AddEdge(NodeRoleSelection, NodeUnifiedReview).
		AddEdge(NodeUnifiedReview, deliverable.NodeName).
		AddEdge(deliverable.NodeName, expert.QueryNodeName).
		AddEdge(expert.QueryNodeName, NodeBatch).
		AddEdge(NodeBatch, challenge.NodeName).
		AddConditionalEdges(challenge.NodeName, afterChallenge, analyst.NodeName, NodeAggregate).
		AddEdge(NodeAggregate, graph.END).
		AddReducer(proto.KeyProcessingLog, graph.AppendList).
		AddReducer(proto.KeyChallengeLog, graph.AppendList).
		AddReducer(proto.KeyReviewHistory, graph.AppendList).
		AddReducer(proto.KeyAgentResults, graph.MergeMap)

	compiled, err := g.Compile()
	if err != nil {
		return nil, fmt.Errorf("workflow graph: %w", err)
	}
	w.graph = compiled.WithBatchLimit(cfg.BatchConcurrency).WithMaxSteps(cfg.MaxSteps)
	return w, nil
}

// Graph returns the compiled graph.
func (w *Workflow) Graph() *graph.Compiled { return w.graph }

// NewEngine binds the workflow to a session store.
func (w *Workflow) NewEngine(store persistence.Store, opts ...graph.Option) *graph.Engine {
	return graph.NewEngine(w.graph, store, opts...)
}

// afterAnalysis sends a challenge revisit straight back to the experts; the
// questionnaire, confirmation and review have already run.
func afterAnalysis(s graph.State) string {
	if s.Int(proto.KeyRevisitCount) > 0 && s.Bool(proto.KeyUnifiedReviewCompleted) {
		return NodeBatch
	}
	return questionnaire.NodeStep1
}

// afterChallenge is only consulted when the challenge node does not pick a target.
func afterChallenge(s graph.State) string {
	if s.Bool(proto.KeyRequiresFeedbackLoop) {
		return analyst.NodeName
	}
	return NodeAggregate
}
