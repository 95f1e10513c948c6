// Package graph is the workflow runtime: named nodes joined by unconditional and
// conditional edges, with interrupt/resume, checkpointing after every node,
// parallel fan-out and persistent-flag propagation.
//
// A node returns a Result. A plain Command merges an update and moves on; an
// Interrupt suspends the whole workflow until Resume re-enters the same node with
// the client's response; a Fanout runs branches concurrently and merges their
// results before routing.
package graph

import (
	"context"
	"errors"
	"fmt"
)

const (
	// START is the virtual entry point.
	START = "__start__"
	// END terminates the workflow.
	END = "__end__"

	defaultMaxSteps = 200
)

var (
	ErrNoRoute             = errors.New("node has no outgoing route")
	ErrUnknownNode         = errors.New("unknown node")
	ErrInterruptInSubgraph = errors.New("interrupt is not supported in an inline subgraph")
	ErrStepBudget          = errors.New("step budget exhausted")
)

// Input is what a node receives.
type Input struct {
	State     State
	SessionID string
	// Resume is the client response when the node is re-entered after an interrupt.
	Resume  any
	Resumed bool
}

// Command is a state update plus an optional explicit next node.
type Command struct {
	Update map[string]any
	Goto   string
}

// Interrupt suspends the workflow. Update is merged and checkpointed before
// suspending so work done ahead of the interrupt survives the resume.
type Interrupt struct {
	Payload any
	Update  map[string]any
}

// Branch is one unit of a fan-out.
type Branch struct {
	Key string
	Run func(ctx context.Context) (any, error)
}

// Fanout runs branches concurrently; results are merged into State[Into][Key]
// and failures into State["batch_errors"][Key].
type Fanout struct {
	Into     string
	Branches []Branch
	// Limit bounds concurrency; <= 0 uses the engine default.
	Limit int
}

// Result is the return value of a node.
type Result struct {
	Command
	Interrupt *Interrupt
	Fanout    *Fanout
}

// Goto moves to node after merging update.
func Goto(node string, update map[string]any) Result {
	return Result{Command: Command{Update: update, Goto: node}}
}

// Update merges update and follows the graph's edges.
func Update(update map[string]any) Result {
	return Result{Command: Command{Update: update}}
}

// Suspend interrupts with payload after merging update.
func Suspend(payload any, update map[string]any) Result {
	return Result{Interrupt: &Interrupt{Payload: payload, Update: update}}
}

// NodeFunc is a graph node.
type NodeFunc func(ctx context.Context, in Input) (Result, error)

// Router picks the next node from the merged state.
type Router func(s State) string

// Reducer combines an existing state value with an update value.
type Reducer func(old, update any) any

type condEdge struct {
	router  Router
	allowed map[string]bool
}

// Graph is the mutable builder.
type Graph struct {
	nodes    map[string]NodeFunc
	order    []string
	edges    map[string]string
	cond     map[string]condEdge
	reducers map[string]Reducer
	entry    string
	errs     []error
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]NodeFunc),
		edges:    make(map[string]string),
		cond:     make(map[string]condEdge),
		reducers: make(map[string]Reducer),
	}
}

// AddNode registers fn under name.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	switch {
	case name == START || name == END || name == "":
		g.errs = append(g.errs, fmt.Errorf("reserved node name %q", name))
	case g.nodes[name] != nil:
		g.errs = append(g.errs, fmt.Errorf("duplicate node %q", name))
	default:
		g.nodes[name] = fn
		g.order = append(g.order, name)
	}
	return g
}

// AddEdge adds an unconditional edge. AddEdge(START, x) sets the entry node.
func (g *Graph) AddEdge(from, to string) *Graph {
	if from == START {
		return g.SetEntry(to)
	}
	if _, dup := g.edges[from]; dup {
		g.errs = append(g.errs, fmt.Errorf("node %q already has an edge", from))
	}
	g.edges[from] = to
	return g
}

// AddConditionalEdges routes from through router, restricted to allowed targets.
func (g *Graph) AddConditionalEdges(from string, router Router, allowed ...string) *Graph {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	g.cond[from] = condEdge{router: router, allowed: set}
	return g
}

// SetEntry sets the first node.
func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

// AddReducer makes updates to key combine with the existing value instead of replacing it.
func (g *Graph) AddReducer(key string, r Reducer) *Graph {
	g.reducers[key] = r
	return g
}

// Compile validates the graph and freezes it.
func (g *Graph) Compile() (*Compiled, error) {
	errs := append([]error(nil), g.errs...)
	if g.entry == "" {
		errs = append(errs, errors.New("graph has no entry node"))
	} else if g.nodes[g.entry] == nil {
		errs = append(errs, fmt.Errorf("entry %q: %w", g.entry, ErrUnknownNode))
	}
	known := func(n string) bool { return n == END || g.nodes[n] != nil }
	for from, to := range g.edges {
		if g.nodes[from] == nil {
			errs = append(errs, fmt.Errorf("edge source %q: %w", from, ErrUnknownNode))
		}
		if !known(to) {
			errs = append(errs, fmt.Errorf("edge %s -> %s: %w", from, to, ErrUnknownNode))
		}
	}
	for from, ce := range g.cond {
		if g.nodes[from] == nil {
			errs = append(errs, fmt.Errorf("conditional source %q: %w", from, ErrUnknownNode))
		}
		if _, both := g.edges[from]; both {
			errs = append(errs, fmt.Errorf("node %q has both a plain and a conditional edge", from))
		}
		for to := range ce.allowed {
			if !known(to) {
				errs = append(errs, fmt.Errorf("conditional edge %s -> %s: %w", from, to, ErrUnknownNode))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}

	c := &Compiled{
		nodes:    make(map[string]NodeFunc, len(g.nodes)),
		order:    append([]string(nil), g.order...),
		edges:    make(map[string]string, len(g.edges)),
		cond:     make(map[string]condEdge, len(g.cond)),
		reducers: make(map[string]Reducer, len(g.reducers)),
		entry:    g.entry,
		maxSteps: defaultMaxSteps,
		limit:    4,
	}
	for k, v := range g.nodes {
		c.nodes[k] = v
	}
	for k, v := range g.edges {
		c.edges[k] = v
	}
	for k, v := range g.cond {
		c.cond[k] = v
	}
	for k, v := range g.reducers {
		c.reducers[k] = v
	}
	return c, nil
}

// AppendList appends update items to the existing list.
func AppendList(old, update any) any {
	prev, _ := old.([]any)
	next, ok := update.([]any)
	if !ok {
		return update
	}
	out := make([]any, 0, len(prev)+len(next))
	out = append(out, prev...)
	return append(out, next...)
}

// MergeMap merges update keys over the existing object.
func MergeMap(old, update any) any {
	prev, _ := old.(map[string]any)
	next, ok := update.(map[string]any)
	if !ok {
		return update
	}
	out := make(map[string]any, len(prev)+len(next))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range next {
		out[k] = v
	}
	return out
}
