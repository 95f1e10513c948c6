package graph

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"atelier/pkg/flags"
	"atelier/pkg/proto"
)

// Compiled is an immutable, validated graph.
type Compiled struct {
	nodes    map[string]NodeFunc
	order    []string
	edges    map[string]string
	cond     map[string]condEdge
	reducers map[string]Reducer
	entry    string
	maxSteps int
	limit    int
}

// Entry returns the first node.
func (c *Compiled) Entry() string { return c.entry }

// Nodes returns node names in registration order.
func (c *Compiled) Nodes() []string { return append([]string(nil), c.order...) }

// HasNode reports whether name is a node of the graph.
func (c *Compiled) HasNode(name string) bool { return c.nodes[name] != nil }

// WithBatchLimit returns a copy whose fan-outs run at most n branches at once.
func (c *Compiled) WithBatchLimit(n int) *Compiled {
	cp := *c
	if n > 0 {
		cp.limit = n
	}
	return &cp
}

// WithMaxSteps returns a copy with a different step budget.
func (c *Compiled) WithMaxSteps(n int) *Compiled {
	cp := *c
	if n > 0 {
		cp.maxSteps = n
	}
	return &cp
}

// stepOutcome is the result of running one node against a state.
type stepOutcome struct {
	merged    State
	next      string
	interrupt *Interrupt
	payload   any
}

// step runs node with in and computes the merged state and the next node.
func (c *Compiled) step(ctx context.Context, node string, in Input) (stepOutcome, error) {
	fn := c.nodes[node]
	if fn == nil {
		return stepOutcome{}, fmt.Errorf("%q: %w", node, ErrUnknownNode)
	}
	res, err := fn(ctx, in)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("node %s: %w", node, err)
	}

	if res.Interrupt != nil {
		merged, err := c.merge(in.State, res.Interrupt.Update)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("node %s: %w", node, err)
		}
		payload, err := Normalize(res.Interrupt.Payload)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("node %s interrupt payload: %w", node, err)
		}
		return stepOutcome{merged: merged, next: node, interrupt: res.Interrupt, payload: payload}, nil
	}

	update := res.Update
	if res.Fanout != nil {
		update, err = c.runFanout(ctx, in.State, update, res.Fanout)
		if err != nil {
			return stepOutcome{}, fmt.Errorf("node %s: %w", node, err)
		}
	}
	merged, err := c.merge(in.State, update)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("node %s: %w", node, err)
	}
	next, err := c.route(node, res.Goto, merged)
	if err != nil {
		return stepOutcome{}, err
	}
	return stepOutcome{merged: merged, next: next}, nil
}

// merge applies flag preservation, normalization and reducers over a copy of s.
func (c *Compiled) merge(s State, update map[string]any) (State, error) {
	out := make(State, len(s)+len(update))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range flags.Preserve(s, update) {
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("update key %q: %w", k, err)
		}
		if r := c.reducers[k]; r != nil {
			n = r(out[k], n)
		}
		out[k] = n
	}
	return out, nil
}

func (c *Compiled) route(node, explicit string, s State) (string, error) {
	if explicit != "" {
		if explicit != END && c.nodes[explicit] == nil {
			return "", fmt.Errorf("node %s goto %q: %w", node, explicit, ErrUnknownNode)
		}
		return explicit, nil
	}
	if ce, ok := c.cond[node]; ok {
		target := ce.router(s)
		if !ce.allowed[target] {
			return "", fmt.Errorf("node %s routed to %q outside its allowed targets: %w", node, target, ErrNoRoute)
		}
		return target, nil
	}
	if to, ok := c.edges[node]; ok {
		return to, nil
	}
	return "", fmt.Errorf("node %s: %w", node, ErrNoRoute)
}

// runFanout executes every branch with bounded concurrency and folds the results
// into update. A failing or panicking branch is recorded under batch_errors.
func (c *Compiled) runFanout(ctx context.Context, s State, update map[string]any, f *Fanout) (map[string]any, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = c.limit
	}

	var (
		mu      sync.Mutex
		results = make(map[string]any, len(f.Branches))
		failed  = make(map[string]any)
	)
	var g errgroup.Group
	g.SetLimit(limit)
	for _, b := range f.Branches {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					failed[b.Key] = fmt.Sprintf("panic: %v", r)
					mu.Unlock()
				}
			}()
			v, runErr := b.Run(ctx)
			mu.Lock()
			defer mu.Unlock()
			if runErr != nil {
				failed[b.Key] = runErr.Error()
				return nil
			}
			results[b.Key] = v
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("fan-out aborted: %w", err)
	}

	out := make(map[string]any, len(update)+2)
	for k, v := range update {
		out[k] = v
	}
	merged := make(map[string]any, len(results))
	if prev, ok := s[f.Into].(map[string]any); ok {
		for k, v := range prev {
			merged[k] = v
		}
	}
	if extra, ok := out[f.Into].(map[string]any); ok {
		for k, v := range extra {
			merged[k] = v
		}
	}
	for k, v := range results {
		merged[k] = v
	}
	out[f.Into] = merged

	if len(failed) > 0 {
		errs := make(map[string]any, len(failed))
		if prev, ok := s[proto.KeyBatchErrors].(map[string]any); ok {
			for k, v := range prev {
				errs[k] = v
			}
		}
		for k, v := range failed {
			errs[k] = v
		}
		out[proto.KeyBatchErrors] = errs
	}
	return out, nil
}

// Invoke runs the graph inline from its entry to END and returns the final state.
// It is used for subgraphs embedded in a node; nodes of an inline graph must not interrupt.
func (c *Compiled) Invoke(ctx context.Context, s State) (State, error) {
	state := s
	if state == nil {
		state = State{}
	}
	node := c.entry
	for steps := 0; node != END; steps++ {
		if steps >= c.maxSteps {
			return state, ErrStepBudget
		}
		if err := ctx.Err(); err != nil {
			return state, fmt.Errorf("subgraph cancelled at %s: %w", node, err)
		}
		out, err := c.step(ctx, node, Input{State: state})
		if err != nil {
			return state, err
		}
		if out.interrupt != nil {
			return state, fmt.Errorf("node %s: %w", node, ErrInterruptInSubgraph)
		}
		state = out.merged
		node = out.next
	}
	return state, nil
}
