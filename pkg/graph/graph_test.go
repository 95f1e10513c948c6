package graph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/pkg/proto"
)

func set(key string, v any) NodeFunc {
	return func(_ context.Context, _ Input) (Result, error) {
		return Update(map[string]any{key: v}), nil
	}
}

func TestCompileValidates(t *testing.T) {
	_, err := New().Compile()
	require.Error(t, err)

	_, err = New().AddNode("a", set("x", 1)).AddEdge(START, "a").AddEdge("a", "missing").Compile()
	require.ErrorIs(t, err, ErrUnknownNode)

	_, err = New().AddNode(END, set("x", 1)).AddNode("a", set("x", 1)).AddEdge(START, "a").Compile()
	require.Error(t, err)

	_, err = New().
		AddNode("a", set("x", 1)).
		AddEdge(START, "a").
		AddEdge("a", END).
		AddConditionalEdges("a", func(State) string { return END }, END).
		Compile()
	require.Error(t, err)
}

func TestInvokeFollowsEdges(t *testing.T) {
	c, err := New().
		AddNode("a", set("a", "done")).
		AddNode("b", set("b", 2)).
		AddEdge(START, "a").
		AddEdge("a", "b").
		AddEdge("b", END).
		Compile()
	require.NoError(t, err)

	out, err := c.Invoke(context.Background(), State{"input": "x"})
	require.NoError(t, err)
	assert.Equal(t, "done", out.String("a"))
	assert.Equal(t, 2, out.Int("b"))
	assert.Equal(t, "x", out.String("input"))
}

func TestConditionalRouting(t *testing.T) {
	build := func() *Compiled {
		c, err := New().
			AddNode("check", func(_ context.Context, in Input) (Result, error) {
				return Update(map[string]any{"big": in.State.Int("n") > 10}), nil
			}).
			AddNode("small", set("path", "small")).
			AddNode("large", set("path", "large")).
			AddEdge(START, "check").
			AddConditionalEdges("check", func(s State) string {
				if s.Bool("big") {
					return "large"
				}
				return "small"
			}, "small", "large").
			AddEdge("small", END).
			AddEdge("large", END).
			Compile()
		require.NoError(t, err)
		return c
	}

	out, err := build().Invoke(context.Background(), State{"n": 3})
	require.NoError(t, err)
	assert.Equal(t, "small", out.String("path"))

	out, err = build().Invoke(context.Background(), State{"n": 30})
	require.NoError(t, err)
	assert.Equal(t, "large", out.String("path"))
}

func TestRouterOutsideAllowedTargets(t *testing.T) {
	c, err := New().
		AddNode("a", set("x", 1)).
		AddNode("b", set("x", 2)).
		AddEdge(START, "a").
		AddConditionalEdges("a", func(State) string { return "nowhere" }, "b").
		AddEdge("b", END).
		Compile()
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), State{})
	require.ErrorIs(t, err, ErrNoRoute)
}

func TestExplicitGotoOverridesEdges(t *testing.T) {
	c, err := New().
		AddNode("a", func(context.Context, Input) (Result, error) {
			return Goto("c", map[string]any{"from": "a"}), nil
		}).
		AddNode("b", set("visited_b", true)).
		AddNode("c", set("visited_c", true)).
		AddEdge(START, "a").
		AddEdge("a", "b").
		AddEdge("b", END).
		AddEdge("c", END).
		Compile()
	require.NoError(t, err)

	out, err := c.Invoke(context.Background(), State{})
	require.NoError(t, err)
	assert.True(t, out.Bool("visited_c"))
	assert.False(t, out.Bool("visited_b"))

	bad, err := New().
		AddNode("a", func(context.Context, Input) (Result, error) { return Goto("ghost", nil), nil }).
		AddEdge(START, "a").
		AddEdge("a", END).
		Compile()
	require.NoError(t, err)
	_, err = bad.Invoke(context.Background(), State{})
	require.ErrorIs(t, err, ErrUnknownNode)
}

func TestReducers(t *testing.T) {
	c, err := New().
		AddNode("a", func(context.Context, Input) (Result, error) {
			return Update(map[string]any{
				proto.KeyProcessingLog: []any{"a"},
				proto.KeyAgentResults:  map[string]any{"role_a": "ra"},
			}), nil
		}).
		AddNode("b", func(context.Context, Input) (Result, error) {
			return Update(map[string]any{
				proto.KeyProcessingLog: []any{"b"},
				proto.KeyAgentResults:  map[string]any{"role_b": "rb"},
			}), nil
		}).
		AddEdge(START, "a").
		AddEdge("a", "b").
		AddEdge("b", END).
		AddReducer(proto.KeyProcessingLog, AppendList).
		AddReducer(proto.KeyAgentResults, MergeMap).
		Compile()
	require.NoError(t, err)

	out, err := c.Invoke(context.Background(), State{})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out.List(proto.KeyProcessingLog))
	assert.Equal(t, map[string]any{"role_a": "ra", "role_b": "rb"}, out.Map(proto.KeyAgentResults))
}

func TestPersistentFlagsSurviveNodes(t *testing.T) {
	c, err := New().
		AddNode("a", set("x", 1)).
		AddNode("b", func(context.Context, Input) (Result, error) {
			return Update(map[string]any{"y": 2}), nil
		}).
		AddEdge(START, "a").
		AddEdge("a", "b").
		AddEdge("b", END).
		Compile()
	require.NoError(t, err)

	out, err := c.Invoke(context.Background(), State{proto.FlagSkipUnifiedReview: true})
	require.NoError(t, err)
	assert.True(t, out.Bool(proto.FlagSkipUnifiedReview))
	assert.Equal(t, 2, out.Int("y"))
}

func TestFanoutMergesResultsAndErrors(t *testing.T) {
	c, err := New().
		AddNode("batch", func(context.Context, Input) (Result, error) {
			return Result{
				Command: Command{Update: map[string]any{"batch_done": true}},
				Fanout: &Fanout{
					Into: proto.KeyAgentResults,
					Branches: []Branch{
						{Key: "ok_1", Run: func(context.Context) (any, error) { return map[string]any{"v": 1}, nil }},
						{Key: "ok_2", Run: func(context.Context) (any, error) { return "two", nil }},
						{Key: "bad", Run: func(context.Context) (any, error) { return nil, errors.New("boom") }},
						{Key: "panicky", Run: func(context.Context) (any, error) { panic("kaboom") }},
					},
					Limit: 2,
				},
			}, nil
		}).
		AddEdge(START, "batch").
		AddEdge("batch", END).
		Compile()
	require.NoError(t, err)

	out, err := c.Invoke(context.Background(), State{
		proto.KeyAgentResults: map[string]any{"earlier": "kept"},
	})
	require.NoError(t, err)

	results := out.Map(proto.KeyAgentResults)
	assert.Equal(t, "kept", results["earlier"])
	assert.Equal(t, map[string]any{"v": float64(1)}, results["ok_1"])
	assert.Equal(t, "two", results["ok_2"])
	assert.NotContains(t, results, "bad")

	errs := out.Map(proto.KeyBatchErrors)
	assert.Equal(t, "boom", errs["bad"])
	assert.Contains(t, errs["panicky"], "kaboom")
	assert.True(t, out.Bool("batch_done"))
}

func TestFanoutHonoursCancellation(t *testing.T) {
	c, err := New().
		AddNode("batch", func(context.Context, Input) (Result, error) {
			return Result{Fanout: &Fanout{
				Into: "out",
				Branches: []Branch{{Key: "k", Run: func(ctx context.Context) (any, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				}}},
			}}, nil
		}).
		AddEdge(START, "batch").
		AddEdge("batch", END).
		Compile()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Invoke(ctx, State{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestInvokeRejectsInterrupt(t *testing.T) {
	c, err := New().
		AddNode("ask", func(context.Context, Input) (Result, error) { return Suspend("q", nil), nil }).
		AddEdge(START, "ask").
		AddEdge("ask", END).
		Compile()
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), State{})
	require.ErrorIs(t, err, ErrInterruptInSubgraph)
}

func TestStepBudget(t *testing.T) {
	c, err := New().
		AddNode("loop", set("x", 1)).
		AddEdge(START, "loop").
		AddEdge("loop", "loop").
		Compile()
	require.NoError(t, err)

	_, err = c.WithMaxSteps(5).Invoke(context.Background(), State{})
	require.ErrorIs(t, err, ErrStepBudget)
}

func TestStateAccessors(t *testing.T) {
	s, err := NewState(map[string]any{
		"n":     7,
		"f":     1.5,
		"tasks": []proto.Task{{ID: "t1", Title: "Title"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 7, s.Int("n"))
	assert.InDelta(t, 1.5, s.Float("f"), 1e-9)
	assert.Equal(t, "", s.String("missing"))

	tasks, ok := Decode[[]proto.Task](s, "tasks")
	require.True(t, ok)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)

	_, ok = Decode[[]proto.Task](s, "missing")
	assert.False(t, ok)

	clone := s.Clone()
	clone["n"] = float64(8)
	assert.Equal(t, 7, s.Int("n"))
}
