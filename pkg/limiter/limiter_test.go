package limiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/mocks"
	"atelier/pkg/llm"
)

func withClock(l *Limiter, start time.Time) *time.Time {
	now := start
	l.now = func() time.Time { return now }
	l.lastRefill = now
	return &now
}

func TestReserveRefillsPerMinute(t *testing.T) {
	l := New(Config{MaxTokensPerMinute: 100})
	now := withClock(l, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, l.Reserve(60))
	err := l.Reserve(60)
	require.ErrorIs(t, err, ErrRateLimit)
	assert.Equal(t, 40, l.Available())

	*now = now.Add(59 * time.Second)
	assert.Equal(t, 40, l.Available())

	*now = now.Add(2 * time.Second)
	assert.Equal(t, 100, l.Available(), "refill is capped at the bucket size")
	require.NoError(t, l.Reserve(60))
}

func TestZeroConfigDisablesLimits(t *testing.T) {
	l := New(Config{})
	require.NoError(t, l.Reserve(1_000_000))
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	l := New(Config{MaxConcurrent: 1})
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	require.Error(t, err)

	release()
	release()
	again, err := l.Acquire(context.Background())
	require.NoError(t, err)
	again()
}

func TestMiddlewareClassifiesRateLimit(t *testing.T) {
	base := mocks.NewMockLLMClient()
	client := llm.Chain(base, Middleware(New(Config{MaxTokensPerMinute: 5})))

	req := llm.NewCompletionRequest("expert.V2-1", "", "请为这个一居室给出完整的设计策略和材料建议")
	req.MaxTokens = 100
	_, err := client.Complete(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, llm.ErrorTypeRateLimit, llm.Classify(err))
	assert.True(t, errors.Is(err, ErrRateLimit))
	assert.Empty(t, base.CallsFor("expert.V2-1"))
}

func TestMiddlewarePassesWithinBudget(t *testing.T) {
	base := mocks.NewMockLLMClient().OnOperation("analyst.phase1", `{"ok": true}`)
	client := llm.Chain(base, Middleware(New(Config{MaxTokensPerMinute: 10_000, MaxConcurrent: 2})))

	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest("analyst.phase1", "", "brief"))
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, resp.Content)
	assert.Len(t, base.CallsFor("analyst.phase1"), 1)
}
