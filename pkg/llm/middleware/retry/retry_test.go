package retry

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

func fastPolicy(attempts int) *Policy {
	return NewPolicy(Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}, nil)
}

func TestCalculateDelay(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, BackoffFactor: 2}, nil)
	assert.Equal(t, time.Duration(0), p.CalculateDelay(1))
	assert.Equal(t, 100*time.Millisecond, p.CalculateDelay(2))
	assert.Equal(t, 200*time.Millisecond, p.CalculateDelay(3))
	assert.Equal(t, time.Second, p.CalculateDelay(10))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	mock := mocks.NewMockLLMClient()
	mock.CompleteFunc = func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
		if mock.CallCount() < 3 {
			return llm.CompletionResponse{}, errors.New("503 service unavailable")
		}
		return llm.CompletionResponse{Content: "ok"}, nil
	}
	client := llm.Chain(mock, Middleware(fastPolicy(3)))

	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest("op", "", "x"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, mock.CallCount())
}

func TestRetryExhaustedReportsUnavailable(t *testing.T) {
	mock := mocks.NewMockLLMClient().FailCompleteWith(errors.New("429 rate limit"))
	client := llm.Chain(mock, Middleware(fastPolicy(2)))

	_, err := client.Complete(context.Background(), llm.NewCompletionRequest("op", "", "x"))
	require.Error(t, err)
	var typed *llm.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, llm.ErrorTypeUnavailable, typed.Type)
	assert.Equal(t, 2, typed.Attempts)
	assert.Equal(t, 2, mock.CallCount())
}

func TestRetrySkipsNonRetryable(t *testing.T) {
	mock := mocks.NewMockLLMClient().FailCompleteWith(errors.New("401 invalid api key"))
	client := llm.Chain(mock, Middleware(fastPolicy(4)))

	_, err := client.Complete(context.Background(), llm.NewCompletionRequest("op", "", "x"))
	require.Error(t, err)
	assert.Equal(t, 1, mock.CallCount())
	assert.Equal(t, llm.ErrorTypeAuth, llm.Classify(err))
}
