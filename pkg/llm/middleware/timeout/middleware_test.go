package timeout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/mocks"
	"atelier/pkg/llm"
)

func TestTimeoutClassifiesDeadline(t *testing.T) {
	mock := mocks.NewMockLLMClient()
	mock.CompleteFunc = func(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		<-ctx.Done()
		return llm.CompletionResponse{}, ctx.Err()
	}
	client := llm.Chain(mock, Middleware(10*time.Millisecond))

	_, err := client.Complete(context.Background(), llm.NewCompletionRequest("op", "", "hi"))
	require.Error(t, err)
	assert.Equal(t, llm.ErrorTypeTimeout, llm.Classify(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimeoutPassesThroughFastCalls(t *testing.T) {
	mock := mocks.NewMockLLMClient().RespondWith("ok")
	client := llm.Chain(mock, Middleware(time.Second))

	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest("op", "", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}
