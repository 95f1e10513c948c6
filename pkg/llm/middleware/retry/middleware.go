package retry

import (
	"context"
	"fmt"
	"time"

	"atelier/pkg/llm"
	"atelier/pkg/logx"
)

// Middleware retries failed requests according to policy with exponential backoff.
// Exhausting retries on a retryable error yields an ErrorTypeUnavailable error.
func Middleware(policy *Policy) llm.Middleware {
	logger := logx.NewLogger("llm-retry")
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var lastErr error
				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					if attempt > 1 {
						if delay := policy.CalculateDelay(attempt); delay > 0 {
							select {
							case <-ctx.Done():
								return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
							case <-time.After(delay):
							}
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err
					if !policy.ShouldRetry(err) || attempt >= policy.Config.MaxAttempts {
						break
					}
					logger.WarnCtx(ctx, "%s attempt %d/%d failed: %v", req.Operation, attempt, policy.Config.MaxAttempts, err)
				}

				if policy.ShouldRetry(lastErr) {
					return llm.CompletionResponse{}, &llm.Error{
						Type:     llm.ErrorTypeUnavailable,
						Err:      lastErr,
						Attempts: policy.Config.MaxAttempts,
					}
				}
				return llm.CompletionResponse{}, lastErr
			},
			next.GetModelName,
		)
	}
}
