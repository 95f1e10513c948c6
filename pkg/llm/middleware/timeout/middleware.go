// Package timeout provides per-request timeout middleware for LLM clients.
package timeout

import (
	"context"
	"errors"
	"time"

	"atelier/pkg/llm"
)

// Middleware gives every request its own deadline. A deadline hit inside the
// wrapped call is reported as an ErrorTypeTimeout error; a zero duration disables it.
func Middleware(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if duration <= 0 {
					return next.Complete(ctx, req)
				}
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()

				resp, err := next.Complete(timeoutCtx, req)
				if err != nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					return resp, llm.NewError(llm.ErrorTypeTimeout, err)
				}
				return resp, err //nolint:wrapcheck // middleware passes errors through unchanged
			},
			next.GetModelName,
		)
	}
}
