package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CompleteText runs req against client under an optional deadline and returns the
// trimmed content. Blank content is reported as ErrEmptyResponse.
func CompleteText(ctx context.Context, client LLMClient, req CompletionRequest, timeout time.Duration) (string, error) {
	if client == nil {
		return "", NewError(ErrorTypeUnavailable, ErrUnavailable)
	}
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := client.Complete(callCtx, req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return "", NewError(ErrorTypeTimeout, fmt.Errorf("%s exceeded %s: %w", req.Operation, timeout, err))
		}
		return "", err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", NewError(ErrorTypeEmptyResponse, ErrEmptyResponse)
	}
	return content, nil
}
