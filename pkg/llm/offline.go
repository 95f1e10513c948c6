package llm

import "context"

// Offline is a client with no backing model. Every call fails with ErrUnavailable,
// which sends every LLM-calling component down its rule-based fallback path.
type Offline struct{}

func (Offline) Complete(context.Context, CompletionRequest) (CompletionResponse, error) {
	return CompletionResponse{}, NewError(ErrorTypeUnavailable, ErrUnavailable)
}

func (Offline) GetModelName() string {
	return "offline"
}
