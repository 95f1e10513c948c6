package mocks

import (
	"context"
	"strings"
	"sync"

	"atelier/pkg/llm"
)

type rule struct {
	match   func(req llm.CompletionRequest) bool
	content string
	err     error
}

// MockLLMClient implements llm.LLMClient for testing.
// Scripted rules are checked in registration order; when none matches, CompleteFunc runs.
//
//nolint:govet // fieldalignment: mock struct layout optimized for readability
type MockLLMClient struct {
	// CompleteFunc is called when no rule matches. Override to customize behavior.
	CompleteFunc func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error)

	// CompleteCalls tracks all calls to Complete for verification.
	CompleteCalls []llm.CompletionRequest

	rules     []rule
	modelName string

	// mu protects call tracking and rules
	mu sync.Mutex
}

// NewMockLLMClient creates a new mock LLM client that answers "Mock response".
func NewMockLLMClient() *MockLLMClient {
	m := &MockLLMClient{modelName: "mock-model"}
	m.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: "Mock response"}, nil
	}
	return m
}

// Complete implements llm.LLMClient.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	m.mu.Lock()
	m.CompleteCalls = append(m.CompleteCalls, req)
	rules := m.rules
	fn := m.CompleteFunc
	m.mu.Unlock()

	for _, r := range rules {
		if r.match(req) {
			if r.err != nil {
				return llm.CompletionResponse{}, r.err
			}
			return llm.CompletionResponse{Content: r.content}, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return llm.CompletionResponse{}, err //nolint:wrapcheck // mirrors a real client
	}
	return fn(ctx, req)
}

// GetModelName implements llm.LLMClient.
func (m *MockLLMClient) GetModelName() string {
	return m.modelName
}

// SetModelName sets the model name returned by GetModelName.
func (m *MockLLMClient) SetModelName(name string) *MockLLMClient {
	m.modelName = name
	return m
}

// --- Scripting ---

// OnOperation answers requests labeled op with content.
func (m *MockLLMClient) OnOperation(op, content string) *MockLLMClient {
	return m.addRule(rule{match: func(r llm.CompletionRequest) bool { return r.Operation == op }, content: content})
}

// FailOperation fails requests labeled op with err.
func (m *MockLLMClient) FailOperation(op string, err error) *MockLLMClient {
	return m.addRule(rule{match: func(r llm.CompletionRequest) bool { return r.Operation == op }, err: err})
}

// OnContains answers requests whose prompt contains substr with content.
func (m *MockLLMClient) OnContains(substr, content string) *MockLLMClient {
	return m.addRule(rule{match: func(r llm.CompletionRequest) bool { return strings.Contains(r.PromptText(), substr) }, content: content})
}

func (m *MockLLMClient) addRule(r rule) *MockLLMClient {
	m.mu.Lock()
	m.rules = append(m.rules, r)
	m.mu.Unlock()
	return m
}

// RespondWith configures Complete to return the specified content.
func (m *MockLLMClient) RespondWith(content string) *MockLLMClient {
	m.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{Content: content}, nil
	}
	return m
}

// FailCompleteWith configures Complete to return the specified error.
func (m *MockLLMClient) FailCompleteWith(err error) *MockLLMClient {
	m.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		return llm.CompletionResponse{}, err
	}
	return m
}

// RespondWithSequence returns responses in order, repeating the last one.
func (m *MockLLMClient) RespondWithSequence(responses []llm.CompletionResponse) *MockLLMClient {
	var idx int
	var mu sync.Mutex
	m.CompleteFunc = func(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		mu.Lock()
		defer mu.Unlock()
		if idx < len(responses) {
			resp := responses[idx]
			idx++
			return resp, nil
		}
		return responses[len(responses)-1], nil
	}
	return m
}

// --- Inspection ---

// CallCount returns the number of Complete calls so far.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.CompleteCalls)
}

// CallsFor returns the recorded requests labeled op.
func (m *MockLLMClient) CallsFor(op string) []llm.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []llm.CompletionRequest
	for _, c := range m.CompleteCalls {
		if c.Operation == op {
			out = append(out, c)
		}
	}
	return out
}
