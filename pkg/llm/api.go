// Package llm defines the narrow LLM client interface the workflow consumes and the
// middleware chain used to decorate it. Vendor adapters live outside this module.
package llm

import (
	"context"
	"strings"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// DefaultMaxTokens bounds completions unless a caller asks otherwise.
	DefaultMaxTokens = 4096

	// TemperatureDefault is used for analysis and question generation.
	TemperatureDefault = 0.3

	// TemperatureCreative is used for poetic interpretation and dimension generation.
	TemperatureCreative = 0.7
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Role    CompletionRole `json:"role"`
	Content string         `json:"content"`
}

// ToolCall represents a tool call made by the model (e.g. a search tool).
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
	// Operation labels the call for metrics and logs, e.g. "analyst.phase1".
	Operation string
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	ToolCalls []ToolCall
	Content   string
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // established name across callers
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model name for this LLM client.
	GetModelName() string
}

// NewCompletionRequest builds a system+user request with default values.
func NewCompletionRequest(operation, system, user string) CompletionRequest {
	msgs := make([]CompletionMessage, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, NewSystemMessage(system))
	}
	msgs = append(msgs, NewUserMessage(user))
	return CompletionRequest{
		Messages:    msgs,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
		Operation:   operation,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// PromptText concatenates all message contents; used for token accounting.
func (r CompletionRequest) PromptText() string {
	var b strings.Builder
	for i := range r.Messages {
		b.WriteString(r.Messages[i].Content)
		b.WriteByte('\n')
	}
	return b.String()
}
