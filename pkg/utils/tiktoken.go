// Package utils provides token counting, identifier and type assertion helpers.
package utils

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts tokens in prompt and completion text.
type TokenCounter struct {
	codec tokenizer.Codec
}

//nolint:gochecknoglobals // shared codec, construction is expensive
var (
	defaultCounter     *TokenCounter
	defaultCounterOnce sync.Once
)

// NewTokenCounter creates a token counter. Every model is approximated with the
// cl100k encoding; Chinese prompts dominate here and it is close enough for budgeting.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		return estimateTokens(text)
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return estimateTokens(text)
	}
	return count
}

// CountTokensSimple counts tokens with a lazily created shared counter.
func CountTokensSimple(text string) int {
	defaultCounterOnce.Do(func() {
		counter, err := NewTokenCounter()
		if err == nil {
			defaultCounter = counter
		}
	})
	return defaultCounter.CountTokens(text)
}

// TruncateToTokenLimit cuts text so that it fits within limit tokens.
// It truncates on rune boundaries and appends an ellipsis.
func (tc *TokenCounter) TruncateToTokenLimit(text string, limit int) string {
	current := tc.CountTokens(text)
	if current <= limit {
		return text
	}
	runes := []rune(text)
	ratio := float64(limit) / float64(current)
	keep := int(float64(len(runes)) * ratio * 0.9)
	if keep >= len(runes) {
		return text
	}
	if keep < 0 {
		keep = 0
	}
	return string(runes[:keep]) + "..."
}

// estimateTokens falls back to roughly one token per CJK rune and four bytes per latin token.
func estimateTokens(text string) int {
	runes := utf8.RuneCountInString(text)
	if runes == len(text) {
		return len(text) / 4
	}
	return runes
}
