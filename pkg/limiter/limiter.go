// Package limiter provides token-per-minute and concurrency limits for LLM calls.
//
// The expert batch fans out several branches at once, each issuing one or two
// completions. Limiter keeps that burst inside the provider quota: a token
// bucket refilled once per minute and a cap on in-flight requests.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"atelier/pkg/llm"
	"atelier/pkg/utils"
)

// ErrRateLimit is returned when a request needs more tokens than the bucket holds.
var ErrRateLimit = errors.New("rate limit exceeded")

// Config bounds one model. Zero values disable the corresponding limit.
type Config struct {
	MaxTokensPerMinute int
	MaxConcurrent      int
}

// Limiter enforces Config for every request passing through Middleware.
type Limiter struct {
	mu            sync.Mutex
	maxTPM        int
	currentTokens int
	lastRefill    time.Time
	now           func() time.Time

	slots *semaphore.Weighted
}

// New creates a limiter that starts with a full bucket.
func New(cfg Config) *Limiter {
	l := &Limiter{
		maxTPM:        cfg.MaxTokensPerMinute,
		currentTokens: cfg.MaxTokensPerMinute,
		now:           time.Now,
	}
	l.lastRefill = l.now()
	if cfg.MaxConcurrent > 0 {
		l.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	return l
}

// Reserve takes tokens from the bucket.
func (l *Limiter) Reserve(tokens int) error {
	if l.maxTPM <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillTokens()
	if tokens > l.currentTokens {
		return fmt.Errorf("%w: need %d tokens, %d left this minute", ErrRateLimit, tokens, l.currentTokens)
	}
	l.currentTokens -= tokens
	return nil
}

// Acquire waits for an in-flight slot. The returned release must be called once.
func (l *Limiter) Acquire(ctx context.Context) (release func(), err error) {
	if l.slots == nil {
		return func() {}, nil
	}
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for llm slot: %w", err)
	}
	var once sync.Once
	return func() { once.Do(func() { l.slots.Release(1) }) }, nil
}

// Available returns the tokens left in the current minute.
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillTokens()
	return l.currentTokens
}

func (l *Limiter) refillTokens() {
	elapsed := l.now().Sub(l.lastRefill)
	if elapsed < time.Minute {
		return
	}
	minutes := int(elapsed / time.Minute)
	l.currentTokens += minutes * l.maxTPM
	if l.currentTokens > l.maxTPM {
		l.currentTokens = l.maxTPM
	}
	// Advance to the last complete minute.
	l.lastRefill = l.lastRefill.Add(time.Duration(minutes) * time.Minute)
}

// Middleware applies the limiter to every completion. A request over the
// token budget fails with a rate_limit error, which the retry middleware
// placed outside it backs off on.
func Middleware(l *Limiter) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				release, err := l.Acquire(ctx)
				if err != nil {
					return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeTimeout, err)
				}
				defer release()

				if err := l.Reserve(estimateTokens(req)); err != nil {
					return llm.CompletionResponse{}, llm.NewError(llm.ErrorTypeRateLimit, err)
				}
				return next.Complete(ctx, req) //nolint:wrapcheck // middleware passes errors through unchanged
			},
			next.GetModelName,
		)
	}
}

func estimateTokens(req llm.CompletionRequest) int {
	n := utils.CountTokensSimple(req.PromptText())
	if req.MaxTokens > 0 {
		n += req.MaxTokens
	}
	return n
}
