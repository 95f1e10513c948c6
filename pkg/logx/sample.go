package logx

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
)

// Sampler emits debug lines for a configured fraction of calls.
// A rate of 1 logs everything, 0 logs nothing.
type Sampler struct {
	logger *Logger
	domain string
	mu     sync.Mutex
	rate   float64
	draw   func() float64
}

// NewSampler creates a sampled debug logger. rate is clamped to [0,1].
func NewSampler(logger *Logger, domain string, rate float64) *Sampler {
	if rate < 0 {
		rate = 0
	}
	if rate > 1 {
		rate = 1
	}
	return &Sampler{logger: logger, domain: domain, rate: rate, draw: rand.Float64}
}

// Rate returns the sampling rate.
func (s *Sampler) Rate() float64 {
	return s.rate
}

// Debug logs when the draw falls under the rate and debug is enabled for the domain.
// It reports whether the line was sampled in.
func (s *Sampler) Debug(ctx context.Context, format string, args ...any) bool {
	s.mu.Lock()
	sampled := s.rate > 0 && s.draw() < s.rate
	s.mu.Unlock()
	if !sampled {
		return false
	}
	if !IsDebugEnabledForDomain(s.domain) {
		return true
	}
	s.logger.emit(LevelDebug, SessionIDFrom(ctx), s.domain, fmt.Sprintf(format, args...))
	return true
}
