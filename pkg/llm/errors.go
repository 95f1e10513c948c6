package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType categorizes LLM failures for retry decisions and metrics.
type ErrorType int8

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeTimeout
	ErrorTypeRateLimit
	ErrorTypeTransient
	ErrorTypeEmptyResponse
	ErrorTypeAuth
	ErrorTypeBadResponse
	ErrorTypeUnavailable
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadResponse:
		return "bad_response"
	case ErrorTypeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Retryable reports whether errors of this type may succeed on a later attempt.
func (et ErrorType) Retryable() bool {
	switch et {
	case ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse:
		return true
	default:
		return false
	}
}

var (
	// ErrEmptyResponse is returned when the model answers with no content.
	ErrEmptyResponse = errors.New("llm returned empty response")
	// ErrUnavailable is returned by clients that cannot reach any model.
	ErrUnavailable = errors.New("llm unavailable")
)

// Error is a classified LLM failure.
type Error struct {
	Err  error
	Type ErrorType
	// Attempts is set once retries are exhausted.
	Attempts int
}

func (e *Error) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("llm %s after %d attempts: %v", e.Type, e.Attempts, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Type, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with an explicit type.
func NewError(t ErrorType, err error) *Error {
	return &Error{Type: t, Err: err}
}

// Classify determines the ErrorType of err. Typed errors keep their type; other
// errors are classified by sentinel and message patterns.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Type
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	case errors.Is(err, ErrEmptyResponse):
		return ErrorTypeEmptyResponse
	case errors.Is(err, ErrUnavailable):
		return ErrorTypeUnavailable
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		return ErrorTypeRateLimit
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "api key"):
		return ErrorTypeAuth
	case strings.Contains(msg, "timeout"):
		return ErrorTypeTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") || strings.Contains(msg, "connection") || strings.Contains(msg, "eof") ||
		strings.Contains(msg, "temporary"):
		return ErrorTypeTransient
	}
	return ErrorTypeUnknown
}
