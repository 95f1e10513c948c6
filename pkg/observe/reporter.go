// Package observe carries the error reporter, timeout and slow-operation monitors,
// the in-process metrics collector and the Prometheus recorder.
package observe

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"atelier/pkg/logx"
)

// Severity of a reported error.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// ErrorRecord is the structured form of a reported failure.
type ErrorRecord struct {
	ID        string         `json:"id"`
	Timestamp string         `json:"timestamp"`
	Severity  Severity       `json:"severity"`
	Context   string         `json:"context"`
	ErrorType string         `json:"error_type"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Reporter turns errors into ErrorRecords, logs them and keeps the most recent ones.
type Reporter struct {
	logger  *logx.Logger
	mu      sync.Mutex
	records []ErrorRecord
	limit   int
}

// NewReporter keeps at most limit records (100 when limit <= 0).
func NewReporter(limit int) *Reporter {
	if limit <= 0 {
		limit = 100
	}
	return &Reporter{logger: logx.NewLogger("error-reporter"), limit: limit}
}

type userKey struct{}

// WithUserID tags ctx with the owning user for error records.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func userIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(userKey{}).(string); ok {
		return id
	}
	return ""
}

// Report records err under where. Warnings and infos are logged at WARN, the rest at ERROR.
func (r *Reporter) Report(ctx context.Context, severity Severity, where string, err error, extra map[string]any) ErrorRecord {
	rec := ErrorRecord{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Severity:  severity,
		Context:   where,
		ErrorType: errorType(err),
		SessionID: logx.SessionIDFrom(ctx),
		UserID:    userIDFrom(ctx),
		Extra:     extra,
	}
	if err != nil {
		rec.Message = logx.Sanitize(err.Error())
	}
	if severity == SeverityError || severity == SeverityCritical {
		rec.Stack = stack(3)
	}

	r.mu.Lock()
	r.records = append(r.records, rec)
	if len(r.records) > r.limit {
		r.records = r.records[len(r.records)-r.limit:]
	}
	r.mu.Unlock()

	switch severity {
	case SeverityInfo, SeverityWarning:
		r.logger.WarnCtx(ctx, "%s: %s (%s)", where, rec.Message, rec.ErrorType)
	default:
		r.logger.ErrorCtx(ctx, "%s: %s (%s)", where, rec.Message, rec.ErrorType)
	}
	return rec
}

// Recent returns a copy of the retained records, oldest first.
func (r *Reporter) Recent() []ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ErrorRecord, len(r.records))
	copy(out, r.records)
	return out
}

// errorType names the innermost wrapped error's concrete type.
func errorType(err error) string {
	if err == nil {
		return ""
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}

func stack(skip int) string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}
