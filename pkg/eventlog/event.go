// Package eventlog journals workflow events to daily rotated JSONL files and,
// optionally, to a Kafka topic.
package eventlog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"atelier/pkg/logx"
)

// Kind classifies a workflow event.
type Kind string

const (
	KindSessionStarted Kind = "session_started"
	KindNodeStarted    Kind = "node_started"
	KindNodeFinished   Kind = "node_finished"
	KindInterrupted    Kind = "interrupted"
	KindResumed        Kind = "resumed"
	KindCompleted      Kind = "completed"
	KindFailed         Kind = "failed"
	KindCancelled      Kind = "cancelled"
)

// Event is one journal record.
type Event struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	SessionID  string         `json:"session_id"`
	Kind       Kind           `json:"kind"`
	Node       string         `json:"node,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Journal stamps events and forwards them to every sink. Sink failures are logged
// and never interrupt the workflow.
type Journal struct {
	sinks  []Sink
	logger *logx.Logger
}

// NewJournal creates a journal over sinks; with no sinks it only stamps events.
func NewJournal(sinks ...Sink) *Journal {
	return &Journal{sinks: sinks, logger: logx.NewLogger("eventlog")}
}

// Observe records e.
func (j *Journal) Observe(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for _, s := range j.sinks {
		if err := s.Publish(ctx, e); err != nil {
			j.logger.WarnCtx(ctx, "event %s for %s not journaled: %v", e.Kind, e.SessionID, err)
		}
	}
}

// Close closes every sink and returns the first error.
func (j *Journal) Close() error {
	var first error
	for _, s := range j.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
