// Package persistence stores workflow session checkpoints.
//
// Store is the narrow contract the workflow engine consumes. SQLStore backs it with
// SQLite (modernc) or PostgreSQL (pgx), MemoryStore serves tests and one-shot CLI
// runs, and CachedStore puts an expiring LRU in front of either.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Session status constants.
const (
	StatusPending         = "pending"
	StatusRunning         = "running"
	StatusWaitingForInput = "waiting_for_input"
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
)

// IsTerminal reports whether status ends the workflow.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Session is one persisted workflow run.
type Session struct {
	SessionID        string         `json:"session_id"`
	UserID           string         `json:"user_id,omitempty"`
	Status           string         `json:"status"`
	CurrentNode      string         `json:"current_node,omitempty"`
	InterruptPayload any            `json:"interrupt_payload,omitempty"`
	State            map[string]any `json:"state"`
	Error            string         `json:"error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of s made through its JSON form.
func (s *Session) Clone() (*Session, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session %s: %w", s.SessionID, err)
	}
	var out Session
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", s.SessionID, err)
	}
	return &out, nil
}

// Store persists sessions keyed by session id.
type Store interface {
	// Get returns the session or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Session, error)
	// Put inserts or replaces the session.
	Put(ctx context.Context, s *Session) error
	// Update replaces an existing session and returns ErrSessionNotFound when it
	// has been deleted. The check and the write are atomic.
	Update(ctx context.Context, s *Session) error
	// Exists reports whether the session is present in the backing store. It never
	// answers from a cache.
	Exists(ctx context.Context, sessionID string) (bool, error)
	// Delete removes the session; deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error
	// List returns all sessions, most recently updated first.
	List(ctx context.Context) ([]*Session, error)
	// Purge deletes sessions last updated before cutoff and returns how many were removed.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// timeLayout is fixed width so text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
