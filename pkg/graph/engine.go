package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"atelier/pkg/eventlog"
	"atelier/pkg/logx"
	"atelier/pkg/observe"
	"atelier/pkg/persistence"
	"atelier/pkg/proto"
)

var (
	// ErrConcurrentResume is returned when a session is already being executed.
	ErrConcurrentResume = errors.New("session is already running")
	// ErrNoPendingInterrupt is returned when Resume targets a session not waiting for input.
	ErrNoPendingInterrupt = errors.New("session has no pending interrupt")
	// ErrSessionCancelled is returned when the session key disappeared mid-run.
	ErrSessionCancelled = errors.New("session cancelled")
	// ErrSessionExists is returned when Start reuses an existing session id.
	ErrSessionExists = errors.New("session already exists")
)

// Observer receives workflow events.
type Observer interface {
	Observe(ctx context.Context, e eventlog.Event)
}

type nopObserver struct{}

func (nopObserver) Observe(context.Context, eventlog.Event) {}

// Outcome is what Start and Resume return once the workflow stops moving.
type Outcome struct {
	SessionID   string
	Status      string
	CurrentNode string
	Interrupt   any
	State       State
	Error       string
}

// Engine executes a compiled graph against a session store.
type Engine struct {
	graph     *Compiled
	store     persistence.Store
	observer  Observer
	monitor   *observe.Monitor
	recorder  observe.Recorder
	collector *observe.Collector
	reporter  *observe.Reporter
	logger    *logx.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

func WithObserver(o Observer) Option            { return func(e *Engine) { e.observer = o } }
func WithMonitor(m *observe.Monitor) Option     { return func(e *Engine) { e.monitor = m } }
func WithRecorder(r observe.Recorder) Option    { return func(e *Engine) { e.recorder = r } }
func WithCollector(c *observe.Collector) Option { return func(e *Engine) { e.collector = c } }
func WithReporter(r *observe.Reporter) Option   { return func(e *Engine) { e.reporter = r } }

// NewEngine creates an engine for g persisting into store.
func NewEngine(g *Compiled, store persistence.Store, opts ...Option) *Engine {
	e := &Engine{
		graph:    g,
		store:    store,
		observer: nopObserver{},
		recorder: observe.Nop(),
		reporter: observe.NewReporter(0),
		logger:   logx.NewLogger("engine"),
		running:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.monitor == nil {
		e.monitor = observe.NewMonitor(e.collector, observe.WithRecorder(e.recorder))
	}
	return e
}

// StartOptions identify a new session.
type StartOptions struct {
	SessionID string
	UserID    string
}

// Start creates a session with initial state and runs it until it interrupts or terminates.
func (e *Engine) Start(ctx context.Context, initial map[string]any, opts StartOptions) (*Outcome, error) {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	state, err := NewState(initial)
	if err != nil {
		return nil, fmt.Errorf("invalid initial state: %w", err)
	}

	runCtx, release, err := e.acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, err := e.get(runCtx, id); err == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrSessionExists)
	} else if !errors.Is(err, persistence.ErrSessionNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sess := &persistence.Session{
		SessionID:   id,
		UserID:      opts.UserID,
		Status:      persistence.StatusRunning,
		CurrentNode: e.graph.entry,
		State:       state,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.put(runCtx, sess); err != nil {
		return nil, err
	}
	e.recorder.IncSession(persistence.StatusRunning)
	e.emit(runCtx, eventlog.Event{SessionID: id, Kind: eventlog.KindSessionStarted, Node: e.graph.entry})
	return e.run(ctx, runCtx, sess, e.graph.entry, Input{State: state, SessionID: id})
}

// Resume re-enters the interrupted node of sessionID with response.
func (e *Engine) Resume(ctx context.Context, sessionID string, response any) (*Outcome, error) {
	runCtx, release, err := e.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	sess, err := e.get(runCtx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != persistence.StatusWaitingForInput {
		return nil, fmt.Errorf("%s is %s: %w", sessionID, sess.Status, ErrNoPendingInterrupt)
	}
	resp, err := Normalize(response)
	if err != nil {
		return nil, fmt.Errorf("invalid resume payload: %w", err)
	}

	node := sess.CurrentNode
	sess.Status = persistence.StatusRunning
	sess.InterruptPayload = nil
	e.emit(runCtx, eventlog.Event{SessionID: sessionID, Kind: eventlog.KindResumed, Node: node})
	return e.run(ctx, runCtx, sess, node, Input{State: State(sess.State), SessionID: sessionID, Resume: resp, Resumed: true})
}

// Cancel deletes the session key and stops a running execution at its next yield point.
func (e *Engine) Cancel(ctx context.Context, sessionID string) error {
	if err := e.monitor.Slow(ctx, observe.KindStore, "store.delete", func(ctx context.Context) error {
		return e.store.Delete(ctx, sessionID)
	}); err != nil {
		return fmt.Errorf("failed to cancel %s: %w", sessionID, err)
	}
	e.mu.Lock()
	cancel := e.running[sessionID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.emit(ctx, eventlog.Event{SessionID: sessionID, Kind: eventlog.KindCancelled})
	return nil
}

// Session returns the stored session.
func (e *Engine) Session(ctx context.Context, sessionID string) (*persistence.Session, error) {
	return e.get(ctx, sessionID)
}

func (e *Engine) acquire(ctx context.Context, id string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[id]; busy {
		return nil, nil, fmt.Errorf("%s: %w", id, ErrConcurrentResume)
	}
	runCtx, cancel := context.WithCancel(logx.WithSessionID(ctx, id))
	e.running[id] = cancel
	return runCtx, func() {
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
		cancel()
	}, nil
}

func (e *Engine) run(parent, ctx context.Context, sess *persistence.Session, node string, in Input) (*Outcome, error) {
	for steps := 0; ; steps++ {
		if node == END {
			return e.complete(ctx, sess)
		}
		if steps >= e.graph.maxSteps {
			return e.fail(ctx, sess, node, ErrStepBudget)
		}
		if cancelled := e.cancelled(parent, ctx, sess.SessionID); cancelled != nil {
			return nil, cancelled
		}

		e.emit(ctx, eventlog.Event{SessionID: sess.SessionID, Kind: eventlog.KindNodeStarted, Node: node})
		start := time.Now()
		out, err := e.graph.step(ctx, node, in)
		elapsed := time.Since(start)

		if cancelled := e.cancelled(parent, ctx, sess.SessionID); cancelled != nil {
			return nil, cancelled
		}
		if err != nil {
			e.observeNode(node, "error", elapsed)
			return e.fail(ctx, sess, node, err)
		}

		sess.State = out.merged
		sess.UpdatedAt = time.Now().UTC()
		if out.interrupt != nil {
			e.observeNode(node, "interrupt", elapsed)
			sess.Status = persistence.StatusWaitingForInput
			sess.CurrentNode = node
			sess.InterruptPayload = out.payload
			if err := e.checkpoint(ctx, sess); err != nil {
				return nil, err
			}
			e.recorder.IncSession(persistence.StatusWaitingForInput)
			e.emit(ctx, eventlog.Event{
				SessionID: sess.SessionID, Kind: eventlog.KindInterrupted, Node: node,
				DurationMs: elapsed.Milliseconds(), Data: map[string]any{"interaction_type": interactionType(out.payload)},
			})
			e.logger.InfoCtx(ctx, "⏸️ %s waiting for input at %s", sess.SessionID, node)
			return e.outcome(sess), nil
		}

		e.observeNode(node, "ok", elapsed)
		sess.Status = persistence.StatusRunning
		sess.CurrentNode = out.next
		if err := e.checkpoint(ctx, sess); err != nil {
			return nil, err
		}
		e.emit(ctx, eventlog.Event{
			SessionID: sess.SessionID, Kind: eventlog.KindNodeFinished, Node: node,
			DurationMs: elapsed.Milliseconds(), Data: map[string]any{"next": out.next},
		})
		node = out.next
		in = Input{State: out.merged, SessionID: sess.SessionID}
	}
}

// cancelled reports ErrSessionCancelled when Cancel ran (context cancelled or key
// deleted) while the caller's own context is still live.
func (e *Engine) cancelled(parent, ctx context.Context, id string) error {
	if parent.Err() != nil {
		return fmt.Errorf("%s: %w", id, parent.Err())
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", id, ErrSessionCancelled)
	}
	exists, err := e.store.Exists(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to check session %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("%s: %w", id, ErrSessionCancelled)
	}
	return nil
}

func (e *Engine) complete(ctx context.Context, sess *persistence.Session) (*Outcome, error) {
	sess.Status = persistence.StatusCompleted
	sess.CurrentNode = END
	sess.InterruptPayload = nil
	sess.UpdatedAt = time.Now().UTC()
	if err := e.checkpoint(ctx, sess); err != nil {
		return nil, err
	}
	e.recorder.IncSession(persistence.StatusCompleted)
	e.emit(ctx, eventlog.Event{SessionID: sess.SessionID, Kind: eventlog.KindCompleted})
	e.logger.InfoCtx(ctx, "✅ %s completed", sess.SessionID)
	return e.outcome(sess), nil
}

// fail marks the session failed with a structured error record. Partial results stay in state.
func (e *Engine) fail(ctx context.Context, sess *persistence.Session, node string, cause error) (*Outcome, error) {
	rec := e.reporter.Report(ctx, observe.SeverityError, "graph."+node, cause, map[string]any{"node": node})
	if sess.State == nil {
		sess.State = map[string]any{}
	}
	recState, err := Normalize(rec)
	if err != nil {
		return nil, err
	}
	sess.State[proto.KeyError] = cause.Error()
	sess.State[proto.KeyErrorRecord] = recState
	sess.Status = persistence.StatusFailed
	sess.CurrentNode = node
	sess.Error = cause.Error()
	sess.InterruptPayload = nil
	sess.UpdatedAt = time.Now().UTC()
	if err := e.checkpoint(ctx, sess); err != nil {
		return nil, err
	}
	e.recorder.IncSession(persistence.StatusFailed)
	e.emit(ctx, eventlog.Event{SessionID: sess.SessionID, Kind: eventlog.KindFailed, Node: node,
		Data: map[string]any{"error": cause.Error()}})
	return e.outcome(sess), nil
}

func (e *Engine) outcome(sess *persistence.Session) *Outcome {
	return &Outcome{
		SessionID:   sess.SessionID,
		Status:      sess.Status,
		CurrentNode: sess.CurrentNode,
		Interrupt:   sess.InterruptPayload,
		State:       State(sess.State),
		Error:       sess.Error,
	}
}

func (e *Engine) get(ctx context.Context, id string) (*persistence.Session, error) {
	var sess *persistence.Session
	err := e.monitor.Slow(ctx, observe.KindStore, "store.get", func(ctx context.Context) error {
		var err error
		sess, err = e.store.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return sess, nil
}

func (e *Engine) put(ctx context.Context, sess *persistence.Session) error {
	err := e.monitor.Slow(ctx, observe.KindStore, "store.put", func(ctx context.Context) error {
		return e.store.Put(ctx, sess)
	})
	if err != nil {
		e.logger.ErrorCtx(ctx, "checkpoint of %s failed: %v", sess.SessionID, err)
		return fmt.Errorf("failed to checkpoint session %s: %w", sess.SessionID, err)
	}
	return nil
}

// checkpoint writes sess only while its key still exists, so a session deleted
// by Cancel (in this or another process) is never recreated.
func (e *Engine) checkpoint(ctx context.Context, sess *persistence.Session) error {
	err := e.monitor.Slow(ctx, observe.KindStore, "store.update", func(ctx context.Context) error {
		return e.store.Update(ctx, sess)
	})
	if errors.Is(err, persistence.ErrSessionNotFound) {
		e.logger.WarnCtx(ctx, "%s was cancelled, dropping checkpoint at %s", sess.SessionID, sess.CurrentNode)
		return fmt.Errorf("%s: %w", sess.SessionID, ErrSessionCancelled)
	}
	if err != nil {
		e.logger.ErrorCtx(ctx, "checkpoint of %s failed: %v", sess.SessionID, err)
		return fmt.Errorf("failed to checkpoint session %s: %w", sess.SessionID, err)
	}
	return nil
}

func (e *Engine) emit(ctx context.Context, ev eventlog.Event) {
	e.observer.Observe(ctx, ev)
}

func (e *Engine) observeNode(node, outcome string, d time.Duration) {
	e.recorder.ObserveNode(node, outcome, d)
	if e.collector != nil {
		e.collector.Record("node."+node, d, outcome != "error")
	}
}

func interactionType(payload any) string {
	if m, ok := payload.(map[string]any); ok {
		if s, ok := m["interaction_type"].(string); ok {
			return s
		}
	}
	return ""
}
