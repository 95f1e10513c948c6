package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"atelier/pkg/capability"
	"atelier/pkg/config"
	"atelier/pkg/eventlog"
	"atelier/pkg/graph"
	"atelier/pkg/limiter"
	"atelier/pkg/llm"
	"atelier/pkg/llm/middleware/metrics"
	"atelier/pkg/llm/middleware/retry"
	"atelier/pkg/llm/middleware/timeout"
	"atelier/pkg/logx"
	"atelier/pkg/observe"
	"atelier/pkg/persistence"
	"atelier/pkg/prompts"
	"atelier/pkg/workflow"
)

// app is the wired process: store, observability, prompts and the engine.
type app struct {
	cfg       config.Config
	store     persistence.Store
	registry  *prometheus.Registry
	collector *observe.Collector
	reporter  *observe.Reporter
	prompts   *prompts.Store
	engine    *graph.Engine
	journal   *eventlog.Journal
	logger    *logx.Logger
	closers   []func() error
}

// newApp builds the process from cfg. The LLM client is the offline client:
// every model-backed component runs its rule-based fallback.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{
		cfg:       cfg,
		registry:  prometheus.NewRegistry(),
		collector: observe.NewCollector(cfg.Metrics.CollectorSize),
		reporter:  observe.NewReporter(cfg.Metrics.ReporterLimit),
		logger:    logx.NewLogger("atelier"),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := observe.NewPrometheusRecorder(a.registry)
	monitor := observe.NewMonitor(a.collector, append(cfg.MonitorOptions(), observe.WithRecorder(recorder))...)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	store, err := prompts.NewStore()
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	if cfg.Prompts.Dir != "" {
		if err := store.LoadDir(cfg.Prompts.Dir); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("load prompts from %s: %w", cfg.Prompts.Dir, err)
		}
	}
	a.prompts = store

	if err := a.openJournal(); err != nil {
		_ = a.Close()
		return nil, err
	}

	client := llm.Chain(llm.Offline{},
		metrics.Middleware(recorder, a.collector, nil, logx.NewLogger("llm-metrics")),
		retry.Middleware(cfg.RetryPolicy()),
		limiter.Middleware(cfg.Limiter()),
		timeout.Middleware(longest(cfg.Timeouts)),
	)
	wf, err := workflow.New(workflow.Deps{
		Client:   client,
		Store:    store,
		Boundary: capability.NewService(cfg.CapabilityOptions()...),
		Monitor:  monitor,
	}, cfg.WorkflowOptions())
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("build workflow: %w", err)
	}

	a.engine = wf.NewEngine(a.store,
		graph.WithObserver(a.journal),
		graph.WithMonitor(monitor),
		graph.WithRecorder(recorder),
		graph.WithCollector(a.collector),
		graph.WithReporter(a.reporter),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	sc := a.cfg.Store
	if sc.Driver == config.DriverMemory {
		a.store = persistence.NewMemoryStore()
		return nil
	}
	sqlStore, err := persistence.Open(ctx, sc.Driver, sc.DSN)
	if err != nil {
		return fmt.Errorf("open %s store: %w", sc.Driver, err)
	}
	a.closers = append(a.closers, sqlStore.Close)
	a.store = sqlStore
	if sc.CacheSize > 0 {
		a.store = persistence.NewCachedStore(sqlStore, sc.CacheSize, sc.CacheTTL)
	}
	return nil
}

func (a *app) openJournal() error {
	var sinks []eventlog.Sink
	if dir := a.cfg.Logs.EventDir; dir != "" {
		w, err := eventlog.NewWriter(dir)
		if err != nil {
			return fmt.Errorf("open event log: %w", err)
		}
		sinks = append(sinks, w)
	}
	if len(a.cfg.Kafka.Brokers) > 0 {
		sinks = append(sinks, eventlog.NewKafkaPublisher(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic))
	}
	a.journal = eventlog.NewJournal(sinks...)
	a.closers = append(a.closers, a.journal.Close)
	return nil
}

// watchPrompts reloads the prompt overrides on change until ctx is done. Workflow
// nodes read the store per call, so a reload applies to the next node run.
func (a *app) watchPrompts(ctx context.Context) error {
	if !a.cfg.Prompts.Watch || a.cfg.Prompts.Dir == "" {
		return nil
	}
	watcher := prompts.NewWatcher(a.prompts, a.cfg.Prompts.Dir, prompts.DefaultDebounce, func(err error) {
		if err == nil {
			a.logger.Info("prompts reloaded from %s (generation %d)", a.cfg.Prompts.Dir, a.prompts.Generation())
		}
	})
	return watcher.Start(ctx)
}

// purge drops sessions untouched for longer than the configured TTL.
func (a *app) purge(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	n, err := a.store.Purge(ctx, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	if n > 0 {
		a.logger.Info("purged %d sessions older than %s", n, olderThan)
	}
	return n, nil
}

// Close releases the store and the event sinks, last opened first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// withApp loads the global config, builds the app and runs fn with it.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	cfg, err := config.Get()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		if cerr := a.Close(); cerr != nil {
			a.logger.Warn("shutdown: %v", cerr)
		}
	}()
	return fn(ctx, a)
}

func longest(t config.TimeoutConfig) time.Duration {
	d := t.LLM
	for _, c := range []time.Duration{t.Poetic, t.Decomposition, t.Expert, t.Analyst} {
		if c > d {
			d = c
		}
	}
	return d
}
