// Package config provides configuration loading, validation and access for atelier.
//
// Values are layered, lowest priority first:
//
//  1. Built-in defaults (Default).
//  2. The optional atelier.yaml file.
//  3. ATELIER_* environment variables, with "." in a key written as "_"
//     (ATELIER_WORKFLOW_BATCH_CONCURRENCY).
//  4. Command-line flags bound by the CLI.
//
// Feature toggles keep their unprefixed env names (USE_DYNAMIC_GENERATION,
// FORCE_GENERATE_DIMENSIONS, ENABLE_POETIC_INTERPRETATION) and are applied
// last.
//
// A single global Config is kept in memory. Get returns it BY VALUE so callers
// cannot mutate the shared copy.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"atelier/pkg/capability"
	"atelier/pkg/limiter"
	"atelier/pkg/llm/middleware/retry"
	"atelier/pkg/observe"
	"atelier/pkg/questionnaire"
	"atelier/pkg/workflow"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotLoaded is returned by Get before Load or Set ran.
var ErrNotLoaded = errors.New("config not initialized")

//nolint:gochecknoglobals // process-wide config singleton
var (
	current *Config
	mu      sync.RWMutex
)

// StoreConfig selects the session store.
type StoreConfig struct {
	Driver    string        `mapstructure:"driver"`
	DSN       string        `mapstructure:"dsn"`
	TTLDays   int           `mapstructure:"ttl_days"`
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// TimeoutConfig holds per-call LLM deadlines.
type TimeoutConfig struct {
	LLM           time.Duration `mapstructure:"llm"`
	Poetic        time.Duration `mapstructure:"poetic"`
	Decomposition time.Duration `mapstructure:"decomposition"`
	Expert        time.Duration `mapstructure:"expert"`
	Analyst       time.Duration `mapstructure:"analyst"`
}

// RetryConfig drives the LLM retry middleware.
type RetryConfig struct {
	Attempts     int           `mapstructure:"attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// LimitsConfig caps LLM throughput. Zero disables a limit.
type LimitsConfig struct {
	TokensPerMinute int `mapstructure:"tokens_per_minute"`
	MaxConcurrent   int `mapstructure:"max_concurrent"`
}

// WorkflowConfig bounds the main graph.
type WorkflowConfig struct {
	BatchConcurrency int `mapstructure:"batch_concurrency"`
	MaxRevisits      int `mapstructure:"max_revisits"`
	MaxRoles         int `mapstructure:"max_roles"`
	MaxSteps         int `mapstructure:"max_steps"`
}

// CapabilityConfig tunes the capability boundary service.
type CapabilityConfig struct {
	Threshold     float64 `mapstructure:"threshold"`
	AutoTransform bool    `mapstructure:"auto_transform"`
}

// SlowConfig holds the slow-operation warning thresholds.
type SlowConfig struct {
	Store time.Duration `mapstructure:"store"`
	LLM   time.Duration `mapstructure:"llm"`
	PDF   time.Duration `mapstructure:"pdf"`
}

// MetricsConfig configures the serve command.
type MetricsConfig struct {
	Addr          string `mapstructure:"addr"`
	CollectorSize int    `mapstructure:"collector_size"`
	ReporterLimit int    `mapstructure:"reporter_limit"`
	PrometheusURL string `mapstructure:"prometheus_url"`
}

// KafkaConfig enables publishing workflow events. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LogsConfig configures logging and the event journal.
type LogsConfig struct {
	EventDir     string   `mapstructure:"event_dir"`
	SampleRate   float64  `mapstructure:"sample_rate"`
	Debug        bool     `mapstructure:"debug"`
	DebugDomains []string `mapstructure:"debug_domains"`
}

// PromptsConfig points at an optional prompt directory overriding the embedded set.
type PromptsConfig struct {
	Dir   string `mapstructure:"dir"`
	Watch bool   `mapstructure:"watch"`
}

// Features are the questionnaire toggles.
type Features struct {
	DynamicGeneration    bool `mapstructure:"dynamic_generation" envconfig:"USE_DYNAMIC_GENERATION"`
	ForceDimensions      bool `mapstructure:"force_dimensions" envconfig:"FORCE_GENERATE_DIMENSIONS"`
	PoeticInterpretation bool `mapstructure:"poetic_interpretation" envconfig:"ENABLE_POETIC_INTERPRETATION"`
}

// Config is the full process configuration.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Timeouts   TimeoutConfig    `mapstructure:"timeouts"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Workflow   WorkflowConfig   `mapstructure:"workflow"`
	Capability CapabilityConfig `mapstructure:"capability"`
	Slow       SlowConfig       `mapstructure:"slow"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Logs       LogsConfig       `mapstructure:"logs"`
	Prompts    PromptsConfig    `mapstructure:"prompts"`
	Features   Features         `mapstructure:"features"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Driver:    DriverSQLite,
			DSN:       "atelier.db",
			TTLDays:   7,
			CacheSize: 256,
			CacheTTL:  10 * time.Minute,
		},
		Timeouts: TimeoutConfig{
			LLM:           30 * time.Second,
			Poetic:        30 * time.Second,
			Decomposition: 60 * time.Second,
			Expert:        90 * time.Second,
			Analyst:       60 * time.Second,
		},
		Retry: RetryConfig{
			Attempts:     retry.DefaultConfig.MaxAttempts,
			InitialDelay: retry.DefaultConfig.InitialDelay,
			MaxDelay:     retry.DefaultConfig.MaxDelay,
		},
		Limits: LimitsConfig{
			MaxConcurrent: 8,
		},
		Workflow: WorkflowConfig{
			BatchConcurrency: 4,
			MaxRevisits:      1,
			MaxRoles:         6,
			MaxSteps:         200,
		},
		Capability: CapabilityConfig{
			Threshold:     capability.DefaultThreshold,
			AutoTransform: true,
		},
		Slow: SlowConfig{
			Store: observe.DefaultSlowThresholds[observe.KindStore],
			LLM:   observe.DefaultSlowThresholds[observe.KindLLM],
			PDF:   observe.DefaultSlowThresholds[observe.KindPDF],
		},
		Metrics: MetricsConfig{
			Addr:          "127.0.0.1:9464",
			CollectorSize: 1000,
			ReporterLimit: 100,
		},
		Kafka: KafkaConfig{Topic: "atelier.workflow"},
		Logs: LogsConfig{
			EventDir:   "logs/events",
			SampleRate: 0.1,
		},
		Features: Features{PoeticInterpretation: true},
	}
}

// Validate rejects negative durations, out-of-range rates and unknown drivers.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("store.driver %q: want %s, %s or %s", c.Store.Driver, DriverMemory, DriverSQLite, DriverPostgres)
	}
	if c.Store.Driver != DriverMemory && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
	}
	if c.Store.TTLDays < 0 {
		return fmt.Errorf("store.ttl_days must not be negative, got %d", c.Store.TTLDays)
	}

	durations := map[string]time.Duration{
		"store.cache_ttl":        c.Store.CacheTTL,
		"timeouts.llm":           c.Timeouts.LLM,
		"timeouts.poetic":        c.Timeouts.Poetic,
		"timeouts.decomposition": c.Timeouts.Decomposition,
		"timeouts.expert":        c.Timeouts.Expert,
		"timeouts.analyst":       c.Timeouts.Analyst,
		"retry.initial_delay":    c.Retry.InitialDelay,
		"retry.max_delay":        c.Retry.MaxDelay,
		"slow.store":             c.Slow.Store,
		"slow.llm":               c.Slow.LLM,
		"slow.pdf":               c.Slow.PDF,
	}
	for key, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", key, d)
		}
	}

	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1, got %d", c.Retry.Attempts)
	}
	if c.Limits.TokensPerMinute < 0 || c.Limits.MaxConcurrent < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if c.Workflow.BatchConcurrency < 1 {
		return fmt.Errorf("workflow.batch_concurrency must be at least 1, got %d", c.Workflow.BatchConcurrency)
	}
	if c.Workflow.MaxRoles < 0 || c.Workflow.MaxSteps < 0 {
		return fmt.Errorf("workflow.max_roles and workflow.max_steps must not be negative")
	}
	if c.Capability.Threshold < 0 || c.Capability.Threshold > 1 {
		return fmt.Errorf("capability.threshold must be within [0,1], got %g", c.Capability.Threshold)
	}
	if c.Logs.SampleRate < 0 || c.Logs.SampleRate > 1 {
		return fmt.Errorf("logs.sample_rate must be within [0,1], got %g", c.Logs.SampleRate)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}
	return nil
}

// SessionTTL is the age after which finished sessions are purged. Zero keeps them.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Store.TTLDays) * 24 * time.Hour
}

// WorkflowOptions maps the loaded values onto the workflow graph settings.
func (c *Config) WorkflowOptions() workflow.Config {
	q := questionnaire.DefaultConfig()
	q.DynamicDimensions = c.Features.DynamicGeneration
	q.ForceDimensions = c.Features.ForceDimensions
	q.PoeticInterpretation = c.Features.PoeticInterpretation
	q.PoeticTimeout = c.Timeouts.Poetic
	q.DecomposeTimeout = c.Timeouts.Decomposition
	q.QuestionTimeout = c.Timeouts.LLM

	return workflow.Config{
		Questionnaire:    q,
		AnalystTimeout:   c.Timeouts.Analyst,
		ExpertTimeout:    c.Timeouts.Expert,
		BatchConcurrency: c.Workflow.BatchConcurrency,
		MaxRevisits:      c.Workflow.MaxRevisits,
		MaxRoles:         c.Workflow.MaxRoles,
		MaxSteps:         c.Workflow.MaxSteps,
	}
}

// RetryPolicy builds the LLM retry policy.
func (c *Config) RetryPolicy() *retry.Policy {
	rc := retry.DefaultConfig
	rc.MaxAttempts = c.Retry.Attempts
	rc.InitialDelay = c.Retry.InitialDelay
	rc.MaxDelay = c.Retry.MaxDelay
	return retry.NewPolicy(rc, nil)
}

// Limiter builds the LLM throughput limiter.
func (c *Config) Limiter() *limiter.Limiter {
	return limiter.New(limiter.Config{
		MaxTokensPerMinute: c.Limits.TokensPerMinute,
		MaxConcurrent:      c.Limits.MaxConcurrent,
	})
}

// MonitorOptions carries the slow thresholds into an observe.Monitor.
func (c *Config) MonitorOptions() []observe.MonitorOption {
	return []observe.MonitorOption{
		observe.WithThreshold(observe.KindStore, c.Slow.Store),
		observe.WithThreshold(observe.KindLLM, c.Slow.LLM),
		observe.WithThreshold(observe.KindPDF, c.Slow.PDF),
	}
}

// CapabilityOptions configures the boundary service.
func (c *Config) CapabilityOptions() []capability.Option {
	return []capability.Option{
		capability.WithThreshold(c.Capability.Threshold),
		capability.WithAutoTransform(c.Capability.AutoTransform),
	}
}

// Get returns the current global config by value.
func Get() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		return Config{}, ErrNotLoaded
	}
	return *current, nil
}

// Set replaces the global config. Pass nil to reset.
func Set(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	if cfg == nil {
		current = nil
		return
	}
	cp := *cfg
	current = &cp
}
