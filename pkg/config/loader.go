package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"atelier/pkg/logx"
)

// Config file and environment naming.
const (
	FileName  = "atelier"
	FileType  = "yaml"
	EnvPrefix = "ATELIER"
)

// NewViper returns a viper instance seeded with the defaults and bound to the
// ATELIER_ environment. An empty path searches for atelier.yaml in the working
// directory and in $HOME/.atelier.
func NewViper(path string) *viper.Viper {
	v := viper.New()
	for key, value := range defaultValues(Default()) {
		v.SetDefault(key, value)
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType(FileType)
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.atelier")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Decode reads the config file, when one exists, and decodes v into a
// validated Config. An explicitly configured file that cannot be read is an
// error; a missing default file is not.
func Decode(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := envconfig.Process("", &cfg.Features); err != nil {
		return nil, fmt.Errorf("feature flags: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if used := v.ConfigFileUsed(); used != "" {
		logx.NewLogger("config").Info("loaded %s", used)
	}
	return &cfg, nil
}

// Load decodes the configuration at path (or the default search locations)
// and installs it as the global config.
func Load(path string) (*Config, error) {
	cfg, err := Decode(NewViper(path))
	if err != nil {
		return nil, err
	}
	Set(cfg)
	return cfg, nil
}

// defaultValues flattens cfg into the dotted keys viper resolves env and flag
// overrides against. Every field must appear here to be overridable from the
// environment.
func defaultValues(cfg Config) map[string]any {
	return map[string]any{
		"store.driver":     cfg.Store.Driver,
		"store.dsn":        cfg.Store.DSN,
		"store.ttl_days":   cfg.Store.TTLDays,
		"store.cache_size": cfg.Store.CacheSize,
		"store.cache_ttl":  cfg.Store.CacheTTL,

		"timeouts.llm":           cfg.Timeouts.LLM,
		"timeouts.poetic":        cfg.Timeouts.Poetic,
		"timeouts.decomposition": cfg.Timeouts.Decomposition,
		"timeouts.expert":        cfg.Timeouts.Expert,
		"timeouts.analyst":       cfg.Timeouts.Analyst,

		"retry.attempts":      cfg.Retry.Attempts,
		"retry.initial_delay": cfg.Retry.InitialDelay,
		"retry.max_delay":     cfg.Retry.MaxDelay,

		"limits.tokens_per_minute": cfg.Limits.TokensPerMinute,
		"limits.max_concurrent":    cfg.Limits.MaxConcurrent,

		"workflow.batch_concurrency": cfg.Workflow.BatchConcurrency,
		"workflow.max_revisits":      cfg.Workflow.MaxRevisits,
		"workflow.max_roles":         cfg.Workflow.MaxRoles,
		"workflow.max_steps":         cfg.Workflow.MaxSteps,

		"capability.threshold":      cfg.Capability.Threshold,
		"capability.auto_transform": cfg.Capability.AutoTransform,

		"slow.store": cfg.Slow.Store,
		"slow.llm":   cfg.Slow.LLM,
		"slow.pdf":   cfg.Slow.PDF,

		"metrics.addr":           cfg.Metrics.Addr,
		"metrics.collector_size": cfg.Metrics.CollectorSize,
		"metrics.reporter_limit": cfg.Metrics.ReporterLimit,
		"metrics.prometheus_url": cfg.Metrics.PrometheusURL,

		"kafka.brokers": append([]string{}, cfg.Kafka.Brokers...),
		"kafka.topic":   cfg.Kafka.Topic,

		"logs.event_dir":     cfg.Logs.EventDir,
		"logs.sample_rate":   cfg.Logs.SampleRate,
		"logs.debug":         cfg.Logs.Debug,
		"logs.debug_domains": append([]string{}, cfg.Logs.DebugDomains...),

		"prompts.dir":   cfg.Prompts.Dir,
		"prompts.watch": cfg.Prompts.Watch,

		"features.dynamic_generation":    cfg.Features.DynamicGeneration,
		"features.force_dimensions":      cfg.Features.ForceDimensions,
		"features.poetic_interpretation": cfg.Features.PoeticInterpretation,
	}
}
