package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/pkg/observe"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 4, cfg.Workflow.BatchConcurrency)
	assert.Equal(t, 1, cfg.Workflow.MaxRevisits)
	assert.InDelta(t, 0.6, cfg.Capability.Threshold, 1e-9)
	assert.Equal(t, 90*time.Second, cfg.Timeouts.Expert)
	assert.Equal(t, 7*24*time.Hour, cfg.SessionTTL())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"missing dsn", func(c *Config) { c.Store.DSN = "" }, "store.dsn"},
		{"memory without dsn", func(c *Config) { c.Store.Driver = DriverMemory; c.Store.DSN = "" }, ""},
		{"negative ttl", func(c *Config) { c.Store.TTLDays = -1 }, "ttl_days"},
		{"negative timeout", func(c *Config) { c.Timeouts.Expert = -time.Second }, "timeouts.expert"},
		{"negative slow threshold", func(c *Config) { c.Slow.LLM = -time.Millisecond }, "slow.llm"},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }, "retry.attempts"},
		{"zero concurrency", func(c *Config) { c.Workflow.BatchConcurrency = 0 }, "batch_concurrency"},
		{"threshold above one", func(c *Config) { c.Capability.Threshold = 1.2 }, "capability.threshold"},
		{"negative sample rate", func(c *Config) { c.Logs.SampleRate = -0.1 }, "sample_rate"},
		{"brokers without topic", func(c *Config) { c.Kafka.Brokers = []string{"k:9092"}; c.Kafka.Topic = "" }, "kafka.topic"},
		{"negative token budget", func(c *Config) { c.Limits.TokensPerMinute = -1 }, "limits"},
		{"revisits disabled", func(c *Config) { c.Workflow.MaxRevisits = -1 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWorkflowOptions(t *testing.T) {
	cfg := Default()
	cfg.Features = Features{DynamicGeneration: true, ForceDimensions: true}
	cfg.Timeouts.Poetic = 5 * time.Second
	cfg.Workflow.MaxRevisits = 2

	wf := cfg.WorkflowOptions()
	assert.Equal(t, 2, wf.MaxRevisits)
	assert.Equal(t, cfg.Workflow.BatchConcurrency, wf.BatchConcurrency)
	assert.Equal(t, cfg.Timeouts.Expert, wf.ExpertTimeout)
	assert.True(t, wf.Questionnaire.DynamicDimensions)
	assert.True(t, wf.Questionnaire.ForceDimensions)
	assert.False(t, wf.Questionnaire.PoeticInterpretation)
	assert.Equal(t, 5*time.Second, wf.Questionnaire.PoeticTimeout)
	assert.Equal(t, cfg.Timeouts.Decomposition, wf.Questionnaire.DecomposeTimeout)
}

func TestMonitorOptionsCarryThresholds(t *testing.T) {
	cfg := Default()
	cfg.Slow.LLM = 1500 * time.Millisecond
	m := observe.NewMonitor(observe.NewCollector(10), cfg.MonitorOptions()...)
	assert.Equal(t, 1500*time.Millisecond, m.Threshold(observe.KindLLM))
	assert.Equal(t, cfg.Slow.Store, m.Threshold(observe.KindStore))
}

func TestRetryPolicy(t *testing.T) {
	cfg := Default()
	cfg.Retry.Attempts = 5
	p := cfg.RetryPolicy()
	assert.Equal(t, 5, p.Config.MaxAttempts)
	assert.Equal(t, cfg.Retry.MaxDelay, p.Config.MaxDelay)
	assert.NotNil(t, p.Classifier)
}

func TestLimiterHonoursBudget(t *testing.T) {
	cfg := Default()
	cfg.Limits.TokensPerMinute = 500
	l := cfg.Limiter()
	assert.Equal(t, 500, l.Available())
	require.NoError(t, l.Reserve(200))
	assert.Equal(t, 300, l.Available())
}

func TestGetReturnsCopy(t *testing.T) {
	Set(nil)
	t.Cleanup(func() { Set(nil) })

	_, err := Get()
	require.ErrorIs(t, err, ErrNotLoaded)

	cfg := Default()
	Set(&cfg)
	cfg.Workflow.MaxRoles = 99

	got, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 6, got.Workflow.MaxRoles)

	got.Workflow.MaxRoles = 1
	again, err := Get()
	require.NoError(t, err)
	assert.Equal(t, 6, again.Workflow.MaxRoles)
}
