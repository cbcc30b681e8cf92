package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEqual(t, MetricsConfig{}, cfg.Metrics)
	assert.NotEqual(t, EngineConfig{}, cfg.Engine)
	assert.NotEqual(t, WorkflowConfig{}, cfg.Workflow)
	assert.NotEqual(t, GuardrailsConfig{}, cfg.Guardrails)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NoError(t, cfg.Validate())
}

// --- Individual Default*Config functions ---

func TestDefaultEngineConfig(t *testing.T) {
	cfg := DefaultEngineConfig()
	assert.Equal(t, 5*time.Minute, cfg.DefaultTimeout)
	assert.Zero(t, cfg.RateLimitRPS)
	assert.False(t, cfg.RequireHumanGate)
}

func TestDefaultWorkflowConfig(t *testing.T) {
	cfg := DefaultWorkflowConfig()
	assert.Zero(t, cfg.DefaultMaxRetries)
	assert.Equal(t, time.Second, cfg.DefaultBackoff)
	assert.Equal(t, 30*time.Second, cfg.DefaultMaxBackoff)
	assert.Equal(t, "memory", cfg.HistoryBackend)
}

func TestDefaultGuardrailsConfig(t *testing.T) {
	cfg := DefaultGuardrailsConfig()
	assert.Equal(t, "standard", cfg.DefaultSafetyLevel)
	assert.Equal(t, "[REDACTED]", cfg.RedactionReplacement)
	assert.False(t, cfg.TripwireEnabled)
	assert.Equal(t, "userInput", cfg.InputRuleSet)
}

func TestDefaultTelemetryAndMetrics(t *testing.T) {
	tel := DefaultTelemetryConfig()
	assert.False(t, tel.Enabled)
	assert.Equal(t, "musubi", tel.ServiceName)
	assert.Equal(t, 0.1, tel.SampleRate)

	m := DefaultMetricsConfig()
	assert.Equal(t, ":9091", m.Addr)
	assert.Equal(t, "musubi", m.Namespace)
}

// --- Validate ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"log level", func(c *Config) { c.Log.Level = "loud" }, `invalid log level "loud"`},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, `invalid log format "xml"`},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 1.5 }, "sample_rate"},
		{"telemetry endpoint", func(c *Config) { c.Telemetry.Enabled = true; c.Telemetry.OTLPEndpoint = "" }, "otlp_endpoint"},
		{"metrics addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" }, "metrics addr"},
		{"negative rps", func(c *Config) { c.Engine.RateLimitRPS = -1 }, "rate_limit_rps"},
		{"burst", func(c *Config) { c.Engine.RateLimitRPS = 5 }, "rate_limit_burst"},
		{"retries", func(c *Config) { c.Workflow.DefaultMaxRetries = -1 }, "default_max_retries"},
		{"backoff order", func(c *Config) { c.Workflow.DefaultBackoff = time.Minute }, "exceeds"},
		{"redis addr", func(c *Config) { c.Workflow.HistoryBackend = "redis"; c.Redis.Addr = "" }, "redis addr"},
		{"safety level", func(c *Config) { c.Guardrails.DefaultSafetyLevel = "lax" }, "default_safety_level"},
		{"mcp command", func(c *Config) { c.MCP.Servers = map[string]MCPServerConfig{"fs": {}} }, `mcp server "fs": command is required`},
		{"mcp url", func(c *Config) { c.MCP.Servers = map[string]MCPServerConfig{"s": {Transport: "http"}} }, "url is required"},
		{"mcp transport", func(c *Config) { c.MCP.Servers = map[string]MCPServerConfig{"s": {Transport: "ws"}} }, "invalid transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
