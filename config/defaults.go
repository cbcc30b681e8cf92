// =============================================================================
// 📦 Musubi 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Metrics:    DefaultMetricsConfig(),
		Engine:     DefaultEngineConfig(),
		Workflow:   DefaultWorkflowConfig(),
		Guardrails: DefaultGuardrailsConfig(),
		Redis:      DefaultRedisConfig(),
		MCP:        DefaultMCPConfig(),
	}
}

// DefaultEngineConfig 返回默认编排引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultTimeout: 5 * time.Minute,
		RateLimitRPS:   0,
		RateLimitBurst: 0,
	}
}

// DefaultWorkflowConfig 返回默认工作流配置
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		DefaultMaxRetries: 0,
		DefaultBackoff:    time.Second,
		DefaultMaxBackoff: 30 * time.Second,
		HistoryBackend:    "memory",
		HistoryTTL:        24 * time.Hour,
		HistoryLimit:      1000,
	}
}

// DefaultGuardrailsConfig 返回默认护栏配置
func DefaultGuardrailsConfig() GuardrailsConfig {
	return GuardrailsConfig{
		DefaultSafetyLevel:   "standard",
		RedactionReplacement: "[REDACTED]",
		TripwireEnabled:      false,
		InputRuleSet:         "userInput",
		RedactOutput:         true,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		KeyPrefix:    "musubi:",
	}
}

// DefaultMCPConfig 返回默认 MCP 配置
func DefaultMCPConfig() MCPConfig {
	return MCPConfig{
		CallTimeout: 30 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "musubi",
		SampleRate:   0.1,
	}
}

// DefaultMetricsConfig 返回默认指标配置
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:   false,
		Addr:      ":9091",
		Namespace: "musubi",
	}
}
