package musubi

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/nahisaho/musubi/agent/guardrails"
	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/config"
	"github.com/nahisaho/musubi/internal/cache"
	"github.com/nahisaho/musubi/tools/mcptools"
	"github.com/nahisaho/musubi/workflow"
)

// NewFromConfig builds a runtime from configuration: engine limits, default
// retry policy, history backend, guardrail chains and MCP tool servers.
// Options given here are applied after the configured ones.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := []Option{
		WithLogger(logger),
		WithEngineConfig(orchestration.EngineConfig{
			DefaultTimeout:   cfg.Engine.DefaultTimeout,
			RateLimitRPS:     cfg.Engine.RateLimitRPS,
			RateLimitBurst:   cfg.Engine.RateLimitBurst,
			RequireHumanGate: cfg.Engine.RequireHumanGate,
		}),
		WithDefaultRetry(RetryPolicyFromConfig(cfg.Workflow)),
	}

	var closers []func() error
	fail := func(err error) (*Runtime, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	switch cfg.Workflow.HistoryBackend {
	case "redis":
		m, err := cache.NewManager(cache.Config{
			Addr:                cfg.Redis.Addr,
			Password:            cfg.Redis.Password,
			DB:                  cfg.Redis.DB,
			PoolSize:            cfg.Redis.PoolSize,
			MinIdleConns:        cfg.Redis.MinIdleConns,
			MaxRetries:          cache.DefaultConfig().MaxRetries,
			KeyPrefix:           cfg.Redis.KeyPrefix,
			DefaultTTL:          cfg.Workflow.HistoryTTL,
			HealthCheckInterval: cache.DefaultConfig().HealthCheckInterval,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("workflow history: %w", err))
		}
		closers = append(closers, m.Close)
		base = append(base, WithHistory(workflow.NewRedisHistoryStore(m, cfg.Workflow.HistoryTTL, logger)))
	default:
		base = append(base, WithHistory(workflow.NewMemoryHistoryStore(cfg.Workflow.HistoryLimit)))
	}

	in, out, err := GuardrailsFromConfig(cfg.Guardrails, logger)
	if err != nil {
		return fail(err)
	}
	base = append(base, WithInputGuardrails(in...), WithOutputGuardrails(out...))

	if len(cfg.MCP.Servers) > 0 {
		conn := mcptools.NewConnector(logger)
		closers = append(closers, conn.Close)
		names := make([]string, 0, len(cfg.MCP.Servers))
		for name := range cfg.MCP.Servers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			srv := cfg.MCP.Servers[name]
			if err := conn.Connect(ctx, name, mcptools.ServerConfig{
				Transport:   srv.Transport,
				Command:     srv.Command,
				Args:        srv.Args,
				Env:         srv.Env,
				URL:         srv.URL,
				CallTimeout: cfg.MCP.CallTimeout,
			}); err != nil {
				return fail(err)
			}
		}
		base = append(base, WithTools(conn))
	}

	for _, c := range closers {
		base = append(base, withCloser(c))
	}
	rt, err := New(append(base, opts...)...)
	if err != nil {
		return fail(err)
	}
	return rt, nil
}

// RetryPolicyFromConfig converts workflow defaults into a retry policy
// with exponential backoff.
func RetryPolicyFromConfig(c config.WorkflowConfig) workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxRetries:        c.DefaultMaxRetries,
		BackoffMs:         int(c.DefaultBackoff.Milliseconds()),
		BackoffMultiplier: 2,
		MaxBackoffMs:      int(c.DefaultMaxBackoff.Milliseconds()),
	}
}

// GuardrailsFromConfig builds the input chain members (rule set, then safety
// check) and the output chain members (redaction) from configuration.
func GuardrailsFromConfig(c config.GuardrailsConfig, logger *zap.Logger) (in, out []guardrails.Guardrail, err error) {
	if c.InputRuleSet != "" {
		g, err := guardrails.CreateInputGuardrail(c.InputRuleSet, guardrails.Config{
			TripwireEnabled: c.TripwireEnabled,
			Logger:          logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("input guardrail: %w", err)
		}
		in = append(in, g)
	}

	level, err := guardrails.ParseSafetyLevel(c.DefaultSafetyLevel)
	if err != nil {
		return nil, nil, err
	}
	safety, err := guardrails.NewSafetyGuardrail(level, guardrails.SafetyConfig{
		TripwireEnabled: c.TripwireEnabled,
		Logger:          logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("safety guardrail: %w", err)
	}
	in = append(in, safety)

	if c.RedactOutput {
		g, err := guardrails.NewOutputGuardrailPreset(guardrails.OutputPresetRedact, guardrails.Config{
			Redact: &guardrails.RedactOptions{Replacement: c.RedactionReplacement},
			Logger: logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("output guardrail: %w", err)
		}
		out = append(out, g)
	}
	return in, out, nil
}
