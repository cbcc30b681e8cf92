package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	musubi "github.com/nahisaho/musubi"
	"github.com/nahisaho/musubi/config"
	"github.com/nahisaho/musubi/internal/metrics"
	"github.com/nahisaho/musubi/internal/server"
	"github.com/nahisaho/musubi/internal/telemetry"
	"github.com/nahisaho/musubi/workflow"
)

type runFlags struct {
	inputs      []string
	metricsAddr string
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, g, f, args[0])
		},
	}
	cmd.Flags().StringArrayVarP(&f.inputs, "input", "i", nil, "workflow input as key=value (repeatable, value parsed as YAML)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve /metrics on this address while running")
	return cmd
}

func runWorkflow(cmd *cobra.Command, g *globalFlags, f *runFlags, path string) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	defer logger.Sync()

	inputs, err := parseInputs(f.inputs)
	if err != nil {
		return err
	}
	def, err := workflow.LoadDefinitionFile(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", zap.Error(err))
		}
	}()

	rt, err := musubi.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	if err := registerDemoSkills(rt); err != nil {
		return err
	}

	if f.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = f.metricsAddr
	}
	if cfg.Metrics.Enabled {
		srv, err := startMetrics(cfg.Metrics, rt, logger)
		if err != nil {
			return err
		}
		defer srv.Shutdown(context.Background())
	}

	tracer := otelProviders.TracerProvider().Tracer("github.com/nahisaho/musubi/cmd/musubi")
	ctx, span := tracer.Start(ctx, "workflow.run")
	span.SetAttributes(attribute.String("workflow.id", def.ID))
	defer span.End()

	logger.Info("running workflow", zap.String("workflow", def.ID), zap.Int("steps", len(def.Steps)))
	resp, err := rt.RunWorkflow(ctx, def, inputs)
	if resp != nil && resp.Execution != nil {
		span.SetAttributes(
			attribute.String("workflow.execution_id", resp.Execution.ExecutionID),
			attribute.String("workflow.state", string(resp.Execution.State)),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("workflow %s failed: %w", def.ID, err)
	}

	return printJSON(cmd.OutOrStdout(), map[string]any{
		"executionId": resp.Execution.ExecutionID,
		"state":       resp.Execution.State,
		"output":      resp.Output,
	})
}

// startMetrics 挂接事件指标并启动观测端点
func startMetrics(mc config.MetricsConfig, rt *musubi.Runtime, logger *zap.Logger) (*server.Manager, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(mc.Namespace, reg, logger)
	collector.Attach(rt.Bus())

	sc := server.DefaultConfig()
	sc.Addr = mc.Addr
	srv := server.NewManager(server.NewObservabilityHandler(reg), sc, logger)
	if err := srv.Start(); err != nil {
		return nil, err
	}
	return srv, nil
}

// parseInputs 解析 key=value；值按 YAML 标量解析，失败时保留原字符串
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		inputs[key] = v
	}
	return inputs, nil
}
