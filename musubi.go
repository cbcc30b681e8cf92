// Package musubi wires the orchestration middleware together: an input
// guardrail chain, the orchestration engine or workflow executor, and an
// output guardrail chain, all sharing one event bus.
//
// Usage:
//
//	import "github.com/nahisaho/musubi"
//
//	rt, err := musubi.New(
//	    musubi.WithInputGuardrails(in),
//	    musubi.WithOutputGuardrails(out),
//	)
//	resp, err := rt.Invoke(ctx, "sequential", orchestration.Request{Input: payload})
//
// Use [NewFromConfig] to build a runtime from a loaded [config.Config].
package musubi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nahisaho/musubi/agent/events"
	"github.com/nahisaho/musubi/agent/guardrails"
	"github.com/nahisaho/musubi/agent/handoff"
	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/agent/triage"
	"github.com/nahisaho/musubi/internal/values"
	"github.com/nahisaho/musubi/types"
	"github.com/nahisaho/musubi/workflow"
)

// Response is the result of [Runtime.Invoke].
type Response struct {
	// Context is the engine's execution context, also set on failure.
	Context *orchestration.Context
	// Output is the pattern output after the output chain. When the output
	// chain is non-empty it is the JSON-normalized, possibly redacted value.
	Output       any
	InputResult  *guardrails.ChainResult
	OutputResult *guardrails.ChainResult
}

// WorkflowResponse is the result of [Runtime.RunWorkflow].
type WorkflowResponse struct {
	Execution    *workflow.ExecutionContext
	Output       any
	InputResult  *guardrails.ChainResult
	OutputResult *guardrails.ChainResult
}

// Runtime owns the bus, engine, executor and the two guardrail chains.
type Runtime struct {
	logger   *zap.Logger
	bus      *events.SyncBus
	engine   *orchestration.Engine
	executor *workflow.Executor
	input    *guardrails.Chain
	output   *guardrails.Chain
	handoff  *handoff.Pattern
	triage   *triage.Pattern
	closers  []func() error
}

// New builds a runtime. The sequential, handoff and triage patterns are
// registered on the engine.
func New(opts ...Option) (*Runtime, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := o.bus
	if bus == nil {
		bus = events.NewBus(logger)
	}

	engineCfg := o.engine
	engineCfg.Bus = bus
	if o.humanGate != nil {
		engineCfg.HumanGate = o.humanGate
	}
	engine := orchestration.NewEngine(engineCfg, logger)

	rt := &Runtime{
		logger:  logger.With(zap.String("component", "runtime")),
		bus:     bus,
		engine:  engine,
		handoff: handoff.NewPattern(logger),
		triage:  triage.NewPattern(logger, o.triageOpts...),
		closers: o.closers,
	}
	for _, p := range []orchestration.Pattern{orchestration.NewSequential(logger), rt.handoff, rt.triage} {
		if err := engine.RegisterPattern(p); err != nil {
			return nil, fmt.Errorf("register pattern: %w", err)
		}
	}

	rt.executor = workflow.NewExecutor(workflow.ExecutorConfig{
		Skills:       engine.AsSkillRegistry(),
		Tools:        o.tools,
		Review:       o.review,
		Bus:          bus,
		History:      o.history,
		DefaultRetry: o.retry,
	}, logger)

	rt.input = guardrails.NewChain(guardrails.ChainConfig{
		Name:               "input",
		Mode:               o.chainMode,
		StopOnFirstFailure: o.stopOnFirstFailure,
		Bus:                bus,
		Audit:              o.audit,
	}, logger).Add(o.inputGuardrails...)
	rt.output = guardrails.NewChain(guardrails.ChainConfig{
		Name:               "output",
		Mode:               o.chainMode,
		StopOnFirstFailure: o.stopOnFirstFailure,
		Bus:                bus,
		Audit:              o.audit,
	}, logger).Add(o.outputGuardrails...)

	rt.logger.Info("runtime initialized",
		zap.Int("input_guardrails", rt.input.Len()),
		zap.Int("output_guardrails", rt.output.Len()),
	)
	return rt, nil
}

// Engine returns the orchestration engine.
func (r *Runtime) Engine() *orchestration.Engine { return r.engine }

// Executor returns the workflow executor.
func (r *Runtime) Executor() *workflow.Executor { return r.executor }

// Bus returns the shared event bus.
func (r *Runtime) Bus() *events.SyncBus { return r.bus }

// InputChain returns the input guardrail chain.
func (r *Runtime) InputChain() *guardrails.Chain { return r.input }

// OutputChain returns the output guardrail chain.
func (r *Runtime) OutputChain() *guardrails.Chain { return r.output }

// Handoff returns the registered handoff pattern.
func (r *Runtime) Handoff() *handoff.Pattern { return r.handoff }

// Triage returns the registered triage pattern; register agents on it.
func (r *Runtime) Triage() *triage.Pattern { return r.triage }

// History returns the workflow history store, nil when none is configured.
func (r *Runtime) History() workflow.HistoryStore { return r.executor.History() }

// RegisterSkill registers a skill on the engine; workflows see it too.
func (r *Runtime) RegisterSkill(name string, fn orchestration.SkillFunc, keywords ...string) error {
	return r.engine.RegisterSkillFunc(name, fn, keywords...)
}

// Invoke runs the input chain on req.Input, executes the pattern, then runs
// the output chain on the pattern output.
func (r *Runtime) Invoke(ctx context.Context, pattern string, req orchestration.Request) (*Response, error) {
	resp := &Response{}
	rc := guardrails.RuleContext{"pattern": pattern, "task": req.Task}
	for k, v := range req.Metadata {
		if _, taken := rc[k]; !taken {
			rc[k] = v
		}
	}

	in, res, err := r.gate(ctx, r.input, req.Input, rc, false)
	resp.InputResult = res
	if err != nil {
		return resp, err
	}
	req.Input = in

	pc, err := r.engine.Execute(ctx, pattern, req)
	resp.Context = pc
	if err != nil {
		return resp, err
	}

	out, res, err := r.gate(ctx, r.output, pc.Output, rc, true)
	resp.OutputResult = res
	if err != nil {
		return resp, err
	}
	resp.Output = out
	return resp, nil
}

// RunWorkflow gates the inputs, executes the workflow, then gates the
// workflow output.
func (r *Runtime) RunWorkflow(ctx context.Context, def *workflow.Definition, inputs map[string]any) (*WorkflowResponse, error) {
	if def == nil {
		return nil, types.NewError(types.ErrValidation, "workflow definition is required")
	}
	resp := &WorkflowResponse{}
	rc := guardrails.RuleContext{"workflowId": def.ID}

	in, res, err := r.gate(ctx, r.input, inputs, rc, false)
	resp.InputResult = res
	if err != nil {
		return resp, err
	}
	if m, ok := in.(map[string]any); ok {
		inputs = m
	}

	ec, err := r.executor.Execute(ctx, def, inputs)
	resp.Execution = ec
	if err != nil {
		return resp, err
	}

	out, res, err := r.gate(ctx, r.output, ec.Snapshot().Output, rc, true)
	resp.OutputResult = res
	if err != nil {
		return resp, err
	}
	resp.Output = out
	return resp, nil
}

// Close releases resources opened by NewFromConfig (Redis, MCP servers).
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// gate 运行护栏链；未通过返回 GUARDRAIL_FAILED，tripwire 原样返回。
// 通过时以链上逐个叠加处理后的值作为新值。
func (r *Runtime) gate(ctx context.Context, chain *guardrails.Chain, value any, rc guardrails.RuleContext, output bool) (any, *guardrails.ChainResult, error) {
	if chain.Len() == 0 {
		return value, nil, nil
	}
	if output {
		if norm, err := values.Normalize(value); err == nil {
			value = norm
		}
	}

	res, err := chain.Run(ctx, value, rc)
	if err != nil {
		r.logger.Warn("guardrail tripwire", zap.String("chain", chain.Name()), zap.Error(err))
		return value, res, err
	}
	if !res.Passed {
		codes := make([]string, 0, len(res.Violations))
		for _, v := range res.Violations {
			if v.Severity == guardrails.SeverityError {
				codes = append(codes, v.Code)
			}
		}
		r.logger.Info("guardrails rejected value", zap.String("chain", chain.Name()), zap.Strings("violations", codes))
		return value, res, types.NewError(types.ErrGuardrailFailed,
			fmt.Sprintf("%s guardrails failed: %s", chain.Name(), strings.Join(codes, ", "))).
			WithSource(chain.Name()).
			WithDetail("violations", codes)
	}

	return res.Processed, res, nil
}
