package musubi

import (
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/agent/events"
	"github.com/nahisaho/musubi/agent/guardrails"
	"github.com/nahisaho/musubi/agent/hitl"
	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/agent/triage"
	"github.com/nahisaho/musubi/workflow"
)

// Option configures the runtime created by [New].
type Option func(*options)

type options struct {
	logger *zap.Logger
	bus    *events.SyncBus
	engine orchestration.EngineConfig

	inputGuardrails    []guardrails.Guardrail
	outputGuardrails   []guardrails.Guardrail
	chainMode          guardrails.ChainMode
	stopOnFirstFailure bool
	audit              guardrails.AuditLogger

	tools     workflow.ToolConnector
	review    workflow.ReviewGate
	humanGate orchestration.HumanGate
	history   workflow.HistoryStore
	retry     workflow.RetryPolicy

	triageOpts []triage.Option
	closers    []func() error
}

func defaultOptions() *options {
	return &options{chainMode: guardrails.ChainSequential}
}

// WithLogger sets the root logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithBus shares an existing event bus.
func WithBus(bus *events.SyncBus) Option {
	return func(o *options) { o.bus = bus }
}

// WithEngineConfig sets the engine configuration. Its Bus field is replaced
// by the runtime bus.
func WithEngineConfig(cfg orchestration.EngineConfig) Option {
	return func(o *options) { o.engine = cfg }
}

// WithInputGuardrails appends guardrails to the input chain.
func WithInputGuardrails(gs ...guardrails.Guardrail) Option {
	return func(o *options) { o.inputGuardrails = append(o.inputGuardrails, gs...) }
}

// WithOutputGuardrails appends guardrails to the output chain.
func WithOutputGuardrails(gs ...guardrails.Guardrail) Option {
	return func(o *options) { o.outputGuardrails = append(o.outputGuardrails, gs...) }
}

// WithChainMode sets the execution mode of both chains.
func WithChainMode(mode guardrails.ChainMode, stopOnFirstFailure bool) Option {
	return func(o *options) {
		o.chainMode = mode
		o.stopOnFirstFailure = stopOnFirstFailure
	}
}

// WithAudit records failed guardrail results of both chains.
func WithAudit(a guardrails.AuditLogger) Option {
	return func(o *options) { o.audit = a }
}

// WithTools sets the connector used by workflow tool steps.
func WithTools(t workflow.ToolConnector) Option {
	return func(o *options) { o.tools = t }
}

// WithReviewGate sets the gate used by workflow human-review steps.
func WithReviewGate(g workflow.ReviewGate) Option {
	return func(o *options) { o.review = g }
}

// WithHumanGate sets the gate used by engine human validation.
func WithHumanGate(g orchestration.HumanGate) Option {
	return func(o *options) { o.humanGate = g }
}

// WithInterrupts routes both workflow reviews and engine validations through
// the interrupt manager.
func WithInterrupts(m *hitl.InterruptManager, opts ...hitl.GateOption) Option {
	return func(o *options) {
		o.review = m.ReviewGate(opts...)
		o.humanGate = m.HumanGate(opts...)
	}
}

// WithHistory sets the workflow history store.
func WithHistory(h workflow.HistoryStore) Option {
	return func(o *options) { o.history = h }
}

// WithDefaultRetry sets the retry policy for steps that declare none.
func WithDefaultRetry(p workflow.RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithTriageOptions configures the triage pattern.
func WithTriageOptions(opts ...triage.Option) Option {
	return func(o *options) { o.triageOpts = append(o.triageOpts, opts...) }
}

// withCloser registers a cleanup run by Runtime.Close.
func withCloser(fn func() error) Option {
	return func(o *options) { o.closers = append(o.closers, fn) }
}
