package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/agent/events"
	"github.com/nahisaho/musubi/types"
)

const instrumentationName = "github.com/nahisaho/musubi/workflow"

// errCancelled 执行在步骤之间观察到 cancel
var errCancelled = errors.New("execution cancelled")

// abandonGrace ctx 结束后等待响应 ctx 的步骤记录结果的时间
const abandonGrace = 50 * time.Millisecond

// ExecutorConfig 执行器依赖
type ExecutorConfig struct {
	Skills   SkillRegistry
	Tools    ToolConnector
	Review   ReviewGate
	Bus      events.Bus
	History  HistoryStore
	Handlers *HandlerRegistry

	// DefaultRetry 在步骤与定义都未声明重试策略时使用
	DefaultRetry RetryPolicy
}

// Executor 工作流执行器。
//
// 顶层步骤严格按声明顺序执行；嵌套步骤共享同一执行上下文。
// 多个执行可以并发运行，每个执行拥有独立的 ExecutionContext。
type Executor struct {
	skills       SkillRegistry
	tools        ToolConnector
	review       ReviewGate
	emitter      events.Emitter
	history      HistoryStore
	handlers     *HandlerRegistry
	defaultRetry RetryPolicy
	logger       *zap.Logger
	tracer       trace.Tracer

	mu     sync.RWMutex
	active map[string]*ExecutionContext
}

// NewExecutor 创建执行器；cfg.Handlers 为 nil 时使用内置处理器
func NewExecutor(cfg ExecutorConfig, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	handlers := cfg.Handlers
	if handlers == nil {
		handlers = DefaultHandlers()
	}
	return &Executor{
		skills:       cfg.Skills,
		tools:        cfg.Tools,
		review:       cfg.Review,
		emitter:      events.NewEmitter(cfg.Bus, eventSource),
		history:      cfg.History,
		handlers:     handlers,
		defaultRetry: cfg.DefaultRetry,
		logger:       logger.With(zap.String("component", "workflow_executor")),
		tracer:       otel.Tracer(instrumentationName),
		active:       make(map[string]*ExecutionContext),
	}
}

// Handlers 返回步骤处理器注册表，可注册自定义步骤类型
func (e *Executor) Handlers() *HandlerRegistry {
	return e.handlers
}

// History 返回历史存储，可能为 nil
func (e *Executor) History() HistoryStore {
	return e.history
}

// Validate 按当前处理器与 skill 注册表校验定义
func (e *Executor) Validate(def *Definition) error {
	if def == nil {
		return types.NewError(types.ErrValidation, "workflow definition is nil")
	}
	return def.Validate(e.handlers, e.skills)
}

// Execute 执行工作流直到终止。
//
// 校验失败时返回 (nil, err) 且不会运行任何处理器。
// 失败的执行返回 state=failed 的上下文与错误；通过 Cancel 取消的执行
// 返回 state=cancelled 的上下文与 nil。
func (e *Executor) Execute(ctx context.Context, def *Definition, inputs map[string]any) (*ExecutionContext, error) {
	if err := e.Validate(def); err != nil {
		return nil, err
	}
	vars, err := def.applyInputs(inputs)
	if err != nil {
		return nil, err
	}

	ec := NewExecutionContext(def.ID, vars)
	run := &Run{
		exec: e,
		def:  def,
		ec:   ec,
		logger: e.logger.With(
			zap.String("workflow_id", def.ID),
			zap.String("execution_id", ec.ExecutionID),
		),
	}

	parent := ctx
	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}
	ctx = types.WithExecutionID(ctx, ec.ExecutionID)
	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", def.ID),
		attribute.String("workflow.execution_id", ec.ExecutionID),
		attribute.Int("workflow.steps", len(def.Steps)),
	))
	defer span.End()

	e.track(ec)
	defer e.untrack(ec.ExecutionID)

	ec.transition(StateRunning, StatePending)
	run.Emit(EventExecutionStarted, map[string]any{
		"name":  def.Name,
		"steps": len(def.Steps),
	})
	run.logger.Info("workflow execution started", zap.Int("steps", len(def.Steps)))

	abandoned, err := e.runBounded(ctx, run)
	ec, err = e.finalize(parent, run, span, err)
	if abandoned {
		// 被放弃的步骤仍可能写入 ec，调用方只拿到快照
		return ec.Snapshot(), err
	}
	return ec, err
}

// runBounded 在独立 goroutine 中执行顶层步骤。
// ctx 结束（超时或调用方取消）后最多等待 abandonGrace，之后放弃仍在运行的步骤并返回 ctx 错误。
func (e *Executor) runBounded(ctx context.Context, run *Run) (bool, error) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("workflow execution panic: %v", p)
			}
		}()
		done <- e.runTopLevel(ctx, run)
	}()

	select {
	case err := <-done:
		return false, err
	case <-ctx.Done():
	}

	grace := time.NewTimer(abandonGrace)
	defer grace.Stop()
	select {
	case err := <-done:
		return false, err
	case <-grace.C:
		run.logger.Warn("abandoning workflow step that ignored context",
			zap.String("step_id", run.ec.Snapshot().CurrentStep),
			zap.Error(ctx.Err()),
		)
		return true, ctx.Err()
	}
}

func (e *Executor) runTopLevel(ctx context.Context, run *Run) error {
	for _, step := range run.def.Steps {
		if err := run.awaitRunnable(ctx); err != nil {
			return err
		}
		if _, err := run.RunStep(ctx, step); err != nil {
			if run.ec.GetState() == StateCancelled {
				return errCancelled
			}
			if ctx.Err() != nil {
				return err
			}
			if rerr := run.applyRecovery(ctx, run.def.ErrorHandling, step.ID, err); rerr != nil {
				return rerr
			}
		}
	}
	return run.awaitRunnable(ctx)
}

func (e *Executor) finalize(parent context.Context, run *Run, span trace.Span, err error) (*ExecutionContext, error) {
	ec := run.ec

	target := StateCompleted
	var output any
	switch {
	case err == nil:
		output = run.output()
	case errors.Is(err, errCancelled):
		target, err = StateCancelled, nil
	case errors.Is(parent.Err(), context.Canceled):
		target = StateCancelled
	default:
		target = StateFailed
		if errors.Is(err, context.DeadlineExceeded) {
			msg := "workflow execution deadline exceeded"
			if run.def.Timeout > 0 {
				msg = fmt.Sprintf("workflow %q exceeded timeout %s", run.def.ID, run.def.Timeout)
			}
			err = types.NewTimeoutError(msg).WithCause(err)
		}
	}

	if final := ec.finish(target, output, err); final != target {
		// 结束前已被 Cancel
		target, err = final, nil
	}

	data := map[string]any{"durationMs": ec.Duration().Milliseconds()}
	switch target {
	case StateCompleted:
		data["steps"] = len(ec.Snapshot().StepOrder)
		run.Emit(EventExecutionCompleted, data)
		run.logger.Info("workflow execution completed", zap.Duration("duration", ec.Duration()))
	case StateCancelled:
		run.Emit(EventExecutionCancelled, data)
		run.logger.Info("workflow execution cancelled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		data["error"] = err.Error()
		data["currentStep"] = ec.Snapshot().CurrentStep
		run.Emit(EventExecutionFailed, data)
		run.logger.Error("workflow execution failed", zap.Error(err))
	}
	span.SetAttributes(attribute.String("workflow.state", string(target)))

	e.saveHistory(ec)
	return ec, err
}

func (e *Executor) saveHistory(ec *ExecutionContext) {
	if e.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.history.Save(ctx, ec.Snapshot()); err != nil {
		e.logger.Warn("failed to save execution history",
			zap.String("execution_id", ec.ExecutionID),
			zap.Error(err),
		)
	}
}

// ============================================================
// 控制
// ============================================================

func (e *Executor) track(ec *ExecutionContext) {
	e.mu.Lock()
	e.active[ec.ExecutionID] = ec
	e.mu.Unlock()
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

func (e *Executor) lookup(id string) (*ExecutionContext, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ec, ok := e.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return ec, nil
}

// Pause running → paused；执行器在下一个顶层步骤之前阻塞
func (e *Executor) Pause(id string) error {
	ec, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !ec.transition(StatePaused, StateRunning) {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, ec.GetState())
	}
	e.emitter.Emit(EventExecutionPaused, id, map[string]any{"workflowId": ec.WorkflowID})
	e.logger.Info("workflow execution paused", zap.String("execution_id", id))
	return nil
}

// Resume paused → running，唤醒等待中的执行
func (e *Executor) Resume(id string) error {
	ec, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !ec.transition(StateRunning, StatePaused) {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, ec.GetState())
	}
	e.emitter.Emit(EventExecutionResumed, id, map[string]any{"workflowId": ec.WorkflowID})
	e.logger.Info("workflow execution resumed", zap.String("execution_id", id))
	return nil
}

// Cancel 标记执行为 cancelled。正在运行的步骤不会被抢占，
// 执行在下一个顶层步骤边界结束。
func (e *Executor) Cancel(id string) error {
	ec, err := e.lookup(id)
	if err != nil {
		return err
	}
	if !ec.transition(StateCancelled) {
		return fmt.Errorf("%w: cancel from %s", ErrInvalidTransition, ec.GetState())
	}
	e.logger.Info("workflow execution cancel requested", zap.String("execution_id", id))
	return nil
}

// CancelAll 取消全部活动执行，返回取消的数量
func (e *Executor) CancelAll() int {
	n := 0
	for _, id := range e.ListActive() {
		if e.Cancel(id) == nil {
			n++
		}
	}
	return n
}

// GetStatus 返回活动执行的快照
func (e *Executor) GetStatus(id string) (*ExecutionContext, error) {
	ec, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return ec.Snapshot(), nil
}

// ListActive 返回活动执行 ID（排序）
func (e *Executor) ListActive() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ============================================================
// Run
// ============================================================

// Run 单次执行的解释器状态，传递给步骤处理器
type Run struct {
	exec   *Executor
	def    *Definition
	ec     *ExecutionContext
	suffix string
	logger *zap.Logger
}

// Context 返回执行上下文
func (r *Run) Context() *ExecutionContext { return r.ec }

// Definition 返回正在执行的定义
func (r *Run) Definition() *Definition { return r.def }

// Skills 返回 skill 注册表
func (r *Run) Skills() SkillRegistry { return r.exec.skills }

// Tools 返回工具连接器
func (r *Run) Tools() ToolConnector { return r.exec.tools }

// Logger 返回带执行信息的 logger
func (r *Run) Logger() *zap.Logger { return r.logger }

// Resolve 按当前变量解析值
func (r *Run) Resolve(v any) any {
	r.ec.mu.RLock()
	defer r.ec.mu.RUnlock()
	return ResolveValue(v, r.ec.Variables)
}

// Evaluate 按当前变量求值条件
func (r *Run) Evaluate(cond any) bool {
	r.ec.mu.RLock()
	defer r.ec.mu.RUnlock()
	return EvaluateCondition(cond, r.ec.Variables)
}

// resolveRef 对 "${name}" 形式的字符串返回变量原值，其余按 Resolve 处理
func (r *Run) resolveRef(v any) any {
	if s, ok := v.(string); ok {
		if m := exactRef.FindStringSubmatch(s); m != nil {
			r.ec.mu.RLock()
			defer r.ec.mu.RUnlock()
			val, _ := lookup(r.ec.Variables, m[1])
			return val
		}
	}
	return r.Resolve(v)
}

// Emit 以当前执行 ID 发布事件
func (r *Run) Emit(t events.Type, data map[string]any) {
	if data == nil {
		data = make(map[string]any)
	}
	if _, ok := data["workflowId"]; !ok {
		data["workflowId"] = r.ec.WorkflowID
	}
	r.exec.emitter.Emit(t, r.ec.ExecutionID, data)
}

// iteration 返回循环第 i 次迭代使用的 Run，嵌套步骤结果以 id[i] 记录
func (r *Run) iteration(i int) *Run {
	cp := *r
	cp.suffix = fmt.Sprintf("%s[%d]", r.suffix, i)
	return &cp
}

// RunSteps 按顺序执行步骤，遇到错误即返回
func (r *Run) RunSteps(ctx context.Context, steps []Step) error {
	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.RunStep(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// RunStep 执行单个步骤的完整生命周期：
// when 求值、重试、记录结果、发布事件、步骤级恢复。
func (r *Run) RunStep(ctx context.Context, step Step) (any, error) {
	key := step.ID + r.suffix
	r.ec.SetCurrentStep(key)

	if step.When != nil && !r.Evaluate(step.When) {
		r.Emit(EventStepSkipped, map[string]any{"stepId": key, "reason": "when condition is false"})
		r.logger.Debug("step skipped", zap.String("step_id", key))
		return nil, nil
	}

	handler, ok := r.exec.handlers.Get(step.Type)
	if !ok {
		handler = HandlerFunc(func(context.Context, *Run, Step) (any, error) {
			return nil, fmt.Errorf("no handler registered for step type %q", step.Type)
		})
	}

	ctx, span := r.exec.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step.id", key),
		attribute.String("step.type", string(step.Type)),
	))
	defer span.End()

	r.Emit(EventStepStarted, map[string]any{"stepId": key, "type": string(step.Type)})
	r.logger.Debug("step started", zap.String("step_id", key), zap.String("type", string(step.Type)))

	start := time.Now()
	out, attempts, err := retryDo(ctx, r.retryPolicy(step),
		func() (any, error) { return handler.Handle(ctx, r, step) },
		func(attempt int, err error, delay time.Duration) {
			r.Emit(EventStepRetry, map[string]any{
				"stepId":  key,
				"attempt": attempt,
				"delayMs": delay.Milliseconds(),
				"error":   err.Error(),
			})
			r.logger.Debug("retrying step",
				zap.String("step_id", key),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
		},
	)

	res := &StepResult{
		StepID:    key,
		Success:   err == nil,
		Output:    out,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
		Attempts:  attempts,
	}
	if err != nil {
		res.Error = err.Error()
	}
	r.ec.RecordResult(res)
	r.Emit(EventStepCompleted, map[string]any{
		"stepId":     key,
		"type":       string(step.Type),
		"success":    res.Success,
		"durationMs": res.Duration.Milliseconds(),
		"attempts":   attempts,
	})
	if err == nil {
		return out, nil
	}

	err = stepError(key, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.Emit(EventStepFailed, map[string]any{"stepId": key, "type": string(step.Type), "error": err.Error()})
	r.logError(key, err)

	if step.OnError == nil || ctx.Err() != nil {
		return nil, err
	}
	if rerr := r.applyRecovery(ctx, *step.OnError, key, err); rerr != nil {
		return nil, rerr
	}
	return nil, nil
}

// retryPolicy 步骤级策略优先；定义级与默认策略只作用于叶子步骤，
// 避免容器步骤与其子步骤的重试次数相乘。
func (r *Run) retryPolicy(step Step) RetryPolicy {
	if step.Retry != nil {
		return *step.Retry
	}
	switch step.Type {
	case StepCondition, StepParallel, StepLoop, StepCheckpoint, StepSetVariable, StepHumanReview:
		return RetryPolicy{}
	}
	if r.def.RetryPolicy != nil {
		return *r.def.RetryPolicy
	}
	return r.exec.defaultRetry
}

// applyRecovery 执行恢复策略；返回 nil 表示错误已被处理
func (r *Run) applyRecovery(ctx context.Context, eh ErrorHandling, stepID string, err error) error {
	switch eh.Strategy {
	case RecoverySkip:
		r.logger.Warn("step failure skipped", zap.String("step_id", stepID), zap.Error(err))
		return nil

	case RecoveryFallback:
		r.logger.Warn("running fallback steps", zap.String("step_id", stepID), zap.Int("steps", len(eh.FallbackSteps)))
		return r.RunSteps(ctx, eh.FallbackSteps)

	case RecoveryRollback:
		cp, rerr := r.ec.RestoreCheckpoint(eh.RollbackTo)
		if rerr != nil {
			r.logger.Error("rollback failed", zap.String("checkpoint", eh.RollbackTo), zap.Error(rerr))
			return errors.Join(err, rerr)
		}
		r.Emit(EventRollback, map[string]any{
			"stepId":      stepID,
			"checkpoint":  cp.Name,
			"currentStep": cp.CurrentStep,
		})
		r.logger.Info("rolled back to checkpoint", zap.String("checkpoint", cp.Name))
		return err

	case RecoveryManual:
		if r.ec.transition(StatePaused, StateRunning, StateWaitingReview) {
			r.Emit(EventExecutionPaused, map[string]any{"reason": "manual intervention"})
		}
		r.Emit(EventManualIntervention, map[string]any{"stepId": stepID, "error": err.Error()})
		r.logger.Warn("manual intervention required", zap.String("step_id", stepID), zap.Error(err))
		return nil
	}
	// retry（重试已耗尽）、abort 与未设置
	return err
}

func (r *Run) logError(stepID string, err error) {
	r.ec.AddError(stepID, err)
	r.Emit(EventErrorLogged, map[string]any{"stepId": stepID, "error": err.Error()})
}

// awaitRunnable 在 paused 时阻塞直到 resume 或 cancel
func (r *Run) awaitRunnable(ctx context.Context) error {
	for {
		st, changed := r.ec.watch()
		switch st {
		case StateCancelled:
			return errCancelled
		case StatePaused:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
			}
		default:
			return ctx.Err()
		}
	}
}

// output 返回声明的输出变量，未声明时返回全部变量的副本
func (r *Run) output() any {
	vars := r.ec.VariablesSnapshot()
	if len(r.def.Outputs) == 0 {
		return vars
	}
	out := make(map[string]any, len(r.def.Outputs))
	for _, name := range r.def.Outputs {
		v, _ := lookup(vars, name)
		out[name] = v
	}
	return out
}

// stepError 将处理器错误包装为结构化的 STEP_FAILED 错误
func stepError(stepID string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	if !retryable(err) {
		return err
	}
	return types.NewError(types.ErrStepFailed, fmt.Sprintf("step %q failed: %v", stepID, err)).
		WithCause(err).
		WithSource(stepID)
}
