package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nahisaho/musubi/agent/events"
	"github.com/nahisaho/musubi/types"
	"github.com/nahisaho/musubi/workflow"
)

const instrumentationName = "github.com/nahisaho/musubi/agent/orchestration"

// DefaultTimeout 引擎级默认超时
const DefaultTimeout = 5 * time.Minute

var (
	// ErrSkillNotFound 技能未注册
	ErrSkillNotFound = errors.New("skill not found")
	// ErrContextNotFound 活动上下文不存在
	ErrContextNotFound = errors.New("execution context not found")
	// ErrHumanGateRequired 要求人工确认但未配置确认钩子
	ErrHumanGateRequired = errors.New("human gate required but not configured")
)

// EngineConfig 引擎配置
type EngineConfig struct {
	Bus events.Bus

	// DefaultTimeout 每次 Execute 的超时，0 使用 DefaultTimeout，负数表示不限
	DefaultTimeout time.Duration

	// RateLimitRPS 每秒准入的执行数，0 表示不限
	RateLimitRPS   float64
	RateLimitBurst int

	// HumanGate 为 nil 时 RequestHumanValidation 自动通过，
	// 除非 RequireHumanGate 为 true
	HumanGate        HumanGate
	RequireHumanGate bool

	Resolver SkillResolver
}

// Request 执行请求
type Request struct {
	Task     string         `json:"task"`
	Priority Priority       `json:"priority,omitempty"`
	Skill    string         `json:"skill,omitempty"`
	Input    any            `json:"input,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type activeExecution struct {
	pc     *Context
	cancel context.CancelFunc
}

// Engine 编排引擎
type Engine struct {
	patterns    *PatternRegistry
	bus         events.Bus
	emitter     events.Emitter
	timeout     time.Duration
	limiter     *rate.Limiter
	gate        HumanGate
	requireGate bool
	resolver    SkillResolver
	logger      *zap.Logger
	tracer      trace.Tracer

	skillMu    sync.RWMutex
	skills     map[string]Skill
	skillOrder []string

	activeMu sync.RWMutex
	active   map[string]*activeExecution
}

// NewEngine 创建引擎
func NewEngine(cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		burst := cfg.RateLimitBurst
		if burst <= 0 {
			burst = max(1, int(cfg.RateLimitRPS))
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), burst)
	}

	return &Engine{
		patterns:    NewPatternRegistry(),
		bus:         cfg.Bus,
		emitter:     events.NewEmitter(cfg.Bus, eventSource),
		timeout:     timeout,
		limiter:     limiter,
		gate:        cfg.HumanGate,
		requireGate: cfg.RequireHumanGate,
		resolver:    cfg.Resolver,
		logger:      logger.With(zap.String("component", "orchestration_engine")),
		tracer:      otel.Tracer(instrumentationName),
		skills:      make(map[string]Skill),
		active:      make(map[string]*activeExecution),
	}
}

// Bus 返回事件总线，可能为 nil
func (e *Engine) Bus() events.Bus { return e.bus }

// Logger 返回引擎 logger
func (e *Engine) Logger() *zap.Logger { return e.logger }

// Patterns 返回模式注册表
func (e *Engine) Patterns() *PatternRegistry { return e.patterns }

// Emit 以 executionID 发布事件，供模式使用
func (e *Engine) Emit(t events.Type, executionID string, data map[string]any) {
	e.emitter.Emit(t, executionID, data)
}

// ============================================================
// 注册
// ============================================================

// RegisterPattern 注册模式
func (e *Engine) RegisterPattern(p Pattern) error {
	if err := e.patterns.Register(p); err != nil {
		return types.NewError(types.ErrValidation, err.Error())
	}
	d := p.Descriptor()
	e.emitter.Emit(EventPatternRegistered, "", map[string]any{"name": d.Name, "type": d.Type})
	e.logger.Info("pattern registered", zap.String("pattern", d.Name))
	return nil
}

// RegisterSkill 注册技能，同名技能被替换
func (e *Engine) RegisterSkill(s Skill) error {
	if s.Name == "" {
		return types.NewError(types.ErrValidation, "skill name is required")
	}
	if s.Invocable == nil {
		return types.NewError(types.ErrValidation, fmt.Sprintf("skill %q has no implementation", s.Name))
	}

	e.skillMu.Lock()
	if _, exists := e.skills[s.Name]; !exists {
		e.skillOrder = append(e.skillOrder, s.Name)
	}
	e.skills[s.Name] = s
	e.skillMu.Unlock()

	e.emitter.Emit(EventSkillRegistered, "", map[string]any{"name": s.Name, "keywords": s.Keywords})
	e.logger.Info("skill registered", zap.String("skill", s.Name))
	return nil
}

// RegisterSkillFunc 注册函数形式的技能
func (e *Engine) RegisterSkillFunc(name string, fn SkillFunc, keywords ...string) error {
	return e.RegisterSkill(Skill{Name: name, Keywords: keywords, Invocable: fn})
}

// UnregisterSkill 移除技能
func (e *Engine) UnregisterSkill(name string) bool {
	e.skillMu.Lock()
	defer e.skillMu.Unlock()
	if _, ok := e.skills[name]; !ok {
		return false
	}
	delete(e.skills, name)
	for i, n := range e.skillOrder {
		if n == name {
			e.skillOrder = append(e.skillOrder[:i:i], e.skillOrder[i+1:]...)
			break
		}
	}
	return true
}

// GetSkill 获取技能
func (e *Engine) GetSkill(name string) (Skill, bool) {
	e.skillMu.RLock()
	defer e.skillMu.RUnlock()
	s, ok := e.skills[name]
	return s, ok
}

// ListSkills 按注册顺序返回技能
func (e *Engine) ListSkills() []Skill {
	e.skillMu.RLock()
	defer e.skillMu.RUnlock()
	out := make([]Skill, 0, len(e.skillOrder))
	for _, name := range e.skillOrder {
		out = append(out, e.skills[name])
	}
	return out
}

// ResolveSkill 为任务文本选择技能：先询问外部解析器，
// 否则返回第一个关键词出现在小写任务文本中的技能。
func (e *Engine) ResolveSkill(task string) (string, bool) {
	if e.resolver != nil {
		if name, ok := e.resolver(task); ok {
			return name, true
		}
	}
	text := strings.ToLower(task)
	for _, s := range e.ListSkills() {
		for _, k := range s.Keywords {
			if k != "" && strings.Contains(text, strings.ToLower(k)) {
				return s.Name, true
			}
		}
	}
	return "", false
}

// ============================================================
// 执行
// ============================================================

// Execute 在引擎级超时下运行指定模式。
//
// 未知模式返回 VALIDATION 错误且不创建上下文。通过 Cancel 取消的执行
// 返回 status=cancelled 的上下文与 nil；失败返回 status=failed 的上下文与错误。
func (e *Engine) Execute(ctx context.Context, pattern string, req Request) (*Context, error) {
	p, ok := e.patterns.Get(pattern)
	if !ok {
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown pattern %q", pattern)).
			WithCause(ErrPatternNotFound)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, types.NewError(types.ErrRateLimited, "execution admission denied").
				WithCause(err).
				WithRetryable(true)
		}
	}

	pc := NewContext(req.Task, req.Priority)
	pc.Skill = req.Skill
	pc.Input = req.Input
	for k, v := range req.Metadata {
		pc.Metadata[k] = v
	}
	pc.Metadata["pattern"] = pattern

	parent := ctx
	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	ctx = types.WithRunID(ctx, pc.ID)

	ctx, span := e.tracer.Start(ctx, "orchestration.execute", trace.WithAttributes(
		attribute.String("orchestration.pattern", pattern),
		attribute.String("orchestration.context_id", pc.ID),
	))
	defer span.End()

	e.track(pc, cancel)
	defer e.untrack(pc.ID)

	pc.start()
	e.emitter.Emit(EventExecutionStarted, pc.ID, map[string]any{
		"pattern":  pattern,
		"task":     req.Task,
		"priority": string(pc.Priority),
	})
	e.logger.Info("execution started", zap.String("pattern", pattern), zap.String("context_id", pc.ID))

	out, err := e.runPattern(ctx, p, pc)
	return e.complete(parent, pattern, pc, span, out, err)
}

type patternResult struct {
	out any
	err error
}

// runPattern 模式在独立 goroutine 中运行，忽略 ctx 的模式在超时后被放弃
func (e *Engine) runPattern(ctx context.Context, p Pattern, pc *Context) (any, error) {
	ch := make(chan patternResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- patternResult{err: fmt.Errorf("pattern %q panicked: %v", p.Descriptor().Name, r)}
			}
		}()
		out, err := p.Execute(ctx, pc, e)
		ch <- patternResult{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		select {
		case r := <-ch:
			return r.out, r.err
		default:
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) complete(parent context.Context, pattern string, pc *Context, span trace.Span, out any, err error) (*Context, error) {
	target := StatusCompleted
	switch {
	case err == nil:
	case errors.Is(parent.Err(), context.Canceled):
		target = StatusCancelled
	default:
		target = StatusFailed
		if errors.Is(err, context.DeadlineExceeded) {
			err = types.NewTimeoutError(fmt.Sprintf("pattern %q exceeded timeout %s", pattern, e.timeout)).WithCause(err)
		}
	}

	final := pc.finish(target, out, err)
	data := map[string]any{"pattern": pattern, "durationMs": pc.Duration().Milliseconds()}
	switch final {
	case StatusCompleted:
		e.emitter.Emit(EventExecutionCompleted, pc.ID, data)
		e.logger.Info("execution completed", zap.String("context_id", pc.ID), zap.Duration("duration", pc.Duration()))
	case StatusCancelled:
		if target != StatusCancelled {
			// 通过 Cancel 取消
			err = nil
		}
		e.emitter.Emit(EventExecutionCancelled, pc.ID, data)
		e.logger.Info("execution cancelled", zap.String("context_id", pc.ID))
	default:
		data["error"] = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.emitter.Emit(EventExecutionFailed, pc.ID, data)
		e.logger.Error("execution failed", zap.String("context_id", pc.ID), zap.Error(err))
	}
	span.SetAttributes(attribute.String("orchestration.status", string(final)))
	return pc, err
}

// SkillOption 调整单次技能调用
type SkillOption func(*Context)

// WithMetadata 为子上下文附加元数据
func WithMetadata(md map[string]any) SkillOption {
	return func(c *Context) {
		for k, v := range md {
			c.Metadata[k] = v
		}
	}
}

// ExecuteSkill 创建子上下文并调用技能。parent 不为 nil 时子上下文挂在其下。
// 错误先记录到子上下文再原样返回。
func (e *Engine) ExecuteSkill(ctx context.Context, name string, input any, parent *Context, opts ...SkillOption) (any, error) {
	skill, ok := e.GetSkill(name)
	if !ok {
		return nil, types.NewNotFoundError("skill", name).WithCause(ErrSkillNotFound)
	}

	child := newChild(parent, "skill:"+name, name, input)
	for _, opt := range opts {
		opt(child)
	}
	execID := child.ID
	if runID, ok := types.RunID(ctx); ok {
		execID = runID
	}
	data := map[string]any{"skill": name, "contextId": child.ID, "parentId": child.ParentID}

	child.start()
	e.emitter.Emit(EventSkillExecutionStarted, execID, data)
	e.logger.Debug("skill started", zap.String("skill", name), zap.String("context_id", child.ID))

	out, err := invokeSafe(ctx, skill, input, e)
	if err != nil {
		child.finish(StatusFailed, nil, err)
		e.emitter.Emit(EventSkillExecutionFailed, execID, withField(data, "error", err.Error()))
		e.logger.Warn("skill failed", zap.String("skill", name), zap.Error(err))
		return nil, err
	}
	child.finish(StatusCompleted, out, nil)
	e.emitter.Emit(EventSkillExecutionCompleted, execID, withField(data, "durationMs", child.Duration().Milliseconds()))
	return out, nil
}

func invokeSafe(ctx context.Context, skill Skill, input any, e *Engine) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("skill %q panicked: %v", skill.Name, r)
		}
	}()
	return skill.Invoke(ctx, input, e)
}

func withField(data map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[key] = value
	return out
}

// RequestHumanValidation 将上下文置为 waitingForHuman 并等待确认钩子。
// 未配置钩子时自动通过；RequireHumanGate 为 true 时返回错误。
func (e *Engine) RequestHumanValidation(ctx context.Context, pc *Context, question string) (*HumanDecision, error) {
	pc.setStatus(StatusWaitingForHuman)
	defer pc.setStatus(StatusRunning)

	e.emitter.Emit(EventHumanValidationRequested, pc.ID, map[string]any{"question": question})
	if e.gate == nil {
		if e.requireGate {
			return nil, types.NewError(types.ErrHumanValidation, "human validation requested without a configured gate").
				WithCause(ErrHumanGateRequired)
		}
		e.logger.Warn("no human gate configured, auto-approving", zap.String("context_id", pc.ID))
		return &HumanDecision{Approved: true, Feedback: "auto-approved"}, nil
	}

	decision, err := e.gate.Request(ctx, question, pc)
	if err != nil {
		return nil, types.WrapError(err, types.ErrHumanValidation, "human validation failed")
	}
	if decision == nil {
		return nil, types.NewError(types.ErrHumanValidation, "human gate returned no decision")
	}
	return decision, nil
}

// ============================================================
// 活动表
// ============================================================

func (e *Engine) track(pc *Context, cancel context.CancelFunc) {
	e.activeMu.Lock()
	e.active[pc.ID] = &activeExecution{pc: pc, cancel: cancel}
	e.activeMu.Unlock()
}

func (e *Engine) untrack(id string) {
	e.activeMu.Lock()
	delete(e.active, id)
	e.activeMu.Unlock()
}

// Cancel 取消活动执行
func (e *Engine) Cancel(id string) error {
	e.activeMu.RLock()
	a, ok := e.active[id]
	e.activeMu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrContextNotFound, id)
	}
	if a.pc.finish(StatusCancelled, nil, nil) != StatusCancelled {
		return fmt.Errorf("execution %s already finished", id)
	}
	a.cancel()
	return nil
}

// CancelAll 取消全部活动执行，返回取消数量
func (e *Engine) CancelAll() int {
	n := 0
	for _, pc := range e.ActiveContexts() {
		if e.Cancel(pc.ID) == nil {
			n++
		}
	}
	return n
}

// ActiveContexts 返回活动上下文快照，按开始时间排序
func (e *Engine) ActiveContexts() []*Context {
	e.activeMu.RLock()
	out := make([]*Context, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a.pc.Snapshot())
	}
	e.activeMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// ============================================================
// workflow 适配
// ============================================================

type skillRegistry struct{ e *Engine }

// AsSkillRegistry 让工作流执行器通过引擎调用技能
func (e *Engine) AsSkillRegistry() workflow.SkillRegistry {
	return skillRegistry{e: e}
}

func (r skillRegistry) GetSkill(name string) (workflow.Runnable, bool) {
	if _, ok := r.e.GetSkill(name); !ok {
		return nil, false
	}
	return workflow.RunnableFunc(func(ctx context.Context, input any) (any, error) {
		return r.e.ExecuteSkill(ctx, name, input, nil)
	}), true
}
