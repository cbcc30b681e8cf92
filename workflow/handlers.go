package workflow

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nahisaho/musubi/internal/values"
)

// StepHandler 执行一种类型的步骤
type StepHandler interface {
	Handle(ctx context.Context, run *Run, step Step) (any, error)
}

// HandlerFunc 将函数适配为 StepHandler
type HandlerFunc func(ctx context.Context, run *Run, step Step) (any, error)

// Handle 实现 StepHandler
func (f HandlerFunc) Handle(ctx context.Context, run *Run, step Step) (any, error) {
	return f(ctx, run, step)
}

// HandlerRegistry 步骤类型到处理器的分派表
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[StepType]StepHandler
}

// NewHandlerRegistry 创建空的处理器注册表
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[StepType]StepHandler)}
}

// DefaultHandlers 创建包含全部内置步骤类型的注册表
func DefaultHandlers() *HandlerRegistry {
	r := NewHandlerRegistry()
	r.Register(StepSkill, HandlerFunc(handleSkill))
	r.Register(StepTool, HandlerFunc(handleTool))
	r.Register(StepCondition, HandlerFunc(handleCondition))
	r.Register(StepParallel, HandlerFunc(handleParallel))
	r.Register(StepLoop, HandlerFunc(handleLoop))
	r.Register(StepCheckpoint, HandlerFunc(handleCheckpoint))
	r.Register(StepHumanReview, HandlerFunc(handleHumanReview))
	r.Register(StepSetVariable, HandlerFunc(handleSetVariable))
	return r
}

// Register 注册或替换处理器
func (r *HandlerRegistry) Register(t StepType, h StepHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Get 获取处理器
func (r *HandlerRegistry) Get(t StepType) (StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Has 是否已注册
func (r *HandlerRegistry) Has(t StepType) bool {
	_, ok := r.Get(t)
	return ok
}

// Types 返回已注册的类型（排序）
func (r *HandlerRegistry) Types() []StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StepType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ============================================================
// 内置处理器
// ============================================================

func handleSkill(ctx context.Context, run *Run, step Step) (any, error) {
	if run.exec.skills == nil {
		return nil, fmt.Errorf("%w: %q", ErrSkillNotFound, step.SkillID)
	}
	skill, ok := run.exec.skills.GetSkill(step.SkillID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSkillNotFound, step.SkillID)
	}

	out, err := skill.Execute(ctx, run.Resolve(step.Input))
	if err != nil {
		return nil, err
	}
	if step.OutputVariable != "" {
		run.ec.SetVariable(step.OutputVariable, out)
	}
	return out, nil
}

func handleTool(ctx context.Context, run *Run, step Step) (any, error) {
	if run.exec.tools == nil {
		return nil, ErrNoToolConnector
	}

	var args map[string]any
	switch resolved := run.Resolve(step.Arguments).(type) {
	case nil:
		args = map[string]any{}
	case map[string]any:
		args = resolved
	default:
		return nil, fmt.Errorf("tool %q: arguments must be a record, got %s", step.ToolName, values.Kind(resolved))
	}

	out, err := run.exec.tools.CallTool(ctx, step.ServerName, step.ToolName, args)
	if err != nil {
		return nil, err
	}
	if step.OutputVariable != "" {
		run.ec.SetVariable(step.OutputVariable, out)
	}
	return out, nil
}

func handleCondition(ctx context.Context, run *Run, step Step) (any, error) {
	branch, steps := "else", step.Else
	if run.Evaluate(step.Condition) {
		branch, steps = "then", step.Then
	}
	out := map[string]any{"result": branch == "then", "branch": branch}
	return out, run.RunSteps(ctx, steps)
}

// handleParallel 以 maxConcurrency 为窗口并发执行子步骤。
// 结果按提交顺序返回；多个子步骤失败时返回下标最小的错误。
func handleParallel(ctx context.Context, run *Run, step Step) (any, error) {
	limit := step.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}

	results := make([]any, len(step.Steps))
	errs := make([]error, len(step.Steps))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, sub := range step.Steps {
		g.Go(func() error {
			results[i], errs[i] = run.RunStep(ctx, sub)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			return results, fmt.Errorf("parallel %q: sub-step %q: %w", step.ID, step.Steps[i].ID, err)
		}
	}
	return results, nil
}

func handleLoop(ctx context.Context, run *Run, step Step) (any, error) {
	items, ok := asList(run.resolveRef(step.Items))
	if !ok {
		return nil, fmt.Errorf("%w: loop %q", ErrInvalidItems, step.ID)
	}
	maxIter := step.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	itemVar := step.ItemVariable
	if itemVar == "" {
		itemVar = DefaultItemVariable
	}
	indexVar := step.IndexVariable
	if indexVar == "" {
		indexVar = DefaultIndexVariable
	}

	n := 0
	for i, item := range items {
		if i >= maxIter {
			run.logger.Warn("loop reached max iterations",
				zap.String("step_id", step.ID),
				zap.Int("max_iterations", maxIter),
				zap.Int("items", len(items)),
			)
			run.Emit(EventWarning, map[string]any{
				"stepId":        step.ID,
				"message":       "loop aborted after reaching maxIterations",
				"maxIterations": maxIter,
				"items":         len(items),
			})
			break
		}
		if err := ctx.Err(); err != nil {
			return map[string]any{"iterations": n}, err
		}

		run.ec.SetVariable(itemVar, item)
		run.ec.SetVariable(indexVar, i)
		if err := run.iteration(i).RunSteps(ctx, step.Steps); err != nil {
			return map[string]any{"iterations": n}, err
		}
		n++
	}
	return map[string]any{"iterations": n, "truncated": n < len(items)}, nil
}

func handleCheckpoint(_ context.Context, run *Run, step Step) (any, error) {
	name := step.Name
	if name == "" {
		name = step.ID
	}
	cp := run.ec.CreateCheckpoint(name)
	run.Emit(EventCheckpoint, map[string]any{
		"stepId":      step.ID,
		"name":        cp.Name,
		"currentStep": cp.CurrentStep,
	})
	return cp.Name, nil
}

func handleHumanReview(ctx context.Context, run *Run, step Step) (any, error) {
	if run.exec.review == nil {
		return nil, ErrNoReviewGate
	}

	message := values.Stringify(run.Resolve(step.Message))
	req := ReviewRequest{
		ExecutionID: run.ec.ExecutionID,
		WorkflowID:  run.ec.WorkflowID,
		StepID:      step.ID,
		Message:     message,
		Options:     append([]string(nil), step.Options...),
	}

	run.ec.transition(StateWaitingReview, StateRunning)
	run.Emit(EventReviewRequired, map[string]any{
		"stepId":  step.ID,
		"message": message,
		"options": req.Options,
	})
	decision, err := run.exec.review.Review(ctx, req)
	run.ec.transition(StateRunning, StateWaitingReview)
	if err != nil {
		return nil, err
	}
	if decision == nil {
		return nil, fmt.Errorf("review for step %q returned no decision", step.ID)
	}
	if !decision.Approved && !slices.Contains(step.Options, decision.Option) {
		return decision, fmt.Errorf("%w: step %q: %s", ErrReviewRejected, step.ID, decision.Feedback)
	}
	return decision, nil
}

func handleSetVariable(_ context.Context, run *Run, step Step) (any, error) {
	value := run.Resolve(step.Value)
	run.ec.SetVariable(step.Variable, value)
	return value, nil
}

// exactRef 匹配仅由单个 ${name} 组成的字符串
var exactRef = regexp.MustCompile(`^\$\{\s*([^{}]+?)\s*\}$`)
