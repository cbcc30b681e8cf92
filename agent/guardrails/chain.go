package guardrails

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nahisaho/musubi/agent/events"
)

// ChainMode 护栏链执行模式
type ChainMode string

const (
	// ChainSequential 按添加顺序依次执行（默认）
	ChainSequential ChainMode = "sequential"
	// ChainParallel 并发执行全部护栏
	ChainParallel ChainMode = "parallel"
)

// 护栏链事件
const (
	EventGuardrailPassed   events.Type = "guardrail:passed"
	EventGuardrailFailed   events.Type = "guardrail:failed"
	EventGuardrailTripwire events.Type = "guardrail:tripwire"
)

// ChainConfig 护栏链配置
type ChainConfig struct {
	Name               string
	Mode               ChainMode
	StopOnFirstFailure bool
	// Bus 非空时发布 guardrail:* 事件
	Bus events.Bus
	// Audit 非空时记录未通过的结果
	Audit AuditLogger
}

// ChainResult 护栏链结果
type ChainResult struct {
	Passed     bool        `json:"passed"`
	ChainName  string      `json:"chainName"`
	Results    []*Result   `json:"results"`
	Violations []Violation `json:"violations"`
	// Processed 依次经各护栏处理后的值；没有护栏处理时为原值
	Processed       any   `json:"processed,omitempty"`
	GuardrailCount  int   `json:"guardrailCount"`
	ExecutedCount   int   `json:"executedCount"`
	ExecutionTimeMs int64 `json:"executionTimeMs"`
}

// Chain 护栏链，按添加顺序保存护栏
type Chain struct {
	name       string
	mode       ChainMode
	stopOnFail bool
	guardrails []Guardrail
	emitter    events.Emitter
	audit      AuditLogger
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewChain 创建护栏链
func NewChain(cfg ChainConfig, logger *zap.Logger) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.Name
	if name == "" {
		name = "guardrail-chain"
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ChainSequential
	}
	return &Chain{
		name:       name,
		mode:       mode,
		stopOnFail: cfg.StopOnFirstFailure,
		emitter:    events.NewEmitter(cfg.Bus, name),
		audit:      cfg.Audit,
		logger:     logger.With(zap.String("component", "guardrail_chain"), zap.String("chain", name)),
	}
}

// Name 链名称
func (c *Chain) Name() string { return c.name }

// Mode 执行模式
func (c *Chain) Mode() ChainMode { return c.mode }

// Add 追加护栏
func (c *Chain) Add(gs ...Guardrail) *Chain {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range gs {
		if g != nil {
			c.guardrails = append(c.guardrails, g)
		}
	}
	return c
}

// Remove 按名称移除护栏
func (c *Chain) Remove(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, g := range c.guardrails {
		if g.Name() == name {
			c.guardrails = append(c.guardrails[:i], c.guardrails[i+1:]...)
			return true
		}
	}
	return false
}

// Guardrails 返回护栏列表副本
func (c *Chain) Guardrails() []Guardrail {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Guardrail, len(c.guardrails))
	copy(out, c.guardrails)
	return out
}

// Len 护栏数量
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.guardrails)
}

// Run 执行护栏链；任一护栏触发 tripwire 时返回 *TripwireError 与已执行部分的结果
func (c *Chain) Run(ctx context.Context, value any, rc RuleContext) (*ChainResult, error) {
	gs := c.Guardrails()
	start := time.Now()

	var (
		results   []*Result
		processed any
		err       error
	)
	if c.mode == ChainParallel {
		results, processed, err = c.runParallel(ctx, gs, value, rc)
	} else {
		results, processed, err = c.runSequential(ctx, gs, value, rc)
	}

	out := &ChainResult{
		Passed:         true,
		ChainName:      c.name,
		Results:        results,
		Violations:     []Violation{},
		Processed:      processed,
		GuardrailCount: len(gs),
		ExecutedCount:  len(results),
	}
	for _, r := range results {
		if !r.Passed {
			out.Passed = false
		}
		out.Violations = append(out.Violations, r.Violations...)
	}
	out.ExecutionTimeMs = time.Since(start).Milliseconds()

	if err != nil {
		out.Passed = false
		return out, err
	}
	c.logger.Debug("guardrail chain completed",
		zap.Bool("passed", out.Passed),
		zap.Int("executed", out.ExecutedCount),
		zap.Int64("duration_ms", out.ExecutionTimeMs))
	return out, nil
}

// runSequential 依次执行，后一个护栏检查前一个护栏处理后的值
func (c *Chain) runSequential(ctx context.Context, gs []Guardrail, value any, rc RuleContext) ([]*Result, any, error) {
	results := make([]*Result, 0, len(gs))
	current := value
	for _, g := range gs {
		res, err := g.Run(ctx, current, rc)
		if te, ok := AsTripwire(err); ok {
			results = append(results, te.Result)
			c.observe(ctx, current, te.Result, true)
			return results, current, err
		}
		if err != nil {
			res = errorResult(g.Name(), err)
		}
		results = append(results, res)
		c.observe(ctx, current, res, false)
		if v, ok := processedValue(res); ok {
			current = v
		}
		if c.stopOnFail && !res.Passed {
			break
		}
	}
	return results, current, nil
}

// runParallel 并发执行；stopOnFirstFailure 时首个失败取消共享 ctx，但仍等待在途护栏结束。
// 所有护栏检查原值，完成后按添加顺序叠加清洗与脱敏；转换器结果不参与叠加。
func (c *Chain) runParallel(ctx context.Context, gs []Guardrail, value any, rc RuleContext) ([]*Result, any, error) {
	if len(gs) == 0 {
		return []*Result{}, value, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	slots := make([]*Result, len(gs))
	var (
		tripOnce sync.Once
		tripErr  error
	)

	g, gctx := errgroup.WithContext(runCtx)
	for i, gr := range gs {
		g.Go(func() error {
			// 已取消的护栏不再启动
			if c.stopOnFail && gctx.Err() != nil {
				return nil
			}
			res, err := gr.Run(gctx, value, rc)
			if te, ok := AsTripwire(err); ok {
				slots[i] = te.Result
				tripOnce.Do(func() {
					tripErr = err
					cancel()
				})
				return nil
			}
			if err != nil {
				res = errorResult(gr.Name(), err)
			}
			slots[i] = res
			if c.stopOnFail && !res.Passed {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	results := make([]*Result, 0, len(gs))
	processed := value
	for i, r := range slots {
		if r == nil {
			continue
		}
		results = append(results, r)
		if _, ok := processedValue(r); !ok {
			continue
		}
		if p, ok := gs[i].(processor); ok {
			processed = p.process(processed)
		}
	}
	for _, r := range results {
		c.observe(ctx, value, r, tripErr != nil && !r.Passed && r.GuardrailName == tripName(tripErr))
	}
	return results, processed, tripErr
}

// processor 可在并行模式下重放的纯处理步骤（清洗、脱敏）
type processor interface {
	process(value any) any
}

// processedValue 读取护栏处理后的值: 输出护栏的 processedOutput 或输入护栏的 sanitizedInput
func processedValue(res *Result) (any, bool) {
	if res == nil {
		return nil, false
	}
	if v, ok := res.Metadata["processedOutput"]; ok {
		return v, true
	}
	v, ok := res.Metadata["sanitizedInput"]
	return v, ok
}

func tripName(err error) string {
	if te, ok := AsTripwire(err); ok {
		return te.GuardrailName
	}
	return ""
}

// observe 发布事件并写审计日志
func (c *Chain) observe(ctx context.Context, value any, res *Result, tripwire bool) {
	data := map[string]any{
		"chain":           c.name,
		"guardrail":       res.GuardrailName,
		"passed":          res.Passed,
		"violations":      res.ViolationCodes(),
		"executionTimeMs": res.ExecutionTimeMs,
	}
	switch {
	case tripwire:
		c.emitter.Emit(EventGuardrailTripwire, "", data)
	case res.Passed:
		c.emitter.Emit(EventGuardrailPassed, "", data)
	default:
		c.emitter.Emit(EventGuardrailFailed, "", data)
	}

	if res.Passed || c.audit == nil {
		return
	}
	if err := c.audit.Log(ctx, newAuditEntry(c.name, value, res, tripwire)); err != nil {
		c.logger.Warn("audit log failed", zap.Error(err))
	}
}

func errorResult(name string, err error) *Result {
	res := NewResult(name)
	res.Passed = false
	res.Message = "Guardrail execution error"
	res.Violations = append(res.Violations, Violation{
		Code:     CodeGuardrailError,
		Message:  err.Error(),
		Severity: SeverityError,
	})
	return res
}
