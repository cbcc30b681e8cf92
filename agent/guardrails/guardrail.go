package guardrails

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Guardrail 护栏接口，实现需支持并发 Run
type Guardrail interface {
	// Name 返回护栏名称
	Name() string
	// Run 执行护栏；仅在 tripwire 触发时返回 *TripwireError
	Run(ctx context.Context, value any, rc RuleContext) (*Result, error)
}

// ValidatorResult 自定义验证器结果
type ValidatorResult struct {
	Passed  bool
	Message string
}

// ValidatorFunc 自定义验证器
type ValidatorFunc func(ctx context.Context, value any, rc RuleContext) (ValidatorResult, error)

// TransformerFunc 输出转换器，在验证前改写输出
type TransformerFunc func(ctx context.Context, value any, rc RuleContext) (any, error)

// Config 护栏配置
type Config struct {
	Name        string
	Description string
	// Enabled nil 表示启用
	Enabled         *bool
	FailFast        bool
	DefaultSeverity Severity
	TripwireEnabled bool

	// Rules 直接给出的规则，追加在 RuleSet 之后
	Rules []Rule
	// RuleSet 规则集名称，从 Registry（默认进程级注册表）解析
	RuleSet  string
	Registry *RuleRegistry
	// FieldRules 输入为记录时按字段应用的规则
	FieldRules map[string][]Rule

	Sanitize  *SanitizeOptions
	Validator ValidatorFunc

	Redact          *RedactOptions
	Transformer     TransformerFunc
	ContentPolicies []ContentPolicy
	QualityChecks   []QualityCheck

	Logger *zap.Logger
}

// resolveRules 合并规则集与直接规则
func (c Config) resolveRules() ([]Rule, error) {
	var rules []Rule
	if c.RuleSet != "" {
		reg := c.Registry
		if reg == nil {
			reg = DefaultRuleRegistry()
		}
		set, err := reg.MustGet(c.RuleSet)
		if err != nil {
			return nil, err
		}
		rules = append(rules, set...)
	}
	rules = append(rules, cloneRules(c.Rules)...)
	return rules, nil
}

// checkFunc 子类实现的检查逻辑
type checkFunc func(ctx context.Context, value any, rc RuleContext) (*Result, error)

// base 护栏公共执行流程
type base struct {
	name            string
	description     string
	enabled         bool
	failFast        bool
	tripwire        bool
	defaultSeverity Severity
	logger          *zap.Logger
}

func newBase(cfg Config, defaultName string) base {
	name := cfg.Name
	if name == "" {
		name = defaultName
	}
	sev := cfg.DefaultSeverity
	if sev == "" {
		sev = SeverityError
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{
		name:            name,
		description:     cfg.Description,
		enabled:         cfg.Enabled == nil || *cfg.Enabled,
		failFast:        cfg.FailFast,
		tripwire:        cfg.TripwireEnabled,
		defaultSeverity: sev,
		logger:          logger.With(zap.String("component", "guardrail"), zap.String("guardrail", name)),
	}
}

// Name 返回护栏名称
func (b *base) Name() string { return b.name }

// Description 返回描述
func (b *base) Description() string { return b.description }

// Enabled 是否启用
func (b *base) Enabled() bool { return b.enabled }

// run 公共执行流程：禁用短路、计时、检查、错误转换、tripwire
func (b *base) run(ctx context.Context, value any, rc RuleContext, check checkFunc) (*Result, error) {
	if !b.enabled {
		res := NewResult(b.name)
		res.Message = "Guardrail is disabled"
		return res, nil
	}

	start := time.Now()
	res, err := safeCheck(ctx, value, rc, check)
	if err != nil {
		b.logger.Warn("guardrail check error", zap.Error(err))
		res = NewResult(b.name)
		res.Violations = append(res.Violations, Violation{
			Code:     CodeGuardrailError,
			Message:  fmt.Sprintf("Guardrail execution error: %v", err),
			Severity: SeverityError,
		})
		res.Passed = false
		res.Message = "Guardrail execution error"
		res.GuardrailName = b.name
		res.ExecutionTimeMs = time.Since(start).Milliseconds()
		return res, nil
	}

	res.GuardrailName = b.name
	res.ExecutionTimeMs = time.Since(start).Milliseconds()

	if b.tripwire && !res.Passed {
		b.logger.Warn("tripwire triggered", zap.Strings("codes", res.ViolationCodes()))
		return res, &TripwireError{GuardrailName: b.name, Result: res}
	}
	return res, nil
}

// safeCheck 将检查中的 panic 转换为错误
func safeCheck(ctx context.Context, value any, rc RuleContext, check checkFunc) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	res, err = check(ctx, value, rc)
	if err == nil && res == nil {
		err = fmt.Errorf("check returned no result")
	}
	return res, err
}

// evalRule 执行单条规则，panic 作为错误返回
func evalRule(r Rule, value any, rc RuleContext) (res CheckResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rule %s panicked: %v", r.ID, p)
		}
	}()
	return r.Check(value, rc), nil
}

// collector 违规收集器，支持 failFast
type collector struct {
	failFast   bool
	violations []Violation
}

func (c *collector) add(v Violation) {
	if c.stopped() {
		return
	}
	c.violations = append(c.violations, v)
}

func (c *collector) stopped() bool {
	return c.failFast && len(c.violations) > 0
}

// applyRules 对 value 应用规则；ruleErrSeverity 指定规则异常的违规级别
func (c *collector) applyRules(rules []Rule, value any, rc RuleContext, def Severity, ruleErrSeverity Severity, extra map[string]any) {
	for _, r := range rules {
		if c.stopped() {
			return
		}
		res, err := evalRule(r, value, rc)
		if err != nil {
			v := Violation{
				Code:     CodeRuleError,
				Message:  err.Error(),
				Severity: ruleErrSeverity,
				Context:  map[string]any{"rule": r.ID},
			}
			for k, val := range extra {
				v.Context[k] = val
			}
			c.add(v)
			continue
		}
		if res.Passed {
			continue
		}
		v := r.violation(res, def)
		for k, val := range extra {
			v.Context[k] = val
		}
		c.add(v)
	}
}

// Evaluate 执行护栏并以 Outcome 返回，不抛出 tripwire
func Evaluate(ctx context.Context, g Guardrail, value any, rc RuleContext) Outcome {
	res, err := g.Run(ctx, value, rc)
	if te, ok := AsTripwire(err); ok {
		return Outcome{Kind: OutcomeTrip, Result: te.Result}
	}
	if err != nil {
		res = NewResult(g.Name())
		res.Violations = append(res.Violations, Violation{
			Code:     CodeGuardrailError,
			Message:  err.Error(),
			Severity: SeverityError,
		})
		res.Passed = false
		return Outcome{Kind: OutcomeFail, Result: res}
	}
	if res.Passed {
		return Outcome{Kind: OutcomePass, Result: res}
	}
	return Outcome{Kind: OutcomeFail, Result: res}
}
