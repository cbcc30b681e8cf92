package guardrails

import (
	"context"
	"fmt"
	"sort"
)

// InputGuardrail 输入护栏：清洗 → 自定义验证器 → 字段规则 → 通用规则
type InputGuardrail struct {
	base
	rules      []Rule
	fieldRules map[string][]Rule
	sanitize   *SanitizeOptions
	validator  ValidatorFunc
}

// NewInputGuardrail 创建输入护栏
func NewInputGuardrail(cfg Config) (*InputGuardrail, error) {
	rules, err := cfg.resolveRules()
	if err != nil {
		return nil, err
	}
	g := &InputGuardrail{
		base:       newBase(cfg, "input-guardrail"),
		rules:      rules,
		fieldRules: make(map[string][]Rule, len(cfg.FieldRules)),
		sanitize:   cfg.Sanitize,
		validator:  cfg.Validator,
	}
	for field, rs := range cfg.FieldRules {
		g.fieldRules[field] = cloneRules(rs)
	}
	return g, nil
}

// Rules 返回规则副本
func (g *InputGuardrail) Rules() []Rule {
	return cloneRules(g.rules)
}

// Run 执行输入护栏
func (g *InputGuardrail) Run(ctx context.Context, value any, rc RuleContext) (*Result, error) {
	return g.run(ctx, value, rc, g.check)
}

func (g *InputGuardrail) check(ctx context.Context, value any, rc RuleContext) (*Result, error) {
	res := NewResult(g.name)
	res.Metadata["originalInput"] = value

	processed := value
	if g.sanitize != nil {
		processed = g.sanitize.Sanitize(value)
		res.Metadata["sanitizedInput"] = processed
	}

	c := &collector{failFast: g.failFast}

	if g.validator != nil {
		g.runValidator(ctx, c, processed, rc)
	}

	checked := 0
	if record, ok := processed.(map[string]any); ok && len(g.fieldRules) > 0 {
		fields := make([]string, 0, len(g.fieldRules))
		for f := range g.fieldRules {
			fields = append(fields, f)
		}
		sort.Strings(fields)

		for _, field := range fields {
			if c.stopped() {
				break
			}
			before := len(c.violations)
			rules := g.fieldRules[field]
			c.applyRules(rules, record[field], rc, g.defaultSeverity, SeverityError, map[string]any{"field": field})
			checked += len(rules)
			// failFast 时在第一个出现违规的字段后停止
			if g.failFast && len(c.violations) > before {
				break
			}
		}
	}

	if !c.stopped() && len(g.rules) > 0 {
		content := ExtractContent(processed)
		c.applyRules(g.rules, content, rc, g.defaultSeverity, SeverityError, nil)
		checked += len(g.rules)
	}

	res.Violations = append(res.Violations, c.violations...)
	res.Metadata["rulesChecked"] = checked
	res.finalize()
	return res, nil
}

func (g *InputGuardrail) process(value any) any {
	if g.sanitize == nil {
		return value
	}
	return g.sanitize.Sanitize(value)
}

func (g *InputGuardrail) runValidator(ctx context.Context, c *collector, value any, rc RuleContext) {
	vr, err := safeValidator(ctx, g.validator, value, rc)
	if err != nil {
		c.add(Violation{
			Code:     CodeCustomValidatorError,
			Message:  fmt.Sprintf("Custom validator error: %v", err),
			Severity: SeverityError,
		})
		return
	}
	if !vr.Passed {
		msg := vr.Message
		if msg == "" {
			msg = "Custom validation failed"
		}
		c.add(Violation{
			Code:     CodeCustomValidatorFailed,
			Message:  msg,
			Severity: g.defaultSeverity,
		})
	}
}

func safeValidator(ctx context.Context, fn ValidatorFunc, value any, rc RuleContext) (res ValidatorResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, value, rc)
}
