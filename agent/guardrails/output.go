package guardrails

import (
	"context"
	"fmt"
	"math"
)

// PolicyResult 内容策略结果
type PolicyResult struct {
	Passed  bool
	Message string
}

// ContentPolicy 命名内容策略
type ContentPolicy struct {
	Name     string
	Check    func(ctx context.Context, value any, rc RuleContext) PolicyResult
	Severity Severity
}

// QualityResult 质量检查结果，Score 取值 [0,1]
type QualityResult struct {
	Passed  bool
	Message string
	Score   float64
}

// QualityCheck 质量检查；低于阈值只产生 warning
type QualityCheck struct {
	Name      string
	Check     func(ctx context.Context, value any, rc RuleContext) QualityResult
	Threshold float64
}

// OutputGuardrail 输出护栏：转换 → 规则 → 内容策略 → 质量检查 → 脱敏
type OutputGuardrail struct {
	base
	rules       []Rule
	policies    []ContentPolicy
	quality     []QualityCheck
	transformer TransformerFunc
	redactor    *Redactor
}

// NewOutputGuardrail 创建输出护栏
func NewOutputGuardrail(cfg Config) (*OutputGuardrail, error) {
	rules, err := cfg.resolveRules()
	if err != nil {
		return nil, err
	}
	g := &OutputGuardrail{
		base:        newBase(cfg, "output-guardrail"),
		rules:       rules,
		policies:    append([]ContentPolicy(nil), cfg.ContentPolicies...),
		quality:     append([]QualityCheck(nil), cfg.QualityChecks...),
		transformer: cfg.Transformer,
	}
	if cfg.Redact != nil {
		g.redactor = NewRedactor(*cfg.Redact)
	}
	return g, nil
}

// Run 执行输出护栏
func (g *OutputGuardrail) Run(ctx context.Context, value any, rc RuleContext) (*Result, error) {
	return g.run(ctx, value, rc, g.check)
}

// RedactionEnabled 是否启用脱敏
func (g *OutputGuardrail) RedactionEnabled() bool {
	return g.redactor != nil
}

func (g *OutputGuardrail) check(ctx context.Context, value any, rc RuleContext) (*Result, error) {
	res := NewResult(g.name)
	res.Metadata["originalOutput"] = value

	output := value
	c := &collector{failFast: g.failFast}

	if g.transformer != nil {
		transformed, err := safeTransform(ctx, g.transformer, value, rc)
		if err != nil {
			c.add(Violation{
				Code:     CodeTransformerError,
				Message:  fmt.Sprintf("Transformer error: %v", err),
				Severity: SeverityError,
			})
		} else {
			output = transformed
		}
	}

	if !c.stopped() && len(g.rules) > 0 {
		c.applyRules(g.rules, ExtractContent(output), rc, g.defaultSeverity, SeverityError, nil)
	}

	for _, p := range g.policies {
		if c.stopped() {
			break
		}
		pr, err := safePolicy(ctx, p, output, rc)
		if err != nil {
			c.add(Violation{
				Code:     CodeContentPolicy,
				Message:  fmt.Sprintf("Content policy %s error: %v", p.Name, err),
				Severity: SeverityError,
				Context:  map[string]any{"policy": p.Name},
			})
			continue
		}
		if pr.Passed {
			continue
		}
		sev := p.Severity
		if sev == "" {
			sev = g.defaultSeverity
		}
		msg := pr.Message
		if msg == "" {
			msg = fmt.Sprintf("Content policy %s violated", p.Name)
		}
		c.add(Violation{
			Code:     CodeContentPolicy,
			Message:  msg,
			Severity: sev,
			Context:  map[string]any{"policy": p.Name},
		})
	}

	if len(g.quality) > 0 {
		scores := make(map[string]float64, len(g.quality))
		for _, q := range g.quality {
			if c.stopped() {
				break
			}
			qr, err := safeQuality(ctx, q, output, rc)
			if err != nil {
				// 质量检查异常只作为警告
				c.add(Violation{
					Code:     CodeQualityCheckError,
					Message:  fmt.Sprintf("Quality check %s error: %v", q.Name, err),
					Severity: SeverityWarning,
					Context:  map[string]any{"check": q.Name},
				})
				continue
			}
			score := math.Max(0, math.Min(1, qr.Score))
			scores[q.Name] = score
			if !qr.Passed || score < q.Threshold {
				msg := qr.Message
				if msg == "" {
					msg = fmt.Sprintf("Quality check %s scored %.2f below threshold %.2f", q.Name, score, q.Threshold)
				}
				c.add(Violation{
					Code:     CodeQualityCheck,
					Message:  msg,
					Severity: SeverityWarning,
					Context:  map[string]any{"check": q.Name, "score": score, "threshold": q.Threshold},
				})
			}
		}
		res.Metadata["qualityScores"] = scores
	}

	processed := output
	if g.redactor != nil {
		redacted, count, summary := g.redactor.Redact(output)
		processed = redacted
		res.Metadata["redactionCount"] = count
		res.Metadata["redactions"] = summary
	}
	res.Metadata["processedOutput"] = processed

	res.Violations = append(res.Violations, c.violations...)
	res.finalize()
	return res, nil
}

func (g *OutputGuardrail) process(value any) any {
	if g.redactor == nil {
		return value
	}
	redacted, _, _ := g.redactor.Redact(value)
	return redacted
}

// ProcessedOutput 从结果中读取处理后的输出，缺失时返回 fallback
func ProcessedOutput(res *Result, fallback any) any {
	if res == nil {
		return fallback
	}
	if v, ok := res.Metadata["processedOutput"]; ok {
		return v
	}
	return fallback
}

// RedactionCount 从结果中读取脱敏次数
func RedactionCount(res *Result) int {
	if res == nil {
		return 0
	}
	n, _ := res.Metadata["redactionCount"].(int)
	return n
}

func safeTransform(ctx context.Context, fn TransformerFunc, value any, rc RuleContext) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx, value, rc)
}

func safePolicy(ctx context.Context, p ContentPolicy, value any, rc RuleContext) (res PolicyResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if p.Check == nil {
		return PolicyResult{Passed: true}, nil
	}
	return p.Check(ctx, value, rc), nil
}

func safeQuality(ctx context.Context, q QualityCheck, value any, rc RuleContext) (res QualityResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if q.Check == nil {
		return QualityResult{Passed: true, Score: 1}, nil
	}
	return q.Check(ctx, value, rc), nil
}
