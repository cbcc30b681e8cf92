package guardrails

import (
	"errors"
	"fmt"
)

// Severity 违规严重级别，只有 error 会使护栏失败
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// 错误代码常量
const (
	CodeGuardrailError        = "GUARDRAIL_ERROR"
	CodeCustomValidatorError  = "CUSTOM_VALIDATOR_ERROR"
	CodeCustomValidatorFailed = "CUSTOM_VALIDATION_FAILED"
	CodeRuleError             = "RULE_ERROR"
	CodeTransformerError      = "TRANSFORMER_ERROR"
	CodeContentPolicy         = "CONTENT_POLICY_VIOLATION"
	CodeQualityCheck          = "QUALITY_CHECK_FAILED"
	CodeQualityCheckError     = "QUALITY_CHECK_ERROR"
	CodeAgentNotAuthorized    = "AGENT_NOT_AUTHORIZED"
)

// RuleContext 调用方随值一起传入的上下文（traceId、agentId 等）
type RuleContext map[string]any

// Get 读取上下文字段
func (c RuleContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c[key]
	return v, ok
}

// Violation 违规项
type Violation struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity"`
	Context  map[string]any `json:"context,omitempty"`
}

// Result 护栏执行结果
type Result struct {
	Passed          bool           `json:"passed"`
	GuardrailName   string         `json:"guardrailName"`
	Message         string         `json:"message,omitempty"`
	Violations      []Violation    `json:"violations"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
}

// NewResult 创建一个通过的结果
func NewResult(name string) *Result {
	return &Result{
		Passed:        true,
		GuardrailName: name,
		Violations:    []Violation{},
		Metadata:      make(map[string]any),
	}
}

// HasErrors 是否存在 error 级违规
func (r *Result) HasErrors() bool {
	return len(r.Errors()) > 0
}

// Errors 返回 error 级违规
func (r *Result) Errors() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// Warnings 返回 warning 级违规
func (r *Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityWarning {
			out = append(out, v)
		}
	}
	return out
}

// ViolationCodes 返回全部违规代码（按出现顺序）
func (r *Result) ViolationCodes() []string {
	codes := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		codes[i] = v.Code
	}
	return codes
}

// finalize 根据违规列表计算 Passed 与默认消息
func (r *Result) finalize() {
	r.Passed = !r.HasErrors()
	if r.Message != "" {
		return
	}
	if r.Passed {
		if n := len(r.Violations); n > 0 {
			r.Message = fmt.Sprintf("Validation passed with %d warning(s)", n)
		} else {
			r.Message = "Validation passed"
		}
		return
	}
	r.Message = fmt.Sprintf("Validation failed with %d error(s)", len(r.Errors()))
}

// TripwireError 表示 Tripwire 被触发的错误。
// 启用 tripwire 的护栏失败时，调用链应立即中断。
type TripwireError struct {
	GuardrailName string
	Result        *Result
}

// Error 实现 error 接口
func (e *TripwireError) Error() string {
	return fmt.Sprintf("tripwire triggered by guardrail %q", e.GuardrailName)
}

// AsTripwire 从错误链中提取 TripwireError
func AsTripwire(err error) (*TripwireError, bool) {
	var te *TripwireError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// OutcomeKind 护栏执行结局
type OutcomeKind string

const (
	OutcomePass OutcomeKind = "pass"
	OutcomeFail OutcomeKind = "fail"
	OutcomeTrip OutcomeKind = "trip"
)

// Outcome 以和类型形式表达执行结局，调用方可按需把 Trip 提升为错误
type Outcome struct {
	Kind   OutcomeKind
	Result *Result
}

// Err 将 Trip 提升为 TripwireError
func (o Outcome) Err() error {
	if o.Kind != OutcomeTrip || o.Result == nil {
		return nil
	}
	return &TripwireError{GuardrailName: o.Result.GuardrailName, Result: o.Result}
}
