package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// StepType 步骤类型
type StepType string

// 内置步骤类型
const (
	StepSkill       StepType = "skill"
	StepTool        StepType = "tool"
	StepCondition   StepType = "condition"
	StepParallel    StepType = "parallel"
	StepLoop        StepType = "loop"
	StepCheckpoint  StepType = "checkpoint"
	StepHumanReview StepType = "human-review"
	StepSetVariable StepType = "set-variable"
)

// 步骤默认值
const (
	DefaultMaxConcurrency = 5
	DefaultMaxIterations  = 1000
	DefaultItemVariable   = "item"
	DefaultIndexVariable  = "index"
)

// RecoveryStrategy 错误恢复策略
type RecoveryStrategy string

const (
	RecoveryRetry    RecoveryStrategy = "retry"
	RecoverySkip     RecoveryStrategy = "skip"
	RecoveryFallback RecoveryStrategy = "fallback"
	RecoveryRollback RecoveryStrategy = "rollback"
	RecoveryAbort    RecoveryStrategy = "abort"
	RecoveryManual   RecoveryStrategy = "manual"
)

func (s RecoveryStrategy) valid() bool {
	switch s {
	case "", RecoveryRetry, RecoverySkip, RecoveryFallback, RecoveryRollback, RecoveryAbort, RecoveryManual:
		return true
	}
	return false
}

// ErrorHandling 步骤级或工作流级的错误处理配置
type ErrorHandling struct {
	Strategy      RecoveryStrategy `mapstructure:"strategy" json:"strategy,omitempty"`
	RollbackTo    string           `mapstructure:"rollbackTo" json:"rollbackTo,omitempty"`
	FallbackSteps []Step           `mapstructure:"fallbackSteps" json:"fallbackSteps,omitempty"`
}

// Step 工作流步骤。
//
// Step 是一个带标签的变体：Type 决定哪些字段有意义。
// 未被内置字段识别的键保存在 Config 中，供外部注册的步骤类型读取。
type Step struct {
	ID   string   `mapstructure:"id" json:"id"`
	Type StepType `mapstructure:"type" json:"type"`
	When any      `mapstructure:"when" json:"when,omitempty"`

	// skill
	SkillID        string `mapstructure:"skillId" json:"skillId,omitempty"`
	Input          any    `mapstructure:"input" json:"input,omitempty"`
	OutputVariable string `mapstructure:"outputVariable" json:"outputVariable,omitempty"`

	// tool
	ToolName   string `mapstructure:"toolName" json:"toolName,omitempty"`
	ServerName string `mapstructure:"serverName" json:"serverName,omitempty"`
	Arguments  any    `mapstructure:"arguments" json:"arguments,omitempty"`

	// condition
	Condition any    `mapstructure:"condition" json:"condition,omitempty"`
	Then      []Step `mapstructure:"thenSteps" json:"thenSteps,omitempty"`
	Else      []Step `mapstructure:"elseSteps" json:"elseSteps,omitempty"`

	// parallel / loop
	Steps          []Step `mapstructure:"steps" json:"steps,omitempty"`
	MaxConcurrency int    `mapstructure:"maxConcurrency" json:"maxConcurrency,omitempty"`
	Items          any    `mapstructure:"items" json:"items,omitempty"`
	ItemVariable   string `mapstructure:"itemVariable" json:"itemVariable,omitempty"`
	IndexVariable  string `mapstructure:"indexVariable" json:"indexVariable,omitempty"`
	MaxIterations  int    `mapstructure:"maxIterations" json:"maxIterations,omitempty"`

	// checkpoint / human-review
	Name    string   `mapstructure:"name" json:"name,omitempty"`
	Message string   `mapstructure:"message" json:"message,omitempty"`
	Options []string `mapstructure:"options" json:"options,omitempty"`

	// set-variable
	Variable string `mapstructure:"variable" json:"variable,omitempty"`
	Value    any    `mapstructure:"value" json:"value,omitempty"`

	Retry   *RetryPolicy   `mapstructure:"retry" json:"retry,omitempty"`
	OnError *ErrorHandling `mapstructure:"onError" json:"onError,omitempty"`

	Config map[string]any `mapstructure:",remain" json:"config,omitempty"`
}

// children 返回所有嵌套步骤
func (s Step) children() []Step {
	var out []Step
	out = append(out, s.Then...)
	out = append(out, s.Else...)
	out = append(out, s.Steps...)
	if s.OnError != nil {
		out = append(out, s.OnError.FallbackSteps...)
	}
	return out
}

// InputDef 工作流输入声明
type InputDef struct {
	Name        string `mapstructure:"name" json:"name"`
	Description string `mapstructure:"description" json:"description,omitempty"`
	Required    bool   `mapstructure:"required" json:"required,omitempty"`
	Default     any    `mapstructure:"default" json:"default,omitempty"`
}

// Definition 工作流定义
type Definition struct {
	ID            string        `mapstructure:"id" json:"id"`
	Name          string        `mapstructure:"name" json:"name,omitempty"`
	Description   string        `mapstructure:"description" json:"description,omitempty"`
	Version       string        `mapstructure:"version" json:"version,omitempty"`
	Steps         []Step        `mapstructure:"steps" json:"steps"`
	Inputs        []InputDef    `mapstructure:"inputs" json:"inputs,omitempty"`
	Outputs       []string      `mapstructure:"outputs" json:"outputs,omitempty"`
	ErrorHandling ErrorHandling `mapstructure:"errorHandling" json:"errorHandling,omitempty"`
	Timeout       time.Duration `mapstructure:"timeout" json:"timeout,omitempty"`
	RetryPolicy   *RetryPolicy  `mapstructure:"retryPolicy" json:"retryPolicy,omitempty"`
}

// ValidationError 工作流定义校验失败，列出全部问题
type ValidationError struct {
	WorkflowID string
	Problems   []error
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("workflow %q is invalid: %s", e.WorkflowID, strings.Join(msgs, "; "))
}

// Unwrap 支持 errors.Is / errors.As 检查单个问题
func (e *ValidationError) Unwrap() []error {
	return e.Problems
}

// Err 以 errors.Join 的形式返回全部问题
func (e *ValidationError) Err() error {
	return errors.Join(e.Problems...)
}

// Validate 校验定义结构。
// handlers 不为 nil 时检查步骤类型已注册；skills 不为 nil 时检查 skillId 已注册。
func (d *Definition) Validate(handlers *HandlerRegistry, skills SkillRegistry) error {
	var problems []error
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(d.ID) == "" {
		addf("workflow id is required")
	}
	if len(d.Steps) == 0 {
		addf("workflow must contain at least one step")
	}
	if !d.ErrorHandling.Strategy.valid() {
		addf("unknown error handling strategy %q", d.ErrorHandling.Strategy)
	}
	if d.Timeout < 0 {
		addf("timeout must not be negative")
	}

	seen := make(map[string]bool)
	var walk func(steps []Step, path string)
	walk = func(steps []Step, path string) {
		for i, s := range steps {
			where := fmt.Sprintf("%s[%d]", path, i)
			if s.ID == "" {
				addf("%s: step id is required", where)
			} else if seen[s.ID] {
				addf("%s: duplicate step id %q", where, s.ID)
			} else {
				seen[s.ID] = true
			}
			for _, p := range validateStep(s, handlers, skills) {
				addf("%s (%s): %s", where, s.ID, p)
			}
			walk(s.children(), where+".steps")
		}
	}
	walk(d.Steps, "steps")
	walk(d.ErrorHandling.FallbackSteps, "errorHandling.fallbackSteps")

	if len(problems) == 0 {
		return nil
	}
	return &ValidationError{WorkflowID: d.ID, Problems: problems}
}

func validateStep(s Step, handlers *HandlerRegistry, skills SkillRegistry) []string {
	var out []string
	if s.Type == "" {
		return append(out, "step type is required")
	}
	if handlers != nil && !handlers.Has(s.Type) {
		out = append(out, fmt.Sprintf("no handler registered for step type %q", s.Type))
	}
	switch s.Type {
	case StepSkill:
		if s.SkillID == "" {
			out = append(out, "skillId is required")
		} else if skills != nil {
			if _, ok := skills.GetSkill(s.SkillID); !ok {
				out = append(out, fmt.Sprintf("skill %q is not registered", s.SkillID))
			}
		}
	case StepTool:
		if s.ToolName == "" {
			out = append(out, "toolName is required")
		}
	case StepCondition:
		if s.Condition == nil {
			out = append(out, "condition is required")
		}
	case StepParallel:
		if len(s.Steps) == 0 {
			out = append(out, "parallel step requires steps")
		}
		if s.MaxConcurrency < 0 {
			out = append(out, "maxConcurrency must not be negative")
		}
	case StepLoop:
		if s.Items == nil {
			out = append(out, "items is required")
		}
		if s.MaxIterations < 0 {
			out = append(out, "maxIterations must not be negative")
		}
	case StepSetVariable:
		if s.Variable == "" {
			out = append(out, "variable is required")
		}
	}
	if s.OnError != nil && !s.OnError.Strategy.valid() {
		out = append(out, fmt.Sprintf("unknown onError strategy %q", s.OnError.Strategy))
	}
	if s.OnError != nil && s.OnError.Strategy == RecoveryRollback && s.OnError.RollbackTo == "" {
		out = append(out, "rollback strategy requires rollbackTo")
	}
	return out
}

// applyInputs 合并声明的输入默认值并检查必填项
func (d *Definition) applyInputs(inputs map[string]any) (map[string]any, error) {
	vars := make(map[string]any, len(inputs)+len(d.Inputs))
	for k, v := range inputs {
		vars[k] = v
	}
	var problems []error
	for _, in := range d.Inputs {
		if _, ok := vars[in.Name]; ok {
			continue
		}
		if in.Default != nil {
			vars[in.Name] = in.Default
			continue
		}
		if in.Required {
			problems = append(problems, fmt.Errorf("missing required input %q", in.Name))
		}
	}
	if len(problems) > 0 {
		return nil, &ValidationError{WorkflowID: d.ID, Problems: problems}
	}
	return vars, nil
}
