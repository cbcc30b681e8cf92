package guardrails

import (
	"fmt"
)

// 输入护栏预设
const (
	InputPresetSecurity  = "security"
	InputPresetStrict    = "strict"
	InputPresetUserInput = "userInput"
	InputPresetMinimal   = "minimal"
)

// 输出护栏预设
const (
	OutputPresetRedact  = "redact"
	OutputPresetSafe    = "safe"
	OutputPresetStrict  = "strict"
	OutputPresetMinimal = "minimal"
)

// InputPresetConfig 返回输入预设的基础配置
func InputPresetConfig(preset string) (Config, error) {
	switch preset {
	case InputPresetSecurity:
		return Config{
			Name:     "security-input",
			RuleSet:  RuleSetSecurity,
			Sanitize: &SanitizeOptions{StripHTML: true},
		}, nil
	case InputPresetStrict:
		return Config{
			Name:     "strict-input",
			RuleSet:  RuleSetStrictContent,
			FailFast: true,
			Sanitize: &SanitizeOptions{NormalizeWhitespace: true, StripHTML: true},
		}, nil
	case InputPresetUserInput:
		return Config{
			Name:     "user-input",
			RuleSet:  RuleSetUserInput,
			Sanitize: &SanitizeOptions{NormalizeWhitespace: true},
		}, nil
	case InputPresetMinimal:
		return Config{
			Name:  "minimal-input",
			Rules: NewRuleBuilder().Required().Build(),
		}, nil
	}
	return Config{}, fmt.Errorf("unknown input guardrail preset: %q", preset)
}

// OutputPresetConfig 返回输出预设的基础配置
func OutputPresetConfig(preset string) (Config, error) {
	switch preset {
	case OutputPresetRedact:
		return Config{
			Name:   "redact-output",
			Redact: &RedactOptions{},
		}, nil
	case OutputPresetSafe:
		return Config{
			Name:    "safe-output",
			RuleSet: RuleSetAgentOutput,
			Redact:  &RedactOptions{},
		}, nil
	case OutputPresetStrict:
		return Config{
			Name: "strict-output",
			Rules: NewRuleBuilder().
				Required().
				MaxLength(100000).
				NoPII().
				NoInjection(InjectionXSS).
				Build(),
			Redact: &RedactOptions{},
		}, nil
	case OutputPresetMinimal:
		return Config{Name: "minimal-output"}, nil
	}
	return Config{}, fmt.Errorf("unknown output guardrail preset: %q", preset)
}

// NewInputGuardrailPreset 按预设创建输入护栏，overrides 中非零字段覆盖预设
func NewInputGuardrailPreset(preset string, overrides Config) (*InputGuardrail, error) {
	cfg, err := InputPresetConfig(preset)
	if err != nil {
		return nil, err
	}
	return NewInputGuardrail(mergeConfig(cfg, overrides))
}

// NewOutputGuardrailPreset 按预设创建输出护栏
func NewOutputGuardrailPreset(preset string, overrides Config) (*OutputGuardrail, error) {
	cfg, err := OutputPresetConfig(preset)
	if err != nil {
		return nil, err
	}
	return NewOutputGuardrail(mergeConfig(cfg, overrides))
}

// CreateInputGuardrail 以注册表中的规则集创建输入护栏
func CreateInputGuardrail(ruleSet string, cfg Config) (*InputGuardrail, error) {
	cfg.RuleSet = ruleSet
	if cfg.Name == "" {
		cfg.Name = ruleSet + "-input"
	}
	return NewInputGuardrail(cfg)
}

// CreateOutputGuardrail 以注册表中的规则集创建输出护栏
func CreateOutputGuardrail(ruleSet string, cfg Config) (*OutputGuardrail, error) {
	cfg.RuleSet = ruleSet
	if cfg.Name == "" {
		cfg.Name = ruleSet + "-output"
	}
	return NewOutputGuardrail(cfg)
}

// NewSafetyGuardrail 按级别创建安全检查护栏
func NewSafetyGuardrail(level SafetyLevel, opts SafetyConfig) (*SafetyCheckGuardrail, error) {
	opts.Level = level
	return NewSafetyCheckGuardrail(opts)
}

// mergeConfig 规则与策略追加，其余非零字段覆盖
func mergeConfig(base, o Config) Config {
	out := base
	if o.Name != "" {
		out.Name = o.Name
	}
	if o.Description != "" {
		out.Description = o.Description
	}
	if o.Enabled != nil {
		out.Enabled = o.Enabled
	}
	if o.FailFast {
		out.FailFast = true
	}
	if o.DefaultSeverity != "" {
		out.DefaultSeverity = o.DefaultSeverity
	}
	if o.TripwireEnabled {
		out.TripwireEnabled = true
	}
	if o.RuleSet != "" {
		out.RuleSet = o.RuleSet
	}
	if o.Registry != nil {
		out.Registry = o.Registry
	}
	out.Rules = append(cloneRules(base.Rules), o.Rules...)
	if len(o.FieldRules) > 0 {
		out.FieldRules = o.FieldRules
	}
	if o.Sanitize != nil {
		out.Sanitize = o.Sanitize
	}
	if o.Validator != nil {
		out.Validator = o.Validator
	}
	if o.Redact != nil {
		out.Redact = o.Redact
	}
	if o.Transformer != nil {
		out.Transformer = o.Transformer
	}
	out.ContentPolicies = append(append([]ContentPolicy(nil), base.ContentPolicies...), o.ContentPolicies...)
	out.QualityChecks = append(append([]QualityCheck(nil), base.QualityChecks...), o.QualityChecks...)
	if o.Logger != nil {
		out.Logger = o.Logger
	}
	return out
}
