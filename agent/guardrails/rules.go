package guardrails

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"

	"github.com/nahisaho/musubi/internal/values"
	"github.com/nahisaho/musubi/internal/wordmatch"
)

// RuleKind 规则类型
type RuleKind string

const (
	RuleRequired          RuleKind = "required"
	RuleMaxLength         RuleKind = "maxLength"
	RuleMinLength         RuleKind = "minLength"
	RulePattern           RuleKind = "pattern"
	RuleNoPattern         RuleKind = "noPattern"
	RuleNoPII             RuleKind = "noPII"
	RuleNoProhibitedWords RuleKind = "noProhibitedWords"
	RuleNoInjection       RuleKind = "noInjection"
	RuleType              RuleKind = "type"
	RuleEnum              RuleKind = "enum"
	RuleCustom            RuleKind = "custom"
)

// CheckResult 单条规则的检查结果，Details 会并入违规上下文
type CheckResult struct {
	Passed  bool
	Details map[string]any
}

// Pass 通过
func Pass() CheckResult { return CheckResult{Passed: true} }

// Fail 失败并附带细节
func Fail(details map[string]any) CheckResult { return CheckResult{Passed: false, Details: details} }

// RuleCheck 规则检查函数
type RuleCheck func(value any, rc RuleContext) CheckResult

// Rule 验证规则，构建后不可变
type Rule struct {
	ID       string         `json:"id"`
	Kind     RuleKind       `json:"kind"`
	Message  string         `json:"message"`
	Severity Severity       `json:"severity,omitempty"`
	Options  map[string]any `json:"options,omitempty"`

	check RuleCheck
}

// Code 违规代码，取规则 ID 的大写形式（如 noInjection → NOINJECTION）
func (r Rule) Code() string {
	return strings.ToUpper(r.ID)
}

// Check 执行检查；未设置检查函数的规则视为通过
func (r Rule) Check(value any, rc RuleContext) CheckResult {
	if r.check == nil {
		return Pass()
	}
	return r.check(value, rc)
}

// severityOr 返回规则的严重级别，未设置时使用 def
func (r Rule) severityOr(def Severity) Severity {
	if r.Severity != "" {
		return r.Severity
	}
	if def != "" {
		return def
	}
	return SeverityError
}

// violation 根据检查结果构造违规项
func (r Rule) violation(res CheckResult, def Severity) Violation {
	ctx := map[string]any{"rule": r.ID}
	for k, v := range res.Details {
		ctx[k] = v
	}
	return Violation{
		Code:     r.Code(),
		Message:  r.Message,
		Severity: r.severityOr(def),
		Context:  ctx,
	}
}

// =============================================================================
// 🧱 规则构建器
// =============================================================================

// RuleBuilder 规则构建器
type RuleBuilder struct {
	rules []Rule
	errs  []error
}

// NewRuleBuilder 创建规则构建器
func NewRuleBuilder() *RuleBuilder {
	return &RuleBuilder{}
}

func (b *RuleBuilder) add(r Rule) *RuleBuilder {
	if r.ID == "" {
		r.ID = string(r.Kind)
	}
	b.rules = append(b.rules, r)
	return b
}

// Required 值不能为空（nil、空串、纯空白、空集合）
func (b *RuleBuilder) Required() *RuleBuilder {
	return b.add(RequiredRule())
}

// MaxLength 字符串（按字符）或集合长度不超过 n
func (b *RuleBuilder) MaxLength(n int) *RuleBuilder {
	return b.add(MaxLengthRule(n))
}

// MinLength 字符串（按字符）或集合长度不少于 n
func (b *RuleBuilder) MinLength(n int) *RuleBuilder {
	return b.add(MinLengthRule(n))
}

// Pattern 内容必须匹配正则
func (b *RuleBuilder) Pattern(re *regexp.Regexp, message string) *RuleBuilder {
	return b.add(PatternRule(re, message))
}

// NoPattern 内容不能匹配正则
func (b *RuleBuilder) NoPattern(re *regexp.Regexp, message string) *RuleBuilder {
	return b.add(NoPatternRule(re, message))
}

// NoPII 内容不能包含 PII
func (b *RuleBuilder) NoPII(types ...PIIType) *RuleBuilder {
	return b.add(NoPIIRule(types...))
}

// NoProhibitedWords 内容不能包含禁用词（不区分大小写，整词匹配）
func (b *RuleBuilder) NoProhibitedWords(words ...string) *RuleBuilder {
	return b.add(NoProhibitedWordsRule(words...))
}

// NoInjection 内容不能包含注入模式
func (b *RuleBuilder) NoInjection(families ...InjectionFamily) *RuleBuilder {
	return b.add(NoInjectionRule(families...))
}

// Type 值的 JSON 类型必须为 kind
func (b *RuleBuilder) Type(kind string) *RuleBuilder {
	return b.add(TypeRule(kind))
}

// Enum 值必须是候选之一
func (b *RuleBuilder) Enum(allowed ...any) *RuleBuilder {
	return b.add(EnumRule(allowed...))
}

// Custom 自定义规则
func (b *RuleBuilder) Custom(id string, check RuleCheck, message string) *RuleBuilder {
	return b.add(CustomRule(id, check, message))
}

// Add 追加已构建的规则
func (b *RuleBuilder) Add(rules ...Rule) *RuleBuilder {
	for _, r := range rules {
		b.add(r)
	}
	return b
}

// WithSeverity 设置最近一条规则的严重级别
func (b *RuleBuilder) WithSeverity(s Severity) *RuleBuilder {
	if n := len(b.rules); n > 0 {
		b.rules[n-1].Severity = s
	}
	return b
}

// WithMessage 设置最近一条规则的消息
func (b *RuleBuilder) WithMessage(msg string) *RuleBuilder {
	if n := len(b.rules); n > 0 {
		b.rules[n-1].Message = msg
	}
	return b
}

// WithID 设置最近一条规则的 ID（同时决定违规代码）
func (b *RuleBuilder) WithID(id string) *RuleBuilder {
	if n := len(b.rules); n > 0 && id != "" {
		b.rules[n-1].ID = id
	}
	return b
}

// Build 返回规则副本
func (b *RuleBuilder) Build() []Rule {
	return cloneRules(b.rules)
}

func cloneRules(rules []Rule) []Rule {
	out := make([]Rule, len(rules))
	for i, r := range rules {
		if r.Options != nil {
			r.Options = values.CopyMap(r.Options)
		}
		out[i] = r
	}
	return out
}

// =============================================================================
// 📏 内置规则
// =============================================================================

// RequiredRule 非空规则
func RequiredRule() Rule {
	return Rule{
		ID:      string(RuleRequired),
		Kind:    RuleRequired,
		Message: "Value is required",
		check: func(v any, _ RuleContext) CheckResult {
			if values.IsEmpty(v) {
				return Fail(nil)
			}
			return Pass()
		},
	}
}

// valueLength 字符串返回字符数，集合返回元素数
func valueLength(v any) (int, bool) {
	switch t := v.(type) {
	case string:
		return utf8.RuneCountInString(t), true
	case []any:
		return len(t), true
	case []string:
		return len(t), true
	case map[string]any:
		return len(t), true
	}
	return 0, false
}

// MaxLengthRule 最大长度规则
func MaxLengthRule(n int) Rule {
	return Rule{
		ID:      string(RuleMaxLength),
		Kind:    RuleMaxLength,
		Message: fmt.Sprintf("Value exceeds maximum length of %d", n),
		Options: map[string]any{"max": n},
		check: func(v any, _ RuleContext) CheckResult {
			l, ok := valueLength(v)
			if !ok || l <= n {
				return Pass()
			}
			return Fail(map[string]any{"length": l, "max": n})
		},
	}
}

// MinLengthRule 最小长度规则
func MinLengthRule(n int) Rule {
	return Rule{
		ID:      string(RuleMinLength),
		Kind:    RuleMinLength,
		Message: fmt.Sprintf("Value is shorter than minimum length of %d", n),
		Options: map[string]any{"min": n},
		check: func(v any, _ RuleContext) CheckResult {
			l, ok := valueLength(v)
			if !ok {
				l = utf8.RuneCountInString(values.Stringify(v))
			}
			if l >= n {
				return Pass()
			}
			return Fail(map[string]any{"length": l, "min": n})
		},
	}
}

// PatternRule 必须匹配正则
func PatternRule(re *regexp.Regexp, message string) Rule {
	if message == "" {
		message = fmt.Sprintf("Value does not match pattern %s", re.String())
	}
	return Rule{
		ID:      string(RulePattern),
		Kind:    RulePattern,
		Message: message,
		Options: map[string]any{"pattern": re.String()},
		check: func(v any, _ RuleContext) CheckResult {
			if re.MatchString(values.Stringify(v)) {
				return Pass()
			}
			return Fail(map[string]any{"pattern": re.String()})
		},
	}
}

// NoPatternRule 不能匹配正则
func NoPatternRule(re *regexp.Regexp, message string) Rule {
	if message == "" {
		message = fmt.Sprintf("Value matches forbidden pattern %s", re.String())
	}
	return Rule{
		ID:      string(RuleNoPattern),
		Kind:    RuleNoPattern,
		Message: message,
		Options: map[string]any{"pattern": re.String()},
		check: func(v any, _ RuleContext) CheckResult {
			if m := re.FindString(values.Stringify(v)); m != "" {
				return Fail(map[string]any{"pattern": re.String(), "match": m})
			}
			return Pass()
		},
	}
}

// NoPIIRule 禁止 PII
func NoPIIRule(types ...PIIType) Rule {
	d := NewPIIDetector(types...)
	names := make([]string, 0, len(d.patterns))
	for _, p := range d.patterns {
		names = append(names, p.kind)
	}
	return Rule{
		ID:      string(RuleNoPII),
		Kind:    RuleNoPII,
		Message: "Value contains personally identifiable information",
		Options: map[string]any{"types": names},
		check: func(v any, _ RuleContext) CheckResult {
			found := d.DetectTypes(values.Stringify(v))
			if len(found) == 0 {
				return Pass()
			}
			detected := make([]string, len(found))
			for i, t := range found {
				detected[i] = string(t)
			}
			return Fail(map[string]any{"detections": detected})
		},
	}
}

// DefaultProhibitedWords 默认禁用词表
var DefaultProhibitedWords = []string{"hack", "exploit", "malware", "ransomware", "phishing", "bomb"}

// NoProhibitedWordsRule 禁用词规则
func NoProhibitedWordsRule(words ...string) Rule {
	if len(words) == 0 {
		words = DefaultProhibitedWords
	}
	type wordRe struct {
		word string
		re   *regexp.Regexp
	}
	res := make([]wordRe, 0, len(words))
	for _, w := range words {
		if strings.TrimSpace(w) == "" {
			continue
		}
		res = append(res, wordRe{word: w, re: wordmatch.Pattern(w, true)})
	}
	list := make([]string, len(res))
	for i, w := range res {
		list[i] = w.word
	}
	return Rule{
		ID:      string(RuleNoProhibitedWords),
		Kind:    RuleNoProhibitedWords,
		Message: "Value contains prohibited words",
		Options: map[string]any{"words": list},
		check: func(v any, _ RuleContext) CheckResult {
			content := values.Stringify(v)
			var matched []string
			for _, w := range res {
				if w.re.MatchString(content) {
					matched = append(matched, w.word)
				}
			}
			if len(matched) == 0 {
				return Pass()
			}
			return Fail(map[string]any{"matched": matched})
		},
	}
}

// NoInjectionRule 注入检测规则
func NoInjectionRule(families ...InjectionFamily) Rule {
	d := NewInjectionDetector(families...)
	fams := d.Families()
	names := make([]string, len(fams))
	for i, f := range fams {
		names[i] = string(f)
	}
	return Rule{
		ID:      string(RuleNoInjection),
		Kind:    RuleNoInjection,
		Message: "Potential injection attack detected",
		Options: map[string]any{"families": names},
		check: func(v any, _ RuleContext) CheckResult {
			found := d.DetectFamilies(values.Stringify(v))
			if len(found) == 0 {
				return Pass()
			}
			detected := make([]string, len(found))
			for i, f := range found {
				detected[i] = string(f)
			}
			return Fail(map[string]any{"detections": detected})
		},
	}
}

// TypeRule 类型规则
func TypeRule(kind string) Rule {
	return Rule{
		ID:      string(RuleType),
		Kind:    RuleType,
		Message: fmt.Sprintf("Value must be of type %s", kind),
		Options: map[string]any{"type": kind},
		check: func(v any, _ RuleContext) CheckResult {
			actual := values.Kind(v)
			if actual == kind {
				return Pass()
			}
			return Fail(map[string]any{"expected": kind, "actual": actual})
		},
	}
}

// EnumRule 枚举规则
func EnumRule(allowed ...any) Rule {
	opts := make([]any, len(allowed))
	copy(opts, allowed)
	return Rule{
		ID:      string(RuleEnum),
		Kind:    RuleEnum,
		Message: "Value is not one of the allowed values",
		Options: map[string]any{"values": opts},
		check: func(v any, _ RuleContext) CheckResult {
			for _, a := range opts {
				if values.Equal(a, v) {
					return Pass()
				}
			}
			return Fail(map[string]any{"allowed": opts})
		},
	}
}

// CustomRule 自定义规则
func CustomRule(id string, check RuleCheck, message string) Rule {
	if id == "" {
		id = string(RuleCustom)
	}
	if message == "" {
		message = fmt.Sprintf("Custom rule %s failed", id)
	}
	return Rule{ID: id, Kind: RuleCustom, Message: message, check: check}
}

// =============================================================================
// 📄 可序列化规则描述
// =============================================================================

// RuleSpec 规则的可序列化描述（YAML / JSON），custom 规则无法从描述重建
type RuleSpec struct {
	ID       string         `yaml:"id" json:"id" mapstructure:"id"`
	Kind     RuleKind       `yaml:"kind" json:"kind" mapstructure:"kind"`
	Message  string         `yaml:"message" json:"message" mapstructure:"message"`
	Severity Severity       `yaml:"severity" json:"severity" mapstructure:"severity"`
	Options  map[string]any `yaml:"options" json:"options" mapstructure:"options"`
}

type ruleOptions struct {
	Max      int      `mapstructure:"max"`
	Min      int      `mapstructure:"min"`
	Pattern  string   `mapstructure:"pattern"`
	Types    []string `mapstructure:"types"`
	Words    []string `mapstructure:"words"`
	Families []string `mapstructure:"families"`
	Type     string   `mapstructure:"type"`
	Values   []any    `mapstructure:"values"`
}

// Spec 返回规则的可序列化描述
func (r Rule) Spec() RuleSpec {
	return RuleSpec{
		ID:       r.ID,
		Kind:     r.Kind,
		Message:  r.Message,
		Severity: r.Severity,
		Options:  values.CopyMap(r.Options),
	}
}

// NewRuleFromSpec 从描述重建规则
func NewRuleFromSpec(spec RuleSpec) (Rule, error) {
	var opts ruleOptions
	if len(spec.Options) > 0 {
		if err := mapstructure.WeakDecode(spec.Options, &opts); err != nil {
			return Rule{}, fmt.Errorf("rule %q: decode options: %w", spec.ID, err)
		}
	}

	var r Rule
	switch spec.Kind {
	case RuleRequired:
		r = RequiredRule()
	case RuleMaxLength:
		r = MaxLengthRule(opts.Max)
	case RuleMinLength:
		r = MinLengthRule(opts.Min)
	case RulePattern, RuleNoPattern:
		re, err := regexp.Compile(opts.Pattern)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: invalid pattern: %w", spec.ID, err)
		}
		if spec.Kind == RulePattern {
			r = PatternRule(re, "")
		} else {
			r = NoPatternRule(re, "")
		}
	case RuleNoPII:
		types := make([]PIIType, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = PIIType(t)
		}
		r = NoPIIRule(types...)
	case RuleNoProhibitedWords:
		r = NoProhibitedWordsRule(opts.Words...)
	case RuleNoInjection:
		fams := make([]InjectionFamily, len(opts.Families))
		for i, f := range opts.Families {
			fams[i] = InjectionFamily(f)
		}
		r = NoInjectionRule(fams...)
	case RuleType:
		r = TypeRule(opts.Type)
	case RuleEnum:
		r = EnumRule(opts.Values...)
	default:
		return Rule{}, fmt.Errorf("rule %q: unsupported kind %q", spec.ID, spec.Kind)
	}

	if spec.ID != "" {
		r.ID = spec.ID
	}
	if spec.Message != "" {
		r.Message = spec.Message
	}
	r.Severity = spec.Severity
	return r, nil
}

// NewRulesFromSpecs 批量重建规则
func NewRulesFromSpecs(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		r, err := NewRuleFromSpec(s)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
