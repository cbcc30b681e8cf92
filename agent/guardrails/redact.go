package guardrails

import (
	"regexp"
	"sort"
)

// DefaultReplacement 默认脱敏替换文本
const DefaultReplacement = "[REDACTED]"

// SecretType 密钥类型
type SecretType string

const (
	SecretAPIKey           SecretType = "api_key"
	SecretPassword         SecretType = "password"
	SecretBearerToken      SecretType = "bearer_token"
	SecretAWSAccessKey     SecretType = "aws_access_key"
	SecretPrivateKey       SecretType = "private_key"
	SecretConnectionString SecretType = "connection_string"
)

// secretPatterns 固定的密钥目录；连接串与私钥块先于邮箱等 PII 应用
var secretPatterns = []namedPattern{
	{string(SecretPrivateKey), regexp.MustCompile(`-----BEGIN (?:[A-Z]+ )*PRIVATE KEY-----(?:[\s\S]*?-----END (?:[A-Z]+ )*PRIVATE KEY-----)?`)},
	{string(SecretConnectionString), regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|rediss|amqp)://[^\s'"]+`)},
	{string(SecretBearerToken), regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`)},
	{string(SecretAWSAccessKey), regexp.MustCompile(`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{string(SecretAPIKey), regexp.MustCompile(`(?i)\b(?:api[_-]?key|apikey|access[_-]?token|secret[_-]?key)\s*[:=]\s*['"]?[A-Za-z0-9\-_.]{8,}['"]?|\bsk-[A-Za-z0-9]{20,}\b`)},
	{string(SecretPassword), regexp.MustCompile(`(?i)\b(?:password|passwd|pwd)\s*[:=]\s*['"]?[^\s'",;]+['"]?`)},
}

// RedactOptions 脱敏选项
type RedactOptions struct {
	// PII 是否脱敏 PII，nil 表示默认开启
	PII *bool
	// Secrets 是否脱敏密钥，nil 表示默认开启
	Secrets *bool
	// Patterns 调用方追加的正则
	Patterns []*regexp.Regexp
	// Replacement 替换文本，默认 [REDACTED]
	Replacement string
}

// Redactor 输出脱敏器，对输入纯函数式处理
type Redactor struct {
	patterns    []namedPattern
	replacement string
}

// NewRedactor 根据选项创建脱敏器
func NewRedactor(opts RedactOptions) *Redactor {
	r := &Redactor{replacement: opts.Replacement}
	if r.replacement == "" {
		r.replacement = DefaultReplacement
	}
	if opts.Secrets == nil || *opts.Secrets {
		r.patterns = append(r.patterns, secretPatterns...)
	}
	if opts.PII == nil || *opts.PII {
		r.patterns = append(r.patterns, NewPIIDetector().patterns...)
	}
	for _, re := range opts.Patterns {
		if re != nil {
			r.patterns = append(r.patterns, namedPattern{kind: "custom", re: re})
		}
	}
	return r
}

// RedactString 脱敏字符串
func (r *Redactor) RedactString(s string) (string, map[string]int) {
	return replacePatterns(s, r.patterns, r.replacement)
}

// Redact 递归脱敏 map / slice 中的全部字符串，返回新值、总替换次数与分类统计
func (r *Redactor) Redact(v any) (any, int, map[string]int) {
	summary := make(map[string]int)
	out := r.redactValue(v, summary)
	total := 0
	for _, n := range summary {
		total += n
	}
	return out, total, summary
}

func (r *Redactor) redactValue(v any, summary map[string]int) any {
	switch t := v.(type) {
	case string:
		s, counts := r.RedactString(t)
		for k, n := range counts {
			summary[k] += n
		}
		return s
	case map[string]any:
		out := make(map[string]any, len(t))
		for _, k := range sortedKeys(t) {
			out[k] = r.redactValue(t[k], summary)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = r.redactValue(item, summary)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = r.redactValue(item, summary).(string)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, item := range t {
			out[k] = r.redactValue(item, summary).(string)
		}
		return out
	}
	return v
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// boolPtr 返回 bool 指针
func boolPtr(b bool) *bool { return &b }
