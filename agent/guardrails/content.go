package guardrails

import (
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nahisaho/musubi/internal/values"
)

// contentKeys 从记录中提取可验证内容时依次查找的字段
var contentKeys = []string{"message", "content", "text", "input"}

// ExtractContent 提取可验证的文本内容
// 字符串原样返回；记录按 message/content/text/input 顺序查找；否则返回规范 JSON（键有序）
func ExtractContent(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any:
		for _, k := range contentKeys {
			if c, ok := t[k]; ok && c != nil {
				return values.Stringify(c)
			}
		}
	case map[string]string:
		for _, k := range contentKeys {
			if c, ok := t[k]; ok {
				return c
			}
		}
	}
	if _, ok := values.ToFloat(v); ok {
		return values.Stringify(v)
	}
	data, err := values.MarshalJSON(v)
	if err != nil {
		return values.Stringify(v)
	}
	return string(data)
}

// SanitizeOptions 输入清洗选项，按声明顺序应用
type SanitizeOptions struct {
	// Trim 去除首尾空白，nil 表示默认开启
	Trim *bool
	// NormalizeWhitespace 连续空白折叠为单个空格
	NormalizeWhitespace bool
	// StripHTML 移除 HTML 标签
	StripHTML bool
	// EscapeHTML 转义 & < > " '
	EscapeHTML bool
	// MaxLength 截断到最大字符数，0 表示不截断
	MaxLength int
}

var (
	htmlTagPattern    = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// SanitizeString 清洗单个字符串
func (o SanitizeOptions) SanitizeString(s string) string {
	if o.Trim == nil || *o.Trim {
		s = strings.TrimSpace(s)
	}
	if o.NormalizeWhitespace {
		s = whitespacePattern.ReplaceAllString(s, " ")
	}
	if o.StripHTML {
		s = htmlTagPattern.ReplaceAllString(s, "")
	}
	if o.EscapeHTML {
		s = html.EscapeString(s)
	}
	if o.MaxLength > 0 && utf8.RuneCountInString(s) > o.MaxLength {
		s = string([]rune(s)[:o.MaxLength])
	}
	return s
}

// Sanitize 清洗任意值，递归进入记录与序列，返回新值
func (o SanitizeOptions) Sanitize(v any) any {
	switch t := v.(type) {
	case string:
		return o.SanitizeString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = o.Sanitize(item)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = o.Sanitize(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = o.SanitizeString(item)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, item := range t {
			out[k] = o.SanitizeString(item)
		}
		return out
	}
	return v
}
