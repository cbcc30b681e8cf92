package guardrails

import (
	"regexp"
)

// InjectionFamily 注入类别
type InjectionFamily string

const (
	// InjectionSQL SQL 关键字与语法
	InjectionSQL InjectionFamily = "sql"
	// InjectionXSS <script>、javascript:、事件处理器
	InjectionXSS InjectionFamily = "xss"
	// InjectionCommand Shell 元字符拼接命令
	InjectionCommand InjectionFamily = "command"
	// InjectionPrompt 提示注入（指令覆盖、角色操纵），需显式启用
	InjectionPrompt InjectionFamily = "prompt"
)

// AllInjectionFamilies 默认探测的注入类别
var AllInjectionFamilies = []InjectionFamily{InjectionSQL, InjectionXSS, InjectionCommand}

// InjectionPattern 注入模式
type InjectionPattern struct {
	Family      InjectionFamily
	Pattern     *regexp.Regexp
	Description string
}

var injectionPatterns = []InjectionPattern{
	// SQL
	{InjectionSQL, regexp.MustCompile(`(?i)\bselect\s+\*\s+from\b`), "select-star query"},
	{InjectionSQL, regexp.MustCompile(`(?i)\bselect\s+[\w.,\s]+?\s+from\s+\w+\s+(?:where|order\s+by|group\s+by|limit|join)\b`), "select query"},
	{InjectionSQL, regexp.MustCompile(`(?i)\b(?:drop|truncate|alter)\s+(?:table|database|schema)\b`), "ddl statement"},
	{InjectionSQL, regexp.MustCompile(`(?i)\bunion\s+(?:all\s+)?select\b`), "union select"},
	{InjectionSQL, regexp.MustCompile(`(?i)\binsert\s+into\s+\w+`), "insert statement"},
	{InjectionSQL, regexp.MustCompile(`(?i)\bdelete\s+from\s+\w+`), "delete statement"},
	{InjectionSQL, regexp.MustCompile(`(?i)\bupdate\s+\w+\s+set\s+\w+\s*=`), "update statement"},
	{InjectionSQL, regexp.MustCompile(`(?i)'\s*(?:or|and)\s+'?\w+'?\s*=\s*'?\w+`), "tautology"},
	{InjectionSQL, regexp.MustCompile(`;\s*--`), "comment terminator"},

	// XSS
	{InjectionXSS, regexp.MustCompile(`(?i)<\s*script\b`), "script tag"},
	{InjectionXSS, regexp.MustCompile(`(?i)javascript\s*:`), "javascript uri"},
	{InjectionXSS, regexp.MustCompile(`(?i)\bon(?:load|error|click|mouseover|mouseout|focus|blur|submit|change|keydown|keyup|input)\s*=`), "event handler"},
	{InjectionXSS, regexp.MustCompile(`(?i)<\s*iframe\b`), "iframe tag"},

	// Command
	{InjectionCommand, regexp.MustCompile(`(?i)(?:;|&&|\|\|?)\s*(?:rm|cat|ls|curl|wget|bash|sh|zsh|nc|netcat|chmod|chown|sudo|python|perl|ruby|kill|mkfifo|whoami)\b`), "chained shell command"},
	{InjectionCommand, regexp.MustCompile("`[^`]+`"), "backtick substitution"},
	{InjectionCommand, regexp.MustCompile(`\$\([^)]*\)`), "command substitution"},
	{InjectionCommand, regexp.MustCompile(`(?i)\brm\s+-rf\b|/etc/passwd|/bin/(?:ba)?sh\b`), "dangerous target"},

	// Prompt
	{InjectionPrompt, regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|prompts?|rules?)`), "ignore previous instructions"},
	{InjectionPrompt, regexp.MustCompile(`(?i)disregard\s+(?:all\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|prompts?|rules?)`), "disregard instructions"},
	{InjectionPrompt, regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:a|an|the)\b`), "role change"},
	{InjectionPrompt, regexp.MustCompile(`(?i)(?:reveal|show|print)\s+(?:your|the)\s+(?:system\s+)?prompt`), "prompt extraction"},
}

// InjectionMatch 注入匹配结果
type InjectionMatch struct {
	Family      InjectionFamily `json:"family"`
	Description string          `json:"description"`
	Match       string          `json:"match"`
	Position    int             `json:"position"`
}

// InjectionDetector 注入检测器
type InjectionDetector struct {
	families []InjectionFamily
	patterns []InjectionPattern
}

// NewInjectionDetector 创建注入检测器，families 为空时探测 sql/xss/command
func NewInjectionDetector(families ...InjectionFamily) *InjectionDetector {
	if len(families) == 0 {
		families = AllInjectionFamilies
	}
	enabled := make(map[InjectionFamily]bool, len(families))
	for _, f := range families {
		enabled[f] = true
	}
	d := &InjectionDetector{}
	for _, f := range []InjectionFamily{InjectionSQL, InjectionXSS, InjectionCommand, InjectionPrompt} {
		if enabled[f] {
			d.families = append(d.families, f)
		}
	}
	for _, p := range injectionPatterns {
		if enabled[p.Family] {
			d.patterns = append(d.patterns, p)
		}
	}
	return d
}

// Families 返回启用的类别
func (d *InjectionDetector) Families() []InjectionFamily {
	out := make([]InjectionFamily, len(d.families))
	copy(out, d.families)
	return out
}

// Detect 返回全部匹配
func (d *InjectionDetector) Detect(content string) []InjectionMatch {
	var matches []InjectionMatch
	for _, p := range d.patterns {
		if loc := p.Pattern.FindStringIndex(content); loc != nil {
			matches = append(matches, InjectionMatch{
				Family:      p.Family,
				Description: p.Description,
				Match:       content[loc[0]:loc[1]],
				Position:    loc[0],
			})
		}
	}
	return matches
}

// DetectFamilies 返回命中的类别（按启用顺序去重）
func (d *InjectionDetector) DetectFamilies(content string) []InjectionFamily {
	hit := make(map[InjectionFamily]bool)
	for _, p := range d.patterns {
		if !hit[p.Family] && p.Pattern.MatchString(content) {
			hit[p.Family] = true
		}
	}
	var out []InjectionFamily
	for _, f := range d.families {
		if hit[f] {
			out = append(out, f)
		}
	}
	return out
}

// DetectInjection 探测指定类别，families 为空时探测 sql/xss/command
func DetectInjection(content string, families ...InjectionFamily) []InjectionFamily {
	return NewInjectionDetector(families...).DetectFamilies(content)
}
