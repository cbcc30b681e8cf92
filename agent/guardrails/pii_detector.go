package guardrails

import (
	"regexp"
	"sort"
)

// PIIType PII 类型
type PIIType string

const (
	// PIITypeEmail 邮箱
	PIITypeEmail PIIType = "email"
	// PIITypePhoneUS 美国电话
	PIITypePhoneUS PIIType = "phone_us"
	// PIITypePhoneJP 日本电话（启发式，可能误报任意数字串）
	PIITypePhoneJP PIIType = "phone_jp"
	// PIITypeSSN 美国社会安全号
	PIITypeSSN PIIType = "ssn"
	// PIITypeCreditCard 信用卡号
	PIITypeCreditCard PIIType = "credit_card"
)

// AllPIITypes 默认启用的全部 PII 类型（报告顺序）
var AllPIITypes = []PIIType{
	PIITypeEmail,
	PIITypePhoneUS,
	PIITypePhoneJP,
	PIITypeSSN,
	PIITypeCreditCard,
}

// namedPattern 带类别名的正则；regexp.Regexp 无状态，可在多个 goroutine 中复用
type namedPattern struct {
	kind string
	re   *regexp.Regexp
}

// piiPatterns 默认 PII 正则，按脱敏应用顺序排列（长模式优先，避免被短模式截断）
var piiPatterns = map[PIIType]*regexp.Regexp{
	PIITypeEmail:      regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
	PIITypeCreditCard: regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b|\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`),
	PIITypeSSN:        regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	PIITypePhoneUS:    regexp.MustCompile(`(?:\+1[-.\s]?)?(?:\(\d{3}\)\s?|\b\d{3}[-.\s])\d{3}[-.\s]\d{4}\b`),
	PIITypePhoneJP:    regexp.MustCompile(`(?:\+81[-\s]?|\b0)(?:\d{1,4}-\d{1,4}-\d{4}|[789]0\d{8})\b`),
}

var piiApplyOrder = []PIIType{
	PIITypeEmail,
	PIITypeCreditCard,
	PIITypeSSN,
	PIITypePhoneUS,
	PIITypePhoneJP,
}

// PIIMatch PII 匹配结果
type PIIMatch struct {
	Type     PIIType `json:"type"`
	Value    string  `json:"value"`
	Position int     `json:"position"`
	Length   int     `json:"length"`
}

// PIIDetector PII 检测器
// 各类别独立探测，报告命中类别的并集
type PIIDetector struct {
	enabled  map[PIIType]bool
	patterns []namedPattern
}

// NewPIIDetector 创建 PII 检测器，types 为空时启用全部类型
func NewPIIDetector(types ...PIIType) *PIIDetector {
	if len(types) == 0 {
		types = AllPIITypes
	}
	d := &PIIDetector{enabled: make(map[PIIType]bool, len(types))}
	for _, t := range types {
		d.enabled[t] = true
	}
	for _, t := range piiApplyOrder {
		if d.enabled[t] {
			d.patterns = append(d.patterns, namedPattern{kind: string(t), re: piiPatterns[t]})
		}
	}
	return d
}

var defaultPIIDetector = NewPIIDetector()

// Detect 检测内容中的所有 PII，按位置排序
func (d *PIIDetector) Detect(content string) []PIIMatch {
	var matches []PIIMatch
	for _, p := range d.patterns {
		for _, loc := range p.re.FindAllStringIndex(content, -1) {
			matches = append(matches, PIIMatch{
				Type:     PIIType(p.kind),
				Value:    content[loc[0]:loc[1]],
				Position: loc[0],
				Length:   loc[1] - loc[0],
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Position < matches[j].Position
	})
	return matches
}

// DetectTypes 返回命中的 PII 类型（按 AllPIITypes 顺序去重）
func (d *PIIDetector) DetectTypes(content string) []PIIType {
	hit := make(map[PIIType]bool)
	for _, p := range d.patterns {
		if p.re.MatchString(content) {
			hit[PIIType(p.kind)] = true
		}
	}
	var out []PIIType
	for _, t := range AllPIITypes {
		if hit[t] {
			out = append(out, t)
		}
	}
	return out
}

// Contains 是否包含任意 PII
func (d *PIIDetector) Contains(content string) bool {
	for _, p := range d.patterns {
		if p.re.MatchString(content) {
			return true
		}
	}
	return false
}

// Mask 将 PII 替换为 replacement，返回替换后的内容与各类别替换次数
func (d *PIIDetector) Mask(content, replacement string) (string, map[string]int) {
	return replacePatterns(content, d.patterns, replacement)
}

// DetectPII 使用默认检测器返回命中的 PII 类型
func DetectPII(content string) []PIIType {
	return defaultPIIDetector.DetectTypes(content)
}

// replacePatterns 依次应用正则替换并统计次数
func replacePatterns(content string, patterns []namedPattern, replacement string) (string, map[string]int) {
	counts := make(map[string]int)
	result := content
	for _, p := range patterns {
		n := 0
		result = p.re.ReplaceAllStringFunc(result, func(string) string {
			n++
			return replacement
		})
		if n > 0 {
			counts[p.kind] += n
		}
	}
	return result, counts
}
