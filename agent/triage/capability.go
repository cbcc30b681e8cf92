package triage

import (
	"regexp"
	"strings"
	"sync"

	"github.com/nahisaho/musubi/internal/wordmatch"
)

// 计分权重
const (
	scoreCategoryMatch = 10.0
	scoreGeneralMatch  = 5.0
	scoreKeywordHit    = 3.0
	scoreIntentHit     = 2.0
	// 达到并发上限时的惩罚
	scoreOverloaded = 100.0
)

// AgentCapability 代理的路由能力描述
type AgentCapability struct {
	Agent         string     `json:"agent" yaml:"agent"`
	Categories    []Category `json:"categories" yaml:"categories"`
	Keywords      []string   `json:"keywords,omitempty" yaml:"keywords"`
	Intents       []string   `json:"intents,omitempty" yaml:"intents"`
	Priority      int        `json:"priority" yaml:"priority"`
	MaxConcurrent int        `json:"maxConcurrent,omitempty" yaml:"max_concurrent"`
	CurrentLoad   int        `json:"currentLoad" yaml:"-"`
}

// CanHandle 类别在代理的类别中，或代理声明了 general
func (a AgentCapability) CanHandle(c Category) bool {
	for _, k := range a.Categories {
		if k == c || k == CategoryGeneral {
			return true
		}
	}
	return false
}

// Overloaded 是否达到并发上限
func (a AgentCapability) Overloaded() bool {
	return a.MaxConcurrent > 0 && a.CurrentLoad >= a.MaxConcurrent
}

// CalculateScore 类别匹配 + 关键词命中 + 意图命中 + 优先级 − 负载惩罚
func (a AgentCapability) CalculateScore(text string, c Category) float64 {
	score := 0.0
	switch {
	case a.hasCategory(c):
		score += scoreCategoryMatch
	case a.hasCategory(CategoryGeneral):
		score += scoreGeneralMatch
	}
	score += scoreKeywordHit * float64(len(a.keywordHits(text)))
	score += scoreIntentHit * float64(a.intentHits(text))
	score += float64(a.Priority)
	if a.Overloaded() {
		score -= scoreOverloaded
	}
	return score
}

// PrimaryCategory 第一个非 general 类别
func (a AgentCapability) PrimaryCategory() Category {
	for _, c := range a.Categories {
		if c != CategoryGeneral {
			return c
		}
	}
	if len(a.Categories) > 0 {
		return a.Categories[0]
	}
	return CategoryUnknown
}

func (a AgentCapability) hasCategory(c Category) bool {
	for _, k := range a.Categories {
		if k == c {
			return true
		}
	}
	return false
}

func (a AgentCapability) keywordHits(text string) []string {
	lower := strings.ToLower(text)
	var hits []string
	for _, kw := range a.Keywords {
		if wordMatch(lower, strings.ToLower(kw)) {
			hits = append(hits, kw)
		}
	}
	return hits
}

func (a AgentCapability) intentHits(text string) int {
	if len(a.Intents) == 0 {
		return 0
	}
	detected := make(map[string]bool)
	for _, in := range DetectIntents(text) {
		detected[in.Name] = true
	}
	n := 0
	for _, name := range a.Intents {
		if detected[name] {
			n++
		}
	}
	return n
}

// wordMatch 按单词边界匹配，text 与 keyword 均为小写
func wordMatch(text, keyword string) bool {
	re := keywordPattern(keyword)
	return re != nil && re.MatchString(text)
}

var patternCache sync.Map // keyword -> *regexp.Regexp

func keywordPattern(keyword string) *regexp.Regexp {
	if re, ok := patternCache.Load(keyword); ok {
		return re.(*regexp.Regexp)
	}
	compiled := wordmatch.Pattern(keyword, false)
	if compiled == nil {
		return nil
	}
	re, _ := patternCache.LoadOrStore(keyword, compiled)
	return re.(*regexp.Regexp)
}
