package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrPatternNotFound 模式未注册
var ErrPatternNotFound = errors.New("pattern not found")

// Complexity 模式复杂度
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// 常用模式名，FindBestPattern 按这些名字选择
const (
	PatternSequential  = "sequential"
	PatternGroupChat   = "group-chat"
	PatternNested      = "nested"
	PatternHumanInLoop = "human-in-loop"
	PatternAuto        = "auto"
	PatternHandoff     = "handoff"
	PatternTriage      = "triage"
)

// PatternDescriptor 模式元数据
type PatternDescriptor struct {
	Name             string     `json:"name"`
	Type             string     `json:"type"`
	Description      string     `json:"description,omitempty"`
	Version          string     `json:"version,omitempty"`
	Author           string     `json:"author,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	UseCases         []string   `json:"useCases,omitempty"`
	Complexity       Complexity `json:"complexity,omitempty"`
	SupportsParallel bool       `json:"supportsParallel"`
	RequiresHuman    bool       `json:"requiresHuman"`
}

// Pattern 组合策略
type Pattern interface {
	Descriptor() PatternDescriptor
	Execute(ctx context.Context, pc *Context, e *Engine) (any, error)
}

// PatternRegistry 模式注册表，保留注册顺序
type PatternRegistry struct {
	mu       sync.RWMutex
	patterns map[string]Pattern
	order    []string
}

// NewPatternRegistry 创建空注册表
func NewPatternRegistry() *PatternRegistry {
	return &PatternRegistry{patterns: make(map[string]Pattern)}
}

// Register 注册模式，同名模式被替换且保持原顺序
func (r *PatternRegistry) Register(p Pattern) error {
	name := p.Descriptor().Name
	if name == "" {
		return errors.New("pattern name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.patterns[name]; !exists {
		r.order = append(r.order, name)
	}
	r.patterns[name] = p
	return nil
}

// Unregister 移除模式
func (r *PatternRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.patterns[name]; !ok {
		return false
	}
	delete(r.patterns, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get 获取模式
func (r *PatternRegistry) Get(name string) (Pattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patterns[name]
	return p, ok
}

// Has 是否已注册
func (r *PatternRegistry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List 按注册顺序返回模式元数据
func (r *PatternRegistry) List() []PatternDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PatternDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.patterns[name].Descriptor())
	}
	return out
}

// Len 模式数量
func (r *PatternRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// patternRule 关键词 → 目标模式
type patternRule struct {
	keywords []string
	target   func(r *PatternRegistry) (Pattern, bool)
}

func byName(name string) func(r *PatternRegistry) (Pattern, bool) {
	return func(r *PatternRegistry) (Pattern, bool) {
		p, ok := r.patterns[name]
		return p, ok
	}
}

func firstParallel(r *PatternRegistry) (Pattern, bool) {
	for _, name := range r.order {
		if p := r.patterns[name]; p.Descriptor().SupportsParallel {
			return p, true
		}
	}
	return nil, false
}

// 规则顺序即优先级
var patternRules = []patternRule{
	{[]string{"parallel", "concurrent", "simultaneous"}, firstParallel},
	{[]string{"sequential", "step-by-step", "step by step", "one-by-one", "one by one"}, byName(PatternSequential)},
	{[]string{"discuss", "review", "collaborate"}, byName(PatternGroupChat)},
	{[]string{"break down", "break-down", "decompose", "hierarchical"}, byName(PatternNested)},
	{[]string{"validate", "approve", "review"}, byName(PatternHumanInLoop)},
}

// FindBestPattern 按任务文本的关键词选择模式。
// 命中的规则没有对应模式时继续尝试后续规则；
// 都不适用时依次回退到 auto、sequential 与第一个注册的模式。
func (r *PatternRegistry) FindBestPattern(task string) (Pattern, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}

	text := strings.ToLower(task)
	for _, rule := range patternRules {
		if !containsAny(text, rule.keywords) {
			continue
		}
		if p, ok := rule.target(r); ok {
			return p, true
		}
	}
	for _, name := range []string{PatternAuto, PatternSequential} {
		if p, ok := r.patterns[name]; ok {
			return p, true
		}
	}
	return r.patterns[r.order[0]], true
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
