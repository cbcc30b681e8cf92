package guardrails

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// 内置规则集名称
const (
	RuleSetSecurity      = "security"
	RuleSetStrictContent = "strictContent"
	RuleSetUserInput     = "userInput"
	RuleSetAgentOutput   = "agentOutput"
)

// ErrRuleSetNotFound 规则集不存在
var ErrRuleSetNotFound = errors.New("rule set not found")

// RuleRegistry 规则集注册表
type RuleRegistry struct {
	sets map[string][]Rule
	mu   sync.RWMutex
}

// NewRuleRegistry 创建空注册表
func NewRuleRegistry() *RuleRegistry {
	return &RuleRegistry{sets: make(map[string][]Rule)}
}

// Register 注册（覆盖）规则集
func (r *RuleRegistry) Register(name string, rules []Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets[name] = cloneRules(rules)
}

// Get 获取规则集副本
func (r *RuleRegistry) Get(name string) ([]Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rules, ok := r.sets[name]
	if !ok {
		return nil, false
	}
	return cloneRules(rules), true
}

// MustGet 获取规则集，不存在时返回错误
func (r *RuleRegistry) MustGet(name string) ([]Rule, error) {
	rules, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleSetNotFound, name)
	}
	return rules, nil
}

// Has 是否存在
func (r *RuleRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sets[name]
	return ok
}

// Remove 删除规则集
func (r *RuleRegistry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sets[name]; !ok {
		return false
	}
	delete(r.sets, name)
	return true
}

// List 列出规则集名称（有序）
func (r *RuleRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sets))
	for n := range r.sets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clear 清空
func (r *RuleRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = make(map[string][]Rule)
}

var (
	defaultRegistry     *RuleRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRuleRegistry 进程级注册表，预置 security / strictContent / userInput / agentOutput
func DefaultRuleRegistry() *RuleRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRuleRegistry()
		RegisterCanonicalRuleSets(defaultRegistry)
	})
	return defaultRegistry
}

// RegisterCanonicalRuleSets 向注册表写入内置规则集
func RegisterCanonicalRuleSets(r *RuleRegistry) {
	r.Register(RuleSetSecurity, NewRuleBuilder().
		NoInjection().
		NoPII().
		Build())

	r.Register(RuleSetStrictContent, NewRuleBuilder().
		Required().
		MaxLength(10000).
		NoProhibitedWords().
		NoInjection().
		Build())

	r.Register(RuleSetUserInput, NewRuleBuilder().
		Required().
		MaxLength(50000).
		NoInjection(InjectionSQL, InjectionXSS).
		Build())

	r.Register(RuleSetAgentOutput, NewRuleBuilder().
		Required().
		MaxLength(100000).
		NoPII().WithSeverity(SeverityWarning).
		Build())
}
