package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"slices"

	"go.uber.org/zap"

	"github.com/nahisaho/musubi/internal/values"
)

// SafetyLevel 安全级别，高级别包含低级别的全部规则
type SafetyLevel string

const (
	SafetyBasic    SafetyLevel = "basic"
	SafetyStandard SafetyLevel = "standard"
	SafetyStrict   SafetyLevel = "strict"
	SafetyParanoid SafetyLevel = "paranoid"
)

// ParseSafetyLevel 解析级别名称
func ParseSafetyLevel(s string) (SafetyLevel, error) {
	switch l := SafetyLevel(s); l {
	case SafetyBasic, SafetyStandard, SafetyStrict, SafetyParanoid:
		return l, nil
	case "":
		return SafetyStandard, nil
	}
	return "", fmt.Errorf("unknown safety level: %q", s)
}

// ParanoidProhibitedWords paranoid 级别使用的禁用词
var ParanoidProhibitedWords = []string{"password", "secret", "token", "credential", "exploit"}

// Article 宪章条款编号
type Article string

const (
	ArticleI    Article = "I"
	ArticleII   Article = "II"
	ArticleIII  Article = "III"
	ArticleIV   Article = "IV"
	ArticleV    Article = "V"
	ArticleVI   Article = "VI"
	ArticleVII  Article = "VII"
	ArticleVIII Article = "VIII"
	ArticleIX   Article = "IX"
)

// AllArticles 九条条款，按编号顺序
var AllArticles = []Article{
	ArticleI, ArticleII, ArticleIII, ArticleIV, ArticleV,
	ArticleVI, ArticleVII, ArticleVIII, ArticleIX,
}

type articleProbe int

const (
	probeNone articleProbe = iota
	probeSpecID
	probeTraceID
	probeValidated
)

// articleDefs 条款名称与探针
var articleDefs = map[Article]struct {
	title string
	probe articleProbe
}{
	ArticleI:    {"Library-First", probeSpecID},
	ArticleII:   {"CLI Interface", probeNone},
	ArticleIII:  {"Test-First", probeValidated},
	ArticleIV:   {"EARS Requirements", probeSpecID},
	ArticleV:    {"Traceability", probeTraceID},
	ArticleVI:   {"Project Memory", probeNone},
	ArticleVII:  {"Simplicity Gate", probeNone},
	ArticleVIII: {"Anti-Abstraction", probeNone},
	ArticleIX:   {"Integration-First Testing", probeValidated},
}

var specIDPattern = regexp.MustCompile(`\bSPEC-[A-Za-z0-9_-]+`)

// SafetyConfig 安全检查护栏配置
type SafetyConfig struct {
	Name            string
	Level           SafetyLevel
	Enabled         *bool
	TripwireEnabled bool
	FailFast        bool
	// Constitutional 启用条款检查；Articles 为空时检查全部九条
	Constitutional bool
	Articles       []Article
	// AllowedAgents 非空时要求 agentId 在列表中
	AllowedAgents []string
	Logger        *zap.Logger
}

// SafetyCheckGuardrail 按级别组合规则，可选条款合规检查
type SafetyCheckGuardrail struct {
	base
	level         SafetyLevel
	rules         []Rule
	articles      []Article
	allowedAgents []string
}

// NewSafetyCheckGuardrail 创建安全检查护栏
func NewSafetyCheckGuardrail(cfg SafetyConfig) (*SafetyCheckGuardrail, error) {
	level, err := ParseSafetyLevel(string(cfg.Level))
	if err != nil {
		return nil, err
	}
	for _, a := range cfg.Articles {
		if _, ok := articleDefs[a]; !ok {
			return nil, fmt.Errorf("unknown article: %q", a)
		}
	}
	name := cfg.Name
	if name == "" {
		name = "safety-" + string(level)
	}
	g := &SafetyCheckGuardrail{
		base: newBase(Config{
			Name:            name,
			Enabled:         cfg.Enabled,
			FailFast:        cfg.FailFast,
			TripwireEnabled: cfg.TripwireEnabled,
			Logger:          cfg.Logger,
		}, name),
		level:         level,
		rules:         SafetyRules(level),
		allowedAgents: append([]string(nil), cfg.AllowedAgents...),
	}
	if cfg.Constitutional {
		g.articles = cfg.Articles
		if len(g.articles) == 0 {
			g.articles = AllArticles
		}
		g.articles = append([]Article(nil), g.articles...)
	}
	return g, nil
}

// SafetyRules 返回级别对应的规则
func SafetyRules(level SafetyLevel) []Rule {
	b := NewRuleBuilder().Required()
	switch level {
	case SafetyStandard:
		b.MaxLength(50000).NoInjection(InjectionSQL, InjectionXSS)
	case SafetyStrict:
		b.MaxLength(50000).NoInjection(InjectionSQL, InjectionXSS, InjectionCommand).NoPII()
	case SafetyParanoid:
		b.MaxLength(10000).
			NoInjection(InjectionSQL, InjectionXSS, InjectionCommand).
			NoPII().
			NoProhibitedWords(ParanoidProhibitedWords...)
	}
	return b.Build()
}

// Level 返回安全级别
func (g *SafetyCheckGuardrail) Level() SafetyLevel { return g.level }

// Run 执行安全检查
func (g *SafetyCheckGuardrail) Run(ctx context.Context, value any, rc RuleContext) (*Result, error) {
	return g.run(ctx, value, rc, g.check)
}

func (g *SafetyCheckGuardrail) check(_ context.Context, value any, rc RuleContext) (*Result, error) {
	res := NewResult(g.name)
	res.Metadata["level"] = string(g.level)

	c := &collector{failFast: g.failFast}
	c.applyRules(g.rules, ExtractContent(value), rc, g.defaultSeverity, SeverityError, nil)

	if len(g.articles) > 0 || len(g.allowedAgents) > 0 {
		scores := g.checkArticles(c, value, rc)
		res.Metadata["articleScores"] = scores
	}

	res.Violations = append(res.Violations, c.violations...)
	res.finalize()
	return res, nil
}

func (g *SafetyCheckGuardrail) checkArticles(c *collector, value any, rc RuleContext) map[string]float64 {
	scores := make(map[string]float64, len(g.articles)+1)
	hasSpec := hasSpecID(value, rc)
	hasTrace := probeAny(value, rc, "traceId", "trace_id", "requirementId")
	validated := isValidated(value, rc)

	for _, a := range g.articles {
		def := articleDefs[a]
		ok := true
		switch def.probe {
		case probeSpecID:
			ok = hasSpec
		case probeTraceID:
			ok = hasTrace
		case probeValidated:
			ok = validated
		}
		score := 0.0
		if ok {
			score = 1.0
		}
		scores[string(a)] = score
		if !ok {
			c.add(Violation{
				Code:     "ARTICLE_" + string(a),
				Message:  fmt.Sprintf("Article %s (%s) is not satisfied", a, def.title),
				Severity: SeverityError,
				Context:  map[string]any{"article": string(a), "title": def.title},
			})
		}
	}

	if len(g.allowedAgents) > 0 {
		agent, _ := lookup(value, rc, "agentId")
		id := values.Stringify(agent)
		if agent != nil && slices.Contains(g.allowedAgents, id) {
			scores["agentAuthorization"] = 1.0
		} else {
			scores["agentAuthorization"] = 0.0
			c.add(Violation{
				Code:     CodeAgentNotAuthorized,
				Message:  fmt.Sprintf("Agent %q is not in the allowed list", id),
				Severity: SeverityError,
				Context:  map[string]any{"agentId": agent, "allowedAgents": g.allowedAgents},
			})
		}
	}
	return scores
}

// lookup 先查上下文，再查记录输入
func lookup(value any, rc RuleContext, key string) (any, bool) {
	if v, ok := rc.Get(key); ok && v != nil {
		return v, true
	}
	if m, ok := value.(map[string]any); ok {
		if v, ok := m[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func probeAny(value any, rc RuleContext, keys ...string) bool {
	for _, k := range keys {
		if v, ok := lookup(value, rc, k); ok && !values.IsEmpty(v) {
			return true
		}
	}
	return false
}

func hasSpecID(value any, rc RuleContext) bool {
	if probeAny(value, rc, "specId", "spec_id") {
		return true
	}
	return specIDPattern.MatchString(ExtractContent(value))
}

func isValidated(value any, rc RuleContext) bool {
	v, ok := lookup(value, rc, "validated")
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}
