package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHistorySize 分类历史默认上限
const DefaultHistorySize = 1000

// 混合投票权重
const (
	weightKeyword    = 1.0
	weightIntent     = 1.5
	weightCapability = 2.0
)

// Intent 识别出的意图
type Intent struct {
	Name       string   `json:"name"`
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
}

// Result 分类结果
type Result struct {
	Category          Category  `json:"category"`
	Confidence        float64   `json:"confidence"`
	Keywords          []string  `json:"keywords,omitempty"`
	Intents           []Intent  `json:"intents,omitempty"`
	SelectedAgent     string    `json:"selectedAgent,omitempty"`
	AlternativeAgents []string  `json:"alternativeAgents,omitempty"`
	Reasoning         string    `json:"reasoning,omitempty"`
	Strategy          Strategy  `json:"strategy"`
	Timestamp         time.Time `json:"timestamp"`
}

type intentProbe struct {
	name       string
	pattern    *regexp.Regexp
	category   Category
	confidence float64
}

// 固定的意图探针，顺序即平票时的优先顺序
var intentProbes = []intentProbe{
	{"request_refund", regexp.MustCompile(`(?i)\b(refund|money back|reimburse(ment)?)\b`), CategoryRefund, 0.9},
	{"escalation_request", regexp.MustCompile(`(?i)\b(manager|supervisor|escalate|complaint|lawyer)\b`), CategoryEscalation, 0.9},
	{"billing_inquiry", regexp.MustCompile(`(?i)\b(invoice|bill(ing)?|charged?|payment|receipt)\b`), CategoryBilling, 0.8},
	{"purchase_intent", regexp.MustCompile(`(?i)\b(buy|purchase|pricing|price|quote)\b`), CategorySales, 0.8},
	{"technical_issue", regexp.MustCompile(`(?i)\b(error|bug|crash(es|ed)?|not working|broken)\b`), CategoryTechnical, 0.8},
	{"help_request", regexp.MustCompile(`(?i)\b(help|support|assist(ance)?)\b`), CategorySupport, 0.6},
	{"greeting", regexp.MustCompile(`(?i)^\s*(hi|hello|hey)\b`), CategoryGeneral, 0.5},
}

// DetectIntents 返回文本命中的全部意图，按探针顺序
func DetectIntents(text string) []Intent {
	var out []Intent
	for _, p := range intentProbes {
		if p.pattern.MatchString(text) {
			out = append(out, Intent{Name: p.name, Category: p.category, Confidence: p.confidence})
		}
	}
	return out
}

// LLMFunc 由调用方提供的模型分类函数，返回 JSON：
// {"category": "...", "confidence": 0.9, "reasoning": "..."}
type LLMFunc func(ctx context.Context, text string, categories []Category) (string, error)

// ClassifierConfig 分类器配置
type ClassifierConfig struct {
	Keywords    map[Category][]string
	Strategy    Strategy
	LLM         LLMFunc
	HistorySize int
}

// Classifier 文本分类器，并发安全
type Classifier struct {
	keywords    map[Category][]string
	strategy    Strategy
	llm         LLMFunc
	historySize int
	logger      *zap.Logger

	mu      sync.Mutex
	history []Result
}

// NewClassifier 创建分类器
func NewClassifier(cfg ClassifierConfig, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Keywords == nil {
		cfg.Keywords = DefaultKeywords()
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyHybrid
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Classifier{
		keywords:    cfg.Keywords,
		strategy:    cfg.Strategy,
		llm:         cfg.LLM,
		historySize: cfg.HistorySize,
		logger:      logger.With(zap.String("component", "triage_classifier")),
	}
}

// DefaultStrategy 默认策略
func (c *Classifier) DefaultStrategy() Strategy { return c.strategy }

// Classify 按策略分类，strategy 为空时使用默认策略。
// agents 只在 capability 与 hybrid 策略下使用。
func (c *Classifier) Classify(ctx context.Context, text string, strategy Strategy, agents []AgentCapability) (*Result, error) {
	if strategy == "" {
		strategy = c.strategy
	}
	var res *Result
	switch strategy {
	case StrategyKeyword:
		res = c.byKeyword(text)
	case StrategyIntent:
		res = c.byIntent(text)
	case StrategyCapability:
		res = byCapability(text, agents)
	case StrategyLLM:
		res = c.byLLM(ctx, text, agents)
	case StrategyHybrid:
		res = c.hybrid(text, agents)
	default:
		return nil, fmt.Errorf("unknown triage strategy %q", strategy)
	}
	res.Timestamp = time.Now()
	c.record(*res)
	return res, nil
}

// History 分类历史快照，最早的在前
func (c *Classifier) History() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Result(nil), c.history...)
}

// ClearHistory 清空历史
func (c *Classifier) ClearHistory() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}

func (c *Classifier) record(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, r)
	if over := len(c.history) - c.historySize; over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
	}
}

func (c *Classifier) byKeyword(text string) *Result {
	lower := strings.ToLower(text)
	best, bestHits := CategoryUnknown, []string(nil)
	for _, cat := range Categories {
		var hits []string
		for _, kw := range c.keywords[cat] {
			if wordMatch(lower, strings.ToLower(kw)) {
				hits = append(hits, kw)
			}
		}
		if len(hits) > len(bestHits) {
			best, bestHits = cat, hits
		}
	}
	if len(bestHits) == 0 {
		return &Result{Category: CategoryUnknown, Strategy: StrategyKeyword, Reasoning: "no keywords matched"}
	}
	return &Result{
		Category:   best,
		Confidence: math.Min(float64(len(bestHits))/3, 1),
		Keywords:   bestHits,
		Strategy:   StrategyKeyword,
		Reasoning:  fmt.Sprintf("matched %d %s keywords", len(bestHits), best),
	}
}

func (c *Classifier) byIntent(text string) *Result {
	intents := DetectIntents(text)
	if len(intents) == 0 {
		res := c.byKeyword(text)
		res.Strategy = StrategyIntent
		res.Reasoning = "no intents detected; keyword fallback: " + res.Reasoning
		return res
	}
	top := intents[0]
	for _, in := range intents[1:] {
		if in.Confidence > top.Confidence {
			top = in
		}
	}
	return &Result{
		Category:   top.Category,
		Confidence: top.Confidence,
		Intents:    intents,
		Strategy:   StrategyIntent,
		Reasoning:  fmt.Sprintf("intent %s", top.Name),
	}
}

func byCapability(text string, agents []AgentCapability) *Result {
	var (
		best     *AgentCapability
		bestHits int
		bestKw   []string
		bestSc   float64
	)
	for i := range agents {
		a := &agents[i]
		kw := a.keywordHits(text)
		hits := len(kw) + a.intentHits(text)
		if hits == 0 {
			continue
		}
		score := a.CalculateScore(text, a.PrimaryCategory())
		if best == nil || score > bestSc {
			best, bestHits, bestKw, bestSc = a, hits, kw, score
		}
	}
	if best == nil {
		return &Result{Category: CategoryUnknown, Strategy: StrategyCapability, Reasoning: "no agent capability matched"}
	}
	return &Result{
		Category:      best.PrimaryCategory(),
		Confidence:    math.Min(float64(bestHits)/3, 1),
		Keywords:      bestKw,
		SelectedAgent: best.Agent,
		Strategy:      StrategyCapability,
		Reasoning:     fmt.Sprintf("agent %s matched with score %.1f", best.Agent, bestSc),
	}
}

func (c *Classifier) hybrid(text string, agents []AgentCapability) *Result {
	mass := make(map[Category]float64)
	total := 0.0
	vote := func(cat Category, weight, confidence float64) {
		if cat == CategoryUnknown || confidence <= 0 {
			return
		}
		mass[cat] += weight * confidence
		total += weight * confidence
	}

	kw := c.byKeyword(text)
	vote(kw.Category, weightKeyword, kw.Confidence)
	intents := DetectIntents(text)
	if len(intents) > 0 {
		in := c.byIntent(text)
		vote(in.Category, weightIntent, in.Confidence)
	}
	capRes := byCapability(text, agents)
	vote(capRes.Category, weightCapability, capRes.Confidence)

	res := &Result{Category: CategoryUnknown, Keywords: kw.Keywords, Intents: intents, Strategy: StrategyHybrid}
	if total == 0 {
		res.Reasoning = "no strategy produced a vote"
		return res
	}
	for _, cat := range Categories {
		if mass[cat] > mass[res.Category] {
			res.Category = cat
		}
	}
	res.Confidence = mass[res.Category] / total
	res.Reasoning = fmt.Sprintf("weighted vote: keyword=%s intent=%d capability=%s", kw.Category, len(intents), capRes.Category)
	return res
}

type llmAnswer struct {
	Category   Category `json:"category"`
	Confidence float64  `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
}

// byLLM 模型失败或返回无法解析时回退到 hybrid，并在 Reasoning 中注明
func (c *Classifier) byLLM(ctx context.Context, text string, agents []AgentCapability) *Result {
	fallback := func(reason string) *Result {
		c.logger.Warn("llm classification fell back to hybrid", zap.String("reason", reason))
		res := c.hybrid(text, agents)
		res.Reasoning = fmt.Sprintf("llm fallback (%s); %s", reason, res.Reasoning)
		return res
	}
	if c.llm == nil {
		return fallback("no llm function configured")
	}
	raw, err := c.llm(ctx, text, Categories)
	if err != nil {
		return fallback(err.Error())
	}
	var ans llmAnswer
	if err := json.Unmarshal([]byte(extractJSON(raw)), &ans); err != nil {
		return fallback("unparseable response: " + err.Error())
	}
	if !ans.Category.Valid() {
		return fallback(fmt.Sprintf("unknown category %q", ans.Category))
	}
	return &Result{
		Category:   ans.Category,
		Confidence: math.Max(0, math.Min(ans.Confidence, 1)),
		Strategy:   StrategyLLM,
		Reasoning:  ans.Reasoning,
	}
}

// extractJSON 截取第一个 { 到最后一个 } 之间的内容，容忍模型输出的包裹文字
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
