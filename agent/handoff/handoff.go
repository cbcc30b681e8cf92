package handoff

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/agent/events"
	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/internal/values"
	"github.com/nahisaho/musubi/types"
)

// 交接事件
const (
	EventStarted   events.Type = "handoff:started"
	EventSelecting events.Type = "handoff:selecting"
	EventCompleted events.Type = "handoff:completed"
	EventFailed    events.Type = "handoff:failed"
)

// DefaultMaxHandoffs 交接链默认上限
const DefaultMaxHandoffs = 10

// bestMatchBonus 条件返回 true 时的加分
const bestMatchBonus = 10

// ErrNoTarget 没有可用的目标代理
var ErrNoTarget = errors.New("no handoff target available")

// Strategy 目标选择策略
type Strategy string

const (
	FirstMatch Strategy = "first-match"
	BestMatch  Strategy = "best-match"
	RoundRobin Strategy = "round-robin"
	Weighted   Strategy = "weighted"
)

// Condition 判断目标是否适用。返回 bool 或数值；
// 数值在 best-match 下直接作为得分，其余策略按真假处理。
type Condition func(in *Input) any

// Config 候选目标
type Config struct {
	// Agent 目标代理在引擎中注册的技能名
	Agent       string                                              `mapstructure:"agent" json:"agent"`
	InputFilter Filter                                              `mapstructure:"-" json:"-"`
	OnHandoff   func(ctx context.Context, transfer *Transfer) error `mapstructure:"-" json:"-"`
	Condition   Condition                                           `mapstructure:"-" json:"-"`
	Priority    int                                                 `mapstructure:"priority" json:"priority"`
}

// EscalationData 随交接传给目标代理
type EscalationData struct {
	Reason      string         `json:"reason"`
	Priority    string         `json:"priority"`
	SourceAgent string         `json:"sourceAgent"`
	Context     map[string]any `json:"context,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Record 交接链中的一环
type Record struct {
	From      string    `json:"from" mapstructure:"from"`
	To        string    `json:"to" mapstructure:"to"`
	Reason    string    `json:"reason" mapstructure:"reason"`
	Timestamp time.Time `json:"timestamp" mapstructure:"timestamp"`
}

// Input 交接模式输入
type Input struct {
	SourceAgent string         `mapstructure:"sourceAgent" json:"sourceAgent"`
	Handoffs    []Config       `mapstructure:"handoffs" json:"handoffs"`
	Messages    []Message      `mapstructure:"messages" json:"messages,omitempty"`
	Reason      string         `mapstructure:"reason" json:"reason,omitempty"`
	Priority    string         `mapstructure:"priority" json:"priority,omitempty"`
	Context     map[string]any `mapstructure:"context" json:"context,omitempty"`
	Strategy    Strategy       `mapstructure:"strategy" json:"strategy,omitempty"`
	MaxHandoffs int            `mapstructure:"maxHandoffs" json:"maxHandoffs,omitempty"`
	Chain       []Record       `mapstructure:"chain" json:"chain,omitempty"`
	// Input 交给目标代理的业务输入
	Input any `mapstructure:"input" json:"input,omitempty"`
}

// Transfer 目标代理收到的输入，也传给交接前后的回调
type Transfer struct {
	Source     string          `json:"source"`
	Target     string          `json:"target"`
	Input      any             `json:"input,omitempty"`
	Messages   []Message       `json:"messages"`
	Escalation *EscalationData `json:"escalation"`
	Chain      []Record        `json:"chain"`
}

// Output 交接模式输出
type Output struct {
	Agent      string          `json:"agent"`
	Result     any             `json:"result"`
	Chain      []Record        `json:"chain"`
	Escalation *EscalationData `json:"escalation"`
	History    []Message       `json:"history"`
}

// BeforeFunc 交接前回调，返回错误会中止交接
type BeforeFunc func(ctx context.Context, transfer *Transfer) error

// AfterFunc 目标代理返回后的回调
type AfterFunc func(ctx context.Context, transfer *Transfer, result any, err error)

// Pattern 交接模式
type Pattern struct {
	strategy Strategy
	logger   *zap.Logger

	mu     sync.Mutex
	rng    *rand.Rand
	before []BeforeFunc
	after  []AfterFunc
}

// Option 配置 Pattern
type Option func(*Pattern)

// WithStrategy 默认选择策略
func WithStrategy(s Strategy) Option {
	return func(p *Pattern) { p.strategy = s }
}

// WithRand 替换 weighted 策略的随机源
func WithRand(r *rand.Rand) Option {
	return func(p *Pattern) { p.rng = r }
}

// NewPattern 创建交接模式
func NewPattern(logger *zap.Logger, opts ...Option) *Pattern {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pattern{
		strategy: FirstMatch,
		logger:   logger.With(zap.String("component", "handoff_pattern")),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.rng == nil {
		p.rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	return p
}

// OnBeforeHandoff 注册交接前回调
func (p *Pattern) OnBeforeHandoff(fn BeforeFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.before = append(p.before, fn)
}

// OnAfterHandoff 注册交接后回调
func (p *Pattern) OnAfterHandoff(fn AfterFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.after = append(p.after, fn)
}

// Descriptor 实现 orchestration.Pattern
func (p *Pattern) Descriptor() orchestration.PatternDescriptor {
	return orchestration.PatternDescriptor{
		Name:        orchestration.PatternHandoff,
		Type:        "handoff",
		Description: "Transfers control from a source agent to a selected target agent",
		Version:     "1.0.0",
		Tags:        []string{"delegation", "escalation", "routing"},
		UseCases:    []string{"escalation to specialists", "multi-agent conversations"},
		Complexity:  orchestration.ComplexityMedium,
	}
}

// Execute 实现 orchestration.Pattern
func (p *Pattern) Execute(ctx context.Context, pc *orchestration.Context, e *orchestration.Engine) (any, error) {
	in, err := decodeInput(pc.Input)
	if err != nil {
		return nil, err
	}
	out, err := p.Run(ctx, pc, e, in)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Run 执行一次交接
func (p *Pattern) Run(ctx context.Context, pc *orchestration.Context, e *orchestration.Engine, in *Input) (*Output, error) {
	if in == nil || len(in.Handoffs) == 0 {
		return nil, types.NewError(types.ErrValidation, "handoff requires at least one target")
	}
	strategy := in.Strategy
	if strategy == "" {
		strategy = p.strategy
	}
	maxHandoffs := in.MaxHandoffs
	if maxHandoffs <= 0 {
		maxHandoffs = DefaultMaxHandoffs
	}

	e.Emit(EventStarted, pc.ID, map[string]any{
		"sourceAgent": in.SourceAgent,
		"targets":     len(in.Handoffs),
		"strategy":    string(strategy),
	})

	fail := func(err error) (*Output, error) {
		e.Emit(EventFailed, pc.ID, map[string]any{"sourceAgent": in.SourceAgent, "error": err.Error()})
		p.logger.Warn("handoff failed", zap.String("source", in.SourceAgent), zap.Error(err))
		return nil, err
	}

	if len(in.Chain) >= maxHandoffs {
		return fail(types.NewError(types.ErrHandoffExceeded,
			fmt.Sprintf("handoff chain reached the limit of %d", maxHandoffs)).
			WithDetail("chain", len(in.Chain)))
	}

	e.Emit(EventSelecting, pc.ID, map[string]any{
		"strategy":   string(strategy),
		"candidates": agentNames(in.Handoffs),
	})
	target, err := p.selectTarget(strategy, in)
	if err != nil {
		return fail(err)
	}
	if _, ok := e.GetSkill(target.Agent); !ok {
		return fail(types.NewNotFoundError("agent", target.Agent).WithCause(orchestration.ErrSkillNotFound))
	}

	filter := target.InputFilter
	if filter == nil {
		filter = KeepAll
	}
	history := filter(in.Messages)
	now := time.Now()
	escalation := &EscalationData{
		Reason:      in.Reason,
		Priority:    in.Priority,
		SourceAgent: in.SourceAgent,
		Context:     in.Context,
		Timestamp:   now,
		Metadata:    map[string]any{"strategy": string(strategy), "handoffPriority": target.Priority},
	}
	chain := append(append([]Record(nil), in.Chain...), Record{
		From:      in.SourceAgent,
		To:        target.Agent,
		Reason:    in.Reason,
		Timestamp: now,
	})
	transfer := &Transfer{
		Source:     in.SourceAgent,
		Target:     target.Agent,
		Input:      in.Input,
		Messages:   history,
		Escalation: escalation,
		Chain:      chain,
	}

	p.mu.Lock()
	before := append([]BeforeFunc(nil), p.before...)
	after := append([]AfterFunc(nil), p.after...)
	p.mu.Unlock()

	for _, fn := range before {
		if err := fn(ctx, transfer); err != nil {
			return fail(types.WrapError(err, types.ErrPatternFailed, "pre-handoff callback failed"))
		}
	}
	if target.OnHandoff != nil {
		if err := target.OnHandoff(ctx, transfer); err != nil {
			return fail(types.WrapError(err, types.ErrPatternFailed, "handoff callback failed"))
		}
	}

	p.logger.Info("handing off",
		zap.String("from", in.SourceAgent),
		zap.String("to", target.Agent),
		zap.String("strategy", string(strategy)),
	)
	result, err := e.ExecuteSkill(ctx, target.Agent, transfer, pc, orchestration.WithMetadata(map[string]any{
		"isHandoff":   true,
		"sourceAgent": in.SourceAgent,
		"history":     history,
	}))
	for _, fn := range after {
		fn(ctx, transfer, result, err)
	}
	if err != nil {
		return fail(err)
	}

	e.Emit(EventCompleted, pc.ID, map[string]any{
		"sourceAgent": in.SourceAgent,
		"targetAgent": target.Agent,
		"chainLength": len(chain),
	})
	return &Output{
		Agent:      target.Agent,
		Result:     result,
		Chain:      chain,
		Escalation: escalation,
		History:    history,
	}, nil
}

// selectTarget 按策略选出目标
func (p *Pattern) selectTarget(strategy Strategy, in *Input) (*Config, error) {
	switch strategy {
	case FirstMatch:
		for i := range in.Handoffs {
			if eligible(&in.Handoffs[i], in) {
				return &in.Handoffs[i], nil
			}
		}
	case BestMatch:
		var best *Config
		bestScore := 0.0
		for i := range in.Handoffs {
			c := &in.Handoffs[i]
			score, ok := matchScore(c, in)
			if !ok {
				continue
			}
			if best == nil || score > bestScore {
				best, bestScore = c, score
			}
		}
		if best != nil {
			return best, nil
		}
	case RoundRobin:
		candidates := eligibleConfigs(in)
		if len(candidates) > 0 {
			return candidates[len(in.Chain)%len(candidates)], nil
		}
	case Weighted:
		candidates := eligibleConfigs(in)
		if len(candidates) > 0 {
			return p.pickWeighted(candidates), nil
		}
	default:
		return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unknown handoff strategy %q", strategy))
	}
	return nil, types.NewError(types.ErrNoAgent, "no handoff target matched").WithCause(ErrNoTarget)
}

func (p *Pattern) pickWeighted(candidates []*Config) *Config {
	total := 0
	for _, c := range candidates {
		if c.Priority > 0 {
			total += c.Priority
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if total <= 0 {
		return candidates[p.rng.IntN(len(candidates))]
	}
	n := p.rng.IntN(total)
	for _, c := range candidates {
		if c.Priority <= 0 {
			continue
		}
		if n < c.Priority {
			return c
		}
		n -= c.Priority
	}
	return candidates[len(candidates)-1]
}

func eligible(c *Config, in *Input) bool {
	if c.Condition == nil {
		return true
	}
	return values.Truthy(c.Condition(in))
}

func eligibleConfigs(in *Input) []*Config {
	out := make([]*Config, 0, len(in.Handoffs))
	for i := range in.Handoffs {
		if eligible(&in.Handoffs[i], in) {
			out = append(out, &in.Handoffs[i])
		}
	}
	return out
}

// matchScore best-match 得分；false 表示排除
func matchScore(c *Config, in *Input) (float64, bool) {
	score := float64(c.Priority)
	if c.Condition == nil {
		return score, true
	}
	v := c.Condition(in)
	if f, ok := values.ToFloat(v); ok {
		return score + f, true
	}
	if b, ok := v.(bool); ok {
		if !b {
			return 0, false
		}
		return score + bestMatchBonus, true
	}
	if !values.Truthy(v) {
		return 0, false
	}
	return score + bestMatchBonus, true
}

func agentNames(cfgs []Config) []string {
	out := make([]string, len(cfgs))
	for i, c := range cfgs {
		out[i] = c.Agent
	}
	return out
}

// decodeInput 接受 Input、*Input 或通用记录
func decodeInput(raw any) (*Input, error) {
	switch v := raw.(type) {
	case *Input:
		if v == nil {
			return nil, types.NewError(types.ErrValidation, "handoff input is required")
		}
		return v, nil
	case Input:
		return &v, nil
	case map[string]any:
		var in Input
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
			WeaklyTypedInput: true,
			Result:           &in,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(v); err != nil {
			return nil, types.NewError(types.ErrValidation, "invalid handoff input").WithCause(err)
		}
		return &in, nil
	}
	return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unsupported handoff input %T", raw))
}
