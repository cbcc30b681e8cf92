package triage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/agent/events"
	"github.com/nahisaho/musubi/agent/handoff"
	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/types"
)

// 分诊事件
const (
	EventStarted     events.Type = "triage:started"
	EventClassifying events.Type = "triage:classifying"
	EventClassified  events.Type = "triage:classified"
	EventRouting     events.Type = "triage:routing"
	EventCompleted   events.Type = "triage:completed"
	EventFailed      events.Type = "triage:failed"
)

// SourceAgent 交接链中分诊自身的名字
const SourceAgent = "triage"

// ErrNoMatchingAgent 没有能处理该类别的代理且未配置兜底代理
var ErrNoMatchingAgent = errors.New("no agent can handle the category")

// Input 分诊输入
type Input struct {
	Message  string            `mapstructure:"message" json:"message"`
	Strategy Strategy          `mapstructure:"strategy" json:"strategy,omitempty"`
	Messages []handoff.Message `mapstructure:"messages" json:"messages,omitempty"`
	Context  map[string]any    `mapstructure:"context" json:"context,omitempty"`
	// Payload 交给目标代理的输入，为空时使用 Message
	Payload       any  `mapstructure:"payload" json:"payload,omitempty"`
	RouteDisabled bool `mapstructure:"routeDisabled" json:"routeDisabled,omitempty"`
}

// Output 分诊输出
type Output struct {
	Classification *Result         `json:"classification"`
	Agent          string          `json:"agent,omitempty"`
	Routed         bool            `json:"routed"`
	Result         any             `json:"result,omitempty"`
	Handoff        *handoff.Output `json:"handoff,omitempty"`
}

type registeredAgent struct {
	capability AgentCapability
	invocable  orchestration.Invocable
}

// Pattern 分诊模式
type Pattern struct {
	classifier    *Classifier
	handoff       *handoff.Pattern
	fallback      string
	routeDisabled bool
	logger        *zap.Logger

	mu     sync.RWMutex
	agents []*registeredAgent
}

// Option 配置 Pattern
type Option func(*Pattern)

// WithClassifier 替换分类器
func WithClassifier(c *Classifier) Option {
	return func(p *Pattern) { p.classifier = c }
}

// WithHandoff 替换用于路由的交接模式
func WithHandoff(h *handoff.Pattern) Option {
	return func(p *Pattern) { p.handoff = h }
}

// WithFallbackAgent 没有匹配代理时使用的代理
func WithFallbackAgent(name string) Option {
	return func(p *Pattern) { p.fallback = name }
}

// WithRouteDisabled 只分类不路由
func WithRouteDisabled() Option {
	return func(p *Pattern) { p.routeDisabled = true }
}

// NewPattern 创建分诊模式
func NewPattern(logger *zap.Logger, opts ...Option) *Pattern {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pattern{logger: logger.With(zap.String("component", "triage_pattern"))}
	for _, opt := range opts {
		opt(p)
	}
	if p.classifier == nil {
		p.classifier = NewClassifier(ClassifierConfig{}, logger)
	}
	if p.handoff == nil {
		p.handoff = handoff.NewPattern(logger)
	}
	return p
}

// Classifier 返回分类器
func (p *Pattern) Classifier() *Classifier { return p.classifier }

// RegisterAgent 注册代理。invocable 为 nil 时要求同名技能已在引擎中注册。
func (p *Pattern) RegisterAgent(capability AgentCapability, invocable orchestration.Invocable) error {
	if capability.Agent == "" {
		return types.NewError(types.ErrValidation, "agent name is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.agents {
		if a.capability.Agent == capability.Agent {
			p.agents[i] = &registeredAgent{capability: capability, invocable: invocable}
			return nil
		}
	}
	p.agents = append(p.agents, &registeredAgent{capability: capability, invocable: invocable})
	return nil
}

// UnregisterAgent 移除代理
func (p *Pattern) UnregisterAgent(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.agents {
		if a.capability.Agent == name {
			p.agents = append(p.agents[:i:i], p.agents[i+1:]...)
			return true
		}
	}
	return false
}

// Agents 能力快照，按注册顺序
func (p *Pattern) Agents() []AgentCapability {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]AgentCapability, len(p.agents))
	for i, a := range p.agents {
		out[i] = a.capability
	}
	return out
}

// Descriptor 实现 orchestration.Pattern
func (p *Pattern) Descriptor() orchestration.PatternDescriptor {
	return orchestration.PatternDescriptor{
		Name:        orchestration.PatternTriage,
		Type:        "triage",
		Description: "Classifies a request and routes it to the best matching agent",
		Version:     "1.0.0",
		Tags:        []string{"classification", "routing"},
		UseCases:    []string{"customer service routing", "ticket triage"},
		Complexity:  orchestration.ComplexityMedium,
	}
}

// Execute 实现 orchestration.Pattern
func (p *Pattern) Execute(ctx context.Context, pc *orchestration.Context, e *orchestration.Engine) (any, error) {
	in, err := decodeInput(pc.Input)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Message) == "" {
		return nil, types.NewError(types.ErrValidation, "triage message is required")
	}

	e.Emit(EventStarted, pc.ID, map[string]any{"message": in.Message})
	fail := func(err error) (any, error) {
		e.Emit(EventFailed, pc.ID, map[string]any{"error": err.Error()})
		p.logger.Warn("triage failed", zap.Error(err))
		return nil, err
	}

	agents := p.Agents()
	e.Emit(EventClassifying, pc.ID, map[string]any{"strategy": string(in.Strategy)})
	res, err := p.classifier.Classify(ctx, in.Message, in.Strategy, agents)
	if err != nil {
		return fail(types.NewError(types.ErrValidation, "classification failed").WithCause(err))
	}

	selected, alternatives := rankAgents(agents, in.Message, res.Category)
	if selected == "" {
		selected = p.fallback
	}
	res.SelectedAgent = selected
	res.AlternativeAgents = alternatives
	e.Emit(EventClassified, pc.ID, map[string]any{
		"category":      string(res.Category),
		"confidence":    res.Confidence,
		"strategy":      string(res.Strategy),
		"selectedAgent": selected,
	})
	p.logger.Debug("classified",
		zap.String("category", string(res.Category)),
		zap.Float64("confidence", res.Confidence),
		zap.String("agent", selected),
	)

	if selected == "" {
		return fail(types.NewError(types.ErrNoAgent,
			fmt.Sprintf("no agent available for category %q", res.Category)).WithCause(ErrNoMatchingAgent))
	}

	out := &Output{Classification: res, Agent: selected}
	if in.RouteDisabled || p.routeDisabled {
		e.Emit(EventCompleted, pc.ID, map[string]any{"category": string(res.Category), "agent": selected, "routed": false})
		return out, nil
	}

	if err := p.ensureSkill(e, selected); err != nil {
		return fail(err)
	}
	e.Emit(EventRouting, pc.ID, map[string]any{"agent": selected, "category": string(res.Category)})

	payload := in.Payload
	if payload == nil {
		payload = in.Message
	}
	p.adjustLoad(selected, 1)
	ho, err := p.handoff.Run(ctx, pc, e, &handoff.Input{
		SourceAgent: SourceAgent,
		Handoffs:    []handoff.Config{{Agent: selected}},
		Messages:    in.Messages,
		Reason:      fmt.Sprintf("classified as %s (confidence %.2f)", res.Category, res.Confidence),
		Priority:    string(pc.GetPriority()),
		Context: map[string]any{
			"category":   string(res.Category),
			"confidence": res.Confidence,
			"context":    in.Context,
		},
		Input: payload,
	})
	p.adjustLoad(selected, -1)
	if err != nil {
		return fail(err)
	}

	out.Routed = true
	out.Result = ho.Result
	out.Handoff = ho
	e.Emit(EventCompleted, pc.ID, map[string]any{"category": string(res.Category), "agent": selected, "routed": true})
	return out, nil
}

// rankAgents 按 CanHandle 过滤并按得分降序排列，平分时保持注册顺序
func rankAgents(agents []AgentCapability, text string, c Category) (string, []string) {
	type scored struct {
		name  string
		score float64
	}
	var candidates []scored
	for _, a := range agents {
		if a.CanHandle(c) {
			candidates = append(candidates, scored{a.Agent, a.CalculateScore(text, c)})
		}
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	alternatives := make([]string, 0, len(candidates)-1)
	for _, s := range candidates[1:] {
		alternatives = append(alternatives, s.name)
	}
	return candidates[0].name, alternatives
}

// ensureSkill 代理未在引擎注册时用其 invocable 补注册
func (p *Pattern) ensureSkill(e *orchestration.Engine, name string) error {
	if _, ok := e.GetSkill(name); ok {
		return nil
	}
	p.mu.RLock()
	var inv orchestration.Invocable
	for _, a := range p.agents {
		if a.capability.Agent == name {
			inv = a.invocable
			break
		}
	}
	p.mu.RUnlock()
	if inv == nil {
		return types.NewNotFoundError("agent", name).WithCause(orchestration.ErrSkillNotFound)
	}
	return e.RegisterSkill(orchestration.Skill{
		Name:        name,
		Description: "triage agent",
		Invocable:   inv,
	})
}

func (p *Pattern) adjustLoad(name string, delta int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.agents {
		if a.capability.Agent == name {
			a.capability.CurrentLoad += delta
			return
		}
	}
}

// decodeInput 接受纯文本、Input、*Input 或通用记录
func decodeInput(raw any) (*Input, error) {
	switch v := raw.(type) {
	case string:
		return &Input{Message: v}, nil
	case *Input:
		if v == nil {
			return nil, types.NewError(types.ErrValidation, "triage input is required")
		}
		return v, nil
	case Input:
		return &v, nil
	case map[string]any:
		var in Input
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{WeaklyTypedInput: true, Result: &in})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(v); err != nil {
			return nil, types.NewError(types.ErrValidation, "invalid triage input").WithCause(err)
		}
		return &in, nil
	}
	return nil, types.NewError(types.ErrValidation, fmt.Sprintf("unsupported triage input %T", raw))
}
