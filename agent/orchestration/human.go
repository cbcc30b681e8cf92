package orchestration

import "context"

// HumanDecision 人工确认结果
type HumanDecision struct {
	Approved     bool   `json:"approved"`
	Feedback     string `json:"feedback,omitempty"`
	NeedsChanges bool   `json:"needsChanges,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
	Output       any    `json:"output,omitempty"`
}

// HumanGate 人工确认钩子
type HumanGate interface {
	Request(ctx context.Context, question string, pc *Context) (*HumanDecision, error)
}

// HumanGateFunc 将函数适配为 HumanGate
type HumanGateFunc func(ctx context.Context, question string, pc *Context) (*HumanDecision, error)

// Request 实现 HumanGate
func (f HumanGateFunc) Request(ctx context.Context, question string, pc *Context) (*HumanDecision, error) {
	return f(ctx, question, pc)
}

// SkillResolver 外部技能解析器，返回技能名
type SkillResolver func(task string) (string, bool)
