package workflow

import (
	"context"
	"errors"
)

// 协作方错误
var (
	ErrSkillNotFound     = errors.New("skill not found")
	ErrNoToolConnector   = errors.New("no tool connector configured")
	ErrNoReviewGate      = errors.New("no review gate configured")
	ErrReviewRejected    = errors.New("review rejected")
	ErrInvalidItems      = errors.New("loop items must resolve to a sequence")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Runnable is the common execution interface for skills driven by a workflow.
// It represents any unit of work that can be executed with input and produce output.
type Runnable interface {
	Execute(ctx context.Context, input any) (any, error)
}

// RunnableFunc 将函数适配为 Runnable
type RunnableFunc func(ctx context.Context, input any) (any, error)

// Execute 实现 Runnable
func (f RunnableFunc) Execute(ctx context.Context, input any) (any, error) {
	return f(ctx, input)
}

// SkillRegistry 按名称查找 skill
type SkillRegistry interface {
	GetSkill(name string) (Runnable, bool)
}

// SkillMap 基于 map 的只读 SkillRegistry
type SkillMap map[string]Runnable

// GetSkill 实现 SkillRegistry
func (m SkillMap) GetSkill(name string) (Runnable, bool) {
	r, ok := m[name]
	return r, ok
}

// ToolConnector 外部工具调用方。serverName 为空时由实现选择服务器。
type ToolConnector interface {
	CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (any, error)
}

// ReviewRequest 人工审核请求
type ReviewRequest struct {
	ExecutionID string   `json:"executionId"`
	WorkflowID  string   `json:"workflowId"`
	StepID      string   `json:"stepId"`
	Message     string   `json:"message"`
	Options     []string `json:"options,omitempty"`
}

// ReviewDecision 人工审核结果，作为 human-review 步骤的输出
type ReviewDecision struct {
	Option   string         `json:"option,omitempty"`
	Approved bool           `json:"approved"`
	Feedback string         `json:"feedback,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// ReviewGate 阻塞等待人工决定
type ReviewGate interface {
	Review(ctx context.Context, req ReviewRequest) (*ReviewDecision, error)
}

// ReviewGateFunc 将函数适配为 ReviewGate
type ReviewGateFunc func(ctx context.Context, req ReviewRequest) (*ReviewDecision, error)

// Review 实现 ReviewGate
func (f ReviewGateFunc) Review(ctx context.Context, req ReviewRequest) (*ReviewDecision, error) {
	return f(ctx, req)
}
