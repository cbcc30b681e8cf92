package hitl

import (
	"context"
	"time"

	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/workflow"
)

// GateOption 调整适配器创建的中断
type GateOption func(*InterruptOptions)

// WithGateTimeout 覆盖中断等待时长
func WithGateTimeout(d time.Duration) GateOption {
	return func(o *InterruptOptions) { o.Timeout = d }
}

// ReviewGate 把工作流的 human-review 步骤转成 review 中断
func (m *InterruptManager) ReviewGate(opts ...GateOption) workflow.ReviewGate {
	return workflow.ReviewGateFunc(func(ctx context.Context, req workflow.ReviewRequest) (*workflow.ReviewDecision, error) {
		io := InterruptOptions{
			ExecutionID: req.ExecutionID,
			WorkflowID:  req.WorkflowID,
			StepID:      req.StepID,
			Type:        InterruptTypeReview,
			Question:    req.Message,
			Options:     req.Options,
		}
		for _, opt := range opts {
			opt(&io)
		}
		resp, err := m.CreateInterrupt(ctx, io)
		if err != nil {
			return nil, err
		}
		return &workflow.ReviewDecision{
			Option:   resp.Option,
			Approved: resp.Approved,
			Feedback: resp.Comment,
			Data:     resp.Data,
		}, nil
	})
}

// HumanGate 把编排引擎的人工确认转成 approval 中断
func (m *InterruptManager) HumanGate(opts ...GateOption) orchestration.HumanGate {
	return orchestration.HumanGateFunc(func(ctx context.Context, question string, pc *orchestration.Context) (*orchestration.HumanDecision, error) {
		io := InterruptOptions{
			Type:     InterruptTypeApproval,
			Question: question,
		}
		if pc != nil {
			io.ExecutionID = pc.ID
			io.Data = map[string]any{"task": pc.Task, "skill": pc.Skill}
		}
		for _, opt := range opts {
			opt(&io)
		}
		resp, err := m.CreateInterrupt(ctx, io)
		if err != nil {
			return nil, err
		}
		return &orchestration.HumanDecision{
			Approved:     resp.Approved,
			Feedback:     resp.Comment,
			NeedsChanges: resp.NeedsChanges,
			Skipped:      resp.Skipped,
			Output:       resp.Input,
		}, nil
	})
}
