package workflow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nahisaho/musubi/internal/values"
)

// State 执行状态
type State string

const (
	StatePending       State = "pending"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCancelled     State = "cancelled"
	StateWaitingReview State = "waitingReview"
)

// Terminal 是否为终止状态
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// ErrCheckpointNotFound 检查点不存在
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// StepResult 单个步骤的执行记录
type StepResult struct {
	StepID    string        `json:"stepId"`
	Success   bool          `json:"success"`
	Output    any           `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Attempts  int           `json:"attempts"`
}

// Checkpoint 变量与当前步骤的快照
type Checkpoint struct {
	Name        string         `json:"name"`
	Variables   map[string]any `json:"variables"`
	CurrentStep string         `json:"currentStep"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// ExecutionError 执行期间记录的错误
type ExecutionError struct {
	StepID    string    `json:"stepId,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionContext 单次工作流执行的状态。
// 所有方法并发安全；Parallel 步骤的子步骤会并发写入同一上下文。
type ExecutionContext struct {
	WorkflowID  string                 `json:"workflowId"`
	ExecutionID string                 `json:"executionId"`
	State       State                  `json:"state"`
	Variables   map[string]any         `json:"variables"`
	StepResults map[string]*StepResult `json:"stepResults"`
	StepOrder   []string               `json:"stepOrder"`
	CurrentStep string                 `json:"currentStep,omitempty"`
	StartTime   time.Time              `json:"startTime"`
	EndTime     time.Time              `json:"endTime,omitempty"`
	Checkpoints []Checkpoint           `json:"checkpoints,omitempty"`
	Errors      []ExecutionError       `json:"errors,omitempty"`
	Output      any                    `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`

	mu      sync.RWMutex
	changed chan struct{}
}

// NewExecutionContext 创建处于 pending 状态的执行上下文
func NewExecutionContext(workflowID string, variables map[string]any) *ExecutionContext {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	return &ExecutionContext{
		WorkflowID:  workflowID,
		ExecutionID: uuid.NewString(),
		State:       StatePending,
		Variables:   vars,
		StepResults: make(map[string]*StepResult),
		StepOrder:   make([]string, 0),
		StartTime:   time.Now(),
		changed:     make(chan struct{}),
	}
}

// ============================================================
// 变量
// ============================================================

// SetVariable 设置变量
func (c *ExecutionContext) SetVariable(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Variables[name] = value
}

// GetVariable 读取变量
func (c *ExecutionContext) GetVariable(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.Variables[name]
	return v, ok
}

// VariablesSnapshot 返回变量表的深拷贝
func (c *ExecutionContext) VariablesSnapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return values.CopyMap(c.Variables)
}

// ============================================================
// 步骤结果
// ============================================================

// RecordResult 记录步骤结果；同一 key 重复记录时覆盖且不改变顺序
func (c *ExecutionContext) RecordResult(res *StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.StepResults[res.StepID]; !exists {
		c.StepOrder = append(c.StepOrder, res.StepID)
	}
	c.StepResults[res.StepID] = res
}

// Result 读取步骤结果
func (c *ExecutionContext) Result(stepID string) (*StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.StepResults[stepID]
	return r, ok
}

// SetCurrentStep 设置当前步骤
func (c *ExecutionContext) SetCurrentStep(stepID string) {
	c.mu.Lock()
	c.CurrentStep = stepID
	c.mu.Unlock()
}

// AddError 追加错误记录
func (c *ExecutionContext) AddError(stepID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Errors = append(c.Errors, ExecutionError{StepID: stepID, Message: err.Error(), Timestamp: time.Now()})
}

// ============================================================
// 检查点
// ============================================================

// CreateCheckpoint 以深拷贝方式快照变量与当前步骤
func (c *ExecutionContext) CreateCheckpoint(name string) Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := Checkpoint{
		Name:        name,
		Variables:   values.CopyMap(c.Variables),
		CurrentStep: c.CurrentStep,
		CreatedAt:   time.Now(),
	}
	c.Checkpoints = append(c.Checkpoints, cp)
	return cp
}

// RestoreCheckpoint 恢复最近一个同名检查点。
// 检查点本身保持不变，可重复恢复。
func (c *ExecutionContext) RestoreCheckpoint(name string) (Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.Checkpoints) - 1; i >= 0; i-- {
		cp := c.Checkpoints[i]
		if cp.Name != name {
			continue
		}
		c.Variables = values.CopyMap(cp.Variables)
		c.CurrentStep = cp.CurrentStep
		return cp, nil
	}
	return Checkpoint{}, fmt.Errorf("%w: %q", ErrCheckpointNotFound, name)
}

// ============================================================
// 状态与控制
// ============================================================

// GetState 返回当前状态
func (c *ExecutionContext) GetState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.State
}

// transition 仅当当前状态属于 from 时切换到 to，并唤醒所有等待者。
// from 为空表示任意非终止状态。
func (c *ExecutionContext) transition(to State, from ...State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State.Terminal() {
		return false
	}
	if len(from) > 0 {
		allowed := false
		for _, f := range from {
			if c.State == f {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	c.setStateLocked(to)
	return true
}

func (c *ExecutionContext) setStateLocked(to State) {
	c.State = to
	if to.Terminal() && c.EndTime.IsZero() {
		c.EndTime = time.Now()
	}
	if c.changed == nil {
		c.changed = make(chan struct{})
	}
	close(c.changed)
	c.changed = make(chan struct{})
}

// watch 返回当前状态以及下次状态变化时关闭的 channel
func (c *ExecutionContext) watch() (State, <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.changed == nil {
		c.changed = make(chan struct{})
	}
	return c.State, c.changed
}

// finish 进入终止状态并返回最终状态；已终止（例如已被 cancel）时保持原状态
func (c *ExecutionContext) finish(to State, output any, err error) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State.Terminal() {
		return c.State
	}
	c.Output = output
	if err != nil {
		c.Error = err.Error()
	}
	c.setStateLocked(to)
	return to
}

// Duration 返回执行时长；未结束时按当前时间计算
func (c *ExecutionContext) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.EndTime.IsZero() {
		return time.Since(c.StartTime)
	}
	return c.EndTime.Sub(c.StartTime)
}

// Snapshot 返回上下文的深拷贝，不共享任何可变状态
func (c *ExecutionContext) Snapshot() *ExecutionContext {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]*StepResult, len(c.StepResults))
	for k, r := range c.StepResults {
		cp := *r
		cp.Output = values.DeepCopy(r.Output)
		results[k] = &cp
	}
	checkpoints := make([]Checkpoint, len(c.Checkpoints))
	for i, cp := range c.Checkpoints {
		cp.Variables = values.CopyMap(cp.Variables)
		checkpoints[i] = cp
	}

	return &ExecutionContext{
		WorkflowID:  c.WorkflowID,
		ExecutionID: c.ExecutionID,
		State:       c.State,
		Variables:   values.CopyMap(c.Variables),
		StepResults: results,
		StepOrder:   append([]string(nil), c.StepOrder...),
		CurrentStep: c.CurrentStep,
		StartTime:   c.StartTime,
		EndTime:     c.EndTime,
		Checkpoints: checkpoints,
		Errors:      append([]ExecutionError(nil), c.Errors...),
		Output:      values.DeepCopy(c.Output),
		Error:       c.Error,
		changed:     make(chan struct{}),
	}
}
