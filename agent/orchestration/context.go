package orchestration

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority 任务优先级，P0 最高
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Status 编排上下文状态
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusWaitingForHuman Status = "waitingForHuman"
)

// Terminal 是否为终止状态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Context 编排层执行上下文。子上下文由父上下文独占持有。
type Context struct {
	ID        string         `json:"id"`
	ParentID  string         `json:"parentId,omitempty"`
	Task      string         `json:"task"`
	Priority  Priority       `json:"priority"`
	Status    Status         `json:"status"`
	Skill     string         `json:"skill,omitempty"`
	Input     any            `json:"input,omitempty"`
	Output    any            `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Children  []*Context     `json:"children,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	StartTime time.Time      `json:"startTime"`
	EndTime   time.Time      `json:"endTime,omitempty"`

	mu sync.RWMutex
}

// NewContext 创建 pending 状态的上下文
func NewContext(task string, priority Priority) *Context {
	if priority == "" {
		priority = PriorityP2
	}
	return &Context{
		ID:       uuid.NewString(),
		Task:     task,
		Priority: priority,
		Status:   StatusPending,
		Metadata: make(map[string]any),
	}
}

// newChild 创建挂在 parent 下的子上下文；parent 为 nil 时返回独立上下文
func newChild(parent *Context, task, skill string, input any) *Context {
	priority := PriorityP2
	if parent != nil {
		priority = parent.GetPriority()
	}
	child := NewContext(task, priority)
	child.Skill = skill
	child.Input = input
	if parent != nil {
		child.ParentID = parent.ID
		parent.addChild(child)
	}
	return child
}

func (c *Context) addChild(child *Context) {
	c.mu.Lock()
	c.Children = append(c.Children, child)
	c.mu.Unlock()
}

// GetPriority 返回优先级
func (c *Context) GetPriority() Priority {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Priority
}

// GetStatus 返回当前状态
func (c *Context) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Status
}

// GetOutput 返回输出
func (c *Context) GetOutput() any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Output
}

// SetMetadata 设置元数据
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}
	c.Metadata[key] = value
}

// GetMetadata 读取元数据
func (c *Context) GetMetadata(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.Metadata[key]
	return v, ok
}

// ChildList 返回子上下文列表副本
func (c *Context) ChildList() []*Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Context(nil), c.Children...)
}

func (c *Context) start() {
	c.mu.Lock()
	c.Status = StatusRunning
	c.StartTime = time.Now()
	c.mu.Unlock()
}

// setStatus 非终止状态之间切换；终止后不再改变
func (c *Context) setStatus(s Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status.Terminal() {
		return false
	}
	c.Status = s
	return true
}

// finish 进入终止状态并返回最终状态；已终止时保持原状态
func (c *Context) finish(s Status, output any, err error) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Status.Terminal() {
		return c.Status
	}
	c.Status = s
	c.Output = output
	if err != nil {
		c.Error = err.Error()
	}
	c.EndTime = time.Now()
	return s
}

// Duration 返回执行耗时；未结束时计算到当前
func (c *Context) Duration() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.StartTime.IsZero() {
		return 0
	}
	if c.EndTime.IsZero() {
		return time.Since(c.StartTime)
	}
	return c.EndTime.Sub(c.StartTime)
}

// Snapshot 返回包含子树的副本
func (c *Context) Snapshot() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := &Context{
		ID:        c.ID,
		ParentID:  c.ParentID,
		Task:      c.Task,
		Priority:  c.Priority,
		Status:    c.Status,
		Skill:     c.Skill,
		Input:     c.Input,
		Output:    c.Output,
		Error:     c.Error,
		StartTime: c.StartTime,
		EndTime:   c.EndTime,
	}
	if c.Metadata != nil {
		cp.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			cp.Metadata[k] = v
		}
	}
	for _, child := range c.Children {
		cp.Children = append(cp.Children, child.Snapshot())
	}
	return cp
}
