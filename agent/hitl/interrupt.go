package hitl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/types"
)

// DefaultTimeout 中断默认等待时长
const DefaultTimeout = 24 * time.Hour

var (
	// ErrInterruptNotFound 中断不存在或已结束
	ErrInterruptNotFound = errors.New("interrupt not found or already resolved")
	// ErrInterruptCanceled 中断在等待期间被取消
	ErrInterruptCanceled = errors.New("interrupt canceled")
)

// InterruptType 中断类型
type InterruptType string

const (
	InterruptTypeApproval InterruptType = "approval"
	InterruptTypeInput    InterruptType = "input"
	InterruptTypeReview   InterruptType = "review"
)

// InterruptStatus 中断状态
type InterruptStatus string

const (
	InterruptStatusPending  InterruptStatus = "pending"
	InterruptStatusResolved InterruptStatus = "resolved"
	InterruptStatusRejected InterruptStatus = "rejected"
	InterruptStatusTimeout  InterruptStatus = "timeout"
	InterruptStatusCanceled InterruptStatus = "canceled"
)

// Interrupt 等待人工处理的中断点
type Interrupt struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"executionId"`
	WorkflowID  string          `json:"workflowId,omitempty"`
	StepID      string          `json:"stepId,omitempty"`
	Type        InterruptType   `json:"type"`
	Status      InterruptStatus `json:"status"`
	Question    string          `json:"question"`
	Data        any             `json:"data,omitempty"`
	Options     []string        `json:"options,omitempty"`
	Response    *Response       `json:"response,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ResolvedAt  *time.Time      `json:"resolvedAt,omitempty"`
	Timeout     time.Duration   `json:"timeout"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Response 人工答复
type Response struct {
	// Option 选中的选项，须属于中断的 Options
	Option       string         `json:"option,omitempty"`
	Approved     bool           `json:"approved"`
	Comment      string         `json:"comment,omitempty"`
	NeedsChanges bool           `json:"needsChanges,omitempty"`
	Skipped      bool           `json:"skipped,omitempty"`
	Input        any            `json:"input,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	UserID       string         `json:"userId,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// InterruptStore 中断持久化
type InterruptStore interface {
	Save(ctx context.Context, interrupt *Interrupt) error
	Load(ctx context.Context, interruptID string) (*Interrupt, error)
	List(ctx context.Context, executionID string, status InterruptStatus) ([]*Interrupt, error)
	Update(ctx context.Context, interrupt *Interrupt) error
}

// InterruptHandler 新中断的通知回调，例如推送到审批界面
type InterruptHandler func(ctx context.Context, interrupt *Interrupt) error

// InterruptOptions 创建中断的参数
type InterruptOptions struct {
	ExecutionID string
	WorkflowID  string
	StepID      string
	Type        InterruptType
	Question    string
	Data        any
	Options     []string
	Timeout     time.Duration
	Metadata    map[string]any
}

// InterruptManager 管理等待中的中断
type InterruptManager struct {
	store    InterruptStore
	logger   *zap.Logger
	handlers map[InterruptType][]InterruptHandler
	pending  map[string]*pendingInterrupt
	mu       sync.RWMutex
}

type pendingInterrupt struct {
	interrupt  *Interrupt
	responseCh chan *Response
}

// NewInterruptManager 创建中断管理器，store 为 nil 时使用内存存储
func NewInterruptManager(store InterruptStore, logger *zap.Logger) *InterruptManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = NewInMemoryInterruptStore()
	}
	return &InterruptManager{
		store:    store,
		logger:   logger.With(zap.String("component", "interrupt_manager")),
		handlers: make(map[InterruptType][]InterruptHandler),
		pending:  make(map[string]*pendingInterrupt),
	}
}

// RegisterHandler 注册某类中断的通知回调
func (m *InterruptManager) RegisterHandler(interruptType InterruptType, handler InterruptHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[interruptType] = append(m.handlers[interruptType], handler)
}

// CreateInterrupt 创建中断并阻塞到答复、取消、超时或 ctx 结束
func (m *InterruptManager) CreateInterrupt(ctx context.Context, opts InterruptOptions) (*Response, error) {
	interrupt := &Interrupt{
		ID:          uuid.NewString(),
		ExecutionID: opts.ExecutionID,
		WorkflowID:  opts.WorkflowID,
		StepID:      opts.StepID,
		Type:        opts.Type,
		Status:      InterruptStatusPending,
		Question:    opts.Question,
		Data:        opts.Data,
		Options:     opts.Options,
		CreatedAt:   time.Now(),
		Timeout:     opts.Timeout,
		Metadata:    opts.Metadata,
	}
	if interrupt.Timeout <= 0 {
		interrupt.Timeout = DefaultTimeout
	}

	if err := m.store.Save(ctx, interrupt); err != nil {
		return nil, fmt.Errorf("failed to save interrupt: %w", err)
	}

	pending := &pendingInterrupt{interrupt: interrupt, responseCh: make(chan *Response, 1)}
	m.mu.Lock()
	m.pending[interrupt.ID] = pending
	m.mu.Unlock()

	m.logger.Info("interrupt created",
		zap.String("id", interrupt.ID),
		zap.String("execution_id", interrupt.ExecutionID),
		zap.String("type", string(interrupt.Type)),
	)
	m.notifyHandlers(ctx, interrupt)

	timer := time.NewTimer(interrupt.Timeout)
	defer timer.Stop()

	select {
	case resp := <-pending.responseCh:
		if resp == nil {
			return nil, ErrInterruptCanceled
		}
		return resp, nil
	case <-timer.C:
		m.expire(interrupt, InterruptStatusTimeout)
		return nil, types.NewTimeoutError(fmt.Sprintf("interrupt %s timed out after %s", interrupt.ID, interrupt.Timeout))
	case <-ctx.Done():
		m.expire(interrupt, InterruptStatusCanceled)
		return nil, ctx.Err()
	}
}

// ResolveInterrupt 提交答复。未选择选项且 Approved=false 时记为 rejected。
func (m *InterruptManager) ResolveInterrupt(ctx context.Context, interruptID string, response *Response) error {
	if response == nil {
		return types.NewError(types.ErrValidation, "response is required")
	}
	m.mu.RLock()
	p, ok := m.pending[interruptID]
	m.mu.RUnlock()
	if ok && response.Option != "" && len(p.interrupt.Options) > 0 && !contains(p.interrupt.Options, response.Option) {
		return types.NewError(types.ErrValidation, fmt.Sprintf("option %q is not offered", response.Option))
	}

	pending, ok := m.take(interruptID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInterruptNotFound, interruptID)
	}
	interrupt := pending.interrupt

	now := time.Now()
	response.Timestamp = now
	interrupt.Response = response
	interrupt.ResolvedAt = &now
	interrupt.Status = InterruptStatusResolved
	if !response.Approved && response.Option == "" {
		interrupt.Status = InterruptStatusRejected
	}

	m.logger.Info("interrupt resolved",
		zap.String("id", interruptID),
		zap.Bool("approved", response.Approved),
		zap.String("option", response.Option),
	)
	if err := m.store.Update(ctx, interrupt); err != nil {
		m.logger.Warn("failed to persist interrupt resolution", zap.String("id", interruptID), zap.Error(err))
	}

	pending.responseCh <- response
	return nil
}

// CancelInterrupt 取消等待中的中断，等待方收到 ErrInterruptCanceled
func (m *InterruptManager) CancelInterrupt(ctx context.Context, interruptID string) error {
	pending, ok := m.take(interruptID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrInterruptNotFound, interruptID)
	}

	now := time.Now()
	pending.interrupt.Status = InterruptStatusCanceled
	pending.interrupt.ResolvedAt = &now
	if err := m.store.Update(ctx, pending.interrupt); err != nil {
		m.logger.Warn("failed to persist interrupt cancellation", zap.String("id", interruptID), zap.Error(err))
	}
	close(pending.responseCh)

	m.logger.Info("interrupt canceled", zap.String("id", interruptID))
	return nil
}

// CancelExecution 取消某次执行下的全部中断
func (m *InterruptManager) CancelExecution(ctx context.Context, executionID string) int {
	n := 0
	for _, in := range m.GetPendingInterrupts(executionID) {
		if m.CancelInterrupt(ctx, in.ID) == nil {
			n++
		}
	}
	return n
}

// GetPendingInterrupts 等待中的中断，executionID 为空时返回全部，按创建时间排序
func (m *InterruptManager) GetPendingInterrupts(executionID string) []*Interrupt {
	m.mu.RLock()
	var results []*Interrupt
	for _, p := range m.pending {
		if executionID == "" || p.interrupt.ExecutionID == executionID {
			results = append(results, p.interrupt)
		}
	}
	m.mu.RUnlock()
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	return results
}

// take 从等待表中取出中断，保证每个中断只被结束一次
func (m *InterruptManager) take(id string) (*pendingInterrupt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	return p, ok
}

// expire 等待方放弃时结束中断；已被答复或取消的中断保持原状态
func (m *InterruptManager) expire(interrupt *Interrupt, status InterruptStatus) {
	if _, ok := m.take(interrupt.ID); !ok {
		return
	}
	now := time.Now()
	interrupt.Status = status
	interrupt.ResolvedAt = &now
	if err := m.store.Update(context.Background(), interrupt); err != nil {
		m.logger.Warn("failed to persist interrupt expiry", zap.String("id", interrupt.ID), zap.Error(err))
	}
	m.logger.Warn("interrupt expired", zap.String("id", interrupt.ID), zap.String("status", string(status)))
}

func (m *InterruptManager) notifyHandlers(ctx context.Context, interrupt *Interrupt) {
	m.mu.RLock()
	handlers := append([]InterruptHandler(nil), m.handlers[interrupt.Type]...)
	m.mu.RUnlock()

	for _, handler := range handlers {
		go func(h InterruptHandler) {
			if err := h(ctx, interrupt); err != nil {
				m.logger.Error("interrupt handler error", zap.String("id", interrupt.ID), zap.Error(err))
			}
		}(handler)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// InMemoryInterruptStore 内存中的中断存储
type InMemoryInterruptStore struct {
	interrupts map[string]*Interrupt
	mu         sync.RWMutex
}

// NewInMemoryInterruptStore 创建内存存储
func NewInMemoryInterruptStore() *InMemoryInterruptStore {
	return &InMemoryInterruptStore{interrupts: make(map[string]*Interrupt)}
}

func (s *InMemoryInterruptStore) Save(_ context.Context, interrupt *Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts[interrupt.ID] = interrupt
	return nil
}

func (s *InMemoryInterruptStore) Load(_ context.Context, interruptID string) (*Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	interrupt, ok := s.interrupts[interruptID]
	if !ok {
		return nil, types.NewNotFoundError("interrupt", interruptID)
	}
	return interrupt, nil
}

func (s *InMemoryInterruptStore) List(_ context.Context, executionID string, status InterruptStatus) ([]*Interrupt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []*Interrupt
	for _, interrupt := range s.interrupts {
		if (executionID == "" || interrupt.ExecutionID == executionID) &&
			(status == "" || interrupt.Status == status) {
			results = append(results, interrupt)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	return results, nil
}

func (s *InMemoryInterruptStore) Update(_ context.Context, interrupt *Interrupt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interrupts[interrupt.ID] = interrupt
	return nil
}
