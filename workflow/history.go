package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// HistoryFilter 历史查询条件，零值字段不参与过滤
type HistoryFilter struct {
	WorkflowID string
	State      State
	Since      time.Time
	Until      time.Time
	Limit      int
}

func (f HistoryFilter) match(ec *ExecutionContext) bool {
	if f.WorkflowID != "" && ec.WorkflowID != f.WorkflowID {
		return false
	}
	if f.State != "" && ec.State != f.State {
		return false
	}
	if !f.Since.IsZero() && ec.StartTime.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ec.StartTime.After(f.Until) {
		return false
	}
	return true
}

// HistoryStore 保存终止执行的快照，用于事后排查，不用于恢复执行
type HistoryStore interface {
	Save(ctx context.Context, ec *ExecutionContext) error
	Get(ctx context.Context, executionID string) (*ExecutionContext, error)
	// List 按开始时间倒序返回
	List(ctx context.Context, filter HistoryFilter) ([]*ExecutionContext, error)
	// Delete 删除快照；不存在时返回 ErrExecutionNotFound
	Delete(ctx context.Context, executionID string) error
}

// DefaultHistoryCapacity 内存历史默认容量
const DefaultHistoryCapacity = 1000

// MemoryHistoryStore 内存历史存储，超过容量时淘汰最早保存的记录
type MemoryHistoryStore struct {
	mu        sync.RWMutex
	histories map[string]*ExecutionContext
	order     []string
	capacity  int
}

// NewMemoryHistoryStore 创建内存历史存储；capacity <= 0 时使用默认容量
func NewMemoryHistoryStore(capacity int) *MemoryHistoryStore {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &MemoryHistoryStore{
		histories: make(map[string]*ExecutionContext),
		capacity:  capacity,
	}
}

// Save 保存执行快照
func (s *MemoryHistoryStore) Save(_ context.Context, ec *ExecutionContext) error {
	snap := ec.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.histories[snap.ExecutionID]; !exists {
		s.order = append(s.order, snap.ExecutionID)
	}
	s.histories[snap.ExecutionID] = snap

	for len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.histories, oldest)
	}
	return nil
}

// Get 读取执行快照
func (s *MemoryHistoryStore) Get(_ context.Context, executionID string) (*ExecutionContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.histories[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return h.Snapshot(), nil
}

// List 查询执行快照
func (s *MemoryHistoryStore) List(_ context.Context, filter HistoryFilter) ([]*ExecutionContext, error) {
	s.mu.RLock()
	var result []*ExecutionContext
	for _, h := range s.histories {
		if filter.match(h) {
			result = append(result, h.Snapshot())
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Delete 删除执行快照
func (s *MemoryHistoryStore) Delete(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.histories[executionID]; !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	delete(s.histories, executionID)
	for i, id := range s.order {
		if id == executionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len 返回保存的记录数
func (s *MemoryHistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.histories)
}

func sortNewestFirst(list []*ExecutionContext) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].StartTime.After(list[j].StartTime)
	})
}
