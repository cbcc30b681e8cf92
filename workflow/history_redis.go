package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nahisaho/musubi/internal/cache"
)

// RedisHistoryStore 以 JSON 形式把执行快照保存到 Redis。
//
// 键布局（均带 cache.Config.KeyPrefix）：
//
//	execution:<id>             执行快照
//	executions                 全部执行的有序索引（score = 开始时间）
//	workflow:<workflowId>      单个工作流的有序索引
type RedisHistoryStore struct {
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisHistoryStore 创建 Redis 历史存储；ttl 为 0 时使用 cache 默认 TTL
func NewRedisHistoryStore(m *cache.Manager, ttl time.Duration, logger *zap.Logger) *RedisHistoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisHistoryStore{
		cache:  m,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "workflow_history")),
	}
}

func (s *RedisHistoryStore) executionKey(id string) string {
	return s.cache.Key("execution", id)
}

// Save 保存快照并更新索引
func (s *RedisHistoryStore) Save(ctx context.Context, ec *ExecutionContext) error {
	snap := ec.Snapshot()
	if err := s.cache.SetJSON(ctx, s.executionKey(snap.ExecutionID), snap, s.ttl); err != nil {
		return fmt.Errorf("save execution %s: %w", snap.ExecutionID, err)
	}

	score := float64(snap.StartTime.UnixNano())
	if err := s.cache.IndexAdd(ctx, s.cache.Key("executions"), score, snap.ExecutionID, s.ttl); err != nil {
		return err
	}
	if err := s.cache.IndexAdd(ctx, s.cache.Key("workflow", snap.WorkflowID), score, snap.ExecutionID, s.ttl); err != nil {
		return err
	}
	s.logger.Debug("execution saved",
		zap.String("execution_id", snap.ExecutionID),
		zap.String("state", string(snap.State)),
	)
	return nil
}

// Get 读取快照
func (s *RedisHistoryStore) Get(ctx context.Context, executionID string) (*ExecutionContext, error) {
	var ec ExecutionContext
	if err := s.cache.GetJSON(ctx, s.executionKey(executionID), &ec); err != nil {
		if cache.IsCacheMiss(err) {
			return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
		}
		return nil, err
	}
	return &ec, nil
}

// Delete 删除快照并从两个索引中移除
func (s *RedisHistoryStore) Delete(ctx context.Context, executionID string) error {
	ec, err := s.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, s.executionKey(executionID)); err != nil {
		return fmt.Errorf("delete execution %s: %w", executionID, err)
	}
	if err := s.cache.IndexRemove(ctx, s.cache.Key("executions"), executionID); err != nil {
		return err
	}
	if err := s.cache.IndexRemove(ctx, s.cache.Key("workflow", ec.WorkflowID), executionID); err != nil {
		return err
	}
	s.logger.Debug("execution deleted", zap.String("execution_id", executionID))
	return nil
}

// List 沿索引倒序读取快照。索引中已过期的条目会被顺带清理。
func (s *RedisHistoryStore) List(ctx context.Context, filter HistoryFilter) ([]*ExecutionContext, error) {
	indexKey := s.cache.Key("executions")
	if filter.WorkflowID != "" {
		indexKey = s.cache.Key("workflow", filter.WorkflowID)
	}
	ids, err := s.cache.IndexRange(ctx, indexKey, 0)
	if err != nil {
		return nil, err
	}

	var (
		result []*ExecutionContext
		stale  []string
	)
	for _, id := range ids {
		ec, err := s.Get(ctx, id)
		if errors.Is(err, ErrExecutionNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !filter.match(ec) {
			continue
		}
		result = append(result, ec)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	if len(stale) > 0 {
		if err := s.cache.IndexRemove(ctx, indexKey, stale...); err != nil {
			s.logger.Warn("failed to prune history index", zap.Error(err))
		}
	}
	sortNewestFirst(result)
	return result, nil
}
