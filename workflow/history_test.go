package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/internal/cache"
)

func finishedContext(workflowID string, state State, start time.Time) *ExecutionContext {
	ec := NewExecutionContext(workflowID, map[string]any{"k": "v"})
	ec.StartTime = start
	ec.RecordResult(&StepResult{StepID: "s1", Success: state == StateCompleted, Timestamp: start})
	ec.finish(state, map[string]any{"ok": state == StateCompleted}, nil)
	return ec
}

func TestMemoryHistoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryHistoryStore(3)
	base := time.Now().Add(-time.Hour)

	a := finishedContext("wf-a", StateCompleted, base)
	b := finishedContext("wf-a", StateFailed, base.Add(time.Minute))
	c := finishedContext("wf-b", StateCompleted, base.Add(2*time.Minute))
	for _, ec := range []*ExecutionContext{a, b, c} {
		require.NoError(t, store.Save(ctx, ec))
	}

	got, err := store.Get(ctx, b.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)

	list, err := store.List(ctx, HistoryFilter{WorkflowID: "wf-a"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ExecutionID, list[0].ExecutionID, "newest first")

	completed, err := store.List(ctx, HistoryFilter{State: StateCompleted, Limit: 1})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, c.ExecutionID, completed[0].ExecutionID)

	ranged, err := store.List(ctx, HistoryFilter{Since: base.Add(30 * time.Second), Until: base.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	assert.Equal(t, b.ExecutionID, ranged[0].ExecutionID)

	// 超过容量淘汰最早保存的记录
	d := finishedContext("wf-b", StateCancelled, base.Add(3*time.Minute))
	require.NoError(t, store.Save(ctx, d))
	assert.Equal(t, 3, store.Len())
	_, err = store.Get(ctx, a.ExecutionID)
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	require.NoError(t, store.Delete(ctx, c.ExecutionID))
	assert.Equal(t, 2, store.Len())
	assert.ErrorIs(t, store.Delete(ctx, c.ExecutionID), ErrExecutionNotFound)

	// 删除后腾出的容量不淘汰其余记录
	e := finishedContext("wf-c", StateCompleted, base.Add(4*time.Minute))
	require.NoError(t, store.Save(ctx, e))
	assert.Equal(t, 3, store.Len())
	_, err = store.Get(ctx, b.ExecutionID)
	assert.NoError(t, err)
}

func TestMemoryHistoryStore_SavesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryHistoryStore(0)
	ec := finishedContext("wf", StateCompleted, time.Now())
	require.NoError(t, store.Save(ctx, ec))

	ec.SetVariable("k", "changed")
	got, err := store.Get(ctx, ec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Variables["k"])
}

func TestRedisHistoryStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	m, err := cache.NewManager(cache.Config{Addr: mr.Addr(), KeyPrefix: "musubi:", DefaultTTL: time.Hour}, zap.NewNop())
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	store := NewRedisHistoryStore(m, 0, zap.NewNop())
	base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)

	a := finishedContext("wf-a", StateCompleted, base)
	b := finishedContext("wf-a", StateFailed, base.Add(time.Minute))
	c := finishedContext("wf-b", StateCompleted, base.Add(2*time.Minute))
	for _, ec := range []*ExecutionContext{a, b, c} {
		require.NoError(t, store.Save(ctx, ec))
	}
	assert.True(t, mr.Exists("musubi:execution:"+a.ExecutionID))

	got, err := store.Get(ctx, a.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "wf-a", got.WorkflowID)
	assert.Equal(t, StateCompleted, got.State)
	assert.Equal(t, "v", got.Variables["k"])
	require.Contains(t, got.StepResults, "s1")
	assert.True(t, got.StepResults["s1"].Success)

	list, err := store.List(ctx, HistoryFilter{WorkflowID: "wf-a"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ExecutionID, list[0].ExecutionID)

	all, err := store.List(ctx, HistoryFilter{State: StateCompleted})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, c.ExecutionID, all[0].ExecutionID)

	// 已过期的快照从索引中清理
	mr.Del("musubi:execution:" + c.ExecutionID)
	all, err = store.List(ctx, HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	members, err := mr.ZMembers("musubi:executions")
	require.NoError(t, err)
	assert.NotContains(t, members, c.ExecutionID)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	require.NoError(t, store.Delete(ctx, b.ExecutionID))
	assert.False(t, mr.Exists("musubi:execution:"+b.ExecutionID))
	members, err = mr.ZMembers("musubi:workflow:wf-a")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ExecutionID}, members)
	members, err = mr.ZMembers("musubi:executions")
	require.NoError(t, err)
	assert.NotContains(t, members, b.ExecutionID)
	assert.ErrorIs(t, store.Delete(ctx, b.ExecutionID), ErrExecutionNotFound)
}
