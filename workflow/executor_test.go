package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/nahisaho/musubi/agent/events"
	"github.com/nahisaho/musubi/types"
)

type harness struct {
	exec *Executor
	bus  *events.SyncBus
	rec  *events.Recorder
}

func newHarness(t *testing.T, cfg ExecutorConfig) *harness {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	rec := events.NewRecorder(bus)
	cfg.Bus = bus
	return &harness{exec: NewExecutor(cfg, zap.NewNop()), bus: bus, rec: rec}
}

// completedIDs 返回 step-completed 事件中的步骤 ID（排序）
func (h *harness) completedIDs() []string {
	var ids []string
	for _, e := range h.rec.Filter(EventStepCompleted) {
		ids = append(ids, e.Get("stepId").(string))
	}
	sort.Strings(ids)
	return ids
}

func resultIDs(ec *ExecutionContext) []string {
	ids := make([]string, 0, len(ec.StepResults))
	for id := range ec.StepResults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var errBoom = errors.New("boom")

func testSkills() SkillMap {
	return SkillMap{
		"echo": RunnableFunc(func(_ context.Context, in any) (any, error) { return in, nil }),
		"double": RunnableFunc(func(_ context.Context, in any) (any, error) {
			m := in.(map[string]any)
			return m["n"].(int) * 2, nil
		}),
		"fail": RunnableFunc(func(context.Context, any) (any, error) { return nil, errBoom }),
	}
}

func TestExecutor_SkillsAndVariables(t *testing.T) {
	h := newHarness(t, ExecutorConfig{Skills: testSkills()})
	def := &Definition{
		ID:      "greet",
		Inputs:  []InputDef{{Name: "name", Required: true}, {Name: "n", Default: 21}},
		Outputs: []string{"greeting", "answer"},
		Steps: []Step{
			{ID: "hello", Type: StepSkill, SkillID: "echo", Input: "hello ${name}", OutputVariable: "greeting"},
			{ID: "calc", Type: StepSkill, SkillID: "double", Input: map[string]any{"n": map[string]any{"$var": "n"}}, OutputVariable: "answer"},
		},
	}

	ec, err := h.exec.Execute(context.Background(), def, map[string]any{"name": "musubi"})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, ec.State)
	assert.Equal(t, map[string]any{"greeting": "hello musubi", "answer": 42}, ec.Output)
	assert.Equal(t, []string{"hello", "calc"}, ec.StepOrder)
	assert.Equal(t, 1, ec.StepResults["calc"].Attempts)
	assert.Empty(t, h.exec.ListActive())

	assert.Equal(t, []events.Type{
		EventExecutionStarted,
		EventStepStarted, EventStepCompleted,
		EventStepStarted, EventStepCompleted,
		EventExecutionCompleted,
	}, h.rec.Types())
	for _, e := range h.rec.Events() {
		assert.Equal(t, ec.ExecutionID, e.ExecutionID)
	}

	_, err = h.exec.Execute(context.Background(), def, nil)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr, "missing required input")
}

func TestExecutor_ValidationBeforeAnyHandler(t *testing.T) {
	var calls atomic.Int32
	handlers := DefaultHandlers()
	handlers.Register(StepSetVariable, HandlerFunc(func(context.Context, *Run, Step) (any, error) {
		calls.Add(1)
		return nil, nil
	}))
	h := newHarness(t, ExecutorConfig{Skills: testSkills(), Handlers: handlers})

	defs := []*Definition{
		{ID: "dup", Steps: []Step{{ID: "a", Type: StepSetVariable, Variable: "x"}, {ID: "a", Type: StepSetVariable, Variable: "y"}}},
		{ID: "unknown-type", Steps: []Step{{ID: "a", Type: StepSetVariable, Variable: "x"}, {ID: "b", Type: "teleport"}}},
		{ID: "unknown-skill", Steps: []Step{{ID: "a", Type: StepSetVariable, Variable: "x"}, {ID: "b", Type: StepSkill, SkillID: "ghost"}}},
		{ID: "", Steps: []Step{{ID: "a", Type: StepSetVariable, Variable: "x"}}},
		{ID: "empty"},
	}
	for _, def := range defs {
		t.Run(def.ID, func(t *testing.T) {
			ec, err := h.exec.Execute(context.Background(), def, nil)
			assert.Nil(t, ec)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
	assert.Zero(t, calls.Load())
	assert.Empty(t, h.rec.Events())

	_, err := h.exec.Execute(context.Background(), nil, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

// 检查点 after 捕获 x=1；失败步骤回滚到 after 后错误继续向上抛出，
// execution-failed 的订阅者看到 x=1。
func TestExecutor_CheckpointRollback(t *testing.T) {
	h := newHarness(t, ExecutorConfig{Skills: testSkills()})
	def := &Definition{
		ID: "rollback",
		Steps: []Step{
			{ID: "start", Type: StepCheckpoint, Name: "start"},
			{ID: "set1", Type: StepSetVariable, Variable: "x", Value: 1},
			{ID: "after", Type: StepCheckpoint, Name: "after"},
			{ID: "set5", Type: StepSetVariable, Variable: "x", Value: 5},
			{ID: "explode", Type: StepSkill, SkillID: "fail", OnError: &ErrorHandling{Strategy: RecoveryRollback, RollbackTo: "after"}},
		},
	}

	var observedX any
	var observedState State
	h.bus.Subscribe(EventExecutionFailed, func(e events.Event) {
		snap, err := h.exec.GetStatus(e.ExecutionID)
		require.NoError(t, err)
		observedX = snap.Variables["x"]
		observedState = snap.State
	})

	ec, err := h.exec.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.True(t, types.IsErrorCode(err, types.ErrStepFailed))

	assert.Equal(t, 1, observedX)
	assert.Equal(t, StateFailed, observedState)
	assert.Equal(t, StateFailed, ec.State)
	assert.Equal(t, 1, ec.Variables["x"])
	assert.NotEmpty(t, ec.Error)

	require.Len(t, ec.Checkpoints, 2)
	assert.Equal(t, map[string]any{"x": 1}, ec.Checkpoints[1].Variables)
	assert.Equal(t, "after", ec.CurrentStep, "currentStep restored from checkpoint")
	assert.Equal(t, 1, h.rec.Count(EventRollback))
	assert.Equal(t, 1, h.rec.Count(EventStepFailed))
	assert.False(t, ec.StepResults["explode"].Success)
	require.Len(t, ec.Errors, 1)
	assert.Equal(t, "explode", ec.Errors[0].StepID)
}

func TestExecutor_StepRecovery(t *testing.T) {
	t.Run("skip records failure and continues", func(t *testing.T) {
		h := newHarness(t, ExecutorConfig{Skills: testSkills()})
		def := &Definition{ID: "skip", Steps: []Step{
			{ID: "bad", Type: StepSkill, SkillID: "fail", OnError: &ErrorHandling{Strategy: RecoverySkip}},
			{ID: "next", Type: StepSetVariable, Variable: "done", Value: true},
		}}
		ec, err := h.exec.Execute(context.Background(), def, nil)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, ec.State)
		assert.False(t, ec.StepResults["bad"].Success)
		assert.Equal(t, true, ec.Variables["done"])
		assert.Equal(t, 1, h.rec.Count(EventErrorLogged))
	})

	t.Run("fallback runs fallback steps", func(t *testing.T) {
		h := newHarness(t, ExecutorConfig{Skills: testSkills()})
		def := &Definition{ID: "fallback", Steps: []Step{
			{ID: "bad", Type: StepSkill, SkillID: "fail", OnError: &ErrorHandling{
				Strategy:      RecoveryFallback,
				FallbackSteps: []Step{{ID: "recover", Type: StepSetVariable, Variable: "recovered", Value: "yes"}},
			}},
		}}
		ec, err := h.exec.Execute(context.Background(), def, nil)
		require.NoError(t, err)
		assert.Equal(t, "yes", ec.Variables["recovered"])
		assert.Equal(t, []string{"bad", "recover"}, ec.StepOrder)
	})

	t.Run("abort rethrows", func(t *testing.T) {
		h := newHarness(t, ExecutorConfig{Skills: testSkills()})
		def := &Definition{ID: "abort", Steps: []Step{
			{ID: "bad", Type: StepSkill, SkillID: "fail", OnError: &ErrorHandling{Strategy: RecoveryAbort}},
			{ID: "never", Type: StepSetVariable, Variable: "x", Value: 1},
		}}
		ec, err := h.exec.Execute(context.Background(), def, nil)
		assert.ErrorIs(t, err, errBoom)
		assert.Equal(t, StateFailed, ec.State)
		_, ran := ec.StepResults["never"]
		assert.False(t, ran)
	})

	t.Run("rollback to unknown checkpoint", func(t *testing.T) {
		h := newHarness(t, ExecutorConfig{Skills: testSkills()})
		def := &Definition{ID: "bad-rollback", Steps: []Step{
			{ID: "bad", Type: StepSkill, SkillID: "fail", OnError: &ErrorHandling{Strategy: RecoveryRollback, RollbackTo: "ghost"}},
		}}
		_, err := h.exec.Execute(context.Background(), def, nil)
		assert.ErrorIs(t, err, errBoom)
		assert.ErrorIs(t, err, ErrCheckpointNotFound)
	})
}

func TestExecutor_WorkflowRecovery(t *testing.T) {
	t.Run("skip continues with the next top-level step", func(t *testing.T) {
		h := newHarness(t, ExecutorConfig{Skills: testSkills()})
		def := &Definition{
			ID:            "wf-skip",
			ErrorHandling: ErrorHandling{Strategy: RecoverySkip},
			Steps: []Step{
				{ID: "bad", Type: StepSkill, SkillID: "fail"},
				{ID: "next", Type: StepSetVariable, Variable: "x", Value: 1},
			},
		}
		ec, err := h.exec.Execute(context.Background(), def, nil)
		require.NoError(t, err)
		assert.Equal(t, StateCompleted, ec.State)
		assert.Equal(t, 1, ec.Variables["x"])
	})

	t.Run("fallback", func(t *testing.T) {
		h := newHarness(t, ExecutorConfig{Skills: testSkills()})
		def := &Definition{
			ID: "wf-fallback",
			ErrorHandling: ErrorHandling{
				Strategy:      RecoveryFallback,
				FallbackSteps: []Step{{ID: "fb", Type: StepSetVariable, Variable: "fb", Value: true}},
			},
			Steps: []Step{{ID: "bad", Type: StepSkill, SkillID: "fail"}},
		}
		ec, err := h.exec.Execute(context.Background(), def, nil)
		require.NoError(t, err)
		assert.Equal(t, true, ec.Variables["fb"])
	})

	t.Run("rollback restores then fails", func(t *testing.T) {
		h := newHarness(t, ExecutorConfig{Skills: testSkills()})
		def := &Definition{
			ID:            "wf-rollback",
			ErrorHandling: ErrorHandling{Strategy: RecoveryRollback, RollbackTo: "cp"},
			Steps: []Step{
				{ID: "cp", Type: StepCheckpoint},
				{ID: "set", Type: StepSetVariable, Variable: "x", Value: 9},
				{ID: "bad", Type: StepSkill, SkillID: "fail"},
			},
		}
		ec, err := h.exec.Execute(context.Background(), def, nil)
		assert.ErrorIs(t, err, errBoom)
		_, has := ec.Variables["x"]
		assert.False(t, has)
		assert.Equal(t, 1, h.rec.Count(EventRollback))
	})
}

func TestExecutor_ManualInterventionResume(t *testing.T) {
	h := newHarness(t, ExecutorConfig{Skills: testSkills()})
	h.bus.Subscribe(EventManualIntervention, func(e events.Event) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			assert.NoError(t, h.exec.Resume(e.ExecutionID))
		}()
	})

	def := &Definition{ID: "manual", Steps: []Step{
		{ID: "bad", Type: StepSkill, SkillID: "fail", OnError: &ErrorHandling{Strategy: RecoveryManual}},
		{ID: "after", Type: StepSetVariable, Variable: "x", Value: 1},
	}}
	ec, err := h.exec.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, ec.State)
	assert.Equal(t, 1, ec.Variables["x"])
	assert.Equal(t, 1, h.rec.Count(EventExecutionPaused))
	assert.Equal(t, 1, h.rec.Count(EventExecutionResumed))
}

func TestExecutor_WorkflowManualThenCancel(t *testing.T) {
	h := newHarness(t, ExecutorConfig{Skills: testSkills()})
	h.bus.Subscribe(EventManualIntervention, func(e events.Event) {
		go func() { assert.NoError(t, h.exec.Cancel(e.ExecutionID)) }()
	})
	def := &Definition{
		ID:            "manual-cancel",
		ErrorHandling: ErrorHandling{Strategy: RecoveryManual},
		Steps:         []Step{{ID: "bad", Type: StepSkill, SkillID: "fail"}},
	}
	ec, err := h.exec.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, ec.State)
	assert.Equal(t, 1, h.rec.Count(EventExecutionCancelled))
}

// blocker 在 release 关闭之前阻塞
type blocker struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlocker() *blocker {
	return &blocker{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocker) Execute(ctx context.Context, in any) (any, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return in, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func runAsync(h *harness, def *Definition) (<-chan *ExecutionContext, <-chan error) {
	ecCh, errCh := make(chan *ExecutionContext, 1), make(chan error, 1)
	go func() {
		ec, err := h.exec.Execute(context.Background(), def, nil)
		ecCh <- ec
		errCh <- err
	}()
	return ecCh, errCh
}

func TestExecutor_PauseResume(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, ExecutorConfig{Skills: SkillMap{"block": b}})
	def := &Definition{ID: "pause", Steps: []Step{
		{ID: "wait", Type: StepSkill, SkillID: "block"},
		{ID: "after", Type: StepSetVariable, Variable: "x", Value: 1},
	}}

	ecCh, errCh := runAsync(h, def)
	<-b.started
	ids := h.exec.ListActive()
	require.Len(t, ids, 1)
	id := ids[0]

	require.NoError(t, h.exec.Pause(id))
	assert.ErrorIs(t, h.exec.Pause(id), ErrInvalidTransition)
	close(b.release)

	// 暂停在 after 之前生效
	require.Eventually(t, func() bool {
		snap, err := h.exec.GetStatus(id)
		return err == nil && snap.StepResults["wait"] != nil
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	snap, err := h.exec.GetStatus(id)
	require.NoError(t, err)
	assert.Equal(t, StatePaused, snap.State)
	assert.NotContains(t, snap.StepResults, "after")

	require.NoError(t, h.exec.Resume(id))
	ec := <-ecCh
	require.NoError(t, <-errCh)
	assert.Equal(t, StateCompleted, ec.State)
	assert.Equal(t, 1, ec.Variables["x"])

	_, err = h.exec.GetStatus(id)
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestExecutor_CancelBetweenSteps(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, ExecutorConfig{Skills: SkillMap{"block": b}})
	def := &Definition{ID: "cancel", Steps: []Step{
		{ID: "wait", Type: StepSkill, SkillID: "block", OutputVariable: "out", Input: "payload"},
		{ID: "after", Type: StepSetVariable, Variable: "x", Value: 1},
	}}

	ecCh, errCh := runAsync(h, def)
	<-b.started
	assert.Equal(t, 1, h.exec.CancelAll())
	close(b.release)

	ec := <-ecCh
	require.NoError(t, <-errCh)
	assert.Equal(t, StateCancelled, ec.State)
	// 正在运行的步骤不会被抢占
	assert.Equal(t, "payload", ec.Variables["out"])
	assert.NotContains(t, ec.StepResults, "after")
	assert.Equal(t, 1, h.rec.Count(EventExecutionCancelled))
	assert.Zero(t, h.rec.Count(EventExecutionCompleted))
}

func TestExecutor_Timeout(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, ExecutorConfig{Skills: SkillMap{"block": b}})
	def := &Definition{ID: "slow", Timeout: 20 * time.Millisecond, Steps: []Step{
		{ID: "wait", Type: StepSkill, SkillID: "block"},
	}}

	ec, err := h.exec.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrTimeout))
	assert.Equal(t, StateFailed, ec.State)
	assert.Contains(t, ec.Error, "timeout")
	require.Contains(t, ec.StepResults, "wait")
	assert.False(t, ec.StepResults["wait"].Success)
}

func TestExecutor_TimeoutAbandonsStepIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	stubborn := RunnableFunc(func(context.Context, any) (any, error) {
		<-release
		return "late", nil
	})
	h := newHarness(t, ExecutorConfig{Skills: SkillMap{"stubborn": stubborn}})
	def := &Definition{ID: "stubborn", Timeout: 30 * time.Millisecond, Steps: []Step{
		{ID: "wait", Type: StepSkill, SkillID: "stubborn"},
		{ID: "after", Type: StepSkill, SkillID: "stubborn"},
	}}

	start := time.Now()
	ec, err := h.exec.Execute(context.Background(), def, nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrTimeout), "got %v", err)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Equal(t, StateFailed, ec.State)
	assert.Equal(t, "wait", ec.CurrentStep)
	assert.NotContains(t, ec.StepResults, "after")
	assert.Equal(t, 1, h.rec.Count(EventExecutionFailed))
	assert.Empty(t, h.exec.ListActive())
}

func TestExecutor_CallerCancellation(t *testing.T) {
	b := newBlocker()
	h := newHarness(t, ExecutorConfig{Skills: SkillMap{"block": b}})
	def := &Definition{ID: "caller", Steps: []Step{{ID: "wait", Type: StepSkill, SkillID: "block"}}}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.started
		cancel()
	}()
	ec, err := h.exec.Execute(ctx, def, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, ec.State)
}

func TestExecutor_Retry(t *testing.T) {
	var calls atomic.Int32
	skills := SkillMap{"flaky": RunnableFunc(func(context.Context, any) (any, error) {
		if calls.Add(1) < 3 {
			return nil, errBoom
		}
		return "ok", nil
	})}
	h := newHarness(t, ExecutorConfig{Skills: skills})
	def := &Definition{
		ID:          "retry",
		RetryPolicy: &RetryPolicy{MaxRetries: 2, BackoffMs: 1},
		Steps:       []Step{{ID: "flaky", Type: StepSkill, SkillID: "flaky"}},
	}

	ec, err := h.exec.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ec.StepResults["flaky"].Attempts)
	assert.Equal(t, 2, h.rec.Count(EventStepRetry))
	assert.Equal(t, 1, h.rec.Count(EventStepCompleted))

	calls.Store(0)
	def.Steps[0].Retry = &RetryPolicy{MaxRetries: 1}
	_, err = h.exec.Execute(context.Background(), def, nil)
	assert.ErrorIs(t, err, errBoom, "step-level policy overrides workflow-level")
}

func TestExecutor_ConditionAndWhen(t *testing.T) {
	h := newHarness(t, ExecutorConfig{})
	def := &Definition{ID: "cond", Steps: []Step{
		{ID: "branch", Type: StepCondition,
			Condition: map[string]any{"$gt": []any{map[string]any{"$var": "score"}, 50}},
			Then:      []Step{{ID: "pass", Type: StepSetVariable, Variable: "grade", Value: "pass"}},
			Else:      []Step{{ID: "fail", Type: StepSetVariable, Variable: "grade", Value: "fail"}},
		},
		{ID: "bonus", Type: StepSetVariable, Variable: "bonus", Value: true,
			When: map[string]any{"$eq": []any{"${grade}", "pass"}}},
	}}

	ec, err := h.exec.Execute(context.Background(), def, map[string]any{"score": 80})
	require.NoError(t, err)
	assert.Equal(t, "pass", ec.Variables["grade"])
	assert.Equal(t, true, ec.Variables["bonus"])
	assert.Equal(t, map[string]any{"result": true, "branch": "then"}, ec.StepResults["branch"].Output)

	ec, err = h.exec.Execute(context.Background(), def, map[string]any{"score": 10})
	require.NoError(t, err)
	assert.Equal(t, "fail", ec.Variables["grade"])
	assert.NotContains(t, ec.StepResults, "bonus", "when=false steps are not recorded")
	assert.Equal(t, 1, h.rec.Count(EventStepSkipped))
}

func TestExecutor_Loop(t *testing.T) {
	var seen []string
	skills := SkillMap{"collect": RunnableFunc(func(_ context.Context, in any) (any, error) {
		seen = append(seen, in.(string))
		return nil, nil
	})}
	h := newHarness(t, ExecutorConfig{Skills: skills})
	def := &Definition{ID: "loop", Steps: []Step{{
		ID: "each", Type: StepLoop, Items: "${names}", ItemVariable: "name", MaxIterations: 2,
		Steps: []Step{{ID: "body", Type: StepSkill, SkillID: "collect", Input: "${index}:${name}"}},
	}}}

	ec, err := h.exec.Execute(context.Background(), def, map[string]any{"names": []any{"a", "b", "c"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"0:a", "1:b"}, seen)
	assert.Contains(t, ec.StepResults, "body[0]")
	assert.Contains(t, ec.StepResults, "body[1]")
	assert.Equal(t, map[string]any{"iterations": 2, "truncated": true}, ec.StepResults["each"].Output)
	require.Equal(t, 1, h.rec.Count(EventWarning))
	assert.Equal(t, h.completedIDs(), resultIDs(ec))

	bad := &Definition{ID: "bad-loop", Steps: []Step{{ID: "each", Type: StepLoop, Items: 42, Steps: []Step{{ID: "x", Type: StepCheckpoint}}}}}
	_, err = h.exec.Execute(context.Background(), bad, nil)
	assert.ErrorIs(t, err, ErrInvalidItems)
}

func TestExecutor_ParallelSubmissionOrder(t *testing.T) {
	var running, peak atomic.Int32
	skills := SkillMap{"sleep": RunnableFunc(func(_ context.Context, in any) (any, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		m := in.(map[string]any)
		time.Sleep(time.Duration(m["delay"].(int)) * time.Millisecond)
		return m["id"], nil
	})}
	h := newHarness(t, ExecutorConfig{Skills: skills})

	delays := []int{30, 5, 20, 1, 10}
	var subs []Step
	for i, d := range delays {
		subs = append(subs, Step{
			ID: fmt.Sprintf("p%d", i), Type: StepSkill, SkillID: "sleep",
			Input: map[string]any{"id": i, "delay": d},
		})
	}
	def := &Definition{ID: "par", Steps: []Step{{ID: "fan", Type: StepParallel, MaxConcurrency: 2, Steps: subs}}}

	ec, err := h.exec.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{0, 1, 2, 3, 4}, ec.StepResults["fan"].Output)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, h.completedIDs(), resultIDs(ec))
}

func TestProperty_ParallelResultOrder(t *testing.T) {
	skills := SkillMap{"sleep": RunnableFunc(func(_ context.Context, in any) (any, error) {
		m := in.(map[string]any)
		time.Sleep(time.Duration(m["delay"].(int)) * time.Millisecond)
		return m["id"], nil
	})}
	exec := NewExecutor(ExecutorConfig{Skills: skills}, nil)

	rapid.Check(t, func(rt *rapid.T) {
		delays := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 6).Draw(rt, "delays")
		limit := rapid.IntRange(1, 4).Draw(rt, "limit")
		subs := make([]Step, len(delays))
		want := make([]any, len(delays))
		for i, d := range delays {
			subs[i] = Step{ID: fmt.Sprintf("s%d", i), Type: StepSkill, SkillID: "sleep", Input: map[string]any{"id": i, "delay": d}}
			want[i] = i
		}
		def := &Definition{ID: "p", Steps: []Step{{ID: "fan", Type: StepParallel, MaxConcurrency: limit, Steps: subs}}}

		ec, err := exec.Execute(context.Background(), def, nil)
		if err != nil {
			rt.Fatal(err)
		}
		if !assert.ObjectsAreEqual(want, ec.StepResults["fan"].Output) {
			rt.Fatalf("order %v != %v", ec.StepResults["fan"].Output, want)
		}
	})
}

func TestExecutor_ParallelFailureReportsLowestIndex(t *testing.T) {
	h := newHarness(t, ExecutorConfig{Skills: testSkills()})
	def := &Definition{ID: "par-fail", Steps: []Step{{ID: "fan", Type: StepParallel, Steps: []Step{
		{ID: "ok", Type: StepSkill, SkillID: "echo", Input: 1},
		{ID: "bad1", Type: StepSkill, SkillID: "fail"},
		{ID: "bad2", Type: StepSkill, SkillID: "fail"},
	}}}}

	ec, err := h.exec.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"bad1"`)
	assert.True(t, ec.StepResults["ok"].Success)
	assert.Equal(t, h.completedIDs(), resultIDs(ec))
}

// step-completed 事件与 stepResults 的 key 集合一致
func TestExecutor_StepCompletedMatchesResults(t *testing.T) {
	h := newHarness(t, ExecutorConfig{Skills: testSkills()})
	def := &Definition{ID: "mixed", Steps: []Step{
		{ID: "cp", Type: StepCheckpoint},
		{ID: "skipme", Type: StepSetVariable, Variable: "x", Value: 1, When: false},
		{ID: "bad", Type: StepSkill, SkillID: "fail", OnError: &ErrorHandling{
			Strategy:      RecoveryFallback,
			FallbackSteps: []Step{{ID: "fb", Type: StepSetVariable, Variable: "fb", Value: 1}},
		}},
		{ID: "loop", Type: StepLoop, Items: []any{1, 2}, Steps: []Step{
			{ID: "inner", Type: StepCondition, Condition: "item",
				Then: []Step{{ID: "leaf", Type: StepSkill, SkillID: "echo", Input: "${item}"}}},
		}},
		{ID: "fan", Type: StepParallel, Steps: []Step{
			{ID: "a", Type: StepSkill, SkillID: "echo", Input: "a"},
			{ID: "b", Type: StepSkill, SkillID: "fail", OnError: &ErrorHandling{Strategy: RecoverySkip}},
		}},
	}}

	ec, err := h.exec.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, h.completedIDs(), resultIDs(ec))
	assert.Equal(t, len(ec.StepOrder), h.rec.Count(EventStepCompleted))
	assert.Contains(t, ec.StepResults, "leaf[1]")
}

type fakeTools struct {
	calls []string
}

func (f *fakeTools) CallTool(_ context.Context, server, tool string, args map[string]any) (any, error) {
	f.calls = append(f.calls, server+"/"+tool)
	if tool == "broken" {
		return nil, errBoom
	}
	return map[string]any{"echo": args["q"]}, nil
}

func TestExecutor_ToolStep(t *testing.T) {
	tools := &fakeTools{}
	h := newHarness(t, ExecutorConfig{Tools: tools})
	def := &Definition{ID: "tools", Steps: []Step{
		{ID: "search", Type: StepTool, ServerName: "docs", ToolName: "search",
			Arguments: map[string]any{"q": "${topic}"}, OutputVariable: "hits"},
	}}

	ec, err := h.exec.Execute(context.Background(), def, map[string]any{"topic": "go"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"echo": "go"}, ec.Variables["hits"])
	assert.Equal(t, []string{"docs/search"}, tools.calls)

	noTools := newHarness(t, ExecutorConfig{})
	_, err = noTools.exec.Execute(context.Background(), def, nil)
	assert.ErrorIs(t, err, ErrNoToolConnector)

	badArgs := &Definition{ID: "bad-args", Steps: []Step{{ID: "t", Type: StepTool, ToolName: "search", Arguments: "oops"}}}
	_, err = h.exec.Execute(context.Background(), badArgs, nil)
	assert.ErrorContains(t, err, "arguments must be a record")
}

func TestExecutor_HumanReview(t *testing.T) {
	review := func(decision *ReviewDecision) ReviewGate {
		return ReviewGateFunc(func(_ context.Context, req ReviewRequest) (*ReviewDecision, error) {
			if req.Message != "approve deploy of v2?" {
				return nil, fmt.Errorf("unexpected message %q", req.Message)
			}
			return decision, nil
		})
	}
	def := &Definition{ID: "review", Steps: []Step{
		{ID: "gate", Type: StepHumanReview, Message: "approve deploy of ${version}?", Options: []string{"approve", "defer"}},
	}}
	inputs := map[string]any{"version": "v2"}

	t.Run("approved", func(t *testing.T) {
		var stateDuringReview State
		h := newHarness(t, ExecutorConfig{Review: review(&ReviewDecision{Option: "approve", Approved: true})})
		h.bus.Subscribe(EventReviewRequired, func(e events.Event) {
			snap, _ := h.exec.GetStatus(e.ExecutionID)
			stateDuringReview = snap.State
			assert.Equal(t, []string{"approve", "defer"}, e.Get("options"))
		})
		ec, err := h.exec.Execute(context.Background(), def, inputs)
		require.NoError(t, err)
		assert.Equal(t, StateWaitingReview, stateDuringReview)
		assert.Equal(t, StateCompleted, ec.State)
		decision := ec.StepResults["gate"].Output.(*ReviewDecision)
		assert.Equal(t, "approve", decision.Option)
	})

	t.Run("non-approving option is a decision", func(t *testing.T) {
		h := newHarness(t, ExecutorConfig{Review: review(&ReviewDecision{Option: "defer"})})
		_, err := h.exec.Execute(context.Background(), def, inputs)
		assert.NoError(t, err)
	})

	t.Run("rejected", func(t *testing.T) {
		h := newHarness(t, ExecutorConfig{Review: review(&ReviewDecision{Feedback: "no"})})
		_, err := h.exec.Execute(context.Background(), def, inputs)
		assert.ErrorIs(t, err, ErrReviewRejected)
	})

	t.Run("no gate", func(t *testing.T) {
		h := newHarness(t, ExecutorConfig{})
		_, err := h.exec.Execute(context.Background(), def, inputs)
		assert.ErrorIs(t, err, ErrNoReviewGate)
	})
}

func TestExecutor_CustomHandlerAndHistory(t *testing.T) {
	history := NewMemoryHistoryStore(10)
	h := newHarness(t, ExecutorConfig{History: history})
	h.exec.Handlers().Register("upper", HandlerFunc(func(_ context.Context, run *Run, step Step) (any, error) {
		text := run.Resolve(step.Config["text"]).(string)
		out := fmt.Sprintf("<%s>", text)
		run.Context().SetVariable("shout", out)
		return out, nil
	}))

	def := &Definition{ID: "custom", Steps: []Step{
		{ID: "u", Type: "upper", Config: map[string]any{"text": "${word}"}},
	}}
	ec, err := h.exec.Execute(context.Background(), def, map[string]any{"word": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "<hi>", ec.Variables["shout"])

	saved, err := history.Get(context.Background(), ec.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, saved.State)
	assert.Equal(t, []string{"u"}, saved.StepOrder)
}
