package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestExecutionContext_CheckpointIsSnapshot(t *testing.T) {
	ec := NewExecutionContext("wf", map[string]any{"list": []any{1}})
	ec.SetCurrentStep("cp")
	cp := ec.CreateCheckpoint("start")

	// 修改活动变量不影响已创建的检查点
	list, _ := ec.GetVariable("list")
	list.([]any)[0] = 99
	ec.SetVariable("x", 5)
	ec.SetCurrentStep("later")

	assert.Equal(t, []any{1}, cp.Variables["list"])
	restored, err := ec.RestoreCheckpoint("start")
	require.NoError(t, err)
	assert.Equal(t, "start", restored.Name)

	snap := ec.Snapshot()
	assert.Equal(t, map[string]any{"list": []any{1}}, snap.Variables)
	assert.Equal(t, "cp", snap.CurrentStep)

	// 恢复后的变量与检查点不共享
	ec.SetVariable("y", 1)
	_, err = ec.RestoreCheckpoint("start")
	require.NoError(t, err)
	_, ok := ec.GetVariable("y")
	assert.False(t, ok)
}

func TestExecutionContext_RestoreLatestWithName(t *testing.T) {
	ec := NewExecutionContext("wf", nil)
	ec.SetVariable("x", 1)
	ec.CreateCheckpoint("c")
	ec.SetVariable("x", 2)
	ec.CreateCheckpoint("c")
	ec.SetVariable("x", 3)

	_, err := ec.RestoreCheckpoint("c")
	require.NoError(t, err)
	x, _ := ec.GetVariable("x")
	assert.Equal(t, 2, x)

	_, err = ec.RestoreCheckpoint("nope")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

// 恢复检查点后变量表等于快照、currentStep 等于快照时的步骤
func TestProperty_CheckpointRestore(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ec := NewExecutionContext("wf", nil)
		keys := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "c", "d"}), 0, 6).Draw(rt, "keys")
		for i, k := range keys {
			ec.SetVariable(k, i)
		}
		step := rapid.StringMatching(`s[0-9]{1,2}`).Draw(rt, "step")
		ec.SetCurrentStep(step)
		cp := ec.CreateCheckpoint("cp")

		for _, k := range rapid.SliceOfN(rapid.SampledFrom([]string{"a", "e"}), 0, 4).Draw(rt, "later") {
			ec.SetVariable(k, "mutated")
		}
		ec.SetCurrentStep("after")

		if _, err := ec.RestoreCheckpoint("cp"); err != nil {
			rt.Fatal(err)
		}
		snap := ec.Snapshot()
		if !assert.ObjectsAreEqual(cp.Variables, snap.Variables) {
			rt.Fatalf("variables %v != checkpoint %v", snap.Variables, cp.Variables)
		}
		if snap.CurrentStep != cp.CurrentStep {
			rt.Fatalf("currentStep %q != %q", snap.CurrentStep, cp.CurrentStep)
		}
	})
}

func TestExecutionContext_Transitions(t *testing.T) {
	ec := NewExecutionContext("wf", nil)
	assert.Equal(t, StatePending, ec.GetState())

	_, changed := ec.watch()
	require.True(t, ec.transition(StateRunning, StatePending))
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("watcher not woken")
	}

	assert.False(t, ec.transition(StateRunning, StatePaused), "not paused")
	require.True(t, ec.transition(StateCancelled))
	assert.False(t, ec.transition(StateRunning), "terminal state is final")
	assert.Equal(t, StateCancelled, ec.finish(StateCompleted, nil, nil))
	assert.False(t, ec.EndTime.IsZero())
}

func TestExecutionContext_RecordResultKeepsOrder(t *testing.T) {
	ec := NewExecutionContext("wf", nil)
	ec.RecordResult(&StepResult{StepID: "a", Success: false})
	ec.RecordResult(&StepResult{StepID: "b", Success: true})
	ec.RecordResult(&StepResult{StepID: "a", Success: true})

	snap := ec.Snapshot()
	assert.Equal(t, []string{"a", "b"}, snap.StepOrder)
	assert.True(t, snap.StepResults["a"].Success)
}
