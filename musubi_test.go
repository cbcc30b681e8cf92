package musubi

import (
	"context"
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/agent/events"
	"github.com/nahisaho/musubi/agent/guardrails"
	"github.com/nahisaho/musubi/agent/hitl"
	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/agent/triage"
	"github.com/nahisaho/musubi/config"
	"github.com/nahisaho/musubi/types"
	"github.com/nahisaho/musubi/workflow"
)

func sequentialInput(skills []any, initial map[string]any) map[string]any {
	return map[string]any{"skills": skills, "initialInput": initial}
}

func newRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func TestRuntime_InvokeRedactsOutput(t *testing.T) {
	in, err := guardrails.CreateInputGuardrail(guardrails.RuleSetUserInput, guardrails.Config{})
	require.NoError(t, err)
	out, err := guardrails.NewOutputGuardrailPreset(guardrails.OutputPresetRedact, guardrails.Config{})
	require.NoError(t, err)

	rt := newRuntime(t, WithInputGuardrails(in), WithOutputGuardrails(out))
	rec := events.NewRecorder(rt.Bus())
	require.NoError(t, rt.RegisterSkill("lookup", func(_ context.Context, input any, _ *orchestration.Engine) (any, error) {
		name := input.(map[string]any)["name"]
		return map[string]any{"name": name, "contact": "alice@example.com"}, nil
	}))

	resp, err := rt.Invoke(context.Background(), orchestration.PatternSequential, orchestration.Request{
		Task:  "find contact",
		Input: sequentialInput([]any{"lookup"}, map[string]any{"name": "alice"}),
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Context)
	assert.Equal(t, orchestration.StatusCompleted, resp.Context.Status)
	assert.True(t, resp.InputResult.Passed)
	assert.True(t, resp.OutputResult.Passed)

	final := resp.Output.(map[string]any)["finalOutput"].(map[string]any)
	assert.Equal(t, "[REDACTED]", final["contact"])
	assert.Equal(t, "alice", final["name"])
	assert.Positive(t, guardrails.RedactionCount(resp.OutputResult.Results[0]))

	assert.Equal(t, 2, rec.Count(guardrails.EventGuardrailPassed))
	assert.Equal(t, 1, rec.Count(orchestration.EventExecutionCompleted))
}

func TestRuntime_InvokeComposesOutputRedactions(t *testing.T) {
	off := false
	codes, err := guardrails.NewOutputGuardrail(guardrails.Config{
		Name: "codes",
		Redact: &guardrails.RedactOptions{
			PII:      &off,
			Secrets:  &off,
			Patterns: []*regexp.Regexp{regexp.MustCompile(`TOPSECRET-\d+`)},
		},
	})
	require.NoError(t, err)
	pii, err := guardrails.NewOutputGuardrailPreset(guardrails.OutputPresetRedact, guardrails.Config{})
	require.NoError(t, err)

	rt := newRuntime(t, WithOutputGuardrails(codes, pii))
	require.NoError(t, rt.RegisterSkill("leak", func(context.Context, any, *orchestration.Engine) (any, error) {
		return map[string]any{"note": "code TOPSECRET-42 mail user@example.com"}, nil
	}))

	resp, err := rt.Invoke(context.Background(), orchestration.PatternSequential, orchestration.Request{
		Input: sequentialInput([]any{"leak"}, nil),
	})
	require.NoError(t, err)
	require.True(t, resp.OutputResult.Passed)

	note := resp.Output.(map[string]any)["finalOutput"].(map[string]any)["note"].(string)
	assert.NotContains(t, note, "TOPSECRET-42")
	assert.NotContains(t, note, "user@example.com")
	assert.Equal(t, "code [REDACTED] mail [REDACTED]", note)
}

func TestRuntime_InvokeRejectsInput(t *testing.T) {
	in, err := guardrails.NewInputGuardrail(guardrails.Config{
		Name:  "words",
		Rules: guardrails.NewRuleBuilder().NoProhibitedWords("forbidden").Build(),
	})
	require.NoError(t, err)

	rt := newRuntime(t, WithInputGuardrails(in))
	var calls atomic.Int32
	require.NoError(t, rt.RegisterSkill("echo", func(_ context.Context, input any, _ *orchestration.Engine) (any, error) {
		calls.Add(1)
		return input, nil
	}))

	resp, err := rt.Invoke(context.Background(), orchestration.PatternSequential, orchestration.Request{
		Input: sequentialInput([]any{"echo"}, map[string]any{"text": "this is forbidden"}),
	})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrGuardrailFailed))
	assert.Contains(t, err.Error(), "NOPROHIBITEDWORDS")
	assert.Nil(t, resp.Context, "engine must not run")
	assert.False(t, resp.InputResult.Passed)
	assert.Zero(t, calls.Load())
}

func TestRuntime_InvokeTripwire(t *testing.T) {
	in, err := guardrails.NewInputGuardrail(guardrails.Config{
		Name:            "sql",
		TripwireEnabled: true,
		Rules:           guardrails.NewRuleBuilder().NoInjection(guardrails.InjectionSQL).Build(),
	})
	require.NoError(t, err)
	rt := newRuntime(t, WithInputGuardrails(in))

	_, err = rt.Invoke(context.Background(), orchestration.PatternSequential, orchestration.Request{
		Input: sequentialInput([]any{"x"}, map[string]any{"q": "'; DROP TABLE users; --"}),
	})
	te, ok := guardrails.AsTripwire(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, "sql", te.GuardrailName)
}

func TestRuntime_InvokeWithoutGuardrails(t *testing.T) {
	rt := newRuntime(t)
	require.NoError(t, rt.RegisterSkill("inc", func(_ context.Context, input any, _ *orchestration.Engine) (any, error) {
		return map[string]any{"n": input.(map[string]any)["n"].(int) + 1}, nil
	}))

	resp, err := rt.Invoke(context.Background(), orchestration.PatternSequential, orchestration.Request{
		Input: sequentialInput([]any{"inc", "inc"}, map[string]any{"n": 1}),
	})
	require.NoError(t, err)
	assert.Nil(t, resp.InputResult)
	assert.Nil(t, resp.OutputResult)
	result := resp.Output.(*orchestration.SequentialResult)
	assert.Equal(t, map[string]any{"n": 3}, result.FinalOutput)
}

func TestRuntime_TriageRegistered(t *testing.T) {
	rt := newRuntime(t)
	var billed atomic.Int32
	require.NoError(t, rt.Triage().RegisterAgent(triage.AgentCapability{
		Agent:      "billingAgent",
		Categories: []triage.Category{triage.CategoryBilling},
	}, orchestration.SkillFunc(func(context.Context, any, *orchestration.Engine) (any, error) {
		billed.Add(1)
		return "ok", nil
	})))

	resp, err := rt.Invoke(context.Background(), orchestration.PatternTriage, orchestration.Request{Input: "my invoice is wrong"})
	require.NoError(t, err)
	assert.Equal(t, "billingAgent", resp.Output.(*triage.Output).Agent)
	assert.Equal(t, int32(1), billed.Load())
}

func TestRuntime_RunWorkflow(t *testing.T) {
	in, err := guardrails.NewInputGuardrailPreset(guardrails.InputPresetMinimal, guardrails.Config{
		Sanitize: &guardrails.SanitizeOptions{},
	})
	require.NoError(t, err)
	out, err := guardrails.NewOutputGuardrailPreset(guardrails.OutputPresetRedact, guardrails.Config{
		Redact: &guardrails.RedactOptions{Replacement: "***"},
	})
	require.NoError(t, err)

	history := workflow.NewMemoryHistoryStore(10)
	rt := newRuntime(t, WithInputGuardrails(in), WithOutputGuardrails(out), WithHistory(history))
	require.NoError(t, rt.RegisterSkill("greet", func(_ context.Context, input any, _ *orchestration.Engine) (any, error) {
		return "mail " + input.(map[string]any)["email"].(string), nil
	}))

	def := &workflow.Definition{
		ID:      "greeting",
		Outputs: []string{"message"},
		Steps: []workflow.Step{
			{ID: "greet", Type: workflow.StepSkill, SkillID: "greet",
				Input: map[string]any{"email": "${email}"}, OutputVariable: "message"},
		},
	}
	resp, err := rt.RunWorkflow(context.Background(), def, map[string]any{"email": "  bob@example.com  "})
	require.NoError(t, err)
	assert.Equal(t, workflow.StateCompleted, resp.Execution.State)
	assert.Equal(t, map[string]any{"message": "mail ***"}, resp.Output)

	// 默认 trim 已作用于输入
	snap := resp.Execution.Snapshot()
	assert.Equal(t, "bob@example.com", snap.Variables["email"])

	saved, err := history.Get(context.Background(), resp.Execution.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, "greeting", saved.WorkflowID)

	_, err = rt.RunWorkflow(context.Background(), nil, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}

func TestNewFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Guardrails.RedactionReplacement = "<hidden>"
	cfg.Workflow.DefaultMaxRetries = 2

	rt, err := NewFromConfig(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	assert.Equal(t, 2, rt.InputChain().Len(), "rule set and safety check")
	assert.Equal(t, 1, rt.OutputChain().Len())
	assert.NotNil(t, rt.History())

	require.NoError(t, rt.RegisterSkill("leak", func(context.Context, any, *orchestration.Engine) (any, error) {
		return "reach me at carol@example.com", nil
	}))
	resp, err := rt.Invoke(context.Background(), orchestration.PatternSequential, orchestration.Request{
		Input: sequentialInput([]any{"leak"}, map[string]any{"q": "contact?"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "reach me at <hidden>", resp.Output.(map[string]any)["finalOutput"])

	_, err = rt.Invoke(context.Background(), orchestration.PatternSequential, orchestration.Request{
		Input: sequentialInput([]any{"leak"}, map[string]any{"q": "1; DROP TABLE users"}),
	})
	assert.True(t, types.IsErrorCode(err, types.ErrGuardrailFailed))

	bad := config.DefaultConfig()
	bad.Guardrails.DefaultSafetyLevel = "lax"
	_, err = NewFromConfig(context.Background(), bad, nil)
	assert.Error(t, err)
}

func TestRetryPolicyFromConfig(t *testing.T) {
	p := RetryPolicyFromConfig(config.DefaultWorkflowConfig())
	assert.Equal(t, workflow.RetryPolicy{MaxRetries: 0, BackoffMs: 1000, BackoffMultiplier: 2, MaxBackoffMs: 30000}, p)
}

func TestRuntime_WithInterrupts(t *testing.T) {
	m := hitl.NewInterruptManager(nil, nil)
	m.RegisterHandler(hitl.InterruptTypeReview, func(ctx context.Context, in *hitl.Interrupt) error {
		return m.ResolveInterrupt(ctx, in.ID, &hitl.Response{Option: "go", Approved: true})
	})
	m.RegisterHandler(hitl.InterruptTypeApproval, func(ctx context.Context, in *hitl.Interrupt) error {
		return m.ResolveInterrupt(ctx, in.ID, &hitl.Response{Approved: true, Comment: "fine"})
	})
	rt := newRuntime(t, WithInterrupts(m))

	resp, err := rt.RunWorkflow(context.Background(), &workflow.Definition{
		ID: "release",
		Steps: []workflow.Step{
			{ID: "gate", Type: workflow.StepHumanReview, Message: "ship?", Options: []string{"go", "stop"}},
		},
	}, nil)
	require.NoError(t, err)
	decision := resp.Execution.StepResults["gate"].Output.(*workflow.ReviewDecision)
	assert.Equal(t, "go", decision.Option)

	approval, err := rt.Engine().RequestHumanValidation(context.Background(), orchestration.NewContext("deploy", ""), "ok?")
	require.NoError(t, err)
	assert.True(t, approval.Approved)
	assert.Equal(t, "fine", approval.Feedback)
}
