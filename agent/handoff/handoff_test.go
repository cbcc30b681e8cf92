package handoff

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nahisaho/musubi/agent/events"
	"github.com/nahisaho/musubi/agent/orchestration"
	"github.com/nahisaho/musubi/types"
)

type agentCalls map[string][]*Transfer

func newEngine(t *testing.T, agents ...string) (*orchestration.Engine, *Pattern, *events.Recorder, agentCalls) {
	t.Helper()
	bus := events.NewBus(zap.NewNop())
	rec := events.NewRecorder(bus)
	e := orchestration.NewEngine(orchestration.EngineConfig{Bus: bus}, zap.NewNop())
	calls := agentCalls{}
	for _, name := range agents {
		name := name
		require.NoError(t, e.RegisterSkillFunc(name, func(_ context.Context, in any, _ *orchestration.Engine) (any, error) {
			tr := in.(*Transfer)
			calls[name] = append(calls[name], tr)
			return name + " handled: " + tr.Escalation.Reason, nil
		}))
	}
	p := NewPattern(zap.NewNop(), WithRand(rand.New(rand.NewPCG(1, 2))))
	require.NoError(t, e.RegisterPattern(p))
	return e, p, rec, calls
}

func always(v any) Condition { return func(*Input) any { return v } }

func TestHandoff_ExecuteThroughEngine(t *testing.T) {
	e, _, rec, calls := newEngine(t, "billing", "support")

	pc, err := e.Execute(context.Background(), orchestration.PatternHandoff, orchestration.Request{
		Task: "escalate",
		Input: &Input{
			SourceAgent: "frontdesk",
			Reason:      "refund dispute",
			Priority:    "high",
			Handoffs: []Config{
				{Agent: "billing", InputFilter: UserMessagesOnly},
				{Agent: "support"},
			},
			Messages: []Message{
				{Role: RoleUser, Content: "I was charged twice"},
				{Role: RoleAssistant, Content: "Let me check"},
			},
		},
	})
	require.NoError(t, err)

	out := pc.Output.(*Output)
	assert.Equal(t, "billing", out.Agent)
	assert.Equal(t, "billing handled: refund dispute", out.Result)
	require.Len(t, out.Chain, 1)
	assert.Equal(t, "frontdesk", out.Chain[0].From)
	assert.Equal(t, "billing", out.Chain[0].To)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "I was charged twice"}}, out.History)
	assert.Equal(t, "high", out.Escalation.Priority)
	assert.Equal(t, "frontdesk", out.Escalation.SourceAgent)

	require.Len(t, calls["billing"], 1)
	assert.Empty(t, calls["support"])

	require.Len(t, pc.Children, 1)
	child := pc.Children[0]
	assert.Equal(t, true, child.Metadata["isHandoff"])
	assert.Equal(t, "frontdesk", child.Metadata["sourceAgent"])
	assert.Equal(t, out.History, child.Metadata["history"])

	assert.Equal(t, []events.Type{EventStarted, EventSelecting, EventCompleted}, handoffTypes(rec))
}

func handoffTypes(rec *events.Recorder) []events.Type {
	var out []events.Type
	for _, t := range rec.Types() {
		if strings.HasPrefix(string(t), "handoff:") {
			out = append(out, t)
		}
	}
	return out
}

func TestHandoff_Strategies(t *testing.T) {
	ctx := context.Background()

	t.Run("first-match skips false conditions", func(t *testing.T) {
		e, p, _, _ := newEngine(t, "a", "b", "c")
		pc := orchestration.NewContext("t", "")
		out, err := p.Run(ctx, pc, e, &Input{Handoffs: []Config{
			{Agent: "a", Condition: always(false)},
			{Agent: "b", Condition: always("yes")},
			{Agent: "c"},
		}})
		require.NoError(t, err)
		assert.Equal(t, "b", out.Agent)
	})

	t.Run("best-match scores numbers, true and priority", func(t *testing.T) {
		e, p, _, _ := newEngine(t, "a", "b", "c", "d")
		pc := orchestration.NewContext("t", "")
		out, err := p.Run(ctx, pc, e, &Input{Strategy: BestMatch, Handoffs: []Config{
			{Agent: "a", Condition: always(true), Priority: 1},   // 11
			{Agent: "b", Condition: always(7.5), Priority: 4},    // 11.5
			{Agent: "c", Condition: always(false), Priority: 99}, // excluded
			{Agent: "d", Priority: 3},                            // 3
		}})
		require.NoError(t, err)
		assert.Equal(t, "b", out.Agent)
	})

	t.Run("round-robin follows chain length", func(t *testing.T) {
		e, p, _, _ := newEngine(t, "a", "b", "c")
		cfgs := []Config{{Agent: "a"}, {Agent: "b"}, {Agent: "c"}}
		chain := []Record{}
		var got []string
		for i := 0; i < 4; i++ {
			out, err := p.Run(ctx, orchestration.NewContext("t", ""), e, &Input{
				SourceAgent: "src", Strategy: RoundRobin, Handoffs: cfgs, Chain: chain,
			})
			require.NoError(t, err)
			got = append(got, out.Agent)
			chain = out.Chain
		}
		assert.Equal(t, []string{"a", "b", "c", "a"}, got)
	})

	t.Run("weighted never picks zero weight when others have weight", func(t *testing.T) {
		e, p, _, calls := newEngine(t, "heavy", "never")
		for i := 0; i < 20; i++ {
			_, err := p.Run(ctx, orchestration.NewContext("t", ""), e, &Input{Strategy: Weighted, Handoffs: []Config{
				{Agent: "never", Priority: 0},
				{Agent: "heavy", Priority: 5},
			}})
			require.NoError(t, err)
		}
		assert.Len(t, calls["heavy"], 20)
		assert.Empty(t, calls["never"])
	})

	t.Run("no eligible target", func(t *testing.T) {
		e, p, rec, _ := newEngine(t, "a")
		_, err := p.Run(ctx, orchestration.NewContext("t", ""), e, &Input{Handoffs: []Config{
			{Agent: "a", Condition: always(0)},
		}})
		assert.True(t, types.IsErrorCode(err, types.ErrNoAgent))
		assert.ErrorIs(t, err, ErrNoTarget)
		assert.Equal(t, 1, rec.Count(EventFailed))
	})

	t.Run("unknown strategy", func(t *testing.T) {
		e, p, _, _ := newEngine(t, "a")
		_, err := p.Run(ctx, orchestration.NewContext("t", ""), e, &Input{Strategy: "lottery", Handoffs: []Config{{Agent: "a"}}})
		assert.True(t, types.IsErrorCode(err, types.ErrValidation))
	})
}

func TestHandoff_ChainLimit(t *testing.T) {
	e, p, _, calls := newEngine(t, "a")
	chain := make([]Record, 2)
	_, err := p.Run(context.Background(), orchestration.NewContext("t", ""), e, &Input{
		Handoffs:    []Config{{Agent: "a"}},
		MaxHandoffs: 2,
		Chain:       chain,
	})
	assert.True(t, types.IsErrorCode(err, types.ErrHandoffExceeded))
	assert.Empty(t, calls["a"])

	_, err = p.Run(context.Background(), orchestration.NewContext("t", ""), e, &Input{
		Handoffs: []Config{{Agent: "a"}},
		Chain:    make([]Record, DefaultMaxHandoffs-1),
	})
	assert.NoError(t, err)
}

func TestHandoff_Callbacks(t *testing.T) {
	e, p, _, calls := newEngine(t, "a")
	var order []string
	p.OnBeforeHandoff(func(_ context.Context, tr *Transfer) error {
		order = append(order, "before:"+tr.Target)
		return nil
	})
	p.OnAfterHandoff(func(_ context.Context, tr *Transfer, result any, err error) {
		order = append(order, "after:"+tr.Target)
		assert.NoError(t, err)
		assert.NotNil(t, result)
	})

	_, err := p.Run(context.Background(), orchestration.NewContext("t", ""), e, &Input{
		Reason: "why",
		Handoffs: []Config{{Agent: "a", OnHandoff: func(_ context.Context, tr *Transfer) error {
			order = append(order, "config:"+tr.Escalation.Reason)
			return nil
		}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"before:a", "config:why", "after:a"}, order)
	assert.Len(t, calls["a"], 1)

	veto := errors.New("vetoed")
	p.OnBeforeHandoff(func(context.Context, *Transfer) error { return veto })
	_, err = p.Run(context.Background(), orchestration.NewContext("t", ""), e, &Input{Handoffs: []Config{{Agent: "a"}}})
	assert.ErrorIs(t, err, veto)
	assert.Len(t, calls["a"], 1, "vetoed handoff must not reach the target")
}

func TestHandoff_UnknownTargetAndMapInput(t *testing.T) {
	e, _, _, _ := newEngine(t, "a")

	_, err := e.Execute(context.Background(), orchestration.PatternHandoff, orchestration.Request{Input: map[string]any{
		"sourceAgent": "src",
		"handoffs":    []map[string]any{{"agent": "ghost"}},
	}})
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound), "got %v", err)

	pc, err := e.Execute(context.Background(), orchestration.PatternHandoff, orchestration.Request{Input: map[string]any{
		"sourceAgent": "src",
		"reason":      "escalate",
		"handoffs":    []map[string]any{{"agent": "a", "priority": "2"}},
		"messages":    []map[string]any{{"role": "user", "content": "hi"}},
	}})
	require.NoError(t, err)
	out := pc.Output.(*Output)
	assert.Equal(t, "a", out.Agent)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "hi"}}, out.History)

	_, err = e.Execute(context.Background(), orchestration.PatternHandoff, orchestration.Request{Input: &Input{}})
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
}
