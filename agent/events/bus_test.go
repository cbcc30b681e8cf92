package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSyncBus_PublishOrder(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var got []string
	bus.Subscribe("a", func(e Event) { got = append(got, "first:"+string(e.Type)) })
	bus.SubscribeAll(func(e Event) { got = append(got, "all:"+string(e.Type)) })
	bus.Subscribe("b", func(e Event) { got = append(got, "b:"+string(e.Type)) })

	bus.Publish(Event{Type: "a"})
	bus.Publish(Event{Type: "b"})

	assert.Equal(t, []string{"first:a", "all:a", "all:b", "b:b"}, got)
}

func TestSyncBus_Unsubscribe(t *testing.T) {
	bus := NewBus(nil)

	count := 0
	id := bus.Subscribe("x", func(Event) { count++ })
	bus.Publish(Event{Type: "x"})
	require.True(t, bus.Unsubscribe(id))
	bus.Publish(Event{Type: "x"})

	assert.Equal(t, 1, count)
	assert.False(t, bus.Unsubscribe(id))
	assert.Equal(t, 0, bus.Len())
}

func TestSyncBus_HandlerPanicIsContained(t *testing.T) {
	bus := NewBus(nil)

	delivered := false
	bus.Subscribe("x", func(Event) { panic("boom") })
	bus.Subscribe("x", func(Event) { delivered = true })

	assert.NotPanics(t, func() { bus.Publish(Event{Type: "x"}) })
	assert.True(t, delivered)
}

func TestSyncBus_ReentrantPublish(t *testing.T) {
	bus := NewBus(nil)
	rec := NewRecorder(bus)

	bus.Subscribe("outer", func(Event) { bus.Publish(Event{Type: "inner"}) })
	bus.Publish(Event{Type: "outer"})

	assert.Equal(t, []Type{"outer", "inner"}, rec.Types())
}

func TestSyncBus_ConcurrentPublish(t *testing.T) {
	bus := NewBus(nil)
	rec := NewRecorder(bus)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: "tick"})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, rec.Count("tick"))
}

func TestEmitter(t *testing.T) {
	t.Run("nil bus is silent", func(t *testing.T) {
		e := NewEmitter(nil, "src")
		assert.NotPanics(t, func() { e.Emit("x", "", nil) })
	})

	t.Run("fills source and timestamp", func(t *testing.T) {
		bus := NewBus(nil)
		rec := NewRecorder(bus)
		NewEmitter(bus, "workflow").Emit("step-started", "exec-1", map[string]any{"stepId": "s1"})

		evs := rec.Events()
		require.Len(t, evs, 1)
		assert.Equal(t, "workflow", evs[0].Source)
		assert.Equal(t, "exec-1", evs[0].ExecutionID)
		assert.Equal(t, "s1", evs[0].Get("stepId"))
		assert.False(t, evs[0].Timestamp.IsZero())
	})
}
