package events

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWaitCoversChainedReactions(t *testing.T) {
	bus := NewBus(nil)
	var done atomic.Int32
	bus.Subscribe(IdentityChanged, "teams", func(ctx context.Context, e Event) {
		bus.Publish(Event{Type: WorkspacesChanged})
	})
	bus.Subscribe(WorkspacesChanged, "profiles", func(ctx context.Context, e Event) {
		done.Add(1)
	})
	bus.Publish(Event{Type: IdentityChanged})
	bus.Wait()
	assert.Equal(t, int32(1), done.Load())

	h := bus.History()
	assert.Len(t, h, 2)
	assert.Equal(t, IdentityChanged, h[0].Type)
	assert.Equal(t, uint64(2), h[1].Seq)
}

func TestUnsubscribeAndPanicIsolation(t *testing.T) {
	bus := NewBus(nil)
	var calls atomic.Int32
	unsubscribe := bus.Subscribe(TaskMutated, "counter", func(ctx context.Context, e Event) { calls.Add(1) })
	bus.Subscribe(TaskMutated, "broken", func(ctx context.Context, e Event) { panic("boom") })

	bus.Publish(Event{Type: TaskMutated})
	bus.Wait()
	unsubscribe()
	bus.Publish(Event{Type: TaskMutated})
	bus.Wait()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 2, bus.CountOf(TaskMutated))
}

func TestCloseCancelsReactions(t *testing.T) {
	bus := NewBus(nil)
	var ran atomic.Bool
	bus.Subscribe(ProfilesMerged, "late", func(ctx context.Context, e Event) { ran.Store(true) })
	bus.Close()
	bus.Publish(Event{Type: ProfilesMerged})
	bus.Wait()
	assert.False(t, ran.Load())
}
