package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	_, ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	_, ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Emit(KindConnState, "top-1", map[string]interface{}{"state": "connected"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, KindConnState, ev.Kind)
			assert.Equal(t, "top-1", ev.Source)
			assert.False(t, ev.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive event")
		}
	}
}

func TestBusEvictsSlowSubscriber(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	_, slow, _ := bus.Subscribe()
	_, fast, cancelFast := bus.Subscribe()
	defer cancelFast()

	// Fill the slow queue, then overflow it.
	bus.Emit(KindIngestRate, "a", nil)
	drain(t, fast)
	bus.Emit(KindIngestRate, "b", nil)
	drain(t, fast)

	// The slow channel is closed after eviction: one buffered event
	// then closed.
	<-slow
	_, open := <-slow
	assert.False(t, open, "slow subscriber channel should be closed")
	assert.Equal(t, int64(1), bus.DroppedSubscribers())
	assert.Equal(t, 1, bus.SubscriberCount())
}

func TestBusCancelIsIdempotent(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	_, _, cancel := bus.Subscribe()
	cancel()
	cancel()
	assert.Equal(t, 0, bus.SubscriberCount())
}

func TestBusSubscribeAfterClose(t *testing.T) {
	bus := NewBus(4)
	bus.Close()

	_, ch, cancel := bus.Subscribe()
	defer cancel()
	_, open := <-ch
	require.False(t, open, "subscription on a closed bus yields a closed channel")
}

func drain(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}
}
