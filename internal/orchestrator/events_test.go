package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	a, cancelA := bus.Subscribe()
	defer cancelA()
	b, cancelB := bus.Subscribe()
	defer cancelB()

	bus.Publish(Event{Type: EventJobQueued, JobID: "j1", Timestamp: time.Now()})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventJobQueued, ev.Type)
			assert.Equal(t, "j1", ev.JobID)
		default:
			t.Errorf("subscriber %s received nothing", name)
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: EventJobStarted})
	}

	// Buffer capacity bounds delivery; overflow is dropped, never blocked on.
	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			assert.Equal(t, 2, received)
			return
		}
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: EventJobCompleted})
}

func TestBusClose(t *testing.T) {
	bus := NewBus(1)
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Close()
	_, open := <-ch
	require.False(t, open)

	// Idempotent, and late subscribers get a closed channel.
	bus.Close()
	late, _ := bus.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
