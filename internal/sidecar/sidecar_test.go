package sidecar

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, bus *Bus) (func() []Event, *sync.WaitGroup) {
	t.Helper()

	var mu sync.Mutex
	var got []Event
	var wg sync.WaitGroup
	bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		wg.Done()
	})
	return func() []Event {
		mu.Lock()
		defer mu.Unlock()
		out := make([]Event, len(got))
		copy(out, got)
		return out
	}, &wg
}

func TestBusPublish(t *testing.T) {
	t.Run("should deliver events to subscribers in order", func(t *testing.T) {
		bus := NewBus(16, zerolog.Nop())
		defer bus.Close()

		events, wg := collectEvents(t, bus)
		wg.Add(2)

		bus.Publish(Event{Type: EventTurnAccepted, SessionKey: "s1"})
		bus.Publish(Event{Type: EventTurnCompleted, SessionKey: "s1"})

		waitDone(t, wg)
		got := events()
		require.Len(t, got, 2)
		assert.Equal(t, EventTurnAccepted, got[0].Type)
		assert.Equal(t, EventTurnCompleted, got[1].Type)
		assert.Less(t, got[0].Seq, got[1].Seq)
		assert.NotZero(t, got[0].Timestamp)
	})

	t.Run("should never block the publisher when the buffer is full", func(t *testing.T) {
		// No consumer drain: Close first so events pile up in the buffer.
		bus := NewBus(4, zerolog.Nop())
		bus.Close()
		time.Sleep(10 * time.Millisecond)

		done := make(chan struct{})
		go func() {
			for i := 0; i < 100; i++ {
				bus.Publish(Event{Type: EventTurnAccepted})
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Publish blocked on a full buffer")
		}
	})

	t.Run("should carry the session key through delivery", func(t *testing.T) {
		bus := NewBus(16, zerolog.Nop())
		defer bus.Close()

		events, wg := collectEvents(t, bus)
		wg.Add(1)
		bus.Publish(Event{Type: EventSessionExpired, SessionKey: "s2"})

		waitDone(t, wg)
		got := events()
		require.Len(t, got, 1)
		assert.Equal(t, "s2", got[0].SessionKey)
	})
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event delivery")
	}
}
