package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafi/astra/internal/sidecar"
)

type captureSink struct {
	events []sidecar.Event
	mu     sync.Mutex
}

func (s *captureSink) Publish(e sidecar.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) all() []sidecar.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sidecar.Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestSweeper(t *testing.T) {
	t.Run("should publish one event per expired session", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		sink := &captureSink{}

		sweeper, err := NewSweeper(SweeperConfig{
			Store:  store,
			Sink:   sink,
			Logger: zerolog.Nop(),
			Clock:  func() time.Time { return now },
		})
		require.NoError(t, err)

		stale := Record{
			Key:          "telegram:default:chat-1:u1",
			AgentID:      "main",
			CreatedAt:    now.Add(-3 * time.Hour),
			LastActiveAt: now.Add(-2 * time.Hour),
			TTL:          time.Hour,
		}
		live := Record{
			Key:          "telegram:default:chat-2:u2",
			AgentID:      "main",
			CreatedAt:    now.Add(-10 * time.Minute),
			LastActiveAt: now.Add(-10 * time.Minute),
			TTL:          time.Hour,
		}
		require.NoError(t, store.Put(context.Background(), stale))
		require.NoError(t, store.Put(context.Background(), live))

		sweeper.Sweep(context.Background())

		events := sink.all()
		require.Len(t, events, 1)
		assert.Equal(t, sidecar.EventSessionExpired, events[0].Type)
		assert.Equal(t, stale.Key, events[0].SessionKey)
	})

	t.Run("should not notify the same generation twice", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		sink := &captureSink{}

		sweeper, err := NewSweeper(SweeperConfig{
			Store:  store,
			Sink:   sink,
			Logger: zerolog.Nop(),
			Clock:  func() time.Time { return now },
		})
		require.NoError(t, err)

		rec := Record{
			Key:          "telegram:default:chat-1:u1",
			AgentID:      "main",
			CreatedAt:    now.Add(-3 * time.Hour),
			LastActiveAt: now.Add(-2 * time.Hour),
			TTL:          time.Hour,
		}
		require.NoError(t, store.Put(context.Background(), rec))

		sweeper.Sweep(context.Background())
		sweeper.Sweep(context.Background())
		assert.Len(t, sink.all(), 1)
	})

	t.Run("should notify again after the session is replaced and expires anew", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		sink := &captureSink{}

		sweeper, err := NewSweeper(SweeperConfig{
			Store:  store,
			Sink:   sink,
			Logger: zerolog.Nop(),
			Clock:  func() time.Time { return now },
		})
		require.NoError(t, err)

		key := "telegram:default:chat-1:u1"
		require.NoError(t, store.Put(context.Background(), Record{
			Key:          key,
			AgentID:      "main",
			CreatedAt:    now.Add(-3 * time.Hour),
			LastActiveAt: now.Add(-2 * time.Hour),
			TTL:          time.Hour,
		}))
		sweeper.Sweep(context.Background())

		// A fresh generation that later expires too.
		require.NoError(t, store.Put(context.Background(), Record{
			Key:          key,
			AgentID:      "main",
			CreatedAt:    now.Add(-90 * time.Minute),
			LastActiveAt: now.Add(-80 * time.Minute),
			TTL:          time.Hour,
		}))
		sweeper.Sweep(context.Background())

		assert.Len(t, sink.all(), 2)
	})

	t.Run("should prune notification state for sessions gone from the store", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		sink := &captureSink{}

		sweeper, err := NewSweeper(SweeperConfig{
			Store:  store,
			Sink:   sink,
			Logger: zerolog.Nop(),
			Clock:  func() time.Time { return now },
		})
		require.NoError(t, err)

		key := "telegram:default:chat-1:u1"
		require.NoError(t, store.Put(context.Background(), Record{
			Key:          key,
			AgentID:      "main",
			CreatedAt:    now.Add(-3 * time.Hour),
			LastActiveAt: now.Add(-2 * time.Hour),
			TTL:          time.Hour,
		}))
		sweeper.Sweep(context.Background())

		sweeper.mu.Lock()
		require.Len(t, sweeper.notified, 1)
		sweeper.mu.Unlock()

		store.mu.Lock()
		delete(store.records, key)
		store.mu.Unlock()

		sweeper.Sweep(context.Background())
		sweeper.mu.Lock()
		assert.Empty(t, sweeper.notified)
		sweeper.mu.Unlock()
	})

	t.Run("should keep one notification entry per live session key", func(t *testing.T) {
		store := NewMemoryStore()
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		sink := &captureSink{}

		sweeper, err := NewSweeper(SweeperConfig{
			Store:  store,
			Sink:   sink,
			Logger: zerolog.Nop(),
			Clock:  func() time.Time { return now },
		})
		require.NoError(t, err)

		key := "telegram:default:chat-1:u1"
		require.NoError(t, store.Put(context.Background(), Record{
			Key:          key,
			AgentID:      "main",
			CreatedAt:    now.Add(-3 * time.Hour),
			LastActiveAt: now.Add(-2 * time.Hour),
			TTL:          time.Hour,
		}))
		sweeper.Sweep(context.Background())

		// The session is replaced by a live generation; the stale entry
		// must not linger alongside it.
		require.NoError(t, store.Put(context.Background(), Record{
			Key:          key,
			AgentID:      "main",
			CreatedAt:    now,
			LastActiveAt: now,
			TTL:          time.Hour,
		}))
		sweeper.Sweep(context.Background())

		sweeper.mu.Lock()
		assert.Empty(t, sweeper.notified)
		sweeper.mu.Unlock()
		assert.Len(t, sink.all(), 1)
	})
}
