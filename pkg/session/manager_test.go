package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIdentity(user string) Identity {
	return Identity{
		Channel:     "telegram",
		ConnectorID: "default",
		ChatScope:   "chat-42",
		UserScope:   user,
	}
}

func newTestManager(t *testing.T, ttl time.Duration, clock func() time.Time) *Manager {
	t.Helper()

	m, err := New(Config{
		Store:  NewMemoryStore(),
		TTL:    ttl,
		Logger: zerolog.Nop(),
		Clock:  clock,
	})
	require.NoError(t, err)
	return m
}

func TestIdentity(t *testing.T) {
	t.Run("should render a stable key", func(t *testing.T) {
		id := testIdentity("user-7")
		assert.Equal(t, "telegram:default:chat-42:user-7", id.Key())
	})

	t.Run("should reject empty components", func(t *testing.T) {
		id := testIdentity("user-7")
		id.Channel = ""
		assert.Error(t, id.Validate())
	})

	t.Run("should reject separator in components", func(t *testing.T) {
		id := testIdentity("user:7")
		assert.Error(t, id.Validate())
	})

	t.Run("should round-trip through ParseKey", func(t *testing.T) {
		id := testIdentity("user-7")
		parsed, err := ParseKey(id.Key())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})
}

func TestManagerGetOrCreate(t *testing.T) {
	t.Run("should create a session on first turn", func(t *testing.T) {
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		m := newTestManager(t, time.Hour, func() time.Time { return now })

		rec, expiredPrevious, err := m.GetOrCreate(context.Background(), testIdentity("u1"), "main")
		require.NoError(t, err)
		assert.False(t, expiredPrevious)
		assert.Equal(t, "main", rec.AgentID)
		assert.Equal(t, now, rec.CreatedAt)
		assert.Equal(t, now, rec.LastActiveAt)
	})

	t.Run("should renew a live session without expiry signal", func(t *testing.T) {
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		m := newTestManager(t, time.Hour, func() time.Time { return now })

		first, _, err := m.GetOrCreate(context.Background(), testIdentity("u1"), "main")
		require.NoError(t, err)

		now = now.Add(30 * time.Minute)
		second, expiredPrevious, err := m.GetOrCreate(context.Background(), testIdentity("u1"), "main")
		require.NoError(t, err)
		assert.False(t, expiredPrevious)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)
		assert.True(t, second.LastActiveAt.After(first.LastActiveAt))
	})

	t.Run("should keep last_active_at monotonically non-decreasing", func(t *testing.T) {
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		m := newTestManager(t, time.Hour, func() time.Time { return now })

		first, _, err := m.GetOrCreate(context.Background(), testIdentity("u1"), "main")
		require.NoError(t, err)

		// Clock skew backwards must not rewind activity.
		now = now.Add(-time.Minute)
		second, _, err := m.GetOrCreate(context.Background(), testIdentity("u1"), "main")
		require.NoError(t, err)
		assert.False(t, second.LastActiveAt.Before(first.LastActiveAt))
	})

	t.Run("should replace an expired session and signal exactly once", func(t *testing.T) {
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		m := newTestManager(t, time.Hour, func() time.Time { return now })

		first, _, err := m.GetOrCreate(context.Background(), testIdentity("u1"), "main")
		require.NoError(t, err)

		now = now.Add(2 * time.Hour)
		second, expiredPrevious, err := m.GetOrCreate(context.Background(), testIdentity("u1"), "main")
		require.NoError(t, err)
		assert.True(t, expiredPrevious)
		assert.True(t, second.CreatedAt.After(first.CreatedAt))

		// The replacement session is live; no second signal.
		now = now.Add(time.Minute)
		_, expiredPrevious, err = m.GetOrCreate(context.Background(), testIdentity("u1"), "main")
		require.NoError(t, err)
		assert.False(t, expiredPrevious)
	})

	t.Run("should keep identities independent", func(t *testing.T) {
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		m := newTestManager(t, time.Hour, func() time.Time { return now })

		_, _, err := m.GetOrCreate(context.Background(), testIdentity("u1"), "main")
		require.NoError(t, err)

		now = now.Add(2 * time.Hour)
		_, expiredPrevious, err := m.GetOrCreate(context.Background(), testIdentity("u2"), "main")
		require.NoError(t, err)
		assert.False(t, expiredPrevious)
	})
}

func TestManagerAcquireLock(t *testing.T) {
	t.Run("should serialize turns for the same identity", func(t *testing.T) {
		m := newTestManager(t, time.Hour, nil)
		id := testIdentity("u1")

		guard, err := m.AcquireLock(context.Background(), id)
		require.NoError(t, err)

		var order []int
		var mu sync.Mutex
		acquired := make(chan struct{})

		go func() {
			g2, err := m.AcquireLock(context.Background(), id)
			assert.NoError(t, err)
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
			g2.Release()
			close(acquired)
		}()

		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		guard.Release()

		select {
		case <-acquired:
		case <-time.After(time.Second):
			t.Fatal("second turn never acquired the lock")
		}
		assert.Equal(t, []int{1, 2}, order)
	})

	t.Run("should not block different identities", func(t *testing.T) {
		m := newTestManager(t, time.Hour, nil)

		g1, err := m.AcquireLock(context.Background(), testIdentity("u1"))
		require.NoError(t, err)
		defer g1.Release()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		g2, err := m.AcquireLock(ctx, testIdentity("u2"))
		require.NoError(t, err)
		g2.Release()
	})

	t.Run("should respect context cancellation while waiting", func(t *testing.T) {
		m := newTestManager(t, time.Hour, nil)
		id := testIdentity("u1")

		guard, err := m.AcquireLock(context.Background(), id)
		require.NoError(t, err)
		defer guard.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = m.AcquireLock(ctx, id)
		assert.Error(t, err)
	})

	t.Run("should drop lock state once an identity goes idle", func(t *testing.T) {
		m := newTestManager(t, time.Hour, nil)

		for i := 0; i < 3; i++ {
			guard, err := m.AcquireLock(context.Background(), testIdentity("u1"))
			require.NoError(t, err)
			guard.Release()
		}

		m.locksMu.Lock()
		assert.Empty(t, m.locks)
		m.locksMu.Unlock()
	})

	t.Run("should drop lock state after a cancelled wait", func(t *testing.T) {
		m := newTestManager(t, time.Hour, nil)
		id := testIdentity("u1")

		guard, err := m.AcquireLock(context.Background(), id)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = m.AcquireLock(ctx, id)
		require.Error(t, err)
		guard.Release()

		m.locksMu.Lock()
		assert.Empty(t, m.locks)
		m.locksMu.Unlock()
	})

	t.Run("should keep serializing while waiters hold lock state", func(t *testing.T) {
		m := newTestManager(t, time.Hour, nil)
		id := testIdentity("u1")

		guard, err := m.AcquireLock(context.Background(), id)
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			g2, err := m.AcquireLock(context.Background(), id)
			assert.NoError(t, err)
			g2.Release()
			close(done)
		}()

		time.Sleep(20 * time.Millisecond)
		m.locksMu.Lock()
		assert.Len(t, m.locks, 1)
		m.locksMu.Unlock()

		guard.Release()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("waiter never acquired the lock")
		}
	})

	t.Run("should tolerate double release", func(t *testing.T) {
		m := newTestManager(t, time.Hour, nil)
		id := testIdentity("u1")

		guard, err := m.AcquireLock(context.Background(), id)
		require.NoError(t, err)
		guard.Release()
		guard.Release()

		g2, err := m.AcquireLock(context.Background(), id)
		require.NoError(t, err)
		g2.Release()
	})
}
