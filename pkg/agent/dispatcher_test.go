package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafi/astra/internal/sidecar"
	"github.com/rafi/astra/pkg/loop"
	"github.com/rafi/astra/pkg/provider"
	"github.com/rafi/astra/pkg/session"
	"github.com/rafi/astra/pkg/subagent"
	"github.com/rafi/astra/pkg/tools"
)

type fakeLoop struct {
	delay  time.Duration
	output string
	err    error

	mu    sync.Mutex
	calls []loop.RunParams
}

func (f *fakeLoop) Run(ctx context.Context, params loop.RunParams) (*loop.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &loop.Result{
		Response: &provider.Response{
			Content:    []provider.ContentBlock{provider.TextBlock(f.output)},
			StopReason: provider.StopEndTurn,
		},
		Rounds: 1,
	}, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []sidecar.Event
}

func (s *recordingSink) Publish(e sidecar.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func testIdentity(user string) session.Identity {
	return session.Identity{
		Channel:     "gateway",
		ConnectorID: "default",
		ChatScope:   "room-1",
		UserScope:   user,
	}
}

func newTestDispatcher(t *testing.T, loops LoopRunner, sink sidecar.Sink, clock func() time.Time) *Dispatcher {
	t.Helper()

	sessions, err := session.New(session.Config{
		Store:  session.NewMemoryStore(),
		TTL:    30 * time.Minute,
		Logger: zerolog.Nop(),
		Clock:  clock,
	})
	require.NoError(t, err)

	d, err := New(Config{
		Sessions: sessions,
		Loops:    loops,
		Agents: subagent.StaticResolver{
			"main": {ID: "main", Model: "default", SystemPrompt: "be helpful"},
		},
		Sink:   sink,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return d
}

func TestDispatcherHandleTurn(t *testing.T) {
	t.Run("should run a turn end to end", func(t *testing.T) {
		loops := &fakeLoop{output: "hi there"}
		sink := &recordingSink{}
		d := newTestDispatcher(t, loops, sink, nil)

		reply, err := d.HandleTurn(context.Background(), Turn{
			Identity: testIdentity("u1"),
			AgentID:  "main",
			Text:     "hello",
		})
		require.NoError(t, err)
		assert.Equal(t, "hi there", reply.Text)
		assert.False(t, reply.ExpiredPrevious)
		assert.Contains(t, sink.types(), sidecar.EventTurnAccepted)
		assert.Contains(t, sink.types(), sidecar.EventTurnCompleted)

		require.Len(t, loops.calls, 1)
		call := loops.calls[0]
		assert.Equal(t, "default", call.Primary)
		require.Len(t, call.Messages, 1)
		assert.Equal(t, "hello", call.Messages[0].Content[0].Text)
	})

	t.Run("should reject unknown agents", func(t *testing.T) {
		sink := &recordingSink{}
		d := newTestDispatcher(t, &fakeLoop{output: "x"}, sink, nil)

		_, err := d.HandleTurn(context.Background(), Turn{
			Identity: testIdentity("u1"),
			AgentID:  "ghost",
			Text:     "hello",
		})
		assert.True(t, errors.Is(err, subagent.ErrUnknownAgent))
		assert.Contains(t, sink.types(), sidecar.EventTurnFailed)
	})

	t.Run("should publish failure when the loop errors", func(t *testing.T) {
		sink := &recordingSink{}
		d := newTestDispatcher(t, &fakeLoop{err: loop.ErrMaxRounds}, sink, nil)

		_, err := d.HandleTurn(context.Background(), Turn{
			Identity: testIdentity("u1"),
			AgentID:  "main",
			Text:     "hello",
		})
		assert.Error(t, err)
		assert.Contains(t, sink.types(), sidecar.EventTurnFailed)
	})

	t.Run("should signal expiry once for a stale session", func(t *testing.T) {
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		sink := &recordingSink{}
		d := newTestDispatcher(t, &fakeLoop{output: "x"}, sink, func() time.Time { return now })

		_, err := d.HandleTurn(context.Background(), Turn{
			Identity: testIdentity("u1"), AgentID: "main", Text: "first",
		})
		require.NoError(t, err)

		now = now.Add(2 * time.Hour)
		reply, err := d.HandleTurn(context.Background(), Turn{
			Identity: testIdentity("u1"), AgentID: "main", Text: "second",
		})
		require.NoError(t, err)
		assert.True(t, reply.ExpiredPrevious)
		assert.Contains(t, sink.types(), sidecar.EventSessionExpired)
	})

	t.Run("should drop standing approvals when the session expires", func(t *testing.T) {
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		approvals := tools.NewApprovalStore()

		sessions, err := session.New(session.Config{
			Store:  session.NewMemoryStore(),
			TTL:    30 * time.Minute,
			Logger: zerolog.Nop(),
			Clock:  func() time.Time { return now },
		})
		require.NoError(t, err)

		d, err := New(Config{
			Sessions: sessions,
			Loops:    &fakeLoop{output: "x"},
			Agents: subagent.StaticResolver{
				"main": {ID: "main", Model: "default"},
			},
			Approvals: approvals,
			Logger:    zerolog.Nop(),
		})
		require.NoError(t, err)

		id := testIdentity("u1")
		_, err = d.HandleTurn(context.Background(), Turn{Identity: id, AgentID: "main", Text: "first"})
		require.NoError(t, err)

		approvals.Grant(id.Key(), "write_file")
		require.True(t, approvals.HasStanding(id.Key(), "write_file"))

		now = now.Add(2 * time.Hour)
		reply, err := d.HandleTurn(context.Background(), Turn{Identity: id, AgentID: "main", Text: "second"})
		require.NoError(t, err)
		require.True(t, reply.ExpiredPrevious)
		assert.False(t, approvals.HasStanding(id.Key(), "write_file"))
	})

	t.Run("should serialize concurrent turns for the same identity", func(t *testing.T) {
		loops := &fakeLoop{output: "ok", delay: 30 * time.Millisecond}
		d := newTestDispatcher(t, loops, &recordingSink{}, nil)

		var wg sync.WaitGroup
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := d.HandleTurn(context.Background(), Turn{
					Identity: testIdentity("u1"), AgentID: "main", Text: "go",
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		// With serialization each loop call starts after the previous
		// turn finished; overlapping calls would be visible as a data
		// race on the shared fake.
		loops.mu.Lock()
		assert.Len(t, loops.calls, 3)
		loops.mu.Unlock()
	})

	t.Run("should abort an in-flight turn", func(t *testing.T) {
		loops := &fakeLoop{output: "never", delay: time.Minute}
		d := newTestDispatcher(t, loops, &recordingSink{}, nil)
		id := testIdentity("u1")

		errCh := make(chan error, 1)
		go func() {
			_, err := d.HandleTurn(context.Background(), Turn{
				Identity: id, AgentID: "main", Text: "long task",
			})
			errCh <- err
		}()

		require.Eventually(t, func() bool {
			return d.Abort(id.Key())
		}, 2*time.Second, 10*time.Millisecond)

		select {
		case err := <-errCh:
			assert.Error(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("aborted turn did not return")
		}
	})
}
