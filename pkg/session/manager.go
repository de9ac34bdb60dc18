package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rafi/astra/internal/tracing"
)

// DefaultTTL is the idle window after which a session logically expires.
const DefaultTTL = 30 * time.Minute

// Config holds the dependencies of a Manager.
type Config struct {
	Store  Store
	TTL    time.Duration
	Logger zerolog.Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Manager owns session lifecycle and per-identity serialization. Many
// conversations proceed concurrently; turns within one conversation are
// strictly serialized through AcquireLock.
type Manager struct {
	store  Store
	ttl    time.Duration
	clock  func() time.Time
	logger zerolog.Logger

	locks   map[string]*identityLock
	locksMu sync.Mutex
}

// identityLock serializes turns for one identity. The refs count covers the
// holder and every waiter; the map entry is dropped when it reaches zero so
// idle identities do not accumulate.
type identityLock struct {
	ch   chan struct{}
	refs int
}

// New creates a session manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		store:  cfg.Store,
		ttl:    cfg.TTL,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		locks:  make(map[string]*identityLock),
	}, nil
}

// Guard holds the exclusive lock for one identity. Release is idempotent
// and must be called on every exit path of the turn.
type Guard struct {
	release func()
	once    sync.Once
}

// Release frees the identity for the next waiting turn.
func (g *Guard) Release() {
	g.once.Do(g.release)
}

// AcquireLock takes the per-identity lock, blocking until the previous turn
// for the same identity releases it or ctx is done.
func (m *Manager) AcquireLock(ctx context.Context, id Identity) (*Guard, error) {
	key := id.Key()
	lock := m.refLock(key)

	select {
	case lock.ch <- struct{}{}:
		return &Guard{release: func() {
			<-lock.ch
			m.unrefLock(key, lock)
		}}, nil
	case <-ctx.Done():
		m.unrefLock(key, lock)
		return nil, fmt.Errorf("failed to acquire session lock for %s: %w", key, ctx.Err())
	}
}

func (m *Manager) refLock(key string) *identityLock {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock, ok := m.locks[key]
	if !ok {
		lock = &identityLock{ch: make(chan struct{}, 1)}
		m.locks[key] = lock
	}
	lock.refs++
	return lock
}

func (m *Manager) unrefLock(key string, lock *identityLock) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	lock.refs--
	if lock.refs == 0 {
		delete(m.locks, key)
	}
}

// GetOrCreate resolves the session for an identity. A missing session is
// created. A live session is renewed, keeping last_active_at monotonically
// non-decreasing. An expired session is replaced with a fresh one and
// expiredPrevious is true exactly once, so the caller can close out the
// prior conversation.
func (m *Manager) GetOrCreate(ctx context.Context, id Identity, agentID string) (Record, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "astra.session", "session.get_or_create",
		attribute.String("session.key", id.Key()),
	)
	defer span.End()

	if err := id.Validate(); err != nil {
		span.RecordError(err)
		return Record{}, false, err
	}

	now := m.clock().UTC()
	key := id.Key()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	existing, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		fresh := m.newRecord(key, agentID, now)
		if err := m.store.Put(ctx, fresh); err != nil {
			span.RecordError(err)
			return Record{}, false, err
		}
		logger.Info().Str("session_key", key).Str("agent_id", agentID).Msg("Session created")
		return fresh, false, nil

	case err != nil:
		span.RecordError(err)
		return Record{}, false, err

	case existing.ExpiredAt(now):
		fresh := m.newRecord(key, agentID, now)
		if err := m.store.Put(ctx, fresh); err != nil {
			span.RecordError(err)
			return Record{}, false, err
		}
		logger.Info().
			Str("session_key", key).
			Time("expired_last_active", existing.LastActiveAt).
			Msg("Expired session replaced")
		return fresh, true, nil

	default:
		if now.After(existing.LastActiveAt) {
			existing.LastActiveAt = now
		}
		existing.AgentID = agentID
		if err := m.store.Put(ctx, existing); err != nil {
			span.RecordError(err)
			return Record{}, false, err
		}
		return existing, false, nil
	}
}

// TTL returns the configured session TTL.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func (m *Manager) newRecord(key, agentID string, now time.Time) Record {
	return Record{
		Key:          key,
		AgentID:      agentID,
		CreatedAt:    now,
		LastActiveAt: now,
		TTL:          m.ttl,
	}
}
