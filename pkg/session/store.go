package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no session record exists for a key.
var ErrNotFound = errors.New("session not found")

// Record is the persisted state of one session.
type Record struct {
	Key          string
	AgentID      string
	CreatedAt    time.Time
	LastActiveAt time.Time
	TTL          time.Duration
}

// ExpiredAt reports whether the session has logically expired at the given
// instant. Expiry never deletes the record; it only changes how the next
// turn is handled.
func (r Record) ExpiredAt(now time.Time) bool {
	return now.After(r.LastActiveAt.Add(r.TTL))
}

// Store persists session records.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}

// SQLiteStore keeps session records in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed creates) the session database at the
// given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("session store path cannot be empty")
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open session database: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	key            TEXT PRIMARY KEY,
	agent_id       TEXT NOT NULL,
	created_at     INTEGER NOT NULL,
	last_active_at INTEGER NOT NULL,
	ttl_seconds    INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create sessions table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, agent_id, created_at, last_active_at, ttl_seconds FROM sessions WHERE key = ?`, key)

	var rec Record
	var createdAt, lastActiveAt, ttlSeconds int64
	err := row.Scan(&rec.Key, &rec.AgentID, &createdAt, &lastActiveAt, &ttlSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("failed to load session %s: %w", key, err)
	}

	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.LastActiveAt = time.Unix(lastActiveAt, 0).UTC()
	rec.TTL = time.Duration(ttlSeconds) * time.Second
	return rec, nil
}

// Put implements Store with an upsert keyed by session key.
func (s *SQLiteStore) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (key, agent_id, created_at, last_active_at, ttl_seconds)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			agent_id = excluded.agent_id,
			created_at = excluded.created_at,
			last_active_at = excluded.last_active_at,
			ttl_seconds = excluded.ttl_seconds`,
		rec.Key, rec.AgentID, rec.CreatedAt.Unix(), rec.LastActiveAt.Unix(), int64(rec.TTL.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", rec.Key, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, agent_id, created_at, last_active_at, ttl_seconds FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var createdAt, lastActiveAt, ttlSeconds int64
		if err := rows.Scan(&rec.Key, &rec.AgentID, &createdAt, &lastActiveAt, &ttlSeconds); err != nil {
			return nil, err
		}
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		rec.LastActiveAt = time.Unix(lastActiveAt, 0).UTC()
		rec.TTL = time.Duration(ttlSeconds) * time.Second
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemoryStore is an in-process Store used by tests and ephemeral setups.
type MemoryStore struct {
	records map[string]Record
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = rec
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	return records, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
