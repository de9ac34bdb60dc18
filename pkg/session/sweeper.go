package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/rafi/astra/internal/sidecar"
)

// Sweeper periodically scans the store for expired sessions and publishes a
// session.expired event once per session generation. Records are never
// deleted; expiry is a logical state observed by the next turn.
type Sweeper struct {
	store  Store
	sink   sidecar.Sink
	clock  func() time.Time
	logger zerolog.Logger
	cron   *cron.Cron

	// notified remembers which session generation already produced an
	// expiry event, keyed by session key and creation time.
	notified map[string]time.Time
	mu       sync.Mutex
}

// SweeperConfig holds the dependencies of a Sweeper.
type SweeperConfig struct {
	Store  Store
	Sink   sidecar.Sink
	Logger zerolog.Logger
	Clock  func() time.Time
}

// NewSweeper creates a sweeper. Call Start to begin scanning.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = sidecar.NopSink{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Sweeper{
		store:    cfg.Store,
		sink:     cfg.Sink,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		notified: make(map[string]time.Time),
	}, nil
}

// Start schedules the sweep on the given cron spec, e.g. "@every 1m".
func (s *Sweeper) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.Sweep(context.Background()) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c
	s.logger.Info().Str("schedule", spec).Msg("Session sweeper started")
	return nil
}

// Stop halts scheduled sweeps. In-flight sweeps finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Sweep scans all sessions once and emits expiry events for newly expired
// generations.
func (s *Sweeper) Sweep(ctx context.Context) {
	records, err := s.store.List(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Session sweep failed to list sessions")
		return
	}

	now := s.clock().UTC()
	expired := 0
	for _, rec := range records {
		if !rec.ExpiredAt(now) {
			continue
		}
		if !s.markNotified(rec) {
			continue
		}
		expired++
		s.sink.Publish(sidecar.Event{
			Type:       sidecar.EventSessionExpired,
			SessionKey: rec.Key,
			Data: map[string]interface{}{
				"agent_id":       rec.AgentID,
				"last_active_at": rec.LastActiveAt.Format(time.RFC3339),
			},
		})
	}

	if expired > 0 {
		s.logger.Info().Int("expired", expired).Int("scanned", len(records)).Msg("Session sweep found expired sessions")
	}

	s.prune(records)
}

// prune drops notification state for generations no longer in the store, so
// the map stays bounded by the store's size. A notified record still present
// under the same generation keeps its entry and is not re-announced.
func (s *Sweeper) prune(records []Record) {
	current := make(map[string]time.Time, len(records))
	for _, rec := range records {
		current[rec.Key] = rec.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, created := range s.notified {
		if cur, ok := current[key]; !ok || !cur.Equal(created) {
			delete(s.notified, key)
		}
	}
}

// markNotified records that this session generation produced its expiry
// event. A replaced session (new CreatedAt) is eligible again.
func (s *Sweeper) markNotified(rec Record) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if created, ok := s.notified[rec.Key]; ok && created.Equal(rec.CreatedAt) {
		return false
	}
	s.notified[rec.Key] = rec.CreatedAt
	return true
}
