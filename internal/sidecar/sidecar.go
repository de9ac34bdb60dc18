package sidecar

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Event is a fire-and-forget observability notification. Events describe
// the orchestration flow (turn accepted, reply ready, session expired,
// sub-agent lifecycle) and are never part of the main control path.
type Event struct {
	Type       string                 `json:"type"`
	SessionKey string                 `json:"sessionKey,omitempty"`
	TraceID    string                 `json:"traceId,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
	Seq        int64                  `json:"seq"`
}

// Well-known event types.
const (
	EventTurnAccepted    = "turn.accepted"
	EventTurnCompleted   = "turn.completed"
	EventTurnFailed      = "turn.failed"
	EventSessionExpired  = "session.expired"
	EventSubAgentStarted = "subagent.started"
	EventSubAgentDone    = "subagent.done"
)

// Sink accepts events. Publish must never block and publish failures must
// never affect the caller.
type Sink interface {
	Publish(event Event)
}

// NopSink discards every event.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(Event) {}

// Bus is a bounded, drop-oldest event fan-out. Publishers enqueue without
// blocking; a single consumer goroutine delivers to in-process handlers and
// attached websocket clients. When the buffer is full the oldest event is
// dropped so a slow consumer can only lose history, never stall a turn.
type Bus struct {
	events chan Event
	seq    uint64
	logger zerolog.Logger

	handlers []func(Event)
	conns    map[*websocket.Conn]bool
	mu       sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
}

// DefaultBufferSize bounds how many undelivered events the bus retains.
const DefaultBufferSize = 256

// NewBus creates a bus and starts its consumer.
func NewBus(bufferSize int, logger zerolog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	b := &Bus{
		events: make(chan Event, bufferSize),
		logger: logger,
		conns:  make(map[*websocket.Conn]bool),
		done:   make(chan struct{}),
	}
	go b.consume()
	return b
}

// Publish implements Sink. It stamps sequence and timestamp and enqueues
// without ever blocking the caller.
func (b *Bus) Publish(event Event) {
	event.Seq = int64(atomic.AddUint64(&b.seq, 1))
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	for {
		select {
		case b.events <- event:
			return
		default:
		}
		// Buffer full: drop the oldest event and retry.
		select {
		case dropped := <-b.events:
			b.logger.Debug().Str("event", dropped.Type).Int64("seq", dropped.Seq).Msg("Dropped oldest sidecar event")
		default:
		}
	}
}

// Subscribe registers an in-process handler. Handlers run on the consumer
// goroutine and must not block for long.
func (b *Bus) Subscribe(handler func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Attach registers a websocket client for event delivery. The connection is
// detached automatically on the first write failure.
func (b *Bus) Attach(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conns[conn] = true
}

// Detach removes a websocket client.
func (b *Bus) Detach(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.conns, conn)
}

// Close stops the consumer. Events published after Close are dropped.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.done) })
}

func (b *Bus) consume() {
	for {
		select {
		case <-b.done:
			return
		case event := <-b.events:
			b.deliver(event)
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.Lock()
	handlers := make([]func(Event), len(b.handlers))
	copy(handlers, b.handlers)
	conns := make([]*websocket.Conn, 0, len(b.conns))
	for conn := range b.conns {
		conns = append(conns, conn)
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}

	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event.Type).Msg("Failed to marshal sidecar event")
		return
	}

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.logger.Warn().Err(err).Str("event", event.Type).Msg("Dropping sidecar client after write failure")
			conn.Close()
			b.Detach(conn)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler returns an HTTP handler that upgrades clients to websocket and
// streams events to them until they disconnect.
func (b *Bus) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.logger.Warn().Err(err).Msg("Sidecar websocket upgrade failed")
			return
		}
		b.Attach(conn)

		// Drain client frames so pings and close frames are processed.
		go func() {
			defer func() {
				b.Detach(conn)
				conn.Close()
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
