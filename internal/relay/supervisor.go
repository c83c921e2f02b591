package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventKind identifies a lifecycle event published by the supervisor or
// engine for metrics and peak-watcher tracking.
type EventKind string

const (
	EventPublisherLost  EventKind = "publisher_lost"
	EventObserverLost   EventKind = "observer_lost"
	EventWatcherChanged EventKind = "watcher_count_changed"
)

// Event is a lightweight lifecycle notification. Publishing never blocks;
// slow consumers miss events rather than delaying teardown.
type Event struct {
	Kind      EventKind
	SessionID uuid.UUID
	Watchers  int
	At        time.Time
}

// tracked pairs a connection with the teardown to run when it goes silent.
type tracked struct {
	conn     *Conn
	teardown func(reason string)
}

// Supervisor reclaims resources from connections that disappear without a
// clean close. Transport-level closes are handled immediately by the
// engine; the periodic sweep is the backstop for network partitions.
type Supervisor struct {
	mu      sync.Mutex
	conns   map[uuid.UUID]tracked
	events  chan Event
	sweep   time.Duration
	timeout time.Duration
	logger  *zap.Logger
}

// NewSupervisor creates a supervisor sweeping at the given interval with
// the given liveness timeout.
func NewSupervisor(sweep, timeout time.Duration, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		conns:   make(map[uuid.UUID]tracked),
		events:  make(chan Event, 64),
		sweep:   sweep,
		timeout: timeout,
		logger:  logger,
	}
}

// Track registers a live connection and the teardown to invoke if its
// liveness lapses. teardown must be idempotent: the engine's own disconnect
// path may race the sweep.
func (s *Supervisor) Track(c *Conn, teardown func(reason string)) {
	s.mu.Lock()
	s.conns[c.ID()] = tracked{conn: c, teardown: teardown}
	s.mu.Unlock()
}

// Untrack removes a connection after it has been torn down.
func (s *Supervisor) Untrack(id uuid.UUID) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// TrackedCount returns the number of live connections being watched.
func (s *Supervisor) TrackedCount() int {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	return n
}

// Run sweeps periodically until ctx is cancelled. A connection silent for
// longer than the timeout gets the same teardown as an explicit disconnect.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("supervisor stopping")
			return
		case <-ticker.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce tears down every tracked connection whose liveness has lapsed.
// Exposed for tests and for forced sweeps.
func (s *Supervisor) SweepOnce() {
	s.mu.Lock()
	var dead []tracked
	for _, t := range s.conns {
		if !t.conn.IsAlive(s.timeout) {
			dead = append(dead, t)
		}
	}
	s.mu.Unlock()
	for _, t := range dead {
		s.logger.Info("liveness timeout",
			zap.String("connection_id", t.conn.ID().String()),
			zap.Time("last_seen", t.conn.LastSeen()))
		t.teardown("liveness timeout")
	}
}

// Publish emits a lifecycle event, dropping it if no consumer is keeping
// up. Teardown paths must never block on observability.
func (s *Supervisor) Publish(ev Event) {
	ev.At = time.Now()
	select {
	case s.events <- ev:
	default:
	}
}

// Events returns the lifecycle event stream.
func (s *Supervisor) Events() <-chan Event { return s.events }
