package relay

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Peer is the outbound half of a relay connection as seen by the registry
// and engine. *Conn implements it; tests substitute mocks.
type Peer interface {
	ID() uuid.UUID
	TenantID() uuid.UUID
	// Send queues a control message. Returns an error if the connection is
	// closed or its buffer is full; callers treat failures as best-effort.
	Send(env Envelope) error
	// SendFrame queues a frame, evicting the oldest queued frame when the
	// buffer is full. Reports whether a frame was dropped. Never blocks.
	SendFrame(env Envelope) bool
	Close(reason string)
}

// session is one entry in the registry. Guarded by its own mutex so a busy
// session never stalls operations on unrelated sessions.
type session struct {
	mu            sync.Mutex
	tenantID      uuid.UUID
	publisher     Peer
	observers     map[uuid.UUID]Peer // attachID -> observer
	everPublished bool
	dead          bool // removed from the registry map; do not reuse
}

// Registry maintains the authoritative sessionID -> {publisher, observers}
// mapping. All state is in-memory; the registry performs no I/O and no
// operation delivers messages while holding a lock.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
	onCreate func(sessionID uuid.UUID)
	onRemove func(sessionID uuid.UUID)
	logger   *zap.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions: make(map[uuid.UUID]*session),
		logger:   logger,
	}
}

// SetSessionHooks registers callbacks invoked after a session entry is
// created or removed (e.g. to start/stop the cross-instance subscription).
// Hooks run outside registry locks and must not call back into the registry
// synchronously from onRemove for the same session.
func (r *Registry) SetSessionHooks(onCreate, onRemove func(sessionID uuid.UUID)) {
	r.mu.Lock()
	r.onCreate = onCreate
	r.onRemove = onRemove
	r.mu.Unlock()
}

// getOrCreate returns the live entry for sessionID, creating it with the
// given tenant if absent. created reports whether a new entry was made.
func (r *Registry) getOrCreate(sessionID, tenantID uuid.UUID) (s *session, created bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		s = &session{tenantID: tenantID, observers: make(map[uuid.UUID]Peer)}
		r.sessions[sessionID] = s
		created = true
	}
	onCreate := r.onCreate
	r.mu.Unlock()
	if created && onCreate != nil {
		onCreate(sessionID)
	}
	return s, created
}

func (r *Registry) lookup(sessionID uuid.UUID) *session {
	r.mu.RLock()
	s := r.sessions[sessionID]
	r.mu.RUnlock()
	return s
}

// maybeRemove deletes the session entry if it has no publisher and no
// observers. Safe to call whenever either set shrinks.
func (r *Registry) maybeRemove(sessionID uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.mu.Lock()
	removed := s.publisher == nil && len(s.observers) == 0
	if removed {
		s.dead = true
		delete(r.sessions, sessionID)
	}
	s.mu.Unlock()
	onRemove := r.onRemove
	r.mu.Unlock()
	if removed && onRemove != nil {
		onRemove(sessionID)
	}
}

// RegisterPublisher installs p as the session's publisher, creating the
// session entry if absent. Last writer wins: any existing publisher is
// returned so the caller can notify and close it. Fails with
// ErrTenantMismatch if the entry was created under a different tenant.
func (r *Registry) RegisterPublisher(sessionID, tenantID uuid.UUID, p Peer) (prior Peer, watchers int, err error) {
	for {
		s, _ := r.getOrCreate(sessionID, tenantID)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		if s.tenantID != tenantID {
			s.mu.Unlock()
			return nil, 0, ErrTenantMismatch
		}
		prior = s.publisher
		if prior == p {
			prior = nil
		}
		s.publisher = p
		s.everPublished = true
		watchers = len(s.observers)
		s.mu.Unlock()
		r.logger.Debug("publisher registered",
			zap.String("session_id", sessionID.String()),
			zap.String("connection_id", p.ID().String()),
			zap.Bool("superseded", prior != nil))
		return prior, watchers, nil
	}
}

// UnregisterPublisher clears the session's publisher if p is still the
// registered one, returning a snapshot of the observers to notify. A no-op
// when p has already been superseded (a stale disconnect racing a
// replacement must not tear down the new publisher's stream).
func (r *Registry) UnregisterPublisher(sessionID uuid.UUID, p Peer) (observers []Peer, ok bool) {
	s := r.lookup(sessionID)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	if s.dead || s.publisher != p {
		s.mu.Unlock()
		return nil, false
	}
	s.publisher = nil
	observers = snapshotObservers(s.observers)
	s.mu.Unlock()
	r.logger.Debug("publisher unregistered",
		zap.String("session_id", sessionID.String()),
		zap.String("connection_id", p.ID().String()))
	r.maybeRemove(sessionID)
	return observers, true
}

// AttachObserver adds p to the session's observer set, creating a pending
// (publisher-less) entry if the session has not been published to yet.
// Fails with ErrTenantMismatch if the observer's tenant differs from the
// session's. Returns the attach id, the new watcher count and whether a
// publisher is currently registered.
func (r *Registry) AttachObserver(sessionID, tenantID uuid.UUID, p Peer) (attachID uuid.UUID, watchers int, hasPublisher bool, err error) {
	for {
		s, _ := r.getOrCreate(sessionID, tenantID)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		if s.tenantID != tenantID {
			s.mu.Unlock()
			return uuid.Nil, 0, false, ErrTenantMismatch
		}
		attachID = uuid.New()
		s.observers[attachID] = p
		watchers = len(s.observers)
		hasPublisher = s.publisher != nil
		s.mu.Unlock()
		r.logger.Debug("observer attached",
			zap.String("session_id", sessionID.String()),
			zap.String("connection_id", p.ID().String()),
			zap.Int("watchers", watchers))
		return attachID, watchers, hasPublisher, nil
	}
}

// DetachObserver removes the attachment. Idempotent: detaching an unknown
// or already-removed attachment reports detached == false with no error.
func (r *Registry) DetachObserver(sessionID, attachID uuid.UUID) (watchers int, detached bool) {
	s := r.lookup(sessionID)
	if s == nil {
		return 0, false
	}
	s.mu.Lock()
	if _, ok := s.observers[attachID]; ok {
		delete(s.observers, attachID)
		detached = true
	}
	watchers = len(s.observers)
	s.mu.Unlock()
	if detached {
		r.logger.Debug("observer detached",
			zap.String("session_id", sessionID.String()),
			zap.Int("watchers", watchers))
		r.maybeRemove(sessionID)
	}
	return watchers, detached
}

// Observers returns an immutable snapshot of the session's observer set.
// Fan-out iterates the snapshot without holding any registry lock, so a
// slow observer can never stall registry operations.
func (r *Registry) Observers(sessionID uuid.UUID) []Peer {
	s := r.lookup(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	out := snapshotObservers(s.observers)
	s.mu.Unlock()
	return out
}

// Publisher returns the session's current publisher, or nil.
func (r *Registry) Publisher(sessionID uuid.UUID) Peer {
	s := r.lookup(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	p := s.publisher
	s.mu.Unlock()
	return p
}

// HasPublisher reports whether the session currently has a publisher.
func (r *Registry) HasPublisher(sessionID uuid.UUID) bool {
	return r.Publisher(sessionID) != nil
}

// WatcherCount returns the number of observers attached to the session.
func (r *Registry) WatcherCount(sessionID uuid.UUID) int {
	s := r.lookup(sessionID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	n := len(s.observers)
	s.mu.Unlock()
	return n
}

// Teardown force-removes the session entry entirely (exam submitted, or
// the pending-watch grace period expired). Returns the final publisher and
// observer snapshot for the caller to notify, and whether the session ever
// had a publisher.
func (r *Registry) Teardown(sessionID uuid.UUID) (publisher Peer, observers []Peer, everPublished bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil, nil, false
	}
	s.mu.Lock()
	s.dead = true
	publisher = s.publisher
	observers = snapshotObservers(s.observers)
	everPublished = s.everPublished
	s.publisher = nil
	s.observers = make(map[uuid.UUID]Peer)
	s.mu.Unlock()
	delete(r.sessions, sessionID)
	onRemove := r.onRemove
	r.mu.Unlock()
	if onRemove != nil {
		onRemove(sessionID)
	}
	r.logger.Debug("session torn down", zap.String("session_id", sessionID.String()))
	return publisher, observers, everPublished
}

// Stats returns coarse gauges for the stats endpoint.
func (r *Registry) Stats() (sessions, publishers, observers int) {
	r.mu.RLock()
	entries := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		entries = append(entries, s)
	}
	r.mu.RUnlock()
	sessions = len(entries)
	for _, s := range entries {
		s.mu.Lock()
		if s.publisher != nil {
			publishers++
		}
		observers += len(s.observers)
		s.mu.Unlock()
	}
	return sessions, publishers, observers
}

func snapshotObservers(m map[uuid.UUID]Peer) []Peer {
	out := make([]Peer, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}
