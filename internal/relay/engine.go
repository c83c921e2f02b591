package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigil-proctor/backend/internal/models"
)

// connState is the per-connection protocol state.
type connState int

const (
	stateUnbound connState = iota
	statePublishing
	stateWatching
	stateClosed
)

// binding is the engine's per-connection state machine. Messages for one
// connection are processed sequentially by its read loop, so the mutex only
// guards against the supervisor's teardown racing that loop.
type binding struct {
	mu        sync.Mutex
	conn      *Conn
	state     connState
	sessionID uuid.UUID
	attachID  uuid.UUID
}

// EngineConfig holds the engine's policy knobs.
type EngineConfig struct {
	// PendingWatchGrace bounds how long observers may wait on a session
	// with no publisher before being told the stream never started.
	PendingWatchGrace time.Duration
	// RequireActiveSession rejects watches on publisher-less sessions
	// immediately instead of wait-and-attach.
	RequireActiveSession bool
}

// Engine orchestrates the publish/subscribe protocol on top of the
// registry, gate and supervisor. One Run per connection.
type Engine struct {
	registry *Registry
	gate     *Gate
	sup      *Supervisor
	metrics  *Metrics
	bridge   *Bridge // nil when running single-instance
	audit    AuditSink
	cfg      EngineConfig
	logger   *zap.Logger

	graceMu sync.Mutex
	grace   map[uuid.UUID]*time.Timer // sessionID -> no-publisher grace timer
}

// NewEngine wires the relay engine. bridge and audit may be nil.
func NewEngine(registry *Registry, gate *Gate, sup *Supervisor, metrics *Metrics, bridge *Bridge, audit AuditSink, cfg EngineConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if cfg.PendingWatchGrace <= 0 {
		cfg.PendingWatchGrace = 30 * time.Second
	}
	e := &Engine{
		registry: registry,
		gate:     gate,
		sup:      sup,
		metrics:  metrics,
		bridge:   bridge,
		audit:    audit,
		cfg:      cfg,
		logger:   logger,
		grace:    make(map[uuid.UUID]*time.Timer),
	}
	if bridge != nil {
		registry.SetSessionHooks(
			func(sessionID uuid.UUID) {
				bridge.Subscribe(sessionID, func(event string, data []byte) {
					e.deliverRemote(sessionID, event, data)
				})
			},
			bridge.Unsubscribe,
		)
	}
	return e
}

// Run drives one connection until it closes: starts the write pump,
// processes inbound messages through the state machine, and tears down on
// exit. Blocks for the connection's lifetime.
func (e *Engine) Run(ctx context.Context, c *Conn) {
	b := &binding{conn: c}
	e.sup.Track(c, func(reason string) {
		e.metrics.ObserveTimeout()
		e.disconnect(b, reason)
	})
	c.readSetup()
	go c.writePump()

	for {
		env, err := c.ReadMessage()
		if err != nil {
			break
		}
		if done := e.dispatch(ctx, b, env); done {
			break
		}
	}
	e.disconnect(b, "transport closed")
	e.sup.Untrack(c.ID())
}

// dispatch handles one inbound envelope. Returns true when the connection
// has reached its terminal state and the read loop should stop.
func (e *Engine) dispatch(ctx context.Context, b *binding, env Envelope) bool {
	switch env.Event {
	case EventHeartbeat:
		return false // liveness already touched by ReadMessage
	case EventStartStreaming:
		e.handleStartStreaming(ctx, b, env.Data)
	case EventFrame:
		e.handleFrame(b, env.Data)
	case EventStopStreaming:
		return e.handleStopStreaming(b)
	case EventWatch:
		e.handleWatch(ctx, b, env.Data)
	case EventStopWatching:
		return e.handleStopWatching(b)
	default:
		e.logger.Debug("unknown event ignored",
			zap.String("event", env.Event),
			zap.String("connection_id", b.conn.ID().String()))
	}
	return false
}

func (e *Engine) handleStartStreaming(ctx context.Context, b *binding, data []byte) {
	var p StartStreamingPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == uuid.Nil {
		e.sendStreamError(b.conn, p.SessionID, "malformed start-streaming")
		return
	}
	b.mu.Lock()
	if b.state != stateUnbound {
		b.mu.Unlock()
		e.sendStreamError(b.conn, p.SessionID, "connection already bound")
		return
	}
	b.mu.Unlock()

	// Client-supplied tenant is advisory at best; it must agree with the
	// token's tenant before the gate even sees the request.
	if p.TenantID != uuid.Nil && p.TenantID != b.conn.TenantID() {
		e.metrics.ObserveDenial()
		e.sendStreamError(b.conn, p.SessionID, "tenant mismatch")
		return
	}
	if err := e.gate.AuthorizePublish(ctx, p.SessionID, b.conn.TenantID(), b.conn.UserID()); err != nil {
		e.metrics.ObserveDenial()
		e.sendStreamError(b.conn, p.SessionID, admissionMessage(err))
		return
	}

	prior, watchers, err := e.registry.RegisterPublisher(p.SessionID, b.conn.TenantID(), b.conn)
	if err != nil {
		e.metrics.ObserveDenial()
		e.sendStreamError(b.conn, p.SessionID, admissionMessage(err))
		return
	}
	if prior != nil {
		e.supersede(ctx, prior, p.SessionID)
	}
	e.disarmGrace(p.SessionID)

	b.mu.Lock()
	b.state = statePublishing
	b.sessionID = p.SessionID
	b.mu.Unlock()

	_ = b.conn.Send(mustEnvelope(EventStreamingStarted, SessionRefPayload{SessionID: p.SessionID}))
	if watchers > 0 {
		_ = b.conn.Send(mustEnvelope(EventAdminWatching, WatcherCountPayload{SessionID: p.SessionID, WatcherCount: watchers}))
	}
	// Tell other instances a new publisher exists so any stale publisher
	// they hold for this session gets superseded.
	e.bridgePublish(p.SessionID, EventStreamingStarted, SessionRefPayload{SessionID: p.SessionID})
	e.logger.Info("streaming started",
		zap.String("session_id", p.SessionID.String()),
		zap.String("connection_id", b.conn.ID().String()),
		zap.Int("watchers", watchers))
}

func (e *Engine) handleFrame(b *binding, data []byte) {
	var p FramePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return
	}
	b.mu.Lock()
	ok := b.state == statePublishing && b.sessionID == p.SessionID
	b.mu.Unlock()
	if !ok {
		// A frame from a connection not publishing this session is a
		// protocol violation; drop it without touching the registry.
		e.logger.Debug("frame rejected",
			zap.String("session_id", p.SessionID.String()),
			zap.String("connection_id", b.conn.ID().String()))
		return
	}
	e.fanOut(p.SessionID, mustEnvelope(EventFrame, p))
	e.bridgePublish(p.SessionID, EventFrame, p)
}

// fanOut delivers one frame to a snapshot of the session's observers.
// Failures and drops are counted, never propagated to the publisher.
func (e *Engine) fanOut(sessionID uuid.UUID, env Envelope) {
	observers := e.registry.Observers(sessionID)
	delivered, dropped := 0, 0
	for _, obs := range observers {
		if obs.SendFrame(env) {
			dropped++
		} else {
			delivered++
		}
	}
	e.metrics.ObserveFanOut(delivered, dropped)
}

func (e *Engine) handleStopStreaming(b *binding) bool {
	b.mu.Lock()
	if b.state != statePublishing {
		b.mu.Unlock()
		return false
	}
	sid := b.sessionID
	b.state = stateClosed
	b.mu.Unlock()

	e.publisherGone(b.conn, sid)
	b.conn.Close("stop-streaming")
	e.sup.Untrack(b.conn.ID())
	return true
}

func (e *Engine) handleWatch(ctx context.Context, b *binding, data []byte) {
	var p SessionRefPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == uuid.Nil {
		e.sendWatchError(b.conn, p.SessionID, "malformed watch")
		return
	}
	b.mu.Lock()
	state, oldSID, oldAttach := b.state, b.sessionID, b.attachID
	b.mu.Unlock()
	if state == statePublishing || state == stateClosed {
		e.sendWatchError(b.conn, p.SessionID, "connection cannot watch")
		return
	}
	if state == stateWatching && oldSID == p.SessionID {
		return // already watching this session
	}

	if err := e.gate.AuthorizeWatch(ctx, p.SessionID, b.conn.TenantID(), b.conn.UserID(), b.conn.Role()); err != nil {
		e.metrics.ObserveDenial()
		e.sendWatchError(b.conn, p.SessionID, admissionMessage(err))
		return
	}
	if e.cfg.RequireActiveSession && !e.registry.HasPublisher(p.SessionID) {
		e.sendWatchError(b.conn, p.SessionID, "session not started")
		return
	}

	// Switching: leave the old session before joining the new one, and
	// drop frames already buffered so nothing stale is written after the
	// switch begins.
	if state == stateWatching {
		e.observerGone(b.conn, oldSID, oldAttach)
		b.conn.DropQueuedFrames()
	}

	attachID, watchers, hasPublisher, err := e.registry.AttachObserver(p.SessionID, b.conn.TenantID(), b.conn)
	if err != nil {
		e.metrics.ObserveDenial()
		e.sendWatchError(b.conn, p.SessionID, admissionMessage(err))
		return
	}

	b.mu.Lock()
	b.state = stateWatching
	b.sessionID = p.SessionID
	b.attachID = attachID
	b.mu.Unlock()

	_ = b.conn.Send(mustEnvelope(EventWatchingStarted, SessionRefPayload{SessionID: p.SessionID}))
	e.notifyWatcherCount(p.SessionID, EventAdminWatching, watchers)
	e.sup.Publish(Event{Kind: EventWatcherChanged, SessionID: p.SessionID, Watchers: watchers})
	if !hasPublisher {
		e.armGrace(p.SessionID)
	}
	e.logger.Info("watch attached",
		zap.String("session_id", p.SessionID.String()),
		zap.String("connection_id", b.conn.ID().String()),
		zap.Int("watchers", watchers))
}

func (e *Engine) handleStopWatching(b *binding) bool {
	b.mu.Lock()
	if b.state != stateWatching {
		b.mu.Unlock()
		return false
	}
	sid, aid := b.sessionID, b.attachID
	b.state = stateClosed
	b.mu.Unlock()

	e.observerGone(b.conn, sid, aid)
	b.conn.Close("stop-watching")
	e.sup.Untrack(b.conn.ID())
	return true
}

// disconnect is the shared teardown for transport closes and liveness
// timeouts. Idempotent: whichever of the read loop and the supervisor gets
// here first wins.
func (e *Engine) disconnect(b *binding, reason string) {
	b.mu.Lock()
	if b.state == stateClosed {
		b.mu.Unlock()
		return
	}
	state, sid, aid := b.state, b.sessionID, b.attachID
	b.state = stateClosed
	b.mu.Unlock()

	switch state {
	case statePublishing:
		e.publisherGone(b.conn, sid)
	case stateWatching:
		e.observerGone(b.conn, sid, aid)
	}
	b.conn.Close(reason)
}

// publisherGone unregisters the publisher and notifies its observers. The
// registry ignores the call if this connection was already superseded.
func (e *Engine) publisherGone(c *Conn, sessionID uuid.UUID) {
	observers, ok := e.registry.UnregisterPublisher(sessionID, c)
	if !ok {
		return
	}
	ended := mustEnvelope(EventStreamEnded, SessionRefPayload{SessionID: sessionID})
	for _, obs := range observers {
		_ = obs.Send(ended)
	}
	e.bridgePublish(sessionID, EventStreamEnded, SessionRefPayload{SessionID: sessionID})
	if len(observers) > 0 {
		e.armGrace(sessionID)
	}
	e.sup.Publish(Event{Kind: EventPublisherLost, SessionID: sessionID, Watchers: len(observers)})
	e.logger.Info("publisher gone",
		zap.String("session_id", sessionID.String()),
		zap.String("connection_id", c.ID().String()),
		zap.Int("watchers", len(observers)))
}

// observerGone detaches the observer and notifies the publisher of the new
// watcher count. Safe to call twice; the registry detach is idempotent.
func (e *Engine) observerGone(c *Conn, sessionID, attachID uuid.UUID) {
	watchers, detached := e.registry.DetachObserver(sessionID, attachID)
	if !detached {
		return
	}
	e.notifyWatcherCount(sessionID, EventAdminStoppedWatching, watchers)
	e.sup.Publish(Event{Kind: EventObserverLost, SessionID: sessionID, Watchers: watchers})
	e.sup.Publish(Event{Kind: EventWatcherChanged, SessionID: sessionID, Watchers: watchers})
}

// supersede notifies and closes a displaced publisher.
func (e *Engine) supersede(ctx context.Context, prior Peer, sessionID uuid.UUID) {
	e.metrics.ObserveSupersede()
	_ = prior.Send(mustEnvelope(EventSuperseded, SessionRefPayload{SessionID: sessionID}))
	prior.Close("superseded")
	if e.audit != nil {
		e.audit.Record(ctx, models.AuditEvent{
			Kind:       models.AuditPublisherSwap,
			SessionID:  sessionID,
			TenantID:   prior.TenantID(),
			Detail:     "publisher replaced by newer connection",
			OccurredAt: time.Now(),
		})
	}
	e.logger.Info("publisher superseded",
		zap.String("session_id", sessionID.String()),
		zap.String("connection_id", prior.ID().String()))
}

// TeardownSession force-ends a session (exam submitted). The publisher is
// closed; observers get stream-ended and stay connected so they can watch
// something else.
func (e *Engine) TeardownSession(sessionID uuid.UUID) {
	e.disarmGrace(sessionID)
	publisher, observers, _ := e.registry.Teardown(sessionID)
	ended := mustEnvelope(EventStreamEnded, SessionRefPayload{SessionID: sessionID})
	for _, obs := range observers {
		_ = obs.Send(ended)
	}
	if publisher != nil {
		publisher.Close("session submitted")
	}
	e.bridgePublish(sessionID, EventStreamEnded, SessionRefPayload{SessionID: sessionID})
	e.sup.Publish(Event{Kind: EventWatcherChanged, SessionID: sessionID, Watchers: 0})
	e.logger.Info("session torn down", zap.String("session_id", sessionID.String()))
}

// WatcherCount returns the number of observers attached to a session.
func (e *Engine) WatcherCount(sessionID uuid.UUID) int {
	return e.registry.WatcherCount(sessionID)
}

// notifyWatcherCount informs the session's publisher of observer churn.
func (e *Engine) notifyWatcherCount(sessionID uuid.UUID, event string, watchers int) {
	payload := WatcherCountPayload{SessionID: sessionID, WatcherCount: watchers}
	if p := e.registry.Publisher(sessionID); p != nil {
		_ = p.Send(mustEnvelope(event, payload))
	}
	e.bridgePublish(sessionID, event, payload)
}

// armGrace starts the no-publisher grace timer for a session unless one is
// already running.
func (e *Engine) armGrace(sessionID uuid.UUID) {
	e.graceMu.Lock()
	defer e.graceMu.Unlock()
	if _, ok := e.grace[sessionID]; ok {
		return
	}
	e.grace[sessionID] = time.AfterFunc(e.cfg.PendingWatchGrace, func() {
		e.graceExpired(sessionID)
	})
}

func (e *Engine) disarmGrace(sessionID uuid.UUID) {
	e.graceMu.Lock()
	if t, ok := e.grace[sessionID]; ok {
		t.Stop()
		delete(e.grace, sessionID)
	}
	e.graceMu.Unlock()
}

// graceExpired ends a session that spent the whole grace period without a
// publisher. Observers of a never-published session get an explicit error;
// observers of an ended stream already saw stream-ended.
func (e *Engine) graceExpired(sessionID uuid.UUID) {
	e.graceMu.Lock()
	delete(e.grace, sessionID)
	e.graceMu.Unlock()
	if e.registry.HasPublisher(sessionID) {
		return
	}
	_, observers, everPublished := e.registry.Teardown(sessionID)
	if !everPublished {
		errEnv := mustEnvelope(EventWatchError, WatchErrorPayload{SessionID: sessionID, Message: "session not started"})
		for _, obs := range observers {
			_ = obs.Send(errEnv)
		}
	}
	e.sup.Publish(Event{Kind: EventWatcherChanged, SessionID: sessionID, Watchers: 0})
	e.logger.Info("publisher grace expired",
		zap.String("session_id", sessionID.String()),
		zap.Int("observers", len(observers)),
		zap.Bool("ever_published", everPublished))
}

// deliverRemote applies an event received over the cross-instance bridge to
// local connections. The bridge filters out this instance's own messages.
func (e *Engine) deliverRemote(sessionID uuid.UUID, event string, data []byte) {
	env := Envelope{Event: event, Data: data}
	switch event {
	case EventFrame:
		observers := e.registry.Observers(sessionID)
		delivered, dropped := 0, 0
		for _, obs := range observers {
			if obs.SendFrame(env) {
				dropped++
			} else {
				delivered++
			}
		}
		e.metrics.ObserveFanOut(delivered, dropped)
	case EventStreamEnded:
		for _, obs := range e.registry.Observers(sessionID) {
			_ = obs.Send(env)
		}
	case EventStreamingStarted:
		// A publisher registered on another instance supersedes ours.
		if local := e.registry.Publisher(sessionID); local != nil {
			if _, ok := e.registry.UnregisterPublisher(sessionID, local); ok {
				e.metrics.ObserveSupersede()
				_ = local.Send(mustEnvelope(EventSuperseded, SessionRefPayload{SessionID: sessionID}))
				local.Close("superseded")
			}
		}
	case EventAdminWatching, EventAdminStoppedWatching:
		if p := e.registry.Publisher(sessionID); p != nil {
			_ = p.Send(env)
		}
	}
}

func (e *Engine) bridgePublish(sessionID uuid.UUID, event string, payload interface{}) {
	if e.bridge == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	e.bridge.Publish(sessionID, event, data)
}

func (e *Engine) sendStreamError(c *Conn, sessionID uuid.UUID, msg string) {
	_ = c.Send(mustEnvelope(EventStreamError, WatchErrorPayload{SessionID: sessionID, Message: msg}))
}

func (e *Engine) sendWatchError(c *Conn, sessionID uuid.UUID, msg string) {
	_ = c.Send(mustEnvelope(EventWatchError, WatchErrorPayload{SessionID: sessionID, Message: msg}))
}

// admissionMessage maps gate errors to client-facing text.
func admissionMessage(err error) string {
	switch err {
	case ErrTenantMismatch:
		return "tenant mismatch"
	case ErrSessionNotFound:
		return "session not found"
	case ErrSessionClosed:
		return "session closed"
	case ErrNotSessionOwner:
		return "not session owner"
	case ErrRoleDenied:
		return "insufficient role"
	default:
		return "admission unavailable"
	}
}
