package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-proctor/backend/internal/auth"
	"github.com/vigil-proctor/backend/internal/models"
)

type engineFixture struct {
	engine *Engine
	dir    *stubDirectory
	sink   *recordingSink
	reg    *Registry
}

func newEngineFixture(cfg EngineConfig) *engineFixture {
	dir := &stubDirectory{sessions: make(map[uuid.UUID]*models.ProctorSession)}
	sink := &recordingSink{}
	reg := NewRegistry(nil)
	sup := NewSupervisor(time.Hour, time.Minute, nil)
	gate := NewGate(dir, sink, nil)
	engine := NewEngine(reg, gate, sup, NewMetrics(), nil, sink, cfg, nil)
	return &engineFixture{engine: engine, dir: dir, sink: sink, reg: reg}
}

func (f *engineFixture) addSession() *models.ProctorSession {
	rec := &models.ProctorSession{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		CandidateID: uuid.New(),
		Status:      models.SessionStatusActive,
	}
	f.dir.sessions[rec.ID] = rec
	return rec
}

func testConnCfg() ConnConfig {
	return ConnConfig{SendBuffer: 16, FrameBuffer: 4}
}

// bindCandidate returns a binding for the session's owning candidate.
func bindCandidate(rec *models.ProctorSession) *binding {
	c := NewConn(nil, rec.CandidateID, rec.TenantID, auth.RoleCandidate, testConnCfg(), nil)
	return &binding{conn: c}
}

func bindProctor(tenantID uuid.UUID) *binding {
	c := NewConn(nil, uuid.New(), tenantID, auth.RoleProctor, testConnCfg(), nil)
	return &binding{conn: c}
}

func startStreamingEnv(sessionID uuid.UUID) Envelope {
	return mustEnvelope(EventStartStreaming, StartStreamingPayload{SessionID: sessionID})
}

func watchEnv(sessionID uuid.UUID) Envelope {
	return mustEnvelope(EventWatch, SessionRefPayload{SessionID: sessionID})
}

func frameEnv(sessionID uuid.UUID, payload string) Envelope {
	return mustEnvelope(EventFrame, FramePayload{SessionID: sessionID, Payload: payload, CapturedAt: time.Now().UnixMilli()})
}

// nextSent pops the next queued control message without blocking.
func nextSent(t *testing.T, c *Conn) Envelope {
	t.Helper()
	select {
	case env := <-c.send:
		return env
	default:
		t.Fatal("no control message queued")
		return Envelope{}
	}
}

// awaitSent waits for a control message, for paths that go through timers.
func awaitSent(t *testing.T, c *Conn, event string) Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-c.send:
			if env.Event == event {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", event)
		}
	}
}

func assertNothingSent(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case env := <-c.send:
		t.Fatalf("unexpected control message %q", env.Event)
	default:
	}
}

func TestEngine_PublishWatchAndFanOut(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	rec := f.addSession()
	ctx := context.Background()

	pub := bindCandidate(rec)
	f.engine.dispatch(ctx, pub, startStreamingEnv(rec.ID))
	assert.Equal(t, EventStreamingStarted, nextSent(t, pub.conn).Event)

	obs := bindProctor(rec.TenantID)
	f.engine.dispatch(ctx, obs, watchEnv(rec.ID))
	assert.Equal(t, EventWatchingStarted, nextSent(t, obs.conn).Event)

	// The publisher learns it is being watched.
	env := nextSent(t, pub.conn)
	require.Equal(t, EventAdminWatching, env.Event)
	var count WatcherCountPayload
	require.NoError(t, json.Unmarshal(env.Data, &count))
	assert.Equal(t, 1, count.WatcherCount)

	f.engine.dispatch(ctx, pub, frameEnv(rec.ID, "img-1"))
	select {
	case frame := <-obs.conn.frames:
		var p FramePayload
		require.NoError(t, json.Unmarshal(frame.Data, &p))
		assert.Equal(t, "img-1", p.Payload)
		assert.Equal(t, rec.ID, p.SessionID)
	default:
		t.Fatal("observer did not receive the frame")
	}
}

func TestEngine_FrameFromNonPublisherIgnored(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	rec := f.addSession()
	ctx := context.Background()

	pub := bindCandidate(rec)
	f.engine.dispatch(ctx, pub, startStreamingEnv(rec.ID))
	obs := bindProctor(rec.TenantID)
	f.engine.dispatch(ctx, obs, watchEnv(rec.ID))

	// An unbound connection cannot inject frames into the session.
	intruder := bindCandidate(rec)
	f.engine.dispatch(ctx, intruder, frameEnv(rec.ID, "forged"))

	select {
	case <-obs.conn.frames:
		t.Fatal("frame from non-publisher must not reach observers")
	default:
	}
}

func TestEngine_StartStreamingDenied(t *testing.T) {
	ctx := context.Background()

	t.Run("non-owner", func(t *testing.T) {
		f := newEngineFixture(EngineConfig{})
		rec := f.addSession()
		b := bindProctor(rec.TenantID) // wrong user, wrong role is irrelevant here
		f.engine.dispatch(ctx, b, startStreamingEnv(rec.ID))
		env := nextSent(t, b.conn)
		assert.Equal(t, EventStreamError, env.Event)
		assert.False(t, f.reg.HasPublisher(rec.ID))
	})

	t.Run("payload tenant contradicts token", func(t *testing.T) {
		f := newEngineFixture(EngineConfig{})
		rec := f.addSession()
		b := bindCandidate(rec)
		env := mustEnvelope(EventStartStreaming, StartStreamingPayload{SessionID: rec.ID, TenantID: uuid.New()})
		f.engine.dispatch(ctx, b, env)
		assert.Equal(t, EventStreamError, nextSent(t, b.conn).Event)
		assert.False(t, f.reg.HasPublisher(rec.ID))
	})

	t.Run("submitted session", func(t *testing.T) {
		f := newEngineFixture(EngineConfig{})
		rec := f.addSession()
		rec.Status = models.SessionStatusSubmitted
		b := bindCandidate(rec)
		f.engine.dispatch(ctx, b, startStreamingEnv(rec.ID))
		assert.Equal(t, EventStreamError, nextSent(t, b.conn).Event)
	})

	t.Run("unknown session", func(t *testing.T) {
		f := newEngineFixture(EngineConfig{})
		rec := f.addSession()
		b := bindCandidate(rec)
		f.engine.dispatch(ctx, b, startStreamingEnv(uuid.New()))
		assert.Equal(t, EventStreamError, nextSent(t, b.conn).Event)
	})
}

func TestEngine_PublisherSupersede(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	rec := f.addSession()
	ctx := context.Background()

	first := bindCandidate(rec)
	f.engine.dispatch(ctx, first, startStreamingEnv(rec.ID))
	assert.Equal(t, EventStreamingStarted, nextSent(t, first.conn).Event)

	obs := bindProctor(rec.TenantID)
	f.engine.dispatch(ctx, obs, watchEnv(rec.ID))

	// A page refresh: the same candidate reconnects and starts again.
	second := bindCandidate(rec)
	f.engine.dispatch(ctx, second, startStreamingEnv(rec.ID))

	assert.Equal(t, EventSuperseded, awaitSent(t, first.conn, EventSuperseded).Event)
	select {
	case <-first.conn.Closed():
	default:
		t.Fatal("displaced publisher must be closed")
	}

	// Observers ride through the swap without a stream-ended.
	assert.Equal(t, EventWatchingStarted, nextSent(t, obs.conn).Event)
	assertNothingSent(t, obs.conn)
	assert.Same(t, second.conn, f.reg.Publisher(rec.ID).(*Conn))
	assert.Contains(t, f.sink.kinds(), models.AuditPublisherSwap)

	f.engine.dispatch(ctx, second, frameEnv(rec.ID, "after-swap"))
	assert.Equal(t, 1, len(obs.conn.frames))
}

func TestEngine_StaleDisconnectAfterSupersede(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	rec := f.addSession()
	ctx := context.Background()

	first := bindCandidate(rec)
	f.engine.dispatch(ctx, first, startStreamingEnv(rec.ID))
	second := bindCandidate(rec)
	f.engine.dispatch(ctx, second, startStreamingEnv(rec.ID))

	obs := bindProctor(rec.TenantID)
	f.engine.dispatch(ctx, obs, watchEnv(rec.ID))
	_ = nextSent(t, obs.conn) // watching-started

	// The displaced publisher's read loop winds down after the swap. Its
	// teardown must not end the replacement's stream.
	f.engine.disconnect(first, "transport closed")
	assertNothingSent(t, obs.conn)
	assert.True(t, f.reg.HasPublisher(rec.ID))
}

func TestEngine_WatchDenied(t *testing.T) {
	ctx := context.Background()

	t.Run("candidate role", func(t *testing.T) {
		f := newEngineFixture(EngineConfig{})
		rec := f.addSession()
		b := bindCandidate(rec)
		f.engine.dispatch(ctx, b, watchEnv(rec.ID))
		assert.Equal(t, EventWatchError, nextSent(t, b.conn).Event)
		assert.Zero(t, f.reg.WatcherCount(rec.ID))
	})

	t.Run("foreign tenant", func(t *testing.T) {
		f := newEngineFixture(EngineConfig{})
		rec := f.addSession()
		b := bindProctor(uuid.New())
		f.engine.dispatch(ctx, b, watchEnv(rec.ID))
		assert.Equal(t, EventWatchError, nextSent(t, b.conn).Event)
		assert.Zero(t, f.reg.WatcherCount(rec.ID))
		assert.Equal(t, []string{models.AuditTenantMismatch}, f.sink.kinds())
	})

	t.Run("publisher cannot watch", func(t *testing.T) {
		f := newEngineFixture(EngineConfig{})
		rec := f.addSession()
		b := bindCandidate(rec)
		f.engine.dispatch(ctx, b, startStreamingEnv(rec.ID))
		_ = nextSent(t, b.conn) // streaming-started
		f.engine.dispatch(ctx, b, watchEnv(rec.ID))
		assert.Equal(t, EventWatchError, nextSent(t, b.conn).Event)
	})
}

func TestEngine_WatchSwitchesSessions(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	recA := f.addSession()
	recB := f.addSession()
	recB.TenantID = recA.TenantID
	ctx := context.Background()

	pubA := bindCandidate(recA)
	f.engine.dispatch(ctx, pubA, startStreamingEnv(recA.ID))
	pubB := bindCandidate(recB)
	f.engine.dispatch(ctx, pubB, startStreamingEnv(recB.ID))

	obs := bindProctor(recA.TenantID)
	f.engine.dispatch(ctx, obs, watchEnv(recA.ID))
	assert.Equal(t, EventWatchingStarted, nextSent(t, obs.conn).Event)

	// A frame from the old session sits in the buffer when the switch lands.
	f.engine.dispatch(ctx, pubA, frameEnv(recA.ID, "stale"))
	require.Equal(t, 1, len(obs.conn.frames))

	f.engine.dispatch(ctx, obs, watchEnv(recB.ID))
	assert.Equal(t, EventWatchingStarted, nextSent(t, obs.conn).Event)
	assert.Zero(t, f.reg.WatcherCount(recA.ID))
	assert.Equal(t, 1, f.reg.WatcherCount(recB.ID))
	assert.Zero(t, len(obs.conn.frames), "stale frames flushed on switch")

	f.engine.dispatch(ctx, pubA, frameEnv(recA.ID, "old-session"))
	f.engine.dispatch(ctx, pubB, frameEnv(recB.ID, "new-session"))
	require.Equal(t, 1, len(obs.conn.frames))
	frame := <-obs.conn.frames
	var p FramePayload
	require.NoError(t, json.Unmarshal(frame.Data, &p))
	assert.Equal(t, "new-session", p.Payload)
}

func TestEngine_WatchSameSessionTwice(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	rec := f.addSession()
	ctx := context.Background()

	pub := bindCandidate(rec)
	f.engine.dispatch(ctx, pub, startStreamingEnv(rec.ID))

	obs := bindProctor(rec.TenantID)
	f.engine.dispatch(ctx, obs, watchEnv(rec.ID))
	_ = nextSent(t, obs.conn)
	f.engine.dispatch(ctx, obs, watchEnv(rec.ID))
	assertNothingSent(t, obs.conn)
	assert.Equal(t, 1, f.reg.WatcherCount(rec.ID))
}

func TestEngine_StopStreamingEndsStream(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	rec := f.addSession()
	ctx := context.Background()

	pub := bindCandidate(rec)
	f.engine.dispatch(ctx, pub, startStreamingEnv(rec.ID))
	obs := bindProctor(rec.TenantID)
	f.engine.dispatch(ctx, obs, watchEnv(rec.ID))
	_ = nextSent(t, obs.conn)

	done := f.engine.dispatch(ctx, pub, Envelope{Event: EventStopStreaming})
	assert.True(t, done)
	assert.Equal(t, EventStreamEnded, nextSent(t, obs.conn).Event)
	assert.False(t, f.reg.HasPublisher(rec.ID))
	select {
	case <-pub.conn.Closed():
	default:
		t.Fatal("publisher connection should be closed")
	}

	// The observer's connection survives the end of the stream.
	select {
	case <-obs.conn.Closed():
		t.Fatal("observer connection must stay open")
	default:
	}
}

func TestEngine_StopWatchingDetaches(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	rec := f.addSession()
	ctx := context.Background()

	pub := bindCandidate(rec)
	f.engine.dispatch(ctx, pub, startStreamingEnv(rec.ID))
	_ = nextSent(t, pub.conn)

	obs := bindProctor(rec.TenantID)
	f.engine.dispatch(ctx, obs, watchEnv(rec.ID))
	_ = nextSent(t, pub.conn) // admin-watching

	done := f.engine.dispatch(ctx, obs, Envelope{Event: EventStopWatching})
	assert.True(t, done)
	assert.Zero(t, f.reg.WatcherCount(rec.ID))

	env := nextSent(t, pub.conn)
	require.Equal(t, EventAdminStoppedWatching, env.Event)
	var count WatcherCountPayload
	require.NoError(t, json.Unmarshal(env.Data, &count))
	assert.Zero(t, count.WatcherCount)

	// Stop-watching on an unbound connection is a no-op.
	done = f.engine.dispatch(ctx, obs, Envelope{Event: EventStopWatching})
	assert.False(t, done)
}

func TestEngine_DisconnectIsIdempotent(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	rec := f.addSession()
	ctx := context.Background()

	pub := bindCandidate(rec)
	f.engine.dispatch(ctx, pub, startStreamingEnv(rec.ID))
	obs := bindProctor(rec.TenantID)
	f.engine.dispatch(ctx, obs, watchEnv(rec.ID))
	_ = nextSent(t, obs.conn)

	// Read loop and supervisor sweep can both reach teardown; observers
	// must see exactly one stream-ended.
	f.engine.disconnect(pub, "transport closed")
	f.engine.disconnect(pub, "liveness timeout")

	assert.Equal(t, EventStreamEnded, nextSent(t, obs.conn).Event)
	assertNothingSent(t, obs.conn)
}

func TestEngine_WaitAndAttachGrace(t *testing.T) {
	t.Run("expires without publisher", func(t *testing.T) {
		f := newEngineFixture(EngineConfig{PendingWatchGrace: 30 * time.Millisecond})
		rec := f.addSession()
		ctx := context.Background()

		obs := bindProctor(rec.TenantID)
		f.engine.dispatch(ctx, obs, watchEnv(rec.ID))
		assert.Equal(t, EventWatchingStarted, nextSent(t, obs.conn).Event)

		env := awaitSent(t, obs.conn, EventWatchError)
		var p WatchErrorPayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		assert.Equal(t, "session not started", p.Message)

		sessions, _, _ := f.reg.Stats()
		assert.Zero(t, sessions)
	})

	t.Run("publisher arrives within grace", func(t *testing.T) {
		f := newEngineFixture(EngineConfig{PendingWatchGrace: 40 * time.Millisecond})
		rec := f.addSession()
		ctx := context.Background()

		obs := bindProctor(rec.TenantID)
		f.engine.dispatch(ctx, obs, watchEnv(rec.ID))
		_ = nextSent(t, obs.conn)

		pub := bindCandidate(rec)
		f.engine.dispatch(ctx, pub, startStreamingEnv(rec.ID))

		time.Sleep(80 * time.Millisecond)
		assertNothingSent(t, obs.conn)

		f.engine.dispatch(ctx, pub, frameEnv(rec.ID, "arrived"))
		assert.Equal(t, 1, len(obs.conn.frames))
	})
}

func TestEngine_RequireActiveSession(t *testing.T) {
	f := newEngineFixture(EngineConfig{RequireActiveSession: true})
	rec := f.addSession()
	ctx := context.Background()

	obs := bindProctor(rec.TenantID)
	f.engine.dispatch(ctx, obs, watchEnv(rec.ID))

	env := nextSent(t, obs.conn)
	require.Equal(t, EventWatchError, env.Event)
	var p WatchErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	assert.Equal(t, "session not started", p.Message)
	assert.Zero(t, f.reg.WatcherCount(rec.ID))
}

func TestEngine_TeardownSession(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	rec := f.addSession()
	ctx := context.Background()

	pub := bindCandidate(rec)
	f.engine.dispatch(ctx, pub, startStreamingEnv(rec.ID))
	obs := bindProctor(rec.TenantID)
	f.engine.dispatch(ctx, obs, watchEnv(rec.ID))
	_ = nextSent(t, obs.conn)

	f.engine.TeardownSession(rec.ID)

	assert.Equal(t, EventStreamEnded, nextSent(t, obs.conn).Event)
	select {
	case <-pub.conn.Closed():
	default:
		t.Fatal("publisher connection should be closed on teardown")
	}
	select {
	case <-obs.conn.Closed():
		t.Fatal("observer connection must stay open after teardown")
	default:
	}
	sessions, _, _ := f.reg.Stats()
	assert.Zero(t, sessions)
}

func TestEngine_DispatchIgnoresNoise(t *testing.T) {
	f := newEngineFixture(EngineConfig{})
	ctx := context.Background()
	b := bindProctor(uuid.New())

	assert.False(t, f.engine.dispatch(ctx, b, Envelope{Event: EventHeartbeat}))
	assert.False(t, f.engine.dispatch(ctx, b, Envelope{Event: "made-up-event"}))
	assert.False(t, f.engine.dispatch(ctx, b, Envelope{Event: EventWatch, Data: []byte(`{"session_id":`)}))
	env := nextSent(t, b.conn)
	assert.Equal(t, EventWatchError, env.Event)
	assertNothingSent(t, b.conn)
}
