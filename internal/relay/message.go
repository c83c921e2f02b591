// Package relay implements the live screen-proctoring relay: candidates
// publish screenshot frames for their exam session over a WebSocket, and
// authorized proctors attach to and detach from a session's stream on
// demand. Delivery is best-effort and never blocks the publishing side.
package relay

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Envelope is the WebSocket message envelope, both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound events (client -> relay).
const (
	EventStartStreaming = "start-streaming"
	EventFrame          = "frame"
	EventStopStreaming  = "stop-streaming"
	EventWatch          = "watch"
	EventStopWatching   = "stop-watching"
	EventHeartbeat      = "heartbeat"
)

// Outbound events (relay -> client).
const (
	EventStreamingStarted     = "streaming-started"
	EventStreamError          = "stream-error"
	EventSuperseded           = "superseded"
	EventAdminWatching        = "admin-watching"
	EventAdminStoppedWatching = "admin-stopped-watching"
	EventWatchingStarted      = "watching-started"
	EventWatchError           = "watch-error"
	EventStreamEnded          = "stream-ended"
)

// StartStreamingPayload begins publishing for a session. The tenant field
// is cross-checked against the connection's token claims and the
// authoritative session record; it is never trusted on its own.
type StartStreamingPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
}

// FramePayload is one captured screen frame. Payload is an opaque encoded
// image (e.g. a base64 data URL); the relay never inspects it.
type FramePayload struct {
	SessionID  uuid.UUID `json:"session_id"`
	Payload    string    `json:"payload"`
	CapturedAt int64     `json:"captured_at"`
}

// SessionRefPayload references a session (watch, stop-watching,
// stop-streaming, stream-ended, watching-started).
type SessionRefPayload struct {
	SessionID uuid.UUID `json:"session_id"`
}

// WatchErrorPayload reports a denied or failed watch request. The
// connection stays open so the client can retry.
type WatchErrorPayload struct {
	SessionID uuid.UUID `json:"session_id"`
	Message   string    `json:"message"`
}

// WatcherCountPayload notifies the publisher of observer churn.
type WatcherCountPayload struct {
	SessionID    uuid.UUID `json:"session_id"`
	WatcherCount int       `json:"watcher_count"`
}

func mustEnvelope(event string, payload interface{}) Envelope {
	data, _ := json.Marshal(payload)
	return Envelope{Event: event, Data: data}
}
