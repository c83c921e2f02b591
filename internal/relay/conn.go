package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// ConnConfig holds per-connection tuning derived from RelayConfig.
type ConnConfig struct {
	Heartbeat   time.Duration // ping interval
	PongWait    time.Duration // read deadline extension on activity
	SendBuffer  int           // control message buffer depth
	FrameBuffer int           // frame buffer depth (drop-oldest on overflow)
}

// Conn wraps one WebSocket connection with identity and liveness tracking.
// Control messages and frames travel on separate bounded buffers: control
// sends fail loudly when the buffer is full, frame sends evict the oldest
// queued frame so the newest is always the one waiting (a proctor wants
// current visibility, not a backlog).
type Conn struct {
	id       uuid.UUID
	userID   uuid.UUID
	tenantID uuid.UUID
	role     string

	ws     *websocket.Conn
	send   chan Envelope
	frames chan Envelope
	closed chan struct{}

	lastSeen  atomic.Int64 // unix nano
	closeOnce sync.Once
	cfg       ConnConfig
	logger    *zap.Logger
}

// NewConn wraps an upgraded WebSocket connection. role, tenant and user
// come from validated token claims; candidate connections publish,
// proctor/admin connections observe.
func NewConn(ws *websocket.Conn, userID, tenantID uuid.UUID, role string, cfg ConnConfig, logger *zap.Logger) *Conn {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 8
	}
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 2
	}
	c := &Conn{
		id:       uuid.New(),
		userID:   userID,
		tenantID: tenantID,
		role:     role,
		ws:       ws,
		send:     make(chan Envelope, cfg.SendBuffer),
		frames:   make(chan Envelope, cfg.FrameBuffer),
		closed:   make(chan struct{}),
		cfg:      cfg,
		logger:   logger,
	}
	c.Touch()
	return c
}

// ID returns the unique connection id.
func (c *Conn) ID() uuid.UUID { return c.id }

// UserID returns the authenticated principal's id.
func (c *Conn) UserID() uuid.UUID { return c.userID }

// TenantID returns the connection's tenant, fixed at upgrade time.
func (c *Conn) TenantID() uuid.UUID { return c.tenantID }

// Role returns the principal's role from its token claims.
func (c *Conn) Role() string { return c.role }

// Touch records inbound activity for liveness tracking.
func (c *Conn) Touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the time of the last inbound activity.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// IsAlive reports whether the connection has shown activity within timeout.
func (c *Conn) IsAlive(timeout time.Duration) bool {
	return time.Since(c.LastSeen()) <= timeout
}

// Send queues a control message. Never blocks: returns ErrConnectionClosed
// after Close, or ErrSendBufferFull when the peer is not draining.
func (c *Conn) Send(env Envelope) error {
	select {
	case <-c.closed:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// SendFrame queues a frame, dropping the oldest queued frame when the
// buffer is full (most-recent-frame-wins). Reports whether anything was
// dropped. Never blocks the caller.
func (c *Conn) SendFrame(env Envelope) bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	select {
	case c.frames <- env:
		return false
	default:
	}
	// Buffer full: evict one stale frame, then try once more. If another
	// writer raced us back to full, this frame is the one dropped instead.
	select {
	case <-c.frames:
	default:
	}
	select {
	case c.frames <- env:
	default:
	}
	return true
}

// DropQueuedFrames discards any frames still buffered for this
// connection. Used when an observer switches sessions so stale frames from
// the old session are not written after the switch.
func (c *Conn) DropQueuedFrames() {
	for {
		select {
		case <-c.frames:
		default:
			return
		}
	}
}

// ReadMessage blocks for the next inbound envelope, updating liveness and
// the transport read deadline. Returns an error on closure.
func (c *Conn) ReadMessage() (Envelope, error) {
	var env Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return Envelope{}, err
	}
	c.Touch()
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	return env, nil
}

// Close terminates the transport exactly once. Safe to call from any
// goroutine and any number of times.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.ws != nil {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			_ = c.ws.Close()
		}
		if c.logger != nil {
			c.logger.Debug("connection closed",
				zap.String("connection_id", c.id.String()),
				zap.String("reason", reason))
		}
	})
}

// Closed returns a channel closed when the connection is closed.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// readSetup applies read limits and the pong handler before the read loop.
func (c *Conn) readSetup() {
	c.ws.SetReadLimit(1 << 20) // frames are base64 screenshots; allow 1 MiB
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		c.Touch()
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		return nil
	})
}

// writePump drains control and frame buffers to the transport and sends
// pings. Runs in its own goroutine; exits on Close or write failure.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.Heartbeat)
	defer func() {
		ticker.Stop()
		c.Close("write pump exit")
	}()

	for {
		select {
		case <-c.closed:
			return
		case env := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case env := <-c.frames:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
