package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	channelPrefix  = "proctor:session:"
	publishTimeout = 5 * time.Second
)

// bridgePayload is the message published to Redis for cross-instance
// fan-out. Origin lets instances skip their own messages.
type bridgePayload struct {
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Origin string          `json:"origin"`
	At     int64           `json:"at"`
}

// Bridge relays frames and control events between relay instances over
// Redis pub/sub, one channel per session. A publisher on instance A reaches
// observers attached on instance B without either knowing about the other.
type Bridge struct {
	client   *redis.Client
	instance string // unique per process
	logger   *zap.Logger

	mu   sync.Mutex
	subs map[uuid.UUID]context.CancelFunc
}

// NewBridge creates a cross-instance bridge.
func NewBridge(client *redis.Client, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		client:   client,
		instance: uuid.New().String(),
		logger:   logger,
		subs:     make(map[uuid.UUID]context.CancelFunc),
	}
}

// Publish sends an event to the session's Redis channel.
func (b *Bridge) Publish(sessionID uuid.UUID, event string, data []byte) {
	channel := channelPrefix + sessionID.String()
	body, err := json.Marshal(bridgePayload{Event: event, Data: data, Origin: b.instance, At: time.Now().Unix()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, channel, body).Err(); err != nil {
		b.logger.Warn("bridge publish failed",
			zap.String("session_id", sessionID.String()),
			zap.Error(err))
	}
}

// Subscribe starts consuming the session's channel, invoking handler for
// each message originating from another instance. Idempotent per session.
func (b *Bridge) Subscribe(sessionID uuid.UUID, handler func(event string, data []byte)) {
	b.mu.Lock()
	if _, ok := b.subs[sessionID]; ok {
		b.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.subs[sessionID] = cancel
	b.mu.Unlock()

	channel := channelPrefix + sessionID.String()
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		b.logger.Warn("bridge subscribe failed",
			zap.String("session_id", sessionID.String()),
			zap.Error(fmt.Errorf("subscribe: %w", err)))
		b.Unsubscribe(sessionID)
		return
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p bridgePayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					continue
				}
				if p.Origin == b.instance {
					continue
				}
				handler(p.Event, p.Data)
			}
		}
	}()
}

// Unsubscribe stops the session's channel consumer.
func (b *Bridge) Unsubscribe(sessionID uuid.UUID) {
	b.mu.Lock()
	if cancel, ok := b.subs[sessionID]; ok {
		cancel()
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()
}
