package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vigil-proctor/backend/internal/models"
	"github.com/vigil-proctor/backend/pkg/queue"
)

const enqueueTimeout = 2 * time.Second

// QueueSink records audit events by enqueueing them for the worker.
// Recording is fire-and-forget: the relay's admission path must never wait
// on persistence, so failures are logged and dropped.
type QueueSink struct {
	queue  *queue.Queue
	logger *zap.Logger
}

// NewQueueSink creates a queue-backed audit sink.
func NewQueueSink(q *queue.Queue, logger *zap.Logger) *QueueSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueSink{queue: q, logger: logger}
}

// Record implements the relay's AuditSink.
func (s *QueueSink) Record(_ context.Context, ev models.AuditEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
		defer cancel()
		err := s.queue.EnqueueAuditEvent(ctx, queue.AuditEventPayload{
			Kind:       ev.Kind,
			SessionID:  ev.SessionID,
			TenantID:   ev.TenantID,
			UserID:     ev.UserID,
			Detail:     ev.Detail,
			OccurredAt: ev.OccurredAt,
		})
		if err != nil {
			s.logger.Warn("audit enqueue failed", zap.String("kind", ev.Kind), zap.Error(err))
		}
	}()
}
