package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vigil-proctor/backend/internal/audit"
	"github.com/vigil-proctor/backend/internal/models"
	"github.com/vigil-proctor/backend/pkg/queue"
)

// AuditProcessor persists queued audit events: dequeue, insert, retry on
// failure. Keeping persistence off the relay's hot path means a slow
// database never delays admission decisions.
type AuditProcessor struct {
	repo   *audit.Repository
	queue  *queue.Queue
	logger *zap.Logger
}

// NewAuditProcessor creates an audit event processor.
func NewAuditProcessor(repo *audit.Repository, q *queue.Queue, logger *zap.Logger) *AuditProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditProcessor{repo: repo, queue: q, logger: logger}
}

// Process executes one audit event job.
func (p *AuditProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeAuditEvent {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.AuditEventPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	ev := models.AuditEvent{
		Kind:       payload.Kind,
		SessionID:  payload.SessionID,
		TenantID:   payload.TenantID,
		UserID:     payload.UserID,
		Detail:     payload.Detail,
		OccurredAt: payload.OccurredAt,
	}
	if err := p.repo.Insert(ctx, ev); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	p.logger.Debug("audit event persisted",
		zap.String("job_id", job.ID),
		zap.String("kind", payload.Kind),
		zap.String("session_id", payload.SessionID.String()))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *AuditProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("audit worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
