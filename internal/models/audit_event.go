package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit event kinds recorded by the relay.
const (
	AuditTenantMismatch  = "tenant_mismatch"
	AuditWatchDenied     = "watch_denied"
	AuditPublishDenied   = "publish_denied"
	AuditPublisherSwap   = "publisher_superseded"
	AuditLivenessTimeout = "liveness_timeout"
)

// AuditEvent is a security-relevant relay event (e.g. a cross-tenant watch
// attempt) persisted asynchronously for later review.
type AuditEvent struct {
	ID         uuid.UUID `json:"id"`
	Kind       string    `json:"kind"`
	SessionID  uuid.UUID `json:"session_id"`
	TenantID   uuid.UUID `json:"tenant_id"` // tenant of the acting connection
	UserID     uuid.UUID `json:"user_id"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}
