package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigil-proctor/backend/internal/auth"
	"github.com/vigil-proctor/backend/internal/models"
)

// SessionDirectory resolves a session id to its authoritative record. The
// exam application creates records before streaming starts; the gate never
// trusts client-supplied tenant or ownership claims.
type SessionDirectory interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.ProctorSession, error)
}

// AuditSink records security-relevant events. Implementations must be
// fire-and-forget; the gate never waits on persistence.
type AuditSink interface {
	Record(ctx context.Context, ev models.AuditEvent)
}

// Gate is the single choke point enforcing tenant isolation and ownership
// before any registry mutation.
type Gate struct {
	dir    SessionDirectory
	audit  AuditSink
	logger *zap.Logger
}

// NewGate creates an admission gate. audit may be nil.
func NewGate(dir SessionDirectory, audit AuditSink, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{dir: dir, audit: audit, logger: logger}
}

// AuthorizePublish confirms that the connection's principal owns sessionID
// and that the connection's tenant matches the session's tenant.
func (g *Gate) AuthorizePublish(ctx context.Context, sessionID, tenantID, userID uuid.UUID) error {
	rec, err := g.dir.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session lookup: %w", err)
	}
	if rec == nil {
		return ErrSessionNotFound
	}
	if rec.TenantID != tenantID {
		g.deny(ctx, models.AuditTenantMismatch, sessionID, tenantID, userID,
			"publish from foreign tenant")
		return ErrTenantMismatch
	}
	if rec.CandidateID != userID {
		g.deny(ctx, models.AuditPublishDenied, sessionID, tenantID, userID,
			"publish by non-owner")
		return ErrNotSessionOwner
	}
	if rec.Status == models.SessionStatusSubmitted {
		return ErrSessionClosed
	}
	return nil
}

// AuthorizeWatch confirms the principal has an observer role and belongs to
// the same tenant as the session.
func (g *Gate) AuthorizeWatch(ctx context.Context, sessionID, tenantID uuid.UUID, userID uuid.UUID, role string) error {
	if role != auth.RoleAdmin && role != auth.RoleProctor {
		g.deny(ctx, models.AuditWatchDenied, sessionID, tenantID, userID,
			"watch with role "+role)
		return ErrRoleDenied
	}
	rec, err := g.dir.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session lookup: %w", err)
	}
	if rec == nil {
		return ErrSessionNotFound
	}
	if rec.TenantID != tenantID {
		g.deny(ctx, models.AuditTenantMismatch, sessionID, tenantID, userID,
			"watch from foreign tenant")
		return ErrTenantMismatch
	}
	if rec.Status == models.SessionStatusSubmitted {
		return ErrSessionClosed
	}
	return nil
}

// deny logs and records a denial. Tenant mismatches are potential probes of
// the session-id space, so they are warned, not debugged.
func (g *Gate) deny(ctx context.Context, kind string, sessionID, tenantID, userID uuid.UUID, detail string) {
	g.logger.Warn("admission denied",
		zap.String("kind", kind),
		zap.String("session_id", sessionID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.String("user_id", userID.String()),
		zap.String("detail", detail))
	if g.audit != nil {
		g.audit.Record(ctx, models.AuditEvent{
			Kind:       kind,
			SessionID:  sessionID,
			TenantID:   tenantID,
			UserID:     userID,
			Detail:     detail,
			OccurredAt: time.Now(),
		})
	}
}
