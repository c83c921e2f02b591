// Package audit persists security-relevant relay events (cross-tenant
// probes, admission denials, publisher swaps) for later review.
package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vigil-proctor/backend/internal/models"
)

// Repository handles audit_events persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an audit events repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores one audit event.
func (r *Repository) Insert(ctx context.Context, ev models.AuditEvent) error {
	const q = `INSERT INTO audit_events (id, kind, session_id, tenant_id, user_id, detail, occurred_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, q, ev.Kind, ev.SessionID, ev.TenantID, ev.UserID, ev.Detail, ev.OccurredAt)
	return err
}

// ListBySession returns a session's audit trail, newest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id, kind, session_id, tenant_id, user_id, detail, occurred_at, created_at
		FROM audit_events WHERE session_id = $1 ORDER BY occurred_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.SessionID, &ev.TenantID, &ev.UserID, &ev.Detail, &ev.OccurredAt, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
