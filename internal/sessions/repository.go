// Package sessions is the exam-session lifecycle collaborator: the exam
// application creates a proctor session before the candidate starts
// streaming, and marks it submitted when the attempt ends. The relay's
// admission gate reads these records as the authoritative source of tenant
// and ownership.
package sessions

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vigil-proctor/backend/internal/models"
)

// Repository handles proctor_sessions persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a proctor sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `id, tenant_id, candidate_id, status, peak_watchers, started_at, ended_at, created_at, updated_at`

// Create creates a new proctor session for a candidate's exam attempt.
func (r *Repository) Create(ctx context.Context, tenantID, candidateID uuid.UUID) (*models.ProctorSession, error) {
	const q = `INSERT INTO proctor_sessions (id, tenant_id, candidate_id, status, peak_watchers, started_at)
		VALUES (gen_random_uuid(), $1, $2, 'active', 0, NOW())
		RETURNING ` + sessionColumns
	var s models.ProctorSession
	err := r.pool.QueryRow(ctx, q, tenantID, candidateID).Scan(
		&s.ID, &s.TenantID, &s.CandidateID, &s.Status, &s.PeakWatchers,
		&s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetByID returns a session by id, or nil if none exists.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.ProctorSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM proctor_sessions WHERE id = $1`
	var s models.ProctorSession
	err := r.pool.QueryRow(ctx, q, id).Scan(
		&s.ID, &s.TenantID, &s.CandidateID, &s.Status, &s.PeakWatchers,
		&s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// GetSession implements the relay's SessionDirectory.
func (r *Repository) GetSession(ctx context.Context, id uuid.UUID) (*models.ProctorSession, error) {
	return r.GetByID(ctx, id)
}

// MarkSubmitted closes the session (exam submitted).
func (r *Repository) MarkSubmitted(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE proctor_sessions SET status = 'submitted', ended_at = NOW(), updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id)
	return err
}

// UpdatePeakWatchers raises peak_watchers when the current count exceeds it.
func (r *Repository) UpdatePeakWatchers(ctx context.Context, id uuid.UUID, count int) error {
	const q = `UPDATE proctor_sessions SET peak_watchers = $1, updated_at = NOW() WHERE id = $2 AND $1 > peak_watchers`
	_, err := r.pool.Exec(ctx, q, count, id)
	return err
}

// ListActiveByTenant returns the tenant's in-progress sessions (for the
// proctoring dashboard's session picker).
func (r *Repository) ListActiveByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.ProctorSession, error) {
	const q = `SELECT ` + sessionColumns + ` FROM proctor_sessions
		WHERE tenant_id = $1 AND status = 'active' ORDER BY started_at DESC`
	rows, err := r.pool.Query(ctx, q, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ProctorSession
	for rows.Next() {
		var s models.ProctorSession
		if err := rows.Scan(
			&s.ID, &s.TenantID, &s.CandidateID, &s.Status, &s.PeakWatchers,
			&s.StartedAt, &s.EndedAt, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
