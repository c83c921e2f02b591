package audit

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigil-proctor/backend/internal/middleware"
	"github.com/vigil-proctor/backend/internal/models"
	"github.com/vigil-proctor/backend/pkg/response"
)

// SessionGetter resolves a session record for tenant scoping.
type SessionGetter interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.ProctorSession, error)
}

// Handler exposes a session's audit trail to admins.
type Handler struct {
	repo   *Repository
	dir    SessionGetter
	logger *zap.Logger
}

// NewHandler creates an audit trail handler.
func NewHandler(repo *Repository, dir SessionGetter, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, dir: dir, logger: logger}
}

// ListBySession returns the session's audit events, newest first.
func (h *Handler) ListBySession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	session, err := h.dir.GetSession(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get session", zap.Error(err))
		response.BadRequest(c, "could not load session")
		return
	}
	tenantVal, _ := c.Get(middleware.ContextTenantID)
	tenantID, _ := tenantVal.(uuid.UUID)
	if session == nil || session.TenantID != tenantID {
		response.NotFound(c, "session not found")
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.repo.ListBySession(c.Request.Context(), id, limit)
	if err != nil {
		h.logger.Error("list audit events", zap.Error(err))
		response.BadRequest(c, "could not list audit events")
		return
	}
	response.OK(c, events)
}
