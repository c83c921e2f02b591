package sessions

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vigil-proctor/backend/internal/middleware"
	"github.com/vigil-proctor/backend/pkg/response"
)

// Relay is the part of the relay engine the session lifecycle needs.
type Relay interface {
	TeardownSession(sessionID uuid.UUID)
	WatcherCount(sessionID uuid.UUID) int
}

// Handler exposes the exam-session lifecycle REST surface.
type Handler struct {
	repo   *Repository
	relay  Relay
	logger *zap.Logger
}

// NewHandler creates a session lifecycle handler.
func NewHandler(repo *Repository, relay Relay, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, relay: relay, logger: logger}
}

type createRequest struct {
	CandidateID uuid.UUID `json:"candidate_id" binding:"required"`
}

// Create registers a new proctor session for a candidate. Tenant comes from
// the caller's token, never from the request body.
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "candidate_id required")
		return
	}
	tenantID := tenantFromContext(c)
	if tenantID == uuid.Nil {
		response.Unauthorized(c, "missing tenant context")
		return
	}
	session, err := h.repo.Create(c.Request.Context(), tenantID, req.CandidateID)
	if err != nil {
		h.logger.Error("create session", zap.Error(err))
		response.BadRequest(c, "could not create session")
		return
	}
	response.Created(c, session)
}

// GetByID returns one session, tenant-scoped.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	session, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get session", zap.Error(err))
		response.BadRequest(c, "could not load session")
		return
	}
	if session == nil || session.TenantID != tenantFromContext(c) {
		response.NotFound(c, "session not found")
		return
	}
	response.OK(c, session)
}

// ListActive returns the tenant's in-progress sessions.
func (h *Handler) ListActive(c *gin.Context) {
	tenantID := tenantFromContext(c)
	if tenantID == uuid.Nil {
		response.Unauthorized(c, "missing tenant context")
		return
	}
	list, err := h.repo.ListActiveByTenant(c.Request.Context(), tenantID)
	if err != nil {
		h.logger.Error("list sessions", zap.Error(err))
		response.BadRequest(c, "could not list sessions")
		return
	}
	response.OK(c, list)
}

// Submit marks the exam attempt as submitted and tears the live stream
// down: the candidate's connection is closed and any watching proctors get
// stream-ended.
func (h *Handler) Submit(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	session, err := h.repo.GetByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("get session", zap.Error(err))
		response.BadRequest(c, "could not load session")
		return
	}
	if session == nil || session.TenantID != tenantFromContext(c) {
		response.NotFound(c, "session not found")
		return
	}
	if err := h.repo.MarkSubmitted(c.Request.Context(), id); err != nil {
		h.logger.Error("mark submitted", zap.Error(err))
		response.BadRequest(c, "could not submit session")
		return
	}
	h.relay.TeardownSession(id)
	response.OK(c, gin.H{"status": "submitted"})
}

// Watchers returns the live watcher count for a session.
func (h *Handler) Watchers(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	response.OK(c, gin.H{"watcher_count": h.relay.WatcherCount(id)})
}

func tenantFromContext(c *gin.Context) uuid.UUID {
	v, ok := c.Get(middleware.ContextTenantID)
	if !ok {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}
