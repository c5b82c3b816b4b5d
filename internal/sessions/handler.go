package sessions

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-broadcast/backend/internal/auth"
	"github.com/aura-broadcast/backend/internal/middleware"
	"github.com/aura-broadcast/backend/internal/models"
	"github.com/aura-broadcast/backend/pkg/response"
)

// OpenRequest is the body for POST /sessions. SubjectID defaults to the token subject.
type OpenRequest struct {
	SubjectID  string         `json:"subjectId"`
	ContentRef string         `json:"contentRef" binding:"required"`
	DeviceInfo map[string]any `json:"deviceInfo"`
}

// OpenResponse is the body returned by POST /sessions.
type OpenResponse struct {
	SessionID     uuid.UUID `json:"sessionId"`
	OffsetSeconds float64   `json:"offsetSeconds"`
}

// SyncRequest is the body for PUT /sessions/:id/sync.
type SyncRequest struct {
	OffsetSeconds *float64 `json:"offsetSeconds" binding:"required"`
}

// PeerView is what a viewer sees of the other sessions on its content: enough
// to find the group position, nothing that identifies the viewer behind it.
type PeerView struct {
	ID                   uuid.UUID `json:"id"`
	ContentRef           string    `json:"contentRef"`
	CurrentOffsetSeconds float64   `json:"currentOffsetSeconds"`
	LastSyncAt           time.Time `json:"lastSyncAt"`
}

// Handler handles viewer session HTTP endpoints.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler creates a sessions handler.
func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, logger: logger}
}

// Open handles POST /sessions.
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	subject := middleware.SubjectID(c)
	if req.SubjectID == "" {
		req.SubjectID = subject
	} else if req.SubjectID != subject && !isOperator(c) {
		response.Forbidden(c, "cannot open a session for another subject")
		return
	}
	s, err := h.manager.Open(c.Request.Context(), req.SubjectID, req.ContentRef, req.DeviceInfo)
	if err != nil {
		h.fail(c, err, "open session")
		return
	}
	response.Created(c, OpenResponse{SessionID: s.ID, OffsetSeconds: s.CurrentOffsetSeconds})
}

// Sync handles PUT /sessions/:id/sync.
func (h *Handler) Sync(c *gin.Context) {
	id, ok := h.ownedSession(c)
	if !ok {
		return
	}
	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.manager.ReportOffset(c.Request.Context(), id, *req.OffsetSeconds)
	if err != nil {
		h.fail(c, err, "report offset")
		return
	}
	response.OK(c, res)
}

// End handles PUT /sessions/:id/end.
func (h *Handler) End(c *gin.Context) {
	id, ok := h.ownedSession(c)
	if !ok {
		return
	}
	if _, err := h.manager.Close(c.Request.Context(), id); err != nil {
		h.fail(c, err, "close session")
		return
	}
	response.OK(c, gin.H{"ended": true})
}

// Active handles GET /sessions/active?contentRef=. Listing across every
// contentRef and seeing full session records are reserved for operators.
func (h *Handler) Active(c *gin.Context) {
	ref := c.Query("contentRef")
	if ref == "" && !isOperator(c) {
		response.Forbidden(c, "contentRef is required")
		return
	}
	list, err := h.manager.ListActive(c.Request.Context(), ref)
	if err != nil {
		h.fail(c, err, "list active sessions")
		return
	}
	if isOperator(c) {
		if list == nil {
			list = []models.ViewerSession{}
		}
		response.OK(c, list)
		return
	}
	peers := make([]PeerView, 0, len(list))
	for _, s := range list {
		peers = append(peers, PeerView{
			ID:                   s.ID,
			ContentRef:           s.ContentRef,
			CurrentOffsetSeconds: s.CurrentOffsetSeconds,
			LastSyncAt:           s.LastSyncAt,
		})
	}
	response.OK(c, peers)
}

// History handles GET /sessions/history?limit=.
func (h *Handler) History(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	list, err := h.manager.History(c.Request.Context(), middleware.SubjectID(c), limit)
	if err != nil {
		h.fail(c, err, "list session history")
		return
	}
	if list == nil {
		list = []models.ViewerSession{}
	}
	response.OK(c, list)
}

// ownedSession parses :id and checks the caller owns it. It writes the error
// response itself and returns false when the request must stop.
func (h *Handler) ownedSession(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	s, err := h.manager.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err, "get session")
		return uuid.Nil, false
	}
	if s.SubjectID != middleware.SubjectID(c) && !isOperator(c) {
		response.Forbidden(c, "session belongs to another subject")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		response.SessionNotFound(c)
	case errors.Is(err, ErrInvalidOffset), errors.Is(err, ErrInvalidRequest):
		response.BadRequest(c, err.Error())
	default:
		h.logger.Error(op, zap.Error(err))
		response.Fail(c, http.StatusInternalServerError, response.CodeInternal, "failed to "+op)
	}
}

func isOperator(c *gin.Context) bool {
	return middleware.Role(c) == auth.RoleOperator
}
