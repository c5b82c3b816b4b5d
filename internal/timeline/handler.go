package timeline

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-broadcast/backend/pkg/response"
)

// URLSigner turns a catalog object key into a playback URL.
type URLSigner interface {
	PlaybackURL(ctx context.Context, key string) (string, error)
}

// NowResponse is the body of GET /timeline/now.
type NowResponse struct {
	ContentRef    string `json:"contentRef"`
	Title         string `json:"title,omitempty"`
	Index         int    `json:"index"`
	OffsetSeconds int64  `json:"offsetSeconds"`
	CycleDuration int64  `json:"cycleDuration"`
	DurationSecs  int64  `json:"durationSeconds"`
	PlaybackURL   string `json:"playbackUrl,omitempty"`
	ServerTime    int64  `json:"serverTime"` // unix millis the position was computed for
}

// Handler handles timeline HTTP endpoints.
type Handler struct {
	scheduler *Scheduler
	signer    URLSigner
	logger    *zap.Logger
}

// NewHandler creates a timeline handler. signer may be nil.
func NewHandler(scheduler *Scheduler, signer URLSigner, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{scheduler: scheduler, signer: signer, logger: logger}
}

// Now handles GET /timeline/now. Off air answers 204.
func (h *Handler) Now(c *gin.Context) {
	ctx := c.Request.Context()
	pos, ok, err := h.scheduler.Now(ctx)
	if err != nil {
		h.logger.Error("resolve timeline", zap.Error(err))
		response.ServiceUnavailable(c, "catalog unavailable")
		return
	}
	if !ok {
		response.NoContent(c)
		return
	}
	body := NowResponse{
		ContentRef:    pos.Entry.ID,
		Title:         pos.Entry.Title,
		Index:         pos.Index,
		OffsetSeconds: pos.OffsetSeconds,
		CycleDuration: pos.CycleDuration,
		DurationSecs:  pos.Entry.DurationSeconds,
		ServerTime:    h.scheduler.clock.Now().UnixMilli(),
	}
	if h.signer != nil && pos.Entry.ObjectKey != "" {
		url, err := h.signer.PlaybackURL(ctx, pos.Entry.ObjectKey)
		if err != nil {
			h.logger.Warn("playback url", zap.Error(err), zap.String("content_ref", pos.Entry.ID))
		} else {
			body.PlaybackURL = url
		}
	}
	response.OK(c, body)
}

// Schedule handles GET /timeline/schedule?limit=N.
func (h *Handler) Schedule(c *gin.Context) {
	limit := 10
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			response.BadRequest(c, "invalid limit")
			return
		}
		limit = n
	}
	sched, err := h.scheduler.Schedule(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("build schedule", zap.Error(err))
		response.ServiceUnavailable(c, "catalog unavailable")
		return
	}
	response.OK(c, sched)
}
