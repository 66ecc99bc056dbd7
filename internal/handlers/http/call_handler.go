package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"paircall/internal/core/domain"
	"paircall/internal/core/services"
	apperrors "paircall/pkg/errors"
)

// CallHandler exposes the call manager over HTTP for local control: a CLI, a
// desktop shell or a test harness drives calls through these endpoints.
type CallHandler struct {
	manager *services.Manager
	logger  *zap.SugaredLogger
}

func NewCallHandler(manager *services.Manager, logger *zap.SugaredLogger) *CallHandler {
	return &CallHandler{manager: manager, logger: logger}
}

// SetupRoutes registers the call control routes.
func (h *CallHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.GET("/status", h.Status)
		api.POST("/calls/:peer", h.StartCall)
		api.POST("/calls/:peer/accept", h.AcceptCall)
		api.POST("/calls/:peer/decline", h.DeclineCall)
		api.POST("/calls/:peer/end", h.EndCall)
		api.PUT("/calls/:peer/tracks/:kind", h.SetTrackEnabled)
	}
}

func (h *CallHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.manager.Status()})
}

func (h *CallHandler) StartCall(c *gin.Context) {
	peer := domain.ParticipantID(c.Param("peer"))

	session, err := h.manager.StartOutgoing(c.Request.Context(), peer)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"room_id": string(session.RoomID()),
		"state":   session.State().String(),
		"status":  session.Status(),
	})
}

func (h *CallHandler) AcceptCall(c *gin.Context) {
	peer := domain.ParticipantID(c.Param("peer"))

	session, err := h.manager.Accept(c.Request.Context(), peer)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id": string(session.RoomID()),
		"state":   session.State().String(),
		"status":  session.Status(),
	})
}

func (h *CallHandler) DeclineCall(c *gin.Context) {
	peer := domain.ParticipantID(c.Param("peer"))

	if err := h.manager.Decline(peer); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "declined"})
}

func (h *CallHandler) EndCall(c *gin.Context) {
	peer := domain.ParticipantID(c.Param("peer"))

	if err := h.manager.End(c.Request.Context(), peer); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

type trackRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *CallHandler) SetTrackEnabled(c *gin.Context) {
	peer := domain.ParticipantID(c.Param("peer"))

	var kind domain.TrackKind
	switch c.Param("kind") {
	case "audio":
		kind = domain.TrackAudio
	case "video":
		kind = domain.TrackVideo
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "track kind must be audio or video"})
		return
	}

	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.SetTrackEnabled(peer, kind, *req.Enabled); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"kind": kind.String(), "enabled": *req.Enabled})
}

func (h *CallHandler) respondError(c *gin.Context, err error) {
	appErr := apperrors.FromDomain(err)
	h.logger.Warnw("call request failed",
		"path", c.FullPath(),
		"code", string(appErr.Code),
		"error", err,
	)
	c.JSON(httpStatusOf(appErr.Code), gin.H{
		"code":  string(appErr.Code),
		"error": appErr.Message,
	})
}

func httpStatusOf(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeInvalidState:
		return http.StatusConflict
	case apperrors.ErrCodeDeviceError:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeChannelWrite, apperrors.ErrCodeNegotiation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
