// Package handlers exposes the bot lifecycle HTTP API and the internal bot
// callback endpoints.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vexly/botmanager/internal/common/httpmw"
	"github.com/vexly/botmanager/internal/common/logger"
	"github.com/vexly/botmanager/internal/meeting/dto"
	"github.com/vexly/botmanager/internal/meeting/service"
)

// Handlers holds the HTTP handlers for bot lifecycle operations.
type Handlers struct {
	svc    *service.Service
	logger *logger.Logger
}

// New creates the handlers.
func New(svc *service.Service, log *logger.Logger) *Handlers {
	return &Handlers{svc: svc, logger: log}
}

// RegisterRoutes registers the authenticated public API on public and the
// bot callback endpoints on internal.
func (h *Handlers) RegisterRoutes(public, internal *gin.RouterGroup) {
	public.POST("/bots", h.requestBot)
	public.GET("/bots/status", h.listRunningBots)
	public.DELETE("/bots/:platform/:native_meeting_id", h.stopBot)
	public.PUT("/bots/:platform/:native_meeting_id/config", h.updateBotConfig)

	internal.POST("/bots/internal/callback/joining", h.callbackJoining)
	internal.POST("/bots/internal/callback/awaiting_admission", h.callbackAwaitingAdmission)
	internal.POST("/bots/internal/callback/started", h.callbackStarted)
	internal.POST("/bots/internal/callback/exited", h.callbackExited)
}

// writeError maps domain errors to HTTP status codes.
func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrConflict), errors.Is(err, service.ErrWrongStatus):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrLimitExceeded):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrBusUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.WithError(err).Error("Request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *Handlers) requestBot(c *gin.Context) {
	user, ok := httpmw.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req dto.RequestBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	m, err := h.svc.RequestBot(c.Request.Context(), user, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handlers) stopBot(c *gin.Context) {
	user, ok := httpmw.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	err := h.svc.StopBot(c.Request.Context(), user, c.Param("platform"), c.Param("native_meeting_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"detail": "stop requested"})
}

func (h *Handlers) updateBotConfig(c *gin.Context) {
	user, ok := httpmw.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req dto.UpdateBotConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	err := h.svc.UpdateBotConfig(c.Request.Context(), user, c.Param("platform"), c.Param("native_meeting_id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"detail": "reconfigure requested"})
}

func (h *Handlers) listRunningBots(c *gin.Context) {
	user, ok := httpmw.UserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	bots, err := h.svc.ListRunningBots(c.Request.Context(), user)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list running bots")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.RunningBotsResponse{RunningBots: bots})
}

// Callback handlers return 200 with an "ignored" discriminator for stale or
// latched callbacks, keeping the bot's retry surface small.

func (h *Handlers) callbackJoining(c *gin.Context) {
	var cb dto.ProgressCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	result, err := h.svc.HandleJoining(c.Request.Context(), cb)
	h.writeCallbackResult(c, result, err)
}

func (h *Handlers) callbackAwaitingAdmission(c *gin.Context) {
	var cb dto.ProgressCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	result, err := h.svc.HandleAwaitingAdmission(c.Request.Context(), cb)
	h.writeCallbackResult(c, result, err)
}

func (h *Handlers) callbackStarted(c *gin.Context) {
	var cb dto.ProgressCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	result, err := h.svc.HandleStarted(c.Request.Context(), cb)
	h.writeCallbackResult(c, result, err)
}

func (h *Handlers) callbackExited(c *gin.Context) {
	var cb dto.ExitedCallback
	if err := c.ShouldBindJSON(&cb); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	result, err := h.svc.HandleExited(c.Request.Context(), cb)
	h.writeCallbackResult(c, result, err)
}

func (h *Handlers) writeCallbackResult(c *gin.Context, result string, err error) {
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		h.logger.WithError(err).Error("Callback failed", zap.String("path", c.FullPath()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, dto.CallbackResponse{Result: result})
}
