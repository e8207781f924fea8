package http

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"callcore/internal/core/domain"
	"callcore/internal/core/ports"
	"callcore/pkg/errors"
	"callcore/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// CallHandler exposes the call facade to a UI layer.
type CallHandler struct {
	calls  ports.CallService
	logger *zap.SugaredLogger
}

func NewCallHandler(calls ports.CallService, logger *zap.SugaredLogger) *CallHandler {
	return &CallHandler{
		calls:  calls,
		logger: logger,
	}
}

func (h *CallHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/state", h.GetState)
		api.POST("/connect", h.Connect)
		api.POST("/disconnect", h.Disconnect)

		api.POST("/call/start", h.StartCall)
		api.POST("/call/end", h.EndCall)

		api.POST("/streams/:id/subscribe", h.Subscribe)
		api.DELETE("/subscribers/:id", h.Unsubscribe)

		api.POST("/signal", h.Signal)

		api.PUT("/local/audio", h.toggleLocal(h.calls.ToggleLocalAudio))
		api.PUT("/local/video", h.toggleLocal(h.calls.ToggleLocalVideo))
		api.PUT("/subscribers/:id/audio", h.toggleRemote(h.calls.ToggleRemoteAudio))
		api.PUT("/subscribers/:id/video", h.toggleRemote(h.calls.ToggleRemoteVideo))

		api.POST("/connections/:id/force-disconnect", h.ForceDisconnect)
		api.POST("/streams/:id/force-unpublish", h.ForceUnpublish)
	}
}

type StartCallRequest struct {
	Properties domain.Properties `json:"properties"`
}

type SignalRequest struct {
	Type string              `json:"type"`
	Data json.RawMessage     `json:"data"`
	To   domain.ConnectionID `json:"to"`
}

type ToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *CallHandler) GetState(c *gin.Context) {
	c.JSON(http.StatusOK, h.calls.State())
}

func (h *CallHandler) Connect(c *gin.Context) {
	result, err := h.calls.Connect(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *CallHandler) Disconnect(c *gin.Context) {
	if err := h.calls.Disconnect(c.Request.Context()); err != nil {
		// state is already reset; report the engine failure anyway
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		if err := c.ShouldBindJSON(&req); err != nil && !stderrors.Is(err, io.EOF) {
			c.Error(errors.NewInvalidParametersError("invalid request format"))
			return
		}
	}

	result, err := h.calls.StartCall(c.Request.Context(), req.Properties)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *CallHandler) EndCall(c *gin.Context) {
	if err := h.calls.EndCall(c.Request.Context()); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) Subscribe(c *gin.Context) {
	streamID := c.Param("id")
	if err := validation.ValidateStreamID(streamID); err != nil {
		c.Error(errors.NewInvalidParametersError(err.Error()))
		return
	}

	subscriber, err := h.calls.SubscribeByID(c.Request.Context(), domain.StreamID(streamID))
	if err != nil {
		c.Error(err)
		return
	}
	if subscriber == nil {
		// another subscription to the stream is still in flight
		c.JSON(http.StatusAccepted, gin.H{"stream_id": streamID, "status": "pending"})
		return
	}
	c.JSON(http.StatusCreated, subscriber)
}

func (h *CallHandler) Unsubscribe(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateID(id, "subscriber ID"); err != nil {
		c.Error(errors.NewInvalidParametersError(err.Error()))
		return
	}

	if err := h.calls.UnsubscribeByID(c.Request.Context(), domain.SubscriberID(id)); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) Signal(c *gin.Context) {
	var req SignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidParametersError("invalid request format"))
		return
	}
	if req.To != "" {
		if err := validation.ValidateConnectionID(string(req.To)); err != nil {
			c.Error(errors.NewInvalidParametersError(err.Error()))
			return
		}
	}

	var data interface{}
	if len(req.Data) > 0 {
		data = req.Data
	}
	if err := h.calls.Signal(c.Request.Context(), req.Type, data, req.To); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *CallHandler) toggleLocal(toggle func(enable bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ToggleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidParametersError("enabled is required"))
			return
		}
		toggle(*req.Enabled)
		c.Status(http.StatusNoContent)
	}
}

func (h *CallHandler) toggleRemote(toggle func(id domain.SubscriberID, enable bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ToggleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.Error(errors.NewInvalidParametersError("enabled is required"))
			return
		}
		toggle(domain.SubscriberID(c.Param("id")), *req.Enabled)
		c.Status(http.StatusNoContent)
	}
}

func (h *CallHandler) ForceDisconnect(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateConnectionID(id); err != nil {
		c.Error(errors.NewInvalidParametersError(err.Error()))
		return
	}

	if err := h.calls.ForceDisconnect(c.Request.Context(), domain.ConnectionID(id)); err != nil {
		c.Error(err)
		return
	}
	h.logger.Infow("connection force disconnected", "connection_id", id)
	c.Status(http.StatusNoContent)
}

func (h *CallHandler) ForceUnpublish(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateStreamID(id); err != nil {
		c.Error(errors.NewInvalidParametersError(err.Error()))
		return
	}

	if err := h.calls.ForceUnpublish(c.Request.Context(), domain.StreamID(id)); err != nil {
		c.Error(err)
		return
	}
	h.logger.Infow("stream force unpublished", "stream_id", id)
	c.Status(http.StatusNoContent)
}
