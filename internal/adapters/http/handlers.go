package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceclient/internal/adapters/ws"
	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

type handlers struct {
	intents   Intents
	endpoints Endpoints
	hub       *Hub
}

type startCallRequest struct {
	Peer struct {
		ID          domain.UserID `json:"id"`
		Username    string        `json:"username"`
		DisplayName string        `json:"display_name"`
		AvatarURL   string        `json:"avatar_url"`
	} `json:"peer"`
	Audio *bool `json:"audio"`
	Video bool  `json:"video"`
}

type acceptRequest struct {
	Video bool `json:"video"`
}

type joinVoiceRequest struct {
	ServerID  domain.ServerID  `json:"server_id" binding:"required"`
	ChannelID domain.ChannelID `json:"channel_id" binding:"required"`
	Force     bool             `json:"force"`
}

type confirmRequest struct {
	ID string `json:"id"`
}

type deviceRequest struct {
	Kind     core.MediaKind `json:"kind" binding:"required,oneof=audio video"`
	DeviceID string         `json:"device_id" binding:"required"`
}

// statusOf maps intent errors to HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, core.ErrTransferPending):
		return http.StatusAccepted
	case errors.Is(err, core.ErrNoSession), errors.Is(err, core.ErrNoTransfer), errors.Is(err, ws.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, core.ErrInvalidPhase), errors.Is(err, core.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, core.ErrNotConnected), errors.Is(err, core.ErrBackpressure):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, core.ErrProduceTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// respond writes the outcome of an intent. A pending transfer is not an
// error for the UI: it gets the transfer to confirm.
func (h *handlers) respond(c *gin.Context, err error) {
	if err == nil {
		c.JSON(http.StatusOK, h.intents.Snapshot())
		return
	}
	code := statusOf(err)
	if code == http.StatusAccepted {
		if pt, ok := h.intents.PendingTransfer(); ok {
			c.JSON(code, gin.H{"transfer": pt})
			return
		}
	}
	if code == http.StatusInternalServerError {
		log.Error().Str("module", "adapters.http").Str("request_id", c.GetString("request_id")).Err(err).Msg("intent failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *handlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.intents.Snapshot())
}

func (h *handlers) endpointStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.endpoints.Snapshot())
}

func (h *handlers) focus(c *gin.Context) {
	if err := h.intents.Focus(domain.ServerID(c.Param("id"))); err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.endpoints.Snapshot())
}

func (h *handlers) startCall(c *gin.Context) {
	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	peer, err := domain.NewPeer(req.Peer.ID, req.Peer.Username, req.Peer.DisplayName, req.Peer.AvatarURL)
	if err != nil {
		badRequest(c, err)
		return
	}
	intent := core.MediaIntent{Audio: req.Audio == nil || *req.Audio, Video: req.Video}
	h.respond(c, h.intents.StartCall(c.Request.Context(), *peer, intent))
}

func (h *handlers) acceptCall(c *gin.Context) {
	var req acceptRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	h.respond(c, h.intents.AcceptCall(c.Request.Context(), req.Video))
}

func (h *handlers) rejectCall(c *gin.Context) {
	h.respond(c, h.intents.RejectCall(c.Request.Context()))
}

func (h *handlers) endCall(c *gin.Context) {
	h.respond(c, h.intents.EndCall(c.Request.Context()))
}

func (h *handlers) joinVoice(c *gin.Context) {
	var req joinVoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.respond(c, h.intents.JoinVoice(c.Request.Context(), req.ServerID, req.ChannelID, req.Force))
}

func (h *handlers) leaveVoice(c *gin.Context) {
	h.respond(c, h.intents.LeaveVoice(c.Request.Context()))
}

func (h *handlers) pendingTransfer(c *gin.Context) {
	pt, ok := h.intents.PendingTransfer()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": core.ErrNoTransfer.Error()})
		return
	}
	c.JSON(http.StatusOK, pt)
}

func (h *handlers) confirmTransfer(c *gin.Context) {
	var req confirmRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	h.respond(c, h.intents.ConfirmTransfer(c.Request.Context(), req.ID))
}

func (h *handlers) cancelTransfer(c *gin.Context) {
	h.respond(c, h.intents.CancelTransfer())
}

func (h *handlers) toggle(fn func(context.Context) (bool, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		on, err := fn(c.Request.Context())
		if err != nil {
			h.respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": on})
	}
}

func (h *handlers) switchDevice(c *gin.Context) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	h.respond(c, h.intents.SwitchDevice(c.Request.Context(), req.Kind, req.DeviceID))
}

func (h *handlers) devices(c *gin.Context) {
	devices := h.intents.Devices()
	if devices == nil {
		devices = []core.DeviceInfo{}
	}
	c.JSON(http.StatusOK, devices)
}
