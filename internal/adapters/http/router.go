package http

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiceclient/internal/adapters/ws"
	"github.com/dkeye/voiceclient/internal/app/orch"
	"github.com/dkeye/voiceclient/internal/config"
	"github.com/dkeye/voiceclient/internal/core"
	"github.com/dkeye/voiceclient/internal/domain"
)

// Intents is what the control API drives. *orch.Orchestrator implements it.
type Intents interface {
	Snapshot() orch.State
	PendingTransfer() (orch.PendingTransfer, bool)
	Focus(server domain.ServerID) error

	StartCall(ctx context.Context, peer domain.User, intent core.MediaIntent) error
	AcceptCall(ctx context.Context, upgradeVideo bool) error
	RejectCall(ctx context.Context) error
	EndCall(ctx context.Context) error

	JoinVoice(ctx context.Context, server domain.ServerID, channel domain.ChannelID, force bool) error
	LeaveVoice(ctx context.Context) error

	ConfirmTransfer(ctx context.Context, id string) error
	CancelTransfer() error

	ToggleMute(ctx context.Context) (bool, error)
	ToggleDeafen(ctx context.Context) (bool, error)
	ToggleVideo(ctx context.Context) (bool, error)
	ToggleScreenShare(ctx context.Context) (bool, error)
	SwitchDevice(ctx context.Context, kind core.MediaKind, deviceID string) error
	Devices() []core.DeviceInfo
}

// Endpoints reports connection status. *ws.Manager implements it.
type Endpoints interface {
	Snapshot() []ws.EndpointStatus
}

const requestIDHeader = "X-Request-ID"

// RequestIDMiddleware tags every request with an id, reusing the caller's.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func SetupRouter(cfg *config.Config, intents Intents, endpoints Endpoints, hub *Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())

	h := &handlers{intents: intents, endpoints: endpoints, hub: hub}

	api := r.Group("/api")
	api.GET("/state", h.state)
	api.GET("/endpoints", h.endpointStatus)
	api.POST("/servers/:id/focus", h.focus)
	api.GET("/events", h.events)

	calls := api.Group("/call")
	calls.POST("", h.startCall)
	calls.POST("/accept", h.acceptCall)
	calls.POST("/reject", h.rejectCall)
	calls.POST("/end", h.endCall)

	voice := api.Group("/voice")
	voice.POST("/join", h.joinVoice)
	voice.POST("/leave", h.leaveVoice)

	transfer := api.Group("/transfer")
	transfer.GET("", h.pendingTransfer)
	transfer.POST("/confirm", h.confirmTransfer)
	transfer.POST("/cancel", h.cancelTransfer)

	media := api.Group("/media")
	media.POST("/mute", h.toggle(intents.ToggleMute))
	media.POST("/deafen", h.toggle(intents.ToggleDeafen))
	media.POST("/video", h.toggle(intents.ToggleVideo))
	media.POST("/screen", h.toggle(intents.ToggleScreenShare))
	media.POST("/device", h.switchDevice)
	media.GET("/devices", h.devices)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
