package api

import (
	"log/slog"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"parking-sync-backend/internal/service"
)

// Handler holds shared dependencies for API handlers.
type Handler struct {
	svc          *service.Service
	db           *gorm.DB
	webpush      *webpush.Options
	heartbeat    time.Duration
	maxBodyBytes int64
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc *service.Service, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Handler{
		svc:          svc,
		db:           opts.DB,
		webpush:      opts.WebPush,
		heartbeat:    heartbeat,
		maxBodyBytes: maxBody,
		upgrader:     newUpgrader(opts.AllowedOrigins),
		logger:       logger.With("component", "api"),
	}
}
