package api

import (
	"log/slog"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"parking-sync-backend/internal/mw"
	"parking-sync-backend/internal/service"
)

// Options configures the HTTP surface.
type Options struct {
	AllowedOrigins []string
	RateLimit      rate.Limit
	RateBurst      int
	MaxBodyBytes   int64
	Heartbeat      time.Duration
	Logger         *slog.Logger

	// DB and WebPush enable the spot alert endpoints when both are set.
	DB      *gorm.DB
	WebPush *webpush.Options
}

// NewRouter creates and configures a new Gin router. Every route is served
// both at the root and under /api.
func NewRouter(svc *service.Service, opts Options) *gin.Engine {
	r := gin.Default()
	r.HandleMethodNotAllowed = true

	handler := NewHandler(svc, opts)

	// Rate limit: 10 requests per second with a burst of 20 unless configured
	if opts.RateLimit <= 0 {
		opts.RateLimit = rate.Limit(10)
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}

	r.Use(mw.CORS(opts.AllowedOrigins))
	r.Use(mw.RateLimiter(opts.RateLimit, opts.RateBurst))
	r.NoRoute(notFound)
	r.NoMethod(methodNotAllowed)

	pushEnabled := opts.DB != nil && opts.WebPush != nil
	for _, prefix := range []string{"/", "/api"} {
		registerRoutes(r.Group(prefix), handler, pushEnabled)
	}
	return r
}

func registerRoutes(g *gin.RouterGroup, handler *Handler, pushEnabled bool) {
	g.GET("/state", handler.GetState)
	g.PUT("/state", handler.PutState)

	g.POST("/lock", handler.AcquireLock)
	g.DELETE("/lock/:id", handler.ReleaseLock)

	g.GET("/events", handler.Events)
	g.GET("/ws", handler.WebSocket)
	g.GET("/health", handler.Health)

	if pushEnabled {
		g.GET("/subscriptions", handler.GetSubscription)
		g.PUT("/subscriptions", handler.PutSubscription)
		g.DELETE("/subscriptions", handler.DeleteSubscription)
		g.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}
}
