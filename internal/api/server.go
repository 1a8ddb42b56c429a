// Package api exposes the HTTP interface: account management, asset
// submission and scan reports.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/auth"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/core"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/pipeline"
)

const requestTimeout = 10 * time.Second

type Dependencies struct {
	Store     core.Store
	Queue     core.TaskQueue
	Auth      *auth.Service
	Submitter *pipeline.Submitter
	Security  config.SecurityConfig
	Logger    *logger.Logger

	// StreamInterval is how often the websocket stream polls scan status.
	StreamInterval time.Duration
}

type handler struct {
	store          core.Store
	queue          core.TaskQueue
	auth           *auth.Service
	submitter      *pipeline.Submitter
	upgrader       *websocket.Upgrader
	streamInterval time.Duration
}

// NewRouter builds the gin engine with every route and middleware wired.
func NewRouter(deps Dependencies) *gin.Engine {
	log := deps.Logger.WithComponent("api")
	if deps.StreamInterval <= 0 {
		deps.StreamInterval = 2 * time.Second
	}

	h := &handler{
		store:          deps.Store,
		queue:          deps.Queue,
		auth:           deps.Auth,
		submitter:      deps.Submitter,
		upgrader:       newUpgrader(deps.Security.AllowedOrigins),
		streamInterval: deps.StreamInterval,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggingMiddleware(log))
	if len(deps.Security.AllowedOrigins) > 0 {
		router.Use(CORSMiddleware(deps.Security.AllowedOrigins))
	}

	// Unthrottled copy of /api/health for load balancers.
	router.GET("/health", h.health)

	apiGroup := router.Group("/api")
	apiGroup.Use(RateLimitMiddleware(deps.Security.RateLimit))
	{
		apiGroup.GET("/health", h.health)
		apiGroup.POST("/register", h.register)
		apiGroup.POST("/login", h.login)
		apiGroup.GET("/logout", h.logout)
		apiGroup.POST("/logout", h.logout)

		authed := apiGroup.Group("")
		authed.Use(AuthMiddleware(deps.Auth, false))
		{
			authed.POST("/assets", h.submitAsset)
			authed.GET("/assets", h.listAssets)
			authed.POST("/assets/:id/scans", h.rescan)
			authed.GET("/scans/:id", h.getScan)
		}

		apiGroup.GET("/scans/:id/ws", AuthMiddleware(deps.Auth, true), h.streamScan)
	}

	return router
}

func (h *handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	healthy := true
	checks := gin.H{}

	if err := h.store.Ping(ctx); err != nil {
		healthy = false
		checks["database"] = gin.H{"status": "unhealthy", "error": err.Error()}
	} else {
		checks["database"] = gin.H{"status": "healthy"}
	}

	if h.queue != nil {
		pending, err := h.queue.Pending(ctx)
		if err == nil {
			err = h.queue.Ping(ctx)
		}
		if err != nil {
			healthy = false
			checks["queue"] = gin.H{"status": "unhealthy", "error": err.Error()}
		} else {
			checks["queue"] = gin.H{"status": "healthy", "pending": len(pending)}
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"healthy":   healthy,
		"checks":    checks,
		"timestamp": time.Now().Unix(),
		"version":   logger.Version,
	})
}
