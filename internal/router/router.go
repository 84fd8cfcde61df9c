package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-examsync/internal/config"
	"github.com/stemsi/exstem-examsync/internal/handler"
	"github.com/stemsi/exstem-examsync/internal/middleware"
	"github.com/stemsi/exstem-examsync/internal/response"
	"github.com/stemsi/exstem-examsync/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	StudentPortal *handler.StudentPortalHandler
	Session       *handler.SessionHandler
	Monitor       *handler.MonitorHandler
	WS            *handler.WSHandler
	System        *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// ctx bounds background middleware goroutines.
func SetupRouter(
	ctx context.Context,
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Attempt payloads grow with answers and highlights.
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Student Group (JWT, Rate Limited) ──────────────────────────
	// Each student writes through the REST path in bursts while the outbox drains.
	studentLimiter := middleware.NewRateLimiter(ctx, 300, time.Minute)

	studentAPI := router.Group("/api/v1")
	studentAPI.Use(
		studentLimiter.Middleware(),
		middleware.RequireStudentJWT(authService),
	)
	{
		studentAPI.GET("/sessions/:id", handlers.StudentPortal.GetSession)
		studentAPI.POST("/sessions/:id/join", handlers.StudentPortal.JoinSession)

		studentAPI.GET("/attempts/:id", handlers.StudentPortal.GetAttempt)
		studentAPI.PUT("/attempts/:id/answers/:qid", handlers.StudentPortal.SaveAnswer)
		studentAPI.POST("/attempts/:id/highlights", handlers.StudentPortal.RecordHighlight)
		studentAPI.POST("/attempts/:id/violations", handlers.StudentPortal.RecordViolation)
		studentAPI.PUT("/attempts/:id/progress", handlers.StudentPortal.UpdateProgress)
		studentAPI.POST("/attempts/:id/submit", handlers.StudentPortal.SubmitAttempt)
	}

	// ─── 2. WebSocket Group ────────────────────────────────────────────
	// Authentication happens after the upgrade so failures surface as close codes.
	ws := router.Group("/ws/v1")
	{
		ws.GET("/sessions/:id", handlers.WS.SessionStream)
	}

	// ─── 3. Supervisor Group (JWT) ─────────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireSupervisorJWT(authService))
	{
		adminAPI.POST("/sessions", handlers.Session.Create)
		adminAPI.GET("/sessions/:id", handlers.Session.Get)
		adminAPI.POST("/sessions/:id/transition", handlers.Session.Transition)
		adminAPI.GET("/sessions/:id/roster", handlers.Session.Roster)
		adminAPI.GET("/sessions/:id/monitor", handlers.Monitor.MonitorSessionSSE)

		// System Monitoring
		adminAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
