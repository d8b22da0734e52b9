package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/handler"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/telemetry"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt    *handler.AttemptHandler
	Instructor *handler.InstructorHandler
	Monitor    *handler.MonitorHandler
	WS         *handler.WSHandler
	System     *handler.SystemHandler
}

// Student polling runs every two seconds plus saves; the limit leaves room for
// bursts of debounced autosaves.
const (
	studentRate     = 300
	instructorRate  = 120
	rateLimitWindow = time.Minute
)

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID", "traceparent"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(telemetry.Middleware())
	router.Use(middleware.Compress())

	// Health check.
	router.GET("/health", handlers.System.Health)

	studentLimiter := middleware.NewRateLimiter(studentRate, rateLimitWindow)
	instructorLimiter := middleware.NewRateLimiter(instructorRate, rateLimitWindow)

	// ─── 1. Student Group (JWT) ────────────────────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		studentLimiter.Middleware(),
	)
	{
		studentAPI.POST("/sessions/:session_id/attempts", handlers.Attempt.StartAttempt)
		studentAPI.GET("/attempts/:attempt_id", handlers.Attempt.GetAttempt)
		studentAPI.GET("/attempts/:attempt_id/clock", handlers.Attempt.GetClock)
		studentAPI.PUT("/attempts/:attempt_id/answers/:question_id", handlers.Attempt.SaveAnswer)
		studentAPI.PUT("/attempts/:attempt_id/position", handlers.Attempt.UpdatePosition)
		studentAPI.PUT("/attempts/:attempt_id/camera", handlers.Attempt.SetCamera)
		studentAPI.POST("/attempts/:attempt_id/submit", handlers.Attempt.SubmitAttempt)
		studentAPI.GET("/attempts/:attempt_id/result", handlers.Attempt.GetResult)
	}

	// ─── 2. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/student/attempts/:attempt_id/stream", handlers.WS.AttemptStream)
	}

	// ─── 3. Instructor Group (JWT) ─────────────────────────────────────
	instructorAPI := router.Group("/api/v1/instructor")
	instructorAPI.Use(
		middleware.RequireInstructorJWT(authService),
		instructorLimiter.Middleware(),
	)
	{
		instructorAPI.PATCH("/sessions/:session_id/status", handlers.Instructor.UpdateSessionStatus)
		instructorAPI.GET("/sessions/:session_id/attempts", handlers.Instructor.ListAttempts)
		instructorAPI.GET("/sessions/:session_id/monitor", handlers.Monitor.MonitorSessionSSE)
		instructorAPI.POST("/attempts/:attempt_id/rescore", handlers.Instructor.RescoreAttempt)
		instructorAPI.POST("/attempts/:attempt_id/reopen", handlers.Instructor.ReopenAttempt)

		// System Monitoring
		instructorAPI.GET("/system/metrics", handlers.System.SystemMetricsSSE)
	}

	return router
}
