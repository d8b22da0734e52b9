package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/database"
	"github.com/stemsi/exstem-attempt/internal/handler"
	"github.com/stemsi/exstem-attempt/internal/logger"
	"github.com/stemsi/exstem-attempt/internal/monitor"
	"github.com/stemsi/exstem-attempt/internal/notify"
	"github.com/stemsi/exstem-attempt/internal/repository"
	"github.com/stemsi/exstem-attempt/internal/router"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stemsi/exstem-attempt/internal/telemetry"
	"github.com/stemsi/exstem-attempt/internal/timekeeper"
	"github.com/stemsi/exstem-attempt/internal/validator"
	"github.com/stemsi/exstem-attempt/internal/worker"
)

const (
	serviceName         = "exstem-attempt"
	notificationTick    = 15 * time.Second
	notifyDedupeTTL     = 7 * 24 * time.Hour
	shutdownGracePeriod = 5 * time.Second
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("Invalid configuration")
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Attempt service")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Tracing ───────────────────────────────────────────────────────
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint, cfg.OTelEnabled)
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	}

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	attemptRepo := repository.NewAttemptRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	clockCache := repository.NewClockCache(rdb, cfg.ClockCacheTTL)

	// ─── Collaborators ─────────────────────────────────────────────────
	publisher := monitor.NewPublisher(rdb)
	scheduler := notify.NewScheduler(rdb, notifyDedupeTTL)
	finalizeQueue := worker.NewFinalizeQueue(rdb)

	policy := timekeeper.Policy{Warning: cfg.WarningThreshold, Caution: cfg.CautionThreshold}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg.JWTSecret, cfg.JWTExpiry)
	finalizer := service.NewFinalizer(attemptRepo, examRepo, questionRepo, clockCache, publisher, scheduler, finalizeQueue, cfg.NotifyDelay, log)
	attemptService := service.NewAttemptService(attemptRepo, sessionRepo, examRepo, questionRepo, clockCache, publisher, finalizer, policy, log)
	sessionService := service.NewSessionService(sessionRepo, attemptRepo, clockCache, publisher, finalizer, policy, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Attempt:    handler.NewAttemptHandler(attemptService, log),
		Instructor: handler.NewInstructorHandler(sessionService, log),
		Monitor:    handler.NewMonitorHandler(sessionService, publisher, log),
		WS:         handler.NewWSHandler(attemptService, publisher, log, cfg.AllowedOrigins),
		System:     handler.NewSystemHandler(pool, rdb, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	reconciler := worker.NewReconcileWorker(finalizeQueue, attemptRepo, attemptService, finalizer, cfg.ReconcileInterval, log)
	notifier := worker.NewNotificationWorker(scheduler, notificationTick, log)

	workers.Add(2)
	go func() { defer workers.Done(); reconciler.Start(workerCtx) }()
	go func() { defer workers.Done(); notifier.Start(workerCtx) }()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop background workers. Nothing is lost: unfinished attempts are
	// picked up by the next sweep after restart.
	workerCancel()
	workers.Wait()

	// 3. Flush pending spans.
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Tracing shutdown error")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
