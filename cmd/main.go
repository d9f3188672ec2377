package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/adapters/memory"
	"github.com/CaoMeiYouRen/momei-speech/adapters/mongo"
	"github.com/CaoMeiYouRen/momei-speech/domain/entities"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
	"github.com/CaoMeiYouRen/momei-speech/internal/api"
	"github.com/CaoMeiYouRen/momei-speech/internal/auth"
	"github.com/CaoMeiYouRen/momei-speech/internal/config"
	"github.com/CaoMeiYouRen/momei-speech/internal/metrics"
	"github.com/CaoMeiYouRen/momei-speech/internal/providers"
	"github.com/CaoMeiYouRen/momei-speech/internal/websocket"
	"github.com/CaoMeiYouRen/momei-speech/usecase"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	collector := metrics.NewCollector(cfg.MetricsPrefix, prometheus.DefaultRegisterer, logger)

	// Storage: MongoDB when configured, memory otherwise
	defaultQuota := entities.UserQuota{
		DailyTTSChars:   cfg.DailyTTSChars,
		DailyASRSeconds: cfg.DailyASRSeconds,
	}
	var (
		taskRepo  repositories.TaskRepository
		quotaRepo repositories.QuotaRepository
	)
	if cfg.MongoURI != "" {
		client, err := mongo.NewClient(context.Background(), cfg.MongoURI, cfg.MongoDatabase, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer client.Close(context.Background())

		taskRepo = mongo.NewTaskRepository(client.Database, logger)
		quotaRepo = mongo.NewQuotaRepository(client.Database, defaultQuota, logger)
	} else {
		logger.Warn("MONGODB_URI not set, usage is kept in memory")
		taskRepo = memory.NewTaskRepository()
		quotaRepo = memory.NewQuotaRepository(defaultQuota)
	}

	// Initialize providers
	registry := usecase.NewRegistry(logger)
	providers.Register(registry, logger, collector)

	// Fail fast on an unknown provider; missing credentials surface per call
	if _, err := registry.Get(cfg.Speech); err != nil {
		logger.Fatal("Invalid speech provider", zap.Error(err))
	}
	if err := cfg.Speech.Volcengine.Validate(); err != nil && cfg.Speech.Provider == providers.Volcengine {
		logger.Warn("Speech credentials missing, every speech call will fail", zap.Error(err))
	}

	// Initialize usecase services
	speechService := usecase.NewSpeechService(registry, cfg.Speech, taskRepo, quotaRepo, logger)

	cleanup := usecase.NewTaskCleanupService(taskRepo, cfg.TaskTTL, cfg.CleanupPeriod, collector, logger)
	cleanup.Start()

	jwtSecret := cfg.JWTSecret
	if jwtSecret == "" {
		jwtSecret = uuid.NewString()
		logger.Warn("JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}
	authenticator := auth.NewAuthenticator(jwtSecret, logger)

	// Initialize WebSocket hub
	hub := websocket.NewHub(speechService, logger)
	go hub.Run()

	// Initialize API routes
	api.InitRoutes(e, api.Dependencies{
		Speech:   speechService,
		Auth:     authenticator,
		Hub:      hub,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   logger,
	})

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Port),
		zap.String("provider", cfg.Speech.Resolved().Provider))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.Shutdown()
	cleanup.Stop()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
