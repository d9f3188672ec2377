package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/internal/auth"
	"github.com/CaoMeiYouRen/momei-speech/internal/websocket"
	"github.com/CaoMeiYouRen/momei-speech/usecase"
)

// Dependencies are the services the routes are served by
type Dependencies struct {
	Speech *usecase.SpeechService
	Auth   *auth.Authenticator
	Hub    *websocket.Hub
	// Gatherer backs /metrics; nil means the default prometheus registry
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies) {
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &speechHandler{speech: deps.Speech, logger: deps.Logger}

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "momei-speech",
		})
	})

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := e.Group("/api/v1")
	v1.GET("/speech/voices", h.listVoices)

	private := v1.Group("/speech", deps.Auth.Middleware())
	private.POST("/transcribe", h.transcribe)
	private.POST("/synthesize", h.synthesize)

	// WebSocket endpoint; browsers pass the JWT as the token query parameter
	e.GET("/ws/synthesize", func(c echo.Context) error {
		claims, _ := auth.ClaimsFrom(c)
		deps.Logger.Info("WebSocket connection authenticated",
			zap.String("userID", claims.UserID),
			zap.String("role", claims.Role))
		return websocket.HandleWebSocket(deps.Hub, c, claims.UserID, deps.Logger)
	}, deps.Auth.Middleware())
}
