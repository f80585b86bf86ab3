package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"pairchat/server/internal/handlers"
	"pairchat/server/internal/metrics"
	"pairchat/server/internal/middleware"
	"pairchat/server/internal/websocket"
)

// Deps is everything the routes hand requests to.
type Deps struct {
	Handlers *handlers.Handlers
	Gateway  *websocket.Gateway
	Verifier middleware.TokenVerifier
	Metrics  *metrics.Metrics
}

// SetupRoutes configures all application routes
func SetupRoutes(app *fiber.App, d Deps) {
	h := d.Handlers
	auth := middleware.Auth(d.Verifier)

	app.Get("/metrics", adaptor.HTTPHandler(d.Metrics.Handler()))

	// API v1 group
	api := app.Group("/api/v1")

	// Health check (public)
	api.Get("/health", h.Health)

	// Session routes (protected)
	sessions := api.Group("/sessions", auth)
	sessions.Post("/", middleware.ModerateRateLimiter(), h.CreateSession)
	sessions.Get("/", middleware.RelaxedRateLimiter(), h.GetSessions)
	sessions.Get("/:sessionId/messages", middleware.RelaxedRateLimiter(), h.GetMessages)
	sessions.Put("/:sessionId/read", middleware.ModerateRateLimiter(), h.MarkAsRead)
	sessions.Post("/:sessionId/block", middleware.ModerateRateLimiter(), h.BlockSession)
	sessions.Post("/:sessionId/unblock", middleware.ModerateRateLimiter(), h.UnblockSession)
	sessions.Post("/:sessionId/clear", middleware.ModerateRateLimiter(), h.ClearSession)

	// Message routes (protected)
	messages := api.Group("/messages", auth)
	messages.Delete("/:messageId", middleware.ModerateRateLimiter(), h.DeleteMessage)

	// Presence (protected)
	api.Get("/presence/:userId", auth, middleware.RelaxedRateLimiter(), h.GetPresence)

	// WebSocket route (protected); the token is verified before the upgrade
	api.Get("/ws", middleware.HandshakeRateLimiter(), auth, d.Gateway.Upgrade, d.Gateway.Handler())

	// WebSocket stats (protected, for debugging)
	api.Get("/ws/stats", auth, h.GetWebSocketStats)
}
