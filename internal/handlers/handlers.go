package handlers

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"pairchat/server/internal/apperror"
	"pairchat/server/internal/chat"
	"pairchat/server/internal/middleware"
	"pairchat/server/internal/models"
)

// Presence is what the REST surface reads from the presence tracker.
type Presence interface {
	Get(ctx context.Context, userID int64) (*models.Presence, error)
}

// HubStats is the live view of this node's connections.
type HubStats interface {
	GetOnlineCount() int
	RoomCount() int
	IsUserOnline(userID int64) bool
}

// Handlers serves the REST endpoints around the realtime core.
type Handlers struct {
	chat     *chat.Service
	presence Presence
	hub      HubStats
	nodeID   string
	log      *slog.Logger
}

func New(chatSvc *chat.Service, presence Presence, hub HubStats, nodeID string, log *slog.Logger) *Handlers {
	return &Handlers{
		chat:     chatSvc,
		presence: presence,
		hub:      hub,
		nodeID:   nodeID,
		log:      log.With(slog.String("component", "http")),
	}
}

// fail writes err in the shared error shape.
func (h *Handlers) fail(c *fiber.Ctx, err error) error {
	code := apperror.CodeOf(err)
	if code == apperror.CodeInternal || code == apperror.CodeUnavailable {
		h.log.Error("request failed", slog.String("path", c.Path()), slog.Any("error", err))
	}
	return c.Status(apperror.HTTPStatus(code)).JSON(fiber.Map{
		"success": false,
		"code":    code,
		"error":   apperror.MessageOf(err),
	})
}

func (h *Handlers) userID(c *fiber.Ctx) (int64, error) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return 0, apperror.Unauthenticated("Unauthorized")
	}
	return userID, nil
}

func paramID(c *fiber.Ctx, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Params(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.InvalidArg("invalid " + name)
	}
	return id, nil
}

// Health reports liveness.
func (h *Handlers) Health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":  "ok",
		"message": "pairchat realtime is running",
		"node":    h.nodeID,
	})
}
