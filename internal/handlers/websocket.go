package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"

	"pairchat/server/internal/apperror"
)

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handlers) GetWebSocketStats(c *fiber.Ctx) error {
	if h.hub == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"error":   "WebSocket hub not initialized",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"node":        h.nodeID,
			"connections": h.hub.GetOnlineCount(),
			"rooms":       h.hub.RoomCount(),
		},
	})
}

// GetPresence returns a user's stored presence. Only the user and their chat
// partners may read it; anyone else gets not found.
func (h *Handlers) GetPresence(c *fiber.Ctx) error {
	callerID, err := h.userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	userID, err := paramID(c, "userId")
	if err != nil {
		return h.fail(c, err)
	}

	if userID != callerID {
		partners, err := h.chat.Partners(c.UserContext(), callerID)
		if err != nil {
			return h.fail(c, apperror.Unavailable("failed to load partners", err))
		}
		if !lo.Contains(partners, userID) {
			return h.fail(c, apperror.NotFound("user not found"))
		}
	}

	p, err := h.presence.Get(c.UserContext(), userID)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"userId":        p.UserID,
			"isOnline":      p.IsOnline,
			"lastSeen":      p.LastSeen,
			"connectedHere": h.hub.IsUserOnline(userID),
		},
	})
}
