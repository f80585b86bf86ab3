package handlers

import (
	"github.com/gofiber/fiber/v2"

	"pairchat/server/internal/chat"
)

// GetMessages returns a page of a session's history, newest first
func (h *Handlers) GetMessages(c *fiber.Ctx) error {
	userID, err := h.userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	sessionID, err := paramID(c, "sessionId")
	if err != nil {
		return h.fail(c, err)
	}

	// Pagination
	page := c.QueryInt("page", 1)
	limit := c.QueryInt("limit", chat.DefaultPageLimit)

	result, err := h.chat.History(c.UserContext(), userID, sessionID, page, limit)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"messages": result.Messages,
			"pagination": fiber.Map{
				"page":    result.Page,
				"limit":   result.Limit,
				"total":   result.Total,
				"hasMore": result.HasMore,
			},
		},
	})
}

// MarkAsRead marks every unread message of the session addressed to the caller as read
func (h *Handlers) MarkAsRead(c *fiber.Ctx) error {
	userID, err := h.userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	sessionID, err := paramID(c, "sessionId")
	if err != nil {
		return h.fail(c, err)
	}

	receipt, err := h.chat.MarkSessionRead(c.UserContext(), sessionID, userID)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    receipt,
	})
}

// DeleteMessage hides a message from the caller's history
func (h *Handlers) DeleteMessage(c *fiber.Ctx) error {
	userID, err := h.userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	messageID, err := paramID(c, "messageId")
	if err != nil {
		return h.fail(c, err)
	}

	if err := h.chat.DeleteForUser(c.UserContext(), userID, messageID); err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Message deleted",
	})
}
