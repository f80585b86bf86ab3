package handlers

import (
	"github.com/gofiber/fiber/v2"

	"pairchat/server/internal/apperror"
)

type createSessionRequest struct {
	PartnerID int64 `json:"partnerId"`
}

// CreateSession finds or creates the session with another user
func (h *Handlers) CreateSession(c *fiber.Ctx) error {
	userID, err := h.userID(c)
	if err != nil {
		return h.fail(c, err)
	}

	var req createSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return h.fail(c, apperror.InvalidArg("Invalid request body"))
	}

	sess, created, err := h.chat.CreateSession(c.UserContext(), userID, req.PartnerID)
	if err != nil {
		return h.fail(c, err)
	}

	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data":    sess,
	})
}

// GetSessions returns the caller's sessions with partner presence
func (h *Handlers) GetSessions(c *fiber.Ctx) error {
	userID, err := h.userID(c)
	if err != nil {
		return h.fail(c, err)
	}

	views, err := h.chat.ListSessions(c.UserContext(), userID)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    views,
	})
}

// BlockSession blocks the other participant
func (h *Handlers) BlockSession(c *fiber.Ctx) error {
	return h.setBlocked(c, true)
}

// UnblockSession lifts the caller's block
func (h *Handlers) UnblockSession(c *fiber.Ctx) error {
	return h.setBlocked(c, false)
}

func (h *Handlers) setBlocked(c *fiber.Ctx, blocked bool) error {
	userID, err := h.userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	sessionID, err := paramID(c, "sessionId")
	if err != nil {
		return h.fail(c, err)
	}

	sess, err := h.chat.SetBlocked(c.UserContext(), userID, sessionID, blocked)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    sess,
	})
}

// ClearSession deletes the whole history of a session
func (h *Handlers) ClearSession(c *fiber.Ctx) error {
	userID, err := h.userID(c)
	if err != nil {
		return h.fail(c, err)
	}
	sessionID, err := paramID(c, "sessionId")
	if err != nil {
		return h.fail(c, err)
	}

	n, err := h.chat.ClearSession(c.UserContext(), userID, sessionID)
	if err != nil {
		return h.fail(c, err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"removed": n,
		},
	})
}
