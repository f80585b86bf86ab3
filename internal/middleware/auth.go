package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

// TokenVerifier maps a bearer token to a user id.
type TokenVerifier interface {
	Verify(token string) (int64, error)
}

// Auth validates the bearer token from the Authorization header, the token
// query parameter (browsers cannot set headers on a websocket handshake) or
// the token cookie.
func Auth(verifier TokenVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString := extractToken(c)
		if tokenString == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Unauthorized - No token provided",
			})
		}

		userID, err := verifier.Verify(tokenString)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "Unauthorized - Invalid token",
			})
		}

		// Store user info in context
		c.Locals("userID", userID)

		return c.Next()
	}
}

func extractToken(c *fiber.Ctx) string {
	if h := c.Get(fiber.HeaderAuthorization); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := c.Query("token"); token != "" {
		return token
	}
	return c.Cookies("token")
}

// GetUserID gets user ID from context
func GetUserID(c *fiber.Ctx) (int64, bool) {
	userID, ok := c.Locals("userID").(int64)
	return userID, ok && userID > 0
}
