package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/tccmarket/api/internal/notify"
	"github.com/tccmarket/api/pkg/response"
)

// GatewayAuthMiddleware reads user identity from X-User-* headers
// set by the gateway's ForwardAuth and populates Fiber context locals.
func GatewayAuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !setIdentity(c) {
			return response.Unauthorized(c, "Missing user identity headers")
		}
		return c.Next()
	}
}

// OptionalIdentityMiddleware reads the same headers but lets anonymous
// requests through. Used when the service is not behind the gateway.
func OptionalIdentityMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		setIdentity(c)
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx) bool {
	userID := c.Get("X-User-Id")
	if userID == "" {
		return false
	}

	role := notify.Role(c.Get("X-User-Role"))
	if role == "" {
		role = notify.RolePartner
	}

	c.Locals("userId", userID)
	c.Locals("role", string(role))
	c.Locals("email", c.Get("X-User-Email"))
	c.Locals("name", c.Get("X-User-Name"))
	return true
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetRequester returns the caller as "<role>:<id>", or "" when anonymous
func GetRequester(c *fiber.Ctx) string {
	userID := GetUserID(c)
	if userID == "" {
		return ""
	}
	role, _ := c.Locals("role").(string)
	if role == "" {
		role = string(notify.RolePartner)
	}
	return role + ":" + userID
}
