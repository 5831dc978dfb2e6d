// middleware/operator.go
package middleware

import (
	"log"
	"strings"

	"github.com/gofiber/fiber/v2"
)

const (
	LocalOperatorID    = "operator_id"
	LocalOperatorRoles = "operator_roles"
)

// OperatorContextMiddleware reads the operator identity the gateway forwards
// in X-User-ID / X-User-Roles and stores it in Locals.
func OperatorContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var roles []string
		for _, r := range strings.Split(c.Get("X-User-Roles"), ",") {
			if r = strings.TrimSpace(strings.ToLower(r)); r != "" {
				roles = append(roles, r)
			}
		}
		c.Locals(LocalOperatorID, c.Get("X-User-ID"))
		c.Locals(LocalOperatorRoles, roles)
		return c.Next()
	}
}

// RequireRole rejects requests whose operator lacks every one of roles.
// Must run after OperatorContextMiddleware.
func RequireRole(roles ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		have, _ := c.Locals(LocalOperatorRoles).([]string)
		for _, want := range roles {
			for _, r := range have {
				if r == want {
					return c.Next()
				}
			}
		}
		log.Printf("🚫 [OPERATOR] %q lacks %v for %s %s", OperatorID(c), roles, c.Method(), c.Path())
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "operator role required",
		})
	}
}

// OperatorID returns the forwarded operator id, or "" if none was sent.
func OperatorID(c *fiber.Ctx) string {
	id, _ := c.Locals(LocalOperatorID).(string)
	return id
}
