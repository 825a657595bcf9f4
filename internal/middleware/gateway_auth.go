package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"

	"github.com/makeasinger/render-api/pkg/response"
)

// GatewayAuthMiddleware trusts the X-User-* headers that ForwardAuth copies
// from /auth/verify. When requiredRole is set the caller must also carry it
// in X-User-Roles, so a gateway route that skips the verifier's role check
// still cannot reach the renderer.
func GatewayAuthMiddleware(requiredRole string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get("X-User-Id")
		if userID == "" {
			return response.Unauthorized(c, "Missing user identity headers")
		}

		if requiredRole != "" && !lo.Contains(splitRoles(c.Get("X-User-Roles")), requiredRole) {
			return response.Forbidden(c, "Render access not granted")
		}

		setIdentity(c, userID, c.Get("X-User-Email"), c.Get("X-User-Name"))
		return c.Next()
	}
}

func splitRoles(header string) []string {
	return lo.FilterMap(strings.Split(header, ","), func(r string, _ int) (string, bool) {
		r = strings.TrimSpace(r)
		return r, r != ""
	})
}
