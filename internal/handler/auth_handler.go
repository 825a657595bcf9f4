package handler

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/render-api/internal/auth"
)

// AuthHandler handles ForwardAuth verification for the API gateway
type AuthHandler struct {
	auth *auth.Authenticator
}

// NewAuthHandler creates a new auth handler for ForwardAuth verification
func NewAuthHandler(authenticator *auth.Authenticator) *AuthHandler {
	return &AuthHandler{auth: authenticator}
}

// Verify handles GET /auth/verify, called by Traefik ForwardAuth.
// Returns 200 with X-User-* headers on success, 403 when the token is valid
// but lacks the render role, 401 otherwise.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	id, err := h.auth.Authenticate(c.Get("Authorization"))
	if errors.Is(err, auth.ErrMissingRole) {
		return c.SendStatus(fiber.StatusForbidden)
	}
	if err != nil {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	c.Set("X-User-Id", id.UserID)
	c.Set("X-User-Email", id.Email)
	if id.Name != "" {
		c.Set("X-User-Name", id.Name)
	}
	if len(id.Roles) > 0 {
		c.Set("X-User-Roles", strings.Join(id.Roles, ","))
	}
	return c.SendStatus(fiber.StatusOK)
}
