package auth

import (
	"errors"
	"strings"
)

var (
	ErrMissingToken   = errors.New("missing authorization header")
	ErrMalformedToken = errors.New("invalid authorization header format")
	ErrInvalidToken   = errors.New("invalid or expired token")
	ErrNotConfigured  = errors.New("authentication not configured")
	ErrMissingRole    = errors.New("token lacks the render role")
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
	Name   string
	Roles  []string
}

// Authenticator tries the OIDC verifier first and falls back to legacy HMAC
// tokens when a secret is configured. An OIDC token rejected for a missing
// role is final; legacy tokens are minted by this service and carry no roles.
type Authenticator struct {
	verifier  TokenVerifier
	jwtSecret string
}

// NewAuthenticator builds an Authenticator. Either argument may be empty.
func NewAuthenticator(verifier TokenVerifier, jwtSecret string) *Authenticator {
	return &Authenticator{verifier: verifier, jwtSecret: jwtSecret}
}

// Authenticate validates the value of an Authorization header.
func (a *Authenticator) Authenticate(header string) (*Identity, error) {
	tokenString, err := BearerToken(header)
	if err != nil {
		return nil, err
	}

	if a.verifier != nil {
		claims, err := a.verifier.Validate(tokenString)
		if err == nil {
			return &Identity{UserID: claims.UserID, Email: claims.Email, Name: claims.Name, Roles: claims.RoleNames()}, nil
		}
		if errors.Is(err, ErrMissingRole) {
			return nil, ErrMissingRole
		}
		if a.jwtSecret == "" {
			return nil, ErrInvalidToken
		}
	}

	if a.jwtSecret != "" {
		claims, err := ValidateLegacyToken(tokenString, a.jwtSecret)
		if err != nil {
			return nil, ErrInvalidToken
		}
		return &Identity{UserID: claims.UserID, Email: claims.Email}, nil
	}

	return nil, ErrNotConfigured
}

// BearerToken extracts the token from a "Bearer <token>" header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrMalformedToken
	}
	return strings.TrimSpace(parts[1]), nil
}
