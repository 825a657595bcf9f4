package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/samber/lo"

	"github.com/makeasinger/render-api/internal/config"
)

// ProjectRolesClaim is the Zitadel claim carrying the caller's project roles
// as a map keyed by role name.
const ProjectRolesClaim = "urn:zitadel:iam:org:project:roles"

const clockSkew = 30 * time.Second

var signingMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// TokenVerifier defines the interface for JWT token verification
type TokenVerifier interface {
	Validate(tokenString string) (*Claims, error)
	Close() error
}

// Claims represents the JWT claims from the OIDC provider
type Claims struct {
	UserID            string                     `json:"sub"`
	Email             string                     `json:"email,omitempty"`
	EmailVerified     bool                       `json:"email_verified,omitempty"`
	Name              string                     `json:"name,omitempty"`
	PreferredUsername string                     `json:"preferred_username,omitempty"`
	Roles             []string                   `json:"roles,omitempty"`
	ProjectRoles      map[string]json.RawMessage `json:"urn:zitadel:iam:org:project:roles,omitempty"`
	jwt.RegisteredClaims
}

// RoleNames merges plain and project roles, sorted and deduplicated.
func (c *Claims) RoleNames() []string {
	names := lo.Uniq(append(lo.Keys(c.ProjectRoles), c.Roles...))
	sort.Strings(names)
	return names
}

// HasRole reports whether the token grants role.
func (c *Claims) HasRole(role string) bool {
	if _, ok := c.ProjectRoles[role]; ok {
		return true
	}
	return lo.Contains(c.Roles, role)
}

// JWKSVerifier validates OIDC access tokens for the render API. A token must
// come from the configured issuer, name this service in its audience and,
// when a render role is configured, grant that role.
type JWKSVerifier struct {
	keyfunc  jwt.Keyfunc
	issuer   string
	audience string
	role     string
}

// NewJWKSVerifier discovers the issuer's key set and builds a verifier.
// ctx bounds discovery and the first key fetch.
func NewJWKSVerifier(ctx context.Context, cfg *config.ZitadelConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}
	issuer := strings.TrimRight(cfg.Issuer, "/")

	jwksURL, err := discoverJWKSURL(ctx, http.DefaultClient, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}

	return newJWKSVerifier(jwks.Keyfunc, issuer, cfg.ClientID, cfg.RenderRole), nil
}

func newJWKSVerifier(kf jwt.Keyfunc, issuer, audience, role string) *JWKSVerifier {
	return &JWKSVerifier{keyfunc: kf, issuer: issuer, audience: audience, role: role}
}

// discoverJWKSURL fetches the OIDC discovery document and extracts the jwks_uri.
func discoverJWKSURL(ctx context.Context, client *http.Client, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.Issuer != "" && strings.TrimRight(doc.Issuer, "/") != issuer {
		return "", fmt.Errorf("discovery document is for issuer %q", doc.Issuer)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("jwks_uri not found in discovery document")
	}

	return doc.JWKSURI, nil
}

// Validate validates a JWT token and returns the claims. A well-signed token
// that lacks the render role fails with ErrMissingRole.
func (v *JWKSVerifier) Validate(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods(signingMethods),
		jwt.WithLeeway(clockSkew),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, v.keyfunc, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if err := v.checkClaims(claims); err != nil {
		return nil, err
	}
	return claims, nil
}

func (v *JWKSVerifier) checkClaims(claims *Claims) error {
	if claims.UserID == "" {
		return fmt.Errorf("token has no subject")
	}
	if v.role != "" && !claims.HasRole(v.role) {
		return fmt.Errorf("%w: %s", ErrMissingRole, v.role)
	}
	return nil
}

// Close releases resources used by the verifier
func (v *JWKSVerifier) Close() error {
	// keyfunc refreshes in a goroutine bound to the construction context
	return nil
}
