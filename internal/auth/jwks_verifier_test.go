package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://id.example.com"

func signRS256(t *testing.T, key *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func renderClaims(mutate func(jwt.MapClaims)) jwt.MapClaims {
	claims := jwt.MapClaims{
		"sub":   "user-42",
		"email": "ada@example.com",
		"iss":   testIssuer,
		"aud":   []string{"render-api"},
		"exp":   time.Now().Add(time.Hour).Unix(),
		ProjectRolesClaim: map[string]any{
			"render": map[string]string{"org-1": "example.com"},
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	return claims
}

func TestJWKSVerifierValidate(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kf := func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil }
	v := newJWKSVerifier(kf, testIssuer, "render-api", "render")

	hmac, err := jwt.NewWithClaims(jwt.SigningMethodHS256, renderClaims(nil)).SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		token       string
		wantErr     bool
		wantMissing bool
	}{
		{name: "render role granted", token: signRS256(t, key, renderClaims(nil))},
		{
			name: "plain roles claim",
			token: signRS256(t, key, renderClaims(func(c jwt.MapClaims) {
				delete(c, ProjectRolesClaim)
				c["roles"] = []string{"viewer", "render"}
			})),
		},
		{
			name: "role missing",
			token: signRS256(t, key, renderClaims(func(c jwt.MapClaims) {
				c[ProjectRolesClaim] = map[string]any{"viewer": map[string]string{}}
			})),
			wantErr:     true,
			wantMissing: true,
		},
		{
			name:    "other audience",
			token:   signRS256(t, key, renderClaims(func(c jwt.MapClaims) { c["aud"] = []string{"billing-api"} })),
			wantErr: true,
		},
		{
			name:    "other issuer",
			token:   signRS256(t, key, renderClaims(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" })),
			wantErr: true,
		},
		{
			name:    "no subject",
			token:   signRS256(t, key, renderClaims(func(c jwt.MapClaims) { delete(c, "sub") })),
			wantErr: true,
		},
		{
			name:    "no expiry",
			token:   signRS256(t, key, renderClaims(func(c jwt.MapClaims) { delete(c, "exp") })),
			wantErr: true,
		},
		{
			name:    "expired",
			token:   signRS256(t, key, renderClaims(func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() })),
			wantErr: true,
		},
		{name: "wrong key", token: signRS256(t, other, renderClaims(nil)), wantErr: true},
		{name: "hmac rejected", token: hmac, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.Validate(tt.token)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if claims.UserID != "user-42" {
					t.Errorf("expected user-42, got %s", claims.UserID)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, ErrMissingRole); got != tt.wantMissing {
				t.Errorf("errors.Is(ErrMissingRole) = %v, err: %v", got, err)
			}
		})
	}
}

func TestJWKSVerifierWithoutRole(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kf := func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil }
	v := newJWKSVerifier(kf, testIssuer, "", "")

	tok := signRS256(t, key, renderClaims(func(c jwt.MapClaims) {
		delete(c, ProjectRolesClaim)
		c["aud"] = "anything"
	}))
	if _, err := v.Validate(tok); err != nil {
		t.Fatalf("expected token to pass without role or audience configured: %v", err)
	}
}

func TestClaimsRoleNames(t *testing.T) {
	c := &Claims{
		Roles: []string{"viewer", "render"},
		ProjectRoles: map[string]json.RawMessage{
			"render": json.RawMessage(`{}`),
			"admin":  json.RawMessage(`{}`),
		},
	}
	if got, want := c.RoleNames(), []string{"admin", "render", "viewer"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if !c.HasRole("admin") || !c.HasRole("viewer") || c.HasRole("owner") {
		t.Errorf("unexpected HasRole results for %v", c.RoleNames())
	}
}

func TestDiscoverJWKSURL(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr string
	}{
		{
			name:   "found",
			status: http.StatusOK,
			body:   `{"issuer":"ISSUER","jwks_uri":"https://id.example.com/oauth/v2/keys"}`,
			want:   "https://id.example.com/oauth/v2/keys",
		},
		{name: "server error", status: http.StatusBadGateway, body: `{}`, wantErr: "status 502"},
		{name: "no jwks_uri", status: http.StatusOK, body: `{"issuer":"ISSUER"}`, wantErr: "jwks_uri not found"},
		{
			name:    "issuer mismatch",
			status:  http.StatusOK,
			body:    `{"issuer":"https://other.example.com","jwks_uri":"https://x"}`,
			wantErr: "discovery document is for issuer",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var issuer string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/.well-known/openid-configuration" {
					http.NotFound(w, r)
					return
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(strings.ReplaceAll(tt.body, "ISSUER", issuer)))
			}))
			defer srv.Close()
			issuer = srv.URL

			got, err := discoverJWKSURL(context.Background(), srv.Client(), issuer)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}
