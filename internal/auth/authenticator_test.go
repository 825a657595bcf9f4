package auth

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

type stubVerifier struct {
	claims *Claims
	err    error
}

func (s *stubVerifier) Validate(string) (*Claims, error) { return s.claims, s.err }
func (s *stubVerifier) Close() error                     { return nil }

func TestLegacyRoundTrip(t *testing.T) {
	tok, err := GenerateLegacyToken("secret", "user-1", "a@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateLegacyToken() error: %v", err)
	}

	claims, err := ValidateLegacyToken(tok, "secret")
	if err != nil {
		t.Fatalf("ValidateLegacyToken() error: %v", err)
	}
	if claims.UserID != "user-1" || claims.Email != "a@example.com" {
		t.Errorf("unexpected claims: %+v", claims)
	}

	if _, err := ValidateLegacyToken(tok, "other"); err == nil {
		t.Error("expected signature mismatch to fail")
	}
}

func TestLegacyNegativeTTL(t *testing.T) {
	tok, err := GenerateLegacyToken("secret", "user-1", "", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	// negative ttl is treated as no expiry
	if _, err := ValidateLegacyToken(tok, "secret"); err != nil {
		t.Errorf("expected token without expiry to validate: %v", err)
	}
}

func TestAuthenticator(t *testing.T) {
	legacy, _ := GenerateLegacyToken("secret", "legacy-user", "", time.Hour)

	tests := []struct {
		name     string
		auth     *Authenticator
		header   string
		wantUser string
		wantErr  error
	}{
		{
			name:    "missing header",
			auth:    NewAuthenticator(nil, "secret"),
			wantErr: ErrMissingToken,
		},
		{
			name:    "wrong scheme",
			auth:    NewAuthenticator(nil, "secret"),
			header:  "Basic abc",
			wantErr: ErrMalformedToken,
		},
		{
			name:     "oidc accepted",
			auth:     NewAuthenticator(&stubVerifier{claims: &Claims{UserID: "oidc-user", Name: "Ada"}}, ""),
			header:   "Bearer whatever",
			wantUser: "oidc-user",
		},
		{
			name:    "oidc rejected without fallback",
			auth:    NewAuthenticator(&stubVerifier{err: errors.New("bad")}, ""),
			header:  "Bearer whatever",
			wantErr: ErrInvalidToken,
		},
		{
			name:    "missing role does not fall back",
			auth:    NewAuthenticator(&stubVerifier{err: fmt.Errorf("%w: render", ErrMissingRole)}, "secret"),
			header:  "Bearer " + legacy,
			wantErr: ErrMissingRole,
		},
		{
			name:     "falls back to legacy",
			auth:     NewAuthenticator(&stubVerifier{err: errors.New("bad")}, "secret"),
			header:   "bearer " + legacy,
			wantUser: "legacy-user",
		},
		{
			name:    "legacy rejected",
			auth:    NewAuthenticator(nil, "other"),
			header:  "Bearer " + legacy,
			wantErr: ErrInvalidToken,
		},
		{
			name:    "nothing configured",
			auth:    NewAuthenticator(nil, ""),
			header:  "Bearer " + legacy,
			wantErr: ErrNotConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tt.auth.Authenticate(tt.header)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.UserID != tt.wantUser {
				t.Errorf("expected user %s, got %s", tt.wantUser, id.UserID)
			}
		})
	}
}
