// Package token issues and validates the short-lived capability tokens that
// let the render-only view load a single project without user credentials.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/model"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 5 * time.Minute

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the token lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithTokenLength sets the number of random bytes per token.
func WithTokenLength(length int) Option {
	return func(m *Manager) {
		if length > 0 {
			m.tokenLength = length
		}
	}
}

// Manager issues and validates render tokens against a Store.
type Manager struct {
	store       Store
	ttl         time.Duration
	tokenLength int
	now         func() time.Time
}

// NewManager builds a Manager; a nil store falls back to memory.
func NewManager(store Store, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		store:       store,
		ttl:         DefaultTTL,
		tokenLength: 32,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Issue creates a token for projectID. Expired tokens are swept first.
func (m *Manager) Issue(ctx context.Context, projectID string) (model.RenderToken, error) {
	if projectID == "" {
		return model.RenderToken{}, apperr.Validation("project id is required")
	}
	now := m.now()
	_ = m.store.PurgeExpired(ctx, now)

	value, err := generateToken(m.tokenLength)
	if err != nil {
		return model.RenderToken{}, fmt.Errorf("generate render token: %w", err)
	}
	tok := model.RenderToken{
		Token:     value,
		ProjectID: projectID,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Save(ctx, tok); err != nil {
		return model.RenderToken{}, err
	}
	return tok, nil
}

// Validate checks that token authorizes projectID. A valid token is consumed;
// an expired one is removed as well. A token presented for the wrong project
// is put back so the legitimate view can still use it.
func (m *Manager) Validate(ctx context.Context, token, projectID string) error {
	if token == "" {
		return apperr.Authorization("render token is required")
	}
	tok, ok, err := m.store.Take(ctx, token)
	if err != nil {
		return apperr.Wrap(err, "token.validate", "render token lookup failed")
	}
	if !ok {
		return apperr.Authorization("render token is invalid")
	}
	if m.now().After(tok.ExpiresAt) {
		return apperr.Authorization("render token has expired")
	}
	if tok.ProjectID != projectID {
		if err := m.store.Save(ctx, tok); err != nil {
			return apperr.Wrap(err, "token.validate", "render token restore failed")
		}
		return apperr.Authorization("render token does not match project")
	}
	return nil
}

// Revoke destroys a token whether or not it was used.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return m.store.Delete(ctx, token)
}

// Sweep removes every expired token.
func (m *Manager) Sweep(ctx context.Context) error {
	return m.store.PurgeExpired(ctx, m.now())
}

// TTL reports the configured token lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

func generateToken(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
