// Package media turns the media references stored in projects into URLs the
// encoder can fetch directly.
package media

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/config"
)

// Signer presigns object storage reads.
type Signer interface {
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Resolver converts internal proxy references ("/api/media/<key>", relative
// or on one of our own hosts) into presigned storage URLs. Anything else is
// returned unchanged.
type Resolver struct {
	signer   Signer
	prefix   string
	ttl      time.Duration
	apiHosts map[string]struct{}
}

// NewResolver builds a Resolver. ttl below config.MinSignedURLTTL is raised so
// signed URLs outlive the longest render. apiHosts lists the hostnames under
// which absolute proxy references are recognised.
func NewResolver(signer Signer, prefix string, ttl time.Duration, apiHosts ...string) *Resolver {
	if prefix == "" {
		prefix = "/api/media/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if ttl < config.MinSignedURLTTL {
		ttl = config.MinSignedURLTTL
	}
	hosts := make(map[string]struct{}, len(apiHosts))
	for _, h := range apiHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts[h] = struct{}{}
		}
	}
	return &Resolver{signer: signer, prefix: prefix, ttl: ttl, apiHosts: hosts}
}

// Resolve returns a directly fetchable URL for ref.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	key, ok := r.ProxyKey(ref)
	if !ok {
		return ref, nil
	}
	if r.signer == nil {
		return "", apperr.New(apperr.CodeMediaUnavailable, "media storage is not configured").
			WithField("ref", ref)
	}
	signed, err := r.signer.GetSignedURL(ctx, key, r.ttl)
	if err != nil {
		return "", apperr.WrapWithCode(err, apperr.CodeMediaUnavailable, "media.resolve", "failed to sign media URL")
	}
	return signed, nil
}

// ProxyKey extracts the storage key from an internal proxy reference.
func (r *Resolver) ProxyKey(ref string) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	if u.IsAbs() || u.Host != "" {
		if _, ok := r.apiHosts[strings.ToLower(u.Hostname())]; !ok {
			return "", false
		}
	}
	if !strings.HasPrefix(u.Path, r.prefix) {
		return "", false
	}
	key := strings.TrimPrefix(u.Path, r.prefix)
	if key == "" {
		return "", false
	}
	return key, true
}

// TTL reports the validity of issued signed URLs.
func (r *Resolver) TTL() time.Duration {
	return r.ttl
}
