package token

import (
	"context"
	"sync"
	"time"

	"github.com/makeasinger/render-api/internal/model"
)

// Store persists render tokens. Take must be atomic: a token handed out by
// Take is gone from the store for every other caller.
type Store interface {
	Save(ctx context.Context, tok model.RenderToken) error
	Take(ctx context.Context, token string) (model.RenderToken, bool, error)
	Delete(ctx context.Context, token string) error
	PurgeExpired(ctx context.Context, now time.Time) error
}

// MemoryStore keeps tokens in process memory. It is safe for concurrent use
// and suits single-instance deployments.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]model.RenderToken
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]model.RenderToken)}
}

func (s *MemoryStore) Save(_ context.Context, tok model.RenderToken) error {
	s.mu.Lock()
	s.tokens[tok.Token] = tok
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Take(_ context.Context, token string) (model.RenderToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[token]
	if ok {
		delete(s.tokens, token)
	}
	return tok, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, now time.Time) error {
	s.mu.Lock()
	for key, tok := range s.tokens {
		if now.After(tok.ExpiresAt) {
			delete(s.tokens, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// Len reports the number of stored tokens.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}
