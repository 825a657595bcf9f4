package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/makeasinger/render-api/internal/apperr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T) (*Manager, *MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	return NewManager(store, WithClock(clock.Now)), store, clock
}

func TestIssueAndValidate(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	tok, err := m.Issue(ctx, "project-1")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	if len(tok.Token) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(tok.Token))
	}

	if err := m.Validate(ctx, tok.Token, "project-1"); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
	if store.Len() != 0 {
		t.Error("expected token to be consumed on successful validation")
	}

	err = m.Validate(ctx, tok.Token, "project-1")
	if !errors.Is(err, apperr.ErrAuthorization) {
		t.Errorf("expected authorization error on reuse, got %v", err)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	tok, err := m.Issue(ctx, "project-1")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}

	clock.Advance(6 * time.Minute)

	err = m.Validate(ctx, tok.Token, "project-1")
	if !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if store.Len() != 0 {
		t.Error("expected expired token to be removed")
	}
}

func TestValidateWrongProject(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	tok, _ := m.Issue(ctx, "project-1")

	err := m.Validate(ctx, tok.Token, "project-2")
	if !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if store.Len() != 1 {
		t.Fatal("expected token to survive a mismatched presentation")
	}
	if err := m.Validate(ctx, tok.Token, "project-1"); err != nil {
		t.Errorf("expected token still valid for its own project: %v", err)
	}
}

func TestValidateUnknownAndEmpty(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	for _, value := range []string{"", "deadbeef"} {
		if err := m.Validate(ctx, value, "project-1"); !errors.Is(err, apperr.ErrAuthorization) {
			t.Errorf("Validate(%q): expected authorization error, got %v", value, err)
		}
	}
}

func TestIssueSweepsExpired(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := m.Issue(ctx, "project-1"); err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(10 * time.Minute)

	if _, err := m.Issue(ctx, "project-2"); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 1 {
		t.Errorf("expected only the fresh token to remain, got %d", store.Len())
	}
}

func TestRevoke(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	tok, _ := m.Issue(ctx, "project-1")
	if err := m.Revoke(ctx, tok.Token); err != nil {
		t.Fatal(err)
	}
	if store.Len() != 0 {
		t.Error("expected revoked token to be removed")
	}
	if err := m.Revoke(ctx, ""); err != nil {
		t.Errorf("revoking empty token should be a no-op, got %v", err)
	}
}

func TestConcurrentValidateSingleUse(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	tok, _ := m.Issue(ctx, "project-1")

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Validate(ctx, tok.Token, "project-1") == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 {
		t.Errorf("expected exactly one successful validation, got %d", ok.Load())
	}
}

func TestIssueRequiresProject(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.Issue(context.Background(), ""); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
