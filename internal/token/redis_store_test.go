package token

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/render-api/internal/model"
)

// newTestRedis connects to a local Redis on DB 15 or skips the test.
func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStoreTakeIsSingleUse(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisStore(client)
	ctx := context.Background()

	tok := model.RenderToken{Token: "redis-test-token", ProjectID: "p1", ExpiresAt: time.Now().Add(time.Minute)}
	if err := store.Save(ctx, tok); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	got, ok, err := store.Take(ctx, tok.Token)
	if err != nil || !ok {
		t.Fatalf("Take() = %v, %v", ok, err)
	}
	if got.ProjectID != "p1" {
		t.Errorf("expected project p1, got %s", got.ProjectID)
	}

	_, ok, err = store.Take(ctx, tok.Token)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected second Take to miss")
	}
}

func TestRedisStoreWithManager(t *testing.T) {
	client := newTestRedis(t)
	m := NewManager(NewRedisStore(client))
	ctx := context.Background()

	tok, err := m.Issue(ctx, "p2")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Validate(ctx, tok.Token, "p2"); err != nil {
		t.Errorf("Validate() error: %v", err)
	}
}
