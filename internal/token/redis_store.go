package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/render-api/internal/model"
)

const redisKeyPrefix = "render:token:"

// RedisStore shares tokens between API replicas. Expiry is delegated to
// Redis key TTLs, so PurgeExpired has nothing to do.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, tok model.RenderToken) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("failed to marshal render token: %w", err)
	}
	ttl := time.Until(tok.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := s.client.Set(ctx, redisKeyPrefix+tok.Token, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store render token: %w", err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, token string) (model.RenderToken, bool, error) {
	data, err := s.client.GetDel(ctx, redisKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.RenderToken{}, false, nil
		}
		return model.RenderToken{}, false, fmt.Errorf("failed to take render token: %w", err)
	}
	var tok model.RenderToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return model.RenderToken{}, false, fmt.Errorf("failed to unmarshal render token: %w", err)
	}
	return tok, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, redisKeyPrefix+token).Err()
}

func (s *RedisStore) PurgeExpired(context.Context, time.Time) error {
	return nil
}
