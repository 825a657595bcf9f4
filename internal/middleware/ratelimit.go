package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/pkg/response"
)

type RateLimiter struct {
	redis redis.Cmdable
	log   *logger.Logger
}

func NewRateLimiter(redisClient redis.Cmdable, log *logger.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, log: logger.OrNop(log).WithComponent("ratelimit")}
}

// Limit creates a rate limiting middleware. A zero maxRequests disables it.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" || maxRequests <= 0 {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.UserContext()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			// Redis down: fail open
			rl.log.WithError(err).Warn("rate limit check failed", "key", key)
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, key, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, key).Result()
			c.Set("Retry-After", strconv.Itoa(int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Set("X-RateLimit-Remaining", strconv.Itoa(maxRequests-int(count)))

		return c.Next()
	}
}

// RenderLimit limits queued render submissions per user per hour.
func (rl *RateLimiter) RenderLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("render", maxPerHour, time.Hour)
}

// StreamLimit limits streamed renders per user per hour.
func (rl *RateLimiter) StreamLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("stream", maxPerHour, time.Hour)
}
