package handler

import (
	"context"
	"os/exec"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

const healthTimeout = 2 * time.Second

// chromeCandidates are the names chromedp falls back to when no path is set.
var chromeCandidates = []string{"headless-shell", "chromium", "chromium-browser", "google-chrome", "google-chrome-stable"}

// HealthConfig describes what /health reports. Redis may be nil.
type HealthConfig struct {
	Redis          redis.Cmdable
	Storage        bool
	Postgres       bool
	Auth           bool
	TokenStore     string
	ProgressBroker string
	FFmpegPath     string
	FFprobePath    string
	ChromePath     string
	ViewBaseURL    string
}

type HealthHandler struct {
	cfg HealthConfig
}

func NewHealthHandler(cfg HealthConfig) *HealthHandler {
	return &HealthHandler{cfg: cfg}
}

// Health handles GET /health. It always answers 200; status is "degraded"
// when a render binary is missing or a Redis-backed store is unreachable.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	redisUp := h.cfg.Redis != nil && h.cfg.Redis.Ping(ctx).Err() == nil
	needsRedis := h.cfg.TokenStore == "redis" || h.cfg.ProgressBroker == "redis"

	ffmpegOK := resolvable(h.cfg.FFmpegPath)
	ffprobeOK := resolvable(h.cfg.FFprobePath)
	chromeOK := resolvable(h.cfg.ChromePath)
	if h.cfg.ChromePath == "" {
		chromeOK = lo.SomeBy(chromeCandidates, resolvable)
	}

	status := "ok"
	if !ffmpegOK || !ffprobeOK || !chromeOK || (needsRedis && !redisUp) {
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"status": status,
		"services": fiber.Map{
			"redis":    redisUp,
			"r2":       h.cfg.Storage,
			"postgres": h.cfg.Postgres,
			"auth":     h.cfg.Auth,
			"tokens":   h.cfg.TokenStore,
			"progress": h.cfg.ProgressBroker,
		},
		"render": fiber.Map{
			"ffmpeg":      ffmpegOK,
			"ffprobe":     ffprobeOK,
			"chrome":      chromeOK,
			"viewBaseUrl": h.cfg.ViewBaseURL,
		},
	})
}

func resolvable(path string) bool {
	if path == "" {
		return false
	}
	_, err := exec.LookPath(path)
	return err == nil
}
