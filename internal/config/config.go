package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinSignedURLTTL keeps signed media URLs valid for longer than any render can run.
const MinSignedURLTTL = 2 * time.Hour

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Redis     RedisConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	R2        R2Config
	Zitadel   ZitadelConfig
	Gateway   GatewayConfig
	Render    RenderConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	ApiDomain string
	// PublicURL is the externally reachable base URL of this API, handed to
	// the render view so it can call back for its project snapshot.
	PublicURL string
}

type LogConfig struct {
	Level  string
	Format string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DatabaseConfig struct {
	DSN string
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	RenderPerHour int
	StreamPerHour int
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	// Endpoint overrides the Cloudflare endpoint, e.g. for MinIO.
	Endpoint string
}

type ZitadelConfig struct {
	Domain   string
	ClientID string
	Issuer   string
	// RenderRole, when set, must be granted to OIDC callers of the render API.
	RenderRole string
}

type GatewayConfig struct {
	Enabled bool
}

type RenderConfig struct {
	ChromePath  string
	Headless    bool
	NoSandbox   bool
	FFmpegPath  string
	FFprobePath string

	ViewBaseURL      string
	MediaProxyPrefix string

	SignedURLTTL  time.Duration
	TokenTTL      time.Duration
	Timeout       time.Duration
	LoadTimeout   time.Duration
	SettleTimeout time.Duration
	ProbeTimeout  time.Duration
	CleanupGrace  time.Duration

	FrameBuffer      int
	ProbeConcurrency int
	// ProbeFailure is "drop" or "fail".
	ProbeFailure string

	// TokenStore and ProgressBroker select "memory" or "redis" backends.
	TokenStore     string
	ProgressBroker string

	WorkerConcurrency int
}

func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_URL")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("ZITADEL_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	bindings := map[string]string{
		"server.port":               "SERVER_PORT",
		"server.env":                "SERVER_ENV",
		"server.api_domain":         "API_DOMAIN",
		"server.public_url":         "PUBLIC_URL",
		"log.level":                 "LOG_LEVEL",
		"log.format":                "LOG_FORMAT",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"redis.db":                  "REDIS_DB",
		"database.dsn":              "DATABASE_URL",
		"jwt.secret":                "JWT_SECRET",
		"jwt.expiration":            "JWT_EXPIRATION",
		"ratelimit.render_per_hour": "RATELIMIT_RENDER_PER_HOUR",
		"ratelimit.stream_per_hour": "RATELIMIT_STREAM_PER_HOUR",
		"r2.account_id":             "R2_ACCOUNT_ID",
		"r2.access_key_id":          "R2_ACCESS_KEY_ID",
		"r2.secret_access_key":      "R2_SECRET_ACCESS_KEY",
		"r2.bucket_name":            "R2_BUCKET_NAME",
		"r2.public_url":             "R2_PUBLIC_URL",
		"r2.endpoint":               "R2_ENDPOINT",
		"zitadel.domain":            "ZITADEL_DOMAIN",
		"zitadel.client_id":         "ZITADEL_CLIENT_ID",
		"zitadel.issuer":            "ZITADEL_ISSUER",
		"zitadel.render_role":       "ZITADEL_RENDER_ROLE",
		"gateway.enabled":           "GATEWAY_ENABLED",
		"render.chrome_path":        "RENDER_CHROME_PATH",
		"render.headless":           "RENDER_HEADLESS",
		"render.no_sandbox":         "RENDER_NO_SANDBOX",
		"render.ffmpeg_path":        "RENDER_FFMPEG_PATH",
		"render.ffprobe_path":       "RENDER_FFPROBE_PATH",
		"render.view_base_url":      "RENDER_VIEW_BASE_URL",
		"render.media_proxy_prefix": "RENDER_MEDIA_PROXY_PREFIX",
		"render.signed_url_ttl":     "RENDER_SIGNED_URL_TTL",
		"render.token_ttl":          "RENDER_TOKEN_TTL",
		"render.timeout":            "RENDER_TIMEOUT",
		"render.load_timeout":       "RENDER_LOAD_TIMEOUT",
		"render.settle_timeout":     "RENDER_SETTLE_TIMEOUT",
		"render.probe_timeout":      "RENDER_PROBE_TIMEOUT",
		"render.cleanup_grace":      "RENDER_CLEANUP_GRACE",
		"render.frame_buffer":       "RENDER_FRAME_BUFFER",
		"render.probe_concurrency":  "RENDER_PROBE_CONCURRENCY",
		"render.probe_failure":      "RENDER_PROBE_FAILURE",
		"render.token_store":        "RENDER_TOKEN_STORE",
		"render.progress_broker":    "RENDER_PROGRESS_BROKER",
		"render.worker_concurrency": "RENDER_WORKER_CONCURRENCY",
	}
	for key, env := range bindings {
		_ = v.BindEnv(key, env)
	}

	setDefaults(v)

	// Config file is optional
	_ = v.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			ApiDomain: v.GetString("server.api_domain"),
			PublicURL: strings.TrimRight(v.GetString("server.public_url"), "/"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("database.dsn"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			RenderPerHour: v.GetInt("ratelimit.render_per_hour"),
			StreamPerHour: v.GetInt("ratelimit.stream_per_hour"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
			Endpoint:        v.GetString("r2.endpoint"),
		},
		Zitadel: ZitadelConfig{
			Domain:     v.GetString("zitadel.domain"),
			ClientID:   v.GetString("zitadel.client_id"),
			Issuer:     v.GetString("zitadel.issuer"),
			RenderRole: v.GetString("zitadel.render_role"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
		Render: RenderConfig{
			ChromePath:        v.GetString("render.chrome_path"),
			Headless:          v.GetBool("render.headless"),
			NoSandbox:         v.GetBool("render.no_sandbox"),
			FFmpegPath:        v.GetString("render.ffmpeg_path"),
			FFprobePath:       v.GetString("render.ffprobe_path"),
			ViewBaseURL:       strings.TrimRight(v.GetString("render.view_base_url"), "/"),
			MediaProxyPrefix:  v.GetString("render.media_proxy_prefix"),
			SignedURLTTL:      v.GetDuration("render.signed_url_ttl"),
			TokenTTL:          v.GetDuration("render.token_ttl"),
			Timeout:           v.GetDuration("render.timeout"),
			LoadTimeout:       v.GetDuration("render.load_timeout"),
			SettleTimeout:     v.GetDuration("render.settle_timeout"),
			ProbeTimeout:      v.GetDuration("render.probe_timeout"),
			CleanupGrace:      v.GetDuration("render.cleanup_grace"),
			FrameBuffer:       v.GetInt("render.frame_buffer"),
			ProbeConcurrency:  v.GetInt("render.probe_concurrency"),
			ProbeFailure:      strings.ToLower(v.GetString("render.probe_failure")),
			TokenStore:        strings.ToLower(v.GetString("render.token_store")),
			ProgressBroker:    strings.ToLower(v.GetString("render.progress_broker")),
			WorkerConcurrency: v.GetInt("render.worker_concurrency"),
		},
	}

	if cfg.Render.SignedURLTTL < MinSignedURLTTL {
		cfg.Render.SignedURLTTL = MinSignedURLTTL
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = "http://localhost:" + cfg.Server.Port
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.render_per_hour", 10)
	v.SetDefault("ratelimit.stream_per_hour", 20)
	v.SetDefault("gateway.enabled", false)

	v.SetDefault("render.headless", true)
	v.SetDefault("render.no_sandbox", false)
	v.SetDefault("render.ffmpeg_path", "ffmpeg")
	v.SetDefault("render.ffprobe_path", "ffprobe")
	v.SetDefault("render.view_base_url", "http://localhost:3000")
	v.SetDefault("render.media_proxy_prefix", "/api/media/")
	v.SetDefault("render.signed_url_ttl", 3*time.Hour)
	v.SetDefault("render.token_ttl", 5*time.Minute)
	v.SetDefault("render.timeout", 10*time.Minute)
	v.SetDefault("render.load_timeout", 60*time.Second)
	v.SetDefault("render.settle_timeout", 15*time.Second)
	v.SetDefault("render.probe_timeout", 20*time.Second)
	v.SetDefault("render.cleanup_grace", 10*time.Second)
	v.SetDefault("render.frame_buffer", 8)
	v.SetDefault("render.probe_concurrency", 4)
	v.SetDefault("render.probe_failure", "drop")
	v.SetDefault("render.token_store", "memory")
	v.SetDefault("render.progress_broker", "memory")
	v.SetDefault("render.worker_concurrency", 2)
}
