package main

import (
	"context"
	"errors"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/render-api/internal/audio"
	"github.com/makeasinger/render-api/internal/auth"
	"github.com/makeasinger/render-api/internal/browser"
	"github.com/makeasinger/render-api/internal/client"
	"github.com/makeasinger/render-api/internal/config"
	"github.com/makeasinger/render-api/internal/ffmpeg"
	"github.com/makeasinger/render-api/internal/handler"
	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/media"
	"github.com/makeasinger/render-api/internal/middleware"
	"github.com/makeasinger/render-api/internal/progress"
	"github.com/makeasinger/render-api/internal/project"
	"github.com/makeasinger/render-api/internal/render"
	"github.com/makeasinger/render-api/internal/service"
	"github.com/makeasinger/render-api/internal/token"
	ws "github.com/makeasinger/render-api/internal/websocket"
	"github.com/makeasinger/render-api/internal/worker"
	"github.com/makeasinger/render-api/pkg/response"
)

func main() {
	// .env is optional; real deployments inject the environment
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Config{}).WithError(err).Error("failed to load config")
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "render-api",
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, 3*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.WithError(err).Warn("redis not available")
	}
	cancelPing()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	validate := validator.New()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(log)
	go hub.Run(hubCtx)

	// Object storage (optional - renders can still be streamed without it)
	var r2Client *client.R2Client
	var signer media.Signer
	var uploader worker.Uploader
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Client, err = client.NewR2Client(ctx, &cfg.R2)
		if err != nil {
			log.WithError(err).Warn("R2 client not initialized")
		} else {
			signer = r2Client
			uploader = r2Client
		}
	} else {
		log.Info("R2 storage not configured, proxied media and queued renders are unavailable")
	}

	// Project snapshots
	var projects project.Repository
	var pgRepo *project.PostgresRepository
	if cfg.Database.DSN != "" {
		pgRepo, err = project.NewPostgresRepository(ctx, cfg.Database.DSN)
		if err != nil {
			log.WithError(err).Error("failed to connect to postgres")
			os.Exit(1)
		}
		defer pgRepo.Close()
		if err := pgRepo.EnsureSchema(ctx); err != nil {
			log.WithError(err).Error("failed to prepare project schema")
			os.Exit(1)
		}
		projects = pgRepo
	} else {
		log.Warn("DATABASE_URL not set, using empty in-memory project repository")
		projects = project.NewMemoryRepository()
	}

	// Render tokens and progress fan-out
	var tokenStore token.Store = token.NewMemoryStore()
	if cfg.Render.TokenStore == "redis" {
		tokenStore = token.NewRedisStore(redisClient)
	}
	tokens := token.NewManager(tokenStore, token.WithTTL(cfg.Render.TokenTTL))
	go sweepTokens(hubCtx, tokens, log)

	var broker progress.Broker = progress.NewMemoryBroker(0)
	if cfg.Render.ProgressBroker == "redis" {
		broker = progress.NewRedisBroker(redisClient, log)
	}

	// Render pipeline
	resolver := media.NewResolver(signer, cfg.Render.MediaProxyPrefix, cfg.Render.SignedURLTTL, apiHosts(cfg)...)
	prober := ffmpeg.NewProber(cfg.Render.FFprobePath, cfg.Render.ProbeTimeout)
	preparer := audio.NewPreparer(resolver, prober, audio.ParsePolicy(cfg.Render.ProbeFailure), cfg.Render.ProbeConcurrency, log)
	launcher := browser.NewChromeLauncher(browser.Options{
		ExecPath:      cfg.Render.ChromePath,
		Headless:      cfg.Render.Headless,
		NoSandbox:     cfg.Render.NoSandbox,
		LoadTimeout:   cfg.Render.LoadTimeout,
		SettleTimeout: cfg.Render.SettleTimeout,
	}, log)

	renderer := render.New(render.Deps{
		Tokens:   tokens,
		Projects: projects,
		Launcher: launcher,
		Audio:    preparer,
		Encoder:  render.FFmpeg(ffmpeg.NewEncoder(cfg.Render.FFmpegPath, log)),
		Broker:   broker,
		Logger:   log,
	}, render.Options{
		ViewBaseURL:  cfg.Render.ViewBaseURL,
		APIBaseURL:   cfg.Server.PublicURL,
		Timeout:      cfg.Render.Timeout,
		CleanupGrace: cfg.Render.CleanupGrace,
		FrameBuffer:  cfg.Render.FrameBuffer,
	})

	// Services and handlers
	renderService := service.NewRenderService(redisClient, asynqClient, inspector, log)
	renderHandler := handler.NewRenderHandler(renderService, validate)
	streamHandler := handler.NewStreamHandler(handler.RendererStreamer(renderer), tokens, projects, broker, validate, log)
	sessionStream := ws.NewSessionStream(broker, log)

	// OIDC JWKS verifier (optional - falls back to legacy JWT)
	var tokenVerifier auth.TokenVerifier
	if cfg.Zitadel.Issuer != "" {
		jwksCtx, cancelJWKS := context.WithTimeout(ctx, 30*time.Second)
		jwksVerifier, err := auth.NewJWKSVerifier(jwksCtx, &cfg.Zitadel)
		cancelJWKS()
		if err != nil {
			log.WithError(err).Warn("JWKS verifier not initialized")
		} else {
			defer jwksVerifier.Close()
			tokenVerifier = jwksVerifier
		}
	}
	authenticator := auth.NewAuthenticator(tokenVerifier, cfg.JWT.Secret)
	authHandler := handler.NewAuthHandler(authenticator)

	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Info("gateway mode enabled, using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware(cfg.Zitadel.RenderRole)
	} else {
		apiAuthMiddleware = middleware.NewAuthMiddleware(authenticator).Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
	}
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  "*",
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Origin,Content-Type,Accept,Authorization",
		ExposeHeaders: "Content-Disposition,X-Render-Session",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	healthHandler := handler.NewHealthHandler(handler.HealthConfig{
		Redis:          redisClient,
		Storage:        uploader != nil,
		Postgres:       pgRepo != nil,
		Auth:           tokenVerifier != nil || cfg.JWT.Secret != "",
		TokenStore:     cfg.Render.TokenStore,
		ProgressBroker: cfg.Render.ProgressBroker,
		FFmpegPath:     cfg.Render.FFmpegPath,
		FFprobePath:    cfg.Render.FFprobePath,
		ChromePath:     cfg.Render.ChromePath,
		ViewBaseURL:    cfg.Render.ViewBaseURL,
	})
	app.Get("/health", healthHandler.Health)

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// The render-only view presents its capability token instead of a JWT.
	app.Get("/api/render/view/:projectId", streamHandler.View)

	api := app.Group("/api", apiAuthMiddleware)

	renderGroup := api.Group("/render")
	renderGroup.Post("/stream", rateLimiter.StreamLimit(cfg.RateLimit.StreamPerHour), streamHandler.Stream)
	renderGroup.Get("/progress/:sessionId", streamHandler.Progress)
	renderGroup.Post("/start", rateLimiter.RenderLimit(cfg.RateLimit.RenderPerHour), renderHandler.Start)
	renderGroup.Get("/status/:jobId", renderHandler.Status)
	renderGroup.Get("/result/:jobId", renderHandler.Result)
	renderGroup.Post("/cancel/:jobId", renderHandler.Cancel)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		hub.HandleConnection(c, c.Params("jobId"))
	}))

	app.Get("/ws/render/:sessionId", websocket.New(func(c *websocket.Conn) {
		sessionStream.HandleConnection(c, c.Params("sessionId"))
	}))

	renderWorker := worker.NewRenderWorker(renderer, renderService, uploader, hub, cfg.Render.SignedURLTTL, log)
	workerServer := startWorkerServer(cfg, redisOpt, renderWorker, log)

	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.WithError(err).Error("server shutdown error")
		}
	}()

	addr := ":" + cfg.Server.Port
	log.Info("server starting", "addr", addr, "view_base_url", cfg.Render.ViewBaseURL)
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Error("server error")
	}

	if workerServer != nil {
		workerServer.Shutdown()
	}
	log.Info("server stopped")
}

func startWorkerServer(cfg *config.Config, redisOpt asynq.RedisClientOpt, renderWorker *worker.RenderWorker, log *logger.Logger) *asynq.Server {
	asynqLogLevel := asynq.InfoLevel
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		asynqLogLevel = asynq.DebugLevel
	case "warn", "warning":
		asynqLogLevel = asynq.WarnLevel
	case "error":
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Render.WorkerConcurrency,
		Queues: map[string]int{
			service.QueueRender: 1,
		},
		LogLevel:        asynqLogLevel,
		ShutdownTimeout: cfg.Render.CleanupGrace + 5*time.Second,
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeRender, renderWorker.ProcessTask)

	if err := srv.Start(mux); err != nil {
		log.WithError(err).Error("asynq worker not started")
		return nil
	}
	return srv
}

func sweepTokens(ctx context.Context, tokens *token.Manager, log *logger.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := tokens.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("render token sweep failed")
			}
		}
	}
}

// apiHosts lists the hostnames under which this API serves proxied media.
func apiHosts(cfg *config.Config) []string {
	var hosts []string
	if cfg.Server.ApiDomain != "" {
		hosts = append(hosts, cfg.Server.ApiDomain)
	}
	if u, err := url.Parse(cfg.Server.PublicURL); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	return hosts
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
