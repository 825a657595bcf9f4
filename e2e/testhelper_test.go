package e2e

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/render-api/internal/auth"
	"github.com/makeasinger/render-api/internal/handler"
	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/middleware"
	"github.com/makeasinger/render-api/internal/model"
	"github.com/makeasinger/render-api/internal/progress"
	"github.com/makeasinger/render-api/internal/project"
	"github.com/makeasinger/render-api/internal/render"
	"github.com/makeasinger/render-api/internal/service"
	"github.com/makeasinger/render-api/internal/token"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testProjectID = "e2e-project"

	testViewBaseURL = "http://localhost:3000"
)

// testApp holds all components needed for testing
type testApp struct {
	app    *fiber.App
	tokens *token.Manager
}

// setupApp creates a Fiber app wired like main.go. No browser is configured,
// so only the paths that fail before launch can be rendered through it.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	// Redis (localhost, DB 15 to avoid collisions)
	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	redisOpt := asynq.RedisClientOpt{Addr: "localhost:6379", DB: 15}
	asynqClient := asynq.NewClient(redisOpt)
	inspector := asynq.NewInspector(redisOpt)
	t.Cleanup(func() {
		asynqClient.Close()
		inspector.Close()
	})

	log := logger.Nop()
	validate := validator.New()

	projects := project.NewMemoryRepository(&model.Project{
		ID:       testProjectID,
		Name:     "E2E Project",
		Width:    640,
		Height:   360,
		FPS:      30,
		Duration: 2,
	})
	tokens := token.NewManager(token.NewMemoryStore())
	broker := progress.NewMemoryBroker(0)

	renderer := render.New(render.Deps{
		Tokens:   tokens,
		Projects: projects,
		Broker:   broker,
		Logger:   log,
	}, render.Options{ViewBaseURL: testViewBaseURL})

	// Services
	renderService := service.NewRenderService(redisClient, asynqClient, inspector, log)

	// Handlers
	renderHandler := handler.NewRenderHandler(renderService, validate)
	streamHandler := handler.NewStreamHandler(handler.RendererStreamer(renderer), tokens, projects, broker, validate, log)

	// Auth: legacy HMAC only
	authenticator := auth.NewAuthenticator(nil, testJWTSecret)
	authHandler := handler.NewAuthHandler(authenticator)
	authMiddleware := middleware.NewAuthMiddleware(authenticator)
	rateLimiter := middleware.NewRateLimiter(redisClient, log)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024,
	})

	// Base routes
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", handler.NewHealthHandler(handler.HealthConfig{
		Redis:          redisClient,
		Auth:           true,
		TokenStore:     "memory",
		ProgressBroker: "memory",
		FFmpegPath:     "ffmpeg",
		FFprobePath:    "ffprobe",
		ViewBaseURL:    testViewBaseURL,
	}).Health)
	app.Get("/auth/verify", authHandler.Verify)
	app.Get("/api/render/view/:projectId", streamHandler.View)

	// API routes (authenticated)
	api := app.Group("/api", authMiddleware.Authenticate())

	// Use very high rate limits so tests don't get blocked
	renderGroup := api.Group("/render")
	renderGroup.Post("/stream", rateLimiter.StreamLimit(10000), streamHandler.Stream)
	renderGroup.Post("/start", rateLimiter.RenderLimit(10000), renderHandler.Start)
	renderGroup.Get("/status/:jobId", renderHandler.Status)
	renderGroup.Get("/result/:jobId", renderHandler.Result)
	renderGroup.Post("/cancel/:jobId", renderHandler.Cancel)

	return &testApp{app: app, tokens: tokens}
}

// generateToken creates a legacy HMAC JWT token for test requests.
func generateToken(t *testing.T) string {
	t.Helper()
	signed, err := auth.GenerateLegacyToken(testJWTSecret, "test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return signed
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t),
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// errorCode extracts error.code from an error response.
func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	result := parseJSON(t, resp)
	errObj, ok := result["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected 'error' object, got %v", result)
	}
	code, _ := errObj["code"].(string)
	return code
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
