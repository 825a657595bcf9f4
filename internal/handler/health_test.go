package handler

import (
	"encoding/json"
	"net/http"
	"os"
	"testing"

	"github.com/gofiber/fiber/v2"
)

type healthBody struct {
	Status   string         `json:"status"`
	Services map[string]any `json:"services"`
	Render   map[string]any `json:"render"`
}

func getHealth(t *testing.T, cfg HealthConfig) healthBody {
	t.Helper()
	app := fiber.New()
	app.Get("/health", NewHealthHandler(cfg).Health)

	resp := doRequest(t, app, http.MethodGet, "/health", "", nil)
	assertStatus(t, resp, http.StatusOK)

	var out healthBody
	if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
		t.Fatalf("failed to parse JSON: %v", err)
	}
	return out
}

func TestHealthReportsRenderStack(t *testing.T) {
	self, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name        string
		cfg         HealthConfig
		wantStatus  string
		wantFFmpeg  bool
		wantFFprobe bool
	}{
		{
			name: "all binaries present",
			cfg: HealthConfig{
				TokenStore: "memory", ProgressBroker: "memory",
				FFmpegPath: self, FFprobePath: self, ChromePath: self,
				ViewBaseURL: "https://editor.example.com",
			},
			wantStatus: "ok", wantFFmpeg: true, wantFFprobe: true,
		},
		{
			name: "ffprobe missing",
			cfg: HealthConfig{
				TokenStore: "memory", ProgressBroker: "memory",
				FFmpegPath: self, FFprobePath: "/nonexistent/ffprobe", ChromePath: self,
				ViewBaseURL: "https://editor.example.com",
			},
			wantStatus: "degraded", wantFFmpeg: true,
		},
		{
			name: "redis store without redis",
			cfg: HealthConfig{
				TokenStore: "redis", ProgressBroker: "memory",
				FFmpegPath: self, FFprobePath: self, ChromePath: self,
				ViewBaseURL: "https://editor.example.com",
			},
			wantStatus: "degraded", wantFFmpeg: true, wantFFprobe: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := getHealth(t, tt.cfg)
			if body.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, body.Status)
			}
			if body.Render["ffmpeg"] != tt.wantFFmpeg {
				t.Errorf("expected ffmpeg %v, got %v", tt.wantFFmpeg, body.Render["ffmpeg"])
			}
			if body.Render["ffprobe"] != tt.wantFFprobe {
				t.Errorf("expected ffprobe %v, got %v", tt.wantFFprobe, body.Render["ffprobe"])
			}
			if body.Render["viewBaseUrl"] != "https://editor.example.com" {
				t.Errorf("unexpected viewBaseUrl %v", body.Render["viewBaseUrl"])
			}
			if body.Services["tokens"] != tt.cfg.TokenStore {
				t.Errorf("expected tokens %s, got %v", tt.cfg.TokenStore, body.Services["tokens"])
			}
			if body.Services["redis"] != false {
				t.Errorf("expected redis false without a client, got %v", body.Services["redis"])
			}
		})
	}
}
