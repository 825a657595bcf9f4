package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli"

	"github.com/makeasinger/render-api/internal/audio"
	"github.com/makeasinger/render-api/internal/browser"
	"github.com/makeasinger/render-api/internal/ffmpeg"
	"github.com/makeasinger/render-api/internal/handler"
	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/media"
	"github.com/makeasinger/render-api/internal/model"
	"github.com/makeasinger/render-api/internal/progress"
	"github.com/makeasinger/render-api/internal/project"
	"github.com/makeasinger/render-api/internal/render"
	"github.com/makeasinger/render-api/internal/token"
)

func newLogger(ctx *cli.Context) *logger.Logger {
	level := "warn"
	if ctx.GlobalBool("v") {
		level = "debug"
	}
	return logger.New(logger.Config{
		Level:       level,
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "render-cli",
	})
}

// loadProject reads a project snapshot from path. Both a bare project and the
// render view response ({"project": {...}}) are accepted.
func loadProject(path string) (*model.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project: %w", err)
	}

	var wrapped model.RenderViewResponse
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Project != nil {
		return checkProject(wrapped.Project, path)
	}

	var proj model.Project
	if err := json.Unmarshal(data, &proj); err != nil {
		return nil, fmt.Errorf("parse project %s: %w", path, err)
	}
	return checkProject(&proj, path)
}

func checkProject(p *model.Project, path string) (*model.Project, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("project %s has no id", path)
	}
	return p, nil
}

// outputPath picks the output file: the flag when set, else the download
// name the API would use.
func outputPath(flag string, p *model.Project) string {
	if flag != "" {
		return flag
	}
	return render.Filename(p.Name)
}

// serveView starts the embedded project API the render view bootstraps from
// and returns its base URL.
func serveView(addr string, tokens *token.Manager, projects project.Repository, log *logger.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	h := handler.NewStreamHandler(nil, tokens, projects, nil, validator.New(), log)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/api/render/view/:projectId", h.View)

	go func() {
		if err := app.Listener(ln); err != nil {
			log.WithError(err).Debug("embedded api stopped")
		}
	}()
	return "http://" + ln.Addr().String(), func() { _ = app.Shutdown() }, nil
}

// trackProgress drives a progress bar from the session's events until the
// terminal event.
func trackProgress(ctx context.Context, broker progress.Broker, sessionID string) (func(), error) {
	sub, err := broker.Subscribe(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer sub.Close()

		var bar *progressbar.ProgressBar
		for event := range sub.C() {
			if bar == nil && event.TotalFrames > 0 {
				bar = progressbar.Default(int64(event.TotalFrames), "Rendering")
			}
			if bar != nil {
				_ = bar.Set(event.CurrentFrame)
			}
			if event.Phase.Terminal() {
				if bar != nil && event.Phase == model.PhaseDone {
					_ = bar.Finish()
				}
				return
			}
		}
	}()
	return func() {
		sub.Close()
		<-done
	}, nil
}

func renderProject(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("expected exactly one project file", 1)
	}
	_ = godotenv.Load()
	log := newLogger(ctx)

	proj, err := loadProject(ctx.Args().First())
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens := token.NewManager(token.NewMemoryStore())
	projects := project.NewMemoryRepository(proj)

	apiURL, shutdown, err := serveView(ctx.String("listen"), tokens, projects, log)
	if err != nil {
		return err
	}
	defer shutdown()

	// No signer: proxy media references cannot be resolved offline.
	resolver := media.NewResolver(nil, "", 0)
	prober := ffmpeg.NewProber(ctx.String("ffprobe"), 0)
	broker := progress.NewMemoryBroker(0)

	renderer := render.New(render.Deps{
		Tokens:   tokens,
		Projects: projects,
		Launcher: browser.NewChromeLauncher(browser.Options{
			ExecPath:  ctx.String("chrome"),
			Headless:  !ctx.Bool("headful"),
			NoSandbox: ctx.Bool("no-sandbox"),
		}, log),
		Audio:   audio.NewPreparer(resolver, prober, audio.ParsePolicy(ctx.String("probe-failure")), 0, log),
		Encoder: render.FFmpeg(ffmpeg.NewEncoder(ctx.String("ffmpeg"), log)),
		Broker:  broker,
		Logger:  log,
	}, render.Options{
		ViewBaseURL: ctx.String("view-url"),
		APIBaseURL:  apiURL,
		Timeout:     ctx.Duration("timeout"),
	})

	req := model.RenderRequest{
		ProjectID:       proj.ID,
		RenderSessionID: uuid.NewString(),
		Width:           ctx.Int("width"),
		Height:          ctx.Int("height"),
		FPS:             ctx.Float64("fps"),
		Project:         proj,
	}

	waitBar, err := trackProgress(runCtx, broker, req.RenderSessionID)
	if err != nil {
		return err
	}

	outPath := outputPath(ctx.String("out"), proj)
	out, err := os.Create(outPath)
	if err != nil {
		waitBar()
		return fmt.Errorf("create output: %w", err)
	}

	result, err := renderer.RenderTo(runCtx, req, out)
	waitBar()
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close output: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(outPath)
		return err
	}

	abs, _ := filepath.Abs(outPath)
	fmt.Printf("\nwrote %s (%dx%d @ %g fps, %d frames, %d audio tracks, %d bytes)\n",
		abs, result.Config.Width, result.Config.Height, result.Config.FPS, result.Frames, result.AudioTracks, result.Bytes)
	return nil
}

func listTracks(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return cli.NewExitError("expected exactly one project file", 1)
	}

	proj, err := loadProject(ctx.Args().First())
	if err != nil {
		return err
	}

	tracks := audio.Extract(proj.Layers, proj.Duration)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(tracks)
}

func probeMedia(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return cli.NewExitError("expected at least one media url", 1)
	}
	_ = godotenv.Load()

	prober := ffmpeg.NewProber(ctx.String("ffprobe"), ctx.Duration("timeout"))
	var failed int
	for _, raw := range ctx.Args() {
		url := media.SanitizeForEncoder(raw)
		res, err := prober.Probe(context.Background(), url)
		if err != nil {
			failed++
			fmt.Printf("%s\terror: %v\n", raw, err)
			continue
		}
		fmt.Printf("%s\taudio=%t\tduration=%.3fs\n", raw, res.HasAudio(), res.Duration())
	}
	if failed > 0 {
		return cli.NewExitError(fmt.Sprintf("%d of %d probes failed", failed, ctx.NArg()), 1)
	}
	return nil
}
