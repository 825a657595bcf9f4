package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/model"
	"github.com/makeasinger/render-api/internal/progress"
	"github.com/makeasinger/render-api/internal/project"
	"github.com/makeasinger/render-api/internal/render"
	"github.com/makeasinger/render-api/pkg/response"
)

const (
	streamChunk      = 32 * 1024
	defaultKeepAlive = 15 * time.Second
)

// Stream is a running render whose output is an MP4 byte stream.
type Stream interface {
	io.ReadCloser
	ID() string
	Project() *model.Project
}

// Streamer starts render sessions.
type Streamer interface {
	Start(ctx context.Context, req model.RenderRequest) (Stream, error)
}

// TokenValidator checks render-view tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token, projectID string) error
}

type rendererStreamer struct {
	r *render.Renderer
}

// RendererStreamer adapts a Renderer to Streamer.
func RendererStreamer(r *render.Renderer) Streamer {
	return rendererStreamer{r: r}
}

func (s rendererStreamer) Start(ctx context.Context, req model.RenderRequest) (Stream, error) {
	sess, err := s.r.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// StreamHandler serves the streamed render, the render-view bootstrap and the
// progress event stream.
type StreamHandler struct {
	streamer  Streamer
	tokens    TokenValidator
	projects  project.Repository
	broker    progress.Broker
	validator *validator.Validate
	log       *logger.Logger
	keepAlive time.Duration
}

func NewStreamHandler(streamer Streamer, tokens TokenValidator, projects project.Repository, broker progress.Broker, v *validator.Validate, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		streamer:  streamer,
		tokens:    tokens,
		projects:  projects,
		broker:    broker,
		validator: v,
		log:       logger.OrNop(log).WithComponent("stream_handler"),
		keepAlive: defaultKeepAlive,
	}
}

// Stream handles POST /api/render/stream
// @Summary      Render project to MP4
// @Description  Renders the project and streams the fragmented MP4 as it is encoded
// @Tags         Render
// @Accept       json
// @Produce      video/mp4
// @Param        request body model.RenderStreamRequest true "Render stream request"
// @Success      200 {file} binary
// @Failure      400 {object} response.ErrorResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/render/stream [post]
func (h *StreamHandler) Stream(c *fiber.Ctx) error {
	var req model.RenderStreamRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	ctx, cancel := setupContext(c)
	s, err := h.streamer.Start(ctx, renderRequest(req.ProjectID, req.RenderSessionID, req.Width, req.Height, req.FPS))
	cancel()
	if err != nil {
		return response.FromError(c, err)
	}

	filename := render.Filename(s.Project().Name)
	c.Set(fiber.HeaderContentType, "video/mp4")
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set("X-Render-Session", s.ID())

	log := h.log.WithSession(s.ID())
	fctx := c.Context()
	fctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer s.Close()

		written, readErr, writeErr := pump(w, s)
		switch {
		case writeErr != nil:
			log.Info("render consumer disconnected", "bytes", written)
		case readErr != nil:
			// Drop the connection without the final chunk so the client
			// sees a truncated transfer rather than a complete file.
			log.WithError(readErr).Error("render stream failed", "bytes", written, "code", string(apperr.GetCode(readErr)))
			_ = fctx.Conn().Close()
		default:
			log.Info("render stream finished", "bytes", written)
		}
	})
	return nil
}

// setupContext scopes render setup to the handler call. fasthttp reports a
// client that went away only on the first body write, so setup runs until
// the renderer's own load timeouts unless the server shuts down first.
func setupContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.UserContext())
	stop := context.AfterFunc(c.Context(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// pump copies src into w, flushing every chunk so the client receives output
// as soon as the encoder produces it.
func pump(w *bufio.Writer, src io.Reader) (written int64, readErr, writeErr error) {
	buf := make([]byte, streamChunk)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, nil, werr
			}
			if werr := w.Flush(); werr != nil {
				return written, nil, werr
			}
			written += int64(n)
		}
		if errors.Is(err, io.EOF) {
			return written, nil, nil
		}
		if err != nil {
			return written, err, nil
		}
	}
}

// View handles GET /api/render/view/:projectId?token=
// @Summary      Render view bootstrap
// @Description  Consumes a render token and returns the project snapshot for the render-only view
// @Tags         Render
// @Produce      json
// @Param        projectId path string true "Project ID"
// @Param        token query string true "Render token"
// @Success      200 {object} model.RenderViewResponse
// @Failure      403 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Router       /api/render/view/{projectId} [get]
func (h *StreamHandler) View(c *fiber.Ctx) error {
	projectID := c.Params("projectId")
	if projectID == "" {
		return response.ValidationError(c, "Project ID is required", nil)
	}

	ctx := c.UserContext()
	if err := h.tokens.Validate(ctx, c.Query("token"), projectID); err != nil {
		h.log.Warn("render view token rejected", "project_id", projectID, "reason", apperr.Message(err))
		return response.FromError(c, err)
	}

	proj, err := h.projects.Get(ctx, projectID)
	if err != nil {
		return response.FromError(c, err)
	}

	c.Set(fiber.HeaderCacheControl, "no-store")
	return response.OK(c, model.RenderViewResponse{Project: proj})
}

// Progress handles GET /api/render/progress/:sessionId as server-sent events.
// The stream ends after the done or error event.
// @Summary      Render progress
// @Tags         Render
// @Produce      text/event-stream
// @Param        sessionId path string true "Render session ID"
// @Success      200 {object} model.RenderProgress
// @Security     BearerAuth
// @Router       /api/render/progress/{sessionId} [get]
func (h *StreamHandler) Progress(c *fiber.Ctx) error {
	sessionID := c.Params("sessionId")
	if sessionID == "" {
		return response.ValidationError(c, "Session ID is required", nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := h.broker.Subscribe(ctx, sessionID)
	if err != nil {
		cancel()
		h.log.WithSession(sessionID).WithError(err).Error("progress subscribe failed")
		return response.ServiceError(c, "Progress channel unavailable")
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	keepAlive := h.keepAlive
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer sub.Close()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-sub.C():
				if !ok {
					return
				}
				if err := writeEvent(w, event); err != nil {
					return
				}
				if event.Phase.Terminal() {
					return
				}
			case <-ticker.C:
				if _, err := w.WriteString(": keepalive\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, event model.RenderProgress) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Phase, data); err != nil {
		return err
	}
	return w.Flush()
}

func renderRequest(projectID, sessionID string, width, height *int, fps *float64) model.RenderRequest {
	req := model.RenderRequest{ProjectID: projectID, RenderSessionID: sessionID}
	if width != nil {
		req.Width = *width
	}
	if height != nil {
		req.Height = *height
	}
	if fps != nil {
		req.FPS = *fps
	}
	return req
}
