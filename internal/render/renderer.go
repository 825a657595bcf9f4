// Package render runs the frame capture and encoding pipeline for one
// project at a time per session, with any number of sessions in parallel.
package render

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/browser"
	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/model"
	"github.com/makeasinger/render-api/internal/progress"
	"github.com/makeasinger/render-api/internal/project"
)

// Tokens issues and revokes render-view tokens.
type Tokens interface {
	Issue(ctx context.Context, projectID string) (model.RenderToken, error)
	Revoke(ctx context.Context, token string) error
}

// AudioPreparer turns extracted tracks into encoder-ready inputs.
type AudioPreparer interface {
	Prepare(ctx context.Context, tracks []model.AudioTrackInfo) ([]model.AudioTrackInfo, error)
}

// Deps are the collaborators of a Renderer.
type Deps struct {
	Tokens   Tokens
	Projects project.Repository
	Launcher browser.Launcher
	Audio    AudioPreparer
	Encoder  Encoder
	Broker   progress.Broker
	Logger   *logger.Logger
}

// Options tune a Renderer.
type Options struct {
	// ViewBaseURL hosts the render-only view at /render/{projectId}.
	ViewBaseURL string
	// APIBaseURL is handed to the view so it can fetch its project snapshot.
	APIBaseURL   string
	Timeout      time.Duration
	CleanupGrace time.Duration
	FrameBuffer  int
}

// Renderer starts render sessions.
type Renderer struct {
	deps Deps
	opts Options
	log  *logger.Logger
}

// New builds a Renderer.
func New(deps Deps, opts Options) *Renderer {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.CleanupGrace <= 0 {
		opts.CleanupGrace = 10 * time.Second
	}
	if opts.FrameBuffer <= 0 {
		opts.FrameBuffer = 8
	}
	opts.ViewBaseURL = strings.TrimRight(opts.ViewBaseURL, "/")
	if deps.Broker == nil {
		deps.Broker = progress.NewMemoryBroker(0)
	}
	return &Renderer{
		deps: deps,
		opts: opts,
		log:  logger.OrNop(deps.Logger).WithComponent("render"),
	}
}

// Broker returns the progress broker sessions publish to.
func (r *Renderer) Broker() progress.Broker {
	return r.deps.Broker
}

// Start validates req, loads the project and brings the pipeline up. Errors
// about the request itself (validation, unknown project, token issue) are
// returned before anything is allocated or published. Failures after that
// are also published as an error event. ctx bounds setup; a running session
// is stopped with Session.Close.
func (r *Renderer) Start(ctx context.Context, req model.RenderRequest) (*Session, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, apperr.Validation("projectId is required")
	}
	if strings.TrimSpace(req.RenderSessionID) == "" {
		return nil, apperr.Validation("renderSessionId is required")
	}

	proj := req.Project
	if proj == nil {
		var err error
		if proj, err = r.deps.Projects.Get(ctx, req.ProjectID); err != nil {
			return nil, err
		}
	}

	geom := geometry(req, proj)
	if geom.Width <= 0 || geom.Height <= 0 || geom.FPS <= 0 || geom.Duration <= 0 {
		return nil, apperr.Validation("project has no renderable geometry")
	}

	tok, err := r.deps.Tokens.Issue(ctx, proj.ID)
	if err != nil {
		return nil, apperr.Wrap(err, "render.start", "failed to issue render token")
	}

	viewBase := strings.TrimRight(req.ViewBaseURL, "/")
	if viewBase == "" {
		viewBase = r.opts.ViewBaseURL
	}

	s := newSession(r, req.RenderSessionID, proj, tok.Token, geom)
	s.log.Info("render starting", "project_id", proj.ID, "width", geom.Width, "height", geom.Height, "fps", geom.FPS, "duration", geom.Duration)
	s.publish(model.RenderProgress{Phase: model.PhaseInitializing})

	stop := context.AfterFunc(ctx, func() {
		s.finish(apperr.Disconnected(), reasonDisconnect)
	})
	err = s.setup(viewURL(viewBase, r.opts.APIBaseURL, req.RenderSessionID, tok.Token, proj.ID, geom))
	stop()
	if err != nil {
		s.finish(err, reasonFor(err))
		return nil, s.Err()
	}
	return s, nil
}

// Result summarises a finished render.
type Result struct {
	Frames      int
	AudioTracks int
	Bytes       int64
	Config      model.ViewConfig
}

// RenderTo runs a whole render into w. The render is aborted when ctx is
// done or a write to w fails.
func (r *Renderer) RenderTo(ctx context.Context, req model.RenderRequest, w io.Writer) (*Result, error) {
	s, err := r.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	n, err := io.Copy(w, s)
	if err != nil {
		s.Close()
		<-s.Done()
		if serr := s.Err(); serr != nil && !errors.Is(serr, apperr.ErrDisconnected) {
			return nil, serr
		}
		if ctx.Err() != nil {
			return nil, apperr.Disconnected()
		}
		return nil, err
	}
	<-s.Done()
	if err := s.Err(); err != nil {
		return nil, err
	}
	_ = s.Close()

	return &Result{
		Frames:      s.Frames(),
		AudioTracks: len(s.Tracks()),
		Bytes:       n,
		Config:      s.Config(),
	}, nil
}

// geometry applies request overrides over the project settings.
func geometry(req model.RenderRequest, proj *model.Project) model.ViewConfig {
	g := model.ViewConfig{Width: proj.Width, Height: proj.Height, FPS: proj.FPS, Duration: proj.Duration}
	if req.Width > 0 {
		g.Width = req.Width
	}
	if req.Height > 0 {
		g.Height = req.Height
	}
	if req.FPS > 0 {
		g.FPS = req.FPS
	}
	if req.Duration > 0 {
		g.Duration = req.Duration
	}
	return g
}

func viewURL(base, api, sessionID, token, projectID string, g model.ViewConfig) string {
	q := url.Values{}
	q.Set("token", token)
	if api != "" {
		q.Set("api", api)
	}
	q.Set("session", sessionID)
	q.Set("width", strconv.Itoa(g.Width))
	q.Set("height", strconv.Itoa(g.Height))
	q.Set("fps", strconv.FormatFloat(g.FPS, 'f', -1, 64))
	return base + "/render/" + url.PathEscape(projectID) + "?" + q.Encode()
}
