package render

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/audio"
	"github.com/makeasinger/render-api/internal/browser"
	"github.com/makeasinger/render-api/internal/capture"
	"github.com/makeasinger/render-api/internal/ffmpeg"
	"github.com/makeasinger/render-api/internal/framepipe"
	"github.com/makeasinger/render-api/internal/lifecycle"
	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/model"
)

const (
	reasonComplete   = lifecycle.ReasonComplete
	reasonDisconnect = lifecycle.ReasonDisconnect
	reasonTimeout    = lifecycle.ReasonTimeout
	reasonError      = lifecycle.ReasonError

	publishTimeout = 2 * time.Second
)

// Session is one running render. Reading it yields the encoded MP4 stream.
// A read that hits the end of the stream returns the render error, if any,
// instead of io.EOF, so a failed render never looks like a short success.
type Session struct {
	id      string
	r       *Renderer
	project *model.Project
	token   string
	log     *logger.Logger

	ctx    context.Context
	handle *lifecycle.Handle

	// set during setup, read-only afterwards
	geom   model.ViewConfig
	tracks []model.AudioTrackInfo
	stdout io.ReadCloser
	pipe   *framepipe.Pipe

	mu       sync.Mutex
	timer    *time.Timer
	finished bool
	err      error
	frames   int
	total    int
	done     chan struct{}
}

func newSession(r *Renderer, id string, proj *model.Project, token string, geom model.ViewConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	log := r.log.WithSession(id)
	s := &Session{
		id:      id,
		r:       r,
		project: proj,
		token:   token,
		log:     log,
		ctx:     ctx,
		handle:  lifecycle.New(r.opts.CleanupGrace, log),
		geom:    geom,
		total:   capture.TotalFrames(geom.FPS, geom.Duration),
		done:    make(chan struct{}),
	}
	s.handle.SetAbort(cancel)

	s.mu.Lock()
	s.timer = time.AfterFunc(r.opts.Timeout, func() {
		s.finish(apperr.Timeout("render"), reasonTimeout)
	})
	s.mu.Unlock()
	return s
}

// setup launches the surface, prepares audio and starts the encoder and the
// capture loop. Every audio input is wired before the first frame.
func (s *Session) setup(viewURL string) error {
	ctx := s.ctx

	b, err := s.r.deps.Launcher.Launch(ctx)
	if err != nil {
		return err
	}
	s.handle.SetBrowser(b)

	page, err := b.NewPage(ctx)
	if err != nil {
		return err
	}
	s.handle.SetPage(page)

	if err := page.SetViewport(ctx, s.geom.Width, s.geom.Height); err != nil {
		return err
	}
	if err := page.Navigate(ctx, viewURL); err != nil {
		return err
	}
	if err := page.WaitReady(ctx); err != nil {
		return err
	}

	cfg, err := page.Config(ctx)
	if err != nil {
		return err
	}
	if s.applyViewConfig(cfg) {
		if err := page.SetViewport(ctx, s.geom.Width, s.geom.Height); err != nil {
			return err
		}
	}

	// The view has loaded its snapshot; the token has no further use.
	s.revokeToken()

	tracks, err := s.r.deps.Audio.Prepare(ctx, audio.Extract(s.project.Layers, s.geom.Duration))
	if err != nil {
		return err
	}
	s.tracks = tracks

	pipe := framepipe.New(s.r.opts.FrameBuffer)
	s.pipe = pipe
	s.handle.SetPipe(pipe)

	proc, err := s.r.deps.Encoder.Start(ctx, ffmpeg.EncodeSpec{
		Width:    s.geom.Width,
		Height:   s.geom.Height,
		FPS:      s.geom.FPS,
		Duration: s.geom.Duration,
		Tracks:   tracks,
	}, pipe)
	if err != nil {
		return err
	}
	s.handle.SetEncoder(proc)
	s.stdout = proc.Stdout()

	s.log.Debug("pipeline wired", "audio_tracks", len(tracks), "total_frames", s.total)

	captureDone := make(chan struct{})
	s.handle.SetCaptureDone(captureDone)
	go s.capture(page, pipe, captureDone)
	go s.watch(proc, pipe)

	return nil
}

// applyViewConfig adopts the geometry the view realised and reports whether
// the output size changed.
func (s *Session) applyViewConfig(cfg model.ViewConfig) bool {
	resized := false
	if cfg.Width > 0 && cfg.Height > 0 && (cfg.Width != s.geom.Width || cfg.Height != s.geom.Height) {
		s.geom.Width, s.geom.Height = cfg.Width, cfg.Height
		resized = true
	}
	if cfg.FPS > 0 {
		s.geom.FPS = cfg.FPS
	}
	if cfg.Duration > 0 {
		s.geom.Duration = cfg.Duration
	}

	s.mu.Lock()
	s.total = capture.TotalFrames(s.geom.FPS, s.geom.Duration)
	s.mu.Unlock()
	return resized
}

// capture runs the frame loop. done is closed before finish is called so
// cleanup never waits on the goroutine that triggered it.
func (s *Session) capture(page browser.Page, pipe *framepipe.Pipe, done chan struct{}) {
	spec := capture.Spec{Width: s.geom.Width, Height: s.geom.Height, FPS: s.geom.FPS, Duration: s.geom.Duration}
	n, err := capture.Run(s.ctx, page, pipe, spec, func(tk capture.Tick) {
		s.mu.Lock()
		s.frames = tk.Frame + 1
		s.mu.Unlock()
		s.publish(model.RenderProgress{
			Phase:        model.PhaseCapturing,
			CurrentFrame: tk.Frame + 1,
			TotalFrames:  tk.Total,
			Percent:      tk.Percent,
		})
	})
	close(done)
	if err != nil {
		s.finish(err, reasonFor(err))
		return
	}

	s.log.Debug("capture finished", "frames", n)
	s.publish(model.RenderProgress{Phase: model.PhaseEncoding, CurrentFrame: n, TotalFrames: n, Percent: 95})
}

// watch ends the session when the encoder exits.
func (s *Session) watch(proc EncoderProcess, pipe *framepipe.Pipe) {
	err := proc.Wait()
	if err == nil && !pipe.InputClosed() {
		err = apperr.Encoder(errors.New("encoder exited before the last frame was written"), "")
	}
	if err != nil {
		s.finish(err, reasonError)
		return
	}
	s.finish(nil, reasonComplete)
}

// finish runs exactly once per session, from whichever path ends it first.
func (s *Session) finish(err error, reason lifecycle.Reason) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	frames, total, timer := s.frames, s.total, s.timer
	s.mu.Unlock()

	timer.Stop()
	s.handle.Cleanup(reason, err)
	s.revokeToken()

	event := model.RenderProgress{Phase: model.PhaseDone, CurrentFrame: frames, TotalFrames: total, Percent: 100}
	if err != nil {
		event = model.RenderProgress{
			Phase:        model.PhaseError,
			CurrentFrame: frames,
			TotalFrames:  total,
			Error:        apperr.Message(err),
			ErrorCode:    string(apperr.GetCode(err)),
		}
	}
	s.send(event)

	if reason == reasonComplete {
		s.log.Info("render complete", "frames", frames, "audio_tracks", len(s.tracks))
	}
	close(s.done)
}

// publish sends a non-terminal event unless the session has already ended.
func (s *Session) publish(event model.RenderProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.send(event)
}

func (s *Session) send(event model.RenderProgress) {
	event.SessionID = s.id
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.r.deps.Broker.Publish(ctx, event); err != nil {
		s.log.Warn("failed to publish progress", "phase", event.Phase, "error", err.Error())
	}
}

func (s *Session) revokeToken() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.r.deps.Tokens.Revoke(ctx, s.token); err != nil {
		s.log.Warn("failed to revoke render token", "error", err.Error())
	}
}

// Read reads encoded output.
func (s *Session) Read(p []byte) (int, error) {
	if s.stdout == nil {
		<-s.done
		return 0, s.readErr(io.EOF)
	}
	n, err := s.stdout.Read(p)
	if err != nil {
		<-s.done
		return n, s.readErr(err)
	}
	return n, nil
}

func (s *Session) readErr(fallback error) error {
	if err := s.Err(); err != nil {
		return err
	}
	return fallback
}

// Close aborts a running session as a consumer disconnect. After the
// session has ended it only releases the output stream.
func (s *Session) Close() error {
	s.finish(apperr.Disconnected(), reasonDisconnect)
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	return nil
}

// ID returns the render session ID.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has ended and its resources are released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, or nil for a completed render.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Frames returns the number of frames written so far.
func (s *Session) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Tracks returns the audio inputs wired into the encoder.
func (s *Session) Tracks() []model.AudioTrackInfo { return s.tracks }

// Config returns the realised output geometry.
func (s *Session) Config() model.ViewConfig { return s.geom }

// Project returns the project snapshot being rendered.
func (s *Session) Project() *model.Project { return s.project }

// Reason reports which path ended the session.
func (s *Session) Reason() lifecycle.Reason { return s.handle.Reason() }

func reasonFor(err error) lifecycle.Reason {
	switch {
	case errors.Is(err, apperr.ErrTimeout):
		return reasonTimeout
	case errors.Is(err, apperr.ErrDisconnected), errors.Is(err, context.Canceled):
		return reasonDisconnect
	default:
		return reasonError
	}
}
