package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/model"
	"github.com/makeasinger/render-api/internal/progress"
	"github.com/makeasinger/render-api/internal/render"
	"github.com/makeasinger/render-api/internal/service"
)

// Renderer runs a whole render into a writer.
type Renderer interface {
	RenderTo(ctx context.Context, req model.RenderRequest, w io.Writer) (*render.Result, error)
	Broker() progress.Broker
}

// JobStore records job state. Implemented by *service.RenderService.
type JobStore interface {
	MarkRunning(ctx context.Context, jobID string, attempt int) error
	UpdateJobProgress(ctx context.Context, jobID string, progress int, step string) error
	CompleteJob(ctx context.Context, jobID string, result interface{}) error
	FailJob(ctx context.Context, jobID string, errMsg string) error
}

// Notifier pushes job events to websocket clients. Implemented by *websocket.Hub.
type Notifier interface {
	BroadcastProgress(jobID string, progress int, status model.JobStatus, step string)
	BroadcastComplete(jobID string, result interface{})
	BroadcastError(jobID string, code, message string)
}

// Uploader stores finished renders. Implemented by *client.R2Client.
type Uploader interface {
	UploadFile(ctx context.Context, key, path, contentType string) (string, int64, error)
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// RenderWorker processes queued render jobs
type RenderWorker struct {
	renderer Renderer
	jobs     JobStore
	uploader Uploader
	hub      Notifier
	log      *logger.Logger

	tempDir   string
	signedTTL time.Duration
}

// NewRenderWorker creates a new render worker. uploader may be nil, in which
// case every job fails without retry.
func NewRenderWorker(renderer Renderer, jobs JobStore, uploader Uploader, hub Notifier, signedTTL time.Duration, log *logger.Logger) *RenderWorker {
	if signedTTL <= 0 {
		signedTTL = 24 * time.Hour
	}
	return &RenderWorker{
		renderer:  renderer,
		jobs:      jobs,
		uploader:  uploader,
		hub:       hub,
		log:       logger.OrNop(log).WithComponent("render_worker"),
		tempDir:   os.TempDir(),
		signedTTL: signedTTL,
	}
}

// ProcessTask handles render:video tasks
func (w *RenderWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	task, err := service.ParseRenderTask(t)
	if err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	jobID := task.JobID
	payload := task.Payload
	log := w.log.WithJobID(jobID).WithSession(payload.RenderSessionID)

	attempt, _ := asynq.GetRetryCount(ctx)
	if err := w.jobs.MarkRunning(ctx, jobID, attempt); err != nil {
		if errors.Is(err, apperr.ErrConflict) || errors.Is(err, apperr.ErrNotFound) {
			log.Info("render job no longer runnable, skipping", "reason", apperr.Message(err))
			return nil
		}
		return err
	}
	log.Info("starting render job", "project_id", payload.ProjectID, "attempt", attempt)

	if w.uploader == nil {
		w.failJob(ctx, jobID, "object storage is not configured")
		return fmt.Errorf("%w: object storage is not configured", asynq.SkipRetry)
	}

	stop := make(chan struct{})
	mirrored := w.mirrorProgress(ctx, stop, jobID, payload.RenderSessionID)
	// The mirror must be idle before the job record reaches a terminal state.
	stopMirror := sync.OnceFunc(func() {
		close(stop)
		<-mirrored
	})
	defer stopMirror()

	out, err := os.CreateTemp(w.tempDir, "render-"+jobID+"-*.mp4")
	if err != nil {
		w.failJob(ctx, jobID, "failed to allocate output file")
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(out.Name())

	started := time.Now()
	result, err := w.renderer.RenderTo(ctx, renderRequest(payload), out)
	stopMirror()
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close output: %w", cerr)
	}
	if err != nil {
		log.WithError(err).Error("render job failed", "code", string(apperr.GetCode(err)))
		w.failJob(context.Background(), jobID, apperr.Message(err))
		if !retryable(err) {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return err
	}

	key := fmt.Sprintf("renders/%s/%s.mp4", payload.ProjectID, jobID)
	publicURL, size, err := w.uploader.UploadFile(ctx, key, out.Name(), "video/mp4")
	if err != nil {
		w.failJob(context.Background(), jobID, "failed to upload render")
		return fmt.Errorf("upload render: %w", err)
	}

	fileURL, err := w.uploader.GetSignedURL(ctx, key, w.signedTTL)
	if err != nil {
		log.WithError(err).Warn("signing render url failed, using public url")
		fileURL = publicURL
	}

	res := &model.RenderResultResponse{
		JobID:       jobID,
		ProjectID:   payload.ProjectID,
		FileURL:     fileURL,
		StorageKey:  key,
		Size:        size,
		Duration:    result.Config.Duration,
		Frames:      result.Frames,
		AudioTracks: result.AudioTracks,
		CreatedAt:   time.Now(),
	}

	if err := w.jobs.CompleteJob(ctx, jobID, res); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			log.Info("render finished after cancel, result discarded")
			return nil
		}
		w.failJob(context.Background(), jobID, "failed to save result")
		return err
	}

	w.hub.BroadcastComplete(jobID, res)
	log.Info("render job completed", "frames", result.Frames, "bytes", size, "elapsed", time.Since(started).String())
	return nil
}

// mirrorProgress copies the session's progress events into the job record
// and the job websocket until the terminal event or until stop is closed.
// Events already buffered when stop closes are still applied. The returned
// channel closes when mirroring ends.
func (w *RenderWorker) mirrorProgress(ctx context.Context, stop <-chan struct{}, jobID, sessionID string) <-chan struct{} {
	done := make(chan struct{})

	sub, err := w.renderer.Broker().Subscribe(ctx, sessionID)
	if err != nil {
		w.log.WithJobID(jobID).WithError(err).Warn("progress subscribe failed")
		close(done)
		return done
	}

	last := -1
	apply := func(event model.RenderProgress) bool {
		if event.Phase.Terminal() {
			return false
		}
		if event.Percent == last {
			return true
		}
		last = event.Percent
		if err := w.jobs.UpdateJobProgress(ctx, jobID, event.Percent, string(event.Phase)); err != nil && ctx.Err() == nil {
			w.log.WithJobID(jobID).WithError(err).Warn("failed to update progress")
		}
		w.hub.BroadcastProgress(jobID, event.Percent, model.JobStatusRunning, string(event.Phase))
		return true
	}

	go func() {
		defer close(done)
		defer sub.Close()

		for {
			select {
			case event, ok := <-sub.C():
				if !ok || !apply(event) {
					return
				}
			case <-stop:
				for {
					select {
					case event, ok := <-sub.C():
						if !ok || !apply(event) {
							return
						}
					default:
						return
					}
				}
			}
		}
	}()
	return done
}

func (w *RenderWorker) failJob(ctx context.Context, jobID, errMsg string) {
	if err := w.jobs.FailJob(ctx, jobID, errMsg); err != nil {
		w.log.WithJobID(jobID).WithError(err).Error("failed to mark job as failed")
	}
	w.hub.BroadcastError(jobID, "RENDER_FAILED", errMsg)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch apperr.GetCode(err) {
	case apperr.CodeValidation, apperr.CodeNotFound, apperr.CodeForbidden, apperr.CodeDisconnected, apperr.CodeMediaUnavailable:
		return false
	}
	return true
}

func renderRequest(p model.RenderJobPayload) model.RenderRequest {
	req := model.RenderRequest{ProjectID: p.ProjectID, RenderSessionID: p.RenderSessionID}
	if p.Width != nil {
		req.Width = *p.Width
	}
	if p.Height != nil {
		req.Height = *p.Height
	}
	if p.FPS != nil {
		req.FPS = *p.FPS
	}
	return req
}
