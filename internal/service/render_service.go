package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/model"
)

const (
	TaskTypeRender = "render:video"
	QueueRender    = "render"

	jobTTL = 24 * time.Hour
)

// TaskEnqueuer is satisfied by *asynq.Client.
type TaskEnqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// TaskCanceler is satisfied by *asynq.Inspector.
type TaskCanceler interface {
	CancelProcessing(id string) error
}

// RenderTaskPayload is the body of a render:video task.
type RenderTaskPayload struct {
	JobID   string                 `json:"jobId"`
	UserID  string                 `json:"userId,omitempty"`
	Payload model.RenderJobPayload `json:"payload"`
}

// RenderService handles render job management
type RenderService struct {
	redis    redis.Cmdable
	enqueuer TaskEnqueuer
	canceler TaskCanceler
	maxRetry int
	log      *logger.Logger
}

func NewRenderService(redisClient redis.Cmdable, enqueuer TaskEnqueuer, canceler TaskCanceler, log *logger.Logger) *RenderService {
	return &RenderService{
		redis:    redisClient,
		enqueuer: enqueuer,
		canceler: canceler,
		maxRetry: 1,
		log:      logger.OrNop(log).WithComponent("render_service"),
	}
}

// StartRender queues a new render job
func (s *RenderService) StartRender(ctx context.Context, userID string, req *model.RenderStartRequest) (*model.RenderStartResponse, error) {
	jobID := uuid.New().String()
	now := time.Now()

	sessionID := req.RenderSessionID
	if sessionID == "" {
		sessionID = jobID
	}

	payload := model.RenderJobPayload{
		ProjectID:       req.ProjectID,
		RenderSessionID: sessionID,
		Width:           req.Width,
		Height:          req.Height,
		FPS:             req.FPS,
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	job := &model.Job{
		ID:              jobID,
		Type:            model.JobTypeRender,
		Status:          model.JobStatusQueued,
		UserID:          userID,
		RenderSessionID: sessionID,
		Payload:         payloadBytes,
		CreatedAt:       now,
	}

	if err := s.saveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	task, err := NewRenderTask(RenderTaskPayload{JobID: jobID, UserID: userID, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	_, err = s.enqueuer.EnqueueContext(ctx, task,
		asynq.Queue(QueueRender),
		asynq.TaskID(jobID),
		asynq.MaxRetry(s.maxRetry),
		asynq.Retention(jobTTL),
	)
	if err != nil {
		_ = s.FailJob(ctx, jobID, "failed to enqueue render")
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	s.log.WithJobID(jobID).Info("render queued", "project_id", req.ProjectID, "session_id", sessionID)

	return &model.RenderStartResponse{
		JobID:           jobID,
		RenderSessionID: sessionID,
		Status:          model.JobStatusQueued,
		CreatedAt:       now,
	}, nil
}

// GetStatus returns the current status of a render job
func (s *RenderService) GetStatus(ctx context.Context, jobID string) (*model.RenderStatusResponse, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &model.RenderStatusResponse{
		JobID:           job.ID,
		RenderSessionID: job.RenderSessionID,
		Status:          job.Status,
		Progress:        job.Progress,
		CurrentStep:     job.CurrentStep,
		Error:           job.Error,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		RetryCount:      job.RetryCount,
	}, nil
}

// GetResult returns the result of a completed render job
func (s *RenderService) GetResult(ctx context.Context, jobID string) (*model.RenderResultResponse, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status != model.JobStatusSucceeded {
		return nil, apperr.Conflict("job not completed").WithField("status", string(job.Status))
	}

	var result model.RenderResultResponse
	if err := json.Unmarshal(job.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return &result, nil
}

// CancelRender cancels a queued or running render job. A running render is
// interrupted through the task canceler when one is configured.
func (s *RenderService) CancelRender(ctx context.Context, jobID string) (*model.RenderCancelResponse, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status.Terminal() {
		return nil, apperr.Conflict("job already completed").WithField("status", string(job.Status))
	}

	wasRunning := job.Status == model.JobStatusRunning
	job.Status = model.JobStatusCanceled
	now := time.Now()
	job.CompletedAt = &now

	if err := s.saveJob(ctx, job); err != nil {
		return nil, err
	}

	if wasRunning && s.canceler != nil {
		if err := s.canceler.CancelProcessing(jobID); err != nil {
			s.log.WithJobID(jobID).WithError(err).Warn("failed to signal render cancellation")
		}
	}

	return &model.RenderCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  model.JobStatusCanceled,
	}, nil
}

// MarkRunning moves a queued job to running (called by worker). It returns a
// Conflict error when the job was canceled before the worker picked it up.
func (s *RenderService) MarkRunning(ctx context.Context, jobID string, attempt int) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == model.JobStatusCanceled {
		return apperr.Conflict("job was canceled")
	}

	now := time.Now()
	job.Status = model.JobStatusRunning
	job.StartedAt = &now
	job.RetryCount = attempt
	job.Error = nil
	return s.saveJob(ctx, job)
}

// UpdateJobProgress updates job progress (called by worker)
func (s *RenderService) UpdateJobProgress(ctx context.Context, jobID string, progress int, step string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	job.Progress = progress
	job.CurrentStep = step

	if job.Status == model.JobStatusQueued {
		job.Status = model.JobStatusRunning
		now := time.Now()
		job.StartedAt = &now
	}

	return s.saveJob(ctx, job)
}

// CompleteJob marks job as completed (called by worker)
func (s *RenderService) CompleteJob(ctx context.Context, jobID string, result interface{}) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == model.JobStatusCanceled {
		return apperr.Conflict("job was canceled")
	}

	resultBytes, err := json.Marshal(result)
	if err != nil {
		return err
	}

	job.Status = model.JobStatusSucceeded
	job.Progress = 100
	job.CurrentStep = string(model.PhaseDone)
	job.Result = resultBytes
	now := time.Now()
	job.CompletedAt = &now

	return s.saveJob(ctx, job)
}

// FailJob marks job as failed (called by worker). Canceled jobs stay canceled.
func (s *RenderService) FailJob(ctx context.Context, jobID string, errMsg string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == model.JobStatusCanceled {
		return nil
	}

	job.Status = model.JobStatusFailed
	job.Error = &errMsg
	now := time.Now()
	job.CompletedAt = &now

	return s.saveJob(ctx, job)
}

// GetJob loads a job record.
func (s *RenderService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperr.NotFound("job", jobID)
		}
		return nil, err
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}

	return &job, nil
}

func (s *RenderService) saveJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, jobKey(job.ID), data, jobTTL).Err()
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// NewRenderTask encodes p as a render:video task.
func NewRenderTask(p RenderTaskPayload) (*asynq.Task, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRender, data), nil
}

// ParseRenderTask decodes a render:video task body.
func ParseRenderTask(t *asynq.Task) (*RenderTaskPayload, error) {
	var p RenderTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	if p.JobID == "" || p.Payload.ProjectID == "" {
		return nil, fmt.Errorf("render task is missing jobId or projectId")
	}
	return &p, nil
}
