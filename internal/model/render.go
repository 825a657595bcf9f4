package model

import "time"

// RenderRequest describes one render session. Zero dimensions, fps or
// duration fall back to the project's own settings.
type RenderRequest struct {
	ProjectID       string
	RenderSessionID string
	Width           int
	Height          int
	FPS             float64
	Duration        float64
	ViewBaseURL     string
	// Project is the snapshot used for audio extraction. When nil the
	// project is loaded from the repository.
	Project *Project
}

// RenderStreamRequest is the body of POST /api/render/stream
type RenderStreamRequest struct {
	ProjectID       string   `json:"projectId" validate:"required,max=128"`
	RenderSessionID string   `json:"renderSessionId" validate:"required,max=128"`
	Width           *int     `json:"width" validate:"omitempty,min=16,max=7680"`
	Height          *int     `json:"height" validate:"omitempty,min=16,max=4320"`
	FPS             *float64 `json:"fps" validate:"omitempty,gt=0,lte=120"`
}

// RenderStartRequest is the body of POST /api/render/start
type RenderStartRequest struct {
	ProjectID       string   `json:"projectId" validate:"required,max=128"`
	RenderSessionID string   `json:"renderSessionId" validate:"omitempty,max=128"`
	Width           *int     `json:"width" validate:"omitempty,min=16,max=7680"`
	Height          *int     `json:"height" validate:"omitempty,min=16,max=4320"`
	FPS             *float64 `json:"fps" validate:"omitempty,gt=0,lte=120"`
}

// RenderStartResponse represents the response when queueing a render
type RenderStartResponse struct {
	JobID           string    `json:"jobId"`
	RenderSessionID string    `json:"renderSessionId"`
	Status          JobStatus `json:"status"`
	CreatedAt       time.Time `json:"createdAt"`
}

// RenderStatusResponse represents the status of a queued render
type RenderStatusResponse struct {
	JobID           string     `json:"jobId"`
	RenderSessionID string     `json:"renderSessionId"`
	Status          JobStatus  `json:"status"`
	Progress        int        `json:"progress"`
	CurrentStep     string     `json:"currentStep,omitempty"`
	Error           *string    `json:"error"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt"`
	CompletedAt     *time.Time `json:"completedAt"`
	RetryCount      int        `json:"retryCount"`
}

// RenderResultResponse describes a finished queued render
type RenderResultResponse struct {
	JobID       string    `json:"jobId"`
	ProjectID   string    `json:"projectId"`
	FileURL     string    `json:"fileUrl"`
	StorageKey  string    `json:"storageKey"`
	Size        int64     `json:"size"`
	Duration    float64   `json:"duration"`
	Frames      int       `json:"frames"`
	AudioTracks int       `json:"audioTracks"`
	CreatedAt   time.Time `json:"createdAt"`
}

// RenderCancelResponse represents the response to a cancel request
type RenderCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// AudioTrackInfo is one audio input derived from a layer. Never persisted.
type AudioTrackInfo struct {
	LayerID          string  `json:"layerId"`
	SourceURL        string  `json:"sourceUrl"`
	EnterTime        float64 `json:"enterTime"`
	MediaStartOffset float64 `json:"mediaStartOffset"`
	MediaDuration    float64 `json:"mediaDuration"`
	Volume           float64 `json:"volume"`
}

// RenderToken authorizes the render-only view for a single project.
type RenderToken struct {
	Token     string    `json:"token"`
	ProjectID string    `json:"projectId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RenderProgress is one event on a session's progress channel.
type RenderProgress struct {
	SessionID    string `json:"sessionId"`
	Phase        Phase  `json:"phase"`
	CurrentFrame int    `json:"currentFrame"`
	TotalFrames  int    `json:"totalFrames"`
	Percent      int    `json:"percent"`
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
}

// ViewConfig is the output geometry realised by the loaded render view.
type ViewConfig struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	FPS      float64 `json:"fps"`
	Duration float64 `json:"duration"`
}
