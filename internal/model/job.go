package model

import "time"

// Job represents a queued render in Redis
type Job struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	Status          JobStatus  `json:"status"`
	Progress        int        `json:"progress"`
	CurrentStep     string     `json:"currentStep,omitempty"`
	Error           *string    `json:"error,omitempty"`
	UserID          string     `json:"userId,omitempty"`
	RenderSessionID string     `json:"renderSessionId"`
	Payload         []byte     `json:"payload,omitempty"`
	Result          []byte     `json:"result,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	RetryCount      int        `json:"retryCount"`
}

// Job types
const (
	JobTypeRender = "render"
)

// RenderJobPayload is the asynq task body for a queued render
type RenderJobPayload struct {
	ProjectID       string   `json:"projectId"`
	RenderSessionID string   `json:"renderSessionId"`
	Width           *int     `json:"width,omitempty"`
	Height          *int     `json:"height,omitempty"`
	FPS             *float64 `json:"fps,omitempty"`
}
