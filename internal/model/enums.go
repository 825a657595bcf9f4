package model

// Job status
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCanceled
}

// Layer types
type LayerType string

const (
	LayerTypeVideo LayerType = "video"
	LayerTypeAudio LayerType = "audio"
	LayerTypeImage LayerType = "image"
	LayerTypeText  LayerType = "text"
	LayerTypeShape LayerType = "shape"
	LayerTypeGroup LayerType = "group"
)

// HasMedia reports whether layers of this type reference a time-based media
// source that may carry sound.
func (t LayerType) HasMedia() bool {
	return t == LayerTypeVideo || t == LayerTypeAudio
}

// Render phases
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseCapturing    Phase = "capturing"
	PhaseEncoding     Phase = "encoding"
	PhaseDone         Phase = "done"
	PhaseError        Phase = "error"
)

// Terminal reports whether the phase ends a render session.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseError
}
