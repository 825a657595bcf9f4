package model

import "time"

// Project is the snapshot of an animation project the renderer works from.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	FPS       float64   `json:"fps"`
	Duration  float64   `json:"duration"`
	Layers    []Layer   `json:"layers"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Layer is one timeline layer. Times are in seconds on the project timeline,
// ContentOffset and ContentDuration are in seconds of the source media.
type Layer struct {
	ID              string    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Type            LayerType `json:"type"`
	Source          string    `json:"source,omitempty"`
	EnterTime       *float64  `json:"enterTime,omitempty"`
	ExitTime        *float64  `json:"exitTime,omitempty"`
	ContentOffset   float64   `json:"contentOffset,omitempty"`
	ContentDuration *float64  `json:"contentDuration,omitempty"`
	Volume          *float64  `json:"volume,omitempty"`
	Muted           bool      `json:"muted,omitempty"`
}

// RenderViewResponse is what the render-only view receives after presenting
// its token.
type RenderViewResponse struct {
	Project *Project `json:"project"`
}
