// Package browser drives the headless rendering surface that draws frames
// of the render-only view.
package browser

import (
	"context"

	"github.com/makeasinger/render-api/internal/model"
)

// Launcher starts browser instances. Every render owns its own instance.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one running browser instance.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a tab loaded with the render-only view. The view exposes
// window.__RENDER__ with ready, seek, seekAndWait and getConfig.
type Page interface {
	SetViewport(ctx context.Context, width, height int) error
	Navigate(ctx context.Context, url string) error
	// WaitReady blocks until the view reports its initial layout and media
	// are loaded.
	WaitReady(ctx context.Context) error
	// Config returns the geometry the loaded project actually realises.
	Config(ctx context.Context) (model.ViewConfig, error)
	// SeekAndWait moves the view to t seconds and blocks until every
	// time-dependent element has settled.
	SeekAndWait(ctx context.Context, t float64) error
	// Screenshot returns a PNG clipped to width x height.
	Screenshot(ctx context.Context, width, height int) ([]byte, error)
	Close() error
}
