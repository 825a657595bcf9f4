// Package progress fans render progress events out to observers, keyed by
// render session ID.
package progress

import (
	"context"

	"github.com/makeasinger/render-api/internal/model"
)

// Broker publishes and subscribes to per-session progress events.
type Broker interface {
	// Publish is fire-and-forget: a slow or absent observer never blocks the
	// render.
	Publish(ctx context.Context, event model.RenderProgress) error
	// Subscribe returns a subscription for sessionID. Events published before
	// Subscribe returns are not replayed.
	Subscribe(ctx context.Context, sessionID string) (Subscription, error)
}

// Subscription is a live stream of events. C is closed after the terminal
// (done or error) event has been delivered, or after Close.
type Subscription interface {
	C() <-chan model.RenderProgress
	Close()
}
