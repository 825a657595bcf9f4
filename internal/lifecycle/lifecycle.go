// Package lifecycle releases the resources of one render exactly once.
package lifecycle

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/makeasinger/render-api/internal/logger"
)

// Reason says which termination path ran cleanup first.
type Reason string

const (
	ReasonComplete   Reason = "complete"
	ReasonDisconnect Reason = "disconnect"
	ReasonTimeout    Reason = "timeout"
	ReasonError      Reason = "error"
)

// Killer is a process that can be terminated.
type Killer interface {
	Kill() error
}

// Destroyer is a stream that can be aborted with a cause.
type Destroyer interface {
	Destroy(err error)
}

// Handle owns the browser, page, encoder and frame pipe of one render.
type Handle struct {
	grace time.Duration
	log   *logger.Logger

	mu          sync.Mutex
	browser     io.Closer
	page        io.Closer
	encoder     Killer
	pipe        Destroyer
	abort       func()
	captureDone <-chan struct{}

	once   sync.Once
	done   chan struct{}
	reason Reason
	cause  error
}

// New returns an empty handle. grace bounds how long cleanup waits for an
// in-flight frame capture before closing the page.
func New(grace time.Duration, log *logger.Logger) *Handle {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &Handle{
		grace: grace,
		log:   logger.OrNop(log).WithComponent("lifecycle"),
		done:  make(chan struct{}),
	}
}

// SetBrowser hands the browser to the handle. Like every setter, a resource
// attached after cleanup has run is released right away.
func (h *Handle) SetBrowser(b io.Closer) {
	if h.attach(func() { h.browser = b }) {
		h.closeQuietly("browser", b)
	}
}

func (h *Handle) SetPage(p io.Closer) {
	if h.attach(func() { h.page = p }) {
		h.closeQuietly("page", p)
	}
}

func (h *Handle) SetEncoder(k Killer) {
	if h.attach(func() { h.encoder = k }) {
		_ = k.Kill()
	}
}

func (h *Handle) SetPipe(d Destroyer) {
	if h.attach(func() { h.pipe = d }) {
		d.Destroy(h.cause)
	}
}

// SetAbort registers a func that cancels in-flight surface operations. It
// runs right after the pipe is destroyed.
func (h *Handle) SetAbort(abort func()) {
	if h.attach(func() { h.abort = abort }) {
		abort()
	}
}

// SetCaptureDone registers the channel closed when the capture loop returns.
func (h *Handle) SetCaptureDone(done <-chan struct{}) {
	h.attach(func() { h.captureDone = done })
}

// attach stores a resource and reports whether cleanup already ran.
func (h *Handle) attach(set func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return true
	default:
		set()
		return false
	}
}

// Cleanup tears everything down in order: kill the encoder, destroy the frame
// pipe, wait for the capture loop to return, close the page, close the
// browser. Only the first call does anything; it reports whether it did.
func (h *Handle) Cleanup(reason Reason, cause error) bool {
	ran := false
	h.once.Do(func() {
		ran = true

		h.mu.Lock()
		h.reason = reason
		h.cause = cause
		if h.cause == nil {
			h.cause = errors.New("render " + string(reason))
		}
		encoder, pipe, abort, page, browser, captureDone := h.encoder, h.pipe, h.abort, h.page, h.browser, h.captureDone
		close(h.done)
		h.mu.Unlock()

		h.run(encoder, pipe, abort, captureDone, page, browser)
		h.logOutcome(reason, cause)
	})
	return ran
}

func (h *Handle) run(encoder Killer, pipe Destroyer, abort func(), captureDone <-chan struct{}, page, browser io.Closer) {
	if encoder != nil {
		if err := encoder.Kill(); err != nil {
			h.log.Warn("failed to kill encoder", "error", err.Error())
		}
	}
	if pipe != nil {
		pipe.Destroy(h.cause)
	}
	if abort != nil {
		abort()
	}
	if captureDone != nil {
		select {
		case <-captureDone:
		case <-time.After(h.grace):
			// The page is closed while a capture may still be in flight. The
			// pipe is destroyed and abort has cancelled surface calls, so that
			// capture can only fail; it never delivers another frame.
			h.log.Error("capture still running after grace period, closing page under it", "grace", h.grace.String())
		}
	}
	if page != nil {
		h.closeQuietly("page", page)
	}
	if browser != nil {
		h.closeQuietly("browser", browser)
	}
}

func (h *Handle) closeQuietly(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		h.log.Warn("failed to close "+name, "error", err.Error())
	}
}

func (h *Handle) logOutcome(reason Reason, cause error) {
	switch reason {
	case ReasonComplete:
		h.log.Debug("render resources released", "reason", reason)
	case ReasonDisconnect:
		h.log.Info("consumer disconnected, render resources released", "reason", reason)
	default:
		h.log.WithError(cause).Error("render aborted, resources released", "reason", reason)
	}
}

// Reason returns the reason of the first cleanup, or "" before cleanup.
func (h *Handle) Reason() Reason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}
