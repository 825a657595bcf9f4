// Package framepipe carries encoded frames from the capture loop to the
// encoder with bounded buffering.
package framepipe

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("framepipe: write after close")

// ErrDestroyed is the default reason for Destroy(nil).
var ErrDestroyed = errors.New("framepipe: destroyed")

// Pipe is a bounded queue of frames that reads as one byte stream. Write
// blocks while the queue is full. Write and Close must be called from the
// same goroutine; Read from one other goroutine. Destroy may be called from
// anywhere.
type Pipe struct {
	frames chan []byte

	eof    chan struct{}
	closed atomic.Bool

	done        chan struct{}
	destroyOnce sync.Once
	destroyErr  error

	cur []byte
}

// New returns a pipe buffering up to capacity frames.
func New(capacity int) *Pipe {
	if capacity < 1 {
		capacity = 1
	}
	return &Pipe{
		frames: make(chan []byte, capacity),
		eof:    make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Write queues one frame, waiting for room when the buffer is full. It
// returns early when ctx is done or the pipe is destroyed.
func (p *Pipe) Write(ctx context.Context, frame []byte) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case <-p.done:
		return p.destroyErr
	default:
	}

	select {
	case p.frames <- frame:
		return nil
	case <-p.done:
		return p.destroyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the end of input. Frames already queued are still read.
func (p *Pipe) Close() error {
	if p.closed.CompareAndSwap(false, true) {
		close(p.eof)
	}
	return nil
}

// Destroy aborts the pipe. Pending and future writes and reads fail with err.
func (p *Pipe) Destroy(err error) {
	if err == nil {
		err = ErrDestroyed
	}
	p.destroyOnce.Do(func() {
		p.destroyErr = err
		close(p.done)
	})
}

// Read implements io.Reader over the concatenated frames.
func (p *Pipe) Read(b []byte) (int, error) {
	for len(p.cur) == 0 {
		select {
		case <-p.done:
			return 0, p.destroyErr
		default:
		}

		select {
		case <-p.done:
			return 0, p.destroyErr
		case frame := <-p.frames:
			p.cur = frame
		case <-p.eof:
			select {
			case frame := <-p.frames:
				p.cur = frame
			default:
				return 0, io.EOF
			}
		}
	}

	n := copy(b, p.cur)
	p.cur = p.cur[n:]
	return n, nil
}

// InputClosed reports whether Close has been called.
func (p *Pipe) InputClosed() bool {
	return p.closed.Load()
}
