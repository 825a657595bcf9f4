package render

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/browser"
	"github.com/makeasinger/render-api/internal/ffmpeg"
	"github.com/makeasinger/render-api/internal/model"
)

var frameBytes = []byte("FRAME")

type fakeLauncher struct {
	cfg       model.ViewConfig
	seekDelay time.Duration
	failSeek  int

	launched atomic.Int32
	browsers []*fakeBrowser
	mu       sync.Mutex
}

func (l *fakeLauncher) Launch(context.Context) (browser.Browser, error) {
	l.launched.Add(1)
	b := &fakeBrowser{l: l}
	l.mu.Lock()
	l.browsers = append(l.browsers, b)
	l.mu.Unlock()
	return b, nil
}

func (l *fakeLauncher) browser() *fakeBrowser {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.browsers) == 0 {
		return nil
	}
	return l.browsers[0]
}

type fakeBrowser struct {
	l      *fakeLauncher
	page   *fakePage
	closed atomic.Int32
}

func (b *fakeBrowser) NewPage(context.Context) (browser.Page, error) {
	b.page = &fakePage{l: b.l}
	return b.page, nil
}

func (b *fakeBrowser) Close() error {
	b.closed.Add(1)
	return nil
}

type fakePage struct {
	l *fakeLauncher

	mu        sync.Mutex
	url       string
	seeks     []float64
	viewports [][2]int
	closed    atomic.Int32
}

func (p *fakePage) SetViewport(_ context.Context, w, h int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.viewports = append(p.viewports, [2]int{w, h})
	return nil
}

func (p *fakePage) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return nil
}

func (p *fakePage) WaitReady(context.Context) error { return nil }

func (p *fakePage) Config(context.Context) (model.ViewConfig, error) { return p.l.cfg, nil }

func (p *fakePage) SeekAndWait(ctx context.Context, t float64) error {
	p.mu.Lock()
	n := len(p.seeks)
	p.seeks = append(p.seeks, t)
	p.mu.Unlock()

	if p.l.failSeek > 0 && n == p.l.failSeek {
		return apperr.Capture("page.seek", errors.New("media element never settled"))
	}
	if p.l.seekDelay > 0 {
		select {
		case <-time.After(p.l.seekDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (p *fakePage) Screenshot(context.Context, int, int) ([]byte, error) {
	return frameBytes, nil
}

func (p *fakePage) Close() error {
	p.closed.Add(1)
	return nil
}

func (p *fakePage) seekTimes() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.seeks...)
}

// fakeEncoder consumes the frame stream and, unless told to fail, writes a
// fixed payload once the input ends.
type fakeEncoder struct {
	failAfterFrames int
	output          []byte

	mu    sync.Mutex
	specs []ffmpeg.EncodeSpec
	procs []*fakeProcess
}

func (e *fakeEncoder) Start(_ context.Context, spec ffmpeg.EncodeSpec, frames io.Reader) (EncoderProcess, error) {
	pr, pw := io.Pipe()
	p := &fakeProcess{stdout: pr, done: make(chan struct{}), kill: make(chan struct{})}

	e.mu.Lock()
	e.specs = append(e.specs, spec)
	e.procs = append(e.procs, p)
	e.mu.Unlock()

	go func() {
		defer close(p.done)
		defer pw.Close()

		buf := make([]byte, len(frameBytes))
		for {
			if e.failAfterFrames > 0 && p.frames.Load() == int32(e.failAfterFrames) {
				p.err = apperr.Encoder(errors.New("exit status 1"), "Invalid data found when processing input")
				return
			}
			if _, err := io.ReadFull(frames, buf); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				p.err = errors.New("signal: killed")
				return
			}
			if !bytes.Equal(buf, frameBytes) {
				p.err = errors.New("corrupt frame")
				return
			}
			p.frames.Add(1)
		}

		select {
		case <-p.kill:
			p.err = errors.New("signal: killed")
			return
		default:
		}
		_, _ = pw.Write(e.output)
	}()

	return p, nil
}

func (e *fakeEncoder) lastSpec() ffmpeg.EncodeSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.specs[len(e.specs)-1]
}

func (e *fakeEncoder) proc() *fakeProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.procs) == 0 {
		return nil
	}
	return e.procs[0]
}

type fakeProcess struct {
	stdout io.ReadCloser
	done   chan struct{}
	err    error
	frames atomic.Int32

	kill     chan struct{}
	killOnce sync.Once
	kills    atomic.Int32
}

func (p *fakeProcess) Stdout() io.ReadCloser { return p.stdout }

func (p *fakeProcess) Wait() error {
	<-p.done
	return p.err
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	p.killOnce.Do(func() { close(p.kill) })
	return nil
}

type allAudio struct{}

func (allAudio) HasAudio(context.Context, string) (bool, error) { return true, nil }
