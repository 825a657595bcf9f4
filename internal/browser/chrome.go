package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/model"
)

const renderGlobal = "window.__RENDER__"

// Options configures ChromeLauncher.
type Options struct {
	// ExecPath is the browser binary. Empty lets chromedp search for one.
	ExecPath  string
	Headless  bool
	NoSandbox bool
	// LoadTimeout bounds launch, navigation and the readiness wait.
	LoadTimeout time.Duration
	// SettleTimeout bounds one seek-and-settle round trip.
	SettleTimeout time.Duration
}

// ChromeLauncher launches Chrome through chromedp.
type ChromeLauncher struct {
	opts Options
	log  *logger.Logger
}

// NewChromeLauncher returns a launcher with the given options.
func NewChromeLauncher(opts Options, log *logger.Logger) *ChromeLauncher {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 60 * time.Second
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = 15 * time.Second
	}
	return &ChromeLauncher{opts: opts, log: logger.OrNop(log).WithComponent("browser")}
}

func (l *ChromeLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", l.opts.Headless),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
		chromedp.DisableGPU,
	)
	if l.opts.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.opts.ExecPath))
	}
	return opts
}

// Launch starts a browser process. The instance outlives ctx; ctx only
// bounds the startup.
func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			l.log.Debug(fmt.Sprintf(format, args...))
		}),
	)

	b := &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		opts:        l.opts,
		log:         l.log,
	}

	// The first Run binds the browser process to the context it is given,
	// so it gets browserCtx itself and the caller's deadline cancels it.
	stop := cancelOn(ctx, l.opts.LoadTimeout, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		b.Close()
		return nil, apperr.Capture("browser.launch", err)
	}

	l.log.Debug("browser launched")
	return b, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	opts        Options
	log         *logger.Logger

	closeOnce sync.Once
	closeErr  error
}

func (b *chromeBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(b.ctx)

	stop := cancelOn(ctx, b.opts.LoadTimeout, tabCancel)
	err := chromedp.Run(tabCtx)
	stop()
	if err != nil {
		tabCancel()
		return nil, apperr.Capture("browser.new_page", err)
	}

	return &chromePage{ctx: tabCtx, cancel: tabCancel, opts: b.opts}, nil
}

func (b *chromeBrowser) Close() error {
	b.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(b.ctx, 5*time.Second)
		defer cancel()
		if err := chromedp.Cancel(ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.closeErr = err
		}
		b.cancel()
		b.allocCancel()
		b.log.Debug("browser closed")
	})
	return b.closeErr
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	opts   Options

	closeOnce sync.Once
}

func (p *chromePage) run(ctx context.Context, op string, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, stop := bridge(ctx, p.ctx, timeout)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return apperr.Capture(op, err)
	}
	return nil
}

func (p *chromePage) SetViewport(ctx context.Context, width, height int) error {
	return p.run(ctx, "page.viewport", p.opts.LoadTimeout,
		chromedp.EmulateViewport(int64(width), int64(height)))
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, "page.navigate", p.opts.LoadTimeout, chromedp.Navigate(url))
}

func (p *chromePage) WaitReady(ctx context.Context) error {
	var present, ready bool
	return p.run(ctx, "page.ready", p.opts.LoadTimeout,
		chromedp.Poll("typeof "+renderGlobal+" !== 'undefined'", &present,
			chromedp.WithPollingInterval(100*time.Millisecond)),
		chromedp.Evaluate(
			`Promise.resolve(typeof `+renderGlobal+`.ready === 'function' ? `+renderGlobal+`.ready() : `+renderGlobal+`.ready).then(() => true)`,
			&ready, awaitPromise),
	)
}

func (p *chromePage) Config(ctx context.Context) (model.ViewConfig, error) {
	var cfg model.ViewConfig
	err := p.run(ctx, "page.config", p.opts.LoadTimeout,
		chromedp.Evaluate(`Promise.resolve(`+renderGlobal+`.getConfig())`, &cfg, awaitPromise))
	return cfg, err
}

func (p *chromePage) SeekAndWait(ctx context.Context, t float64) error {
	var settled bool
	expr := renderGlobal + ".seekAndWait(" + strconv.FormatFloat(t, 'f', -1, 64) + ").then(() => true)"
	return p.run(ctx, "page.seek", p.opts.SettleTimeout, chromedp.Evaluate(expr, &settled, awaitPromise))
}

func (p *chromePage) Screenshot(ctx context.Context, width, height int) ([]byte, error) {
	var buf []byte
	err := p.run(ctx, "page.screenshot", p.opts.SettleTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithFromSurface(true).
			WithClip(&page.Viewport{X: 0, Y: 0, Width: float64(width), Height: float64(height), Scale: 1}).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (p *chromePage) Close() error {
	p.closeOnce.Do(p.cancel)
	return nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// bridge derives a context from the chromedp context target that is also
// cancelled when caller is done and after timeout.
func bridge(caller, target context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(target, timeout)
	stop := context.AfterFunc(caller, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// cancelOn calls cancel when caller is done or timeout elapses, until the
// returned stop func is called.
func cancelOn(caller context.Context, timeout time.Duration, cancel context.CancelFunc) func() {
	timer := time.AfterFunc(timeout, cancel)
	stop := context.AfterFunc(caller, cancel)
	return func() {
		timer.Stop()
		stop()
	}
}
