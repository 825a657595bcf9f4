// Package capture drives the rendering surface one frame at a time.
package capture

import (
	"context"
	"fmt"
	"math"

	"github.com/makeasinger/render-api/internal/apperr"
)

// Surface is the part of a page the loop drives.
type Surface interface {
	SeekAndWait(ctx context.Context, t float64) error
	Screenshot(ctx context.Context, width, height int) ([]byte, error)
}

// Sink receives frames in order. Write may block for backpressure.
type Sink interface {
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// Spec is the output geometry of one capture run.
type Spec struct {
	Width    int
	Height   int
	FPS      float64
	Duration float64
}

// Tick reports one frame handed to the sink.
type Tick struct {
	Frame   int
	Total   int
	Time    float64
	Percent int
}

// TotalFrames is ceil(fps * duration), ignoring float noise below 1e-6 so
// that 29.97fps for 2s gives 60 and not 61.
func TotalFrames(fps, duration float64) int {
	if fps <= 0 || duration <= 0 {
		return 0
	}
	return int(math.Ceil(math.Round(fps*duration*1e6) / 1e6))
}

// FrameTime is the timeline position of frame i.
func FrameTime(i int, fps float64) float64 {
	return float64(i) / fps
}

// Percent maps frame i of total onto 0..95. The last 5% belongs to the
// encoder flush.
func Percent(i, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(i) / float64(total) * 95))
}

// Run captures every frame of spec in increasing time order, writing each
// one to sink before seeking to the next. onFrame, when set, is called after
// each write. The sink is closed once the last frame is written; on error it
// is left open for the caller to destroy. Run returns the number of frames
// written.
func Run(ctx context.Context, surface Surface, sink Sink, spec Spec, onFrame func(Tick)) (int, error) {
	total := TotalFrames(spec.FPS, spec.Duration)
	if total == 0 || spec.Width <= 0 || spec.Height <= 0 {
		return 0, apperr.Validation(fmt.Sprintf("invalid capture geometry %dx%d at %gfps for %gs",
			spec.Width, spec.Height, spec.FPS, spec.Duration))
	}

	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return i, err
		}

		t := FrameTime(i, spec.FPS)
		if err := surface.SeekAndWait(ctx, t); err != nil {
			return i, frameError(err, "capture.seek", i, t)
		}

		frame, err := surface.Screenshot(ctx, spec.Width, spec.Height)
		if err != nil {
			return i, frameError(err, "capture.screenshot", i, t)
		}

		if err := sink.Write(ctx, frame); err != nil {
			return i, err
		}

		if onFrame != nil {
			onFrame(Tick{Frame: i, Total: total, Time: t, Percent: Percent(i, total)})
		}
	}

	return total, sink.Close()
}

func frameError(err error, op string, frame int, t float64) error {
	var e *apperr.Error
	if apperr.IsCode(err, apperr.CodeCaptureFailed) {
		e = apperr.Wrap(err, op, fmt.Sprintf("frame %d at %.3fs failed", frame, t))
	} else {
		e = apperr.Capture(op, err)
		e.Message = fmt.Sprintf("frame %d at %.3fs failed", frame, t)
	}
	return e.WithField("frame", frame).WithField("time", t)
}
