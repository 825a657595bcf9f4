package render

import (
	"context"
	"io"

	"github.com/makeasinger/render-api/internal/ffmpeg"
)

// Encoder starts the process that turns the frame stream and audio inputs
// into the output container.
type Encoder interface {
	Start(ctx context.Context, spec ffmpeg.EncodeSpec, frames io.Reader) (EncoderProcess, error)
}

// EncoderProcess is one running encoder.
type EncoderProcess interface {
	Stdout() io.ReadCloser
	Wait() error
	Kill() error
}

type ffmpegEncoder struct {
	enc *ffmpeg.Encoder
}

// FFmpeg adapts an ffmpeg.Encoder to Encoder.
func FFmpeg(enc *ffmpeg.Encoder) Encoder {
	return ffmpegEncoder{enc: enc}
}

func (e ffmpegEncoder) Start(ctx context.Context, spec ffmpeg.EncodeSpec, frames io.Reader) (EncoderProcess, error) {
	proc, err := e.enc.Start(ctx, spec, frames)
	if err != nil {
		return nil, err
	}
	return proc, nil
}
