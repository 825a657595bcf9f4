package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/logger"
)

const stderrTail = 4096

// Encoder starts encoder processes.
type Encoder struct {
	path string
	log  *logger.Logger
}

// NewEncoder returns an Encoder running the binary at path ("ffmpeg" when
// empty, looked up in PATH).
func NewEncoder(path string, log *logger.Logger) *Encoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &Encoder{path: path, log: logger.OrNop(log).WithComponent("encoder")}
}

// Process is one running encoder.
type Process struct {
	cmd    *exec.Cmd
	stdout *os.File
	log    *logger.Logger

	done chan struct{}
	err  error

	killOnce sync.Once
}

// Start launches the encoder for spec. Every audio input is on the command
// line before the process starts. frames is copied to the process stdin and
// stdin is closed when frames returns EOF. The process is killed when ctx is
// cancelled.
func (e *Encoder) Start(ctx context.Context, spec EncodeSpec, frames io.Reader) (*Process, error) {
	args := BuildArgs(spec)
	cmd := exec.CommandContext(ctx, e.path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperr.Encoder(err, "")
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, apperr.Encoder(err, "")
	}
	cmd.Stdout = stdoutW

	tail := newTailBuffer(stderrTail)
	cmd.Stderr = io.MultiWriter(newLogWriter(e.log, "stderr"), tail)

	e.log.Debug("starting encoder", "inputs", len(spec.Tracks)+1, "width", spec.Width, "height", spec.Height, "fps", spec.FPS)

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, apperr.Encoder(fmt.Errorf("start %s: %w", e.path, err), "")
	}
	// The child holds its own copy of the write end.
	stdoutW.Close()

	proc := &Process{
		cmd:    cmd,
		stdout: stdoutR,
		log:    e.log,
		done:   make(chan struct{}),
	}

	go func() {
		_, err := io.Copy(stdin, frames)
		if err != nil && !errors.Is(err, os.ErrClosed) {
			e.log.Debug("frame input stopped", "error", err.Error())
		}
		stdin.Close()
	}()

	go func() {
		err := cmd.Wait()
		if err != nil {
			proc.err = apperr.Encoder(err, tail.String())
		}
		close(proc.done)
	}()

	return proc, nil
}

// Stdout is the encoded output stream. It reaches EOF when the process exits.
func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// Wait blocks until the process exits and returns an encoder error for a
// nonzero exit.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Kill terminates the process. It is safe to call more than once and after
// the process has exited.
func (p *Process) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = kerr
		}
	})
	return err
}
