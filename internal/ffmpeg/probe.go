package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Stream is the subset of ffprobe stream output the renderer uses.
type Stream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Duration  string `json:"duration"`
}

// ProbeResult is what ffprobe reports for one source.
type ProbeResult struct {
	Streams []Stream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// HasAudio reports whether any stream is an audio stream.
func (r *ProbeResult) HasAudio() bool {
	for _, s := range r.Streams {
		if s.CodecType == "audio" {
			return true
		}
	}
	return false
}

// Duration returns the container duration in seconds, or 0 when unknown.
func (r *ProbeResult) Duration() float64 {
	d, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil {
		return 0
	}
	return d
}

// Prober runs ffprobe against media URLs.
type Prober struct {
	path    string
	timeout time.Duration
}

// NewProber returns a Prober. A zero timeout means 20 seconds.
func NewProber(path string, timeout time.Duration) *Prober {
	if path == "" {
		path = "ffprobe"
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Prober{path: path, timeout: timeout}
}

// Probe lists the streams of url.
func (p *Prober) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.path,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		url,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe %s: %w", url, ctx.Err())
		}
		return nil, fmt.Errorf("ffprobe %s: %w: %s", url, err, strings.TrimSpace(stderr.String()))
	}

	var result ProbeResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return &result, nil
}

// HasAudio reports whether url carries at least one audio stream.
func (p *Prober) HasAudio(ctx context.Context, url string) (bool, error) {
	result, err := p.Probe(ctx, url)
	if err != nil {
		return false, err
	}
	return result.HasAudio(), nil
}
