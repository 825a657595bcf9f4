// Package ffmpeg drives the external encoder and prober processes.
package ffmpeg

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/makeasinger/render-api/internal/model"
)

// EncodeSpec is everything the encoder command line depends on.
type EncodeSpec struct {
	Width    int
	Height   int
	FPS      float64
	Duration float64
	Tracks   []model.AudioTrackInfo
}

// Fixed video settings. Output is fragmented MP4 so it can be streamed
// while it is being written.
const (
	videoCodec   = "libx264"
	videoPreset  = "medium"
	videoCRF     = "18"
	pixelFormat  = "yuv420p"
	audioCodec   = "aac"
	audioBitrate = "192k"
	movFlags     = "frag_keyframe+empty_moov+default_base_moof"
)

// BuildArgs returns the encoder arguments: PNG frames on stdin as input 0,
// one input per audio track, MP4 on stdout.
func BuildArgs(spec EncodeSpec) []string {
	fps := formatFloat(spec.FPS)

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", fps,
		"-c:v", "png",
		"-i", "pipe:0",
	}
	for _, track := range spec.Tracks {
		args = append(args, "-i", track.SourceURL)
	}

	if filter := BuildAudioFilter(spec.Tracks, spec.Duration); filter != "" {
		args = append(args, "-filter_complex", filter, "-map", "0:v", "-map", "[aout]")
	} else {
		args = append(args, "-map", "0:v")
	}

	args = append(args,
		"-c:v", videoCodec,
		"-preset", videoPreset,
		"-crf", videoCRF,
		"-pix_fmt", pixelFormat,
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-r", fps,
	)
	if len(spec.Tracks) > 0 {
		args = append(args, "-c:a", audioCodec, "-b:a", audioBitrate)
	}

	return append(args,
		"-movflags", movFlags,
		"-f", "mp4",
		"pipe:1",
	)
}

// BuildAudioFilter builds the filter graph mixing every track into [aout].
// Track i is encoder input i+1. It returns "" when there are no tracks.
func BuildAudioFilter(tracks []model.AudioTrackInfo, duration float64) string {
	if len(tracks) == 0 {
		return ""
	}

	var b strings.Builder
	for i, track := range tracks {
		fmt.Fprintf(&b, "[%d:a]atrim=start=%s:duration=%s,asetpts=PTS-STARTPTS,adelay=%d:all=1,volume=%s[a%d];",
			i+1,
			formatFloat(track.MediaStartOffset),
			formatFloat(track.MediaDuration),
			int64(math.Round(track.EnterTime*1000)),
			formatFloat(track.Volume),
			i,
		)
	}
	for i := range tracks {
		fmt.Fprintf(&b, "[a%d]", i)
	}
	fmt.Fprintf(&b, "amix=inputs=%d:duration=longest:normalize=0,atrim=duration=%s[aout]",
		len(tracks), formatFloat(duration))

	return b.String()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
