package audio

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/makeasinger/render-api/internal/apperr"
	"github.com/makeasinger/render-api/internal/logger"
	"github.com/makeasinger/render-api/internal/media"
	"github.com/makeasinger/render-api/internal/model"
)

// Prober reports whether a media URL carries at least one audio stream.
type Prober interface {
	HasAudio(ctx context.Context, url string) (bool, error)
}

// URLResolver turns a stored media reference into a fetchable URL.
type URLResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ProbeFailurePolicy decides what a failed probe (as opposed to a probe that
// found no audio) does to the render.
type ProbeFailurePolicy string

const (
	// ProbeFailureDrop logs the failure and leaves the track out.
	ProbeFailureDrop ProbeFailurePolicy = "drop"
	// ProbeFailureFail aborts the render.
	ProbeFailureFail ProbeFailurePolicy = "fail"
)

// ParsePolicy maps a config value onto a policy, defaulting to drop.
func ParsePolicy(s string) ProbeFailurePolicy {
	if ProbeFailurePolicy(s) == ProbeFailureFail {
		return ProbeFailureFail
	}
	return ProbeFailureDrop
}

// Preparer resolves, sanitizes and probes extracted tracks.
type Preparer struct {
	resolver    URLResolver
	prober      Prober
	policy      ProbeFailurePolicy
	concurrency int
	log         *logger.Logger
}

// NewPreparer builds a Preparer. concurrency bounds parallel probes.
func NewPreparer(resolver URLResolver, prober Prober, policy ProbeFailurePolicy, concurrency int, log *logger.Logger) *Preparer {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Preparer{
		resolver:    resolver,
		prober:      prober,
		policy:      policy,
		concurrency: concurrency,
		log:         logger.OrNop(log).WithComponent("audio"),
	}
}

// Prepare returns the tracks that will actually be wired into the encoder,
// in their original order, with SourceURL replaced by the resolved and
// sanitized URL. Tracks whose source has no audio stream are dropped.
func (p *Preparer) Prepare(ctx context.Context, tracks []model.AudioTrackInfo) ([]model.AudioTrackInfo, error) {
	if len(tracks) == 0 {
		return nil, nil
	}

	keep := make([]bool, len(tracks))
	resolved := make([]string, len(tracks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, track := range tracks {
		i, track := i, track
		g.Go(func() error {
			url, err := p.resolve(gctx, track.SourceURL)
			if err != nil {
				return p.failed(track, "resolve", err)
			}
			hasAudio, err := p.prober.HasAudio(gctx, url)
			if err != nil {
				return p.failed(track, "probe", err)
			}
			if !hasAudio {
				p.log.Debug("dropping track without audio stream", "layer_id", track.LayerID)
				return nil
			}
			resolved[i] = url
			keep[i] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]model.AudioTrackInfo, 0, len(tracks))
	for i, track := range tracks {
		if keep[i] {
			track.SourceURL = resolved[i]
			out = append(out, track)
		}
	}
	return out, nil
}

func (p *Preparer) resolve(ctx context.Context, ref string) (string, error) {
	url := ref
	if p.resolver != nil {
		var err error
		if url, err = p.resolver.Resolve(ctx, ref); err != nil {
			return "", err
		}
	}
	return media.SanitizeForEncoder(url), nil
}

func (p *Preparer) failed(track model.AudioTrackInfo, stage string, err error) error {
	if p.policy == ProbeFailureFail {
		return apperr.WrapWithCode(err, apperr.CodeMediaUnavailable, "audio."+stage,
			fmt.Sprintf("audio source for layer %s is unavailable", track.LayerID))
	}
	p.log.Warn("dropping audio track", "layer_id", track.LayerID, "stage", stage, "error", err.Error())
	return nil
}
