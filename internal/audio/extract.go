// Package audio derives encoder audio inputs from project layers.
package audio

import (
	"math"
	"strings"

	"github.com/samber/lo"

	"github.com/makeasinger/render-api/internal/model"
)

// Extract walks layers in order and returns one track per audible media
// layer. It is pure: the same layers and duration always give the same
// tracks in the same order.
//
// A layer contributes when its type carries media, it is not muted and it
// has a source. Its window on the timeline is [enterTime, exitTime), with
// enterTime defaulting to 0 and exitTime to the project duration. A negative
// enterTime is clamped to 0 and the skipped part moves the media start
// offset forward. When the
// source length is known the media duration never runs past
// contentDuration - contentOffset.
func Extract(layers []model.Layer, projectDuration float64) []model.AudioTrackInfo {
	return lo.FilterMap(layers, func(l model.Layer, _ int) (model.AudioTrackInfo, bool) {
		if !l.Type.HasMedia() || l.Muted || strings.TrimSpace(l.Source) == "" {
			return model.AudioTrackInfo{}, false
		}

		offset := math.Max(l.ContentOffset, 0)
		enter := 0.0
		if l.EnterTime != nil {
			enter = *l.EnterTime
		}
		// A layer that starts before zero is already that far into its media.
		if enter < 0 {
			offset -= enter
			enter = 0
		}
		exit := projectDuration
		if l.ExitTime != nil {
			exit = *l.ExitTime
		}

		mediaDuration := exit - enter
		if l.ContentDuration != nil {
			mediaDuration = math.Min(mediaDuration, *l.ContentDuration-offset)
		}
		if mediaDuration <= 0 || math.IsNaN(mediaDuration) {
			return model.AudioTrackInfo{}, false
		}

		volume := 1.0
		if l.Volume != nil {
			volume = math.Max(*l.Volume, 0)
		}

		return model.AudioTrackInfo{
			LayerID:          l.ID,
			SourceURL:        strings.TrimSpace(l.Source),
			EnterTime:        enter,
			MediaStartOffset: offset,
			MediaDuration:    mediaDuration,
			Volume:           volume,
		}, true
	})
}
