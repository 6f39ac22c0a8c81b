package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/provider/vad"
)

// DetectStats summarises a [Detect] run.
type DetectStats struct {
	Frames               int
	SpeechFrames         int
	ClassificationErrors int
	Discarded            int
}

// Detect classifies a complete mono recording frame by frame, segments it and
// merges segments closer than cfg.MinSilence. A trailing partial frame is not
// classified. The returned segments reference samples; they are not copied.
//
// Classification errors count the frame as silence. Detect only fails when
// ctx is cancelled or cfg is invalid.
func Detect(ctx context.Context, samples []float32, frameSize int, cfg Config, sess vad.SessionHandle) ([]audio.Segment, DetectStats, error) {
	var stats DetectStats
	if frameSize <= 0 {
		return nil, stats, fmt.Errorf("segment: frame size %d must be positive", frameSize)
	}
	seg, err := NewSegmenter(cfg)
	if err != nil {
		return nil, stats, err
	}

	var found []audio.Segment
	collect := func(ev Event) {
		switch ev.Kind {
		case EventSegment:
			found = append(found, ev.Segment)
		case EventDiscarded:
			stats.Discarded++
		}
	}

	for off := 0; off+frameSize <= len(samples); off += frameSize {
		if stats.Frames%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}
		stats.Frames++

		res, err := sess.ProcessFrame(samples[off : off+frameSize])
		if err != nil {
			stats.ClassificationErrors++
			var ce *vad.ClassificationError
			if !errors.As(err, &ce) || stats.ClassificationErrors == 1 {
				slog.Warn("segment: classification failed, treating frame as silence",
					"offset", off,
					"err", err,
				)
			}
			res = vad.Result{}
		}
		if res.IsSpeech {
			stats.SpeechFrames++
		}
		collect(seg.Feed(ClassifiedFrame{
			Offset:      int64(off),
			IsSpeech:    res.IsSpeech,
			Probability: res.Probability,
		}))
	}
	collect(seg.Flush(int64(stats.Frames * frameSize)))

	merged := Merge(found, cfg.MinSilenceSamples())
	for i := range merged {
		merged[i].Samples = samples[merged[i].Start:merged[i].End]
	}
	return merged, stats, nil
}
