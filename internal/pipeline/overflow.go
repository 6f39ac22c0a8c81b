package pipeline

import (
	"context"
	"log/slog"

	"github.com/MrWong99/dictado/internal/observe"
	"github.com/MrWong99/dictado/internal/segment"
	"github.com/MrWong99/dictado/pkg/audio"
)

// handleOverflow applies the overflow policy to an utterance in progress and
// truncates the retention buffer to the configured keep window. It runs
// before the frame the signal accompanies is processed, so a flushed
// utterance ends at the last frame received before the loss.
func (p *Pipeline) handleOverflow(ctx context.Context, sig audio.OverflowSignal) {
	speaking := p.seg.State() == segment.Speaking
	observe.Logger(ctx).Warn("pipeline: audio overflow",
		"reason", sig.Reason,
		"dropped", sig.Dropped,
		"policy", p.cfg.Overflow,
		"speaking", speaking,
		"at", audio.SamplesToDuration(p.end, p.cfg.SampleRate),
	)
	p.metrics.RecordOverflow(ctx, sig.Reason, string(p.cfg.Overflow), sig.Dropped)

	p.mu.Lock()
	p.stats.Overflows++
	if sig.Reason == ReasonQueueFull {
		p.stats.DroppedFrames += sig.Dropped
	}
	p.mu.Unlock()

	if speaking {
		switch p.cfg.Overflow {
		case OverflowDrop:
			p.seg.Reset()
			p.discard(ctx, DiscardOverflow)
		default:
			p.handleEvent(ctx, p.seg.Flush(p.end))
		}
	}

	keep := int(audio.DurationToSamples(p.cfg.OverflowKeep, p.cfg.SampleRate))
	if n := p.buf.Keep(keep); n > 0 {
		slog.Debug("pipeline: buffer truncated after overflow", "discarded_samples", n, "kept_samples", p.buf.Len())
	}

	if p.onOverflow != nil {
		p.onOverflow(sig)
	}
}
