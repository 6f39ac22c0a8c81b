package segment

import (
	"errors"
	"math"
	"slices"

	"github.com/MrWong99/dictado/pkg/audio"
)

// ErrEmptySegment is returned by [Trim] when no sample exceeds the threshold.
// The segment must be discarded.
var ErrEmptySegment = errors.New("segment: nothing above trim threshold")

// Merge sorts segments by start and coalesces neighbours separated by a gap
// shorter than minGap samples. With minGap >= 0 overlapping segments always
// merge. The input is not modified. Merged segments describe boundaries only:
// Samples is nil for any segment that absorbed a neighbour.
//
// Merge is deterministic and idempotent.
func Merge(segments []audio.Segment, minGap int64) []audio.Segment {
	if len(segments) == 0 {
		return nil
	}
	sorted := slices.Clone(segments)
	slices.SortStableFunc(sorted, func(a, b audio.Segment) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		default:
			return 0
		}
	})

	out := make([]audio.Segment, 0, len(sorted))
	out = append(out, sorted[0])
	for _, seg := range sorted[1:] {
		last := &out[len(out)-1]
		if seg.Start-last.End < minGap {
			if seg.End > last.End {
				last.End = seg.End
			}
			last.Samples = nil
			continue
		}
		out = append(out, seg)
	}
	return out
}

// TrimSamples returns the sub-slice from the first to the last sample whose
// magnitude exceeds threshold, inclusive, and the index of its first sample.
// It returns nil when nothing exceeds threshold.
func TrimSamples(samples []float32, threshold float64) ([]float32, int) {
	first := -1
	for i, x := range samples {
		if math.Abs(float64(x)) > threshold {
			first = i
			break
		}
	}
	if first < 0 {
		return nil, 0
	}
	last := first
	for i := len(samples) - 1; i > first; i-- {
		if math.Abs(float64(samples[i])) > threshold {
			last = i
			break
		}
	}
	return samples[first : last+1], first
}

// Trim removes leading and trailing near-silent samples from seg and moves
// its boundaries to match. It returns [ErrEmptySegment] when no sample
// exceeds threshold.
func Trim(seg audio.Segment, threshold float64) (audio.Segment, error) {
	trimmed, first := TrimSamples(seg.Samples, threshold)
	if trimmed == nil {
		return audio.Segment{}, ErrEmptySegment
	}
	seg.Start += int64(first)
	seg.End = seg.Start + int64(len(trimmed))
	seg.Samples = trimmed
	return seg, nil
}
