package audio

import (
	"fmt"
	"time"
)

// Frame is a fixed-length slice of mono samples normalised to [-1, 1].
// Frames are the atomic unit of classification. Offset is the global sample
// index of Samples[0] on the stream's timeline; offsets increase
// monotonically for the lifetime of a stream.
//
// A Frame is immutable once delivered. Sources may recycle the backing array
// after the consumer has finished with it, so consumers that retain samples
// beyond the handler call must copy them.
type Frame struct {
	Samples    []float32
	Offset     int64
	SampleRate int
}

// End returns the offset one past the last sample of the frame.
func (f Frame) End() int64 { return f.Offset + int64(len(f.Samples)) }

// Timestamp returns the frame's start position relative to stream start.
func (f Frame) Timestamp() time.Duration {
	return SamplesToDuration(f.Offset, f.SampleRate)
}

// Segment is a half-open interval [Start, End) on a stream's sample timeline.
// Samples holds the audio for the interval when the producer extracted it;
// it may be nil for segments that only describe boundaries.
type Segment struct {
	Start      int64
	End        int64
	SampleRate int
	Samples    []float32
}

// Len returns the number of samples covered by the interval.
func (s Segment) Len() int64 { return s.End - s.Start }

// Duration returns the length of the interval.
func (s Segment) Duration() time.Duration {
	return SamplesToDuration(s.Len(), s.SampleRate)
}

// DurationSeconds returns the length of the interval in seconds.
func (s Segment) DurationSeconds() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(s.Len()) / float64(s.SampleRate)
}

// StartTime returns the interval start relative to stream start.
func (s Segment) StartTime() time.Duration {
	return SamplesToDuration(s.Start, s.SampleRate)
}

// String implements fmt.Stringer.
func (s Segment) String() string {
	return fmt.Sprintf("[%s, %s) %.2fs",
		s.StartTime().Round(time.Millisecond),
		SamplesToDuration(s.End, s.SampleRate).Round(time.Millisecond),
		s.DurationSeconds(),
	)
}

// OverflowSignal reports that the capture path lost or mangled audio before
// the frame it accompanies. It is informational: the frame is still valid
// and capture continues.
type OverflowSignal struct {
	// Dropped is the number of units lost since the previous delivery: whole
	// frames for "queue_full", packets for "packet_loss".
	Dropped int

	// Reason is a short machine-friendly cause, e.g. "queue_full",
	// "malformed_buffer" or "packet_loss".
	Reason string
}

// String implements fmt.Stringer.
func (o OverflowSignal) String() string {
	return fmt.Sprintf("overflow: %s (dropped=%d)", o.Reason, o.Dropped)
}

// SamplesToDuration converts a sample count at rate Hz into a duration.
func SamplesToDuration(n int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n * int64(time.Second) / int64(rate))
}

// DurationToSamples converts d into a whole number of samples at rate Hz.
func DurationToSamples(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

// SecondsToSamples converts a duration in seconds into a whole number of
// samples at rate Hz.
func SecondsToSamples(sec float64, rate int) int64 {
	return int64(sec*float64(rate) + 0.5)
}

// FrameSize returns the number of samples per frame for the given sample rate
// and frame duration in milliseconds.
func FrameSize(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000
}
