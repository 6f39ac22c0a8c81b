// Package segment turns frame-level speech classifications into bounded
// speech segments.
//
// The [Segmenter] is a two-state hysteresis machine fed one
// [ClassifiedFrame] at a time. Finished segments can be coalesced with
// [Merge] and shrunk to their audible core with [Trim]. [Detect] runs the
// whole chain over a complete recording.
//
// All positions are integer sample offsets on the stream timeline; segments
// are half-open intervals [Start, End).
package segment

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/dictado/pkg/audio"
)

// ClassifiedFrame is the classifier's verdict for one frame.
type ClassifiedFrame struct {
	// Offset is the global sample index of the frame's first sample.
	Offset int64

	IsSpeech bool

	// Probability is diagnostic only.
	Probability float64
}

// Config holds the segmenter's timing parameters.
type Config struct {
	// SampleRate converts durations to sample counts.
	SampleRate int

	// MinSpeech is the shortest segment that is emitted. Shorter speech runs
	// are discarded.
	MinSpeech time.Duration

	// MinSilence is how long silence must last before an utterance ends. It is
	// also the merge gap used by [Detect].
	MinSilence time.Duration
}

// Validate reports whether cfg is usable.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", c.SampleRate))
	}
	if c.MinSpeech < 0 {
		errs = append(errs, fmt.Errorf("min speech %s must not be negative", c.MinSpeech))
	}
	if c.MinSilence < 0 {
		errs = append(errs, fmt.Errorf("min silence %s must not be negative", c.MinSilence))
	}
	return errors.Join(errs...)
}

// MinSilenceSamples returns MinSilence as a sample count.
func (c Config) MinSilenceSamples() int64 {
	return audio.DurationToSamples(c.MinSilence, c.SampleRate)
}

// State is the segmenter's mode.
type State int

const (
	// Idle means no utterance is in progress.
	Idle State = iota

	// Speaking means an utterance has started and not yet ended.
	Speaking
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Speaking:
		return "speaking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// EventKind classifies what a [Segmenter.Feed] call produced.
type EventKind int

const (
	// EventNone means the frame did not end or start an utterance.
	EventNone EventKind = iota

	// EventSpeechStart means the frame opened an utterance.
	EventSpeechStart

	// EventSegment means an utterance ended and met the minimum duration.
	EventSegment

	// EventDiscarded means an utterance ended but was too short.
	EventDiscarded
)

// String implements fmt.Stringer.
func (k EventKind) String() string {
	switch k {
	case EventNone:
		return "none"
	case EventSpeechStart:
		return "speech_start"
	case EventSegment:
		return "segment"
	case EventDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is the outcome of feeding one frame. Segment carries the interval
// for EventSegment and EventDiscarded; its Samples are always nil.
type Event struct {
	Kind    EventKind
	Segment audio.Segment
}

// Segmenter is the hysteresis state machine. It is not safe for concurrent
// use; the pipeline confines it to the consumer goroutine.
type Segmenter struct {
	rate       int
	minSpeech  int64
	minSilence int64

	state        State
	speechStart  int64
	silenceStart int64
	inSilence    bool
}

// NewSegmenter returns an idle segmenter.
func NewSegmenter(cfg Config) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	return &Segmenter{
		rate:       cfg.SampleRate,
		minSpeech:  audio.DurationToSamples(cfg.MinSpeech, cfg.SampleRate),
		minSilence: audio.DurationToSamples(cfg.MinSilence, cfg.SampleRate),
	}, nil
}

// State returns the current mode.
func (s *Segmenter) State() State { return s.state }

// Feed advances the machine by one classified frame.
func (s *Segmenter) Feed(f ClassifiedFrame) Event {
	switch s.state {
	case Idle:
		if f.IsSpeech {
			s.state = Speaking
			s.speechStart = f.Offset
			s.inSilence = false
			return Event{Kind: EventSpeechStart}
		}
	case Speaking:
		if f.IsSpeech {
			s.inSilence = false
			return Event{}
		}
		if !s.inSilence {
			s.inSilence = true
			s.silenceStart = f.Offset
		}
		if f.Offset-s.silenceStart >= s.minSilence {
			return s.finish(s.silenceStart)
		}
	}
	return Event{}
}

// Flush ends an utterance in progress at end of stream. end is the offset
// one past the last sample seen. If trailing silence was already pending the
// utterance ends where that silence began.
func (s *Segmenter) Flush(end int64) Event {
	if s.state != Speaking {
		return Event{}
	}
	stop := end
	if s.inSilence {
		stop = s.silenceStart
	}
	return s.finish(stop)
}

// Reset returns to Idle and clears all timers.
func (s *Segmenter) Reset() {
	s.state = Idle
	s.speechStart = 0
	s.silenceStart = 0
	s.inSilence = false
}

func (s *Segmenter) finish(stop int64) Event {
	seg := audio.Segment{Start: s.speechStart, End: stop, SampleRate: s.rate}
	s.Reset()
	if seg.Len() <= 0 || seg.Len() < s.minSpeech {
		return Event{Kind: EventDiscarded, Segment: seg}
	}
	return Event{Kind: EventSegment, Segment: seg}
}
