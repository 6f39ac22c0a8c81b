package segment_test

import (
	"testing"
	"time"

	"github.com/MrWong99/dictado/internal/segment"
	"github.com/MrWong99/dictado/pkg/audio"
)

const (
	rate      = 16000
	frameSize = 480 // 30 ms
)

func newSegmenter(t *testing.T) *segment.Segmenter {
	t.Helper()
	s, err := segment.NewSegmenter(segment.Config{
		SampleRate: rate,
		MinSpeech:  500 * time.Millisecond,
		MinSilence: time.Second,
	})
	if err != nil {
		t.Fatalf("NewSegmenter: %v", err)
	}
	return s
}

// feed pushes a run-length pattern of speech/silence frames and returns
// every segment emitted plus the offset after the last frame.
func feed(s *segment.Segmenter, start int64, runs ...run) ([]audio.Segment, []segment.Event, int64) {
	var segs []audio.Segment
	var events []segment.Event
	off := start
	for _, r := range runs {
		for range r.frames {
			ev := s.Feed(segment.ClassifiedFrame{Offset: off, IsSpeech: r.speech})
			if ev.Kind != segment.EventNone {
				events = append(events, ev)
			}
			if ev.Kind == segment.EventSegment {
				segs = append(segs, ev.Segment)
			}
			off += frameSize
		}
	}
	return segs, events, off
}

type run struct {
	speech bool
	frames int
}

func silence(n int) run { return run{speech: false, frames: n} }
func speech(n int) run  { return run{speech: true, frames: n} }

func TestSegmenter_EndToEndScenario(t *testing.T) {
	t.Parallel()
	s := newSegmenter(t)

	// Emission must happen while the trailing silence is still being fed.
	segs, _, off := feed(s, 0, silence(20), speech(30), silence(35))
	if len(segs) != 1 {
		t.Fatalf("segments after 35 silent frames = %d, want 1", len(segs))
	}
	more, _, off := feed(s, off, silence(5))
	if len(more) != 0 {
		t.Fatalf("unexpected extra segments: %v", more)
	}
	if ev := s.Flush(off); ev.Kind != segment.EventNone {
		t.Errorf("Flush after completed utterance = %v, want none", ev.Kind)
	}

	got := segs[0]
	if got.Start != 9600 || got.End != 24000 {
		t.Errorf("segment = [%d, %d), want [9600, 24000)", got.Start, got.End)
	}
	if d := got.DurationSeconds(); d < 0.87 || d > 0.93 {
		t.Errorf("duration = %.3fs, want ≈0.9s", d)
	}
	if got.SampleRate != rate {
		t.Errorf("sample rate = %d, want %d", got.SampleRate, rate)
	}
	if s.State() != segment.Idle {
		t.Errorf("state = %v, want idle", s.State())
	}
}

func TestSegmenter_OneSegmentWithinOneFrame(t *testing.T) {
	t.Parallel()
	frameDur := float64(frameSize) / rate
	for _, speechFrames := range []int{17, 25, 60, 200} {
		s := newSegmenter(t)
		segs, _, _ := feed(s, 0, silence(40), speech(speechFrames), silence(40))
		if len(segs) != 1 {
			t.Fatalf("speech=%d frames: segments = %d, want 1", speechFrames, len(segs))
		}
		want := float64(speechFrames) * frameDur
		if diff := segs[0].DurationSeconds() - want; diff > frameDur || diff < -frameDur {
			t.Errorf("speech=%d frames: duration %.3f, want %.3f±%.3f", speechFrames, segs[0].DurationSeconds(), want, frameDur)
		}
	}
}

func TestSegmenter_NoiseBurstSuppressed(t *testing.T) {
	t.Parallel()
	s := newSegmenter(t)
	// 10 frames is 0.3 s, below the 0.5 s minimum.
	segs, events, off := feed(s, 0, silence(40), speech(10), silence(40))
	if len(segs) != 0 {
		t.Fatalf("segments = %v, want none", segs)
	}
	var discarded int
	for _, ev := range events {
		if ev.Kind == segment.EventDiscarded {
			discarded++
		}
	}
	if discarded != 1 {
		t.Errorf("discard events = %d, want 1", discarded)
	}
	if ev := s.Flush(off); ev.Kind != segment.EventNone {
		t.Errorf("Flush = %v, want none", ev.Kind)
	}
}

func TestSegmenter_ShortPausesDoNotSplit(t *testing.T) {
	t.Parallel()
	s := newSegmenter(t)
	// 20 silent frames is 0.6 s, below the 1 s silence threshold.
	segs, _, _ := feed(s, 0, speech(20), silence(20), speech(20), silence(40))
	if len(segs) != 1 {
		t.Fatalf("segments = %d, want 1", len(segs))
	}
	if segs[0].Start != 0 || segs[0].End != 60*frameSize {
		t.Errorf("segment = [%d, %d), want [0, %d)", segs[0].Start, segs[0].End, 60*frameSize)
	}
}

func TestSegmenter_Flush(t *testing.T) {
	t.Parallel()

	t.Run("mid speech ends at stream end", func(t *testing.T) {
		t.Parallel()
		s := newSegmenter(t)
		_, _, off := feed(s, 0, silence(5), speech(30))
		ev := s.Flush(off)
		if ev.Kind != segment.EventSegment {
			t.Fatalf("Flush = %v, want segment", ev.Kind)
		}
		if ev.Segment.Start != 5*frameSize || ev.Segment.End != off {
			t.Errorf("segment = [%d, %d), want [%d, %d)", ev.Segment.Start, ev.Segment.End, 5*frameSize, off)
		}
		if s.State() != segment.Idle {
			t.Error("Flush did not return to idle")
		}
	})

	t.Run("pending silence ends at silence start", func(t *testing.T) {
		t.Parallel()
		s := newSegmenter(t)
		_, _, off := feed(s, 0, speech(30), silence(10))
		ev := s.Flush(off)
		if ev.Kind != segment.EventSegment || ev.Segment.End != 30*frameSize {
			t.Errorf("Flush = %+v, want segment ending at %d", ev, 30*frameSize)
		}
	})

	t.Run("short speech is discarded", func(t *testing.T) {
		t.Parallel()
		s := newSegmenter(t)
		_, _, off := feed(s, 0, speech(5))
		if ev := s.Flush(off); ev.Kind != segment.EventDiscarded {
			t.Errorf("Flush = %v, want discarded", ev.Kind)
		}
	})

	t.Run("idle is a no-op", func(t *testing.T) {
		t.Parallel()
		s := newSegmenter(t)
		if ev := s.Flush(12345); ev.Kind != segment.EventNone {
			t.Errorf("Flush = %v, want none", ev.Kind)
		}
	})
}

func TestSegmenter_Reset(t *testing.T) {
	t.Parallel()
	patterns := map[string][]run{
		"idle":            nil,
		"speaking":        {speech(10)},
		"pending silence": {speech(10), silence(3)},
	}
	for name, p := range patterns {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			s := newSegmenter(t)
			_, _, off := feed(s, 0, p...)
			s.Reset()
			if s.State() != segment.Idle {
				t.Fatalf("state after Reset = %v, want idle", s.State())
			}
			// Cleared timers: a flush right after reset emits nothing and a new
			// utterance starts at its own offset.
			if ev := s.Flush(off); ev.Kind != segment.EventNone {
				t.Errorf("Flush after Reset = %v, want none", ev.Kind)
			}
			segs, _, _ := feed(s, off, speech(20), silence(40))
			if len(segs) != 1 || segs[0].Start != off {
				t.Errorf("segments after Reset = %v, want one starting at %d", segs, off)
			}
		})
	}
}

func TestSegmenter_SpeechStartEvent(t *testing.T) {
	t.Parallel()
	s := newSegmenter(t)
	if ev := s.Feed(segment.ClassifiedFrame{Offset: 0}); ev.Kind != segment.EventNone {
		t.Errorf("silent frame event = %v, want none", ev.Kind)
	}
	if ev := s.Feed(segment.ClassifiedFrame{Offset: 480, IsSpeech: true}); ev.Kind != segment.EventSpeechStart {
		t.Errorf("first speech frame event = %v, want speech_start", ev.Kind)
	}
	if s.State() != segment.Speaking {
		t.Errorf("state = %v, want speaking", s.State())
	}
}

func TestNewSegmenter_InvalidConfig(t *testing.T) {
	t.Parallel()
	tests := []segment.Config{
		{SampleRate: 0, MinSpeech: time.Second, MinSilence: time.Second},
		{SampleRate: rate, MinSpeech: -time.Second},
		{SampleRate: rate, MinSilence: -time.Second},
	}
	for _, cfg := range tests {
		if _, err := segment.NewSegmenter(cfg); err == nil {
			t.Errorf("NewSegmenter(%+v) succeeded, want error", cfg)
		}
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	if segment.Idle.String() != "idle" || segment.Speaking.String() != "speaking" {
		t.Error("unexpected state names")
	}
}
