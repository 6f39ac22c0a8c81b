package audio_test

import (
	"testing"

	"github.com/MrWong99/dictado/pkg/audio"
)

func collectFrames(accept bool) (*[]audio.Frame, func(audio.Frame) bool) {
	var frames []audio.Frame
	return &frames, func(f audio.Frame) bool {
		cp := f
		cp.Samples = append([]float32(nil), f.Samples...)
		frames = append(frames, cp)
		return accept
	}
}

func TestFramer_SplitsIntoFixedFrames(t *testing.T) {
	t.Parallel()
	f := audio.NewFramer(16000, 1, 4, 0)
	frames, emit := collectFrames(true)

	f.Write(seq(0, 3), emit)
	if len(*frames) != 0 {
		t.Fatalf("emitted %d frames before a frame was full", len(*frames))
	}
	f.Write(seq(3, 7), emit)
	if len(*frames) != 2 {
		t.Fatalf("emitted %d frames, want 2", len(*frames))
	}
	assertSamples(t, (*frames)[0].Samples, seq(0, 4))
	assertSamples(t, (*frames)[1].Samples, seq(4, 4))
	if (*frames)[0].Offset != 0 || (*frames)[1].Offset != 4 {
		t.Errorf("offsets = %d, %d; want 0, 4", (*frames)[0].Offset, (*frames)[1].Offset)
	}
	if (*frames)[1].SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", (*frames)[1].SampleRate)
	}
	assertSamples(t, f.Pending(), seq(8, 2))
	if f.Offset() != 8 {
		t.Errorf("Offset = %d, want 8", f.Offset())
	}
}

func TestFramer_DownmixesStereo(t *testing.T) {
	t.Parallel()
	f := audio.NewFramer(16000, 2, 2, 0)
	frames, emit := collectFrames(true)

	f.Write([]float32{0, 1, 1, 1, 0.5, 0.5}, emit)
	if len(*frames) != 1 {
		t.Fatalf("emitted %d frames, want 1", len(*frames))
	}
	assertSamples(t, (*frames)[0].Samples, []float32{0.5, 1})
	assertSamples(t, f.Pending(), []float32{0.5})
}

func TestFramer_RingReusesSlotOnlyAfterAccept(t *testing.T) {
	t.Parallel()
	f := audio.NewFramer(16000, 1, 2, 2)

	var raw []audio.Frame
	accept := true
	emit := func(fr audio.Frame) bool {
		raw = append(raw, fr)
		return accept
	}

	f.Write([]float32{1, 1}, emit) // slot 0, accepted
	accept = false
	f.Write([]float32{2, 2}, emit) // slot 1, rejected
	accept = true
	f.Write([]float32{3, 3}, emit) // slot 1 again, accepted

	if raw[0].Samples[0] != 1 {
		t.Errorf("accepted frame was overwritten: %v", raw[0].Samples)
	}
	if raw[2].Samples[0] != 3 {
		t.Errorf("third frame = %v, want [3 3]", raw[2].Samples)
	}
	if &raw[1].Samples[0] != &raw[2].Samples[0] {
		t.Error("rejected frame slot should be reused for the next frame")
	}
	if raw[2].Offset != 4 {
		t.Errorf("offset = %d, want 4", raw[2].Offset)
	}
}

func TestFramer_Skip(t *testing.T) {
	t.Parallel()
	f := audio.NewFramer(8000, 1, 80, 0)
	f.Skip(3)
	frames, emit := collectFrames(true)
	f.Write(make([]float32, 80), emit)
	if (*frames)[0].Offset != 240 {
		t.Errorf("offset = %d, want 240", (*frames)[0].Offset)
	}
}

func TestFrameAndSegmentTiming(t *testing.T) {
	t.Parallel()
	fr := audio.Frame{Samples: make([]float32, 480), Offset: 16000, SampleRate: 16000}
	if fr.End() != 16480 {
		t.Errorf("End = %d, want 16480", fr.End())
	}
	if fr.Timestamp().Seconds() != 1 {
		t.Errorf("Timestamp = %v, want 1s", fr.Timestamp())
	}

	seg := audio.Segment{Start: 9600, End: 24000, SampleRate: 16000}
	if seg.DurationSeconds() != 0.9 {
		t.Errorf("DurationSeconds = %v, want 0.9", seg.DurationSeconds())
	}
	if audio.FrameSize(16000, 30) != 480 {
		t.Errorf("FrameSize(16000, 30) = %d, want 480", audio.FrameSize(16000, 30))
	}
	if audio.SecondsToSamples(0.5, 16000) != 8000 {
		t.Errorf("SecondsToSamples(0.5) = %d, want 8000", audio.SecondsToSamples(0.5, 16000))
	}
}
