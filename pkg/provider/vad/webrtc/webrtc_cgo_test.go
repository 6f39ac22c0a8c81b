//go:build cgo

package webrtc_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/dictado/pkg/provider/vad"
	"github.com/MrWong99/dictado/pkg/provider/vad/webrtc"
)

func newSession(t *testing.T, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	eng, err := webrtc.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := eng.NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_SilenceIsNeverSpeech(t *testing.T) {
	t.Parallel()
	for _, rate := range webrtc.SupportedRates {
		for _, ms := range webrtc.SupportedFrameMs {
			for sens := vad.MinSensitivity; sens <= vad.MaxSensitivity; sens++ {
				cfg := vad.Config{SampleRate: rate, FrameSizeMs: ms, Sensitivity: sens}
				s := newSession(t, cfg)
				for range 5 {
					res, err := s.ProcessFrame(make([]float32, cfg.FrameSize()))
					if err != nil {
						t.Fatalf("%+v: ProcessFrame: %v", cfg, err)
					}
					if res.IsSpeech || res.Probability != 0 {
						t.Fatalf("%+v: silent frame classified as speech", cfg)
					}
				}
			}
		}
	}
}

func TestSession_WrongLengthFrames(t *testing.T) {
	t.Parallel()
	s := newSession(t, vad.Config{SampleRate: 16000, FrameSizeMs: 30, Sensitivity: 2})
	for _, n := range []int{100, 480, 1000} {
		if _, err := s.ProcessFrame(make([]float32, n)); err != nil {
			t.Errorf("len %d: ProcessFrame: %v", n, err)
		}
	}
}

func TestSession_Closed(t *testing.T) {
	t.Parallel()
	s := newSession(t, vad.Config{SampleRate: 16000, FrameSizeMs: 10, Sensitivity: 1})
	s.Reset()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := s.ProcessFrame(make([]float32, 160))
	var ce *vad.ClassificationError
	if !errors.As(err, &ce) || !errors.Is(err, vad.ErrClosed) {
		t.Errorf("err = %v, want ClassificationError wrapping ErrClosed", err)
	}
}

func TestEngine_RejectsUnsupportedRate(t *testing.T) {
	t.Parallel()
	eng, _ := webrtc.New()
	if _, err := eng.NewSession(vad.Config{SampleRate: 22050, FrameSizeMs: 20}); !errors.Is(err, vad.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}
