// Package webrtc implements a VAD engine backed by the WebRTC voice activity
// detector (via github.com/maxhawkins/go-webrtcvad).
//
// WebRTC VAD accepts 16-bit PCM at 8, 16, 32 or 48 kHz in frames of 10, 20
// or 30 ms. Sessions convert float frames to PCM and pad or truncate frames of
// the wrong length. The session's sensitivity is the detector's
// aggressiveness mode. The reported probability is 1 or 0.
//
// The detector needs cgo. Without it [New] returns an error wrapping
// [vad.ErrUnavailable] so that callers fall back to another strategy.
package webrtc

import (
	"fmt"
	"slices"

	"github.com/MrWong99/dictado/pkg/provider/vad"
)

// SupportedRates lists the sample rates the detector accepts.
var SupportedRates = []int{8000, 16000, 32000, 48000}

// SupportedFrameMs lists the frame durations the detector accepts.
var SupportedFrameMs = []int{10, 20, 30}

// ValidateConfig reports whether cfg can be served by the detector.
func ValidateConfig(cfg vad.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	if !slices.Contains(SupportedRates, cfg.SampleRate) {
		return fmt.Errorf("webrtc: %w: sample rate %d not in %v", vad.ErrInvalidConfig, cfg.SampleRate, SupportedRates)
	}
	if !slices.Contains(SupportedFrameMs, cfg.FrameSizeMs) {
		return fmt.Errorf("webrtc: %w: frame duration %dms not in %v", vad.ErrInvalidConfig, cfg.FrameSizeMs, SupportedFrameMs)
	}
	return nil
}

// fit returns frame with exactly n samples, truncating or zero-padding into
// dst when the length differs.
func fit(frame []float32, n int, dst []float32) []float32 {
	if len(frame) == n {
		return frame
	}
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	m := copy(dst, frame)
	clear(dst[m:])
	return dst
}
