package vad_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/dictado/pkg/provider/vad"
)

func TestEnergyThreshold(t *testing.T) {
	t.Parallel()
	tests := []struct {
		sens int
		want float64
	}{
		{0, 0.005},
		{1, 0.01},
		{2, 0.02},
		{3, 0.05},
		{-1, 0.02},
		{4, 0.02},
	}
	for _, tc := range tests {
		if got := vad.EnergyThreshold(tc.sens); got != tc.want {
			t.Errorf("EnergyThreshold(%d) = %v, want %v", tc.sens, got, tc.want)
		}
	}
}

func TestFallbacks(t *testing.T) {
	t.Parallel()
	if got := vad.Fallbacks[vad.StrategyWebRTC]; got != vad.StrategyEnergy {
		t.Errorf("webrtc fallback = %q, want %q", got, vad.StrategyEnergy)
	}
	if _, ok := vad.Fallbacks[vad.StrategyEnergy]; ok {
		t.Error("energy must not have a fallback")
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     vad.Config
		wantErr bool
	}{
		{name: "valid", cfg: vad.Config{SampleRate: 16000, FrameSizeMs: 30, Sensitivity: 2}},
		{name: "zero rate", cfg: vad.Config{FrameSizeMs: 30}, wantErr: true},
		{name: "zero frame", cfg: vad.Config{SampleRate: 16000}, wantErr: true},
		{name: "sensitivity high", cfg: vad.Config{SampleRate: 16000, FrameSizeMs: 30, Sensitivity: 4}, wantErr: true},
		{name: "sensitivity low", cfg: vad.Config{SampleRate: 16000, FrameSizeMs: 30, Sensitivity: -1}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, vad.ErrInvalidConfig) {
				t.Errorf("err = %v, want wrapping ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfig_FrameSize(t *testing.T) {
	t.Parallel()
	if got := (vad.Config{SampleRate: 16000, FrameSizeMs: 30}).FrameSize(); got != 480 {
		t.Errorf("FrameSize = %d, want 480", got)
	}
}

func TestClassificationError_Unwrap(t *testing.T) {
	t.Parallel()
	cause := errors.New("boom")
	err := error(&vad.ClassificationError{Engine: vad.StrategyWebRTC, Err: cause})
	if !errors.Is(err, cause) {
		t.Error("ClassificationError does not unwrap to its cause")
	}
	if got := err.Error(); got != "vad: webrtc: classify frame: boom" {
		t.Errorf("Error() = %q", got)
	}
}
