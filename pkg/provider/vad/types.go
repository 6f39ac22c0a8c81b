package vad

import (
	"errors"
	"fmt"
)

// Result is the classification of a single frame.
type Result struct {
	// IsSpeech reports whether the frame contains speech.
	IsSpeech bool

	// Probability is a diagnostic speech score in [0, 1]. It never drives the
	// segmenter.
	Probability float64
}

// Strategy names a classifier implementation.
type Strategy string

const (
	// StrategyWebRTC is the WebRTC frame VAD.
	StrategyWebRTC Strategy = "webrtc"

	// StrategyEnergy is the RMS energy threshold classifier.
	StrategyEnergy Strategy = "energy"
)

// Fallbacks maps a strategy to the one used when its engine reports
// [ErrUnavailable].
var Fallbacks = map[Strategy]Strategy{
	StrategyWebRTC: StrategyEnergy,
}

// Sensitivity bounds.
const (
	MinSensitivity     = 0
	MaxSensitivity     = 3
	DefaultSensitivity = 2
)

var energyThresholds = [...]float64{
	0: 0.005,
	1: 0.01,
	2: 0.02,
	3: 0.05,
}

// EnergyThreshold returns the RMS threshold for a sensitivity level.
// Out-of-range levels map to the default level.
func EnergyThreshold(sensitivity int) float64 {
	if sensitivity < MinSensitivity || sensitivity > MaxSensitivity {
		sensitivity = DefaultSensitivity
	}
	return energyThresholds[sensitivity]
}

var (
	// ErrUnavailable is returned by engine constructors whose backend is not
	// compiled in or cannot be loaded.
	ErrUnavailable = errors.New("vad: engine unavailable")

	// ErrInvalidConfig is wrapped by NewSession for unsupported configurations.
	ErrInvalidConfig = errors.New("vad: invalid config")

	// ErrClosed is wrapped by ProcessFrame after Close.
	ErrClosed = errors.New("vad: session closed")
)

// ClassificationError reports that a single frame could not be classified.
// It is never fatal: the frame counts as not speech.
type ClassificationError struct {
	// Engine is the strategy that failed.
	Engine Strategy

	Err error
}

// Error implements error.
func (e *ClassificationError) Error() string {
	return fmt.Sprintf("vad: %s: classify frame: %v", e.Engine, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ClassificationError) Unwrap() error { return e.Err }
