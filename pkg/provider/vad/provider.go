// Package vad defines the Engine interface for frame-level speech classifiers.
//
// A VAD engine wraps a frame classifier (an RMS energy threshold, WebRTC VAD,
// or a test double) and surfaces it as a stateful, per-stream session. Each
// session keeps its own state so that independent streams never share
// detector internals.
//
// Classification is synchronous: ProcessFrame returns immediately with a
// [Result], making it suitable for the single consumer goroutine of the
// segmentation pipeline.
//
// Engines are chosen once per session through a name → factory registry with
// a [Fallbacks] table; nothing in the hot path checks for availability.
package vad

import (
	"errors"
	"fmt"
)

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// Engines with a fixed frame length pad or truncate frames of the wrong
	// size instead of failing.
	FrameSizeMs int

	// Sensitivity selects how strict the classifier is, from 0 (most
	// permissive) to 3 (strictest). It is the WebRTC aggressiveness mode and
	// indexes [EnergyThreshold] for the energy engine.
	Sensitivity int
}

// FrameSize returns the number of samples per frame.
func (c Config) FrameSize() int {
	return c.SampleRate * c.FrameSizeMs / 1000
}

// Validate reports configuration problems shared by all engines.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", c.SampleRate))
	}
	if c.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("frame duration %dms must be positive", c.FrameSizeMs))
	}
	if c.Sensitivity < MinSensitivity || c.Sensitivity > MaxSensitivity {
		errs = append(errs, fmt.Errorf("sensitivity %d out of range [%d, %d]", c.Sensitivity, MinSensitivity, MaxSensitivity))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine.
//
// A SessionHandle is confined to one goroutine unless the implementation
// documents otherwise.
type SessionHandle interface {
	// ProcessFrame classifies one frame of mono samples normalised to
	// [-1, 1]. A non-nil error is a *[ClassificationError]; callers treat the
	// frame as not speech and carry on.
	ProcessFrame(frame []float32) (Result, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame returns an error. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. It
	// returns an error wrapping [ErrInvalidConfig] for unsupported
	// configurations.
	NewSession(cfg Config) (SessionHandle, error)
}
