// Package energy implements a VAD engine that classifies frames by their RMS
// energy against a fixed threshold.
//
// A frame is speech when sqrt(mean(x²)) exceeds the threshold. The reported
// probability is a logistic curve centred on the threshold; it is diagnostic
// only. The engine has no per-stream state and works at any sample rate and
// frame length.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/provider/vad"
)

// steepness is the logistic slope applied to (rms - threshold).
const steepness = 100

// Engine is the energy-threshold [vad.Engine].
type Engine struct {
	threshold float64
}

// Option configures an [Engine].
type Option func(*Engine)

// WithThreshold overrides the sensitivity-derived RMS threshold.
func WithThreshold(t float64) Option {
	return func(e *Engine) { e.threshold = t }
}

// New returns an energy engine. Without [WithThreshold] the threshold comes
// from each session's sensitivity via [vad.EnergyThreshold].
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, o := range opts {
		o(e)
	}
	return e
}

var _ vad.Engine = (*Engine)(nil)

// NewSession returns a classifier session.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("energy: %w", err)
	}
	t := e.threshold
	if t <= 0 {
		t = vad.EnergyThreshold(cfg.Sensitivity)
	}
	return &Session{threshold: t}, nil
}

// Session classifies frames against a fixed threshold.
type Session struct {
	threshold float64
	closed    atomic.Bool
}

var _ vad.SessionHandle = (*Session)(nil)

// Threshold returns the RMS threshold in use.
func (s *Session) Threshold() float64 { return s.threshold }

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []float32) (vad.Result, error) {
	if s.closed.Load() {
		return vad.Result{}, &vad.ClassificationError{Engine: vad.StrategyEnergy, Err: vad.ErrClosed}
	}
	if len(frame) == 0 {
		return vad.Result{}, &vad.ClassificationError{Engine: vad.StrategyEnergy, Err: errors.New("empty frame")}
	}
	e := audio.RMS(frame)
	if math.IsNaN(e) {
		return vad.Result{}, &vad.ClassificationError{Engine: vad.StrategyEnergy, Err: errors.New("frame contains NaN")}
	}
	return vad.Result{
		IsSpeech:    e > s.threshold,
		Probability: 1 / (1 + math.Exp(-(e-s.threshold)*steepness)),
	}, nil
}

// Reset is a no-op; the classifier is stateless.
func (s *Session) Reset() {}

// Close marks the session closed.
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}
