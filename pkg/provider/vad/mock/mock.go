// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script classification results and inspect the frames that
// were submitted.
//
// Example:
//
//	sess := &mock.Session{Classify: mock.ByLevel(0.02)}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// NewSessionCallCount returns the number of NewSession calls. Thread-safe.
func (e *Engine) NewSessionCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.NewSessionCalls)
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// Session is a mock implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Classify, if non-nil, decides the result of each ProcessFrame call.
	// call is the zero-based call index.
	Classify func(call int, frame []float32) (vad.Result, error)

	// Result is returned when Classify is nil.
	Result vad.Result

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// Frames holds a copy of every frame passed to ProcessFrame.
	Frames [][]float32

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// ProcessFrame records the call and returns the scripted result.
func (s *Session) ProcessFrame(frame []float32) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := len(s.Frames)
	s.Frames = append(s.Frames, append([]float32(nil), frame...))
	if s.Classify != nil {
		return s.Classify(call, frame)
	}
	return s.Result, nil
}

// Reset records the call by incrementing ResetCallCount.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// FrameCount returns the number of ProcessFrame calls. Thread-safe.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

// CloseCount returns the number of Close calls. Thread-safe.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*Session)(nil)

// ByLevel returns a Classify function that reports speech when the frame's
// RMS level exceeds threshold.
func ByLevel(threshold float64) func(int, []float32) (vad.Result, error) {
	return func(_ int, frame []float32) (vad.Result, error) {
		if audio.RMS(frame) > threshold {
			return vad.Result{IsSpeech: true, Probability: 1}, nil
		}
		return vad.Result{}, nil
	}
}
