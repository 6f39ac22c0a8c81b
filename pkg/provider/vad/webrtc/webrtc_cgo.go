//go:build cgo

package webrtc

import (
	"fmt"
	"log/slog"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/provider/vad"
)

// Engine is the WebRTC [vad.Engine].
type Engine struct{}

// New returns a WebRTC engine.
func New() (*Engine, error) {
	return &Engine{}, nil
}

var _ vad.Engine = (*Engine)(nil)

// NewSession allocates a detector configured for cfg.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	det, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc: create detector: %w", err)
	}
	if err := det.SetMode(cfg.Sensitivity); err != nil {
		return nil, fmt.Errorf("webrtc: set mode %d: %w", cfg.Sensitivity, err)
	}
	n := cfg.FrameSize()
	return &Session{
		det:   det,
		mode:  cfg.Sensitivity,
		rate:  cfg.SampleRate,
		size:  n,
		fixed: make([]float32, n),
		pcm:   make([]byte, n*2),
	}, nil
}

// Session is a single-stream WebRTC detector.
type Session struct {
	mu     sync.Mutex
	det    *webrtcvad.VAD
	mode   int
	rate   int
	size   int
	fixed  []float32
	pcm    []byte
	closed bool

	warnSize sync.Once
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame implements [vad.SessionHandle].
func (s *Session) ProcessFrame(frame []float32) (vad.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Result{}, &vad.ClassificationError{Engine: vad.StrategyWebRTC, Err: vad.ErrClosed}
	}
	if len(frame) != s.size {
		s.warnSize.Do(func() {
			slog.Warn("webrtc vad: frame length mismatch, padding or truncating",
				"got", len(frame),
				"want", s.size,
			)
		})
		s.fixed = fit(frame, s.size, s.fixed)
		frame = s.fixed
	}
	s.pcm = audio.FloatToPCM16(frame, s.pcm)

	active, err := s.det.Process(s.rate, s.pcm)
	if err != nil {
		return vad.Result{}, &vad.ClassificationError{Engine: vad.StrategyWebRTC, Err: err}
	}
	res := vad.Result{IsSpeech: active}
	if active {
		res.Probability = 1
	}
	return res, nil
}

// Reset re-initialises the detector's adaptive state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	det, err := webrtcvad.New()
	if err != nil {
		slog.Warn("webrtc vad: reset failed, keeping detector state", "err", err)
		return
	}
	if err := det.SetMode(s.mode); err != nil {
		slog.Warn("webrtc vad: reset failed, keeping detector state", "err", err)
		return
	}
	s.det = det
}

// Close releases the detector.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.det = nil
	return nil
}
