package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/dictado/internal/config"
	"github.com/MrWong99/dictado/internal/observe"
	"github.com/MrWong99/dictado/internal/pipeline"
)

// ErrSessionActive is returned by [SessionManager.Start] while a session is
// running.
var ErrSessionActive = errors.New("app: a recording session is already active")

// ErrNoSession is returned by [SessionManager.Stop] when nothing is running.
var ErrNoSession = errors.New("app: no active recording session")

// SessionInfo holds metadata about the active session.
type SessionInfo struct {
	// ID is the unique identifier for this session.
	ID string

	// StartedAt is when capture started.
	StartedAt time.Time

	// Source and Device name the capture input.
	Source string
	Device string
}

// SessionManager manages the lifecycle of recording sessions.
// Only one session can be active at a time (enforced by mutex).
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu     sync.Mutex
	active *RecordingSession
	info   SessionInfo

	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	onResult  func(pipeline.Result)
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Config    *config.Config
	Providers *Providers

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// OnResult receives every processed segment of every session.
	OnResult func(pipeline.Result)
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &SessionManager{
		cfg:       cfg.Config,
		providers: cfg.Providers,
		metrics:   m,
		onResult:  cfg.OnResult,
	}
}

// Start opens the capture stream and begins segmenting. Returns
// [ErrSessionActive] if a session is already running. Device failures are
// returned as *[audio.DeviceError].
func (sm *SessionManager) Start(ctx context.Context) (*RecordingSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active != nil {
		return nil, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.active.ID())
	}

	s, err := startRecordingSession(ctx, sessionDeps{
		cfg:       sm.cfg,
		providers: sm.providers,
		metrics:   sm.metrics,
		onResult:  sm.onResult,
	})
	if err != nil {
		return nil, err
	}
	sm.active = s
	sm.info = SessionInfo{
		ID:        s.ID(),
		StartedAt: s.StartedAt(),
		Source:    sm.cfg.Audio.Source,
		Device:    sm.cfg.Audio.Device,
	}
	return s, nil
}

// Stop ends the active session and returns its summary.
//
// Returns [ErrNoSession] if no session is active.
func (sm *SessionManager) Stop(ctx context.Context) (*Summary, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active == nil {
		return nil, ErrNoSession
	}
	sum, err := sm.active.Stop(ctx)
	sm.active = nil
	sm.info = SessionInfo{}
	return sum, err
}

// IsActive reports whether a session is currently running.
func (sm *SessionManager) IsActive() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active != nil
}

// Info returns metadata about the active session.
// Returns zero value if no session is active.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// LastFrame returns when the active session last processed a frame, or its
// start time if no frame arrived yet. It returns the zero time when no
// session is recording.
func (sm *SessionManager) LastFrame() time.Time {
	sm.mu.Lock()
	s := sm.active
	sm.mu.Unlock()
	if s == nil || !s.IsRecording() {
		return time.Time{}
	}
	if t := s.LastFrame(); !t.IsZero() {
		return t
	}
	return s.StartedAt()
}

// SetConfig replaces the configuration used by the next session. The
// active session keeps the configuration it was started with.
func (sm *SessionManager) SetConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

func (sm *SessionManager) cfgSnapshot() *config.Config {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cfg
}
