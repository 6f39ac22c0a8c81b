// Package resilience guards the transcription collaborator with circuit
// breakers and ordered failover.
//
// A [CircuitBreaker] stops calling a backend after repeated failures and
// lets a trial call through again once a cool-down has passed. A
// [FallbackGroup] chains several backends of the same type, each behind its
// own breaker, and [STTFallback] exposes such a chain as a single
// stt.Provider.
//
// Errors that describe the request rather than the backend (a cancelled
// context, an empty segment) are classified as permanent: they neither trip
// a breaker nor cause failover.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// has elapsed since the last failure.
	StateOpen

	// StateHalfOpen lets up to HalfOpenMax trial calls through. One failing
	// trial re-opens the breaker; HalfOpenMax successful trials close it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels log lines and transition callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of trial calls allowed while half-open.
	// Default: 1.
	HalfOpenMax int

	// IsPermanent reports errors that say nothing about backend health.
	// They are returned to the caller without being counted. Nil counts
	// every error.
	IsPermanent func(error) bool

	// OnTransition, if set, is called after every state change with the
	// breaker's lock released.
	OnTransition func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	trials      int
	trialWins   int
	transitions []transition
}

type transition struct{ from, to State }

// NewCircuitBreaker creates a [CircuitBreaker]. Zero-value config fields are
// replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Name returns the configured name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// Execute runs fn unless the breaker rejects the call.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	cb.mu.Lock()
	switch {
	case err == nil:
		cb.onSuccess(trial)
	case cb.cfg.IsPermanent != nil && cb.cfg.IsPermanent(err):
		if trial {
			// Give the trial slot back; the backend was not tested.
			cb.trials--
		}
	default:
		cb.onFailure(trial)
	}
	pending := cb.takeTransitions()
	cb.mu.Unlock()

	cb.notify(pending)
	return err
}

// admit decides whether a call may proceed and whether it is a trial.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.trials, cb.trialWins = 0, 0
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.cfg.HalfOpenMax {
			cb.mu.Unlock()
			return false, ErrCircuitOpen
		}
		cb.trials++
		trial = true
	}
	pending := cb.takeTransitions()
	cb.mu.Unlock()

	cb.notify(pending)
	return trial, nil
}

// onSuccess must be called with cb.mu held.
func (cb *CircuitBreaker) onSuccess(trial bool) {
	if !trial {
		cb.failures = 0
		return
	}
	if cb.state != StateHalfOpen {
		// Another trial already decided the outcome.
		return
	}
	cb.trialWins++
	if cb.trialWins >= cb.cfg.HalfOpenMax {
		cb.failures = 0
		cb.setState(StateClosed)
		slog.Info("circuit breaker closed", "name", cb.cfg.Name)
	}
}

// onFailure must be called with cb.mu held.
func (cb *CircuitBreaker) onFailure(trial bool) {
	if trial {
		if cb.state == StateHalfOpen {
			cb.trip()
			slog.Warn("circuit breaker re-opened by failed trial", "name", cb.cfg.Name)
		}
		return
	}
	cb.failures++
	if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
		cb.trip()
		slog.Warn("circuit breaker opened",
			"name", cb.cfg.Name,
			"consecutive_failures", cb.failures,
			"reset_timeout", cb.cfg.ResetTimeout,
		)
	}
}

// trip must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.now()
	cb.setState(StateOpen)
}

// setState must be called with cb.mu held.
func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	if cb.cfg.OnTransition != nil {
		cb.transitions = append(cb.transitions, transition{cb.state, to})
	}
	cb.state = to
}

// takeTransitions must be called with cb.mu held.
func (cb *CircuitBreaker) takeTransitions() []transition {
	t := cb.transitions
	cb.transitions = nil
	return t
}

func (cb *CircuitBreaker) notify(ts []transition) {
	for _, t := range ts {
		cb.cfg.OnTransition(cb.cfg.Name, t.from, t.to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures, cb.trials, cb.trialWins = 0, 0, 0
	cb.setState(StateClosed)
	pending := cb.takeTransitions()
	cb.mu.Unlock()

	cb.notify(pending)
	slog.Info("circuit breaker reset", "name", cb.cfg.Name)
}
