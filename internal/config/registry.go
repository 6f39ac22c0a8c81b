package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/provider/stt"
	"github.com/MrWong99/dictado/pkg/provider/vad"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	audio map[string]func(AudioConfig) (audio.Source, error)
	vad   map[string]func(VADConfig) (vad.Engine, error)
	stt   map[string]func(ProviderEntry) (stt.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		audio: make(map[string]func(AudioConfig) (audio.Source, error)),
		vad:   make(map[string]func(VADConfig) (vad.Engine, error)),
		stt:   make(map[string]func(ProviderEntry) (stt.Provider, error)),
	}
}

// RegisterAudio registers a frame source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// RegisterVAD registers a VAD engine factory under a strategy name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterSTT registers a transcription provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// CreateAudio instantiates the frame source named by cfg.Source.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// CreateSTT instantiates a transcription provider using the factory
// registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	r.mu.RLock()
	factory, ok := r.stt[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: stt/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateVAD instantiates the engine for cfg.Strategy. When a factory reports
// [vad.ErrUnavailable], the [vad.Fallbacks] table is followed until an engine
// is created. The returned strategy is the one actually in use.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, vad.Strategy, error) {
	strategy := vad.Strategy(cfg.Strategy)
	seen := make(map[vad.Strategy]bool)
	for {
		seen[strategy] = true

		r.mu.RLock()
		factory, ok := r.vad[string(strategy)]
		r.mu.RUnlock()
		if !ok {
			return nil, "", fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, strategy)
		}

		eng, err := factory(cfg)
		if err == nil {
			return eng, strategy, nil
		}
		next, hasNext := vad.Fallbacks[strategy]
		if !errors.Is(err, vad.ErrUnavailable) || !hasNext || seen[next] {
			return nil, "", fmt.Errorf("config: create vad %q: %w", strategy, err)
		}
		slog.Warn("vad strategy unavailable, falling back",
			"strategy", strategy,
			"fallback", next,
			"err", err,
		)
		strategy = next
	}
}
