// Package app wires the dictado subsystems into a running application.
//
// The App struct owns the full lifecycle: New validates the providers, Run
// records one session until the stream ends, the session cap is reached or
// ctx is cancelled, Batch segments a recorded file, and Shutdown releases the
// providers in reverse order.
//
// For testing, inject mock providers (audio/mock, vad/mock, stt/mock) through
// [Providers] and a private metrics instance via [WithMetrics].
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dictado/internal/config"
	"github.com/MrWong99/dictado/internal/observe"
	"github.com/MrWong99/dictado/internal/pipeline"
	"github.com/MrWong99/dictado/internal/segment"
	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/provider/stt"
	"github.com/MrWong99/dictado/pkg/provider/vad"
)

// stopTimeout bounds how long Run waits for the final segments of a session
// after capture stopped.
const stopTimeout = 30 * time.Second

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	// Audio opens capture streams. Required for Run.
	Audio audio.Source

	// VAD creates classifier sessions. Required.
	VAD vad.Engine

	// Strategy is the strategy actually in use after fallbacks.
	Strategy vad.Strategy

	// STT receives finished segments. Nil means segments are only reported.
	STT stt.Provider
}

// App owns the provider lifetimes and runs recording sessions.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	onResult  func(pipeline.Result)
	sessions  *SessionManager

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithResultHandler receives every processed segment. It may be called
// concurrently when transcription concurrency is above one.
func WithResultHandler(fn func(pipeline.Result)) Option {
	return func(a *App) { a.onResult = fn }
}

// WithCloser registers fn to run during Shutdown.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App. The providers struct comes from main.go (populated via
// the config registry).
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil || providers.VAD == nil {
		return nil, errors.New("app: a vad engine is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if c, ok := providers.STT.(stt.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.sessions = NewSessionManager(SessionManagerConfig{
		Config:    cfg,
		Providers: providers,
		Metrics:   a.metrics,
		OnResult:  a.onResult,
	})
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// LastActivity reports when the active session last processed audio. It is
// the zero time between sessions.
func (a *App) LastActivity() time.Time { return a.sessions.LastFrame() }

// UpdateConfig applies cfg to the next session.
func (a *App) UpdateConfig(cfg *config.Config) {
	a.sessions.SetConfig(cfg)
}

// Run records one session and blocks until the stream ends, the configured
// session.max_duration elapses or ctx is cancelled. The utterance in
// progress is flushed in every case. Run returns the session summary; a
// cancelled ctx is not an error.
func (a *App) Run(ctx context.Context) (*Summary, error) {
	if a.providers.Audio == nil {
		return nil, errors.New("app: no audio source configured")
	}
	sess, err := a.sessions.Start(ctx)
	if err != nil {
		return nil, err
	}
	maxDur := sess.MaxDuration()

	var timeout <-chan time.Time
	if maxDur > 0 {
		t := time.NewTimer(maxDur)
		defer t.Stop()
		timeout = t.C
	}

	reason := ReasonStreamEnded
	select {
	case <-sess.Done():
	case <-timeout:
		reason = ReasonMaxDuration
		slog.Info("session max duration reached", "session_id", sess.ID(), "max_duration", maxDur)
	case <-ctx.Done():
		reason = ReasonInterrupted
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	sum, err := a.sessions.Stop(stopCtx)
	if sum != nil && err == nil {
		sum.Reason = reason
	}
	return sum, err
}

// Batch segments the WAV file at path with the same classifier and timing
// configuration a live session uses. The recording is down-mixed and
// resampled to audio.sample_rate first. Every trimmed segment is dispatched
// to the transcriber and exporter.
func (a *App) Batch(ctx context.Context, path string) (*Summary, error) {
	cfg := a.sessions.cfgSnapshot()
	started := time.Now()
	id := uuid.NewString()
	ctx = observe.WithSession(ctx, id)

	clip, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, fmt.Errorf("app: batch: %w", err)
	}
	conv := &audio.Converter{TargetRate: cfg.Audio.SampleRate}
	samples := conv.Convert(clip.Samples, clip.Format)

	vadSess, err := a.providers.VAD.NewSession(vadConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("app: batch: create vad session: %w", err)
	}
	defer vadSess.Close()

	pcfg := pipelineConfig(cfg, a.providers.Strategy)
	found, st, err := segment.Detect(ctx, samples, pcfg.FrameSize, pcfg.Segment, vadSess)
	if err != nil {
		return nil, fmt.Errorf("app: batch: %w", err)
	}

	exporter, err := newExporter(cfg, id)
	if err != nil {
		return nil, fmt.Errorf("app: batch: %w", err)
	}
	d := &pipeline.Dispatcher{
		Transcriber:  a.providers.STT,
		Exporter:     exporter,
		Metrics:      a.metrics,
		ProviderName: pcfg.ProviderName,
		Timeout:      pcfg.TranscribeTimeout,
	}

	stats := pipeline.Stats{
		Frames:               st.Frames,
		SpeechFrames:         st.SpeechFrames,
		ClassificationErrors: st.ClassificationErrors,
		Discarded:            make(map[string]int),
	}
	if st.Discarded > 0 {
		stats.Discarded[pipeline.DiscardTooShort] = st.Discarded
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(pcfg.Concurrency, 1))
	for _, seg := range found {
		trimmed, err := segment.Trim(seg, pcfg.TrimThreshold)
		if err != nil {
			stats.Discarded[pipeline.DiscardEmpty]++
			a.metrics.RecordDiscard(ctx, pipeline.DiscardEmpty)
			continue
		}
		stats.Segments++
		a.metrics.RecordSegment(ctx, trimmed.DurationSeconds())
		g.Go(func() error {
			res := d.Dispatch(gctx, trimmed)
			if a.onResult != nil {
				a.onResult(res)
			}
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("app: batch: %w", err)
	}

	sum := &Summary{
		ID:        id,
		StartedAt: started,
		Duration:  audio.SamplesToDuration(int64(len(samples)), cfg.Audio.SampleRate),
		Reason:    ReasonBatch,
		Stats:     stats,
		Segments:  found,
	}
	observe.Logger(ctx).Info("batch segmentation complete",
		"path", path,
		"format", clip.Format,
		"duration", sum.Duration.Round(time.Millisecond),
		"segments", len(found),
		"forwarded", stats.Segments,
	)
	return sum, nil
}

// Shutdown stops an active session and then runs the closers in reverse
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if _, err := a.sessions.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
			slog.Warn("stop session during shutdown", "err", err)
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
