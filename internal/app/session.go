package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/dictado/internal/config"
	"github.com/MrWong99/dictado/internal/observe"
	"github.com/MrWong99/dictado/internal/pipeline"
	"github.com/MrWong99/dictado/internal/segment"
	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/provider/vad"
)

// Stop reasons reported in [Summary].
const (
	ReasonStreamEnded = "stream_ended"
	ReasonMaxDuration = "max_duration"
	ReasonInterrupted = "interrupted"
	ReasonFailed      = "failed"
	ReasonBatch       = "batch"
)

// Summary describes a finished recording session or batch run.
type Summary struct {
	ID        string
	StartedAt time.Time
	Duration  time.Duration
	Reason    string
	Stats     pipeline.Stats

	// Segments are the forwarded segment boundaries merged across gaps
	// shorter than the configured minimum silence.
	Segments []audio.Segment
}

// RecordingSession owns one capture stream together with its VAD session,
// retention buffer and pipeline. It is created by [SessionManager.Start] and
// torn down by [RecordingSession.Stop].
type RecordingSession struct {
	id        string
	startedAt time.Time
	segCfg    segment.Config
	maxDur    time.Duration

	vadSess vad.SessionHandle
	buf     *audio.BoundedBuffer
	pl      *pipeline.Pipeline
	metrics *observe.Metrics

	cancel    context.CancelFunc
	log       *slog.Logger
	done      chan struct{}
	runErr    error
	recording atomic.Bool

	stopOnce sync.Once
	summary  *Summary
	stopErr  error
}

type sessionDeps struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	onResult  func(pipeline.Result)
}

// pipelineConfig translates the YAML configuration into pipeline terms.
func pipelineConfig(cfg *config.Config, strategy vad.Strategy) pipeline.Config {
	rate := cfg.Audio.SampleRate
	return pipeline.Config{
		SampleRate: rate,
		FrameSize:  cfg.Audio.FrameSize(),
		Strategy:   strategy,
		Segment: segment.Config{
			SampleRate: rate,
			MinSpeech:  seconds(cfg.VAD.MinSpeechDuration),
			MinSilence: seconds(cfg.VAD.MinSilenceDuration),
		},
		TrimThreshold:     cfg.VAD.TrimThreshold,
		QueueFrames:       cfg.Audio.QueueFrames,
		Overflow:          pipeline.OverflowPolicy(cfg.VAD.OverflowPolicy),
		OverflowKeep:      seconds(cfg.VAD.OverflowKeepSeconds),
		ProviderName:      cfg.Transcription.Name,
		TranscribeTimeout: cfg.Transcription.Timeout,
		Concurrency:       cfg.Transcription.Concurrency,
	}
}

func vadConfig(cfg *config.Config) vad.Config {
	return vad.Config{
		SampleRate:  cfg.Audio.SampleRate,
		FrameSizeMs: cfg.Audio.FrameDurationMs,
		Sensitivity: cfg.VAD.SensitivityLevel(),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// newExporter returns nil when audio export is disabled.
func newExporter(cfg *config.Config, id string) (*pipeline.Exporter, error) {
	if !cfg.Output.SaveAudio {
		return nil, nil
	}
	return pipeline.NewExporter(filepath.Join(cfg.Output.Dir, id), "segment", cfg.Output.Format)
}

// startRecordingSession opens the capture stream and starts the pipeline.
// Device errors are returned unchanged so callers can match them with
// errors.As.
func startRecordingSession(ctx context.Context, d sessionDeps) (_ *RecordingSession, err error) {
	cfg := d.cfg
	id := uuid.NewString()

	vadSess, err := d.providers.VAD.NewSession(vadConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("app: create vad session: %w", err)
	}
	defer func() {
		if err != nil {
			_ = vadSess.Close()
		}
	}()

	frameSize := cfg.Audio.FrameSize()
	stream, err := d.providers.Audio.Open(ctx, audio.StreamConfig{
		Device:     cfg.Audio.Device,
		SampleRate: cfg.Audio.SampleRate,
		Channels:   cfg.Audio.Channels,
		FrameSize:  frameSize,
		RingFrames: cfg.Audio.QueueFrames + 2,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_, _ = stream.Stop()
		}
	}()

	exporter, err := newExporter(cfg, id)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	capacity := audio.SecondsToSamples(cfg.Audio.MaxBufferSeconds, cfg.Audio.SampleRate)
	buf := audio.NewBoundedBuffer(int(capacity))

	pcfg := pipelineConfig(cfg, d.providers.Strategy)
	opts := []pipeline.Option{
		pipeline.WithMetrics(d.metrics),
		pipeline.WithOverflowHandler(func(sig audio.OverflowSignal) {
			slog.Debug("app: capture overflow", "session_id", id, "reason", sig.Reason, "dropped", sig.Dropped)
		}),
	}
	if d.providers.STT != nil {
		opts = append(opts, pipeline.WithTranscriber(d.providers.STT))
	}
	if exporter != nil {
		opts = append(opts, pipeline.WithExporter(exporter))
	}
	if d.onResult != nil {
		opts = append(opts, pipeline.WithResultHandler(d.onResult))
	}
	pl, err := pipeline.New(pcfg, vadSess, buf, opts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// The run context is detached from ctx: the session outlives the call
	// that started it and is cancelled only when Stop gives up waiting.
	runCtx, cancel := context.WithCancel(observe.WithSession(context.WithoutCancel(ctx), id))
	s := &RecordingSession{
		id:        id,
		startedAt: time.Now(),
		segCfg:    pcfg.Segment,
		maxDur:    cfg.Session.MaxDuration,
		vadSess:   vadSess,
		buf:       buf,
		pl:        pl,
		metrics:   d.metrics,
		cancel:    cancel,
		log:       observe.Logger(runCtx),
		done:      make(chan struct{}),
	}
	s.recording.Store(true)
	d.metrics.ActiveSessions.Add(ctx, 1)

	go func() {
		defer close(s.done)
		s.runErr = pl.Run(runCtx, stream)
		s.recording.Store(false)
	}()

	s.log.Info("recording session started",
		"source", cfg.Audio.Source,
		"device", cfg.Audio.Device,
		"sample_rate", cfg.Audio.SampleRate,
		"frame_size", frameSize,
		"strategy", d.providers.Strategy,
	)
	return s, nil
}

// ID returns the session's unique identifier.
func (s *RecordingSession) ID() string { return s.id }

// StartedAt returns when capture started.
func (s *RecordingSession) StartedAt() time.Time { return s.startedAt }

// MaxDuration returns the session cap the session was started with. Zero
// means unlimited.
func (s *RecordingSession) MaxDuration() time.Duration { return s.maxDur }

// IsRecording reports whether the pipeline is still consuming frames.
func (s *RecordingSession) IsRecording() bool { return s.recording.Load() }

// Done is closed when the pipeline has finished, either because the stream
// ended or because the session was stopped.
func (s *RecordingSession) Done() <-chan struct{} { return s.done }

// Stats returns the pipeline counters so far.
func (s *RecordingSession) Stats() pipeline.Stats { return s.pl.Stats() }

// LastFrame returns when the last frame was processed.
func (s *RecordingSession) LastFrame() time.Time { return s.pl.LastFrame() }

// Stop ends capture, lets the pipeline flush the utterance in progress
// (including the partial frame the stream still held) and waits for
// outstanding segments to be transcribed. If ctx expires first the
// pipeline is cancelled and the utterance in progress is abandoned. Stop is
// idempotent; later calls return the first call's result.
func (s *RecordingSession) Stop(ctx context.Context) (*Summary, error) {
	s.stopOnce.Do(func() {
		s.pl.Stop()

		select {
		case <-s.done:
		case <-ctx.Done():
			s.cancel()
			<-s.done
			s.stopErr = fmt.Errorf("app: stop session %s: %w", s.id, ctx.Err())
		}
		s.cancel()

		if err := s.vadSess.Close(); err != nil {
			s.log.Warn("app: close vad session", "err", err)
		}
		s.buf.Reset()
		s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

		if s.stopErr == nil && s.runErr != nil && !errors.Is(s.runErr, context.Canceled) {
			s.stopErr = s.runErr
		}

		reason := ReasonStreamEnded
		if s.stopErr != nil {
			reason = ReasonFailed
		}
		s.summary = &Summary{
			ID:        s.id,
			StartedAt: s.startedAt,
			Duration:  time.Since(s.startedAt),
			Reason:    reason,
			Stats:     s.pl.Stats(),
			Segments:  segment.Merge(s.pl.Emitted(), s.segCfg.MinSilenceSamples()),
		}
		s.log.Info("recording session stopped",
			"duration", s.summary.Duration.Round(time.Millisecond),
			"segments", len(s.summary.Segments),
			"frames", s.summary.Stats.Frames,
		)
	})
	return s.summary, s.stopErr
}
