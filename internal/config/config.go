// Package config provides the configuration schema, loader, and provider
// registry for dictado.
package config

import (
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// OverflowPolicy decides what happens to in-progress speech when the capture
// path reports lost audio.
type OverflowPolicy string

const (
	// OverflowFlush closes the current utterance at the last sample received
	// before the gap and forwards it if it is long enough.
	OverflowFlush OverflowPolicy = "flush"

	// OverflowDrop discards the current utterance.
	OverflowDrop OverflowPolicy = "drop"
)

// IsValid reports whether p is a recognised overflow policy.
func (p OverflowPolicy) IsValid() bool {
	return p == OverflowFlush || p == OverflowDrop
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Audio         AudioConfig         `yaml:"audio"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Output        OutputConfig        `yaml:"output"`
	Session       SessionConfig       `yaml:"session"`
}

// ServerConfig holds logging and metrics listener settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving /metrics, /healthz and /readyz
	// (e.g., ":9090"). Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// TraceSampleRatio is the fraction of segment dispatches and listener
	// requests traced, in (0, 1]. Zero traces everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// AudioConfig selects the frame source and the capture format.
type AudioConfig struct {
	// Source selects the registered frame source: "microphone", "wavfile"
	// or "opus".
	Source string `yaml:"source"`

	// Device selects an input device by name or name substring. Empty means
	// the system default.
	Device string `yaml:"device"`

	// InputPath is the file read by the wavfile and opus sources.
	InputPath string `yaml:"input_path"`

	SampleRate      int `yaml:"sample_rate"`
	Channels        int `yaml:"channels"`
	FrameDurationMs int `yaml:"frame_duration_ms"`

	// MaxBufferSeconds bounds the raw retention buffer.
	MaxBufferSeconds float64 `yaml:"max_buffer_seconds"`

	// QueueFrames is the depth of the capture-to-consumer channel.
	QueueFrames int `yaml:"queue_frames"`

	// Realtime paces file sources at the speed of the recording.
	Realtime bool `yaml:"realtime"`
}

// FrameSize returns the number of samples per frame.
func (a AudioConfig) FrameSize() int {
	return a.SampleRate * a.FrameDurationMs / 1000
}

// VADConfig tunes classification and segmentation. Every field applies to
// the next session after a reload.
type VADConfig struct {
	// Strategy selects the classifier: "webrtc" or "energy".
	Strategy string `yaml:"strategy"`

	// Sensitivity is the aggressiveness in [0, 3]. A nil value means 2.
	Sensitivity *int `yaml:"sensitivity"`

	// MinSpeechDuration is the shortest utterance forwarded, in seconds.
	MinSpeechDuration float64 `yaml:"min_speech_duration"`

	// MinSilenceDuration is the pause that ends an utterance, in seconds.
	MinSilenceDuration float64 `yaml:"min_silence_duration"`

	// TrimThreshold is the amplitude below which leading and trailing
	// samples are trimmed.
	TrimThreshold float64 `yaml:"trim_threshold"`

	// OverflowPolicy is "flush" or "drop".
	OverflowPolicy OverflowPolicy `yaml:"overflow_policy"`

	// OverflowKeepSeconds is the window of raw audio kept after an overflow.
	OverflowKeepSeconds float64 `yaml:"overflow_keep_seconds"`
}

// SensitivityLevel returns the configured sensitivity or the default.
func (v VADConfig) SensitivityLevel() int {
	if v.Sensitivity == nil {
		return DefaultSensitivity
	}
	return *v.Sensitivity
}

// ProviderEntry is the configuration block of one transcription backend.
// Name selects the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider ("whisper-native", "whisper").
	Name string `yaml:"name"`

	// ModelPath is the model file loaded by in-process backends.
	ModelPath string `yaml:"model_path"`

	// BaseURL is the server address of HTTP backends.
	BaseURL string `yaml:"base_url"`

	// Model selects a model on backends that host several.
	Model string `yaml:"model"`

	// Language is the spoken language code, or "auto".
	Language string `yaml:"language"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// TranscriptionConfig configures the transcription collaborator. An empty
// Name disables transcription; segments are still logged and exported.
type TranscriptionConfig struct {
	ProviderEntry `yaml:",inline"`

	// Fallbacks are tried in order when the primary fails.
	Fallbacks []ProviderEntry `yaml:"fallbacks"`

	// Timeout bounds one transcription call.
	Timeout time.Duration `yaml:"timeout"`

	// Concurrency is the number of segments transcribed in parallel.
	Concurrency int `yaml:"concurrency"`

	// MaxFailures opens a backend's circuit after this many consecutive
	// failures.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long an open circuit waits before probing.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// OutputConfig controls segment persistence.
type OutputConfig struct {
	// Dir receives exported segments.
	Dir string `yaml:"dir"`

	// SaveAudio writes every forwarded segment to Dir.
	SaveAudio bool `yaml:"save_audio"`

	// Format is "wav" or "opus".
	Format string `yaml:"format"`
}

// SessionConfig bounds a recording session.
type SessionConfig struct {
	// MaxDuration stops the session after this long. Zero means unlimited.
	MaxDuration time.Duration `yaml:"max_duration"`
}
