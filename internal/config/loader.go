package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/MrWong99/dictado/pkg/provider/vad"
	"github.com/MrWong99/dictado/pkg/provider/vad/webrtc"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultSource              = "microphone"
	DefaultSampleRate          = 16000
	DefaultChannels            = 1
	DefaultFrameDurationMs     = 30
	DefaultMaxBufferSeconds    = 30.0
	DefaultQueueFrames         = 64
	DefaultStrategy            = string(vad.StrategyWebRTC)
	DefaultSensitivity         = vad.DefaultSensitivity
	DefaultMinSpeechDuration   = 0.5
	DefaultMinSilenceDuration  = 1.0
	DefaultTrimThreshold       = 0.01
	DefaultOverflowPolicy      = OverflowFlush
	DefaultOverflowKeepSeconds = 5.0
	DefaultLanguage            = "auto"
	DefaultTimeout             = 60 * time.Second
	DefaultConcurrency         = 1
	DefaultMaxFailures         = 3
	DefaultResetTimeout        = 30 * time.Second
	DefaultOutputDir           = "output"
	DefaultOutputFormat        = "wav"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"audio":         {"microphone", "wavfile", "opus"},
	"vad":           {"webrtc", "energy"},
	"transcription": {"whisper-native", "whisper"},
}

// validOutputFormats lists the segment export encodings.
var validOutputFormats = []string{"wav", "opus"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.Source == "" {
		a.Source = DefaultSource
	}
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = DefaultChannels
	}
	if a.FrameDurationMs == 0 {
		a.FrameDurationMs = DefaultFrameDurationMs
	}
	if a.MaxBufferSeconds == 0 {
		a.MaxBufferSeconds = DefaultMaxBufferSeconds
	}
	if a.QueueFrames == 0 {
		a.QueueFrames = DefaultQueueFrames
	}

	v := &cfg.VAD
	if v.Strategy == "" {
		v.Strategy = DefaultStrategy
	}
	if v.Sensitivity == nil {
		s := DefaultSensitivity
		v.Sensitivity = &s
	}
	if v.MinSpeechDuration == 0 {
		v.MinSpeechDuration = DefaultMinSpeechDuration
	}
	if v.MinSilenceDuration == 0 {
		v.MinSilenceDuration = DefaultMinSilenceDuration
	}
	if v.TrimThreshold == 0 {
		v.TrimThreshold = DefaultTrimThreshold
	}
	if v.OverflowPolicy == "" {
		v.OverflowPolicy = DefaultOverflowPolicy
	}
	if v.OverflowKeepSeconds == 0 {
		v.OverflowKeepSeconds = DefaultOverflowKeepSeconds
	}

	t := &cfg.Transcription
	defaultEntry(&t.ProviderEntry)
	for i := range t.Fallbacks {
		defaultEntry(&t.Fallbacks[i])
	}
	if t.Timeout == 0 {
		t.Timeout = DefaultTimeout
	}
	if t.Concurrency == 0 {
		t.Concurrency = DefaultConcurrency
	}
	if t.MaxFailures == 0 {
		t.MaxFailures = DefaultMaxFailures
	}
	if t.ResetTimeout == 0 {
		t.ResetTimeout = DefaultResetTimeout
	}

	if cfg.Output.Dir == "" {
		cfg.Output.Dir = DefaultOutputDir
	}
	if cfg.Output.Format == "" {
		cfg.Output.Format = DefaultOutputFormat
	}
}

func defaultEntry(e *ProviderEntry) {
	if e.Name != "" && e.Language == "" {
		e.Language = DefaultLanguage
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f must be within [0, 1]", r))
	}

	// Audio
	a := cfg.Audio
	validateProviderName("audio", a.Source)
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels <= 0 {
		errs = append(errs, fmt.Errorf("audio.channels %d must be positive", a.Channels))
	}
	if a.FrameDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d must be positive", a.FrameDurationMs))
	} else if a.SampleRate > 0 && a.FrameSize() == 0 {
		errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is shorter than one sample at %d Hz", a.FrameDurationMs, a.SampleRate))
	}
	if a.MaxBufferSeconds <= 0 {
		errs = append(errs, fmt.Errorf("audio.max_buffer_seconds %.2f must be positive", a.MaxBufferSeconds))
	}
	if a.QueueFrames <= 0 {
		errs = append(errs, fmt.Errorf("audio.queue_frames %d must be positive", a.QueueFrames))
	}
	if (a.Source == "wavfile" || a.Source == "opus") && a.InputPath == "" {
		errs = append(errs, fmt.Errorf("audio.input_path is required when audio.source is %q", a.Source))
	}

	// VAD
	v := cfg.VAD
	validateProviderName("vad", v.Strategy)
	sens := v.SensitivityLevel()
	if sens < vad.MinSensitivity || sens > vad.MaxSensitivity {
		errs = append(errs, fmt.Errorf("vad.sensitivity %d is out of range [%d, %d]", sens, vad.MinSensitivity, vad.MaxSensitivity))
	}
	if vad.Strategy(v.Strategy) == vad.StrategyWebRTC {
		if !slices.Contains(webrtc.SupportedRates, a.SampleRate) {
			errs = append(errs, fmt.Errorf("audio.sample_rate %d is not supported by the webrtc strategy; valid values: %v", a.SampleRate, webrtc.SupportedRates))
		}
		if !slices.Contains(webrtc.SupportedFrameMs, a.FrameDurationMs) {
			errs = append(errs, fmt.Errorf("audio.frame_duration_ms %d is not supported by the webrtc strategy; valid values: %v", a.FrameDurationMs, webrtc.SupportedFrameMs))
		}
	}
	if v.MinSpeechDuration < 0 {
		errs = append(errs, fmt.Errorf("vad.min_speech_duration %.2f must not be negative", v.MinSpeechDuration))
	}
	if v.MinSilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("vad.min_silence_duration %.2f must be positive", v.MinSilenceDuration))
	}
	if v.TrimThreshold < 0 || v.TrimThreshold >= 1 {
		errs = append(errs, fmt.Errorf("vad.trim_threshold %.3f is out of range [0, 1)", v.TrimThreshold))
	}
	if !v.OverflowPolicy.IsValid() {
		errs = append(errs, fmt.Errorf("vad.overflow_policy %q is invalid; valid values: flush, drop", v.OverflowPolicy))
	}
	if v.OverflowKeepSeconds < 0 {
		errs = append(errs, fmt.Errorf("vad.overflow_keep_seconds %.2f must not be negative", v.OverflowKeepSeconds))
	} else if v.OverflowKeepSeconds > a.MaxBufferSeconds {
		slog.Warn("vad.overflow_keep_seconds exceeds audio.max_buffer_seconds; the whole buffer is kept on overflow",
			"overflow_keep_seconds", v.OverflowKeepSeconds,
			"max_buffer_seconds", a.MaxBufferSeconds,
		)
	}
	if v.MinSpeechDuration > a.MaxBufferSeconds {
		slog.Warn("vad.min_speech_duration exceeds audio.max_buffer_seconds; no segment can be forwarded with audio",
			"min_speech_duration", v.MinSpeechDuration,
			"max_buffer_seconds", a.MaxBufferSeconds,
		)
	}

	// Transcription
	t := cfg.Transcription
	if t.Name == "" {
		if len(t.Fallbacks) > 0 {
			errs = append(errs, errors.New("transcription.fallbacks requires transcription.name"))
		}
	} else {
		errs = append(errs, validateEntry("transcription", t.ProviderEntry)...)
		for i, fb := range t.Fallbacks {
			prefix := fmt.Sprintf("transcription.fallbacks[%d]", i)
			if fb.Name == "" {
				errs = append(errs, fmt.Errorf("%s.name is required", prefix))
				continue
			}
			errs = append(errs, validateEntry(prefix, fb)...)
		}
	}
	if t.Timeout < 0 {
		errs = append(errs, fmt.Errorf("transcription.timeout %v must not be negative", t.Timeout))
	}
	if t.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("transcription.concurrency %d must not be negative", t.Concurrency))
	}

	// Output
	if !slices.Contains(validOutputFormats, cfg.Output.Format) {
		errs = append(errs, fmt.Errorf("output.format %q is invalid; valid values: %v", cfg.Output.Format, validOutputFormats))
	}

	// Session
	if cfg.Session.MaxDuration < 0 {
		errs = append(errs, fmt.Errorf("session.max_duration %v must not be negative", cfg.Session.MaxDuration))
	}

	return errors.Join(errs...)
}

// validateEntry checks the fields a transcription backend needs.
func validateEntry(prefix string, e ProviderEntry) []error {
	validateProviderName("transcription", e.Name)
	var errs []error
	switch e.Name {
	case "whisper-native":
		if e.ModelPath == "" {
			errs = append(errs, fmt.Errorf("%s.model_path is required for provider %q", prefix, e.Name))
		}
	case "whisper":
		if e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s.base_url is required for provider %q", prefix, e.Name))
		}
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
