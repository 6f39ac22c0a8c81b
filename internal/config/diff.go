package config

import "fmt"

// ConfigDiff describes what changed between two configs.
//
// Only the log level is applied to a running process. Audio, VAD,
// transcription and output changes are picked up by the next recording
// session; the flags let the caller say so.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	AudioChanged         bool
	VADChanged           bool
	TranscriptionChanged bool
	OutputChanged        bool
	SessionChanged       bool

	// RestartRequired is set when the metrics listener address changed.
	RestartRequired bool
}

// NextSession reports whether any change applies to the next session.
func (d ConfigDiff) NextSession() bool {
	return d.AudioChanged || d.VADChanged || d.TranscriptionChanged || d.OutputChanged || d.SessionChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.RestartRequired = old.Server.MetricsAddr != new.Server.MetricsAddr ||
		old.Server.TraceSampleRatio != new.Server.TraceSampleRatio

	d.AudioChanged = old.Audio != new.Audio
	d.VADChanged = !vadEqual(old.VAD, new.VAD)
	d.TranscriptionChanged = !transcriptionEqual(old.Transcription, new.Transcription)
	d.OutputChanged = old.Output != new.Output
	d.SessionChanged = old.Session != new.Session

	return d
}

func vadEqual(a, b VADConfig) bool {
	if a.SensitivityLevel() != b.SensitivityLevel() {
		return false
	}
	a.Sensitivity, b.Sensitivity = nil, nil
	return a == b
}

func transcriptionEqual(a, b TranscriptionConfig) bool {
	if !entryEqual(a.ProviderEntry, b.ProviderEntry) || len(a.Fallbacks) != len(b.Fallbacks) {
		return false
	}
	for i := range a.Fallbacks {
		if !entryEqual(a.Fallbacks[i], b.Fallbacks[i]) {
			return false
		}
	}
	return a.Timeout == b.Timeout &&
		a.Concurrency == b.Concurrency &&
		a.MaxFailures == b.MaxFailures &&
		a.ResetTimeout == b.ResetTimeout
}

// entryEqual compares the typed fields and the option keys of two entries.
// Option values are compared with their printed form.
func entryEqual(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.ModelPath != b.ModelPath || a.BaseURL != b.BaseURL ||
		a.Model != b.Model || a.Language != b.Language || len(a.Options) != len(b.Options) {
		return false
	}
	for k, av := range a.Options {
		bv, ok := b.Options[k]
		if !ok || fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
