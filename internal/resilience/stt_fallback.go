package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across transcription
// backends, each behind its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertions.
var (
	_ stt.Provider = (*STTFallback)(nil)
	_ stt.Closer   = (*STTFallback)(nil)
)

// IsPermanentSTTError reports errors caused by the request itself: an empty
// segment or a cancelled or expired context. Retrying them on another
// backend cannot help.
func IsPermanentSTTError(err error) bool {
	return errors.Is(err, stt.ErrEmptyAudio) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend. When cfg does not classify permanent errors,
// [IsPermanentSTTError] is used.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.CircuitBreaker.IsPermanent == nil {
		cfg.CircuitBreaker.IsPermanent = IsPermanentSTTError
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends seg to the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, error) {
	tr, _, err := f.TranscribeNamed(ctx, seg)
	return tr, err
}

// TranscribeNamed is Transcribe that also reports which backend answered.
func (f *STTFallback) TranscribeNamed(ctx context.Context, seg audio.Segment) (stt.Transcript, string, error) {
	return executeNamed(f.group, func(p stt.Provider) (stt.Transcript, error) {
		return p.Transcribe(ctx, seg)
	})
}

// Status returns the breaker state of every backend in order.
func (f *STTFallback) Status() []EntryStatus { return f.group.Status() }

// Ready returns an error when every backend is behind an open breaker.
func (f *STTFallback) Ready() error {
	for _, s := range f.group.Status() {
		if s.State != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("resilience: all %d transcription backends are open", f.group.Len())
}

// Close closes every backend that implements [stt.Closer].
func (f *STTFallback) Close() error {
	var errs []error
	f.group.Each(func(name string, p stt.Provider) {
		if c, ok := p.(stt.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
		}
	})
	return errors.Join(errs...)
}
