// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/provider/stt"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// Compile-time assertions.
var (
	_ stt.Provider = (*NativeProvider)(nil)
	_ stt.Closer   = (*NativeProvider)(nil)
)

// NativeProvider implements stt.Provider using whisper.cpp Go bindings
// (CGO). The model is loaded once at startup; every Transcribe call creates
// its own inference context from it, so concurrent calls do not interfere.
type NativeProvider struct {
	model    whisperlib.Model
	language string
	threads  uint

	langWarn sync.Once
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the language code for transcription (e.g., "en",
// "de", "fr"). Defaults to "auto".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeThreads sets the number of CPU threads whisper.cpp uses per
// inference. Zero keeps the library default.
func WithNativeThreads(n uint) NativeOption {
	return func(p *NativeProvider) { p.threads = n }
}

// NewNative creates a NativeProvider that loads the whisper.cpp model from
// the given file path. The caller must call Close when the provider is no
// longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:    model,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over seg and returns the joined text
// together with per-segment spans relative to the start of seg.
func (p *NativeProvider) Transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, error) {
	if len(seg.Samples) == 0 {
		return stt.Transcript{}, stt.ErrEmptyAudio
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(p.language); err != nil {
		p.langWarn.Do(func() {
			slog.Warn("whisper: failed to set language, using model default", "language", p.language, "error", err)
		})
	}
	if p.threads > 0 {
		wctx.SetThreads(p.threads)
	}

	// The bindings offer no cancellation; the abort callback is polled by
	// whisper.cpp between encoder steps.
	abort := func() bool { return ctx.Err() != nil }
	if err := wctx.Process(prepare(seg), abort, nil, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", ctxErr)
		}
		return stt.Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	tr := stt.Transcript{
		Language:  p.language,
		Timestamp: seg.StartTime(),
		Duration:  seg.Duration(),
	}
	var parts []string
	for {
		s, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		parts = append(parts, text)
		tr.Spans = append(tr.Spans, stt.Span{Text: text, Start: s.Start, End: s.End})
	}
	if lang := wctx.DetectedLanguage(); p.language == defaultLanguage && lang != "" {
		tr.Language = lang
	}
	tr.Text = strings.Join(parts, " ")
	return tr, nil
}
