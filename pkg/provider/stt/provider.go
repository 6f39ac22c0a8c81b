// Package stt defines the Provider interface for the transcription
// collaborator that receives finished speech segments.
//
// The segmentation pipeline never transcribes by itself. It hands every
// trimmed [audio.Segment] to a Provider, which wraps a batch transcription
// backend (whisper.cpp in-process or a whisper.cpp server) and returns a
// [Transcript]. Providers see contiguous mono float32 samples with the
// segment's start, end and sample rate; resampling to the backend's native
// rate is the provider's job.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"

	"github.com/MrWong99/dictado/pkg/audio"
)

// ErrEmptyAudio is returned by Transcribe for segments without samples.
var ErrEmptyAudio = errors.New("stt: segment has no samples")

// Provider is the abstraction over any transcription backend.
type Provider interface {
	// Transcribe converts one speech segment to text. It blocks until the
	// backend answers or ctx is done. An empty Text with a nil error means
	// the backend heard nothing intelligible.
	Transcribe(ctx context.Context, seg audio.Segment) (Transcript, error)
}

// Closer is implemented by providers that hold resources such as a loaded
// model.
type Closer interface {
	Close() error
}
