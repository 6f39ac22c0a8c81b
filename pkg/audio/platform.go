// Package audio defines the capture contracts and sample-level primitives of
// the dictado pipeline.
//
// The two primary abstractions are:
//
//   - [Source] opens a capture device (or a recording) and returns a [Stream].
//   - [Stream] pushes fixed-size mono [Frame] values to a registered
//     [FrameHandler] from a goroutine owned by the source.
//
// Implementations live in sub-packages (audio/microphone, audio/wavfile,
// audio/opus). Alongside the contracts, this package provides the [Framer]
// that cuts arbitrary driver buffers into frames, the [BoundedBuffer] used
// for raw retention, PCM conversion helpers and WAV persistence.
package audio

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoInputDevice is wrapped by a [DeviceError] when the host exposes no
// input-capable device.
var ErrNoInputDevice = errors.New("no input-capable audio device")

// ErrDeviceNotFound is wrapped by a [DeviceError] when the requested device
// name does not match any input-capable device.
var ErrDeviceNotFound = errors.New("audio device not found")

// DeviceError reports that a capture stream could not be opened. It is
// fatal to session start and is never retried by this package.
type DeviceError struct {
	// Op is the failed operation, e.g. "enumerate", "open" or "start".
	Op string

	// Device is the requested device name. Empty means the system default.
	Device string

	Err error
}

// Error implements error.
func (e *DeviceError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "default"
	}
	return fmt.Sprintf("audio: %s device %q: %v", e.Op, dev, e.Err)
}

// Unwrap returns the underlying cause.
func (e *DeviceError) Unwrap() error { return e.Err }

// FrameHandler receives frames in capture order. overflow is non-nil when
// audio was lost or mangled since the previous call. Handlers run on the
// source's capture goroutine and must not block. The return value reports
// whether the frame was kept; the storage of a frame that was not kept may
// be recycled immediately.
type FrameHandler func(frame Frame, overflow *OverflowSignal) bool

// StreamConfig describes the capture format requested from a [Source].
type StreamConfig struct {
	// Device selects an input device by name or name substring. Empty selects
	// the system default.
	Device string

	// SampleRate is the delivered sample rate in Hz.
	SampleRate int

	// Channels is the number of capture channels. Frames are always mono;
	// multi-channel input is down-mixed by averaging.
	Channels int

	// FrameSize is the number of samples per delivered frame.
	FrameSize int

	// RingFrames is the number of frame buffers the source may recycle. Zero
	// means every frame gets a fresh allocation. Callers that hand frames to
	// a queue of depth Q should use Q+2.
	RingFrames int
}

// Validate reports whether cfg describes a usable stream.
func (cfg StreamConfig) Validate() error {
	var errs []error
	if cfg.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", cfg.SampleRate))
	}
	if cfg.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channels %d must be positive", cfg.Channels))
	}
	if cfg.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("frame size %d must be positive", cfg.FrameSize))
	}
	return errors.Join(errs...)
}

// Stream is an open capture stream. A Stream is owned by exactly one
// recording session.
type Stream interface {
	// Start registers handler and begins delivery. Start may be called once.
	Start(handler FrameHandler) error

	// Stop closes the stream and returns any captured samples that did not
	// fill a whole frame. After Stop returns the handler is never invoked
	// again. Stop is idempotent and safe to call from any goroutine;
	// subsequent calls return nil samples.
	Stop() ([]float32, error)

	// Done is closed when the stream will deliver no more frames, either
	// because Stop was called or because the input ended.
	Done() <-chan struct{}
}

// Source opens capture streams.
type Source interface {
	// Open prepares a stream with the requested format. Device problems are
	// reported as *[DeviceError].
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Lossless is implemented by streams that are not driven by a hardware
// clock, such as file replay. When Lossless reports true the handler may
// apply backpressure by blocking instead of dropping frames.
type Lossless interface {
	Lossless() bool
}

// DeviceInfo describes one input-capable device.
type DeviceInfo struct {
	ID      string
	Name    string
	Default bool
}

// DeviceLister is implemented by sources backed by real hardware.
type DeviceLister interface {
	Devices() ([]DeviceInfo, error)
}
