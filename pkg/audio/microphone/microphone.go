// Package microphone captures audio from host input devices through
// miniaudio (via the malgo bindings) and delivers it as fixed-size mono
// frames.
//
// The capture callback runs on a driver-owned thread. It decodes the raw f32
// buffer into a pre-sized scratch slice, cuts it into frames with an
// [audio.Framer] and hands each frame to the registered handler. Nothing in
// the callback blocks or performs I/O.
package microphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/dictado/pkg/audio"
)

// Source opens capture streams on host input devices.
type Source struct {
	backends []malgo.Backend
	realtime bool
}

// Option configures a [Source].
type Option func(*Source)

// WithBackends restricts miniaudio to the given backends, in priority order.
// By default miniaudio picks the best available backend.
func WithBackends(b ...malgo.Backend) Option {
	return func(s *Source) { s.backends = b }
}

// WithRealtimePriority requests real-time scheduling for the capture thread.
func WithRealtimePriority(enabled bool) Option {
	return func(s *Source) { s.realtime = enabled }
}

// New returns a microphone [Source].
func New(opts ...Option) *Source {
	s := &Source{}
	for _, o := range opts {
		o(s)
	}
	return s
}

var (
	_ audio.Source       = (*Source)(nil)
	_ audio.DeviceLister = (*Source)(nil)
)

func (s *Source) initContext() (*malgo.AllocatedContext, error) {
	cfg := malgo.ContextConfig{}
	if s.realtime {
		cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	}
	mctx, err := malgo.InitContext(s.backends, cfg, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, err
	}
	return mctx, nil
}

// Devices lists input-capable devices.
func (s *Source) Devices() ([]audio.DeviceInfo, error) {
	mctx, err := s.initContext()
	if err != nil {
		return nil, &audio.DeviceError{Op: "enumerate", Err: err}
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		return nil, &audio.DeviceError{Op: "enumerate", Err: err}
	}
	devs := entries(infos)
	out := make([]audio.DeviceInfo, 0, len(devs))
	for _, d := range devs {
		out = append(out, audio.DeviceInfo{ID: d.id, Name: d.name, Default: d.isDefault})
	}
	return out, nil
}

// Open selects an input device and prepares a capture stream. Capture does
// not begin until [Stream.Start].
func (s *Source) Open(_ context.Context, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &audio.DeviceError{Op: "open", Device: cfg.Device, Err: err}
	}

	mctx, err := s.initContext()
	if err != nil {
		return nil, &audio.DeviceError{Op: "open", Device: cfg.Device, Err: err}
	}
	release := func() {
		_ = mctx.Uninit()
		mctx.Free()
	}

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		release()
		return nil, &audio.DeviceError{Op: "enumerate", Device: cfg.Device, Err: err}
	}
	devs := entries(infos)
	idx, err := resolveDevice(devs, cfg.Device)
	if err != nil {
		release()
		return nil, err
	}

	st := &Stream{
		ctx:      mctx,
		cfg:      cfg,
		framer:   audio.NewFramer(cfg.SampleRate, cfg.Channels, cfg.FrameSize, cfg.RingFrames),
		done:     make(chan struct{}),
		frameLen: cfg.Channels * malgo.SampleSizeInBytes(malgo.FormatF32),
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = uint32(cfg.Channels)
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.PeriodSizeInFrames = uint32(cfg.FrameSize)
	if idx >= 0 {
		devCfg.Capture.DeviceID = infos[idx].ID.Pointer()
	}

	dev, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: st.onData,
		Stop: st.onStop,
	})
	if err != nil {
		release()
		return nil, &audio.DeviceError{Op: "open", Device: cfg.Device, Err: err}
	}
	st.dev = dev

	name := "default"
	if idx >= 0 {
		name = devs[idx].name
	}
	slog.Info("microphone: opened capture device",
		"device", name,
		"sample_rate", cfg.SampleRate,
		"channels", cfg.Channels,
		"frame_size", cfg.FrameSize,
	)
	return st, nil
}

// deviceEntry is what device selection needs from a miniaudio device
// description.
type deviceEntry struct {
	id        string
	name      string
	isDefault bool
}

func entries(infos []malgo.DeviceInfo) []deviceEntry {
	out := make([]deviceEntry, len(infos))
	for i := range infos {
		out[i] = deviceEntry{
			id:        infos[i].ID.String(),
			name:      infos[i].Name(),
			isDefault: infos[i].IsDefault != 0,
		}
	}
	return out
}

// resolveDevice picks the capture device for want. Failures are returned as
// *[audio.DeviceError].
func resolveDevice(devs []deviceEntry, want string) (int, error) {
	if len(devs) == 0 {
		return -1, &audio.DeviceError{Op: "open", Device: want, Err: audio.ErrNoInputDevice}
	}
	idx, err := selectDevice(devs, want)
	if err != nil {
		return -1, &audio.DeviceError{Op: "open", Device: want, Err: err}
	}
	return idx, nil
}

// selectDevice returns the index of the device whose name or ID matches
// want, or -1 for the system default when want is empty. Exact matches
// (case-insensitive name, or ID) win over name substrings.
func selectDevice(devs []deviceEntry, want string) (int, error) {
	if want == "" {
		return -1, nil
	}
	for i, d := range devs {
		if strings.EqualFold(d.name, want) || d.id == want {
			return i, nil
		}
	}
	lw := strings.ToLower(want)
	for i, d := range devs {
		if strings.Contains(strings.ToLower(d.name), lw) {
			return i, nil
		}
	}
	names := make([]string, len(devs))
	for i, d := range devs {
		names[i] = d.name
	}
	return -1, fmt.Errorf("%w: %q (available: %s)", audio.ErrDeviceNotFound, want, strings.Join(names, ", "))
}

// Stream is an open microphone capture stream.
type Stream struct {
	ctx *malgo.AllocatedContext
	dev *malgo.Device
	cfg audio.StreamConfig

	// Touched only by the capture callback until Stop has uninitialised the
	// device.
	framer   *audio.Framer
	scratch  []float32
	frameLen int
	pending  *audio.OverflowSignal
	handler  audio.FrameHandler

	startOnce sync.Once
	stopOnce  sync.Once
	doneOnce  sync.Once
	done      chan struct{}
	remaining []float32
	stopErr   error
}

var _ audio.Stream = (*Stream)(nil)

// Start registers handler and starts the device.
func (s *Stream) Start(handler audio.FrameHandler) error {
	if handler == nil {
		return errors.New("microphone: nil frame handler")
	}
	err := errors.New("microphone: stream already started")
	s.startOnce.Do(func() {
		s.handler = handler
		// Pre-size scratch for a full period so the callback does not allocate.
		s.scratch = make([]float32, 0, s.cfg.FrameSize*s.cfg.Channels*2)
		if e := s.dev.Start(); e != nil {
			err = &audio.DeviceError{Op: "start", Device: s.cfg.Device, Err: e}
			return
		}
		err = nil
	})
	return err
}

// onData runs on the driver thread.
func (s *Stream) onData(_, in []byte, frameCount uint32) {
	if s.handler == nil {
		return
	}
	if rem := len(in) % s.frameLen; rem != 0 || uint32(len(in)/s.frameLen) != frameCount {
		s.pending = &audio.OverflowSignal{Reason: "malformed_buffer"}
		in = in[:len(in)-rem]
	}
	s.scratch = audio.F32LEToFloat(in, s.scratch)
	s.framer.Write(s.scratch, func(f audio.Frame) bool {
		ov := s.pending
		s.pending = nil
		return s.handler(f, ov)
	})
}

func (s *Stream) onStop() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Stop uninitialises the device and context. miniaudio guarantees no data
// callback is running or will run once the device is uninitialised.
func (s *Stream) Stop() ([]float32, error) {
	first := false
	s.stopOnce.Do(func() {
		first = true
		s.dev.Uninit()
		s.remaining = s.framer.Pending()
		if err := s.ctx.Uninit(); err != nil {
			s.stopErr = fmt.Errorf("microphone: uninit context: %w", err)
		}
		s.ctx.Free()
		s.doneOnce.Do(func() { close(s.done) })
	})
	if !first {
		return nil, nil
	}
	return s.remaining, s.stopErr
}

// Done is closed when the device stops.
func (s *Stream) Done() <-chan struct{} { return s.done }
