// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Stream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	stream := &mock.Stream{Frames: frames}
//	src := &mock.Source{Stream: stream}
//	s, err := src.Open(ctx, cfg)
//	_ = s.Start(handler) // delivers Frames, then closes Done()
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/dictado/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// OpenCall records a single invocation of [Source.Open].
type OpenCall struct {
	Cfg audio.StreamConfig
}

// Source is a mock implementation of [audio.Source] and [audio.DeviceLister].
type Source struct {
	mu sync.Mutex

	// Stream is returned by Open. If nil, Open returns a new empty Stream.
	Stream audio.Stream

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// DevicesResult and DevicesErr are returned by Devices.
	DevicesResult []audio.DeviceInfo
	DevicesErr    error

	// OpenCalls records every call to Open in order.
	OpenCalls []OpenCall
}

// Open records the call and returns Stream, OpenErr.
func (s *Source) Open(_ context.Context, cfg audio.StreamConfig) (audio.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, OpenCall{Cfg: cfg})
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.Stream != nil {
		return s.Stream, nil
	}
	return &Stream{}, nil
}

// Devices returns DevicesResult, DevicesErr.
func (s *Source) Devices() ([]audio.DeviceInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DevicesResult, s.DevicesErr
}

// OpenCallCount returns the number of Open calls. Thread-safe.
func (s *Source) OpenCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.OpenCalls)
}

var (
	_ audio.Source       = (*Source)(nil)
	_ audio.DeviceLister = (*Source)(nil)
)

// ─── Stream ───────────────────────────────────────────────────────────────────

// Delivery is one scripted handler invocation.
type Delivery struct {
	Frame    audio.Frame
	Overflow *audio.OverflowSignal
}

// Stream is a mock implementation of [audio.Stream]. On Start it delivers
// Frames (or Deliveries, if set) in order from its own goroutine, then closes
// Done unless Hold is set. With Hold the stream stays open until Stop.
type Stream struct {
	mu sync.Mutex

	// Frames are delivered without overflow signals.
	Frames []audio.Frame

	// Deliveries, when non-nil, takes precedence over Frames.
	Deliveries []Delivery

	// Hold keeps the stream open after the scripted deliveries.
	Hold bool

	// Remaining is returned by the first Stop call.
	Remaining []float32

	// StartErr and StopErr are returned by Start and Stop.
	StartErr error
	StopErr  error

	// CallCountStart and CallCountStop record calls.
	CallCountStart int
	CallCountStop  int

	// Delivered counts frames handed to the handler.
	Delivered int

	done     chan struct{}
	doneOnce sync.Once
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func (s *Stream) init() {
	if s.done == nil {
		s.done = make(chan struct{})
		s.stop = make(chan struct{})
	}
}

// Start records the call and begins scripted delivery.
func (s *Stream) Start(handler audio.FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.CallCountStart > 1 {
		return errors.New("mock: stream already started")
	}

	script := s.Deliveries
	if script == nil {
		script = make([]Delivery, len(s.Frames))
		for i, f := range s.Frames {
			script[i] = Delivery{Frame: f}
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, d := range script {
			select {
			case <-s.stop:
				return
			default:
			}
			handler(d.Frame, d.Overflow)
			s.mu.Lock()
			s.Delivered++
			s.mu.Unlock()
		}
		if !s.Hold {
			s.doneOnce.Do(func() { close(s.done) })
		}
	}()
	return nil
}

// Stop records the call, waits for the delivery goroutine and closes Done.
func (s *Stream) Stop() ([]float32, error) {
	s.mu.Lock()
	s.init()
	s.CallCountStop++
	first := s.CallCountStop == 1
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.doneOnce.Do(func() { close(s.done) })

	if !first {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Remaining, s.StopErr
}

// Done implements [audio.Stream].
func (s *Stream) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()
	return s.done
}

// DeliveredCount returns the number of frames delivered so far. Thread-safe.
func (s *Stream) DeliveredCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Delivered
}

// StopCallCount returns the number of Stop calls. Thread-safe.
func (s *Stream) StopCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop
}

var _ audio.Stream = (*Stream)(nil)

// Frames builds n consecutive frames of frameSize samples at rate, each
// filled with the value returned by level for the frame index.
func Frames(n, frameSize, rate int, startOffset int64, level func(i int) float32) []audio.Frame {
	out := make([]audio.Frame, n)
	for i := range out {
		samples := make([]float32, frameSize)
		v := level(i)
		for j := range samples {
			// Alternate sign so the signal is zero-mean.
			if j%2 == 0 {
				samples[j] = v
			} else {
				samples[j] = -v
			}
		}
		out[i] = audio.Frame{
			Samples:    samples,
			Offset:     startOffset + int64(i*frameSize),
			SampleRate: rate,
		}
	}
	return out
}
