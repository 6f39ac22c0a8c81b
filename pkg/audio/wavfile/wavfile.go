// Package wavfile replays a WAV recording as a capture stream. It is used for
// batch processing and for reproducible end-to-end runs without hardware.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/dictado/pkg/audio"
)

// Source opens WAV files as capture streams.
type Source struct {
	path     string
	realtime bool
}

// Option configures a [Source].
type Option func(*Source)

// WithRealtime paces delivery at the recording's real-time rate instead of
// as fast as the consumer allows.
func WithRealtime(enabled bool) Option {
	return func(s *Source) { s.realtime = enabled }
}

// New returns a Source that reads the file at path. An empty path is
// rejected at Open time so that the source can be registered before a path
// is known.
func New(path string, opts ...Option) *Source {
	s := &Source{path: path}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ audio.Source = (*Source)(nil)

// Open decodes the whole file, converts it to mono at cfg.SampleRate and
// returns a stream that delivers it frame by frame. cfg.Device is ignored.
func (s *Source) Open(_ context.Context, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &audio.DeviceError{Op: "open", Device: s.path, Err: err}
	}
	if s.path == "" {
		return nil, &audio.DeviceError{Op: "open", Err: errors.New("wavfile: no input path configured")}
	}
	clip, err := audio.ReadWAVFile(s.path)
	if err != nil {
		return nil, &audio.DeviceError{Op: "open", Device: s.path, Err: err}
	}
	conv := audio.Converter{TargetRate: cfg.SampleRate}
	samples := conv.Convert(clip.Samples, clip.Format)
	return NewStream(samples, cfg, s.realtime), nil
}

// Stream delivers pre-loaded mono samples as frames from its own goroutine.
// Frames are sub-slices of the decoded recording and are never recycled.
type Stream struct {
	samples  []float32
	cfg      audio.StreamConfig
	realtime bool

	mu        sync.Mutex
	started   bool
	delivered int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

var (
	_ audio.Stream   = (*Stream)(nil)
	_ audio.Lossless = (*Stream)(nil)
)

// NewStream returns a stream over mono samples at cfg.SampleRate.
// cfg.Channels and cfg.RingFrames are ignored.
func NewStream(samples []float32, cfg audio.StreamConfig, realtime bool) *Stream {
	return &Stream{
		samples:  samples,
		cfg:      cfg,
		realtime: realtime,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Lossless reports true unless the stream is paced in real time.
func (s *Stream) Lossless() bool { return !s.realtime }

// Start begins delivery.
func (s *Stream) Start(handler audio.FrameHandler) error {
	if handler == nil {
		return errors.New("wavfile: nil frame handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("wavfile: stream already started")
	}
	select {
	case <-s.stop:
		return errors.New("wavfile: stream stopped")
	default:
	}
	s.started = true
	s.wg.Add(1)
	go s.run(handler)
	return nil
}

func (s *Stream) run(handler audio.FrameHandler) {
	defer s.wg.Done()
	defer close(s.done)

	size := s.cfg.FrameSize
	var tick <-chan time.Time
	if s.realtime {
		t := time.NewTicker(audio.SamplesToDuration(int64(size), s.cfg.SampleRate))
		defer t.Stop()
		tick = t.C
	}

	for {
		if tick != nil {
			select {
			case <-s.stop:
				return
			case <-tick:
			}
		} else {
			select {
			case <-s.stop:
				return
			default:
			}
		}

		s.mu.Lock()
		from := s.delivered
		if from+size > len(s.samples) {
			s.mu.Unlock()
			return
		}
		s.delivered = from + size
		s.mu.Unlock()

		handler(audio.Frame{
			Samples:    s.samples[from : from+size : from+size],
			Offset:     int64(from),
			SampleRate: s.cfg.SampleRate,
		}, nil)
	}
}

// Stop ends delivery and returns the samples that were never delivered as a
// whole frame.
func (s *Stream) Stop() ([]float32, error) {
	first := false
	s.stopOnce.Do(func() {
		first = true
		close(s.stop)
	})
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		s.wg.Wait()
	} else if first {
		close(s.done)
	}
	if !first {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var rest []float32
	if s.delivered < len(s.samples) {
		rest = append(rest, s.samples[s.delivered:]...)
	}
	s.delivered = len(s.samples)
	return rest, nil
}

// Done is closed once every whole frame of the recording has been delivered
// or the stream was stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("wavfile stream (%d samples @ %dHz)", len(s.samples), s.cfg.SampleRate)
}
