// Package opus reads and writes length-prefixed Opus packet files (the DCA
// layout used by Discord bots: each packet is preceded by its byte length as
// a little-endian int16) and replays them as capture streams.
//
// Packets are 20 ms of 48 kHz stereo. A zero-length packet marks a packet
// lost in transit; it is replaced by silence and reported as an
// [audio.OverflowSignal] with reason "packet_loss".
package opus

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/dictado/pkg/audio"
)

// Packet format constants.
const (
	SampleRate  = 48000
	Channels    = 2
	FrameSizeMs = 20
	// FrameSize is the number of samples per channel per packet.
	FrameSize = SampleRate * FrameSizeMs / 1000 // 960

	maxPacketBytes = 4000
)

// ReadPackets reads every length-prefixed packet from r.
func ReadPackets(r io.Reader) ([][]byte, error) {
	br := bufio.NewReader(r)
	var packets [][]byte
	for {
		var n int16
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			if errors.Is(err, io.EOF) {
				return packets, nil
			}
			return nil, fmt.Errorf("opus: read packet length: %w", err)
		}
		if n < 0 || int(n) > maxPacketBytes {
			return nil, fmt.Errorf("opus: invalid packet length %d", n)
		}
		pkt := make([]byte, n)
		if _, err := io.ReadFull(br, pkt); err != nil {
			return nil, fmt.Errorf("opus: read packet: %w", err)
		}
		packets = append(packets, pkt)
	}
}

// WritePackets writes packets to w in the length-prefixed layout.
func WritePackets(w io.Writer, packets [][]byte) error {
	for _, pkt := range packets {
		if len(pkt) > maxPacketBytes {
			return fmt.Errorf("opus: packet too large (%d bytes)", len(pkt))
		}
		if err := binary.Write(w, binary.LittleEndian, int16(len(pkt))); err != nil {
			return fmt.Errorf("opus: write packet length: %w", err)
		}
		if _, err := w.Write(pkt); err != nil {
			return fmt.Errorf("opus: write packet: %w", err)
		}
	}
	return nil
}

// Encode encodes mono samples at rate into 48 kHz stereo Opus packets. The
// final packet is zero-padded to a whole frame.
func Encode(samples []float32, rate int) ([][]byte, error) {
	enc, err := gopus.NewEncoder(SampleRate, Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	mono := audio.Resample(samples, rate, SampleRate)

	var packets [][]byte
	pcm := make([]int16, FrameSize*Channels)
	for start := 0; start < len(mono); start += FrameSize {
		clear(pcm)
		end := min(start+FrameSize, len(mono))
		for i, s := range mono[start:end] {
			v := audio.FloatToInt16(s)
			pcm[i*2] = v
			pcm[i*2+1] = v
		}
		pkt, err := enc.Encode(pcm, FrameSize, maxPacketBytes)
		if err != nil {
			return nil, fmt.Errorf("opus: encode: %w", err)
		}
		packets = append(packets, pkt)
	}
	return packets, nil
}

// WriteFile encodes mono samples at rate and writes them to path.
func WriteFile(path string, samples []float32, rate int) error {
	packets, err := Encode(samples, rate)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("opus: create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	if err := WritePackets(bw, packets); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("opus: flush %s: %w", path, err)
	}
	return f.Close()
}

// Source opens packet files as capture streams.
type Source struct {
	path     string
	realtime bool
}

// Option configures a [Source].
type Option func(*Source)

// WithRealtime paces delivery at one packet per 20 ms.
func WithRealtime(enabled bool) Option {
	return func(s *Source) { s.realtime = enabled }
}

// New returns a Source reading the packet file at path.
func New(path string, opts ...Option) *Source {
	s := &Source{path: path}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ audio.Source = (*Source)(nil)

// Open reads the packet file and prepares a decoder. cfg.Device and
// cfg.Channels are ignored; frames are mono at cfg.SampleRate.
func (s *Source) Open(_ context.Context, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &audio.DeviceError{Op: "open", Device: s.path, Err: err}
	}
	if s.path == "" {
		return nil, &audio.DeviceError{Op: "open", Err: errors.New("opus: no input path configured")}
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, &audio.DeviceError{Op: "open", Device: s.path, Err: err}
	}
	defer f.Close()
	packets, err := ReadPackets(f)
	if err != nil {
		return nil, &audio.DeviceError{Op: "open", Device: s.path, Err: err}
	}
	return NewStream(packets, cfg, s.realtime)
}

// Stream decodes packets and delivers mono frames from its own goroutine.
type Stream struct {
	packets  [][]byte
	cfg      audio.StreamConfig
	realtime bool

	dec    *gopus.Decoder
	conv   *audio.Converter
	framer *audio.Framer
	// silence stands in for lost packets.
	silence []int16
	scratch []float32

	mu      sync.Mutex
	started bool
	next    int

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

var (
	_ audio.Stream   = (*Stream)(nil)
	_ audio.Lossless = (*Stream)(nil)
)

// NewStream returns a stream over already-read packets.
func NewStream(packets [][]byte, cfg audio.StreamConfig, realtime bool) (*Stream, error) {
	dec, err := gopus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, &audio.DeviceError{Op: "open", Err: fmt.Errorf("opus: create decoder: %w", err)}
	}
	return &Stream{
		packets:  packets,
		cfg:      cfg,
		realtime: realtime,
		dec:      dec,
		conv:     &audio.Converter{TargetRate: cfg.SampleRate},
		framer:   audio.NewFramer(cfg.SampleRate, 1, cfg.FrameSize, cfg.RingFrames),
		silence:  make([]int16, FrameSize*Channels),
		scratch:  make([]float32, 0, FrameSize*Channels),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Lossless reports true unless the stream is paced in real time.
func (s *Stream) Lossless() bool { return !s.realtime }

// Start begins delivery.
func (s *Stream) Start(handler audio.FrameHandler) error {
	if handler == nil {
		return errors.New("opus: nil frame handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("opus: stream already started")
	}
	select {
	case <-s.stop:
		return errors.New("opus: stream stopped")
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

	var tick <-chan time.Time
	if s.realtime {
		t := time.NewTicker(FrameSizeMs * time.Millisecond)
		defer t.Stop()
		tick = t.C
	}

	var pending *audio.OverflowSignal
	emit := func(f audio.Frame) bool {
		ov := pending
		pending = nil
		return handler(f, ov)
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
		if s.next >= len(s.packets) {
			s.mu.Unlock()
			return
		}
		pkt := s.packets[s.next]
		s.next++
		s.mu.Unlock()

		pcm := s.silence
		if len(pkt) == 0 {
			if pending == nil {
				pending = &audio.OverflowSignal{Reason: "packet_loss"}
			}
			pending.Dropped++
		} else {
			decoded, err := s.dec.Decode(pkt, FrameSize, false)
			if err != nil {
				// A corrupt packet is treated like a lost one.
				if pending == nil {
					pending = &audio.OverflowSignal{Reason: "packet_loss"}
				}
				pending.Dropped++
			} else {
				pcm = decoded
			}
		}

		s.scratch = audio.Int16sToFloat(pcm, s.scratch)
		mono := s.conv.Convert(s.scratch, audio.Format{SampleRate: SampleRate, Channels: Channels})
		s.framer.Write(mono, emit)
	}
}

// Stop ends delivery and returns decoded samples that did not fill a whole
// frame. Packets not yet decoded are discarded.
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
	return s.framer.Pending(), nil
}

// Done is closed once every packet has been decoded or the stream was
// stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }
