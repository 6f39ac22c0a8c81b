package audio

// Framer cuts an arbitrary sequence of interleaved capture buffers into
// fixed-size mono frames with monotonically increasing offsets.
//
// Frame storage comes from a pre-sized ring so that steady-state capture does
// not allocate. A slot is only advanced when the emit callback accepts the
// frame; a rejected frame's slot is reused for the next one. With a ring of
// Q+2 slots and a consumer queue of depth Q, an accepted frame is never
// overwritten while the queue or the consumer still holds it.
//
// A Framer is confined to a single goroutine.
type Framer struct {
	sampleRate int
	channels   int
	frameSize  int

	// partial holds interleaved samples that do not yet fill a frame.
	partial []float32
	offset  int64

	ring [][]float32
	slot int
}

// NewFramer returns a Framer for the given format. ringFrames <= 0 disables
// slot reuse and allocates a fresh slice per frame.
func NewFramer(sampleRate, channels, frameSize, ringFrames int) *Framer {
	if channels < 1 {
		channels = 1
	}
	f := &Framer{
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  frameSize,
		partial:    make([]float32, 0, frameSize*channels),
	}
	if ringFrames > 0 {
		f.ring = make([][]float32, ringFrames)
		for i := range f.ring {
			f.ring[i] = make([]float32, frameSize)
		}
	}
	return f
}

// Offset returns the global offset of the next frame to be emitted.
func (f *Framer) Offset() int64 { return f.offset }

// Skip advances the timeline by n frames without emitting anything. Sources
// use it to keep offsets honest when input is known to be lost.
func (f *Framer) Skip(n int) {
	f.offset += int64(n * f.frameSize)
}

// Write appends interleaved samples and calls emit for every complete frame.
// emit reports whether the frame was accepted.
func (f *Framer) Write(interleaved []float32, emit func(Frame) bool) {
	want := f.frameSize * f.channels
	for len(interleaved) > 0 {
		if len(f.partial) == 0 && len(interleaved) >= want {
			f.emit(interleaved[:want], emit)
			interleaved = interleaved[want:]
			continue
		}
		n := min(want-len(f.partial), len(interleaved))
		f.partial = append(f.partial, interleaved[:n]...)
		interleaved = interleaved[n:]
		if len(f.partial) == want {
			f.emit(f.partial, emit)
			f.partial = f.partial[:0]
		}
	}
}

// Pending returns a mono copy of samples that have not filled a whole frame.
func (f *Framer) Pending() []float32 {
	if len(f.partial) == 0 {
		return nil
	}
	return Downmix(f.partial, f.channels, nil)
}

// Reset discards pending samples. The offset is preserved.
func (f *Framer) Reset() { f.partial = f.partial[:0] }

func (f *Framer) emit(interleaved []float32, emit func(Frame) bool) {
	var dst []float32
	if f.ring != nil {
		dst = f.ring[f.slot]
	}
	samples := Downmix(interleaved, f.channels, dst)
	frame := Frame{Samples: samples, Offset: f.offset, SampleRate: f.sampleRate}
	f.offset += int64(f.frameSize)
	if emit(frame) && f.ring != nil {
		f.slot = (f.slot + 1) % len(f.ring)
	}
}
