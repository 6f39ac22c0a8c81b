package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavBitDepth  = 16
	wavFormatPCM = 1
)

// Clip is decoded audio loaded from a container file.
type Clip struct {
	// Samples holds interleaved samples normalised to [-1, 1].
	Samples []float32
	Format  Format
}

// WriteWAV encodes mono samples as RIFF/WAVE 16-bit PCM. Each sample is
// converted with [FloatToInt16].
func WriteWAV(w io.WriteSeeker, samples []float32, sampleRate int) error {
	enc := wav.NewEncoder(w, sampleRate, wavBitDepth, 1, wavFormatPCM)
	data := make([]int, len(samples))
	for i, x := range samples {
		data[i] = int(FloatToInt16(x))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: wavBitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: wav encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: wav finalize: %w", err)
	}
	return nil
}

// WriteWAVFile writes samples to a new file at path.
func WriteWAVFile(path string, samples []float32, sampleRate int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %q: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("audio: close %q: %w", path, cerr)
		}
	}()
	return WriteWAV(f, samples, sampleRate)
}

// EncodeWAV returns samples as an in-memory WAV file.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	ws := &memWriteSeeker{}
	if err := WriteWAV(ws, samples, sampleRate); err != nil {
		return nil, err
	}
	return ws.buf, nil
}

// ReadWAV decodes an uncompressed PCM WAV stream of any bit depth.
func ReadWAV(r io.ReadSeeker) (*Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("audio: not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("audio: wav decode: %w", err)
	}
	bitDepth := int(dec.BitDepth)
	if bitDepth <= 0 || bitDepth > 32 {
		return nil, fmt.Errorf("audio: unsupported wav bit depth %d", bitDepth)
	}
	scale := float32(int64(1) << (bitDepth - 1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		if bitDepth == 8 {
			// 8-bit WAV is unsigned.
			v -= 128
		}
		samples[i] = float32(v) / scale
	}
	return &Clip{
		Samples: samples,
		Format:  Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)},
	}, nil
}

// ReadWAVFile decodes the WAV file at path.
func ReadWAVFile(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audio: open %q: %w", path, err)
	}
	defer f.Close()
	clip, err := ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("%w (%s)", err, path)
	}
	return clip, nil
}

// memWriteSeeker is an in-memory io.WriteSeeker; the WAV encoder seeks back
// to patch chunk sizes on Close.
type memWriteSeeker struct {
	buf []byte
	pos int
}

func (m *memWriteSeeker) Write(p []byte) (int, error) {
	if need := m.pos + len(p); need > len(m.buf) {
		if need > cap(m.buf) {
			grown := make([]byte, need, 2*need)
			copy(grown, m.buf)
			m.buf = grown
		} else {
			m.buf = m.buf[:need]
		}
	}
	n := copy(m.buf[m.pos:], p)
	m.pos += n
	return n, nil
}

func (m *memWriteSeeker) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(m.pos) + offset
	case io.SeekEnd:
		abs = int64(len(m.buf)) + offset
	default:
		return 0, errors.New("audio: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("audio: negative seek position")
	}
	m.pos = int(abs)
	return abs, nil
}
