package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable description, e.g. "48000Hz stereo".
func (f Format) String() string { return formatString(f.SampleRate, f.Channels) }

// Converter turns interleaved samples of any format into mono samples at a
// target rate. It logs a warning on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type Converter struct {
	TargetRate     int
	warnedMismatch sync.Once
	warnedRagged   sync.Once
}

// Convert down-mixes interleaved to mono and resamples it from src.SampleRate
// to the target rate. If src already is mono at the target rate the input is
// returned unchanged (zero allocation).
// Conversion order: down-mix first, then resample.
func (c *Converter) Convert(interleaved []float32, src Format) []float32 {
	if src.Channels > 1 && len(interleaved)%src.Channels != 0 {
		c.warnedRagged.Do(func() {
			slog.Warn("audio converter: sample count not a multiple of channel count, truncating",
				"samples", len(interleaved),
				"channels", src.Channels,
			)
		})
		interleaved = interleaved[:len(interleaved)-len(interleaved)%src.Channels]
	}

	if src.Channels <= 1 && src.SampleRate == c.TargetRate {
		return interleaved
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", src.String(),
			"to", formatString(c.TargetRate, 1),
		)
	})

	mono := Downmix(interleaved, src.Channels, nil)
	return Resample(mono, src.SampleRate, c.TargetRate)
}

// Downmix averages interleaved channels into mono. The result is written to
// dst when it has enough capacity, avoiding an allocation. With channels <= 1
// the samples are copied unchanged.
func Downmix(interleaved []float32, channels int, dst []float32) []float32 {
	if channels < 1 {
		channels = 1
	}
	n := len(interleaved) / channels
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	if channels == 1 {
		copy(dst, interleaved)
		return dst
	}
	inv := 1 / float32(channels)
	for i := range n {
		var sum float32
		base := i * channels
		for ch := range channels {
			sum += interleaved[base+ch]
		}
		dst[i] = sum * inv
	}
	return dst
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}
	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// FloatToInt16 converts a normalised sample to 16-bit PCM as
// round(x * 32767), clamped to [-32768, 32767].
func FloatToInt16(x float32) int16 {
	v := math.Round(float64(x) * 32767)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// Int16ToFloat converts a 16-bit PCM sample to the range [-1, 1).
func Int16ToFloat(s int16) float32 {
	return float32(s) / 32768.0
}

// FloatToPCM16 encodes samples as 16-bit signed little-endian PCM. The result
// is written to dst when it has enough capacity.
func FloatToPCM16(samples []float32, dst []byte) []byte {
	n := len(samples) * 2
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	for i, x := range samples {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(FloatToInt16(x)))
	}
	return dst
}

// PCM16ToFloat decodes 16-bit signed little-endian PCM. Any trailing odd
// byte is ignored.
func PCM16ToFloat(pcm []byte, dst []float32) []float32 {
	n := len(pcm) / 2
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range n {
		dst[i] = Int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return dst
}

// Int16sToFloat converts interleaved int16 samples to float32.
func Int16sToFloat(pcm []int16, dst []float32) []float32 {
	if cap(dst) < len(pcm) {
		dst = make([]float32, len(pcm))
	}
	dst = dst[:len(pcm)]
	for i, s := range pcm {
		dst[i] = Int16ToFloat(s)
	}
	return dst
}

// F32LEToFloat decodes IEEE-754 little-endian float32 samples, as delivered
// by capture drivers in f32 mode. Trailing bytes that do not form a whole
// sample are ignored.
func F32LEToFloat(raw []byte, dst []float32) []float32 {
	n := len(raw) / 4
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for i := range n {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return dst
}

// RMS returns the root-mean-square level of samples. Returns 0 for an empty
// slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, x := range samples {
		v := float64(x)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
