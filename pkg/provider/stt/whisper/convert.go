package whisper

import (
	"github.com/MrWong99/dictado/pkg/audio"
)

// modelSampleRate is the only rate whisper models accept.
const modelSampleRate = 16000

// prepare returns seg's samples at the model rate. Segments already at
// 16 kHz are returned without copying.
func prepare(seg audio.Segment) []float32 {
	rate := seg.SampleRate
	if rate <= 0 {
		rate = modelSampleRate
	}
	return audio.Resample(seg.Samples, rate, modelSampleRate)
}
