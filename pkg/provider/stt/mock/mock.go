// Package mock provides test doubles for the stt package interfaces.
//
// Provider records every segment it is asked to transcribe and returns a
// scripted Transcript or error.
//
// Example:
//
//	p := &mock.Provider{Result: stt.Transcript{Text: "hello"}}
//	tr, _ := p.Transcribe(ctx, seg)
//	_ = p.CallCount() // 1
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Segment is the segment passed to Transcribe. Samples is a copy.
	Segment audio.Segment
}

// Provider is a mock implementation of stt.Provider and stt.Closer.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Transcribe when TranscribeFunc is nil.
	Result stt.Transcript

	// Err, if non-nil, is returned by Transcribe when TranscribeFunc is nil.
	Err error

	// TranscribeFunc, if set, computes the response for each call.
	TranscribeFunc func(ctx context.Context, seg audio.Segment) (stt.Transcript, error)

	// CloseErr is returned by Close.
	CloseErr error

	// Calls records every call to Transcribe in order.
	Calls []TranscribeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Transcribe records the call and returns the scripted response.
func (p *Provider) Transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, error) {
	cp := seg
	cp.Samples = append([]float32(nil), seg.Samples...)

	p.mu.Lock()
	p.Calls = append(p.Calls, TranscribeCall{Segment: cp})
	fn, res, err := p.TranscribeFunc, p.Result, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, seg)
	}
	return res, err
}

// Close records the call and returns CloseErr.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return p.CloseErr
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Segments returns copies of every transcribed segment in call order.
func (p *Provider) Segments() []audio.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]audio.Segment, len(p.Calls))
	for i, c := range p.Calls {
		out[i] = c.Segment
	}
	return out
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.CloseCallCount = 0
}

// Ensure Provider implements the stt interfaces at compile time.
var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Closer   = (*Provider)(nil)
)
