package pipeline_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/dictado/internal/observe"
	"github.com/MrWong99/dictado/internal/pipeline"
	"github.com/MrWong99/dictado/internal/resilience"
	"github.com/MrWong99/dictado/internal/segment"
	"github.com/MrWong99/dictado/pkg/audio"
	audiomock "github.com/MrWong99/dictado/pkg/audio/mock"
	"github.com/MrWong99/dictado/pkg/audio/wavfile"
	"github.com/MrWong99/dictado/pkg/provider/stt"
	sttmock "github.com/MrWong99/dictado/pkg/provider/stt/mock"
	"github.com/MrWong99/dictado/pkg/provider/vad"
	vadmock "github.com/MrWong99/dictado/pkg/provider/vad/mock"
)

const (
	rate      = 16000
	frameSize = 480 // 30 ms
)

// ── helpers ──────────────────────────────────────────────────────────────────

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter sums every data point of the named int64 counter.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func testConfig() pipeline.Config {
	return pipeline.Config{
		SampleRate: rate,
		FrameSize:  frameSize,
		Strategy:   vad.StrategyEnergy,
		Segment: segment.Config{
			SampleRate: rate,
			MinSpeech:  500 * time.Millisecond,
			MinSilence: 300 * time.Millisecond,
		},
		TrimThreshold: 0.01,
		QueueFrames:   1024,
		OverflowKeep:  5 * time.Second,
		ProviderName:  "mock",
	}
}

// speechBetween returns a level function that is loud for frames in [from, to).
func speechBetween(from, to int) func(int) float32 {
	return func(i int) float32 {
		if i >= from && i < to {
			return 0.5
		}
		return 0
	}
}

// results collects pipeline results from worker goroutines.
type results struct {
	mu  sync.Mutex
	all []pipeline.Result
}

func (r *results) add(res pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, res)
}

func (r *results) list() []pipeline.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]pipeline.Result(nil), r.all...)
}

type harness struct {
	p       *pipeline.Pipeline
	buf     *audio.BoundedBuffer
	results *results
	reader  *sdkmetric.ManualReader
}

func newHarness(t *testing.T, cfg pipeline.Config, opts ...pipeline.Option) *harness {
	t.Helper()
	m, reader := newTestMetrics(t)
	h := &harness{
		buf:     audio.NewBoundedBuffer(30 * rate),
		results: &results{},
		reader:  reader,
	}
	opts = append([]pipeline.Option{
		pipeline.WithMetrics(m),
		pipeline.WithResultHandler(h.results.add),
	}, opts...)
	sess := &vadmock.Session{Classify: vadmock.ByLevel(0.1)}
	p, err := pipeline.New(cfg, sess, h.buf, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.p = p
	return h
}

func (h *harness) run(t *testing.T, stream audio.Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.p.Run(ctx, stream); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// ── tests ────────────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	buf := audio.NewBoundedBuffer(rate)
	sess := &vadmock.Session{}

	if _, err := pipeline.New(testConfig(), nil, buf); err == nil {
		t.Error("expected error for nil session")
	}
	if _, err := pipeline.New(testConfig(), sess, nil); err == nil {
		t.Error("expected error for nil buffer")
	}

	cfg := testConfig()
	cfg.Overflow = "keep"
	if _, err := pipeline.New(cfg, sess, buf); err == nil {
		t.Error("expected error for invalid overflow policy")
	}

	cfg = testConfig()
	cfg.Segment.SampleRate = 8000
	if _, err := pipeline.New(cfg, sess, buf); err == nil {
		t.Error("expected error for mismatched segmenter rate")
	}
}

// 1.2 s of speech inside silence yields exactly one segment covering it.
func TestRun_SingleUtterance(t *testing.T) {
	t.Parallel()
	prov := &sttmock.Provider{Result: stt.Transcript{Text: "hello world"}}
	h := newHarness(t, testConfig(), pipeline.WithTranscriber(prov))

	frames := audiomock.Frames(100, frameSize, rate, 0, speechBetween(10, 50))
	h.run(t, &audiomock.Stream{Frames: frames})

	res := h.results.list()
	if len(res) != 1 {
		t.Fatalf("results = %d, want 1", len(res))
	}
	got := res[0]
	if got.Segment.Start != 10*frameSize || got.Segment.End != 50*frameSize {
		t.Errorf("segment = [%d, %d), want [%d, %d)", got.Segment.Start, got.Segment.End, 10*frameSize, 50*frameSize)
	}
	if len(got.Segment.Samples) != 40*frameSize {
		t.Errorf("samples = %d, want %d", len(got.Segment.Samples), 40*frameSize)
	}
	if got.Transcript == nil || got.Transcript.Text != "hello world" {
		t.Errorf("transcript = %+v", got.Transcript)
	}
	if got.Provider != "mock" || got.Index != 1 {
		t.Errorf("provider = %q index = %d", got.Provider, got.Index)
	}
	if prov.CallCount() != 1 {
		t.Errorf("transcribe calls = %d, want 1", prov.CallCount())
	}

	s := h.p.Stats()
	if s.Frames != 100 || s.SpeechFrames != 40 || s.Segments != 1 {
		t.Errorf("stats = %+v", s)
	}
	if n := counter(t, h.reader, "dictado.segments.emitted"); n != 1 {
		t.Errorf("segments.emitted = %d, want 1", n)
	}
	if n := counter(t, h.reader, "dictado.frames.processed"); n != 100 {
		t.Errorf("frames.processed = %d, want 100", n)
	}
	if em := h.p.Emitted(); len(em) != 1 || em[0].Samples != nil {
		t.Errorf("Emitted = %+v", em)
	}
}

func TestRun_ShortBurstDiscarded(t *testing.T) {
	t.Parallel()
	prov := &sttmock.Provider{}
	h := newHarness(t, testConfig(), pipeline.WithTranscriber(prov))

	// 150 ms burst is below the 500 ms minimum.
	frames := audiomock.Frames(60, frameSize, rate, 0, speechBetween(10, 15))
	h.run(t, &audiomock.Stream{Frames: frames})

	if len(h.results.list()) != 0 || prov.CallCount() != 0 {
		t.Fatalf("short burst was forwarded")
	}
	if d := h.p.Stats().Discarded[pipeline.DiscardTooShort]; d != 1 {
		t.Errorf("too_short discards = %d, want 1", d)
	}
	if n := counter(t, h.reader, "dictado.segments.discarded"); n != 1 {
		t.Errorf("segments.discarded = %d, want 1", n)
	}
}

func TestRun_FlushAtEndOfStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	frames := audiomock.Frames(60, frameSize, rate, 0, speechBetween(20, 60))
	h.run(t, &audiomock.Stream{Frames: frames})

	res := h.results.list()
	if len(res) != 1 {
		t.Fatalf("results = %d, want 1", len(res))
	}
	if res[0].Segment.Start != 20*frameSize || res[0].Segment.End != 60*frameSize {
		t.Errorf("segment = %v", res[0].Segment)
	}
	if res[0].Transcript != nil {
		t.Error("no transcriber configured but transcript set")
	}
}

func loud(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 0.5
	}
	return out
}

func TestRun_FlushIncludesPartialFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	frames := audiomock.Frames(60, frameSize, rate, 0, speechBetween(20, 60))
	stream := &audiomock.Stream{Frames: frames, Remaining: loud(200)}
	h.run(t, stream)

	res := h.results.list()
	if len(res) != 1 {
		t.Fatalf("results = %d, want 1", len(res))
	}
	seg := res[0].Segment
	if seg.Start != 20*frameSize || seg.End != 60*frameSize+200 {
		t.Errorf("segment = [%d, %d), want [%d, %d)", seg.Start, seg.End, 20*frameSize, 60*frameSize+200)
	}
	if len(seg.Samples) != 40*frameSize+200 {
		t.Errorf("samples = %d, want %d", len(seg.Samples), 40*frameSize+200)
	}
	if stream.StopCallCount() != 1 {
		t.Errorf("stream Stop calls = %d, want 1", stream.StopCallCount())
	}
}

func TestStop_FlushesWithPartialFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	frames := audiomock.Frames(40, frameSize, rate, 0, speechBetween(10, 40))
	stream := &audiomock.Stream{Frames: frames, Hold: true, Remaining: loud(120)}

	errCh := make(chan error, 1)
	go func() { errCh <- h.p.Run(context.Background(), stream) }()

	deadline := time.After(2 * time.Second)
	for h.p.Stats().Frames < len(frames) {
		select {
		case <-deadline:
			t.Fatal("frames not processed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.p.Stop()
	h.p.Stop()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	res := h.results.list()
	if len(res) != 1 {
		t.Fatalf("results = %d, want 1", len(res))
	}
	if seg := res[0].Segment; seg.Start != 10*frameSize || seg.End != 40*frameSize+120 {
		t.Errorf("segment = [%d, %d), want [%d, %d)", seg.Start, seg.End, 10*frameSize, 40*frameSize+120)
	}
	if stream.StopCallCount() != 1 {
		t.Errorf("stream Stop calls = %d, want 1", stream.StopCallCount())
	}
}

func TestStop_IdleIgnoresPartialFrame(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	frames := audiomock.Frames(20, frameSize, rate, 0, func(int) float32 { return 0 })
	h.run(t, &audiomock.Stream{Frames: frames, Remaining: loud(100)})

	if len(h.results.list()) != 0 {
		t.Error("partial frame after silence was forwarded")
	}
	if _, end := h.buf.Bounds(); end != 20*frameSize+100 {
		t.Errorf("buffer end = %d, want %d", end, 20*frameSize+100)
	}
}

func TestRun_ClassificationErrorsCountAsSilence(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	sess := &vadmock.Session{
		Classify: func(int, []float32) (vad.Result, error) {
			return vad.Result{IsSpeech: true}, &vad.ClassificationError{Engine: vad.StrategyWebRTC, Err: errors.New("bad frame")}
		},
	}
	res := &results{}
	p, err := pipeline.New(testConfig(), sess, audio.NewBoundedBuffer(rate),
		pipeline.WithMetrics(m), pipeline.WithResultHandler(res.add))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frames := audiomock.Frames(50, frameSize, rate, 0, func(int) float32 { return 0.5 })
	if err := p.Run(context.Background(), &audiomock.Stream{Frames: frames}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.list()) != 0 {
		t.Error("frames with classification errors produced a segment")
	}
	if s := p.Stats(); s.ClassificationErrors != 50 || s.SpeechFrames != 0 {
		t.Errorf("stats = %+v", s)
	}
	if n := counter(t, reader, "dictado.classification.errors"); n != 50 {
		t.Errorf("classification.errors = %d, want 50", n)
	}
}

func TestRun_EmptyAfterTrimDiscarded(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TrimThreshold = 0.9
	h := newHarness(t, cfg)

	frames := audiomock.Frames(80, frameSize, rate, 0, speechBetween(10, 50))
	h.run(t, &audiomock.Stream{Frames: frames})

	if len(h.results.list()) != 0 {
		t.Fatal("segment below trim threshold was forwarded")
	}
	if d := h.p.Stats().Discarded[pipeline.DiscardEmpty]; d != 1 {
		t.Errorf("empty discards = %d, want 1", d)
	}
}

func TestRun_Overflow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		policy        pipeline.OverflowPolicy
		wantSegments  []audio.Segment
		wantDiscarded int
	}{
		{
			name:   "flush",
			policy: pipeline.OverflowFlush,
			wantSegments: []audio.Segment{
				{Start: 10 * frameSize, End: 40 * frameSize},
				{Start: 40 * frameSize, End: 80 * frameSize},
			},
		},
		{
			name:          "drop",
			policy:        pipeline.OverflowDrop,
			wantSegments:  []audio.Segment{{Start: 40 * frameSize, End: 80 * frameSize}},
			wantDiscarded: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			cfg.Overflow = tc.policy

			var signals []audio.OverflowSignal
			var mu sync.Mutex
			h := newHarness(t, cfg, pipeline.WithOverflowHandler(func(s audio.OverflowSignal) {
				mu.Lock()
				signals = append(signals, s)
				mu.Unlock()
			}))

			frames := audiomock.Frames(120, frameSize, rate, 0, speechBetween(10, 80))
			script := make([]audiomock.Delivery, len(frames))
			for i, f := range frames {
				script[i] = audiomock.Delivery{Frame: f}
			}
			script[40].Overflow = &audio.OverflowSignal{Dropped: 1, Reason: "packet_loss"}
			h.run(t, &audiomock.Stream{Deliveries: script})

			res := h.results.list()
			if len(res) != len(tc.wantSegments) {
				t.Fatalf("results = %d, want %d", len(res), len(tc.wantSegments))
			}
			for i, want := range tc.wantSegments {
				got := res[i].Segment
				if got.Start != want.Start || got.End != want.End {
					t.Errorf("segment %d = [%d, %d), want [%d, %d)", i, got.Start, got.End, want.Start, want.End)
				}
			}
			if d := h.p.Stats().Discarded[pipeline.DiscardOverflow]; d != tc.wantDiscarded {
				t.Errorf("overflow discards = %d, want %d", d, tc.wantDiscarded)
			}
			if s := h.p.Stats(); s.Overflows != 1 || s.DroppedFrames != 0 {
				t.Errorf("stats = %+v", s)
			}
			mu.Lock()
			defer mu.Unlock()
			if len(signals) != 1 || signals[0].Reason != "packet_loss" {
				t.Errorf("overflow handler saw %+v", signals)
			}
			if n := counter(t, h.reader, "dictado.overflow.signals"); n != 1 {
				t.Errorf("overflow.signals = %d, want 1", n)
			}
		})
	}
}

func TestRun_OverflowTruncatesBuffer(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.OverflowKeep = 10 * 30 * time.Millisecond
	h := newHarness(t, cfg)

	frames := audiomock.Frames(60, frameSize, rate, 0, func(int) float32 { return 0 })
	script := make([]audiomock.Delivery, len(frames))
	for i, f := range frames {
		script[i] = audiomock.Delivery{Frame: f}
	}
	script[50].Overflow = &audio.OverflowSignal{Dropped: 1, Reason: "malformed_buffer"}
	h.run(t, &audiomock.Stream{Deliveries: script})

	// 10 frames kept at the overflow, then 10 more appended.
	if got, want := h.buf.Len(), 20*frameSize; got != want {
		t.Errorf("buffer len = %d, want %d", got, want)
	}
}

func TestRun_UtteranceLongerThanBufferIsClipped(t *testing.T) {
	t.Parallel()
	m, reader := newTestMetrics(t)
	res := &results{}
	buf := audio.NewBoundedBuffer(20 * frameSize)
	sess := &vadmock.Session{Classify: vadmock.ByLevel(0.1)}
	p, err := pipeline.New(testConfig(), sess, buf,
		pipeline.WithMetrics(m),
		pipeline.WithResultHandler(res.add),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	frames := audiomock.Frames(100, frameSize, rate, 0, speechBetween(10, 50))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Run(ctx, &audiomock.Stream{Frames: frames}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := res.list()
	if len(got) != 1 {
		t.Fatalf("results = %d, want 1", len(got))
	}
	seg := got[0].Segment
	if seg.Start <= 10*frameSize || seg.End != 50*frameSize {
		t.Errorf("segment = [%d, %d), want clipped start and end %d", seg.Start, seg.End, 50*frameSize)
	}
	if int64(len(seg.Samples)) != seg.Len() {
		t.Errorf("samples = %d, want %d", len(seg.Samples), seg.Len())
	}
	if n := counter(t, reader, "dictado.segments.clipped"); n != 1 {
		t.Errorf("segments.clipped = %d, want 1", n)
	}
	if n := counter(t, reader, "dictado.buffer.evicted"); n != 80*frameSize {
		t.Errorf("buffer.evicted = %d, want %d", n, 80*frameSize)
	}
}

func TestRun_NoClippingWithinBuffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	frames := audiomock.Frames(100, frameSize, rate, 0, speechBetween(10, 50))
	h.run(t, &audiomock.Stream{Frames: frames})

	if n := counter(t, h.reader, "dictado.segments.clipped"); n != 0 {
		t.Errorf("segments.clipped = %d, want 0", n)
	}
	if n := counter(t, h.reader, "dictado.buffer.evicted"); n != 0 {
		t.Errorf("buffer.evicted = %d, want 0", n)
	}
}

func TestRun_LosslessStreamNeverDrops(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QueueFrames = 1
	h := newHarness(t, cfg)

	samples := make([]float32, 200*frameSize)
	for i := 40 * frameSize; i < 100*frameSize; i++ {
		if i%2 == 0 {
			samples[i] = 0.5
		} else {
			samples[i] = -0.5
		}
	}
	stream := wavfile.NewStream(samples, audio.StreamConfig{SampleRate: rate, Channels: 1, FrameSize: frameSize}, false)
	h.run(t, stream)

	s := h.p.Stats()
	if s.Frames != 200 || s.DroppedFrames != 0 || s.Overflows != 0 {
		t.Errorf("stats = %+v", s)
	}
	if res := h.results.list(); len(res) != 1 {
		t.Errorf("results = %d, want 1", len(res))
	}
}

func TestRun_TranscriptionError(t *testing.T) {
	t.Parallel()
	prov := &sttmock.Provider{Err: errors.New("backend down")}
	h := newHarness(t, testConfig(), pipeline.WithTranscriber(prov))

	frames := audiomock.Frames(100, frameSize, rate, 0, speechBetween(10, 50))
	h.run(t, &audiomock.Stream{Frames: frames})

	res := h.results.list()
	if len(res) != 1 {
		t.Fatalf("results = %d, want 1", len(res))
	}
	if res[0].Err == nil || res[0].Transcript != nil {
		t.Errorf("result = %+v, want error", res[0])
	}
	if n := counter(t, h.reader, "dictado.transcription.errors"); n != 1 {
		t.Errorf("transcription.errors = %d, want 1", n)
	}
}

func TestRun_TranscribeTimeout(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.TranscribeTimeout = 20 * time.Millisecond
	prov := &sttmock.Provider{
		TranscribeFunc: func(ctx context.Context, _ audio.Segment) (stt.Transcript, error) {
			<-ctx.Done()
			return stt.Transcript{}, ctx.Err()
		},
	}
	h := newHarness(t, cfg, pipeline.WithTranscriber(prov))

	frames := audiomock.Frames(100, frameSize, rate, 0, speechBetween(10, 50))
	h.run(t, &audiomock.Stream{Frames: frames})

	res := h.results.list()
	if len(res) != 1 || !errors.Is(res[0].Err, context.DeadlineExceeded) {
		t.Fatalf("results = %+v, want deadline exceeded", res)
	}
}

func TestRun_FallbackReportsProvider(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{Err: errors.New("primary down")}
	backup := &sttmock.Provider{Result: stt.Transcript{Text: "from backup"}}
	fb := resilience.NewSTTFallback(primary, "primary", resilience.FallbackConfig{})
	fb.AddFallback("backup", backup)

	h := newHarness(t, testConfig(), pipeline.WithTranscriber(fb))
	frames := audiomock.Frames(100, frameSize, rate, 0, speechBetween(10, 50))
	h.run(t, &audiomock.Stream{Frames: frames})

	res := h.results.list()
	if len(res) != 1 {
		t.Fatalf("results = %d, want 1", len(res))
	}
	if res[0].Provider != "backup" || res[0].Transcript == nil || res[0].Transcript.Text != "from backup" {
		t.Errorf("result = %+v", res[0])
	}
}

func TestRun_ExportsSegments(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	exp, err := pipeline.NewExporter(dir, "session", pipeline.FormatWAV)
	if err != nil {
		t.Fatalf("NewExporter: %v", err)
	}
	h := newHarness(t, testConfig(), pipeline.WithExporter(exp))

	frames := audiomock.Frames(100, frameSize, rate, 0, speechBetween(10, 50))
	h.run(t, &audiomock.Stream{Frames: frames})

	res := h.results.list()
	if len(res) != 1 {
		t.Fatalf("results = %d, want 1", len(res))
	}
	if res[0].ExportErr != nil {
		t.Fatalf("ExportErr: %v", res[0].ExportErr)
	}
	if _, err := os.Stat(res[0].AudioPath); err != nil {
		t.Fatalf("exported file: %v", err)
	}
	clip, err := audio.ReadWAVFile(res[0].AudioPath)
	if err != nil {
		t.Fatalf("ReadWAVFile: %v", err)
	}
	if len(clip.Samples) != 40*frameSize || clip.Format.SampleRate != rate {
		t.Errorf("clip = %d samples @ %d Hz", len(clip.Samples), clip.Format.SampleRate)
	}
}

func TestNewExporter_RejectsFormat(t *testing.T) {
	t.Parallel()
	if _, err := pipeline.NewExporter(t.TempDir(), "", "mp3"); err == nil {
		t.Fatal("expected error for mp3")
	}
	if _, err := pipeline.NewExporter("", "", pipeline.FormatWAV); err == nil {
		t.Fatal("expected error for empty dir")
	}
}

func TestRun_ContextCancelStopsStream(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())

	// Speech that never ends on a stream that stays open.
	frames := audiomock.Frames(40, frameSize, rate, 0, func(int) float32 { return 0.5 })
	stream := &audiomock.Stream{Frames: frames, Hold: true}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.p.Run(ctx, stream) }()

	deadline := time.After(2 * time.Second)
	for stream.DeliveredCount() < len(frames) {
		select {
		case <-deadline:
			t.Fatal("frames not delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if stream.StopCallCount() == 0 {
		t.Error("stream was not stopped")
	}
	if len(h.results.list()) != 0 {
		t.Error("abandoned utterance was forwarded")
	}
}

func TestRun_OnlyOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.run(t, &audiomock.Stream{})
	if err := h.p.Run(context.Background(), &audiomock.Stream{}); err == nil {
		t.Fatal("second Run should fail")
	}
}

func TestRun_StartError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	err := h.p.Run(context.Background(), &audiomock.Stream{StartErr: errors.New("device busy")})
	if err == nil {
		t.Fatal("expected start error")
	}
}
