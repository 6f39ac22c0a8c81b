// Package pipeline connects a capture stream to the segmentation chain.
//
// The capture goroutine only enqueues frames into a bounded FIFO. A single
// consumer goroutine drains it in arrival order and, per frame, appends to
// the session's retention buffer, classifies the frame and feeds the
// segmenter. Finished segments are cut from the buffer, trimmed and handed
// to a small worker pool that transcribes and optionally exports them.
//
// When the queue is full the frame is dropped and the next delivered frame
// carries an [audio.OverflowSignal] with reason "queue_full". Streams that
// implement [audio.Lossless] get backpressure instead.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dictado/internal/observe"
	"github.com/MrWong99/dictado/internal/segment"
	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/provider/stt"
	"github.com/MrWong99/dictado/pkg/provider/vad"
)

const (
	defaultQueueFrames  = 64
	defaultSegmentQueue = 16
)

// ReasonQueueFull is the overflow reason for frames dropped because the
// consumer fell behind.
const ReasonQueueFull = "queue_full"

// Discard reasons reported to metrics and [Stats].
const (
	DiscardTooShort = "too_short"
	DiscardEmpty    = "empty"
	DiscardOverflow = "overflow"
)

// OverflowPolicy decides what happens to an utterance in progress when the
// capture path reports an overflow.
type OverflowPolicy string

const (
	// OverflowFlush ends the utterance at the last frame before the overflow
	// and forwards it if it is long enough.
	OverflowFlush OverflowPolicy = "flush"

	// OverflowDrop discards the utterance.
	OverflowDrop OverflowPolicy = "drop"
)

// Config holds the per-session pipeline parameters.
type Config struct {
	// SampleRate and FrameSize describe the frames the stream delivers.
	SampleRate int
	FrameSize  int

	// Strategy labels frame metrics with the classifier in use.
	Strategy vad.Strategy

	// Segment configures the hysteresis segmenter.
	Segment segment.Config

	// TrimThreshold is the amplitude below which leading and trailing
	// samples are trimmed from every segment.
	TrimThreshold float64

	// QueueFrames is the depth of the capture→consumer queue.
	QueueFrames int

	Overflow OverflowPolicy

	// OverflowKeep is how much of the most recent audio the buffer retains
	// after an overflow.
	OverflowKeep time.Duration

	// ProviderName labels transcription metrics when the transcriber does not
	// report which backend answered.
	ProviderName string

	// TranscribeTimeout bounds each transcription call. Zero disables it.
	TranscribeTimeout time.Duration

	// Concurrency is the number of segments processed in parallel.
	Concurrency int
}

func (c *Config) applyDefaults() {
	if c.QueueFrames <= 0 {
		c.QueueFrames = defaultQueueFrames
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Overflow == "" {
		c.Overflow = OverflowFlush
	}
	if c.Segment.SampleRate == 0 {
		c.Segment.SampleRate = c.SampleRate
	}
}

func (c Config) validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", c.SampleRate))
	}
	if c.FrameSize <= 0 {
		errs = append(errs, fmt.Errorf("frame size %d must be positive", c.FrameSize))
	}
	if c.Segment.SampleRate != c.SampleRate {
		errs = append(errs, fmt.Errorf("segmenter rate %d does not match stream rate %d", c.Segment.SampleRate, c.SampleRate))
	}
	if c.Overflow != OverflowFlush && c.Overflow != OverflowDrop {
		errs = append(errs, fmt.Errorf("overflow policy %q is invalid", c.Overflow))
	}
	return errors.Join(errs...)
}

// Stats counts what a pipeline has processed so far.
type Stats struct {
	Frames               int
	SpeechFrames         int
	ClassificationErrors int
	Overflows            int
	DroppedFrames        int
	Segments             int
	Discarded            map[string]int
}

// item is one queued frame plus the overflow signals that precede it.
type item struct {
	frame   audio.Frame
	signals []audio.OverflowSignal
}

// Pipeline runs one session's consumer loop. It is single-use: Run may be
// called once.
type Pipeline struct {
	cfg         Config
	sess        vad.SessionHandle
	buf         *audio.BoundedBuffer
	seg         *segment.Segmenter
	dispatcher  *Dispatcher
	transcriber stt.Provider
	exporter    *Exporter
	metrics     *observe.Metrics
	onResult    func(Result)
	onOverflow  func(audio.OverflowSignal)

	queue    chan item
	quit     chan struct{}
	quitOnce sync.Once
	stopReq  chan struct{}
	stopOnce sync.Once
	segments chan audio.Segment
	running  atomic.Bool

	lastFrame atomic.Int64

	// Capture goroutine only.
	dropped int
	pending []audio.OverflowSignal

	// Consumer goroutine only.
	end      int64
	rateWarn sync.Once

	mu      sync.Mutex
	stats   Stats
	emitted []audio.Segment
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithTranscriber sets the transcription collaborator. Without one, segments
// are only reported and exported.
func WithTranscriber(p stt.Provider) Option {
	return func(pl *Pipeline) { pl.transcriber = p }
}

// WithExporter writes every forwarded segment to disk.
func WithExporter(e *Exporter) Option {
	return func(pl *Pipeline) { pl.exporter = e }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(pl *Pipeline) { pl.metrics = m }
}

// WithResultHandler is called from a worker goroutine for every forwarded
// segment once it has been transcribed and exported. It may be called
// concurrently when Concurrency > 1.
func WithResultHandler(fn func(Result)) Option {
	return func(pl *Pipeline) { pl.onResult = fn }
}

// WithOverflowHandler is called on the consumer goroutine for every overflow
// signal after the overflow policy has been applied.
func WithOverflowHandler(fn func(audio.OverflowSignal)) Option {
	return func(pl *Pipeline) { pl.onOverflow = fn }
}

// New creates a pipeline that classifies with sess and retains audio in buf.
func New(cfg Config, sess vad.SessionHandle, buf *audio.BoundedBuffer, opts ...Option) (*Pipeline, error) {
	if sess == nil {
		return nil, errors.New("pipeline: vad session must not be nil")
	}
	if buf == nil {
		return nil, errors.New("pipeline: buffer must not be nil")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	seg, err := segment.NewSegmenter(cfg.Segment)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	p := &Pipeline{
		cfg:      cfg,
		sess:     sess,
		buf:      buf,
		seg:      seg,
		queue:    make(chan item, cfg.QueueFrames),
		quit:     make(chan struct{}),
		stopReq:  make(chan struct{}),
		segments: make(chan audio.Segment, defaultSegmentQueue),
		stats:    Stats{Discarded: make(map[string]int)},
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.dispatcher = &Dispatcher{
		Transcriber:  p.transcriber,
		Exporter:     p.exporter,
		Metrics:      p.metrics,
		ProviderName: cfg.ProviderName,
		Timeout:      cfg.TranscribeTimeout,
	}
	return p, nil
}

// Run starts stream and processes its frames until the stream ends, [Stop] is
// called or ctx is cancelled. In the first two cases the stream is stopped,
// the queue is drained, the samples the stream still held are appended and
// an utterance still in progress is flushed; Run then waits for every
// forwarded segment to be processed. On cancellation the utterance in
// progress is abandoned and Run returns ctx.Err().
func (p *Pipeline) Run(ctx context.Context, stream audio.Stream) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pipeline: already running")
	}

	lossless := false
	if l, ok := stream.(audio.Lossless); ok {
		lossless = l.Lossless()
	}

	g, gctx := errgroup.WithContext(ctx)
	for range p.cfg.Concurrency {
		g.Go(func() error {
			p.work(gctx)
			return nil
		})
	}

	var err error
	if startErr := stream.Start(p.handler(lossless)); startErr != nil {
		_, _ = stream.Stop()
		err = fmt.Errorf("pipeline: start stream: %w", startErr)
	} else {
		err = p.consume(ctx, stream)
	}

	p.quitOnce.Do(func() { close(p.quit) })
	close(p.segments)
	_ = g.Wait()
	return err
}

// handler returns the capture callback. It runs on the source's capture
// goroutine and never blocks unless block is set.
func (p *Pipeline) handler(block bool) audio.FrameHandler {
	return func(f audio.Frame, ov *audio.OverflowSignal) bool {
		if ov != nil {
			p.pending = append(p.pending, *ov)
		}
		it := item{frame: f}
		if p.dropped > 0 || len(p.pending) > 0 {
			it.signals = p.pending
			if p.dropped > 0 {
				it.signals = append(it.signals, audio.OverflowSignal{Dropped: p.dropped, Reason: ReasonQueueFull})
			}
		}

		if block {
			select {
			case p.queue <- it:
			case <-p.quit:
				return false
			}
		} else {
			select {
			case p.queue <- it:
			default:
				p.dropped++
				return false
			}
		}
		p.dropped = 0
		p.pending = nil
		return true
	}
}

// Stop asks Run to end capture and flush. It does not wait; the caller
// observes completion through Run returning. Stop is idempotent and may be
// called before Run.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopReq) })
}

func (p *Pipeline) consume(ctx context.Context, stream audio.Stream) error {
	for {
		select {
		case it := <-p.queue:
			p.process(ctx, it)
		case <-p.stopReq:
			// Unblocks a lossless handler waiting on a full queue.
			p.quitOnce.Do(func() { close(p.quit) })
			p.finish(ctx, stream)
			return nil
		case <-stream.Done():
			p.finish(ctx, stream)
			return nil
		case <-ctx.Done():
			p.quitOnce.Do(func() { close(p.quit) })
			if _, err := stream.Stop(); err != nil {
				slog.Warn("pipeline: stop stream", "err", err)
			}
			p.drain(ctx)
			if p.seg.State() == segment.Speaking {
				p.seg.Reset()
			}
			return ctx.Err()
		}
	}
}

// finish stops stream and processes everything it delivered, including the
// trailing samples that did not fill a frame, then flushes.
func (p *Pipeline) finish(ctx context.Context, stream audio.Stream) {
	rest, err := stream.Stop()
	if err != nil {
		slog.Warn("pipeline: stop stream", "err", err)
	}
	p.drain(ctx)
	if len(rest) > 0 {
		if lost := p.buf.AppendAt(p.end, rest); lost > 0 {
			p.metrics.BufferEvicted.Add(ctx, int64(lost))
		}
		p.end += int64(len(rest))
	}
	p.handleEvent(ctx, p.seg.Flush(p.end))
}

func (p *Pipeline) drain(ctx context.Context) {
	for {
		select {
		case it := <-p.queue:
			p.process(ctx, it)
		default:
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, it item) {
	for _, sig := range it.signals {
		p.handleOverflow(ctx, sig)
	}

	f := it.frame
	if f.SampleRate != 0 && f.SampleRate != p.cfg.SampleRate {
		p.rateWarn.Do(func() {
			slog.Warn("pipeline: frame sample rate differs from session rate; timestamps use the session rate",
				"frame_rate", f.SampleRate,
				"session_rate", p.cfg.SampleRate,
			)
		})
	}

	p.lastFrame.Store(time.Now().UnixNano())
	if lost := p.buf.AppendAt(f.Offset, f.Samples); lost > 0 {
		p.metrics.BufferEvicted.Add(ctx, int64(lost))
	}
	p.end = f.End()
	p.metrics.BufferSamples.Record(ctx, int64(p.buf.Len()))

	res, err := p.sess.ProcessFrame(f.Samples)
	if err != nil {
		p.classifyFailed(ctx, f, err)
		res = vad.Result{}
	}
	p.metrics.RecordFrame(ctx, string(p.cfg.Strategy), res.IsSpeech)

	p.mu.Lock()
	p.stats.Frames++
	if res.IsSpeech {
		p.stats.SpeechFrames++
	}
	p.mu.Unlock()

	p.handleEvent(ctx, p.seg.Feed(segment.ClassifiedFrame{
		Offset:      f.Offset,
		IsSpeech:    res.IsSpeech,
		Probability: res.Probability,
	}))
}

func (p *Pipeline) classifyFailed(ctx context.Context, f audio.Frame, err error) {
	p.metrics.ClassificationErrors.Add(ctx, 1)
	p.mu.Lock()
	p.stats.ClassificationErrors++
	first := p.stats.ClassificationErrors == 1
	p.mu.Unlock()

	log := observe.Logger(ctx)
	level := slog.LevelDebug
	if first {
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "pipeline: classification failed, treating frame as silence",
		"offset", f.Offset,
		"err", err,
	)
}

func (p *Pipeline) handleEvent(ctx context.Context, ev segment.Event) {
	switch ev.Kind {
	case segment.EventSpeechStart:
		slog.Debug("pipeline: speech started", "at", audio.SamplesToDuration(p.end, p.cfg.SampleRate))
	case segment.EventDiscarded:
		slog.Debug("pipeline: utterance too short", "segment", ev.Segment)
		p.discard(ctx, DiscardTooShort)
	case segment.EventSegment:
		p.emit(ctx, ev.Segment)
	}
}

// emit cuts seg out of the buffer, trims it and queues it for the workers.
func (p *Pipeline) emit(ctx context.Context, seg audio.Segment) {
	samples, start := p.buf.Range(seg.Start, seg.End)
	if start > seg.Start {
		observe.Logger(ctx).Warn("pipeline: utterance longer than the retention buffer, start clipped",
			"segment", seg,
			"clipped", audio.SamplesToDuration(start-seg.Start, p.cfg.SampleRate),
		)
		p.metrics.SegmentsClipped.Add(ctx, 1)
	}
	seg.Samples = samples
	seg.Start = start
	seg.End = start + int64(len(samples))

	trimmed, err := segment.Trim(seg, p.cfg.TrimThreshold)
	if err != nil {
		slog.Debug("pipeline: segment empty after trimming", "segment", seg)
		p.discard(ctx, DiscardEmpty)
		return
	}

	p.metrics.RecordSegment(ctx, trimmed.DurationSeconds())
	p.mu.Lock()
	p.stats.Segments++
	p.emitted = append(p.emitted, audio.Segment{Start: trimmed.Start, End: trimmed.End, SampleRate: trimmed.SampleRate})
	p.mu.Unlock()

	select {
	case p.segments <- trimmed:
	case <-ctx.Done():
	}
}

func (p *Pipeline) discard(ctx context.Context, reason string) {
	p.metrics.RecordDiscard(ctx, reason)
	p.mu.Lock()
	p.stats.Discarded[reason]++
	p.mu.Unlock()
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Discarded = make(map[string]int, len(p.stats.Discarded))
	for k, v := range p.stats.Discarded {
		s.Discarded[k] = v
	}
	return s
}

// Emitted returns the boundaries of every forwarded segment in emission
// order. Samples are nil.
func (p *Pipeline) Emitted() []audio.Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]audio.Segment(nil), p.emitted...)
}

// LastFrame returns when the consumer last processed a frame, or the zero
// time if it has not processed any.
func (p *Pipeline) LastFrame() time.Time {
	n := p.lastFrame.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
