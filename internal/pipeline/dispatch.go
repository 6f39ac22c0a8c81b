package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dictado/internal/observe"
	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/audio/opus"
	"github.com/MrWong99/dictado/pkg/provider/stt"
)

// Result is the outcome of processing one forwarded segment.
type Result struct {
	// Index is the 1-based emission order of the segment.
	Index int64

	// SessionID is the recording session or batch run the segment belongs
	// to, taken from the dispatch context.
	SessionID string

	// Segment is the trimmed segment including its samples.
	Segment audio.Segment

	// Transcript is set when a transcriber is configured and succeeded.
	Transcript *stt.Transcript

	// Provider names the backend that produced Transcript or failed last.
	Provider string

	// Err is the transcription error, if any.
	Err error

	// AudioPath is the exported file, if export is enabled.
	AudioPath string

	// ExportErr is the export error, if any.
	ExportErr error
}

// namedTranscriber is implemented by transcribers that front several
// backends and can report which one answered.
type namedTranscriber interface {
	TranscribeNamed(ctx context.Context, seg audio.Segment) (stt.Transcript, string, error)
}

// Dispatcher hands finished segments to the transcription collaborator and
// the exporter. The zero value forwards nothing and only numbers segments.
// A Dispatcher is safe for concurrent use.
type Dispatcher struct {
	// Transcriber is optional.
	Transcriber stt.Provider

	// Exporter is optional.
	Exporter *Exporter

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// ProviderName labels metrics when Transcriber cannot name the backend.
	ProviderName string

	// Timeout bounds each transcription call. Zero disables it.
	Timeout time.Duration

	seq atomic.Int64
}

func (p *Pipeline) work(ctx context.Context) {
	for seg := range p.segments {
		res := p.dispatcher.Dispatch(ctx, seg)
		if p.onResult != nil {
			p.onResult(res)
		}
	}
}

// Dispatch transcribes and exports seg concurrently. Failures are reported
// in the [Result]; they never stop the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, seg audio.Segment) Result {
	res := Result{Index: d.seq.Add(1), SessionID: observe.SessionID(ctx), Segment: seg}

	ctx, span := observe.StartSpan(ctx, "pipeline.dispatch",
		trace.WithAttributes(
			attribute.Int64("segment.index", res.Index),
			attribute.Float64("segment.start_seconds", seg.StartTime().Seconds()),
			attribute.Float64("segment.duration_seconds", seg.DurationSeconds()),
		),
	)
	defer span.End()

	var g errgroup.Group
	if d.Exporter != nil {
		g.Go(func() error {
			res.AudioPath, res.ExportErr = d.Exporter.Export(res.Index, seg)
			return nil
		})
	}
	if d.Transcriber != nil {
		g.Go(func() error {
			tr, provider, err := d.transcribe(ctx, seg)
			res.Provider = provider
			if err != nil {
				res.Err = err
				return nil
			}
			res.Transcript = &tr
			return nil
		})
	}
	_ = g.Wait()

	log := observe.Logger(ctx)
	if res.ExportErr != nil {
		span.RecordError(res.ExportErr)
		log.Warn("pipeline: segment export failed", "index", res.Index, "err", res.ExportErr)
	}
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "transcription failed")
		log.Warn("pipeline: transcription failed",
			"index", res.Index,
			"segment", seg,
			"provider", res.Provider,
			"err", res.Err,
		)
	}
	return res
}

func (d *Dispatcher) metrics() *observe.Metrics {
	if d.Metrics != nil {
		return d.Metrics
	}
	return observe.DefaultMetrics()
}

func (d *Dispatcher) transcribe(ctx context.Context, seg audio.Segment) (stt.Transcript, string, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		tr       stt.Transcript
		provider = d.ProviderName
		err      error
	)
	if n, ok := d.Transcriber.(namedTranscriber); ok {
		var name string
		tr, name, err = n.TranscribeNamed(ctx, seg)
		if name != "" {
			provider = name
		}
	} else {
		tr, err = d.Transcriber.Transcribe(ctx, seg)
	}

	m := d.metrics()
	m.TranscriptionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
	if err != nil {
		m.RecordTranscriptionError(ctx, provider)
		return stt.Transcript{}, provider, fmt.Errorf("pipeline: transcribe %s: %w", seg, err)
	}
	return tr, provider, nil
}

// Export formats.
const (
	FormatWAV  = "wav"
	FormatOpus = "opus"
)

// Exporter writes segments to files in a directory.
type Exporter struct {
	dir    string
	prefix string
	format string
}

// NewExporter creates dir if needed. Files are named
// <prefix>_<index>_<start ms>.<format>.
func NewExporter(dir, prefix, format string) (*Exporter, error) {
	if format != FormatWAV && format != FormatOpus {
		return nil, fmt.Errorf("pipeline: unsupported export format %q", format)
	}
	if dir == "" {
		return nil, errors.New("pipeline: export directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pipeline: create export dir: %w", err)
	}
	if prefix == "" {
		prefix = "segment"
	}
	return &Exporter{dir: dir, prefix: prefix, format: format}, nil
}

// Export writes seg and returns the file path.
func (e *Exporter) Export(index int64, seg audio.Segment) (string, error) {
	name := fmt.Sprintf("%s_%04d_%09dms.%s", e.prefix, index, seg.StartTime().Milliseconds(), e.format)
	path := filepath.Join(e.dir, name)

	var err error
	switch e.format {
	case FormatOpus:
		err = opus.WriteFile(path, seg.Samples, seg.SampleRate)
	default:
		err = audio.WriteWAVFile(path, seg.Samples, seg.SampleRate)
	}
	if err != nil {
		return "", fmt.Errorf("pipeline: export segment %d: %w", index, err)
	}
	return path, nil
}
