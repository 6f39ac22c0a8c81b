// Command dictado records speech from a microphone or a recording, cuts it
// into utterances and hands each utterance to a transcription backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/dictado/internal/app"
	"github.com/MrWong99/dictado/internal/config"
	"github.com/MrWong99/dictado/internal/health"
	"github.com/MrWong99/dictado/internal/observe"
	"github.com/MrWong99/dictado/internal/pipeline"
	"github.com/MrWong99/dictado/internal/resilience"
	"github.com/MrWong99/dictado/pkg/audio"
	"github.com/MrWong99/dictado/pkg/audio/microphone"
	"github.com/MrWong99/dictado/pkg/audio/opus"
	"github.com/MrWong99/dictado/pkg/audio/wavfile"
	"github.com/MrWong99/dictado/pkg/provider/stt"
	"github.com/MrWong99/dictado/pkg/provider/stt/whisper"
	"github.com/MrWong99/dictado/pkg/provider/vad"
	"github.com/MrWong99/dictado/pkg/provider/vad/energy"
	"github.com/MrWong99/dictado/pkg/provider/vad/webrtc"
)

// captureStallAge is how long an active session may go without a frame
// before /healthz reports it.
const captureStallAge = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print input devices and exit")
	input := flag.String("input", "", "segment a WAV file instead of recording")
	maxDuration := flag.Duration("max-duration", 0, "stop recording after this long (overrides session.max_duration)")
	flag.Parse()

	if *listDevices {
		return printDevices(microphone.New())
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level is a LevelVar so config reloads can change it in place.
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher starts before the app exists; reloads see it once stored.
	var current atomic.Pointer[app.App]
	watcher, err := config.NewWatcher(*configPath, func(old, cur *config.Config) {
		onConfigChange(level, current.Load(), old, cur)
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dictado: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dictado: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	if *maxDuration > 0 {
		c := *cfg
		c.Session.MaxDuration = *maxDuration
		cfg = &c
	}
	level.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("dictado starting",
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
		"metrics_addr", cfg.Server.MetricsAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	var tel *observe.Telemetry
	if cfg.Server.MetricsAddr != "" {
		tel, err = observe.InitProvider(ctx, observe.ProviderConfig{
			ServiceName: "dictado",
			Attributes: []attribute.KeyValue{
				attribute.String("dictado.audio.source", cfg.Audio.Source),
				attribute.String("dictado.vad.strategy", cfg.VAD.Strategy),
			},
			TraceSampleRatio: cfg.Server.TraceSampleRatio,
		})
		if err != nil {
			slog.Error("failed to initialise telemetry", "err", err)
			return 1
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tel.Shutdown(sctx); err != nil {
				slog.Warn("telemetry shutdown error", "err", err)
			}
		}()
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, fallback, err := buildProviders(cfg, reg, *input == "")
	if err != nil {
		var de *audio.DeviceError
		if errors.As(err, &de) {
			slog.Error("audio device unavailable", "op", de.Op, "device", de.Device, "err", de.Err)
		} else {
			slog.Error("failed to build providers", "err", err)
		}
		return 1
	}

	printStartupSummary(cfg, providers, *input)

	application, err := app.New(cfg, providers, app.WithResultHandler(logResult))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	current.Store(application)

	// ── Metrics listener ──────────────────────────────────────────────────────
	var srv *http.Server
	if tel != nil {
		checkers := []health.Checker{
			health.Liveness("capture", application.LastActivity, captureStallAge),
		}
		if fallback != nil {
			checkers = append(checkers, health.ReadyFunc("transcription", fallback.Ready))
		}
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", tel.MetricsHandler())
		health.New(checkers...).Register(mux)

		srv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics listener failed", "addr", srv.Addr, "err", err)
			}
		}()
		slog.Info("metrics listener started", "addr", srv.Addr)
	}

	// SIGHUP forces an immediate config reload.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if _, err := watcher.Reload(); err != nil {
					slog.Warn("config reload failed", "err", err)
				}
			}
		}
	}()

	code := 0
	if *input != "" {
		sum, err := application.Batch(ctx, *input)
		if err != nil {
			slog.Error("batch segmentation failed", "path", *input, "err", err)
			code = 1
		} else {
			printSummary(sum)
		}
	} else {
		slog.Info("recording, press Ctrl+C to stop")
		sum, err := application.Run(ctx)
		if err != nil {
			var de *audio.DeviceError
			if errors.As(err, &de) {
				slog.Error("audio device unavailable", "op", de.Op, "device", de.Device, "err", de.Err)
			} else {
				slog.Error("run error", "err", err)
			}
			code = 1
		}
		if sum != nil {
			printSummary(sum)
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("metrics listener shutdown error", "err", err)
		}
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// onConfigChange applies hot-reloadable settings and stages the rest for the
// next session.
func onConfigChange(level *slog.LevelVar, application *app.App, old, cur *config.Config) {
	d := config.Diff(old, cur)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.NextSession() && application != nil {
		application.UpdateConfig(cur)
		slog.Info("config change staged for the next session",
			"audio", d.AudioChanged,
			"vad", d.VADChanged,
			"transcription", d.TranscriptionChanged,
			"output", d.OutputChanged,
			"session", d.SessionChanged,
		)
	}
	if d.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// builtinProviders maps provider kinds to the implementations that ship with
// dictado. Used for startup logging.
var builtinProviders = map[string][]string{
	"audio": {"microphone", "wavfile", "opus"},
	"vad":   {string(vad.StrategyWebRTC), string(vad.StrategyEnergy)},
	"stt":   {"whisper", "whisper-native"},
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio("microphone", func(config.AudioConfig) (audio.Source, error) {
		return microphone.New(), nil
	})

	reg.RegisterAudio("wavfile", func(cfg config.AudioConfig) (audio.Source, error) {
		return wavfile.New(cfg.InputPath, wavfile.WithRealtime(cfg.Realtime)), nil
	})

	reg.RegisterAudio("opus", func(cfg config.AudioConfig) (audio.Source, error) {
		return opus.New(cfg.InputPath, opus.WithRealtime(cfg.Realtime)), nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD(string(vad.StrategyWebRTC), func(config.VADConfig) (vad.Engine, error) {
		return webrtc.New()
	})

	reg.RegisterVAD(string(vad.StrategyEnergy), func(config.VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		if n := optInt(entry.Options, "threads"); n > 0 {
			opts = append(opts, whisper.WithNativeThreads(uint(n)))
		}
		return whisper.NewNative(entry.ModelPath, opts...)
	})

	// Debug log of all registered providers.
	for kind, names := range builtinProviders {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates the providers named in cfg. The audio source is
// only created when capture is needed. The returned fallback is nil when no
// transcription provider is configured.
func buildProviders(cfg *config.Config, reg *config.Registry, capture bool) (*app.Providers, *resilience.STTFallback, error) {
	ps := &app.Providers{}

	if capture {
		src, err := reg.CreateAudio(cfg.Audio)
		if err != nil {
			return nil, nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source, err)
		}
		ps.Audio = src
		slog.Info("provider created", "kind", "audio", "name", cfg.Audio.Source)
	}

	eng, strategy, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, nil, fmt.Errorf("create vad engine: %w", err)
	}
	ps.VAD, ps.Strategy = eng, strategy
	slog.Info("provider created", "kind", "vad", "name", strategy)

	t := cfg.Transcription
	if t.Name == "" {
		slog.Info("no transcription provider configured, segments are only reported")
		return ps, nil, nil
	}
	primary, err := reg.CreateSTT(t.ProviderEntry)
	if err != nil {
		return nil, nil, fmt.Errorf("create stt provider %q: %w", t.Name, err)
	}
	fb := resilience.NewSTTFallback(primary, t.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  t.MaxFailures,
			ResetTimeout: t.ResetTimeout,
			OnTransition: func(name string, from, to resilience.State) {
				slog.Warn("transcription backend state changed", "backend", name, "from", from, "to", to)
			},
		},
	})
	slog.Info("provider created", "kind", "stt", "name", t.Name)

	for i, entry := range t.Fallbacks {
		p, err := reg.CreateSTT(entry)
		if err != nil {
			_ = fb.Close()
			return nil, nil, fmt.Errorf("create stt fallback %d (%q): %w", i, entry.Name, err)
		}
		name := fmt.Sprintf("%s#%d", entry.Name, i+1)
		fb.AddFallback(name, p)
		slog.Info("provider created", "kind", "stt-fallback", "name", name)
	}
	ps.STT = fb
	return ps, fb, nil
}

// ── Output ────────────────────────────────────────────────────────────────────

func logResult(res pipeline.Result) {
	attrs := []any{
		"session_id", res.SessionID,
		"index", res.Index,
		"start", res.Segment.StartTime().Round(time.Millisecond),
		"duration", res.Segment.Duration().Round(time.Millisecond),
	}
	if res.AudioPath != "" {
		attrs = append(attrs, "audio", res.AudioPath)
	}
	if res.Transcript != nil {
		attrs = append(attrs, "provider", res.Provider, "text", res.Transcript.Text)
	}
	slog.Info("segment", attrs...)
}

func printDevices(src audio.DeviceLister) int {
	devices, err := src.Devices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dictado: %v\n", err)
		return 1
	}
	if len(devices) == 0 {
		fmt.Println("no input devices found")
		return 1
	}
	for _, d := range devices {
		marker := " "
		if d.Default {
			marker = "*"
		}
		fmt.Printf("%s %s\n", marker, d.Name)
	}
	return 0
}

func printStartupSummary(cfg *config.Config, ps *app.Providers, input string) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         dictado: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	if input != "" {
		printRow("Input", input)
	} else {
		printRow("Audio", cfg.Audio.Source)
		device := cfg.Audio.Device
		if device == "" {
			device = "(default)"
		}
		printRow("Device", device)
	}
	printRow("Format", fmt.Sprintf("%d Hz / %d ms", cfg.Audio.SampleRate, cfg.Audio.FrameDurationMs))
	printRow("VAD", fmt.Sprintf("%s (sens %d)", ps.Strategy, cfg.VAD.SensitivityLevel()))
	name := cfg.Transcription.Name
	if name == "" {
		name = "(not configured)"
	}
	printRow("STT", name)
	printRow("Fallbacks", fmt.Sprint(len(cfg.Transcription.Fallbacks)))
	if cfg.Output.SaveAudio {
		printRow("Export", cfg.Output.Dir+" ("+cfg.Output.Format+")")
	}
	if cfg.Session.MaxDuration > 0 {
		printRow("Max duration", cfg.Session.MaxDuration.String())
	}
	if cfg.Server.MetricsAddr != "" {
		printRow("Metrics addr", cfg.Server.MetricsAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", key, value)
}

func printSummary(sum *app.Summary) {
	fmt.Printf("session %s: %s after %s\n", sum.ID, sum.Reason, sum.Duration.Round(time.Millisecond))
	fmt.Printf("  frames=%d speech=%d classification_errors=%d overflows=%d dropped=%d\n",
		sum.Stats.Frames,
		sum.Stats.SpeechFrames,
		sum.Stats.ClassificationErrors,
		sum.Stats.Overflows,
		sum.Stats.DroppedFrames,
	)
	for reason, n := range sum.Stats.Discarded {
		fmt.Printf("  discarded %s=%d\n", reason, n)
	}
	for i, seg := range sum.Segments {
		fmt.Printf("  %3d %s\n", i+1, seg)
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// optInt extracts an integer from a provider Options map. YAML decodes
// integers as int; other numeric kinds are accepted for hand-built maps.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
