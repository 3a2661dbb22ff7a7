// Command calmrecalld is the Calm Recall server: it listens to transcripts
// from a caregiver device, matches repeated questions against recorded
// answers, and plays the right answer back.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calm-recall/calmrecall/internal/app"
	"github.com/calm-recall/calmrecall/internal/config"
	"github.com/calm-recall/calmrecall/internal/observe"
	"github.com/calm-recall/calmrecall/internal/resilience"
	"github.com/calm-recall/calmrecall/pkg/provider/transcribe"
	openaitx "github.com/calm-recall/calmrecall/pkg/provider/transcribe/openai"
	"github.com/calm-recall/calmrecall/pkg/provider/transcribe/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "calmrecalld: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "calmrecalld: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := &slog.LevelVar{}
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("calmrecall starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "calmrecall",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Transcriber ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerTranscribers(reg)

	var transcriber transcribe.Transcriber
	if name := cfg.Transcribe.Name; name != "" && name != "none" {
		transcriber, err = reg.CreateTranscriber(cfg.Transcribe)
		if err != nil {
			slog.Error("failed to create transcriber", "name", name, "err", err)
			return 1
		}
		if len(cfg.Transcribe.Fallbacks) > 0 {
			failover := resilience.NewFailover(transcriber, resilience.BreakerConfig{})
			for _, fb := range cfg.Transcribe.Fallbacks {
				backup, err := reg.CreateTranscriber(fb)
				if err != nil {
					slog.Error("failed to create fallback transcriber", "name", fb.Name, "err", err)
					return 1
				}
				failover.Add(backup)
			}
			transcriber = failover
		}
		slog.Info("transcriber created", "name", transcriber.Name())
	}

	// ── Application ───────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, transcriber, app.WithLogLevelVar(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, application.ApplyConfig)
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerTranscribers wires the built-in transcriber factories into reg.
func registerTranscribers(reg *config.Registry) {
	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (transcribe.Transcriber, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if entry.Language != "" {
			opts = append(opts, whisper.WithLanguage(entry.Language))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterTranscriber("whisper-native", func(entry config.ProviderEntry) (transcribe.Transcriber, error) {
		var opts []whisper.NativeOption
		if entry.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(entry.Language))
		}
		return whisper.NewNative(entry.Model, opts...)
	})

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (transcribe.Transcriber, error) {
		var opts []openaitx.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaitx.WithBaseURL(entry.BaseURL))
		}
		return openaitx.New(entry.APIKey, entry.Model, opts...)
	})
}

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
