// Package app wires all Calm Recall subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the serving loops, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithMetrics). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calm-recall/calmrecall/internal/config"
	"github.com/calm-recall/calmrecall/internal/health"
	"github.com/calm-recall/calmrecall/internal/listen"
	"github.com/calm-recall/calmrecall/internal/match"
	"github.com/calm-recall/calmrecall/internal/observe"
	"github.com/calm-recall/calmrecall/internal/phrase"
	"github.com/calm-recall/calmrecall/internal/pipeline"
	"github.com/calm-recall/calmrecall/internal/playback"
	"github.com/calm-recall/calmrecall/internal/server"
	"github.com/calm-recall/calmrecall/pkg/provider/transcribe"
	"github.com/calm-recall/calmrecall/pkg/store"
	"github.com/calm-recall/calmrecall/pkg/store/postgres"
)

const defaultListenAddr = ":8080"

// App owns all subsystem lifetimes.
type App struct {
	cfg         *config.Config
	store       store.Store
	transcriber transcribe.Transcriber
	metrics     *observe.Metrics
	logLevel    *slog.LevelVar

	hub        *server.Hub
	arbiter    *playback.Arbiter
	pipeline   *pipeline.Pipeline
	supervisor *listen.Supervisor
	httpSrv    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a question store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics set instead of using the process default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar attaches the logger's level so config reloads can adjust
// verbosity live.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// restarterHandle defers the pipeline→supervisor restart wiring until the
// supervisor exists; the two reference each other.
type restarterHandle struct {
	mu sync.Mutex
	r  pipeline.Restarter
}

func (h *restarterHandle) set(r pipeline.Restarter) {
	h.mu.Lock()
	h.r = r
	h.mu.Unlock()
}

func (h *restarterHandle) Restart(ctx context.Context) error {
	h.mu.Lock()
	r := h.r
	h.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.Restart(ctx)
}

// New creates an App by wiring all subsystems together. The transcriber may
// be nil; uploaded recordings then keep their typed labels.
func New(ctx context.Context, cfg *config.Config, transcriber transcribe.Transcriber, opts ...Option) (*App, error) {
	a := &App{
		cfg:         cfg,
		transcriber: transcriber,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Question store ────────────────────────────────────────────────
	checkers, err := a.initStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Phrase pipeline + playback arbiter ───────────────────────────
	a.hub = server.NewHub()
	restarter := &restarterHandle{}

	a.arbiter = playback.New(a.hub, a.hub,
		func() { a.pipeline.AcquireAudioLock() },
		func() { a.pipeline.ReleaseLocks() },
		playback.WithMetrics(a.metrics),
	)

	a.pipeline = pipeline.New(
		buildSanitizer(cfg.Matching),
		buildMatcher(cfg.Matching),
		a.store,
		a.arbiter,
		append(pipelineOptions(cfg.Matching),
			pipeline.WithMetrics(a.metrics),
			pipeline.WithRestarter(restarter),
			pipeline.WithNotifier(a.hub),
		)...,
	)

	// ── 3. Recognition supervisor ───────────────────────────────────────
	a.supervisor = listen.NewSupervisor(a.hub, a.pipeline,
		listen.WithNotifier(a.hub),
		listen.WithMetrics(a.metrics),
	)
	restarter.set(a.supervisor)

	// Readiness: the database (when configured), a stuck-pipeline check, and
	// an informational device check — no session attached is the normal
	// post-boot state and must not fail the authoring API's readiness.
	checkers = append(checkers,
		health.Checker{Name: "pipeline", Check: a.pipeline.Healthy},
		health.Checker{Name: "listening", Informational: true, Check: func(context.Context) error {
			if !a.hub.Attached() {
				return errors.New("no listening device attached")
			}
			return nil
		}},
	)

	// ── 4. HTTP surface ─────────────────────────────────────────────────
	srv := server.New(server.Deps{
		Store:       a.store,
		Hub:         a.hub,
		Arbiter:     a.arbiter,
		Sink:        a.supervisor,
		Listener:    a.supervisor,
		Transcriber: a.transcriber,
		Metrics:     a.metrics,
		Health:      health.New(checkers...),
	})

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}
	a.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// initStore connects the configured backend and returns readiness checkers.
func (a *App) initStore(ctx context.Context) ([]health.Checker, error) {
	if a.store != nil {
		return nil, nil // injected
	}

	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Info("no postgres dsn configured, questions live in memory")
		a.store = store.NewMemStore()
		return nil, nil
	}

	pg, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return nil, err
	}
	a.store = pg
	a.closers = append(a.closers, func() error {
		pg.Close()
		return nil
	})
	return []health.Checker{{Name: "database", Check: pg.Ping}}, nil
}

// Run starts the pipeline watchdog, the recognition supervisor, and the HTTP
// server, and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.pipeline.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		err := a.supervisor.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("serving https", "addr", a.httpSrv.Addr)
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("serving http", "addr", a.httpSrv.Addr)
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	return g.Wait()
}

// ApplyConfig applies a reloaded configuration. Matching changes and the log
// level take effect live; store and transcriber changes need a restart and
// are only reported.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged {
		if a.logLevel != nil {
			a.logLevel.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		} else {
			slog.Warn("log level changed but the logger is not reloadable")
		}
	}

	if d.MatchingChanged {
		a.pipeline.SetMatching(buildSanitizer(new.Matching), buildMatcher(new.Matching))
		slog.Info("matching configuration reloaded",
			"note", "batch/watchdog timing changes take effect after a restart")
	}

	if d.StoreChanged {
		slog.Warn("store configuration changed; restart to apply")
	}
	if d.TranscribeChanged {
		slog.Warn("transcriber configuration changed; restart to apply")
	}

	a.cfg = new
}

// Shutdown tears down all subsystems in order. It respects the context
// deadline: remaining closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.supervisor.Stop()
		a.arbiter.StopCurrent()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Config helpers ──────────────────────────────────────────────────────────

// buildSanitizer constructs the phrase sanitizer from matching config,
// falling back to the built-in heuristics for empty fields.
func buildSanitizer(mc config.MatchingConfig) *phrase.Sanitizer {
	var opts []phrase.SanitizerOption
	if len(mc.DenyList) > 0 {
		opts = append(opts, phrase.WithDenyList(mc.DenyList))
	}
	if len(mc.GreetingTokens) > 0 {
		opts = append(opts, phrase.WithGreetingTokens(mc.GreetingTokens))
	}
	if len(mc.QuestionStarts) > 0 {
		opts = append(opts, phrase.WithQuestionStarts(mc.QuestionStarts))
	}
	return phrase.NewSanitizer(opts...)
}

// buildMatcher constructs the question matcher from matching config.
func buildMatcher(mc config.MatchingConfig) *match.Matcher {
	var opts []match.Option
	if mc.CooldownMs > 0 {
		opts = append(opts, match.WithCooldown(time.Duration(mc.CooldownMs)*time.Millisecond))
	}
	if len(mc.Synonyms) > 0 {
		opts = append(opts, match.WithSynonyms(mc.Synonyms))
	}
	if len(mc.CoreWords) > 0 {
		opts = append(opts, match.WithCoreWords(mc.CoreWords))
	}
	if mc.PhoneticAssist {
		opts = append(opts, match.WithPhoneticAssist())
	}
	return match.New(opts...)
}

// pipelineOptions converts the timing knobs into pipeline options.
func pipelineOptions(mc config.MatchingConfig) []pipeline.Option {
	var opts []pipeline.Option
	if mc.BatchDelayMs > 0 {
		opts = append(opts, pipeline.WithBatchDelay(time.Duration(mc.BatchDelayMs)*time.Millisecond))
	}
	if mc.WatchdogIntervalMs > 0 {
		opts = append(opts, pipeline.WithWatchdogInterval(time.Duration(mc.WatchdogIntervalMs)*time.Millisecond))
	}
	if mc.StaleAfterMs > 0 {
		opts = append(opts, pipeline.WithStaleAfter(time.Duration(mc.StaleAfterMs)*time.Millisecond))
	}
	return opts
}

// slogLevel converts a config log level to a slog level.
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
