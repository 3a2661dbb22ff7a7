package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/calm-recall/calmrecall/pkg/provider/transcribe"
)

// ErrAllBackendsFailed is returned by [Failover.Transcribe] when every backend
// fails or has a tripped breaker. The last real error is wrapped alongside.
var ErrAllBackendsFailed = errors.New("resilience: all transcribers failed")

// Compile-time interface check.
var _ transcribe.Transcriber = (*Failover)(nil)

// backend pairs a transcriber with its dedicated breaker.
type backend struct {
	t       transcribe.Transcriber
	breaker *Breaker
}

// Failover is a [transcribe.Transcriber] that tries a primary backend first
// and falls through to backups in registration order. Each backend has its own
// [Breaker], so a backend that keeps failing is skipped without waiting out
// its timeout on every clip.
type Failover struct {
	backends []backend
	cfg      BreakerConfig
}

// NewFailover wraps primary. Add backups with [Failover.Add]. cfg tunes the
// per-backend breakers; cfg.Name is ignored (each breaker is named after its
// backend).
func NewFailover(primary transcribe.Transcriber, cfg BreakerConfig) *Failover {
	f := &Failover{cfg: cfg}
	f.Add(primary)
	return f
}

// Add appends a backup transcriber. Backends are tried in the order added.
func (f *Failover) Add(t transcribe.Transcriber) {
	cfg := f.cfg
	cfg.Name = t.Name()
	f.backends = append(f.backends, backend{t: t, breaker: NewBreaker(cfg)})
}

// Transcribe runs the clip through the first healthy backend. Backends whose
// breaker is tripped are skipped; a failing backend logs and falls through to
// the next. Context cancellation stops the fall-through.
func (f *Failover) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	var lastErr error
	for _, be := range f.backends {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		var text string
		err := be.breaker.Do(func() error {
			var terr error
			text, terr = be.t.Transcribe(ctx, audio, mimeType)
			return terr
		})
		if err == nil {
			return text, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			slog.Debug("skipping transcriber, breaker open", "transcriber", be.t.Name())
		} else {
			slog.Warn("transcriber failed, trying next", "transcriber", be.t.Name(), "err", err)
		}
	}
	return "", fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}

// Name lists the chained backend names, primary first.
func (f *Failover) Name() string {
	names := make([]string, len(f.backends))
	for i, be := range f.backends {
		names[i] = be.t.Name()
	}
	return strings.Join(names, ",")
}
