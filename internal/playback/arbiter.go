// Package playback arbitrates access to the single audio-playback resource.
//
// At most one response audio plays at any time, system-wide. The actual
// audio element lives in the caregiver's browser; the arbiter drives it
// through the [Player] interface and learns about completion through the
// returned [Handle]. When the browser refuses unprompted audio (autoplay
// policy), the arbiter falls back to a manual-playback prompt on the
// [Notifier] surface — the caregiver taps play, which re-enters the same
// path and marks autoplay as unblocked for the rest of the session.
//
// The audio lock and the pipeline's processing lock form one set: the
// arbiter acquires the audio half when playback starts and releases both —
// via the callbacks supplied at construction — on natural end, error,
// autoplay rejection, or explicit stop.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/calm-recall/calmrecall/internal/observe"
	"github.com/calm-recall/calmrecall/pkg/types"
)

// ErrAutoplayBlocked is returned by [Player.Play] implementations when the
// browser rejects unprompted audio playback.
var ErrAutoplayBlocked = errors.New("playback: autoplay blocked")

// ErrNoPendingPrompt is returned by [Arbiter.ManualPlay] when no manual
// prompt is outstanding.
var ErrNoPendingPrompt = errors.New("playback: no pending manual prompt")

// Player starts audio playback on the collaborator device.
//
// Implementations must be safe for concurrent use.
type Player interface {
	// Play begins playback of the prompt's audio payload. On success the
	// returned Handle reports completion; Play returns
	// [ErrAutoplayBlocked] when the device refuses unprompted audio.
	Play(ctx context.Context, prompt types.PlaybackPrompt) (Handle, error)
}

// Handle is one in-flight playback.
type Handle interface {
	// Done yields nil when playback ends naturally or a non-nil error when
	// it fails, then is closed. Stop also resolves Done.
	Done() <-chan error

	// Stop halts and disposes the playback. Idempotent.
	Stop()
}

// Notifier is the write-only UI surface for playback events.
type Notifier interface {
	// NowPlaying announces that the prompt's audio started playing.
	NowPlaying(prompt types.PlaybackPrompt)

	// ManualPromptNeeded surfaces the manual-playback fallback. The prompt
	// stays visible until ManualPlay or DismissPrompt.
	ManualPromptNeeded(prompt types.PlaybackPrompt)

	// PlaybackStopped announces that audio is no longer playing.
	PlaybackStopped()
}

// Option is a functional option for configuring an [Arbiter].
type Option func(*Arbiter)

// WithMetrics attaches metric instruments. Without it the arbiter records
// nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Arbiter) {
		a.metrics = m
	}
}

// Arbiter owns the single playback resource. All methods are safe for
// concurrent use.
type Arbiter struct {
	player   Player
	notifier Notifier
	metrics  *observe.Metrics

	// onAcquire flips the pipeline's audio lock on; onRelease releases the
	// audio and processing locks together.
	onAcquire func()
	onRelease func()

	mu        sync.Mutex
	current   Handle
	release   *sync.Once // release guard for the current playback
	pending   *types.PlaybackPrompt
	unblocked bool
}

// New creates an Arbiter. onAcquire and onRelease connect the arbiter to the
// pipeline's lock set and must be non-nil.
func New(player Player, notifier Notifier, onAcquire, onRelease func(), opts ...Option) *Arbiter {
	a := &Arbiter{
		player:    player,
		notifier:  notifier,
		onAcquire: onAcquire,
		onRelease: onRelease,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Play plays the prompt's audio, stopping any current playback first.
//
// On success it returns nil immediately; locks are released in the
// background when playback completes. On autoplay rejection it releases
// both locks, surfaces the manual prompt, and returns [ErrAutoplayBlocked].
func (a *Arbiter) Play(ctx context.Context, prompt types.PlaybackPrompt) error {
	a.mu.Lock()

	// The previous playback is always fully stopped and released before a
	// new one starts.
	a.stopLocked()

	a.onAcquire()
	once := &sync.Once{}

	handle, err := a.player.Play(ctx, prompt)
	if err != nil {
		a.releaseLocked(once)
		if errors.Is(err, ErrAutoplayBlocked) {
			p := prompt
			a.pending = &p
			a.mu.Unlock()
			slog.Info("autoplay blocked, surfacing manual prompt",
				"question", prompt.QuestionText)
			a.notifier.ManualPromptNeeded(prompt)
			return ErrAutoplayBlocked
		}
		a.mu.Unlock()
		return err
	}

	a.current = handle
	a.release = once
	a.unblocked = true
	a.pending = nil
	a.mu.Unlock()

	a.notifier.NowPlaying(prompt)

	go a.awaitCompletion(handle, once, prompt, time.Now())
	return nil
}

// awaitCompletion releases the lock set when playback ends or errors, and
// records how long the audio held the playback resource.
func (a *Arbiter) awaitCompletion(handle Handle, once *sync.Once, prompt types.PlaybackPrompt, started time.Time) {
	err := <-handle.Done()
	if err != nil {
		slog.Warn("playback ended with error",
			"question", prompt.QuestionText, "error", err)
	}
	if a.metrics != nil {
		a.metrics.PlaybackDuration.Record(context.Background(), time.Since(started).Seconds())
	}

	a.mu.Lock()
	if a.current == handle {
		a.current = nil
		a.release = nil
	}
	a.releaseLocked(once)
	a.mu.Unlock()

	a.notifier.PlaybackStopped()
}

// StopCurrent stops and disposes the in-flight playback, releasing both
// locks. Stopping with nothing playing is a no-op.
func (a *Arbiter) StopCurrent() {
	a.mu.Lock()
	stopped := a.current != nil
	a.stopLocked()
	a.mu.Unlock()

	if stopped {
		a.notifier.PlaybackStopped()
	}
}

// ManualPlay re-enters the play path with the outstanding manual prompt.
// A successful manual play marks autoplay as unblocked for the session.
func (a *Arbiter) ManualPlay(ctx context.Context) error {
	a.mu.Lock()
	prompt := a.pending
	a.pending = nil
	a.mu.Unlock()

	if prompt == nil {
		return ErrNoPendingPrompt
	}
	return a.Play(ctx, *prompt)
}

// DismissPrompt discards the outstanding manual prompt, if any.
func (a *Arbiter) DismissPrompt() {
	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()
}

// PendingPrompt returns the outstanding manual prompt, or nil.
func (a *Arbiter) PendingPrompt() *types.PlaybackPrompt {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return nil
	}
	p := *a.pending
	return &p
}

// AutoplayUnblocked reports whether a playback has succeeded this session.
func (a *Arbiter) AutoplayUnblocked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.unblocked
}

// stopLocked stops the current playback and releases the lock set. Must be
// called with a.mu held.
func (a *Arbiter) stopLocked() {
	if a.current == nil {
		return
	}
	handle := a.current
	once := a.release
	a.current = nil
	a.release = nil

	handle.Stop()
	a.releaseLocked(once)
}

// releaseLocked releases the audio + processing lock set exactly once per
// playback attempt. Must be called with a.mu held.
func (a *Arbiter) releaseLocked(once *sync.Once) {
	if once == nil {
		return
	}
	once.Do(a.onRelease)
}
