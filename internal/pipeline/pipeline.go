// Package pipeline connects the transcript stream to question matching and
// playback.
//
// Final transcripts flow through a fixed sequence of gates before anything
// plays:
//
//	sanitize → debounce → batch window → processing lock → match → playback
//
// The debounce gate drops a phrase that is too similar to the previously
// accepted one within a sliding window. Keys-related phrases get a wider
// window with a lower similarity bar, since "where are my keys" is the
// question most likely to repeat in rapid, slightly reworded bursts.
//
// An accepted phrase does not match immediately: it arms a single batch
// timer, and a newer accepted phrase re-arms it. Continuous recognition
// often emits a sentence in several final fragments, and the batch window
// lets the last, most complete fragment win.
//
// Two locks serialise the tail of the pipeline: the processing lock is held
// from batch fire to match completion, and the audio lock for the duration of
// playback. Both are released together by the playback arbiter. A watchdog
// sweeps for stuck state and performs a full reset, including a recognition
// restart, when a lock or timer has been held without the matcher making
// progress for too long. Staleness is measured from the last matcher entry,
// not from the last transcript event: the person talking through a hung
// playback is exactly the situation the watchdog must recover from.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/calm-recall/calmrecall/internal/match"
	"github.com/calm-recall/calmrecall/internal/observe"
	"github.com/calm-recall/calmrecall/internal/phrase"
	"github.com/calm-recall/calmrecall/pkg/store"
	"github.com/calm-recall/calmrecall/pkg/types"
)

const (
	// defaultBatchDelay is the quiet period after an accepted phrase before
	// matching runs. Newer accepted phrases restart it.
	defaultBatchDelay = 1200 * time.Millisecond

	// debounceWindow / debounceSimilarity gate ordinary repeated phrases.
	debounceWindow     = 5 * time.Second
	debounceSimilarity = 0.6

	// keyDebounceWindow / keyDebounceSimilarity apply when both the new and
	// the previous phrase are keys-related: wider window, lower bar.
	keyDebounceWindow     = 8 * time.Second
	keyDebounceSimilarity = 0.4

	// defaultWatchdogInterval is how often the watchdog sweeps.
	defaultWatchdogInterval = 10 * time.Second

	// defaultStaleAfter is how long held state may sit without transcript
	// activity before the watchdog resets the pipeline.
	defaultStaleAfter = 30 * time.Second

	// resetWarnThreshold is the consecutive-reset count at which the
	// caregiver UI is warned that listening keeps failing.
	resetWarnThreshold = 5
)

// Arbiter is the playback side of the pipeline. Implemented by
// internal/playback.
type Arbiter interface {
	// Play starts playback of the prompt, stopping any current audio first.
	Play(ctx context.Context, prompt types.PlaybackPrompt) error

	// StopCurrent stops in-flight playback and releases the lock set.
	StopCurrent()
}

// Restarter restarts the continuous-recognition source. Called by the
// watchdog as part of a full reset.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Notifier is the pipeline's UI surface for degraded-state warnings.
type Notifier interface {
	// ResetWarning reports that the watchdog has reset the pipeline
	// `consecutive` times without intervening transcript activity.
	ResetWarning(consecutive int)
}

// Option is a functional option for configuring a [Pipeline].
type Option func(*Pipeline)

// WithBatchDelay overrides the batch window. Default: 1.2s.
func WithBatchDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		p.batchDelay = d
	}
}

// WithWatchdogInterval overrides the watchdog sweep interval. Default: 10s.
func WithWatchdogInterval(d time.Duration) Option {
	return func(p *Pipeline) {
		p.watchdogInterval = d
	}
}

// WithStaleAfter overrides the staleness threshold for the watchdog reset.
// Default: 30s.
func WithStaleAfter(d time.Duration) Option {
	return func(p *Pipeline) {
		p.staleAfter = d
	}
}

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// WithMetrics attaches metric instruments. Without it the pipeline records
// nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithRestarter attaches the recognition restarter used by watchdog resets.
func WithRestarter(r Restarter) Option {
	return func(p *Pipeline) {
		p.restarter = r
	}
}

// WithNotifier attaches the degraded-state warning surface.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) {
		p.notifier = n
	}
}

// Pipeline is the spoken-phrase processing pipeline. Safe for concurrent use.
type Pipeline struct {
	sanitizer *phrase.Sanitizer
	matcher   *match.Matcher
	store     store.Store
	arbiter   Arbiter
	restarter Restarter
	notifier  Notifier
	metrics   *observe.Metrics

	batchDelay       time.Duration
	watchdogInterval time.Duration
	staleAfter       time.Duration
	now              func() time.Time

	mu           sync.Mutex
	runCtx       context.Context
	lastPhrase   string
	lastPhraseAt time.Time

	// lastProcessedAt advances only when a candidate is armed or enters the
	// matcher. The watchdog measures staleness against it, so ongoing speech
	// cannot mask a stuck lock.
	lastProcessedAt   time.Time
	processing        bool
	audioPlaying      bool
	batchTimer        *time.Timer
	batchCandidate    string
	batchArmedAt      time.Time
	consecutiveResets int
}

// New creates a Pipeline. sanitizer, matcher, st and arbiter are required;
// the restarter and notifier are attached through options.
func New(sanitizer *phrase.Sanitizer, matcher *match.Matcher, st store.Store, arbiter Arbiter, opts ...Option) *Pipeline {
	p := &Pipeline{
		sanitizer:        sanitizer,
		matcher:          matcher,
		store:            st,
		arbiter:          arbiter,
		batchDelay:       defaultBatchDelay,
		watchdogInterval: defaultWatchdogInterval,
		staleAfter:       defaultStaleAfter,
		now:              time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.lastProcessedAt = p.now()
	return p
}

// Run runs the watchdog until ctx is cancelled. It must be running for
// stuck-state recovery; the transcript entry points work without it.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	ticker := time.NewTicker(p.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.mu.Lock()
			p.cancelBatchLocked()
			p.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			p.sweep()
		}
	}
}

// HandleEvent dispatches one transcript event.
func (p *Pipeline) HandleEvent(ev types.TranscriptEvent) {
	switch ev.Kind {
	case types.EventFinal:
		p.HandleFinal(ev.Text)
	case types.EventInterim:
		p.noteActivity()
	case types.EventError:
		p.noteActivity()
		slog.Warn("recognition error event", "error", ev.Err)
	case types.EventEnded:
		// Restart handling lives in the listening source.
	}
}

// HandleFinal runs one final transcript through the gate sequence. It never
// blocks on matching or playback; qualifying phrases arm the batch timer and
// return.
func (p *Pipeline) HandleFinal(raw string) {
	now := p.now()

	p.mu.Lock()
	p.consecutiveResets = 0

	candidate, ok := p.sanitizer.Sanitize(raw)
	if !ok {
		p.mu.Unlock()
		p.suppressed("sanitizer")
		return
	}

	if reason, drop := p.debouncedLocked(candidate, now); drop {
		p.mu.Unlock()
		slog.Debug("phrase debounced", "candidate", candidate, "reason", reason)
		p.suppressed("debounce")
		return
	}

	p.lastPhrase = candidate
	p.lastPhraseAt = now

	if p.processing || p.audioPlaying {
		p.mu.Unlock()
		slog.Debug("phrase noted while locked", "candidate", candidate)
		p.suppressed("locked")
		return
	}

	// One pending batch at a time; a newer phrase replaces the older one.
	p.cancelBatchLocked()
	p.lastProcessedAt = now
	p.batchCandidate = candidate
	p.batchArmedAt = now
	p.batchTimer = time.AfterFunc(p.batchDelay, p.fireBatch)
	p.mu.Unlock()

	slog.Debug("phrase accepted, batch window armed", "candidate", candidate)
}

// debouncedLocked applies the similarity gate against the last accepted
// phrase. Must be called with p.mu held.
func (p *Pipeline) debouncedLocked(candidate string, now time.Time) (string, bool) {
	if p.lastPhrase == "" {
		return "", false
	}

	window, threshold := debounceWindow, debounceSimilarity
	if keysRelated(candidate) && keysRelated(p.lastPhrase) {
		window, threshold = keyDebounceWindow, keyDebounceSimilarity
	}

	if now.Sub(p.lastPhraseAt) >= window {
		return "", false
	}
	if sim := phrase.Similarity(candidate, p.lastPhrase); sim > threshold {
		return "similar to previous", true
	}
	return "", false
}

// keysRelated reports whether the phrase mentions keys in any form.
func keysRelated(s string) bool {
	return strings.Contains(s, "key")
}

// fireBatch runs when the batch window elapses: it takes the processing lock
// and matches the batched candidate against the stored questions.
func (p *Pipeline) fireBatch() {
	p.mu.Lock()
	candidate := p.batchCandidate
	armedAt := p.batchArmedAt
	p.batchTimer = nil
	p.batchCandidate = ""

	// The locks are checked again here: audio may have started between
	// arming and firing.
	if candidate == "" || p.processing || p.audioPlaying {
		p.mu.Unlock()
		if candidate != "" {
			p.suppressed("locked")
		}
		return
	}
	p.processing = true
	p.lastProcessedAt = p.now()
	ctx := p.runCtx
	matcher := p.matcher
	p.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := observe.StartSpan(ctx, "pipeline.match_batch")
	defer span.End()

	now := p.now()
	if p.metrics != nil {
		p.metrics.BatchDelay.Record(ctx, now.Sub(armedAt).Seconds())
	}

	questions, err := p.store.List(ctx)
	if err != nil {
		slog.Error("listing questions for match", "error", err)
		p.ReleaseLocks()
		return
	}

	refs := make([]*types.StoredQuestion, len(questions))
	for i := range questions {
		refs[i] = &questions[i]
	}

	matched := matcher.Match(candidate, now, refs)
	if matched == nil {
		slog.Debug("no question matched", "candidate", candidate)
		p.suppressed("no_match")
		p.ReleaseLocks()
		return
	}

	slog.Info("question matched",
		"question_id", matched.ID,
		"question", matched.QuestionText,
		"candidate", candidate)
	span.SetAttributes(attribute.String("question_id", matched.ID))
	if p.metrics != nil {
		p.metrics.RecordDetection(ctx, matched.ID)
	}

	// Trigger bookkeeping is fire-and-forget: a store failure must not block
	// or cancel playback.
	go func(id string, at time.Time) {
		bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.store.IncrementTrigger(bctx, id, at); err != nil {
			slog.Warn("recording trigger", "question_id", id, "error", err)
		}
	}(matched.ID, now)

	prompt := buildPrompt(matched)
	if prompt == nil {
		slog.Warn("matched question has no responses", "question_id", matched.ID)
		p.ReleaseLocks()
		return
	}

	// The arbiter takes over the lock set from here: it acquires the audio
	// lock and releases both when playback ends, fails, or is blocked.
	if err := p.arbiter.Play(ctx, *prompt); err != nil {
		slog.Warn("starting playback", "question_id", matched.ID, "error", err)
	}
}

// buildPrompt selects the response to play: the first recorded one in
// category order, falling back to the first category with text for
// speech-synthesis playback. Nil when the question has no responses at all.
func buildPrompt(q *types.StoredQuestion) *types.PlaybackPrompt {
	prompt := &types.PlaybackPrompt{
		QuestionID:   q.ID,
		QuestionText: q.QuestionText,
	}

	if r := q.FirstRecorded(); r != nil {
		prompt.ResponseText = r.Text
		prompt.AudioData = r.AudioData
		prompt.MimeType = r.MimeType
		return prompt
	}
	for _, c := range types.CategoryOrder {
		if r, ok := q.Responses[c]; ok && r != nil && r.Text != "" {
			prompt.ResponseText = r.Text
			return prompt
		}
	}
	return nil
}

// SetMatching swaps the sanitizer and matcher. Used to apply reloaded
// matching configuration; in-flight batches keep the matcher they started
// with.
func (p *Pipeline) SetMatching(s *phrase.Sanitizer, m *match.Matcher) {
	p.mu.Lock()
	p.sanitizer = s
	p.matcher = m
	p.mu.Unlock()
}

// AcquireAudioLock marks audio as playing. Wired as the arbiter's acquire
// callback.
func (p *Pipeline) AcquireAudioLock() {
	p.mu.Lock()
	p.audioPlaying = true
	p.mu.Unlock()
}

// ReleaseLocks releases the processing and audio locks together. Wired as
// the arbiter's release callback and used directly when matching ends
// without playback.
func (p *Pipeline) ReleaseLocks() {
	p.mu.Lock()
	p.processing = false
	p.audioPlaying = false
	p.mu.Unlock()
}

// Locked reports whether either lock is held. For the UI status surface.
func (p *Pipeline) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processing || p.audioPlaying
}

// Healthy is the pipeline's readiness check: it fails when held state has
// outlived the staleness threshold, meaning a watchdog reset is overdue.
func (p *Pipeline) Healthy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	held := p.processing || p.audioPlaying || p.batchTimer != nil
	if held {
		if stale := p.now().Sub(p.lastProcessedAt); stale > p.staleAfter {
			return fmt.Errorf("pipeline stuck: locks held for %s without matcher progress", stale.Round(time.Second))
		}
	}
	return nil
}

// noteActivity clears the consecutive-reset streak. It deliberately does not
// advance the staleness clock: transcript events keep arriving while a lock
// is stuck, and they must not postpone the watchdog.
func (p *Pipeline) noteActivity() {
	p.mu.Lock()
	p.consecutiveResets = 0
	p.mu.Unlock()
}

// sweep is one watchdog pass: reset everything when held state outlived the
// last matcher progress.
func (p *Pipeline) sweep() {
	p.mu.Lock()
	held := p.processing || p.audioPlaying || p.batchTimer != nil
	stale := p.now().Sub(p.lastProcessedAt) > p.staleAfter
	if !held || !stale {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.Reset("watchdog staleness")
}

// Reset performs a full pipeline reset: cancel the batch timer, stop
// playback, release the locks, clear debounce state, and restart
// recognition. Consecutive resets without intervening transcript activity
// eventually raise a caregiver warning.
func (p *Pipeline) Reset(cause string) {
	slog.Warn("pipeline reset", "cause", cause)

	// Stop playback first; the arbiter releases the lock set for any
	// playback it owned.
	p.arbiter.StopCurrent()

	p.mu.Lock()
	p.cancelBatchLocked()
	p.processing = false
	p.audioPlaying = false
	p.lastPhrase = ""
	p.lastPhraseAt = time.Time{}
	p.lastProcessedAt = p.now()
	p.consecutiveResets++
	resets := p.consecutiveResets
	ctx := p.runCtx
	p.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	if p.metrics != nil {
		p.metrics.WatchdogResets.Add(ctx, 1)
	}

	if p.restarter != nil {
		if err := p.restarter.Restart(ctx); err != nil {
			slog.Error("restarting recognition after reset", "error", err)
		}
	}

	if resets >= resetWarnThreshold && p.notifier != nil {
		p.notifier.ResetWarning(resets)
	}
}

// cancelBatchLocked stops and clears the pending batch timer. Must be called
// with p.mu held.
func (p *Pipeline) cancelBatchLocked() {
	if p.batchTimer != nil {
		p.batchTimer.Stop()
		p.batchTimer = nil
	}
	p.batchCandidate = ""
}

// suppressed records one dropped phrase.
func (p *Pipeline) suppressed(reason string) {
	if p.metrics == nil {
		return
	}
	p.mu.Lock()
	ctx := p.runCtx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	p.metrics.RecordSuppression(ctx, reason)
}
