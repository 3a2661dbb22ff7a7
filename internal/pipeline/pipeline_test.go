package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/calm-recall/calmrecall/internal/match"
	"github.com/calm-recall/calmrecall/internal/phrase"
	"github.com/calm-recall/calmrecall/pkg/store"
	"github.com/calm-recall/calmrecall/pkg/types"
)

// fakeArbiter records Play calls. With autoRelease it simulates playback
// finishing instantly; otherwise it holds the lock set like real in-flight
// audio until the test releases it.
type fakeArbiter struct {
	pipe        *Pipeline
	autoRelease bool

	mu    sync.Mutex
	plays []types.PlaybackPrompt
	stops int
}

func (a *fakeArbiter) Play(ctx context.Context, prompt types.PlaybackPrompt) error {
	a.mu.Lock()
	a.plays = append(a.plays, prompt)
	a.mu.Unlock()

	a.pipe.AcquireAudioLock()
	if a.autoRelease {
		a.pipe.ReleaseLocks()
	}
	return nil
}

func (a *fakeArbiter) StopCurrent() {
	a.mu.Lock()
	a.stops++
	a.mu.Unlock()
	a.pipe.ReleaseLocks()
}

func (a *fakeArbiter) playCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.plays)
}

func (a *fakeArbiter) playedIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, len(a.plays))
	for i, p := range a.plays {
		ids[i] = p.QuestionID
	}
	return ids
}

type fakeRestarter struct {
	mu    sync.Mutex
	calls int
}

func (r *fakeRestarter) Restart(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *fakeRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeNotifier struct {
	mu       sync.Mutex
	warnings []int
}

func (n *fakeNotifier) ResetWarning(consecutive int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.warnings = append(n.warnings, consecutive)
}

func (n *fakeNotifier) warned() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int(nil), n.warnings...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

// newTestPipeline builds a pipeline with a fast batch window, a seeded
// store, and the given arbiter behaviour.
func newTestPipeline(t *testing.T, autoRelease bool, questions ...types.StoredQuestion) (*Pipeline, *fakeArbiter, store.Store) {
	t.Helper()

	st := store.NewMemStore()
	for _, q := range questions {
		if _, err := st.Add(context.Background(), q); err != nil {
			t.Fatalf("seeding store: %v", err)
		}
	}

	ab := &fakeArbiter{autoRelease: autoRelease}
	p := New(phrase.NewSanitizer(), match.New(), st, ab,
		WithBatchDelay(20*time.Millisecond),
	)
	ab.pipe = p
	return p, ab, st
}

func keysQuestion(id string) types.StoredQuestion {
	return types.StoredQuestion{
		ID:           id,
		QuestionText: "Where are my keys?",
		Responses: map[types.Category]*types.Response{
			types.CategoryComfort: {
				Text:         "Your keys are safe in the bowl by the door.",
				AudioData:    []byte{1, 2, 3},
				MimeType:     "audio/webm",
				HasRecording: true,
			},
		},
	}
}

func TestPipeline_FinalTriggersPlayback(t *testing.T) {
	t.Parallel()

	p, ab, st := newTestPipeline(t, true, keysQuestion("q1"))

	p.HandleFinal("Where are my keys?")

	waitFor(t, func() bool { return ab.playCount() == 1 })

	ab.mu.Lock()
	prompt := ab.plays[0]
	ab.mu.Unlock()
	if prompt.QuestionID != "q1" {
		t.Errorf("played question = %q; want q1", prompt.QuestionID)
	}
	if prompt.ResponseText != "Your keys are safe in the bowl by the door." {
		t.Errorf("response text = %q", prompt.ResponseText)
	}
	if len(prompt.AudioData) == 0 {
		t.Error("prompt carries no audio")
	}

	// Trigger bookkeeping is asynchronous but must land.
	waitFor(t, func() bool {
		q, err := st.Get(context.Background(), "q1")
		return err == nil && q.TriggerCount == 1 && q.LastTriggeredAt != nil
	})
}

func TestPipeline_DebounceSuppressesRepeat(t *testing.T) {
	t.Parallel()

	p, ab, _ := newTestPipeline(t, true, keysQuestion("q1"))

	p.HandleFinal("Where are my keys?")
	waitFor(t, func() bool { return ab.playCount() == 1 })

	// Same phrase again, well inside the keys debounce window.
	p.HandleFinal("Where are my keys?")
	time.Sleep(100 * time.Millisecond)

	if got := ab.playCount(); got != 1 {
		t.Errorf("plays = %d; want 1 (repeat should be debounced)", got)
	}
}

func TestPipeline_DistinctPhrasePassesDebounce(t *testing.T) {
	t.Parallel()

	dinner := types.StoredQuestion{
		ID:           "q2",
		QuestionText: "When is dinner tonight?",
		Responses: map[types.Category]*types.Response{
			types.CategoryAcknowledge: {Text: "Dinner is at six.", AudioData: []byte{9}, MimeType: "audio/webm", HasRecording: true},
		},
	}
	p, ab, _ := newTestPipeline(t, true, keysQuestion("q1"), dinner)

	p.HandleFinal("Where are my keys?")
	waitFor(t, func() bool { return ab.playCount() == 1 })

	p.HandleFinal("When is dinner tonight?")
	waitFor(t, func() bool { return ab.playCount() == 2 })

	ids := ab.playedIDs()
	if ids[0] != "q1" || ids[1] != "q2" {
		t.Errorf("played order = %v; want [q1 q2]", ids)
	}
}

func TestPipeline_LockBlocksNewBatches(t *testing.T) {
	t.Parallel()

	dinner := types.StoredQuestion{
		ID:           "q2",
		QuestionText: "When is dinner tonight?",
		Responses: map[types.Category]*types.Response{
			types.CategoryComfort: {Text: "Soon.", AudioData: []byte{9}, MimeType: "audio/webm", HasRecording: true},
		},
	}
	// Arbiter holds the locks, like audio still playing.
	p, ab, _ := newTestPipeline(t, false, keysQuestion("q1"), dinner)

	p.HandleFinal("Where are my keys?")
	waitFor(t, func() bool { return ab.playCount() == 1 })

	// A new phrase while locked is noted but never armed.
	p.HandleFinal("When is dinner tonight?")
	time.Sleep(100 * time.Millisecond)

	if got := ab.playCount(); got != 1 {
		t.Fatalf("plays = %d; want 1 while locked", got)
	}

	// Releasing the locks does not retroactively fire the dropped phrase.
	p.ReleaseLocks()
	time.Sleep(100 * time.Millisecond)
	if got := ab.playCount(); got != 1 {
		t.Errorf("plays after release = %d; want 1", got)
	}
}

func TestPipeline_NewerPhraseReplacesBatch(t *testing.T) {
	t.Parallel()

	dinner := types.StoredQuestion{
		ID:           "q2",
		QuestionText: "When is dinner tonight?",
		Responses: map[types.Category]*types.Response{
			types.CategoryComfort: {Text: "Soon.", AudioData: []byte{9}, MimeType: "audio/webm", HasRecording: true},
		},
	}
	p, ab, _ := newTestPipeline(t, true, keysQuestion("q1"), dinner)

	// Second accepted phrase lands inside the first one's batch window and
	// replaces it.
	p.HandleFinal("Where are my keys?")
	p.HandleFinal("When is dinner tonight?")

	waitFor(t, func() bool { return ab.playCount() == 1 })
	time.Sleep(100 * time.Millisecond)

	ids := ab.playedIDs()
	if len(ids) != 1 || ids[0] != "q2" {
		t.Errorf("played = %v; want [q2]", ids)
	}
}

func TestPipeline_NoMatchReleasesProcessingLock(t *testing.T) {
	t.Parallel()

	p, ab, _ := newTestPipeline(t, true, keysQuestion("q1"))

	p.HandleFinal("what a lovely morning walk")
	time.Sleep(100 * time.Millisecond)

	if got := ab.playCount(); got != 0 {
		t.Errorf("plays = %d; want 0", got)
	}
	if p.Locked() {
		t.Error("processing lock still held after no-match")
	}
}

func TestPipeline_WatchdogResetsStuckState(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	if _, err := st.Add(context.Background(), keysQuestion("q1")); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	ab := &fakeArbiter{autoRelease: false}
	restarter := &fakeRestarter{}
	p := New(phrase.NewSanitizer(), match.New(), st, ab,
		WithBatchDelay(10*time.Millisecond),
		WithWatchdogInterval(20*time.Millisecond),
		WithStaleAfter(40*time.Millisecond),
		WithRestarter(restarter),
	)
	ab.pipe = p

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.HandleFinal("Where are my keys?")
	waitFor(t, func() bool { return ab.playCount() == 1 })
	if !p.Locked() {
		t.Fatal("expected locks held while playback is stuck")
	}

	// No further transcript activity: the watchdog must reset and restart
	// recognition.
	waitFor(t, func() bool { return restarter.count() >= 1 })
	waitFor(t, func() bool { return !p.Locked() })

	ab.mu.Lock()
	stops := ab.stops
	ab.mu.Unlock()
	if stops == 0 {
		t.Error("watchdog reset did not stop playback")
	}
}

func TestPipeline_WatchdogResetsWhileSpeechContinues(t *testing.T) {
	t.Parallel()

	st := store.NewMemStore()
	if _, err := st.Add(context.Background(), keysQuestion("q1")); err != nil {
		t.Fatalf("seeding store: %v", err)
	}

	// Arbiter never finishes: audio hangs while the person keeps talking.
	ab := &fakeArbiter{autoRelease: false}
	restarter := &fakeRestarter{}
	p := New(phrase.NewSanitizer(), match.New(), st, ab,
		WithBatchDelay(10*time.Millisecond),
		WithWatchdogInterval(20*time.Millisecond),
		WithStaleAfter(150*time.Millisecond),
		WithRestarter(restarter),
	)
	ab.pipe = p

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.HandleFinal("Where are my keys?")
	waitFor(t, func() bool { return ab.playCount() == 1 })
	if !p.Locked() {
		t.Fatal("expected locks held while playback hangs")
	}

	// Keep the transcript stream busy with distinct, non-matching chatter.
	// Transcript events alone must not postpone the watchdog.
	chatter := []string{
		"what a lovely morning walk",
		"the garden looks nice today",
		"tea would be good soon",
		"that bird keeps singing outside",
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			p.HandleFinal(chatter[i%len(chatter)])
			p.HandleEvent(types.TranscriptEvent{Kind: types.EventInterim, Text: "and"})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	waitFor(t, func() bool { return restarter.count() >= 1 })

	ab.mu.Lock()
	stops := ab.stops
	ab.mu.Unlock()
	if stops == 0 {
		t.Error("watchdog reset did not stop the hung playback")
	}
}

func TestPipeline_ResetWarningAfterConsecutiveResets(t *testing.T) {
	t.Parallel()

	notifier := &fakeNotifier{}
	st := store.NewMemStore()
	ab := &fakeArbiter{autoRelease: true}
	p := New(phrase.NewSanitizer(), match.New(), st, ab, WithNotifier(notifier))
	ab.pipe = p

	for range 4 {
		p.Reset("test")
	}
	if got := notifier.warned(); len(got) != 0 {
		t.Fatalf("warnings after 4 resets = %v; want none", got)
	}

	p.Reset("test")
	got := notifier.warned()
	if len(got) != 1 || got[0] != 5 {
		t.Errorf("warnings = %v; want [5]", got)
	}
}

func TestPipeline_ActivityClearsResetCounter(t *testing.T) {
	t.Parallel()

	notifier := &fakeNotifier{}
	p, ab, _ := newTestPipeline(t, true, keysQuestion("q1"))
	p.notifier = notifier
	_ = ab

	for range 4 {
		p.Reset("test")
	}
	// Transcript activity breaks the consecutive streak.
	p.HandleEvent(types.TranscriptEvent{Kind: types.EventInterim, Text: "wh"})

	p.Reset("test")
	if got := notifier.warned(); len(got) != 0 {
		t.Errorf("warnings = %v; want none after activity reset the streak", got)
	}
}
