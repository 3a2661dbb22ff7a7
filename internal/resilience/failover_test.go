package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/calm-recall/calmrecall/internal/resilience"
	"github.com/calm-recall/calmrecall/pkg/provider/transcribe/mock"
)

var clip = []byte("not really audio")

func TestFailover_PrimaryHealthy(t *testing.T) {
	t.Parallel()
	primary := &mock.Transcriber{Text: "where are my keys"}
	backup := &mock.Transcriber{Text: "wrong backend"}

	f := resilience.NewFailover(primary, resilience.BreakerConfig{})
	f.Add(backup)

	text, err := f.Transcribe(context.Background(), clip, "audio/webm")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "where are my keys" {
		t.Errorf("text = %q, want primary's", text)
	}
	if len(backup.Calls()) != 0 {
		t.Error("backup called although primary is healthy")
	}
}

func TestFailover_FallsThroughOnError(t *testing.T) {
	t.Parallel()
	primary := &mock.Transcriber{Err: errors.New("server down")}
	backup := &mock.Transcriber{Text: "from the backup"}

	f := resilience.NewFailover(primary, resilience.BreakerConfig{})
	f.Add(backup)

	text, err := f.Transcribe(context.Background(), clip, "audio/webm")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "from the backup" {
		t.Errorf("text = %q, want backup's", text)
	}
	if len(primary.Calls()) != 1 {
		t.Errorf("primary calls = %d, want 1", len(primary.Calls()))
	}
}

func TestFailover_AllFail(t *testing.T) {
	t.Parallel()
	f := resilience.NewFailover(&mock.Transcriber{Err: errors.New("a down")}, resilience.BreakerConfig{})
	f.Add(&mock.Transcriber{Err: errors.New("b down")})

	_, err := f.Transcribe(context.Background(), clip, "audio/webm")
	if !errors.Is(err, resilience.ErrAllBackendsFailed) {
		t.Fatalf("got %v, want ErrAllBackendsFailed", err)
	}
}

func TestFailover_SkipsTrippedPrimary(t *testing.T) {
	t.Parallel()
	primary := &mock.Transcriber{Err: errors.New("server down")}
	backup := &mock.Transcriber{Text: "ok"}

	f := resilience.NewFailover(primary, resilience.BreakerConfig{TripAfter: 2, Cooldown: time.Hour})
	f.Add(backup)

	// Two failing clips trip the primary's breaker.
	for range 2 {
		if _, err := f.Transcribe(context.Background(), clip, "audio/webm"); err != nil {
			t.Fatalf("Transcribe with healthy backup: %v", err)
		}
	}
	if got := len(primary.Calls()); got != 2 {
		t.Fatalf("primary calls before trip = %d, want 2", got)
	}

	// The third clip must go straight to the backup.
	if _, err := f.Transcribe(context.Background(), clip, "audio/webm"); err != nil {
		t.Fatalf("Transcribe after trip: %v", err)
	}
	if got := len(primary.Calls()); got != 2 {
		t.Errorf("primary called while its breaker is tripped (%d calls)", got)
	}
	if got := len(backup.Calls()); got != 3 {
		t.Errorf("backup calls = %d, want 3", got)
	}
}

func TestFailover_ContextCancelStopsFallthrough(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	backup := &mock.Transcriber{Text: "ok"}
	f := resilience.NewFailover(&mock.Transcriber{Err: errors.New("down")}, resilience.BreakerConfig{})
	f.Add(backup)

	if _, err := f.Transcribe(ctx, clip, "audio/webm"); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if len(backup.Calls()) != 0 {
		t.Error("backup called despite cancelled context")
	}
}

func TestFailover_Name(t *testing.T) {
	t.Parallel()
	f := resilience.NewFailover(&mock.Transcriber{}, resilience.BreakerConfig{})
	f.Add(&mock.Transcriber{})

	if got := f.Name(); got != "mock,mock" {
		t.Errorf("Name = %q, want %q", got, "mock,mock")
	}
}
