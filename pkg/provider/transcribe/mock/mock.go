// Package mock provides an in-memory Transcriber for tests.
package mock

import (
	"context"
	"sync"

	"github.com/calm-recall/calmrecall/pkg/provider/transcribe"
)

// Compile-time assertion that Transcriber implements
// transcribe.Transcriber.
var _ transcribe.Transcriber = (*Transcriber)(nil)

// Call records one Transcribe invocation.
type Call struct {
	Audio    []byte
	MimeType string
}

// Transcriber returns canned results and records calls. Safe for concurrent
// use.
type Transcriber struct {
	// Text is returned from Transcribe when Err is nil.
	Text string

	// Err, when non-nil, is returned from every Transcribe call.
	Err error

	mu    sync.Mutex
	calls []Call
}

// Name implements transcribe.Transcriber.
func (t *Transcriber) Name() string { return "mock" }

// Transcribe implements transcribe.Transcriber.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Audio: audio, MimeType: mimeType})
	t.mu.Unlock()

	if t.Err != nil {
		return "", t.Err
	}
	if len(audio) == 0 {
		return "", transcribe.ErrEmptyAudio
	}
	return t.Text, nil
}

// Calls returns a copy of all recorded invocations.
func (t *Transcriber) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}
