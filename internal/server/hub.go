package server

import (
	"context"
	"errors"
	"sync"

	"github.com/calm-recall/calmrecall/internal/listen"
	"github.com/calm-recall/calmrecall/internal/pipeline"
	"github.com/calm-recall/calmrecall/internal/playback"
	"github.com/calm-recall/calmrecall/pkg/types"
)

// ErrNoListener is returned when a playback or recognition command arrives
// while no listening client is connected.
var ErrNoListener = errors.New("server: no listening session connected")

// Compile-time assertions for the surfaces the hub presents to the pipeline.
var _ playback.Player = (*Hub)(nil)
var _ playback.Notifier = (*Hub)(nil)
var _ listen.Source = (*Hub)(nil)
var _ listen.Notifier = (*Hub)(nil)
var _ pipeline.Notifier = (*Hub)(nil)

// Hub delegates the pipeline's client-facing surfaces to whichever listening
// session is currently attached. The pipeline, arbiter, and supervisor are
// built once at startup against the hub; sessions come and go underneath it.
//
// Only one session is active at a time. Attaching a new session displaces
// the previous one, matching the single-caregiver deployment model.
type Hub struct {
	mu      sync.Mutex
	session *Session
}

// NewHub returns a hub with no session attached.
func NewHub() *Hub {
	return &Hub{}
}

// Attach makes sess the active session and returns the displaced previous
// session, or nil if there was none.
func (h *Hub) Attach(sess *Session) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.session
	h.session = sess
	return prev
}

// Detach removes sess if it is still the active session. A session that has
// already been displaced by a newer one is left alone.
func (h *Hub) Detach(sess *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == sess {
		h.session = nil
	}
}

func (h *Hub) current() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// Attached reports whether a listening session is currently connected. Used
// by the readiness check.
func (h *Hub) Attached() bool {
	return h.current() != nil
}

// Play implements [playback.Player].
func (h *Hub) Play(ctx context.Context, prompt types.PlaybackPrompt) (playback.Handle, error) {
	sess := h.current()
	if sess == nil {
		return nil, ErrNoListener
	}
	return sess.Play(ctx, prompt)
}

// Start implements [listen.Source]. With no session attached it returns
// [ErrNoListener]; the supervisor treats that as recoverable and retries
// with backoff until a client connects.
func (h *Hub) Start(ctx context.Context) error {
	sess := h.current()
	if sess == nil {
		return ErrNoListener
	}
	return sess.Start(ctx)
}

// NowPlaying implements [playback.Notifier].
func (h *Hub) NowPlaying(prompt types.PlaybackPrompt) {
	if sess := h.current(); sess != nil {
		sess.NowPlaying(prompt)
	}
}

// ManualPromptNeeded implements [playback.Notifier].
func (h *Hub) ManualPromptNeeded(prompt types.PlaybackPrompt) {
	if sess := h.current(); sess != nil {
		sess.ManualPromptNeeded(prompt)
	}
}

// PlaybackStopped implements [playback.Notifier].
func (h *Hub) PlaybackStopped() {
	if sess := h.current(); sess != nil {
		sess.PlaybackStopped()
	}
}

// ResetWarning implements [pipeline.Notifier].
func (h *Hub) ResetWarning(consecutive int) {
	if sess := h.current(); sess != nil {
		sess.ResetWarning(consecutive)
	}
}

// ListeningStopped implements [listen.Notifier].
func (h *Hub) ListeningStopped(reason string) {
	if sess := h.current(); sess != nil {
		sess.ListeningStopped(reason)
	}
}
