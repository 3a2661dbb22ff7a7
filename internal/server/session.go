package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/calm-recall/calmrecall/internal/listen"
	"github.com/calm-recall/calmrecall/internal/playback"
	"github.com/calm-recall/calmrecall/pkg/types"
)

// Compile-time assertions that Session satisfies the pipeline-facing surfaces.
var _ playback.Player = (*Session)(nil)
var _ playback.Notifier = (*Session)(nil)
var _ listen.Source = (*Session)(nil)

const (
	// playAckTimeout bounds how long Play waits for the client to report
	// that audio started (or was blocked by the autoplay policy).
	playAckTimeout = 10 * time.Second

	// writeTimeout bounds individual frame writes to a slow client.
	writeTimeout = 10 * time.Second
)

// frame is the single wire message exchanged over /ws/listen, in both
// directions. Type discriminates; unused fields stay empty.
type frame struct {
	Type string `json:"type"`

	// interim / final transcripts (client → server)
	Text string `json:"text,omitempty"`

	// recognition errors (client → server)
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// playback commands and acknowledgements
	ID         int    `json:"id,omitempty"`
	QuestionID string `json:"question_id,omitempty"`
	Question   string `json:"question,omitempty"`
	Response   string `json:"response,omitempty"`
	Audio      []byte `json:"audio,omitempty"` // base64 on the wire
	Mime       string `json:"mime,omitempty"`

	// reset_warning
	Consecutive int `json:"consecutive,omitempty"`

	// listening_stopped
	Reason string `json:"reason,omitempty"`
}

// Session is one connected listening client. It translates between the wire
// frames and the pipeline's interfaces: transcript frames become
// [types.TranscriptEvent]s for the sink, and the arbiter's playback calls
// become play / stop_playback frames with client acknowledgements.
//
// All methods are safe for concurrent use.
type Session struct {
	conn *websocket.Conn
	sink listen.Sink

	mu        sync.Mutex
	nextID    int
	playbacks map[int]*wsPlayback
}

// NewSession wraps an accepted WebSocket connection. Transcript events are
// forwarded to sink; the caller runs [Session.Run] to pump incoming frames.
func NewSession(conn *websocket.Conn, sink listen.Sink) *Session {
	return &Session{
		conn:      conn,
		sink:      sink,
		playbacks: make(map[int]*wsPlayback),
	}
}

// Run reads frames until the connection closes and dispatches them. It
// always returns a non-nil error; a normal client disconnect surfaces as a
// websocket close error.
func (s *Session) Run(ctx context.Context) error {
	defer s.failAll(errors.New("server: session closed"))

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("server: session read: %w", err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("discarding malformed frame", "err", err)
			continue
		}
		s.handleFrame(&f)
	}
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Session) handleFrame(f *frame) {
	switch f.Type {
	case "interim":
		s.sink.HandleEvent(types.TranscriptEvent{Kind: types.EventInterim, Text: f.Text})

	case "final":
		s.sink.HandleEvent(types.TranscriptEvent{Kind: types.EventFinal, Text: f.Text})

	case "ended":
		s.sink.HandleEvent(types.TranscriptEvent{Kind: types.EventEnded})

	case "error":
		s.sink.HandleEvent(types.TranscriptEvent{
			Kind: types.EventError,
			Err:  mapRecognitionError(f.Code, f.Message),
		})

	case "playback_started":
		if pb := s.lookup(f.ID); pb != nil {
			pb.markStarted()
		}

	case "playback_blocked":
		if pb := s.lookup(f.ID); pb != nil {
			pb.markBlocked()
		}

	case "playback_ended":
		if pb := s.lookup(f.ID); pb != nil {
			pb.resolve(nil)
			s.forget(f.ID)
		}

	case "playback_error":
		if pb := s.lookup(f.ID); pb != nil {
			pb.resolve(fmt.Errorf("server: client playback failed: %s", f.Message))
			s.forget(f.ID)
		}

	default:
		slog.Debug("discarding unknown frame type", "type", f.Type)
	}
}

// mapRecognitionError translates the client's recognition error codes into
// the listen package's sentinel errors so the supervisor can tell terminal
// failures from recoverable ones.
func mapRecognitionError(code, message string) error {
	switch code {
	case "not-allowed", "service-not-allowed":
		return fmt.Errorf("%w: %s", listen.ErrPermissionDenied, message)
	case "unsupported":
		return fmt.Errorf("%w: %s", listen.ErrUnsupported, message)
	}
	if message == "" {
		message = code
	}
	return fmt.Errorf("server: recognition error: %s", message)
}

// ── playback.Player ───────────────────────────────────────────────────────────

// Play sends a play frame and blocks until the client acknowledges that
// audio started, reports the autoplay block, or the ack timeout elapses.
func (s *Session) Play(ctx context.Context, prompt types.PlaybackPrompt) (playback.Handle, error) {
	pb := s.newPlayback()

	err := s.send(ctx, frame{
		Type:       "play",
		ID:         pb.id,
		QuestionID: prompt.QuestionID,
		Question:   prompt.QuestionText,
		Response:   prompt.ResponseText,
		Audio:      prompt.AudioData,
		Mime:       prompt.MimeType,
	})
	if err != nil {
		s.forget(pb.id)
		return nil, fmt.Errorf("server: send play frame: %w", err)
	}

	select {
	case <-pb.started:
		return pb, nil
	case <-pb.blocked:
		s.forget(pb.id)
		return nil, playback.ErrAutoplayBlocked
	case err := <-pb.done:
		// Ended or failed before the start ack arrived.
		if err != nil {
			return nil, err
		}
		return pb, nil
	case <-ctx.Done():
		s.forget(pb.id)
		return nil, ctx.Err()
	case <-time.After(playAckTimeout):
		s.forget(pb.id)
		return nil, fmt.Errorf("server: no playback acknowledgement within %s", playAckTimeout)
	}
}

// ── playback.Notifier ─────────────────────────────────────────────────────────

// NowPlaying implements [playback.Notifier].
func (s *Session) NowPlaying(prompt types.PlaybackPrompt) {
	s.notify(frame{
		Type:       "now_playing",
		QuestionID: prompt.QuestionID,
		Question:   prompt.QuestionText,
		Response:   prompt.ResponseText,
	})
}

// ManualPromptNeeded implements [playback.Notifier]. The audio payload rides
// along so the caregiver UI can play it inside the button's gesture handler.
func (s *Session) ManualPromptNeeded(prompt types.PlaybackPrompt) {
	s.notify(frame{
		Type:       "manual_prompt",
		QuestionID: prompt.QuestionID,
		Question:   prompt.QuestionText,
		Response:   prompt.ResponseText,
		Audio:      prompt.AudioData,
		Mime:       prompt.MimeType,
	})
}

// PlaybackStopped implements [playback.Notifier].
func (s *Session) PlaybackStopped() {
	s.notify(frame{Type: "playback_stopped"})
}

// ── listen.Source / pipeline + listen notifiers ──────────────────────────────

// Start implements [listen.Source] by asking the client to (re)start its
// continuous recognition engine.
func (s *Session) Start(ctx context.Context) error {
	if err := s.send(ctx, frame{Type: "start_recognition"}); err != nil {
		return fmt.Errorf("server: send start_recognition: %w", err)
	}
	return nil
}

// ResetWarning tells the UI the watchdog has reset the pipeline several
// times in a row without transcript activity.
func (s *Session) ResetWarning(consecutive int) {
	s.notify(frame{Type: "reset_warning", Consecutive: consecutive})
}

// ListeningStopped tells the UI that recognition will not be restarted.
func (s *Session) ListeningStopped(reason string) {
	s.notify(frame{Type: "listening_stopped", Reason: reason})
}

// ── plumbing ─────────────────────────────────────────────────────────────────

// send marshals f and writes it as a text message.
func (s *Session) send(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("server: marshal frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// notify is send for fire-and-forget UI frames; failures are logged only,
// the read loop will notice a dead connection soon enough.
func (s *Session) notify(f frame) {
	if err := s.send(context.Background(), f); err != nil {
		slog.Warn("failed to send UI frame", "type", f.Type, "err", err)
	}
}

func (s *Session) newPlayback() *wsPlayback {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	pb := &wsPlayback{
		id:      s.nextID,
		sess:    s,
		started: make(chan struct{}),
		blocked: make(chan struct{}),
		done:    make(chan error, 1),
	}
	s.playbacks[pb.id] = pb
	return pb
}

func (s *Session) lookup(id int) *wsPlayback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbacks[id]
}

func (s *Session) forget(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.playbacks, id)
}

// failAll resolves every in-flight playback with err. Called when the
// connection closes so the arbiter never waits on a dead client.
func (s *Session) failAll(err error) {
	s.mu.Lock()
	pending := make([]*wsPlayback, 0, len(s.playbacks))
	for _, pb := range s.playbacks {
		pending = append(pending, pb)
	}
	s.playbacks = make(map[int]*wsPlayback)
	s.mu.Unlock()

	for _, pb := range pending {
		pb.resolve(err)
	}
}

// wsPlayback is one in-flight play command, resolved by client
// acknowledgement frames.
type wsPlayback struct {
	id   int
	sess *Session

	started chan struct{}
	blocked chan struct{}
	done    chan error

	startOnce sync.Once
	blockOnce sync.Once
	doneOnce  sync.Once
	stopOnce  sync.Once
}

var _ playback.Handle = (*wsPlayback)(nil)

// Done implements [playback.Handle].
func (p *wsPlayback) Done() <-chan error { return p.done }

// Stop implements [playback.Handle]. It tells the client to stop the audio
// element and resolves the handle immediately.
func (p *wsPlayback) Stop() {
	p.stopOnce.Do(func() {
		if err := p.sess.send(context.Background(), frame{Type: "stop_playback", ID: p.id}); err != nil {
			slog.Warn("failed to send stop_playback frame", "id", p.id, "err", err)
		}
		p.resolve(nil)
		p.sess.forget(p.id)
	})
}

func (p *wsPlayback) markStarted() { p.startOnce.Do(func() { close(p.started) }) }
func (p *wsPlayback) markBlocked() { p.blockOnce.Do(func() { close(p.blocked) }) }

func (p *wsPlayback) resolve(err error) {
	p.doneOnce.Do(func() {
		p.done <- err
		close(p.done)
	})
}
