// Package server exposes Calm Recall over HTTP: the /ws/listen WebSocket
// that connects a caregiver device's speech recognition and audio output to
// the matching pipeline, and the JSON API used by the authoring UI.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/calm-recall/calmrecall/internal/health"
	"github.com/calm-recall/calmrecall/internal/listen"
	"github.com/calm-recall/calmrecall/internal/observe"
	"github.com/calm-recall/calmrecall/pkg/provider/transcribe"
	"github.com/calm-recall/calmrecall/pkg/store"
)

// PlaybackControl is the manual-playback slice of the arbiter used by the
// HTTP API.
type PlaybackControl interface {
	ManualPlay(ctx context.Context) error
	DismissPrompt()
}

// ListenControl starts and stops the recognition supervisor as listening
// clients come and go.
type ListenControl interface {
	Start(ctx context.Context) error
	Stop()
}

// Deps carries everything the server needs. Store, Hub, Arbiter, and Sink
// are required; the rest degrade gracefully when nil.
type Deps struct {
	Store       store.Store
	Hub         *Hub
	Arbiter     PlaybackControl
	Sink        listen.Sink
	Listener    ListenControl
	Transcriber transcribe.Transcriber
	Metrics     *observe.Metrics
	Health      *health.Handler
}

// Server is the HTTP and WebSocket surface.
type Server struct {
	store       store.Store
	hub         *Hub
	arbiter     PlaybackControl
	sink        listen.Sink
	listener    ListenControl
	transcriber transcribe.Transcriber
	metrics     *observe.Metrics

	handler http.Handler
}

// New assembles the route table and middleware.
func New(deps Deps) *Server {
	s := &Server{
		store:       deps.Store,
		hub:         deps.Hub,
		arbiter:     deps.Arbiter,
		sink:        deps.Sink,
		listener:    deps.Listener,
		transcriber: deps.Transcriber,
		metrics:     deps.Metrics,
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/listen", s.handleListen)

	mux.HandleFunc("GET /api/questions", s.handleListQuestions)
	mux.HandleFunc("POST /api/questions", s.handleCreateQuestion)
	mux.HandleFunc("GET /api/questions/{id}", s.handleGetQuestion)
	mux.HandleFunc("PUT /api/questions/{id}", s.handleUpdateQuestion)
	mux.HandleFunc("DELETE /api/questions/{id}", s.handleDeleteQuestion)
	mux.HandleFunc("POST /api/questions/{id}/recordings/{category}", s.handleUploadRecording)
	mux.HandleFunc("GET /api/questions/{id}/recordings/{category}", s.handleFetchRecording)
	mux.HandleFunc("POST /api/manual-play", s.handleManualPlay)
	mux.HandleFunc("POST /api/manual-dismiss", s.handleManualDismiss)

	mux.Handle("GET /metrics", promhttp.Handler())
	if deps.Health != nil {
		deps.Health.Register(mux)
	}

	s.handler = observe.Middleware(s.metrics)(mux)
	return s
}

// Handler returns the fully-wired root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleListen upgrades the connection, attaches the session to the hub, and
// pumps frames until the client goes away. Only one session is active at a
// time; a newer connection displaces the current one.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	sess := NewSession(conn, s.sink)
	if prev := s.hub.Attach(sess); prev != nil {
		slog.Info("displacing previous listening session")
		_ = prev.Close()
	}
	s.metrics.ActiveListeners.Add(r.Context(), 1)
	slog.Info("listening session connected", "remote", r.RemoteAddr)

	if s.listener != nil {
		if err := s.listener.Start(r.Context()); err != nil {
			slog.Warn("failed to start recognition", "err", err)
		}
	}

	runErr := sess.Run(r.Context())

	s.hub.Detach(sess)
	s.metrics.ActiveListeners.Add(context.Background(), -1)
	if s.listener != nil && s.hub.current() == nil {
		s.listener.Stop()
	}
	_ = sess.Close()
	slog.Info("listening session closed", "remote", r.RemoteAddr, "err", runErr)
}
