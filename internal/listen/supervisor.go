// Package listen keeps continuous speech recognition running for a session.
//
// The recognition engine itself lives on the caregiver's device; this package
// owns its lifecycle from the server side. Recognition engines end sessions
// on their own schedule — silence timeouts, network hiccups, browser quirks —
// so the supervisor treats "ended" as routine and restarts with exponential
// backoff, resetting the backoff as soon as transcripts flow again. Only
// unsupported-engine and permission-denied failures are terminal: those stop
// listening for good and surface a caregiver-facing notice.
package listen

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/calm-recall/calmrecall/internal/observe"
	"github.com/calm-recall/calmrecall/pkg/types"
)

// Default restart backoff parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ErrUnsupported means the device has no usable recognition engine. Terminal.
var ErrUnsupported = errors.New("listen: speech recognition not supported")

// ErrPermissionDenied means microphone access was refused. Terminal.
var ErrPermissionDenied = errors.New("listen: microphone permission denied")

// Source starts (or restarts) the recognition engine on the client device.
type Source interface {
	Start(ctx context.Context) error
}

// Sink consumes transcript events. Implemented by the pipeline.
type Sink interface {
	HandleEvent(ev types.TranscriptEvent)
}

// Notifier surfaces terminal listening failures to the caregiver UI.
type Notifier interface {
	ListeningStopped(reason string)
}

// Option is a functional option for configuring a [Supervisor].
type Option func(*Supervisor)

// WithBackoff overrides the initial and maximum restart backoff.
// Defaults: 1s initial, doubling to a 30s cap.
func WithBackoff(initial, max time.Duration) Option {
	return func(s *Supervisor) {
		s.initialBackoff = initial
		s.maxBackoff = max
	}
}

// WithNotifier attaches the terminal-failure notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Supervisor) {
		s.notifier = n
	}
}

// WithMetrics attaches metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// Supervisor monitors one recognition session and keeps it alive while
// listening is desired. All methods are safe for concurrent use.
type Supervisor struct {
	source   Source
	sink     Sink
	notifier Notifier
	metrics  *observe.Metrics

	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu       sync.Mutex
	desired  bool
	terminal bool
	backoff  time.Duration

	restart chan string // signalled with the restart cause
}

// NewSupervisor creates a Supervisor feeding events from source restarts into
// sink.
func NewSupervisor(source Source, sink Sink, opts ...Option) *Supervisor {
	s := &Supervisor{
		source:         source,
		sink:           sink,
		initialBackoff: defaultBackoff,
		maxBackoff:     defaultMaxBackoff,
		restart:        make(chan string, 1),
	}
	for _, o := range opts {
		o(s)
	}
	s.backoff = s.initialBackoff
	return s
}

// Start marks listening as desired and starts the recognition engine.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	s.desired = true
	s.terminal = false
	s.backoff = s.initialBackoff
	s.mu.Unlock()

	return s.source.Start(ctx)
}

// Stop marks listening as no longer desired. Pending restarts are abandoned.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.desired = false
	s.mu.Unlock()
}

// Listening reports whether listening is desired and not terminally failed.
func (s *Supervisor) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.desired && !s.terminal
}

// Restart restarts recognition immediately, skipping the backoff queue. Used
// by the pipeline watchdog during a full reset.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if !s.desired || s.terminal {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordRecognitionRestart(ctx, "watchdog")
	}
	return s.source.Start(ctx)
}

// HandleEvent consumes one transcript event: transcripts are forwarded to the
// sink and reset the restart backoff; end and error events drive the restart
// machinery.
func (s *Supervisor) HandleEvent(ev types.TranscriptEvent) {
	switch ev.Kind {
	case types.EventInterim, types.EventFinal:
		s.mu.Lock()
		s.backoff = s.initialBackoff
		s.mu.Unlock()
		s.sink.HandleEvent(ev)

	case types.EventEnded:
		s.sink.HandleEvent(ev)
		s.requestRestart("ended")

	case types.EventError:
		s.sink.HandleEvent(ev)
		if isTerminal(ev.Err) {
			s.fail(ev.Err)
			return
		}
		s.requestRestart("error")
	}
}

// Run executes queued restarts with exponential backoff until ctx is
// cancelled. Must run for automatic restarts; [Supervisor.Restart] works
// without it.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cause := <-s.restart:
			s.mu.Lock()
			wait := s.backoff
			// Double for the next attempt up to the cap; transcript
			// activity resets it.
			s.backoff *= 2
			if s.backoff > s.maxBackoff {
				s.backoff = s.maxBackoff
			}
			desired := s.desired && !s.terminal
			s.mu.Unlock()

			if !desired {
				continue
			}

			slog.Info("restarting recognition", "cause", cause, "backoff", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}

			if s.metrics != nil {
				s.metrics.RecordRecognitionRestart(ctx, cause)
			}
			if err := s.source.Start(ctx); err != nil {
				if isTerminal(err) {
					s.fail(err)
					continue
				}
				slog.Warn("recognition restart failed", "error", err)
				s.requestRestart(cause)
			}
		}
	}
}

// requestRestart queues one restart; at most one is pending at a time.
func (s *Supervisor) requestRestart(cause string) {
	s.mu.Lock()
	desired := s.desired && !s.terminal
	s.mu.Unlock()
	if !desired {
		return
	}

	select {
	case s.restart <- cause:
	default:
		// Restart already queued.
	}
}

// fail marks the session terminally failed and notifies the caregiver.
func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.terminal = true
	s.mu.Unlock()

	slog.Error("listening stopped permanently", "error", err)
	if s.notifier != nil {
		s.notifier.ListeningStopped(err.Error())
	}
}

// isTerminal reports whether the error can never be recovered by restarting.
func isTerminal(err error) bool {
	return errors.Is(err, ErrUnsupported) || errors.Is(err, ErrPermissionDenied)
}
