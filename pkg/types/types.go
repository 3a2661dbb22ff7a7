// Package types defines the shared types used across all Calm Recall packages.
//
// These types form the lingua franca between the listening pipeline, the
// question store, the playback arbiter, and the server surface. They are
// intentionally minimal — each package defines its own domain types, but
// cross-cutting data structures live here to avoid circular imports.
package types

import "time"

// Category names a response slot on a stored question. Every question may
// carry one recorded answer per category; playback picks the first recorded
// one in [CategoryOrder].
type Category string

const (
	// CategoryComfort is a reassuring answer ("Your keys are safe…").
	CategoryComfort Category = "comfort"

	// CategoryRedirect gently steers the conversation elsewhere.
	CategoryRedirect Category = "redirect"

	// CategoryAcknowledge is a short confirmation response.
	CategoryAcknowledge Category = "acknowledge"
)

// CategoryOrder is the fixed precedence in which recorded responses are
// considered for playback.
var CategoryOrder = []Category{CategoryComfort, CategoryRedirect, CategoryAcknowledge}

// IsValid reports whether c is a recognised response category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryComfort, CategoryRedirect, CategoryAcknowledge:
		return true
	}
	return false
}

// StoredQuestion is one caregiver-authored prompt together with its recorded
// answers and trigger bookkeeping.
//
// Invariants maintained by the store: TriggerCount only increases, and
// LastTriggeredAt is non-decreasing once set.
type StoredQuestion struct {
	// ID is an opaque unique identifier assigned by the store.
	ID string

	// QuestionText is the phrase caregivers expect to hear.
	QuestionText string

	// Responses maps a response category to its (possibly unrecorded) answer.
	// Absent categories have no answer at all.
	Responses map[Category]*Response

	// TriggerCount is incremented on every detected match.
	TriggerCount int

	// LastTriggeredAt is set on every detected match and drives the
	// per-question cooldown. Nil until the question first fires.
	LastTriggeredAt *time.Time
}

// FirstRecorded returns the first response in [CategoryOrder] that has a
// recording, or nil when none of the responses are recorded yet.
func (q *StoredQuestion) FirstRecorded() *Response {
	for _, c := range CategoryOrder {
		if r, ok := q.Responses[c]; ok && r != nil && r.HasRecording {
			return r
		}
	}
	return nil
}

// Response is one recorded or pending answer to a stored question.
type Response struct {
	// Text is the transcript or label of the spoken answer.
	Text string

	// AudioData is the encoded audio payload. Owned by the Response; it is
	// shared only transiently with the playback arbiter while playing.
	AudioData []byte

	// MimeType is the container format of AudioData (e.g. "audio/webm").
	MimeType string

	// HasRecording is true iff AudioData is present.
	HasRecording bool

	// Transcribed is true iff Text came from actual speech-to-text rather
	// than a fallback placeholder.
	Transcribed bool
}

// TranscriptEvent is one event from the continuous-recognition collaborator.
// The pipeline only acts on non-empty final text; the other kinds drive
// restart handling and UI activity indicators.
type TranscriptEvent struct {
	// Kind discriminates the event.
	Kind EventKind

	// Text carries the cumulative transcript for Interim and Final events.
	Text string

	// Err carries the failure for Error events.
	Err error
}

// EventKind discriminates [TranscriptEvent] values.
type EventKind int

const (
	// EventInterim is a growing, non-authoritative transcript.
	EventInterim EventKind = iota

	// EventFinal is an authoritative transcript segment.
	EventFinal

	// EventError signals a recognition failure. The source decides whether
	// it is recoverable.
	EventError

	// EventEnded signals that the recognition session closed; the source
	// restarts it while listening remains desired.
	EventEnded
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	case EventEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// PlaybackPrompt is the payload surfaced to the caregiver UI when autoplay is
// blocked and manual playback is needed, and when playback starts normally
// (as the "now playing" notice).
type PlaybackPrompt struct {
	// QuestionID identifies the matched question.
	QuestionID string

	// QuestionText is the matched question's text.
	QuestionText string

	// ResponseText is the text of the response being (or to be) played.
	ResponseText string

	// AudioData is the encoded response audio.
	AudioData []byte

	// MimeType is the container format of AudioData.
	MimeType string
}
