// Package transcribe defines the Transcriber interface for speech-to-text
// backends used on recorded answers.
//
// Unlike live listening — which happens on the caregiver's device — answer
// recordings are short, complete audio clips, so transcription is a simple
// batch call: bytes in, text out. Implementations wrap a local whisper.cpp
// server, the whisper.cpp CGO bindings, or the OpenAI API.
//
// Implementations must be safe for concurrent use.
package transcribe

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned when the supplied clip contains no audio data.
var ErrEmptyAudio = errors.New("transcribe: empty audio clip")

// ErrUnsupportedFormat is returned when a provider cannot decode the clip's
// container format.
var ErrUnsupportedFormat = errors.New("transcribe: unsupported audio format")

// Transcriber converts one recorded audio clip to text.
type Transcriber interface {
	// Transcribe returns the spoken text of the clip. mimeType is the
	// container format as recorded (e.g. "audio/webm", "audio/wav").
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)

	// Name identifies the backend for logs and metrics.
	Name() string
}
