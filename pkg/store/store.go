// Package store defines the question repository used by the matching
// pipeline and the authoring API.
//
// The pipeline reads a snapshot of all questions at match time and writes
// trigger bookkeeping through [Store.IncrementTrigger]; the authoring surface
// uses the CRUD operations and [Store.SaveRecording]. Implementations must
// be safe for concurrent use.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/calm-recall/calmrecall/pkg/types"
)

// ErrNotFound is returned when no question exists with the requested ID.
var ErrNotFound = errors.New("store: question not found")

// ErrDuplicateID is returned by Add when the supplied ID already exists.
var ErrDuplicateID = errors.New("store: duplicate question id")

// Store is the question repository.
type Store interface {
	// Add stores a new question. When q.ID is empty an ID is generated.
	// Returns the stored question including its assigned ID.
	Add(ctx context.Context, q types.StoredQuestion) (types.StoredQuestion, error)

	// Get returns the question with the given ID or [ErrNotFound].
	Get(ctx context.Context, id string) (types.StoredQuestion, error)

	// List returns a snapshot of all questions in stable creation order.
	// The returned values are copies; mutating them does not affect the
	// store.
	List(ctx context.Context) ([]types.StoredQuestion, error)

	// Update replaces the question text and response texts of an existing
	// question. Trigger bookkeeping is not touched. Returns [ErrNotFound]
	// for unknown IDs.
	Update(ctx context.Context, q types.StoredQuestion) error

	// Remove deletes a question. Returns [ErrNotFound] for unknown IDs.
	Remove(ctx context.Context, id string) error

	// SaveRecording attaches recorded audio to the given response category,
	// setting HasRecording. text labels the recording; transcribed marks
	// whether text came from actual speech-to-text.
	SaveRecording(ctx context.Context, id string, category types.Category, audio []byte, mime, text string, transcribed bool) error

	// IncrementTrigger records one detected match: TriggerCount increases by
	// one and LastTriggeredAt moves forward to at (never backward). The
	// pipeline calls this fire-and-forget; failures must not corrupt state.
	IncrementTrigger(ctx context.Context, id string, at time.Time) error
}
