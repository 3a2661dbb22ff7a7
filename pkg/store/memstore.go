package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/calm-recall/calmrecall/pkg/types"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It is the
// default for single-caregiver deployments without a database, and for tests.
type MemStore struct {
	mu        sync.RWMutex
	questions map[string]*types.StoredQuestion
	order     []string // insertion order for stable listing
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		questions: make(map[string]*types.StoredQuestion),
	}
}

// Add implements [Store.Add].
func (s *MemStore) Add(ctx context.Context, q types.StoredQuestion) (types.StoredQuestion, error) {
	if q.ID == "" {
		id, err := generateID()
		if err != nil {
			return types.StoredQuestion{}, fmt.Errorf("store: generate id: %w", err)
		}
		q.ID = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.questions[q.ID]; exists {
		return types.StoredQuestion{}, ErrDuplicateID
	}

	stored := cloneQuestion(&q)
	s.questions[q.ID] = stored
	s.order = append(s.order, q.ID)
	return *cloneQuestion(stored), nil
}

// Get implements [Store.Get].
func (s *MemStore) Get(ctx context.Context, id string) (types.StoredQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.questions[id]
	if !ok {
		return types.StoredQuestion{}, ErrNotFound
	}
	return *cloneQuestion(q), nil
}

// List implements [Store.List].
func (s *MemStore) List(ctx context.Context) ([]types.StoredQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]types.StoredQuestion, 0, len(s.order))
	for _, id := range s.order {
		if q, ok := s.questions[id]; ok {
			result = append(result, *cloneQuestion(q))
		}
	}
	return result, nil
}

// Update implements [Store.Update].
func (s *MemStore) Update(ctx context.Context, q types.StoredQuestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.questions[q.ID]
	if !ok {
		return ErrNotFound
	}

	existing.QuestionText = q.QuestionText
	for cat, r := range q.Responses {
		if r == nil {
			continue
		}
		if cur, ok := existing.Responses[cat]; ok && cur != nil {
			cur.Text = r.Text
		} else {
			if existing.Responses == nil {
				existing.Responses = make(map[types.Category]*types.Response)
			}
			existing.Responses[cat] = &types.Response{Text: r.Text}
		}
	}
	return nil
}

// Remove implements [Store.Remove].
func (s *MemStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.questions[id]; !ok {
		return ErrNotFound
	}
	delete(s.questions, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// SaveRecording implements [Store.SaveRecording].
func (s *MemStore) SaveRecording(ctx context.Context, id string, category types.Category, audio []byte, mime, text string, transcribed bool) error {
	if !category.IsValid() {
		return fmt.Errorf("store: invalid category %q", category)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[id]
	if !ok {
		return ErrNotFound
	}
	if q.Responses == nil {
		q.Responses = make(map[types.Category]*types.Response)
	}

	data := make([]byte, len(audio))
	copy(data, audio)
	q.Responses[category] = &types.Response{
		Text:         text,
		AudioData:    data,
		MimeType:     mime,
		HasRecording: len(data) > 0,
		Transcribed:  transcribed,
	}
	return nil
}

// IncrementTrigger implements [Store.IncrementTrigger]. LastTriggeredAt only
// ever moves forward, keeping the non-decreasing invariant even when calls
// arrive out of order.
func (s *MemStore) IncrementTrigger(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.questions[id]
	if !ok {
		return ErrNotFound
	}
	q.TriggerCount++
	if q.LastTriggeredAt == nil || at.After(*q.LastTriggeredAt) {
		t := at
		q.LastTriggeredAt = &t
	}
	return nil
}

// cloneQuestion deep-copies a question so callers never share mutable state
// with the store.
func cloneQuestion(q *types.StoredQuestion) *types.StoredQuestion {
	out := *q
	if q.LastTriggeredAt != nil {
		t := *q.LastTriggeredAt
		out.LastTriggeredAt = &t
	}
	out.Responses = make(map[types.Category]*types.Response, len(q.Responses))
	for cat, r := range q.Responses {
		if r == nil {
			continue
		}
		rc := *r
		rc.AudioData = make([]byte, len(r.AudioData))
		copy(rc.AudioData, r.AudioData)
		out.Responses[cat] = &rc
	}
	return &out
}

// generateID returns a random 16-hex-character identifier.
func generateID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
