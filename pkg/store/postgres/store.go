// Package postgres provides the PostgreSQL-backed question repository.
//
// It holds a single [pgxpool.Pool], runs its migration on connect, and
// implements [store.Store] for multi-device deployments where the question
// library must outlive one browser's local storage.
package postgres

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calm-recall/calmrecall/pkg/store"
	"github.com/calm-recall/calmrecall/pkg/types"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// schema creates the two tables the repository needs. position preserves
// authoring order, which is also matching order (first qualifying question
// wins).
const schema = `
CREATE TABLE IF NOT EXISTS questions (
	id               TEXT PRIMARY KEY,
	question_text    TEXT NOT NULL,
	trigger_count    INTEGER NOT NULL DEFAULT 0,
	last_triggered_at TIMESTAMPTZ,
	position         BIGSERIAL
);

CREATE TABLE IF NOT EXISTS responses (
	question_id   TEXT NOT NULL REFERENCES questions(id) ON DELETE CASCADE,
	category      TEXT NOT NULL,
	response_text TEXT NOT NULL DEFAULT '',
	audio_data    BYTEA,
	mime_type     TEXT NOT NULL DEFAULT '',
	has_recording BOOLEAN NOT NULL DEFAULT FALSE,
	transcribed   BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (question_id, category)
);
`

// Store is the PostgreSQL question repository. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and ensures
// the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping probes the database. Used by the readiness checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Add implements [store.Store.Add].
func (s *Store) Add(ctx context.Context, q types.StoredQuestion) (types.StoredQuestion, error) {
	if q.ID == "" {
		id, err := generateID()
		if err != nil {
			return types.StoredQuestion{}, fmt.Errorf("postgres store: generate id: %w", err)
		}
		q.ID = id
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.StoredQuestion{}, fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO questions (id, question_text) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`,
		q.ID, q.QuestionText,
	)
	if err != nil {
		return types.StoredQuestion{}, fmt.Errorf("postgres store: insert question: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.StoredQuestion{}, store.ErrDuplicateID
	}

	for cat, r := range q.Responses {
		if r == nil {
			continue
		}
		if err := upsertResponse(ctx, tx, q.ID, cat, r); err != nil {
			return types.StoredQuestion{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return types.StoredQuestion{}, fmt.Errorf("postgres store: commit: %w", err)
	}
	return q, nil
}

// Get implements [store.Store.Get].
func (s *Store) Get(ctx context.Context, id string) (types.StoredQuestion, error) {
	var q types.StoredQuestion
	err := s.pool.QueryRow(ctx,
		`SELECT id, question_text, trigger_count, last_triggered_at FROM questions WHERE id = $1`,
		id,
	).Scan(&q.ID, &q.QuestionText, &q.TriggerCount, &q.LastTriggeredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.StoredQuestion{}, store.ErrNotFound
	}
	if err != nil {
		return types.StoredQuestion{}, fmt.Errorf("postgres store: get question: %w", err)
	}

	if err := s.loadResponses(ctx, &q); err != nil {
		return types.StoredQuestion{}, err
	}
	return q, nil
}

// List implements [store.Store.List].
func (s *Store) List(ctx context.Context) ([]types.StoredQuestion, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, question_text, trigger_count, last_triggered_at FROM questions ORDER BY position`,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list questions: %w", err)
	}
	defer rows.Close()

	var result []types.StoredQuestion
	for rows.Next() {
		var q types.StoredQuestion
		if err := rows.Scan(&q.ID, &q.QuestionText, &q.TriggerCount, &q.LastTriggeredAt); err != nil {
			return nil, fmt.Errorf("postgres store: scan question: %w", err)
		}
		result = append(result, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: list questions: %w", err)
	}

	for i := range result {
		if err := s.loadResponses(ctx, &result[i]); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Update implements [store.Store.Update].
func (s *Store) Update(ctx context.Context, q types.StoredQuestion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE questions SET question_text = $2 WHERE id = $1`,
		q.ID, q.QuestionText,
	)
	if err != nil {
		return fmt.Errorf("postgres store: update question: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	for cat, r := range q.Responses {
		if r == nil {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO responses (question_id, category, response_text)
			VALUES ($1, $2, $3)
			ON CONFLICT (question_id, category) DO UPDATE SET response_text = EXCLUDED.response_text`,
			q.ID, string(cat), r.Text,
		)
		if err != nil {
			return fmt.Errorf("postgres store: update response text: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

// Remove implements [store.Store.Remove]. Responses cascade.
func (s *Store) Remove(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM questions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: remove question: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SaveRecording implements [store.Store.SaveRecording].
func (s *Store) SaveRecording(ctx context.Context, id string, category types.Category, audio []byte, mime, text string, transcribed bool) error {
	if !category.IsValid() {
		return fmt.Errorf("postgres store: invalid category %q", category)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM questions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres store: check question: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO responses (question_id, category, response_text, audio_data, mime_type, has_recording, transcribed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (question_id, category) DO UPDATE SET
			response_text = EXCLUDED.response_text,
			audio_data    = EXCLUDED.audio_data,
			mime_type     = EXCLUDED.mime_type,
			has_recording = EXCLUDED.has_recording,
			transcribed   = EXCLUDED.transcribed`,
		id, string(category), text, audio, mime, len(audio) > 0, transcribed,
	)
	if err != nil {
		return fmt.Errorf("postgres store: save recording: %w", err)
	}
	return nil
}

// IncrementTrigger implements [store.Store.IncrementTrigger]. GREATEST keeps
// last_triggered_at non-decreasing under out-of-order calls.
func (s *Store) IncrementTrigger(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE questions SET
			trigger_count     = trigger_count + 1,
			last_triggered_at = GREATEST(COALESCE(last_triggered_at, $2), $2)
		WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("postgres store: increment trigger: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// loadResponses fills q.Responses from the responses table.
func (s *Store) loadResponses(ctx context.Context, q *types.StoredQuestion) error {
	rows, err := s.pool.Query(ctx, `
		SELECT category, response_text, audio_data, mime_type, has_recording, transcribed
		FROM responses WHERE question_id = $1`,
		q.ID,
	)
	if err != nil {
		return fmt.Errorf("postgres store: load responses: %w", err)
	}
	defer rows.Close()

	q.Responses = make(map[types.Category]*types.Response)
	for rows.Next() {
		var cat string
		r := &types.Response{}
		if err := rows.Scan(&cat, &r.Text, &r.AudioData, &r.MimeType, &r.HasRecording, &r.Transcribed); err != nil {
			return fmt.Errorf("postgres store: scan response: %w", err)
		}
		q.Responses[types.Category(cat)] = r
	}
	return rows.Err()
}

// upsertResponse writes a full response row inside a transaction.
func upsertResponse(ctx context.Context, tx pgx.Tx, id string, cat types.Category, r *types.Response) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO responses (question_id, category, response_text, audio_data, mime_type, has_recording, transcribed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (question_id, category) DO UPDATE SET
			response_text = EXCLUDED.response_text,
			audio_data    = EXCLUDED.audio_data,
			mime_type     = EXCLUDED.mime_type,
			has_recording = EXCLUDED.has_recording,
			transcribed   = EXCLUDED.transcribed`,
		id, string(cat), r.Text, r.AudioData, r.MimeType, r.HasRecording, r.Transcribed,
	)
	if err != nil {
		return fmt.Errorf("postgres store: upsert response: %w", err)
	}
	return nil
}

// generateID returns a random 16-hex-character identifier.
func generateID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
