package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/calm-recall/calmrecall/internal/playback"
	"github.com/calm-recall/calmrecall/pkg/store"
	"github.com/calm-recall/calmrecall/pkg/types"
)

const (
	// maxRecordingBytes caps uploaded answer recordings. Spoken answers are
	// a few seconds long; 20 MiB is generous for any supported container.
	maxRecordingBytes = 20 << 20

	// transcribeTimeout bounds one background transcription call.
	transcribeTimeout = 60 * time.Second
)

// questionJSON is the wire representation of a stored question. Audio bytes
// never ride along; the UI fetches recordings separately.
type questionJSON struct {
	ID            string                  `json:"id"`
	Question      string                  `json:"question"`
	Responses     map[string]responseJSON `json:"responses"`
	TriggerCount  int                     `json:"trigger_count"`
	LastTriggered *time.Time              `json:"last_triggered_at,omitempty"`
}

type responseJSON struct {
	Text         string `json:"text"`
	HasRecording bool   `json:"has_recording"`
	Transcribed  bool   `json:"transcribed"`
}

// questionRequest is the JSON body for creating or updating a question.
type questionRequest struct {
	Question  string `json:"question"`
	Responses map[string]struct {
		Text string `json:"text"`
	} `json:"responses"`
}

func toQuestionJSON(q types.StoredQuestion) questionJSON {
	out := questionJSON{
		ID:            q.ID,
		Question:      q.QuestionText,
		Responses:     make(map[string]responseJSON, len(q.Responses)),
		TriggerCount:  q.TriggerCount,
		LastTriggered: q.LastTriggeredAt,
	}
	for cat, r := range q.Responses {
		if r == nil {
			continue
		}
		out.Responses[string(cat)] = responseJSON{
			Text:         r.Text,
			HasRecording: r.HasRecording,
			Transcribed:  r.Transcribed,
		}
	}
	return out
}

func (req *questionRequest) toStored() (types.StoredQuestion, error) {
	if req.Question == "" {
		return types.StoredQuestion{}, errors.New("question text is required")
	}
	q := types.StoredQuestion{
		QuestionText: req.Question,
		Responses:    make(map[types.Category]*types.Response, len(req.Responses)),
	}
	for name, r := range req.Responses {
		cat := types.Category(name)
		if !cat.IsValid() {
			return types.StoredQuestion{}, fmt.Errorf("unknown response category %q", name)
		}
		q.Responses[cat] = &types.Response{Text: r.Text}
	}
	return q, nil
}

// ── question CRUD ────────────────────────────────────────────────────────────

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	questions, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, "failed to list questions: "+err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]questionJSON, 0, len(questions))
	for _, q := range questions {
		out = append(out, toQuestionJSON(q))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	q, err := req.toStored()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	added, err := s.store.Add(r.Context(), q)
	if err != nil {
		http.Error(w, "failed to store question: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, toQuestionJSON(added))
}

func (s *Server) handleGetQuestion(w http.ResponseWriter, r *http.Request) {
	q, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "question not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load question: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toQuestionJSON(q))
}

func (s *Server) handleUpdateQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	q, err := req.toStored()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	q.ID = r.PathValue("id")

	if err := s.store.Update(r.Context(), q); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "question not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to update question: "+err.Error(), http.StatusInternalServerError)
		return
	}

	updated, err := s.store.Get(r.Context(), q.ID)
	if err != nil {
		http.Error(w, "failed to load question: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toQuestionJSON(updated))
}

func (s *Server) handleDeleteQuestion(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Remove(r.Context(), r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "question not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete question: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── recordings ───────────────────────────────────────────────────────────────

// handleUploadRecording accepts a multipart form with an "audio" file part
// and an optional "text" label. The recording is stored immediately; when a
// transcriber is configured, its transcript replaces the label in the
// background.
func (s *Server) handleUploadRecording(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cat := types.Category(r.PathValue("category"))
	if !cat.IsValid() {
		http.Error(w, fmt.Sprintf("unknown response category %q", cat), http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(maxRecordingBytes); err != nil {
		http.Error(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		http.Error(w, `multipart part "audio" is required`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(io.LimitReader(file, maxRecordingBytes+1))
	if err != nil {
		http.Error(w, "failed to read audio: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(audio) == 0 {
		http.Error(w, "audio part is empty", http.StatusBadRequest)
		return
	}
	if len(audio) > maxRecordingBytes {
		http.Error(w, "audio exceeds size limit", http.StatusRequestEntityTooLarge)
		return
	}

	mime := header.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}

	text := r.FormValue("text")
	if text == "" {
		text = "Recorded answer"
	}

	if err := s.store.SaveRecording(r.Context(), id, cat, audio, mime, text, false); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "question not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to save recording: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if s.transcriber != nil {
		go s.transcribeRecording(id, cat, audio, mime)
	}

	q, err := s.store.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to load question: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toQuestionJSON(q))
}

// transcribeRecording captions an uploaded answer in the background and
// stores the transcript. Failures keep the caregiver's typed label.
func (s *Server) transcribeRecording(id string, cat types.Category, audio []byte, mime string) {
	ctx, cancel := context.WithTimeout(context.Background(), transcribeTimeout)
	defer cancel()

	start := time.Now()
	text, err := s.transcriber.Transcribe(ctx, audio, mime)
	s.metrics.RecordTranscription(ctx, s.transcriber.Name(), time.Since(start).Seconds(), err)
	if err != nil {
		slog.Warn("transcription failed, keeping recording label",
			"question_id", id, "category", cat, "provider", s.transcriber.Name(), "err", err)
		return
	}
	if text == "" {
		return
	}

	if err := s.store.SaveRecording(ctx, id, cat, audio, mime, text, true); err != nil {
		slog.Warn("failed to store transcript", "question_id", id, "category", cat, "err", err)
		return
	}
	slog.Info("recording transcribed", "question_id", id, "category", cat, "provider", s.transcriber.Name())
}

// handleFetchRecording serves the raw audio bytes of one recorded answer.
func (s *Server) handleFetchRecording(w http.ResponseWriter, r *http.Request) {
	cat := types.Category(r.PathValue("category"))
	if !cat.IsValid() {
		http.Error(w, fmt.Sprintf("unknown response category %q", cat), http.StatusBadRequest)
		return
	}

	q, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "question not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load question: "+err.Error(), http.StatusInternalServerError)
		return
	}

	resp := q.Responses[cat]
	if resp == nil || !resp.HasRecording {
		http.Error(w, "no recording for this category", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", resp.MimeType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.AudioData)
}

// ── manual playback fallback ─────────────────────────────────────────────────

func (s *Server) handleManualPlay(w http.ResponseWriter, r *http.Request) {
	err := s.arbiter.ManualPlay(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, playback.ErrNoPendingPrompt):
		http.Error(w, "no manual prompt is pending", http.StatusNotFound)
	case errors.Is(err, playback.ErrAutoplayBlocked):
		http.Error(w, "playback is still blocked by the device", http.StatusConflict)
	default:
		http.Error(w, "manual playback failed: "+err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleManualDismiss(w http.ResponseWriter, r *http.Request) {
	s.arbiter.DismissPrompt()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
