package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calm-recall/calmrecall/internal/health"
	"github.com/calm-recall/calmrecall/internal/playback"
	"github.com/calm-recall/calmrecall/internal/server"
	"github.com/calm-recall/calmrecall/pkg/provider/transcribe/mock"
	"github.com/calm-recall/calmrecall/pkg/store"
	"github.com/calm-recall/calmrecall/pkg/types"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fakeArbiter struct {
	mu         sync.Mutex
	playErr    error
	plays      int
	dismissals int
}

func (f *fakeArbiter) ManualPlay(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plays++
	return f.playErr
}

func (f *fakeArbiter) DismissPrompt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dismissals++
}

type fakeSink struct {
	mu     sync.Mutex
	events []types.TranscriptEvent
}

func (f *fakeSink) HandleEvent(ev types.TranscriptEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) all() []types.TranscriptEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.TranscriptEvent(nil), f.events...)
}

type testEnv struct {
	srv     *httptest.Server
	store   *store.MemStore
	arbiter *fakeArbiter
	sink    *fakeSink
	scribe  *mock.Transcriber
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   store.NewMemStore(),
		arbiter: &fakeArbiter{},
		sink:    &fakeSink{},
		scribe:  &mock.Transcriber{Text: "where are my keys"},
	}
	s := server.New(server.Deps{
		Store:       env.store,
		Hub:         server.NewHub(),
		Arbiter:     env.arbiter,
		Sink:        env.sink,
		Transcriber: env.scribe,
		Health:      health.New(),
	})
	env.srv = httptest.NewServer(s.Handler())
	t.Cleanup(env.srv.Close)
	return env
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

type apiQuestion struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Responses map[string]struct {
		Text         string `json:"text"`
		HasRecording bool   `json:"has_recording"`
		Transcribed  bool   `json:"transcribed"`
	} `json:"responses"`
	TriggerCount int `json:"trigger_count"`
}

func createQuestion(t *testing.T, env *testEnv, question string) apiQuestion {
	t.Helper()
	resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/questions", map[string]any{
		"question": question,
		"responses": map[string]any{
			"comfort": map[string]string{"text": "Your keys are safe by the door."},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create question: status %d", resp.StatusCode)
	}
	var q apiQuestion
	decodeBody(t, resp, &q)
	return q
}

// ── question CRUD ────────────────────────────────────────────────────────────

func TestAPI_CreateAndGetQuestion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := createQuestion(t, env, "where are my keys")
	if created.ID == "" {
		t.Fatal("created question has no ID")
	}
	if created.Question != "where are my keys" {
		t.Errorf("question text: got %q", created.Question)
	}
	if created.Responses["comfort"].Text != "Your keys are safe by the door." {
		t.Errorf("comfort response: got %+v", created.Responses["comfort"])
	}

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/api/questions/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get question: status %d", resp.StatusCode)
	}
	var got apiQuestion
	decodeBody(t, resp, &got)
	if got.ID != created.ID {
		t.Errorf("get returned wrong question: %q", got.ID)
	}
}

func TestAPI_CreateRejectsEmptyQuestion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/questions", map[string]any{"question": ""})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty question, got %d", resp.StatusCode)
	}
}

func TestAPI_CreateRejectsUnknownCategory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/questions", map[string]any{
		"question":  "where is dinner",
		"responses": map[string]any{"solace": map[string]string{"text": "soon"}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown category, got %d", resp.StatusCode)
	}
}

func TestAPI_ListQuestions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	createQuestion(t, env, "where are my keys")
	createQuestion(t, env, "when is dinner")

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/api/questions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	var list []apiQuestion
	decodeBody(t, resp, &list)
	if len(list) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(list))
	}
	if list[0].Question != "where are my keys" || list[1].Question != "when is dinner" {
		t.Errorf("unexpected order: %q, %q", list[0].Question, list[1].Question)
	}
}

func TestAPI_UpdateQuestion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := createQuestion(t, env, "where are my keys")

	resp := doJSON(t, http.MethodPut, env.srv.URL+"/api/questions/"+created.ID, map[string]any{
		"question": "where did my keys go",
		"responses": map[string]any{
			"comfort": map[string]string{"text": "They are hanging by the door."},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: status %d", resp.StatusCode)
	}
	var updated apiQuestion
	decodeBody(t, resp, &updated)
	if updated.Question != "where did my keys go" {
		t.Errorf("question text not updated: %q", updated.Question)
	}
	if updated.Responses["comfort"].Text != "They are hanging by the door." {
		t.Errorf("response text not updated: %+v", updated.Responses["comfort"])
	}
}

func TestAPI_UpdateUnknownQuestion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodPut, env.srv.URL+"/api/questions/nope", map[string]any{
		"question": "anything",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAPI_DeleteQuestion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := createQuestion(t, env, "where are my keys")

	resp := doJSON(t, http.MethodDelete, env.srv.URL+"/api/questions/"+created.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, env.srv.URL+"/api/questions/"+created.ID, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

// ── recordings ───────────────────────────────────────────────────────────────

func uploadRecording(t *testing.T, env *testEnv, id, category string, audio []byte, mime string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="audio"; filename="answer.webm"`)
	hdr.Set("Content-Type", mime)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create multipart part: %v", err)
	}
	if _, err := part.Write(audio); err != nil {
		t.Fatalf("write audio part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	url := env.srv.URL + "/api/questions/" + id + "/recordings/" + category
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("build upload request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

func TestAPI_UploadRecordingTranscribes(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := createQuestion(t, env, "where are my keys")
	audio := []byte("not really webm")

	resp := uploadRecording(t, env, created.ID, "comfort", audio, "audio/webm")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: status %d", resp.StatusCode)
	}
	var uploaded apiQuestion
	decodeBody(t, resp, &uploaded)
	if !uploaded.Responses["comfort"].HasRecording {
		t.Error("comfort response should have a recording")
	}

	// The transcript lands in the background.
	waitFor(t, 2*time.Second, func() bool {
		q, err := env.store.Get(context.Background(), created.ID)
		if err != nil {
			return false
		}
		r := q.Responses[types.CategoryComfort]
		return r != nil && r.Transcribed
	})

	q, err := env.store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if got := q.Responses[types.CategoryComfort].Text; got != "where are my keys" {
		t.Errorf("transcript: got %q", got)
	}
	if calls := env.scribe.Calls(); len(calls) != 1 || calls[0].MimeType != "audio/webm" {
		t.Errorf("unexpected transcriber calls: %+v", calls)
	}
}

func TestAPI_UploadRecordingKeepsLabelOnTranscriberError(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.scribe.Err = errors.New("model unavailable")

	created := createQuestion(t, env, "where are my keys")
	resp := uploadRecording(t, env, created.ID, "redirect", []byte("audio"), "audio/ogg")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: status %d", resp.StatusCode)
	}

	// Give the background transcription a moment to fail.
	waitFor(t, 2*time.Second, func() bool { return len(env.scribe.Calls()) == 1 })
	time.Sleep(20 * time.Millisecond)

	q, err := env.store.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	r := q.Responses[types.CategoryRedirect]
	if r == nil || !r.HasRecording {
		t.Fatal("recording should still be saved")
	}
	if r.Transcribed {
		t.Error("response should not be marked transcribed after a provider error")
	}
	if r.Text != "Recorded answer" {
		t.Errorf("placeholder label: got %q", r.Text)
	}
}

func TestAPI_UploadRejectsUnknownCategory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := createQuestion(t, env, "where are my keys")
	resp := uploadRecording(t, env, created.ID, "solace", []byte("audio"), "audio/webm")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown category, got %d", resp.StatusCode)
	}
}

func TestAPI_FetchRecording(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := createQuestion(t, env, "where are my keys")
	audio := []byte{0x1a, 0x45, 0xdf, 0xa3}
	resp := uploadRecording(t, env, created.ID, "comfort", audio, "audio/webm")
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, env.srv.URL+"/api/questions/"+created.ID+"/recordings/comfort", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch recording: status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/webm" {
		t.Errorf("content type: got %q", ct)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(data, audio) {
		t.Errorf("audio bytes: got %v, want %v", data, audio)
	}
}

func TestAPI_FetchRecordingMissing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	created := createQuestion(t, env, "where are my keys")
	resp := doJSON(t, http.MethodGet, env.srv.URL+"/api/questions/"+created.ID+"/recordings/acknowledge", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unrecorded category, got %d", resp.StatusCode)
	}
}

// ── manual playback ──────────────────────────────────────────────────────────

func TestAPI_ManualPlay(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/manual-play", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("manual play: status %d", resp.StatusCode)
	}
	if env.arbiter.plays != 1 {
		t.Errorf("arbiter plays: got %d, want 1", env.arbiter.plays)
	}
}

func TestAPI_ManualPlayWithoutPrompt(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.arbiter.playErr = playback.ErrNoPendingPrompt

	resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/manual-play", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without a pending prompt, got %d", resp.StatusCode)
	}
}

func TestAPI_ManualDismiss(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodPost, env.srv.URL+"/api/manual-dismiss", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("manual dismiss: status %d", resp.StatusCode)
	}
	if env.arbiter.dismissals != 1 {
		t.Errorf("dismissals: got %d, want 1", env.arbiter.dismissals)
	}
}

func TestAPI_HealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp := doJSON(t, http.MethodGet, env.srv.URL+path, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}
}

func TestAPI_MetricsEndpoint(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	resp := doJSON(t, http.MethodGet, env.srv.URL+"/metrics", nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics body: %v", err)
	}
	if !strings.Contains(string(body), "# ") {
		t.Error("metrics output looks empty")
	}
}
