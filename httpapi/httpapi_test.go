package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jxucoder/muse/auth"
	"github.com/jxucoder/muse/eventbus"
	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/panel"
	"github.com/jxucoder/muse/store/sqlite"
	"github.com/jxucoder/muse/transport"
)

// testHandler builds a Handler wired to a real SQLite store, an in-memory
// bus and a fake backend served by backend.
func testHandler(t *testing.T, backend http.HandlerFunc) (*Handler, *sqlite.Store) {
	t.Helper()
	if backend == nil {
		backend = func(w http.ResponseWriter, r *http.Request) {
			http.NotFound(w, r)
		}
	}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	st, err := sqlite.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := New(Config{
		Deps: &panel.Deps{
			Factory:   transport.NewFactory(srv.URL),
			Bus:       eventbus.New(),
			Store:     st,
			History:   st,
			EmailPoll: 10 * time.Millisecond,
			MediaPoll: 10 * time.Millisecond,
			Context:   ctx,
		},
		Auth: auth.New(srv.URL),
	})
	t.Cleanup(h.Close)
	return h, st
}

func doJSON(h *Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func doMultipart(t *testing.T, h *Handler, path string, fields map[string]string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	for name, content := range files {
		field, filename, _ := strings.Cut(name, ":")
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write([]byte(content))
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp.Error
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := testHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Fatalf("expected 'ok', got %q", w.Body.String())
	}
}

func TestEmailParse(t *testing.T) {
	h, _ := testHandler(t, nil)

	w := doJSON(h, http.MethodPost, "/api/email/parse", `{"text":"Subject: Hello\n\nBody line"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["subject"] != "Hello" || resp["body"] != "Body line" {
		t.Fatalf("unexpected parse result %v", resp)
	}
}

func TestEmailGenerateMissingPrompt(t *testing.T) {
	h, _ := testHandler(t, nil)

	w := doJSON(h, http.MethodPost, "/api/email/generate", `{"prompt":"   "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEmailGenerateInvalidTransport(t *testing.T) {
	h, _ := testHandler(t, nil)

	w := doJSON(h, http.MethodPost, "/api/email/generate", `{"prompt":"hi","transport":"carrier-pigeon"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if msg := decodeError(t, w); !strings.Contains(msg, "unsupported transport") {
		t.Fatalf("unexpected error %q", msg)
	}
}

func TestEmailGenerateStreamsDraft(t *testing.T) {
	h, st := testHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/email/stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"token\":\"Subject: Launch\\n\\n\"}\n\n"))
		w.Write([]byte("data: {\"token\":\"We are live.\"}\n\n"))
		w.Write([]byte("data: {\"done\":true}\n\n"))
	})

	w := doJSON(h, http.MethodPost, "/api/email/generate", `{"prompt":"launch email","transport":"sse"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var created sessionResponse
	json.NewDecoder(w.Body).Decode(&created)
	if created.SessionID == "" {
		t.Fatal("expected a session id")
	}

	var draft draftResponse
	waitFor(t, "draft", func() bool {
		w := doJSON(h, http.MethodGet, "/api/email/"+created.SessionID, "")
		json.NewDecoder(w.Body).Decode(&draft)
		return draft.Status == model.StreamDone
	})
	if draft.Subject != "Launch" || draft.Body != "We are live." {
		t.Fatalf("unexpected draft %+v", draft)
	}

	waitFor(t, "stored messages", func() bool {
		msgs, _ := st.GetMessages(created.SessionID)
		return len(msgs) == 2
	})
	w = doJSON(h, http.MethodGet, "/api/sessions/"+created.SessionID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for session, got %d", w.Code)
	}
}

func TestIdleEmailSessionsAreReleased(t *testing.T) {
	h, st := testHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"token\":\"Subject: Hi\\n\\nBody\"}\n\n"))
		w.Write([]byte("data: [DONE]\n\n"))
	})
	h.emailIdle = 0

	generate := func(body string) string {
		t.Helper()
		w := doJSON(h, http.MethodPost, "/api/email/generate", body)
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
		}
		var created sessionResponse
		json.NewDecoder(w.Body).Decode(&created)
		return created.SessionID
	}
	messages := func(id string) int {
		msgs, _ := st.GetMessages(id)
		return len(msgs)
	}

	first := generate(`{"prompt":"first","transport":"sse"}`)
	waitFor(t, "first draft", func() bool {
		var draft draftResponse
		w := doJSON(h, http.MethodGet, "/api/email/"+first, "")
		json.NewDecoder(w.Body).Decode(&draft)
		return draft.Status == model.StreamDone && messages(first) == 2
	})

	second := generate(`{"prompt":"second","transport":"sse"}`)
	if w := doJSON(h, http.MethodGet, "/api/email/"+first, ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected finished session to be released, got %d", w.Code)
	}
	if w := doJSON(h, http.MethodGet, "/api/email/"+second, ""); w.Code != http.StatusOK {
		t.Fatalf("expected the new session to be held, got %d", w.Code)
	}

	// A released session resumes from the store.
	if again := generate(`{"session_id":"` + first + `","prompt":"shorter","transport":"sse"}`); again != first {
		t.Fatalf("expected session %s to resume, got %s", first, again)
	}
	waitFor(t, "resumed draft stored", func() bool { return messages(first) == 4 })
}

func TestEmailRegenerateUnknownSession(t *testing.T) {
	h, _ := testHandler(t, nil)

	w := doJSON(h, http.MethodPost, "/api/email/regenerate", `{"session_id":"missing"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestBulkEmailMissingSubject(t *testing.T) {
	var hits int
	var mu sync.Mutex
	h, _ := testHandler(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	})

	w := doMultipart(t, h, "/api/email/bulk",
		map[string]string{"body": "Hi there"},
		map[string]string{"file:list.csv": "email\na@example.com\n"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if msg := decodeError(t, w); msg != "Subject is required." {
		t.Fatalf("unexpected error %q", msg)
	}
	mu.Lock()
	defer mu.Unlock()
	if hits != 0 {
		t.Fatalf("validation failure should not reach the backend, got %d requests", hits)
	}
}

func TestTranscribeUpstreamError(t *testing.T) {
	h, _ := testHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":"Unsupported codec"}`))
	})

	w := doMultipart(t, h, "/api/speech/transcribe", nil,
		map[string]string{"file:meeting.mp3": "ID3audio"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if msg := decodeError(t, w); msg != "Unsupported codec" {
		t.Fatalf("expected verbatim server detail, got %q", msg)
	}
}

func TestTranscribeTracksTask(t *testing.T) {
	h, _ := testHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/stt/transcribe":
			if err := r.ParseMultipartForm(1 << 20); err != nil || r.FormValue("language") != "en" {
				http.Error(w, "language not forwarded", http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"task_id":"stt-1"}`))
		case "/stt/tasks/stt-1":
			w.Write([]byte(`{"state":"SUCCESS","result":{"text":"minutes of the meeting"}}`))
		default:
			http.NotFound(w, r)
		}
	})

	w := doMultipart(t, h, "/api/speech/transcribe",
		map[string]string{"language": "en"},
		map[string]string{"file:meeting.wav": "RIFF"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp taskResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.TaskID != "stt-1" {
		t.Fatalf("unexpected task id %q", resp.TaskID)
	}

	var task model.Task
	waitFor(t, "finished task", func() bool {
		w := doJSON(h, http.MethodGet, "/api/tasks/stt-1", "")
		json.NewDecoder(w.Body).Decode(&task)
		return task.State == model.TaskSuccess && task.Result != ""
	})
	if task.Result != "minutes of the meeting" || task.Kind != model.TaskTranscription {
		t.Fatalf("unexpected task %+v", task)
	}

	w = doJSON(h, http.MethodGet, "/api/tasks", "")
	var tasks []model.Task
	json.NewDecoder(w.Body).Decode(&tasks)
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(tasks))
	}
}

func TestTaskNotFound(t *testing.T) {
	h, _ := testHandler(t, nil)

	if w := doJSON(h, http.MethodGet, "/api/tasks/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := doJSON(h, http.MethodPost, "/api/tasks/nope/cancel", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on cancel, got %d", w.Code)
	}
}

func TestListTasksEmpty(t *testing.T) {
	h, _ := testHandler(t, nil)

	w := doJSON(h, http.MethodGet, "/api/tasks", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("expected empty array, got %q", w.Body.String())
	}
}

func TestImageTransformRejectsWrongType(t *testing.T) {
	h, _ := testHandler(t, nil)

	w := doMultipart(t, h, "/api/images/transform",
		map[string]string{"prompt": "watercolor"},
		map[string]string{"file:notes.txt": "not an image"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestEnginesListAndStart(t *testing.T) {
	var mu sync.Mutex
	started := false
	h, _ := testHandler(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/engines/image/start":
			started = true
			w.Write([]byte(`{"ok":true}`))
		case r.URL.Path == "/engines/image/status" && !started:
			w.Write([]byte(`{"status":"stopped"}`))
		case strings.HasSuffix(r.URL.Path, "/status"):
			w.Write([]byte(`{"online":true}`))
		default:
			http.NotFound(w, r)
		}
	})

	w := doJSON(h, http.MethodGet, "/api/engines?refresh=true", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var statuses []panel.EngineStatus
	json.NewDecoder(w.Body).Decode(&statuses)
	if len(statuses) != len(panel.Engines) {
		t.Fatalf("expected %d engines, got %d", len(panel.Engines), len(statuses))
	}
	for _, s := range statuses {
		if want := s.Name != panel.EngineImage; s.Online != want {
			t.Fatalf("engine %s online = %v", s.Name, s.Online)
		}
	}

	w = doJSON(h, http.MethodPost, "/api/engines/image/start", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	var st panel.EngineStatus
	json.NewDecoder(w.Body).Decode(&st)
	if !st.Starting {
		t.Fatalf("expected starting status, got %+v", st)
	}

	if w := doJSON(h, http.MethodPost, "/api/engines/video/start", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown engine, got %d", w.Code)
	}
}

func TestLoRAFavorite(t *testing.T) {
	h, _ := testHandler(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/lora/models":
			w.Write([]byte(`[{"id":"m1","name":"Ink","favorite":false}]`))
		case "/lora/models/m1/favorite":
			w.Write([]byte(`{"ok":true}`))
		default:
			http.NotFound(w, r)
		}
	})

	w := doJSON(h, http.MethodPost, "/api/lora/m1/favorite", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID       string `json:"id"`
		Favorite bool   `json:"favorite"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.ID != "m1" || !resp.Favorite {
		t.Fatalf("unexpected toggle response %+v", resp)
	}

	if w := doJSON(h, http.MethodPost, "/api/lora/ghost/favorite", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown model, got %d", w.Code)
	}
}

func TestLoginPersistsToken(t *testing.T) {
	h, _ := testHandler(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/login":
			var body loginRequest
			json.NewDecoder(r.Body).Decode(&body)
			if body.Password != "hunter2" {
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"detail":"Invalid credentials"}`))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token":"tok-1"}`))
		case "/auth/logout":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	var saved []string
	h.saveToken = func(token string) error {
		saved = append(saved, token)
		return nil
	}

	w := doJSON(h, http.MethodPost, "/api/auth/login", `{"username":"ada","password":"wrong"}`)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if msg := decodeError(t, w); msg != "Invalid credentials" {
		t.Fatalf("unexpected error %q", msg)
	}

	w = doJSON(h, http.MethodPost, "/api/auth/login", `{"username":"ada","password":"hunter2"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	w = doJSON(h, http.MethodGet, "/api/auth/status", "")
	var status authStatusResponse
	json.NewDecoder(w.Body).Decode(&status)
	if !status.Authenticated || status.Username != "ada" {
		t.Fatalf("unexpected status %+v", status)
	}

	doJSON(h, http.MethodPost, "/api/auth/logout", "")
	if len(saved) != 2 || saved[0] != "tok-1" || saved[1] != "" {
		t.Fatalf("unexpected saved tokens %q", saved)
	}
}

func TestEventsReplaysStoredTopic(t *testing.T) {
	h, st := testHandler(t, nil)
	if err := st.AddEvent(&model.Event{Topic: "task-9", Type: "task", Data: `{"id":"task-9"}`}); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?topic=task-9", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() && len(lines) < 3 {
		lines = append(lines, sc.Text())
	}
	if len(lines) < 3 || lines[0] != "id: 1" || lines[1] != "event: task" || !strings.HasPrefix(lines[2], "data: ") {
		t.Fatalf("unexpected SSE frame %q", lines)
	}

	// Live events follow the replay.
	h.deps.Bus.Emit("task-9", "task", "live")
	lines = lines[:0]
	for sc.Scan() {
		if line := sc.Text(); strings.HasPrefix(line, "data: ") {
			lines = append(lines, line)
			break
		}
	}
	if len(lines) != 1 || !strings.Contains(lines[0], `"data":"live"`) {
		t.Fatalf("unexpected live frame %q", lines)
	}
}
