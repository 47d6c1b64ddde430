// Package httpapi serves the dashboard API over the panel controllers.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jxucoder/muse/auth"
	"github.com/jxucoder/muse/eventbus"
	"github.com/jxucoder/muse/internal/logging"
	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/panel"
	"github.com/jxucoder/muse/poller"
	"github.com/jxucoder/muse/store"
	"github.com/jxucoder/muse/stream"
	"github.com/jxucoder/muse/transport"
	"github.com/jxucoder/muse/upload"
)

// maxUpload bounds multipart bodies. The largest preset allows 100MB.
const maxUpload = 110 << 20

// emailIdle is how long a finished email session stays in memory. Its
// history is reloaded from the store when the session is used again.
const emailIdle = 30 * time.Minute

// Config wires the handler to the running panels.
type Config struct {
	Deps    *panel.Deps
	Auth    *auth.Context
	Engines *panel.EngineMonitor
	LoRA    *panel.LoRALibrary
	// SaveToken persists the token after login and logout. Optional.
	SaveToken func(token string) error
}

// Handler wraps the dashboard API.
type Handler struct {
	deps      *panel.Deps
	ctx       context.Context
	auth      *auth.Context
	engines   *panel.EngineMonitor
	lora      *panel.LoRALibrary
	saveToken func(string) error
	logger    *zap.Logger
	router    chi.Router

	mu        sync.Mutex
	emails    map[string]*emailEntry
	emailIdle time.Duration
	bulk      *panel.EmailAssistant
}

type emailEntry struct {
	assistant *panel.EmailAssistant
	used      time.Time
}

// New creates a new HTTP API handler.
func New(cfg Config) *Handler {
	d := cfg.Deps
	if d.Tasks == nil {
		d.Tasks = panel.NewTasks()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Context == nil {
		d.Context = context.Background()
	}
	h := &Handler{
		deps:      d,
		ctx:       d.Context,
		auth:      cfg.Auth,
		engines:   cfg.Engines,
		lora:      cfg.LoRA,
		saveToken: cfg.SaveToken,
		logger:    d.Logger,
		emails:    make(map[string]*emailEntry),
		emailIdle: emailIdle,
	}
	if h.engines == nil {
		h.engines = panel.NewEngineMonitor(d)
	}
	if h.lora == nil {
		h.lora = panel.NewLoRALibrary(d)
	}
	h.router = h.buildRouter()
	return h
}

// Router returns the chi router for mounting.
func (h *Handler) Router() chi.Router {
	return h.router
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// Close releases the email sessions held by the handler.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, e := range h.emails {
		e.assistant.Close()
		delete(h.emails, id)
	}
	if h.bulk != nil {
		h.bulk.Close()
		h.bulk = nil
	}
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestContext)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/email/generate", h.handleEmailGenerate)
			r.Post("/email/regenerate", h.handleEmailRegenerate)
			r.Post("/email/cancel", h.handleEmailCancel)
			r.Post("/email/parse", h.handleEmailParse)
			r.Get("/email/{id}", h.handleEmailDraft)

			r.Post("/images/generate", h.handleTextToImage)
			r.Post("/tts", h.handleSpeak)

			r.Get("/tasks", h.handleListTasks)
			r.Get("/tasks/{id}", h.handleGetTask)
			r.Post("/tasks/{id}/cancel", h.handleCancelTask)

			r.Get("/sessions/{id}", h.handleGetSession)
			r.Get("/sessions/{id}/messages", h.handleGetMessages)

			r.Get("/engines", h.handleListEngines)
			r.Post("/engines/{name}/start", h.handleStartEngine)

			r.Get("/lora", h.handleListLoRA)
			r.Post("/lora/{id}/favorite", h.handleToggleFavorite)

			r.Post("/auth/login", h.handleLogin)
			r.Post("/auth/logout", h.handleLogout)
			r.Get("/auth/status", h.handleAuthStatus)
		})

		// Uploads can take longer than the default timeout.
		r.Post("/email/bulk", h.handleBulkEmail)
		r.Post("/images/transform", h.handleImageToImage)
		r.Post("/voice/clone", h.handleVoiceClone)
		r.Post("/speech/transcribe", h.handleTranscribe)
		r.Post("/lora/train", h.handleTrainLoRA)

		// SSE stream stays open.
		r.Get("/events", h.handleEvents)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type emailRequest struct {
	SessionID string              `json:"session_id"`
	Prompt    string              `json:"prompt"`
	Transport model.TransportKind `json:"transport,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

type draftResponse struct {
	SessionID string             `json:"session_id"`
	Status    model.StreamStatus `json:"status"`
	Text      string             `json:"text"`
	Subject   string             `json:"subject"`
	Body      string             `json:"body"`
}

type parseRequest struct {
	Text string `json:"text"`
}

type taskResponse struct {
	TaskID string `json:"task_id"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authStatusResponse struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Email ---

func (h *Handler) handleEmailGenerate(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	switch req.Transport {
	case "", model.TransportWebSocket, model.TransportSSE, model.TransportOneShot:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported transport %q", req.Transport))
		return
	}

	e, err := h.emailAssistant(req.SessionID, req.Transport)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if err := e.Generate(h.ctx, req.Prompt); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sessionResponse{SessionID: e.Session().ID()})
}

func (h *Handler) handleEmailRegenerate(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, ok := h.lookupEmail(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := e.Regenerate(h.ctx); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sessionResponse{SessionID: req.SessionID})
}

func (h *Handler) handleEmailCancel(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	e, ok := h.lookupEmail(req.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": e.Cancel()})
}

func (h *Handler) handleEmailDraft(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e, ok := h.lookupEmail(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	subject, body := e.Draft()
	writeJSON(w, http.StatusOK, draftResponse{
		SessionID: id,
		Status:    e.Session().Status(),
		Text:      e.Session().Text(),
		Subject:   subject,
		Body:      body,
	})
}

func (h *Handler) handleEmailParse(w http.ResponseWriter, r *http.Request) {
	var req parseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	subject, body := panel.ParseEmail(req.Text)
	writeJSON(w, http.StatusOK, map[string]string{"subject": subject, "body": body})
}

func (h *Handler) handleBulkEmail(w http.ResponseWriter, r *http.Request) {
	form, ok := parseUpload(w, r)
	if !ok {
		return
	}
	e, err := h.bulkSender(formValue(form, "session_id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	handle, err := e.SendBulk(r.Context(), panel.BulkEmail{
		Subject:     formValue(form, "subject"),
		Body:        formValue(form, "body"),
		Recipients:  uploadSet(form, "file"),
		Attachments: uploadSet(form, "attachments"),
	})
	h.writeTask(w, r, handle, err)
}

// emailAssistant returns the assistant for id, creating it (and resuming
// its stored history) when the handler does not hold it yet.
func (h *Handler) emailAssistant(id string, kind model.TransportKind) (*panel.EmailAssistant, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	h.evictIdleLocked(now, id)
	if e, ok := h.emails[id]; ok && id != "" {
		e.used = now
		return e.assistant, nil
	}
	a, err := panel.NewEmailAssistant(h.ctx, h.deps, panel.EmailOptions{Transport: kind, SessionID: id})
	if err != nil {
		return nil, err
	}
	h.emails[a.Session().ID()] = &emailEntry{assistant: a, used: now}
	return a, nil
}

// evictIdleLocked closes sessions that finished and sat unused for
// emailIdle, except keep.
func (h *Handler) evictIdleLocked(now time.Time, keep string) {
	for id, e := range h.emails {
		if id == keep || e.assistant.Session().InFlight() || now.Sub(e.used) < h.emailIdle {
			continue
		}
		e.assistant.Close()
		delete(h.emails, id)
	}
}

func (h *Handler) lookupEmail(id string) (*panel.EmailAssistant, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.emails[id]
	if !ok {
		return nil, false
	}
	e.used = time.Now()
	return e.assistant, true
}

func (h *Handler) bulkSender(id string) (*panel.EmailAssistant, error) {
	if e, ok := h.lookupEmail(id); ok {
		return e, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bulk == nil {
		e, err := panel.NewEmailAssistant(h.ctx, h.deps, panel.EmailOptions{})
		if err != nil {
			return nil, err
		}
		h.bulk = e
	}
	return h.bulk, nil
}

// --- Images ---

func (h *Handler) handleTextToImage(w http.ResponseWriter, r *http.Request) {
	var req panel.ImageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := panel.NewTextToImage(h.ctx, h.deps, nil)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if err := p.Generate(h.ctx, req); err != nil {
		p.Close()
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sessionResponse{SessionID: p.Session().ID()})
}

func (h *Handler) handleImageToImage(w http.ResponseWriter, r *http.Request) {
	form, ok := parseUpload(w, r)
	if !ok {
		return
	}
	req := panel.ImageRequest{
		Prompt:         formValue(form, "prompt"),
		NegativePrompt: formValue(form, "negative_prompt"),
		LoRA:           formValue(form, "lora"),
		Width:          formInt(form, "width"),
		Height:         formInt(form, "height"),
		Steps:          formInt(form, "steps"),
	}
	if s := formValue(form, "strength"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < 0 || f > 1 {
			writeError(w, http.StatusBadRequest, "strength must be between 0 and 1")
			return
		}
		req.Strength = f
	}

	p, err := panel.NewImageToImage(h.ctx, h.deps, nil)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if err := p.Transform(h.ctx, req, uploadSet(form, "file")); err != nil {
		p.Close()
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sessionResponse{SessionID: p.Session().ID()})
}

// --- Voice and speech ---

func (h *Handler) handleVoiceClone(w http.ResponseWriter, r *http.Request) {
	form, ok := parseUpload(w, r)
	if !ok {
		return
	}
	handle, err := panel.NewVoiceClone(h.deps).Clone(r.Context(), panel.CloneRequest{
		Text:     formValue(form, "text"),
		Name:     formValue(form, "name"),
		Language: formValue(form, "language"),
		Sample:   uploadSet(form, "file"),
	})
	h.writeTask(w, r, handle, err)
}

func (h *Handler) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req panel.SpeechRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	audio, err := panel.NewTextToSpeech(h.deps).Speak(r.Context(), req)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	contentType := audio.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(audio.Data)
}

func (h *Handler) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	form, ok := parseUpload(w, r)
	if !ok {
		return
	}
	handle, err := panel.NewSpeechToText(h.deps).Transcribe(r.Context(), panel.TranscribeRequest{
		Media:    uploadSet(form, "file"),
		Language: formValue(form, "language"),
	})
	h.writeTask(w, r, handle, err)
}

// --- Tasks ---

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := []*model.Task{}
	if h.deps.Store != nil {
		limit := 50
		if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 {
			limit = n
		}
		list, err := h.deps.Store.ListTasks(limit)
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		if list != nil {
			tasks = list
		}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.deps.Store != nil {
		task, err := h.deps.Store.GetTask(id)
		if err == nil {
			writeJSON(w, http.StatusOK, task)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			h.writeFailure(w, r, err)
			return
		}
	}
	if handle, ok := h.deps.Tasks.Get(id); ok {
		writeJSON(w, http.StatusOK, &model.Task{ID: id, State: handle.State()})
		return
	}
	writeError(w, http.StatusNotFound, "task not found")
}

func (h *Handler) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Tasks.Cancel(id); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: id})
}

// --- Sessions and events ---

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	sess, err := h.deps.Store.GetSession(chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	msgs := []*model.Message{}
	if h.deps.Store != nil {
		list, err := h.deps.Store.GetMessages(chi.URLParam(r, "id"))
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		if list != nil {
			msgs = list
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleEvents relays bus events as SSE. With ?topic= it first replays the
// stored events of that topic after Last-Event-ID.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "events are not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = eventbus.All
	}

	// Subscribe before replaying so nothing falls between the two.
	ch := h.deps.Bus.Subscribe(topic)
	defer h.deps.Bus.Unsubscribe(topic, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var lastID int64
	if topic != eventbus.All && h.deps.Store != nil {
		after, _ := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64)
		events, err := h.deps.Store.GetEvents(topic, after)
		if err != nil {
			logging.WithContext(r.Context(), h.logger).Warn("loading events", zap.String("topic", topic), zap.Error(err))
		}
		for _, e := range events {
			writeSSE(w, h.logger, e)
			lastID = e.ID
		}
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.ID != 0 && event.ID <= lastID {
				continue
			}
			writeSSE(w, h.logger, event)
			flusher.Flush()
		}
	}
}

// --- Engines ---

func (h *Handler) handleListEngines(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "true" {
		h.engines.Refresh(r.Context())
	}
	writeJSON(w, http.StatusOK, h.engines.Snapshot())
}

func (h *Handler) handleStartEngine(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.engines.StartEngine(r.Context(), name); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	st, _ := h.engines.Status(name)
	writeJSON(w, http.StatusAccepted, st)
}

// --- LoRA ---

func (h *Handler) handleListLoRA(w http.ResponseWriter, r *http.Request) {
	models, err := h.lora.Refresh(r.Context())
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if models == nil {
		models = []panel.LoRAView{}
	}
	writeJSON(w, http.StatusOK, models)
}

func (h *Handler) handleToggleFavorite(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if len(h.lora.Canonical()) == 0 {
		if _, err := h.lora.Refresh(r.Context()); err != nil {
			h.writeFailure(w, r, err)
			return
		}
	}
	favorite, err := h.lora.ToggleFavorite(r.Context(), id)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "favorite": favorite})
}

func (h *Handler) handleTrainLoRA(w http.ResponseWriter, r *http.Request) {
	form, ok := parseUpload(w, r)
	if !ok {
		return
	}
	images := uploadSet(form, "images")
	for i := range images.Files {
		images.Files[i].Caption = formValue(form, fmt.Sprintf("captions[%d]", i))
	}
	handle, err := h.lora.Train(r.Context(), panel.TrainRequest{
		Name:        formValue(form, "name"),
		TriggerWord: formValue(form, "trigger_word"),
		Steps:       formInt(form, "steps"),
		Images:      images,
	})
	h.writeTask(w, r, handle, err)
}

// --- Auth ---

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		writeError(w, http.StatusServiceUnavailable, "authentication is not configured")
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.auth.Login(r.Context(), req.Username, req.Password); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	h.persistToken(r, h.auth.Token())
	writeJSON(w, http.StatusOK, authStatusResponse{Authenticated: true, Username: h.auth.Username()})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil {
		h.auth.Logout(r.Context())
		h.persistToken(r, "")
	}
	writeJSON(w, http.StatusOK, authStatusResponse{})
}

func (h *Handler) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	if h.auth == nil {
		writeJSON(w, http.StatusOK, authStatusResponse{})
		return
	}
	writeJSON(w, http.StatusOK, authStatusResponse{
		Authenticated: h.auth.IsAuthenticated(),
		Username:      h.auth.Username(),
	})
}

func (h *Handler) persistToken(r *http.Request, token string) {
	if h.saveToken == nil {
		return
	}
	if err := h.saveToken(token); err != nil {
		logging.WithContext(r.Context(), h.logger).Warn("saving token", zap.Error(err))
	}
}

// --- Helpers ---

func (h *Handler) writeTask(w http.ResponseWriter, r *http.Request, handle *poller.Handle, err error) {
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, taskResponse{TaskID: handle.TaskID()})
}

// writeFailure maps panel errors onto status codes. Client-side validation
// is 400, backend rejections are 502 with the backend's detail.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var ve *upload.ValidationError
	var se *transport.ServerError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Message)
	case errors.Is(err, stream.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, stream.ErrInFlight), errors.Is(err, panel.ErrTogglePending):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, stream.ErrNothingToRegenerate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, panel.ErrUnknownTask),
		errors.Is(err, panel.ErrUnknownModel), errors.Is(err, panel.ErrUnknownEngine):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, transport.UserMessage(err))
	case errors.As(err, &se):
		writeError(w, http.StatusBadGateway, transport.UserMessage(se))
	default:
		logging.WithContext(r.Context(), h.logger).Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusBadGateway, transport.GenericFailure)
	}
}

// requestContext carries chi's request id into the logging context.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(logging.WithRequestID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func parseUpload(w http.ResponseWriter, r *http.Request) (*multipart.Form, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds "+upload.FormatSize(maxUpload))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return nil, false
	}
	return r.MultipartForm, true
}

// uploadSet adapts the form files under field. The files stay readable
// until the request ends, which outlives the synchronous encode.
func uploadSet(form *multipart.Form, field string) upload.Set {
	var set upload.Set
	for _, fh := range form.File[field] {
		set.Add(upload.File{
			Name: fh.Filename,
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	return set
}

func formValue(form *multipart.Form, field string) string {
	return url.Values(form.Value).Get(field)
}

func formInt(form *multipart.Form, field string) int {
	n, _ := strconv.Atoi(formValue(form, field))
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("writeJSON encode error", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, logger *zap.Logger, event *model.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Warn("writeSSE marshal error", zap.Error(err))
		return
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data); err != nil {
		logger.Debug("writeSSE write error", zap.Error(err))
	}
}
