// Package panel implements the dashboard's feature controllers. Each panel
// composes streaming sessions and task pollers with its own form rules, and
// is the only layer that turns failures into user-visible messages.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/muse/eventbus"
	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/notify"
	"github.com/jxucoder/muse/poller"
	"github.com/jxucoder/muse/store"
	"github.com/jxucoder/muse/stream"
	"github.com/jxucoder/muse/transport"
	"github.com/jxucoder/muse/upload"
)

// Engine names used for endpoint overrides and status checks.
const (
	EngineLLM   = "llm"
	EngineImage = "image"
	EngineTTS   = "tts"
	EngineSTT   = "stt"
	EngineLoRA  = "lora"
)

// Engines lists every engine in display order.
var Engines = []string{EngineLLM, EngineImage, EngineTTS, EngineSTT, EngineLoRA}

// ErrUnknownTask is returned for task ids no panel is tracking.
var ErrUnknownTask = errors.New("unknown task")

// Deps are the collaborators shared by all panels. Only Factory is required.
type Deps struct {
	Factory  *transport.Factory
	Bus      *eventbus.Bus
	Store    store.Store
	History  store.HistoryStore
	Notifier notify.Notifier
	Tasks    *Tasks
	Logger   *zap.Logger

	HistoryCap    int
	StreamTimeout time.Duration
	TaskTimeout   time.Duration
	// EmailPoll and MediaPoll override the job poll intervals.
	EmailPoll time.Duration
	MediaPoll time.Duration
	// ArtifactDir receives binary job results. Empty keeps them in memory only.
	ArtifactDir string
	// Context scopes background polling; cancelling it stops every poller.
	Context context.Context
}

func (d *Deps) withDefaults() *Deps {
	c := *d
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Notifier == nil {
		c.Notifier = notify.Noop()
	}
	if c.Tasks == nil {
		c.Tasks = NewTasks()
	}
	if c.Context == nil {
		c.Context = context.Background()
	}
	if c.EmailPoll <= 0 {
		c.EmailPoll = poller.EmailInterval
	}
	if c.MediaPoll <= 0 {
		c.MediaPoll = poller.MediaInterval
	}
	return &c
}

func (d *Deps) emit(topic, typ string, data any) {
	if d.Bus == nil {
		return
	}
	var s string
	switch v := data.(type) {
	case string:
		s = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			d.Logger.Warn("encoding event", zap.String("type", typ), zap.Error(err))
			return
		}
		s = string(b)
	}
	ev := &model.Event{Topic: topic, Type: typ, Data: s}
	// Text fragments are rebuilt from the outcome; everything else is kept
	// so late subscribers can replay a topic.
	if d.Store != nil && typ != "text" {
		if err := d.Store.AddEvent(ev); err != nil {
			d.Logger.Warn("persisting event", zap.String("topic", topic), zap.Error(err))
		}
	}
	d.Bus.Publish(ev)
}

// --- Streaming sessions ---

// OutcomeEvent is the payload of "outcome" events.
type OutcomeEvent struct {
	Status  model.StreamStatus `json:"status"`
	Text    string             `json:"text"`
	Message string             `json:"message,omitempty"`
}

// tracker mirrors a stream session onto the bus and the store.
type tracker struct {
	d   *Deps
	mu  sync.Mutex
	rec model.Session
}

func (d *Deps) newSession(ctx context.Context, panel model.Panel, kind model.TransportKind, endpoint string, cfg stream.Config, extra stream.Observer) (*stream.Session, error) {
	adapter, err := d.Factory.Adapter(kind)
	if err != nil {
		return nil, err
	}
	cfg.Transport = kind
	cfg.Endpoint = endpoint
	if cfg.HistoryCap == 0 {
		cfg.HistoryCap = d.HistoryCap
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = d.StreamTimeout
	}

	if cfg.ID != "" && d.History != nil {
		turns, err := d.History.LoadTurns(ctx, cfg.ID, cfg.HistoryCap*2)
		if err != nil {
			d.Logger.Warn("loading history", zap.String("session_id", cfg.ID), zap.Error(err))
		} else {
			cfg.History = turns
		}
	}

	t := &tracker{d: d}
	var obs stream.Observer = t
	if extra != nil {
		obs = stream.Observers{t, extra}
	}
	sess := stream.New(adapter, cfg, obs, d.Logger.With(zap.String("panel", string(panel))))

	t.rec = model.Session{ID: sess.ID(), Panel: panel, Transport: kind, Status: model.StreamIdle}
	if d.Store != nil {
		if _, err := d.Store.GetSession(sess.ID()); errors.Is(err, store.ErrNotFound) {
			if err := d.Store.CreateSession(&t.rec); err != nil {
				d.Logger.Warn("persisting session", zap.String("session_id", sess.ID()), zap.Error(err))
			}
		}
	}
	return sess, nil
}

func (t *tracker) OnText(text string) {
	t.d.emit(t.rec.ID, "text", text)
}

func (t *tracker) OnStatus(status model.StreamStatus) {
	t.mu.Lock()
	t.rec.Status = status
	t.mu.Unlock()
	t.d.emit(t.rec.ID, "status", string(status))
}

func (t *tracker) OnOutcome(o stream.Outcome) {
	t.mu.Lock()
	t.rec.Status = o.Status
	t.rec.Prompt = o.Prompt
	t.rec.Text = o.Text
	t.rec.Error = ""
	if o.Status != model.StreamDone {
		t.rec.Error = o.Message
	}
	rec := t.rec
	t.mu.Unlock()

	d := t.d
	if d.Store != nil {
		if err := d.Store.UpdateSession(&rec); err != nil {
			d.Logger.Warn("updating session", zap.String("session_id", rec.ID), zap.Error(err))
		}
	}
	if o.Status == model.StreamDone && d.History != nil {
		err := d.History.AppendTurns(context.Background(), rec.ID,
			model.Turn{Role: model.RoleUser, Content: o.Prompt},
			model.Turn{Role: model.RoleAssistant, Content: o.Text},
		)
		if err != nil {
			d.Logger.Warn("saving turns", zap.String("session_id", rec.ID), zap.Error(err))
		}
	}
	d.emit(rec.ID, "outcome", OutcomeEvent{Status: o.Status, Text: o.Text, Message: o.Message})
}

// --- Background jobs ---

type jobResponse struct {
	TaskID string `json:"task_id"`
	ID     string `json:"id"`
}

// submitJob posts a multipart form and returns the task id the backend issued.
func (d *Deps) submitJob(ctx context.Context, engine, path string, fields map[string]string, parts ...upload.Part) (string, error) {
	body, contentType, err := upload.Encode(fields, parts...)
	if err != nil {
		return "", fmt.Errorf("encoding upload: %w", err)
	}
	req, err := d.Factory.NewRequest(ctx, http.MethodPost, d.Factory.URL(engine, path), body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := d.Factory.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var jr jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		return "", fmt.Errorf("decoding job response: %w", err)
	}
	id := jr.TaskID
	if id == "" {
		id = jr.ID
	}
	if id == "" {
		return "", errors.New("backend did not return a task id")
	}
	return id, nil
}

// jobPoller builds a poller whose updates are persisted, published and,
// when terminal, announced.
func (d *Deps) jobPoller(kind model.TaskKind, engine, prefix string, describe func(poller.Result) string) *poller.Poller {
	return poller.New(d.Factory, poller.Config{
		StatusURL:   func(id string) string { return d.Factory.URL(engine, prefix+"/"+id) },
		CancelURL:   func(id string) string { return d.Factory.URL(engine, prefix+"/"+id+"/cancel") },
		MaxDuration: d.TaskTimeout,
		OnUpdate:    func(r poller.Result) { d.recordTask(kind, r, describe) },
	}, d.Logger)
}

// startJob polls taskID unless a live handle for it already exists, in
// which case that handle is returned.
func (d *Deps) startJob(kind model.TaskKind, p *poller.Poller, taskID string, interval time.Duration) *poller.Handle {
	return d.Tasks.start(d.Context, taskID, func() *poller.Handle {
		d.recordTask(kind, poller.Result{TaskID: taskID, State: model.TaskPending}, nil)
		return p.Start(d.Context, taskID, interval)
	})
}

func (d *Deps) recordTask(kind model.TaskKind, r poller.Result, describe func(poller.Result) string) {
	task := &model.Task{ID: r.TaskID, Kind: kind, State: r.State, ContentType: r.ContentType}
	if d.Store != nil {
		if prev, err := d.Store.GetTask(r.TaskID); err == nil {
			task.CreatedAt = prev.CreatedAt
		}
	}

	switch r.State {
	case model.TaskSuccess:
		if describe != nil {
			task.Result = describe(r)
		} else if r.Binary() {
			task.Result = d.saveArtifact(r)
		} else {
			task.Result = string(r.Payload)
		}
	case model.TaskFailure, model.TaskRevoked:
		task.Error = r.Message
	}

	if d.Store != nil {
		if err := d.Store.SaveTask(task); err != nil {
			d.Logger.Warn("persisting task", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	d.emit(task.ID, "task", task)

	if task.State.IsTerminal() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := d.Notifier.TaskFinished(ctx, task); err != nil {
			d.Logger.Warn("task notification failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

// The mime package's built-in table has no audio types.
var audioExt = map[string]string{
	"audio/wav":   ".wav",
	"audio/x-wav": ".wav",
	"audio/wave":  ".wav",
	"audio/mpeg":  ".mp3",
	"audio/ogg":   ".ogg",
	"audio/flac":  ".flac",
}

func (d *Deps) saveArtifact(r poller.Result) string {
	if d.ArtifactDir == "" {
		return ""
	}
	ext := ".bin"
	if mediaType, _, err := mime.ParseMediaType(r.ContentType); err == nil {
		if known, ok := audioExt[mediaType]; ok {
			ext = known
		} else if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	if err := os.MkdirAll(d.ArtifactDir, 0o755); err != nil {
		d.Logger.Warn("creating artifact dir", zap.Error(err))
		return ""
	}
	path := filepath.Join(d.ArtifactDir, r.TaskID+ext)
	if err := os.WriteFile(path, r.Data, 0o644); err != nil {
		d.Logger.Warn("saving artifact", zap.String("task_id", r.TaskID), zap.Error(err))
		return ""
	}
	return path
}

// --- Task registry ---

// FinishedRetention is how long a finished handle stays in the registry.
const FinishedRetention = 10 * time.Minute

// Tasks tracks the handles of running jobs across panels. At most one
// handle polls a given task id.
type Tasks struct {
	mu      sync.Mutex
	handles map[string]*poller.Handle
	retain  time.Duration
}

// NewTasks creates an empty registry.
func NewTasks() *Tasks {
	return &Tasks{handles: make(map[string]*poller.Handle), retain: FinishedRetention}
}

// start returns the live handle for id, or registers the one begin creates.
func (t *Tasks) start(ctx context.Context, id string, begin func() *poller.Handle) *poller.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[id]; ok && !finished(h) {
		return h
	}
	h := begin()
	t.handles[id] = h
	go t.expire(ctx, h)
	return h
}

// expire drops h once it has been finished for the retention period.
func (t *Tasks) expire(ctx context.Context, h *poller.Handle) {
	select {
	case <-h.Done():
	case <-ctx.Done():
		return
	}
	select {
	case <-time.After(t.retain):
	case <-ctx.Done():
		return
	}
	t.mu.Lock()
	if t.handles[h.TaskID()] == h {
		delete(t.handles, h.TaskID())
	}
	t.mu.Unlock()
}

func finished(h *poller.Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

// Get returns the handle for id, running or recently finished.
func (t *Tasks) Get(id string) (*poller.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[id]
	return h, ok
}

// Cancel stops polling id and asks the backend to cancel it.
func (t *Tasks) Cancel(id string) error {
	h, ok := t.Get(id)
	if !ok {
		return ErrUnknownTask
	}
	h.Cancel()
	return nil
}

// Running returns the ids of unfinished jobs.
func (t *Tasks) Running() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, h := range t.handles {
		if !finished(h) {
			ids = append(ids, id)
		}
	}
	return ids
}
