package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/poller"
	"github.com/jxucoder/muse/upload"
)

const (
	loraModelsPath = "/lora/models"
	loraTrainPath  = "/lora/train"
	loraTasksPath  = "/lora/tasks"
)

// ErrTogglePending is returned while a favourite change for the same model
// is still waiting for the server.
var ErrTogglePending = errors.New("a change to this model is still being saved")

// ErrUnknownModel is returned for model ids missing from the loaded list.
var ErrUnknownModel = errors.New("unknown model")

// LoRAModel is one entry of the canonical model list.
type LoRAModel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	TriggerWord string `json:"trigger_word,omitempty"`
	Favorite    bool   `json:"favorite"`
	PreviewURL  string `json:"preview_url,omitempty"`
}

// OverlayState tags an optimistic change.
type OverlayState string

const (
	OverlayPending   OverlayState = "pending"
	OverlayConfirmed OverlayState = "confirmed"
)

// OverlayEntry is an optimistic favourite value for one model.
type OverlayEntry struct {
	Favorite bool
	State    OverlayState
}

// Overlay holds optimistic changes keyed by model id, kept apart from the
// canonical list until the server confirms them.
type Overlay struct {
	mu      sync.Mutex
	entries map[string]OverlayEntry
}

// NewOverlay creates an empty overlay.
func NewOverlay() *Overlay {
	return &Overlay{entries: make(map[string]OverlayEntry)}
}

// Propose records a pending value. It fails if id already has one pending.
func (o *Overlay) Propose(id string, favorite bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[id]; ok && e.State == OverlayPending {
		return ErrTogglePending
	}
	o.entries[id] = OverlayEntry{Favorite: favorite, State: OverlayPending}
	return nil
}

// Confirm marks id's pending value as accepted by the server.
func (o *Overlay) Confirm(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.entries[id]; ok {
		e.State = OverlayConfirmed
		o.entries[id] = e
	}
}

// Drop removes id's entry, rolling back a pending value or retiring a
// confirmed one once the canonical list reflects it.
func (o *Overlay) Drop(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, id)
}

// Get returns id's entry.
func (o *Overlay) Get(id string) (OverlayEntry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[id]
	return e, ok
}

// LoRAView is a model as displayed: canonical data with the overlay applied.
type LoRAView struct {
	LoRAModel
	Pending bool `json:"pending"`
}

// LoRALibrary lists, favourites and trains LoRA models.
type LoRALibrary struct {
	d       *Deps
	overlay *Overlay
	poller  *poller.Poller

	mu        sync.Mutex
	canonical []LoRAModel
}

// NewLoRALibrary creates the panel.
func NewLoRALibrary(deps *Deps) *LoRALibrary {
	d := deps.withDefaults()
	return &LoRALibrary{
		d:       d,
		overlay: NewOverlay(),
		poller:  d.jobPoller(model.TaskLoRATraining, EngineLoRA, loraTasksPath, nil),
	}
}

// Overlay exposes the optimistic change set.
func (l *LoRALibrary) Overlay() *Overlay { return l.overlay }

// Refresh reloads the canonical list. Confirmed overlay entries are retired
// since the fresh list already carries them; pending ones stay on top.
func (l *LoRALibrary) Refresh(ctx context.Context) ([]LoRAView, error) {
	req, err := l.d.Factory.NewRequest(ctx, http.MethodGet, l.d.Factory.URL(EngineLoRA, loraModelsPath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := l.d.Factory.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing LoRA models: %w", err)
	}
	defer resp.Body.Close()

	var models []LoRAModel
	if err := json.NewDecoder(resp.Body).Decode(&models); err != nil {
		return nil, fmt.Errorf("decoding LoRA models: %w", err)
	}

	l.mu.Lock()
	l.canonical = models
	l.mu.Unlock()
	for _, m := range models {
		if e, ok := l.overlay.Get(m.ID); ok && e.State == OverlayConfirmed {
			l.overlay.Drop(m.ID)
		}
	}
	return l.Models(), nil
}

// Models returns the list as displayed.
func (l *LoRALibrary) Models() []LoRAView {
	l.mu.Lock()
	models := append([]LoRAModel(nil), l.canonical...)
	l.mu.Unlock()

	views := make([]LoRAView, len(models))
	for i, m := range models {
		views[i] = LoRAView{LoRAModel: m}
		if e, ok := l.overlay.Get(m.ID); ok {
			views[i].Favorite = e.Favorite
			views[i].Pending = e.State == OverlayPending
		}
	}
	return views
}

// Canonical returns the server-confirmed list.
func (l *LoRALibrary) Canonical() []LoRAModel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LoRAModel(nil), l.canonical...)
}

// ToggleFavorite flips id's favourite flag optimistically. The overlay shows
// the new value at once; the canonical list changes only after the server
// accepts it, and the overlay is rolled back if it does not.
func (l *LoRALibrary) ToggleFavorite(ctx context.Context, id string) (bool, error) {
	current, ok := l.favorite(id)
	if !ok {
		return false, fmt.Errorf("%w %q", ErrUnknownModel, id)
	}
	want := !current
	if err := l.overlay.Propose(id, want); err != nil {
		return current, err
	}
	l.d.emit(id, "lora", l.view(id))

	if err := l.sendFavorite(ctx, id, want); err != nil {
		l.overlay.Drop(id)
		l.d.emit(id, "lora", l.view(id))
		return current, err
	}

	l.overlay.Confirm(id)
	l.mu.Lock()
	for i := range l.canonical {
		if l.canonical[i].ID == id {
			l.canonical[i].Favorite = want
		}
	}
	l.mu.Unlock()
	l.overlay.Drop(id)
	l.d.emit(id, "lora", l.view(id))
	return want, nil
}

func (l *LoRALibrary) favorite(id string) (bool, bool) {
	if e, ok := l.overlay.Get(id); ok {
		return e.Favorite, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.canonical {
		if m.ID == id {
			return m.Favorite, true
		}
	}
	return false, false
}

func (l *LoRALibrary) view(id string) LoRAView {
	for _, v := range l.Models() {
		if v.ID == id {
			return v
		}
	}
	return LoRAView{}
}

func (l *LoRALibrary) sendFavorite(ctx context.Context, id string, favorite bool) error {
	body, err := json.Marshal(map[string]bool{"favorite": favorite})
	if err != nil {
		return err
	}
	target := l.d.Factory.URL(EngineLoRA, loraModelsPath+"/"+url.PathEscape(id)+"/favorite")
	req, err := l.d.Factory.NewRequest(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := l.d.Factory.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// TrainRequest is the LoRA training form. Each image's Caption is sent as
// captions[n] alongside the images parts.
type TrainRequest struct {
	Name        string
	TriggerWord string
	Steps       int
	Images      upload.Set
}

// Train validates the images, submits the training job and polls it.
func (l *LoRALibrary) Train(ctx context.Context, req TrainRequest) (*poller.Handle, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, upload.Required("Model name")
	}
	if err := upload.TrainingImages.Validate(req.Images); err != nil {
		return nil, err
	}
	fields := map[string]string{"name": req.Name}
	if req.TriggerWord != "" {
		fields["trigger_word"] = req.TriggerWord
	}
	if req.Steps > 0 {
		fields["steps"] = fmt.Sprint(req.Steps)
	}
	taskID, err := l.d.submitJob(ctx, EngineLoRA, loraTrainPath, fields,
		upload.Part{Set: req.Images, Name: upload.Field("images"), Captions: "captions"})
	if err != nil {
		return nil, fmt.Errorf("submitting LoRA training: %w", err)
	}
	return l.d.startJob(model.TaskLoRATraining, l.poller, taskID, l.d.MediaPoll), nil
}
