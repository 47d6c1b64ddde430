package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/stream"
	"github.com/jxucoder/muse/transport"
	"github.com/jxucoder/muse/upload"
)

const (
	textToImagePath  = "/images/generate"
	imageToImagePath = "/images/transform"
)

// ImageRequest holds the generation form.
type ImageRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Steps          int    `json:"steps,omitempty"`
	// Strength is how far image-to-image may move from the source (0..1).
	Strength float64 `json:"strength,omitempty"`
	LoRA     string  `json:"lora,omitempty"`
}

func (r ImageRequest) fields() map[string]string {
	f := map[string]string{"prompt": r.Prompt}
	if r.NegativePrompt != "" {
		f["negative_prompt"] = r.NegativePrompt
	}
	if r.Width > 0 {
		f["width"] = strconv.Itoa(r.Width)
	}
	if r.Height > 0 {
		f["height"] = strconv.Itoa(r.Height)
	}
	if r.Steps > 0 {
		f["steps"] = strconv.Itoa(r.Steps)
	}
	if r.Strength > 0 {
		f["strength"] = strconv.FormatFloat(r.Strength, 'f', -1, 64)
	}
	if r.LoRA != "" {
		f["lora"] = r.LoRA
	}
	return f
}

// imageStudio is the state shared by both image panels: an SSE session
// whose progress text streams as tokens and whose final envelope carries
// the generated images.
type imageStudio struct {
	d    *Deps
	sess *stream.Session

	// submitting serializes submissions so a payload is only replaced
	// while no request is being built from it.
	submitting sync.Mutex

	mu      sync.Mutex
	payload func() any
	images  []string
}

func newImageStudio(ctx context.Context, deps *Deps, panel model.Panel, path string, extra stream.Observer) (*imageStudio, error) {
	d := deps.withDefaults()
	st := &imageStudio{d: d}
	capture := stream.ObserverFuncs{Outcome: st.captureImages}
	var obs stream.Observer = capture
	if extra != nil {
		obs = stream.Observers{capture, extra}
	}
	sess, err := d.newSession(ctx, panel, model.TransportSSE,
		d.Factory.URL(EngineImage, path),
		stream.Config{Request: st.request}, obs)
	if err != nil {
		return nil, fmt.Errorf("creating image session: %w", err)
	}
	st.sess = sess
	return st, nil
}

func (st *imageStudio) request(string, []model.Turn) any {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.payload()
}

func (st *imageStudio) captureImages(o stream.Outcome) {
	if o.Status != model.StreamDone {
		return
	}
	var images []string
	if raw, ok := o.Fields["images"]; ok {
		if err := json.Unmarshal(raw, &images); err != nil {
			var single string
			if json.Unmarshal(raw, &single) == nil {
				images = []string{single}
			}
		}
	} else if raw, ok := o.Fields["image"]; ok {
		var single string
		if json.Unmarshal(raw, &single) == nil {
			images = []string{single}
		}
	}
	st.mu.Lock()
	st.images = images
	st.mu.Unlock()
	st.d.emit(st.sess.ID(), "images", images)
}

func (st *imageStudio) submit(ctx context.Context, prompt string, payload func() any) error {
	st.submitting.Lock()
	defer st.submitting.Unlock()
	if st.sess.InFlight() {
		return stream.ErrInFlight
	}
	st.mu.Lock()
	st.payload = payload
	st.images = nil
	st.mu.Unlock()
	return st.sess.Submit(ctx, prompt)
}

// Session exposes the underlying streaming session.
func (st *imageStudio) Session() *stream.Session { return st.sess }

// Images returns the images of the last completed generation, as URLs or
// data URIs depending on the backend.
func (st *imageStudio) Images() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return append([]string(nil), st.images...)
}

// Regenerate repeats the last generation.
func (st *imageStudio) Regenerate(ctx context.Context) error {
	st.submitting.Lock()
	defer st.submitting.Unlock()
	if st.sess.InFlight() {
		return stream.ErrInFlight
	}
	st.mu.Lock()
	st.images = nil
	st.mu.Unlock()
	return st.sess.Regenerate(ctx)
}

// Cancel aborts the generation in progress.
func (st *imageStudio) Cancel() bool { return st.sess.Cancel() }

// Close releases the session.
func (st *imageStudio) Close() { st.sess.Close() }

// TextToImage generates images from a prompt.
type TextToImage struct {
	*imageStudio
}

// NewTextToImage creates the panel.
func NewTextToImage(ctx context.Context, deps *Deps, obs stream.Observer) (*TextToImage, error) {
	st, err := newImageStudio(ctx, deps, model.PanelTextToImage, textToImagePath, obs)
	if err != nil {
		return nil, err
	}
	return &TextToImage{st}, nil
}

// Generate starts a generation.
func (p *TextToImage) Generate(ctx context.Context, req ImageRequest) error {
	if req.Prompt == "" {
		return upload.Required("Prompt")
	}
	return p.submit(ctx, req.Prompt, func() any { return req })
}

// ImageToImage transforms an uploaded source image.
type ImageToImage struct {
	*imageStudio
}

// NewImageToImage creates the panel.
func NewImageToImage(ctx context.Context, deps *Deps, obs stream.Observer) (*ImageToImage, error) {
	st, err := newImageStudio(ctx, deps, model.PanelImageToImage, imageToImagePath, obs)
	if err != nil {
		return nil, err
	}
	return &ImageToImage{st}, nil
}

// Transform validates the source image and starts a generation. The form
// is encoded once; Regenerate resends the same bytes.
func (p *ImageToImage) Transform(ctx context.Context, req ImageRequest, source upload.Set) error {
	if req.Prompt == "" {
		return upload.Required("Prompt")
	}
	if err := upload.SourceImage.Validate(source); err != nil {
		return err
	}
	body, contentType, err := upload.Encode(req.fields(), upload.Part{Set: source, Name: upload.Field("file")})
	if err != nil {
		return fmt.Errorf("encoding source image: %w", err)
	}
	data := body.Bytes()
	return p.submit(ctx, req.Prompt, func() any {
		return transport.Encoded{ContentType: contentType, Body: bytes.NewReader(data)}
	})
}
