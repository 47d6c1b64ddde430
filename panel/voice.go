package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/poller"
	"github.com/jxucoder/muse/transport"
	"github.com/jxucoder/muse/upload"
)

const (
	voiceClonePath = "/voice/clone"
	voiceTasksPath = "/voice/tasks"
	ttsPath        = "/tts/speak"
)

// VoiceClone uploads a voice sample and waits for the cloned speech.
type VoiceClone struct {
	d      *Deps
	poller *poller.Poller
}

// NewVoiceClone creates the panel.
func NewVoiceClone(deps *Deps) *VoiceClone {
	d := deps.withDefaults()
	return &VoiceClone{d: d, poller: d.jobPoller(model.TaskVoiceClone, EngineTTS, voiceTasksPath, nil)}
}

// CloneRequest is the voice cloning form.
type CloneRequest struct {
	// Text is what the cloned voice should say.
	Text     string
	Name     string
	Language string
	Sample   upload.Set
}

// Clone validates the sample, submits the job and polls it every four
// seconds. A successful job answers with the audio itself, so the result is
// binary (typically audio/wav).
func (v *VoiceClone) Clone(ctx context.Context, req CloneRequest) (*poller.Handle, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, upload.Required("Text")
	}
	if err := upload.VoiceSample.Validate(req.Sample); err != nil {
		return nil, err
	}
	fields := map[string]string{"text": req.Text}
	if req.Name != "" {
		fields["name"] = req.Name
	}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	taskID, err := v.d.submitJob(ctx, EngineTTS, voiceClonePath, fields,
		upload.Part{Set: req.Sample, Name: upload.Field("file")})
	if err != nil {
		return nil, fmt.Errorf("submitting voice clone: %w", err)
	}
	return v.d.startJob(model.TaskVoiceClone, v.poller, taskID, v.d.MediaPoll), nil
}

// TextToSpeech synthesizes speech with a one-shot request.
type TextToSpeech struct {
	d *Deps
}

// NewTextToSpeech creates the panel.
func NewTextToSpeech(deps *Deps) *TextToSpeech {
	return &TextToSpeech{d: deps.withDefaults()}
}

// SpeechRequest is the text-to-speech form.
type SpeechRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

// Audio is a synthesized clip.
type Audio struct {
	Data        []byte
	ContentType string
}

// Speak returns the synthesized audio. Failures carry a user-visible
// message through transport.UserMessage.
func (t *TextToSpeech) Speak(ctx context.Context, req SpeechRequest) (*Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, upload.Required("Text")
	}
	adapter, err := t.d.Factory.Adapter(model.TransportOneShot)
	if err != nil {
		return nil, err
	}
	conn, err := adapter.Open(ctx, t.d.Factory.URL(EngineTTS, ttsPath), req)
	if err != nil {
		return nil, err
	}
	defer conn.Close(transport.CloseNormal, "")

	var audio *Audio
	for m := range conn.Messages() {
		switch m.Kind {
		case transport.KindData:
			audio = &Audio{Data: m.Data, ContentType: m.ContentType}
		case transport.KindDone:
			if audio == nil {
				return nil, errors.New("speech service returned no audio")
			}
			return audio, nil
		case transport.KindError:
			return nil, m.Err
		case transport.KindClosed:
			return nil, context.Canceled
		}
	}
	if audio == nil {
		return nil, errors.New("speech service returned no audio")
	}
	return audio, nil
}
