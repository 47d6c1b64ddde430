package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/poller"
	"github.com/jxucoder/muse/upload"
)

const (
	transcribePath = "/stt/transcribe"
	sttTasksPath   = "/stt/tasks"
)

// SpeechToText transcribes uploaded audio or video.
type SpeechToText struct {
	d      *Deps
	poller *poller.Poller
}

// NewSpeechToText creates the panel.
func NewSpeechToText(deps *Deps) *SpeechToText {
	d := deps.withDefaults()
	return &SpeechToText{d: d, poller: d.jobPoller(model.TaskTranscription, EngineSTT, sttTasksPath, Transcript)}
}

// TranscribeRequest is the transcription form.
type TranscribeRequest struct {
	Media    upload.Set
	Language string
}

// Transcribe validates the media (one file, at most 100MB), submits the
// job and polls it every four seconds.
func (s *SpeechToText) Transcribe(ctx context.Context, req TranscribeRequest) (*poller.Handle, error) {
	if err := upload.TranscriptMedia.Validate(req.Media); err != nil {
		return nil, err
	}
	fields := map[string]string{}
	if req.Language != "" {
		fields["language"] = req.Language
	}
	taskID, err := s.d.submitJob(ctx, EngineSTT, transcribePath, fields,
		upload.Part{Set: req.Media, Name: upload.Field("file")})
	if err != nil {
		return nil, fmt.Errorf("submitting transcription: %w", err)
	}
	return s.d.startJob(model.TaskTranscription, s.poller, taskID, s.d.MediaPoll), nil
}

// Transcript extracts the text of a finished transcription. The result is
// either a bare string or an object with a "text" or "transcript" field.
func Transcript(r poller.Result) string {
	if r.Binary() {
		return strings.TrimSpace(string(r.Data))
	}
	if len(r.Payload) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(r.Payload, &s) == nil {
		return s
	}
	var obj struct {
		Text       string `json:"text"`
		Transcript string `json:"transcript"`
	}
	if json.Unmarshal(r.Payload, &obj) == nil {
		if obj.Text != "" {
			return obj.Text
		}
		return obj.Transcript
	}
	return string(r.Payload)
}
