// Package model defines the core domain types shared across all Muse packages.
// It has zero dependencies on other Muse packages.
package model

import "time"

// StreamStatus represents the current state of a streaming session.
type StreamStatus string

const (
	StreamIdle       StreamStatus = "idle"
	StreamConnecting StreamStatus = "connecting"
	StreamStreaming  StreamStatus = "streaming"
	StreamDone       StreamStatus = "done"
	StreamCancelled  StreamStatus = "cancelled"
	StreamError      StreamStatus = "error"
)

// IsTerminal reports whether no further transitions happen without a new request.
func (s StreamStatus) IsTerminal() bool {
	return s == StreamDone || s == StreamCancelled || s == StreamError
}

// InFlight reports whether a request is currently outstanding.
func (s StreamStatus) InFlight() bool {
	return s == StreamConnecting || s == StreamStreaming
}

// TransportKind selects the wire mechanism a session uses.
type TransportKind string

const (
	TransportOneShot   TransportKind = "oneshot"
	TransportSSE       TransportKind = "sse"
	TransportWebSocket TransportKind = "websocket"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// TaskState follows the Celery task state convention used by the backend.
type TaskState string

const (
	TaskPending TaskState = "PENDING"
	TaskStarted TaskState = "STARTED"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailure TaskState = "FAILURE"
	TaskRevoked TaskState = "REVOKED"
)

// IsTerminal reports whether polling must stop on this state.
func (s TaskState) IsTerminal() bool {
	return s == TaskSuccess || s == TaskFailure || s == TaskRevoked
}

// TaskKind names the kind of backend job a task tracks.
type TaskKind string

const (
	TaskBulkEmail     TaskKind = "bulk_email"
	TaskVoiceClone    TaskKind = "voice_clone"
	TaskTranscription TaskKind = "transcription"
	TaskLoRATraining  TaskKind = "lora_training"
)

// Panel names a dashboard feature panel.
type Panel string

const (
	PanelEmail        Panel = "email"
	PanelTextToImage  Panel = "text_to_image"
	PanelImageToImage Panel = "image_to_image"
	PanelVoiceClone   Panel = "voice_clone"
	PanelTextToSpeech Panel = "text_to_speech"
	PanelSpeechToText Panel = "speech_to_text"
	PanelLoRA         Panel = "lora"
)

// Session is the persisted record of one streaming interaction.
type Session struct {
	ID        string        `json:"id"`
	Panel     Panel         `json:"panel"`
	Transport TransportKind `json:"transport"`
	Status    StreamStatus  `json:"status"`
	Prompt    string        `json:"prompt"`
	Text      string        `json:"text,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Message represents a committed conversation turn belonging to a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is the persisted record of a long-running backend job.
type Task struct {
	ID          string    `json:"id"`
	Kind        TaskKind  `json:"kind"`
	State       TaskState `json:"state"`
	Result      string    `json:"result,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Event is a panel update fanned out to dashboard subscribers.
type Event struct {
	ID        int64     `json:"id"`
	Topic     string    `json:"topic"` // session or task id
	Type      string    `json:"type"`  // "status", "text", "outcome", "task", "engine"
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
