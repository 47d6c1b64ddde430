// Package notify announces finished background jobs outside the dashboard.
package notify

import (
	"context"
	"fmt"

	"github.com/jxucoder/muse/model"
)

// Notifier is told when a task reaches a terminal state.
type Notifier interface {
	TaskFinished(ctx context.Context, task *model.Task) error
}

// Noop returns a Notifier that does nothing.
func Noop() Notifier { return noop{} }

type noop struct{}

func (noop) TaskFinished(context.Context, *model.Task) error { return nil }

// Multi fans out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) TaskFinished(ctx context.Context, task *model.Task) error {
	var first error
	for _, n := range m {
		if err := n.TaskFinished(ctx, task); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Headline is the one-line summary used by every channel.
func Headline(task *model.Task) string {
	label := kindLabel(task.Kind)
	switch task.State {
	case model.TaskSuccess:
		return fmt.Sprintf("%s finished", label)
	case model.TaskFailure:
		if task.Error != "" {
			return fmt.Sprintf("%s failed: %s", label, model.Truncate(task.Error, 120))
		}
		return fmt.Sprintf("%s failed", label)
	case model.TaskRevoked:
		return fmt.Sprintf("%s was cancelled", label)
	default:
		return fmt.Sprintf("%s is %s", label, task.State)
	}
}

func kindLabel(k model.TaskKind) string {
	switch k {
	case model.TaskBulkEmail:
		return "Bulk email send"
	case model.TaskVoiceClone:
		return "Voice clone"
	case model.TaskTranscription:
		return "Transcription"
	case model.TaskLoRATraining:
		return "LoRA training"
	default:
		return "Job"
	}
}
