// Package store defines persistence for sessions, conversation turns,
// panel events and task records.
package store

import (
	"context"
	"errors"

	"github.com/jxucoder/muse/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SessionStore persists streaming sessions and their committed turns.
type SessionStore interface {
	CreateSession(sess *model.Session) error
	GetSession(id string) (*model.Session, error)
	ListSessions(limit int) ([]*model.Session, error)
	UpdateSession(sess *model.Session) error

	AddMessage(msg *model.Message) error
	GetMessages(sessionID string) ([]*model.Message, error)

	AddEvent(ev *model.Event) error
	GetEvents(topic string, afterID int64) ([]*model.Event, error)

	Close() error
}

// TaskStore persists long-running job records.
type TaskStore interface {
	SaveTask(task *model.Task) error
	GetTask(id string) (*model.Task, error)
	ListTasks(limit int) ([]*model.Task, error)
}

// Store is everything the App persists.
type Store interface {
	SessionStore
	TaskStore
}

// HistoryStore keeps a bounded rolling conversation history per session so
// a panel can resume a conversation after restart.
type HistoryStore interface {
	AppendTurns(ctx context.Context, sessionID string, turns ...model.Turn) error
	// LoadTurns returns at most max turns, most recent last. max <= 0 means all.
	LoadTurns(ctx context.Context, sessionID string, max int) ([]model.Turn, error)
}
