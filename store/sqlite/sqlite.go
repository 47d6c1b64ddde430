// Package sqlite implements store.Store using SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/store"
)

// Store manages session, message, event and task persistence in SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ store.Store        = (*Store)(nil)
	_ store.HistoryStore = (*Store)(nil)
)

// New opens (or creates) a SQLite database at the given path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			panel      TEXT NOT NULL,
			transport  TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'idle',
			prompt     TEXT NOT NULL DEFAULT '',
			text       TEXT NOT NULL DEFAULT '',
			error      TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (session_id) REFERENCES sessions(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_id
			ON messages(session_id);

		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			topic      TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_events_topic
			ON events(topic);

		CREATE TABLE IF NOT EXISTS tasks (
			id           TEXT PRIMARY KEY,
			kind         TEXT NOT NULL,
			state        TEXT NOT NULL DEFAULT 'PENDING',
			result       TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			error        TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
		);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateSession inserts a new session.
func (s *Store) CreateSession(sess *model.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	if sess.Status == "" {
		sess.Status = model.StreamIdle
	}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, panel, transport, status, prompt, text, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Panel, sess.Transport, sess.Status, sess.Prompt, sess.Text,
		sess.Error, sess.CreatedAt, sess.UpdatedAt,
	)
	return err
}

// GetSession retrieves a session by ID.
func (s *Store) GetSession(id string) (*model.Session, error) {
	row := s.db.QueryRow(
		`SELECT id, panel, transport, status, prompt, text, error, created_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	)
	return scanSession(row)
}

// ListSessions returns sessions ordered by creation time (newest first).
// limit <= 0 returns all.
func (s *Store) ListSessions(limit int) ([]*model.Session, error) {
	rows, err := s.db.Query(
		`SELECT id, panel, transport, status, prompt, text, error, created_at, updated_at
		 FROM sessions ORDER BY created_at DESC LIMIT ?`, sqlLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession updates mutable fields of a session.
func (s *Store) UpdateSession(sess *model.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE sessions SET
			status = ?, prompt = ?, text = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		sess.Status, sess.Prompt, sess.Text, sess.Error, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// --- Conversation turns ---

// AddMessage inserts a committed turn.
func (s *Store) AddMessage(msg *model.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(
		`INSERT INTO messages (session_id, role, content, created_at)
		 VALUES (?, ?, ?, ?)`,
		msg.SessionID, msg.Role, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	msg.ID = id
	return nil
}

// GetMessages returns all messages for a session in insertion order.
func (s *Store) GetMessages(sessionID string) ([]*model.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, created_at
		 FROM messages
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m := &model.Message{}
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// AppendTurns implements store.HistoryStore on top of the messages table.
func (s *Store) AppendTurns(ctx context.Context, sessionID string, turns ...model.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
			sessionID, t.Role, t.Content, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// LoadTurns returns the most recent turns of a session, oldest first.
func (s *Store) LoadTurns(ctx context.Context, sessionID string, max int) ([]model.Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content FROM (
			SELECT id, role, content FROM messages
			WHERE session_id = ?
			ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		sessionID, sqlLimit(max),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []model.Turn
	for rows.Next() {
		var t model.Turn
		if err := rows.Scan(&t.Role, &t.Content); err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// --- Events ---

// AddEvent inserts a new event and sets its ID.
func (s *Store) AddEvent(event *model.Event) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.Exec(
		`INSERT INTO events (topic, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.Topic, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// GetEvents returns events for a topic after the given event ID.
func (s *Store) GetEvents(topic string, afterID int64) ([]*model.Event, error) {
	rows, err := s.db.Query(
		`SELECT id, topic, type, data, created_at
		 FROM events
		 WHERE topic = ? AND id > ?
		 ORDER BY id ASC`,
		topic, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e := &model.Event{}
		if err := rows.Scan(&e.ID, &e.Topic, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Tasks ---

// SaveTask inserts or updates a task record.
func (s *Store) SaveTask(task *model.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.State == "" {
		task.State = model.TaskPending
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, kind, state, result, content_type, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			content_type = excluded.content_type,
			error = excluded.error,
			updated_at = excluded.updated_at`,
		task.ID, task.Kind, task.State, task.Result, task.ContentType, task.Error,
		task.CreatedAt, task.UpdatedAt,
	)
	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*model.Task, error) {
	row := s.db.QueryRow(
		`SELECT id, kind, state, result, content_type, error, created_at, updated_at
		 FROM tasks WHERE id = ?`, id,
	)
	return scanTask(row)
}

// ListTasks returns tasks newest first. limit <= 0 returns all.
func (s *Store) ListTasks(limit int) ([]*model.Task, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, state, result, content_type, error, created_at, updated_at
		 FROM tasks ORDER BY created_at DESC LIMIT ?`, sqlLimit(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	sess := &model.Session{}
	err := row.Scan(
		&sess.ID, &sess.Panel, &sess.Transport, &sess.Status, &sess.Prompt,
		&sess.Text, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func scanTask(row scannable) (*model.Task, error) {
	t := &model.Task{}
	err := row.Scan(
		&t.ID, &t.Kind, &t.State, &t.Result, &t.ContentType, &t.Error,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// sqlLimit maps "no limit" to SQLite's -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
