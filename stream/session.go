// Package stream turns a transport's raw message stream into incrementally
// rendered text and a single terminal outcome.
//
// A Session moves idle → connecting → streaming → {done, cancelled, error}
// and may be reused from any terminal state. Messages are applied in the
// order the transport delivers them. Only a completed exchange is committed
// to the conversation history; cancelled or failed attempts leave it as is.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/transport"
)

// DefaultHistoryCap is the number of user/assistant pairs kept.
const DefaultHistoryCap = 10

var (
	// ErrInFlight is returned when a request is already connecting or streaming.
	ErrInFlight = errors.New("a request is already in progress; cancel it first")
	// ErrNothingToRegenerate is returned by Regenerate before any prompt was submitted.
	ErrNothingToRegenerate = errors.New("nothing to regenerate")
	// ErrEmptyPrompt is returned for blank prompts.
	ErrEmptyPrompt = errors.New("prompt is required")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
	// ErrTimedOut is the outcome error of a stream that exceeded MaxDuration.
	ErrTimedOut = errors.New("the request timed out")
)

// Failure is a server-reported error carried in the stream.
type Failure struct {
	Message string
}

func (f *Failure) Error() string { return f.Message }

// Outcome is the terminal result of one request.
type Outcome struct {
	Status model.StreamStatus
	// Prompt is the request this outcome answers.
	Prompt string
	Text   string
	// Message is the user-visible text for cancelled and error outcomes.
	Message string
	Err     error
	// Fields carries extra keys from the final envelope.
	Fields map[string]json.RawMessage
}

// RequestFunc builds the payload opened on the transport.
type RequestFunc func(prompt string, history []model.Turn) any

// DecodeFunc classifies one inbound payload.
type DecodeFunc func(data []byte) model.Envelope

// Config describes how a Session talks to its backend.
type Config struct {
	ID         string
	Transport  model.TransportKind
	Endpoint   string
	HistoryCap int
	// MaxDuration bounds one request from submit to terminal state. Zero
	// means no bound.
	MaxDuration time.Duration
	// History seeds the conversation, e.g. from a persisted store.
	History []model.Turn
	Request RequestFunc
	Decode  DecodeFunc
}

type defaultRequest struct {
	Prompt  string       `json:"prompt"`
	History []model.Turn `json:"history,omitempty"`
}

// DefaultRequest sends {"prompt", "history"}.
func DefaultRequest(prompt string, history []model.Turn) any {
	return defaultRequest{Prompt: prompt, History: history}
}

// Session owns one logical "ask the AI" interaction.
type Session struct {
	id      string
	cfg     Config
	adapter transport.Adapter
	obs     Observer
	logger  *zap.Logger

	// notifyMu serializes state change plus observer delivery so observers
	// see events in the order they happened.
	notifyMu sync.Mutex

	mu          sync.Mutex
	status      model.StreamStatus
	text        strings.Builder
	history     []model.Turn
	lastRequest string
	lastErr     error
	conn        transport.Conn
	gen         uint64
	deadline    *time.Timer
	closed      bool
}

// New creates an idle Session.
func New(adapter transport.Adapter, cfg Config, obs Observer, logger *zap.Logger) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultHistoryCap
	}
	if cfg.Request == nil {
		cfg.Request = DefaultRequest
	}
	if cfg.Decode == nil {
		cfg.Decode = model.DecodeEnvelope
	}
	if obs == nil {
		obs = ObserverFuncs{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	history := append([]model.Turn(nil), cfg.History...)
	if limit := cfg.HistoryCap * 2; len(history) > limit {
		history = history[len(history)-limit:]
	}
	return &Session{
		id:      cfg.ID,
		cfg:     cfg,
		adapter: adapter,
		obs:     obs,
		logger:  logger.With(zap.String("session_id", cfg.ID)),
		status:  model.StreamIdle,
		history: history,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Transport returns the configured transport kind.
func (s *Session) Transport() model.TransportKind { return s.cfg.Transport }

// Status returns the current status.
func (s *Session) Status() model.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// InFlight reports whether a request is connecting or streaming.
func (s *Session) InFlight() bool { return s.Status().InFlight() }

// Text returns the accumulated text of the current or last request.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// History returns a copy of the committed conversation.
func (s *Session) History() []model.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Turn(nil), s.history...)
}

// LastRequest returns the most recently submitted prompt.
func (s *Session) LastRequest() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequest
}

// Err returns the error of the last request, if it failed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Submit starts a new request. It returns once the transport is opened;
// output arrives through the Observer. ctx bounds the whole stream.
func (s *Session) Submit(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return ErrEmptyPrompt
	}

	s.notifyMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		return ErrClosed
	}
	if s.status.InFlight() {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		return ErrInFlight
	}
	s.gen++
	gen := s.gen
	s.status = model.StreamConnecting
	s.text.Reset()
	s.lastErr = nil
	s.lastRequest = prompt
	s.conn = nil
	history := append([]model.Turn(nil), s.history...)
	s.mu.Unlock()
	s.obs.OnText("")
	s.obs.OnStatus(model.StreamConnecting)
	s.notifyMu.Unlock()

	s.logger.Debug("submitting", zap.String("transport", string(s.cfg.Transport)))

	conn, err := s.adapter.Open(ctx, s.cfg.Endpoint, s.cfg.Request(prompt, history))
	if err != nil {
		s.fail(gen, err, transport.UserMessage(err))
		return nil
	}

	s.mu.Lock()
	if s.gen != gen || s.status != model.StreamConnecting {
		// Cancelled while the transport was opening.
		s.mu.Unlock()
		conn.Close(transport.CloseCancel, "client cancel")
		return nil
	}
	s.conn = conn
	if s.cfg.MaxDuration > 0 {
		s.deadline = time.AfterFunc(s.cfg.MaxDuration, func() {
			s.fail(gen, ErrTimedOut, ErrTimedOut.Error()+".")
		})
	}
	s.mu.Unlock()

	go s.consume(gen, conn)
	return nil
}

// Regenerate resubmits the last prompt verbatim as a fresh request.
func (s *Session) Regenerate(ctx context.Context) error {
	s.mu.Lock()
	if s.status.InFlight() {
		s.mu.Unlock()
		return ErrInFlight
	}
	prompt := s.lastRequest
	s.mu.Unlock()
	if prompt == "" {
		return ErrNothingToRegenerate
	}
	return s.Submit(ctx, prompt)
}

// Cancel aborts the in-flight request without waiting for the server. It
// reports whether there was anything to cancel.
func (s *Session) Cancel() bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !s.status.InFlight() {
		s.mu.Unlock()
		return false
	}
	s.status = model.StreamCancelled
	conn := s.conn
	s.conn = nil
	s.stopDeadline()
	text, prompt := s.text.String(), s.lastRequest
	s.mu.Unlock()

	if conn != nil {
		conn.Close(transport.CloseCancel, "client cancel")
	}
	s.logger.Debug("cancelled")
	s.obs.OnStatus(model.StreamCancelled)
	s.obs.OnOutcome(Outcome{Status: model.StreamCancelled, Prompt: prompt, Text: text, Message: "Request cancelled."})
	return true
}

// Close cancels any in-flight request and refuses further submissions.
func (s *Session) Close() {
	s.Cancel()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Session) consume(gen uint64, conn transport.Conn) {
	for m := range conn.Messages() {
		if finished := s.handle(gen, m); finished {
			if !m.Terminal() {
				conn.Close(transport.CloseNormal, "")
			}
			return
		}
	}
}

// handle applies one message. It reports whether the request is over.
func (s *Session) handle(gen uint64, m transport.Message) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.gen != gen || !s.status.InFlight() {
		s.mu.Unlock()
		return true
	}

	switch m.Kind {
	case transport.KindData:
		return s.applyEnvelope(s.cfg.Decode(m.Data))

	case transport.KindDone:
		// Plain-text streams and one-shot responses end without a done envelope.
		s.complete(nil)
		return true

	case transport.KindClosed:
		s.status = model.StreamCancelled
		s.conn = nil
		s.stopDeadline()
		text, prompt := s.text.String(), s.lastRequest
		s.mu.Unlock()
		s.obs.OnStatus(model.StreamCancelled)
		s.obs.OnOutcome(Outcome{Status: model.StreamCancelled, Prompt: prompt, Text: text, Message: "Request cancelled."})
		return true

	default:
		s.failLocked(m.Err, transport.UserMessage(m.Err))
		return true
	}
}

// applyEnvelope is called with s.mu held and releases it.
func (s *Session) applyEnvelope(env model.Envelope) bool {
	switch e := env.(type) {
	case model.Started:
		changed := s.markStreaming()
		s.mu.Unlock()
		if changed {
			s.obs.OnStatus(model.StreamStreaming)
		}
		return false

	case model.Token:
		return s.appendLocked(e.Text)

	case model.Raw:
		return s.appendLocked(e.Text)

	case model.Notice:
		s.mu.Unlock()
		s.logger.Debug("ignoring stream event", zap.String("event", e.Name))
		return false

	case model.Done:
		s.text.WriteString(e.Text)
		s.complete(e.Fields)
		return true

	case model.Terminator:
		s.complete(nil)
		return true

	case model.Failure:
		s.failLocked(&Failure{Message: e.Message}, e.Message)
		return true
	}
	s.mu.Unlock()
	return false
}

func (s *Session) appendLocked(fragment string) bool {
	changed := s.markStreaming()
	s.text.WriteString(fragment)
	text := s.text.String()
	s.mu.Unlock()
	if changed {
		s.obs.OnStatus(model.StreamStreaming)
	}
	s.obs.OnText(text)
	return false
}

func (s *Session) markStreaming() bool {
	if s.status == model.StreamConnecting {
		s.status = model.StreamStreaming
		return true
	}
	return false
}

// complete is called with s.mu held and releases it.
func (s *Session) complete(fields map[string]json.RawMessage) {
	text, prompt := s.text.String(), s.lastRequest
	s.status = model.StreamDone
	s.conn = nil
	s.stopDeadline()
	s.history = append(s.history,
		model.Turn{Role: model.RoleUser, Content: prompt},
		model.Turn{Role: model.RoleAssistant, Content: text},
	)
	if limit := s.cfg.HistoryCap * 2; len(s.history) > limit {
		s.history = append([]model.Turn(nil), s.history[len(s.history)-limit:]...)
	}
	s.mu.Unlock()

	s.logger.Debug("stream complete", zap.Int("chars", len(text)))
	s.obs.OnText(text)
	s.obs.OnStatus(model.StreamDone)
	s.obs.OnOutcome(Outcome{Status: model.StreamDone, Prompt: prompt, Text: text, Fields: fields})
}

func (s *Session) fail(gen uint64, err error, message string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.gen != gen || !s.status.InFlight() {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.failLocked(err, message)
	if conn != nil {
		conn.Close(transport.CloseNormal, "")
	}
}

// failLocked is called with s.mu held and releases it. Partial text is kept.
func (s *Session) failLocked(err error, message string) {
	s.status = model.StreamError
	s.lastErr = err
	s.conn = nil
	s.stopDeadline()
	text, prompt := s.text.String(), s.lastRequest
	s.mu.Unlock()

	s.logger.Warn("stream failed", zap.Error(err))
	s.obs.OnStatus(model.StreamError)
	s.obs.OnOutcome(Outcome{Status: model.StreamError, Prompt: prompt, Text: text, Message: message, Err: err})
}

func (s *Session) stopDeadline() {
	if s.deadline != nil {
		s.deadline.Stop()
		s.deadline = nil
	}
}
