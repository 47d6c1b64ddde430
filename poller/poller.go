// Package poller tracks long-running backend jobs by id until they reach a
// terminal state.
//
// Each Handle owns exactly one timer. Polls are serialized: a tick that
// comes due while the previous request is still running is dropped. A
// failed poll request is logged and the next tick tries again; the poller
// does no backoff and has no attempt limit, only an optional MaxDuration.
package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/timer"
	"github.com/jxucoder/muse/transport"
)

// Observed poll intervals.
const (
	EmailInterval = 1000 * time.Millisecond
	MediaInterval = 4000 * time.Millisecond
)

var (
	// ErrTimedOut is the result error of a job that outlived MaxDuration.
	ErrTimedOut = errors.New("the job did not finish in time")
	// ErrCancelled is the result error of a handle cancelled by the caller.
	ErrCancelled = errors.New("cancelled")
)

// Requester builds and sends authorized requests. *transport.Factory implements it.
type Requester interface {
	NewRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error)
	Do(req *http.Request) (*http.Response, error)
}

// Config describes one job type's status endpoints.
type Config struct {
	// StatusURL returns the status endpoint for a task.
	StatusURL func(taskID string) string
	// CancelURL returns the cancel endpoint, or nil if the backend has none.
	CancelURL func(taskID string) string
	// MaxDuration bounds how long a job is polled. Zero means forever.
	MaxDuration time.Duration
	// OnUpdate is called on every observed state change and once with the
	// final result. It runs on the poll goroutine.
	OnUpdate func(Result)
}

// Result is the latest observation of a job.
type Result struct {
	TaskID string
	State  model.TaskState
	// Payload is the JSON "result" field.
	Payload json.RawMessage
	// Data is a non-JSON success body, for jobs that answer with the
	// artifact itself instead of a state object.
	Data        []byte
	ContentType string
	// Message is the user-visible text for terminal states.
	Message string
	Err     error
}

// Binary reports whether the job answered with a raw body.
func (r Result) Binary() bool { return r.Data != nil }

// Poller starts Handles for one job type.
type Poller struct {
	req    Requester
	cfg    Config
	logger *zap.Logger
}

// New creates a Poller.
func New(req Requester, cfg Config, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{req: req, cfg: cfg, logger: logger}
}

// Handle tracks one task.
type Handle struct {
	p        *Poller
	taskID   string
	interval *timer.Interval
	started  time.Time
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    model.TaskState
	finished bool
	result   Result
	done     chan struct{}

	polls atomic.Int64
}

// Start begins polling taskID every interval. The first poll happens one
// interval after Start.
func (p *Poller) Start(ctx context.Context, taskID string, interval time.Duration) *Handle {
	hctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		p:        p,
		taskID:   taskID,
		interval: timer.New(interval),
		started:  time.Now(),
		logger:   p.logger.With(zap.String("task_id", taskID)),
		ctx:      hctx,
		cancel:   cancel,
		state:    model.TaskPending,
		done:     make(chan struct{}),
	}
	h.interval.Start(hctx, h.tick)
	return h
}

// TaskID returns the server-issued id.
func (h *Handle) TaskID() string { return h.taskID }

// State returns the last observed state.
func (h *Handle) State() model.TaskState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Polls returns the number of status requests issued.
func (h *Handle) Polls() int { return int(h.polls.Load()) }

// Done is closed once the handle reaches a terminal state or is cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the final result. It is only meaningful after Done.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

// Wait blocks until the handle finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.Result(), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel stops polling immediately and asks the backend to cancel the job,
// best effort. The timer stops regardless of that request's outcome.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.cancel() // aborts a poll already on the wire
	h.state = model.TaskRevoked
	h.result = Result{TaskID: h.taskID, State: model.TaskRevoked, Message: "Job cancelled.", Err: ErrCancelled}
	res := h.result
	h.mu.Unlock()

	h.interval.StopAsync()
	h.logger.Info("task cancelled")

	if h.p.cfg.CancelURL != nil {
		go h.requestServerCancel(h.p.cfg.CancelURL(h.taskID))
	}
	h.notify(res)
	close(h.done)
}

func (h *Handle) requestServerCancel(url string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := h.p.req.NewRequest(ctx, http.MethodPost, url, nil)
	if err != nil {
		h.logger.Warn("building cancel request", zap.Error(err))
		return
	}
	resp, err := h.p.req.Do(req)
	if err != nil {
		h.logger.Warn("server-side cancel failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

func (h *Handle) tick(context.Context) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	if max := h.p.cfg.MaxDuration; max > 0 && time.Since(h.started) > max {
		h.mu.Unlock()
		h.finish(Result{TaskID: h.taskID, State: model.TaskFailure, Message: "The job did not finish in time.", Err: ErrTimedOut})
		return
	}
	ctx := h.ctx
	h.mu.Unlock()

	res, err := h.poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			h.logger.Warn("poll failed", zap.Error(err))
		}
		return
	}

	if res.State.IsTerminal() {
		h.finish(res)
		return
	}

	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	changed := h.state != res.State
	h.state = res.State
	h.mu.Unlock()
	if changed {
		h.logger.Debug("task state", zap.String("state", string(res.State)))
		h.notify(res)
	}
}

type statusResponse struct {
	State  model.TaskState `json:"state"`
	Status model.TaskState `json:"status"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Detail string          `json:"detail"`
}

func (h *Handle) poll(ctx context.Context) (Result, error) {
	req, err := h.p.req.NewRequest(ctx, http.MethodGet, h.p.cfg.StatusURL(h.taskID), nil)
	if err != nil {
		return Result{}, err
	}
	h.polls.Add(1)
	resp, err := h.p.req.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading status: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if !isJSON(contentType) {
		// Some jobs answer success with the artifact itself.
		return Result{
			TaskID:      h.taskID,
			State:       model.TaskSuccess,
			Data:        body,
			ContentType: contentType,
			Message:     successMessage,
		}, nil
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Result{}, fmt.Errorf("parsing status: %w", err)
	}
	state := sr.State
	if state == "" {
		state = sr.Status
	}
	state = model.TaskState(strings.ToUpper(string(state)))
	if state == "" {
		return Result{}, errors.New("status response carried no state")
	}

	res := Result{TaskID: h.taskID, State: state, Payload: sr.Result, ContentType: contentType}
	switch state {
	case model.TaskSuccess:
		res.Message = successMessage
	case model.TaskFailure:
		detail := sr.Error
		if detail == "" {
			detail = sr.Detail
		}
		if detail == "" {
			detail = failureDetail(sr.Result)
		}
		res.Err = &transport.ServerError{StatusCode: resp.StatusCode, Detail: detail}
		res.Message = transport.UserMessage(res.Err)
	case model.TaskRevoked:
		res.Message = "Job was cancelled on the server."
	}
	return res, nil
}

const successMessage = "Job completed."

// failureDetail pulls a message out of a failure result, which Celery
// reports either as a string or as an exception object.
func failureDetail(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		ExcMessage json.RawMessage `json:"exc_message"`
		Message    string          `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			return obj.Message
		}
		var parts []string
		if json.Unmarshal(obj.ExcMessage, &parts) == nil && len(parts) > 0 {
			return strings.Join(parts, "; ")
		}
		if json.Unmarshal(obj.ExcMessage, &s) == nil {
			return s
		}
	}
	return ""
}

func (h *Handle) finish(res Result) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.state = res.State
	h.result = res
	h.mu.Unlock()

	// Called from the timer goroutine, so it must not wait on itself.
	h.interval.StopAsync()
	h.cancel()

	h.logger.Info("task finished", zap.String("state", string(res.State)), zap.Int("polls", h.Polls()))
	// Done closes after the final update so waiters see it recorded.
	h.notify(res)
	close(h.done)
}

func (h *Handle) notify(res Result) {
	if h.p.cfg.OnUpdate != nil {
		h.p.cfg.OnUpdate(res)
	}
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(contentType, "json")
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}
