package panel

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jxucoder/muse/model"
	"github.com/jxucoder/muse/poller"
	"github.com/jxucoder/muse/stream"
	"github.com/jxucoder/muse/upload"
)

// Email backend paths, relative to the LLM engine.
const (
	emailSocketPath = "/ws/email"
	emailStreamPath = "/email/stream"
	emailOneShot    = "/email/generate"
	emailBulkPath   = "/email/bulk"
	emailTasksPath  = "/email/tasks"
)

// EmailOptions configures an EmailAssistant.
type EmailOptions struct {
	// Transport defaults to WebSocket.
	Transport model.TransportKind
	// SessionID resumes a stored conversation when set.
	SessionID string
	// Observer receives the session's updates in addition to the bus.
	Observer stream.Observer
}

// EmailAssistant drafts marketing emails over a streaming session and sends
// them in bulk as a background job.
type EmailAssistant struct {
	d    *Deps
	sess *stream.Session
	bulk *poller.Poller
}

// NewEmailAssistant creates the panel and its session.
func NewEmailAssistant(ctx context.Context, deps *Deps, opts EmailOptions) (*EmailAssistant, error) {
	d := deps.withDefaults()
	kind := opts.Transport
	if kind == "" {
		kind = model.TransportWebSocket
	}

	var path string
	switch kind {
	case model.TransportWebSocket:
		path = emailSocketPath
	case model.TransportSSE:
		path = emailStreamPath
	default:
		path = emailOneShot
	}

	sess, err := d.newSession(ctx, model.PanelEmail, kind,
		d.Factory.Endpoint(kind, EngineLLM, path),
		stream.Config{ID: opts.SessionID}, opts.Observer)
	if err != nil {
		return nil, fmt.Errorf("creating email session: %w", err)
	}
	return &EmailAssistant{
		d:    d,
		sess: sess,
		bulk: d.jobPoller(model.TaskBulkEmail, EngineLLM, emailTasksPath, nil),
	}, nil
}

// Session exposes the underlying streaming session.
func (e *EmailAssistant) Session() *stream.Session { return e.sess }

// Generate starts drafting from prompt.
func (e *EmailAssistant) Generate(ctx context.Context, prompt string) error {
	return e.sess.Submit(ctx, prompt)
}

// Regenerate redrafts from the last prompt.
func (e *EmailAssistant) Regenerate(ctx context.Context) error {
	return e.sess.Regenerate(ctx)
}

// Cancel aborts the draft in progress.
func (e *EmailAssistant) Cancel() bool { return e.sess.Cancel() }

// Draft parses the current text into subject and body.
func (e *EmailAssistant) Draft() (subject, body string) {
	return ParseEmail(e.sess.Text())
}

// Close releases the session.
func (e *EmailAssistant) Close() { e.sess.Close() }

// BulkEmail is a bulk send request.
type BulkEmail struct {
	Subject     string
	Body        string
	Recipients  upload.Set // one CSV file
	Attachments upload.Set
}

// SendBulk validates the request, uploads it and polls the send job every
// second until it finishes. Validation failures are *upload.ValidationError
// and issue no request.
func (e *EmailAssistant) SendBulk(ctx context.Context, req BulkEmail) (*poller.Handle, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return nil, upload.Required("Subject")
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, upload.Required("Body")
	}
	if err := upload.RecipientList.Validate(req.Recipients); err != nil {
		return nil, err
	}
	if err := upload.EmailAttachments.Validate(req.Attachments); err != nil {
		return nil, err
	}

	taskID, err := e.d.submitJob(ctx, EngineLLM, emailBulkPath,
		map[string]string{"subject": req.Subject, "body": req.Body},
		upload.Part{Set: req.Recipients, Name: upload.Field("file")},
		upload.Part{Set: req.Attachments, Name: upload.Indexed("attachment")},
	)
	if err != nil {
		return nil, fmt.Errorf("submitting bulk email: %w", err)
	}
	return e.d.startJob(model.TaskBulkEmail, e.bulk, taskID, e.d.EmailPoll), nil
}

var (
	subjectLine = regexp.MustCompile(`(?i)^[\s*_#>]*subject[*_]*\s*:[*_]*\s*(.*)$`)
	headerLine  = regexp.MustCompile(`^[\s*_#>]*([A-Z][A-Za-z]*)[*_]*\s*:[*_]*\s*(.*)$`)
)

// ParseEmail splits generated text into subject and body. The first line
// starting with "subject:" (any case, markdown emphasis allowed) gives the
// subject. The body is the following non-empty lines up to the next
// capitalized "Word:" header; a "Body:" label is skipped and "P.S." lines
// stay in the body. Without a subject line the whole text is the body.
func ParseEmail(text string) (subject, body string) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	start := -1
	for i, line := range lines {
		if m := subjectLine.FindStringSubmatch(line); m != nil {
			subject = cleanValue(m[1])
			start = i + 1
			break
		}
	}
	if start < 0 {
		return "", strings.TrimSpace(text)
	}

	var out []string
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if name, rest, ok := header(trimmed); ok {
			if strings.EqualFold(name, "body") && len(out) == 0 {
				if rest != "" {
					out = append(out, rest)
				}
				continue
			}
			if len(out) > 0 {
				break
			}
			// Metadata such as "Preheader:" before the body starts.
			continue
		}
		out = append(out, trimmed)
	}
	return subject, strings.Join(out, "\n")
}

func header(line string) (name, rest string, ok bool) {
	if isPostscript(line) {
		return "", "", false
	}
	m := headerLine.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], cleanValue(m[2]), true
}

func isPostscript(line string) bool {
	l := strings.TrimLeft(line, "*_ ")
	return strings.HasPrefix(l, "P.S") || strings.HasPrefix(l, "PS:") || strings.HasPrefix(l, "P.P.S")
}

func cleanValue(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "*_"))
}
