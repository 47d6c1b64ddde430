// Package upload validates and encodes file-bearing submissions.
//
// Every feature declares its Limits; a Set is validated against them before
// any request is built, so an oversized or mistyped upload never reaches
// the network.
package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Validation reasons, matched with errors.Is on a *ValidationError.
var (
	ErrTooLarge     = errors.New("upload too large")
	ErrTooMany      = errors.New("too many files")
	ErrMissing      = errors.New("no file selected")
	ErrExtension    = errors.New("file type not accepted")
	ErrEmptyFile    = errors.New("file is empty")
	ErrMissingField = errors.New("required field missing")
)

// ValidationError is a client-side rejection. Message is shown to the user.
type ValidationError struct {
	Reason  error
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return e.Reason }

func invalid(reason error, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Required returns a ValidationError for an empty required form field.
func Required(field string) error {
	return invalid(ErrMissingField, "%s is required.", field)
}

// File is one selected file.
type File struct {
	Name    string
	Size    int64
	Caption string
	Open    func() (io.ReadCloser, error)
}

// FromBytes wraps in-memory content.
func FromBytes(name string, data []byte) File {
	return File{
		Name: name,
		Size: int64(len(data)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// FromPath stats a file on disk. Content is read lazily at encode time.
func FromPath(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}
	return File{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// Set is an ordered selection of files.
type Set struct {
	Files []File
}

// Add appends f.
func (s *Set) Add(f File) { s.Files = append(s.Files, f) }

// Len returns the number of files.
func (s Set) Len() int { return len(s.Files) }

// Total returns the aggregate size in bytes.
func (s Set) Total() int64 {
	var n int64
	for _, f := range s.Files {
		n += f.Size
	}
	return n
}

// Limits are one feature's upload constraints. Zero values disable a check.
type Limits struct {
	Label      string
	MaxTotal   int64
	MinFiles   int
	MaxFiles   int
	Extensions []string
}

const (
	kb = 1 << 10
	mb = 1 << 20
)

var (
	audioExts = []string{".wav", ".mp3", ".m4a", ".flac", ".ogg"}
	videoExts = []string{".mp4", ".mov", ".webm", ".mkv"}
	imageExts = []string{".png", ".jpg", ".jpeg", ".webp"}
)

// Presets for the dashboard's features.
var (
	EmailAttachments = Limits{Label: "Attachments", MaxTotal: 5 * mb, MaxFiles: 10}
	RecipientList    = Limits{Label: "Recipient list", MaxTotal: 5 * mb, MinFiles: 1, MaxFiles: 1, Extensions: []string{".csv"}}
	VoiceSample      = Limits{Label: "Voice sample", MaxTotal: 50 * mb, MinFiles: 1, MaxFiles: 1, Extensions: audioExts}
	SourceImage      = Limits{Label: "Source image", MaxTotal: 50 * mb, MinFiles: 1, MaxFiles: 1, Extensions: imageExts}
	TranscriptMedia  = Limits{Label: "Media file", MaxTotal: 100 * mb, MinFiles: 1, MaxFiles: 1, Extensions: append(append([]string{}, audioExts...), videoExts...)}
	TrainingImages   = Limits{Label: "Training images", MaxTotal: 100 * mb, MinFiles: 5, MaxFiles: 50, Extensions: imageExts}
)

// Validate checks s against l and returns a *ValidationError on the first
// violation.
func (l Limits) Validate(s Set) error {
	label := l.Label
	if label == "" {
		label = "Upload"
	}
	if l.MinFiles > 0 && s.Len() < l.MinFiles {
		if l.MinFiles == 1 {
			return invalid(ErrMissing, "%s: please select a file.", label)
		}
		return invalid(ErrMissing, "%s: select at least %d files.", label, l.MinFiles)
	}
	if l.MaxFiles > 0 && s.Len() > l.MaxFiles {
		return invalid(ErrTooMany, "%s: at most %d files allowed.", label, l.MaxFiles)
	}
	for _, f := range s.Files {
		if len(l.Extensions) > 0 && !l.accepts(f.Name) {
			return invalid(ErrExtension, "%s: %s is not an accepted file type (%s).", label, f.Name, strings.Join(l.Extensions, ", "))
		}
		if f.Size == 0 {
			return invalid(ErrEmptyFile, "%s: %s is empty.", label, f.Name)
		}
	}
	if l.MaxTotal > 0 && s.Total() > l.MaxTotal {
		return invalid(ErrTooLarge, "%s: total size %s exceeds the %s limit.", label, FormatSize(s.Total()), FormatSize(l.MaxTotal))
	}
	return nil
}

func (l Limits) accepts(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range l.Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

// FormatSize renders n bytes for messages.
func FormatSize(n int64) string {
	switch {
	case n >= mb && n%mb == 0:
		return fmt.Sprintf("%d MB", n/mb)
	case n >= mb:
		return fmt.Sprintf("%.1f MB", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%d KB", n/kb)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// Namer picks the multipart field name for the i-th file.
type Namer func(i int) string

// Field names every file the same, e.g. "file" or "images".
func Field(name string) Namer {
	return func(int) string { return name }
}

// Indexed names files "<prefix>_<i>", e.g. attachment_0, attachment_1.
func Indexed(prefix string) Namer {
	return func(i int) string { return fmt.Sprintf("%s_%d", prefix, i) }
}

// Part is a set of files plus its naming convention.
type Part struct {
	Set  Set
	Name Namer
	// Captions, when set, emits each file's caption as "<Captions>[i]".
	Captions string
}

// WriteMultipart writes fields and parts to w. Fields are written in key
// order so the encoding is deterministic.
func WriteMultipart(w *multipart.Writer, fields map[string]string, parts ...Part) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := w.WriteField(k, fields[k]); err != nil {
			return fmt.Errorf("writing field %s: %w", k, err)
		}
	}

	for _, p := range parts {
		for i, f := range p.Set.Files {
			if err := writeFile(w, p.Name(i), f); err != nil {
				return err
			}
			if p.Captions != "" {
				if err := w.WriteField(fmt.Sprintf("%s[%d]", p.Captions, i), f.Caption); err != nil {
					return fmt.Errorf("writing caption %d: %w", i, err)
				}
			}
		}
	}
	return nil
}

func writeFile(w *multipart.Writer, field string, f File) error {
	if f.Open == nil {
		return fmt.Errorf("file %s has no content", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("opening %s: %w", f.Name, err)
	}
	defer rc.Close()

	fw, err := w.CreateFormFile(field, f.Name)
	if err != nil {
		return fmt.Errorf("creating part %s: %w", field, err)
	}
	if _, err := io.Copy(fw, rc); err != nil {
		return fmt.Errorf("copying %s: %w", f.Name, err)
	}
	return nil
}

// Encode builds a complete multipart body in memory and returns it with
// its content type.
func Encode(fields map[string]string, parts ...Part) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := WriteMultipart(w, fields, parts...); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
