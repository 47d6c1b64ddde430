package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// GenericFailure is shown when the backend gives no usable error detail.
const GenericFailure = "Something went wrong. Please try again."

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: connection closed")

// ServerError is a non-2xx response from the backend.
type ServerError struct {
	StatusCode int
	Detail     string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Detail)
}

// UserMessage returns the text a panel should show for err: the server
// detail verbatim when there is one, otherwise a generic fallback.
func UserMessage(err error) string {
	var se *ServerError
	if errors.As(err, &se) && se.Detail != "" {
		return se.Detail
	}
	return GenericFailure
}

// ReadServerError drains resp.Body and extracts a "detail" or "error" field.
// Plain-text bodies are used as the detail directly.
func ReadServerError(resp *http.Response) *ServerError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	se := &ServerError{StatusCode: resp.StatusCode}

	var payload struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Error != "":
			se.Detail = payload.Error
		case len(payload.Detail) > 0:
			var s string
			if json.Unmarshal(payload.Detail, &s) == nil {
				se.Detail = s
			} else {
				se.Detail = string(payload.Detail)
			}
		}
		return se
	}
	se.Detail = strings.TrimSpace(string(body))
	return se
}
