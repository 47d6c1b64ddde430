package model

import (
	"bytes"
	"encoding/json"
)

// Envelope is one decoded inbound stream message. The set of cases is closed:
// Started, Token, Done, Failure, Notice, Terminator and Raw.
type Envelope interface {
	envelope()
}

// Started marks the backend beginning to produce output.
type Started struct{}

// Token carries a fragment of generated text.
type Token struct {
	Text string
}

// Done finalizes the stream. Text is an optional trailing fragment and
// Fields holds any extra keys the backend attached (image URLs, ids).
type Done struct {
	Text   string
	Fields map[string]json.RawMessage
}

// Failure is a server-reported error.
type Failure struct {
	Message string
}

// Notice is a recognised event other than "started".
type Notice struct {
	Name string
}

// Terminator is the literal SSE "[DONE]" payload.
type Terminator struct{}

// Raw is input that did not decode as an envelope. It is rendered as text.
type Raw struct {
	Text string
}

func (Started) envelope()    {}
func (Token) envelope()      {}
func (Done) envelope()       {}
func (Failure) envelope()    {}
func (Notice) envelope()     {}
func (Terminator) envelope() {}
func (Raw) envelope()        {}

// DoneMarker is the SSE payload that ends a stream without a JSON envelope.
const DoneMarker = "[DONE]"

type wireEnvelope struct {
	Event *string `json:"event"`
	Token *string `json:"token"`
	Done  *bool   `json:"done"`
	Error *string `json:"error"`
}

// DecodeEnvelope classifies a raw message. It never fails: anything that is
// not a recognised envelope comes back as Raw with the payload unchanged.
func DecodeEnvelope(data []byte) Envelope {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == DoneMarker {
		return Terminator{}
	}
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Raw{Text: string(data)}
	}

	var w wireEnvelope
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Raw{Text: string(data)}
	}

	switch {
	case w.Error != nil:
		return Failure{Message: *w.Error}
	case w.Done != nil && *w.Done:
		d := Done{}
		if w.Token != nil {
			d.Text = *w.Token
		}
		d.Fields = extraFields(trimmed)
		return d
	case w.Token != nil:
		return Token{Text: *w.Token}
	case w.Event != nil:
		if *w.Event == "started" {
			return Started{}
		}
		return Notice{Name: *w.Event}
	}
	return Raw{Text: string(data)}
}

func extraFields(data []byte) map[string]json.RawMessage {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil
	}
	for _, k := range []string{"event", "token", "done", "error"} {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil
	}
	return all
}
