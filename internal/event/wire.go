package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type wireEvent struct {
	Type       Kind            `json:"type"`
	Turn       int             `json:"turn,omitempty"`
	Transcript string          `json:"transcript,omitempty"`
	TS         *time.Time      `json:"ts,omitempty"`
	Text       string          `json:"text,omitempty"`
	Name       string          `json:"name,omitempty"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     string          `json:"result,omitempty"`
	ErrorKind  ErrorKind       `json:"kind,omitempty"`
	Message    string          `json:"message,omitempty"`
	Fatal      bool            `json:"fatal,omitempty"`
	Bytes      int             `json:"bytes,omitempty"`
}

// MarshalJSON renders the text-frame form. Audio payloads are not inlined;
// only their length is reported.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:       e.Kind,
		Turn:       e.Turn,
		Transcript: e.Transcript,
		Text:       e.Text,
		Bytes:      len(e.Audio),
	}
	if !e.TS.IsZero() {
		ts := e.TS.UTC()
		w.TS = &ts
	}
	if e.Tool != nil {
		w.Name = e.Tool.Name
		w.Args = e.Tool.Args
		w.Result = e.Tool.Result
	}
	if e.Err != nil {
		w.ErrorKind = e.Err.Kind
		w.Message = e.Err.Message
		w.Fatal = e.Err.Fatal
	}
	return json.Marshal(w)
}

// Decode parses a text frame. Unknown types are rejected.
func Decode(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !w.Type.Valid() {
		return Event{}, fmt.Errorf("decode event: unknown type %q", w.Type)
	}
	e := Event{
		Kind:       w.Type,
		Turn:       w.Turn,
		Transcript: w.Transcript,
		Text:       w.Text,
	}
	if w.TS != nil {
		e.TS = *w.TS
	}
	switch w.Type {
	case KindToolCall:
		if w.Name == "" {
			return Event{}, errors.New("decode event: tool_call without name")
		}
		e.Tool = &ToolCall{Name: w.Name, Args: w.Args, Result: w.Result}
	case KindError:
		e.Err = &Error{Kind: w.ErrorKind, Message: w.Message, Fatal: w.Fatal}
	}
	return e, nil
}
