package event

import (
	"encoding/json"
	"time"
)

// Kind discriminates the Event union.
type Kind string

const (
	KindAudioIn    Kind = "audio_in"
	KindSTTChunk   Kind = "stt_chunk"
	KindSTTOutput  Kind = "stt_output"
	KindAgentChunk Kind = "agent_chunk"
	KindToolCall   Kind = "tool_call"
	KindAgentEnd   Kind = "agent_end"
	KindTTSChunk   Kind = "tts_chunk"
	KindError      Kind = "error"
)

var kinds = map[Kind]struct{}{
	KindAudioIn:    {},
	KindSTTChunk:   {},
	KindSTTOutput:  {},
	KindAgentChunk: {},
	KindToolCall:   {},
	KindAgentEnd:   {},
	KindTTSChunk:   {},
	KindError:      {},
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// ToolCall describes a completed tool invocation.
type ToolCall struct {
	Name   string
	Args   json.RawMessage
	Result string
}

// Event is one unit of pipeline output. Events are treated as immutable once
// built; constructors copy any byte slices they are handed.
type Event struct {
	Kind       Kind
	Turn       int
	Transcript string
	TS         time.Time
	Text       string
	Tool       *ToolCall
	Audio      []byte
	Err        *Error
}

// Binary reports whether the event travels as a raw byte frame.
func (e Event) Binary() bool {
	return e.Kind == KindAudioIn || e.Kind == KindTTSChunk
}

// Fatal reports whether the event is an error that ends the session.
func (e Event) Fatal() bool {
	return e.Kind == KindError && e.Err != nil && e.Err.Fatal
}

func AudioIn(pcm []byte) Event {
	return Event{Kind: KindAudioIn, Audio: clone(pcm)}
}

func STTChunk(turn int, transcript string, ts time.Time) Event {
	return Event{Kind: KindSTTChunk, Turn: turn, Transcript: transcript, TS: ts}
}

func STTOutput(turn int, transcript string, ts time.Time) Event {
	return Event{Kind: KindSTTOutput, Turn: turn, Transcript: transcript, TS: ts}
}

func AgentChunk(turn int, text string) Event {
	return Event{Kind: KindAgentChunk, Turn: turn, Text: text}
}

func ToolCallEvent(turn int, call ToolCall) Event {
	call.Args = json.RawMessage(clone(call.Args))
	return Event{Kind: KindToolCall, Turn: turn, Tool: &call}
}

func AgentEnd(turn int) Event {
	return Event{Kind: KindAgentEnd, Turn: turn}
}

func TTSChunk(turn int, audio []byte) Event {
	return Event{Kind: KindTTSChunk, Turn: turn, Audio: clone(audio)}
}

// Failure wraps err into an error event. Errors that are not already
// classified take defaultKind.
func Failure(turn int, err error, defaultKind ErrorKind) Event {
	e := AsError(err, defaultKind)
	return Event{Kind: KindError, Turn: turn, Err: e}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
