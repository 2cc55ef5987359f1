package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tools"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

const (
	testRate   = 16000
	testThresh = 200
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loud() []byte {
	pcm := make([]byte, 320)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(8000)))
	}
	return pcm
}

func quiet() []byte { return make([]byte, 320) }

func mockPipeline(t *testing.T, agent llm.Agent, transcripts ...string) Stage {
	t.Helper()
	log := discardLogger()
	rec := stt.NewMockRecognizer(stt.MockOptions{Transcripts: transcripts, SilenceThreshold: testThresh})
	synth := tts.NewMockSynth(tts.MockOptions{SampleRate: testRate, Channels: 1, ChunkDurationMS: 20, FailWord: "glitch"})
	return Compose(8,
		NewRecognition(rec, stt.Format{Encoding: "pcm_s16le", SampleRate: testRate, Channels: 1}, log),
		NewGeneration(agent, history.New(4, nil, log), config.LLMConfig{}, 4, log),
		NewSynthesis(synth, tts.PolicySentence, log),
	)
}

func mockAgent() llm.Agent {
	registry := tools.NewRegistry()
	_ = registry.Register(tools.NewClock())
	return llm.NewMockAgent(llm.MockOptions{
		Registry:     registry,
		ToolTriggers: map[string]string{"time": "clock"},
		FailWords:    []string{"explode"},
	})
}

// drive feeds inputs, closes the input and collects everything the stage
// produced.
func drive(t *testing.T, stage Stage, inputs []event.Event) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	in := make(chan event.Event)
	out := make(chan event.Event, 16)
	errc := make(chan error, 1)
	go func() {
		err := stage.Run(ctx, in, out)
		close(out)
		errc <- err
	}()
	go func() {
		defer close(in)
		for _, e := range inputs {
			select {
			case in <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	var events []event.Event
	for e := range out {
		events = append(events, e)
	}
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	return events
}

func frames(pattern string) []event.Event {
	var out []event.Event
	for _, c := range pattern {
		if c == 'L' {
			out = append(out, event.AudioIn(loud()))
		} else {
			out = append(out, event.AudioIn(quiet()))
		}
	}
	return out
}

func ofKind(events []event.Event, kind event.Kind, turn int) []event.Event {
	var out []event.Event
	for _, e := range events {
		if e.Kind == kind && e.Turn == turn {
			out = append(out, e)
		}
	}
	return out
}

func agentText(events []event.Event, turn int) string {
	var b strings.Builder
	for _, e := range ofKind(events, event.KindAgentChunk, turn) {
		b.WriteString(e.Text)
	}
	return b.String()
}

func turnAudio(events []event.Event, turn int) []byte {
	var pcm []byte
	for _, e := range ofKind(events, event.KindTTSChunk, turn) {
		pcm = append(pcm, e.Audio...)
	}
	return pcm
}

func firstIndex(events []event.Event, kind event.Kind, turn int) int {
	for i, e := range events {
		if e.Kind == kind && e.Turn == turn {
			return i
		}
	}
	return -1
}

func lastIndex(events []event.Event, kind event.Kind, turn int) int {
	idx := -1
	for i, e := range events {
		if e.Kind == kind && e.Turn == turn {
			idx = i
		}
	}
	return idx
}

// checkTurnOrder asserts the per-turn ordering every session relies on.
func checkTurnOrder(t *testing.T, events []event.Event, turn int) {
	t.Helper()
	output := firstIndex(events, event.KindSTTOutput, turn)
	if output < 0 {
		t.Fatalf("turn %d: no stt_output", turn)
	}
	if last := lastIndex(events, event.KindSTTChunk, turn); last > output {
		t.Fatalf("turn %d: stt_chunk after stt_output", turn)
	}
	firstAgent := firstIndex(events, event.KindAgentChunk, turn)
	if firstAgent >= 0 && firstAgent < output {
		t.Fatalf("turn %d: agent output before transcript", turn)
	}
	end := firstIndex(events, event.KindAgentEnd, turn)
	if end >= 0 && lastIndex(events, event.KindAgentChunk, turn) > end {
		t.Fatalf("turn %d: agent_chunk after agent_end", turn)
	}
	if audio := firstIndex(events, event.KindTTSChunk, turn); audio >= 0 && audio < firstAgent {
		t.Fatalf("turn %d: audio before agent text", turn)
	}
}

func TestTurkeySandwich(t *testing.T) {
	stage := mockPipeline(t, mockAgent(), "I would like a turkey sandwich")
	events := drive(t, stage, frames("LLLS"))

	partials := ofKind(events, event.KindSTTChunk, 1)
	if len(partials) != 3 || partials[2].Transcript != "I would like" {
		t.Fatalf("unexpected partials %+v", partials)
	}
	outputs := ofKind(events, event.KindSTTOutput, 1)
	if len(outputs) != 1 || outputs[0].Transcript != "I would like a turkey sandwich" {
		t.Fatalf("unexpected transcripts %+v", outputs)
	}
	reply := agentText(events, 1)
	if reply != "You said I would like a turkey sandwich." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if len(ofKind(events, event.KindAgentEnd, 1)) != 1 {
		t.Fatal("expected exactly one agent_end")
	}
	if got, want := turnAudio(events, 1), tts.MockRender(reply, testRate, 1); string(got) != string(want) {
		t.Fatalf("audio does not match reply: %d vs %d bytes", len(got), len(want))
	}
	if len(ofKind(events, event.KindError, 1)) != 0 {
		t.Fatal("unexpected error events")
	}
	for _, e := range events {
		if e.Kind == event.KindAudioIn {
			t.Fatal("audio_in should not reach the output")
		}
	}
	checkTurnOrder(t, events, 1)
}

func TestDisconnectMidUtteranceFinalizes(t *testing.T) {
	stage := mockPipeline(t, mockAgent(), "I would like a turkey sandwich")
	events := drive(t, stage, frames("LL"))

	outputs := ofKind(events, event.KindSTTOutput, 1)
	if len(outputs) != 1 || outputs[0].Transcript != "I would like a turkey sandwich" {
		t.Fatalf("expected the pending utterance to finalize, got %+v", outputs)
	}
	if len(ofKind(events, event.KindAgentEnd, 1)) != 1 {
		t.Fatal("finalized turn should still get a reply")
	}
	if len(turnAudio(events, 1)) == 0 {
		t.Fatal("finalized turn should still be spoken")
	}
	checkTurnOrder(t, events, 1)
}

func TestAgentFailureScopedToTurn(t *testing.T) {
	stage := mockPipeline(t, mockAgent(), "please explode now", "what time is it")
	events := drive(t, stage, frames("LLLSLLLLS"))

	errs := ofKind(events, event.KindError, 1)
	if len(errs) != 1 || errs[0].Fatal() || errs[0].Err.Kind != event.ErrUpstreamService {
		t.Fatalf("expected one turn-scoped upstream error, got %+v", errs)
	}
	if len(ofKind(events, event.KindAgentEnd, 1)) != 0 || len(ofKind(events, event.KindTTSChunk, 1)) != 0 {
		t.Fatal("failed turn must not complete")
	}

	calls := ofKind(events, event.KindToolCall, 2)
	if len(calls) != 1 || calls[0].Tool.Name != "clock" || calls[0].Tool.Result == "" {
		t.Fatalf("expected clock tool call, got %+v", calls)
	}
	if len(ofKind(events, event.KindAgentEnd, 2)) != 1 {
		t.Fatal("second turn should complete")
	}
	if !strings.HasPrefix(agentText(events, 2), "You said what time is it.") {
		t.Fatalf("unexpected reply %q", agentText(events, 2))
	}
	if firstIndex(events, event.KindToolCall, 2) > firstIndex(events, event.KindAgentEnd, 2) {
		t.Fatal("tool_call after agent_end")
	}
	checkTurnOrder(t, events, 2)
}

func TestSynthesisFailureDoesNotBlockNextTurn(t *testing.T) {
	stage := mockPipeline(t, mockAgent(), "say glitch", "hello there")
	events := drive(t, stage, frames("LLSLLS"))

	errs := ofKind(events, event.KindError, 1)
	if len(errs) != 1 || errs[0].Fatal() {
		t.Fatalf("expected one turn-scoped error for turn 1, got %+v", errs)
	}
	if len(ofKind(events, event.KindAgentEnd, 1)) != 1 {
		t.Fatal("generation for turn 1 completed before synthesis failed")
	}
	if len(turnAudio(events, 1)) != 0 {
		t.Fatal("failed turn should carry no audio")
	}
	reply := agentText(events, 2)
	if got, want := turnAudio(events, 2), tts.MockRender(reply, testRate, 1); string(got) != string(want) {
		t.Fatalf("turn 2 audio mismatch: %d vs %d bytes", len(got), len(want))
	}
	if len(ofKind(events, event.KindError, 2)) != 0 {
		t.Fatal("turn 2 should not fail")
	}
}

func TestAudioIsTaggedPerTurn(t *testing.T) {
	stage := mockPipeline(t, mockAgent(), "hello", "goodbye", "thanks")
	events := drive(t, stage, frames("LSLSLS"))

	for turn := 1; turn <= 3; turn++ {
		reply := agentText(events, turn)
		if got, want := turnAudio(events, turn), tts.MockRender(reply, testRate, 1); string(got) != string(want) {
			t.Fatalf("turn %d audio mismatch for %q", turn, reply)
		}
		checkTurnOrder(t, events, turn)
	}
	if len(ofKind(events, event.KindTTSChunk, 0)) != 0 {
		t.Fatal("audio without a turn")
	}
}

func TestEmptyAudioProducesNothing(t *testing.T) {
	stage := mockPipeline(t, mockAgent())
	events := drive(t, stage, []event.Event{event.AudioIn(nil), event.AudioIn([]byte{})})
	if len(events) != 0 {
		t.Fatalf("expected no events, got %+v", events)
	}
}

func TestForeignEventsPassThrough(t *testing.T) {
	stage := mockPipeline(t, mockAgent())
	foreign := event.Failure(0, errors.New("client hiccup"), event.ErrProtocol)
	events := drive(t, stage, []event.Event{foreign})
	if len(events) != 1 || events[0].Err == nil || events[0].Err.Message != "client hiccup" {
		t.Fatalf("expected the injected event back, got %+v", events)
	}
}

func TestRecognitionOpenFailureIsFatal(t *testing.T) {
	log := discardLogger()
	stage := NewRecognition(failingRecognizer{}, stt.Format{}, log)
	events := drive(t, stage, frames("LL"))
	if len(events) != 1 || !events[0].Fatal() {
		t.Fatalf("expected one fatal error, got %+v", events)
	}
}

func TestRecognitionStreamFailureIsFatal(t *testing.T) {
	log := discardLogger()
	rec := stt.NewMockRecognizer(stt.MockOptions{SilenceThreshold: testThresh, FailAfterFrames: 2})
	stage := NewRecognition(rec, stt.Format{}, log)
	events := drive(t, stage, frames("LLLL"))
	var fatal int
	for _, e := range events {
		if e.Fatal() {
			fatal++
		}
	}
	if fatal != 1 {
		t.Fatalf("expected exactly one fatal error, got %+v", events)
	}
}

type failingRecognizer struct{}

func (failingRecognizer) Open(context.Context, stt.Format) (stt.Stream, error) {
	return nil, event.Errorf(event.ErrUpstreamService, "connection refused")
}

// recordingAgent replies "ok" and records the history it was handed.
type recordingAgent struct {
	mu      sync.Mutex
	history [][]llm.Message
}

func (a *recordingAgent) Generate(_ context.Context, req llm.Request) iter.Seq2[llm.Chunk, error] {
	a.mu.Lock()
	a.history = append(a.history, req.History)
	a.mu.Unlock()
	return func(yield func(llm.Chunk, error) bool) {
		if strings.Contains(req.Text, "explode") {
			yield(llm.Chunk{}, errors.New("boom"))
			return
		}
		if !yield(llm.Chunk{Kind: llm.ChunkText, Text: "ok"}, nil) {
			return
		}
		yield(llm.Chunk{Kind: llm.ChunkEnd}, nil)
	}
}

func TestHistoryRecordsCompletedTurnsOnly(t *testing.T) {
	agent := &recordingAgent{}
	stage := mockPipeline(t, agent, "first", "explode", "third")
	drive(t, stage, frames("LSLSLS"))

	agent.mu.Lock()
	defer agent.mu.Unlock()
	if len(agent.history) != 3 {
		t.Fatalf("expected three generations, got %d", len(agent.history))
	}
	if len(agent.history[0]) != 0 || len(agent.history[1]) != 2 || len(agent.history[2]) != 2 {
		t.Fatalf("unexpected history sizes %d %d %d", len(agent.history[0]), len(agent.history[1]), len(agent.history[2]))
	}
	if agent.history[2][0].Content != "first" || agent.history[2][1].Content != "ok" {
		t.Fatalf("unexpected history %+v", agent.history[2])
	}
}

func TestComposeName(t *testing.T) {
	log := discardLogger()
	stage := Compose(1,
		NewRecognition(failingRecognizer{}, stt.Format{}, log),
		NewSynthesis(tts.NewMockSynth(tts.MockOptions{}), tts.PolicyImmediate, log),
	)
	if stage.Name() != "recognition>synthesis" {
		t.Fatalf("unexpected name %q", stage.Name())
	}
	empty := Compose(0)
	events := drive(t, empty, []event.Event{event.AgentEnd(7)})
	if len(events) != 1 || events[0].Turn != 7 {
		t.Fatalf("empty composition should forward, got %+v", events)
	}
}

func TestCancelStopsPipeline(t *testing.T) {
	stage := mockPipeline(t, mockAgent(), "hello")
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan event.Event)
	out := make(chan event.Event, 64)
	errc := make(chan error, 1)
	go func() { errc <- stage.Run(ctx, in, out) }()
	in <- event.AudioIn(loud())
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestQueuedFinalsSurviveInputClose(t *testing.T) {
	for _, pattern := range []string{"LSLSLS", "LSLSL"} {
		stage := mockPipeline(t, mockAgent(), "hello", "goodbye", "thanks")
		events := drive(t, stage, frames(pattern))
		for turn, want := range []string{"hello", "goodbye", "thanks"} {
			outputs := ofKind(events, event.KindSTTOutput, turn+1)
			if len(outputs) != 1 || outputs[0].Transcript != want {
				t.Fatalf("%s: turn %d transcripts %+v", pattern, turn+1, outputs)
			}
			if len(ofKind(events, event.KindAgentEnd, turn+1)) != 1 {
				t.Fatalf("%s: turn %d should get one reply", pattern, turn+1)
			}
			checkTurnOrder(t, events, turn+1)
		}
	}
}

func TestCancelWithBlockedDownstream(t *testing.T) {
	for i := 0; i < 20; i++ {
		stage := mockPipeline(t, mockAgent(), "hello", "goodbye")
		ctx, cancel := context.WithCancel(context.Background())
		in := make(chan event.Event, 8)
		out := make(chan event.Event)
		for _, e := range frames("LSLS") {
			in <- e
		}
		errc := make(chan error, 1)
		go func() {
			err := stage.Run(ctx, in, out)
			close(out)
			errc <- err
		}()
		time.Sleep(time.Millisecond)
		cancel()
		select {
		case err := <-errc:
			if err != nil && !errors.Is(err, context.Canceled) {
				t.Fatalf("expected cancellation, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not stop")
		}
	}
}
