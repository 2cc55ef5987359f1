package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/logging"
)

const testGrace = 500 * time.Millisecond

func vendorServer(t *testing.T, auth string, handle func(t *testing.T, r *http.Request, conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != auth {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(t, r, conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func collect(t *testing.T, s Stream) ([]Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []Result
	for res, err := range Results(ctx, s) {
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func loud(n int) []byte {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(10000)))
	}
	return pcm
}

func quiet(n int) []byte {
	return make([]byte, n*2)
}

func TestIsSilent(t *testing.T) {
	if !IsSilent(nil, 200) {
		t.Fatal("empty frame should be silent")
	}
	if !IsSilent(quiet(160), 200) {
		t.Fatal("zero samples should be silent")
	}
	if IsSilent(loud(160), 200) {
		t.Fatal("loud samples should not be silent")
	}
}

func TestAssemblyAIStreamsPartialsAndForcedFinal(t *testing.T) {
	endpoint := vendorServer(t, "aai-key", func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		if r.URL.Query().Get("sample_rate") != "16000" || r.URL.Query().Get("encoding") != "pcm_s16le" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_ = conn.WriteJSON(map[string]any{"type": "Begin", "id": "sess-1"})
		words := []string{"hello", "hello world"}
		frames := 0
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				if frames < len(words) {
					_ = conn.WriteJSON(map[string]any{"type": "Turn", "transcript": words[frames], "end_of_turn": false})
				}
				frames++
				continue
			}
			var ctrl struct{ Type string }
			_ = json.Unmarshal(data, &ctrl)
			switch ctrl.Type {
			case "ForceEndpoint":
				// unformatted end of turn is ignored while format_turns is on
				_ = conn.WriteJSON(map[string]any{"type": "Turn", "transcript": "hello world", "end_of_turn": true, "turn_is_formatted": false})
				_ = conn.WriteJSON(map[string]any{"type": "Turn", "transcript": "Hello world.", "end_of_turn": true, "turn_is_formatted": true})
			case "Terminate":
				_ = conn.WriteJSON(map[string]any{"type": "Termination"})
				closeNormally(conn)
				return
			}
		}
	})

	rec := NewAssemblyAI(config.STTConfig{APIKey: "aai-key", Endpoint: endpoint, FormatTurns: true}, testGrace, 5, logging.Discard())
	ctx := context.Background()
	stream, err := rec.Open(ctx, Format{Encoding: "linear16", SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := stream.SendAudio(ctx, loud(160)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	// give the server time to answer both frames before finalizing
	time.Sleep(100 * time.Millisecond)
	if err := stream.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	results, err := collect(t, stream)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	var finals []string
	for _, r := range results {
		if r.Final {
			finals = append(finals, r.Text)
		}
	}
	if len(finals) != 1 || finals[0] != "Hello world." {
		t.Fatalf("expected one formatted final, got %+v", results)
	}
	if results[0].Text != "hello" || results[0].Final {
		t.Fatalf("expected leading partial, got %+v", results[0])
	}
}

func TestAssemblyAIErrorMessageIsFatal(t *testing.T) {
	endpoint := vendorServer(t, "aai-key", func(t *testing.T, _ *http.Request, conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"error": "session expired"})
		_, _, _ = conn.ReadMessage()
	})
	rec := NewAssemblyAI(config.STTConfig{APIKey: "aai-key", Endpoint: endpoint}, testGrace, 5, logging.Discard())
	stream, err := rec.Open(context.Background(), Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close(context.Background())
	_, err = collect(t, stream)
	var classified *event.Error
	if !errors.As(err, &classified) || !classified.Fatal || classified.Kind != event.ErrUpstreamService {
		t.Fatalf("expected fatal upstream error, got %v", err)
	}
	if !strings.Contains(classified.Message, "session expired") {
		t.Fatalf("vendor reason missing: %q", classified.Message)
	}
}

func TestAssemblyAIOpenRejectedIsUpstream(t *testing.T) {
	endpoint := vendorServer(t, "aai-key", func(*testing.T, *http.Request, *websocket.Conn) {})
	rec := NewAssemblyAI(config.STTConfig{APIKey: "wrong", Endpoint: endpoint}, testGrace, 5, logging.Discard())
	_, err := rec.Open(context.Background(), Format{SampleRate: 16000, Channels: 1})
	if !errors.Is(err, &event.Error{Kind: event.ErrUpstreamService}) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestAssemblyAIMalformedRunEscalates(t *testing.T) {
	endpoint := vendorServer(t, "aai-key", func(t *testing.T, _ *http.Request, conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "Turn", "transcript": "ok"})
		for i := 0; i < 3; i++ {
			_ = conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
		}
		_, _, _ = conn.ReadMessage()
	})
	rec := NewAssemblyAI(config.STTConfig{APIKey: "aai-key", Endpoint: endpoint}, testGrace, 2, logging.Discard())
	stream, err := rec.Open(context.Background(), Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close(context.Background())
	results, err := collect(t, stream)
	if len(results) != 1 || results[0].Text != "ok" {
		t.Fatalf("valid message before the bad run should be delivered, got %+v", results)
	}
	var classified *event.Error
	if !errors.As(err, &classified) || !classified.Fatal {
		t.Fatalf("expected fatal escalation, got %v", err)
	}
}

func dgResults(transcript string, isFinal, speechFinal bool) map[string]any {
	return map[string]any{
		"type":         "Results",
		"is_final":     isFinal,
		"speech_final": speechFinal,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": transcript, "confidence": 0.9}},
		},
	}
}

func TestDeepgramAccumulatesSegmentsIntoFinal(t *testing.T) {
	endpoint := vendorServer(t, "Token dg-key", func(t *testing.T, r *http.Request, conn *websocket.Conn) {
		q := r.URL.Query()
		if q.Get("model") != "nova-3" || q.Get("interim_results") != "true" || q.Get("sample_rate") != "16000" {
			t.Errorf("unexpected query %q", r.URL.RawQuery)
		}
		_ = conn.WriteJSON(map[string]any{"type": "Metadata", "request_id": "r1"})
		frames := 0
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				frames++
				switch frames {
				case 1:
					_ = conn.WriteJSON(dgResults("turn the", false, false))
				case 2:
					_ = conn.WriteJSON(dgResults("turn the lights", true, false))
				case 3:
					_ = conn.WriteJSON(dgResults("on", true, true))
				case 4:
					_ = conn.WriteJSON(map[string]any{"type": "SpeechStarted"})
					_ = conn.WriteJSON(dgResults("thanks", false, false))
				}
				continue
			}
			var ctrl struct{ Type string }
			_ = json.Unmarshal(data, &ctrl)
			switch ctrl.Type {
			case "Finalize":
				_ = conn.WriteJSON(dgResults("thanks", true, false))
			case "CloseStream":
				closeNormally(conn)
				return
			}
		}
	})

	rec := NewDeepgram(config.STTConfig{APIKey: "dg-key", Endpoint: endpoint, Model: "nova-3", Language: "en"}, testGrace, 5, logging.Discard())
	ctx := context.Background()
	stream, err := rec.Open(ctx, Format{Encoding: "linear16", SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := stream.SendAudio(ctx, loud(160)); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond)
	if err := stream.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	results, err := collect(t, stream)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	var finals []string
	for _, r := range results {
		if r.Final {
			finals = append(finals, r.Text)
		}
	}
	want := []string{"turn the lights on", "thanks"}
	if len(finals) != len(want) || finals[0] != want[0] || finals[1] != want[1] {
		t.Fatalf("expected finals %v, got %v", want, finals)
	}
}

func TestDeepgramErrorIsFatal(t *testing.T) {
	endpoint := vendorServer(t, "Token dg-key", func(t *testing.T, _ *http.Request, conn *websocket.Conn) {
		_ = conn.WriteJSON(map[string]any{"type": "Error", "description": "quota exceeded"})
		_, _, _ = conn.ReadMessage()
	})
	rec := NewDeepgram(config.STTConfig{APIKey: "dg-key", Endpoint: endpoint}, testGrace, 5, logging.Discard())
	stream, err := rec.Open(context.Background(), Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close(context.Background())
	_, err = collect(t, stream)
	var classified *event.Error
	if !errors.As(err, &classified) || !classified.Fatal || !strings.Contains(classified.Message, "quota exceeded") {
		t.Fatalf("expected fatal vendor error, got %v", err)
	}
}

func TestMockRecognizerRevealsWordsThenFinalizes(t *testing.T) {
	rec := NewMockRecognizer(MockOptions{Transcripts: []string{"what time is it", "thanks"}, SilenceThreshold: 200})
	ctx := context.Background()
	stream, err := rec.Open(ctx, Format{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	send := func(pcm []byte) {
		t.Helper()
		if err := stream.SendAudio(ctx, pcm); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	send(quiet(160)) // leading silence emits nothing
	send(loud(160))
	send(loud(160))
	send(quiet(160))
	send(loud(160))
	if err := stream.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := stream.SendAudio(ctx, loud(160)); err == nil {
		t.Fatal("send after close should fail")
	}

	results, err := collect(t, stream)
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	want := []Result{
		{Text: "what"},
		{Text: "what time"},
		{Text: "what time is it", Final: true},
		{Text: "thanks"},
		{Text: "thanks", Final: true},
	}
	if len(results) != len(want) {
		t.Fatalf("expected %d results, got %+v", len(want), results)
	}
	for i := range want {
		if results[i].Text != want[i].Text || results[i].Final != want[i].Final {
			t.Fatalf("result %d: want %+v got %+v", i, want[i], results[i])
		}
		if afterClose := i == len(want)-1; results[i].AfterClose != afterClose {
			t.Fatalf("result %d: AfterClose = %v", i, results[i].AfterClose)
		}
	}
}

func TestMockRecognizerFailure(t *testing.T) {
	rec := NewMockRecognizer(MockOptions{SilenceThreshold: 200, FailAfterFrames: 2})
	ctx := context.Background()
	stream, _ := rec.Open(ctx, Format{SampleRate: 16000, Channels: 1})
	_ = stream.SendAudio(ctx, loud(160))
	_ = stream.SendAudio(ctx, loud(160))
	results, err := collect(t, stream)
	if len(results) != 1 {
		t.Fatalf("expected the partial before the failure, got %+v", results)
	}
	if !errors.Is(err, &event.Error{Kind: event.ErrUpstreamService}) {
		t.Fatalf("expected upstream failure, got %v", err)
	}
	if err := stream.Close(ctx); err != nil {
		t.Fatalf("close after failure: %v", err)
	}
}

func TestFromConfigModes(t *testing.T) {
	session := config.SessionConfig{FinalizeGraceMS: 100, MaxMalformed: 5}
	for _, mode := range []string{"assemblyai", "deepgram", "mock"} {
		if _, err := FromConfig(config.STTConfig{Mode: mode, APIKey: "k"}, session, logging.Discard()); err != nil {
			t.Fatalf("%s: %v", mode, err)
		}
	}
	if _, err := FromConfig(config.STTConfig{Mode: "exec", Command: "whisper --json"}, session, logging.Discard()); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if _, err := FromConfig(config.STTConfig{Mode: "exec"}, session, logging.Discard()); err == nil {
		t.Fatal("empty exec command should fail")
	}
	if _, err := FromConfig(config.STTConfig{Mode: "carrier-pigeon"}, session, logging.Discard()); err == nil {
		t.Fatal("unknown mode should fail")
	}
}
