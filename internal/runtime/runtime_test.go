package runtime

import (
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/logging"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.EventStore.RetentionMode = "session"
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "voice.db")
	cfg.STT.MockTranscripts = []string{"what time is it"}
	cfg.Session.SummarizeHistory = false
	return cfg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func loud() []byte {
	pcm := make([]byte, 320)
	for i := 0; i < len(pcm)/2; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(6000)))
	}
	return pcm
}

func TestRuntimeServesVoiceAndShutsDown(t *testing.T) {
	rt := New(testConfig(t), logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	addr, err := rt.Addr(waitCtx)
	if err != nil {
		cancel()
		t.Fatalf("runtime did not bind: %v (start: %v)", err, <-done)
	}
	base := "http://" + addr

	if code, body := get(t, base+"/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, _ := get(t, base+"/readyz"); code != http.StatusOK {
		t.Fatalf("readyz: %d", code)
	}
	if code, body := get(t, base+"/v1/nodes"); code != http.StatusOK || !strings.Contains(body, `"id":"loqa-voice-1"`) || !strings.Contains(body, `"provider":"clock"`) {
		t.Fatalf("nodes: %d %q", code, body)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/v1/voice", nil)
	if err != nil {
		t.Fatalf("dial voice: %v", err)
	}
	for _, frame := range [][]byte{loud(), loud(), make([]byte, 320)} {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("write audio: %v", err)
		}
	}
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	sawTool := false
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if kind == websocket.TextMessage && strings.Contains(string(data), `"type":"tool_call"`) {
			sawTool = true
		}
	}
	_ = conn.Close()
	if !sawTool {
		t.Fatal("expected the clock tool to be called")
	}

	if code, body := get(t, base+"/metrics"); code != http.StatusOK || !strings.Contains(body, "loqa_voice_events") {
		t.Fatalf("metrics: %d missing voice instruments", code)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runtime exited with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runtime did not stop")
	}
}

func TestReadyRequiresHealthyBus(t *testing.T) {
	cfg := config.Default()
	cfg.Bus.Enabled = true
	rt := New(cfg, logging.Discard())
	rt.ready.Store(true)

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a bus connection, got %d", rec.Code)
	}
}
