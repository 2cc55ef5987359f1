package presence

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testBus struct {
	url string
}

func startServer(t *testing.T) testBus {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, discardLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return testBus{url: srv.ClientURL()}
}

func (b testBus) connect(t *testing.T) *bus.Client {
	t.Helper()
	cfg := config.BusConfig{Servers: []string{b.url}, ConnectTimeout: 2000}
	client, err := bus.Connect(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func node(id string, timeoutMS int) config.NodeConfig {
	return config.NodeConfig{ID: id, Role: "voice", HeartbeatInterval: 20, HeartbeatTimeout: timeoutMS}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNodesDiscoverEachOther(t *testing.T) {
	b := startServer(t)
	var sessions atomic.Int64
	sessions.Store(3)

	first, err := New(context.Background(), b.connect(t), Options{
		Node:         node("voice-a", 500),
		Prefix:       "voice",
		Capabilities: []protocol.Capability{{Name: "stt", Provider: "deepgram"}},
		Sessions:     func() int { return int(sessions.Load()) },
	}, discardLogger())
	if err != nil {
		t.Fatalf("first registry: %v", err)
	}
	t.Cleanup(first.Close)

	second, err := New(context.Background(), b.connect(t), Options{
		Node:         node("voice-b", 500),
		Prefix:       "voice",
		Capabilities: []protocol.Capability{{Name: "stt", Provider: "assemblyai"}},
	}, discardLogger())
	if err != nil {
		t.Fatalf("second registry: %v", err)
	}
	t.Cleanup(second.Close)

	waitFor(t, "first to learn about second", func() bool {
		return len(first.Query(WithCapability("stt", "assemblyai"))) == 1
	})
	waitFor(t, "second to learn about first", func() bool {
		nodes := second.Query(WithCapability("stt", "deepgram"))
		return len(nodes) == 1 && nodes[0].ActiveSessions == 3
	})
	waitFor(t, "own heartbeat round trip", first.Healthy)

	nodes := first.Query(WithRole("voice"))
	if len(nodes) != 2 || nodes[0].ID != "voice-a" || nodes[1].ID != "voice-b" {
		t.Fatalf("unexpected nodes %+v", nodes)
	}
	if len(first.Query(WithCapability("tts", ""))) != 0 {
		t.Fatal("no node advertises tts")
	}
}

func TestSilentNodeBecomesUnhealthy(t *testing.T) {
	b := startServer(t)
	watcher, err := New(context.Background(), b.connect(t), Options{Node: node("watcher", 200), Prefix: "voice"}, discardLogger())
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	t.Cleanup(watcher.Close)

	peer, err := New(context.Background(), b.connect(t), Options{Node: node("peer", 200), Prefix: "voice"}, discardLogger())
	if err != nil {
		t.Fatalf("peer: %v", err)
	}
	healthyPeer := func(n NodeInfo) bool { return n.ID == "peer" && n.Healthy }
	waitFor(t, "peer heartbeat", func() bool { return len(watcher.Query(healthyPeer)) == 1 })

	peer.Close()
	peer.Close()
	waitFor(t, "peer to go stale", func() bool { return len(watcher.Query(healthyPeer)) == 0 })
	if len(watcher.Query(func(n NodeInfo) bool { return n.ID == "peer" })) != 1 {
		t.Fatal("stale peer should still be listed")
	}
}

func TestLocalCapabilitiesListTools(t *testing.T) {
	cfg := config.Default()
	registry := tools.NewRegistry()
	if err := registry.Register(tools.NewClock()); err != nil {
		t.Fatal(err)
	}
	caps := LocalCapabilities(cfg, registry)
	if len(caps) != 4 {
		t.Fatalf("expected stt, llm, tts and one tool, got %+v", caps)
	}
	if caps[0].Provider != "mock" || caps[0].Attributes["sample_rate"] != "16000" {
		t.Fatalf("unexpected stt capability %+v", caps[0])
	}
	if caps[3].Name != "tool" || caps[3].Provider != "clock" {
		t.Fatalf("unexpected tool capability %+v", caps[3])
	}
}
