package natsserver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStartSkipsWhenNotEmbedded(t *testing.T) {
	srv, err := Start(config.BusConfig{Embedded: false}, discardLogger())
	if err != nil || srv != nil {
		t.Fatalf("expected no server, got %v %v", srv, err)
	}
	srv.Shutdown()
	if srv.ClientURL() != "" {
		t.Fatal("nil server has no url")
	}
}

func TestTokenIsRequired(t *testing.T) {
	cfg := config.BusConfig{Embedded: true, Port: -1, Token: "s3cret", ConnectTimeout: 1000}
	srv, err := Start(cfg, discardLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("connect with token: %v", err)
	}
	client.Close()

	cfg.Token = ""
	if _, err := bus.Connect(context.Background(), cfg, discardLogger()); err == nil {
		t.Fatal("expected connection without token to be rejected")
	}
}
