package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	cfg.Path = filepath.Join(t.TempDir(), "events.db")
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if es.Enabled() {
		t.Fatal("ephemeral store should not persist")
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "s", Kind: "stt_output"}); err != nil {
		t.Fatalf("ephemeral append should be a no-op: %v", err)
	}
}

func TestAppendAndQueryInOrder(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	if err := es.StartSession(ctx, Session{ID: "session-123", RemoteAddr: "127.0.0.1:5000", SampleRate: 16000}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	same := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, kind := range []string{"stt_output", "agent_chunk", "agent_end"} {
		if err := es.AppendEvent(ctx, Event{SessionID: "session-123", Turn: 1, Kind: kind, Payload: []byte{byte(i)}, CreatedAt: same}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != "stt_output" || events[2].Kind != "agent_end" || events[1].Turn != 1 {
		t.Fatalf("unexpected order: %+v", events)
	}
	if !events[0].CreatedAt.Equal(same) {
		t.Fatalf("unexpected timestamp %s", events[0].CreatedAt)
	}

	if err := es.EndSession(ctx, "session-123"); err != nil {
		t.Fatalf("end session: %v", err)
	}
	sess, ok, err := es.GetSession(ctx, "session-123")
	if err != nil || !ok {
		t.Fatalf("get session: ok=%v err=%v", ok, err)
	}
	if sess.SampleRate != 16000 || sess.EndedAt.IsZero() || sess.RemoteAddr != "127.0.0.1:5000" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if _, ok, _ := es.GetSession(ctx, "missing"); ok {
		t.Fatal("unknown session should not be found")
	}
}

func TestAuditTrail(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	for _, typ := range []string{"skill.invoke.start", "skill.invoke.complete"} {
		if err := es.AppendAudit(ctx, Audit{Skill: "timer", InvocationID: "inv-1", Type: typ, Privacy: "internal"}); err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}
	trail, err := es.ListAudit(ctx, "inv-1")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(trail) != 2 || trail[1].Type != "skill.invoke.complete" || trail[0].Privacy != "internal" {
		t.Fatalf("unexpected trail %+v", trail)
	}

	if err := es.AppendAudit(ctx, Audit{Skill: "lights", InvocationID: "inv-2", Type: "skill.invoke.start"}); err != nil {
		t.Fatalf("append audit: %v", err)
	}
	recent, err := es.ListSkillAudit(ctx, "timer", 1)
	if err != nil {
		t.Fatalf("list skill audit: %v", err)
	}
	if len(recent) != 1 || recent[0].Type != "skill.invoke.complete" {
		t.Fatalf("unexpected recent audit %+v", recent)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, Session{ID: "old-session"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Kind: "stt_output"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.StartSession(ctx, Session{ID: "new-session"}); err != nil {
		t.Fatalf("start session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, ok, _ := es.GetSession(ctx, "new-session"); !ok {
		t.Fatal("recent session should survive")
	}
}
