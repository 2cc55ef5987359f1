package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/llm"
)

type recordingSummarizer struct {
	calls int
	err   error
}

func (r *recordingSummarizer) Summarize(_ context.Context, prior string, evicted []llm.Message) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	parts := []string{}
	if prior != "" {
		parts = append(parts, prior)
	}
	for _, m := range evicted {
		if m.Role == llm.RoleUser {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "+"), nil
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestHistoryBoundsAndSummarizes(t *testing.T) {
	sum := &recordingSummarizer{}
	h := New(2, sum, discard())
	ctx := context.Background()
	h.Append(ctx, "u1", "a1")
	h.Append(ctx, "u2", "a2")
	if sum.calls != 0 || len(h.Messages()) != 4 {
		t.Fatalf("no eviction expected yet, got %d calls and %d messages", sum.calls, len(h.Messages()))
	}
	h.Append(ctx, "u3", "a3")
	h.Append(ctx, "u4", "a4")
	if h.Len() != 2 {
		t.Fatalf("expected cap of 2 exchanges, got %d", h.Len())
	}
	if h.Summary() != "u1+u2" {
		t.Fatalf("unexpected summary %q", h.Summary())
	}
	msgs := h.Messages()
	if len(msgs) != 5 || msgs[0].Role != llm.RoleSystem || !strings.Contains(msgs[0].Content, "u1+u2") {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if msgs[1].Content != "u3" || msgs[4].Content != "a4" {
		t.Fatalf("exchanges out of order: %+v", msgs)
	}
}

func TestHistoryDropsWhenSummaryFails(t *testing.T) {
	h := New(1, &recordingSummarizer{err: errors.New("down")}, discard())
	h.Append(context.Background(), "u1", "a1")
	h.Append(context.Background(), "u2", "a2")
	msgs := h.Messages()
	if len(msgs) != 2 || msgs[0].Content != "u2" {
		t.Fatalf("expected only the newest exchange, got %+v", msgs)
	}
}

func TestHistoryWithoutSummarizer(t *testing.T) {
	h := New(1, nil, discard())
	h.Append(context.Background(), "u1", "a1")
	h.Append(context.Background(), "u2", "a2")
	if h.Summary() != "" || h.Len() != 1 {
		t.Fatalf("unexpected state summary=%q len=%d", h.Summary(), h.Len())
	}
}
