package history

import (
	"context"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/llm"
)

// Summarizer folds evicted exchanges into a running summary.
type Summarizer interface {
	Summarize(ctx context.Context, prior string, evicted []llm.Message) (string, error)
}

type exchange struct {
	user      string
	assistant string
}

// History is a session's bounded conversation memory. It is owned by the
// Generation stage and is not safe for concurrent use.
type History struct {
	maxTurns   int
	summarizer Summarizer
	log        *slog.Logger

	summary   string
	exchanges []exchange
}

// New returns a history keeping maxTurns exchanges. A nil summarizer drops
// evicted exchanges instead of summarizing them.
func New(maxTurns int, summarizer Summarizer, logger *slog.Logger) *History {
	if maxTurns <= 0 {
		maxTurns = 1
	}
	return &History{maxTurns: maxTurns, summarizer: summarizer, log: logger}
}

// Append records one completed turn and evicts the oldest exchanges once
// the cap is exceeded.
func (h *History) Append(ctx context.Context, user, assistant string) {
	h.exchanges = append(h.exchanges, exchange{user: user, assistant: assistant})
	if len(h.exchanges) <= h.maxTurns {
		return
	}
	overflow := len(h.exchanges) - h.maxTurns
	evicted := h.exchanges[:overflow]
	h.exchanges = append([]exchange(nil), h.exchanges[overflow:]...)

	if h.summarizer == nil {
		return
	}
	var msgs []llm.Message
	for _, e := range evicted {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: e.user},
			llm.Message{Role: llm.RoleAssistant, Content: e.assistant},
		)
	}
	summary, err := h.summarizer.Summarize(ctx, h.summary, msgs)
	if err != nil {
		h.log.Warn("history summarization failed, dropping evicted turns", slog.String("error", err.Error()), slog.Int("evicted", overflow))
		return
	}
	h.summary = summary
}

// Messages returns the summary as a system message followed by the
// retained exchanges, oldest first.
func (h *History) Messages() []llm.Message {
	var out []llm.Message
	if h.summary != "" {
		out = append(out, llm.Message{Role: llm.RoleSystem, Content: "Conversation summary: " + h.summary})
	}
	for _, e := range h.exchanges {
		out = append(out,
			llm.Message{Role: llm.RoleUser, Content: e.user},
			llm.Message{Role: llm.RoleAssistant, Content: e.assistant},
		)
	}
	return out
}

func (h *History) Len() int { return len(h.exchanges) }

func (h *History) Summary() string { return h.summary }
