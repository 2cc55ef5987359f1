package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/tools"
)

// MockOptions scripts the offline agent.
type MockOptions struct {
	Registry *tools.Registry
	// ToolTriggers maps a word in the transcript to the tool it invokes.
	ToolTriggers map[string]string
	// FailWords make the turn fail with an upstream error.
	FailWords []string
	// Delay is paused between streamed words.
	Delay time.Duration
}

type mockAgent struct {
	opts MockOptions
}

// NewMockAgent echoes the transcript back one word at a time.
func NewMockAgent(opts MockOptions) Agent { return &mockAgent{opts: opts} }

func words(text string) []string {
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		out = append(out, strings.Trim(w, ".,!?;:\"'"))
	}
	return out
}

func (m *mockAgent) Generate(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		heard := words(req.Text)
		for _, w := range heard {
			for _, fail := range m.opts.FailWords {
				if w == fail {
					yield(Chunk{}, event.Errorf(event.ErrUpstreamService, "mock agent refused %q", fail))
					return
				}
			}
		}

		var results []string
		called := map[string]bool{}
		for _, w := range heard {
			name, ok := m.opts.ToolTriggers[w]
			if !ok || called[name] {
				continue
			}
			tool, ok := m.opts.Registry.Get(name)
			if !ok {
				continue
			}
			called[name] = true
			result, err := tool.Execute(ctx, "{}")
			if err != nil {
				yield(Chunk{}, event.Errorf(event.ErrUpstreamService, "tool %s: %w", name, err))
				return
			}
			results = append(results, result)
			if !yield(Chunk{Kind: ChunkToolCall, Tool: &event.ToolCall{Name: name, Args: json.RawMessage(`{}`), Result: result}}, nil) {
				return
			}
		}

		reply := fmt.Sprintf("You said %s.", strings.TrimRight(strings.TrimSpace(req.Text), ".!? "))
		if len(results) > 0 {
			reply += " " + strings.Join(results, ". ") + "."
		}
		fields := strings.Fields(reply)
		for i, w := range fields {
			if i < len(fields)-1 {
				w += " "
			}
			if m.opts.Delay > 0 {
				select {
				case <-ctx.Done():
					yield(Chunk{}, ctx.Err())
					return
				case <-time.After(m.opts.Delay):
				}
			}
			if !yield(textChunk(w), nil) {
				return
			}
		}
		yield(endChunk(), nil)
	}
}
