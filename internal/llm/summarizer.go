package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const summaryPrompt = "Summarize the conversation so far in at most three sentences. Keep names, numbers and decisions. Reply with the summary only."

// Summarizer condenses evicted history through any Agent.
type Summarizer struct {
	agent Agent
}

func NewSummarizer(agent Agent) *Summarizer { return &Summarizer{agent: agent} }

func (s *Summarizer) Summarize(ctx context.Context, prior string, evicted []Message) (string, error) {
	var b strings.Builder
	if prior != "" {
		fmt.Fprintf(&b, "Earlier summary: %s\n", prior)
	}
	for _, m := range evicted {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	var out strings.Builder
	for chunk, err := range s.agent.Generate(ctx, Request{Text: b.String(), System: summaryPrompt}) {
		if err != nil {
			return "", fmt.Errorf("summarize: %w", err)
		}
		if chunk.Kind == ChunkText {
			out.WriteString(chunk.Text)
		}
	}
	summary := strings.TrimSpace(out.String())
	if summary == "" {
		return "", errors.New("summarize: empty summary")
	}
	return summary, nil
}
