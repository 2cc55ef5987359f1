package llm

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/tools"
)

// Role of a history message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one conversation history entry.
type Message struct {
	Role    Role
	Content string
}

// Request describes one agent turn.
type Request struct {
	Text        string
	History     []Message
	System      string
	MaxTokens   int
	Temperature float64
}

type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkToolCall
	ChunkEnd
)

// Chunk is one piece of streamed agent output.
type Chunk struct {
	Kind ChunkKind
	Text string
	Tool *event.ToolCall
}

// Agent is a pluggable conversational backend. The sequence ends after a
// ChunkEnd or an error; breaking out of it releases the vendor stream.
type Agent interface {
	Generate(ctx context.Context, req Request) iter.Seq2[Chunk, error]
}

// FromConfig builds the configured agent. The registry may be nil.
func FromConfig(cfg config.LLMConfig, registry *tools.Registry, logger *slog.Logger) (Agent, error) {
	switch cfg.Mode {
	case "openai":
		return NewOpenAIAgent(NewOpenAI(cfg.Endpoint, cfg.APIKey, cfg.Model), registry, cfg.MaxToolRounds, logger), nil
	case "ollama":
		return NewOllamaAgent(cfg.Endpoint, cfg.Model), nil
	case "exec":
		return NewExecAgent(cfg.Command)
	case "mock":
		return NewMockAgent(MockOptions{
			Registry:     registry,
			ToolTriggers: map[string]string{"time": "clock"},
			FailWords:    []string{"explode"},
		}), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// RequestFromConfig fills the per-turn defaults.
func RequestFromConfig(cfg config.LLMConfig, text string, history []Message) Request {
	return Request{
		Text:        text,
		History:     history,
		System:      cfg.System,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

func textChunk(s string) Chunk { return Chunk{Kind: ChunkText, Text: s} }

func endChunk() Chunk { return Chunk{Kind: ChunkEnd} }

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
