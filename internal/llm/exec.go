package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"os/exec"

	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/mattn/go-shellwords"
)

// execAgent runs a local command per turn. The request is written to its
// stdin as JSON and it answers with {"content": "..."}.
type execAgent struct {
	cmd []string
}

type execMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type execRequest struct {
	Prompt      string        `json:"prompt"`
	System      string        `json:"system,omitempty"`
	History     []execMessage `json:"history,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type execResponse struct {
	Content string `json:"content"`
}

func NewExecAgent(command string) (Agent, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execAgent{cmd: args}, nil
}

func (g *execAgent) Generate(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		payload := execRequest{
			Prompt:      req.Text,
			System:      req.System,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		}
		for _, m := range req.History {
			payload.History = append(payload.History, execMessage{Role: string(m.Role), Content: m.Content})
		}
		input, err := json.Marshal(payload)
		if err != nil {
			yield(Chunk{}, err)
			return
		}

		cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
		cmd.Stdin = bytes.NewReader(input)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		output, err := cmd.Output()
		if err != nil {
			yield(Chunk{}, event.Errorf(event.ErrUpstreamService, "llm exec command failed: %w: %s", err, stderr.String()))
			return
		}

		var resp execResponse
		if err := json.Unmarshal(output, &resp); err != nil {
			yield(Chunk{}, event.Errorf(event.ErrUpstreamService, "decode llm exec response: %w", err))
			return
		}
		if resp.Content != "" && !yield(textChunk(resp.Content), nil) {
			return
		}
		yield(endChunk(), nil)
	}
}
