package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/event"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultOllamaEndpoint = "http://localhost:11434"

type ollamaAgent struct {
	endpoint string
	model    string
	client   *http.Client
}

// NewOllamaAgent streams /api/chat. Ollama has no tool loop here; tools
// are only offered through the OpenAI agent.
func NewOllamaAgent(endpoint, model string) Agent {
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaAgent{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (g *ollamaAgent) Generate(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		fail := func(err error) {
			yield(Chunk{}, event.Errorf(event.ErrUpstreamService, "ollama: %w", err))
		}
		var messages []ollamaMessage
		if req.System != "" {
			messages = append(messages, ollamaMessage{Role: string(RoleSystem), Content: req.System})
		}
		for _, m := range req.History {
			messages = append(messages, ollamaMessage{Role: string(m.Role), Content: m.Content})
		}
		messages = append(messages, ollamaMessage{Role: string(RoleUser), Content: req.Text})

		body, err := json.Marshal(ollamaRequest{
			Model:    g.model,
			Messages: messages,
			Stream:   true,
			Options:  ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
		})
		if err != nil {
			fail(err)
			return
		}

		reqCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
		if err != nil {
			fail(err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := g.client.Do(httpReq)
		if err != nil {
			fail(err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			fail(fmt.Errorf("status %s", resp.Status))
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk ollamaStreamResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				fail(fmt.Errorf("decode stream line: %w", err))
				return
			}
			if chunk.Error != "" {
				fail(fmt.Errorf("%s", chunk.Error))
				return
			}
			if chunk.Message.Content != "" {
				if !yield(textChunk(chunk.Message.Content), nil) {
					return
				}
			}
			if chunk.Done {
				yield(endChunk(), nil)
				return
			}
		}
		if err := scanner.Err(); err != nil {
			if ctx.Err() != nil {
				yield(Chunk{}, ctx.Err())
				return
			}
			fail(err)
			return
		}
		fail(fmt.Errorf("stream ended before done"))
	}
}
