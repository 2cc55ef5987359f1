package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/tools"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/loqalabs/loqa-voice/internal/llm"

// OpenAIProvider streams one Responses API call.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

func NewOpenAI(baseURL, apiKey, model string) *OpenAIProvider {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, option.WithHTTPClient(&http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}))
	client := openai.NewClient(opts...)
	return &OpenAIProvider{client: &client, model: model}
}

type streamSettings struct {
	maxTokens   int
	temperature float64
}

func (o *OpenAIProvider) ChatStream(ctx context.Context, input []responses.ResponseInputItemUnionParam, tools []responses.ToolUnionParam, settings streamSettings, onToken func(string)) (*responses.Response, error) {
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(o.model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: input,
		},
		Tools: tools,
	}
	if settings.maxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(settings.maxTokens))
	}
	if settings.temperature > 0 {
		params.Temperature = openai.Float(settings.temperature)
	}

	stream := o.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	var completed *responses.Response
	for stream.Next() {
		ev := stream.Current()
		switch ev.Type {
		case "response.output_text.delta":
			if ev.Delta != "" {
				onToken(ev.Delta)
			}
		case "response.completed":
			completed = &ev.Response
		case "response.failed":
			return nil, fmt.Errorf("response failed: %s", ev.Response.Error.Message)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if completed == nil {
		return nil, errors.New("response stream ended without completion")
	}
	return completed, nil
}

// openAIAgent runs the tool loop: stream a response, execute any function
// calls it asks for, feed the results back and repeat until the model
// answers without calls.
type openAIAgent struct {
	provider  *OpenAIProvider
	registry  *tools.Registry
	tools     []responses.ToolUnionParam
	maxRounds int
	log       *slog.Logger
}

func NewOpenAIAgent(provider *OpenAIProvider, registry *tools.Registry, maxRounds int, logger *slog.Logger) Agent {
	if maxRounds <= 0 {
		maxRounds = 4
	}
	a := &openAIAgent{
		provider:  provider,
		registry:  registry,
		maxRounds: maxRounds,
		log:       logger.With(slog.String("component", "llm.openai")),
	}
	for _, t := range registry.All() {
		a.tools = append(a.tools, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        t.Name(),
				Description: openai.String(t.Description()),
				Parameters:  t.InputSchema(),
				Strict:      openai.Bool(false),
			},
		})
	}
	return a
}

func buildInput(req Request) []responses.ResponseInputItemUnionParam {
	var input []responses.ResponseInputItemUnionParam
	if req.System != "" {
		input = append(input, responses.ResponseInputItemParamOfMessage(req.System, "developer"))
	}
	for _, m := range req.History {
		switch m.Role {
		case RoleUser:
			input = append(input, responses.ResponseInputItemParamOfMessage(m.Content, "user"))
		case RoleAssistant:
			input = append(input, responses.ResponseInputItemParamOfMessage(m.Content, "assistant"))
		case RoleSystem:
			input = append(input, responses.ResponseInputItemParamOfMessage(m.Content, "developer"))
		}
	}
	return append(input, responses.ResponseInputItemParamOfMessage(req.Text, "user"))
}

// outputToInput converts response output items into input items for the
// next round.
func outputToInput(output []responses.ResponseOutputItemUnion) []responses.ResponseInputItemUnionParam {
	var items []responses.ResponseInputItemUnionParam
	for _, item := range output {
		switch item.Type {
		case "message":
			v := item.AsMessage().ToParam()
			items = append(items, responses.ResponseInputItemUnionParam{OfOutputMessage: &v})
		case "function_call":
			v := item.AsFunctionCall().ToParam()
			items = append(items, responses.ResponseInputItemUnionParam{OfFunctionCall: &v})
		case "reasoning":
			v := item.AsReasoning().ToParam()
			items = append(items, responses.ResponseInputItemUnionParam{OfReasoning: &v})
		}
	}
	return items
}

func (a *openAIAgent) Generate(ctx context.Context, req Request) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ctx, span := otel.Tracer(tracerName).Start(ctx, "llm.openai.generate")
		defer span.End()

		stopped := false
		emit := func(c Chunk) bool {
			if stopped {
				return false
			}
			if !yield(c, nil) {
				stopped = true
				cancel()
				return false
			}
			return true
		}
		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			if !stopped {
				yield(Chunk{}, event.Errorf(event.ErrUpstreamService, "openai: %w", err))
			}
		}

		input := buildInput(req)
		settings := streamSettings{maxTokens: req.MaxTokens, temperature: req.Temperature}
		for round := 0; ; round++ {
			if round >= a.maxRounds {
				fail(fmt.Errorf("tool loop exceeded %d rounds", a.maxRounds))
				return
			}
			roundCtx, roundSpan := otel.Tracer(tracerName).Start(ctx, "llm.openai.round",
				oteltrace.WithAttributes(attribute.Int("llm.iteration", round)),
			)
			resp, err := a.provider.ChatStream(roundCtx, input, a.tools, settings, func(token string) {
				emit(textChunk(token))
			})
			if err != nil {
				roundSpan.End()
				if stopped {
					return
				}
				fail(err)
				return
			}
			roundSpan.SetAttributes(
				attribute.String("llm.model", string(resp.Model)),
				attribute.Int64("llm.input_tokens", resp.Usage.InputTokens),
				attribute.Int64("llm.output_tokens", resp.Usage.OutputTokens),
			)
			roundSpan.End()
			if stopped {
				return
			}

			input = append(input, outputToInput(resp.Output)...)
			var calls []responses.ResponseFunctionToolCall
			for _, item := range resp.Output {
				if item.Type == "function_call" {
					calls = append(calls, item.AsFunctionCall())
				}
			}
			if len(calls) == 0 {
				emit(endChunk())
				return
			}

			for _, fc := range calls {
				result, err := a.call(ctx, fc)
				if err != nil {
					fail(err)
					return
				}
				if !emit(Chunk{Kind: ChunkToolCall, Tool: &event.ToolCall{
					Name:   fc.Name,
					Args:   rawArgs(fc.Arguments),
					Result: result,
				}}) {
					return
				}
				input = append(input, responses.ResponseInputItemParamOfFunctionCallOutput(fc.CallID, result))
			}
		}
	}
}

func (a *openAIAgent) call(ctx context.Context, fc responses.ResponseFunctionToolCall) (string, error) {
	tool, ok := a.registry.Get(fc.Name)
	if !ok {
		return "", fmt.Errorf("unknown tool %q", fc.Name)
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "tool.execute",
		oteltrace.WithAttributes(attribute.String("tool.name", fc.Name)),
	)
	defer span.End()
	result, err := tool.Execute(ctx, fc.Arguments)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.log.Warn("tool execution failed", slog.String("tool", fc.Name), slogError(err))
		return "", fmt.Errorf("tool %s: %w", fc.Name, err)
	}
	return result, nil
}

// rawArgs keeps the model's arguments as JSON when they parse, otherwise as
// a JSON string.
func rawArgs(args string) json.RawMessage {
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}
