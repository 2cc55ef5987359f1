package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/loqalabs/loqa-voice/internal/pipeline"

// Generation runs the agent once per stt_output, one turn at a time.
// Transcripts that arrive mid-generation wait in a bounded queue.
type Generation struct {
	agent     llm.Agent
	history   *history.History
	cfg       config.LLMConfig
	queueSize int
	log       *slog.Logger
}

func NewGeneration(agent llm.Agent, hist *history.History, cfg config.LLMConfig, queueSize int, logger *slog.Logger) *Generation {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &Generation{
		agent:     agent,
		history:   hist,
		cfg:       cfg,
		queueSize: queueSize,
		log:       logger.With(slog.String("component", "pipeline.generation")),
	}
}

func (g *Generation) Name() string { return "generation" }

func (g *Generation) Run(ctx context.Context, in <-chan event.Event, out chan<- event.Event) error {
	queue := make(chan event.Event, g.queueSize)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for turn := range queue {
			if ctx.Err() != nil {
				continue
			}
			g.generate(ctx, turn, out)
		}
	}()

	err := g.intake(ctx, in, out, queue)
	close(queue)
	<-workerDone
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (g *Generation) intake(ctx context.Context, in <-chan event.Event, out chan<- event.Event, queue chan<- event.Event) error {
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return nil
			}
			if err := send(ctx, out, e); err != nil {
				return err
			}
			if e.Kind != event.KindSTTOutput {
				continue
			}
			select {
			case queue <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Generation) generate(ctx context.Context, turn event.Event, out chan<- event.Event) {
	log := g.log.With(slog.Int("turn", turn.Turn))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "pipeline.generate",
		oteltrace.WithAttributes(attribute.Int("turn", turn.Turn)),
	)
	defer span.End()

	start := time.Now()
	req := llm.RequestFromConfig(g.cfg, turn.Transcript, g.history.Messages())
	var reply strings.Builder
	var genErr error
	tools := 0

stream:
	for chunk, err := range g.agent.Generate(ctx, req) {
		if err != nil {
			genErr = err
			break
		}
		switch chunk.Kind {
		case llm.ChunkText:
			if chunk.Text == "" {
				continue
			}
			reply.WriteString(chunk.Text)
			if send(ctx, out, event.AgentChunk(turn.Turn, chunk.Text)) != nil {
				return
			}
		case llm.ChunkToolCall:
			if chunk.Tool == nil {
				continue
			}
			tools++
			if send(ctx, out, event.ToolCallEvent(turn.Turn, *chunk.Tool)) != nil {
				return
			}
		case llm.ChunkEnd:
			break stream
		}
	}
	if ctx.Err() != nil {
		return
	}
	if genErr != nil {
		span.RecordError(genErr)
		span.SetStatus(codes.Error, genErr.Error())
		log.Warn("generation failed", slogError(genErr))
		_ = send(ctx, out, turnError(turn.Turn, genErr))
		return
	}
	span.SetAttributes(attribute.Int("reply.chars", reply.Len()), attribute.Int("tool.calls", tools))
	log.Info("generation complete", slog.Duration("latency", time.Since(start)), slog.Int("tool_calls", tools))
	if send(ctx, out, event.AgentEnd(turn.Turn)) != nil {
		return
	}
	g.history.Append(ctx, turn.Transcript, reply.String())
}
