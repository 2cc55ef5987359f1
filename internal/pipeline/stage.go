package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/event"
	"golang.org/x/sync/errgroup"
)

// Stage is one pipeline transform. Run forwards every event it receives,
// before acting on it, and injects the events it produces. It returns once
// in is closed and all of its output has been written. It never closes out.
type Stage interface {
	Name() string
	Run(ctx context.Context, in <-chan event.Event, out chan<- event.Event) error
}

type composed struct {
	buffer int
	stages []Stage
}

// Compose chains stages so each one's output feeds the next through a
// buffered channel. Every stage runs in its own goroutine.
func Compose(buffer int, stages ...Stage) Stage {
	if buffer <= 0 {
		buffer = 1
	}
	return &composed{buffer: buffer, stages: stages}
}

func (c *composed) Name() string {
	names := make([]string, len(c.stages))
	for i, s := range c.stages {
		names[i] = s.Name()
	}
	return strings.Join(names, ">")
}

func (c *composed) Run(ctx context.Context, in <-chan event.Event, out chan<- event.Event) error {
	if len(c.stages) == 0 {
		return forwardAll(ctx, in, out)
	}
	g, gctx := errgroup.WithContext(ctx)
	src := in
	for i, stage := range c.stages {
		input := src
		if i == len(c.stages)-1 {
			g.Go(func() error { return stage.Run(gctx, input, out) })
			break
		}
		next := make(chan event.Event, c.buffer)
		g.Go(func() error {
			defer close(next)
			return stage.Run(gctx, input, next)
		})
		src = next
	}
	return g.Wait()
}

func forwardAll(ctx context.Context, in <-chan event.Event, out chan<- event.Event) error {
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return nil
			}
			if err := send(ctx, out, e); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func send(ctx context.Context, out chan<- event.Event, e event.Event) error {
	select {
	case out <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// turnError builds a turn-scoped error event. The session stays up
// whatever the adapter marked.
func turnError(turn int, err error) event.Event {
	e := *event.AsError(err, event.ErrUpstreamService)
	e.Fatal = false
	return event.Event{Kind: event.KindError, Turn: turn, Err: &e}
}

func fatalError(turn int, err error) event.Event {
	return event.Event{Kind: event.KindError, Turn: turn, Err: event.Escalate(err, event.ErrUpstreamService)}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
