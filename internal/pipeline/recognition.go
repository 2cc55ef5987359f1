package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/stt"
)

// Recognition streams audio_in frames to the recognizer and turns its
// results into stt_chunk and stt_output events. It owns turn numbering.
type Recognition struct {
	rec    stt.Recognizer
	format stt.Format
	log    *slog.Logger
}

func NewRecognition(rec stt.Recognizer, format stt.Format, logger *slog.Logger) *Recognition {
	return &Recognition{rec: rec, format: format, log: logger.With(slog.String("component", "pipeline.recognition"))}
}

func (r *Recognition) Name() string { return "recognition" }

type recognitionRun struct {
	log    *slog.Logger
	out    chan<- event.Event
	stream stt.Stream
	failed atomic.Bool
	once   sync.Once
}

// fail reports the stream failure once. Recognition failures end the
// session, so the event is fatal.
func (run *recognitionRun) fail(ctx context.Context, turn int, err error) {
	run.once.Do(func() {
		run.failed.Store(true)
		run.log.Error("recognition failed", slogError(err))
		_ = send(ctx, run.out, fatalError(turn, err))
	})
}

func (r *Recognition) Run(ctx context.Context, in <-chan event.Event, out chan<- event.Event) error {
	run := &recognitionRun{log: r.log, out: out}
	stream, err := r.rec.Open(ctx, r.format)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		run.fail(ctx, 0, err)
		return r.passThrough(ctx, in, out)
	}
	run.stream = stream

	var turns atomic.Int64
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		r.receive(ctx, run, &turns)
	}()

loop:
	for {
		select {
		case e, ok := <-in:
			if !ok {
				break loop
			}
			if e.Kind != event.KindAudioIn {
				if err := send(ctx, out, e); err != nil {
					break loop
				}
				continue
			}
			if run.failed.Load() || len(e.Audio) == 0 {
				continue
			}
			if err := stream.SendAudio(ctx, e.Audio); err != nil {
				if ctx.Err() != nil {
					break loop
				}
				run.fail(ctx, int(turns.Load()), err)
			}
		case <-ctx.Done():
			break loop
		}
	}

	if err := stream.Close(ctx); err != nil {
		r.log.Debug("recognition stream close", slogError(err))
	}
	// receive writes to out, which the caller closes once Run returns.
	<-recvDone
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// A failed stream still leaves upstream events to forward.
	return r.passThrough(ctx, in, out)
}

func (r *Recognition) receive(ctx context.Context, run *recognitionRun, turns *atomic.Int64) {
	finalsAfterClose := 0
	for res, err := range stt.Results(ctx, run.stream) {
		if err != nil {
			if ctx.Err() == nil {
				run.fail(ctx, int(turns.Load()), err)
			}
			return
		}
		text := strings.TrimSpace(res.Text)
		if text == "" {
			continue
		}
		next := int(turns.Load()) + 1
		if !res.Final {
			if err := send(ctx, run.out, event.STTChunk(next, text, res.At)); err != nil {
				return
			}
			continue
		}
		// Finals queued before close are complete turns. Close itself may
		// force out one more.
		if res.AfterClose {
			if finalsAfterClose > 0 {
				r.log.Debug("dropping extra final after close", slog.String("transcript", text))
				continue
			}
			finalsAfterClose++
		}
		turns.Store(int64(next))
		r.log.Info("turn transcribed", slog.Int("turn", next), slog.Int("chars", len(text)))
		if err := send(ctx, run.out, event.STTOutput(next, text, res.At)); err != nil {
			return
		}
	}
}

// passThrough forwards everything but audio until in closes.
func (r *Recognition) passThrough(ctx context.Context, in <-chan event.Event, out chan<- event.Event) error {
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return nil
			}
			if e.Kind == event.KindAudioIn {
				continue
			}
			if err := send(ctx, out, e); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
