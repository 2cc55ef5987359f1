package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Chunk is one piece of synthesizer output. Flushed marks the end of the
// audio for one EndUtterance call and carries no audio.
type Chunk struct {
	Audio   []byte
	Flushed bool
}

// Stream is one live synthesis connection.
type Stream interface {
	// SendText queues text for synthesis, in call order.
	SendText(ctx context.Context, text string) error
	// EndUtterance asks for every queued text to be rendered. Exactly one
	// Flushed chunk follows the utterance's audio.
	EndUtterance(ctx context.Context) error
	// Recv blocks for the next chunk and returns io.EOF after teardown.
	Recv(ctx context.Context) (Chunk, error)
	// Clear discards text not yet rendered.
	Clear(ctx context.Context) error
	// Close drains rendered audio and tears the connection down.
	Close(ctx context.Context) error
}

// Synthesizer opens synthesis streams.
type Synthesizer interface {
	Open(ctx context.Context) (Stream, error)
}

// Audio adapts a stream into a lazy sequence that ends at io.EOF.
func Audio(ctx context.Context, s Stream) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for {
			c, err := s.Recv(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Chunk{}, err)
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

// FromConfig builds the configured synthesizer.
func FromConfig(cfg config.TTSConfig, session config.SessionConfig, logger *slog.Logger) (Synthesizer, error) {
	switch cfg.Mode {
	case "deepgram":
		drain := time.Duration(session.CloseGraceMS) * time.Millisecond
		return NewDeepgram(cfg, drain, session.MaxMalformed, logger), nil
	case "exec":
		return NewExecSynth(cfg, logger)
	case "mock":
		return NewMockSynth(MockOptions{
			SampleRate:      cfg.SampleRate,
			Channels:        cfg.Channels,
			ChunkDurationMS: cfg.ChunkDurationMS,
			FailWord:        "glitch",
		}), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
