package stt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Format describes the PCM audio a session sends.
type Format struct {
	Encoding   string
	SampleRate int
	Channels   int
}

// Result is one normalized recognizer output.
type Result struct {
	Text  string
	Final bool
	At    time.Time
	// AfterClose is set when the recognizer produced the result after
	// Close began, as opposed to one still queued from before.
	AfterClose bool
}

// Stream is one live recognition connection.
type Stream interface {
	// SendAudio forwards PCM to the recognizer in call order.
	SendAudio(ctx context.Context, pcm []byte) error
	// Recv blocks for the next result. It returns io.EOF once the
	// connection has been torn down and every result delivered.
	Recv(ctx context.Context) (Result, error)
	// Close asks the recognizer to finalize, waits a bounded grace period
	// for the final transcript, then tears the connection down.
	Close(ctx context.Context) error
}

// Recognizer opens recognition streams.
type Recognizer interface {
	Open(ctx context.Context, format Format) (Stream, error)
}

// Results adapts a stream into a lazy sequence that ends at io.EOF.
func Results(ctx context.Context, s Stream) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		for {
			res, err := s.Recv(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Result{}, err)
				return
			}
			if !yield(res, nil) {
				return
			}
		}
	}
}

// FromConfig builds the configured recognizer.
func FromConfig(cfg config.STTConfig, session config.SessionConfig, logger *slog.Logger) (Recognizer, error) {
	grace := time.Duration(session.FinalizeGraceMS) * time.Millisecond
	switch cfg.Mode {
	case "assemblyai":
		return NewAssemblyAI(cfg, grace, session.MaxMalformed, logger), nil
	case "deepgram":
		return NewDeepgram(cfg, grace, session.MaxMalformed, logger), nil
	case "exec":
		return NewExecRecognizer(cfg, logger)
	case "mock":
		return NewMockRecognizer(MockOptions{Transcripts: cfg.MockTranscripts, SilenceThreshold: cfg.SilenceThreshold}), nil
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

// FormatFromConfig returns the default session audio format.
func FormatFromConfig(cfg config.STTConfig) Format {
	return Format{Encoding: cfg.Encoding, SampleRate: cfg.SampleRate, Channels: cfg.Channels}
}

// IsSilent reports whether 16-bit little-endian PCM has an RMS level below
// threshold. Empty frames are silent.
func IsSilent(pcm []byte, threshold float64) bool {
	n := len(pcm) / 2
	if n == 0 {
		return true
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += sample * sample
	}
	return math.Sqrt(sum/float64(n)) < threshold
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
