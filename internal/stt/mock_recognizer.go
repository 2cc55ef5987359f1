package stt

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/event"
)

// MockOptions scripts the mock recognizer.
type MockOptions struct {
	// Transcripts are recognized in order, one per utterance. When the
	// script runs out the recognizer reports utterance numbers instead.
	Transcripts []string
	// SilenceThreshold is the RMS level below which a frame ends speech.
	SilenceThreshold float64
	// FailAfterFrames makes the stream fail fatally on that frame when > 0.
	FailAfterFrames int
}

type mockRecognizer struct {
	opts MockOptions
}

// NewMockRecognizer returns an offline recognizer. Every loud frame
// reveals one more word of the current transcript as a partial; a silent
// frame after speech finalizes it.
func NewMockRecognizer(opts MockOptions) Recognizer {
	return &mockRecognizer{opts: opts}
}

func (m *mockRecognizer) Open(_ context.Context, _ Format) (Stream, error) {
	return &mockStream{opts: m.opts, queue: newResultQueue()}, nil
}

type mockStream struct {
	opts  MockOptions
	queue *resultQueue

	mu        sync.Mutex
	frames    int
	utterance int
	revealed  int
	closed    bool
	closeOnce sync.Once
}

func (s *mockStream) script(n int) []string {
	if n < len(s.opts.Transcripts) {
		return strings.Fields(s.opts.Transcripts[n])
	}
	return []string{"utterance", strconv.Itoa(n + 1)}
}

func (s *mockStream) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return event.Errorf(event.ErrSessionState, "recognition stream closed")
	}
	if len(pcm) == 0 {
		return nil
	}
	s.frames++
	if s.opts.FailAfterFrames > 0 && s.frames >= s.opts.FailAfterFrames {
		s.queue.fail(event.Fatalf(event.ErrUpstreamService, "mock recognizer failed after %d frames", s.frames))
		s.closed = true
		s.queue.finish()
		return nil
	}
	if IsSilent(pcm, s.opts.SilenceThreshold) {
		s.finalizeLocked(ctx)
		return nil
	}
	words := s.script(s.utterance)
	if s.revealed < len(words) {
		s.revealed++
	}
	s.queue.push(ctx, Result{Text: strings.Join(words[:s.revealed], " "), At: time.Now()})
	return nil
}

// finalizeLocked emits the whole scripted transcript once speech was heard.
func (s *mockStream) finalizeLocked(ctx context.Context) {
	if s.revealed == 0 {
		return
	}
	words := s.script(s.utterance)
	s.queue.push(ctx, Result{Text: strings.Join(words, " "), Final: true, At: time.Now()})
	s.utterance++
	s.revealed = 0
}

func (s *mockStream) Recv(ctx context.Context) (Result, error) {
	return s.queue.Recv(ctx)
}

func (s *mockStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		s.queue.closing.Store(true)
		s.finalizeLocked(ctx)
		s.closed = true
		s.queue.finish()
	})
	return nil
}
