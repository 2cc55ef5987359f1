package tts

import (
	"context"
	"encoding/binary"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/event"
)

// mockRuneMS is the rendered duration of one character.
const mockRuneMS = 10

// MockOptions configures the offline synthesizer.
type MockOptions struct {
	SampleRate      int
	Channels        int
	ChunkDurationMS int
	// FailWord breaks the stream when it appears in sent text.
	FailWord string
}

type mockSynth struct {
	opts MockOptions
}

// NewMockSynth renders every rune of text to a fixed tone, so the audio for
// a string does not depend on how the string was split.
func NewMockSynth(opts MockOptions) Synthesizer {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.ChunkDurationMS <= 0 {
		opts.ChunkDurationMS = 100
	}
	return &mockSynth{opts: opts}
}

// MockRender returns the PCM the mock synthesizer produces for text.
func MockRender(text string, sampleRate, channels int) []byte {
	perRune := sampleRate * mockRuneMS / 1000 * channels
	var out []byte
	for _, r := range text {
		for i := 0; i < perRune; i++ {
			sample := int16((int(r)*31+i*7)%2000 - 1000)
			out = binary.LittleEndian.AppendUint16(out, uint16(sample))
		}
	}
	return out
}

func (m *mockSynth) Open(_ context.Context) (Stream, error) {
	bytesPerChunk := m.opts.SampleRate * m.opts.ChunkDurationMS / 1000 * m.opts.Channels * 2
	return &mockStream{opts: m.opts, chunkBytes: bytesPerChunk, queue: newChunkQueue()}, nil
}

type mockStream struct {
	opts       MockOptions
	chunkBytes int
	queue      *chunkQueue

	mu        sync.Mutex
	pending   []byte
	closed    bool
	closeOnce sync.Once
}

func (s *mockStream) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return event.Errorf(event.ErrSessionState, "synthesis stream closed")
	}
	if s.opts.FailWord != "" && strings.Contains(strings.ToLower(text), s.opts.FailWord) {
		s.queue.fail(event.Errorf(event.ErrUpstreamService, "mock synthesizer cannot say %q", s.opts.FailWord))
		s.closed = true
		s.queue.finish()
		return nil
	}
	s.pending = append(s.pending, MockRender(text, s.opts.SampleRate, s.opts.Channels)...)
	for len(s.pending) >= s.chunkBytes {
		if !s.queue.push(ctx, Chunk{Audio: append([]byte(nil), s.pending[:s.chunkBytes]...)}) {
			return ctx.Err()
		}
		s.pending = s.pending[s.chunkBytes:]
	}
	return nil
}

func (s *mockStream) EndUtterance(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return event.Errorf(event.ErrSessionState, "synthesis stream closed")
	}
	return s.flushLocked(ctx)
}

func (s *mockStream) flushLocked(ctx context.Context) error {
	if len(s.pending) > 0 {
		if !s.queue.push(ctx, Chunk{Audio: s.pending}) {
			return ctx.Err()
		}
		s.pending = nil
	}
	if !s.queue.push(ctx, Chunk{Flushed: true}) {
		return ctx.Err()
	}
	return nil
}

func (s *mockStream) Recv(ctx context.Context) (Chunk, error) {
	return s.queue.Recv(ctx)
}

func (s *mockStream) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	return nil
}

func (s *mockStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		if len(s.pending) > 0 {
			s.queue.push(ctx, Chunk{Audio: s.pending})
			s.pending = nil
		}
		s.closed = true
		s.queue.finish()
	})
	return nil
}
