package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/mattn/go-shellwords"
)

// execSynth runs a local command per utterance. It receives the request
// as JSON on stdin and prints NDJSON {"pcm_base64", "final"} lines.
type execSynth struct {
	cmd []string
	cfg config.TTSConfig
	log *slog.Logger
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(cfg config.TTSConfig, logger *slog.Logger) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, cfg: cfg, log: logger.With(slog.String("component", "tts.exec"))}, nil
}

func (e *execSynth) Open(ctx context.Context) (Stream, error) {
	s := &execStream{synth: e, queue: newChunkQueue(), utterances: make(chan string, 8), ctx: ctx}
	go s.worker()
	return s, nil
}

type execStream struct {
	synth      *execSynth
	queue      *chunkQueue
	utterances chan string
	ctx        context.Context

	mu        sync.Mutex
	text      strings.Builder
	closed    bool
	closeOnce sync.Once
}

func (s *execStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return event.Errorf(event.ErrSessionState, "synthesis stream closed")
	}
	s.text.WriteString(text)
	return nil
}

func (s *execStream) EndUtterance(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return event.Errorf(event.ErrSessionState, "synthesis stream closed")
	}
	text := s.text.String()
	s.text.Reset()
	select {
	case s.utterances <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *execStream) Clear(_ context.Context) error {
	s.mu.Lock()
	s.text.Reset()
	s.mu.Unlock()
	return nil
}

func (s *execStream) Recv(ctx context.Context) (Chunk, error) {
	return s.queue.Recv(ctx)
}

// Close waits for utterances already handed to the worker.
func (s *execStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue.closing.Store(true)
		close(s.utterances)
		s.mu.Unlock()
		select {
		case <-s.queue.done:
		case <-ctx.Done():
		}
	})
	return nil
}

func (s *execStream) worker() {
	defer s.queue.finish()
	for text := range s.utterances {
		if strings.TrimSpace(text) != "" {
			if err := s.render(text); err != nil {
				s.queue.fail(event.Errorf(event.ErrUpstreamService, "tts exec: %w", err))
				for range s.utterances {
				}
				return
			}
		}
		if !s.queue.push(s.ctx, Chunk{Flushed: true}) {
			return
		}
	}
}

func (s *execStream) render(text string) error {
	data, err := json.Marshal(execRequest{
		Text:       text,
		Voice:      s.synth.cfg.Voice,
		SampleRate: s.synth.cfg.SampleRate,
		Channels:   s.synth.cfg.Channels,
	})
	if err != nil {
		return err
	}
	cmd := exec.CommandContext(s.ctx, s.synth.cmd[0], s.synth.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	var parseErr error
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			parseErr = fmt.Errorf("decode tts line: %w", err)
			break
		}
		pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			parseErr = fmt.Errorf("decode pcm: %w", err)
			break
		}
		if len(pcm) > 0 && !s.queue.push(s.ctx, Chunk{Audio: pcm}) {
			parseErr = s.ctx.Err()
			break
		}
		if resp.Final {
			break
		}
	}
	if parseErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return parseErr
	}
	_, _ = io.Copy(io.Discard, stdout)
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("command failed: %w: %s", err, stderr.String())
	}
	return scanner.Err()
}
