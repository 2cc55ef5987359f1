package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/mattn/go-shellwords"
)

// execRecognizer shells out to a local transcriber once per utterance.
// The command receives a WAV file via --audio and prints {"text": "..."}.
type execRecognizer struct {
	cmd []string
	cfg config.STTConfig
	log *slog.Logger
}

type execResult struct {
	Text string `json:"text"`
}

func NewExecRecognizer(cfg config.STTConfig, logger *slog.Logger) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg, log: logger.With(slog.String("component", "stt.exec"))}, nil
}

func (r *execRecognizer) Open(ctx context.Context, format Format) (Stream, error) {
	s := &execStream{
		rec:        r,
		format:     format,
		queue:      newResultQueue(),
		utterances: make(chan []byte, 4),
		ctx:        ctx,
	}
	go s.worker()
	return s, nil
}

type execStream struct {
	rec        *execRecognizer
	format     Format
	queue      *resultQueue
	utterances chan []byte
	ctx        context.Context

	mu        sync.Mutex
	buf       bytes.Buffer
	speaking  bool
	closed    bool
	closeOnce sync.Once
}

func (s *execStream) SendAudio(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return event.Errorf(event.ErrSessionState, "recognition stream closed")
	}
	if len(pcm) == 0 {
		return nil
	}
	if IsSilent(pcm, s.rec.cfg.SilenceThreshold) {
		if s.speaking {
			return s.cutLocked(ctx)
		}
		return nil
	}
	s.speaking = true
	s.buf.Write(pcm)
	return nil
}

func (s *execStream) cutLocked(ctx context.Context) error {
	if s.buf.Len() == 0 {
		return nil
	}
	pcm := append([]byte(nil), s.buf.Bytes()...)
	s.buf.Reset()
	s.speaking = false
	select {
	case s.utterances <- pcm:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *execStream) worker() {
	defer s.queue.finish()
	for pcm := range s.utterances {
		text, err := s.transcribe(s.ctx, pcm)
		if err != nil {
			// A failed utterance yields no transcript; the session keeps going.
			s.rec.log.Warn("stt command failed", slogError(err))
			continue
		}
		if !s.queue.push(s.ctx, Result{Text: strings.TrimSpace(text), Final: true, At: time.Now()}) {
			for range s.utterances {
			}
			return
		}
	}
}

func (s *execStream) Recv(ctx context.Context) (Result, error) {
	return s.queue.Recv(ctx)
}

// Close cuts any buffered speech and waits for the worker to transcribe
// it. The wait is bounded by ctx rather than the finalize grace since a
// local command has no early-finalize signal.
func (s *execStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.queue.closing.Store(true)
		_ = s.cutLocked(ctx)
		s.closed = true
		close(s.utterances)
		s.mu.Unlock()
		select {
		case <-s.queue.done:
		case <-ctx.Done():
		}
	})
	return nil
}

func (s *execStream) transcribe(ctx context.Context, pcm []byte) (string, error) {
	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, s.format.SampleRate, s.format.Channels); err != nil {
		return "", err
	}

	args := append([]string{}, s.rec.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if s.rec.cfg.ModelPath != "" {
		args = append(args, "--model", s.rec.cfg.ModelPath)
	}
	if s.rec.cfg.Language != "" {
		args = append(args, "--language", s.rec.cfg.Language)
	}

	command := exec.CommandContext(ctx, s.rec.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return "", fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode stt response: %w", err)
	}
	return resp.Text, nil
}

func writePCMToWav(w io.WriteSeeker, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if channels <= 0 {
		channels = 1
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}, SourceBitDepth: 16}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
