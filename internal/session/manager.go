package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tools"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"golang.org/x/sync/errgroup"
)

// ConnOptions are the per-connection overrides a transport may request.
type ConnOptions struct {
	SampleRate int
	RemoteAddr string
}

// Manager builds sessions from one resolved configuration and tracks the
// live ones.
type Manager struct {
	cfg       config.Config
	registry  *tools.Registry
	observers []Observer
	base      *slog.Logger
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager checks that every configured adapter can be built before any
// connection arrives.
func NewManager(cfg config.Config, registry *tools.Registry, logger *slog.Logger, observers ...Observer) (*Manager, error) {
	m := &Manager{
		cfg:       cfg,
		registry:  registry,
		observers: observers,
		base:      logger,
		log:       logger.With(slog.String("component", "session.manager")),
		sessions:  make(map[string]*Session),
	}
	if _, _, err := m.build(cfg, logger); err != nil {
		return nil, err
	}
	return m, nil
}

// build wires one pipeline. Every call yields fresh adapter instances.
func (m *Manager) build(cfg config.Config, log *slog.Logger) (pipeline.Stage, *history.History, error) {
	rec, err := stt.FromConfig(cfg.STT, cfg.Session, log)
	if err != nil {
		return nil, nil, fmt.Errorf("build recognizer: %w", err)
	}
	agent, err := llm.FromConfig(cfg.LLM, m.registry, log)
	if err != nil {
		return nil, nil, fmt.Errorf("build agent: %w", err)
	}
	synth, err := tts.FromConfig(cfg.TTS, cfg.Session, log)
	if err != nil {
		return nil, nil, fmt.Errorf("build synthesizer: %w", err)
	}
	var summarizer history.Summarizer
	if cfg.Session.SummarizeHistory {
		summarizer = llm.NewSummarizer(agent)
	}
	hist := history.New(cfg.Session.HistoryTurns, summarizer, log.With(slog.String("component", "history")))
	stage := pipeline.Compose(cfg.Session.StageBuffer,
		pipeline.NewRecognition(rec, stt.FormatFromConfig(cfg.STT), log),
		pipeline.NewGeneration(agent, hist, cfg.LLM, cfg.Session.QueueSize, log),
		pipeline.NewSynthesis(synth, cfg.TTS.Chunking, log),
	)
	return stage, hist, nil
}

// Open creates and starts a session for one connection.
func (m *Manager) Open(ctx context.Context, opts ConnOptions) (*Session, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, event.Errorf(event.ErrSessionState, "session manager is shut down")
	}

	var cfg config.Config
	if err := copier.CopyWithOption(&cfg, &m.cfg, copier.Option{DeepCopy: true}); err != nil {
		return nil, fmt.Errorf("copy session config: %w", err)
	}
	if opts.SampleRate > 0 {
		cfg.STT.SampleRate = opts.SampleRate
	}

	id := uuid.NewString()
	log := m.base.With(slog.String("session_id", id))
	stage, hist, err := m.build(cfg, log)
	if err != nil {
		return nil, err
	}
	s := New(id, stage, Options{
		Format:     stt.FormatFromConfig(cfg.STT),
		History:    hist,
		Buffer:     cfg.Session.StageBuffer,
		CloseGrace: time.Duration(cfg.Session.CloseGraceMS) * time.Millisecond,
		Observers:  m.observers,
		Logger:     m.base.With(slog.String("component", "session")),
		RemoteAddr: opts.RemoteAddr,
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, event.Errorf(event.ErrSessionState, "session manager is shut down")
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.forget(id)
		return nil, err
	}
	go func() {
		<-s.Done()
		m.forget(id)
	}()
	return s, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get returns a live session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll refuses new sessions and closes every live one concurrently.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	if len(live) > 0 {
		m.log.Info("closing sessions", slog.Int("count", len(live)))
	}
	var g errgroup.Group
	for _, s := range live {
		g.Go(func() error { return s.Close(ctx) })
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return errors.Join(err, ctx.Err())
	}
	return err
}
