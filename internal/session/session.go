package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/history"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/stt"
)

// State is the session lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed rejects input once Close has begun.
	ErrClosed = event.Errorf(event.ErrSessionState, "session closed")
	// ErrNotStarted rejects input before Start.
	ErrNotStarted = event.Errorf(event.ErrSessionState, "session not started")
)

// Observer sees every session's lifecycle and, in order, every event it
// emits. Observers run on the session's delivery goroutine and must not
// block for long.
type Observer interface {
	SessionStarted(s *Session)
	EventEmitted(s *Session, e event.Event)
	SessionClosed(s *Session)
}

// Options configures one session.
type Options struct {
	Format     stt.Format
	History    *history.History
	Buffer     int
	CloseGrace time.Duration
	Observers  []Observer
	Logger     *slog.Logger
	RemoteAddr string
}

// Session owns one running pipeline for one conversation.
type Session struct {
	id      string
	format  stt.Format
	history *history.History
	stage   pipeline.Stage
	opts    Options
	log     *slog.Logger

	in       chan event.Event
	events   chan event.Event
	stopping chan struct{}
	abandon  chan struct{}
	done     chan struct{}

	mu      sync.RWMutex
	state   State
	closing bool
	started time.Time
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// New builds an idle session around a composed pipeline.
func New(id string, stage pipeline.Stage, opts Options) *Session {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		id:       id,
		format:   opts.Format,
		history:  opts.History,
		stage:    stage,
		opts:     opts,
		log:      opts.Logger.With(slog.String("session_id", id)),
		in:       make(chan event.Event, opts.Buffer),
		events:   make(chan event.Event, opts.Buffer),
		stopping: make(chan struct{}),
		abandon:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Format() stt.Format { return s.format }

// History is the session's conversation memory. It belongs to the
// Generation stage while the session runs.
func (s *Session) History() *history.History { return s.history }

func (s *Session) RemoteAddr() string { return s.opts.RemoteAddr }

func (s *Session) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Events is the ordered output. It is closed once the session is done.
func (s *Session) Events() <-chan event.Event { return s.events }

// Done is closed once every stage has returned and the last event was
// delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start moves an idle session to active and launches its pipeline. The
// pipeline keeps ctx's values but not its cancellation; Close ends it.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return event.Errorf(event.ErrSessionState, "session %s is %s", s.id, s.state)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.state = StateActive
	s.cancel = cancel
	s.started = time.Now()
	s.mu.Unlock()

	for _, o := range s.opts.Observers {
		o.SessionStarted(s)
	}

	out := make(chan event.Event, s.opts.Buffer)
	go func() {
		defer close(out)
		if err := s.stage.Run(runCtx, s.in, out); err != nil && runCtx.Err() == nil {
			s.log.Error("pipeline exited", slog.String("error", err.Error()))
		}
	}()
	go s.deliver(out)
	s.log.Info("session started", slog.Int("sample_rate", s.format.SampleRate), slog.String("pipeline", s.stage.Name()))
	return nil
}

func (s *Session) deliver(out <-chan event.Event) {
	defer func() {
		close(s.events)
		close(s.done)
	}()
	for e := range out {
		for _, o := range s.opts.Observers {
			o.EventEmitted(s, e)
		}
		select {
		case s.events <- e:
		case <-s.abandon:
		}
		if e.Fatal() {
			s.log.Warn("fatal pipeline error, closing session", slog.String("error", e.Err.Error()))
			go func() { _ = s.Close(context.Background()) }()
		}
	}
}

// OnAudioFrame feeds one PCM frame to the pipeline. Empty frames are
// ignored; frames after Close has begun are rejected with ErrClosed.
func (s *Session) OnAudioFrame(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case s.closing || s.state == StateClosed:
		return ErrClosed
	case s.state == StateIdle:
		return ErrNotStarted
	}
	if len(pcm) == 0 {
		return nil
	}
	select {
	case s.in <- event.AudioIn(pcm):
		return nil
	case <-s.stopping:
		return ErrClosed
	}
}

// Close stops intake and lets the stages finish their turn work within
// the close grace, then cancels whatever is left and waits for it. It is
// safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.stopping)
		s.mu.Lock()
		state := s.state
		s.closing = true
		if state == StateIdle {
			s.state = StateClosed
		}
		close(s.in)
		s.mu.Unlock()

		if state == StateIdle {
			close(s.events)
			close(s.done)
			return
		}

		timer := time.NewTimer(s.opts.CloseGrace)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.log.Warn("close grace expired, cancelling pipeline", slog.Duration("grace", s.opts.CloseGrace))
		case <-ctx.Done():
		}
		s.cancel()
		close(s.abandon)
		<-s.done

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		for _, o := range s.opts.Observers {
			o.SessionClosed(s)
		}
		s.log.Info("session closed", slog.Duration("duration", time.Since(s.started)))
	})
	<-s.done
	return nil
}
