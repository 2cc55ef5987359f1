// Package recorder mirrors session events onto the bus and into the
// session journal.
package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
)

const writeTimeout = 2 * time.Second

// Publisher is the part of the bus client the recorder uses.
type Publisher interface {
	Publish(subject string, payload []byte) error
}

// Recorder is a session.Observer. Either side may be nil.
type Recorder struct {
	pub    Publisher
	store  *eventstore.Store
	prefix string
	log    *slog.Logger
	clock  func() time.Time

	mu  sync.Mutex
	seq map[string]int64
}

func New(pub Publisher, store *eventstore.Store, prefix string, log *slog.Logger) *Recorder {
	return &Recorder{
		pub:    pub,
		store:  store,
		prefix: prefix,
		log:    log.With(slog.String("component", "recorder")),
		clock:  time.Now,
		seq:    make(map[string]int64),
	}
}

func (r *Recorder) SessionStarted(s *session.Session) {
	r.mu.Lock()
	r.seq[s.ID()] = 0
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.StartSession(ctx, eventstore.Session{
		ID:         s.ID(),
		RemoteAddr: s.RemoteAddr(),
		SampleRate: s.Format().SampleRate,
		StartedAt:  s.StartedAt(),
	}); err != nil {
		r.log.Warn("journal session start failed", slog.String("session_id", s.ID()), slog.String("error", err.Error()))
	}
	r.lifecycle(s, "started")
}

func (r *Recorder) EventEmitted(s *session.Session, e event.Event) {
	var payload []byte
	if !e.Binary() {
		data, err := e.MarshalJSON()
		if err != nil {
			r.log.Warn("encode event failed", slog.String("session_id", s.ID()), slog.String("error", err.Error()))
			return
		}
		payload = data

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = r.store.AppendEvent(ctx, eventstore.Event{
			SessionID: s.ID(),
			Turn:      e.Turn,
			Kind:      string(e.Kind),
			Payload:   payload,
		})
		cancel()
		if err != nil {
			r.log.Warn("journal event failed", slog.String("session_id", s.ID()), slog.String("error", err.Error()))
		}
	}

	if r.pub == nil {
		return
	}
	env := protocol.Envelope{
		SessionID: s.ID(),
		Sequence:  r.next(s.ID()),
		Turn:      e.Turn,
		Type:      string(e.Kind),
		Event:     payload,
		Timestamp: r.clock().UTC(),
	}
	if e.Binary() {
		env.AudioBytes = len(e.Audio)
	}
	r.publish(protocol.EventsSubject(r.prefix, s.ID()), env)
}

func (r *Recorder) SessionClosed(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.EndSession(ctx, s.ID()); err != nil {
		r.log.Warn("journal session end failed", slog.String("session_id", s.ID()), slog.String("error", err.Error()))
	}
	r.lifecycle(s, "closed")

	r.mu.Lock()
	delete(r.seq, s.ID())
	r.mu.Unlock()
}

func (r *Recorder) next(id string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq[id]++
	return r.seq[id]
}

func (r *Recorder) lifecycle(s *session.Session, state string) {
	if r.pub == nil {
		return
	}
	r.publish(protocol.LifecycleSubject(r.prefix, s.ID()), protocol.Lifecycle{
		SessionID:  s.ID(),
		State:      state,
		SampleRate: s.Format().SampleRate,
		RemoteAddr: s.RemoteAddr(),
		Timestamp:  r.clock().UTC(),
	})
}

func (r *Recorder) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.log.Warn("encode envelope failed", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := r.pub.Publish(subject, data); err != nil {
		r.log.Warn("publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}
