package session

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/event"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName scopes the session instruments.
const MeterName = "github.com/loqalabs/loqa-voice/internal/session"

type turnKey struct {
	session string
	turn    int
}

// Metrics records session and turn instruments as an Observer.
type Metrics struct {
	active     metric.Int64UpDownCounter
	events     metric.Int64Counter
	turnErrors metric.Int64Counter
	firstAudio metric.Float64Histogram

	mu      sync.Mutex
	pending map[turnKey]time.Time
	now     func() time.Time
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	active, err := meter.Int64UpDownCounter("loqa_voice_sessions_active", metric.WithDescription("Sessions currently running"))
	if err != nil {
		return nil, err
	}
	events, err := meter.Int64Counter("loqa_voice_events_total", metric.WithDescription("Pipeline events delivered, by kind"))
	if err != nil {
		return nil, err
	}
	turnErrors, err := meter.Int64Counter("loqa_voice_turn_errors_total", metric.WithDescription("Error events, by error kind"))
	if err != nil {
		return nil, err
	}
	firstAudio, err := meter.Float64Histogram("loqa_voice_turn_first_audio_ms",
		metric.WithDescription("Delay from final transcript to first synthesized audio"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &Metrics{
		active:     active,
		events:     events,
		turnErrors: turnErrors,
		firstAudio: firstAudio,
		pending:    make(map[turnKey]time.Time),
		now:        time.Now,
	}, nil
}

func (m *Metrics) SessionStarted(*Session) {
	m.active.Add(context.Background(), 1)
}

func (m *Metrics) EventEmitted(s *Session, e event.Event) {
	ctx := context.Background()
	m.events.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(e.Kind))))
	key := turnKey{session: s.ID(), turn: e.Turn}
	switch e.Kind {
	case event.KindSTTOutput:
		m.mu.Lock()
		m.pending[key] = m.now()
		m.mu.Unlock()
	case event.KindTTSChunk:
		m.mu.Lock()
		start, ok := m.pending[key]
		delete(m.pending, key)
		m.mu.Unlock()
		if ok {
			m.firstAudio.Record(ctx, float64(m.now().Sub(start).Microseconds())/1000)
		}
	case event.KindError:
		if e.Err != nil {
			m.turnErrors.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kind", string(e.Err.Kind)),
				attribute.Bool("fatal", e.Err.Fatal),
			))
		}
		m.mu.Lock()
		delete(m.pending, key)
		m.mu.Unlock()
	}
}

func (m *Metrics) SessionClosed(s *Session) {
	m.active.Add(context.Background(), -1)
	m.mu.Lock()
	for key := range m.pending {
		if key.session == s.ID() {
			delete(m.pending, key)
		}
	}
	m.mu.Unlock()
}
