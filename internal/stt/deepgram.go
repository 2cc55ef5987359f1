package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/wsconn"
)

const deepgramListenEndpoint = "wss://api.deepgram.com/v1/listen"

// Server message types not covered by the SDK interfaces we rely on.
const (
	dgMetadata = "Metadata"
	dgError    = "Error"
)

type deepgram struct {
	cfg          config.STTConfig
	grace        time.Duration
	maxMalformed int
	log          *slog.Logger
}

func NewDeepgram(cfg config.STTConfig, grace time.Duration, maxMalformed int, logger *slog.Logger) Recognizer {
	return &deepgram{
		cfg:          cfg,
		grace:        grace,
		maxMalformed: maxMalformed,
		log:          logger.With(slog.String("component", "stt.deepgram")),
	}
}

func (d *deepgram) endpoint(format Format) (string, error) {
	base := d.cfg.Endpoint
	if base == "" {
		base = deepgramListenEndpoint
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse deepgram endpoint: %w", err)
	}
	q := u.Query()
	encoding := format.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	q.Set("channels", strconv.Itoa(format.Channels))
	if d.cfg.Model != "" {
		q.Set("model", d.cfg.Model)
	}
	if d.cfg.Language != "" {
		q.Set("language", d.cfg.Language)
	}
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	if d.cfg.UtteranceEndMS > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(d.cfg.UtteranceEndMS))
	}
	if d.cfg.EndpointingMS > 0 {
		q.Set("endpointing", strconv.Itoa(d.cfg.EndpointingMS))
	}
	q.Set("vad_events", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *deepgram) Open(ctx context.Context, format Format) (Stream, error) {
	endpoint, err := d.endpoint(format)
	if err != nil {
		return nil, err
	}
	conn, err := wsconn.Dial(ctx, endpoint, http.Header{"Authorization": {"Token " + d.cfg.APIKey}}, d.log)
	if err != nil {
		return nil, event.Errorf(event.ErrUpstreamService, "deepgram: %w", err)
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		conn:   conn,
		queue:  newResultQueue(),
		grace:  d.grace,
		guard:  wsconn.MalformedGuard{Limit: d.maxMalformed},
		log:    d.log,
		ctx:    sctx,
		cancel: cancel,
	}
	s.lastAudio.Store(time.Now().UnixNano())
	go s.readLoop()
	if d.cfg.KeepAliveMS > 0 {
		go s.keepAlive(time.Duration(d.cfg.KeepAliveMS) * time.Millisecond)
	}
	return s, nil
}

type deepgramStream struct {
	conn   *wsconn.Conn
	queue  *resultQueue
	grace  time.Duration
	guard  wsconn.MalformedGuard
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	lastAudio atomic.Int64

	// owned by readLoop
	accumulated []string

	closeOnce sync.Once
	closeErr  error
}

type dgControl struct {
	Type string `json:"type"`
}

func (s *deepgramStream) SendAudio(_ context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.lastAudio.Store(time.Now().UnixNano())
	if err := s.conn.WriteBinary(pcm); err != nil {
		return event.Errorf(event.ErrUpstreamService, "deepgram send audio: %w", err)
	}
	return nil
}

func (s *deepgramStream) Recv(ctx context.Context) (Result, error) {
	return s.queue.Recv(ctx)
}

func (s *deepgramStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.queue.closing.Store(true)
		if err := s.conn.WriteJSON(dgControl{Type: "Finalize"}); err == nil {
			waitFor(ctx, s.grace, s.queue.finalSeen, s.queue.done)
		}
		if err := s.conn.WriteJSON(dgControl{Type: string(api.TypeCloseStreamResponse)}); err == nil {
			waitFor(ctx, s.grace, s.queue.done, nil)
		}
		s.closeErr = s.conn.Close()
		waitFor(ctx, s.grace, s.queue.done, nil)
		s.cancel()
	})
	return s.closeErr
}

func (s *deepgramStream) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.queue.done:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastAudio.Load())) < interval {
				continue
			}
			if err := s.conn.WriteJSON(dgControl{Type: "KeepAlive"}); err != nil {
				s.log.Debug("deepgram keepalive failed", slogError(err))
				return
			}
		}
	}
}

func (s *deepgramStream) readLoop() {
	defer s.queue.finish()
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !wsconn.IsNormalClose(err) && !s.queue.closing.Load() {
				s.queue.fail(event.Fatalf(event.ErrUpstreamService, "deepgram read: %v", err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if err := s.handle(data); err != nil {
			s.queue.fail(err)
			return
		}
	}
}

type dgEnvelope struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (s *deepgramStream) handle(data []byte) error {
	var env dgEnvelope
	parseErr := json.Unmarshal(data, &env)
	if parseErr == nil {
		parseErr = s.dispatch(env, data)
	}
	if fatal, ok := parseErr.(*event.Error); ok && fatal.Fatal {
		return fatal
	}
	if parseErr != nil {
		s.log.Warn("skipping malformed deepgram message", slogError(parseErr), slog.String("payload", wsconn.Truncate(data, 120)))
		if err := s.guard.Observe(parseErr); err != nil {
			return event.Escalate(err, event.ErrUpstreamService)
		}
		return nil
	}
	_ = s.guard.Observe(nil)
	return nil
}

func (s *deepgramStream) dispatch(env dgEnvelope, data []byte) error {
	switch api.TypeResponse(env.Type) {
	case api.TypeMessageResponse:
		var msg api.MessageResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		s.onResults(msg)
	case api.TypeUtteranceEndResponse:
		var msg api.UtteranceEndResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		s.emitFinal()
	case api.TypeSpeechStartedResponse:
		var msg api.SpeechStartedResponse
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		s.log.Debug("deepgram speech started")
	case dgMetadata:
		s.log.Debug("deepgram metadata received")
	case dgError:
		reason := env.Description
		if reason == "" {
			reason = env.Message
		}
		return event.Fatalf(event.ErrUpstreamService, "deepgram: %s", reason)
	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
	return nil
}

func (s *deepgramStream) onResults(msg api.MessageResponse) {
	transcript := ""
	if len(msg.Channel.Alternatives) > 0 {
		transcript = strings.TrimSpace(msg.Channel.Alternatives[0].Transcript)
	}
	if !msg.IsFinal {
		if transcript != "" {
			s.queue.push(s.ctx, Result{Text: s.joined(transcript), At: time.Now()})
		}
		return
	}
	if transcript != "" {
		s.accumulated = append(s.accumulated, transcript)
		s.queue.push(s.ctx, Result{Text: s.joined(""), At: time.Now()})
	}
	// A finalize request answers with an is_final segment; treat it as the
	// end of the utterance.
	if msg.SpeechFinal || s.queue.closing.Load() {
		s.emitFinal()
	}
}

func (s *deepgramStream) joined(interim string) string {
	parts := append([]string(nil), s.accumulated...)
	if interim != "" {
		parts = append(parts, interim)
	}
	return strings.Join(parts, " ")
}

func (s *deepgramStream) emitFinal() {
	if len(s.accumulated) == 0 {
		return
	}
	text := s.joined("")
	s.accumulated = nil
	s.queue.push(s.ctx, Result{Text: text, Final: true, At: time.Now()})
}
