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
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/wsconn"
)

const assemblyAIEndpoint = "wss://streaming.assemblyai.com/v3/ws"

// AssemblyAI message types on the v3 streaming API.
const (
	aaiBegin       = "Begin"
	aaiTurn        = "Turn"
	aaiTermination = "Termination"
)

type assemblyAI struct {
	cfg          config.STTConfig
	grace        time.Duration
	maxMalformed int
	log          *slog.Logger
}

func NewAssemblyAI(cfg config.STTConfig, grace time.Duration, maxMalformed int, logger *slog.Logger) Recognizer {
	return &assemblyAI{
		cfg:          cfg,
		grace:        grace,
		maxMalformed: maxMalformed,
		log:          logger.With(slog.String("component", "stt.assemblyai")),
	}
}

type aaiMessage struct {
	Type            string `json:"type"`
	ID              string `json:"id,omitempty"`
	Transcript      string `json:"transcript"`
	EndOfTurn       bool   `json:"end_of_turn"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	TurnOrder       int    `json:"turn_order"`
	Error           string `json:"error,omitempty"`
}

type aaiControl struct {
	Type string `json:"type"`
}

func (a *assemblyAI) endpoint(format Format) (string, error) {
	base := a.cfg.Endpoint
	if base == "" {
		base = assemblyAIEndpoint
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse assemblyai endpoint: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(format.SampleRate))
	q.Set("encoding", assemblyAIEncoding(format.Encoding))
	q.Set("format_turns", strconv.FormatBool(a.cfg.FormatTurns))
	if a.cfg.EndOfTurnConf > 0 {
		q.Set("end_of_turn_confidence_threshold", strconv.FormatFloat(a.cfg.EndOfTurnConf, 'f', -1, 64))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func assemblyAIEncoding(enc string) string {
	switch strings.ToLower(enc) {
	case "mulaw", "pcm_mulaw":
		return "pcm_mulaw"
	default:
		return "pcm_s16le"
	}
}

func (a *assemblyAI) Open(ctx context.Context, format Format) (Stream, error) {
	endpoint, err := a.endpoint(format)
	if err != nil {
		return nil, err
	}
	conn, err := wsconn.Dial(ctx, endpoint, http.Header{"Authorization": {a.cfg.APIKey}}, a.log)
	if err != nil {
		return nil, event.Errorf(event.ErrUpstreamService, "assemblyai: %w", err)
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &assemblyAIStream{
		conn:        conn,
		queue:       newResultQueue(),
		grace:       a.grace,
		formatTurns: a.cfg.FormatTurns,
		guard:       wsconn.MalformedGuard{Limit: a.maxMalformed},
		log:         a.log,
		ctx:         sctx,
		cancel:      cancel,
	}
	go s.readLoop()
	return s, nil
}

type assemblyAIStream struct {
	conn        *wsconn.Conn
	queue       *resultQueue
	grace       time.Duration
	formatTurns bool
	guard       wsconn.MalformedGuard
	log         *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func (s *assemblyAIStream) SendAudio(_ context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if err := s.conn.WriteBinary(pcm); err != nil {
		return event.Errorf(event.ErrUpstreamService, "assemblyai send audio: %w", err)
	}
	return nil
}

func (s *assemblyAIStream) Recv(ctx context.Context) (Result, error) {
	return s.queue.Recv(ctx)
}

func (s *assemblyAIStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.queue.closing.Store(true)
		if err := s.conn.WriteJSON(aaiControl{Type: "ForceEndpoint"}); err == nil {
			waitFor(ctx, s.grace, s.queue.finalSeen, s.queue.done)
		}
		if err := s.conn.WriteJSON(aaiControl{Type: "Terminate"}); err == nil {
			waitFor(ctx, s.grace, s.queue.done, nil)
		}
		s.closeErr = s.conn.Close()
		waitFor(ctx, s.grace, s.queue.done, nil)
		s.cancel()
	})
	return s.closeErr
}

func (s *assemblyAIStream) readLoop() {
	defer s.queue.finish()
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !wsconn.IsNormalClose(err) && !s.queue.closing.Load() {
				s.queue.fail(event.Fatalf(event.ErrUpstreamService, "assemblyai read: %v", err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		done, err := s.handle(data)
		if err != nil {
			s.queue.fail(err)
			return
		}
		if done {
			return
		}
	}
}

// handle returns done once the server has acknowledged termination.
func (s *assemblyAIStream) handle(data []byte) (bool, error) {
	var msg aaiMessage
	parseErr := json.Unmarshal(data, &msg)
	if parseErr == nil && msg.Error != "" {
		return true, event.Fatalf(event.ErrUpstreamService, "assemblyai: %s", msg.Error)
	}
	if parseErr == nil && msg.Type != aaiBegin && msg.Type != aaiTurn && msg.Type != aaiTermination {
		parseErr = fmt.Errorf("unknown message type %q", msg.Type)
	}
	if parseErr != nil {
		s.log.Warn("skipping malformed assemblyai message", slogError(parseErr), slog.String("payload", wsconn.Truncate(data, 120)))
		if err := s.guard.Observe(parseErr); err != nil {
			return true, event.Escalate(err, event.ErrUpstreamService)
		}
		return false, nil
	}
	_ = s.guard.Observe(nil)

	switch msg.Type {
	case aaiBegin:
		s.log.Debug("assemblyai session started", slog.String("id", msg.ID))
	case aaiTermination:
		return true, nil
	case aaiTurn:
		final := msg.EndOfTurn && (msg.TurnIsFormatted || !s.formatTurns)
		if !s.queue.push(s.ctx, Result{Text: strings.TrimSpace(msg.Transcript), Final: final, At: time.Now()}) {
			return true, nil
		}
	}
	return false, nil
}

// waitFor blocks until a or b fires, the timeout passes or ctx ends. A nil
// channel never fires.
func waitFor(ctx context.Context, timeout time.Duration, a, b <-chan struct{}) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-a:
	case <-b:
	case <-timer.C:
	case <-ctx.Done():
	}
}
