package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/wsconn"
)

const deepgramSpeakEndpoint = "wss://api.deepgram.com/v1/speak"

// Speak websocket message types.
const (
	dgSpeak    = "Speak"
	dgFlush    = "Flush"
	dgClear    = "Clear"
	dgClose    = "Close"
	dgFlushed  = "Flushed"
	dgCleared  = "Cleared"
	dgMetadata = "Metadata"
	dgWarning  = "Warning"
	dgError    = "Error"
)

type deepgram struct {
	cfg          config.TTSConfig
	drain        time.Duration
	maxMalformed int
	log          *slog.Logger
}

func NewDeepgram(cfg config.TTSConfig, drain time.Duration, maxMalformed int, logger *slog.Logger) Synthesizer {
	if drain <= 0 {
		drain = 5 * time.Second
	}
	return &deepgram{
		cfg:          cfg,
		drain:        drain,
		maxMalformed: maxMalformed,
		log:          logger.With(slog.String("component", "tts.deepgram")),
	}
}

func (d *deepgram) endpoint() (string, error) {
	base := d.cfg.Endpoint
	if base == "" {
		base = deepgramSpeakEndpoint
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse deepgram speak endpoint: %w", err)
	}
	q := u.Query()
	model := d.cfg.Model
	if d.cfg.Voice != "" {
		model = d.cfg.Voice
	}
	if model != "" {
		q.Set("model", model)
	}
	encoding := d.cfg.Encoding
	if encoding == "" {
		encoding = "linear16"
	}
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	q.Set("container", "none")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *deepgram) Open(ctx context.Context) (Stream, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}
	conn, err := wsconn.Dial(ctx, endpoint, http.Header{"Authorization": {"Token " + d.cfg.APIKey}}, d.log)
	if err != nil {
		return nil, event.Errorf(event.ErrUpstreamService, "deepgram speak: %w", err)
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		conn:   conn,
		queue:  newChunkQueue(),
		drain:  d.drain,
		guard:  wsconn.MalformedGuard{Limit: d.maxMalformed},
		log:    d.log,
		ctx:    sctx,
		cancel: cancel,
	}
	go s.readLoop()
	return s, nil
}

type deepgramStream struct {
	conn   *wsconn.Conn
	queue  *chunkQueue
	drain  time.Duration
	guard  wsconn.MalformedGuard
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

type dgSpeakMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (s *deepgramStream) send(msg dgSpeakMessage) error {
	if err := s.conn.WriteJSON(msg); err != nil {
		return event.Errorf(event.ErrUpstreamService, "deepgram speak %s: %w", msg.Type, err)
	}
	return nil
}

func (s *deepgramStream) SendText(_ context.Context, text string) error {
	if text == "" {
		return nil
	}
	return s.send(dgSpeakMessage{Type: dgSpeak, Text: text})
}

func (s *deepgramStream) EndUtterance(_ context.Context) error {
	return s.send(dgSpeakMessage{Type: dgFlush})
}

func (s *deepgramStream) Clear(_ context.Context) error {
	return s.send(dgSpeakMessage{Type: dgClear})
}

func (s *deepgramStream) Recv(ctx context.Context) (Chunk, error) {
	return s.queue.Recv(ctx)
}

// Close asks the server to finish rendering and close, waits up to the
// drain window for it, then drops the socket.
func (s *deepgramStream) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.queue.closing.Store(true)
		if err := s.send(dgSpeakMessage{Type: dgClose}); err == nil {
			timer := time.NewTimer(s.drain)
			select {
			case <-s.queue.done:
			case <-timer.C:
			case <-ctx.Done():
			}
			timer.Stop()
		}
		s.closeErr = s.conn.Close()
		s.cancel()
	})
	return s.closeErr
}

func (s *deepgramStream) readLoop() {
	defer s.queue.finish()
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !wsconn.IsNormalClose(err) && !s.queue.closing.Load() {
				s.queue.fail(event.Errorf(event.ErrUpstreamService, "deepgram speak read: %v", err))
			}
			return
		}
		if msgType == websocket.BinaryMessage {
			if !s.queue.push(s.ctx, Chunk{Audio: data}) {
				return
			}
			continue
		}
		if err := s.handle(data); err != nil {
			s.queue.fail(err)
			return
		}
	}
}

type dgSpeakReply struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	ErrMsg      string `json:"err_msg,omitempty"`
	WarnMsg     string `json:"warn_msg,omitempty"`
}

func (s *deepgramStream) handle(data []byte) error {
	var msg dgSpeakReply
	parseErr := json.Unmarshal(data, &msg)
	if parseErr == nil {
		switch msg.Type {
		case dgFlushed:
			_ = s.guard.Observe(nil)
			s.queue.push(s.ctx, Chunk{Flushed: true})
			return nil
		case dgMetadata, dgCleared:
			_ = s.guard.Observe(nil)
			return nil
		case dgWarning:
			_ = s.guard.Observe(nil)
			s.log.Warn("deepgram speak warning", slog.String("message", msg.WarnMsg))
			return nil
		case dgError:
			reason := msg.ErrMsg
			if reason == "" {
				reason = msg.Description
			}
			return event.Errorf(event.ErrUpstreamService, "deepgram speak: %s", reason)
		default:
			parseErr = fmt.Errorf("unknown message type %q", msg.Type)
		}
	}
	s.log.Warn("skipping malformed deepgram speak message", slogError(parseErr), slog.String("payload", wsconn.Truncate(data, 120)))
	if err := s.guard.Observe(parseErr); err != nil {
		return err
	}
	return nil
}
