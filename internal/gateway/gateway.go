// Package gateway carries sessions over a client websocket: binary frames
// are PCM audio, text frames are JSON control messages and events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/event"
	"github.com/loqalabs/loqa-voice/internal/session"
)

const (
	writeWait     = 5 * time.Second
	closeWait     = 2 * time.Second
	minSampleRate = 8000
	maxSampleRate = 48000
)

// Opener creates a started session for one connection.
type Opener interface {
	Open(ctx context.Context, opts session.ConnOptions) (*session.Session, error)
}

type control struct {
	Type string `json:"type"`
}

// Handler upgrades requests to a voice session.
type Handler struct {
	sessions Opener
	upgrader websocket.Upgrader
	allowAll bool
	allowed  map[string]struct{}
	log      *slog.Logger
}

// New builds a handler. An empty allowlist or a "*" entry accepts any origin.
func New(sessions Opener, cfg config.HTTPConfig, log *slog.Logger) *Handler {
	h := &Handler{
		sessions: sessions,
		allowed:  make(map[string]struct{}),
		allowAll: len(cfg.AllowedOrigins) == 0,
		log:      log.With(slog.String("component", "gateway")),
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
		if origin == "*" {
			h.allowAll = true
		}
		h.allowed[origin] = struct{}{}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.allowAll {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	_, ok := h.allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rate, err := sampleRate(r.URL.Query())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	s, err := h.sessions.Open(r.Context(), session.ConnOptions{SampleRate: rate, RemoteAddr: r.RemoteAddr})
	if err != nil {
		h.log.Error("open session failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		return
	}
	log := h.log.With(slog.String("session_id", s.ID()))

	written := make(chan struct{})
	go func() {
		defer close(written)
		h.write(conn, s, log)
	}()

	h.read(conn, s, log)
	_ = s.Close(context.Background())
	<-written
}

// read feeds inbound frames to the session until the client goes away.
func (h *Handler) read(conn *websocket.Conn, s *session.Session, log *slog.Logger) {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				log.Debug("client closed connection")
			case s.State() == session.StateClosed:
			default:
				log.Warn("client transport error", slog.String("error", err.Error()))
			}
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			onAudio(s, data, log)
		case websocket.TextMessage:
			var msg control
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("malformed control message", slog.String("error", err.Error()))
				continue
			}
			switch msg.Type {
			case "stop":
				log.Debug("client requested stop")
				go func() { _ = s.Close(context.Background()) }()
			default:
				log.Warn("unknown control message", slog.String("type", msg.Type))
			}
		}
	}
}

// onAudio feeds one frame. Frames racing a stop are expected and logged
// at debug.
func onAudio(s *session.Session, data []byte, log *slog.Logger) {
	err := s.OnAudioFrame(data)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrClosed):
		log.Debug("audio frame after session close", slog.Int("bytes", len(data)), slog.String("error", err.Error()))
	default:
		log.Warn("audio frame rejected", slog.String("error", err.Error()))
	}
}

// write is the connection's only data writer. It drains the session even
// once the client is gone so delivery never stalls.
func (h *Handler) write(conn *websocket.Conn, s *session.Session, log *slog.Logger) {
	broken := false
	for e := range s.Events() {
		if broken {
			continue
		}
		if err := writeEvent(conn, e); err != nil {
			log.Warn("write to client failed", slog.String("error", err.Error()))
			broken = true
			go func() { _ = s.Close(context.Background()) }()
		}
	}
	if broken {
		_ = conn.Close()
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		log.Debug("write close frame failed", slog.String("error", err.Error()))
	}
	_ = conn.SetReadDeadline(time.Now().Add(closeWait))
}

func writeEvent(conn *websocket.Conn, e event.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if e.Kind == event.KindTTSChunk {
		return conn.WriteMessage(websocket.BinaryMessage, e.Audio)
	}
	data, err := e.MarshalJSON()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func sampleRate(q url.Values) (int, error) {
	raw := q.Get("sample_rate")
	if raw == "" {
		return 0, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate < minSampleRate || rate > maxSampleRate {
		return 0, errors.New("sample_rate must be an integer between 8000 and 48000")
	}
	return rate, nil
}
