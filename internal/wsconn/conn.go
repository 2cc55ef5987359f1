// Package wsconn is the websocket client shared by the hosted speech
// adapters.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const closeWait = time.Second

// Conn serializes writes on a gorilla connection. Reads stay with a single
// reader goroutine owned by the adapter.
type Conn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
	log       *slog.Logger
}

// Dial opens a websocket to url with the given headers.
func Dial(ctx context.Context, url string, header http.Header, log *slog.Logger) (*Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %s)", redact(url), err, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", redact(url), err)
	}
	return &Conn{conn: conn, log: log}, nil
}

// Wrap adopts an established connection, used by tests and servers.
func Wrap(conn *websocket.Conn, log *slog.Logger) *Conn {
	return &Conn{conn: conn, log: log}
}

func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Conn) WriteBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *Conn) WriteText(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage must only be called from one goroutine.
func (c *Conn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

// Close sends a normal close frame and releases the socket. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		err := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait),
		)
		c.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) && c.log != nil {
			c.log.Debug("websocket close frame failed", slog.String("error", err.Error()))
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsNormalClose reports whether err is an orderly shutdown of the peer.
func IsNormalClose(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, net.ErrClosed)
}

func redact(url string) string {
	base, _, _ := strings.Cut(url, "?")
	return base
}
