// internal/hub/websocket.go
package hub

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

func newUpgrader(opts Options) websocket.Upgrader {
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		HandshakeTimeout:  10 * time.Second,
		CheckOrigin:       checkOrigin,
		EnableCompression: opts.EnableCompression,
	}
}

// ServeWs upgrades the HTTP connection to a WebSocket, registers it and
// starts its pumps.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "WebSocket endpoint only accepts GET requests", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		h.logger.Errorf("WebSocket upgrade error from %s: %v", r.RemoteAddr, err)
		return
	}

	session := newWSSession(conn, h.opts.MaxMessageSize, h.opts.WriteWait, h.opts.PongWait)
	c := NewConnection(session, r.RemoteAddr, h.opts.QueueSize)
	if _, err := h.Register(c); err != nil {
		h.logger.Warnf("Rejecting connection from %s: %v", r.RemoteAddr, err)
		_ = session.WriteClose(ReasonShutdown)
		c.Close(ReasonShutdown)
		return
	}
	c.Start()
}

// wsSession adapts a gorilla connection to Session.
type wsSession struct {
	conn      *websocket.Conn
	writeWait time.Duration
	pongWait  time.Duration
}

func newWSSession(conn *websocket.Conn, maxMessageSize int64, writeWait, pongWait time.Duration) *wsSession {
	s := &wsSession{conn: conn, writeWait: writeWait, pongWait: pongWait}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})
	return s
}

// ReadMessage returns the next frame's payload. Frames are forwarded as text,
// so binary frames that are not valid UTF-8 have invalid sequences replaced
// with U+FFFD.
func (s *wsSession) ReadMessage() ([]byte, error) {
	_, payload, err := s.conn.ReadMessage()
	if err == nil {
		return toValidUTF8(payload), nil
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil, errors.Join(ErrConnectionClosed, err)
	}
	return nil, &TransportError{Op: "read", Err: err}
}

func (s *wsSession) WriteMessage(payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeWait)); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (s *wsSession) Ping() error {
	if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait)); err != nil {
		return &TransportError{Op: "ping", Err: err}
	}
	return nil
}

func (s *wsSession) WriteClose(reason CloseReason) error {
	code := websocket.CloseNormalClosure
	switch reason {
	case ReasonShutdown:
		code = websocket.CloseGoingAway
	case ReasonOverflow:
		code = websocket.CloseTryAgainLater
	}
	msg := websocket.FormatCloseMessage(code, reason.String())
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeWait))
}

func (s *wsSession) Close() error {
	return s.conn.Close()
}

func toValidUTF8(p []byte) []byte {
	if utf8.Valid(p) {
		return p
	}
	return []byte(strings.ToValidUTF8(string(p), "\uFFFD"))
}

// isExpectedCloseError reports errors that are routine while a connection
// is going away.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
