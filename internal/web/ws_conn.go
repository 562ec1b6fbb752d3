package web

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/chatwire/internal/protocol"
)

// errConnGone is returned by blocking sends once the connection ended.
var errConnGone = errors.New("connection gone")

// WSConn wraps a WebSocket connection with a buffered send queue, ping/pong
// keepalive and connection slot bookkeeping. Writes happen only on the
// WritePump goroutine.
type WSConn struct {
	conn     *websocket.Conn
	send     chan []byte
	config   WebSocketSecurityConfig
	logger   *slog.Logger
	clientIP string

	// Connection tracking for cleanup
	tracker *ConnectionTracker
}

// WSConnConfig contains configuration for creating a new WSConn.
type WSConnConfig struct {
	Conn     *websocket.Conn
	Config   WebSocketSecurityConfig
	Logger   *slog.Logger
	ClientIP string
	Tracker  *ConnectionTracker
	SendSize int // Size of send channel buffer (default: 256)
}

// NewWSConn creates a new WebSocket connection wrapper.
func NewWSConn(cfg WSConnConfig) *WSConn {
	sendSize := cfg.SendSize
	if sendSize <= 0 {
		sendSize = 256
	}

	configureWebSocketConn(cfg.Conn, cfg.Config)

	return &WSConn{
		conn:     cfg.Conn,
		send:     make(chan []byte, sendSize),
		config:   cfg.Config,
		logger:   cfg.Logger,
		clientIP: cfg.ClientIP,
		tracker:  cfg.Tracker,
	}
}

// SendMessage sends an unsequenced envelope of msgType carrying data.
// It does not block; if the send buffer is full the message is dropped.
func (w *WSConn) SendMessage(msgType string, data any) {
	env, err := protocol.New(msgType, data)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("failed to build message", "type", msgType, "error", err)
		}
		return
	}
	w.SendEnvelope(env)
}

// SendEnvelope queues env without blocking.
func (w *WSConn) SendEnvelope(env protocol.Envelope) {
	data, err := env.Marshal()
	if err != nil {
		if w.logger != nil {
			w.logger.Error("failed to marshal message", "type", env.Type, "error", err)
		}
		return
	}
	if !w.SendRaw(data) && w.logger != nil {
		w.logger.Warn("WebSocket send buffer full, dropping message",
			"type", env.Type, "seq", env.SeqValue(), "client_ip", w.clientIP)
	}
}

// SendError sends a chat.error to the client.
func (w *WSConn) SendError(code, message string) {
	w.SendMessage(protocol.TypeError, protocol.Error{Message: message, Code: code})
}

// SendRaw queues data without blocking and reports whether it was queued.
// A dropped sequenced event shows up as a gap on the client, which then
// resumes.
func (w *WSConn) SendRaw(data []byte) bool {
	select {
	case w.send <- data:
		return true
	default:
		return false
	}
}

// SendRawWait queues data, waiting for room in the buffer until ctx ends.
// Replays use it so a long history is not truncated by the buffer size.
func (w *WSConn) SendRawWait(ctx context.Context, data []byte) error {
	select {
	case w.send <- data:
		return nil
	case <-ctx.Done():
		return errConnGone
	}
}

// Close closes the underlying WebSocket connection.
func (w *WSConn) Close() error {
	return w.conn.Close()
}

// ReleaseConnectionSlot releases the connection slot from the tracker.
// Should be called during cleanup.
func (w *WSConn) ReleaseConnectionSlot() {
	if w.tracker != nil && w.clientIP != "" {
		w.tracker.Remove(w.clientIP)
	}
}

// WritePump pumps messages from the send channel to the WebSocket connection
// and sends keepalive pings. It runs until ctx ends or a write fails, then
// closes the connection so the reader unblocks. done, if not nil, is closed
// on exit.
func (w *WSConn) WritePump(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(w.config.PingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
		if done != nil {
			close(done)
		}
	}()

	for {
		select {
		case message := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				if w.logger != nil {
					w.logger.Debug("WebSocket write failed", "error", err)
				}
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			w.conn.SetWriteDeadline(time.Now().Add(w.config.WriteWait))
			w.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

// ReadMessage reads a single message from the WebSocket connection.
func (w *WSConn) ReadMessage() ([]byte, error) {
	_, message, err := w.conn.ReadMessage()
	return message, err
}
