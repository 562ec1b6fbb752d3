// Package transport owns the WebSocket connection of a chat session.
//
// A Channel dials the backend, normalizes every inbound frame into a
// protocol.Envelope and hands it to OnMessage from a single read goroutine.
// When the connection drops it reconnects with exponential backoff, bounded
// by a per-minute attempt limiter, until Close is called or reconnects are
// suspended.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/chatwire/internal/logging"
	"github.com/inercia/chatwire/internal/protocol"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport closed")
	// ErrNotConnected is returned by Send while no connection is up.
	ErrNotConnected = errors.New("transport not connected")
)

// Status is the connection state shown to the user.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusError      Status = "error"
	StatusClosed     Status = "closed"
)

// Defaults for Options.
const (
	DefaultInitialDelay      = 500 * time.Millisecond
	DefaultMaxDelay          = 30 * time.Second
	DefaultAttemptsPerMinute = 12
	DefaultWriteTimeout      = 10 * time.Second
	DefaultMaxMessageSize    = 4 * 1024 * 1024
)

// TokenSource returns the bearer token for a connection attempt. An empty
// token sends no Authorization header.
type TokenSource func(ctx context.Context) (string, error)

// Options configures a Channel.
type Options struct {
	// URL is the ws:// or wss:// endpoint.
	URL   string
	Token TokenSource

	InitialDelay      time.Duration
	MaxDelay          time.Duration
	AttemptsPerMinute int
	WriteTimeout      time.Duration
	MaxMessageSize    int64

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Callbacks receive connection events. All are optional. OnOpen, OnMessage
// and OnClose are invoked from the connection goroutine, one at a time.
type Callbacks struct {
	// OnOpen runs after a connection is established, before any frame is read.
	OnOpen func()
	// OnMessage runs for every normalized inbound envelope.
	OnMessage func(env protocol.Envelope)
	// OnClose runs when an established connection ends.
	OnClose func(err error)
	// OnStatus runs on every status change.
	OnStatus func(status Status, err error)
}

// Channel is a self-healing WebSocket connection. It is safe for
// concurrent use.
type Channel struct {
	opts    Options
	cb      Callbacks
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	status    Status
	closed    bool
	suspended bool
	started   bool

	writeMu sync.Mutex

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// HTTPToWebSocket converts an http(s) base URL and an escaped path into a
// ws(s) URL.
func HTTPToWebSocket(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return "", fmt.Errorf("parse path: %w", err)
	}
	u.Path = unescaped
	u.RawPath = path
	return u.String(), nil
}

// New creates a Channel. Call Start to connect.
func New(opts Options, cb Callbacks) *Channel {
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = DefaultInitialDelay
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = max(DefaultMaxDelay, opts.InitialDelay)
	}
	if opts.AttemptsPerMinute <= 0 {
		opts.AttemptsPerMinute = DefaultAttemptsPerMinute
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Transport()
	}

	// The first attempt and a short burst of retries go through at once.
	perAttempt := time.Minute / time.Duration(opts.AttemptsPerMinute)
	return &Channel{
		opts:    opts,
		cb:      cb,
		limiter: rate.NewLimiter(rate.Every(perAttempt), 3),
		logger:  logger,
		status:  StatusConnecting,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the connection goroutine. It returns immediately.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run(ctx)
}

// Status returns the current status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) setStatus(s Status, err error) {
	c.mu.Lock()
	if c.status == s && err == nil {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()

	c.logger.Debug("transport status", "status", s, "error", err)
	if c.cb.OnStatus != nil {
		c.cb.OnStatus(s, err)
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)

	delay := c.opts.InitialDelay
	for {
		if !c.waitUntilActive(ctx) {
			return
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}

		c.setStatus(StatusConnecting, nil)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Info("connection attempt failed", "url", c.opts.URL, "retry_in", delay, "error", err)
			c.setStatus(StatusConnecting, err)
			if !c.sleep(ctx, delay) {
				return
			}
			delay = min(delay*2, c.opts.MaxDelay)
			continue
		}
		delay = c.opts.InitialDelay

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.logger.Info("connected", "url", c.opts.URL)
		c.setStatus(StatusConnected, nil)
		if c.cb.OnOpen != nil {
			c.cb.OnOpen()
		}

		err = c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		conn.Close()

		if c.cb.OnClose != nil {
			c.cb.OnClose(err)
		}
		if closed {
			return
		}
		c.logger.Info("connection lost", "error", err)
	}
}

// waitUntilActive blocks while reconnects are suspended. It returns false
// when ctx ends.
func (c *Channel) waitUntilActive(ctx context.Context) bool {
	for {
		c.mu.Lock()
		suspended := c.suspended
		c.mu.Unlock()
		if !suspended {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.wake:
		}
	}
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-c.wake:
		return true
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != nil {
		token, err := c.opts.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire token: %w", err)
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	conn.SetReadLimit(c.opts.MaxMessageSize)
	return conn, nil
}

func (c *Channel) readLoop(conn *websocket.Conn) error {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.Normalize(frame)
		if err != nil {
			c.logger.Warn("dropping unparseable frame", "error", err, "size", len(frame))
			continue
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(env)
		}
	}
}

// Send writes env on the current connection.
func (c *Channel) Send(env protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Type, err)
	}

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s: %w", env.Type, err)
	}
	return nil
}

// Reconnect drops the current connection; the connection goroutine dials
// again.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.logger.Debug("forcing reconnect")
		conn.Close()
	}
	c.signal()
}

// Suspend drops the connection and stops reconnecting until Retry. The
// status becomes error with reason.
func (c *Channel) Suspend(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.suspended = true
	conn := c.conn
	c.mu.Unlock()

	c.logger.Warn("automatic reconnects suspended", "reason", reason)
	if conn != nil {
		conn.Close()
	}
	c.setStatus(StatusError, reason)
}

// Retry re-enables reconnects after Suspend and skips any pending backoff.
func (c *Channel) Retry() {
	c.mu.Lock()
	c.suspended = false
	c.mu.Unlock()
	c.signal()
}

func (c *Channel) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close closes the connection and stops reconnecting. It waits for the
// connection goroutine to exit.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	started := c.started
	c.mu.Unlock()

	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if started {
		<-c.done
	}
	c.setStatus(StatusClosed, nil)
	return err
}
