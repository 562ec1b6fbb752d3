// Package web implements the reference chatwire backend: a WebSocket
// endpoint per chat backed by a sequenced event log, resume replay,
// awaited tool calls, mode routing, and the small HTTP API clients use to
// check whether a chat exists and to fetch a transcript.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/inercia/chatwire/internal/config"
	"github.com/inercia/chatwire/internal/correlation"
	"github.com/inercia/chatwire/internal/logging"
)

// ErrServerShutdown is returned when a chat is opened after Shutdown.
var ErrServerShutdown = errors.New("server shut down")

// Config holds the configuration for the web server.
type Config struct {
	// Server holds listen address, storage and limits.
	Server config.ServerConfig
	// Agent answers user input. Defaults to an EchoAgent.
	Agent Agent
	// Logger defaults to the web component logger.
	Logger *slog.Logger
}

// Server is the reference backend.
type Server struct {
	cfg        config.ServerConfig
	agent      Agent
	logger     *slog.Logger
	httpServer *http.Server

	// Security components
	apiLimiter        *APILimiter
	connectionTracker *ConnectionTracker
	wsSecurityConfig  WebSocketSecurityConfig

	// ctx outlives individual connections; agent turns run on it so a
	// client can drop and resume in the middle of a turn.
	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup

	mu       sync.Mutex
	chats    map[string]*chat
	shutdown bool
}

// NewServer creates a new web server.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Web()
	}
	agent := cfg.Agent
	if agent == nil {
		agent = &EchoAgent{ChunkDelay: cfg.Server.PrintChunkDelay}
	}
	if cfg.Server.DataDir != "" {
		if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	wsConfig := webSocketSecurityConfigFrom(cfg.Server.WebSocket)
	s := &Server{
		cfg:               cfg.Server,
		agent:             agent,
		logger:            logger,
		apiLimiter:        NewAPILimiter(cfg.Server.APIRateLimit),
		connectionTracker: NewConnectionTracker(wsConfig.MaxConnectionsPerIP),
		wsSecurityConfig:  wsConfig,
		chats:             make(map[string]*chat),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/chats/{chat_id}/ws", s.handleChatWS)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/apps/{app_id}/workflows/{workflow_id}/chats/{chat_id}/exists", s.handleChatExists)
	api.HandleFunc("GET /api/chats/{chat_id}/transcript", s.handleTranscript)
	api.HandleFunc("GET /api/health", s.handleHealthCheck)
	// WebSocket upgrades are bounded by the connection tracker and the
	// per-connection limiter instead.
	mux.Handle("/api/", s.apiLimiter.Middleware(api))

	s.httpServer = &http.Server{Handler: s.loggingMiddleware(mux)}

	logger.Info("web server initialized",
		"data_dir", cfg.Server.DataDir,
		"max_connections_per_ip", wsConfig.MaxConnectionsPerIP)
	return s, nil
}

// Serve starts the HTTP server on the given listener.
func (s *Server) Serve(listener net.Listener) error {
	return s.httpServer.Serve(listener)
}

// Handler returns the HTTP handler for the server.
// This is useful for testing with httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Shutdown stops accepting requests, closes every chat connection, waits
// for running agent turns and closes the event logs.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	err := s.httpServer.Shutdown(ctx)
	// Hijacked WebSocket connections are not closed by http.Server.
	s.cancel()
	s.apiLimiter.Close()

	s.mu.Lock()
	chats := s.chats
	s.chats = make(map[string]*chat)
	s.mu.Unlock()
	// Unblock turns waiting on tool responses before waiting for them.
	for _, c := range chats {
		c.tools.RejectAll(correlation.ErrConnectionLost)
	}

	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("agent turns still running at shutdown")
	}

	for id, c := range chats {
		if cerr := c.close(); cerr != nil {
			s.logger.Warn("failed to close event log", "chat_id", id, "error", cerr)
		}
	}
	return err
}

// IsShutdown returns whether the server has been shut down.
func (s *Server) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) logPath(chatID string) string {
	return filepath.Join(s.cfg.DataDir, chatID+".jsonl")
}

// getChat returns the chat for id, loading or creating it.
func (s *Server) getChat(id string) (*chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, ErrServerShutdown
	}
	if c, ok := s.chats[id]; ok {
		return c, nil
	}

	var log Log = NewMemoryLog()
	if s.cfg.DataDir != "" {
		fl, err := OpenFileLog(s.logPath(id))
		if err != nil {
			return nil, err
		}
		log = fl
	}

	var opts []correlation.Option
	if s.cfg.ToolCallTimeout > 0 {
		opts = append(opts, correlation.WithTimeout(s.cfg.ToolCallTimeout))
	}
	c, err := newChat(id, log, opts, s.logger)
	if err != nil {
		return nil, err
	}
	s.chats[id] = c
	return c, nil
}

// lookupChat returns a chat only if it is loaded or has a log on disk.
func (s *Server) lookupChat(id string) (*chat, bool) {
	s.mu.Lock()
	c, ok := s.chats[id]
	s.mu.Unlock()
	if ok {
		return c, true
	}
	if s.cfg.DataDir == "" {
		return nil, false
	}
	if _, err := os.Stat(s.logPath(id)); err != nil {
		return nil, false
	}
	c, err := s.getChat(id)
	if err != nil {
		s.logger.Warn("failed to load chat", "chat_id", id, "error", err)
		return nil, false
	}
	return c, true
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"client_ip", getClientIP(r),
			"user_agent", r.UserAgent(),
		)
		next.ServeHTTP(w, r)
	})
}
