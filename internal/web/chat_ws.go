package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/inercia/chatwire/internal/logging"
	"github.com/inercia/chatwire/internal/protocol"
)

// generateClientID creates a unique identifier for a WebSocket client.
func generateClientID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return time.Now().Format("20060102150405.000000000")
	}
	return hex.EncodeToString(b)
}

// chatConn is one WebSocket client attached to a chat.
type chatConn struct {
	server   *Server
	chat     *chat
	ws       *WSConn
	clientID string
	logger   *slog.Logger
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
}

// handleChatWS handles WebSocket connections for a chat.
// Route: GET /api/chats/{chat_id}/ws
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	if !IsValidChatID(chatID) {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_chat_id", "Invalid chat id")
		return
	}
	clientIP := getClientIP(r)

	if !s.connectionTracker.TryAdd(clientIP) {
		s.logger.Warn("chat WebSocket rejected: too many connections",
			"client_ip", clientIP, "chat_id", chatID)
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	c, err := s.getChat(chatID)
	if err != nil {
		s.connectionTracker.Remove(clientIP)
		s.logger.Error("failed to open chat", "chat_id", chatID, "error", err)
		writeErrorJSON(w, http.StatusInternalServerError, "chat_unavailable", "Failed to open chat")
		return
	}

	upgrader := s.getSecureUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connectionTracker.Remove(clientIP)
		s.logger.Debug("chat WebSocket upgrade failed", "error", err, "chat_id", chatID)
		return
	}

	clientID := generateClientID()
	logger := logging.WithClient(s.logger, clientID, chatID)
	ctx, cancel := context.WithCancel(s.ctx)

	cc := &chatConn{
		server:   s,
		chat:     c,
		clientID: clientID,
		logger:   logger,
		limiter:  newMessageLimiter(s.cfg.RateLimit),
		ctx:      ctx,
		cancel:   cancel,
		ws: NewWSConn(WSConnConfig{
			Conn:     conn,
			Config:   s.wsSecurityConfig,
			Logger:   logger,
			ClientIP: clientIP,
			Tracker:  s.connectionTracker,
		}),
	}

	meta := c.attach(cc)
	logger.Info("client connected",
		"client_ip", clientIP,
		"chat_exists", meta.ChatExists,
		"last_seq", meta.LastSeq,
		"mode", meta.Mode)

	go cc.ws.WritePump(ctx, nil)
	go cc.readPump()
}

func (cc *chatConn) readPump() {
	defer func() {
		cc.cancel()
		cc.chat.detach(cc)
		cc.ws.ReleaseConnectionSlot()
		cc.ws.Close()
		cc.logger.Info("client disconnected")
	}()

	for {
		message, err := cc.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cc.logger.Debug("read failed", "error", err)
			}
			return
		}

		if !cc.limiter.Allow() {
			cc.logger.Warn("inbound message rate exceeded, dropping message")
			cc.ws.SendError("rate_limited", "Too many messages")
			continue
		}

		env, err := protocol.Normalize(message)
		if err != nil {
			cc.logger.Debug("unparseable frame", "error", err)
			cc.ws.SendError("invalid_message", "Invalid message format")
			continue
		}
		cc.handleMessage(env)
	}
}

func (cc *chatConn) handleMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResumeRequest:
		var req protocol.ResumeRequest
		if err := env.Decode(&req); err != nil {
			cc.ws.SendError("invalid_message", "Invalid resume request")
			return
		}
		cc.handleResume(req)

	case protocol.TypeUserInput:
		var in protocol.UserInput
		if err := env.Decode(&in); err != nil {
			cc.ws.SendError("invalid_message", "Invalid user input")
			return
		}
		if msg := ValidateUserInput(in.Text); msg != "" {
			cc.ws.SendError("invalid_input", msg)
			return
		}
		cc.server.startTurn(cc.chat, in)

	case protocol.TypeToolResponse:
		var resp protocol.ToolResponse
		if err := env.Decode(&resp); err != nil || resp.CorrelationID == "" {
			cc.ws.SendError("invalid_message", "Invalid tool response")
			return
		}
		// Answers to restored artifacts arrive after their waiter is gone;
		// the registry logs and drops them.
		cc.chat.tools.Resolve(resp.CorrelationID, resp.Result)

	case protocol.TypeModeSwitch:
		var sw protocol.ModeSwitch
		if err := env.Decode(&sw); err != nil {
			cc.ws.SendError("invalid_message", "Invalid mode switch")
			return
		}
		if _, err := protocol.ParseMode(string(sw.Mode)); err != nil {
			cc.ws.SendError("invalid_mode", err.Error())
			return
		}
		if _, err := cc.chat.emit(protocol.TypeModeChanged, protocol.ModeChanged{Mode: sw.Mode}); err != nil {
			cc.logger.Error("failed to record mode change", "error", err)
			cc.ws.SendError("internal", "Failed to switch mode")
			return
		}
		cc.logger.Info("mode switched by client", "mode", sw.Mode)

	default:
		cc.logger.Debug("ignoring message", "type", env.Type)
	}
}

func (cc *chatConn) handleResume(req protocol.ResumeRequest) {
	if req.CacheToken != "" && req.CacheToken != cc.chat.token {
		cc.logger.Debug("resume with a cache token from another server instance", "last_seq", req.LastSeq)
	}
	boundary, err := cc.chat.replay(cc.ctx, cc, req.LastSeq)
	if err != nil {
		if !errors.Is(err, errConnGone) {
			cc.logger.Error("replay failed", "last_seq", req.LastSeq, "error", err)
		}
		return
	}
	cc.logger.Debug("resume served",
		"from", req.LastSeq,
		"last_seq", boundary.LastSeq,
		"replayed", boundary.Replayed,
		"reset", boundary.Reset)
}

// startTurn records the user input and runs the agent on it. Turns of a
// chat run one at a time and outlive the connection that started them.
func (s *Server) startTurn(c *chat, in protocol.UserInput) {
	if _, err := c.emit(protocol.TypeText, protocol.Text{Content: in.Text, Sender: "user", Role: "user"}); err != nil {
		c.logger.Error("failed to record user input", "error", err)
		c.broadcast(protocol.TypeError, protocol.Error{Message: "Failed to record message", Code: "internal"})
		return
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.turns.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.turns.Done()
		c.turnMu.Lock()
		defer c.turnMu.Unlock()

		turn := &Turn{chat: c, Input: in, Mode: c.currentMode()}
		if err := s.agent.Respond(s.ctx, turn); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			c.logger.Warn("agent turn failed", "error", err)
			c.broadcast(protocol.TypeError, protocol.Error{Message: "Agent failed to respond", Code: "agent_error"})
		}
	}()
}
