package web

import (
	"net/http"

	"github.com/inercia/chatwire/internal/protocol"
)

// handleChatExists reports whether a chat has been used before. The app
// and workflow ids are part of the route only; chats are keyed by id.
// Route: GET /api/apps/{app_id}/workflows/{workflow_id}/chats/{chat_id}/exists
func (s *Server) handleChatExists(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	if !IsValidChatID(chatID) {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_chat_id", "Invalid chat id")
		return
	}
	exists := false
	if c, ok := s.lookupChat(chatID); ok {
		exists = c.exists()
	}
	s.logger.Debug("chat existence checked",
		"app_id", r.PathValue("app_id"),
		"workflow_id", r.PathValue("workflow_id"),
		"chat_id", chatID,
		"exists", exists)
	writeJSONOK(w, protocol.ChatExists{Exists: exists})
}

// handleTranscript returns the text messages recorded while the chat was
// in the requested mode (default workflow).
// Route: GET /api/chats/{chat_id}/transcript?mode=ask
func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	if !IsValidChatID(chatID) {
		writeErrorJSON(w, http.StatusBadRequest, "invalid_chat_id", "Invalid chat id")
		return
	}
	m := protocol.ModeWorkflow
	if q := r.URL.Query().Get("mode"); q != "" {
		parsed, err := protocol.ParseMode(q)
		if err != nil {
			writeErrorJSON(w, http.StatusBadRequest, "invalid_mode", err.Error())
			return
		}
		m = parsed
	}

	c, ok := s.lookupChat(chatID)
	if !ok {
		writeErrorJSON(w, http.StatusNotFound, "chat_not_found", "Chat not found")
		return
	}
	writeJSONOK(w, protocol.Transcript{Mode: m, Messages: c.transcript(m)})
}

// handleHealthCheck reports liveness and basic counters.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	chats := len(s.chats)
	s.mu.Unlock()
	writeJSONOK(w, map[string]any{
		"status":      "ok",
		"chats":       chats,
		"connections": s.connectionTracker.TotalConnections(),
		"api_clients": s.apiLimiter.Clients(),
	})
}
