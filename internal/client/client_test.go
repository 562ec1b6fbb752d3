package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/inercia/chatwire/internal/protocol"
)

func TestClient_ChatExists(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(protocol.ChatExists{Exists: true})
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken(StaticToken("tok")))
	exists, err := c.ChatExists(context.Background(), "app", "wf 1", "chat/7")
	if err != nil {
		t.Fatalf("ChatExists failed: %v", err)
	}
	if !exists {
		t.Error("exists = false, want true")
	}
	if gotPath != "/api/apps/app/workflows/wf%201/chats/chat%2F7/exists" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestClient_FetchTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("mode") != "ask" {
			http.Error(w, "bad mode", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(protocol.Transcript{
			Mode:     protocol.ModeAsk,
			Messages: []protocol.TranscriptEntry{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	entries, err := c.FetchTranscript(context.Background(), "c1", protocol.ModeAsk)
	if err != nil {
		t.Fatalf("FetchTranscript failed: %v", err)
	}
	if len(entries) != 2 || entries[1].Content != "a" {
		t.Errorf("entries = %+v", entries)
	}

	if _, err := c.FetchTranscript(context.Background(), "c1", protocol.ModeWorkflow); err == nil ||
		!strings.Contains(err.Error(), "status 400") {
		t.Errorf("FetchTranscript(workflow) error = %v, want status 400", err)
	}
}

func TestClient_ChatWebSocketURL(t *testing.T) {
	c := New("https://example.com")
	got, err := c.chatWebSocketURL("a b")
	if err != nil {
		t.Fatal(err)
	}
	if got != "wss://example.com/api/chats/a%20b/ws" {
		t.Errorf("URL = %s", got)
	}
}
