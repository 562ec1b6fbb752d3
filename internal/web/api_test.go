package web

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/inercia/chatwire/internal/protocol"
)

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHandleChatExists(t *testing.T) {
	_, ts := startServer(t, testServerConfig())
	url := ts.URL + "/api/apps/app/workflows/wf/chats/chat-1/exists"

	var got protocol.ChatExists
	if status := getJSON(t, url, &got); status != http.StatusOK || got.Exists {
		t.Fatalf("before connect: status %d, exists %v", status, got.Exists)
	}

	// Checking does not create the chat.
	if status := getJSON(t, url, &got); status != http.StatusOK || got.Exists {
		t.Fatalf("second check: status %d, exists %v", status, got.Exists)
	}

	dialChat(t, ts, "chat-1").meta()
	if status := getJSON(t, url, &got); status != http.StatusOK || !got.Exists {
		t.Errorf("after connect: status %d, exists %v", status, got.Exists)
	}

	if status := getJSON(t, ts.URL+"/api/apps/app/workflows/wf/chats/..x/exists", nil); status != http.StatusBadRequest {
		t.Errorf("invalid id: status %d, want 400", status)
	}
}

func TestHandleChatExists_FromDisk(t *testing.T) {
	cfg := testServerConfig()
	cfg.DataDir = t.TempDir()
	line := `{"type":"chat.text","seq":1,"data":{"content":"old","role":"user"}}` + "\n"
	if err := os.WriteFile(filepath.Join(cfg.DataDir, "old-chat.jsonl"), []byte(line), 0o600); err != nil {
		t.Fatal(err)
	}
	_, ts := startServer(t, cfg)

	var got protocol.ChatExists
	getJSON(t, ts.URL+"/api/apps/a/workflows/w/chats/old-chat/exists", &got)
	if !got.Exists {
		t.Error("chat with a log on disk should exist")
	}

	var tr protocol.Transcript
	if status := getJSON(t, ts.URL+"/api/chats/old-chat/transcript", &tr); status != http.StatusOK {
		t.Fatalf("transcript status %d", status)
	}
	if len(tr.Messages) != 1 || tr.Messages[0].Content != "old" {
		t.Errorf("transcript = %+v", tr)
	}
}

func TestHandleTranscript(t *testing.T) {
	_, ts := startServer(t, testServerConfig())

	if status := getJSON(t, ts.URL+"/api/chats/chat-1/transcript", nil); status != http.StatusNotFound {
		t.Errorf("unknown chat: status %d, want 404", status)
	}

	c := dialChat(t, ts, "chat-1")
	c.meta()
	c.send(protocol.TypeUserInput, protocol.UserInput{Text: "/ask"})
	c.untilText("switched to ask mode")
	c.send(protocol.TypeUserInput, protocol.UserInput{Text: "question"})
	c.untilText("echo: question")

	tests := []struct {
		query      string
		wantStatus int
		wantMode   protocol.Mode
		wantCount  int
	}{
		// The "/ask" input itself was recorded before the switch.
		{"", http.StatusOK, protocol.ModeWorkflow, 1},
		{"?mode=workflow", http.StatusOK, protocol.ModeWorkflow, 1},
		{"?mode=ask", http.StatusOK, protocol.ModeAsk, 3},
		{"?mode=other", http.StatusBadRequest, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var tr protocol.Transcript
			status := getJSON(t, ts.URL+"/api/chats/chat-1/transcript"+tt.query, &tr)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d", status, tt.wantStatus)
			}
			if status != http.StatusOK {
				return
			}
			if tr.Mode != tt.wantMode || len(tr.Messages) != tt.wantCount {
				t.Errorf("transcript = %+v", tr)
			}
		})
	}
}

func TestHandleHealthCheck(t *testing.T) {
	_, ts := startServer(t, testServerConfig())
	dialChat(t, ts, "chat-1").meta()

	var got map[string]any
	if status := getJSON(t, ts.URL+"/api/health", &got); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	// The health request itself is the one API client.
	if got["status"] != "ok" || got["chats"] != float64(1) || got["connections"] != float64(1) || got["api_clients"] != float64(1) {
		t.Errorf("health = %v", got)
	}
}
