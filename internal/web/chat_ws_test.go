package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inercia/chatwire/internal/config"
	"github.com/inercia/chatwire/internal/protocol"
)

func testServerConfig() config.ServerConfig {
	cfg := config.Default().Server
	cfg.PrintChunkDelay = 0
	cfg.RateLimit = config.RateLimitConfig{}
	return cfg
}

func startServer(t *testing.T, cfg config.ServerConfig) (*Server, *httptest.Server) {
	t.Helper()
	s, err := NewServer(Config{Server: cfg})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s, ts
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialChat(t *testing.T, ts *httptest.Server, chatID string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chats/" + chatID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msgType string, data any) {
	c.t.Helper()
	env, err := protocol.New(msgType, data)
	if err != nil {
		c.t.Fatal(err)
	}
	frame, _ := env.Marshal()
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write %s: %v", msgType, err)
	}
}

func (c *wsClient) next() protocol.Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	env, err := protocol.Normalize(frame)
	if err != nil {
		c.t.Fatalf("normalize: %v", err)
	}
	return env
}

// until reads envelopes up to and including the first of msgType.
func (c *wsClient) until(msgType string) []protocol.Envelope {
	c.t.Helper()
	var seen []protocol.Envelope
	for {
		env := c.next()
		seen = append(seen, env)
		if env.Type == msgType {
			return seen
		}
	}
}

// untilText reads until a chat.text whose content contains substr.
func (c *wsClient) untilText(substr string) []protocol.Envelope {
	c.t.Helper()
	var seen []protocol.Envelope
	for {
		env := c.next()
		seen = append(seen, env)
		if env.Type != protocol.TypeText {
			continue
		}
		var text protocol.Text
		env.Decode(&text)
		if strings.Contains(text.Content, substr) {
			return seen
		}
	}
}

func (c *wsClient) meta() protocol.ChatMeta {
	c.t.Helper()
	env := c.next()
	if env.Type != protocol.TypeChatMeta {
		c.t.Fatalf("first message = %s, want chat_meta", env.Type)
	}
	var meta protocol.ChatMeta
	if err := env.Decode(&meta); err != nil {
		c.t.Fatal(err)
	}
	return meta
}

func decodeBoundary(t *testing.T, env protocol.Envelope) protocol.ResumeBoundary {
	t.Helper()
	if env.Type != protocol.TypeResumeBoundary {
		t.Fatalf("got %s, want resume boundary", env.Type)
	}
	var b protocol.ResumeBoundary
	if err := env.Decode(&b); err != nil {
		t.Fatal(err)
	}
	return b
}

func assertConsecutive(t *testing.T, events []protocol.Envelope, first int64) int64 {
	t.Helper()
	want := first
	for _, e := range events {
		if !e.HasSeq() {
			continue
		}
		if e.SeqValue() != want {
			t.Fatalf("seq %d (%s), want %d", e.SeqValue(), e.Type, want)
		}
		want++
	}
	return want - 1
}

func TestChatWS_NewChatStreamsLiveEvents(t *testing.T) {
	_, ts := startServer(t, testServerConfig())
	c := dialChat(t, ts, "chat-1")

	meta := c.meta()
	if meta.ChatExists || meta.LastSeq != 0 || meta.CacheToken == "" || meta.Mode != protocol.ModeWorkflow {
		t.Fatalf("meta = %+v", meta)
	}

	c.send(protocol.TypeUserInput, protocol.UserInput{Text: "hi"})
	events := c.untilText("echo: hi")
	if last := assertConsecutive(t, events, 1); last != int64(len(events)) {
		t.Errorf("last seq = %d, events = %d", last, len(events))
	}
	if events[0].Type != protocol.TypeText {
		t.Errorf("first event = %s, want the recorded user text", events[0].Type)
	}
}

func TestChatWS_ResumeReplaysThenGoesLive(t *testing.T) {
	_, ts := startServer(t, testServerConfig())
	first := dialChat(t, ts, "chat-1")
	first.meta()
	first.send(protocol.TypeUserInput, protocol.UserInput{Text: "one"})
	events := first.untilText("echo: one")
	total := int64(len(events))
	first.conn.Close()

	second := dialChat(t, ts, "chat-1")
	meta := second.meta()
	if !meta.ChatExists || meta.LastSeq != total {
		t.Fatalf("meta = %+v, want existing chat at seq %d", meta, total)
	}

	second.send(protocol.TypeResumeRequest, protocol.ResumeRequest{LastSeq: 2, CacheToken: meta.CacheToken})
	replay := second.until(protocol.TypeResumeBoundary)
	b := decodeBoundary(t, replay[len(replay)-1])
	if b.Replayed != int(total-2) || b.LastSeq != total || b.Reset {
		t.Errorf("boundary = %+v", b)
	}
	assertConsecutive(t, replay, 3)

	// Live events follow the boundary without a gap.
	second.send(protocol.TypeUserInput, protocol.UserInput{Text: "two"})
	live := second.untilText("echo: two")
	assertConsecutive(t, live, total+1)
}

func TestChatWS_ResumeBeyondLogResets(t *testing.T) {
	_, ts := startServer(t, testServerConfig())
	c := dialChat(t, ts, "chat-1")
	c.meta()
	c.send(protocol.TypeUserInput, protocol.UserInput{Text: "x"})
	events := c.untilText("echo: x")

	c.send(protocol.TypeResumeRequest, protocol.ResumeRequest{LastSeq: 500})
	b := decodeBoundary(t, c.next())
	if !b.Reset || b.Replayed != 0 || b.LastSeq != int64(len(events)) {
		t.Errorf("boundary = %+v", b)
	}
}

func TestChatWS_ExistingChatWaitsForResume(t *testing.T) {
	_, ts := startServer(t, testServerConfig())
	writer := dialChat(t, ts, "chat-1")
	writer.meta()
	writer.send(protocol.TypeUserInput, protocol.UserInput{Text: "a"})
	writer.untilText("echo: a")

	reader := dialChat(t, ts, "chat-1")
	reader.meta()

	// Not resumed yet: live events are held back.
	writer.send(protocol.TypeUserInput, protocol.UserInput{Text: "b"})
	writer.untilText("echo: b")
	reader.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := reader.conn.ReadMessage(); err == nil {
		t.Fatal("connection received events before resuming")
	}
}

func TestChatWS_ToolResponseResolvesAgent(t *testing.T) {
	_, ts := startServer(t, testServerConfig())
	c := dialChat(t, ts, "chat-1")
	c.meta()

	c.send(protocol.TypeUserInput, protocol.UserInput{Text: `/tool pick {"a":1}`})
	events := c.until(protocol.TypeToolCall)
	var call protocol.ToolCall
	if err := events[len(events)-1].Decode(&call); err != nil {
		t.Fatal(err)
	}
	if !call.AwaitingResponse || call.CorrelationID == "" {
		t.Fatalf("call = %+v", call)
	}

	// Unknown ids are ignored.
	c.send(protocol.TypeToolResponse, protocol.ToolResponse{CorrelationID: "nope", Result: protocol.ToolResult{Status: protocol.StatusSuccess}})
	c.send(protocol.TypeToolResponse, protocol.ToolResponse{
		CorrelationID: call.CorrelationID,
		Result:        protocol.ToolResult{Status: protocol.StatusSuccess, Data: json.RawMessage(`{"picked":"a"}`)},
	})
	rest := c.untilText("returned")
	if rest[0].Type != protocol.TypeToolComplete {
		t.Errorf("after response got %s, want tool_complete", rest[0].Type)
	}
}

func TestChatWS_LastDisconnectRejectsWaiters(t *testing.T) {
	s, ts := startServer(t, testServerConfig())
	c := dialChat(t, ts, "chat-1")
	c.meta()
	c.send(protocol.TypeUserInput, protocol.UserInput{Text: "/tool confirm"})
	c.until(protocol.TypeToolCall)
	c.conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for s.connectionTracker.TotalConnections() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never noticed the disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The cancelled call shows up in the history seen by the next client.
	again := dialChat(t, ts, "chat-1")
	again.meta()
	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		again.send(protocol.TypeResumeRequest, protocol.ResumeRequest{LastSeq: 0})
		replay := again.until(protocol.TypeResumeBoundary)
		for _, e := range replay {
			if e.Type == protocol.TypeToolDismiss {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("pending tool call was not dismissed after the last connection closed")
}

func TestChatWS_ModeSwitch(t *testing.T) {
	s, ts := startServer(t, testServerConfig())
	c := dialChat(t, ts, "chat-1")
	c.meta()

	c.send(protocol.TypeModeSwitch, protocol.ModeSwitch{Mode: protocol.ModeAsk})
	env := c.next()
	var mc protocol.ModeChanged
	if env.Type != protocol.TypeModeChanged || env.Decode(&mc) != nil || mc.Mode != protocol.ModeAsk {
		t.Fatalf("got %s %s", env.Type, env.Data)
	}
	chat, _ := s.lookupChat("chat-1")
	if chat.currentMode() != protocol.ModeAsk {
		t.Errorf("server mode = %s", chat.currentMode())
	}

	c.send(protocol.TypeModeSwitch, protocol.ModeSwitch{Mode: "bogus"})
	if env := c.next(); env.Type != protocol.TypeError {
		t.Errorf("invalid mode answered with %s", env.Type)
	}
}

func TestChatWS_InvalidMessages(t *testing.T) {
	_, ts := startServer(t, testServerConfig())
	c := dialChat(t, ts, "chat-1")
	c.meta()

	c.conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	c.send(protocol.TypeUserInput, protocol.UserInput{Text: "   "})

	for _, wantCode := range []string{"invalid_message", "invalid_input"} {
		env := c.next()
		var e protocol.Error
		if env.Type != protocol.TypeError || env.Decode(&e) != nil || e.Code != wantCode {
			t.Errorf("got %s %s, want error %s", env.Type, env.Data, wantCode)
		}
	}
}

func TestChatWS_RateLimited(t *testing.T) {
	cfg := testServerConfig()
	cfg.RateLimit = config.RateLimitConfig{MessagesPerSecond: 0.01, Burst: 1}
	_, ts := startServer(t, cfg)
	c := dialChat(t, ts, "chat-1")
	c.meta()

	c.send(protocol.TypeModeSwitch, protocol.ModeSwitch{Mode: protocol.ModeAsk})
	c.send(protocol.TypeModeSwitch, protocol.ModeSwitch{Mode: protocol.ModeWorkflow})

	if env := c.next(); env.Type != protocol.TypeModeChanged {
		t.Fatalf("first message answered with %s", env.Type)
	}
	env := c.next()
	var e protocol.Error
	if env.Type != protocol.TypeError || env.Decode(&e) != nil || e.Code != "rate_limited" {
		t.Errorf("second message answered with %s %s", env.Type, env.Data)
	}
}

func TestChatWS_ConnectionLimit(t *testing.T) {
	cfg := testServerConfig()
	cfg.WebSocket.MaxConnectionsPerIP = 1
	_, ts := startServer(t, cfg)
	dialChat(t, ts, "chat-1").meta()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chats/chat-1/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("second connection from the same IP was accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("response = %v, want 429", resp)
	}
}

func TestChatWS_RejectsInvalidChatID(t *testing.T) {
	_, ts := startServer(t, testServerConfig())
	resp, err := http.Get(ts.URL + "/api/chats/..bad/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatWS_FileLogSurvivesRestart(t *testing.T) {
	cfg := testServerConfig()
	cfg.DataDir = t.TempDir()

	s1, ts1 := startServer(t, cfg)
	c := dialChat(t, ts1, "chat-1")
	meta1 := c.meta()
	c.send(protocol.TypeUserInput, protocol.UserInput{Text: "persist me"})
	events := c.untilText("echo: persist me")
	c.conn.Close()
	ts1.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s1.Shutdown(ctx)

	_, ts2 := startServer(t, cfg)
	again := dialChat(t, ts2, "chat-1")
	meta2 := again.meta()
	if !meta2.ChatExists || meta2.LastSeq != int64(len(events)) {
		t.Fatalf("meta after restart = %+v", meta2)
	}
	if meta2.CacheToken == meta1.CacheToken {
		t.Error("cache token should change with the server instance")
	}

	again.send(protocol.TypeResumeRequest, protocol.ResumeRequest{LastSeq: 0})
	replay := again.until(protocol.TypeResumeBoundary)
	if got := decodeBoundary(t, replay[len(replay)-1]); got.Replayed != len(events) {
		t.Errorf("replayed %d, want %d", got.Replayed, len(events))
	}
}
